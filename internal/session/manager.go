package session

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusActive Status = "active"
	StatusEnded  Status = "ended"
)

// Transport is the client endpoint a connection arrived on.
type Transport string

const (
	TransportWeb       Transport = "web"
	TransportTelephony Transport = "telephony"
	TransportAvatar    Transport = "avatar"
)

var ErrNotFound = errors.New("connection not found")

// Connection is the registry record of one live client transport.
type Connection struct {
	ID               string    `json:"session_id"`
	UserID           string    `json:"user_id"`
	Transport        Transport `json:"transport"`
	Flavor           string    `json:"flavor,omitempty"`
	Status           Status    `json:"status"`
	CallConnectionID string    `json:"call_connection_id,omitempty"`
	Reconfigurations int       `json:"reconfigurations"`
	StartedAt        time.Time `json:"started_at"`
	LastActivityAt   time.Time `json:"last_activity_at"`
	EndedAt          time.Time `json:"ended_at,omitempty"`
}

type entry struct {
	conn Connection
	stop func()
}

// Manager tracks live connections so they can be listed and stopped from outside the relay.
type Manager struct {
	mu                sync.RWMutex
	conns             map[string]*entry
	inactivityTimeout time.Duration
	onExpire          func(*Connection)
}

func NewManager(inactivityTimeout time.Duration) *Manager {
	if inactivityTimeout <= 0 {
		inactivityTimeout = 10 * time.Minute
	}
	return &Manager{
		conns:             make(map[string]*entry),
		inactivityTimeout: inactivityTimeout,
	}
}

func (m *Manager) InactivityTimeout() time.Duration { return m.inactivityTimeout }

func (m *Manager) SetExpireHook(hook func(*Connection)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onExpire = hook
}

// Register records a new connection. stop, when non-nil, is called once when the connection is
// ended through the registry or expires.
func (m *Manager) Register(userID string, transport Transport, stop func()) *Connection {
	now := time.Now().UTC()
	c := Connection{
		ID:             uuid.NewString(),
		UserID:         userID,
		Transport:      transport,
		Status:         StatusActive,
		StartedAt:      now,
		LastActivityAt: now,
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.conns[c.ID] = &entry{conn: c, stop: stop}
	return clone(&c)
}

// Attach sets the stop func of a connection registered without one.
func (m *Manager) Attach(id string, stop func()) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.conns[id]
	if !ok {
		return ErrNotFound
	}
	if e.conn.Status == StatusActive {
		e.stop = stop
	}
	return nil
}

func (m *Manager) Get(id string) (*Connection, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.conns[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(&e.conn), nil
}

func (m *Manager) update(id string, fn func(*Connection)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.conns[id]
	if !ok {
		return ErrNotFound
	}
	fn(&e.conn)
	e.conn.LastActivityAt = time.Now().UTC()
	return nil
}

func (m *Manager) Touch(id string) error {
	return m.update(id, func(*Connection) {})
}

func (m *Manager) SetFlavor(id, flavor string) error {
	return m.update(id, func(c *Connection) { c.Flavor = flavor })
}

func (m *Manager) SetCallConnection(id, callConnectionID string) error {
	return m.update(id, func(c *Connection) { c.CallConnectionID = callConnectionID })
}

func (m *Manager) CountReconfiguration(id string) error {
	return m.update(id, func(c *Connection) { c.Reconfigurations++ })
}

// End marks the connection ended and stops its relay. Ending twice is a no-op.
func (m *Manager) End(id string) (*Connection, error) {
	m.mu.Lock()
	e, ok := m.conns[id]
	if !ok {
		m.mu.Unlock()
		return nil, ErrNotFound
	}
	stop := m.endLocked(e, time.Now().UTC())
	out := clone(&e.conn)
	m.mu.Unlock()

	if stop != nil {
		stop()
	}
	return out, nil
}

// endLocked must be called with mu held. It returns the stop func to run outside the lock.
func (m *Manager) endLocked(e *entry, now time.Time) func() {
	if e.conn.Status != StatusActive {
		return nil
	}
	e.conn.Status = StatusEnded
	e.conn.LastActivityAt = now
	e.conn.EndedAt = now
	stop := e.stop
	e.stop = nil
	return stop
}

// List returns every tracked connection, most recent first.
func (m *Manager) List() []Connection {
	m.mu.RLock()
	out := make([]Connection, 0, len(m.conns))
	for _, e := range m.conns {
		out = append(out, e.conn)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return out
}

func (m *Manager) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.expireInactive()
			}
		}
	}()
}

func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	count := 0
	for _, e := range m.conns {
		if e.conn.Status == StatusActive {
			count++
		}
	}
	return count
}

// expireInactive ends idle connections and forgets ended ones past the inactivity window.
func (m *Manager) expireInactive() {
	now := time.Now().UTC()
	var (
		expired []*Connection
		stops   []func()
	)

	m.mu.Lock()
	for id, e := range m.conns {
		if e.conn.Status != StatusActive {
			if now.Sub(e.conn.EndedAt) >= m.inactivityTimeout {
				delete(m.conns, id)
			}
			continue
		}
		if now.Sub(e.conn.LastActivityAt) < m.inactivityTimeout {
			continue
		}
		if stop := m.endLocked(e, now); stop != nil {
			stops = append(stops, stop)
		}
		expired = append(expired, clone(&e.conn))
	}
	hook := m.onExpire
	m.mu.Unlock()

	for _, stop := range stops {
		stop()
	}
	if hook != nil {
		for _, c := range expired {
			hook(c)
		}
	}
}

func clone(c *Connection) *Connection {
	out := *c
	return &out
}
