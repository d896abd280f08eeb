package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// RemoteCatalog registers tools served by an HTTP tool host:
// GET {base}/tools lists definitions, POST {base}/tools/{name} runs one.
type RemoteCatalog struct {
	baseURL  string
	client   *http.Client
	registry *Registry

	mu    sync.Mutex
	names map[string]struct{}
}

func NewRemoteCatalog(baseURL string, timeout time.Duration, registry *Registry) *RemoteCatalog {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &RemoteCatalog{
		baseURL:  strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		client:   &http.Client{Timeout: timeout},
		registry: registry,
		names:    make(map[string]struct{}),
	}
}

// Refresh replaces the previously registered remote tools with the host's current list.
// Built-in tools with the same name are shadowed by the remote ones.
func (c *RemoteCatalog) Refresh(ctx context.Context) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/tools", nil)
	if err != nil {
		return 0, fmt.Errorf("create request: %w", err)
	}
	res, err := c.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("list remote tools: %w", err)
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		return 0, fmt.Errorf("remote tools status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}

	var defs []Definition
	if err := json.NewDecoder(io.LimitReader(res.Body, 1<<20)).Decode(&defs); err != nil {
		return 0, fmt.Errorf("decode remote tools: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for name := range c.names {
		c.registry.Unregister(name)
	}
	c.names = make(map[string]struct{}, len(defs))
	for _, def := range defs {
		def.Name = strings.TrimSpace(def.Name)
		if def.Name == "" {
			continue
		}
		if def.Type == "" {
			def.Type = "function"
		}
		c.registry.Register(&remoteTool{def: def, catalog: c})
		c.names[def.Name] = struct{}{}
	}
	return len(c.names), nil
}

type remoteTool struct {
	def     Definition
	catalog *RemoteCatalog
}

func (t *remoteTool) Definition() Definition { return t.def }

func (t *remoteTool) Execute(ctx context.Context, args json.RawMessage) (string, error) {
	payload, err := json.Marshal(map[string]json.RawMessage{"arguments": args})
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}
	endpoint := t.catalog.baseURL + "/tools/" + url.PathEscape(t.def.Name)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := t.catalog.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("send request: %w", err)
	}
	defer res.Body.Close()

	body, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return "", fmt.Errorf("remote tool status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}

	var obj struct {
		Output json.RawMessage `json:"output"`
	}
	if err := json.Unmarshal(body, &obj); err == nil && len(obj.Output) > 0 {
		var s string
		if json.Unmarshal(obj.Output, &s) == nil {
			return s, nil
		}
		return string(obj.Output), nil
	}
	return strings.TrimSpace(string(body)), nil
}
