// Package tools runs the functions offered to the model during a session.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sashabaranov/go-openai"
)

var ErrToolNotFound = errors.New("tool not found")

// ExecutionError wraps a failure inside a tool.
type ExecutionError struct {
	Tool string
	Err  error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("tool %s failed: %v", e.Tool, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// Definition is the schema of one tool in the realtime session format.
type Definition struct {
	Type        string          `json:"type"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// DefinitionFrom converts a chat-completions function definition into the session format.
func DefinitionFrom(fn openai.FunctionDefinition) Definition {
	def := Definition{Type: "function", Name: fn.Name, Description: fn.Description}
	if fn.Parameters != nil {
		if raw, err := json.Marshal(fn.Parameters); err == nil {
			def.Parameters = raw
		}
	}
	return def
}

// Tool is a single callable function.
type Tool interface {
	Definition() Definition
	Execute(ctx context.Context, args json.RawMessage) (string, error)
}

// Registry holds tools by name. Remote tools can be replaced while sessions read it.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Definition().Name] = t
}

func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tools, name)
}

func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Definitions lists every registered tool, sorted by name.
func (r *Registry) Definitions() []Definition {
	r.mu.RLock()
	out := make([]Definition, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t.Definition())
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Executor runs tools by name with a per-call timeout.
type Executor struct {
	registry *Registry
	timeout  time.Duration
}

func NewExecutor(registry *Registry, timeout time.Duration) *Executor {
	if registry == nil {
		registry = NewRegistry()
	}
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	return &Executor{registry: registry, timeout: timeout}
}

func (e *Executor) Registry() *Registry { return e.registry }

// GetToolDefinitions returns the schemas offered to the upstream session.
func (e *Executor) GetToolDefinitions() []Definition {
	return e.registry.Definitions()
}

// Execute runs the named tool. Failures are ErrToolNotFound or *ExecutionError; panics inside a
// tool are recovered into an *ExecutionError.
func (e *Executor) Execute(ctx context.Context, name, args string) (string, error) {
	name = strings.TrimSpace(name)
	t, ok := e.registry.Get(name)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrToolNotFound, name)
	}

	raw := json.RawMessage(strings.TrimSpace(args))
	if len(raw) == 0 {
		raw = json.RawMessage("{}")
	}
	if !json.Valid(raw) {
		return "", &ExecutionError{Tool: name, Err: errors.New("arguments are not valid JSON")}
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	// A tool that ignores ctx is abandoned at the deadline; its result is dropped.
	done := make(chan toolResult, 1)
	go func() {
		var res toolResult
		defer func() {
			if r := recover(); r != nil {
				res = toolResult{err: fmt.Errorf("panic: %v", r)}
			}
			done <- res
		}()
		res.out, res.err = t.Execute(ctx, raw)
	}()

	var res toolResult
	select {
	case res = <-done:
	case <-ctx.Done():
		res.err = ctx.Err()
	}
	if res.err != nil {
		err := res.err
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			err = fmt.Errorf("timed out after %s: %w", e.timeout, err)
		}
		return "", &ExecutionError{Tool: name, Err: err}
	}
	return res.out, nil
}

type toolResult struct {
	out string
	err error
}

// ErrorOutput renders a tool failure as the output string handed back to the model.
func ErrorOutput(err error) string {
	b, _ := json.Marshal(map[string]string{"error": err.Error()})
	return string(b)
}
