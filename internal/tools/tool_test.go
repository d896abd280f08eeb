package tools

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/matryer/is"
)

type slowTool struct{}

func (slowTool) Definition() Definition { return Definition{Type: "function", Name: "Slow"} }

func (slowTool) Execute(ctx context.Context, _ json.RawMessage) (string, error) {
	<-ctx.Done()
	return "", ctx.Err()
}

// stuckTool never looks at ctx.
type stuckTool struct{ release chan struct{} }

func (stuckTool) Definition() Definition { return Definition{Type: "function", Name: "Stuck"} }

func (s stuckTool) Execute(context.Context, json.RawMessage) (string, error) {
	<-s.release
	return "late", nil
}

type panicTool struct{}

func (panicTool) Definition() Definition { return Definition{Type: "function", Name: "Boom"} }

func (panicTool) Execute(context.Context, json.RawMessage) (string, error) {
	panic("boom")
}

func TestExecuteGetWeather(t *testing.T) {
	is := is.New(t)
	r := NewRegistry()
	RegisterBuiltins(r)
	exec := NewExecutor(r, time.Second)

	out, err := exec.Execute(context.Background(), "GetWeather", `{"city":"Paris"}`)
	is.NoErr(err)

	var got map[string]any
	is.NoErr(json.Unmarshal([]byte(out), &got))
	is.Equal(got["city"], "Paris")
	is.Equal(got["unit"], "celsius")

	again, err := exec.Execute(context.Background(), "GetWeather", `{"city":"paris"}`)
	is.NoErr(err)
	var second map[string]any
	is.NoErr(json.Unmarshal([]byte(again), &second))
	is.Equal(second["temperature"], got["temperature"])
}

func TestExecuteErrors(t *testing.T) {
	is := is.New(t)
	r := NewRegistry()
	RegisterBuiltins(r)
	r.Register(slowTool{})
	r.Register(panicTool{})
	exec := NewExecutor(r, 20*time.Millisecond)

	_, err := exec.Execute(context.Background(), "Missing", `{}`)
	is.True(errors.Is(err, ErrToolNotFound))

	_, err = exec.Execute(context.Background(), "GetWeather", `{"city":`)
	var execErr *ExecutionError
	is.True(errors.As(err, &execErr))

	_, err = exec.Execute(context.Background(), "GetWeather", `{}`)
	is.True(errors.As(err, &execErr))
	is.Equal(execErr.Tool, "GetWeather")

	_, err = exec.Execute(context.Background(), "Slow", "")
	is.True(errors.As(err, &execErr))
	is.True(errors.Is(err, context.DeadlineExceeded))

	_, err = exec.Execute(context.Background(), "Boom", "")
	is.True(errors.As(err, &execErr))

	out := ErrorOutput(err)
	is.True(strings.Contains(out, `"error"`))
}

func TestExecuteAbandonsToolIgnoringContext(t *testing.T) {
	is := is.New(t)
	stuck := stuckTool{release: make(chan struct{})}
	t.Cleanup(func() { close(stuck.release) })
	r := NewRegistry()
	r.Register(stuck)
	exec := NewExecutor(r, 30*time.Millisecond)

	start := time.Now()
	out, err := exec.Execute(context.Background(), "Stuck", "")
	is.True(time.Since(start) < time.Second)
	is.Equal(out, "")
	var execErr *ExecutionError
	is.True(errors.As(err, &execErr))
	is.True(errors.Is(err, context.DeadlineExceeded))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = exec.Execute(ctx, "Stuck", "")
	is.True(errors.Is(err, context.Canceled))
}

func TestGetToolDefinitionsSorted(t *testing.T) {
	is := is.New(t)
	r := NewRegistry()
	RegisterBuiltins(r)
	defs := NewExecutor(r, 0).GetToolDefinitions()

	is.Equal(len(defs), 2)
	is.Equal(defs[0].Name, "GetCurrentTime")
	is.Equal(defs[1].Name, "GetWeather")
	is.Equal(defs[1].Type, "function")
	is.True(strings.Contains(string(defs[1].Parameters), `"required":["city"]`))
}

func TestRemoteCatalogRefreshAndExecute(t *testing.T) {
	is := is.New(t)
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/tools":
			_, _ = w.Write([]byte(`[{"name":"LookupOrder","description":"Find an order","parameters":{"type":"object"}},{"name":""}]`))
		case r.Method == http.MethodPost && r.URL.Path == "/tools/LookupOrder":
			calls++
			var body struct {
				Arguments map[string]string `json:"arguments"`
			}
			_ = json.NewDecoder(r.Body).Decode(&body)
			_ = json.NewEncoder(w).Encode(map[string]string{"output": "order " + body.Arguments["id"] + " shipped"})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	r := NewRegistry()
	catalog := NewRemoteCatalog(srv.URL+"/", time.Second, r)
	n, err := catalog.Refresh(context.Background())
	is.NoErr(err)
	is.Equal(n, 1)

	out, err := NewExecutor(r, time.Second).Execute(context.Background(), "LookupOrder", `{"id":"42"}`)
	is.NoErr(err)
	is.Equal(out, "order 42 shipped")
	is.Equal(calls, 1)
}
