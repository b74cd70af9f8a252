// Package platformtest provides an in-memory platform adapter for tests.
package platformtest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/Mindburn-Labs/govbox/pkg/platform"
)

// Call is one recorded Invoke.
type Call struct {
	Endpoint string
	Token    string
	Params   map[string]string
}

// Handler produces the reply for a call.
type Handler func(call Call) (platform.Response, error)

// Adapter records every call and answers from per-endpoint handlers. Unknown
// endpoints answer ok=true with a generated "ts".
type Adapter struct {
	mu       sync.Mutex
	calls    []Call
	handlers map[string]Handler
	seq      int
}

// New creates an empty fake.
func New() *Adapter {
	return &Adapter{handlers: make(map[string]Handler)}
}

// On registers a handler for endpoint.
func (a *Adapter) On(endpoint string, h Handler) *Adapter {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.handlers[endpoint] = h
	return a
}

// Fail makes endpoint answer ok=false with the given platform error.
func (a *Adapter) Fail(endpoint, message string) *Adapter {
	return a.On(endpoint, func(Call) (platform.Response, error) {
		return platform.Response{OK: false, Error: message},
			&platform.CallError{Endpoint: endpoint, Message: message, StatusCode: 200}
	})
}

// Invoke implements platform.Adapter.
func (a *Adapter) Invoke(_ context.Context, endpoint, token string, params map[string]string) (platform.Response, error) {
	cp := make(map[string]string, len(params))
	for k, v := range params {
		cp[k] = v
	}
	call := Call{Endpoint: endpoint, Token: token, Params: cp}

	a.mu.Lock()
	a.calls = append(a.calls, call)
	a.seq++
	seq := a.seq
	h := a.handlers[endpoint]
	a.mu.Unlock()

	if h != nil {
		return h(call)
	}
	body, _ := json.Marshal(map[string]any{"ok": true, "ts": fmt.Sprintf("1700000000.%06d", seq)})
	return platform.Response{OK: true, Body: body}, nil
}

// Calls returns a copy of the recorded calls.
func (a *Adapter) Calls() []Call {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]Call, len(a.calls))
	copy(out, a.calls)
	return out
}

// CallsTo returns the recorded calls to endpoint.
func (a *Adapter) CallsTo(endpoint string) []Call {
	var out []Call
	for _, c := range a.Calls() {
		if c.Endpoint == endpoint {
			out = append(out, c)
		}
	}
	return out
}

// Count returns how many times endpoint was called.
func (a *Adapter) Count(endpoint string) int {
	return len(a.CallsTo(endpoint))
}
