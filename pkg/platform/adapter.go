// Package platform is the boundary to the external chat platform. The core
// only speaks Invoke(endpoint, token, params); every action variant supplies
// its own endpoint and parameter list.
package platform

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// Adapter performs one platform API call.
type Adapter interface {
	Invoke(ctx context.Context, endpoint, token string, params map[string]string) (Response, error)
}

// Response is the decoded envelope of a platform reply.
type Response struct {
	OK    bool            `json:"ok"`
	Body  json.RawMessage `json:"body,omitempty"`
	Error string          `json:"error,omitempty"`
}

// Decode unmarshals the raw body into v.
func (r Response) Decode(v any) error {
	if len(r.Body) == 0 {
		return errors.New("empty response body")
	}
	return json.Unmarshal(r.Body, v)
}

// Field returns a top-level string field of the body, or "".
func (r Response) Field(name string) string {
	var m map[string]any
	if err := json.Unmarshal(r.Body, &m); err != nil {
		return ""
	}
	s, _ := m[name].(string)
	return s
}

// CallError is a failed platform call: transport failure, non-2xx status, or
// an ok=false reply carrying the platform's error message.
type CallError struct {
	Endpoint   string
	Message    string
	StatusCode int
	Err        error
}

func (e *CallError) Error() string {
	switch {
	case e.Message != "" && e.Err != nil:
		return fmt.Sprintf("platform call %s failed: %s: %v", e.Endpoint, e.Message, e.Err)
	case e.Message != "":
		return fmt.Sprintf("platform call %s failed: %s", e.Endpoint, e.Message)
	case e.Err != nil:
		return fmt.Sprintf("platform call %s failed: %v", e.Endpoint, e.Err)
	default:
		return fmt.Sprintf("platform call %s failed with status %d", e.Endpoint, e.StatusCode)
	}
}

func (e *CallError) Unwrap() error { return e.Err }

// Temporary reports whether retrying the call may succeed.
func (e *CallError) Temporary() bool {
	if e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500 {
		return true
	}
	if e.Message == "ratelimited" || e.Message == "internal_error" || e.Message == "service_unavailable" {
		return true
	}
	return errors.Is(e.Err, context.DeadlineExceeded)
}

// IsTemporary reports whether err is a retryable CallError.
func IsTemporary(err error) bool {
	var ce *CallError
	return errors.As(err, &ce) && ce.Temporary()
}
