package platform

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// DefaultSlackAPI is the Slack Web API base URL.
const DefaultSlackAPI = "https://slack.com/api/"

const maxResponseBytes = 1 << 20

// SlackConfig configures the Slack Web API adapter.
type SlackConfig struct {
	BaseURL string
	Timeout time.Duration
	// RPS and Burst bound outbound calls. Slack tier limits are per method,
	// a single shared bucket keeps the engine well under the strictest one.
	RPS   float64
	Burst int
}

// SlackAdapter calls the Slack Web API with form-encoded parameters.
type SlackAdapter struct {
	baseURL string
	client  *http.Client
	timeout time.Duration
	limiter *rate.Limiter
	logger  *slog.Logger
}

// NewSlackAdapter creates an adapter. A nil client uses http.DefaultClient.
func NewSlackAdapter(cfg SlackConfig, client *http.Client) *SlackAdapter {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultSlackAPI
	}
	if !strings.HasSuffix(cfg.BaseURL, "/") {
		cfg.BaseURL += "/"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	limit := rate.Inf
	if cfg.RPS > 0 {
		limit = rate.Limit(cfg.RPS)
	}
	if cfg.Burst < 1 {
		cfg.Burst = 1
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &SlackAdapter{
		baseURL: cfg.BaseURL,
		client:  client,
		timeout: cfg.Timeout,
		limiter: rate.NewLimiter(limit, cfg.Burst),
		logger:  slog.Default().With("component", "platform.slack"),
	}
}

// Invoke implements Adapter.
func (s *SlackAdapter) Invoke(ctx context.Context, endpoint, token string, params map[string]string) (Response, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if err := s.limiter.Wait(ctx); err != nil {
		return Response{}, &CallError{Endpoint: endpoint, Err: err}
	}

	form := url.Values{}
	for k, v := range params {
		form.Set(k, v)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return Response{}, &CallError{Endpoint: endpoint, Err: err}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return Response{}, &CallError{Endpoint: endpoint, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return Response{}, &CallError{Endpoint: endpoint, StatusCode: resp.StatusCode, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Response{Body: body}, &CallError{Endpoint: endpoint, StatusCode: resp.StatusCode}
	}

	var envelope struct {
		OK    bool   `json:"ok"`
		Error string `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return Response{Body: body}, &CallError{Endpoint: endpoint, StatusCode: resp.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
	}

	out := Response{OK: envelope.OK, Body: body, Error: envelope.Error}
	if !envelope.OK {
		s.logger.WarnContext(ctx, "platform rejected call", "endpoint", endpoint, "error", envelope.Error)
		return out, &CallError{Endpoint: endpoint, Message: envelope.Error, StatusCode: resp.StatusCode}
	}
	return out, nil
}
