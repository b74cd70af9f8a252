package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/Mindburn-Labs/govbox/pkg/contracts"
	"github.com/Mindburn-Labs/govbox/pkg/governance"
	"github.com/Mindburn-Labs/govbox/pkg/ingest"
	"github.com/Mindburn-Labs/govbox/pkg/store"
)

const maxEventBody = 1 << 20

// EventHandler consumes platform events.
type EventHandler interface {
	Handle(ctx context.Context, e contracts.Event) (ingest.Result, error)
}

// ProposalEvaluator re-runs governance on demand.
type ProposalEvaluator interface {
	Evaluate(ctx context.Context, proposalID string) (governance.Outcome, error)
	EvaluateCommunity(ctx context.Context, communityID string) ([]governance.Outcome, error)
}

// Integrations resolves a workspace to its integration.
type Integrations interface {
	GetIntegrationByTeam(ctx context.Context, teamID string) (contracts.Integration, error)
}

// Server holds the HTTP handlers.
type Server struct {
	events        EventHandler
	engine        ProposalEvaluator
	integrations  Integrations
	signingSecret string
	deliveries    DeliveryCache
	clock         func() time.Time
	logger        *slog.Logger
}

// Option configures a Server.
type Option func(*Server)

// WithSigningSecret enables Slack request signature checks.
func WithSigningSecret(secret string) Option {
	return func(s *Server) { s.signingSecret = secret }
}

// WithDeliveryCache replays the stored response when an event id is
// delivered again.
func WithDeliveryCache(c DeliveryCache) Option {
	return func(s *Server) { s.deliveries = c }
}

// WithClock overrides the time source used for signature windows.
func WithClock(clock func() time.Time) Option {
	return func(s *Server) { s.clock = clock }
}

// WithLogger replaces the default logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// NewServer creates the HTTP surface.
func NewServer(events EventHandler, engine ProposalEvaluator, integrations Integrations, opts ...Option) *Server {
	s := &Server{
		events:       events,
		engine:       engine,
		integrations: integrations,
		clock:        time.Now,
		logger:       slog.Default().With("component", "api"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Router returns the chi router with all routes mounted.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(requestIDHeader)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.Timeout(30 * time.Second))

	r.Get("/healthz", s.handleHealth)
	r.Post("/slack/events", s.handleSlackEvents)
	r.Post("/proposals/{id}/evaluate", s.handleEvaluateProposal)
	r.Post("/communities/{id}/evaluate", s.handleEvaluateCommunity)
	return r
}

func requestIDHeader(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if id := chimiddleware.GetReqID(r.Context()); id != "" {
			w.Header().Set("X-Request-ID", id)
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type slackEnvelope struct {
	Type      string          `json:"type"`
	Challenge string          `json:"challenge"`
	TeamID    string          `json:"team_id"`
	EventID   string          `json:"event_id"`
	Event     json.RawMessage `json:"event"`
}

func (s *Server) handleSlackEvents(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxEventBody))
	if err != nil {
		WriteBadRequest(w, r, "unreadable body")
		return
	}
	if s.signingSecret != "" {
		err := VerifySignature(s.signingSecret,
			r.Header.Get("X-Slack-Request-Timestamp"), r.Header.Get("X-Slack-Signature"), body, s.clock())
		if err != nil {
			s.logger.WarnContext(r.Context(), "rejected slack request", "error", err)
			WriteUnauthorized(w, r, err.Error())
			return
		}
	}

	var env slackEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		WriteBadRequest(w, r, "malformed JSON")
		return
	}

	switch env.Type {
	case "url_verification":
		writeJSON(w, http.StatusOK, map[string]string{"challenge": env.Challenge})
		return
	case "event_callback":
	default:
		writeJSON(w, http.StatusOK, map[string]string{"disposition": string(ingest.Ignored)})
		return
	}

	var inner struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(env.Event, &inner); err != nil || inner.Type == "" {
		WriteBadRequest(w, r, "event_callback without event type")
		return
	}
	if s.deliveries != nil && env.EventID != "" {
		if d, ok := s.deliveries.Check(r.Context(), env.EventID); ok {
			s.logger.InfoContext(r.Context(), "duplicate slack delivery",
				"event_id", env.EventID, "retry", r.Header.Get("X-Slack-Retry-Num"))
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(d.StatusCode)
			_, _ = w.Write(d.Body)
			return
		}
	}

	integ, err := s.integrations.GetIntegrationByTeam(r.Context(), env.TeamID)
	if errors.Is(err, store.ErrNotFound) {
		WriteNotFound(w, r, "unknown team "+env.TeamID)
		return
	}
	if err != nil {
		WriteInternal(w, r, err)
		return
	}

	res, err := s.events.Handle(r.Context(), contracts.Event{Type: inner.Type, IntegrationID: integ.ID, Payload: env.Event})
	switch {
	case errors.Is(err, ingest.ErrInvalidEvent):
		WriteBadRequest(w, r, err.Error())
		return
	case err != nil:
		WriteInternal(w, r, err)
		return
	}
	s.logger.DebugContext(r.Context(), "slack event handled",
		"event_id", env.EventID, "type", inner.Type, "disposition", res.Disposition)
	resp := eventResponse{
		Disposition: string(res.Disposition),
		Reason:      res.Reason,
		ProposalID:  firstNonEmpty(res.Handle.ProposalID, res.Outcome.ProposalID),
		Status:      string(res.Outcome.Status),
	}
	if s.deliveries != nil && env.EventID != "" {
		if body, err := json.Marshal(resp); err == nil {
			s.deliveries.Set(r.Context(), env.EventID, Delivery{StatusCode: http.StatusOK, Body: append(body, '\n')})
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

type eventResponse struct {
	Disposition string `json:"disposition"`
	Reason      string `json:"reason,omitempty"`
	ProposalID  string `json:"proposal_id,omitempty"`
	Status      string `json:"status,omitempty"`
}

// OutcomeResponse is the JSON form of a governance.Outcome.
type OutcomeResponse struct {
	ProposalID string `json:"proposal_id"`
	Status     string `json:"status"`
	Changed    bool   `json:"changed"`
	Unresolved bool   `json:"unresolved,omitempty"`
	RuleID     string `json:"rule_id,omitempty"`
	ExecError  string `json:"exec_error,omitempty"`
}

func toResponse(o governance.Outcome) OutcomeResponse {
	resp := OutcomeResponse{
		ProposalID: o.ProposalID,
		Status:     string(o.Status),
		Changed:    o.Changed,
		Unresolved: o.Unresolved,
		RuleID:     o.RuleID,
	}
	if o.ExecErr != nil {
		resp.ExecError = o.ExecErr.Error()
	}
	return resp
}

func (s *Server) handleEvaluateProposal(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	out, err := s.engine.Evaluate(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		WriteNotFound(w, r, "proposal "+id+" not found")
		return
	}
	if err != nil {
		WriteInternal(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toResponse(out))
}

func (s *Server) handleEvaluateCommunity(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	outs, err := s.engine.EvaluateCommunity(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		WriteNotFound(w, r, "community "+id+" not found")
		return
	}
	resp := make([]OutcomeResponse, 0, len(outs))
	for _, o := range outs {
		resp = append(resp, toResponse(o))
	}
	if err != nil {
		// Per-proposal failures do not hide the proposals that did evaluate.
		s.logger.WarnContext(r.Context(), "community evaluation incomplete", "community", id, "error", err)
	}
	writeJSON(w, http.StatusOK, resp)
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
