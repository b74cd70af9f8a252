// Package actions models revertible operations on the external platform.
//
// A variant declares what to call: its perform endpoint, the inverse call,
// the credential each needs, and an explicit parameter list. The protocol
// around those calls (confirmation of community-origin actions, the single
// revert guard, announcement retraction) lives in PerformOrConfirm and Revert
// and is shared by every variant.
package actions

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Mindburn-Labs/govbox/pkg/contracts"
	"github.com/Mindburn-Labs/govbox/pkg/platform"
)

// AuthPrincipal names whose credential a call is made with.
type AuthPrincipal string

const (
	// AuthBot uses the community integration's bot token.
	AuthBot AuthPrincipal = "bot"
	// AuthUser uses the initiating user's token. Slack only lets users rename,
	// archive or kick in channels they belong to.
	AuthUser AuthPrincipal = "user"
)

// Call is one platform request.
type Call struct {
	Endpoint string
	Auth     AuthPrincipal
	Params   map[string]string
}

// Base carries the governance fields shared by every variant.
type Base struct {
	ID              string
	ProposalID      string
	IntegrationID   string
	InitiatorID     string
	CommunityOrigin bool
	CommunityRevert bool
	CommunityPost   string
	NotifyChannel   string
	CreatedAt       time.Time
}

// Action is a platform operation kind.
type Action interface {
	Kind() string
	Meta() *Base
	// Perform is the forward call.
	Perform() Call
	// Inverse resolves the compensating call. It may read platform state,
	// and returns ErrNothingToRevert when there is nothing to undo.
	Inverse(ctx context.Context, env Env) (Call, error)
}

// Channeled is implemented by variants bound to a channel.
type Channeled interface {
	ChannelID() string
}

// recorder is implemented by variants that learn ids from the perform reply.
type recorder interface {
	record(resp platform.Response)
}

// ErrNothingToRevert marks an action whose inverse would be a no-op.
var ErrNothingToRevert = errors.New("nothing to revert")

// Env supplies the adapter and credentials at call time.
type Env struct {
	Adapter     platform.Adapter
	Integration contracts.Integration
	Initiator   contracts.User
}

// Token returns the credential for p.
func (e Env) Token(p AuthPrincipal) (string, error) {
	switch p {
	case AuthUser:
		if e.Initiator.AccessToken == "" {
			return "", fmt.Errorf("initiator %q has no user token", e.Initiator.ID)
		}
		return e.Initiator.AccessToken, nil
	default:
		if e.Integration.BotToken == "" {
			return "", fmt.Errorf("integration %q has no bot token", e.Integration.ID)
		}
		return e.Integration.BotToken, nil
	}
}

// Result describes what a protocol step did.
type Result struct {
	Confirmed bool // community-origin: already happened, nothing called
	Performed bool
	Reverted  bool
	Skipped   bool // duplicate revert, or nothing to undo
	Retracted bool // announcement post deleted
	Response  platform.Response
}

// PerformOrConfirm executes a system-proposed action, or confirms a
// community-origin one without calling the platform. The announcement post,
// if any, is retracted after a successful perform.
func PerformOrConfirm(ctx context.Context, a Action, env Env) (Result, error) {
	b := a.Meta()
	if b.CommunityOrigin {
		return Result{Confirmed: true}, nil
	}

	resp, err := invoke(ctx, env, a.Perform())
	if err != nil {
		return Result{Response: resp}, err
	}
	if r, ok := a.(recorder); ok {
		r.record(resp)
	}

	res := Result{Performed: true, Response: resp}
	if b.CommunityPost != "" {
		if err := Retract(ctx, a, env); err != nil {
			return res, err
		}
		res.Retracted = true
	}
	return res, nil
}

// Revert undoes the action at most once. The guard flag is set before the
// inverse call is issued, so a failed or concurrent second attempt never
// reaches the platform.
func Revert(ctx context.Context, a Action, env Env) (Result, error) {
	b := a.Meta()
	if b.CommunityRevert {
		return Result{Skipped: true}, nil
	}
	b.CommunityRevert = true

	res := Result{}
	call, err := a.Inverse(ctx, env)
	switch {
	case errors.Is(err, ErrNothingToRevert):
		res.Skipped = true
	case err != nil:
		return res, asCallError(call.Endpoint, err)
	default:
		resp, err := invoke(ctx, env, call)
		res.Response = resp
		if err != nil {
			return res, err
		}
		res.Reverted = true
	}

	if b.CommunityPost != "" {
		if err := Retract(ctx, a, env); err != nil {
			return res, err
		}
		res.Retracted = true
	}
	return res, nil
}

// Retract deletes the announcement post of a.
func Retract(ctx context.Context, a Action, env Env) error {
	b := a.Meta()
	if b.CommunityPost == "" {
		return nil
	}
	channel := b.NotifyChannel
	if channel == "" {
		if c, ok := a.(Channeled); ok {
			channel = c.ChannelID()
		}
	}
	_, err := invoke(ctx, env, Call{
		Endpoint: "chat.delete",
		Auth:     AuthBot,
		Params:   map[string]string{"channel": channel, "ts": b.CommunityPost},
	})
	if err != nil {
		return err
	}
	b.CommunityPost = ""
	return nil
}

func invoke(ctx context.Context, env Env, call Call) (platform.Response, error) {
	if env.Adapter == nil {
		return platform.Response{}, &platform.CallError{Endpoint: call.Endpoint, Message: "no_adapter"}
	}
	token, err := env.Token(call.Auth)
	if err != nil {
		return platform.Response{}, &platform.CallError{Endpoint: call.Endpoint, Message: "missing_credential", Err: err}
	}
	resp, err := env.Adapter.Invoke(ctx, call.Endpoint, token, call.Params)
	if err != nil {
		return resp, asCallError(call.Endpoint, err)
	}
	return resp, nil
}

func asCallError(endpoint string, err error) error {
	var ce *platform.CallError
	if errors.As(err, &ce) {
		return err
	}
	return &platform.CallError{Endpoint: endpoint, Err: err}
}
