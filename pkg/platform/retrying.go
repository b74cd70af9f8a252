package platform

import (
	"context"

	"github.com/Mindburn-Labs/govbox/pkg/retry"
)

// Retrying wraps an Adapter and retries temporary failures.
type Retrying struct {
	next   Adapter
	policy retry.Policy
}

// WithRetry decorates next with the retry policy.
func WithRetry(next Adapter, policy retry.Policy) *Retrying {
	return &Retrying{next: next, policy: policy}
}

// Invoke implements Adapter.
func (r *Retrying) Invoke(ctx context.Context, endpoint, token string, params map[string]string) (Response, error) {
	var out Response
	key := endpoint + ":" + params["channel"] + ":" + params["ts"] + params["timestamp"]
	err := retry.Do(ctx, r.policy, key, IsTemporary, func(ctx context.Context) error {
		var err error
		out, err = r.next.Invoke(ctx, endpoint, token, params)
		return err
	})
	return out, err
}
