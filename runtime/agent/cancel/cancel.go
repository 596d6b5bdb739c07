// Package cancel implements the TTL-scoped cancellation channel. Cancelling a
// run writes a keyed signal into the shared cache; running agents poll the
// channel cooperatively at step boundaries and on a timer, so Cancel returns
// without waiting for the run to terminate.
package cancel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"goa.design/agentrun/runtime/agent"
	"goa.design/agentrun/runtime/agent/cache"
)

// KeyPrefix namespaces cancellation signal keys in the shared cache.
const KeyPrefix = "agent-cancellation:"

// DefaultTTL keeps signals alive at least as long as the run lock so a
// cancelled run cannot outlive its signal.
const DefaultTTL = 10 * time.Minute

// DefaultPollInterval is the cooperative poll period inside the agent loop.
const DefaultPollInterval = 2 * time.Second

// Signal is the persisted cancellation request.
type Signal struct {
	RunID       agent.RunID `json:"runId"`
	CancelledAt time.Time   `json:"cancelledAt"`
	Reason      string      `json:"reason,omitempty"`
}

// Channel reads and writes cancellation signals keyed by run id.
type Channel struct {
	cache cache.Cache
	ttl   time.Duration
}

// New builds a Channel. A non-positive TTL falls back to DefaultTTL.
func New(c cache.Cache, ttl time.Duration) *Channel {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Channel{cache: c, ttl: ttl}
}

// Key returns the signal key for a run.
func Key(id agent.RunID) string { return KeyPrefix + string(id) }

// Cancel writes the signal for the run. It does not interrupt execution
// synchronously; the running loop observes the signal at its next poll point.
func (c *Channel) Cancel(ctx context.Context, id agent.RunID, reason string) error {
	sig := Signal{RunID: id, CancelledAt: time.Now().UTC(), Reason: reason}
	data, err := json.Marshal(sig)
	if err != nil {
		return fmt.Errorf("marshal cancellation signal: %w", err)
	}
	if err := c.cache.Set(ctx, Key(id), data, c.ttl); err != nil {
		return fmt.Errorf("store cancellation signal %s: %w", id, err)
	}
	return nil
}

// Check returns the pending signal for the run, or nil when none exists.
func (c *Channel) Check(ctx context.Context, id agent.RunID) (*Signal, error) {
	data, err := c.cache.Get(ctx, Key(id))
	if err != nil {
		if errors.Is(err, cache.ErrMiss) {
			return nil, nil
		}
		return nil, fmt.Errorf("read cancellation signal %s: %w", id, err)
	}
	var sig Signal
	if err := json.Unmarshal(data, &sig); err != nil {
		return nil, fmt.Errorf("decode cancellation signal %s: %w", id, err)
	}
	return &sig, nil
}

// Clear removes the signal once the run has fully unwound.
func (c *Channel) Clear(ctx context.Context, id agent.RunID) error {
	return c.cache.Del(ctx, Key(id))
}
