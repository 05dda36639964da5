// Package failover makes a set of per-server handlers look like one reliable
// endpoint: it spreads calls over them, parks failing servers for a cool-down
// and retries connection-class failures on the next server.
package failover

import (
	"context"
	"sync/atomic"
	"time"
)

// ServiceHandler is one server as seen by the router.
type ServiceHandler interface {
	// URL names the server in logs, e.g. "tcp://10.0.0.7:9000".
	URL() string
	// Ready reports whether the handler is outside its error cool-down.
	Ready() bool
	// MarkNotReady starts the cool-down.
	MarkNotReady()
	Invoke(ctx context.Context, method string, args any) (any, error)
}

// Weighted handlers get proportionally more chances to be shuffled first.
type Weighted interface {
	Weight() int
}

// Cooldown implements the readiness half of ServiceHandler. The not-ready
// deadline is written by whichever goroutine saw the failure, last one wins.
type Cooldown struct {
	block time.Duration
	now   func() time.Time
	until atomic.Int64 // unix nanos
}

// NewCooldown returns a ready Cooldown that blocks for block after each
// MarkNotReady. now may be nil.
func NewCooldown(block time.Duration, now func() time.Time) *Cooldown {
	if now == nil {
		now = time.Now
	}
	return &Cooldown{block: block, now: now}
}

func (c *Cooldown) Ready() bool {
	return c.now().UnixNano() >= c.until.Load()
}

func (c *Cooldown) MarkNotReady() {
	c.until.Store(c.now().Add(c.block).UnixNano())
	cooldowns.Inc()
}

// ReadyAt returns when the handler becomes eligible again.
func (c *Cooldown) ReadyAt() time.Time {
	return time.Unix(0, c.until.Load())
}
