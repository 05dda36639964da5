package failover

import (
	"context"
	"math/rand"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"ftrpc/loadbalance"
)

type Options struct {
	// RetryTimes caps the real attempts of one call. Skipped handlers do
	// not count.
	RetryTimes int
	// RetryInterval is the minimum spacing between the starts of two attempts.
	RetryInterval time.Duration
	Logger        *zap.Logger

	// Rand drives the initial shuffle. Nil uses a shared source.
	Rand *rand.Rand
	// Now and Sleep replace the clock in tests.
	Now   func() time.Time
	Sleep func(ctx context.Context, d time.Duration) error
}

// Router spreads calls over its handlers and fails over on connection-class
// errors. The handler list never changes after NewRouter.
type Router struct {
	handlers []ServiceHandler
	cursor   loadbalance.Cursor
	retries  int
	interval time.Duration
	now      func() time.Time
	sleep    func(ctx context.Context, d time.Duration) error
	logger   *zap.Logger
}

// NewRouter shuffles handlers once, weighted by Weight when implemented, so
// that clients built from the same server list do not all start with the
// same server.
func NewRouter(handlers []ServiceHandler, opts Options) (*Router, error) {
	if len(handlers) == 0 {
		return nil, errors.New("failover: router needs at least one handler")
	}
	if opts.RetryTimes < 1 {
		return nil, errors.Errorf("failover: retry times must be positive, got %d", opts.RetryTimes)
	}
	if opts.RetryInterval < 0 {
		return nil, errors.Errorf("failover: negative retry interval %s", opts.RetryInterval)
	}
	r := &Router{
		handlers: loadbalance.WeightedShuffle(handlers, weightOf, opts.Rand),
		retries:  opts.RetryTimes,
		interval: opts.RetryInterval,
		now:      opts.Now,
		sleep:    opts.Sleep,
		logger:   opts.Logger,
	}
	if r.now == nil {
		r.now = time.Now
	}
	if r.sleep == nil {
		r.sleep = sleepContext
	}
	if r.logger == nil {
		r.logger = zap.NewNop()
	}
	r.logger = r.logger.With(zap.String("component", "router"))
	return r, nil
}

func weightOf(h ServiceHandler) int {
	if w, ok := h.(Weighted); ok {
		return w.Weight()
	}
	return 1
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Handlers returns the handlers in routing order.
func (r *Router) Handlers() []ServiceHandler {
	return append([]ServiceHandler(nil), r.handlers...)
}

// Invoke calls method on the next ready handler. Each handler is visited at
// most once per call. A connection-class failure parks the handler and moves
// on; any other error is returned as is.
func (r *Router) Invoke(ctx context.Context, method string, args any) (any, error) {
	n := len(r.handlers)
	base := r.cursor.Next(n)

	var (
		lastErr   error
		lastStart time.Time
		attempts  int
		visited   int
	)
	for ; visited < n && attempts < r.retries; visited++ {
		h := r.handlers[(base+visited)%n]
		if !h.Ready() {
			r.logger.Debug("skipping handler in cool-down", zap.String("url", h.URL()), zap.String("method", method))
			continue
		}

		if attempts > 0 {
			if wait := r.interval - r.now().Sub(lastStart); wait > 0 {
				if err := r.sleep(ctx, wait); err != nil {
					return nil, errors.Wrapf(err, "%s: waiting to retry", method)
				}
			}
		}
		attempts++
		lastStart = r.now()

		reply, err := h.Invoke(ctx, method, args)
		elapsed := r.now().Sub(lastStart)
		fields := []zap.Field{
			zap.String("url", h.URL()),
			zap.String("method", method),
			zap.Int("attempt", attempts),
			zap.Duration("elapsed", elapsed),
		}
		if err == nil {
			attemptSeconds.WithLabelValues("ok").Observe(elapsed.Seconds())
			r.logger.Debug("attempt succeeded", fields...)
			return reply, nil
		}
		if !IsIOError(err) {
			attemptSeconds.WithLabelValues("error").Observe(elapsed.Seconds())
			r.logger.Debug("attempt failed, not retrying", append(fields, zap.Error(err))...)
			return nil, err
		}

		attemptSeconds.WithLabelValues("io_error").Observe(elapsed.Seconds())
		r.logger.Warn("attempt failed, handler parked", append(fields, zap.Error(err))...)
		h.MarkNotReady()
		lastErr = err

		if ctx.Err() != nil {
			return nil, errors.Wrapf(ctx.Err(), "%s: after %d attempt(s)", method, attempts)
		}
	}

	kind := ErrAllHandlersUnavailable
	for i := visited; i < n; i++ {
		if r.handlers[(base+i)%n].Ready() {
			kind = ErrRetriesExhausted
			break
		}
	}
	return nil, &RouteError{Kind: kind, Method: method, Attempts: attempts, Last: lastErr}
}
