// Package client is the caller side of ftrpc: a fault-tolerant client over
// one or more servers of a service.
//
//	Invoke → Router (cursor, cool-down, retry) → Endpoint (lazy dial, session)
//	       → rpc.Client (encode, correlate, wait) → transport
package client

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"ftrpc/config"
	"ftrpc/failover"
	"ftrpc/heartbeat"
	"ftrpc/registry"
	"ftrpc/rpc"
	"ftrpc/serializer"
	"ftrpc/session"
)

type options struct {
	logger    *zap.Logger
	discovery registry.Registry
	sessionID string
	now       func() time.Time
}

type Option func(*options)

func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithDiscovery takes the server list from reg instead of the configuration
// and follows its changes.
func WithDiscovery(reg registry.Registry) Option {
	return func(o *options) { o.discovery = reg }
}

// WithSessionID replaces the random session id. It only matters when
// sessions are enabled.
func WithSessionID(id string) Option {
	return func(o *options) { o.sessionID = id }
}

// WithClock replaces the clock of the endpoint cool-downs.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

type Client struct {
	cfg         config.Client
	core        *rpc.Client
	serializers *serializer.Registry
	keeper      *heartbeat.Keeper
	sessionID   string
	now         func() time.Time
	logger      *zap.Logger

	mu        sync.Mutex
	endpoints map[string]*Endpoint
	router    atomic.Pointer[failover.Router]

	cancel context.CancelFunc
	group  *errgroup.Group
}

// New builds a client for methods. It does not connect; the first call to a
// server dials it.
func New(ctx context.Context, cfg config.Client, methods []rpc.Method, opts ...Option) (*Client, error) {
	o := options{logger: zap.NewNop(), now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	validate := cfg.Validate
	if o.discovery != nil {
		if cfg.Service == "" {
			return nil, errors.New("client: discovery needs a service name")
		}
		validate = cfg.ValidateForDiscovery
	}
	if err := validate(); err != nil {
		return nil, err
	}

	serializers := serializer.NewRegistry()
	if err := serializers.Register(session.NewSerializer()); err != nil {
		return nil, err
	}
	core := rpc.NewClient(serializers, cfg.ReadTimeout, o.logger)
	if err := core.Register(methods...); err != nil {
		return nil, err
	}

	c := &Client{
		cfg:         cfg,
		core:        core,
		serializers: serializers,
		now:         o.now,
		logger:      o.logger.With(zap.String("component", "client")),
		endpoints:   make(map[string]*Endpoint),
	}
	if cfg.HeartbeatInterval > 0 {
		c.keeper = heartbeat.NewKeeper(cfg.HeartbeatInterval, heartbeat.WithForce(), heartbeat.WithLogger(o.logger))
	}
	if cfg.Session {
		c.sessionID = o.sessionID
		if c.sessionID == "" {
			c.sessionID = uuid.NewString()
		}
	}

	instances := make([]registry.ServiceInstance, 0, len(cfg.Servers))
	for _, s := range cfg.Servers {
		instances = append(instances, registry.ServiceInstance{Addr: s.Addr, Weight: s.Weight})
	}
	if o.discovery != nil {
		found, err := o.discovery.Discover(ctx, cfg.Service)
		if err != nil {
			return nil, errors.Wrapf(err, "discover %s", cfg.Service)
		}
		instances = found
	}
	if err := c.rebuild(instances); err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.group, runCtx = errgroup.WithContext(runCtx)
	if c.keeper != nil {
		c.group.Go(func() error { return ignoreCanceled(c.keeper.Run(runCtx)) })
	}
	if o.discovery != nil {
		updates := o.discovery.Watch(runCtx, cfg.Service)
		c.group.Go(func() error {
			for instances := range updates {
				if err := c.rebuild(instances); err != nil {
					c.logger.Warn("ignoring server list update", zap.Error(err))
				}
			}
			return nil
		})
	}
	return c, nil
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// rebuild swaps in a router over instances. Endpoints of addresses that stay
// keep their connection and cool-down.
func (c *Client) rebuild(instances []registry.ServiceInstance) error {
	if len(instances) == 0 {
		return errors.Errorf("client: no servers for %s", c.cfg.Service)
	}

	c.mu.Lock()
	next := make(map[string]*Endpoint, len(instances))
	handlers := make([]failover.ServiceHandler, 0, len(instances))
	for _, inst := range instances {
		e, ok := c.endpoints[inst.Addr]
		if !ok || e.weight != inst.Weight {
			e = newEndpoint(endpointConfig{
				addr:           inst.Addr,
				weight:         inst.Weight,
				errorBlock:     c.cfg.ErrorBlock,
				connectTimeout: c.cfg.ConnectTimeout,
				sessionID:      c.sessionID,
				now:            c.now,
			}, c.core, c.serializers, c.keeper, c.logger)
		}
		next[inst.Addr] = e
		handlers = append(handlers, e)
	}
	var stale []*Endpoint
	for addr, e := range c.endpoints {
		if next[addr] != e {
			stale = append(stale, e)
		}
	}

	router, err := failover.NewRouter(handlers, failover.Options{
		RetryTimes:    c.cfg.RetryTimes,
		RetryInterval: c.cfg.RetryInterval,
		Logger:        c.logger,
	})
	if err != nil {
		c.mu.Unlock()
		return err
	}
	c.endpoints = next
	c.router.Store(router)
	c.mu.Unlock()

	for _, e := range stale {
		c.logger.Info("server removed", zap.String("url", e.URL()))
		e.Close()
	}
	return nil
}

// Invoke calls method on one of the servers, failing over on connection
// errors. Errors reported by the server are returned as *rpc.RemoteError.
func (c *Client) Invoke(ctx context.Context, method string, args any) (any, error) {
	return c.router.Load().Invoke(ctx, method, args)
}

// SessionID returns the id announced on every connection, or "".
func (c *Client) SessionID() string {
	return c.sessionID
}

// Endpoints returns the current endpoints in routing order.
func (c *Client) Endpoints() []*Endpoint {
	handlers := c.router.Load().Handlers()
	out := make([]*Endpoint, 0, len(handlers))
	for _, h := range handlers {
		out = append(out, h.(*Endpoint))
	}
	return out
}

// Close stops background work and closes every connection. Calls still
// waiting fail.
func (c *Client) Close() error {
	c.cancel()
	err := c.group.Wait()

	c.mu.Lock()
	endpoints := c.endpoints
	c.endpoints = map[string]*Endpoint{}
	c.mu.Unlock()
	for _, e := range endpoints {
		e.Close()
	}
	return err
}
