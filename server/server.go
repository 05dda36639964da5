// Package server hosts services over ftrpc.
//
// Request path, per connection:
//
//	transport.Conn read loop
//	  → heartbeat keeper (registers the conn, swallows heartbeats)
//	  → session buffer (session registration, replay after reconnect)
//	  → rpc.Dispatcher → worker pool → middleware chain → service binding
//	  → response queued on the same conn
package server

import (
	"context"
	"net"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"ftrpc/config"
	"ftrpc/heartbeat"
	"ftrpc/middleware"
	"ftrpc/protocol"
	"ftrpc/registry"
	"ftrpc/rpc"
	"ftrpc/serializer"
	"ftrpc/session"
	"ftrpc/transport"
)

type options struct {
	logger   *zap.Logger
	registry registry.Registry
}

type Option func(*options)

func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithRegistry makes the server announce itself under cfg.Service while it
// serves.
func WithRegistry(reg registry.Registry) Option {
	return func(o *options) { o.registry = reg }
}

type Server struct {
	cfg        config.Server
	logger     *zap.Logger
	registry   registry.Registry
	dispatcher *rpc.Dispatcher
	keeper     *heartbeat.Keeper
	sessions   *session.Buffer
	transport  *transport.Server

	mu        sync.Mutex
	addr      net.Addr
	advertise string

	ctx          context.Context
	cancel       context.CancelFunc
	group        *errgroup.Group
	shutdownOnce sync.Once
	shutdownErr  error
}

// New builds a server from cfg. The default middleware chain is logging,
// then rate limiting and the handler timeout when configured, then panic
// recovery closest to the service.
func New(cfg config.Server, opts ...Option) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := options{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}

	serializers := serializer.NewRegistry()
	if err := serializers.Register(session.NewSerializer()); err != nil {
		return nil, err
	}
	sessions, err := session.NewBuffer(cfg.SessionCapacity, serializers, o.logger)
	if err != nil {
		return nil, err
	}

	s := &Server{
		cfg:      cfg,
		logger:   o.logger.With(zap.String("component", "server")),
		registry: o.registry,
		sessions: sessions,
	}
	s.dispatcher = rpc.NewDispatcher(serializers, rpc.DispatcherOptions{
		Workers: cfg.Workers,
		Logger:  o.logger,
		Orphan:  s.keepOrphan,
	})
	s.dispatcher.Use(middleware.Logging(o.logger))
	if cfg.RateLimit > 0 {
		s.dispatcher.Use(middleware.RateLimit(cfg.RateLimit, cfg.RateBurst))
	}
	if cfg.HandlerTimeout > 0 {
		s.dispatcher.Use(middleware.Timeout(cfg.HandlerTimeout))
	}
	// Inside Timeout, which runs the handler on its own goroutine.
	s.dispatcher.Use(middleware.Recover())

	keeperOpts := []heartbeat.Option{heartbeat.WithLogger(o.logger)}
	if cfg.HeartbeatForce {
		keeperOpts = append(keeperOpts, heartbeat.WithForce())
	}
	if cfg.DeadAfter > 0 {
		keeperOpts = append(keeperOpts, heartbeat.WithDeadAfter(cfg.DeadAfter))
	}
	s.keeper = heartbeat.NewKeeper(cfg.HeartbeatInterval, keeperOpts...)

	handler := transport.Chain(s.keeper.Wrap, sessions.Wrap)(s.dispatcher)
	s.transport = transport.NewServer(handler, o.logger)

	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.group, s.ctx = errgroup.WithContext(s.ctx)
	return s, nil
}

// keepOrphan forwards a response computed after its connection closed to the
// session's current connection, or buffers it until the session reconnects.
func (s *Server) keepOrphan(c *transport.Conn, p *protocol.Packet) {
	id := session.ID(c)
	if id == "" {
		s.logger.Debug("response lost with its connection", zap.Uint64("conn", c.ID()), zap.Uint16("code", p.Code))
		return
	}
	s.sessions.Deliver(id, p)
}

// Use appends an invocation middleware after the default ones.
func (s *Server) Use(mw middleware.Middleware) {
	s.dispatcher.Use(mw)
}

func (s *Server) Register(svc rpc.Service) error {
	return s.dispatcher.RegisterService(svc)
}

// Listen binds cfg.Listen. The advertised address defaults to the bound one.
func (s *Server) Listen() (net.Addr, error) {
	addr, err := s.transport.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.addr = addr
	s.advertise = s.cfg.Advertise
	if s.advertise == "" {
		s.advertise = addr.String()
	}
	s.mu.Unlock()
	return addr, nil
}

func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Sessions exposes the session buffer, mainly for inspection.
func (s *Server) Sessions() *session.Buffer {
	return s.sessions
}

// ConnCount returns the number of live connections.
func (s *Server) ConnCount() int {
	return s.transport.ConnCount()
}

// Serve accepts connections until Shutdown, calling Listen first if needed,
// and announces the server in the registry. It returns nil after Shutdown.
func (s *Server) Serve() error {
	if s.Addr() == nil {
		if _, err := s.Listen(); err != nil {
			return err
		}
	}
	if s.registry != nil {
		inst := registry.ServiceInstance{Addr: s.advertise, Weight: 1}
		if err := s.registry.Register(s.ctx, s.cfg.Service, inst, s.cfg.RegistryTTL); err != nil {
			return errors.Wrap(err, "register service")
		}
		s.logger.Info("registered", zap.String("service", s.cfg.Service), zap.String("addr", s.advertise))
	}

	s.group.Go(func() error {
		if err := s.keeper.Run(s.ctx); !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	s.group.Go(s.transport.Serve)
	s.logger.Info("serving", zap.Stringer("addr", s.Addr()))
	return s.group.Wait()
}

// Shutdown stops the server in an order that loses as little as possible:
// leave the registry so clients move away, stop accepting, let in-flight
// requests finish (until ctx is done), then close the connections.
func (s *Server) Shutdown(ctx context.Context) error {
	s.shutdownOnce.Do(func() {
		var errs []error
		if s.registry != nil && s.advertise != "" {
			if err := s.registry.Deregister(ctx, s.cfg.Service, s.advertise); err != nil {
				errs = append(errs, errors.Wrap(err, "deregister"))
			}
		}
		if err := s.transport.StopAccepting(); err != nil {
			errs = append(errs, errors.Wrap(err, "stop accepting"))
		}
		if err := s.dispatcher.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
		if err := s.transport.Close(ctx); err != nil {
			errs = append(errs, errors.Wrap(err, "close connections"))
		}
		s.cancel()
		if len(errs) > 0 {
			s.shutdownErr = errs[0]
			for _, err := range errs[1:] {
				s.logger.Warn("shutdown", zap.Error(err))
			}
		}
		s.logger.Info("stopped")
	})
	return s.shutdownErr
}
