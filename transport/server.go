package transport

import (
	"context"
	"net"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Server accepts connections and runs each one with the same Handler.
type Server struct {
	handler  Handler
	logger   *zap.Logger
	listener net.Listener
	conns    sync.Map // uint64 -> *Conn
	shutdown atomic.Bool
	mu       sync.Mutex
}

func NewServer(handler Handler, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{handler: handler, logger: logger.With(zap.String("component", "transport"))}
}

// Listen binds the listener without accepting yet, so Addr is known before Serve.
func (s *Server) Listen(network, address string) (net.Addr, error) {
	l, err := net.Listen(network, address)
	if err != nil {
		return nil, errors.Wrapf(err, "listen %s", address)
	}
	s.mu.Lock()
	s.listener = l
	s.mu.Unlock()
	return l.Addr(), nil
}

// Serve runs the accept loop until Close. It returns nil after Close.
func (s *Server) Serve() error {
	s.mu.Lock()
	l := s.listener
	s.mu.Unlock()
	if l == nil {
		return errors.New("transport: Serve called before Listen")
	}

	for {
		nc, err := l.Accept()
		if err != nil {
			// Close makes Accept fail; the flag tells that apart from a real error.
			if s.shutdown.Load() {
				return nil
			}
			return errors.Wrap(err, "accept")
		}
		c := NewConn(nc, s.trackingHandler(), s.logger)
		s.conns.Store(c.ID(), c)
		s.logger.Debug("accepted connection", zap.Uint64("conn", c.ID()), zap.Stringer("remote", nc.RemoteAddr()))
		c.Start()
	}
}

func (s *Server) trackingHandler() Handler {
	return HandlerFuncs{
		Open: s.handler.OnOpen,
		Read: s.handler.OnRead,
		Close: func(c *Conn) {
			s.handler.OnClose(c)
			s.conns.Delete(c.ID())
		},
	}
}

func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// ConnCount returns the number of live connections.
func (s *Server) ConnCount() int {
	n := 0
	s.conns.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// Range calls fn for every live connection.
func (s *Server) Range(fn func(c *Conn) bool) {
	s.conns.Range(func(_, v any) bool {
		return fn(v.(*Conn))
	})
}

// StopAccepting closes the listener but leaves live connections alone.
func (s *Server) StopAccepting() error {
	if !s.shutdown.CompareAndSwap(false, true) {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Close()
}

// Close stops accepting, closes every connection and waits until their
// OnClose callbacks have run or ctx is done.
func (s *Server) Close(ctx context.Context) error {
	err := s.StopAccepting()
	var live []*Conn
	s.Range(func(c *Conn) bool {
		live = append(live, c)
		c.Close()
		return true
	})
	for _, c := range live {
		select {
		case <-c.Closed():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}
