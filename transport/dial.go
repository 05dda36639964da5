package transport

import (
	"context"
	"net"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Dial connects to address and starts a Conn driven by handler.
func Dial(ctx context.Context, network, address string, timeout time.Duration, handler Handler, logger *zap.Logger) (*Conn, error) {
	d := net.Dialer{Timeout: timeout}
	nc, err := d.DialContext(ctx, network, address)
	if err != nil {
		return nil, errors.Wrapf(err, "dial %s", address)
	}
	c := NewConn(nc, handler, logger)
	c.Start()
	return c, nil
}
