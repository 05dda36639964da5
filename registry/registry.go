// Package registry is service discovery: servers announce the address they
// can be reached at, clients look up the servers of a service.
package registry

import "context"

type ServiceInstance struct {
	Addr    string `json:"addr"`
	Weight  int    `json:"weight"` // relative share of first picks
	Version string `json:"version,omitempty"`
}

type Registry interface {
	// Register announces inst for ttl seconds; implementations keep it alive
	// until Deregister or Close.
	Register(ctx context.Context, service string, inst ServiceInstance, ttl int64) error
	Deregister(ctx context.Context, service string, addr string) error
	Discover(ctx context.Context, service string) ([]ServiceInstance, error)
	// Watch emits the full instance list after every change, until ctx ends.
	Watch(ctx context.Context, service string) <-chan []ServiceInstance
	Close() error
}
