package registry

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/pkg/errors"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

// Etcd keeps one key per instance under /ftrpc/{service}/{addr}, its value
// the JSON encoded ServiceInstance, attached to a lease that is kept alive
// while the process runs. A crashed server disappears when its lease expires.
type Etcd struct {
	client *clientv3.Client
	logger *zap.Logger
	leases sync.Map // key -> clientv3.LeaseID
}

const keyPrefix = "/ftrpc/"

func servicePrefix(service string) string {
	return keyPrefix + service + "/"
}

func NewEtcd(endpoints []string, dialTimeout time.Duration, logger *zap.Logger) (*Etcd, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	c, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: dialTimeout,
		Logger:      logger.Named("etcd"),
	})
	if err != nil {
		return nil, errors.Wrap(err, "connect etcd")
	}
	return &Etcd{client: c, logger: logger.With(zap.String("component", "registry"))}, nil
}

func (r *Etcd) Register(ctx context.Context, service string, inst ServiceInstance, ttl int64) error {
	// The lease id stays local to this call and the leases map; several
	// servers may share one Etcd value.
	lease, err := r.client.Grant(ctx, ttl)
	if err != nil {
		return errors.Wrap(err, "grant lease")
	}
	val, err := json.Marshal(inst)
	if err != nil {
		return errors.Wrap(err, "marshal instance")
	}
	key := servicePrefix(service) + inst.Addr
	if _, err := r.client.Put(ctx, key, string(val), clientv3.WithLease(lease.ID)); err != nil {
		return errors.Wrapf(err, "put %s", key)
	}

	// KeepAlive must outlive ctx, which usually only covers startup.
	ch, err := r.client.KeepAlive(context.Background(), lease.ID)
	if err != nil {
		return errors.Wrap(err, "keep lease alive")
	}
	r.leases.Store(key, lease.ID)
	go func() {
		for range ch {
		}
		r.logger.Debug("lease keep-alive ended", zap.String("key", key))
	}()
	return nil
}

// Deregister deletes the key and revokes its lease, which also stops the
// keep-alive.
func (r *Etcd) Deregister(ctx context.Context, service string, addr string) error {
	key := servicePrefix(service) + addr
	if _, err := r.client.Delete(ctx, key); err != nil {
		return errors.Wrapf(err, "delete %s", key)
	}
	if id, ok := r.leases.LoadAndDelete(key); ok {
		if _, err := r.client.Revoke(ctx, id.(clientv3.LeaseID)); err != nil {
			return errors.Wrapf(err, "revoke lease of %s", key)
		}
	}
	return nil
}

func (r *Etcd) Discover(ctx context.Context, service string) ([]ServiceInstance, error) {
	resp, err := r.client.Get(ctx, servicePrefix(service), clientv3.WithPrefix())
	if err != nil {
		return nil, errors.Wrapf(err, "list %s", service)
	}
	instances := make([]ServiceInstance, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var inst ServiceInstance
		if err := json.Unmarshal(kv.Value, &inst); err != nil {
			r.logger.Warn("skipping malformed instance", zap.ByteString("key", kv.Key), zap.Error(err))
			continue
		}
		instances = append(instances, inst)
	}
	return instances, nil
}

// Watch re-reads the whole list on every change under the service prefix,
// which is simpler than applying individual events.
func (r *Etcd) Watch(ctx context.Context, service string) <-chan []ServiceInstance {
	ch := make(chan []ServiceInstance, 1)
	go func() {
		defer close(ch)
		for range r.client.Watch(ctx, servicePrefix(service), clientv3.WithPrefix()) {
			instances, err := r.Discover(ctx, service)
			if err != nil {
				r.logger.Warn("re-list after watch event failed", zap.String("service", service), zap.Error(err))
				continue
			}
			select {
			case ch <- instances:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch
}

func (r *Etcd) Close() error {
	return r.client.Close()
}
