package registry

import (
	"context"
	"sort"
	"sync"
)

// Memory is an in-process Registry for tests and single-binary setups. TTLs
// are ignored: entries live until Deregister.
type Memory struct {
	mu        sync.Mutex
	instances map[string]map[string]ServiceInstance
	watchers  map[string][]chan []ServiceInstance
}

func NewMemory() *Memory {
	return &Memory{
		instances: make(map[string]map[string]ServiceInstance),
		watchers:  make(map[string][]chan []ServiceInstance),
	}
}

func (m *Memory) Register(_ context.Context, service string, inst ServiceInstance, _ int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.instances[service] == nil {
		m.instances[service] = make(map[string]ServiceInstance)
	}
	m.instances[service][inst.Addr] = inst
	m.notify(service)
	return nil
}

func (m *Memory) Deregister(_ context.Context, service string, addr string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.instances[service], addr)
	m.notify(service)
	return nil
}

func (m *Memory) Discover(_ context.Context, service string) ([]ServiceInstance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.list(service), nil
}

func (m *Memory) Watch(ctx context.Context, service string) <-chan []ServiceInstance {
	ch := make(chan []ServiceInstance, 1)
	m.mu.Lock()
	m.watchers[service] = append(m.watchers[service], ch)
	m.mu.Unlock()

	go func() {
		<-ctx.Done()
		m.mu.Lock()
		defer m.mu.Unlock()
		ws := m.watchers[service]
		for i, w := range ws {
			if w == ch {
				m.watchers[service] = append(ws[:i], ws[i+1:]...)
				break
			}
		}
		close(ch)
	}()
	return ch
}

func (m *Memory) Close() error {
	return nil
}

func (m *Memory) list(service string) []ServiceInstance {
	out := make([]ServiceInstance, 0, len(m.instances[service]))
	for _, inst := range m.instances[service] {
		out = append(out, inst)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Addr < out[j].Addr })
	return out
}

// notify hands every watcher the latest list, replacing one it has not
// consumed yet. m.mu is held.
func (m *Memory) notify(service string) {
	list := m.list(service)
	for _, ch := range m.watchers[service] {
		select {
		case <-ch:
		default:
		}
		ch <- list
	}
}
