// Package waiter lets one goroutine block until another supplies the result
// for a key.
//
// The typical use is request/response correlation over an asynchronous
// connection: the calling goroutine installs a key before the request is
// written, the read loop releases the key when the response arrives.
//
//	caller:    h, _ := w.Begin(key) ── send ── h.Await(timeout) ──┐
//	read loop:                     w.Release(key, resp) ──────────┘ wakes the caller
//
// At most one waiter exists per key. A key that timed out is removed before
// Await returns, so a late Release for it reports "not found" and the value is
// dropped.
package waiter

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
)

var (
	ErrDuplicateKey = errors.New("waiter: key already has a pending waiter")
	ErrTimeout      = errors.New("waiter: timed out waiting for result")
)

type outcome[V any] struct {
	value V
	err   error
}

// Handle is the caller side of one pending key.
type Handle[K comparable, V any] struct {
	key    K
	w      *Waiter[K, V]
	result chan outcome[V] // buffered(1): a release never blocks
}

// Waiter is a set of pending keys. The zero value is not usable; use New.
type Waiter[K comparable, V any] struct {
	pending sync.Map // K -> *Handle[K, V]
}

func New[K comparable, V any]() *Waiter[K, V] {
	return &Waiter[K, V]{}
}

// Begin installs a pending entry for key. The entry exists before Begin
// returns, so a Release racing with the subsequent Await is never lost.
func (w *Waiter[K, V]) Begin(key K) (*Handle[K, V], error) {
	h := &Handle[K, V]{key: key, w: w, result: make(chan outcome[V], 1)}
	if _, loaded := w.pending.LoadOrStore(key, h); loaded {
		return nil, errors.Wrapf(ErrDuplicateKey, "key %v", key)
	}
	return h, nil
}

// Release delivers value to the waiter of key. It reports whether a waiter was found.
func (w *Waiter[K, V]) Release(key K, value V) bool {
	return w.deliver(key, outcome[V]{value: value})
}

// Fail delivers err to the waiter of key; Await returns it unchanged.
func (w *Waiter[K, V]) Fail(key K, err error) bool {
	return w.deliver(key, outcome[V]{err: err})
}

// FailMatching fails every pending key for which match returns true and
// returns how many were failed.
func (w *Waiter[K, V]) FailMatching(match func(K) bool, err error) int {
	n := 0
	w.pending.Range(func(k, _ any) bool {
		key := k.(K)
		if match(key) && w.Fail(key, err) {
			n++
		}
		return true
	})
	return n
}

// Pending returns the number of keys currently waiting.
func (w *Waiter[K, V]) Pending() int {
	n := 0
	w.pending.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

func (w *Waiter[K, V]) deliver(key K, o outcome[V]) bool {
	v, ok := w.pending.LoadAndDelete(key)
	if !ok {
		return false
	}
	v.(*Handle[K, V]).result <- o
	return true
}

func (h *Handle[K, V]) Key() K {
	return h.key
}

// Await blocks for at most timeout. A non-positive timeout waits only for a
// result that is already available.
func (h *Handle[K, V]) Await(timeout time.Duration) (V, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return h.Wait(ctx)
}

// Wait blocks until the key is released or ctx is done. On deadline expiry it
// returns ErrTimeout; on cancellation it returns ctx.Err(). Either way the
// entry is gone when Wait returns.
func (h *Handle[K, V]) Wait(ctx context.Context) (V, error) {
	select {
	case o := <-h.result:
		return o.value, o.err
	case <-ctx.Done():
	}

	if h.w.pending.CompareAndDelete(h.key, h) {
		var zero V
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return zero, errors.Wrapf(ErrTimeout, "key %v", h.key)
		}
		return zero, ctx.Err()
	}
	// A release removed the entry first; its value is in flight to us.
	o := <-h.result
	return o.value, o.err
}

// Cancel abandons the wait without blocking. It reports whether the entry was
// still pending.
func (h *Handle[K, V]) Cancel() bool {
	return h.w.pending.CompareAndDelete(h.key, h)
}
