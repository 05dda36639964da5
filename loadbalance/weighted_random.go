package loadbalance

import (
	"math/rand"
	"sync"
	"time"
)

var (
	rndMu sync.Mutex
	rnd   = rand.New(rand.NewSource(time.Now().UnixNano()))
)

// WeightedShuffle returns a copy of items in weighted random order: an item
// with twice the weight is twice as likely to come first. Weights of zero or
// less count as one. If r is nil a shared source is used.
func WeightedShuffle[T any](items []T, weight func(T) int, r *rand.Rand) []T {
	if r == nil {
		rndMu.Lock()
		defer rndMu.Unlock()
		r = rnd
	}

	rest := append([]T(nil), items...)
	weights := make([]int, len(rest))
	total := 0
	for i, it := range rest {
		w := weight(it)
		if w <= 0 {
			w = 1
		}
		weights[i] = w
		total += w
	}

	out := make([]T, 0, len(rest))
	for len(rest) > 0 {
		n := r.Intn(total)
		i := 0
		for ; i < len(rest)-1; i++ {
			n -= weights[i]
			if n < 0 {
				break
			}
		}
		out = append(out, rest[i])
		total -= weights[i]
		rest = append(rest[:i], rest[i+1:]...)
		weights = append(weights[:i], weights[i+1:]...)
	}
	return out
}
