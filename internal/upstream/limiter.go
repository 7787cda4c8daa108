package upstream

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/semaphore"
)

// Limiter bounds concurrent upstream connections per provider. A limit of
// zero or less disables bounding.
type Limiter struct {
	limit int64

	mu   sync.Mutex
	sems map[string]*semaphore.Weighted
}

func NewLimiter(maxPerProvider int) *Limiter {
	return &Limiter{
		limit: int64(maxPerProvider),
		sems:  make(map[string]*semaphore.Weighted),
	}
}

// Acquire blocks until a slot for the provider is free or ctx is done.
// The returned release function must be called exactly once.
func (l *Limiter) Acquire(ctx context.Context, provider string) (func(), error) {
	if l.limit <= 0 {
		return func() {}, nil
	}

	l.mu.Lock()
	sem, ok := l.sems[provider]
	if !ok {
		sem = semaphore.NewWeighted(l.limit)
		l.sems[provider] = sem
	}
	l.mu.Unlock()

	if err := sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("upstream: acquire slot for %s: %w", provider, err)
	}
	return func() { sem.Release(1) }, nil
}
