package dedup

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Role distinguishes the request that performs the upstream call from the
// duplicates that ride along.
type Role int

const (
	RoleOwner Role = iota
	RoleSubscriber
)

func (r Role) String() string {
	if r == RoleOwner {
		return "owner"
	}
	return "subscriber"
}

// ErrOwnerGone is delivered to subscribers whose owner entry was evicted
// without a terminal result.
var ErrOwnerGone = errors.New("dedup: owner abandoned the request")

// Result is the terminal outcome an owner hands to its subscribers.
type Result struct {
	Status      int
	ContentType string
	Body        []byte
}

// entry is one in-flight fingerprint.
type entry struct {
	createdAt time.Time

	// done closes when the entry reaches its terminal state, either via the
	// owner's Complete/Fail or via TTL eviction. finishOnce makes the first
	// terminal transition win: a demoted owner that finishes late is a no-op.
	finishOnce sync.Once
	done       chan struct{}
	result     *Result
	err        error

	// streamReady closes when the owner attaches a stream handle.
	streamReady chan struct{}
	stream      any
}

// finish records the terminal state and wakes waiters. Only the first call
// has any effect.
func (e *entry) finish(result *Result, err error) {
	e.finishOnce.Do(func() {
		e.result = result
		e.err = err
		close(e.done)
	})
}

// Handle is one participant's view of an in-flight entry.
type Handle struct {
	role Role
	fp   string
	e    *entry
}

func (h *Handle) Role() Role          { return h.role }
func (h *Handle) Fingerprint() string { return h.fp }

// Await blocks until the owner publishes a terminal result.
func (h *Handle) Await(ctx context.Context) (*Result, error) {
	select {
	case <-h.e.done:
		if h.e.err != nil {
			return nil, h.e.err
		}
		return h.e.result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// AwaitStream blocks until the owner attaches its stream handle. If the
// owner instead reaches a terminal state first (for example it failed before
// any bytes flowed), the terminal result is returned with a nil stream.
func (h *Handle) AwaitStream(ctx context.Context) (stream any, result *Result, err error) {
	select {
	case <-h.e.streamReady:
		return h.e.stream, nil, nil
	case <-h.e.done:
		return nil, h.e.result, h.e.err
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	}
}

// Registry is a thread-safe map from fingerprint to in-flight entry.
//
// Entries have a maximum lifetime: an owner that neither completes nor fails
// within the TTL is treated as hung, its entry is evicted (subscribers get
// ErrOwnerGone) and the next Begin claims fresh ownership.
type Registry struct {
	ttl time.Duration

	mu      sync.Mutex
	entries map[string]*entry
}

func NewRegistry(ttl time.Duration) *Registry {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &Registry{
		ttl:     ttl,
		entries: make(map[string]*entry),
	}
}

// Begin claims or joins the in-flight entry for fp.
func (r *Registry) Begin(fp string) *Handle {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.entries[fp]; ok {
		if time.Since(e.createdAt) <= r.ttl {
			return &Handle{role: RoleSubscriber, fp: fp, e: e}
		}
		// Stale owner: demote it and let this caller take over.
		r.evictLocked(fp, e)
	}

	e := &entry{
		createdAt:   time.Now(),
		done:        make(chan struct{}),
		streamReady: make(chan struct{}),
	}
	r.entries[fp] = e
	return &Handle{role: RoleOwner, fp: fp, e: e}
}

// AttachStream publishes the owner's stream handle so streaming subscribers
// can join it. Owner only.
func (r *Registry) AttachStream(h *Handle, stream any) {
	if h.role != RoleOwner {
		return
	}
	h.e.stream = stream
	close(h.e.streamReady)
}

// Complete publishes a terminal result, wakes all subscribers and removes
// the entry. Owner only.
func (r *Registry) Complete(h *Handle, result *Result) {
	if h.role != RoleOwner {
		return
	}
	r.mu.Lock()
	if r.entries[h.fp] == h.e {
		delete(r.entries, h.fp)
	}
	r.mu.Unlock()

	h.e.finish(result, nil)
}

// Fail publishes a terminal error, wakes all subscribers and removes the
// entry. Owner only.
func (r *Registry) Fail(h *Handle, err error) {
	if h.role != RoleOwner {
		return
	}
	r.mu.Lock()
	if r.entries[h.fp] == h.e {
		delete(r.entries, h.fp)
	}
	r.mu.Unlock()

	h.e.finish(nil, err)
}

// Len reports the number of in-flight entries.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// evictLocked removes a stale entry and releases its subscribers with
// ErrOwnerGone. Caller holds r.mu.
func (r *Registry) evictLocked(fp string, e *entry) {
	delete(r.entries, fp)
	e.finish(nil, ErrOwnerGone)
}
