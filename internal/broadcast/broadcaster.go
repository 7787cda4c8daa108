// Package broadcast fans one upstream SSE stream out to N subscribers.
//
// A single producer (the orchestrator's stream loop) publishes chunks; each
// subscriber drains its own buffered queue, so a slow client never slows the
// upstream or its peers. The full backlog is retained until the terminal
// event so a subscriber that joins mid-stream replays from the beginning.
package broadcast

import (
	"context"
	"errors"
	"sync"
)

var (
	// ErrSlowSubscriber is delivered to a subscriber that fell more than
	// the backlog budget behind the producer.
	ErrSlowSubscriber = errors.New("broadcast: subscriber too slow, disconnected")

	// ErrBacklogReleased means the stream can no longer be replayed from
	// the start, so a new subscriber cannot join.
	ErrBacklogReleased = errors.New("broadcast: backlog released, cannot replay")
)

// Broadcaster owns the backlog and the subscriber set for one upstream
// stream. The producer is the single writer; subscribers only read.
type Broadcaster struct {
	mu sync.Mutex

	backlog    [][]byte
	truncated  bool
	backlogMax int

	subs map[*Subscriber]struct{}

	terminal    bool
	terminalErr error

	primaryDone    bool
	cancelUpstream context.CancelFunc
}

// New creates a broadcaster. backlogMax bounds both the retained backlog and
// each subscriber's queue; cancelUpstream is invoked once the last
// subscriber has left and the primary request has recorded final status.
func New(backlogMax int, cancelUpstream context.CancelFunc) *Broadcaster {
	if backlogMax <= 0 {
		backlogMax = 1024
	}
	return &Broadcaster{
		backlogMax:     backlogMax,
		subs:           make(map[*Subscriber]struct{}),
		cancelUpstream: cancelUpstream,
	}
}

// Subscribe attaches a new subscriber, replaying the backlog first.
// After the terminal event the backlog is still replayable until the
// broadcaster is dropped; ErrBacklogReleased is returned once the early
// chunks are gone.
func (b *Broadcaster) Subscribe() (*Subscriber, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.truncated {
		return nil, ErrBacklogReleased
	}

	capacity := b.backlogMax
	if len(b.backlog) > capacity {
		capacity = len(b.backlog)
	}

	s := &Subscriber{
		b:  b,
		ch: make(chan []byte, capacity),
	}
	for _, chunk := range b.backlog {
		s.ch <- chunk
	}

	if b.terminal {
		close(s.ch)
		s.chClosed = true
		s.err = b.terminalErr
		return s, nil
	}

	b.subs[s] = struct{}{}
	return s, nil
}

// Publish appends one chunk and fans it out. A subscriber whose queue is
// full is disconnected with ErrSlowSubscriber; the producer never blocks.
func (b *Broadcaster) Publish(chunk []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.terminal {
		return
	}

	if len(b.backlog) >= b.backlogMax {
		// Release replay capability rather than growing without bound.
		b.backlog = nil
		b.truncated = true
	}
	if !b.truncated {
		b.backlog = append(b.backlog, chunk)
	}

	for s := range b.subs {
		select {
		case s.ch <- chunk:
		default:
			s.err = ErrSlowSubscriber
			s.reason = "backpressure"
			close(s.ch)
			s.chClosed = true
			delete(b.subs, s)
		}
	}
}

// Finish records the terminal status and closes every subscriber queue.
// A nil err is a clean upstream close; a non-nil err (idle timeout, total
// timeout, transport failure) is delivered to subscribers after they drain.
func (b *Broadcaster) Finish(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.terminal {
		return
	}
	b.terminal = true
	b.terminalErr = err

	for s := range b.subs {
		s.err = err
		close(s.ch)
		s.chClosed = true
		delete(b.subs, s)
	}
}

// Terminal reports whether the stream has ended and with which error.
func (b *Broadcaster) Terminal() (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.terminal, b.terminalErr
}

// Backlog returns a copy of the retained chunks, or nil when the backlog
// was released.
func (b *Broadcaster) Backlog() [][]byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.truncated {
		return nil
	}
	out := make([][]byte, len(b.backlog))
	copy(out, b.backlog)
	return out
}

// SubscriberCount reports the number of attached subscribers.
func (b *Broadcaster) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// PrimaryDone marks that the originating request has recorded its final
// status. Together with an empty subscriber set this releases the upstream.
func (b *Broadcaster) PrimaryDone() {
	b.mu.Lock()
	b.primaryDone = true
	cancel := b.maybeCancelLocked()
	b.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (b *Broadcaster) detach(s *Subscriber, reason string) {
	b.mu.Lock()
	if _, ok := b.subs[s]; ok {
		s.reason = reason
		if !s.chClosed {
			close(s.ch)
			s.chClosed = true
		}
		delete(b.subs, s)
	}
	cancel := b.maybeCancelLocked()
	b.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// maybeCancelLocked returns the upstream cancel func when the last
// subscriber has left and the primary is done. Caller holds b.mu.
func (b *Broadcaster) maybeCancelLocked() context.CancelFunc {
	if b.terminal || !b.primaryDone || len(b.subs) != 0 {
		return nil
	}
	cancel := b.cancelUpstream
	b.cancelUpstream = nil
	return cancel
}
