package broadcast

import (
	"context"
	"io"
)

// Subscriber is one attached reader. Delivery is FIFO and never skips
// chunks; the queue is filled by the producer and drained by Next.
type Subscriber struct {
	b  *Broadcaster
	ch chan []byte

	// err and chClosed are written under b.mu before ch is closed, so a
	// reader that observes the closed channel sees them safely.
	err      error
	chClosed bool
	reason   string
}

// Next returns the next chunk in upstream order. It returns io.EOF on clean
// stream end, the terminal error on upstream failure, ErrSlowSubscriber if
// this subscriber was dropped for falling behind, or ctx.Err on cancel.
func (s *Subscriber) Next(ctx context.Context) ([]byte, error) {
	select {
	case chunk, ok := <-s.ch:
		if !ok {
			if s.err != nil {
				return nil, s.err
			}
			return nil, io.EOF
		}
		return chunk, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close detaches the subscriber; the client is gone. Other subscribers and
// the upstream are unaffected unless this was the last one.
func (s *Subscriber) Close() {
	s.b.detach(s, "client")
}

// Reason reports why the subscriber was detached, for metrics.
func (s *Subscriber) Reason() string {
	if s.reason == "" {
		return "client"
	}
	return s.reason
}
