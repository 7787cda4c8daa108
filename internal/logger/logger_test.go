package logger

import (
	"context"
	"sync"
	"testing"

	"github.com/google/uuid"
)

type captureSink struct {
	mu      sync.Mutex
	entries []RequestLog
	flushes int
	closed  bool
}

func (s *captureSink) Flush(_ context.Context, batch []RequestLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, batch...)
	s.flushes++
	return nil
}

func (s *captureSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func TestCloseFlushesPendingEntries(t *testing.T) {
	sink := &captureSink{}
	l, err := New(context.Background(), nil, sink)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	const n = 250
	for i := 0; i < n; i++ {
		l.Log(RequestLog{
			ID:       uuid.New(),
			Provider: "main",
			Outcome:  "success",
			Status:   200,
		})
	}

	if err := l.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.entries) != n {
		t.Errorf("flushed entries = %d, want %d", len(sink.entries), n)
	}
	if !sink.closed {
		t.Error("Close() should close the sink")
	}
	if l.DroppedLogs() != 0 {
		t.Errorf("DroppedLogs() = %d, want 0", l.DroppedLogs())
	}
}

func TestLogDropsWhenFull(t *testing.T) {
	// No flusher running: construct by hand so the channel backs up.
	l := &Logger{
		ch:   make(chan RequestLog, 2),
		done: make(chan struct{}),
	}

	for i := 0; i < 5; i++ {
		l.Log(RequestLog{ID: uuid.New()})
	}

	if got := l.DroppedLogs(); got != 3 {
		t.Errorf("DroppedLogs() = %d, want 3", got)
	}
}
