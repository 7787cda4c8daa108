// Package logger implements a non-blocking, batched request audit logger.
//
// Log entries are written to an internal buffered channel and flushed in
// batches by a background goroutine, so logging never blocks the relay hot
// path. If the channel fills up (> 10 000 entries), new entries are dropped
// and counted in DroppedLogs.
//
// Batches flush to a Sink. The default sink emits one slog record per entry;
// when a ClickHouse DSN is configured the entries land in an audit table
// instead (see clickhouse.go).
package logger

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

const (
	channelBuffer = 10_000
	batchSize     = 100
	flushInterval = time.Second
)

// Dedup roles recorded per request.
const (
	RoleNone       = ""
	RoleOwner      = "owner"
	RoleSubscriber = "subscriber"
	RoleReplay     = "replay"
)

// RequestLog is one completed relay request.
type RequestLog struct {
	ID            uuid.UUID
	ClientModel   string
	UpstreamModel string
	Provider      string
	Outcome       string
	Status        uint16
	Streaming     bool
	DedupRole     string
	Failovers     uint8
	InputTokens   uint32
	OutputTokens  uint32
	LatencyMs     uint32
	CreatedAt     time.Time
}

// Sink receives flushed batches. Implementations must tolerate being called
// from a single background goroutine only.
type Sink interface {
	Flush(ctx context.Context, batch []RequestLog) error
	Close() error
}

type Logger struct {
	ch        chan RequestLog
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	droppedLogs int64

	baseCtx context.Context
	log     *slog.Logger
	sink    Sink
}

// New starts the background flusher. A nil sink falls back to slog output.
func New(ctx context.Context, slogger *slog.Logger, sink Sink) (*Logger, error) {
	if ctx == nil {
		return nil, fmt.Errorf("logger: context must not be nil")
	}
	if slogger == nil {
		slogger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		}))
	}
	if sink == nil {
		sink = &slogSink{log: slogger}
	}

	l := &Logger{
		ch:      make(chan RequestLog, channelBuffer),
		done:    make(chan struct{}),
		baseCtx: ctx,
		log:     slogger,
		sink:    sink,
	}

	l.wg.Add(1)
	go l.run()

	return l, nil
}

func (l *Logger) Log(entry RequestLog) {
	select {
	case l.ch <- entry:
	default:
		atomic.AddInt64(&l.droppedLogs, 1)
	}
}

func (l *Logger) DroppedLogs() int64 {
	return atomic.LoadInt64(&l.droppedLogs)
}

// Close drains pending entries, flushes them and closes the sink.
func (l *Logger) Close() error {
	l.closeOnce.Do(func() {
		close(l.done)
	})
	l.wg.Wait()
	return l.sink.Close()
}

func (l *Logger) run() {
	defer l.wg.Done()

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]RequestLog, 0, batchSize)

	flush := func(ctx context.Context) {
		if len(batch) == 0 {
			return
		}
		if err := l.sink.Flush(ctx, batch); err != nil {
			l.log.ErrorContext(ctx, "audit flush failed",
				slog.Int("entries", len(batch)),
				slog.String("error", err.Error()),
			)
		}
		batch = batch[:0]
	}

	for {
		select {
		case entry := <-l.ch:
			batch = append(batch, entry)
			if len(batch) >= batchSize {
				flush(l.baseCtx)
			}

		case <-ticker.C:
			flush(l.baseCtx)

		case <-l.done:
			for {
				select {
				case entry := <-l.ch:
					batch = append(batch, entry)
					if len(batch) >= batchSize {
						flush(l.baseCtx)
					}
				default:
					flush(l.baseCtx)
					return
				}
			}
		}
	}
}

// slogSink emits one structured record per entry.
type slogSink struct {
	log *slog.Logger
}

func (s *slogSink) Flush(ctx context.Context, batch []RequestLog) error {
	for _, e := range batch {
		s.log.InfoContext(ctx, "request",
			slog.String("id", e.ID.String()),
			slog.String("client_model", e.ClientModel),
			slog.String("upstream_model", e.UpstreamModel),
			slog.String("provider", e.Provider),
			slog.String("outcome", e.Outcome),
			slog.Uint64("status", uint64(e.Status)),
			slog.Bool("streaming", e.Streaming),
			slog.String("dedup_role", e.DedupRole),
			slog.Uint64("failovers", uint64(e.Failovers)),
			slog.Uint64("input_tokens", uint64(e.InputTokens)),
			slog.Uint64("output_tokens", uint64(e.OutputTokens)),
			slog.Uint64("latency_ms", uint64(e.LatencyMs)),
			slog.Time("created_at", normalizeTime(e.CreatedAt)),
		)
	}
	return nil
}

func (s *slogSink) Close() error { return nil }

func normalizeTime(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t.UTC()
}
