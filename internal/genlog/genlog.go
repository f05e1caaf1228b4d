// Package genlog implements a non-blocking, batched generation logger.
//
// One record is written per get-or-generate outcome. Records go to an
// internal buffered channel and are flushed in batches by a background
// goroutine — so logging never blocks the generation hot path. If the
// channel fills up (> 10 000 entries), new records are dropped and counted
// in DroppedRecords.
package genlog

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

// Record is one generation outcome.
type Record struct {
	ID         uuid.UUID
	TaskType   string
	Provider   string
	PromptHash string
	Cached     bool
	Success    bool
	LatencyMs  int64
	CreatedAt  time.Time
}

type Logger struct {
	ch        chan Record
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	droppedRecords int64

	baseCtx context.Context
	log     *slog.Logger
}

func New(ctx context.Context, slogger *slog.Logger) (*Logger, error) {
	if ctx == nil {
		return nil, fmt.Errorf("genlog: context must not be nil")
	}
	if slogger == nil {
		slogger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		}))
	}

	l := &Logger{
		ch:      make(chan Record, channelBuffer),
		done:    make(chan struct{}),
		baseCtx: ctx,
		log:     slogger,
	}

	l.wg.Add(1)
	go l.run()

	return l, nil
}

func (l *Logger) Log(rec Record) {
	select {
	case l.ch <- rec:
	default:
		atomic.AddInt64(&l.droppedRecords, 1)
	}
}

func (l *Logger) DroppedRecords() int64 {
	return atomic.LoadInt64(&l.droppedRecords)
}

func (l *Logger) Close() error {
	l.closeOnce.Do(func() {
		close(l.done)
	})
	l.wg.Wait()
	return nil
}

func (l *Logger) run() {
	defer l.wg.Done()

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]Record, 0, batchSize)

	flush := func(ctx context.Context) {
		if len(batch) == 0 {
			return
		}
		for _, r := range batch {
			l.log.InfoContext(ctx, "generation",
				slog.String("id", r.ID.String()),
				slog.String("task_type", r.TaskType),
				slog.String("provider", r.Provider),
				slog.String("prompt_hash", r.PromptHash),
				slog.Bool("cached", r.Cached),
				slog.Bool("success", r.Success),
				slog.Int64("latency_ms", r.LatencyMs),
				slog.Time("created_at", normalizeTime(r.CreatedAt)),
			)
		}
		batch = batch[:0]
	}

	for {
		select {
		case rec := <-l.ch:
			batch = append(batch, rec)
			if len(batch) >= batchSize {
				flush(l.baseCtx)
			}

		case <-ticker.C:
			flush(l.baseCtx)

		case <-l.done:
			for {
				select {
				case rec := <-l.ch:
					batch = append(batch, rec)
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

func normalizeTime(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t.UTC()
}
