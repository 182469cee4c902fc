package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/mbd888/typeguard/internal/circuitbreaker"
	"github.com/mbd888/typeguard/internal/metrics"
	"github.com/mbd888/typeguard/internal/retry"
)

const (
	writerChanSize     = 4096
	writerBatchSize    = 100
	writerFlushMs      = 500
	writerFlushTimeout = 10 * time.Second

	breakerName      = "event_sink"
	breakerThreshold = 5
	breakerCooldown  = 30 * time.Second
)

// Writer asynchronously batches raw events to a Sink. Writes are retried
// with backoff and guarded by a circuit breaker so a struggling database
// sheds load instead of piling up goroutines.
type Writer struct {
	sink    Sink
	breaker *circuitbreaker.Breaker
	logger  *slog.Logger
	ch      chan *Batch
	stop    chan struct{}
	done    chan struct{}
	running atomic.Bool
	dropped atomic.Int64
	written atomic.Int64
}

var _ Recorder = (*Writer)(nil)

// NewWriter creates a new async event writer.
func NewWriter(sink Sink, logger *slog.Logger) *Writer {
	return &Writer{
		sink:    sink,
		breaker: circuitbreaker.New(circuitbreaker.Config{
			Name:      breakerName,
			Threshold: breakerThreshold,
			Cooldown:  breakerCooldown,
		}),
		logger:  logger,
		ch:      make(chan *Batch, writerChanSize),
		stop:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
}

// Send enqueues a batch. Non-blocking: drops and increments a counter if the
// channel is full.
func (w *Writer) Send(b *Batch) {
	select {
	case w.ch <- b:
	default:
		w.dropped.Add(1)
		metrics.SinkWritesTotal.WithLabelValues("dropped").Inc()
	}
}

// Dropped returns the number of batches dropped due to a full channel or an
// open circuit.
func (w *Writer) Dropped() int64 {
	return w.dropped.Load()
}

// Written returns the number of batches handed to the sink successfully.
func (w *Writer) Written() int64 {
	return w.written.Load()
}

// Start begins draining the channel and flushing batches. Call in a goroutine.
func (w *Writer) Start(ctx context.Context) {
	w.running.Store(true)
	defer close(w.done)
	defer w.running.Store(false)

	ticker := time.NewTicker(time.Duration(writerFlushMs) * time.Millisecond)
	defer ticker.Stop()

	var buf []*Batch

	for {
		select {
		case <-ctx.Done():
			w.flush(w.drain(buf))
			return
		case <-w.stop:
			w.flush(w.drain(buf))
			return
		case b := <-w.ch:
			buf = append(buf, b)
			if len(buf) >= writerBatchSize {
				w.flush(buf)
				buf = nil
			}
		case <-ticker.C:
			if len(buf) > 0 {
				w.flush(buf)
				buf = nil
			}
		}
	}
}

// Stop signals the writer to flush remaining batches and exit, and waits
// until it has. It returns immediately if Start was never called.
func (w *Writer) Stop() {
	if !w.running.Load() {
		return
	}
	select {
	case w.stop <- struct{}{}:
	default:
	}
	<-w.done
}

// SinkStats reports the state of the circuit guarding the sink.
func (w *Writer) SinkStats() circuitbreaker.Stats {
	return w.breaker.Stats()
}

// Running reports whether the writer loop is active.
func (w *Writer) Running() bool {
	return w.running.Load()
}

// drain picks up whatever is still queued so shutdown does not lose it.
func (w *Writer) drain(buf []*Batch) []*Batch {
	for {
		select {
		case b := <-w.ch:
			buf = append(buf, b)
		default:
			return buf
		}
	}
}

func (w *Writer) flush(buf []*Batch) {
	if len(buf) == 0 {
		return
	}
	w.safeFlush(buf)
}

func (w *Writer) safeFlush(buf []*Batch) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("panic in event writer flush", "panic", fmt.Sprint(r))
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), writerFlushTimeout)
	defer cancel()

	err := w.breaker.Do(ctx, func(ctx context.Context) error {
		return retry.SinkWrite.Do(ctx, func(ctx context.Context) error {
			return w.sink.WriteBatch(ctx, buf)
		})
	})
	switch {
	case errors.Is(err, circuitbreaker.ErrOpen):
		w.dropped.Add(int64(len(buf)))
		metrics.SinkWritesTotal.WithLabelValues("rejected").Inc()
		w.logger.Warn("event sink circuit open, dropping batches", "count", len(buf))
	case err != nil:
		w.dropped.Add(int64(len(buf)))
		metrics.SinkWritesTotal.WithLabelValues("error").Inc()
		w.logger.Error("event writer flush failed", "error", err, "count", len(buf))
	default:
		w.written.Add(int64(len(buf)))
		metrics.SinkWritesTotal.WithLabelValues("success").Inc()
	}
}
