// Package eventstore provides the durable, replayable event log with
// buffered batch writes.
package eventstore

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/kotori/internal/model"
	"github.com/ashita-ai/kotori/internal/telemetry"
)

// maxBufferCapacity is the hard upper limit on buffered events to prevent OOM.
// When this limit is reached, Save applies backpressure by returning an error.
const maxBufferCapacity = 100_000

// Log is the storage collaborator the store persists through.
type Log interface {
	InsertEvents(ctx context.Context, events []model.Event) (int64, error)
	EventsByStream(ctx context.Context, streamID string, limit int, after *time.Time) ([]model.Event, error)
	EventsByUser(ctx context.Context, userID int64, eventTypes []string, limit int) ([]model.Event, error)
	DeleteEventsBefore(ctx context.Context, cutoff time.Time, excludeTypes []string) (int64, error)
}

// Options configures a Store.
type Options struct {
	BatchSize        int           // flush immediately once this many events are buffered
	FlushInterval    time.Duration // periodic flush cadence
	MaxEventBytes    int           // serialized data+metadata ceiling per event
	MetadataMaxBytes int
	Compression      bool // snappy-compress oversized payloads instead of rejecting
	Retention        time.Duration
}

// Store accumulates events in memory and flushes them to the log in batches,
// either when the buffer reaches BatchSize or on the periodic flush tick.
type Store struct {
	log    Log
	logger *slog.Logger
	opts   Options

	mu     sync.Mutex
	events []model.Event

	droppedEvents atomic.Int64 // events dropped when re-buffering would exceed capacity

	flushCh    chan struct{}
	done       chan struct{}
	started    atomic.Bool
	cancelLoop context.CancelFunc
	drainCtx   context.Context // set by Drain so the final flush respects the caller's deadline
}

// New creates an event store writing through the given log.
func New(log Log, logger *slog.Logger, opts Options) *Store {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = 5 * time.Second
	}
	if opts.MaxEventBytes <= 0 {
		opts.MaxEventBytes = 64000
	}
	if opts.MetadataMaxBytes <= 0 {
		opts.MetadataMaxBytes = model.DefaultMetadataMaxBytes
	}
	return &Store{
		log:     log,
		logger:  logger,
		opts:    opts,
		flushCh: make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
}

// Start begins the background flush loop and registers metrics.
// Call Drain to stop. A second Start is a no-op.
func (s *Store) Start(ctx context.Context) {
	if !s.started.CompareAndSwap(false, true) {
		s.logger.Warn("eventstore: Start called twice, ignoring")
		return
	}
	s.registerMetrics()
	loopCtx, cancel := context.WithCancel(ctx)
	s.cancelLoop = cancel
	go s.flushLoop(loopCtx)
}

// Save validates the event's size and appends it to the buffer. Oversized
// payloads are compressed when compression is enabled, otherwise rejected
// with model.ErrEventTooLarge. Persistence failures never surface here: they
// are handled by the flush path, which re-buffers failed batches.
func (s *Store) Save(event model.Event) error {
	if err := event.ValidateMetadataSize(s.opts.MetadataMaxBytes); err != nil {
		return err
	}

	size, err := event.SerializedSize()
	if err != nil {
		return err
	}
	if size > s.opts.MaxEventBytes {
		if !s.opts.Compression {
			return fmt.Errorf("%w: %d bytes, ceiling %d", model.ErrEventTooLarge, size, s.opts.MaxEventBytes)
		}
		event, err = compressData(event)
		if err != nil {
			return err
		}
		size, err = event.SerializedSize()
		if err != nil {
			return err
		}
		if size > s.opts.MaxEventBytes {
			return fmt.Errorf("%w: %d bytes after compression, ceiling %d", model.ErrEventTooLarge, size, s.opts.MaxEventBytes)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.events)+1 > maxBufferCapacity {
		return fmt.Errorf("eventstore: buffer at capacity (%d events), try again later", len(s.events))
	}
	s.events = append(s.events, event)

	if len(s.events) >= s.opts.BatchSize {
		select {
		case s.flushCh <- struct{}{}:
		default:
		}
	}
	return nil
}

func (s *Store) flushLoop(ctx context.Context) {
	ticker := time.NewTicker(s.opts.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// Final flush. ctx is already done, so use the drain context
			// provided by Drain, which carries the caller's deadline.
			if s.drainCtx != nil {
				_ = s.Flush(s.drainCtx)
			} else {
				fallbackCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				_ = s.Flush(fallbackCtx)
				cancel()
			}
			close(s.done)
			return
		case <-ticker.C:
			_ = s.Flush(ctx)
		case <-s.flushCh:
			_ = s.Flush(ctx)
		}
	}
}

// Flush atomically swaps out the buffered events and writes them in one
// batched insert. On failure the batch is prepended back onto the live
// buffer in original order so no event is silently dropped.
func (s *Store) Flush(ctx context.Context) error {
	s.mu.Lock()
	if len(s.events) == 0 {
		s.mu.Unlock()
		return nil
	}
	batch := s.events
	s.events = nil
	s.mu.Unlock()

	start := time.Now()
	count, err := s.log.InsertEvents(ctx, batch)
	duration := time.Since(start)

	if err != nil {
		s.logger.Error("eventstore: flush failed", "error", err, "batch_size", len(batch))
		s.mu.Lock()
		if len(s.events)+len(batch) <= maxBufferCapacity {
			s.events = append(batch, s.events...)
		} else {
			s.droppedEvents.Add(int64(len(batch)))
			s.logger.Error("eventstore: dropping events, buffer at capacity after flush failure", "dropped", len(batch))
		}
		s.mu.Unlock()
		return fmt.Errorf("eventstore: flush: %w", err)
	}

	s.logger.Debug("eventstore: batch flushed",
		"batch_size", count,
		"flush_duration_ms", duration.Milliseconds(),
	)
	return nil
}

// EventsByStream returns a stream's events ordered oldest to newest,
// optionally only those after the given timestamp. Compressed payloads are
// expanded transparently.
func (s *Store) EventsByStream(ctx context.Context, streamID string, limit int, after *time.Time) ([]model.Event, error) {
	events, err := s.log.EventsByStream(ctx, streamID, limit, after)
	if err != nil {
		return nil, err
	}
	return decompressAll(events)
}

// EventsByUser returns a user's events newest first, optionally filtered to
// a set of event types.
func (s *Store) EventsByUser(ctx context.Context, userID int64, eventTypes []string, limit int) ([]model.Event, error) {
	events, err := s.log.EventsByUser(ctx, userID, eventTypes, limit)
	if err != nil {
		return nil, err
	}
	return decompressAll(events)
}

// Retain deletes events older than the configured retention window. System
// and coordination event types are kept indefinitely.
func (s *Store) Retain(ctx context.Context) (int64, error) {
	if s.opts.Retention <= 0 {
		return 0, nil
	}
	cutoff := time.Now().UTC().Add(-s.opts.Retention)
	deleted, err := s.log.DeleteEventsBefore(ctx, cutoff, model.RetentionExemptTypes())
	if err != nil {
		return 0, fmt.Errorf("eventstore: retention sweep: %w", err)
	}
	if deleted > 0 {
		s.logger.Info("eventstore: retention sweep", "deleted", deleted, "cutoff", cutoff)
	}
	return deleted, nil
}

// Drain signals the flush loop to stop, waits for its final flush, and
// returns. The ctx controls the maximum wait and bounds the final flush.
func (s *Store) Drain(ctx context.Context) {
	s.drainCtx = ctx
	if s.cancelLoop != nil {
		s.cancelLoop()
	}
	select {
	case <-s.done:
	case <-ctx.Done():
		s.logger.Warn("eventstore: drain timed out waiting for flush loop")
	}
}

// Len returns the current number of buffered events.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

// DroppedEvents returns the total number of events dropped because the
// buffer was at capacity after a flush failure. Non-zero means data loss.
func (s *Store) DroppedEvents() int64 {
	return s.droppedEvents.Load()
}

// registerMetrics registers observable gauges for buffer health monitoring.
func (s *Store) registerMetrics() {
	meter := telemetry.Meter("kotori/eventstore")

	_, _ = meter.Int64ObservableGauge("kotori.eventstore.buffer_depth",
		metric.WithDescription("Current number of events in the write buffer"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(s.Len()))
			return nil
		}),
	)

	_, _ = meter.Int64ObservableGauge("kotori.eventstore.dropped_total",
		metric.WithDescription("Total events dropped due to buffer capacity exhaustion"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(s.DroppedEvents())
			return nil
		}),
	)
}
