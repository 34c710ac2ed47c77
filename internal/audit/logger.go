package audit

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// LoggerConfig configures the async audit logger.
type LoggerConfig struct {
	BufferSize    int
	BatchSize     int
	FlushInterval time.Duration
	// Metrics is optional.
	Metrics *Metrics
}

// Metrics counts audit events that never reached the sink.
type Metrics struct {
	Dropped       prometheus.Counter
	FlushFailures prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Dropped: f.NewCounter(prometheus.CounterOpts{
			Name: "ehr_rbac_audit_events_dropped_total",
			Help: "Audit events dropped because the buffer was full",
		}),
		FlushFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "ehr_rbac_audit_flush_failures_total",
			Help: "Audit batches that failed to persist",
		}),
	}
}

func (m *Metrics) dropped() {
	if m != nil {
		m.Dropped.Inc()
	}
}

func (m *Metrics) flushFailed() {
	if m != nil {
		m.FlushFailures.Inc()
	}
}

// BatchWriter persists a batch of events. *Store is the Postgres writer.
type BatchWriter interface {
	InsertBatch(ctx context.Context, events []Event) error
}

// AsyncLogger implements Logger with a buffered channel and background
// worker that writes in batches.
type AsyncLogger struct {
	ch     chan Event
	writer BatchWriter
	cfg    LoggerConfig
	wg     sync.WaitGroup
	cancel context.CancelFunc
	once   sync.Once
}

// NewAsyncLogger creates and starts an async audit logger.
func NewAsyncLogger(writer BatchWriter, cfg LoggerConfig) *AsyncLogger {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 4096
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 500 * time.Millisecond
	}

	ctx, cancel := context.WithCancel(context.Background())
	l := &AsyncLogger{
		ch:     make(chan Event, cfg.BufferSize),
		writer: writer,
		cfg:    cfg,
		cancel: cancel,
	}

	l.wg.Add(1)
	go l.worker(ctx)

	return l
}

// Log enqueues an audit event. It never blocks the caller and drops the
// event when the buffer is full.
func (l *AsyncLogger) Log(_ context.Context, event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	select {
	case l.ch <- event:
	default:
		l.cfg.Metrics.dropped()
		slog.Warn("audit buffer full, dropping event", "action", event.Action, "target_id", event.TargetID)
	}
}

// Close flushes remaining events and stops the worker.
func (l *AsyncLogger) Close() error {
	l.once.Do(func() {
		l.cancel()
		l.wg.Wait()
		l.flush(l.drainAll())
	})
	return nil
}

func (l *AsyncLogger) worker(ctx context.Context) {
	defer l.wg.Done()

	ticker := time.NewTicker(l.cfg.FlushInterval)
	defer ticker.Stop()

	var batch []Event

	for {
		select {
		case <-ctx.Done():
			batch = append(batch, l.drainAll()...)
			l.flush(batch)
			return

		case e := <-l.ch:
			batch = append(batch, e)
			if len(batch) >= l.cfg.BatchSize {
				l.flush(batch)
				batch = nil
			}

		case <-ticker.C:
			if len(batch) > 0 {
				l.flush(batch)
				batch = nil
			}
		}
	}
}

func (l *AsyncLogger) flush(events []Event) {
	if len(events) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := l.writer.InsertBatch(ctx, events); err != nil {
		l.cfg.Metrics.flushFailed()
		slog.Error("audit flush failed", "error", err, "count", len(events))
	}
}

func (l *AsyncLogger) drainAll() []Event {
	var events []Event
	for {
		select {
		case e := <-l.ch:
			events = append(events, e)
		default:
			return events
		}
	}
}
