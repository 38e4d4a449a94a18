package storage

import (
	"context"
	"crypto/tls"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"go.uber.org/zap"
)

const (
	bufferSize    = 10_000
	flushInterval = 100 * time.Millisecond
	flushBatch    = 1000
	drainTimeout  = 2 * time.Second
	insertTimeout = 5 * time.Second
)

const insertEvents = `
	INSERT INTO moderation_events (
		request_id, record_id, timestamp, source, route,
		text_preview, text_hash, text_size,
		label, confidence, allowed, needs_review,
		model_version, latency_ms, client_id
	)`

// ClickHouseWriter batches decision events into ClickHouse from a background
// goroutine. Write never blocks the request path.
type ClickHouseWriter struct {
	conn    driver.Conn
	buffer  chan *DecisionEvent
	done    chan struct{}
	flushed chan struct{} // closed when run returns
	logger  *zap.Logger

	dropped atomic.Int64 // buffer full
	failed  atomic.Int64 // lost to insert errors
}

// NewClickHouseWriter connects to dsn and starts the batching goroutine.
func NewClickHouseWriter(ctx context.Context, dsn string, logger *zap.Logger) (*ClickHouseWriter, error) {
	conn, err := Connect(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("NewClickHouseWriter: %w", err)
	}
	w := newClickHouseWriter(conn, bufferSize, logger)
	go w.run()
	return w, nil
}

func newClickHouseWriter(conn driver.Conn, size int, logger *zap.Logger) *ClickHouseWriter {
	return &ClickHouseWriter{
		conn:    conn,
		buffer:  make(chan *DecisionEvent, size),
		done:    make(chan struct{}),
		flushed: make(chan struct{}),
		logger:  logger,
	}
}

// Connect opens and pings a ClickHouse connection. TLS is always enabled
// (ClickHouse Cloud listens on 9440 with TLS).
func Connect(ctx context.Context, dsn string) (driver.Conn, error) {
	opts, err := clickhouse.ParseDSN(dsn)
	if err != nil {
		return nil, err
	}
	if opts.TLS == nil {
		opts.TLS = &tls.Config{}
	}

	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, err
	}
	if err := conn.Ping(ctx); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return conn, nil
}

// Write queues event. When the buffer is full the event is counted and dropped.
func (w *ClickHouseWriter) Write(event *DecisionEvent) {
	select {
	case w.buffer <- event:
	default:
		if n := w.dropped.Add(1); n == 1 || n%1000 == 0 {
			w.logger.Warn("clickhouse buffer full, dropping events",
				zap.String("request_id", event.RequestID),
				zap.Int64("dropped_total", n),
			)
		}
	}
}

// Dropped reports how many events were discarded because the buffer was full.
func (w *ClickHouseWriter) Dropped() int64 { return w.dropped.Load() }

// Close drains what is buffered (bounded by drainTimeout), then closes the
// connection. Call it once.
func (w *ClickHouseWriter) Close() {
	close(w.done)
	<-w.flushed
	_ = w.conn.Close()
	if d, f := w.dropped.Load(), w.failed.Load(); d > 0 || f > 0 {
		w.logger.Warn("clickhouse writer closed with lost events",
			zap.Int64("dropped", d),
			zap.Int64("failed", f),
		)
	}
}

func (w *ClickHouseWriter) run() {
	defer close(w.flushed)

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	pending := make([]*DecisionEvent, 0, flushBatch)
	send := func() {
		if len(pending) == 0 {
			return
		}
		if err := w.insert(pending); err != nil {
			w.failed.Add(int64(len(pending)))
			w.logger.Error("clickhouse insert failed",
				zap.Int("batch_size", len(pending)),
				zap.Error(err),
			)
		}
		pending = pending[:0]
	}

	for {
		select {
		case e := <-w.buffer:
			pending = append(pending, e)
			if len(pending) >= flushBatch {
				send()
			}
		case <-ticker.C:
			send()
		case <-w.done:
			deadline := time.After(drainTimeout)
			for {
				select {
				case e := <-w.buffer:
					pending = append(pending, e)
					if len(pending) >= flushBatch {
						send()
					}
				case <-deadline:
					send()
					return
				default:
					send()
					return
				}
			}
		}
	}
}

// insert sends one batch. Rows that fail to append are logged and skipped.
func (w *ClickHouseWriter) insert(events []*DecisionEvent) error {
	ctx, cancel := context.WithTimeout(context.Background(), insertTimeout)
	defer cancel()

	batch, err := w.conn.PrepareBatch(ctx, insertEvents)
	if err != nil {
		return fmt.Errorf("prepare: %w", err)
	}
	for _, e := range events {
		err := batch.Append(
			e.RequestID, e.RecordID, e.Timestamp, e.Source, e.Route,
			e.TextPreview, e.TextHash, e.TextSize,
			e.Label, e.Confidence, boolToUint8(e.Allowed), boolToUint8(e.NeedsReview),
			e.ModelVersion, e.LatencyMs, e.ClientID,
		)
		if err != nil {
			w.logger.Error("clickhouse append event failed",
				zap.String("request_id", e.RequestID),
				zap.Error(err),
			)
		}
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("send: %w", err)
	}
	return nil
}

func boolToUint8(b bool) uint8 {
	if b {
		return 1
	}
	return 0
}

// LogWriter is a fallback EventWriter for local development.
// It logs events as structured JSON via zap.
type LogWriter struct {
	logger *zap.Logger
}

// NewLogWriter creates a LogWriter that outputs events to the given logger.
func NewLogWriter(logger *zap.Logger) *LogWriter {
	return &LogWriter{logger: logger}
}

func (w *LogWriter) Write(event *DecisionEvent) {
	w.logger.Info("moderation_event",
		zap.String("request_id", event.RequestID),
		zap.Int64("record_id", event.RecordID),
		zap.String("source", event.Source),
		zap.String("route", event.Route),
		zap.String("label", event.Label),
		zap.Float64("confidence", event.Confidence),
		zap.Bool("allowed", event.Allowed),
		zap.Bool("needs_review", event.NeedsReview),
		zap.String("model_version", event.ModelVersion),
		zap.Float32("latency_ms", event.LatencyMs),
		zap.String("client_id", event.ClientID),
	)
}

func (w *LogWriter) Close() {}
