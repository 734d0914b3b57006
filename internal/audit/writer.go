package audit

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"sentinel-core/internal/config"
	"sentinel-core/internal/metrics"
	"sentinel-core/internal/orchestrator"
	"sentinel-core/internal/schema"
)

// inserter is the storage surface the writer batches onto.
type inserter interface {
	InsertRecords(ctx context.Context, recs []*Record) error
}

// Writer batches trail records and flushes them by size or by timer.
// It attaches to the orchestrator as a lifecycle observer; a full
// buffer flushes inline so records are never silently shed.
type Writer struct {
	store   inserter
	cfg     config.AuditConfig
	metrics *metrics.Pipeline
	logger  *slog.Logger

	mu     sync.Mutex
	buffer []*Record
	closed bool

	flushTimer *time.Timer
}

// NewWriter creates a writer over the given store.
func NewWriter(store inserter, cfg config.AuditConfig, m *metrics.Pipeline, logger *slog.Logger) *Writer {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 2 * time.Second
	}
	w := &Writer{
		store:   store,
		cfg:     cfg,
		metrics: m,
		logger:  logger.With("component", "audit"),
		buffer:  make([]*Record, 0, cfg.BatchSize),
	}
	w.flushTimer = time.AfterFunc(cfg.FlushInterval, w.timerFlush)
	return w
}

// Write buffers one record, flushing when the batch fills.
func (w *Writer) Write(ctx context.Context, rec *Record) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return fmt.Errorf("audit writer is closed")
	}
	w.buffer = append(w.buffer, rec)
	if len(w.buffer) >= w.cfg.BatchSize {
		return w.flushLocked(ctx)
	}
	return nil
}

// RuleEvent implements orchestrator.Observer.
func (w *Writer) RuleEvent(ctx context.Context, ev orchestrator.RuleEvent) {
	if err := w.Write(ctx, FromRuleEvent(ev)); err != nil {
		w.logger.Error("audit record dropped", "event", ev.Type, "error", err)
	}
}

// RecordDetection writes the trail entry for a scored window.
func (w *Writer) RecordDetection(ctx context.Context, det *schema.Detection) {
	if err := w.Write(ctx, FromDetection(det)); err != nil {
		w.logger.Error("detection audit record dropped",
			"detection_id", det.DetectionID, "error", err)
	}
}

// RecordDecision writes the trail entry for a decision that bypassed
// enforcement.
func (w *Writer) RecordDecision(ctx context.Context, dec *schema.Decision) {
	if err := w.Write(ctx, FromDecision(dec)); err != nil {
		w.logger.Error("decision audit record dropped",
			"decision_id", dec.DecisionID, "error", err)
	}
}

func (w *Writer) timerFlush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	if len(w.buffer) > 0 {
		if err := w.flushLocked(context.Background()); err != nil {
			w.logger.Error("timer flush failed", "error", err)
		}
	}
	w.flushTimer.Reset(w.cfg.FlushInterval)
}

// flushLocked writes the buffer out. Caller holds the lock.
func (w *Writer) flushLocked(ctx context.Context) error {
	if len(w.buffer) == 0 {
		return nil
	}
	recs := w.buffer
	w.buffer = make([]*Record, 0, w.cfg.BatchSize)

	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	if err := w.store.InsertRecords(writeCtx, recs); err != nil {
		w.metrics.AuditWriteErrors.Add(float64(len(recs)))
		return fmt.Errorf("audit insert of %d records: %w", len(recs), err)
	}
	w.metrics.AuditWrites.Add(float64(len(recs)))
	return nil
}

// Flush forces out whatever is buffered.
func (w *Writer) Flush(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.flushLocked(ctx)
}

// Close stops the timer and writes the final batch.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	w.flushTimer.Stop()
	return w.flushLocked(context.Background())
}
