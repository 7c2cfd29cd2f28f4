package db

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/banshee-data/autoflux/internal/monitoring"
	"github.com/banshee-data/autoflux/internal/vehicle"
)

// ReportStore is the subset of *DB the ReportWriter needs.
type ReportStore interface {
	RecordReport(vehicle.DiagnosticReport) error
}

// ReportWriter moves report persistence off the control loop. Submit never
// blocks: when the queue is full the report is dropped and counted.
type ReportWriter struct {
	store ReportStore
	queue chan vehicle.DiagnosticReport

	written atomic.Uint64
	dropped atomic.Uint64
	failed  atomic.Uint64

	closeOnce sync.Once
	done      chan struct{}
}

func NewReportWriter(store ReportStore, buffer int) *ReportWriter {
	if buffer <= 0 {
		buffer = 256
	}
	return &ReportWriter{
		store: store,
		queue: make(chan vehicle.DiagnosticReport, buffer),
		done:  make(chan struct{}),
	}
}

// Submit enqueues r and reports whether it was accepted.
func (w *ReportWriter) Submit(r vehicle.DiagnosticReport) bool {
	select {
	case <-w.done:
		w.dropped.Add(1)
		return false
	default:
	}
	select {
	case w.queue <- r:
		return true
	default:
		w.dropped.Add(1)
		return false
	}
}

// Run drains the queue until ctx is cancelled or Close is called, then
// flushes whatever is still queued.
func (w *ReportWriter) Run(ctx context.Context) {
	for {
		select {
		case r := <-w.queue:
			w.write(r)
		case <-ctx.Done():
			w.flush()
			return
		case <-w.done:
			w.flush()
			return
		}
	}
}

// Close stops Run after it flushes the queue.
func (w *ReportWriter) Close() {
	w.closeOnce.Do(func() { close(w.done) })
}

func (w *ReportWriter) flush() {
	for {
		select {
		case r := <-w.queue:
			w.write(r)
		default:
			return
		}
	}
}

func (w *ReportWriter) write(r vehicle.DiagnosticReport) {
	if err := w.store.RecordReport(r); err != nil {
		w.failed.Add(1)
		monitoring.Warnf("report writer: %v", err)
		return
	}
	w.written.Add(1)
}

// WriterStats counts what happened to submitted reports.
type WriterStats struct {
	Written uint64 `json:"written"`
	Dropped uint64 `json:"dropped"`
	Failed  uint64 `json:"failed"`
	Queued  int    `json:"queued"`
}

func (w *ReportWriter) Stats() WriterStats {
	return WriterStats{
		Written: w.written.Load(),
		Dropped: w.dropped.Load(),
		Failed:  w.failed.Load(),
		Queued:  len(w.queue),
	}
}
