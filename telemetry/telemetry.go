// Package telemetry implements the ProgressLogger contract of section 4.2/C9
// plus the structured logging and metrics the rest of the engine relies on.
// Logging is zerolog-backed; counters are Prometheus-backed. Per section 9's
// context-propagation note, no package-level logger carries request-scoped
// fields — callers pass a Logger value explicitly into every worker.
package telemetry

import (
	"context"
	"os"
	"time"

	json "github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// Logger is the structured logging contract threaded explicitly through the
// commit pipeline so that every log line attributes to the spawning
// publish/task, even from background worker goroutines.
type Logger interface {
	Info(ctx context.Context, event string, fields map[string]any)
	Error(ctx context.Context, event string, err error, fields map[string]any)
}

// zerologLogger implements Logger on top of zerolog.
type zerologLogger struct {
	base zerolog.Logger
}

// New constructs the process-wide base logger. Call WithFields to attach
// publish/task-scoped fields before passing it into the commit pipeline.
func New() Logger {
	base := zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
		With().
		Timestamp().
		Logger()
	return &zerologLogger{base: base}
}

// With returns a Logger carrying additional fields attached to every
// subsequent log call, used to stamp publish_id/task_id/env/phase onto
// worker-goroutine logs per section 9.
func (l *zerologLogger) With(fields map[string]any) Logger {
	ctx := l.base.With()
	for k, v := range fields {
		ctx = ctx.Interface(k, v)
	}
	return &zerologLogger{base: ctx.Logger()}
}

func (l *zerologLogger) Info(_ context.Context, event string, fields map[string]any) {
	evt := l.base.Info().Str("event", event)
	for k, v := range fields {
		evt = evt.Interface(k, v)
	}
	evt.Msg(event)
}

func (l *zerologLogger) Error(_ context.Context, event string, err error, fields map[string]any) {
	evt := l.base.Error().Str("event", event).Err(err)
	for k, v := range fields {
		evt = evt.Interface(k, v)
	}
	evt.Msg(event)
}

// WithFields attaches scoped fields to a Logger, used by the commit package
// to stamp publish_id/task_id/env/phase onto every log line without relying
// on a global logger, per section 9.
func WithFields(l Logger, fields map[string]any) Logger {
	if zl, ok := l.(*zerologLogger); ok {
		return zl.With(fields)
	}
	return l
}

// Metrics holds the Prometheus collectors for the commit engine.
type Metrics struct {
	ItemsWritten   prometheus.Counter
	ItemsDeleted   prometheus.Counter
	BatchRetries   prometheus.Counter
	Rollbacks      prometheus.Counter
	CommitDuration prometheus.Histogram
	FlushFailures  prometheus.Counter
}

// NewMetrics registers and returns the commit engine's Prometheus
// collectors, mirroring this codebase's metrics package shape but backed by
// Prometheus rather than hand-rolled atomics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		ItemsWritten: factory.NewCounter(prometheus.CounterOpts{
			Name: "exodus_commit_items_written_total",
			Help: "Number of items acknowledged by the KV store.",
		}),
		ItemsDeleted: factory.NewCounter(prometheus.CounterOpts{
			Name: "exodus_commit_items_deleted_total",
			Help: "Number of items deleted from the KV store during rollback.",
		}),
		BatchRetries: factory.NewCounter(prometheus.CounterOpts{
			Name: "exodus_commit_batch_retries_total",
			Help: "Number of KV batch write retries due to throttling or unprocessed items.",
		}),
		Rollbacks: factory.NewCounter(prometheus.CounterOpts{
			Name: "exodus_commit_rollbacks_total",
			Help: "Number of commits that triggered a rollback.",
		}),
		CommitDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "exodus_commit_duration_seconds",
			Help:    "Wall-clock duration of a commit actor run.",
			Buckets: prometheus.DefBuckets,
		}),
		FlushFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "exodus_commit_flush_failures_total",
			Help: "Number of cache-flush calls that returned an error.",
		}),
	}
}

// Report is the per-commit summary described in the SPEC_FULL "Commit
// report" section: purely observational, logged and optionally uploaded,
// never gating commit success.
type Report struct {
	PublishID    string        `json:"publishId"`
	TaskID       string        `json:"taskId"`
	Env          string        `json:"env"`
	Phase        string        `json:"phase"`
	Outcome      string        `json:"outcome"`
	ItemsWritten int           `json:"itemsWritten"`
	ItemsDeleted int           `json:"itemsDeleted"`
	Duration     time.Duration `json:"duration"`
	StartedAt    time.Time     `json:"startedAt"`
	FinishedAt   time.Time     `json:"finishedAt"`
}

// MarshalJSON renders Duration as a human-readable string, matching this
// codebase's metrics.Report encoding convention.
func (r Report) MarshalJSON() ([]byte, error) {
	type alias Report
	return json.Marshal(&struct {
		alias
		Duration string `json:"duration"`
	}{
		alias:    alias(r),
		Duration: r.Duration.String(),
	})
}
