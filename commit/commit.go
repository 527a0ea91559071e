// Package commit implements the CommitBase state machine (C4), the
// CommitPhase1/CommitPhase2 specializations (C5), and the actor entry point
// driving them (C7), as described in sections 4.4, 4.5, and 4.7 of the
// design specification.
package commit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/release-engineering/exodus-commit/batchwriter"
	"github.com/release-engineering/exodus-commit/broker"
	"github.com/release-engineering/exodus-commit/classify"
	"github.com/release-engineering/exodus-commit/flusher"
	"github.com/release-engineering/exodus-commit/kvbatch"
	"github.com/release-engineering/exodus-commit/reportuploader"
	"github.com/release-engineering/exodus-commit/settings"
	"github.com/release-engineering/exodus-commit/store"
	"github.com/release-engineering/exodus-commit/telemetry"
)

// AutoindexEnricher is the external collaborator described in section 4.5's
// pre_write step. Its internal algorithm is out of scope (spec.md section
// 1, "autoindex generation"); the core only requires that it runs to
// completion before phase-2 selection and that any rows it inserts are
// visible to the subsequent cursor pass.
type AutoindexEnricher interface {
	Enrich(ctx context.Context, tx *sqlx.Tx, publishID uuid.UUID, env settings.EnvConfig) error
}

// Deps bundles every collaborator the commit engine needs, built once at
// process startup and passed explicitly into Run, per section 9's
// "no process-wide mutable state" directive.
type Deps struct {
	Store          *store.Store
	Settings       settings.Settings
	KVBatcherFor   func(tableName, fromDate string) *kvbatch.Batcher
	Flusher        *flusher.Flusher
	Autoindex      AutoindexEnricher
	ReportUploader *reportuploader.Uploader
	Metrics        *telemetry.Metrics
	Logger         telemetry.Logger
}

// outcome of an actor run, used only for the commit report.
type outcome string

const (
	outcomeSucceeded outcome = "succeeded"
	outcomeFailed    outcome = "failed"
	outcomeNoOp      outcome = "no-op"
)

// Run implements the actor entry point of section 4.7: it loads settings
// for job.Env, constructs the appropriate phase strategy, and drives the
// write/rollback path. It wraps everything in a broad catch that guarantees
// rollback plus DB commit, and it never re-raises to the caller, per
// section 4.4's "actor MUST NOT re-raise" rule.
func Run(ctx context.Context, deps Deps, job broker.Job, taskID string) (err error) {
	started := time.Now()
	log := telemetry.WithFields(deps.Logger, map[string]any{
		"publish_id": job.PublishID,
		"task_id":    taskID,
		"env":        job.Env,
		"phase":      string(job.CommitMode),
	})

	defer func() {
		if deps.Metrics != nil {
			deps.Metrics.CommitDuration.Observe(time.Since(started).Seconds())
		}
	}()

	env, envErr := deps.Settings.Env(job.Env)
	if envErr != nil {
		log.Error(ctx, "publish", envErr, map[string]any{"success": false})
		return nil
	}

	var strategy phaseStrategy
	if job.CommitMode == broker.CommitModePhase1 {
		strategy = phase1Strategy{}
	} else {
		strategy = phase2Strategy{autoindex: deps.Autoindex}
	}

	e := &engine{deps: deps, env: env, job: job, taskID: taskID, log: log}
	return e.run(ctx, strategy, started)
}

// phaseStrategy captures what differs between CommitPhase1 and
// CommitPhase2 (section 4.5), while engine implements everything common to
// both (section 4.4).
type phaseStrategy interface {
	allowedPublishStates() []store.PublishState
	objectKeyFilterOnly() bool
	writesPhase2() bool
	mirrorWrites(s settings.Settings) bool
	preWrite(ctx context.Context, tx *sqlx.Tx, deps Deps, job broker.Job, env settings.EnvConfig) error
	onSucceeded(ctx context.Context, tx *sqlx.Tx, deps Deps, job broker.Job, env settings.EnvConfig, phase2URIs []string) error
	onFailed(ctx context.Context, tx *sqlx.Tx, deps Deps, job broker.Job, env settings.EnvConfig) error
}

type phase1Strategy struct{}

func (phase1Strategy) allowedPublishStates() []store.PublishState {
	return []store.PublishState{store.PublishPending, store.PublishCommitting}
}
func (phase1Strategy) objectKeyFilterOnly() bool { return true }
func (phase1Strategy) writesPhase2() bool        { return false }
func (phase1Strategy) mirrorWrites(s settings.Settings) bool {
	return s.MirrorWritesEnabled
}
func (phase1Strategy) preWrite(context.Context, *sqlx.Tx, Deps, broker.Job, settings.EnvConfig) error {
	return nil
}
func (phase1Strategy) onSucceeded(context.Context, *sqlx.Tx, Deps, broker.Job, settings.EnvConfig, []string) error {
	// Phase 1 never transitions the publish state; it remains wherever it was.
	return nil
}
func (phase1Strategy) onFailed(context.Context, *sqlx.Tx, Deps, broker.Job, settings.EnvConfig) error {
	return nil
}

type phase2Strategy struct {
	autoindex AutoindexEnricher
}

func (phase2Strategy) allowedPublishStates() []store.PublishState {
	return []store.PublishState{store.PublishCommitting}
}
func (phase2Strategy) objectKeyFilterOnly() bool          { return false }
func (phase2Strategy) writesPhase2() bool                 { return true }
func (phase2Strategy) mirrorWrites(settings.Settings) bool { return false }

func (s phase2Strategy) preWrite(ctx context.Context, tx *sqlx.Tx, deps Deps, job broker.Job, env settings.EnvConfig) error {
	if s.autoindex == nil {
		return nil
	}
	if err := s.autoindex.Enrich(ctx, tx, job.PublishID, env); err != nil {
		return fmt.Errorf("autoindex enrichment failed: %w", err)
	}
	return nil
}

func (phase2Strategy) onSucceeded(ctx context.Context, tx *sqlx.Tx, deps Deps, job broker.Job, env settings.EnvConfig, phase2URIs []string) error {
	uris := append([]string{}, phase2URIs...)
	for _, uri := range phase2URIs {
		uris = append(uris, env.ResolveAliases(uri)...)
	}

	if deps.Settings.CDNFlushOnCommit && deps.Flusher != nil && len(phase2URIs) > 0 {
		flushPaths := make([]string, len(phase2URIs))
		for i, uri := range phase2URIs {
			flushPaths[i] = flusher.DirectoryForm(uri, deps.Settings.AutoindexFilename)
		}
		if err := deps.Flusher.Run(ctx, flushPaths, env); err != nil {
			// Cache-flush failure is logged but does NOT fail the commit, per
			// section 7's error-kind 6.
			if deps.Metrics != nil {
				deps.Metrics.FlushFailures.Inc()
			}
		}
	}

	if err := store.UpsertPublishedPaths(ctx, tx, env.Name, uris, time.Now()); err != nil {
		return err
	}
	return store.SetPublishState(ctx, tx, job.PublishID, store.PublishCommitted)
}

func (phase2Strategy) onFailed(ctx context.Context, tx *sqlx.Tx, deps Deps, job broker.Job, env settings.EnvConfig) error {
	return store.SetPublishState(ctx, tx, job.PublishID, store.PublishFailed)
}

// engine drives the CommitBase state machine (section 4.4) for one actor
// invocation.
type engine struct {
	deps   Deps
	env    settings.EnvConfig
	job    broker.Job
	taskID string
	log    telemetry.Logger
}

func (e *engine) run(ctx context.Context, strategy phaseStrategy, started time.Time) error {
	ready, err := e.checkReadiness(ctx, strategy)
	if err != nil {
		e.log.Error(ctx, "publish", err, map[string]any{"success": false})
		e.report(ctx, started, outcomeFailed, 0, 0)
		return nil
	}
	if !ready {
		e.report(ctx, started, outcomeNoOp, 0, 0)
		return nil
	}

	if err := e.markTaskInProgress(ctx); err != nil {
		e.log.Error(ctx, "publish", err, map[string]any{"success": false})
		e.report(ctx, started, outcomeFailed, 0, 0)
		return nil
	}

	writtenIDs, phase2URIs, writeErr := e.writePath(ctx, strategy)
	if writeErr != nil {
		e.log.Error(ctx, "publish", writeErr, map[string]any{"success": false})
		if deps := e.deps; deps.Metrics != nil {
			deps.Metrics.Rollbacks.Inc()
		}
		e.rollback(ctx, strategy, writtenIDs, started)
		return nil
	}

	e.report(ctx, started, outcomeSucceeded, len(writtenIDs), 0)
	return nil
}

// checkReadiness implements the three readiness gates of section 4.4,
// evaluated in order inside one short transaction that commits as soon as a
// gate decides the outcome, so its locks are not held across the write path.
func (e *engine) checkReadiness(ctx context.Context, strategy phaseStrategy) (bool, error) {
	ready := false

	err := e.deps.Store.WithTx(ctx, func(tx *sqlx.Tx) error {
		task, err := store.GetTask(ctx, tx, e.taskID)
		if err != nil {
			return err
		}

		if task.State.Terminal() {
			return nil
		}
		if task.PastDeadline(time.Now()) {
			return store.SetTaskState(ctx, tx, e.taskID, store.TaskFailed)
		}

		publish, err := store.GetPublish(ctx, tx, e.job.PublishID)
		if err != nil {
			return err
		}

		if !stateAllowed(publish.State, strategy.allowedPublishStates()) {
			return store.SetTaskState(ctx, tx, e.taskID, store.TaskFailed)
		}

		hasItems, err := store.HasDirtyItems(ctx, tx, e.job.PublishID)
		if err != nil {
			return err
		}
		if !hasItems {
			if err := store.SetTaskState(ctx, tx, e.taskID, store.TaskComplete); err != nil {
				return err
			}
			return strategy.onSucceeded(ctx, tx, e.deps, e.job, e.env, nil)
		}

		ready = true
		return nil
	})

	return ready, err
}

func stateAllowed(state store.PublishState, allowed []store.PublishState) bool {
	for _, s := range allowed {
		if s == state {
			return true
		}
	}
	return false
}

func (e *engine) markTaskInProgress(ctx context.Context) error {
	return e.deps.Store.WithTx(ctx, func(tx *sqlx.Tx) error {
		return store.SetTaskState(ctx, tx, e.taskID, store.TaskInProgress)
	})
}

// writePath implements section 4.4 steps 2-6: pre_write, the locked cursor
// over dirty items, routing through one or two BatchWriter scopes (section
// 4.5's happens-before boundary for phase 2), on_succeeded, and the final
// commit. It holds one transaction across the entire pass, since the row
// locks must stay held until dirty is cleared.
func (e *engine) writePath(ctx context.Context, strategy phaseStrategy) ([]uuid.UUID, []string, error) {
	var writtenIDs []uuid.UUID
	var phase2URIs []string

	err := e.deps.Store.WithTx(ctx, func(tx *sqlx.Tx) error {
		if err := strategy.preWrite(ctx, tx, e.deps, e.job, e.env); err != nil {
			return err
		}

		batcher := e.deps.KVBatcherFor(e.env.TableName, e.job.FromDate)
		phase1Writer := batchwriter.New(batcher, e.deps.Settings.WriteMaxWorkers, e.deps.Settings.WriteQueueSize, e.deps.Settings.WriteQueueTimeout, false, e.log)
		phase1Writer.Start(ctx)

		var holding []store.Item
		var deferredPhase2Count int

		err := store.StreamDirtyItems(ctx, tx, e.job.PublishID, strategy.objectKeyFilterOnly(), e.deps.Settings.ItemYieldSize, func(partition []store.Item) error {
			var phase1Batch []kvbatch.Record
			for _, item := range partition {
				if !classify.ReadyForPhase1(classify.Item{WebURI: item.WebURI, ObjectKey: item.ObjectKey, LinkTo: item.LinkTo}) {
					continue
				}
				phase := classify.Classify(classify.Item{WebURI: item.WebURI, ObjectKey: item.ObjectKey, LinkTo: item.LinkTo}, e.deps.Settings)
				if phase == classify.Phase2 {
					if strategy.writesPhase2() {
						holding = append(holding, item)
					} else {
						deferredPhase2Count++
					}
					continue
				}
				phase1Batch = append(phase1Batch, kvbatch.Record{ID: item.ID.String(), WebURI: item.WebURI, ObjectKey: item.ObjectKey, ContentType: item.ContentType})
			}
			if len(phase1Batch) == 0 {
				return nil
			}
			batches := batcher.Batches(phase1Batch, e.env, strategy.mirrorWrites(e.deps.Settings))
			ids, err := phase1Writer.QueueBatches(ctx, batches)
			for _, id := range ids {
				parsed, perr := uuid.Parse(id)
				if perr == nil {
					writtenIDs = append(writtenIDs, parsed)
				}
			}
			return err
		})
		if err != nil {
			_ = phase1Writer.Stop(ctx)
			return err
		}
		if err := phase1Writer.Stop(ctx); err != nil {
			return err
		}
		if e.deps.Metrics != nil {
			e.deps.Metrics.ItemsWritten.Add(float64(phase1Writer.Processed()))
		}
		if deferredPhase2Count > 0 {
			e.log.Info(ctx, "publish", map[string]any{"phase 2 items remaining": deferredPhase2Count})
		}

		if strategy.writesPhase2() && len(holding) > 0 {
			phase2Writer := batchwriter.New(batcher, e.deps.Settings.WriteMaxWorkers, e.deps.Settings.WriteQueueSize, e.deps.Settings.WriteQueueTimeout, false, e.log)
			phase2Writer.Start(ctx)

			var phase2Batch []kvbatch.Record
			for _, item := range holding {
				phase2Batch = append(phase2Batch, kvbatch.Record{ID: item.ID.String(), WebURI: item.WebURI, ObjectKey: item.ObjectKey, ContentType: item.ContentType})
				phase2URIs = append(phase2URIs, item.WebURI)
			}
			batches := batcher.Batches(phase2Batch, e.env, false)
			ids, qerr := phase2Writer.QueueBatches(ctx, batches)
			for _, id := range ids {
				parsed, perr := uuid.Parse(id)
				if perr == nil {
					writtenIDs = append(writtenIDs, parsed)
				}
			}
			if qerr != nil {
				_ = phase2Writer.Stop(ctx)
				return qerr
			}
			if err := phase2Writer.Stop(ctx); err != nil {
				return err
			}
			if e.deps.Metrics != nil {
				e.deps.Metrics.ItemsWritten.Add(float64(phase2Writer.Processed()))
			}
		}

		if err := store.MarkItemsNotDirty(ctx, tx, writtenIDs, e.deps.Settings.ItemYieldSize); err != nil {
			return err
		}
		if err := strategy.onSucceeded(ctx, tx, e.deps, e.job, e.env, phase2URIs); err != nil {
			return err
		}
		return store.SetTaskState(ctx, tx, e.taskID, store.TaskComplete)
	})

	return writtenIDs, phase2URIs, err
}

// rollback implements section 4.4's rollback path: reload written items in
// chunks, delete them from the KV store, transition task/publish to FAILED,
// and (phase 2 only, per section 4.5) re-flush the cache to restore edge
// state, all inside a finally-equivalent that always commits the DB, and
// never re-raises.
func (e *engine) rollback(ctx context.Context, strategy phaseStrategy, writtenIDs []uuid.UUID, started time.Time) {
	var deletedURIs []string

	err := e.deps.Store.WithTx(ctx, func(tx *sqlx.Tx) error {
		batcher := e.deps.KVBatcherFor(e.env.TableName, e.job.FromDate)
		chunkSize := e.deps.Settings.ItemYieldSize

		for i := 0; i < len(writtenIDs); i += chunkSize {
			end := i + chunkSize
			if end > len(writtenIDs) {
				end = len(writtenIDs)
			}
			chunk := writtenIDs[i:end]

			items, err := store.ReloadItems(ctx, tx, chunk)
			if err != nil {
				return err
			}

			var records []kvbatch.Record
			for _, item := range items {
				records = append(records, kvbatch.Record{ID: item.ID.String(), WebURI: item.WebURI})
				deletedURIs = append(deletedURIs, item.WebURI)
			}

			deleteWriter := batchwriter.New(batcher, e.deps.Settings.WriteMaxWorkers, e.deps.Settings.WriteQueueSize, e.deps.Settings.WriteQueueTimeout, true, e.log)
			deleteWriter.Start(ctx)
			batches := batcher.Batches(records, e.env, false)
			if _, err := deleteWriter.QueueBatches(ctx, batches); err != nil {
				_ = deleteWriter.Stop(ctx)
				continue
			}
			if err := deleteWriter.Stop(ctx); err != nil {
				continue
			}
			if e.deps.Metrics != nil {
				e.deps.Metrics.ItemsDeleted.Add(float64(len(records)))
			}
		}

		if err := store.SetTaskState(ctx, tx, e.taskID, store.TaskFailed); err != nil {
			return err
		}
		return strategy.onFailed(ctx, tx, e.deps, e.job, e.env)
	})
	if err != nil {
		e.log.Error(ctx, "publish", err, map[string]any{"success": false, "stage": "rollback"})
	}

	if strategy.writesPhase2() && e.deps.Settings.CDNFlushOnCommit && e.deps.Flusher != nil && len(deletedURIs) > 0 {
		_ = e.deps.Flusher.Run(ctx, deletedURIs, e.env)
	}

	e.report(ctx, started, outcomeFailed, 0, len(deletedURIs))
}

// report implements the non-essential ProgressLogger/commit-report contract
// (C9, SPEC_FULL "Commit report"): logged always, uploaded to S3 when the
// environment configures report_s3_uri. It never affects commit outcome.
func (e *engine) report(ctx context.Context, started time.Time, out outcome, itemsWritten, itemsDeleted int) {
	report := telemetry.Report{
		PublishID:    e.job.PublishID.String(),
		TaskID:       e.taskID,
		Env:          e.job.Env,
		Phase:        string(e.job.CommitMode),
		Outcome:      string(out),
		ItemsWritten: itemsWritten,
		ItemsDeleted: itemsDeleted,
		StartedAt:    started,
		FinishedAt:   time.Now(),
		Duration:     time.Since(started),
	}
	e.log.Info(ctx, "publish", map[string]any{"report": report})

	if e.env.ReportS3URI != "" && e.deps.ReportUploader != nil {
		if err := e.deps.ReportUploader.Upload(ctx, e.env.ReportS3URI, report); err != nil {
			e.log.Error(ctx, "publish", err, map[string]any{"success": false, "stage": "report upload"})
		}
	}
}
