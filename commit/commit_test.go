package commit

import (
	"context"
	"database/sql/driver"
	"errors"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/release-engineering/exodus-commit/broker"
	"github.com/release-engineering/exodus-commit/flusher"
	"github.com/release-engineering/exodus-commit/kvbatch"
	"github.com/release-engineering/exodus-commit/settings"
	"github.com/release-engineering/exodus-commit/store"
	"github.com/release-engineering/exodus-commit/telemetry"
)

func TestPhase1StrategyProperties(t *testing.T) {
	s := phase1Strategy{}

	if s.objectKeyFilterOnly() != true {
		t.Error("phase1 selection must filter on object_key != ''")
	}
	if s.writesPhase2() != false {
		t.Error("phase1 commits must not open a second BatchWriter scope")
	}

	allowed := s.allowedPublishStates()
	if !stateAllowed(store.PublishPending, allowed) || !stateAllowed(store.PublishCommitting, allowed) {
		t.Errorf("phase1 should allow PENDING and COMMITTING, got %v", allowed)
	}
	if stateAllowed(store.PublishCommitted, allowed) {
		t.Errorf("phase1 must not allow COMMITTED, got %v", allowed)
	}
}

func TestPhase2StrategyProperties(t *testing.T) {
	s := phase2Strategy{}

	if s.objectKeyFilterOnly() != false {
		t.Error("phase2 selection must not filter on object_key")
	}
	if s.writesPhase2() != true {
		t.Error("phase2 commits must open a second BatchWriter scope")
	}

	allowed := s.allowedPublishStates()
	if !stateAllowed(store.PublishCommitting, allowed) {
		t.Errorf("phase2 should allow COMMITTING, got %v", allowed)
	}
	if stateAllowed(store.PublishPending, allowed) {
		t.Errorf("phase2 must not allow PENDING, got %v", allowed)
	}
}

func TestMirrorWrites(t *testing.T) {
	on := settings.Settings{MirrorWritesEnabled: true}
	off := settings.Settings{MirrorWritesEnabled: false}

	if !(phase1Strategy{}).mirrorWrites(on) {
		t.Error("phase1 should mirror writes when enabled in settings")
	}
	if (phase1Strategy{}).mirrorWrites(off) {
		t.Error("phase1 should not mirror writes when disabled in settings")
	}
	if (phase2Strategy{}).mirrorWrites(on) {
		t.Error("phase2 never mirrors entry-point writes")
	}
}

func TestStateAllowed(t *testing.T) {
	allowed := []store.PublishState{store.PublishPending, store.PublishCommitting}
	if !stateAllowed(store.PublishPending, allowed) {
		t.Error("expected PENDING to be allowed")
	}
	if stateAllowed(store.PublishFailed, allowed) {
		t.Error("expected FAILED to not be allowed")
	}
}

type mockAutoindexEnricher struct {
	called    bool
	publishID uuid.UUID
	err       error
}

func (m *mockAutoindexEnricher) Enrich(ctx context.Context, tx *sqlx.Tx, publishID uuid.UUID, env settings.EnvConfig) error {
	m.called = true
	m.publishID = publishID
	return m.err
}

func TestPhase2PreWriteInvokesAutoindex(t *testing.T) {
	enricher := &mockAutoindexEnricher{}
	s := phase2Strategy{autoindex: enricher}
	pubID := uuid.New()

	err := s.preWrite(context.Background(), nil, Deps{}, dummyJob(pubID), settings.EnvConfig{})
	if err != nil {
		t.Fatalf("preWrite: %v", err)
	}
	if !enricher.called {
		t.Error("expected autoindex enricher to be invoked")
	}
	if enricher.publishID != pubID {
		t.Errorf("publishID = %v, want %v", enricher.publishID, pubID)
	}
}

func TestPhase2PreWriteNilAutoindexIsNoOp(t *testing.T) {
	s := phase2Strategy{}
	if err := s.preWrite(context.Background(), nil, Deps{}, dummyJob(uuid.New()), settings.EnvConfig{}); err != nil {
		t.Fatalf("preWrite with nil autoindex should be a no-op, got: %v", err)
	}
}

func TestPhase2PreWritePropagatesError(t *testing.T) {
	enricher := &mockAutoindexEnricher{err: errors.New("boom")}
	s := phase2Strategy{autoindex: enricher}
	if err := s.preWrite(context.Background(), nil, Deps{}, dummyJob(uuid.New()), settings.EnvConfig{}); err == nil {
		t.Fatal("expected preWrite to propagate the autoindex error")
	}
}

func TestPhase1StrategyHooksAreNoOps(t *testing.T) {
	s := phase1Strategy{}
	job := dummyJob(uuid.New())

	if err := s.onSucceeded(context.Background(), nil, Deps{}, job, settings.EnvConfig{}, nil); err != nil {
		t.Errorf("phase1 onSucceeded should be a no-op, got: %v", err)
	}
	if err := s.onFailed(context.Background(), nil, Deps{}, job, settings.EnvConfig{}); err != nil {
		t.Errorf("phase1 onFailed should be a no-op, got: %v", err)
	}
}

func dummyJob(publishID uuid.UUID) broker.Job {
	return broker.Job{PublishID: publishID, Env: "live", CommitMode: broker.CommitModePhase2}
}

// --- Engine-level tests, exercising Run end-to-end against a sqlmock-backed
// store and fake KV/cache-flush collaborators. These cover the §8 commit
// scenarios: an empty commit, the phase-1 happy path with deferred phase-2
// items, a phase-2 commit with autoindex and matching cache-flush rules, a
// KV failure triggering rollback in both phases, and an expired task.

// fakeDynamoDBClient stands in for the AWS SDK client kvbatch.Batcher wraps.
type fakeDynamoDBClient struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (f *fakeDynamoDBClient) BatchWriteItem(ctx context.Context, params *dynamodb.BatchWriteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.BatchWriteItemOutput, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return &dynamodb.BatchWriteItemOutput{}, nil
}

// fakeVendorClient stands in for the cache-flush vendor (Akamai fast-purge
// or similar), recording every purge request it receives.
type fakeVendorClient struct {
	mu    sync.Mutex
	calls [][]string
}

func (f *fakeVendorClient) Purge(ctx context.Context, urls []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, append([]string{}, urls...))
	return nil
}

func (f *fakeVendorClient) purgeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func newMockStore(t *testing.T) (*store.Store, sqlmock.Sqlmock) {
	t.Helper()
	mockDB, mock, err := sqlmock.New(sqlmock.ValueConverterOption(uuidSliceConverter{}))
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { _ = mockDB.Close() })
	return store.NewWithDB(sqlx.NewDb(mockDB, "sqlmock")), mock
}

// uuidSliceConverter passes []uuid.UUID arguments (bound to "= ANY($1)")
// through unchanged, as the pgx driver does; sqlmock's default converter
// rejects slices other than []byte.
type uuidSliceConverter struct{}

func (uuidSliceConverter) ConvertValue(v any) (driver.Value, error) {
	if ids, ok := v.([]uuid.UUID); ok {
		return ids, nil
	}
	return driver.DefaultParameterConverter.ConvertValue(v)
}

func baseTestSettings() settings.Settings {
	return settings.Settings{
		ItemYieldSize:     10,
		WriteMaxWorkers:   2,
		WriteQueueSize:    10,
		WriteQueueTimeout: time.Second,
		WriteMaxTries:     1,
		TaskDeadline:      time.Hour,
		AutoindexFilename: ".__exodus_autoindex",
		CDNFlushOnCommit:  true,
		EntryPointFiles:   map[string]struct{}{"repomd.xml": {}},
	}
}

func flushActiveEnv(name string) settings.EnvConfig {
	return settings.EnvConfig{
		Name:              name,
		TableName:         "tbl",
		FastPurgeClientID: "client",
		FastPurgeSecret:   "secret",
		FastPurgeHost:     "host",
		FastPurgeAccessID: "token",
		CacheFlushRules: []settings.CacheFlushRule{{
			Name:      "all",
			Templates: []string{"https://cdn.example.com{path}"},
			TTL:       "60",
			Includes:  []*regexp.Regexp{regexp.MustCompile(`.*`)},
		}},
	}
}

var itemCols = []string{"id", "publish_id", "web_uri", "object_key", "content_type", "link_to", "dirty"}

const (
	getTaskQuery        = `SELECT id, publish_id, state, updated, deadline FROM tasks WHERE id = $1 FOR UPDATE`
	getPublishQuery     = `SELECT id, env, state, updated FROM publishes WHERE id = $1 FOR UPDATE`
	hasDirtyItemsQuery  = `SELECT count(*) FROM items WHERE publish_id = $1 AND dirty = true`
	setTaskStateQuery   = `UPDATE tasks SET state = $1, updated = now() WHERE id = $2`
	setPublishStateQuery = `UPDATE publishes SET state = $1, updated = now() WHERE id = $2`
	markNotDirtyQuery   = `UPDATE items SET dirty = false WHERE id = ANY($1)`
	reloadItemsQuery    = `SELECT id, publish_id, web_uri, object_key, content_type, link_to, dirty FROM items WHERE id = ANY($1)`
	declareCursorBase   = `DECLARE item_cursor CURSOR FOR SELECT id, publish_id, web_uri, object_key, content_type, link_to, dirty FROM items WHERE publish_id = $1 AND dirty = true`
	closeCursorQuery    = `CLOSE item_cursor`
	upsertPathQuery     = `INSERT INTO published_paths`
)

func expectTaskRow(mock sqlmock.Sqlmock, taskID string, publishID uuid.UUID, state store.TaskState, deadline time.Time) {
	rows := sqlmock.NewRows([]string{"id", "publish_id", "state", "updated", "deadline"}).
		AddRow(taskID, publishID.String(), string(state), deadline, deadline)
	mock.ExpectQuery(regexp.QuoteMeta(getTaskQuery)).WithArgs(taskID).WillReturnRows(rows)
}

func expectPublishRow(mock sqlmock.Sqlmock, publishID uuid.UUID, state store.PublishState) {
	rows := sqlmock.NewRows([]string{"id", "env", "state", "updated"}).
		AddRow(publishID.String(), "live", string(state), time.Now())
	mock.ExpectQuery(regexp.QuoteMeta(getPublishQuery)).WillReturnRows(rows)
}

func expectHasDirtyItems(mock sqlmock.Sqlmock, count int) {
	mock.ExpectQuery(regexp.QuoteMeta(hasDirtyItemsQuery)).WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(count))
}

// TestRunEmptyPhase2Commit covers §8's empty-commit scenario: no dirty items
// means checkReadiness itself completes the task and publish with no write
// path or cache flush invoked.
func TestRunEmptyPhase2Commit(t *testing.T) {
	relStore, mock := newMockStore(t)
	pubID := uuid.New()
	taskID := "0-1"

	mock.ExpectBegin()
	expectTaskRow(mock, taskID, pubID, store.TaskNotStarted, time.Now().Add(time.Hour))
	expectPublishRow(mock, pubID, store.PublishCommitting)
	expectHasDirtyItems(mock, 0)
	mock.ExpectExec(regexp.QuoteMeta(setTaskStateQuery)).WithArgs(string(store.TaskComplete), taskID).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(setPublishStateQuery)).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	vendor := &fakeVendorClient{}
	deps := Deps{
		Store:        relStore,
		Settings:     settingsWithEnv(baseTestSettings(), flushActiveEnv("live")),
		KVBatcherFor: func(tableName, fromDate string) *kvbatch.Batcher { return kvbatch.New(&fakeDynamoDBClient{}, tableName, 25, 1, fromDate) },
		Flusher:      flusher.New(vendor),
		Logger:       telemetry.New(),
	}

	if err := Run(context.Background(), deps, broker.Job{PublishID: pubID, Env: "live", CommitMode: broker.CommitModePhase2}, taskID); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
	if vendor.purgeCount() != 0 {
		t.Errorf("expected no cache flush on an empty commit, got %d purge calls", vendor.purgeCount())
	}
}

func settingsWithEnv(s settings.Settings, env settings.EnvConfig) settings.Settings {
	s.Environments = map[string]settings.EnvConfig{env.Name: env}
	return s
}

// TestRunPhase1HappyPathDeferredPhase2Items covers §8's phase-1 scenario: a
// phase-1 item is written and marked not-dirty, while a phase-2 item in the
// same partition is left dirty for a later phase-2 commit.
func TestRunPhase1HappyPathDeferredPhase2Items(t *testing.T) {
	relStore, mock := newMockStore(t)
	pubID := uuid.New()
	taskID := "0-2"
	phase1ID := uuid.New()
	phase2ID := uuid.New()

	mock.ExpectBegin()
	expectTaskRow(mock, taskID, pubID, store.TaskNotStarted, time.Now().Add(time.Hour))
	expectPublishRow(mock, pubID, store.PublishPending)
	expectHasDirtyItems(mock, 2)
	mock.ExpectCommit()

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(setTaskStateQuery)).WithArgs(string(store.TaskInProgress), taskID).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(declareCursorBase + ` AND object_key != '' ORDER BY web_uri FOR UPDATE`)).WillReturnResult(sqlmock.NewResult(0, 0))
	rows := sqlmock.NewRows(itemCols).
		AddRow(phase1ID.String(), pubID.String(), "/a/file.txt", "key-a", "", "", true).
		AddRow(phase2ID.String(), pubID.String(), "repomd.xml", "key-b", "", "", true)
	mock.ExpectQuery(`FETCH \d+ FROM item_cursor`).WillReturnRows(rows)
	mock.ExpectExec(regexp.QuoteMeta(closeCursorQuery)).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta(markNotDirtyQuery)).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(setTaskStateQuery)).WithArgs(string(store.TaskComplete), taskID).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	deps := Deps{
		Store:        relStore,
		Settings:     settingsWithEnv(baseTestSettings(), settings.EnvConfig{Name: "live", TableName: "tbl"}),
		KVBatcherFor: func(tableName, fromDate string) *kvbatch.Batcher { return kvbatch.New(&fakeDynamoDBClient{}, tableName, 25, 1, fromDate) },
		Logger:       telemetry.New(),
	}

	if err := Run(context.Background(), deps, broker.Job{PublishID: pubID, Env: "live", CommitMode: broker.CommitModePhase1}, taskID); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

// TestRunPhase2WithAutoindexAndCacheFlush covers §8's phase-2 scenario: the
// autoindex enricher runs before item selection, the held item is committed
// through a second BatchWriter scope, and a matching CacheFlushRule causes
// the vendor client to be invoked with the committed path.
func TestRunPhase2WithAutoindexAndCacheFlush(t *testing.T) {
	relStore, mock := newMockStore(t)
	pubID := uuid.New()
	taskID := "0-3"
	itemID := uuid.New()

	mock.ExpectBegin()
	expectTaskRow(mock, taskID, pubID, store.TaskNotStarted, time.Now().Add(time.Hour))
	expectPublishRow(mock, pubID, store.PublishCommitting)
	expectHasDirtyItems(mock, 1)
	mock.ExpectCommit()

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(setTaskStateQuery)).WithArgs(string(store.TaskInProgress), taskID).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(declareCursorBase + ` ORDER BY web_uri FOR UPDATE`)).WillReturnResult(sqlmock.NewResult(0, 0))
	rows := sqlmock.NewRows(itemCols).AddRow(itemID.String(), pubID.String(), "/repo/repomd.xml", "key-a", "", "", true)
	mock.ExpectQuery(`FETCH \d+ FROM item_cursor`).WillReturnRows(rows)
	mock.ExpectExec(regexp.QuoteMeta(closeCursorQuery)).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta(markNotDirtyQuery)).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(upsertPathQuery).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(setPublishStateQuery)).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(setTaskStateQuery)).WithArgs(string(store.TaskComplete), taskID).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	vendor := &fakeVendorClient{}
	enricher := &mockAutoindexEnricher{}
	deps := Deps{
		Store:        relStore,
		Settings:     settingsWithEnv(baseTestSettings(), flushActiveEnv("live")),
		KVBatcherFor: func(tableName, fromDate string) *kvbatch.Batcher { return kvbatch.New(&fakeDynamoDBClient{}, tableName, 25, 1, fromDate) },
		Flusher:      flusher.New(vendor),
		Autoindex:    enricher,
		Logger:       telemetry.New(),
	}

	if err := Run(context.Background(), deps, broker.Job{PublishID: pubID, Env: "live", CommitMode: broker.CommitModePhase2}, taskID); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !enricher.called {
		t.Error("expected autoindex enricher to run before item selection")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
	if vendor.purgeCount() != 1 {
		t.Fatalf("expected exactly one cache flush, got %d", vendor.purgeCount())
	}
	got := vendor.calls[0]
	if len(got) != 1 || got[0] != "https://cdn.example.com/repo/repomd.xml" {
		t.Errorf("unexpected purge urls: %v", got)
	}
}

// TestRunKVFailureTriggersRollback covers §8's rollback scenario in both
// phases: a persistent KV write failure aborts the write transaction and
// drives engine.rollback, which per section 4.5 only re-flushes the cache
// on a phase-2 rollback.
func TestRunKVFailureTriggersRollback(t *testing.T) {
	testCases := []struct {
		name          string
		mode          broker.CommitMode
		publishState  store.PublishState
		cursorSuffix  string
		wantPurgeCall bool
	}{
		{"phase1 no flush", broker.CommitModePhase1, store.PublishPending, ` AND object_key != '' ORDER BY web_uri FOR UPDATE`, false},
		{"phase2 flushes", broker.CommitModePhase2, store.PublishCommitting, ` ORDER BY web_uri FOR UPDATE`, true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			relStore, mock := newMockStore(t)
			pubID := uuid.New()
			taskID := "0-4"
			itemID := uuid.New()

			mock.ExpectBegin()
			expectTaskRow(mock, taskID, pubID, store.TaskNotStarted, time.Now().Add(time.Hour))
			expectPublishRow(mock, pubID, tc.publishState)
			expectHasDirtyItems(mock, 1)
			mock.ExpectCommit()

			mock.ExpectBegin()
			mock.ExpectExec(regexp.QuoteMeta(setTaskStateQuery)).WithArgs(string(store.TaskInProgress), taskID).WillReturnResult(sqlmock.NewResult(0, 1))
			mock.ExpectCommit()

			mock.ExpectBegin()
			mock.ExpectExec(regexp.QuoteMeta(declareCursorBase + tc.cursorSuffix)).WillReturnResult(sqlmock.NewResult(0, 0))
			rows := sqlmock.NewRows(itemCols).AddRow(itemID.String(), pubID.String(), "/a/file.txt", "key-a", "", "", true)
			mock.ExpectQuery(`FETCH \d+ FROM item_cursor`).WillReturnRows(rows)
			mock.ExpectExec(regexp.QuoteMeta(closeCursorQuery)).WillReturnResult(sqlmock.NewResult(0, 0))
			mock.ExpectRollback()

			mock.ExpectBegin()
			reloadRows := sqlmock.NewRows(itemCols).AddRow(itemID.String(), pubID.String(), "/a/file.txt", "key-a", "", "", true)
			mock.ExpectQuery(regexp.QuoteMeta(reloadItemsQuery)).WillReturnRows(reloadRows)
			mock.ExpectExec(regexp.QuoteMeta(setTaskStateQuery)).WithArgs(string(store.TaskFailed), taskID).WillReturnResult(sqlmock.NewResult(0, 1))
			if tc.mode == broker.CommitModePhase2 {
				mock.ExpectExec(regexp.QuoteMeta(setPublishStateQuery)).WillReturnResult(sqlmock.NewResult(0, 1))
			}
			mock.ExpectCommit()

			vendor := &fakeVendorClient{}
			failingClient := &fakeDynamoDBClient{err: errors.New("simulated throughput failure")}
			deps := Deps{
				Store:        relStore,
				Settings:     settingsWithEnv(baseTestSettings(), flushActiveEnv("live")),
				KVBatcherFor: func(tableName, fromDate string) *kvbatch.Batcher { return kvbatch.New(failingClient, tableName, 25, 1, fromDate) },
				Flusher:      flusher.New(vendor),
				Logger:       telemetry.New(),
			}

			if err := Run(context.Background(), deps, broker.Job{PublishID: pubID, Env: "live", CommitMode: tc.mode}, taskID); err != nil {
				t.Fatalf("Run: %v", err)
			}
			if err := mock.ExpectationsWereMet(); err != nil {
				t.Errorf("unmet expectations: %v", err)
			}

			gotPurge := vendor.purgeCount() > 0
			if gotPurge != tc.wantPurgeCall {
				t.Errorf("purge call = %v, want %v (rollback cache flush must be phase-2 only)", gotPurge, tc.wantPurgeCall)
			}
		})
	}
}

// TestRunExpiredTaskMarksFailed covers §8's deadline scenario: a task past
// its deadline is marked FAILED before the publish state or dirty items are
// even consulted.
func TestRunExpiredTaskMarksFailed(t *testing.T) {
	relStore, mock := newMockStore(t)
	pubID := uuid.New()
	taskID := "0-5"

	mock.ExpectBegin()
	expectTaskRow(mock, taskID, pubID, store.TaskNotStarted, time.Now().Add(-time.Hour))
	mock.ExpectExec(regexp.QuoteMeta(setTaskStateQuery)).WithArgs(string(store.TaskFailed), taskID).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	deps := Deps{
		Store:        relStore,
		Settings:     settingsWithEnv(baseTestSettings(), settings.EnvConfig{Name: "live", TableName: "tbl"}),
		KVBatcherFor: func(tableName, fromDate string) *kvbatch.Batcher { return kvbatch.New(&fakeDynamoDBClient{}, tableName, 25, 1, fromDate) },
		Logger:       telemetry.New(),
	}

	if err := Run(context.Background(), deps, broker.Job{PublishID: pubID, Env: "live", CommitMode: broker.CommitModePhase2}, taskID); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}
