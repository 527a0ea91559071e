// Package store implements the relational persistence described in section
// 3 and section 6 of the design specification: publishes, items, tasks, and
// published_paths, accessed through row-level locking so that the commit
// engine exclusively owns a publish's rows between actor entry and exit.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" database/sql driver
	"github.com/jmoiron/sqlx"
)

// PublishState is one of the states from section 3.
type PublishState string

// Publish states as enumerated in section 3.
const (
	PublishPending    PublishState = "PENDING"
	PublishCommitting PublishState = "COMMITTING"
	PublishCommitted  PublishState = "COMMITTED"
	PublishFailed     PublishState = "FAILED"
)

// TaskState is one of the states from section 3.
type TaskState string

// Task states as enumerated in section 3.
const (
	TaskNotStarted TaskState = "NOT_STARTED"
	TaskInProgress TaskState = "IN_PROGRESS"
	TaskComplete   TaskState = "COMPLETE"
	TaskFailed     TaskState = "FAILED"
)

// Terminal reports whether a task state is absorbing, per section 4.4.
func (s TaskState) Terminal() bool {
	return s == TaskComplete || s == TaskFailed
}

// Publish mirrors the publishes table of section 6.
type Publish struct {
	ID      uuid.UUID    `db:"id"`
	Env     string       `db:"env"`
	State   PublishState `db:"state"`
	Updated time.Time    `db:"updated"`
}

// Item mirrors the items table of section 6.
type Item struct {
	ID          uuid.UUID `db:"id"`
	PublishID   uuid.UUID `db:"publish_id"`
	WebURI      string    `db:"web_uri"`
	ObjectKey   string    `db:"object_key"`
	ContentType string    `db:"content_type"`
	LinkTo      string    `db:"link_to"`
	Dirty       bool      `db:"dirty"`
}

// Task mirrors the tasks table of section 6, identified by the broker
// message ID.
type Task struct {
	ID        string    `db:"id"`
	PublishID uuid.UUID `db:"publish_id"`
	State     TaskState `db:"state"`
	Updated   time.Time `db:"updated"`
	Deadline  time.Time `db:"deadline"`
}

// PastDeadline implements the task_ready deadline check from section 4.4.
func (t Task) PastDeadline(now time.Time) bool {
	return now.After(t.Deadline)
}

// Store wraps a relational connection pool. All methods that mutate state
// take an explicit *sqlx.Tx so that the actor entry point (section 4.7)
// controls the commit/rollback boundary, per section 4.4's "commit DB
// unconditionally" requirement.
type Store struct {
	db *sqlx.DB
}

// Open connects to the relational store using the pgx driver.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sqlx.ConnectContext(ctx, "pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to relational store: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying *sqlx.DB, used by callers that need a plain
// *sql.DB handle (e.g. to run migrations) without going through WithTx.
func (s *Store) DB() *sqlx.DB {
	return s.db
}

// NewWithDB wraps an already-open *sqlx.DB, bypassing Open's pgx dial. Used
// by tests to bind Store to a sqlmock-backed connection.
func NewWithDB(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// WithTx runs fn within a transaction, committing on success and rolling
// back on error or panic.
func (s *Store) WithTx(ctx context.Context, fn func(*sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if r := recover(); r != nil {
			_ = tx.Rollback()
			panic(r)
		}
	}()

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("%w (rollback also failed: %v)", err, rbErr)
		}
		return err
	}
	return tx.Commit()
}

// GetTask loads a task row for update, locking it against concurrent
// commits of the same task ID.
func GetTask(ctx context.Context, tx *sqlx.Tx, taskID string) (Task, error) {
	var t Task
	err := tx.GetContext(ctx, &t, `SELECT id, publish_id, state, updated, deadline FROM tasks WHERE id = $1 FOR UPDATE`, taskID)
	if err != nil {
		return Task{}, fmt.Errorf("failed to load task %s: %w", taskID, err)
	}
	return t, nil
}

// SetTaskState transitions a task's state and bumps its updated timestamp,
// per section 3's "updated (auto-bumped on every mutation)" invariant.
func SetTaskState(ctx context.Context, tx *sqlx.Tx, taskID string, state TaskState) error {
	_, err := tx.ExecContext(ctx, `UPDATE tasks SET state = $1, updated = now() WHERE id = $2`, state, taskID)
	if err != nil {
		return fmt.Errorf("failed to set task %s state to %s: %w", taskID, state, err)
	}
	return nil
}

// GetPublish locks and returns a publish row, enforcing the "exclusively
// owns the relational rows of its publish between entry and exit" ownership
// rule of section 3.
func GetPublish(ctx context.Context, tx *sqlx.Tx, publishID uuid.UUID) (Publish, error) {
	var p Publish
	err := tx.GetContext(ctx, &p, `SELECT id, env, state, updated FROM publishes WHERE id = $1 FOR UPDATE`, publishID)
	if err != nil {
		return Publish{}, fmt.Errorf("failed to load publish %s: %w", publishID, err)
	}
	return p, nil
}

// SetPublishState transitions a publish's state.
func SetPublishState(ctx context.Context, tx *sqlx.Tx, publishID uuid.UUID, state PublishState) error {
	_, err := tx.ExecContext(ctx, `UPDATE publishes SET state = $1, updated = now() WHERE id = $2`, state, publishID)
	if err != nil {
		return fmt.Errorf("failed to set publish %s state to %s: %w", publishID, state, err)
	}
	return nil
}

// HasDirtyItems implements the has_items readiness gate of section 4.4.
func HasDirtyItems(ctx context.Context, tx *sqlx.Tx, publishID uuid.UUID) (bool, error) {
	var count int
	err := tx.GetContext(ctx, &count, `SELECT count(*) FROM items WHERE publish_id = $1 AND dirty = true`, publishID)
	if err != nil {
		return false, fmt.Errorf("failed to count dirty items for publish %s: %w", publishID, err)
	}
	return count > 0, nil
}

// StreamDirtyItems implements the "SELECT ... FOR UPDATE cursor ... yielding
// item_yield_size per partition" requirement of section 4.4 step 3, using a
// server-side cursor so millions of pending items never need to be held in
// memory at once. phase1Only additionally filters object_key != '', per
// section 4.4's phase-1 item selection.
func StreamDirtyItems(ctx context.Context, tx *sqlx.Tx, publishID uuid.UUID, phase1Only bool, yieldSize int, fn func([]Item) error) error {
	query := `DECLARE item_cursor CURSOR FOR SELECT id, publish_id, web_uri, object_key, content_type, link_to, dirty FROM items WHERE publish_id = $1 AND dirty = true`
	if phase1Only {
		query += ` AND object_key != ''`
	}
	query += ` ORDER BY web_uri FOR UPDATE`

	if _, err := tx.ExecContext(ctx, query, publishID); err != nil {
		return fmt.Errorf("failed to declare item cursor: %w", err)
	}
	defer func() { _, _ = tx.ExecContext(ctx, `CLOSE item_cursor`) }()

	for {
		var partition []Item
		if err := tx.SelectContext(ctx, &partition, fmt.Sprintf(`FETCH %d FROM item_cursor`, yieldSize)); err != nil {
			return fmt.Errorf("failed to fetch item partition: %w", err)
		}
		if len(partition) == 0 {
			return nil
		}
		if err := fn(partition); err != nil {
			return err
		}
		if len(partition) < yieldSize {
			return nil
		}
	}
}

// MarkItemsNotDirty implements the chunked "UPDATE items SET dirty=FALSE
// WHERE id IN (...)" of on_succeeded, section 4.4 step 5.
func MarkItemsNotDirty(ctx context.Context, tx *sqlx.Tx, ids []uuid.UUID, chunkSize int) error {
	if chunkSize <= 0 {
		chunkSize = len(ids)
	}
	for i := 0; i < len(ids); i += chunkSize {
		end := i + chunkSize
		if end > len(ids) {
			end = len(ids)
		}
		chunk := ids[i:end]
		if _, err := tx.ExecContext(ctx, `UPDATE items SET dirty = false WHERE id = ANY($1)`, chunk); err != nil {
			return fmt.Errorf("failed to mark %d items non-dirty: %w", len(chunk), err)
		}
	}
	return nil
}

// ReloadItems re-fetches items by ID, used by the rollback path of section
// 4.4 to recover the records to delete from the KV store.
func ReloadItems(ctx context.Context, tx *sqlx.Tx, ids []uuid.UUID) ([]Item, error) {
	var items []Item
	if len(ids) == 0 {
		return items, nil
	}
	err := tx.SelectContext(ctx, &items, `SELECT id, publish_id, web_uri, object_key, content_type, link_to, dirty FROM items WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to reload %d items: %w", len(ids), err)
	}
	return items, nil
}

// UpsertPublishedPaths implements the PublishedPath upsert of sections 3 and
// 4.5: (env, web_uri) is the primary key, and `updated` tracks the most
// recent commit that wrote the path.
func UpsertPublishedPaths(ctx context.Context, tx *sqlx.Tx, env string, webURIs []string, updated time.Time) error {
	if len(webURIs) == 0 {
		return nil
	}
	for _, uri := range webURIs {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO published_paths (env, web_uri, updated)
			VALUES ($1, $2, $3)
			ON CONFLICT (env, web_uri) DO UPDATE SET updated = EXCLUDED.updated
		`, env, uri, updated)
		if err != nil {
			return fmt.Errorf("failed to upsert published path %s/%s: %w", env, uri, err)
		}
	}
	return nil
}
