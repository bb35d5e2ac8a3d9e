package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/punchlab/punchline/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path. Accepts the
// driver's URL forms (file:, libsql://, http(s)://) and normalizes a bare
// filesystem path to a file: URL.
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", normalizeDSN(dbPath))
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Apply connection-level PRAGMAs. Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// normalizeDSN maps a bare filesystem path onto the file: scheme the driver
// requires; recognized URL forms pass through untouched.
func normalizeDSN(dbPath string) string {
	if strings.HasPrefix(dbPath, "file:") || strings.Contains(dbPath, "://") {
		return dbPath
	}
	return "file:" + dbPath
}

// DB returns the underlying *sql.DB for advanced usage.
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// Vacuum runs VACUUM on the database.
func (s *LibSQLStore) Vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// --- Runs ---

func (s *LibSQLStore) CreateRun(ctx context.Context, run *Run) error {
	now := time.Now().UTC()
	if run.CreatedAt.IsZero() {
		run.CreatedAt = now
	}
	run.UpdatedAt = now
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, target, status, generated, saved, deleted, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.Target, string(run.Status), run.Generated, run.Saved, run.Deleted,
		run.CreatedAt, run.UpdatedAt,
	)
	return err
}

func (s *LibSQLStore) GetRun(ctx context.Context, id string) (*Run, error) {
	r := &Run{}
	var status string
	var completedAt sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT id, target, status, generated, saved, deleted, created_at, completed_at, updated_at
		 FROM runs WHERE id = ?`, id,
	).Scan(&r.ID, &r.Target, &status, &r.Generated, &r.Saved, &r.Deleted,
		&r.CreatedAt, &completedAt, &r.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("run", id)
	}
	if err != nil {
		return nil, err
	}
	r.Status = schema.RunStatus(status)
	if completedAt.Valid {
		r.CompletedAt = &completedAt.Time
	}
	return r, nil
}

func (s *LibSQLStore) UpdateRun(ctx context.Context, id string, update RunUpdate) error {
	var sets []string
	var args []any

	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*update.Status))
	}
	if update.Generated != nil {
		sets = append(sets, "generated = ?")
		args = append(args, *update.Generated)
	}
	if update.Saved != nil {
		sets = append(sets, "saved = ?")
		args = append(args, *update.Saved)
	}
	if update.Deleted != nil {
		sets = append(sets, "deleted = ?")
		args = append(args, *update.Deleted)
	}
	if update.CompletedAt != nil {
		sets = append(sets, "completed_at = ?")
		args = append(args, *update.CompletedAt)
	}
	if len(sets) == 0 {
		return nil
	}
	sets = append(sets, "updated_at = CURRENT_TIMESTAMP")
	args = append(args, id)

	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "run", id)
}

func (s *LibSQLStore) ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error) {
	var where []string
	var args []any

	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*filter.Status))
	}
	if filter.Since != nil {
		where = append(where, "created_at >= ?")
		args = append(args, *filter.Since)
	}

	query := `SELECT id, target, status, generated, saved, deleted, created_at, completed_at, updated_at FROM runs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		r := &Run{}
		var status string
		var completedAt sql.NullTime
		if err := rows.Scan(&r.ID, &r.Target, &status, &r.Generated, &r.Saved, &r.Deleted,
			&r.CreatedAt, &completedAt, &r.UpdatedAt); err != nil {
			return nil, err
		}
		r.Status = schema.RunStatus(status)
		if completedAt.Valid {
			r.CompletedAt = &completedAt.Time
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// --- Audit log ---

// AppendEvent appends an event with a monotonically increasing per-run sequence.
func (s *LibSQLStore) AppendEvent(ctx context.Context, event *Event) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	// Get next sequence number for this run
	var seq int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM events WHERE run_id = ?`, event.RunID,
	).Scan(&seq)
	if err != nil {
		return fmt.Errorf("get next sequence: %w", err)
	}
	event.Sequence = seq

	payload := nullRaw(event.Payload)
	ts := timeOrNow(event.Timestamp)
	event.Timestamp = ts

	_, err = tx.ExecContext(ctx,
		`INSERT INTO events (run_id, item_id, event_type, payload, timestamp, sequence)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		event.RunID, nullStr(event.ItemID), event.Type, payload, ts, seq,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit event: %w", err)
	}
	return nil
}

// Events returns events for a run with sequence > since, ordered by sequence ASC.
func (s *LibSQLStore) Events(ctx context.Context, runID string, since int64) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, item_id, event_type, payload, timestamp, sequence
		 FROM events WHERE run_id = ? AND sequence > ? ORDER BY sequence ASC`,
		runID, since,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

// EventsByType returns events of a specific type matching the filter, newest first.
func (s *LibSQLStore) EventsByType(ctx context.Context, eventType string, filter EventFilter) ([]*Event, error) {
	where := []string{"event_type = ?"}
	args := []any{eventType}

	if filter.RunID != "" {
		where = append(where, "run_id = ?")
		args = append(args, filter.RunID)
	}
	if filter.ItemID != "" {
		where = append(where, "item_id = ?")
		args = append(args, filter.ItemID)
	}
	if filter.Since != nil {
		where = append(where, "timestamp >= ?")
		args = append(args, *filter.Since)
	}

	query := `SELECT id, run_id, item_id, event_type, payload, timestamp, sequence FROM events`
	query += " WHERE " + strings.Join(where, " AND ")
	query += " ORDER BY timestamp DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

func scanEvents(rows *sql.Rows) ([]*Event, error) {
	var events []*Event
	for rows.Next() {
		e := &Event{}
		var itemID, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.RunID, &itemID, &e.Type, &payload, &e.Timestamp, &e.Sequence); err != nil {
			return nil, err
		}
		e.ItemID = itemID.String
		e.Payload = rawOrNil(payload)
		events = append(events, e)
	}
	return events, rows.Err()
}

// --- Helpers ---

func storeNotFound(resource, id string) *schema.PunchlineError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s not found: %s", resource, id)
}

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullRaw(r json.RawMessage) any {
	if len(r) == 0 {
		return nil
	}
	return string(r)
}

func rawOrNil(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}
