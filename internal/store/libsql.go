package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/rendis/flowcanvas/pkg/schema"
)

// LibSQLJournal implements Journal using libSQL (embedded SQLite fork).
type LibSQLJournal struct {
	db *sql.DB
}

// NewLibSQLJournal opens a libSQL database at dsn. An empty dsn selects
// DefaultDSN. File databases use a URI such as "file:/tmp/journal.db".
func NewLibSQLJournal(dsn string) (*LibSQLJournal, error) {
	if dsn == "" {
		dsn = DefaultDSN
	}
	db, err := sql.Open("libsql", dsn)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	// One connection: an in-memory database lives and dies with it.
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)
	db.SetConnMaxIdleTime(0)

	// Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLJournal{db: db}, nil
}

// Close closes the database.
func (j *LibSQLJournal) Close() error { return j.db.Close() }

// Migrate runs all pending database migrations.
func (j *LibSQLJournal) Migrate(ctx context.Context) error {
	return runMigrations(ctx, j.db)
}

// --- Events ---

// AppendEvent stores event and folds it into its run summary in one
// transaction.
func (j *LibSQLJournal) AppendEvent(ctx context.Context, event schema.ExecutionEvent) error {
	if event.RunID == "" {
		return schema.NewError(schema.ErrCodeValidation, "journal: event has no run id")
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	ts := timeOrNow(event.Timestamp)

	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO events (seq, run_id, node_id, event_type, payload, timestamp) VALUES (?, ?, ?, ?, ?, ?)`,
		event.Seq, event.RunID, nullStr(event.NodeID), string(event.Type), string(payload), ts,
	); err != nil {
		return fmt.Errorf("insert event: %w", err)
	}

	if err := upsertRun(ctx, tx, event, ts); err != nil {
		return fmt.Errorf("update run %s: %w", event.RunID, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit event: %w", err)
	}
	return nil
}

// upsertRun creates the run row on its first event and applies workflow
// status changes.
func upsertRun(ctx context.Context, tx *sql.Tx, event schema.ExecutionEvent, ts time.Time) error {
	var err error
	switch event.Type {
	case schema.EventWorkflowStart:
		_, err = tx.ExecContext(ctx,
			`INSERT INTO runs (run_id, status, started_at, first_seq, last_seq, event_count) VALUES (?, ?, ?, ?, ?, 1)
			 ON CONFLICT(run_id) DO UPDATE SET status=excluded.status, started_at=excluded.started_at,
			 last_seq=excluded.last_seq, event_count=runs.event_count+1`,
			event.RunID, string(schema.WorkflowStatusRunning), ts, event.Seq, event.Seq,
		)
	case schema.EventWorkflowComplete, schema.EventWorkflowError:
		_, err = tx.ExecContext(ctx,
			`INSERT INTO runs (run_id, status, error, stopped, started_at, completed_at, first_seq, last_seq, event_count)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, 1)
			 ON CONFLICT(run_id) DO UPDATE SET status=excluded.status, error=excluded.error, stopped=excluded.stopped,
			 completed_at=excluded.completed_at, last_seq=excluded.last_seq, event_count=runs.event_count+1`,
			event.RunID, event.Status, nullStr(event.Error), boolInt(event.Stopped), ts, ts, event.Seq, event.Seq,
		)
	default:
		_, err = tx.ExecContext(ctx,
			`INSERT INTO runs (run_id, status, first_seq, last_seq, event_count) VALUES (?, ?, ?, ?, 1)
			 ON CONFLICT(run_id) DO UPDATE SET last_seq=excluded.last_seq, event_count=runs.event_count+1`,
			event.RunID, string(schema.WorkflowStatusRunning), event.Seq, event.Seq,
		)
	}
	return err
}

// Events returns the events of a run with seq > sinceSeq, ordered by seq.
func (j *LibSQLJournal) Events(ctx context.Context, runID string, sinceSeq int64) ([]schema.ExecutionEvent, error) {
	rows, err := j.db.QueryContext(ctx,
		`SELECT payload FROM events WHERE run_id = ? AND seq > ? ORDER BY seq ASC`,
		runID, sinceSeq,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

// EventsSince returns events of any run with seq > sinceSeq, ordered by
// seq. limit <= 0 returns everything.
func (j *LibSQLJournal) EventsSince(ctx context.Context, sinceSeq int64, limit int) ([]schema.ExecutionEvent, error) {
	query := `SELECT payload FROM events WHERE seq > ? ORDER BY seq ASC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := j.db.QueryContext(ctx, query, sinceSeq)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

func scanEvents(rows *sql.Rows) ([]schema.ExecutionEvent, error) {
	var events []schema.ExecutionEvent
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var ev schema.ExecutionEvent
		if err := json.Unmarshal([]byte(payload), &ev); err != nil {
			return nil, fmt.Errorf("decode event: %w", err)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// --- Runs ---

const runColumns = `run_id, status, error, stopped, started_at, completed_at, first_seq, last_seq, event_count`

// GetRun returns the summary of a run.
func (j *LibSQLJournal) GetRun(ctx context.Context, runID string) (*RunSummary, error) {
	row := j.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE run_id = ?`, runID)
	r, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("run", runID)
	}
	if err != nil {
		return nil, err
	}
	return r, nil
}

// ListRuns returns run summaries, newest first.
func (j *LibSQLJournal) ListRuns(ctx context.Context, filter RunFilter) ([]*RunSummary, error) {
	var where []string
	var args []any

	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}

	query := `SELECT ` + runColumns + ` FROM runs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY first_seq DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
		if filter.Offset > 0 {
			query += fmt.Sprintf(" OFFSET %d", filter.Offset)
		}
	}

	rows, err := j.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*RunSummary
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// Prune deletes every run, and its events, except the newest keepRuns.
// It returns the number of runs removed.
func (j *LibSQLJournal) Prune(ctx context.Context, keepRuns int) (int, error) {
	if keepRuns < 0 {
		keepRuns = 0
	}
	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	const stale = `SELECT run_id FROM runs ORDER BY first_seq DESC LIMIT -1 OFFSET ?`
	if _, err := tx.ExecContext(ctx, `DELETE FROM events WHERE run_id IN (`+stale+`)`, keepRuns); err != nil {
		return 0, fmt.Errorf("prune events: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM runs WHERE run_id IN (`+stale+`)`, keepRuns)
	if err != nil {
		return 0, fmt.Errorf("prune runs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit prune: %w", err)
	}
	return int(n), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*RunSummary, error) {
	r := &RunSummary{}
	var (
		status                 string
		errMsg                 sql.NullString
		stopped                int
		startedAt, completedAt sql.NullTime
	)
	if err := row.Scan(&r.RunID, &status, &errMsg, &stopped, &startedAt, &completedAt,
		&r.FirstSeq, &r.LastSeq, &r.EventCount); err != nil {
		return nil, err
	}
	r.Status = schema.WorkflowStatus(status)
	r.Error = errMsg.String
	r.Stopped = stopped != 0
	if startedAt.Valid {
		r.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		r.CompletedAt = &completedAt.Time
	}
	return r, nil
}

// --- Helpers ---

func storeNotFound(resource, id string) *schema.FlowError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
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

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
