// Package archive keeps finished and reset workflow records in SQLite so
// that `forge history` can report past runs after the live record is gone.
package archive

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/chkim-su/forge2/internal/workflow"
)

// ErrNotFound is returned when an archived record does not exist.
var ErrNotFound = errors.New("archived workflow not found")

// Record is one archived workflow.
type Record struct {
	ID             string            `json:"id"`
	WorkflowID     string            `json:"workflow_id"`
	SessionID      string            `json:"session_id"`
	Kind           workflow.Kind     `json:"workflow_kind"`
	Outcome        string            `json:"outcome"`
	Complete       bool              `json:"complete"`
	Phases         []workflow.Phase  `json:"phases"`
	Context        map[string]string `json:"context"`
	GeneratedFiles []string          `json:"generated_files"`
	Revision       int64             `json:"revision"`
	CreatedAt      time.Time         `json:"created_at"`
	ArchivedAt     time.Time         `json:"archived_at"`
}

// Filter narrows List results.
type Filter struct {
	SessionID string
	Kind      workflow.Kind
	Outcome   string
	Limit     int
}

// Stats summarizes the archive.
type Stats struct {
	Total     int            `json:"total"`
	Completed int            `json:"completed"`
	ByKind    map[string]int `json:"by_kind"`
	ByOutcome map[string]int `json:"by_outcome"`
}

// SQLiteArchive implements workflow.Archiver on SQLite.
type SQLiteArchive struct {
	db  *sql.DB
	now func() time.Time
}

var _ workflow.Archiver = (*SQLiteArchive)(nil)

// Open opens (creating if needed) the archive database at path.
func Open(path string) (*SQLiteArchive, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, fmt.Errorf("failed to create archive directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// A second connection to :memory: would see an empty database.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma: %w", err)
		}
	}

	a := &SQLiteArchive{db: db, now: time.Now}
	if err := a.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return a, nil
}

// OpenInMemory opens an in-memory archive (for testing).
func OpenInMemory() (*SQLiteArchive, error) {
	return Open(":memory:")
}

func (a *SQLiteArchive) migrate() error {
	if _, err := a.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to execute migration: %w", err)
	}
	return nil
}

const schema = `
CREATE TABLE IF NOT EXISTS workflows (
    id TEXT PRIMARY KEY,
    workflow_id TEXT NOT NULL,
    session_id TEXT NOT NULL,
    kind TEXT NOT NULL,
    outcome TEXT NOT NULL,
    complete INTEGER NOT NULL DEFAULT 0,
    phases TEXT NOT NULL,
    context TEXT NOT NULL,
    generated_files TEXT NOT NULL,
    revision INTEGER NOT NULL,
    created_at TEXT NOT NULL,
    archived_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_workflows_session ON workflows(session_id);
CREATE INDEX IF NOT EXISTS idx_workflows_archived_at ON workflows(archived_at DESC);

CREATE TABLE IF NOT EXISTS schema_version (
    version INTEGER PRIMARY KEY,
    applied_at TEXT NOT NULL DEFAULT (datetime('now'))
);

INSERT OR IGNORE INTO schema_version (version) VALUES (1);
`

// Close closes the database connection.
func (a *SQLiteArchive) Close() error {
	return a.db.Close()
}

// Archive stores a copy of st. outcome is the operation that retired it,
// "finish" or "reset".
func (a *SQLiteArchive) Archive(ctx context.Context, sessionID string, st *workflow.State, outcome string) error {
	if st == nil {
		return errors.New("archive: nil state")
	}
	phases, err := json.Marshal(st.Phases)
	if err != nil {
		return fmt.Errorf("failed to encode phases: %w", err)
	}
	wctx, err := json.Marshal(st.Context)
	if err != nil {
		return fmt.Errorf("failed to encode context: %w", err)
	}
	files, err := json.Marshal(st.GeneratedFiles)
	if err != nil {
		return fmt.Errorf("failed to encode files: %w", err)
	}

	_, err = a.db.ExecContext(ctx, `
		INSERT INTO workflows (id, workflow_id, session_id, kind, outcome, complete, phases, context, generated_files, revision, created_at, archived_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		uuid.New().String(),
		st.ID,
		sessionID,
		string(st.Kind),
		outcome,
		st.Complete(),
		string(phases),
		string(wctx),
		string(files),
		st.Revision,
		st.CreatedAt.UTC().Format(time.RFC3339Nano),
		a.now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to insert workflow: %w", err)
	}
	return nil
}

const selectColumns = `id, workflow_id, session_id, kind, outcome, complete, phases, context, generated_files, revision, created_at, archived_at`

// List returns archived records, newest first.
func (a *SQLiteArchive) List(ctx context.Context, f Filter) ([]*Record, error) {
	var (
		where []string
		args  []any
	)
	if f.SessionID != "" {
		where = append(where, "session_id = ?")
		args = append(args, f.SessionID)
	}
	if f.Kind != "" {
		where = append(where, "kind = ?")
		args = append(args, string(f.Kind))
	}
	if f.Outcome != "" {
		where = append(where, "outcome = ?")
		args = append(args, f.Outcome)
	}

	query := "SELECT " + selectColumns + " FROM workflows"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY archived_at DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := a.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query workflows: %w", err)
	}
	defer rows.Close()

	var records []*Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// Get returns one archived record by its archive id or workflow id.
func (a *SQLiteArchive) Get(ctx context.Context, id string) (*Record, error) {
	row := a.db.QueryRowContext(ctx,
		"SELECT "+selectColumns+" FROM workflows WHERE id = ? OR workflow_id = ? ORDER BY archived_at DESC LIMIT 1",
		id, id)
	r, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return r, err
}

// Stats aggregates counts across the archive.
func (a *SQLiteArchive) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{ByKind: map[string]int{}, ByOutcome: map[string]int{}}

	rows, err := a.db.QueryContext(ctx, `SELECT kind, outcome, complete, COUNT(*) FROM workflows GROUP BY kind, outcome, complete`)
	if err != nil {
		return nil, fmt.Errorf("failed to query stats: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			kind, outcome string
			complete      bool
			n             int
		)
		if err := rows.Scan(&kind, &outcome, &complete, &n); err != nil {
			return nil, fmt.Errorf("failed to scan stats: %w", err)
		}
		stats.Total += n
		stats.ByKind[kind] += n
		stats.ByOutcome[outcome] += n
		if complete {
			stats.Completed += n
		}
	}
	return stats, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(s scanner) (*Record, error) {
	var (
		r                     Record
		kind                  string
		phases, wctx, files   string
		createdAt, archivedAt string
	)
	err := s.Scan(&r.ID, &r.WorkflowID, &r.SessionID, &kind, &r.Outcome, &r.Complete,
		&phases, &wctx, &files, &r.Revision, &createdAt, &archivedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan workflow: %w", err)
	}
	r.Kind = workflow.Kind(kind)

	if err := json.Unmarshal([]byte(phases), &r.Phases); err != nil {
		return nil, fmt.Errorf("failed to decode phases: %w", err)
	}
	if err := json.Unmarshal([]byte(wctx), &r.Context); err != nil {
		return nil, fmt.Errorf("failed to decode context: %w", err)
	}
	if err := json.Unmarshal([]byte(files), &r.GeneratedFiles); err != nil {
		return nil, fmt.Errorf("failed to decode files: %w", err)
	}
	r.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	r.ArchivedAt, _ = time.Parse(time.RFC3339Nano, archivedAt)
	return &r, nil
}
