package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"
)

// Invocation statuses.
const (
	StatusQueued    = "queued"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Store wraps SQLite-backed persistence for engine invocations.
type Store struct {
	DB       *sql.DB
	readOnly bool
}

// New opens (or creates) the database at path and ensures schema.
func New(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	s := &Store{DB: db}
	if err := s.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// OpenReadOnly opens an existing history database without write access, so
// a running server can keep writing while another process reads.
func OpenReadOnly(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?mode=ro", path))
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("open %s read-only: %w", path, err)
	}
	return &Store{DB: db, readOnly: true}, nil
}

func (s *Store) ensureSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS invocations (
            id TEXT PRIMARY KEY,
            session_id TEXT,
            mode TEXT NOT NULL,
            status TEXT NOT NULL,
            width INTEGER,
            height INTEGER,
            manifest_path TEXT,
            exit_code INTEGER,
            error_kind TEXT,
            error_message TEXT,
            stderr TEXT,
            foreground INTEGER,
            duration_ms INTEGER,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
            started_at TIMESTAMP,
            completed_at TIMESTAMP
        );`,
		`CREATE INDEX IF NOT EXISTS idx_invocations_session ON invocations(session_id);`,
		`CREATE INDEX IF NOT EXISTS idx_invocations_status ON invocations(status);`,
	}
	for _, stmt := range stmts {
		if _, err := s.DB.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the underlying DB.
func (s *Store) Close() error {
	if s == nil || s.DB == nil {
		return nil
	}
	return s.DB.Close()
}

// InvocationRecord captures one persisted engine run.
type InvocationRecord struct {
	ID           string
	SessionID    string
	Mode         string
	Status       string
	Width        int
	Height       int
	ManifestPath string
	ExitCode     int
	ErrorKind    string
	Error        string
	Stderr       string
	Foreground   int
	Duration     time.Duration
	CreatedAt    time.Time
	StartedAt    *time.Time
	CompletedAt  *time.Time
}

// Outcome is what a finished invocation reports back.
type Outcome struct {
	Status     string
	ExitCode   int
	ErrorKind  string
	Error      string
	Stderr     string
	Foreground int
	Duration   time.Duration
}

var errReadOnly = errors.New("store is read-only")

func (s *Store) writable() error {
	if s.readOnly {
		return errReadOnly
	}
	return nil
}

// RecordQueued inserts a pending invocation.
func (s *Store) RecordQueued(rec InvocationRecord) error {
	if s == nil {
		return nil
	}
	if err := s.writable(); err != nil {
		return err
	}
	_, err := s.DB.Exec(`INSERT OR REPLACE INTO invocations (id, session_id, mode, status, width, height, manifest_path) VALUES (?, ?, ?, ?, ?, ?, ?);`,
		rec.ID, rec.SessionID, rec.Mode, StatusQueued, rec.Width, rec.Height, rec.ManifestPath)
	return err
}

// RecordStart marks an invocation as running.
func (s *Store) RecordStart(id string) error {
	if s == nil {
		return nil
	}
	if err := s.writable(); err != nil {
		return err
	}
	_, err := s.DB.Exec(`UPDATE invocations SET status=?, started_at=CURRENT_TIMESTAMP WHERE id=?;`, StatusRunning, id)
	return err
}

// RecordResult finalizes an invocation.
func (s *Store) RecordResult(id string, out Outcome) error {
	if s == nil {
		return nil
	}
	if err := s.writable(); err != nil {
		return err
	}
	_, err := s.DB.Exec(`UPDATE invocations SET status=?, exit_code=?, error_kind=?, error_message=?, stderr=?, foreground=?, duration_ms=?, completed_at=CURRENT_TIMESTAMP WHERE id=?;`,
		out.Status, out.ExitCode, out.ErrorKind, out.Error, out.Stderr, out.Foreground, out.Duration.Milliseconds(), id)
	return err
}

const selectInvocation = `SELECT id, session_id, mode, status, width, height, manifest_path, exit_code, error_kind, error_message, stderr, foreground, duration_ms, created_at, started_at, completed_at FROM invocations`

// Recent returns the latest invocations up to limit.
func (s *Store) Recent(limit int) ([]InvocationRecord, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(selectInvocation+` ORDER BY created_at DESC, rowid DESC LIMIT ?;`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []InvocationRecord
	for rows.Next() {
		rec, err := scanInvocation(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// Get fetches one invocation by id.
func (s *Store) Get(id string) (InvocationRecord, error) {
	if s == nil {
		return InvocationRecord{}, errors.New("store not initialized")
	}
	return scanInvocation(s.DB.QueryRow(selectInvocation+` WHERE id=?;`, id))
}

// Counts returns the number of invocations per status.
func (s *Store) Counts() (map[string]int, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(`SELECT status, COUNT(*) FROM invocations GROUP BY status;`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[string]int{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		out[status] = n
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanInvocation(row scanner) (InvocationRecord, error) {
	var rec InvocationRecord
	var session, manifest, kind, msg, stderr sql.NullString
	var width, height, exit, fg, dur sql.NullInt64
	var created time.Time
	var started, completed sql.NullTime
	if err := row.Scan(&rec.ID, &session, &rec.Mode, &rec.Status, &width, &height, &manifest,
		&exit, &kind, &msg, &stderr, &fg, &dur, &created, &started, &completed); err != nil {
		return rec, err
	}
	rec.SessionID = session.String
	rec.ManifestPath = manifest.String
	rec.ErrorKind = kind.String
	rec.Error = msg.String
	rec.Stderr = stderr.String
	rec.Width = int(width.Int64)
	rec.Height = int(height.Int64)
	rec.ExitCode = int(exit.Int64)
	rec.Foreground = int(fg.Int64)
	rec.Duration = time.Duration(dur.Int64) * time.Millisecond
	rec.CreatedAt = created
	if started.Valid {
		rec.StartedAt = &started.Time
	}
	if completed.Valid {
		rec.CompletedAt = &completed.Time
	}
	return rec, nil
}
