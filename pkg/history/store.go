// Package history persists finished missions.
package history

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/docker/execops/pkg/mission"
)

var (
	ErrEmptyID  = errors.New("record ID cannot be empty")
	ErrNotFound = errors.New("record not found")
)

// Record is one finished mission.
type Record struct {
	ID        string          `json:"id"`
	MissionID int64           `json:"mission_id"`
	Code      string          `json:"code"`
	Output    string          `json:"output"`
	Outcome   mission.Outcome `json:"outcome"`
	Truncated bool            `json:"truncated"`
	Rearms    int             `json:"rearms"`
	StartedAt time.Time       `json:"started_at"`
	Duration  time.Duration   `json:"duration"`
}

// NewRecord builds the record of a finished mission with a fresh ID.
func NewRecord(code string, res mission.Result) *Record {
	return &Record{
		ID:        uuid.NewString(),
		MissionID: res.MissionID,
		Code:      code,
		Output:    res.Output,
		Outcome:   res.Outcome,
		Truncated: res.Truncated,
		Rearms:    res.Rearms,
		StartedAt: res.Started,
		Duration:  res.Duration,
	}
}

// Store defines the interface for mission history storage
type Store interface {
	Add(ctx context.Context, rec *Record) error
	Get(ctx context.Context, id string) (*Record, error)
	// List returns the most recent records first.
	List(ctx context.Context, limit int) ([]*Record, error)
	Close() error
}

// SQLiteStore implements Store using SQLite
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (and creates if needed) the history database at path.
func NewSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, err
	}

	// SQLite serializes writes anyway
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	_, err = db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS missions (
			id TEXT PRIMARY KEY,
			mission_id INTEGER NOT NULL,
			code TEXT NOT NULL,
			output TEXT NOT NULL,
			outcome TEXT NOT NULL,
			truncated BOOLEAN NOT NULL DEFAULT 0,
			rearms INTEGER NOT NULL DEFAULT 0,
			started_at TEXT NOT NULL,
			duration_ms INTEGER NOT NULL
		)
	`)
	if err != nil {
		db.Close()
		return nil, err
	}

	return &SQLiteStore{db: db}, nil
}

// Add stores a record
func (s *SQLiteStore) Add(ctx context.Context, rec *Record) error {
	if rec.ID == "" {
		return ErrEmptyID
	}

	_, err := s.db.ExecContext(ctx,
		"INSERT INTO missions (id, mission_id, code, output, outcome, truncated, rearms, started_at, duration_ms) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)",
		rec.ID, rec.MissionID, rec.Code, rec.Output, string(rec.Outcome), rec.Truncated, rec.Rearms,
		rec.StartedAt.UTC().Format(time.RFC3339Nano), rec.Duration.Milliseconds())
	return err
}

// Get retrieves a record by ID
func (s *SQLiteStore) Get(ctx context.Context, id string) (*Record, error) {
	if id == "" {
		return nil, ErrEmptyID
	}

	row := s.db.QueryRowContext(ctx,
		"SELECT id, mission_id, code, output, outcome, truncated, rearms, started_at, duration_ms FROM missions WHERE id = ?", id)

	rec, err := scan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return rec, err
}

func (s *SQLiteStore) List(ctx context.Context, limit int) ([]*Record, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx,
		"SELECT id, mission_id, code, output, outcome, truncated, rearms, started_at, duration_ms FROM missions ORDER BY started_at DESC, mission_id DESC LIMIT ?", limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*Record
	for rows.Next() {
		rec, err := scan(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scan(row scanner) (*Record, error) {
	var (
		rec        Record
		outcome    string
		startedAt  string
		durationMs int64
	)
	if err := row.Scan(&rec.ID, &rec.MissionID, &rec.Code, &rec.Output, &outcome, &rec.Truncated, &rec.Rearms, &startedAt, &durationMs); err != nil {
		return nil, err
	}

	started, err := time.Parse(time.RFC3339Nano, startedAt)
	if err != nil {
		return nil, err
	}

	rec.Outcome = mission.Outcome(outcome)
	rec.StartedAt = started
	rec.Duration = time.Duration(durationMs) * time.Millisecond
	return &rec, nil
}
