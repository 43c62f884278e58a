// Package store persists finished practice sessions and their verification
// outcomes in SQLite.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/satindergrewal/chordsync/internal/progress"
	"github.com/satindergrewal/chordsync/internal/session"
)

// Record is one persisted session.
type Record struct {
	ID        string             `json:"id"`
	Lesson    string             `json:"lesson"`
	Status    string             `json:"status"`
	Error     string             `json:"error,omitempty"`
	StartedAt time.Time          `json:"started_at"`
	EndedAt   time.Time          `json:"ended_at"`
	Correct   int                `json:"correct"`
	Total     int                `json:"total"`
	Accuracy  float64            `json:"accuracy"`
	Outcomes  []progress.Outcome `json:"outcomes,omitempty"`
}

// RecordFrom captures an ended session.
func RecordFrom(s *session.Session) Record {
	st := s.Snapshot()
	return Record{
		ID:        st.ID,
		Lesson:    st.Lesson,
		Status:    st.Phase.String(),
		Error:     st.Error,
		StartedAt: st.StartedAt,
		EndedAt:   st.EndedAt,
		Correct:   st.Correct,
		Total:     st.Total,
		Accuracy:  st.Accuracy,
		Outcomes:  s.Progress().Outcomes(),
	}
}

// Store is the practice history database.
type Store struct {
	db *sql.DB
}

// Open opens or creates the database at path and ensures the schema.
// ":memory:" opens a private in-memory database.
func Open(path string) (*Store, error) {
	dsn := path
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
		dsn = fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// one connection keeps :memory: shared and serializes writers
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	s := &Store{db: db}
	if err := s.ensureSchema(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) ensureSchema(ctx context.Context) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS sessions (
  id TEXT PRIMARY KEY,
  lesson TEXT NOT NULL,
  status TEXT NOT NULL,
  error TEXT,
  started_at REAL NOT NULL,
  ended_at REAL NOT NULL,
  correct INTEGER NOT NULL,
  total INTEGER NOT NULL,
  accuracy REAL NOT NULL
);
CREATE TABLE IF NOT EXISTS outcomes (
  session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
  seq INTEGER NOT NULL,
  chord_index INTEGER NOT NULL,
  expected TEXT NOT NULL,
  detected TEXT,
  candidates TEXT NOT NULL,
  is_match INTEGER NOT NULL,
  attempt INTEGER NOT NULL,
  at REAL NOT NULL,
  PRIMARY KEY (session_id, seq)
);
CREATE INDEX IF NOT EXISTS sessions_started ON sessions(started_at);
`
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// SaveSession writes a session and replaces its outcomes.
func (s *Store) SaveSession(ctx context.Context, r Record) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	const upsert = `
INSERT INTO sessions (id, lesson, status, error, started_at, ended_at, correct, total, accuracy)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
  lesson=excluded.lesson,
  status=excluded.status,
  error=excluded.error,
  started_at=excluded.started_at,
  ended_at=excluded.ended_at,
  correct=excluded.correct,
  total=excluded.total,
  accuracy=excluded.accuracy;`
	if _, err := tx.ExecContext(ctx, upsert, r.ID, r.Lesson, r.Status, nullString(r.Error),
		unixFromTime(r.StartedAt), unixFromTime(r.EndedAt), r.Correct, r.Total, r.Accuracy); err != nil {
		return fmt.Errorf("save session: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM outcomes WHERE session_id = ?`, r.ID); err != nil {
		return fmt.Errorf("clear outcomes: %w", err)
	}
	for i, o := range r.Outcomes {
		cands, err := json.Marshal(o.Candidates)
		if err != nil {
			return fmt.Errorf("encode candidates: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
INSERT INTO outcomes (session_id, seq, chord_index, expected, detected, candidates, is_match, attempt, at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			r.ID, i, o.Index, o.Expected, nullString(o.Detected), string(cands),
			o.IsMatch, o.Attempt, unixFromTime(o.At)); err != nil {
			return fmt.Errorf("save outcome %d: %w", i, err)
		}
	}
	return tx.Commit()
}

// Recent returns up to limit sessions, newest first, without outcomes.
func (s *Store) Recent(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, lesson, status, error, started_at, ended_at, correct, total, accuracy
		FROM sessions
		ORDER BY started_at DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Session returns one session with its outcomes, or nil if it is unknown.
func (s *Store) Session(ctx context.Context, id string) (*Record, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, lesson, status, error, started_at, ended_at, correct, total, accuracy
		FROM sessions
		WHERE id = ?
	`, id)
	r, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT chord_index, expected, detected, candidates, is_match, attempt, at
		FROM outcomes
		WHERE session_id = ?
		ORDER BY seq ASC
	`, id)
	if err != nil {
		return nil, fmt.Errorf("query outcomes: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			o        progress.Outcome
			detected sql.NullString
			cands    string
			at       float64
		)
		if err := rows.Scan(&o.Index, &o.Expected, &detected, &cands, &o.IsMatch, &o.Attempt, &at); err != nil {
			return nil, fmt.Errorf("scan outcome: %w", err)
		}
		if err := json.Unmarshal([]byte(cands), &o.Candidates); err != nil {
			return nil, fmt.Errorf("decode candidates: %w", err)
		}
		o.Detected = detected.String
		o.At = timeFromUnix(at)
		r.Outcomes = append(r.Outcomes, o)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return &r, nil
}

// ChordStats aggregates outcomes of every stored session per expected chord,
// weakest chords first.
func (s *Store) ChordStats(ctx context.Context) ([]progress.ChordSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT expected, COUNT(*), SUM(is_match)
		FROM outcomes
		GROUP BY expected
		ORDER BY CAST(SUM(is_match) AS REAL) / COUNT(*) ASC, expected ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query chord stats: %w", err)
	}
	defer rows.Close()

	var out []progress.ChordSummary
	for rows.Next() {
		var c progress.ChordSummary
		if err := rows.Scan(&c.Chord, &c.Attempts, &c.Correct); err != nil {
			return nil, fmt.Errorf("scan chord stats: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(sc scanner) (Record, error) {
	var (
		r                  Record
		errText            sql.NullString
		startedAt, endedAt float64
	)
	if err := sc.Scan(&r.ID, &r.Lesson, &r.Status, &errText, &startedAt, &endedAt,
		&r.Correct, &r.Total, &r.Accuracy); err != nil {
		if err == sql.ErrNoRows {
			return Record{}, err
		}
		return Record{}, fmt.Errorf("scan session: %w", err)
	}
	r.Error = errText.String
	r.StartedAt = timeFromUnix(startedAt)
	r.EndedAt = timeFromUnix(endedAt)
	return r, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func unixFromTime(t time.Time) float64 {
	return float64(t.Unix()) + float64(t.Nanosecond())/1e9
}

func timeFromUnix(ts float64) time.Time {
	sec := int64(ts)
	nsec := int64((ts - float64(sec)) * 1e9)
	return time.Unix(sec, nsec)
}
