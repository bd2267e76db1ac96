// Package ingest implements the backend collector that receives agent logs.
package ingest

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/cisec/lockdown-agent/pkg/types"
)

// StoredRecord is a log record as persisted.
type StoredRecord struct {
	types.LogRecord
	TimestampISO time.Time `json:"timestamp_iso"`
}

// Store persists batches of log records.
type Store interface {
	// InsertMany stores a batch atomically.
	InsertMany(ctx context.Context, records []types.LogRecord) error
	// Query returns the records of a session, oldest first. An empty
	// session matches every record.
	Query(ctx context.Context, sessionID string, limit int) ([]StoredRecord, error)
	Close() error
}

func toStored(r types.LogRecord) StoredRecord {
	return StoredRecord{LogRecord: r, TimestampISO: time.Unix(r.Timestamp, 0).UTC()}
}

// MemoryStore keeps records in memory.
type MemoryStore struct {
	mu      sync.RWMutex
	records []StoredRecord
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (m *MemoryStore) InsertMany(ctx context.Context, records []types.LogRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range records {
		m.records = append(m.records, toStored(r))
	}
	return nil
}

func (m *MemoryStore) Query(ctx context.Context, sessionID string, limit int) ([]StoredRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []StoredRecord
	for _, r := range m.records {
		if sessionID != "" && r.SessionID != sessionID {
			continue
		}
		out = append(out, r)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *MemoryStore) Close() error { return nil }

// SQLiteStore persists records in a SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens or creates the database at dbPath.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o750); err != nil {
			return nil, fmt.Errorf("create store dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open store db: %w", err)
	}
	// A single connection keeps ":memory:" databases shared.
	db.SetMaxOpenConns(1)

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS exam_logs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			student_id TEXT NOT NULL,
			session_id TEXT NOT NULL,
			level TEXT NOT NULL,
			message TEXT NOT NULL,
			timestamp_iso DATETIME NOT NULL,
			original_ts INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_exam_logs_session ON exam_logs(session_id, original_ts);
		CREATE INDEX IF NOT EXISTS idx_exam_logs_student ON exam_logs(student_id);
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create exam_logs table: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) InsertMany(ctx context.Context, records []types.LogRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO exam_logs (student_id, session_id, level, message, timestamp_iso, original_ts)
		VALUES (?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, r := range records {
		st := toStored(r)
		if _, err := stmt.ExecContext(ctx, r.StudentID, r.SessionID, r.Level, r.Message,
			st.TimestampISO.Format(time.RFC3339), r.Timestamp); err != nil {
			return fmt.Errorf("insert log: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Query(ctx context.Context, sessionID string, limit int) ([]StoredRecord, error) {
	query := `SELECT student_id, session_id, level, message, original_ts FROM exam_logs`
	var args []any
	if sessionID != "" {
		query += ` WHERE session_id = ?`
		args = append(args, sessionID)
	}
	query += ` ORDER BY original_ts, id`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query logs: %w", err)
	}
	defer rows.Close()

	var out []StoredRecord
	for rows.Next() {
		var r types.LogRecord
		if err := rows.Scan(&r.StudentID, &r.SessionID, &r.Level, &r.Message, &r.Timestamp); err != nil {
			return nil, fmt.Errorf("scan log: %w", err)
		}
		out = append(out, toStored(r))
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
