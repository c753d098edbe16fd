package audit

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"

	_ "github.com/mattn/go-sqlite3"

	. "github.com/chatbuddy-io/chatbuddy/internal/logging"
)

// LogBackend emits audit events to the application log.
type LogBackend struct{}

func (LogBackend) Write(ev Event) error {
	L_info("audit: "+ev.Kind,
		"severity", string(ev.Severity),
		"subsystem", ev.Subsystem,
		"userID", ev.UserID,
		"sessionID", ev.SessionID,
		"message", ev.Message)
	return nil
}

func (LogBackend) Close() error { return nil }

// MemoryBackend collects events in memory (used in tests).
type MemoryBackend struct {
	mu     sync.Mutex
	events []Event
}

func NewMemoryBackend() *MemoryBackend { return &MemoryBackend{} }

func (b *MemoryBackend) Write(ev Event) error {
	b.mu.Lock()
	b.events = append(b.events, ev)
	b.mu.Unlock()
	return nil
}

func (b *MemoryBackend) Close() error { return nil }

// Events returns a copy of everything written so far.
func (b *MemoryBackend) Events() []Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Event, len(b.events))
	copy(out, b.events)
	return out
}

const auditSchema = `
CREATE TABLE IF NOT EXISTS audit_events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	kind TEXT NOT NULL,
	severity TEXT NOT NULL,
	user_id TEXT,
	session_id TEXT,
	subsystem TEXT NOT NULL,
	message TEXT,
	payload TEXT,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_kind ON audit_events(kind);
CREATE INDEX IF NOT EXISTS idx_audit_created ON audit_events(created_at);
`

// SQLiteBackend appends audit events to a local database.
type SQLiteBackend struct {
	db *sql.DB
}

// NewSQLiteBackend opens (or creates) the audit database.
func NewSQLiteBackend(path string) (*SQLiteBackend, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open audit db: %w", err)
	}
	if _, err := db.Exec(auditSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to init audit schema: %w", err)
	}
	return &SQLiteBackend{db: db}, nil
}

func (b *SQLiteBackend) Write(ev Event) error {
	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		payload = []byte("{}")
	}
	_, err = b.db.Exec(
		`INSERT INTO audit_events (kind, severity, user_id, session_id, subsystem, message, payload, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.Kind, string(ev.Severity), ev.UserID, ev.SessionID, ev.Subsystem, ev.Message,
		string(payload), ev.Timestamp.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert audit event: %w", err)
	}
	return nil
}

func (b *SQLiteBackend) Close() error {
	return b.db.Close()
}
