// Package audit provides the structured event sink used across the core.
// Writes are buffered; callers are never blocked beyond the buffer, and
// overflow drops events with a counter bump.
package audit

import (
	"sync"
	"sync/atomic"
	"time"

	. "github.com/chatbuddy-io/chatbuddy/internal/logging"
)

// Severity of an audit event.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Event is one audit record.
type Event struct {
	Kind      string         `json:"kind"`
	Severity  Severity       `json:"severity"`
	UserID    string         `json:"user_id,omitempty"`
	SessionID string         `json:"session_id,omitempty"`
	Subsystem string         `json:"subsystem"`
	Message   string         `json:"message,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Backend persists audit events. Implementations: LogBackend, SQLiteBackend.
type Backend interface {
	Write(ev Event) error
	Close() error
}

// Logger is the audit event sink.
type Logger struct {
	backend Backend
	ch      chan Event
	dropped int64

	// mu guards closed so late writers (in-flight turns outliving the
	// shutdown grace) are dropped instead of hitting a closed channel.
	mu     sync.RWMutex
	closed bool

	stopOnce sync.Once
	doneCh   chan struct{}
}

// DefaultBufferSize bounds the in-flight event queue.
const DefaultBufferSize = 1024

// New starts a logger with a single writer goroutine.
func New(backend Backend, bufferSize int) *Logger {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	l := &Logger{
		backend: backend,
		ch:      make(chan Event, bufferSize),
		doneCh:  make(chan struct{}),
	}
	go l.writeLoop()
	return l
}

// LogEvent records a structured event. Never blocks; on a full buffer the
// event is dropped and counted.
func (l *Logger) LogEvent(kind string, severity Severity, userID, sessionID, subsystem string, payload map[string]any) {
	l.enqueue(Event{
		Kind:      kind,
		Severity:  severity,
		UserID:    userID,
		SessionID: sessionID,
		Subsystem: subsystem,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	})
}

// LogError records an error-severity event with a message.
func (l *Logger) LogError(kind, message, userID, sessionID, subsystem string, payload map[string]any) {
	l.enqueue(Event{
		Kind:      kind,
		Severity:  SeverityError,
		UserID:    userID,
		SessionID: sessionID,
		Subsystem: subsystem,
		Message:   message,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	})
}

func (l *Logger) enqueue(ev Event) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		atomic.AddInt64(&l.dropped, 1)
		return
	}
	select {
	case l.ch <- ev:
	default:
		atomic.AddInt64(&l.dropped, 1)
	}
}

// Dropped returns the number of events lost to buffer overflow.
func (l *Logger) Dropped() int64 {
	return atomic.LoadInt64(&l.dropped)
}

func (l *Logger) writeLoop() {
	defer close(l.doneCh)
	for ev := range l.ch {
		if err := l.backend.Write(ev); err != nil {
			L_warn("audit: backend write failed", "kind", ev.Kind, "error", err)
		}
	}
}

// Close flushes buffered events and closes the backend. Events logged after
// Close are dropped and counted.
func (l *Logger) Close() error {
	l.stopOnce.Do(func() {
		l.mu.Lock()
		l.closed = true
		l.mu.Unlock()
		close(l.ch)
	})
	<-l.doneCh
	return l.backend.Close()
}
