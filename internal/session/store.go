package session

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/chatbuddy-io/chatbuddy/internal/cache"
	. "github.com/chatbuddy-io/chatbuddy/internal/logging"
)

// userIndexKey is the logical key of the per-user active session index.
func userIndexKey(userID string) string {
	return "user_sessions:" + userID
}

// Store manages sessions in the session cache namespace. Each user also has
// a user_sessions:{user_id} index holding the exact set of their active
// session ids.
type Store struct {
	cache cache.Store
	ttl   time.Duration
}

// NewStore creates a session store with the namespace default TTL.
func NewStore(c cache.Store) *Store {
	return &Store{cache: c, ttl: cache.DefaultTTL(cache.NSSession)}
}

// CreateSession generates a fresh session and appends it to the user index.
func (s *Store) CreateSession(ctx context.Context, userID, deviceInfo, ip, userAgent string) (string, error) {
	now := time.Now().UTC()
	sess := &Session{
		SessionID:    uuid.NewString(),
		UserID:       userID,
		DeviceInfo:   deviceInfo,
		IP:           ip,
		UserAgent:    userAgent,
		StartedAt:    now,
		LastActivity: now,
		ExpiresAt:    now.Add(s.ttl),
		Context:      map[string]any{},
	}

	if err := s.cache.Set(ctx, sess.SessionID, sess, cache.NSSession, s.ttl); err != nil {
		return "", fmt.Errorf("failed to store session: %w", err)
	}

	if err := s.appendToIndex(ctx, userID, sess.SessionID); err != nil {
		return "", err
	}

	L_debug("session: created", "sessionID", sess.SessionID, "userID", userID)
	return sess.SessionID, nil
}

// GetSession returns the session and bumps its activity. A missing or
// expired session returns (nil, nil).
func (s *Store) GetSession(ctx context.Context, sessionID string) (*Session, error) {
	var sess Session
	ok, err := s.cache.GetJSON(ctx, sessionID, cache.NSSession, &sess)
	if err != nil {
		return nil, fmt.Errorf("failed to read session: %w", err)
	}
	if !ok {
		return nil, nil
	}

	now := time.Now().UTC()
	if !sess.Active(now) {
		return nil, nil
	}

	sess.touch(now, s.ttl)
	if err := s.cache.Set(ctx, sessionID, &sess, cache.NSSession, s.ttl); err != nil {
		// Activity bump is best-effort; the caller still gets the session.
		L_warn("session: failed to persist activity bump", "sessionID", sessionID, "error", err)
	}
	return &sess, nil
}

// UpdateSession overwrites the stored session, preserving the activity
// invariant.
func (s *Store) UpdateSession(ctx context.Context, sess *Session) error {
	if sess == nil || sess.SessionID == "" {
		return fmt.Errorf("session id is required")
	}
	sess.touch(time.Now().UTC(), s.ttl)
	if err := s.cache.Set(ctx, sess.SessionID, sess, cache.NSSession, s.ttl); err != nil {
		return fmt.Errorf("failed to update session: %w", err)
	}
	return nil
}

// DeleteSession removes the session and its index entry. The index entry is
// removed even if the session record is already gone.
func (s *Store) DeleteSession(ctx context.Context, sessionID string) error {
	var sess Session
	ok, err := s.cache.GetJSON(ctx, sessionID, cache.NSSession, &sess)
	if err != nil {
		return fmt.Errorf("failed to read session for delete: %w", err)
	}

	if derr := s.cache.Delete(ctx, sessionID, cache.NSSession); derr != nil {
		return fmt.Errorf("failed to delete session: %w", derr)
	}

	if ok {
		return s.removeFromIndex(ctx, sess.UserID, sessionID)
	}

	// Record gone but the id may still linger in some index; nothing more
	// we can do without the user id.
	return nil
}

// DeleteUserSession removes a session when the caller knows the user,
// guaranteeing index cleanup even for already-expired records.
func (s *Store) DeleteUserSession(ctx context.Context, userID, sessionID string) error {
	if err := s.cache.Delete(ctx, sessionID, cache.NSSession); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return s.removeFromIndex(ctx, userID, sessionID)
}

// GetUserSessions returns the user's active sessions, pruning dead ids from
// the index along the way.
func (s *Store) GetUserSessions(ctx context.Context, userID string) ([]*Session, error) {
	ids, err := s.readIndex(ctx, userID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	var live []*Session
	var liveIDs []string
	for _, id := range ids {
		var sess Session
		ok, err := s.cache.GetJSON(ctx, id, cache.NSSession, &sess)
		if err != nil {
			return nil, fmt.Errorf("failed to read session %s: %w", id, err)
		}
		if !ok || !sess.Active(now) {
			continue
		}
		live = append(live, &sess)
		liveIDs = append(liveIDs, id)
	}

	if len(liveIDs) != len(ids) {
		if err := s.writeIndex(ctx, userID, liveIDs); err != nil {
			L_warn("session: failed to prune user index", "userID", userID, "error", err)
		}
	}
	return live, nil
}

func (s *Store) readIndex(ctx context.Context, userID string) ([]string, error) {
	var ids []string
	ok, err := s.cache.GetJSON(ctx, userIndexKey(userID), cache.NSSession, &ids)
	if err != nil {
		return nil, fmt.Errorf("failed to read user index: %w", err)
	}
	if !ok {
		return nil, nil
	}
	return ids, nil
}

func (s *Store) writeIndex(ctx context.Context, userID string, ids []string) error {
	if err := s.cache.Set(ctx, userIndexKey(userID), ids, cache.NSSession, s.ttl); err != nil {
		return fmt.Errorf("failed to write user index: %w", err)
	}
	return nil
}

func (s *Store) appendToIndex(ctx context.Context, userID, sessionID string) error {
	ids, err := s.readIndex(ctx, userID)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if id == sessionID {
			return nil
		}
	}
	return s.writeIndex(ctx, userID, append(ids, sessionID))
}

func (s *Store) removeFromIndex(ctx context.Context, userID, sessionID string) error {
	ids, err := s.readIndex(ctx, userID)
	if err != nil {
		return err
	}
	kept := ids[:0]
	for _, id := range ids {
		if id != sessionID {
			kept = append(kept, id)
		}
	}
	return s.writeIndex(ctx, userID, kept)
}
