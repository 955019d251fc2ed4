package registry

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/tomnoakes9/iRacing-Telemetry/internal/model"
)

var (
	ErrInvalidSessionID = errors.New("invalid session id")
	ErrRoleMismatch     = errors.New("role does not match existing session")
)

const maxSessionIDLen = 128

// UpsertResult describes what Upsert did
type UpsertResult struct {
	Session  *model.Session
	Created  bool       // No session existed for the ID
	Resumed  bool       // The session was waiting out its grace period
	Replaced model.Conn // Previous connection, if a different one was attached
}

// SessionRegistry maps session IDs to sessions. A session ID never has two records.
type SessionRegistry struct {
	mu       sync.RWMutex
	sessions map[string]*model.Session
}

// NewSessionRegistry creates an empty registry
func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{
		sessions: make(map[string]*model.Session),
	}
}

// Upsert creates a session or attaches conn to the existing one, keeping its
// role, code and pairing.
func (r *SessionRegistry) Upsert(id string, role model.Role, conn model.Conn, now time.Time) (UpsertResult, error) {
	id = strings.TrimSpace(id)
	if id == "" || len(id) > maxSessionIDLen {
		return UpsertResult{}, ErrInvalidSessionID
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	sess, ok := r.sessions[id]
	if !ok {
		sess = &model.Session{
			ID:          id,
			Role:        role,
			Conn:        conn,
			ConnectedAt: now,
		}
		r.sessions[id] = sess
		return UpsertResult{Session: sess, Created: true}, nil
	}

	if sess.Role != role {
		return UpsertResult{}, fmt.Errorf("%w: session %s is a %s", ErrRoleMismatch, id, sess.Role)
	}

	res := UpsertResult{Session: sess, Resumed: sess.DisconnectedAt != nil}
	if sess.Conn != nil && sess.Conn != conn {
		res.Replaced = sess.Conn
	}
	sess.Conn = conn
	sess.ConnectedAt = now
	sess.DisconnectedAt = nil
	return res, nil
}

// Get returns the session for id
func (r *SessionRegistry) Get(id string) (*model.Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sess, ok := r.sessions[id]
	return sess, ok
}

// Remove deletes the session for id
func (r *SessionRegistry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, id)
}

// List returns all sessions ordered by ID
func (r *SessionRegistry) List() []*model.Session {
	r.mu.RLock()
	out := make([]*model.Session, 0, len(r.sessions))
	for _, sess := range r.sessions {
		out = append(out, sess)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Count returns the number of sessions
func (r *SessionRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
