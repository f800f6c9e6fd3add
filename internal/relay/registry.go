package relay

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// Session is a registry entry. Entries are immutable; updates replace them.
type Session struct {
	ID          string
	Conn        *Conn
	ConnectedAt time.Time
	LastSeenAt  time.Time
}

// Registry maps session ids to their single live connection.
type Registry struct {
	mu     sync.RWMutex
	active map[string]*Session
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		active: make(map[string]*Session),
	}
}

// Get returns the live session for id.
func (r *Registry) Get(id string) (Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.active[id]
	if !ok {
		return Session{}, false
	}
	return *s, true
}

// Register installs conn as the live handle for id. A different handle
// already registered under id is closed first and returned.
func (r *Registry) Register(id string, conn *Conn, now time.Time) *Conn {
	r.mu.Lock()
	defer r.mu.Unlock()

	var replaced *Conn
	if existing, ok := r.active[id]; ok && existing.Conn != conn {
		existing.Conn.Close(websocket.StatusPolicyViolation, "session replaced")
		replaced = existing.Conn
	}

	r.active[id] = &Session{ID: id, Conn: conn, ConnectedAt: now, LastSeenAt: now}
	slog.Info("Relay session registered", "session_id", id, "conn_id", conn.ID(), "replaced", replaced != nil)
	return replaced
}

// Unregister removes id only while conn is still its live handle, so a
// superseded connection closing late never evicts its successor.
func (r *Registry) Unregister(id string, conn *Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.active[id]
	if !ok || current.Conn != conn {
		return false
	}
	delete(r.active, id)
	slog.Info("Relay session unregistered", "session_id", id, "conn_id", conn.ID())
	return true
}

// Touch records activity on id if conn is still its live handle.
func (r *Registry) Touch(id string, conn *Conn, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.active[id]
	if !ok || current.Conn != conn {
		return
	}
	next := *current
	next.LastSeenAt = at
	r.active[id] = &next
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.active)
}

// Snapshot returns a copy of all live sessions ordered by id.
func (r *Registry) Snapshot() []Session {
	r.mu.RLock()
	out := make([]Session, 0, len(r.active))
	for _, s := range r.active {
		out = append(out, *s)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// IdleSince returns sessions whose last activity is before cutoff.
func (r *Registry) IdleSince(cutoff time.Time) []Session {
	var idle []Session
	for _, s := range r.Snapshot() {
		if s.LastSeenAt.Before(cutoff) {
			idle = append(idle, s)
		}
	}
	return idle
}

// CloseAll closes every live connection. Entries are removed by the
// disconnect path as each read loop exits.
func (r *Registry) CloseAll(reason string) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, s := range r.active {
		s.Conn.Close(websocket.StatusGoingAway, reason)
	}
}
