package realtime

import (
	"sync"

	"contest-arena/server/observability"
)

// Registry holds live sessions keyed by id, with a per-user index for
// targeted delivery. A user may hold several sessions at once.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	byUser   map[string]map[string]*Session
}

func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
		byUser:   make(map[string]map[string]*Session),
	}
}

func (r *Registry) Add(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[s.ID] = s
	if s.UserID != "" {
		set := r.byUser[s.UserID]
		if set == nil {
			set = make(map[string]*Session)
			r.byUser[s.UserID] = set
		}
		set[s.ID] = s
	}
	observability.OpenSessions.WithLabelValues(s.Channel).Inc()
}

func (r *Registry) Remove(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[s.ID]; !ok {
		return
	}
	delete(r.sessions, s.ID)
	if s.UserID != "" {
		if set := r.byUser[s.UserID]; set != nil {
			delete(set, s.ID)
			if len(set) == 0 {
				delete(r.byUser, s.UserID)
			}
		}
	}
	observability.OpenSessions.WithLabelValues(s.Channel).Dec()
}

// UserSessions returns the user's live sessions.
func (r *Registry) UserSessions(userID string) []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set := r.byUser[userID]
	out := make([]*Session, 0, len(set))
	for _, s := range set {
		out = append(out, s)
	}
	return out
}

// CloseAll shuts every session down, for server shutdown.
func (r *Registry) CloseAll() {
	r.mu.RLock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.RUnlock()
	for _, s := range sessions {
		s.Close("", "client")
	}
}
