package realtime

import (
	"fmt"
	"sync"
)

func roomParticipants(contestID string) string { return "contest:" + contestID + ":participants" }
func roomAdmin(contestID string) string        { return "contest:" + contestID + ":admin" }
func roomPublicLeaderboard(contestID string) string {
	return fmt.Sprintf("public:leaderboard:%s", contestID)
}

const roomPublicContests = "public:contests"

// Rooms tracks which sessions receive which broadcast streams. Membership
// is copied under the lock before iteration so joins and leaves during a
// broadcast are safe.
type Rooms struct {
	mu      sync.RWMutex
	members map[string]map[*Session]struct{}
}

func NewRooms() *Rooms {
	return &Rooms{members: make(map[string]map[*Session]struct{})}
}

func (r *Rooms) Join(room string, s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set := r.members[room]
	if set == nil {
		set = make(map[*Session]struct{})
		r.members[room] = set
	}
	set[s] = struct{}{}
}

func (r *Rooms) Leave(room string, s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if set := r.members[room]; set != nil {
		delete(set, s)
		if len(set) == 0 {
			delete(r.members, room)
		}
	}
}

// LeaveAll removes the session from every room, on disconnect.
func (r *Rooms) LeaveAll(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for room, set := range r.members {
		delete(set, s)
		if len(set) == 0 {
			delete(r.members, room)
		}
	}
}

// Broadcast queues the frame on every member of the room.
func (r *Rooms) Broadcast(room string, msg Outbound, critical bool) {
	for _, s := range r.snapshot(room) {
		s.Send(msg, critical)
	}
}

// BroadcastUser queues the frame only on the named user's sessions in the
// room (multi-tab delivers per session).
func (r *Rooms) BroadcastUser(room, userID string, msg Outbound, critical bool) {
	for _, s := range r.snapshot(room) {
		if s.UserID == userID {
			s.Send(msg, critical)
		}
	}
}

func (r *Rooms) snapshot(room string) []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set := r.members[room]
	out := make([]*Session, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	return out
}
