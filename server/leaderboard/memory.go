package leaderboard

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryEngine implements Engine in process memory. It backs unit tests and
// single-node development; production uses RedisEngine.
type MemoryEngine struct {
	mu       sync.RWMutex
	contests map[string]map[string]*Entry
	frozen   map[string]bool
}

func NewMemoryEngine() *MemoryEngine {
	return &MemoryEngine{
		contests: make(map[string]map[string]*Entry),
		frozen:   make(map[string]bool),
	}
}

func (e *MemoryEngine) AddOrIncr(ctx context.Context, contestID, userID string, delta int, tieBreaker time.Time) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.frozen[contestID] {
		return ErrFrozen
	}
	users := e.contests[contestID]
	if users == nil {
		users = make(map[string]*Entry)
		e.contests[contestID] = users
	}
	entry := users[userID]
	if entry == nil {
		entry = &Entry{UserID: userID}
		users[userID] = entry
	}
	entry.Score += delta
	if tieBreaker.After(entry.TieBreaker) {
		entry.TieBreaker = tieBreaker
	}
	if delta > 0 {
		entry.QuestionsAnswered++
	}
	return nil
}

func (e *MemoryEngine) TopK(ctx context.Context, contestID string, k int) ([]Entry, error) {
	ordered := e.ordered(contestID)
	if len(ordered) > k {
		ordered = ordered[:k]
	}
	return ordered, nil
}

func (e *MemoryEngine) RankOf(ctx context.Context, contestID, userID string) (int, error) {
	for _, entry := range e.ordered(contestID) {
		if entry.UserID == userID {
			return entry.Rank, nil
		}
	}
	return 0, nil
}

func (e *MemoryEngine) ScoreOf(ctx context.Context, contestID, userID string) (int, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if entry, ok := e.contests[contestID][userID]; ok {
		return entry.Score, nil
	}
	return 0, nil
}

func (e *MemoryEngine) EntryOf(ctx context.Context, contestID, userID string) (*Entry, error) {
	for _, entry := range e.ordered(contestID) {
		if entry.UserID == userID {
			cp := entry
			return &cp, nil
		}
	}
	return nil, nil
}

func (e *MemoryEngine) SnapshotAndFreeze(ctx context.Context, contestID string) ([]Entry, error) {
	// Freeze and copy under one lock: a write that lands after the copy
	// but before the frozen mark would vanish from the final standings.
	e.mu.Lock()
	users := e.contests[contestID]
	out := make([]Entry, 0, len(users))
	for _, entry := range users {
		out = append(out, *entry)
	}
	e.frozen[contestID] = true
	delete(e.contests, contestID)
	e.mu.Unlock()

	rankEntries(out)
	return out, nil
}

// ordered returns ranked entries sorted score DESC, tieBreaker ASC.
func (e *MemoryEngine) ordered(contestID string) []Entry {
	e.mu.RLock()
	users := e.contests[contestID]
	out := make([]Entry, 0, len(users))
	for _, entry := range users {
		out = append(out, *entry)
	}
	e.mu.RUnlock()

	rankEntries(out)
	return out
}

func rankEntries(out []Entry) {
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		if !out[i].TieBreaker.Equal(out[j].TieBreaker) {
			return out[i].TieBreaker.Before(out[j].TieBreaker)
		}
		return out[i].UserID < out[j].UserID
	})
	for i := range out {
		out[i].Rank = i + 1
	}
}
