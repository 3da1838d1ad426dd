package leaderboard

import (
	"context"
	"log"
	"sync"
	"time"

	"contest-arena/server/observability"
)

// Update is one coalesced leaderboard broadcast: the top-K slice plus the
// slots of users whose score changed since the last emit but who are not
// in the top K.
type Update struct {
	ContestID string    `json:"contest_id"`
	Top       []Entry   `json:"top"`
	Movers    []Entry   `json:"movers,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// EmitFunc delivers a coalesced update to the realtime layer.
type EmitFunc func(Update)

// Broadcaster coalesces leaderboard updates per contest: an update goes out
// every interval, or after burst accepted submissions, whichever fires
// first. Idle contests emit nothing.
type Broadcaster struct {
	engine   Engine
	emit     EmitFunc
	interval time.Duration
	burst    int
	topK     int

	mu       sync.Mutex
	contests map[string]*pending
}

type pending struct {
	accepted int
	dirty    map[string]struct{}
	timer    *time.Timer
}

func NewBroadcaster(engine Engine, emit EmitFunc) *Broadcaster {
	return &Broadcaster{
		engine:   engine,
		emit:     emit,
		interval: 1500 * time.Millisecond,
		burst:    25,
		topK:     10,
		contests: make(map[string]*pending),
	}
}

// MarkAccepted records one accepted submission for coalescing.
func (b *Broadcaster) MarkAccepted(contestID, userID string) {
	b.mu.Lock()
	p := b.contests[contestID]
	if p == nil {
		p = &pending{dirty: make(map[string]struct{})}
		b.contests[contestID] = p
	}
	p.accepted++
	p.dirty[userID] = struct{}{}

	fireNow := p.accepted >= b.burst
	if fireNow {
		if p.timer != nil {
			p.timer.Stop()
		}
	} else if p.timer == nil {
		p.timer = time.AfterFunc(b.interval, func() { b.Flush(contestID) })
	}
	b.mu.Unlock()

	if fireNow {
		b.Flush(contestID)
	}
}

// Flush emits the pending update for a contest immediately. Safe to call
// with nothing pending.
func (b *Broadcaster) Flush(contestID string) {
	b.mu.Lock()
	p := b.contests[contestID]
	if p == nil || len(p.dirty) == 0 {
		b.mu.Unlock()
		return
	}
	dirty := p.dirty
	delete(b.contests, contestID)
	if p.timer != nil {
		p.timer.Stop()
	}
	b.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	top, err := b.engine.TopK(ctx, contestID, b.topK)
	if err != nil {
		log.Printf("leaderboard: topK for contest %s failed: %v", contestID, err)
		return
	}
	inTop := make(map[string]struct{}, len(top))
	for _, e := range top {
		inTop[e.UserID] = struct{}{}
	}

	update := Update{ContestID: contestID, Top: top, Timestamp: time.Now()}
	for userID := range dirty {
		if _, ok := inTop[userID]; ok {
			continue
		}
		entry, err := b.engine.EntryOf(ctx, contestID, userID)
		if err != nil || entry == nil {
			continue
		}
		update.Movers = append(update.Movers, *entry)
	}

	observability.LeaderboardBroadcasts.Inc()
	b.emit(update)
}

// Drop discards pending state for a contest without emitting.
func (b *Broadcaster) Drop(contestID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if p := b.contests[contestID]; p != nil && p.timer != nil {
		p.timer.Stop()
	}
	delete(b.contests, contestID)
}
