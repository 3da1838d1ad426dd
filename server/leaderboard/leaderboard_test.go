package leaderboard

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestOrderingAndTieBreak(t *testing.T) {
	e := NewMemoryEngine()
	ctx := context.Background()
	base := time.Now()

	if err := e.AddOrIncr(ctx, "c1", "late", 100, base.Add(time.Second)); err != nil {
		t.Fatal(err)
	}
	if err := e.AddOrIncr(ctx, "c1", "early", 100, base); err != nil {
		t.Fatal(err)
	}
	if err := e.AddOrIncr(ctx, "c1", "trailing", 50, base); err != nil {
		t.Fatal(err)
	}

	top, err := e.TopK(ctx, "c1", 10)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"early", "late", "trailing"}
	if len(top) != len(want) {
		t.Fatalf("got %d entries, want %d", len(top), len(want))
	}
	for i, userID := range want {
		if top[i].UserID != userID {
			t.Errorf("rank %d = %s, want %s", i+1, top[i].UserID, userID)
		}
		if top[i].Rank != i+1 {
			t.Errorf("entry %s rank = %d, want %d", top[i].UserID, top[i].Rank, i+1)
		}
	}

	rank, err := e.RankOf(ctx, "c1", "late")
	if err != nil || rank != 2 {
		t.Fatalf("RankOf(late) = %d, %v; want 2", rank, err)
	}
}

func TestTieBreakerOnlyMovesForward(t *testing.T) {
	e := NewMemoryEngine()
	ctx := context.Background()
	base := time.Now()

	if err := e.AddOrIncr(ctx, "c1", "u1", 50, base.Add(time.Minute)); err != nil {
		t.Fatal(err)
	}
	// A registration write with an older timestamp must not rewind it.
	if err := e.AddOrIncr(ctx, "c1", "u1", 0, base); err != nil {
		t.Fatal(err)
	}

	entry, err := e.EntryOf(ctx, "c1", "u1")
	if err != nil || entry == nil {
		t.Fatalf("EntryOf: %v", err)
	}
	if !entry.TieBreaker.Equal(base.Add(time.Minute)) {
		t.Fatalf("tieBreaker rewound to %v", entry.TieBreaker)
	}
	if entry.QuestionsAnswered != 1 {
		t.Fatalf("answered = %d, want 1 (zero-delta writes do not count)", entry.QuestionsAnswered)
	}
}

func TestFreezeRejectsWrites(t *testing.T) {
	e := NewMemoryEngine()
	ctx := context.Background()

	if err := e.AddOrIncr(ctx, "c1", "u1", 100, time.Now()); err != nil {
		t.Fatal(err)
	}
	final, err := e.SnapshotAndFreeze(ctx, "c1")
	if err != nil {
		t.Fatal(err)
	}
	if len(final) != 1 || final[0].Rank != 1 || final[0].Score != 100 {
		t.Fatalf("snapshot = %+v", final)
	}

	if err := e.AddOrIncr(ctx, "c1", "u2", 10, time.Now()); !errors.Is(err, ErrFrozen) {
		t.Fatalf("post-freeze write: %v, want ErrFrozen", err)
	}
	top, err := e.TopK(ctx, "c1", 10)
	if err != nil || len(top) != 0 {
		t.Fatalf("post-freeze TopK = %+v, %v; want empty", top, err)
	}
}

func TestFreezeDoesNotLoseRacingWrites(t *testing.T) {
	e := NewMemoryEngine()
	ctx := context.Background()

	// Hammer single-point increments while the freeze lands mid-stream.
	// Every increment must either make the snapshot or be refused with
	// ErrFrozen; a write that is accepted and then missing is a lost score.
	const writers = 8
	const perWriter = 200
	var accepted int64
	var wg sync.WaitGroup
	start := make(chan struct{})
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			for i := 0; i < perWriter; i++ {
				err := e.AddOrIncr(ctx, "c1", "u1", 1, time.Now())
				if err == nil {
					atomic.AddInt64(&accepted, 1)
				} else if !errors.Is(err, ErrFrozen) {
					t.Errorf("AddOrIncr: %v", err)
					return
				}
			}
		}()
	}

	snapDone := make(chan []Entry, 1)
	wg.Add(1)
	go func() {
		defer wg.Done()
		<-start
		time.Sleep(time.Millisecond)
		final, err := e.SnapshotAndFreeze(ctx, "c1")
		if err != nil {
			t.Errorf("SnapshotAndFreeze: %v", err)
		}
		snapDone <- final
	}()

	close(start)
	wg.Wait()

	final := <-snapDone
	var got int
	if len(final) > 0 {
		got = final[0].Score
	}
	if int64(got) != atomic.LoadInt64(&accepted) {
		t.Fatalf("snapshot score = %d, accepted increments = %d", got, accepted)
	}
}

func TestCompositeScoreKeepsPointTotalsApart(t *testing.T) {
	far := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	if compositeScore(100, far) <= compositeScore(99, time.Time{}) {
		t.Fatal("a later tie-breaker must never outweigh a full point")
	}
	early := time.Now()
	if compositeScore(100, early) <= compositeScore(100, early.Add(time.Millisecond)) {
		t.Fatal("equal points must rank the earlier tie-breaker higher")
	}
}

func TestBroadcasterBurstFires(t *testing.T) {
	e := NewMemoryEngine()
	ctx := context.Background()
	updates := make(chan Update, 4)
	b := NewBroadcaster(e, func(u Update) { updates <- u })

	if err := e.AddOrIncr(ctx, "c1", "u1", 10, time.Now()); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < b.burst-1; i++ {
		b.MarkAccepted("c1", "u1")
	}
	select {
	case u := <-updates:
		t.Fatalf("emitted below burst threshold: %+v", u)
	default:
	}

	b.MarkAccepted("c1", "u1")
	select {
	case u := <-updates:
		if u.ContestID != "c1" || len(u.Top) != 1 || u.Top[0].UserID != "u1" {
			t.Fatalf("update = %+v", u)
		}
	case <-time.After(time.Second):
		t.Fatal("burst threshold did not trigger an emit")
	}

	// The burst emit consumed the pending state.
	b.Flush("c1")
	select {
	case u := <-updates:
		t.Fatalf("flush after burst re-emitted: %+v", u)
	default:
	}
}

func TestBroadcasterMovers(t *testing.T) {
	e := NewMemoryEngine()
	ctx := context.Background()
	updates := make(chan Update, 1)
	b := NewBroadcaster(e, func(u Update) { updates <- u })

	for i := 0; i < 11; i++ {
		userID := fmt.Sprintf("u%02d", i)
		if err := e.AddOrIncr(ctx, "c1", userID, 100-i, time.Now()); err != nil {
			t.Fatal(err)
		}
	}

	b.MarkAccepted("c1", "u10")
	b.Flush("c1")

	select {
	case u := <-updates:
		if len(u.Top) != 10 {
			t.Fatalf("top = %d entries, want 10", len(u.Top))
		}
		if len(u.Movers) != 1 || u.Movers[0].UserID != "u10" {
			t.Fatalf("movers = %+v, want the off-board user", u.Movers)
		}
		if u.Movers[0].Rank != 11 {
			t.Fatalf("mover rank = %d, want 11", u.Movers[0].Rank)
		}
	case <-time.After(time.Second):
		t.Fatal("flush did not emit")
	}
}

func TestBroadcasterDropDiscards(t *testing.T) {
	e := NewMemoryEngine()
	ctx := context.Background()
	updates := make(chan Update, 1)
	b := NewBroadcaster(e, func(u Update) { updates <- u })

	if err := e.AddOrIncr(ctx, "c1", "u1", 10, time.Now()); err != nil {
		t.Fatal(err)
	}
	b.MarkAccepted("c1", "u1")
	b.Drop("c1")
	b.Flush("c1")

	select {
	case u := <-updates:
		t.Fatalf("dropped contest emitted: %+v", u)
	case <-time.After(50 * time.Millisecond):
	}
}
