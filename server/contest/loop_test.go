package contest

import (
	"context"
	"sync"
	"testing"
	"time"

	"contest-arena/server/leaderboard"
	"contest-arena/server/store"
)

func seedContest(t *testing.T, st store.Store, start, end time.Time, limits ...int) *store.Contest {
	t.Helper()
	ctx := context.Background()

	c := &store.Contest{
		ID:      "c1",
		Title:   "weekly sprint",
		StartAt: start,
		EndAt:   end,
		Status:  store.ContestDraft,
	}
	for i, limit := range limits {
		q := &store.Question{
			ID:    "q" + string(rune('1'+i)),
			Kind:  store.KindMCQ,
			Title: "question",
			Options: []store.Option{
				{ID: "a", Text: "yes", IsCorrect: true},
				{ID: "b", Text: "no"},
			},
		}
		if err := st.CreateQuestion(ctx, q); err != nil {
			t.Fatalf("CreateQuestion: %v", err)
		}
		c.Questions = append(c.Questions, store.ContestQuestion{
			ContestID:        c.ID,
			QuestionID:       q.ID,
			OrderIndex:       i,
			Points:           100,
			TimeLimitSeconds: limit,
		})
	}
	if err := st.CreateContest(ctx, c); err != nil {
		t.Fatalf("CreateContest: %v", err)
	}
	return c
}

type harness struct {
	st     *store.MemoryStore
	engine *leaderboard.MemoryEngine
	clock  *fakeClock
	orch   *Orchestrator
	events chan Event

	mu     sync.Mutex
	frozen [][]store.SnapshotRow
}

func newHarness(t *testing.T, start, end time.Time, limits ...int) *harness {
	t.Helper()
	h := &harness{
		st:     store.NewMemoryStore(),
		engine: leaderboard.NewMemoryEngine(),
		clock:  newFakeClock(start.Add(-time.Minute)),
		events: make(chan Event, 256),
	}
	seedContest(t, h.st, start, end, limits...)
	h.orch = NewOrchestrator(h.st, h.engine, h.clock, func(_ string, rows []store.SnapshotRow) {
		h.mu.Lock()
		h.frozen = append(h.frozen, rows)
		h.mu.Unlock()
	})
	if err := h.orch.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(h.orch.Shutdown)
	return h
}

// waitEvent blocks until an event of the given type addressed to userID
// (empty for aggregate) arrives, discarding others.
func (h *harness) waitEvent(t *testing.T, typ EventType, userID string) Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-h.events:
			if ev.Type == typ && ev.UserID == userID {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s (user %q)", typ, userID)
		}
	}
}

func TestPublishActivatesAtStart(t *testing.T) {
	start := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	h := newHarness(t, start, start.Add(time.Hour), 60, 60)
	ctx := context.Background()

	if err := h.orch.Publish(ctx, "c1"); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	view, err := h.orch.Join(ctx, "c1", "alice")
	if err != nil {
		t.Fatalf("Join: %v", err)
	}
	if view.Status != store.ContestUpcoming || view.CountdownToStartMs <= 0 {
		t.Fatalf("pre-start view = %+v", view)
	}
	if _, err := h.orch.Subscribe("c1", h.events); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	h.clock.Advance(2 * time.Minute)

	h.waitEvent(t, EventContestStart, "alice")
	qb := h.waitEvent(t, EventQuestionBroadcast, "alice")
	payload := qb.Data.(*QuestionPayload)
	if payload.QuestionID != "q1" || payload.Index != 0 || payload.Total != 2 {
		t.Fatalf("first broadcast = %+v", payload)
	}
	for _, o := range payload.Options {
		if o.ID == "a" && o.Text != "yes" {
			t.Fatalf("option body mangled: %+v", o)
		}
	}

	c, _ := h.st.GetContest(ctx, "c1")
	if c.Status != store.ContestActive {
		t.Fatalf("status = %s, want ACTIVE", c.Status)
	}
}

func TestDeadlineExpiryAdvancesCursor(t *testing.T) {
	start := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	h := newHarness(t, start, start.Add(time.Hour), 30, 60)
	ctx := context.Background()

	if err := h.orch.Publish(ctx, "c1"); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if _, err := h.orch.Join(ctx, "c1", "alice"); err != nil {
		t.Fatalf("Join: %v", err)
	}
	if _, err := h.orch.Subscribe("c1", h.events); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	h.clock.Advance(time.Minute) // activate

	h.clock.Advance(31 * time.Second) // blow q1's 30s limit

	exp := h.waitEvent(t, EventTimeExpired, "alice")
	if exp.Data.(*ResultPayload).Verdict != store.VerdictTimeExpired {
		t.Fatalf("expiry payload = %+v", exp.Data)
	}
	qb := h.waitEvent(t, EventQuestionBroadcast, "alice")
	if qb.Data.(*QuestionPayload).QuestionID != "q2" {
		t.Fatalf("expected advance to q2, got %+v", qb.Data)
	}

	sub, err := h.st.GetSubmission(ctx, "alice", "c1", "q1")
	if err != nil || sub == nil {
		t.Fatalf("placeholder row missing: %v", err)
	}
	if sub.Verdict != store.VerdictTimeExpired {
		t.Fatalf("placeholder verdict = %s", sub.Verdict)
	}
	p, _ := h.st.GetParticipant(ctx, "c1", "alice")
	if p.Cursor != 1 {
		t.Fatalf("cursor = %d, want 1", p.Cursor)
	}
}

func TestGateAdmission(t *testing.T) {
	start := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	h := newHarness(t, start, start.Add(time.Hour), 30, 60)
	ctx := context.Background()

	if err := h.orch.Publish(ctx, "c1"); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if _, err := h.orch.Join(ctx, "c1", "alice"); err != nil {
		t.Fatalf("Join: %v", err)
	}
	h.clock.Advance(time.Minute)

	if _, err := h.orch.OpenGate(ctx, "c1", "bob", "q1"); err != ErrNotParticipant {
		t.Fatalf("stranger gate err = %v", err)
	}
	if _, err := h.orch.OpenGate(ctx, "c1", "alice", "q2"); err != ErrNotCurrentQuestion {
		t.Fatalf("future question err = %v", err)
	}
	if _, err := h.orch.OpenGate(ctx, "c1", "alice", "zzz"); err != ErrInvalidQuestion {
		t.Fatalf("unknown question err = %v", err)
	}

	gate, err := h.orch.OpenGate(ctx, "c1", "alice", "q1")
	if err != nil {
		t.Fatalf("gate: %v", err)
	}
	if gate.Question.ID != "q1" || gate.Index != 0 || gate.Bound.Points != 100 {
		t.Fatalf("gate = %+v", gate)
	}

	// A second submit while the first is in flight is a duplicate.
	if _, err := h.orch.OpenGate(ctx, "c1", "alice", "q1"); err != ErrAlreadySubmitted {
		t.Fatalf("in-flight duplicate err = %v", err)
	}

	h.orch.ReleaseGate("c1", "alice")
	if _, err := h.orch.OpenGate(ctx, "c1", "alice", "q1"); err != nil {
		t.Fatalf("gate after release: %v", err)
	}
	h.orch.ReleaseGate("c1", "alice")

	h.clock.Advance(31 * time.Second) // past q1's deadline; cursor moves to q2
	if _, err := h.orch.OpenGate(ctx, "c1", "alice", "q1"); err != ErrNotCurrentQuestion {
		t.Fatalf("expired question err = %v", err)
	}
}

func TestInFlightDefersExpiry(t *testing.T) {
	start := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	h := newHarness(t, start, start.Add(time.Hour), 30, 60)
	ctx := context.Background()

	if err := h.orch.Publish(ctx, "c1"); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if _, err := h.orch.Join(ctx, "c1", "alice"); err != nil {
		t.Fatalf("Join: %v", err)
	}
	h.clock.Advance(time.Minute)

	if _, err := h.orch.OpenGate(ctx, "c1", "alice", "q1"); err != nil {
		t.Fatalf("gate: %v", err)
	}

	// Deadline passes while judging is in flight: no placeholder is written.
	h.clock.Advance(31 * time.Second)
	if sub, _ := h.st.GetSubmission(ctx, "alice", "c1", "q1"); sub != nil {
		t.Fatalf("expiry fired despite in-flight gate: %+v", sub)
	}

	// Abandoning the gate lets the deferred expiry settle the question.
	h.orch.ReleaseGate("c1", "alice")
	time.Sleep(50 * time.Millisecond)
	sub, _ := h.st.GetSubmission(ctx, "alice", "c1", "q1")
	if sub == nil || sub.Verdict != store.VerdictTimeExpired {
		t.Fatalf("deferred expiry not applied: %+v", sub)
	}
}

func TestOutcomeAdvancesAndFinalizes(t *testing.T) {
	start := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	h := newHarness(t, start, start.Add(time.Hour), 30)
	ctx := context.Background()

	if err := h.orch.Publish(ctx, "c1"); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if _, err := h.orch.Join(ctx, "c1", "alice"); err != nil {
		t.Fatalf("Join: %v", err)
	}
	if _, err := h.orch.Subscribe("c1", h.events); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	h.clock.Advance(time.Minute)

	gate, err := h.orch.OpenGate(ctx, "c1", "alice", "q1")
	if err != nil {
		t.Fatalf("gate: %v", err)
	}
	sub := &store.Submission{
		ID:            "s1",
		UserID:        "alice",
		ContestID:     "c1",
		QuestionID:    "q1",
		Verdict:       store.VerdictAccepted,
		PointsAwarded: gate.Bound.Points,
		SubmittedAt:   h.clock.Now(),
	}
	if err := h.st.CreateSubmission(ctx, sub); err != nil {
		t.Fatalf("CreateSubmission: %v", err)
	}
	if err := h.engine.AddOrIncr(ctx, "c1", "alice", 100, h.clock.Now()); err != nil {
		t.Fatalf("AddOrIncr: %v", err)
	}
	out := &Outcome{Submission: sub, QuestionIndex: gate.Index, IsCorrect: true, CurrentScore: 100, CurrentRank: 1}
	if err := h.orch.RecordOutcome(ctx, "c1", out); err != nil {
		t.Fatalf("RecordOutcome: %v", err)
	}

	res := h.waitEvent(t, EventSubmissionResult, "alice")
	rp := res.Data.(*ResultPayload)
	if rp.Verdict != store.VerdictAccepted || rp.CurrentScore != 100 {
		t.Fatalf("result payload = %+v", rp)
	}

	// Last question answered by the only participant: contest completes.
	end := h.waitEvent(t, EventContestEnd, "alice")
	ep := end.Data.(*EndPayload)
	if ep.FinalScore != 100 || ep.FinalRank != 1 {
		t.Fatalf("end payload = %+v", ep)
	}

	time.Sleep(50 * time.Millisecond)
	c, _ := h.st.GetContest(ctx, "c1")
	if c.Status != store.ContestCompleted {
		t.Fatalf("status = %s, want COMPLETED", c.Status)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.frozen) != 1 || len(h.frozen[0]) != 1 || h.frozen[0][0].Score != 100 {
		t.Fatalf("freeze hook rows = %+v", h.frozen)
	}
}

func TestPerUserSeqMonotonic(t *testing.T) {
	start := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	h := newHarness(t, start, start.Add(time.Hour), 10, 10, 10)
	ctx := context.Background()

	if err := h.orch.Publish(ctx, "c1"); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if _, err := h.orch.Join(ctx, "c1", "alice"); err != nil {
		t.Fatalf("Join: %v", err)
	}
	if _, err := h.orch.Subscribe("c1", h.events); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	h.clock.Advance(time.Minute)
	h.clock.Advance(11 * time.Second)
	h.clock.Advance(11 * time.Second)

	var last uint64
	deadline := time.After(time.Second)
	seen := 0
	for seen < 5 {
		select {
		case ev := <-h.events:
			if ev.UserID != "alice" {
				continue
			}
			if ev.Seq <= last {
				t.Fatalf("seq regressed: %d after %d (%s)", ev.Seq, last, ev.Type)
			}
			last = ev.Seq
			seen++
		case <-deadline:
			t.Fatalf("only %d events for alice", seen)
		}
	}
}

func TestJoinRules(t *testing.T) {
	start := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	h := newHarness(t, start, start.Add(time.Hour), 30)
	ctx := context.Background()

	// DRAFT contests are not joinable.
	if _, err := h.orch.Join(ctx, "c1", "alice"); err != ErrContestNotJoinable {
		t.Fatalf("draft join err = %v", err)
	}
	if _, err := h.orch.Join(ctx, "missing", "alice"); err != ErrContestNotFound {
		t.Fatalf("missing join err = %v", err)
	}

	if err := h.orch.Publish(ctx, "c1"); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if _, err := h.orch.Join(ctx, "c1", "alice"); err != nil {
		t.Fatalf("join upcoming: %v", err)
	}
	// Rejoin is idempotent.
	if _, err := h.orch.Join(ctx, "c1", "alice"); err != nil {
		t.Fatalf("rejoin: %v", err)
	}

	// Late join mid-contest starts at question 0 with a fresh deadline.
	h.clock.Advance(time.Minute)
	view, err := h.orch.Join(ctx, "c1", "bob")
	if err != nil {
		t.Fatalf("late join: %v", err)
	}
	if view.Question == nil || view.Question.QuestionID != "q1" {
		t.Fatalf("late join view = %+v", view)
	}
	if view.TimeRemainingMs <= 0 {
		t.Fatalf("late join remaining = %d", view.TimeRemainingMs)
	}
}

func TestCancelFreezesLeaderboard(t *testing.T) {
	start := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	h := newHarness(t, start, start.Add(time.Hour), 300)
	ctx := context.Background()

	if err := h.orch.Publish(ctx, "c1"); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if _, err := h.orch.Join(ctx, "c1", "alice"); err != nil {
		t.Fatalf("Join: %v", err)
	}
	h.clock.Advance(time.Minute)

	if err := h.engine.AddOrIncr(ctx, "c1", "alice", 100, h.clock.Now()); err != nil {
		t.Fatalf("AddOrIncr: %v", err)
	}
	if err := h.orch.Cancel(ctx, "c1"); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	c, _ := h.st.GetContest(ctx, "c1")
	if c.Status != store.ContestCompleted {
		t.Fatalf("status = %s after cancel", c.Status)
	}
	// Points earned before cancellation are kept.
	h.mu.Lock()
	rows := h.frozen
	h.mu.Unlock()
	if len(rows) != 1 || rows[0][0].Score != 100 {
		t.Fatalf("snapshot after cancel = %+v", rows)
	}
	// Unanswered questions get NOT_ATTEMPTED placeholders.
	sub, _ := h.st.GetSubmission(ctx, "alice", "c1", "q1")
	if sub == nil || sub.Verdict != store.VerdictNotAttempted {
		t.Fatalf("placeholder = %+v", sub)
	}
	if err := h.engine.AddOrIncr(ctx, "c1", "alice", 10, h.clock.Now()); err != leaderboard.ErrFrozen {
		t.Fatalf("post-freeze write err = %v", err)
	}
}
