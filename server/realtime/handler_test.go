package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"contest-arena/server/auth"
	"contest-arena/server/contest"
	"contest-arena/server/judge"
	"contest-arena/server/leaderboard"
	"contest-arena/server/store"
)

// blockingRunner parks inside Run until released, standing in for a slow
// sandbox execution.
type blockingRunner struct {
	entered chan struct{}
	release chan struct{}
	result  *judge.RunResult
}

func (r *blockingRunner) Run(ctx context.Context, job *judge.Job) (*judge.RunResult, error) {
	close(r.entered)
	select {
	case <-r.release:
		return r.result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type handlerEnv struct {
	st      *store.MemoryStore
	orch    *contest.Orchestrator
	runner  *blockingRunner
	handler *Handler
}

// newHandlerEnv stands up an ACTIVE single-question coding contest with
// alice joined, fronted by a Handler whose sandbox blocks until released.
func newHandlerEnv(t *testing.T) *handlerEnv {
	t.Helper()
	ctx := context.Background()

	st := store.NewMemoryStore()
	engine := leaderboard.NewMemoryEngine()
	q := &store.Question{
		ID:           "q-code",
		Kind:         store.KindCoding,
		FunctionName: "solution",
		TestCases: []store.TestCase{
			{Input: "[1]", Expected: "[1]"},
		},
		TimeLimitMs:   2000,
		MemoryLimitMB: 256,
	}
	if err := st.CreateQuestion(ctx, q); err != nil {
		t.Fatalf("CreateQuestion: %v", err)
	}
	c := &store.Contest{
		ID:      "c1",
		Title:   "handler test",
		StartAt: time.Now().Add(-time.Minute),
		EndAt:   time.Now().Add(time.Hour),
		Status:  store.ContestDraft,
		Questions: []store.ContestQuestion{
			{ContestID: "c1", QuestionID: "q-code", OrderIndex: 0, Points: 100, TimeLimitSeconds: 600},
		},
	}
	if err := st.CreateContest(ctx, c); err != nil {
		t.Fatalf("CreateContest: %v", err)
	}

	orch := contest.NewOrchestrator(st, engine, nil, nil)
	if err := orch.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(orch.Shutdown)
	if err := orch.Publish(ctx, "c1"); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for {
		got, err := st.GetContest(ctx, "c1")
		if err != nil {
			t.Fatalf("GetContest: %v", err)
		}
		if got.Status == store.ContestActive {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("contest never activated, status %s", got.Status)
		}
		time.Sleep(10 * time.Millisecond)
	}
	if _, err := orch.Join(ctx, "c1", "alice"); err != nil {
		t.Fatalf("Join: %v", err)
	}

	issuer, err := auth.NewIssuer(strings.Repeat("k", 32), time.Hour)
	if err != nil {
		t.Fatalf("issuer: %v", err)
	}
	runner := &blockingRunner{
		entered: make(chan struct{}),
		release: make(chan struct{}),
		result:  &judge.RunResult{Compiled: true, Tests: []judge.TestRun{{Output: "[1]"}}},
	}
	pipe := judge.NewPipeline(st, engine, orch, runner)
	h := NewHandler(issuer, orch, pipe, st, engine)
	return &handlerEnv{st: st, orch: orch, runner: runner, handler: h}
}

func TestDispatchSubmitDoesNotBlockReader(t *testing.T) {
	env := newHandlerEnv(t)
	ctx := context.Background()

	s := newSession("s1", "alice", auth.RoleUser, "contest", nil)
	s.contestID = "c1"

	in := &Inbound{
		Event: evSubmitAnswer,
		Data:  json.RawMessage(`{"questionId":"q-code","code":"def solution(x): return x","language":"python"}`),
	}
	returned := make(chan struct{})
	go func() {
		env.handler.dispatch(s, in)
		close(returned)
	}()

	select {
	case <-env.runner.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("submission never reached the sandbox")
	}
	// The sandbox is still parked; dispatch must already be back so the
	// reader can keep servicing frames.
	select {
	case <-returned:
	case <-time.After(500 * time.Millisecond):
		t.Fatal("dispatch waited for judging to finish")
	}
	env.handler.dispatch(s, &Inbound{Event: evPing})
	var pong bool
	for _, it := range s.drain() {
		if it.msg.Event == evPong {
			pong = true
		}
	}
	if !pong {
		t.Fatal("ping went unanswered while judging was in flight")
	}

	close(env.runner.release)
	deadline := time.Now().Add(2 * time.Second)
	for {
		sub, err := env.st.GetSubmission(ctx, "alice", "c1", "q-code")
		if err != nil {
			t.Fatalf("GetSubmission: %v", err)
		}
		if sub != nil {
			if sub.Verdict != store.VerdictAccepted {
				t.Fatalf("verdict = %s", sub.Verdict)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("submission never persisted after release")
		}
		time.Sleep(10 * time.Millisecond)
	}
	for _, it := range s.drain() {
		if it.msg.Event == evError {
			t.Fatalf("unexpected error frame: %+v", it.msg.Data)
		}
	}
}

func TestRegistryTracksUserSessions(t *testing.T) {
	r := NewRegistry()
	a1 := newSession("a1", "alice", auth.RoleUser, "contest", nil)
	a2 := newSession("a2", "alice", auth.RoleUser, "contest", nil)
	b1 := newSession("b1", "bob", auth.RoleUser, "contest", nil)
	pub := newSession("p1", "", "", "public", nil)
	for _, s := range []*Session{a1, a2, b1, pub} {
		r.Add(s)
	}

	if got := len(r.UserSessions("alice")); got != 2 {
		t.Fatalf("alice sessions = %d, want 2", got)
	}
	if got := len(r.UserSessions("bob")); got != 1 {
		t.Fatalf("bob sessions = %d, want 1", got)
	}
	if got := len(r.UserSessions("carol")); got != 0 {
		t.Fatalf("carol sessions = %d, want 0", got)
	}

	r.Remove(a1)
	if got := len(r.UserSessions("alice")); got != 1 {
		t.Fatalf("alice sessions after remove = %d, want 1", got)
	}
	r.Remove(a2)
	if got := len(r.UserSessions("alice")); got != 0 {
		t.Fatalf("alice sessions after both removed = %d, want 0", got)
	}
}

func TestServeContestCapsSessionsPerUser(t *testing.T) {
	env := newHandlerEnv(t)

	token, err := env.handler.auth.GenerateToken("alice", auth.RoleUser)
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	for i := 0; i < maxUserSessions; i++ {
		env.handler.registry.Add(newSession(string(rune('a'+i)), "alice", auth.RoleUser, "contest", nil))
	}

	req := httptest.NewRequest(http.MethodGet, "/ws/contest?token="+token, nil)
	rec := httptest.NewRecorder()
	env.handler.ServeContest(rec, req)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}
	// The rejected handshake must give its connection slot back.
	if got := len(env.handler.sessionGate); got != 0 {
		t.Fatalf("session gate holds %d slots after rejection", got)
	}
}

func TestSendViewUsesFeedEnvelope(t *testing.T) {
	h := &Handler{}
	s := newSession("s1", "alice", auth.RoleUser, "contest", nil)

	view := &contest.View{
		ContestID: "c1",
		Seq:       7,
		Status:    store.ContestActive,
		Question: &contest.QuestionPayload{
			QuestionID: "q1",
			Kind:       store.KindMCQ,
		},
		TimeRemainingMs: 30000,
		Finished:        true,
		Score:           50,
		Rank:            2,
	}
	h.sendView(s, view)

	items := s.drain()
	want := []string{
		string(contest.EventQuestionBroadcast),
		string(contest.EventTimerUpdate),
		string(contest.EventLeaderboardUpdate),
		string(contest.EventContestEnd),
	}
	if len(items) != len(want) {
		t.Fatalf("got %d frames, want %d", len(items), len(want))
	}
	for i, it := range items {
		if it.msg.Event != want[i] {
			t.Fatalf("frame %d = %s, want %s", i, it.msg.Event, want[i])
		}
		ev, ok := it.msg.Data.(contest.Event)
		if !ok {
			t.Fatalf("frame %s data = %T, want contest.Event", it.msg.Event, it.msg.Data)
		}
		if ev.Seq != 7 {
			t.Fatalf("frame %s seq = %d, want the view's 7", it.msg.Event, ev.Seq)
		}
		if ev.ContestID != "c1" || ev.UserID != "alice" {
			t.Fatalf("frame %s envelope = %s/%s", it.msg.Event, ev.ContestID, ev.UserID)
		}
		if string(ev.Type) != it.msg.Event {
			t.Fatalf("frame %s carries type %s", it.msg.Event, ev.Type)
		}
	}
	if !items[0].critical || !items[3].critical {
		t.Fatal("question and end frames must be critical")
	}
	if items[1].critical || items[2].critical {
		t.Fatal("timer and leaderboard frames must stay sheddable")
	}
}
