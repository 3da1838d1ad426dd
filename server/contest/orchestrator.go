package contest

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"contest-arena/server/leaderboard"
	"contest-arena/server/observability"
	"contest-arena/server/store"
)

// Domain errors, mapped to wire codes by the realtime layer.
var (
	ErrContestNotFound    = errors.New("contest not found")
	ErrContestNotJoinable = errors.New("contest not joinable")
	ErrCompletedForUser   = errors.New("contest completed for user")
	ErrNotParticipant     = errors.New("not a participant")
	ErrContestNotActive   = errors.New("contest not active")
	ErrInvalidQuestion    = errors.New("question not in contest")
	ErrNotCurrentQuestion = errors.New("not the current question")
	ErrAlreadySubmitted   = errors.New("already submitted")
	ErrTimeExpired        = errors.New("time expired")
)

// Gate is the admission view handed to the submission pipeline once the
// contest loop has verified status, membership, cursor, and deadline.
// While a gate is open the participant's deadline expiry is deferred.
type Gate struct {
	Question *store.Question
	Bound    store.ContestQuestion
	Index    int
	Deadline time.Time
}

// Outcome is a judged, persisted, scored submission handed back to the loop
// to advance the cursor and emit submission_result.
type Outcome struct {
	Submission    *store.Submission
	QuestionIndex int
	IsCorrect     bool
	CurrentScore  int
	CurrentRank   int
}

// SnapshotHook receives the frozen final standings when a contest
// completes; the hook owns durable persistence.
type SnapshotHook func(contestID string, rows []store.SnapshotRow)

// Orchestrator owns one loop per live contest. All orchestration state is
// mutated only by the owning loop goroutine; the methods here are mailbox
// front-ends.
type Orchestrator struct {
	store    store.Store
	engine   leaderboard.Engine
	clock    Clock
	lb       *leaderboard.Broadcaster
	onFreeze SnapshotHook

	mu    sync.RWMutex
	loops map[string]*Loop

	ctx    context.Context
	cancel context.CancelFunc
}

func NewOrchestrator(st store.Store, engine leaderboard.Engine, clock Clock, onFreeze SnapshotHook) *Orchestrator {
	if clock == nil {
		clock = RealClock()
	}
	o := &Orchestrator{
		store:    st,
		engine:   engine,
		clock:    clock,
		onFreeze: onFreeze,
		loops:    make(map[string]*Loop),
	}
	o.lb = leaderboard.NewBroadcaster(engine, o.routeLeaderboardUpdate)
	return o
}

// Broadcaster exposes the coalescing leaderboard broadcaster to the
// submission pipeline.
func (o *Orchestrator) Broadcaster() *leaderboard.Broadcaster { return o.lb }

// Start rehydrates loops for every UPCOMING and ACTIVE contest.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.ctx, o.cancel = context.WithCancel(ctx)

	for _, status := range []store.ContestStatus{store.ContestUpcoming, store.ContestActive} {
		contests, err := o.store.ListContestsByStatus(ctx, status)
		if err != nil {
			return fmt.Errorf("rehydrate %s contests: %w", status, err)
		}
		for _, c := range contests {
			if _, err := o.ensureLoop(c.ID); err != nil {
				log.Printf("orchestrator: failed to start loop for contest %s: %v", c.ID, err)
			}
		}
	}
	return nil
}

// Shutdown stops all loops.
func (o *Orchestrator) Shutdown() {
	if o.cancel != nil {
		o.cancel()
	}
}

// ensureLoop returns the running loop for a contest, starting one if the
// contest exists and is not COMPLETED.
func (o *Orchestrator) ensureLoop(contestID string) (*Loop, error) {
	o.mu.RLock()
	l, ok := o.loops[contestID]
	o.mu.RUnlock()
	if ok {
		return l, nil
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if l, ok := o.loops[contestID]; ok {
		return l, nil
	}

	ctx := o.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	c, err := o.store.GetContest(ctx, contestID)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, ErrContestNotFound
	}
	if c.Status == store.ContestCompleted {
		return nil, ErrContestNotActive
	}

	l = newLoop(o, contestID)
	o.loops[contestID] = l
	observability.ActiveContests.Inc()
	go func() {
		l.run(ctx)
		o.mu.Lock()
		delete(o.loops, contestID)
		o.mu.Unlock()
		observability.ActiveContests.Dec()
	}()
	return l, nil
}

func (o *Orchestrator) loop(contestID string) (*Loop, error) {
	o.mu.RLock()
	l, ok := o.loops[contestID]
	o.mu.RUnlock()
	if ok {
		return l, nil
	}
	return o.ensureLoop(contestID)
}

// routeLeaderboardUpdate feeds a coalesced update back through the owning
// loop so every recipient sees it in that loop's total order.
func (o *Orchestrator) routeLeaderboardUpdate(u leaderboard.Update) {
	o.mu.RLock()
	l, ok := o.loops[u.ContestID]
	o.mu.RUnlock()
	if !ok {
		return
	}
	l.enqueue(command{kind: cmdLeaderboard, update: &u})
}

// --- Public operations ---

// Publish promotes a DRAFT contest to UPCOMING and arms its start timer.
func (o *Orchestrator) Publish(ctx context.Context, contestID string) error {
	l, err := o.ensureLoop(contestID)
	if err != nil {
		return err
	}
	_, err = l.ask(ctx, command{kind: cmdPublish})
	return err
}

// Cancel ends a contest early. Awarded points are kept; the leaderboard is
// frozen and snapshotted as on natural completion.
func (o *Orchestrator) Cancel(ctx context.Context, contestID string) error {
	l, err := o.loop(contestID)
	if err != nil {
		return err
	}
	_, err = l.ask(ctx, command{kind: cmdCancel})
	return err
}

// Join registers the user as a participant (idempotent) and returns the
// authoritative current view.
func (o *Orchestrator) Join(ctx context.Context, contestID, userID string) (*View, error) {
	l, err := o.loop(contestID)
	if errors.Is(err, ErrContestNotActive) {
		return nil, ErrContestNotJoinable
	}
	if err != nil {
		return nil, err
	}
	r, err := l.ask(ctx, command{kind: cmdJoin, userID: userID})
	if err != nil {
		return nil, err
	}
	return r.view, nil
}

// CurrentView returns the participant's full current state, as a fresh join
// would. Resync is served from this.
func (o *Orchestrator) CurrentView(ctx context.Context, contestID, userID string) (*View, error) {
	l, err := o.loop(contestID)
	if err != nil {
		return nil, err
	}
	r, err := l.ask(ctx, command{kind: cmdView, userID: userID})
	if err != nil {
		return nil, err
	}
	return r.view, nil
}

// OpenGate runs the loop-owned admission checks (status, membership,
// cursor match, deadline) and marks the submission in flight.
func (o *Orchestrator) OpenGate(ctx context.Context, contestID, userID, questionID string) (*Gate, error) {
	l, err := o.loop(contestID)
	if errors.Is(err, ErrContestNotFound) {
		return nil, ErrContestNotFound
	}
	if err != nil {
		return nil, ErrContestNotActive
	}
	r, err := l.ask(ctx, command{kind: cmdGate, userID: userID, questionID: questionID})
	if err != nil {
		return nil, err
	}
	return r.gate, nil
}

// ReleaseGate abandons an in-flight submission (judging failed before an
// outcome was produced). A deferred deadline expiry fires afterwards.
func (o *Orchestrator) ReleaseGate(contestID, userID string) {
	o.mu.RLock()
	l, ok := o.loops[contestID]
	o.mu.RUnlock()
	if ok {
		l.enqueue(command{kind: cmdRelease, userID: userID})
	}
}

// RecordOutcome hands a judged, persisted submission to the loop: cursor
// advances, submission_result is emitted, and an accepted verdict is marked
// for the next coalesced leaderboard update.
func (o *Orchestrator) RecordOutcome(ctx context.Context, contestID string, out *Outcome) error {
	l, err := o.loop(contestID)
	if err != nil {
		return err
	}
	if _, err := l.ask(ctx, command{kind: cmdOutcome, userID: out.Submission.UserID, outcome: out}); err != nil {
		return err
	}
	if out.Submission.Verdict == store.VerdictAccepted {
		o.lb.MarkAccepted(contestID, out.Submission.UserID)
	}
	return nil
}

// Subscribe attaches an event channel to a contest's stream. Sends are
// non-blocking; a slow subscriber misses events and must resync.
func (o *Orchestrator) Subscribe(contestID string, ch chan<- Event) (func(), error) {
	l, err := o.loop(contestID)
	if err != nil {
		return nil, err
	}
	return l.subscribe(ch), nil
}
