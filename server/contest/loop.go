package contest

import (
	"context"
	"log"
	"sync"
	"time"

	"contest-arena/server/leaderboard"
	"contest-arena/server/observability"
	"contest-arena/server/store"
	"github.com/google/uuid"
)

const (
	mailboxDepth  = 128
	timerInterval = 5 * time.Second
	askTimeout    = 5 * time.Second
)

type cmdKind int

const (
	cmdPublish cmdKind = iota
	cmdCancel
	cmdJoin
	cmdView
	cmdGate
	cmdRelease
	cmdOutcome
	cmdLeaderboard
)

type command struct {
	kind       cmdKind
	userID     string
	questionID string
	outcome    *Outcome
	update     *leaderboard.Update
	reply      chan result
}

type result struct {
	view *View
	gate *Gate
	err  error
}

// participantState is loop-owned; nothing outside the loop goroutine reads
// or writes it.
type participantState struct {
	userID      string
	cursor      int
	activatedAt time.Time
	deadline    time.Time
	completed   bool
	inFlight    bool
	deferExpiry bool
	seq         uint64
}

// Loop is the single writer for one contest's orchestration state. All
// mutation flows through the mailbox; deadlines drive themselves off a
// single timer armed to the earliest due instant.
type Loop struct {
	o         *Orchestrator
	contestID string
	clock     Clock
	mailbox   chan command
	done      chan struct{}

	// Loop-owned state below; touched only by the run goroutine.
	contest   *store.Contest
	questions map[string]*store.Question
	parts     map[string]*participantState
	deadlines *deadlineQueue
	seq       uint64
	lastTick  time.Time

	subMu   sync.Mutex
	subs    map[int]chan<- Event
	nextSub int
}

func newLoop(o *Orchestrator, contestID string) *Loop {
	return &Loop{
		o:         o,
		contestID: contestID,
		clock:     o.clock,
		mailbox:   make(chan command, mailboxDepth),
		done:      make(chan struct{}),
		subs:      make(map[int]chan<- Event),
	}
}

// ask sends a command and waits for the loop's reply.
func (l *Loop) ask(ctx context.Context, cmd command) (result, error) {
	ctx, cancel := context.WithTimeout(ctx, askTimeout)
	defer cancel()

	cmd.reply = make(chan result, 1)
	select {
	case l.mailbox <- cmd:
	case <-l.done:
		return result{}, ErrContestNotActive
	case <-ctx.Done():
		return result{}, ctx.Err()
	}
	select {
	case r := <-cmd.reply:
		return r, r.err
	case <-l.done:
		return result{}, ErrContestNotActive
	case <-ctx.Done():
		return result{}, ctx.Err()
	}
}

// enqueue delivers a fire-and-forget command; dropped if the loop is gone
// or saturated (the stream is recoverable via resync).
func (l *Loop) enqueue(cmd command) {
	select {
	case l.mailbox <- cmd:
	case <-l.done:
	default:
		log.Printf("contest %s: mailbox full, dropping %d", l.contestID, cmd.kind)
	}
}

func (l *Loop) subscribe(ch chan<- Event) func() {
	l.subMu.Lock()
	id := l.nextSub
	l.nextSub++
	l.subs[id] = ch
	l.subMu.Unlock()
	return func() {
		l.subMu.Lock()
		delete(l.subs, id)
		l.subMu.Unlock()
	}
}

// run supervises runOnce: a panic or reconstruct failure restarts the loop
// from durable state (contest row + cursors + submissions).
func (l *Loop) run(ctx context.Context) {
	defer close(l.done)
	backoff := 200 * time.Millisecond
	for {
		if finished := l.runOnce(ctx); finished {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		if backoff < 5*time.Second {
			backoff *= 2
		}
		observability.LoopRestarts.Inc()
		log.Printf("contest %s: loop restarting", l.contestID)
	}
}

func (l *Loop) runOnce(ctx context.Context) (finished bool) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("contest %s: loop panic: %v", l.contestID, r)
			finished = false
		}
	}()

	if err := l.reconstruct(ctx); err != nil {
		log.Printf("contest %s: reconstruct failed: %v", l.contestID, err)
		return false
	}
	if l.contest.Status == store.ContestCompleted {
		return true
	}

	timer := l.clock.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		l.pump(ctx)
		if l.contest.Status == store.ContestCompleted {
			return true
		}

		var wakeC <-chan time.Time
		if d, ok := l.nextWake(); ok {
			timer.Reset(d)
			wakeC = timer.C()
		}

		select {
		case <-ctx.Done():
			return true
		case cmd := <-l.mailbox:
			l.handle(ctx, cmd)
		case <-wakeC:
			// pump picks up whatever came due
		}
	}
}

// reconstruct rebuilds loop state from the durable store. Deadlines restart
// from now; sequence counters are seeded from the clock so they stay
// monotonic across restarts.
func (l *Loop) reconstruct(ctx context.Context) error {
	c, err := l.o.store.GetContest(ctx, l.contestID)
	if err != nil {
		return err
	}
	if c == nil {
		return ErrContestNotFound
	}
	l.contest = c

	l.questions = make(map[string]*store.Question, len(c.Questions))
	for _, cq := range c.Questions {
		q, err := l.o.store.GetQuestion(ctx, cq.QuestionID)
		if err != nil {
			return err
		}
		if q == nil {
			return ErrInvalidQuestion
		}
		l.questions[cq.QuestionID] = q
	}

	now := l.clock.Now()
	l.seq = uint64(now.UnixMilli())
	l.lastTick = now
	l.deadlines = newDeadlineQueue()
	l.parts = make(map[string]*participantState)

	participants, err := l.o.store.ListParticipants(ctx, l.contestID)
	if err != nil {
		return err
	}
	for _, p := range participants {
		u := &participantState{
			userID:    p.UserID,
			cursor:    p.Cursor,
			completed: p.CompletedAt != nil || p.Cursor >= len(c.Questions),
			seq:       uint64(now.UnixMilli()),
		}
		l.parts[p.UserID] = u
		if c.Status == store.ContestActive && !u.completed {
			l.armQuestion(u, now)
		}
	}
	return nil
}

// pump processes all work that is due right now. Idempotent; safe to call
// after spurious timer wakes.
func (l *Loop) pump(ctx context.Context) {
	now := l.clock.Now()

	if l.contest.Status == store.ContestUpcoming && !now.Before(l.contest.StartAt) {
		l.activate(ctx, now)
	}
	if l.contest.Status != store.ContestActive {
		return
	}

	for _, e := range l.deadlines.popDue(now) {
		l.expire(ctx, e, now)
		if l.contest.Status != store.ContestActive {
			return
		}
	}

	if !now.Before(l.contest.EndAt) {
		l.finalize(ctx, now, "end of contest")
		return
	}

	if now.Sub(l.lastTick) >= timerInterval {
		l.lastTick = now
		for _, u := range l.parts {
			if !u.completed {
				l.emitTo(u, EventTimerUpdate, &TimerPayload{
					QuestionID:      l.contest.Questions[u.cursor].QuestionID,
					TimeRemainingMs: remainingMs(u.deadline, now),
				})
			}
		}
	}
}

func (l *Loop) nextWake() (time.Duration, bool) {
	now := l.clock.Now()
	var wake time.Time

	switch l.contest.Status {
	case store.ContestUpcoming:
		wake = l.contest.StartAt
	case store.ContestActive:
		wake = l.contest.EndAt
		if next, ok := l.deadlines.next(); ok && next.Before(wake) {
			wake = next
		}
		if tick := l.lastTick.Add(timerInterval); tick.Before(wake) {
			wake = tick
		}
	default:
		return 0, false
	}

	d := wake.Sub(now)
	if d < time.Millisecond {
		d = time.Millisecond
	}
	return d, true
}

func (l *Loop) handle(ctx context.Context, cmd command) {
	var r result
	switch cmd.kind {
	case cmdPublish:
		r.err = l.publish(ctx)
	case cmdCancel:
		if l.contest.Status != store.ContestCompleted {
			l.finalize(ctx, l.clock.Now(), "cancelled by admin")
		}
	case cmdJoin:
		r.view, r.err = l.join(ctx, cmd.userID)
	case cmdView:
		r.view, r.err = l.view(cmd.userID)
	case cmdGate:
		r.gate, r.err = l.openGate(cmd.userID, cmd.questionID)
	case cmdRelease:
		l.release(ctx, cmd.userID)
	case cmdOutcome:
		r.err = l.recordOutcome(ctx, cmd.outcome)
	case cmdLeaderboard:
		l.fanoutLeaderboard(cmd.update)
	}
	if cmd.reply != nil {
		cmd.reply <- r
	}
}

func (l *Loop) publish(ctx context.Context) error {
	switch l.contest.Status {
	case store.ContestDraft:
		if err := l.persistStatus(ctx, store.ContestUpcoming); err != nil {
			return err
		}
		return nil
	case store.ContestUpcoming, store.ContestActive:
		return nil // idempotent
	default:
		return ErrContestNotActive
	}
}

func (l *Loop) activate(ctx context.Context, now time.Time) {
	if err := l.persistStatus(ctx, store.ContestActive); err != nil {
		log.Printf("contest %s: failed to persist ACTIVE: %v", l.contestID, err)
		return
	}
	l.lastTick = now

	l.emitAggregate(EventContestStart, &EndPayload{ContestID: l.contestID})
	for _, u := range l.parts {
		if u.completed {
			continue
		}
		l.emitTo(u, EventContestStart, &EndPayload{ContestID: l.contestID})
		l.armQuestion(u, now)
		l.emitTo(u, EventQuestionBroadcast, l.questionPayload(u, now))
	}
}

func (l *Loop) join(ctx context.Context, userID string) (*View, error) {
	switch l.contest.Status {
	case store.ContestUpcoming, store.ContestActive:
	default:
		return nil, ErrContestNotJoinable
	}

	now := l.clock.Now()
	u, ok := l.parts[userID]
	if ok {
		if u.completed {
			return nil, ErrCompletedForUser
		}
		return l.buildView(u, now), nil
	}

	p := &store.Participant{ContestID: l.contestID, UserID: userID, JoinedAt: now}
	if err := l.o.store.UpsertParticipant(ctx, p); err != nil {
		return nil, err
	}
	// Register the zero-score slot so every participant has a rank.
	if err := l.o.engine.AddOrIncr(ctx, l.contestID, userID, 0, time.Time{}); err != nil {
		log.Printf("contest %s: leaderboard register for %s: %v", l.contestID, userID, err)
	}

	u = &participantState{userID: userID, seq: uint64(now.UnixMilli())}
	l.parts[userID] = u
	if l.contest.Status == store.ContestActive {
		l.armQuestion(u, now)
		l.emitTo(u, EventQuestionBroadcast, l.questionPayload(u, now))
	}
	return l.buildView(u, now), nil
}

func (l *Loop) view(userID string) (*View, error) {
	u, ok := l.parts[userID]
	if !ok {
		return nil, ErrNotParticipant
	}
	return l.buildView(u, l.clock.Now()), nil
}

func (l *Loop) openGate(userID, questionID string) (*Gate, error) {
	if l.contest.Status != store.ContestActive {
		return nil, ErrContestNotActive
	}
	u, ok := l.parts[userID]
	if !ok {
		return nil, ErrNotParticipant
	}
	if u.completed {
		return nil, ErrNotCurrentQuestion
	}

	idx := -1
	for _, cq := range l.contest.Questions {
		if cq.QuestionID == questionID {
			idx = cq.OrderIndex
			break
		}
	}
	if idx < 0 {
		return nil, ErrInvalidQuestion
	}
	if idx != u.cursor {
		return nil, ErrNotCurrentQuestion
	}
	if u.inFlight {
		return nil, ErrAlreadySubmitted
	}
	// timeRemaining == 0 is already expired; 1ms left is judged normally.
	if !l.clock.Now().Before(u.deadline) {
		return nil, ErrTimeExpired
	}

	u.inFlight = true
	cq := l.contest.Questions[u.cursor]
	return &Gate{
		Question: l.questions[questionID],
		Bound:    cq,
		Index:    u.cursor,
		Deadline: u.deadline,
	}, nil
}

func (l *Loop) release(ctx context.Context, userID string) {
	u, ok := l.parts[userID]
	if !ok {
		return
	}
	u.inFlight = false
	if u.deferExpiry {
		u.deferExpiry = false
		now := l.clock.Now()
		if !now.Before(u.deadline) && !u.completed {
			l.expire(ctx, &deadlineEntry{userID: userID, qIndex: u.cursor}, now)
		}
	}
}

func (l *Loop) recordOutcome(ctx context.Context, out *Outcome) error {
	u, ok := l.parts[out.Submission.UserID]
	if !ok {
		return ErrNotParticipant
	}
	u.inFlight = false
	u.deferExpiry = false

	// The row is already durable. If the cursor somehow moved past this
	// question, emit the result but do not advance twice.
	l.emitTo(u, EventSubmissionResult, &ResultPayload{
		SubmissionID:    out.Submission.ID,
		QuestionID:      out.Submission.QuestionID,
		Verdict:         out.Submission.Verdict,
		IsCorrect:       out.IsCorrect,
		TestCasesPassed: out.Submission.TestCasesPassed,
		TestCasesTotal:  out.Submission.TestCasesTotal,
		RuntimeMs:       out.Submission.RuntimeMs,
		MemoryKB:        out.Submission.MemoryKB,
		PointsEarned:    out.Submission.PointsAwarded,
		CurrentScore:    out.CurrentScore,
		CurrentRank:     out.CurrentRank,
	})
	if u.completed || u.cursor != out.QuestionIndex {
		return nil
	}

	l.deadlines.cancel(u.userID)
	l.advance(ctx, u, l.clock.Now())
	return nil
}

func (l *Loop) expire(ctx context.Context, e *deadlineEntry, now time.Time) {
	u, ok := l.parts[e.userID]
	if !ok || u.completed || u.cursor != e.qIndex {
		return
	}
	if u.inFlight {
		// A submission for this question is being judged; its outcome or
		// release settles the question.
		u.deferExpiry = true
		return
	}

	cq := l.contest.Questions[u.cursor]
	placeholder := &store.Submission{
		ID:          uuid.NewString(),
		UserID:      u.userID,
		ContestID:   l.contestID,
		QuestionID:  cq.QuestionID,
		Verdict:     store.VerdictTimeExpired,
		SubmittedAt: now,
	}
	if err := l.o.store.CreateSubmission(ctx, placeholder); err != nil && err != store.ErrDuplicateSubmission {
		log.Printf("contest %s: time-expired placeholder for %s: %v", l.contestID, u.userID, err)
	}
	observability.DeadlineExpirations.Inc()

	l.emitTo(u, EventTimeExpired, &ResultPayload{
		SubmissionID: placeholder.ID,
		QuestionID:   cq.QuestionID,
		Verdict:      store.VerdictTimeExpired,
	})
	l.advance(ctx, u, now)
}

// advance moves the participant's cursor forward by one and either arms the
// next question or completes the participant.
func (l *Loop) advance(ctx context.Context, u *participantState, now time.Time) {
	u.cursor++

	var completedAt *time.Time
	if u.cursor >= len(l.contest.Questions) {
		u.completed = true
		l.deadlines.cancel(u.userID)
		t := now
		completedAt = &t
	}
	if err := l.retry(ctx, func() error {
		return l.o.store.UpdateParticipantCursor(ctx, l.contestID, u.userID, u.cursor, completedAt)
	}); err != nil {
		log.Printf("contest %s: cursor persist for %s: %v", l.contestID, u.userID, err)
	}

	l.emitAggregate(EventQuestionChange, map[string]interface{}{
		"user_id":  u.userID,
		"cursor":   u.cursor,
		"finished": u.completed,
	})

	if !u.completed {
		l.armQuestion(u, now)
		l.emitTo(u, EventQuestionBroadcast, l.questionPayload(u, now))
		return
	}

	if l.allFinished() {
		l.finalize(ctx, now, "all participants finished")
	}
}

func (l *Loop) allFinished() bool {
	if len(l.parts) == 0 {
		return false
	}
	for _, u := range l.parts {
		if !u.completed {
			return false
		}
	}
	return true
}

func (l *Loop) armQuestion(u *participantState, now time.Time) {
	cq := l.contest.Questions[u.cursor]
	u.activatedAt = now
	u.deadline = now.Add(time.Duration(cq.TimeLimitSeconds) * time.Second)
	l.deadlines.schedule(u.userID, u.cursor, u.deadline)
}

func (l *Loop) finalize(ctx context.Context, now time.Time, reason string) {
	log.Printf("contest %s: finalizing (%s)", l.contestID, reason)
	l.o.lb.Drop(l.contestID)

	// Remaining questions are recorded as NOT_ATTEMPTED.
	for _, u := range l.parts {
		if u.completed {
			continue
		}
		for i := u.cursor; i < len(l.contest.Questions); i++ {
			ph := &store.Submission{
				ID:          uuid.NewString(),
				UserID:      u.userID,
				ContestID:   l.contestID,
				QuestionID:  l.contest.Questions[i].QuestionID,
				Verdict:     store.VerdictNotAttempted,
				SubmittedAt: now,
			}
			if err := l.o.store.CreateSubmission(ctx, ph); err != nil && err != store.ErrDuplicateSubmission {
				log.Printf("contest %s: not-attempted placeholder: %v", l.contestID, err)
			}
		}
		u.completed = true
		u.cursor = len(l.contest.Questions)
		l.deadlines.cancel(u.userID)
		t := now
		if err := l.o.store.UpdateParticipantCursor(ctx, l.contestID, u.userID, u.cursor, &t); err != nil {
			log.Printf("contest %s: final cursor persist: %v", l.contestID, err)
		}
	}

	entries, err := l.o.engine.SnapshotAndFreeze(ctx, l.contestID)
	if err != nil {
		log.Printf("contest %s: snapshot freeze: %v", l.contestID, err)
	}
	byUser := make(map[string]leaderboard.Entry, len(entries))
	rows := make([]store.SnapshotRow, 0, len(entries))
	for _, e := range entries {
		byUser[e.UserID] = e
		rows = append(rows, store.SnapshotRow{
			ContestID:         l.contestID,
			UserID:            e.UserID,
			Rank:              e.Rank,
			Score:             e.Score,
			QuestionsAnswered: e.QuestionsAnswered,
		})
	}
	if l.o.onFreeze != nil {
		l.o.onFreeze(l.contestID, rows)
	}

	for _, u := range l.parts {
		e := byUser[u.userID]
		l.emitTo(u, EventContestEnd, &EndPayload{
			ContestID:  l.contestID,
			FinalScore: e.Score,
			FinalRank:  e.Rank,
		})
	}
	l.emitAggregate(EventContestEnd, &EndPayload{ContestID: l.contestID})

	if err := l.persistStatus(ctx, store.ContestCompleted); err != nil {
		log.Printf("contest %s: failed to persist COMPLETED: %v", l.contestID, err)
	}
}

func (l *Loop) fanoutLeaderboard(u *leaderboard.Update) {
	for _, p := range l.parts {
		l.emitTo(p, EventLeaderboardUpdate, u)
	}
	l.emitAggregate(EventLeaderboardUpdate, u)
}

func (l *Loop) buildView(u *participantState, now time.Time) *View {
	v := &View{
		ContestID: l.contestID,
		Seq:       u.seq,
		Status:    l.contest.Status,
		Finished:  u.completed,
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if entry, err := l.o.engine.EntryOf(ctx, l.contestID, u.userID); err == nil && entry != nil {
		v.Score = entry.Score
		v.Rank = entry.Rank
	}
	if top, err := l.o.engine.TopK(ctx, l.contestID, 10); err == nil {
		v.Leaderboard = top
	}

	switch l.contest.Status {
	case store.ContestUpcoming:
		v.CountdownToStartMs = remainingMs(l.contest.StartAt, now)
	case store.ContestActive:
		if !u.completed {
			v.Question = l.questionPayload(u, now)
			v.TimeRemainingMs = remainingMs(u.deadline, now)
		}
	}
	return v
}

func (l *Loop) questionPayload(u *participantState, now time.Time) *QuestionPayload {
	cq := l.contest.Questions[u.cursor]
	q := l.questions[cq.QuestionID]

	p := &QuestionPayload{
		QuestionID:      q.ID,
		Index:           u.cursor,
		Total:           len(l.contest.Questions),
		Kind:            q.Kind,
		Title:           q.Title,
		Description:     q.Description,
		Difficulty:      q.Difficulty,
		FunctionName:    q.FunctionName,
		Points:          cq.Points,
		TimeRemainingMs: remainingMs(u.deadline, now),
	}
	for _, o := range q.Options {
		p.Options = append(p.Options, OptionView{ID: o.ID, Text: o.Text})
	}
	for _, tc := range q.TestCases {
		if !tc.Hidden {
			p.VisibleTests = append(p.VisibleTests, TestCaseView{Input: tc.Input, Expected: tc.Expected})
		}
	}
	return p
}

func (l *Loop) emitTo(u *participantState, t EventType, data interface{}) {
	u.seq++
	l.send(Event{
		Type:      t,
		ContestID: l.contestID,
		UserID:    u.userID,
		Seq:       u.seq,
		Timestamp: l.clock.Now(),
		Data:      data,
	})
}

func (l *Loop) emitAggregate(t EventType, data interface{}) {
	l.seq++
	l.send(Event{
		Type:      t,
		ContestID: l.contestID,
		Seq:       l.seq,
		Timestamp: l.clock.Now(),
		Data:      data,
	})
}

// send fans the event out to subscribers without blocking the loop. A full
// subscriber misses the event and recovers via resync.
func (l *Loop) send(ev Event) {
	l.subMu.Lock()
	defer l.subMu.Unlock()
	for id, ch := range l.subs {
		select {
		case ch <- ev:
		default:
			log.Printf("contest %s: subscriber %d full, dropping %s", l.contestID, id, ev.Type)
		}
	}
}

func (l *Loop) persistStatus(ctx context.Context, status store.ContestStatus) error {
	if err := l.retry(ctx, func() error {
		return l.o.store.UpdateContestStatus(ctx, l.contestID, status)
	}); err != nil {
		return err
	}
	l.contest.Status = status
	observability.ContestTransitions.WithLabelValues(string(status)).Inc()
	return nil
}

// retry runs an idempotent store write with exponential back-off.
func (l *Loop) retry(ctx context.Context, fn func() error) error {
	backoff := 100 * time.Millisecond
	var err error
	for attempt := 0; attempt < 4; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return err
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return err
}

func remainingMs(deadline, now time.Time) int64 {
	d := deadline.Sub(now)
	if d < 0 {
		return 0
	}
	return d.Milliseconds()
}
