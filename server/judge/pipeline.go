package judge

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"contest-arena/server/contest"
	"contest-arena/server/leaderboard"
	"contest-arena/server/observability"
	"contest-arena/server/store"

	"github.com/google/uuid"
)

// ErrInvalidPayload rejects a submission whose body does not match the
// question kind (missing option for MCQ, missing code for code questions).
var ErrInvalidPayload = errors.New("malformed submission payload")

// Per-user submit throttle. Bursts absorb double-clicks; sustained spam is
// shed before it reaches the contest loop.
const (
	submitRatePerSec = 1
	submitBurst      = 3
)

// SubmitRequest is one submission attempt, already authenticated.
type SubmitRequest struct {
	UserID     string
	ContestID  string
	QuestionID string

	SelectedOptionID string // MCQ
	Code             string // CODING / DSA / SANDBOX
	Language         string
}

// SubmitResult is the synchronous answer to the submitter.
type SubmitResult struct {
	Submission *store.Submission
	Score      int
	Rank       int
}

// Pipeline validates, judges, persists, and scores submissions. Scoring is
// a critical section per (contest, user); different users judge and score
// in parallel, bounded by the sandbox pool.
type Pipeline struct {
	store  store.Store
	engine leaderboard.Engine
	orch   *contest.Orchestrator
	runner Runner

	mu       sync.Mutex
	locks    map[string]*sync.Mutex
	limiters map[string]*rate.Limiter
}

func NewPipeline(st store.Store, engine leaderboard.Engine, orch *contest.Orchestrator, runner Runner) *Pipeline {
	return &Pipeline{
		store:    st,
		engine:   engine,
		orch:     orch,
		runner:   runner,
		locks:    make(map[string]*sync.Mutex),
		limiters: make(map[string]*rate.Limiter),
	}
}

// Submit handles a contest-mode submission end to end: admission through
// the contest loop's gate, judging, durable insert, atomic leaderboard
// increment, cursor advance, and the caller's fresh score and rank.
func (p *Pipeline) Submit(ctx context.Context, req *SubmitRequest) (*SubmitResult, error) {
	if !p.limiter(req.UserID).Allow() {
		observability.AdmissionRejections.WithLabelValues("SERVICE_BUSY").Inc()
		return nil, ErrBusy
	}

	lock := p.lock(req.ContestID + "/" + req.UserID)
	lock.Lock()
	defer lock.Unlock()

	gate, err := p.orch.OpenGate(ctx, req.ContestID, req.UserID, req.QuestionID)
	if err != nil {
		observability.AdmissionRejections.WithLabelValues(admissionLabel(err)).Inc()
		return nil, err
	}
	// Past this point the gate must be settled: an outcome on success, a
	// release on every failure path.

	verdict, outcome, err := p.judge(ctx, gate.Question, req)
	if err != nil {
		p.orch.ReleaseGate(req.ContestID, req.UserID)
		return nil, err
	}

	now := time.Now()
	sub := &store.Submission{
		ID:               uuid.NewString(),
		UserID:           req.UserID,
		ContestID:        req.ContestID,
		QuestionID:       req.QuestionID,
		SelectedOptionID: req.SelectedOptionID,
		Code:             req.Code,
		Language:         req.Language,
		Verdict:          verdict,
		SubmittedAt:      now,
	}
	if outcome != nil {
		sub.TestCasesPassed = outcome.TestCasesPassed
		sub.TestCasesTotal = outcome.TestCasesTotal
		sub.RuntimeMs = outcome.RuntimeMs
		sub.MemoryKB = outcome.MemoryKB
	}
	if verdict == store.VerdictAccepted {
		sub.PointsAwarded = gate.Bound.Points
	}

	if err := p.store.CreateSubmission(ctx, sub); err != nil {
		p.orch.ReleaseGate(req.ContestID, req.UserID)
		if errors.Is(err, store.ErrDuplicateSubmission) {
			observability.AdmissionRejections.WithLabelValues("ALREADY_SUBMITTED").Inc()
			return nil, contest.ErrAlreadySubmitted
		}
		return nil, fmt.Errorf("persist submission: %w", err)
	}

	if sub.PointsAwarded > 0 {
		// The row is durable and the increment is not idempotent-by-key,
		// so a dropped increment diverges the board from the submissions
		// table. Retry until it lands or the contest freezes.
		err := p.incrWithRetry(ctx, req.ContestID, req.UserID, sub.PointsAwarded, sub.SubmittedAt)
		if err != nil && !errors.Is(err, leaderboard.ErrFrozen) {
			log.Printf("pipeline: ALERT: leaderboard incr %s/%s lost after retries: %v", req.ContestID, req.UserID, err)
		}
	}

	res := &SubmitResult{Submission: sub}
	if entry, err := p.engine.EntryOf(ctx, req.ContestID, req.UserID); err == nil && entry != nil {
		res.Score = entry.Score
		res.Rank = entry.Rank
	}

	out := &contest.Outcome{
		Submission:    sub,
		QuestionIndex: gate.Index,
		IsCorrect:     verdict == store.VerdictAccepted,
		CurrentScore:  res.Score,
		CurrentRank:   res.Rank,
	}
	if err := p.orch.RecordOutcome(ctx, req.ContestID, out); err != nil {
		log.Printf("pipeline: record outcome %s/%s: %v", req.ContestID, req.UserID, err)
	}

	observability.Submissions.WithLabelValues(string(verdict), string(gate.Question.Kind)).Inc()
	return res, nil
}

// Practice judges a contest-less submission. History is append-only; no
// admission gate, no scoring, no leaderboard.
func (p *Pipeline) Practice(ctx context.Context, req *SubmitRequest) (*SubmitResult, error) {
	if !p.limiter(req.UserID).Allow() {
		return nil, ErrBusy
	}

	q, err := p.store.GetQuestion(ctx, req.QuestionID)
	if err != nil {
		return nil, err
	}
	if q == nil {
		return nil, contest.ErrInvalidQuestion
	}

	verdict, outcome, err := p.judge(ctx, q, req)
	if err != nil {
		return nil, err
	}

	sub := &store.Submission{
		ID:               uuid.NewString(),
		UserID:           req.UserID,
		QuestionID:       req.QuestionID,
		SelectedOptionID: req.SelectedOptionID,
		Code:             req.Code,
		Language:         req.Language,
		Verdict:          verdict,
		SubmittedAt:      time.Now(),
	}
	if outcome != nil {
		sub.TestCasesPassed = outcome.TestCasesPassed
		sub.TestCasesTotal = outcome.TestCasesTotal
		sub.RuntimeMs = outcome.RuntimeMs
		sub.MemoryKB = outcome.MemoryKB
	}
	if err := p.store.CreatePracticeSubmission(ctx, sub); err != nil {
		return nil, fmt.Errorf("persist practice submission: %w", err)
	}
	observability.Submissions.WithLabelValues(string(verdict), "practice").Inc()
	return &SubmitResult{Submission: sub}, nil
}

// judge dispatches by question kind. The outcome is nil for MCQ.
func (p *Pipeline) judge(ctx context.Context, q *store.Question, req *SubmitRequest) (store.Verdict, *codeOutcome, error) {
	switch q.Kind {
	case store.KindMCQ:
		if req.SelectedOptionID == "" {
			return "", nil, ErrInvalidPayload
		}
		v, err := judgeMCQ(q, req.SelectedOptionID)
		return v, nil, err
	default:
		if req.Code == "" || req.Language == "" {
			return "", nil, ErrInvalidPayload
		}
		job := &Job{
			SubmissionID:  uuid.NewString(),
			Kind:          q.Kind,
			Language:      req.Language,
			Code:          req.Code,
			FunctionName:  q.FunctionName,
			Tests:         q.TestCases,
			TimeLimitMs:   q.TimeLimitMs,
			MemoryLimitMB: q.MemoryLimitMB,
		}
		// The sandbox run owns its deadline, sized from the job's limits.
		// The caller's (often short) request deadline must not cut a legal
		// run short or masquerade as a verdict.
		runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), judgingBudget(job))
		defer cancel()
		res, err := p.runner.Run(runCtx, job)
		if err != nil {
			return "", nil, err
		}
		out := judgeCode(job, res)
		return out.Verdict, &out, nil
	}
}

// incrWithRetry applies a score increment with exponential back-off.
// ErrFrozen is final: the contest ended between persist and scoring.
func (p *Pipeline) incrWithRetry(ctx context.Context, contestID, userID string, delta int, at time.Time) error {
	backoff := 100 * time.Millisecond
	var err error
	for attempt := 0; attempt < 4; attempt++ {
		if err = p.engine.AddOrIncr(ctx, contestID, userID, delta, at); err == nil || errors.Is(err, leaderboard.ErrFrozen) {
			return err
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

// judgingBudget is the overall wall-clock allowance for one sandbox job:
// the compile step plus every test at its limit, with per-test slack for
// exec setup and the kill grace.
func judgingBudget(job *Job) time.Duration {
	perTest := time.Duration(job.TimeLimitMs)*time.Millisecond + 6*time.Second
	return 60*time.Second + time.Duration(len(job.Tests))*perTest
}

func (p *Pipeline) lock(key string) *sync.Mutex {
	p.mu.Lock()
	defer p.mu.Unlock()
	l, ok := p.locks[key]
	if !ok {
		l = &sync.Mutex{}
		p.locks[key] = l
	}
	return l
}

func (p *Pipeline) limiter(userID string) *rate.Limiter {
	p.mu.Lock()
	defer p.mu.Unlock()
	l, ok := p.limiters[userID]
	if !ok {
		l = rate.NewLimiter(rate.Limit(submitRatePerSec), submitBurst)
		p.limiters[userID] = l
	}
	return l
}

// admissionLabel maps a domain error to its wire code for metrics.
func admissionLabel(err error) string {
	switch {
	case errors.Is(err, contest.ErrContestNotFound):
		return "CONTEST_NOT_FOUND"
	case errors.Is(err, contest.ErrContestNotActive):
		return "CONTEST_NOT_ACTIVE"
	case errors.Is(err, contest.ErrNotParticipant):
		return "NOT_PARTICIPANT"
	case errors.Is(err, contest.ErrInvalidQuestion):
		return "INVALID_QUESTION"
	case errors.Is(err, contest.ErrNotCurrentQuestion):
		return "NOT_CURRENT_QUESTION"
	case errors.Is(err, contest.ErrAlreadySubmitted):
		return "ALREADY_SUBMITTED"
	case errors.Is(err, contest.ErrTimeExpired):
		return "TIME_EXPIRED"
	default:
		return "SERVER_ERROR"
	}
}
