package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/hibiken/asynq"

	"contest-arena/server/judge"
	"contest-arena/server/store"
)

// Task types carried over Redis.
const (
	TaskSnapshotPersist = "snapshot:persist"
	TaskPracticeJudge   = "practice:judge"
)

const (
	queueSnapshots = "snapshots"
	queuePractice  = "practice"
)

type snapshotPayload struct {
	ContestID string              `json:"contest_id"`
	Rows      []store.SnapshotRow `json:"rows"`
}

type practicePayload struct {
	UserID           string `json:"user_id"`
	QuestionID       string `json:"question_id"`
	SelectedOptionID string `json:"selected_option_id,omitempty"`
	Code             string `json:"code,omitempty"`
	Language         string `json:"language,omitempty"`
}

// Jobs enqueues background work. Snapshot persistence rides the queue so a
// transient store outage at contest end cannot lose the final standings.
type Jobs struct {
	client *asynq.Client
}

func NewJobs(redisAddr string, redisDB int) *Jobs {
	return &Jobs{client: asynq.NewClient(asynq.RedisClientOpt{Addr: redisAddr, DB: redisDB})}
}

func (j *Jobs) Close() error { return j.client.Close() }

// EnqueueSnapshot schedules the durable write of a contest's frozen
// standings. Retries are generous; the write itself is idempotent.
func (j *Jobs) EnqueueSnapshot(contestID string, rows []store.SnapshotRow) error {
	payload, err := json.Marshal(snapshotPayload{ContestID: contestID, Rows: rows})
	if err != nil {
		return err
	}
	task := asynq.NewTask(TaskSnapshotPersist, payload)
	_, err = j.client.Enqueue(task,
		asynq.Queue(queueSnapshots),
		asynq.MaxRetry(10),
		asynq.Timeout(30*time.Second),
	)
	return err
}

// EnqueuePractice schedules contest-less judging; the result lands in the
// user's practice history.
func (j *Jobs) EnqueuePractice(req *judge.SubmitRequest) error {
	payload, err := json.Marshal(practicePayload{
		UserID:           req.UserID,
		QuestionID:       req.QuestionID,
		SelectedOptionID: req.SelectedOptionID,
		Code:             req.Code,
		Language:         req.Language,
	})
	if err != nil {
		return err
	}
	task := asynq.NewTask(TaskPracticeJudge, payload)
	_, err = j.client.Enqueue(task,
		asynq.Queue(queuePractice),
		asynq.MaxRetry(3),
		asynq.Timeout(2*time.Minute),
	)
	return err
}

// Worker consumes the task queues.
type Worker struct {
	srv   *asynq.Server
	store store.Store
	pipe  *judge.Pipeline
}

func NewWorker(redisAddr string, redisDB int, st store.Store, pipe *judge.Pipeline) *Worker {
	srv := asynq.NewServer(
		asynq.RedisClientOpt{Addr: redisAddr, DB: redisDB},
		asynq.Config{
			Concurrency: 6,
			Queues: map[string]int{
				queueSnapshots: 2,
				queuePractice:  4,
			},
		},
	)
	return &Worker{srv: srv, store: st, pipe: pipe}
}

func (w *Worker) Start() error {
	mux := asynq.NewServeMux()
	mux.HandleFunc(TaskSnapshotPersist, w.handleSnapshotPersist)
	mux.HandleFunc(TaskPracticeJudge, w.handlePracticeJudge)
	return w.srv.Start(mux)
}

func (w *Worker) Shutdown() { w.srv.Shutdown() }

func (w *Worker) handleSnapshotPersist(ctx context.Context, t *asynq.Task) error {
	var p snapshotPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return fmt.Errorf("snapshot payload: %v: %w", err, asynq.SkipRetry)
	}
	if err := w.store.WriteSnapshot(ctx, p.ContestID, p.Rows); err != nil {
		return fmt.Errorf("write snapshot %s: %w", p.ContestID, err)
	}
	log.Printf("jobs: snapshot persisted for contest %s (%d rows)", p.ContestID, len(p.Rows))
	return nil
}

func (w *Worker) handlePracticeJudge(ctx context.Context, t *asynq.Task) error {
	var p practicePayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return fmt.Errorf("practice payload: %v: %w", err, asynq.SkipRetry)
	}
	_, err := w.pipe.Practice(ctx, &judge.SubmitRequest{
		UserID:           p.UserID,
		QuestionID:       p.QuestionID,
		SelectedOptionID: p.SelectedOptionID,
		Code:             p.Code,
		Language:         p.Language,
	})
	if err == judge.ErrBusy {
		return fmt.Errorf("practice judging busy: %w", err) // retried
	}
	return err
}
