package store

import (
	"context"
	"errors"
	"time"
)

// ErrDuplicateSubmission is returned when a contest submission already
// exists for the same (user, contest, question) triple. The unique index
// is the idempotency key; callers treat this as ALREADY_SUBMITTED.
var ErrDuplicateSubmission = errors.New("duplicate submission")

// Store is the durable persistence boundary. Implementations return
// (nil, nil) for lookups that find nothing.
type Store interface {
	// Contests
	CreateContest(ctx context.Context, c *Contest) error
	GetContest(ctx context.Context, contestID string) (*Contest, error)
	ListContests(ctx context.Context, statuses ...ContestStatus) ([]*Contest, error)
	UpdateContestStatus(ctx context.Context, contestID string, status ContestStatus) error
	ListContestsByStatus(ctx context.Context, status ContestStatus) ([]*Contest, error)

	// Questions
	CreateQuestion(ctx context.Context, q *Question) error
	GetQuestion(ctx context.Context, questionID string) (*Question, error)

	// Participants
	UpsertParticipant(ctx context.Context, p *Participant) error
	GetParticipant(ctx context.Context, contestID, userID string) (*Participant, error)
	ListParticipants(ctx context.Context, contestID string) ([]*Participant, error)
	UpdateParticipantCursor(ctx context.Context, contestID, userID string, cursor int, completedAt *time.Time) error

	// Submissions
	CreateSubmission(ctx context.Context, s *Submission) error
	GetSubmission(ctx context.Context, userID, contestID, questionID string) (*Submission, error)
	ListContestSubmissions(ctx context.Context, contestID string) ([]*Submission, error)
	ListUserContestSubmissions(ctx context.Context, contestID, userID string) ([]*Submission, error)
	CreatePracticeSubmission(ctx context.Context, s *Submission) error

	// Snapshots
	WriteSnapshot(ctx context.Context, contestID string, rows []SnapshotRow) error
	GetSnapshot(ctx context.Context, contestID string) ([]SnapshotRow, error)

	Close()
}
