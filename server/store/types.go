package store

import (
	"time"
)

// Contest lifecycle states.
type ContestStatus string

const (
	ContestDraft     ContestStatus = "DRAFT"
	ContestUpcoming  ContestStatus = "UPCOMING"
	ContestActive    ContestStatus = "ACTIVE"
	ContestCompleted ContestStatus = "COMPLETED"
)

// Question kinds.
type QuestionKind string

const (
	KindMCQ     QuestionKind = "MCQ"
	KindCoding  QuestionKind = "CODING"
	KindDSA     QuestionKind = "DSA"
	KindSandbox QuestionKind = "SANDBOX"
)

// Submission verdicts. TIME_EXPIRED and NOT_ATTEMPTED are placeholder
// verdicts written by the contest loop, never by the judge.
type Verdict string

const (
	VerdictAccepted     Verdict = "ACCEPTED"
	VerdictWrongAnswer  Verdict = "WRONG_ANSWER"
	VerdictTLE          Verdict = "TLE"
	VerdictMLE          Verdict = "MLE"
	VerdictRuntimeError Verdict = "RUNTIME_ERROR"
	VerdictCompileError Verdict = "COMPILATION_ERROR"
	VerdictTimeExpired  Verdict = "TIME_EXPIRED"
	VerdictNotAttempted Verdict = "NOT_ATTEMPTED"
)

// Contest is the admin-authored contest row plus its bound question list.
type Contest struct {
	ID        string            `json:"id" db:"id"`
	Title     string            `json:"title" db:"title"`
	StartAt   time.Time         `json:"start_at" db:"start_at"`
	EndAt     time.Time         `json:"end_at" db:"end_at"`
	Status    ContestStatus     `json:"status" db:"status"`
	Questions []ContestQuestion `json:"questions"`
	CreatedAt time.Time         `json:"created_at" db:"created_at"`
	UpdatedAt time.Time         `json:"updated_at" db:"updated_at"`
}

// ContestQuestion binds a question into a contest's ordered list.
// Immutable while the contest is ACTIVE.
type ContestQuestion struct {
	ContestID        string `json:"contest_id" db:"contest_id"`
	QuestionID       string `json:"question_id" db:"question_id"`
	OrderIndex       int    `json:"order_index" db:"order_index"`
	Points           int    `json:"points" db:"points"`
	TimeLimitSeconds int    `json:"time_limit_seconds" db:"time_limit_seconds"`
}

// Option is one MCQ choice. Exactly one option per question is marked
// correct at authoring time; IsCorrect never leaves the server.
type Option struct {
	ID        string `json:"id" db:"id"`
	Text      string `json:"text" db:"text"`
	IsCorrect bool   `json:"-" db:"is_correct"`
}

// TestCase is one input/expected pair for a code question, ordered.
// Hidden cases are judged but never broadcast.
type TestCase struct {
	ID       string `json:"id" db:"id"`
	Input    string `json:"input" db:"input"`
	Expected string `json:"expected" db:"expected"`
	Hidden   bool   `json:"hidden" db:"hidden"`
	Order    int    `json:"test_order" db:"test_order"`
}

// Question is an admin-authored question, referenced by many contests.
type Question struct {
	ID            string       `json:"id" db:"id"`
	Kind          QuestionKind `json:"kind" db:"kind"`
	Title         string       `json:"title" db:"title"`
	Description   string       `json:"description" db:"description"`
	Difficulty    string       `json:"difficulty" db:"difficulty"`
	FunctionName  string       `json:"function_name,omitempty" db:"function_name"`
	TimeLimitMs   int          `json:"time_limit_ms" db:"time_limit_ms"`
	MemoryLimitMB int          `json:"memory_limit_mb" db:"memory_limit_mb"`
	Options       []Option     `json:"options,omitempty"`
	TestCases     []TestCase   `json:"test_cases,omitempty"`
	CreatedAt     time.Time    `json:"created_at" db:"created_at"`
}

// Participant tracks one user's membership and progress in a contest.
// Cursor is the index of the next unanswered question.
type Participant struct {
	ContestID   string     `json:"contest_id" db:"contest_id"`
	UserID      string     `json:"user_id" db:"user_id"`
	JoinedAt    time.Time  `json:"joined_at" db:"joined_at"`
	Cursor      int        `json:"cursor" db:"cursor"`
	CompletedAt *time.Time `json:"completed_at,omitempty" db:"completed_at"`
}

// Submission is immutable once written. ContestID is empty for practice
// submissions, which are append-only; in contest mode the triple
// (user, contest, question) is unique.
type Submission struct {
	ID               string    `json:"id" db:"id"`
	UserID           string    `json:"user_id" db:"user_id"`
	ContestID        string    `json:"contest_id,omitempty" db:"contest_id"`
	QuestionID       string    `json:"question_id" db:"question_id"`
	SelectedOptionID string    `json:"selected_option_id,omitempty" db:"selected_option_id"`
	Code             string    `json:"code,omitempty" db:"code"`
	Language         string    `json:"language,omitempty" db:"language"`
	Verdict          Verdict   `json:"verdict" db:"verdict"`
	TestCasesPassed  int       `json:"test_cases_passed" db:"test_cases_passed"`
	TestCasesTotal   int       `json:"test_cases_total" db:"test_cases_total"`
	RuntimeMs        int       `json:"runtime_ms" db:"runtime_ms"`
	MemoryKB         int       `json:"memory_kb" db:"memory_kb"`
	PointsAwarded    int       `json:"points_awarded" db:"points_awarded"`
	SubmittedAt      time.Time `json:"submitted_at" db:"submitted_at"`
}

// SnapshotRow is a durable, frozen final standing, written once per
// participant when a contest completes.
type SnapshotRow struct {
	ContestID         string    `json:"contest_id" db:"contest_id"`
	UserID            string    `json:"user_id" db:"user_id"`
	Rank              int       `json:"rank" db:"rank"`
	Score             int       `json:"score" db:"score"`
	QuestionsAnswered int       `json:"questions_answered" db:"questions_answered"`
	CreatedAt         time.Time `json:"created_at" db:"created_at"`
}
