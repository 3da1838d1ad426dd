package contest

import (
	"time"

	"contest-arena/server/leaderboard"
	"contest-arena/server/store"
)

// EventType names the outbound events produced by a contest loop.
type EventType string

const (
	EventContestStart      EventType = "contest_start"
	EventQuestionBroadcast EventType = "question_broadcast"
	EventTimerUpdate       EventType = "timer_update"
	EventSubmissionResult  EventType = "submission_result"
	EventQuestionChange    EventType = "question_change"
	EventTimeExpired       EventType = "time_expired"
	EventLeaderboardUpdate EventType = "leaderboard_update"
	EventContestEnd        EventType = "contest_end"
)

// Event is one entry in the canonical contest stream. UserID is empty for
// aggregate copies addressed to admin and public observers; per-participant
// copies carry the recipient and that recipient's monotonic Seq.
type Event struct {
	Type      EventType   `json:"event"`
	ContestID string      `json:"contest_id"`
	UserID    string      `json:"user_id,omitempty"`
	Seq       uint64      `json:"seq"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data"`
}

// OptionView is an MCQ option with the answer key stripped.
type OptionView struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

// TestCaseView is a visible (non-hidden) sample test.
type TestCaseView struct {
	Input    string `json:"input"`
	Expected string `json:"expected"`
}

// QuestionPayload is the per-participant question_broadcast body.
type QuestionPayload struct {
	QuestionID      string             `json:"question_id"`
	Index           int                `json:"index"`
	Total           int                `json:"total"`
	Kind            store.QuestionKind `json:"kind"`
	Title           string             `json:"title"`
	Description     string             `json:"description"`
	Difficulty      string             `json:"difficulty"`
	FunctionName    string             `json:"function_name,omitempty"`
	Points          int                `json:"points"`
	Options         []OptionView       `json:"options,omitempty"`
	VisibleTests    []TestCaseView     `json:"visible_tests,omitempty"`
	TimeRemainingMs int64              `json:"time_remaining_ms"`
}

// TimerPayload is the timer_update body.
type TimerPayload struct {
	QuestionID      string `json:"question_id"`
	TimeRemainingMs int64  `json:"time_remaining_ms"`
}

// ResultPayload is the submission_result body.
type ResultPayload struct {
	SubmissionID    string        `json:"submission_id"`
	QuestionID      string        `json:"question_id"`
	Verdict         store.Verdict `json:"verdict"`
	IsCorrect       bool          `json:"is_correct"`
	TestCasesPassed int           `json:"test_cases_passed"`
	TestCasesTotal  int           `json:"test_cases_total"`
	RuntimeMs       int           `json:"runtime_ms"`
	MemoryKB        int           `json:"memory_kb"`
	PointsEarned    int           `json:"points_earned"`
	CurrentScore    int           `json:"current_score"`
	CurrentRank     int           `json:"current_rank"`
}

// EndPayload is the contest_end body. Score and Rank are zero on the
// aggregate copy.
type EndPayload struct {
	ContestID  string `json:"contest_id"`
	FinalScore int    `json:"final_score,omitempty"`
	FinalRank  int    `json:"final_rank,omitempty"`
}

// View is the authoritative full-state answer to join/currentView/resync.
// Seq is the last event sequence assigned to this user; frames derived
// from the view carry it so clients can discard older feed deliveries.
type View struct {
	ContestID          string              `json:"contest_id"`
	Seq                uint64              `json:"seq"`
	Status             store.ContestStatus `json:"status"`
	Question           *QuestionPayload    `json:"question,omitempty"`
	TimeRemainingMs    int64               `json:"time_remaining_ms"`
	CountdownToStartMs int64               `json:"countdown_to_start_ms,omitempty"`
	Score              int                 `json:"score"`
	Rank               int                 `json:"rank"`
	Leaderboard        []leaderboard.Entry `json:"leaderboard,omitempty"`
	Finished           bool                `json:"finished"`
}
