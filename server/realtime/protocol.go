package realtime

import (
	"encoding/json"
	"errors"
	"time"

	"contest-arena/server/contest"
	"contest-arena/server/judge"
)

// Inbound event names.
const (
	evJoinContest            = "join_contest"
	evSubmitAnswer           = "submit_answer"
	evResync                 = "resync"
	evPing                   = "ping"
	evSubscribeContests      = "subscribe_contests"
	evSubscribeLeaderboard   = "subscribe_leaderboard"
	evUnsubscribeLeaderboard = "unsubscribe_leaderboard"
)

// Outbound event names not produced by the contest loop.
const (
	evContestsUpdate = "contests_update"
	evError          = "error"
	evPong           = "pong"
)

// Inbound is one decoded client frame.
type Inbound struct {
	Event     string          `json:"event"`
	Data      json.RawMessage `json:"data"`
	Timestamp time.Time       `json:"timestamp"`
}

// Outbound is one frame queued for a session. Critical frames are never
// dropped under back-pressure; if one cannot be queued the session closes.
type Outbound struct {
	Event     string      `json:"event"`
	Data      interface{} `json:"data"`
	Timestamp time.Time   `json:"timestamp"`
}

type joinPayload struct {
	ContestID string `json:"contestId"`
}

type submitPayload struct {
	QuestionID       string    `json:"questionId"`
	SelectedOptionID string    `json:"selectedOptionId,omitempty"`
	Code             string    `json:"code,omitempty"`
	Language         string    `json:"language,omitempty"`
	SubmittedAt      time.Time `json:"submittedAt"`
}

type contestRefPayload struct {
	ContestID string `json:"contestId"`
}

// ErrorCode is the wire error vocabulary.
type ErrorCode string

const (
	CodeInvalidEvent       ErrorCode = "INVALID_EVENT"
	CodeUnauthenticated    ErrorCode = "UNAUTHENTICATED"
	CodeContestNotFound    ErrorCode = "CONTEST_NOT_FOUND"
	CodeContestNotActive   ErrorCode = "CONTEST_NOT_ACTIVE"
	CodeContestNotJoinable ErrorCode = "CONTEST_NOT_JOINABLE"
	CodeContestCompleted   ErrorCode = "CONTEST_COMPLETED_FOR_USER"
	CodeNotParticipant     ErrorCode = "NOT_PARTICIPANT"
	CodeInvalidQuestion    ErrorCode = "INVALID_QUESTION"
	CodeNotCurrentQuestion ErrorCode = "NOT_CURRENT_QUESTION"
	CodeInvalidOption      ErrorCode = "INVALID_OPTION"
	CodeAlreadySubmitted   ErrorCode = "ALREADY_SUBMITTED"
	CodeTimeExpired        ErrorCode = "TIME_EXPIRED"
	CodeServiceBusy        ErrorCode = "SERVICE_BUSY"
	CodeBackpressureClosed ErrorCode = "BACKPRESSURE_CLOSED"
	CodeServerError        ErrorCode = "SERVER_ERROR"
)

type errorPayload struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message,omitempty"`
}

// codeFor maps domain errors to wire codes.
func codeFor(err error) ErrorCode {
	switch {
	case errors.Is(err, contest.ErrContestNotFound):
		return CodeContestNotFound
	case errors.Is(err, contest.ErrContestNotJoinable):
		return CodeContestNotJoinable
	case errors.Is(err, contest.ErrCompletedForUser):
		return CodeContestCompleted
	case errors.Is(err, contest.ErrNotParticipant):
		return CodeNotParticipant
	case errors.Is(err, contest.ErrContestNotActive):
		return CodeContestNotActive
	case errors.Is(err, contest.ErrInvalidQuestion):
		return CodeInvalidQuestion
	case errors.Is(err, contest.ErrNotCurrentQuestion):
		return CodeNotCurrentQuestion
	case errors.Is(err, contest.ErrAlreadySubmitted):
		return CodeAlreadySubmitted
	case errors.Is(err, contest.ErrTimeExpired):
		return CodeTimeExpired
	case errors.Is(err, judge.ErrInvalidOption):
		return CodeInvalidOption
	case errors.Is(err, judge.ErrInvalidPayload):
		return CodeInvalidEvent
	case errors.Is(err, judge.ErrBusy), errors.Is(err, judge.ErrSandbox):
		return CodeServiceBusy
	default:
		return CodeServerError
	}
}

// criticalEvent reports whether a frame must survive back-pressure.
// Dropping any of these would desynchronize the client beyond what the
// next periodic update repairs; the client must instead reconnect and
// resync.
func criticalEvent(event string) bool {
	switch event {
	case string(contest.EventQuestionBroadcast),
		string(contest.EventSubmissionResult),
		string(contest.EventTimeExpired),
		string(contest.EventContestStart),
		string(contest.EventContestEnd),
		evError:
		return true
	}
	return false
}
