package leaderboard

import (
	"context"
	"errors"
	"time"
)

// ErrFrozen is returned for writes after SnapshotAndFreeze.
var ErrFrozen = errors.New("leaderboard frozen")

// Entry is one volatile standing row. TieBreaker is the timestamp of the
// user's last accepted submission; ties in Score break by earliest TieBreaker.
type Entry struct {
	Rank              int       `json:"rank"`
	UserID            string    `json:"user_id"`
	Score             int       `json:"score"`
	QuestionsAnswered int       `json:"questions_answered"`
	TieBreaker        time.Time `json:"tie_breaker"`
}

// Engine maintains per-contest ordered standings. Implementations must make
// AddOrIncr atomic; the scoring critical section is the only writer.
type Engine interface {
	// AddOrIncr registers the user if absent and adds delta to their score.
	// TieBreaker only ever moves forward (max of existing and given).
	// A positive delta also increments the answered-question count.
	AddOrIncr(ctx context.Context, contestID, userID string, delta int, tieBreaker time.Time) error

	// TopK returns the best k entries with 1-based ranks.
	TopK(ctx context.Context, contestID string, k int) ([]Entry, error)

	// RankOf returns the user's 1-based rank, or 0 if unknown.
	RankOf(ctx context.Context, contestID, userID string) (int, error)

	ScoreOf(ctx context.Context, contestID, userID string) (int, error)

	// EntryOf returns the user's full slot, or nil if unknown.
	EntryOf(ctx context.Context, contestID, userID string) (*Entry, error)

	// SnapshotAndFreeze returns the complete ordered standings, rejects all
	// subsequent writes for the contest, and releases the volatile set.
	SnapshotAndFreeze(ctx context.Context, contestID string) ([]Entry, error)
}

// tieEpsilon encodes the tie-breaker into the sorted-set score as
// points - unixMillis*tieEpsilon. Point totals are integers, so any two
// distinct totals stay more than the encoded millisecond term apart
// (1.8e12 ms * 1e-13 < 0.2).
const tieEpsilon = 1e-13

func compositeScore(points int, tieBreaker time.Time) float64 {
	var ms int64
	if !tieBreaker.IsZero() {
		ms = tieBreaker.UnixMilli()
	}
	return float64(points) - float64(ms)*tieEpsilon
}
