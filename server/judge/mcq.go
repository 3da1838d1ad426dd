package judge

import (
	"errors"

	"contest-arena/server/store"
)

// ErrInvalidOption rejects an MCQ answer naming an option the question does
// not have.
var ErrInvalidOption = errors.New("option not in question")

// judgeMCQ resolves an MCQ answer to ACCEPTED or WRONG_ANSWER.
func judgeMCQ(q *store.Question, selectedOptionID string) (store.Verdict, error) {
	found := false
	correct := false
	for _, o := range q.Options {
		if o.ID == selectedOptionID {
			found = true
			correct = o.IsCorrect
			break
		}
	}
	if !found {
		return "", ErrInvalidOption
	}
	if correct {
		return store.VerdictAccepted, nil
	}
	return store.VerdictWrongAnswer, nil
}
