package store

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// MemoryStore holds contest state in process memory. It implements the
// Store interface and backs unit tests and single-node development.
type MemoryStore struct {
	mu           sync.RWMutex
	contests     map[string]*Contest
	questions    map[string]*Question
	participants map[string]*Participant // key contestID/userID
	submissions  map[string]*Submission  // key userID/contestID/questionID
	practice     []*Submission
	snapshots    map[string][]SnapshotRow
}

// NewMemoryStore initializes a new MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		contests:     make(map[string]*Contest),
		questions:    make(map[string]*Question),
		participants: make(map[string]*Participant),
		submissions:  make(map[string]*Submission),
		snapshots:    make(map[string][]SnapshotRow),
	}
}

func participantKey(contestID, userID string) string { return contestID + "/" + userID }

func submissionKey(userID, contestID, questionID string) string {
	return userID + "/" + contestID + "/" + questionID
}

// --- Contest Operations ---

func (s *MemoryStore) CreateContest(ctx context.Context, c *Contest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *c
	cp.Questions = append([]ContestQuestion(nil), c.Questions...)
	s.contests[c.ID] = &cp
	return nil
}

func (s *MemoryStore) GetContest(ctx context.Context, contestID string) (*Contest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.contests[contestID]
	if !ok {
		return nil, nil
	}
	cp := *c
	cp.Questions = append([]ContestQuestion(nil), c.Questions...)
	return &cp, nil
}

func (s *MemoryStore) ListContests(ctx context.Context, statuses ...ContestStatus) ([]*Contest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Contest
	for _, c := range s.contests {
		if len(statuses) > 0 {
			match := false
			for _, st := range statuses {
				if c.Status == st {
					match = true
					break
				}
			}
			if !match {
				continue
			}
		}
		cp := *c
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartAt.Before(out[j].StartAt) })
	return out, nil
}

func (s *MemoryStore) ListContestsByStatus(ctx context.Context, status ContestStatus) ([]*Contest, error) {
	return s.ListContests(ctx, status)
}

func (s *MemoryStore) UpdateContestStatus(ctx context.Context, contestID string, status ContestStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.contests[contestID]
	if !ok {
		return errors.New("contest not found")
	}
	c.Status = status
	c.UpdatedAt = time.Now()
	return nil
}

// --- Question Operations ---

func (s *MemoryStore) CreateQuestion(ctx context.Context, q *Question) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *q
	cp.Options = append([]Option(nil), q.Options...)
	cp.TestCases = append([]TestCase(nil), q.TestCases...)
	s.questions[q.ID] = &cp
	return nil
}

func (s *MemoryStore) GetQuestion(ctx context.Context, questionID string) (*Question, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	q, ok := s.questions[questionID]
	if !ok {
		return nil, nil
	}
	cp := *q
	cp.Options = append([]Option(nil), q.Options...)
	cp.TestCases = append([]TestCase(nil), q.TestCases...)
	return &cp, nil
}

// --- Participant Operations ---

func (s *MemoryStore) UpsertParticipant(ctx context.Context, p *Participant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := participantKey(p.ContestID, p.UserID)
	if _, ok := s.participants[key]; ok {
		return nil
	}
	cp := *p
	s.participants[key] = &cp
	return nil
}

func (s *MemoryStore) GetParticipant(ctx context.Context, contestID, userID string) (*Participant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.participants[participantKey(contestID, userID)]
	if !ok {
		return nil, nil
	}
	cp := *p
	return &cp, nil
}

func (s *MemoryStore) ListParticipants(ctx context.Context, contestID string) ([]*Participant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Participant
	for _, p := range s.participants {
		if p.ContestID == contestID {
			cp := *p
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

func (s *MemoryStore) UpdateParticipantCursor(ctx context.Context, contestID, userID string, cursor int, completedAt *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.participants[participantKey(contestID, userID)]
	if !ok {
		return errors.New("participant not found")
	}
	if cursor < p.Cursor {
		return errors.New("cursor regression")
	}
	p.Cursor = cursor
	if completedAt != nil && p.CompletedAt == nil {
		t := *completedAt
		p.CompletedAt = &t
	}
	return nil
}

// --- Submission Operations ---

func (s *MemoryStore) CreateSubmission(ctx context.Context, sub *Submission) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := submissionKey(sub.UserID, sub.ContestID, sub.QuestionID)
	if _, ok := s.submissions[key]; ok {
		return ErrDuplicateSubmission
	}
	cp := *sub
	s.submissions[key] = &cp
	return nil
}

func (s *MemoryStore) GetSubmission(ctx context.Context, userID, contestID, questionID string) (*Submission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sub, ok := s.submissions[submissionKey(userID, contestID, questionID)]
	if !ok {
		return nil, nil
	}
	cp := *sub
	return &cp, nil
}

func (s *MemoryStore) ListContestSubmissions(ctx context.Context, contestID string) ([]*Submission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Submission
	for _, sub := range s.submissions {
		if sub.ContestID == contestID {
			cp := *sub
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SubmittedAt.Before(out[j].SubmittedAt) })
	return out, nil
}

func (s *MemoryStore) ListUserContestSubmissions(ctx context.Context, contestID, userID string) ([]*Submission, error) {
	all, _ := s.ListContestSubmissions(ctx, contestID)
	var out []*Submission
	for _, sub := range all {
		if sub.UserID == userID {
			out = append(out, sub)
		}
	}
	return out, nil
}

func (s *MemoryStore) CreatePracticeSubmission(ctx context.Context, sub *Submission) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *sub
	s.practice = append(s.practice, &cp)
	return nil
}

// --- Snapshot Operations ---

func (s *MemoryStore) WriteSnapshot(ctx context.Context, contestID string, rows []SnapshotRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.snapshots[contestID]; ok {
		return nil
	}
	s.snapshots[contestID] = append([]SnapshotRow(nil), rows...)
	return nil
}

func (s *MemoryStore) GetSnapshot(ctx context.Context, contestID string) ([]SnapshotRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]SnapshotRow(nil), s.snapshots[contestID]...), nil
}

func (s *MemoryStore) Close() {}
