package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore implements Store using a PostgreSQL backend.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore initializes a new PostgresStore with a connection pool.
func NewPostgresStore(ctx context.Context, connString string) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, err
	}

	// Sized for the sandbox worker pool plus the contest loops.
	config.MaxConns = 32
	config.MinConns = 4
	config.MaxConnLifetime = time.Hour
	config.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

// Close closes the connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

// --- Contest Operations ---

func (s *PostgresStore) CreateContest(ctx context.Context, c *Contest) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	query := `
		INSERT INTO contests (id, title, start_at, end_at, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW(), NOW())
		ON CONFLICT (id) DO UPDATE SET
			title = EXCLUDED.title,
			start_at = EXCLUDED.start_at,
			end_at = EXCLUDED.end_at,
			status = EXCLUDED.status,
			updated_at = NOW()
	`
	if _, err := tx.Exec(ctx, query, c.ID, c.Title, c.StartAt, c.EndAt, c.Status); err != nil {
		return err
	}

	if _, err := tx.Exec(ctx, `DELETE FROM contest_questions WHERE contest_id = $1`, c.ID); err != nil {
		return err
	}
	for _, cq := range c.Questions {
		_, err := tx.Exec(ctx, `
			INSERT INTO contest_questions (contest_id, question_id, order_index, points, time_limit_seconds)
			VALUES ($1, $2, $3, $4, $5)
		`, c.ID, cq.QuestionID, cq.OrderIndex, cq.Points, cq.TimeLimitSeconds)
		if err != nil {
			return err
		}
	}

	return tx.Commit(ctx)
}

func (s *PostgresStore) GetContest(ctx context.Context, contestID string) (*Contest, error) {
	query := `
		SELECT id, title, start_at, end_at, status, created_at, updated_at
		FROM contests WHERE id = $1
	`
	var c Contest
	err := s.pool.QueryRow(ctx, query, contestID).Scan(
		&c.ID, &c.Title, &c.StartAt, &c.EndAt, &c.Status, &c.CreatedAt, &c.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	rows, err := s.pool.Query(ctx, `
		SELECT contest_id, question_id, order_index, points, time_limit_seconds
		FROM contest_questions WHERE contest_id = $1 ORDER BY order_index
	`, contestID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var cq ContestQuestion
		if err := rows.Scan(&cq.ContestID, &cq.QuestionID, &cq.OrderIndex, &cq.Points, &cq.TimeLimitSeconds); err != nil {
			return nil, err
		}
		c.Questions = append(c.Questions, cq)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *PostgresStore) ListContests(ctx context.Context, statuses ...ContestStatus) ([]*Contest, error) {
	query := `
		SELECT id, title, start_at, end_at, status, created_at, updated_at
		FROM contests
	`
	args := []any{}
	if len(statuses) > 0 {
		query += ` WHERE status = ANY($1)`
		ss := make([]string, len(statuses))
		for i, st := range statuses {
			ss[i] = string(st)
		}
		args = append(args, ss)
	}
	query += ` ORDER BY start_at`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var contests []*Contest
	for rows.Next() {
		var c Contest
		if err := rows.Scan(&c.ID, &c.Title, &c.StartAt, &c.EndAt, &c.Status, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, err
		}
		contests = append(contests, &c)
	}
	return contests, rows.Err()
}

func (s *PostgresStore) ListContestsByStatus(ctx context.Context, status ContestStatus) ([]*Contest, error) {
	return s.ListContests(ctx, status)
}

func (s *PostgresStore) UpdateContestStatus(ctx context.Context, contestID string, status ContestStatus) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE contests SET status = $1, updated_at = NOW() WHERE id = $2`, status, contestID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errors.New("contest not found")
	}
	return nil
}

// --- Question Operations ---

func (s *PostgresStore) CreateQuestion(ctx context.Context, q *Question) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	query := `
		INSERT INTO questions (id, kind, title, description, difficulty, function_name, time_limit_ms, memory_limit_mb, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW())
	`
	if _, err := tx.Exec(ctx, query, q.ID, q.Kind, q.Title, q.Description, q.Difficulty,
		q.FunctionName, q.TimeLimitMs, q.MemoryLimitMB); err != nil {
		return err
	}

	for _, o := range q.Options {
		_, err := tx.Exec(ctx, `
			INSERT INTO question_options (id, question_id, text, is_correct)
			VALUES ($1, $2, $3, $4)
		`, o.ID, q.ID, o.Text, o.IsCorrect)
		if err != nil {
			return err
		}
	}
	for _, tc := range q.TestCases {
		_, err := tx.Exec(ctx, `
			INSERT INTO question_test_cases (id, question_id, input, expected, hidden, test_order)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, tc.ID, q.ID, tc.Input, tc.Expected, tc.Hidden, tc.Order)
		if err != nil {
			return err
		}
	}

	return tx.Commit(ctx)
}

func (s *PostgresStore) GetQuestion(ctx context.Context, questionID string) (*Question, error) {
	query := `
		SELECT id, kind, title, description, difficulty, COALESCE(function_name, ''), time_limit_ms, memory_limit_mb, created_at
		FROM questions WHERE id = $1
	`
	var q Question
	err := s.pool.QueryRow(ctx, query, questionID).Scan(
		&q.ID, &q.Kind, &q.Title, &q.Description, &q.Difficulty,
		&q.FunctionName, &q.TimeLimitMs, &q.MemoryLimitMB, &q.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	optRows, err := s.pool.Query(ctx,
		`SELECT id, text, is_correct FROM question_options WHERE question_id = $1 ORDER BY id`, questionID)
	if err != nil {
		return nil, err
	}
	defer optRows.Close()
	for optRows.Next() {
		var o Option
		if err := optRows.Scan(&o.ID, &o.Text, &o.IsCorrect); err != nil {
			return nil, err
		}
		q.Options = append(q.Options, o)
	}
	if err := optRows.Err(); err != nil {
		return nil, err
	}

	tcRows, err := s.pool.Query(ctx,
		`SELECT id, input, expected, hidden, test_order FROM question_test_cases WHERE question_id = $1 ORDER BY test_order`, questionID)
	if err != nil {
		return nil, err
	}
	defer tcRows.Close()
	for tcRows.Next() {
		var tc TestCase
		if err := tcRows.Scan(&tc.ID, &tc.Input, &tc.Expected, &tc.Hidden, &tc.Order); err != nil {
			return nil, err
		}
		q.TestCases = append(q.TestCases, tc)
	}
	return &q, tcRows.Err()
}

// --- Participant Operations ---

func (s *PostgresStore) UpsertParticipant(ctx context.Context, p *Participant) error {
	query := `
		INSERT INTO participants (contest_id, user_id, joined_at, cursor, completed_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (contest_id, user_id) DO NOTHING
	`
	_, err := s.pool.Exec(ctx, query, p.ContestID, p.UserID, p.JoinedAt, p.Cursor, p.CompletedAt)
	return err
}

func (s *PostgresStore) GetParticipant(ctx context.Context, contestID, userID string) (*Participant, error) {
	query := `
		SELECT contest_id, user_id, joined_at, cursor, completed_at
		FROM participants WHERE contest_id = $1 AND user_id = $2
	`
	var p Participant
	err := s.pool.QueryRow(ctx, query, contestID, userID).Scan(
		&p.ContestID, &p.UserID, &p.JoinedAt, &p.Cursor, &p.CompletedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *PostgresStore) ListParticipants(ctx context.Context, contestID string) ([]*Participant, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT contest_id, user_id, joined_at, cursor, completed_at
		FROM participants WHERE contest_id = $1
	`, contestID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var parts []*Participant
	for rows.Next() {
		var p Participant
		if err := rows.Scan(&p.ContestID, &p.UserID, &p.JoinedAt, &p.Cursor, &p.CompletedAt); err != nil {
			return nil, err
		}
		parts = append(parts, &p)
	}
	return parts, rows.Err()
}

func (s *PostgresStore) UpdateParticipantCursor(ctx context.Context, contestID, userID string, cursor int, completedAt *time.Time) error {
	// Cursor only ever moves forward.
	tag, err := s.pool.Exec(ctx, `
		UPDATE participants SET cursor = $1, completed_at = COALESCE($2, completed_at)
		WHERE contest_id = $3 AND user_id = $4 AND cursor <= $1
	`, cursor, completedAt, contestID, userID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errors.New("participant not found or cursor regression")
	}
	return nil
}

// --- Submission Operations ---

// CreateSubmission inserts a contest submission. The partial unique index
// on (user_id, contest_id, question_id) is the idempotency key: a retried
// or duplicate write reports ErrDuplicateSubmission and changes nothing.
func (s *PostgresStore) CreateSubmission(ctx context.Context, sub *Submission) error {
	query := `
		INSERT INTO submissions
			(id, user_id, contest_id, question_id, selected_option_id, code, language,
			 verdict, test_cases_passed, test_cases_total, runtime_ms, memory_kb, points_awarded, submitted_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (user_id, contest_id, question_id) DO NOTHING
	`
	tag, err := s.pool.Exec(ctx, query,
		sub.ID, sub.UserID, sub.ContestID, sub.QuestionID, sub.SelectedOptionID, sub.Code, sub.Language,
		sub.Verdict, sub.TestCasesPassed, sub.TestCasesTotal, sub.RuntimeMs, sub.MemoryKB,
		sub.PointsAwarded, sub.SubmittedAt,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrDuplicateSubmission
	}
	return nil
}

func (s *PostgresStore) GetSubmission(ctx context.Context, userID, contestID, questionID string) (*Submission, error) {
	query := `
		SELECT id, user_id, contest_id, question_id, COALESCE(selected_option_id, ''), COALESCE(code, ''), COALESCE(language, ''),
		       verdict, test_cases_passed, test_cases_total, runtime_ms, memory_kb, points_awarded, submitted_at
		FROM submissions WHERE user_id = $1 AND contest_id = $2 AND question_id = $3
	`
	var sub Submission
	err := s.pool.QueryRow(ctx, query, userID, contestID, questionID).Scan(
		&sub.ID, &sub.UserID, &sub.ContestID, &sub.QuestionID, &sub.SelectedOptionID, &sub.Code, &sub.Language,
		&sub.Verdict, &sub.TestCasesPassed, &sub.TestCasesTotal, &sub.RuntimeMs, &sub.MemoryKB,
		&sub.PointsAwarded, &sub.SubmittedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

func (s *PostgresStore) ListContestSubmissions(ctx context.Context, contestID string) ([]*Submission, error) {
	return s.listSubmissions(ctx, `contest_id = $1 ORDER BY submitted_at`, contestID)
}

func (s *PostgresStore) ListUserContestSubmissions(ctx context.Context, contestID, userID string) ([]*Submission, error) {
	return s.listSubmissions(ctx, `contest_id = $1 AND user_id = $2 ORDER BY submitted_at`, contestID, userID)
}

func (s *PostgresStore) listSubmissions(ctx context.Context, where string, args ...any) ([]*Submission, error) {
	query := `
		SELECT id, user_id, COALESCE(contest_id, ''), question_id, COALESCE(selected_option_id, ''), COALESCE(code, ''), COALESCE(language, ''),
		       verdict, test_cases_passed, test_cases_total, runtime_ms, memory_kb, points_awarded, submitted_at
		FROM submissions WHERE ` + where
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var subs []*Submission
	for rows.Next() {
		var sub Submission
		if err := rows.Scan(
			&sub.ID, &sub.UserID, &sub.ContestID, &sub.QuestionID, &sub.SelectedOptionID, &sub.Code, &sub.Language,
			&sub.Verdict, &sub.TestCasesPassed, &sub.TestCasesTotal, &sub.RuntimeMs, &sub.MemoryKB,
			&sub.PointsAwarded, &sub.SubmittedAt,
		); err != nil {
			return nil, err
		}
		subs = append(subs, &sub)
	}
	return subs, rows.Err()
}

// CreatePracticeSubmission appends to the practice history. No uniqueness,
// no contest binding.
func (s *PostgresStore) CreatePracticeSubmission(ctx context.Context, sub *Submission) error {
	query := `
		INSERT INTO practice_submissions
			(id, user_id, question_id, code, language, selected_option_id,
			 verdict, test_cases_passed, test_cases_total, runtime_ms, memory_kb, submitted_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`
	_, err := s.pool.Exec(ctx, query,
		sub.ID, sub.UserID, sub.QuestionID, sub.Code, sub.Language, sub.SelectedOptionID,
		sub.Verdict, sub.TestCasesPassed, sub.TestCasesTotal, sub.RuntimeMs, sub.MemoryKB, sub.SubmittedAt,
	)
	return err
}

// --- Snapshot Operations ---

// WriteSnapshot stores the frozen final standings. Writing twice for the
// same contest is a no-op so the persistence job can be retried safely.
func (s *PostgresStore) WriteSnapshot(ctx context.Context, contestID string, snapshotRows []SnapshotRow) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var existing int
	if err := tx.QueryRow(ctx,
		`SELECT COUNT(*) FROM leaderboard_snapshots WHERE contest_id = $1`, contestID).Scan(&existing); err != nil {
		return err
	}
	if existing > 0 {
		return nil
	}

	for _, row := range snapshotRows {
		_, err := tx.Exec(ctx, `
			INSERT INTO leaderboard_snapshots (contest_id, user_id, rank, score, questions_answered, created_at)
			VALUES ($1, $2, $3, $4, $5, NOW())
		`, contestID, row.UserID, row.Rank, row.Score, row.QuestionsAnswered)
		if err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) GetSnapshot(ctx context.Context, contestID string) ([]SnapshotRow, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT contest_id, user_id, rank, score, questions_answered, created_at
		FROM leaderboard_snapshots WHERE contest_id = $1 ORDER BY rank
	`, contestID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SnapshotRow
	for rows.Next() {
		var r SnapshotRow
		if err := rows.Scan(&r.ContestID, &r.UserID, &r.Rank, &r.Score, &r.QuestionsAnswered, &r.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
