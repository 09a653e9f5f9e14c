package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgconn"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"

	"competition-engine/internal/domain"
)

const uniqueViolation = "23505"

// Publisher fans a row change out to the other devices in the
// competition. Postgres itself has no push channel here, so the store
// publishes after each successful write.
type Publisher interface {
	Publish(ctx context.Context, ev domain.ChangeEvent) error
}

// Store is the authoritative competition store backed by Postgres.
// Uniqueness lives in the schema: one participant row per
// (competition_id, user_id) and one answer row per
// (participant_id, question_id), with the answer token unique as well.
type Store struct {
	pool *pgxpool.Pool
	pub  Publisher
}

// NewStore wraps a pgx pool. pub may be nil when no fan-out is wanted.
func NewStore(pool *pgxpool.Pool, pub Publisher) *Store {
	return &Store{pool: pool, pub: pub}
}

func (s *Store) GetCompetition(ctx context.Context, id string) (domain.Competition, error) {
	var c domain.Competition
	err := s.pool.QueryRow(ctx, `
		SELECT id, title, subject, status, question_count, time_per_question,
		       max_participants, is_private, allow_mid_join, created_by,
		       started_at, ended_at
		FROM competitions WHERE id=$1`, id).
		Scan(&c.ID, &c.Title, &c.Subject, &c.Status, &c.QuestionCount, &c.TimePerQuestion,
			&c.MaxParticipants, &c.IsPrivate, &c.AllowMidJoin, &c.CreatedBy,
			&c.StartedAt, &c.EndedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Competition{}, domain.ErrCompetitionNotFound
	}
	if err != nil {
		return domain.Competition{}, fmt.Errorf("get competition: %w", err)
	}
	return c, nil
}

func (s *Store) ListParticipants(ctx context.Context, competitionID string) ([]domain.Participant, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, competition_id, user_id, has_joined, completed, score
		FROM participants WHERE competition_id=$1 ORDER BY user_id`, competitionID)
	if err != nil {
		return nil, fmt.Errorf("list participants: %w", err)
	}
	defer rows.Close()

	var parts []domain.Participant
	for rows.Next() {
		var p domain.Participant
		if err := rows.Scan(&p.ID, &p.CompetitionID, &p.UserID, &p.HasJoined, &p.Completed, &p.Score); err != nil {
			return nil, fmt.Errorf("scan participant: %w", err)
		}
		parts = append(parts, p)
	}
	return parts, rows.Err()
}

func (s *Store) ListQuestions(ctx context.Context, competitionID string) ([]domain.Question, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, competition_id, text, position
		FROM questions WHERE competition_id=$1 ORDER BY position`, competitionID)
	if err != nil {
		return nil, fmt.Errorf("list questions: %w", err)
	}
	defer rows.Close()

	var questions []domain.Question
	for rows.Next() {
		var q domain.Question
		if err := rows.Scan(&q.ID, &q.CompetitionID, &q.Text, &q.Position); err != nil {
			return nil, fmt.Errorf("scan question: %w", err)
		}
		questions = append(questions, q)
	}
	return questions, rows.Err()
}

func (s *Store) ListAnswerOptions(ctx context.Context, questionID string) ([]domain.AnswerOption, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, question_id, text, is_correct
		FROM answer_options WHERE question_id=$1 ORDER BY id`, questionID)
	if err != nil {
		return nil, fmt.Errorf("list answer options: %w", err)
	}
	defer rows.Close()

	var options []domain.AnswerOption
	for rows.Next() {
		var o domain.AnswerOption
		if err := rows.Scan(&o.ID, &o.QuestionID, &o.Text, &o.IsCorrect); err != nil {
			return nil, fmt.Errorf("scan answer option: %w", err)
		}
		options = append(options, o)
	}
	return options, rows.Err()
}

func (s *Store) ListAnswers(ctx context.Context, competitionID string) ([]domain.ParticipantAnswer, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT token, participant_id, question_id, COALESCE(answer_id, ''), is_correct, time_taken
		FROM participant_answers WHERE competition_id=$1`, competitionID)
	if err != nil {
		return nil, fmt.Errorf("list answers: %w", err)
	}
	defer rows.Close()

	var answers []domain.ParticipantAnswer
	for rows.Next() {
		var a domain.ParticipantAnswer
		if err := rows.Scan(&a.Token, &a.ParticipantID, &a.QuestionID, &a.AnswerID, &a.IsCorrect, &a.TimeTaken); err != nil {
			return nil, fmt.Errorf("scan answer: %w", err)
		}
		answers = append(answers, a)
	}
	return answers, rows.Err()
}

// UpsertParticipant resolves concurrent joins for the same user to one
// row via the (competition_id, user_id) constraint. The xmax check
// tells a fresh insert apart from a re-join for the change event kind.
func (s *Store) UpsertParticipant(ctx context.Context, p domain.Participant) (domain.Participant, error) {
	var out domain.Participant
	var inserted bool
	err := s.pool.QueryRow(ctx, `
		INSERT INTO participants (id, competition_id, user_id, has_joined, completed, score)
		VALUES ($1, $2, $3, $4, false, 0)
		ON CONFLICT (competition_id, user_id)
		DO UPDATE SET has_joined = participants.has_joined OR EXCLUDED.has_joined
		RETURNING id, competition_id, user_id, has_joined, completed, score, (xmax = 0)`,
		p.ID, p.CompetitionID, p.UserID, p.HasJoined).
		Scan(&out.ID, &out.CompetitionID, &out.UserID, &out.HasJoined, &out.Completed, &out.Score, &inserted)
	if err != nil {
		return domain.Participant{}, fmt.Errorf("upsert participant: %w", err)
	}

	kind := domain.ChangeUpdate
	if inserted {
		kind = domain.ChangeInsert
	}
	s.publish(ctx, domain.NewChangeEvent(domain.TableParticipants, kind, out.CompetitionID, out, nil))
	return out, nil
}

func (s *Store) UpdateParticipant(ctx context.Context, participantID string, patch domain.ParticipantPatch) error {
	var p domain.Participant
	err := s.pool.QueryRow(ctx, `
		UPDATE participants
		SET has_joined = COALESCE($2, has_joined),
		    completed  = COALESCE($3, completed),
		    score      = COALESCE($4, score)
		WHERE id=$1
		RETURNING id, competition_id, user_id, has_joined, completed, score`,
		participantID, patch.HasJoined, patch.Completed, patch.Score).
		Scan(&p.ID, &p.CompetitionID, &p.UserID, &p.HasJoined, &p.Completed, &p.Score)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.ErrParticipantNotFound
	}
	if err != nil {
		return fmt.Errorf("update participant: %w", err)
	}

	s.publish(ctx, domain.NewChangeEvent(domain.TableParticipants, domain.ChangeUpdate, p.CompetitionID, p, nil))
	return nil
}

// InsertAnswer stores one answer row. The competition scope is derived
// from the participant so list queries stay a single indexed lookup.
// Any uniqueness conflict, whether on (participant_id, question_id) or
// on the idempotency token, comes back as ErrDuplicateAnswer.
func (s *Store) InsertAnswer(ctx context.Context, a domain.ParticipantAnswer) error {
	var competitionID string
	err := s.pool.QueryRow(ctx, `
		INSERT INTO participant_answers
			(token, participant_id, question_id, answer_id, is_correct, time_taken, competition_id)
		VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6,
			(SELECT competition_id FROM participants WHERE id=$2))
		RETURNING competition_id`,
		a.Token, a.ParticipantID, a.QuestionID, a.AnswerID, a.IsCorrect, a.TimeTaken).
		Scan(&competitionID)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return domain.ErrDuplicateAnswer
		}
		return fmt.Errorf("insert answer: %w", err)
	}

	s.publish(ctx, domain.NewChangeEvent(domain.TableAnswers, domain.ChangeInsert, competitionID, a, nil))
	return nil
}

func (s *Store) UpdateCompetitionStatus(ctx context.Context, id string, status domain.CompetitionStatus, startedAt, endedAt *time.Time) error {
	var c domain.Competition
	err := s.pool.QueryRow(ctx, `
		UPDATE competitions
		SET status     = $2,
		    started_at = COALESCE($3, started_at),
		    ended_at   = COALESCE($4, ended_at)
		WHERE id=$1
		RETURNING id, title, subject, status, question_count, time_per_question,
		          max_participants, is_private, allow_mid_join, created_by,
		          started_at, ended_at`,
		id, status, startedAt, endedAt).
		Scan(&c.ID, &c.Title, &c.Subject, &c.Status, &c.QuestionCount, &c.TimePerQuestion,
			&c.MaxParticipants, &c.IsPrivate, &c.AllowMidJoin, &c.CreatedBy,
			&c.StartedAt, &c.EndedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.ErrCompetitionNotFound
	}
	if err != nil {
		return fmt.Errorf("update competition status: %w", err)
	}

	s.publish(ctx, domain.NewChangeEvent(domain.TableCompetitions, domain.ChangeUpdate, c.ID, c, nil))
	return nil
}

// CreateCompetition seeds a full competition with its question bundle,
// in one transaction.
func (s *Store) CreateCompetition(ctx context.Context, comp domain.Competition, questions []domain.Question, options map[string][]domain.AnswerOption) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("create competition: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO competitions
			(id, title, subject, status, question_count, time_per_question,
			 max_participants, is_private, allow_mid_join, created_by, started_at, ended_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		comp.ID, comp.Title, comp.Subject, comp.Status, comp.QuestionCount, comp.TimePerQuestion,
		comp.MaxParticipants, comp.IsPrivate, comp.AllowMidJoin, comp.CreatedBy, comp.StartedAt, comp.EndedAt)
	if err != nil {
		return fmt.Errorf("insert competition: %w", err)
	}
	for _, q := range questions {
		_, err = tx.Exec(ctx, `
			INSERT INTO questions (id, competition_id, text, position)
			VALUES ($1, $2, $3, $4)`, q.ID, q.CompetitionID, q.Text, q.Position)
		if err != nil {
			return fmt.Errorf("insert question: %w", err)
		}
		for _, o := range options[q.ID] {
			_, err = tx.Exec(ctx, `
				INSERT INTO answer_options (id, question_id, text, is_correct)
				VALUES ($1, $2, $3, $4)`, o.ID, o.QuestionID, o.Text, o.IsCorrect)
			if err != nil {
				return fmt.Errorf("insert answer option: %w", err)
			}
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("create competition: %w", err)
	}
	return nil
}

func (s *Store) publish(ctx context.Context, ev domain.ChangeEvent) {
	if s.pub == nil {
		return
	}
	// Best-effort: devices reconcile from full row sets on a timer, so
	// a lost event delays them by at most one refresh interval.
	_ = s.pub.Publish(ctx, ev)
}
