package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"competition-engine/internal/domain"
)

// Store abstracts the authoritative keyed relational store. Upserts
// run under a (competition_id, user_id) uniqueness constraint and
// InsertAnswer under a (participant_id, question_id) one; both report
// conflicts with sentinel errors rather than duplicating rows.
type Store interface {
	GetCompetition(ctx context.Context, id string) (domain.Competition, error)
	ListParticipants(ctx context.Context, competitionID string) ([]domain.Participant, error)
	ListQuestions(ctx context.Context, competitionID string) ([]domain.Question, error)
	ListAnswerOptions(ctx context.Context, questionID string) ([]domain.AnswerOption, error)
	ListAnswers(ctx context.Context, competitionID string) ([]domain.ParticipantAnswer, error)
	UpsertParticipant(ctx context.Context, p domain.Participant) (domain.Participant, error)
	UpdateParticipant(ctx context.Context, participantID string, patch domain.ParticipantPatch) error
	InsertAnswer(ctx context.Context, a domain.ParticipantAnswer) error
	UpdateCompetitionStatus(ctx context.Context, id string, status domain.CompetitionStatus, startedAt, endedAt *time.Time) error
}

// Notifier delivers row-level change events for one competition.
type Notifier interface {
	Subscribe(ctx context.Context, competitionID string) (<-chan domain.ChangeEvent, func(), error)
}

// Gateway is the failure-tolerant wrapper every device talks to the
// remote store through. Reads are best-effort: callers fall back to
// local state when an error comes back. It also owns the single
// change-notification stream per competition for this device.
type Gateway struct {
	store    Store
	notifier Notifier
	log      zerolog.Logger

	mu   sync.Mutex
	subs map[string]*subEntry
}

type subEntry struct {
	once sync.Once
	stop func()
}

func New(store Store, notifier Notifier, log zerolog.Logger) *Gateway {
	return &Gateway{
		store:    store,
		notifier: notifier,
		log:      log.With().Str("component", "gateway").Logger(),
		subs:     make(map[string]*subEntry),
	}
}

func (g *Gateway) FetchCompetition(ctx context.Context, id string) (domain.Competition, error) {
	comp, err := g.store.GetCompetition(ctx, id)
	if err != nil {
		g.log.Warn().Err(err).Str("competition", id).Msg("fetch competition failed")
		return domain.Competition{}, fmt.Errorf("fetch competition: %w", err)
	}
	return comp, nil
}

func (g *Gateway) FetchParticipants(ctx context.Context, competitionID string) ([]domain.Participant, error) {
	parts, err := g.store.ListParticipants(ctx, competitionID)
	if err != nil {
		g.log.Warn().Err(err).Str("competition", competitionID).Msg("fetch participants failed")
		return nil, fmt.Errorf("fetch participants: %w", err)
	}
	return parts, nil
}

func (g *Gateway) FetchQuestions(ctx context.Context, competitionID string) ([]domain.Question, error) {
	questions, err := g.store.ListQuestions(ctx, competitionID)
	if err != nil {
		g.log.Warn().Err(err).Str("competition", competitionID).Msg("fetch questions failed")
		return nil, fmt.Errorf("fetch questions: %w", err)
	}
	return questions, nil
}

func (g *Gateway) FetchAnswerOptions(ctx context.Context, questionID string) ([]domain.AnswerOption, error) {
	options, err := g.store.ListAnswerOptions(ctx, questionID)
	if err != nil {
		g.log.Warn().Err(err).Str("question", questionID).Msg("fetch answer options failed")
		return nil, fmt.Errorf("fetch answer options: %w", err)
	}
	return options, nil
}

func (g *Gateway) FetchAnswers(ctx context.Context, competitionID string) ([]domain.ParticipantAnswer, error) {
	answers, err := g.store.ListAnswers(ctx, competitionID)
	if err != nil {
		g.log.Warn().Err(err).Str("competition", competitionID).Msg("fetch answers failed")
		return nil, fmt.Errorf("fetch answers: %w", err)
	}
	return answers, nil
}

// EnsureParticipantJoined upserts the participant row for (competition,
// user). Concurrent auto-join races resolve to the same row; an
// existing row is success, not a conflict. New joins are gated by
// MaxParticipants and, once the competition is active, AllowMidJoin.
// Public competitions in the waiting state start automatically once
// every participant row reports ready.
func (g *Gateway) EnsureParticipantJoined(ctx context.Context, competitionID, userID string) (domain.Participant, error) {
	if userID == "" {
		return domain.Participant{}, domain.ErrMissingUserID
	}
	comp, err := g.store.GetCompetition(ctx, competitionID)
	if err != nil {
		return domain.Participant{}, fmt.Errorf("join: %w", err)
	}

	parts, err := g.store.ListParticipants(ctx, competitionID)
	if err != nil {
		return domain.Participant{}, fmt.Errorf("join: %w", err)
	}
	var existing *domain.Participant
	for i := range parts {
		if parts[i].UserID == userID {
			existing = &parts[i]
			break
		}
	}
	if existing == nil {
		if comp.Status == domain.StatusActive && !comp.AllowMidJoin {
			return domain.Participant{}, domain.ErrJoinClosed
		}
		if comp.MaxParticipants > 0 && len(parts) >= comp.MaxParticipants {
			return domain.Participant{}, domain.ErrCompetitionFull
		}
	}

	row := domain.Participant{
		ID:            uuid.NewString(),
		CompetitionID: competitionID,
		UserID:        userID,
		HasJoined:     true,
	}
	joined, err := g.store.UpsertParticipant(ctx, row)
	if err != nil {
		return domain.Participant{}, fmt.Errorf("join: %w", err)
	}

	g.maybeAutoStart(ctx, comp)
	return joined, nil
}

// maybeAutoStart flips a public waiting competition to active once all
// of its participant rows are ready. Best-effort: a lost race or a
// transport error just means another device starts it.
func (g *Gateway) maybeAutoStart(ctx context.Context, comp domain.Competition) {
	if comp.IsPrivate || comp.Status != domain.StatusWaiting {
		return
	}
	parts, err := g.store.ListParticipants(ctx, comp.ID)
	if err != nil || len(parts) == 0 {
		return
	}
	for _, p := range parts {
		if !p.HasJoined {
			return
		}
	}
	if err := g.StartCompetition(ctx, comp.ID); err != nil {
		g.log.Warn().Err(err).Str("competition", comp.ID).Msg("auto-start failed")
	}
}

// StartCompetition moves a competition to active, stamping StartedAt.
func (g *Gateway) StartCompetition(ctx context.Context, id string) error {
	now := time.Now().UTC()
	if err := g.store.UpdateCompetitionStatus(ctx, id, domain.StatusActive, &now, nil); err != nil {
		return fmt.Errorf("start competition: %w", err)
	}
	return nil
}

// CompleteCompetition moves a competition to completed, stamping EndedAt.
func (g *Gateway) CompleteCompetition(ctx context.Context, id string) error {
	now := time.Now().UTC()
	if err := g.store.UpdateCompetitionStatus(ctx, id, domain.StatusCompleted, nil, &now); err != nil {
		return fmt.Errorf("complete competition: %w", err)
	}
	return nil
}

// UpdateParticipantStatus writes only the fields set in patch.
func (g *Gateway) UpdateParticipantStatus(ctx context.Context, participantID string, patch domain.ParticipantPatch) error {
	if err := g.store.UpdateParticipant(ctx, participantID, patch); err != nil {
		g.log.Warn().Err(err).Str("participant", participantID).Msg("participant update failed")
		return fmt.Errorf("update participant: %w", err)
	}
	return nil
}

// SubmitAnswer mirrors a locally recorded answer. A duplicate for the
// same (participant, question) or idempotency token is swallowed: the
// row already exists, which is what the caller wanted.
func (g *Gateway) SubmitAnswer(ctx context.Context, a domain.ParticipantAnswer) error {
	err := g.store.InsertAnswer(ctx, a)
	if errors.Is(err, domain.ErrDuplicateAnswer) {
		g.log.Debug().
			Str("participant", a.ParticipantID).
			Str("question", a.QuestionID).
			Msg("duplicate answer mirror ignored")
		return nil
	}
	if err != nil {
		return fmt.Errorf("submit answer: %w", err)
	}
	return nil
}

// Subscribe opens the change-notification stream for a competition.
// Only one stream per competition is kept per gateway: re-subscribing
// replaces the previous stream instead of stacking a second one.
func (g *Gateway) Subscribe(ctx context.Context, competitionID string) (<-chan domain.ChangeEvent, func(), error) {
	events, cancel, err := g.notifier.Subscribe(ctx, competitionID)
	if err != nil {
		return nil, nil, fmt.Errorf("subscribe: %w", err)
	}

	entry := &subEntry{}
	entry.stop = func() {
		entry.once.Do(func() {
			cancel()
			g.mu.Lock()
			// Another Subscribe may have replaced this entry already.
			if g.subs[competitionID] == entry {
				delete(g.subs, competitionID)
			}
			g.mu.Unlock()
		})
	}

	g.mu.Lock()
	prev := g.subs[competitionID]
	g.subs[competitionID] = entry
	g.mu.Unlock()
	if prev != nil {
		prev.stop()
	}

	return events, entry.stop, nil
}

// Cleanup closes every subscription this gateway still holds.
func (g *Gateway) Cleanup() {
	g.mu.Lock()
	entries := make([]*subEntry, 0, len(g.subs))
	for _, entry := range g.subs {
		entries = append(entries, entry)
	}
	g.mu.Unlock()
	for _, entry := range entries {
		entry.stop()
	}
}
