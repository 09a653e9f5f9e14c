package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"competition-engine/internal/domain"
)

// Store is an in-memory implementation of the gateway's Store and
// Notifier contracts. It backs unit tests and the serve command's
// no-postgres fallback. SetOffline simulates losing the network.
type Store struct {
	mu           sync.RWMutex
	offline      bool
	competitions map[string]domain.Competition
	participants map[string]domain.Participant
	questions    map[string][]domain.Question
	options      map[string][]domain.AnswerOption
	answers      map[string]domain.ParticipantAnswer
	tokens       map[string]struct{}
	subscribers  map[string]map[chan domain.ChangeEvent]struct{}
}

func NewStore() *Store {
	return &Store{
		competitions: make(map[string]domain.Competition),
		participants: make(map[string]domain.Participant),
		questions:    make(map[string][]domain.Question),
		options:      make(map[string][]domain.AnswerOption),
		answers:      make(map[string]domain.ParticipantAnswer),
		tokens:       make(map[string]struct{}),
		subscribers:  make(map[string]map[chan domain.ChangeEvent]struct{}),
	}
}

// SetOffline makes every store call fail with ErrRemoteUnavailable
// until re-enabled. Subscriptions stay open but deliver nothing.
func (s *Store) SetOffline(offline bool) {
	s.mu.Lock()
	s.offline = offline
	s.mu.Unlock()
}

// SeedCompetition loads a competition with its questions and options,
// replacing any previous content for the same ID.
func (s *Store) SeedCompetition(comp domain.Competition, questions []domain.Question, options map[string][]domain.AnswerOption) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.competitions[comp.ID] = comp
	sorted := append([]domain.Question(nil), questions...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Position < sorted[j].Position })
	s.questions[comp.ID] = sorted
	for questionID, opts := range options {
		s.options[questionID] = append([]domain.AnswerOption(nil), opts...)
	}
}

func (s *Store) GetCompetition(_ context.Context, id string) (domain.Competition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.offline {
		return domain.Competition{}, domain.ErrRemoteUnavailable
	}
	comp, ok := s.competitions[id]
	if !ok {
		return domain.Competition{}, domain.ErrCompetitionNotFound
	}
	return comp, nil
}

func (s *Store) ListParticipants(_ context.Context, competitionID string) ([]domain.Participant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.offline {
		return nil, domain.ErrRemoteUnavailable
	}
	var parts []domain.Participant
	for _, p := range s.participants {
		if p.CompetitionID == competitionID {
			parts = append(parts, p)
		}
	}
	sort.Slice(parts, func(i, j int) bool { return parts[i].UserID < parts[j].UserID })
	return parts, nil
}

func (s *Store) ListQuestions(_ context.Context, competitionID string) ([]domain.Question, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.offline {
		return nil, domain.ErrRemoteUnavailable
	}
	questions, ok := s.questions[competitionID]
	if !ok {
		return nil, domain.ErrCompetitionNotFound
	}
	return append([]domain.Question(nil), questions...), nil
}

func (s *Store) ListAnswerOptions(_ context.Context, questionID string) ([]domain.AnswerOption, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.offline {
		return nil, domain.ErrRemoteUnavailable
	}
	options, ok := s.options[questionID]
	if !ok {
		return nil, domain.ErrQuestionNotFound
	}
	return append([]domain.AnswerOption(nil), options...), nil
}

func (s *Store) ListAnswers(_ context.Context, competitionID string) ([]domain.ParticipantAnswer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.offline {
		return nil, domain.ErrRemoteUnavailable
	}
	var answers []domain.ParticipantAnswer
	for _, a := range s.answers {
		if p, ok := s.participants[a.ParticipantID]; ok && p.CompetitionID == competitionID {
			answers = append(answers, a)
		}
	}
	return answers, nil
}

func (s *Store) UpsertParticipant(_ context.Context, p domain.Participant) (domain.Participant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.offline {
		return domain.Participant{}, domain.ErrRemoteUnavailable
	}
	for _, existing := range s.participants {
		if existing.CompetitionID == p.CompetitionID && existing.UserID == p.UserID {
			old := existing
			existing.HasJoined = true
			s.participants[existing.ID] = existing
			s.publishLocked(domain.NewChangeEvent(domain.TableParticipants, domain.ChangeUpdate, p.CompetitionID, existing, old))
			return existing, nil
		}
	}
	s.participants[p.ID] = p
	s.publishLocked(domain.NewChangeEvent(domain.TableParticipants, domain.ChangeInsert, p.CompetitionID, p, nil))
	return p, nil
}

func (s *Store) UpdateParticipant(_ context.Context, participantID string, patch domain.ParticipantPatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.offline {
		return domain.ErrRemoteUnavailable
	}
	p, ok := s.participants[participantID]
	if !ok {
		return domain.ErrParticipantNotFound
	}
	old := p
	if patch.HasJoined != nil {
		p.HasJoined = *patch.HasJoined
	}
	if patch.Completed != nil {
		p.Completed = *patch.Completed
	}
	if patch.Score != nil {
		p.Score = *patch.Score
	}
	s.participants[participantID] = p
	s.publishLocked(domain.NewChangeEvent(domain.TableParticipants, domain.ChangeUpdate, p.CompetitionID, p, old))
	return nil
}

func (s *Store) InsertAnswer(_ context.Context, a domain.ParticipantAnswer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.offline {
		return domain.ErrRemoteUnavailable
	}
	key := a.ParticipantID + "/" + a.QuestionID
	if _, ok := s.answers[key]; ok {
		return domain.ErrDuplicateAnswer
	}
	if a.Token != "" {
		if _, ok := s.tokens[a.Token]; ok {
			return domain.ErrDuplicateAnswer
		}
		s.tokens[a.Token] = struct{}{}
	}
	s.answers[key] = a
	competitionID := ""
	if p, ok := s.participants[a.ParticipantID]; ok {
		competitionID = p.CompetitionID
	}
	s.publishLocked(domain.NewChangeEvent(domain.TableAnswers, domain.ChangeInsert, competitionID, a, nil))
	return nil
}

func (s *Store) UpdateCompetitionStatus(_ context.Context, id string, status domain.CompetitionStatus, startedAt, endedAt *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.offline {
		return domain.ErrRemoteUnavailable
	}
	comp, ok := s.competitions[id]
	if !ok {
		return domain.ErrCompetitionNotFound
	}
	old := comp
	comp.Status = status
	if startedAt != nil {
		comp.StartedAt = startedAt
	}
	if endedAt != nil {
		comp.EndedAt = endedAt
	}
	s.competitions[id] = comp
	s.publishLocked(domain.NewChangeEvent(domain.TableCompetitions, domain.ChangeUpdate, id, comp, old))
	return nil
}

// Subscribe registers an in-process change listener for one competition.
func (s *Store) Subscribe(_ context.Context, competitionID string) (<-chan domain.ChangeEvent, func(), error) {
	ch := make(chan domain.ChangeEvent, 32)

	s.mu.Lock()
	subs, ok := s.subscribers[competitionID]
	if !ok {
		subs = make(map[chan domain.ChangeEvent]struct{})
		s.subscribers[competitionID] = subs
	}
	subs[ch] = struct{}{}
	s.mu.Unlock()

	cancel := func() {
		s.mu.Lock()
		if subs, ok := s.subscribers[competitionID]; ok {
			if _, ok := subs[ch]; ok {
				delete(subs, ch)
				close(ch)
			}
			if len(subs) == 0 {
				delete(s.subscribers, competitionID)
			}
		}
		s.mu.Unlock()
	}
	return ch, cancel, nil
}

func (s *Store) publishLocked(ev domain.ChangeEvent) {
	if s.offline {
		return
	}
	for ch := range s.subscribers[ev.CompetitionID] {
		select {
		case ch <- ev:
		default:
			// Drop the oldest event so a slow consumer never blocks writers;
			// consumers reconcile from full row sets anyway.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- ev:
			default:
			}
		}
	}
}
