package syncer

import (
	"encoding/json"
	"sync"

	"competition-engine/internal/domain"
)

// Synchronizer reconciles the believed-active participant set and the
// per-question answer tally from local and remote observations.
//
// It keeps keyed row sets, not counters: events upsert or delete rows
// by key and every count is derived fresh from the current sets, so
// duplicate and out-of-order delivery cannot skew the barrier.
type Synchronizer struct {
	mu              sync.RWMutex
	currentQuestion string
	participants    map[string]domain.Participant          // by participant ID
	answers         map[string]map[string]struct{}         // question ID -> participant IDs
}

func New() *Synchronizer {
	return &Synchronizer{
		participants: make(map[string]domain.Participant),
		answers:      make(map[string]map[string]struct{}),
	}
}

// SetCurrentQuestion switches the question the barrier applies to.
func (s *Synchronizer) SetCurrentQuestion(questionID string) {
	s.mu.Lock()
	s.currentQuestion = questionID
	s.mu.Unlock()
}

// ReplaceParticipants swaps in a freshly fetched participant row set.
func (s *Synchronizer) ReplaceParticipants(parts []domain.Participant) {
	s.mu.Lock()
	s.participants = make(map[string]domain.Participant, len(parts))
	for _, p := range parts {
		s.participants[p.ID] = p
	}
	s.mu.Unlock()
}

// ReplaceAnswers swaps in a freshly fetched answer row set.
func (s *Synchronizer) ReplaceAnswers(answers []domain.ParticipantAnswer) {
	s.mu.Lock()
	s.answers = make(map[string]map[string]struct{})
	for _, a := range answers {
		s.recordAnswerLocked(a)
	}
	s.mu.Unlock()
}

// ObserveAnswer folds a single known answer row (typically a local
// write that has not round-tripped yet) into the tally.
func (s *Synchronizer) ObserveAnswer(a domain.ParticipantAnswer) {
	s.mu.Lock()
	s.recordAnswerLocked(a)
	s.mu.Unlock()
}

func (s *Synchronizer) recordAnswerLocked(a domain.ParticipantAnswer) {
	byParticipant, ok := s.answers[a.QuestionID]
	if !ok {
		byParticipant = make(map[string]struct{})
		s.answers[a.QuestionID] = byParticipant
	}
	byParticipant[a.ParticipantID] = struct{}{}
}

// ApplyEvent folds one change-notification event into the row sets.
// Unknown tables and malformed payloads are ignored; the next full
// refresh corrects anything an event missed.
func (s *Synchronizer) ApplyEvent(ev domain.ChangeEvent) {
	switch ev.Table {
	case domain.TableParticipants:
		s.applyParticipantEvent(ev)
	case domain.TableAnswers:
		s.applyAnswerEvent(ev)
	}
}

func (s *Synchronizer) applyParticipantEvent(ev domain.ChangeEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ev.Kind == domain.ChangeDelete {
		var old domain.Participant
		if err := json.Unmarshal(ev.Old, &old); err == nil && old.ID != "" {
			delete(s.participants, old.ID)
		}
		return
	}
	var p domain.Participant
	if err := json.Unmarshal(ev.New, &p); err != nil || p.ID == "" {
		return
	}
	s.participants[p.ID] = p
}

func (s *Synchronizer) applyAnswerEvent(ev domain.ChangeEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ev.Kind == domain.ChangeDelete {
		var old domain.ParticipantAnswer
		if err := json.Unmarshal(ev.Old, &old); err == nil {
			if byParticipant, ok := s.answers[old.QuestionID]; ok {
				delete(byParticipant, old.ParticipantID)
			}
		}
		return
	}
	var a domain.ParticipantAnswer
	if err := json.Unmarshal(ev.New, &a); err != nil || a.QuestionID == "" {
		return
	}
	s.recordAnswerLocked(a)
}

// ActiveCount is the number of participants that have joined and not
// yet completed, as of the last observation.
func (s *Synchronizer) ActiveCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.activeCountLocked()
}

func (s *Synchronizer) activeCountLocked() int {
	n := 0
	for _, p := range s.participants {
		if p.Active() {
			n++
		}
	}
	return n
}

// AnswerCount is the number of distinct participants with a recorded
// answer for the question.
func (s *Synchronizer) AnswerCount(questionID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.answers[questionID])
}

// AdvanceReady reports whether every active participant has answered
// the current question. Pure read of the current counts; no side
// effects, safe to call every tick. With a single active participant
// it is true immediately after their own answer.
func (s *Synchronizer) AdvanceReady() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	active := s.activeCountLocked()
	if active == 0 {
		return false
	}
	return len(s.answers[s.currentQuestion]) >= active
}
