package results

import (
	"sort"
	"time"

	"competition-engine/internal/domain"
)

// Aggregator computes the final standings once a competition
// completes. All inputs are plain row sets so it works identically
// from remote rows or the local cache.
type Aggregator struct {
	now func() time.Time
}

func New() *Aggregator {
	return &Aggregator{now: time.Now}
}

// NewWithClock is test-only for deterministic snapshot timestamps.
func NewWithClock(now func() time.Time) *Aggregator {
	return &Aggregator{now: now}
}

// ComputeParticipantScores ranks participants by score descending with
// total answer time ascending as the tiebreak. A zero persisted score
// falls back to counting that participant's correct answers, covering
// sessions that ended before the final score write landed.
// Participants with no answers who never completed are excluded.
func (g *Aggregator) ComputeParticipantScores(participants []domain.Participant, answers []domain.ParticipantAnswer, questionCount int) []domain.ParticipantResult {
	type tally struct {
		correct   int
		answered  int
		totalTime float64
	}
	tallies := make(map[string]*tally, len(participants))
	for _, a := range answers {
		t, ok := tallies[a.ParticipantID]
		if !ok {
			t = &tally{}
			tallies[a.ParticipantID] = t
		}
		t.answered++
		t.totalTime += a.TimeTaken
		if a.IsCorrect {
			t.correct++
		}
	}

	ranked := make([]domain.ParticipantResult, 0, len(participants))
	for _, p := range participants {
		t := tallies[p.ID]
		if t == nil {
			t = &tally{}
		}
		if t.answered == 0 && !p.Completed {
			continue
		}
		score := p.Score
		if score == 0 {
			score = t.correct
		}
		accuracy := 0.0
		if questionCount > 0 {
			accuracy = float64(score) / float64(questionCount) * 100
		}
		ranked = append(ranked, domain.ParticipantResult{
			ParticipantID: p.ID,
			UserID:        p.UserID,
			Score:         score,
			TotalTime:     t.totalTime,
			Accuracy:      accuracy,
			Completed:     p.Completed,
		})
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].Score != ranked[j].Score {
			return ranked[i].Score > ranked[j].Score
		}
		return ranked[i].TotalTime < ranked[j].TotalTime
	})
	for i := range ranked {
		ranked[i].Rank = i + 1
	}
	return ranked
}

// ComputeQuestionStats aggregates per-question correctness. Answered
// stays zero when nobody answered, which is distinct from an answered
// question where everyone was wrong (0%). A question whose options
// carry no correct marker is flagged instead of failing the session.
func (g *Aggregator) ComputeQuestionStats(questions []domain.Question, options map[string][]domain.AnswerOption, answers []domain.ParticipantAnswer) []domain.QuestionStats {
	stats := make([]domain.QuestionStats, 0, len(questions))
	for _, q := range questions {
		st := domain.QuestionStats{QuestionID: q.ID, Position: q.Position, NoCorrectOption: true}
		for _, opt := range options[q.ID] {
			if opt.IsCorrect {
				st.NoCorrectOption = false
				break
			}
		}
		for _, a := range answers {
			if a.QuestionID != q.ID {
				continue
			}
			st.Answered++
			if a.IsCorrect {
				st.Correct++
			}
		}
		if st.Answered > 0 {
			st.CorrectPercent = float64(st.Correct) / float64(st.Answered) * 100
		}
		stats = append(stats, st)
	}
	return stats
}

// BuildSnapshot assembles the persistable results view.
func (g *Aggregator) BuildSnapshot(comp domain.Competition, participants []domain.Participant, questions []domain.Question, options map[string][]domain.AnswerOption, answers []domain.ParticipantAnswer) domain.ResultsSnapshot {
	return domain.ResultsSnapshot{
		CompetitionID: comp.ID,
		Rankings:      g.ComputeParticipantScores(participants, answers, comp.QuestionCount),
		Questions:     g.ComputeQuestionStats(questions, options, answers),
		ComputedAt:    g.now(),
	}
}
