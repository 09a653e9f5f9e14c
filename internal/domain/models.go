package domain

import "time"

// CompetitionStatus tracks the lifecycle of a competition.
type CompetitionStatus string

const (
	StatusWaiting   CompetitionStatus = "waiting"
	StatusActive    CompetitionStatus = "active"
	StatusCompleted CompetitionStatus = "completed"
)

// Competition is a timed multi-participant quiz session.
type Competition struct {
	ID              string            `json:"id"`
	Title           string            `json:"title"`
	Subject         string            `json:"subject"`
	Status          CompetitionStatus `json:"status"`
	QuestionCount   int               `json:"questionCount"`
	TimePerQuestion int               `json:"timePerQuestion"` // seconds
	MaxParticipants int               `json:"maxParticipants"`
	IsPrivate       bool              `json:"isPrivate"`
	AllowMidJoin    bool              `json:"allowMidJoin"`
	CreatedBy       string            `json:"createdBy"`
	StartedAt       *time.Time        `json:"startedAt,omitempty"`
	EndedAt         *time.Time        `json:"endedAt,omitempty"`
}

// Participant is one user's membership row in a competition.
// Exactly one row exists per (CompetitionID, UserID).
type Participant struct {
	ID            string `json:"id"`
	CompetitionID string `json:"competitionId"`
	UserID        string `json:"userId"`
	HasJoined     bool   `json:"hasJoined"`
	Completed     bool   `json:"completed"`
	Score         int    `json:"score"`
}

// Active reports whether the participant still counts toward the
// answer barrier: joined and not yet finished.
func (p Participant) Active() bool {
	return p.HasJoined && !p.Completed
}

// Question is one entry in a competition's shared ordered sequence.
// Position is the ordinal within that sequence and is identical on
// every device; content is immutable once the competition is active.
type Question struct {
	ID            string `json:"id"`
	CompetitionID string `json:"competitionId"`
	Text          string `json:"text"`
	Position      int    `json:"position"`
}

// AnswerOption is a selectable answer for a question. At most one
// option per question is expected to carry IsCorrect.
type AnswerOption struct {
	ID         string `json:"id"`
	QuestionID string `json:"questionId"`
	Text       string `json:"text"`
	IsCorrect  bool   `json:"isCorrect"`
}

// ParticipantAnswer records one participant's outcome for one question.
// An empty AnswerID means the countdown expired with no selection.
// Token is a client-generated idempotency key honored by the store, so
// a retried mirror of the same local row never creates a duplicate.
type ParticipantAnswer struct {
	Token         string  `json:"token"`
	ParticipantID string  `json:"participantId"`
	QuestionID    string  `json:"questionId"`
	AnswerID      string  `json:"answerId,omitempty"`
	IsCorrect     bool    `json:"isCorrect"`
	TimeTaken     float64 `json:"timeTaken"` // seconds, within [0, TimePerQuestion]
}

// TimedOut reports whether this row was synthesized by countdown expiry.
func (a ParticipantAnswer) TimedOut() bool {
	return a.AnswerID == ""
}

// ParticipantPatch updates only the participant fields that are set.
type ParticipantPatch struct {
	HasJoined *bool `json:"hasJoined,omitempty"`
	Completed *bool `json:"completed,omitempty"`
	Score     *int  `json:"score,omitempty"`
}

// ParticipantResult is one row of the final ranking.
type ParticipantResult struct {
	ParticipantID string  `json:"participantId"`
	UserID        string  `json:"userId"`
	Rank          int     `json:"rank"`
	Score         int     `json:"score"`
	TotalTime     float64 `json:"totalTime"` // seconds across all answers
	Accuracy      float64 `json:"accuracy"`  // percent of questions answered correctly
	Completed     bool    `json:"completed"`
}

// QuestionStats aggregates answers for one question. Answered
// distinguishes "nobody answered" from a genuine 0% correct rate.
type QuestionStats struct {
	QuestionID      string  `json:"questionId"`
	Position        int     `json:"position"`
	Answered        int     `json:"answered"`
	Correct         int     `json:"correct"`
	CorrectPercent  float64 `json:"correctPercent"`
	NoCorrectOption bool    `json:"noCorrectOption,omitempty"`
}

// ResultsSnapshot is the aggregated outcome persisted to the local
// cache so results stay viewable offline.
type ResultsSnapshot struct {
	CompetitionID string              `json:"competitionId"`
	Rankings      []ParticipantResult `json:"rankings"`
	Questions     []QuestionStats     `json:"questions"`
	ComputedAt    time.Time           `json:"computedAt"`
}
