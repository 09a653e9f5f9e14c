package domain

import "encoding/json"

// ChangeTable names the store table a change event refers to.
type ChangeTable string

const (
	TableCompetitions ChangeTable = "competitions"
	TableParticipants ChangeTable = "participants"
	TableAnswers      ChangeTable = "answers"
)

// ChangeKind is the row operation carried by a change event.
type ChangeKind string

const (
	ChangeInsert ChangeKind = "insert"
	ChangeUpdate ChangeKind = "update"
	ChangeDelete ChangeKind = "delete"
)

// ChangeEvent is one row-level notification from the authoritative
// store, scoped to a single competition. New carries the row after the
// change (insert/update), Old the row before it (update/delete).
// Delivery across devices is at-least-once with no global ordering, so
// consumers must treat events as hints to reconcile row sets, never as
// counters to increment.
type ChangeEvent struct {
	Table         ChangeTable     `json:"table"`
	Kind          ChangeKind      `json:"kind"`
	CompetitionID string          `json:"competitionId"`
	New           json.RawMessage `json:"new,omitempty"`
	Old           json.RawMessage `json:"old,omitempty"`
}

// NewChangeEvent marshals row into the event payload. Marshalling of
// the domain row types cannot fail, so errors are ignored.
func NewChangeEvent(table ChangeTable, kind ChangeKind, competitionID string, newRow, oldRow any) ChangeEvent {
	ev := ChangeEvent{Table: table, Kind: kind, CompetitionID: competitionID}
	if newRow != nil {
		ev.New, _ = json.Marshal(newRow)
	}
	if oldRow != nil {
		ev.Old, _ = json.Marshal(oldRow)
	}
	return ev
}
