package memory

import (
	"context"
	"errors"
	"testing"

	"competition-engine/internal/domain"
)

func TestInsertAnswerEnforcesOnePerQuestion(t *testing.T) {
	ctx := context.Background()
	store := NewStore()
	store.SeedCompetition(domain.Competition{ID: "comp-1"}, nil, nil)
	if _, err := store.UpsertParticipant(ctx, domain.Participant{ID: "p1", CompetitionID: "comp-1", UserID: "u1", HasJoined: true}); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	first := domain.ParticipantAnswer{Token: "t1", ParticipantID: "p1", QuestionID: "q1", AnswerID: "o1"}
	if err := store.InsertAnswer(ctx, first); err != nil {
		t.Fatalf("insert: %v", err)
	}
	second := first
	second.Token = "t2"
	if err := store.InsertAnswer(ctx, second); !errors.Is(err, domain.ErrDuplicateAnswer) {
		t.Fatalf("expected ErrDuplicateAnswer for same question, got %v", err)
	}
	replay := domain.ParticipantAnswer{Token: "t1", ParticipantID: "p1", QuestionID: "q2"}
	if err := store.InsertAnswer(ctx, replay); !errors.Is(err, domain.ErrDuplicateAnswer) {
		t.Fatalf("expected ErrDuplicateAnswer for reused token, got %v", err)
	}
}

func TestOfflineFailsEveryCall(t *testing.T) {
	ctx := context.Background()
	store := NewStore()
	store.SeedCompetition(domain.Competition{ID: "comp-1"}, nil, nil)
	store.SetOffline(true)

	if _, err := store.GetCompetition(ctx, "comp-1"); !errors.Is(err, domain.ErrRemoteUnavailable) {
		t.Fatalf("expected ErrRemoteUnavailable, got %v", err)
	}
	if _, err := store.UpsertParticipant(ctx, domain.Participant{ID: "p1", CompetitionID: "comp-1", UserID: "u1"}); !errors.Is(err, domain.ErrRemoteUnavailable) {
		t.Fatalf("expected ErrRemoteUnavailable, got %v", err)
	}

	store.SetOffline(false)
	if _, err := store.GetCompetition(ctx, "comp-1"); err != nil {
		t.Fatalf("expected recovery after reconnect, got %v", err)
	}
}

func TestSlowSubscriberNeverBlocksWriters(t *testing.T) {
	ctx := context.Background()
	store := NewStore()
	store.SeedCompetition(domain.Competition{ID: "comp-1"}, nil, nil)

	events, cancel, err := store.Subscribe(ctx, "comp-1")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer cancel()

	// Overflow the buffer without draining; writes must not block.
	for i := 0; i < 100; i++ {
		p := domain.Participant{ID: "p", CompetitionID: "comp-1", UserID: "u", HasJoined: true}
		if _, err := store.UpsertParticipant(ctx, p); err != nil {
			t.Fatalf("upsert %d: %v", i, err)
		}
	}

	// The newest events survive; older ones were dropped.
	if len(events) == 0 {
		t.Fatalf("expected buffered events")
	}
}
