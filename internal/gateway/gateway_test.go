package gateway

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"competition-engine/internal/domain"
	"competition-engine/internal/infra/memory"
)

func TestEnsureParticipantJoinedIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	seed(store, domain.Competition{ID: "comp-1", Status: domain.StatusWaiting, IsPrivate: true, MaxParticipants: 4})
	gw := New(store, store, zerolog.Nop())

	first, err := gw.EnsureParticipantJoined(ctx, "comp-1", "u1")
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	second, err := gw.EnsureParticipantJoined(ctx, "comp-1", "u1")
	if err != nil {
		t.Fatalf("re-join: %v", err)
	}
	if first.ID != second.ID {
		t.Fatalf("expected the same row on re-join, got %s and %s", first.ID, second.ID)
	}

	parts, _ := gw.FetchParticipants(ctx, "comp-1")
	if len(parts) != 1 {
		t.Fatalf("expected exactly one participant row, got %d", len(parts))
	}
}

func TestJoinRejectsFullCompetition(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	seed(store, domain.Competition{ID: "comp-1", Status: domain.StatusWaiting, IsPrivate: true, MaxParticipants: 1})
	gw := New(store, store, zerolog.Nop())

	if _, err := gw.EnsureParticipantJoined(ctx, "comp-1", "u1"); err != nil {
		t.Fatalf("join: %v", err)
	}
	if _, err := gw.EnsureParticipantJoined(ctx, "comp-1", "u2"); !errors.Is(err, domain.ErrCompetitionFull) {
		t.Fatalf("expected ErrCompetitionFull, got %v", err)
	}
	// The existing participant still gets in.
	if _, err := gw.EnsureParticipantJoined(ctx, "comp-1", "u1"); err != nil {
		t.Fatalf("existing participant rejected: %v", err)
	}
}

func TestJoinRejectsMidJoinWhenDisallowed(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	seed(store, domain.Competition{ID: "comp-1", Status: domain.StatusActive, IsPrivate: true, AllowMidJoin: false})
	gw := New(store, store, zerolog.Nop())

	if _, err := gw.EnsureParticipantJoined(ctx, "comp-1", "u1"); !errors.Is(err, domain.ErrJoinClosed) {
		t.Fatalf("expected ErrJoinClosed, got %v", err)
	}
}

func TestPublicCompetitionAutoStarts(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	seed(store, domain.Competition{ID: "comp-1", Status: domain.StatusWaiting, IsPrivate: false})
	gw := New(store, store, zerolog.Nop())

	if _, err := gw.EnsureParticipantJoined(ctx, "comp-1", "u1"); err != nil {
		t.Fatalf("join: %v", err)
	}
	comp, err := gw.FetchCompetition(ctx, "comp-1")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if comp.Status != domain.StatusActive {
		t.Fatalf("expected auto-start to active, got %s", comp.Status)
	}
	if comp.StartedAt == nil {
		t.Fatalf("expected StartedAt stamped")
	}
}

func TestDuplicateAnswerIsSwallowed(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	seed(store, domain.Competition{ID: "comp-1", Status: domain.StatusActive, IsPrivate: true, AllowMidJoin: true})
	gw := New(store, store, zerolog.Nop())

	p, err := gw.EnsureParticipantJoined(ctx, "comp-1", "u1")
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	row := domain.ParticipantAnswer{Token: "t1", ParticipantID: p.ID, QuestionID: "q1", AnswerID: "o1", IsCorrect: true, TimeTaken: 5}
	if err := gw.SubmitAnswer(ctx, row); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := gw.SubmitAnswer(ctx, row); err != nil {
		t.Fatalf("duplicate submit should be success, got %v", err)
	}

	answers, _ := gw.FetchAnswers(ctx, "comp-1")
	if len(answers) != 1 {
		t.Fatalf("expected 1 answer row, got %d", len(answers))
	}
}

func TestResubscribeReplacesStream(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	seed(store, domain.Competition{ID: "comp-1", Status: domain.StatusWaiting, IsPrivate: true})
	gw := New(store, store, zerolog.Nop())

	first, _, err := gw.Subscribe(ctx, "comp-1")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	second, cancel, err := gw.Subscribe(ctx, "comp-1")
	if err != nil {
		t.Fatalf("re-subscribe: %v", err)
	}
	defer cancel()

	// The first stream must be closed by the replacement.
	select {
	case _, ok := <-first:
		if ok {
			t.Fatalf("expected first stream closed, got event")
		}
	case <-time.After(time.Second):
		t.Fatalf("first stream not closed on re-subscribe")
	}

	if _, err := gw.EnsureParticipantJoined(ctx, "comp-1", "u1"); err != nil {
		t.Fatalf("join: %v", err)
	}
	select {
	case ev := <-second:
		if ev.Table != domain.TableParticipants {
			t.Fatalf("expected participants event, got %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatalf("no event on replacement stream")
	}
}

func TestCleanupClosesAllStreams(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	seed(store, domain.Competition{ID: "comp-1", Status: domain.StatusWaiting, IsPrivate: true})
	gw := New(store, store, zerolog.Nop())

	events, _, err := gw.Subscribe(ctx, "comp-1")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	gw.Cleanup()

	select {
	case _, ok := <-events:
		if ok {
			t.Fatalf("expected closed stream after cleanup")
		}
	case <-time.After(time.Second):
		t.Fatalf("stream not closed by cleanup")
	}
}

func seed(store *memory.Store, comp domain.Competition) {
	store.SeedCompetition(comp, []domain.Question{
		{ID: "q1", CompetitionID: comp.ID, Text: "First", Position: 0},
	}, map[string][]domain.AnswerOption{
		"q1": {
			{ID: "o1", QuestionID: "q1", Text: "Right", IsCorrect: true},
			{ID: "o2", QuestionID: "q1", Text: "Wrong", IsCorrect: false},
		},
	})
}
