package redis

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"competition-engine/internal/domain"
)

func TestPublishReachesSubscriber(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("run miniredis: %v", err)
	}
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	notifier := NewNotifier(client, zerolog.Nop())
	ctx := context.Background()

	events, cancel, err := notifier.Subscribe(ctx, "comp-1")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer cancel()

	sent := domain.NewChangeEvent(domain.TableAnswers, domain.ChangeInsert, "comp-1",
		domain.ParticipantAnswer{Token: "t1", ParticipantID: "p1", QuestionID: "q1"}, nil)
	if err := notifier.Publish(ctx, sent); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case got := <-events:
		if got.Table != domain.TableAnswers || got.Kind != domain.ChangeInsert || got.CompetitionID != "comp-1" {
			t.Fatalf("unexpected event %+v", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("event not delivered")
	}
}

func TestSubscriptionsAreScopedPerCompetition(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("run miniredis: %v", err)
	}
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	notifier := NewNotifier(client, zerolog.Nop())
	ctx := context.Background()

	events, cancel, err := notifier.Subscribe(ctx, "comp-1")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer cancel()

	other := domain.NewChangeEvent(domain.TableParticipants, domain.ChangeInsert, "comp-2",
		domain.Participant{ID: "p9", CompetitionID: "comp-2"}, nil)
	if err := notifier.Publish(ctx, other); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case ev := <-events:
		t.Fatalf("event leaked across competitions: %+v", ev)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestCancelClosesStream(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("run miniredis: %v", err)
	}
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	notifier := NewNotifier(client, zerolog.Nop())

	events, cancel, err := notifier.Subscribe(context.Background(), "comp-1")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	cancel()
	cancel() // idempotent

	select {
	case _, ok := <-events:
		if ok {
			t.Fatalf("expected closed stream, got event")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("stream not closed after cancel")
	}
}
