package session_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"competition-engine/internal/cache"
	"competition-engine/internal/domain"
	"competition-engine/internal/gateway"
	"competition-engine/internal/infra/memory"
	"competition-engine/internal/session"
)

var fastCfg = session.Config{
	Tick:            5 * time.Millisecond,
	SettleDelay:     15 * time.Millisecond,
	RefreshInterval: 25 * time.Millisecond,
	BarrierWait:     -1,
}

func TestTwoParticipantsRunFullCompetition(t *testing.T) {
	store := memory.NewStore()
	seedCompetition(store, 3, 1)

	a := newDevice(t, store, fastCfg)
	b := newDevice(t, store, fastCfg)

	if err := a.ctrl.Start(context.Background(), "comp-1", "alice"); err != nil {
		t.Fatalf("start A: %v", err)
	}
	defer a.ctrl.Dispose()
	if err := b.ctrl.Start(context.Background(), "comp-1", "bob"); err != nil {
		t.Fatalf("start B: %v", err)
	}
	defer b.ctrl.Dispose()

	// Q1: A answers correctly, B incorrectly; the barrier opens and
	// both move to Q2.
	waitQuestion(t, a.ctrl, "q1")
	waitQuestion(t, b.ctrl, "q1")
	a.ctrl.SelectAnswer("q1-right")
	b.ctrl.SelectAnswer("q1-wrong")
	waitQuestion(t, a.ctrl, "q2")
	waitQuestion(t, b.ctrl, "q2")

	// Q2: B answers, A lets the countdown expire. The synthesized
	// timeout row releases the barrier for both.
	b.ctrl.SelectAnswer("q2-wrong")
	waitQuestion(t, a.ctrl, "q3")
	waitQuestion(t, b.ctrl, "q3")

	// Q3: both answer; A finishes 2 of 3 correct, B 0 of 3.
	a.ctrl.SelectAnswer("q3-right")
	b.ctrl.SelectAnswer("q3-wrong")
	waitPhase(t, a.ctrl, session.PhaseDone)
	waitPhase(t, b.ctrl, session.PhaseDone)

	if got := a.ctrl.Score(); got != 2 {
		t.Fatalf("expected A score 2, got %d", got)
	}
	if got := b.ctrl.Score(); got != 0 {
		t.Fatalf("expected B score 0, got %d", got)
	}

	// A's Q2 row must be the synthesized timeout.
	answers, err := a.cache.Answers(participantID(t, store, "alice"))
	if err != nil {
		t.Fatalf("answers: %v", err)
	}
	var q2 *domain.ParticipantAnswer
	for i := range answers {
		if answers[i].QuestionID == "q2" {
			q2 = &answers[i]
		}
	}
	if q2 == nil || !q2.TimedOut() || q2.IsCorrect || q2.TimeTaken != 1 {
		t.Fatalf("expected synthesized timeout row for q2, got %+v", q2)
	}

	snapshot, err := a.ctrl.Results()
	if err != nil {
		t.Fatalf("results: %v", err)
	}
	if len(snapshot.Rankings) != 2 {
		t.Fatalf("expected 2 ranked participants, got %+v", snapshot.Rankings)
	}
	if snapshot.Rankings[0].UserID != "alice" || snapshot.Rankings[0].Rank != 1 {
		t.Fatalf("expected alice ranked first, got %+v", snapshot.Rankings[0])
	}
}

func TestSoloParticipantFinishesOffline(t *testing.T) {
	store := memory.NewStore()
	seedCompetition(store, 2, 30)

	d := newDevice(t, store, fastCfg)
	if err := d.ctrl.Start(context.Background(), "comp-1", "alice"); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer d.ctrl.Dispose()

	// Network dies right after preload; everything after runs on cache.
	store.SetOffline(true)

	waitQuestion(t, d.ctrl, "q1")
	d.ctrl.SelectAnswer("q1-right")
	waitQuestion(t, d.ctrl, "q2")
	d.ctrl.SelectAnswer("q2-right")
	waitPhase(t, d.ctrl, session.PhaseDone)

	if got := d.ctrl.Score(); got != 2 {
		t.Fatalf("expected offline score 2, got %d", got)
	}
	if d.ctrl.PendingSyncCount() == 0 {
		t.Fatalf("expected answers still pending remote sync")
	}

	snapshot, err := d.ctrl.Results()
	if err != nil {
		t.Fatalf("offline results must come from the cache: %v", err)
	}
	if len(snapshot.Rankings) != 1 || snapshot.Rankings[0].Score != 2 {
		t.Fatalf("expected local-only ranking with score 2, got %+v", snapshot.Rankings)
	}

	// Back online, the deferred mirror drains without data loss.
	store.SetOffline(false)
	if err := d.cache.SyncPendingAnswers(context.Background()); err != nil {
		t.Fatalf("deferred sync: %v", err)
	}
	remote, _ := store.ListAnswers(context.Background(), "comp-1")
	if len(remote) != 2 {
		t.Fatalf("expected 2 mirrored answers, got %d", len(remote))
	}
}

func TestCountdownExpirySynthesizesExactlyOneRow(t *testing.T) {
	store := memory.NewStore()
	seedCompetition(store, 2, 1)

	d := newDevice(t, store, fastCfg)
	if err := d.ctrl.Start(context.Background(), "comp-1", "alice"); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer d.ctrl.Dispose()

	// Answer nothing; poke SelectAnswer after expiry to exercise the
	// already-answered guard.
	waitPhase(t, d.ctrl, session.PhaseWaiting)
	d.ctrl.SelectAnswer("q1-right")
	waitPhase(t, d.ctrl, session.PhaseDone)

	answers, err := d.cache.Answers(participantID(t, store, "alice"))
	if err != nil {
		t.Fatalf("answers: %v", err)
	}
	if len(answers) != 2 {
		t.Fatalf("expected one row per question, got %d", len(answers))
	}
	for _, a := range answers {
		if !a.TimedOut() || a.IsCorrect || a.TimeTaken != 1 {
			t.Fatalf("expected synthesized timeout rows, got %+v", a)
		}
	}
	if d.ctrl.Score() != 0 {
		t.Fatalf("expected score 0 after full timeout, got %d", d.ctrl.Score())
	}
}

func TestBoundedBarrierSkipsDroppedParticipant(t *testing.T) {
	store := memory.NewStore()
	seedCompetition(store, 1, 30)

	// A ghost participant joined and then dropped without completing.
	_, err := store.UpsertParticipant(context.Background(), domain.Participant{
		ID: "ghost", CompetitionID: "comp-1", UserID: "ghost", HasJoined: true,
	})
	if err != nil {
		t.Fatalf("seed ghost: %v", err)
	}

	cfg := fastCfg
	cfg.BarrierWait = 80 * time.Millisecond
	d := newDevice(t, store, cfg)
	if err := d.ctrl.Start(context.Background(), "comp-1", "alice"); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer d.ctrl.Dispose()

	waitQuestion(t, d.ctrl, "q1")
	d.ctrl.SelectAnswer("q1-right")
	waitPhase(t, d.ctrl, session.PhaseDone)
}

func TestStartRequiresIdentity(t *testing.T) {
	store := memory.NewStore()
	seedCompetition(store, 1, 30)
	d := newDevice(t, store, fastCfg)
	defer d.ctrl.Dispose()

	if err := d.ctrl.Start(context.Background(), "comp-1", ""); !errors.Is(err, domain.ErrMissingUserID) {
		t.Fatalf("expected ErrMissingUserID, got %v", err)
	}
}

func TestStartFailsWithNoCacheAndNoNetwork(t *testing.T) {
	store := memory.NewStore()
	seedCompetition(store, 1, 30)
	store.SetOffline(true)

	d := newDevice(t, store, fastCfg)
	defer d.ctrl.Dispose()
	if err := d.ctrl.Start(context.Background(), "comp-1", "alice"); err == nil {
		t.Fatalf("expected fatal setup error with no cache and no network")
	}
}

func TestDisposeStopsTheLoop(t *testing.T) {
	store := memory.NewStore()
	seedCompetition(store, 3, 30)

	d := newDevice(t, store, fastCfg)
	if err := d.ctrl.Start(context.Background(), "comp-1", "alice"); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitQuestion(t, d.ctrl, "q1")
	d.ctrl.Dispose()
	d.ctrl.Dispose() // idempotent

	select {
	case <-d.ctrl.Done():
	case <-time.After(time.Second):
		t.Fatalf("run loop did not stop on dispose")
	}
}

type device struct {
	ctrl  *session.Controller
	cache *cache.Cache
}

func newDevice(t *testing.T, store *memory.Store, cfg session.Config) device {
	t.Helper()
	gw := gateway.New(store, store, zerolog.Nop())
	c, err := cache.Open(filepath.Join(t.TempDir(), "cache.db"), gw, zerolog.Nop())
	if err != nil {
		t.Fatalf("open cache: %v", err)
	}
	t.Cleanup(func() {
		gw.Cleanup()
		c.Close()
	})
	ctrl := session.New(gw, c, clockwork.NewRealClock(), zerolog.Nop(), cfg)
	return device{ctrl: ctrl, cache: c}
}

// seedCompetition loads comp-1 with n questions; option "qX-right" is
// correct, "qX-wrong" is not.
func seedCompetition(store *memory.Store, n, timePerQuestion int) {
	questions := make([]domain.Question, 0, n)
	options := make(map[string][]domain.AnswerOption, n)
	for i := 0; i < n; i++ {
		id := questionID(i)
		questions = append(questions, domain.Question{
			ID: id, CompetitionID: "comp-1", Text: "Question " + id, Position: i,
		})
		options[id] = []domain.AnswerOption{
			{ID: id + "-right", QuestionID: id, Text: "Right", IsCorrect: true},
			{ID: id + "-wrong", QuestionID: id, Text: "Wrong", IsCorrect: false},
		}
	}
	store.SeedCompetition(domain.Competition{
		ID:              "comp-1",
		Title:           "Fractions sprint",
		Subject:         "math",
		Status:          domain.StatusActive,
		QuestionCount:   n,
		TimePerQuestion: timePerQuestion,
		MaxParticipants: 8,
		IsPrivate:       true,
		AllowMidJoin:    true,
	}, questions, options)
}

func questionID(i int) string {
	return "q" + string(rune('1'+i))
}

func participantID(t *testing.T, store *memory.Store, userID string) string {
	t.Helper()
	parts, err := store.ListParticipants(context.Background(), "comp-1")
	if err != nil {
		t.Fatalf("list participants: %v", err)
	}
	for _, p := range parts {
		if p.UserID == userID {
			return p.ID
		}
	}
	t.Fatalf("participant %s not found", userID)
	return ""
}

func waitQuestion(t *testing.T, ctrl *session.Controller, questionID string) {
	t.Helper()
	waitFor(t, 5*time.Second, func() bool {
		q, ok := ctrl.CurrentQuestion()
		return ok && q.ID == questionID && ctrl.Phase() == session.PhasePresenting
	}, "question "+questionID)
}

func waitPhase(t *testing.T, ctrl *session.Controller, phase session.Phase) {
	t.Helper()
	waitFor(t, 5*time.Second, func() bool { return ctrl.Phase() == phase }, string(phase))
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
