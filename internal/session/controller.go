package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"competition-engine/internal/domain"
	"competition-engine/internal/results"
	"competition-engine/internal/syncer"
)

// Phase is the observable state of a device's session.
type Phase string

const (
	PhaseLoading    Phase = "loading"
	PhasePresenting Phase = "presenting"
	PhaseAnswered   Phase = "answered"
	PhaseTimedOut   Phase = "timed_out"
	PhaseWaiting    Phase = "waiting_for_others"
	PhaseCompleting Phase = "completing"
	PhaseDone       Phase = "done"
	PhaseFailed     Phase = "failed"
)

// Gateway is the slice of the remote gateway the controller drives.
type Gateway interface {
	EnsureParticipantJoined(ctx context.Context, competitionID, userID string) (domain.Participant, error)
	FetchParticipants(ctx context.Context, competitionID string) ([]domain.Participant, error)
	FetchAnswers(ctx context.Context, competitionID string) ([]domain.ParticipantAnswer, error)
	UpdateParticipantStatus(ctx context.Context, participantID string, patch domain.ParticipantPatch) error
	CompleteCompetition(ctx context.Context, id string) error
	Subscribe(ctx context.Context, competitionID string) (<-chan domain.ChangeEvent, func(), error)
}

// Cache is the local store the controller reads questions from and
// writes answers to. All methods are network-independent except
// Preload and SyncPendingAnswers.
type Cache interface {
	Preload(ctx context.Context, competitionID string) error
	Competition(competitionID string) (domain.Competition, error)
	Questions(competitionID string) ([]domain.Question, error)
	AnswerOptions(questionID string) ([]domain.AnswerOption, error)
	SubmitAnswer(answer domain.ParticipantAnswer) (bool, error)
	Answers(participantID string) ([]domain.ParticipantAnswer, error)
	SyncPendingAnswers(ctx context.Context) error
	PendingCount() int
	SaveSelf(p domain.Participant) error
	Self(competitionID, userID string) (domain.Participant, error)
	SaveResults(snapshot domain.ResultsSnapshot) error
	Results(competitionID string) (domain.ResultsSnapshot, error)
}

// Config tunes the session loop. Zero values pick the defaults.
type Config struct {
	// Tick is the cadence of the countdown/barrier poll loop.
	Tick time.Duration
	// SettleDelay is the fixed pause between the barrier opening and
	// the next question being presented.
	SettleDelay time.Duration
	// BarrierWait bounds how long WaitingForOthers may hold before the
	// device advances anyway. Zero picks twice the question duration;
	// a negative value waits forever, accepting that a participant who
	// drops without completing stalls the group.
	BarrierWait time.Duration
	// RefreshInterval is how often the remote row sets are re-fetched
	// while waiting at the barrier.
	RefreshInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.Tick <= 0 {
		c.Tick = 200 * time.Millisecond
	}
	if c.SettleDelay <= 0 {
		c.SettleDelay = 500 * time.Millisecond
	}
	if c.RefreshInterval <= 0 {
		c.RefreshInterval = time.Second
	}
	return c
}

// Controller drives one device through a competition: present a
// question, collect or synthesize the answer, hold at the barrier
// until every active participant has answered, advance, and finally
// aggregate results. It is constructed per screen entry with its
// dependencies injected and must be disposed on exit.
//
// All state transitions happen on a single run-loop goroutine; the
// exported methods only read snapshots or hand work to the loop, so
// nothing here ever blocks on the network.
type Controller struct {
	gw    Gateway
	cache Cache
	sync  *syncer.Synchronizer
	agg   *results.Aggregator
	clock clockwork.Clock
	log   zerolog.Logger
	cfg   Config

	mu            sync.Mutex
	phase         Phase
	comp          domain.Competition
	self          domain.Participant
	questions     []domain.Question
	idx           int
	questionStart time.Time
	answered      bool
	score         int
	scoreWritten  bool
	failure       error

	ctx         context.Context
	cancel      context.CancelFunc
	events      <-chan domain.ChangeEvent
	unsubscribe func()
	selections  chan string
	refreshing  chan struct{}
	done        chan struct{}
	disposeOnce sync.Once

	waitingSince time.Time
	settleAt     time.Time
	lastRefresh  time.Time
}

func New(gw Gateway, cache Cache, clock clockwork.Clock, log zerolog.Logger, cfg Config) *Controller {
	return &Controller{
		gw:         gw,
		cache:      cache,
		sync:       syncer.New(),
		agg:        results.New(),
		clock:      clock,
		log:        log.With().Str("component", "session").Logger(),
		cfg:        cfg.withDefaults(),
		phase:      PhaseLoading,
		selections: make(chan string, 1),
		refreshing: make(chan struct{}, 1),
		done:       make(chan struct{}),
	}
}

// Start joins the competition, preloads the local cache and launches
// the run loop. It fails only for a missing user ID or when neither
// the network nor a prior cache can supply the question bundle; every
// later remote failure is logged and retried, never surfaced.
func (c *Controller) Start(ctx context.Context, competitionID, userID string) error {
	if userID == "" {
		return domain.ErrMissingUserID
	}
	c.mu.Lock()
	if c.phase != PhaseLoading {
		c.mu.Unlock()
		return fmt.Errorf("session already started (phase %s)", c.phase)
	}
	c.mu.Unlock()

	self, joinErr := c.gw.EnsureParticipantJoined(ctx, competitionID, userID)
	if joinErr == nil {
		if err := c.cache.SaveSelf(self); err != nil {
			c.log.Warn().Err(err).Msg("persisting own participant row failed")
		}
	} else {
		switch {
		case errors.Is(joinErr, domain.ErrMissingUserID),
			errors.Is(joinErr, domain.ErrCompetitionFull),
			errors.Is(joinErr, domain.ErrJoinClosed):
			return joinErr
		}
		// Offline join: fall back to the row remembered from a prior
		// session on this device, if any.
		cached, err := c.cache.Self(competitionID, userID)
		if err != nil {
			return fmt.Errorf("join failed with no cached participant: %w", joinErr)
		}
		c.log.Warn().Err(joinErr).Msg("offline start, reusing cached participant row")
		self = cached
	}

	if err := c.cache.Preload(ctx, competitionID); err != nil {
		return err
	}
	comp, err := c.cache.Competition(competitionID)
	if err != nil {
		return err
	}
	questions, err := c.cache.Questions(competitionID)
	if err != nil {
		return err
	}
	if len(questions) == 0 {
		return fmt.Errorf("%w: competition has no questions", domain.ErrNoCachedCompetition)
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	events, unsubscribe, subErr := c.gw.Subscribe(runCtx, competitionID)
	if subErr != nil {
		c.log.Warn().Err(subErr).Msg("subscription unavailable, relying on polling")
		events, unsubscribe = nil, func() {}
	}

	c.mu.Lock()
	c.ctx, c.cancel = runCtx, cancel
	c.comp = comp
	c.self = self
	c.questions = questions
	c.events = events
	c.unsubscribe = unsubscribe
	if c.cfg.BarrierWait == 0 {
		c.cfg.BarrierWait = 2 * time.Duration(comp.TimePerQuestion) * time.Second
	} else if c.cfg.BarrierWait < 0 {
		c.cfg.BarrierWait = 0
	}
	c.mu.Unlock()

	c.sync.ReplaceParticipants([]domain.Participant{self})
	c.refreshCounts(runCtx)
	c.presentQuestion(0)

	go c.run(runCtx)
	return nil
}

// SelectAnswer hands the user's choice to the run loop. Only the
// first of {selection, countdown expiry} per question takes effect;
// anything after that is dropped.
func (c *Controller) SelectAnswer(answerID string) {
	select {
	case c.selections <- answerID:
	default:
	}
}

// RemainingSeconds is the countdown for the current question, derived
// from the captured start timestamp so it stays correct even if the
// process was suspended between ticks.
func (c *Controller) RemainingSeconds() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.phase != PhasePresenting {
		return 0
	}
	elapsed := int(c.clock.Since(c.questionStart).Seconds())
	remaining := c.comp.TimePerQuestion - elapsed
	if remaining < 0 {
		return 0
	}
	return remaining
}

// CurrentQuestion returns the question being presented, if any.
func (c *Controller) CurrentQuestion() (domain.Question, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.idx < 0 || c.idx >= len(c.questions) {
		return domain.Question{}, false
	}
	return c.questions[c.idx], true
}

// CurrentOptions returns the cached answer options for the question
// being presented, or nil between questions.
func (c *Controller) CurrentOptions() []domain.AnswerOption {
	question, ok := c.CurrentQuestion()
	if !ok {
		return nil
	}
	options, err := c.cache.AnswerOptions(question.ID)
	if err != nil {
		return nil
	}
	return options
}

// Phase returns the current session phase.
func (c *Controller) Phase() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

// Score is the running score for this device's participant.
func (c *Controller) Score() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.score
}

// PendingSyncCount reports answers not yet confirmed remotely, for a
// "failed to sync" indicator.
func (c *Controller) PendingSyncCount() int {
	return c.cache.PendingCount()
}

// Results returns the persisted snapshot once the session is done.
func (c *Controller) Results() (domain.ResultsSnapshot, error) {
	c.mu.Lock()
	id := c.comp.ID
	c.mu.Unlock()
	return c.cache.Results(id)
}

// Err reports why the session failed, if it did.
func (c *Controller) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.failure
}

// Dispose tears the session down: run loop stopped, subscription
// closed, countdown timer cancelled. Safe to call more than once.
func (c *Controller) Dispose() {
	c.disposeOnce.Do(func() {
		c.mu.Lock()
		cancel, unsubscribe := c.cancel, c.unsubscribe
		started := c.ctx != nil
		c.mu.Unlock()
		if !started {
			close(c.done)
			return
		}
		cancel()
		unsubscribe()
		<-c.done
	})
}

// Done is closed when the run loop has exited.
func (c *Controller) Done() <-chan struct{} {
	return c.done
}

func (c *Controller) run(ctx context.Context) {
	defer close(c.done)
	ticker := c.clock.NewTicker(c.cfg.Tick)
	defer ticker.Stop()

	events := c.events
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			c.sync.ApplyEvent(ev)
		case answerID := <-c.selections:
			c.handleSelection(ctx, answerID)
		case <-ticker.Chan():
			if done := c.tick(ctx); done {
				return
			}
		}
	}
}

func (c *Controller) tick(ctx context.Context) (terminal bool) {
	switch c.Phase() {
	case PhasePresenting:
		if c.clock.Since(c.questionStartSnapshot()) >= c.questionDuration() {
			c.handleTimeout(ctx)
		}
	case PhaseAnswered, PhaseTimedOut:
		c.enterWaiting(ctx)
	case PhaseWaiting:
		c.pollBarrier(ctx)
	case PhaseCompleting:
		c.complete(ctx)
		return true
	case PhaseDone, PhaseFailed:
		return true
	}
	return false
}

func (c *Controller) questionStartSnapshot() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.questionStart
}

func (c *Controller) questionDuration() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return time.Duration(c.comp.TimePerQuestion) * time.Second
}

func (c *Controller) presentQuestion(i int) {
	c.mu.Lock()
	c.idx = i
	c.questionStart = c.clock.Now()
	c.answered = false
	c.phase = PhasePresenting
	question := c.questions[i]
	c.mu.Unlock()

	c.sync.SetCurrentQuestion(question.ID)
	c.log.Debug().Int("position", i).Str("question", question.ID).Msg("presenting question")
}

// handleSelection records a real answer. The answered flag guards the
// race against the countdown: whichever of the two fires first wins
// and the loser is a no-op.
func (c *Controller) handleSelection(ctx context.Context, answerID string) {
	c.mu.Lock()
	if c.phase != PhasePresenting || c.answered {
		c.mu.Unlock()
		return
	}
	question := c.questions[c.idx]
	elapsed := c.clock.Since(c.questionStart).Seconds()
	limit := float64(c.comp.TimePerQuestion)
	if elapsed > limit {
		elapsed = limit
	}
	c.mu.Unlock()

	options, err := c.cache.AnswerOptions(question.ID)
	if err != nil {
		c.log.Error().Err(err).Str("question", question.ID).Msg("options missing from cache")
		return
	}
	found := false
	correct := false
	for _, opt := range options {
		if opt.ID == answerID {
			found = true
			correct = opt.IsCorrect
			break
		}
	}
	if !found {
		c.log.Warn().Str("answer", answerID).Str("question", question.ID).Msg("unknown answer option ignored")
		return
	}

	c.recordAnswer(ctx, domain.ParticipantAnswer{
		Token:         uuid.NewString(),
		ParticipantID: c.selfID(),
		QuestionID:    question.ID,
		AnswerID:      answerID,
		IsCorrect:     correct,
		TimeTaken:     elapsed,
	}, PhaseAnswered)
}

// handleTimeout synthesizes the timeout row: no option, not correct,
// full question duration.
func (c *Controller) handleTimeout(ctx context.Context) {
	c.mu.Lock()
	if c.phase != PhasePresenting || c.answered {
		c.mu.Unlock()
		return
	}
	question := c.questions[c.idx]
	limit := float64(c.comp.TimePerQuestion)
	c.mu.Unlock()

	c.log.Debug().Str("question", question.ID).Msg("countdown expired, synthesizing answer")
	c.recordAnswer(ctx, domain.ParticipantAnswer{
		Token:         uuid.NewString(),
		ParticipantID: c.selfID(),
		QuestionID:    question.ID,
		IsCorrect:     false,
		TimeTaken:     limit,
	}, PhaseTimedOut)
}

func (c *Controller) recordAnswer(ctx context.Context, answer domain.ParticipantAnswer, next Phase) {
	created, err := c.cache.SubmitAnswer(answer)
	if err != nil {
		c.fail(fmt.Errorf("record answer locally: %w", err))
		return
	}

	c.mu.Lock()
	c.answered = true
	if created && answer.IsCorrect {
		c.score++
	}
	c.phase = next
	c.mu.Unlock()

	c.sync.ObserveAnswer(answer)

	// Mirror opportunistically; the mandatory flush happens at completion.
	go func() {
		if err := c.cache.SyncPendingAnswers(ctx); err != nil {
			c.log.Warn().Err(err).Msg("opportunistic answer sync failed")
		}
	}()
}

func (c *Controller) enterWaiting(ctx context.Context) {
	c.mu.Lock()
	c.phase = PhaseWaiting
	c.waitingSince = c.clock.Now()
	c.settleAt = time.Time{}
	c.lastRefresh = time.Time{}
	c.mu.Unlock()
	c.kickRefresh(ctx)
}

// pollBarrier runs every tick while waiting. Counts arrive from
// subscription events and periodic refreshes; the decision itself is
// the synchronizer's pure AdvanceReady.
func (c *Controller) pollBarrier(ctx context.Context) {
	now := c.clock.Now()

	c.mu.Lock()
	settleAt := c.settleAt
	waitingSince := c.waitingSince
	lastRefresh := c.lastRefresh
	c.mu.Unlock()

	if !settleAt.IsZero() {
		if !now.Before(settleAt) {
			c.advance()
		}
		return
	}

	if now.Sub(lastRefresh) >= c.cfg.RefreshInterval {
		c.mu.Lock()
		c.lastRefresh = now
		c.mu.Unlock()
		c.kickRefresh(ctx)
	}

	if c.sync.AdvanceReady() {
		c.mu.Lock()
		c.settleAt = now.Add(c.cfg.SettleDelay)
		c.mu.Unlock()
		return
	}

	if c.cfg.BarrierWait > 0 && now.Sub(waitingSince) >= c.cfg.BarrierWait {
		c.log.Warn().
			Dur("waited", now.Sub(waitingSince)).
			Msg("barrier wait bound hit, advancing without stragglers")
		c.advance()
	}
}

// kickRefresh re-fetches remote row sets off the loop goroutine. At
// most one refresh is in flight; failures leave the last-known counts
// in place, topped up with this device's local answers.
func (c *Controller) kickRefresh(ctx context.Context) {
	select {
	case c.refreshing <- struct{}{}:
	default:
		return
	}
	go func() {
		defer func() { <-c.refreshing }()
		c.refreshCounts(ctx)
	}()
}

func (c *Controller) refreshCounts(ctx context.Context) {
	c.mu.Lock()
	competitionID := c.comp.ID
	self := c.self
	c.mu.Unlock()

	if parts, err := c.gw.FetchParticipants(ctx, competitionID); err == nil && len(parts) > 0 {
		c.sync.ReplaceParticipants(parts)
	}
	if answers, err := c.gw.FetchAnswers(ctx, competitionID); err == nil {
		c.sync.ReplaceAnswers(answers)
	}
	// Local rows may not have mirrored yet; fold them back in so this
	// device's own progress is never lost to a stale remote read.
	if local, err := c.cache.Answers(self.ID); err == nil {
		for _, a := range local {
			c.sync.ObserveAnswer(a)
		}
	}
}

func (c *Controller) advance() {
	c.mu.Lock()
	next := c.idx + 1
	total := len(c.questions)
	c.mu.Unlock()

	if next < total {
		c.presentQuestion(next)
		return
	}
	c.mu.Lock()
	c.phase = PhaseCompleting
	c.mu.Unlock()
}

// complete flushes pending answers, writes the final score exactly
// once, closes out the competition if this was the last active
// participant, and persists the results snapshot. Remote failures are
// logged and the session still finishes on local data.
func (c *Controller) complete(ctx context.Context) {
	c.mu.Lock()
	comp := c.comp
	self := c.self
	score := c.score
	alreadyWritten := c.scoreWritten
	questions := c.questions
	c.mu.Unlock()

	if err := c.cache.SyncPendingAnswers(ctx); err != nil {
		c.log.Warn().Err(err).Msg("final answer flush incomplete, rows stay queued")
	}

	if !alreadyWritten {
		completed := true
		patch := domain.ParticipantPatch{Completed: &completed, Score: &score}
		if err := c.gw.UpdateParticipantStatus(ctx, self.ID, patch); err != nil {
			c.log.Warn().Err(err).Msg("completion status not mirrored")
		} else {
			c.mu.Lock()
			c.scoreWritten = true
			c.self.Completed = true
			c.self.Score = score
			c.mu.Unlock()
		}
	}

	participants := c.finalParticipants(ctx, comp.ID, self, score)

	lastActive := true
	for _, p := range participants {
		if p.ID != self.ID && p.Active() {
			lastActive = false
			break
		}
	}
	if lastActive {
		if err := c.gw.CompleteCompetition(ctx, comp.ID); err != nil {
			c.log.Warn().Err(err).Msg("competition completion not mirrored")
		}
	}

	snapshot := c.buildSnapshot(ctx, comp, participants, questions)
	if err := c.cache.SaveResults(snapshot); err != nil {
		c.log.Error().Err(err).Msg("results snapshot not persisted")
	}

	c.mu.Lock()
	c.phase = PhaseDone
	c.mu.Unlock()
	c.log.Info().Str("competition", comp.ID).Int("score", score).Msg("session complete")
}

// finalParticipants prefers fresh remote rows and falls back to the
// synchronizer's last observation, always reflecting our own final state.
func (c *Controller) finalParticipants(ctx context.Context, competitionID string, self domain.Participant, score int) []domain.Participant {
	self.Completed = true
	self.Score = score

	parts, err := c.gw.FetchParticipants(ctx, competitionID)
	if err != nil || len(parts) == 0 {
		return []domain.Participant{self}
	}
	for i := range parts {
		if parts[i].ID == self.ID {
			parts[i] = self
		}
	}
	return parts
}

func (c *Controller) buildSnapshot(ctx context.Context, comp domain.Competition, participants []domain.Participant, questions []domain.Question) domain.ResultsSnapshot {
	options := make(map[string][]domain.AnswerOption, len(questions))
	for _, q := range questions {
		opts, err := c.cache.AnswerOptions(q.ID)
		if err != nil {
			continue
		}
		options[q.ID] = opts
	}

	remote, err := c.gw.FetchAnswers(ctx, comp.ID)
	if err != nil {
		remote = nil
	}
	merged := make(map[string]domain.ParticipantAnswer, len(remote))
	for _, a := range remote {
		merged[a.ParticipantID+"/"+a.QuestionID] = a
	}
	if local, err := c.cache.Answers(c.selfID()); err == nil {
		for _, a := range local {
			key := a.ParticipantID + "/" + a.QuestionID
			if _, ok := merged[key]; !ok {
				merged[key] = a
			}
		}
	}
	answers := make([]domain.ParticipantAnswer, 0, len(merged))
	for _, a := range merged {
		answers = append(answers, a)
	}

	if comp.QuestionCount == 0 {
		comp.QuestionCount = len(questions)
	}
	return c.agg.BuildSnapshot(comp, participants, questions, options, answers)
}

func (c *Controller) selfID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.self.ID
}

func (c *Controller) fail(err error) {
	c.log.Error().Err(err).Msg("session failed")
	c.mu.Lock()
	c.failure = err
	c.phase = PhaseFailed
	c.mu.Unlock()
}
