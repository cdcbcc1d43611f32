package poller

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"lurkbot/internal/models"
	"lurkbot/internal/services"
	"lurkbot/internal/validator"
)

// Channel is the message stream the loop reads from and replies to.
type Channel interface {
	// History returns messages strictly after the cursor (or the latest
	// limit messages when after is nil), newest first. limit 0 means no limit.
	History(ctx context.Context, after *models.MessageRef, limit int) ([]models.Message, error)
	Send(ctx context.Context, text string) error
}

// Generator produces replies. Errors are *services.GenerationError.
type Generator interface {
	Ask(ctx context.Context, prompt string) (string, error)
	Reset()
	CredentialIndex() int
	CredentialCount() int
}

// Observer receives one event per iteration. Observers are best effort.
type Observer interface {
	Observe(ctx context.Context, event models.LoopEvent)
}

// Sleeper suspends the loop between iterations.
type Sleeper interface {
	Sleep(ctx context.Context, d time.Duration) error
}

type Config struct {
	ChannelID    string
	Prompt       string
	DryRun       bool
	BacklogCount int
	MinMessages  int
	FastSleep    time.Duration
	Sleep        time.Duration
	Policy       validator.Policy
}

type Option func(*Loop)

func WithParser(p validator.Parser) Option {
	return func(l *Loop) { l.parser = p }
}

func WithObservers(observers ...Observer) Option {
	return func(l *Loop) { l.observers = append(l.observers, observers...) }
}

func WithSleeper(s Sleeper) Option {
	return func(l *Loop) { l.sleeper = s }
}

// Loop polls one channel and decides when to answer.
type Loop struct {
	id        uuid.UUID
	cfg       Config
	self      models.Author
	channel   Channel
	generator Generator
	parser    validator.Parser
	observers []Observer
	sleeper   Sleeper
	logger    *zap.Logger

	state     State
	iteration int64

	statusMu sync.RWMutex
	status   models.LoopStatus
}

func New(cfg Config, self models.Author, channel Channel, generator Generator, logger *zap.Logger, opts ...Option) *Loop {
	l := &Loop{
		id:        uuid.New(),
		cfg:       cfg,
		self:      self,
		channel:   channel,
		generator: generator,
		parser:    validator.TranscriptParser{},
		sleeper:   timerSleeper{},
	}
	for _, opt := range opts {
		opt(l)
	}
	l.logger = logger.With(
		zap.String("loop_id", l.id.String()),
		zap.String("channel_id", cfg.ChannelID))
	l.status = models.LoopStatus{
		LoopID:          l.id,
		ChannelID:       cfg.ChannelID,
		CredentialIndex: generator.CredentialIndex(),
		CredentialCount: generator.CredentialCount(),
		DryRun:          cfg.DryRun,
	}
	return l
}

func (l *Loop) ID() uuid.UUID {
	return l.id
}

// Run iterates until ctx is cancelled. Iteration failures never stop it.
func (l *Loop) Run(ctx context.Context) error {
	l.logger.Info("Starting poll loop",
		zap.String("self", l.self.Name),
		zap.Bool("dry_run", l.cfg.DryRun))

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		res := l.Iterate(ctx)

		delay := l.cfg.Sleep
		if res.Outcome.Fast() {
			delay = l.cfg.FastSleep
		}
		l.logger.Debug("Sleeping",
			zap.String("outcome", string(res.Outcome)),
			zap.Duration("delay", delay))
		if err := l.sleeper.Sleep(ctx, delay); err != nil {
			return err
		}
	}
}

// Iterate runs exactly one poll iteration and reports how it ended. Panics are
// recovered here and turned into OutcomeError.
func (l *Loop) Iterate(ctx context.Context) (res Result) {
	l.iteration++
	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("Got a panic during the loop, swallowing",
				zap.Int64("iteration", l.iteration),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()))
			res = Result{Outcome: OutcomeError, Reason: ReasonPanic, Err: fmt.Errorf("panic: %v", r)}
		}
		res.Iteration = l.iteration
		res.Duration = time.Since(start)
		l.record(ctx, res)
	}()

	return l.iterate(ctx)
}

func (l *Loop) iterate(ctx context.Context) Result {
	b, err := l.fetch(ctx)
	if err != nil {
		l.logger.Warn("Failed to fetch message history", zap.Error(err))
		return Result{Outcome: OutcomeError, Reason: ReasonFetchFailed, Err: err}
	}

	res := Result{Fetched: len(b.messages), Pinged: b.pinged}
	enough := len(b.messages) > l.cfg.MinMessages
	if !b.pinged && !enough {
		l.logger.Debug("Skipping iteration because respond conditions weren't met, sleeping (fast).",
			zap.Bool("user_pinged", b.pinged),
			zap.Bool("enough_messages", enough),
			zap.Int("fetched", len(b.messages)))
		res.Outcome = OutcomeSkipped
		res.Reason = ReasonNotTriggered
		return res
	}

	l.logger.Info("Responding because conditions met.",
		zap.Bool("user_pinged", b.pinged),
		zap.Bool("enough_messages", enough),
		zap.Int("fetched", len(b.messages)))

	if b.candidate != nil && !l.state.Advance(*b.candidate) {
		l.logger.Warn("Channel returned a message older than the cursor",
			zap.String("candidate", b.candidate.ID))
	}

	prompt := formatMessages(b.messages, l.self)

	if l.state.Primed() {
		if kw, ok := l.cfg.Policy.BrokenKeyword(prompt); ok {
			l.logger.Info("Broken keyword detected, resetting state and sleeping (fast).",
				zap.String("keyword", kw))
			l.reset()
			res.Outcome = OutcomeReset
			res.Reason = ReasonBrokenKeyword
			return res
		}
	}

	wasPrimed := l.state.Primed()
	if !wasPrimed {
		prompt = l.cfg.Prompt + "\n" + prompt
		l.state.MarkPrimed()
	}

	l.logger.Debug("Asking backend", zap.String("prompt", prompt))
	raw, err := l.generator.Ask(ctx, prompt)
	if err != nil {
		var genErr *services.GenerationError
		if errors.As(err, &genErr) {
			res.Reason = "backend_" + string(genErr.Kind)
			res.Rotated = genErr.Rotated
		} else {
			res.Reason = "backend_" + string(services.ErrorOther)
		}
		// Failed asks leave no turn in the backend session. A rotated
		// credential also starts a fresh session without the prompt.
		if !wasPrimed || res.Rotated {
			l.state.Unprime()
		}
		res.Outcome = OutcomeBackendFailure
		res.Err = err
		return res
	}

	l.logger.Debug("Got response from backend", zap.String("response", raw))

	reply, ok, parseErr := validator.SafeParse(l.parser, raw)
	if parseErr != nil {
		l.logger.Warn("Parser failed", zap.Error(parseErr))
	}
	if !ok || reply == "" {
		l.logger.Info("Failed to parse response, resetting state and sleeping (fast).")
		l.reset()
		res.Outcome = OutcomeReset
		res.Reason = ReasonParseFailed
		return res
	}

	if verdict := l.cfg.Policy.Check(reply); verdict.Flagged() {
		l.logger.Info("Resetting state because kill condition was found, sleeping (fast).",
			zap.Bool("capitals_detected", verdict.Capitalized),
			zap.String("word", verdict.Word),
			zap.Bool("self_awareness_detected", verdict.SelfAware),
			zap.String("phrase", verdict.Phrase))
		l.reset()
		res.Outcome = OutcomeReset
		res.Reason = verdict.Reason()
		res.Reply = reply
		return res
	}

	res.Reply = reply
	if l.cfg.DryRun {
		l.logger.Info("Would have sent message, but dry run is enabled.", zap.String("reply", reply))
		res.Outcome = OutcomePublished
		res.Reason = ReasonDryRun
		return res
	}

	if err := l.channel.Send(ctx, reply); err != nil {
		l.logger.Warn("Failed to send message", zap.Error(err))
		res.Outcome = OutcomeError
		res.Reason = ReasonSendFailed
		res.Err = err
		return res
	}

	l.logger.Info("Message sent.", zap.String("reply", reply))
	res.Outcome = OutcomePublished
	res.Reason = ReasonSent
	return res
}

func (l *Loop) fetch(ctx context.Context) (batch, error) {
	cursor := l.state.Cursor()
	limit := 0
	if cursor == nil {
		limit = l.cfg.BacklogCount
	}

	history, err := l.channel.History(ctx, cursor, limit)
	if err != nil {
		return batch{}, fmt.Errorf("fetch history: %w", err)
	}
	return collect(history, l.self), nil
}

// reset clears local state and the backend conversation.
func (l *Loop) reset() {
	l.state.Reset()
	l.generator.Reset()
}

// Status returns a snapshot safe to read from other goroutines.
func (l *Loop) Status() models.LoopStatus {
	l.statusMu.RLock()
	defer l.statusMu.RUnlock()
	status := l.status
	if status.Cursor != nil {
		ref := *status.Cursor
		status.Cursor = &ref
	}
	return status
}

func (l *Loop) record(ctx context.Context, res Result) {
	now := time.Now().UTC()

	l.statusMu.Lock()
	l.status.Cursor = l.state.Cursor()
	l.status.Primed = l.state.Primed()
	l.status.CredentialIndex = l.generator.CredentialIndex()
	l.status.Iterations = res.Iteration
	l.status.LastOutcome = string(res.Outcome)
	l.status.LastReason = res.Reason
	l.status.LastIterationAt = &now
	l.statusMu.Unlock()

	if len(l.observers) == 0 {
		return
	}

	event := models.LoopEvent{
		ID:              uuid.New(),
		LoopID:          l.id,
		ChannelID:       l.cfg.ChannelID,
		Iteration:       res.Iteration,
		Outcome:         string(res.Outcome),
		Reason:          res.Reason,
		Fetched:         res.Fetched,
		Pinged:          res.Pinged,
		DryRun:          l.cfg.DryRun,
		Rotated:         res.Rotated,
		CredentialIndex: l.generator.CredentialIndex(),
		DurationMS:      res.Duration.Milliseconds(),
		CreatedAt:       now,
	}
	if res.Reply != "" {
		reply := res.Reply
		event.Reply = &reply
	}

	observeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	for _, o := range l.observers {
		l.observe(observeCtx, o, event)
	}
}

func (l *Loop) observe(ctx context.Context, o Observer, event models.LoopEvent) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Warn("Observer panicked", zap.Any("panic", r))
		}
	}()
	o.Observe(ctx, event)
}

type timerSleeper struct{}

func (timerSleeper) Sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
