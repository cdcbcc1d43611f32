package poller

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"lurkbot/internal/models"
	"lurkbot/internal/services"
	"lurkbot/internal/validator"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var (
	self  = models.Author{ID: "100", Name: "bot"}
	alice = models.Author{ID: "200", Name: "alice"}
	carol = models.Author{ID: "300", Name: "carol"}
	base  = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
)

func msg(id int, author models.Author, content string, mentions ...string) models.Message {
	return models.Message{
		ID:        fmt.Sprintf("%d", id),
		Author:    author,
		CreatedAt: base.Add(time.Duration(id) * time.Second),
		Content:   content,
		Mentions:  mentions,
	}
}

type historyCall struct {
	after *models.MessageRef
	limit int
}

type fakeChannel struct {
	pages   [][]models.Message
	errs    []error
	calls   []historyCall
	sent    []string
	sendErr error
	panics  bool
}

func (c *fakeChannel) History(_ context.Context, after *models.MessageRef, limit int) ([]models.Message, error) {
	if c.panics {
		panic("transport exploded")
	}
	c.calls = append(c.calls, historyCall{after: after, limit: limit})
	if len(c.errs) > 0 {
		err := c.errs[0]
		c.errs = c.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	if len(c.pages) == 0 {
		return nil, nil
	}
	page := c.pages[0]
	c.pages = c.pages[1:]
	return page, nil
}

func (c *fakeChannel) Send(_ context.Context, text string) error {
	if c.sendErr != nil {
		return c.sendErr
	}
	c.sent = append(c.sent, text)
	return nil
}

type reply struct {
	text string
	err  error
}

type fakeGenerator struct {
	replies []reply
	prompts []string
	resets  int
	index   int
}

func (g *fakeGenerator) Ask(_ context.Context, prompt string) (string, error) {
	g.prompts = append(g.prompts, prompt)
	if len(g.replies) == 0 {
		return "bot [2024-01-01 00:00:09]: ok", nil
	}
	r := g.replies[0]
	g.replies = g.replies[1:]
	var genErr *services.GenerationError
	if errors.As(r.err, &genErr) && genErr.Rotated {
		g.index = (g.index + 1) % 2
	}
	return r.text, r.err
}

func (g *fakeGenerator) Reset()               { g.resets++ }
func (g *fakeGenerator) CredentialIndex() int { return g.index }
func (g *fakeGenerator) CredentialCount() int { return 2 }

type recordingObserver struct {
	mu     sync.Mutex
	events []models.LoopEvent
}

func (o *recordingObserver) Observe(_ context.Context, event models.LoopEvent) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.events = append(o.events, event)
}

func testConfig() Config {
	return Config{
		ChannelID:    "general",
		Prompt:       "you are bot, a regular here",
		BacklogCount: 20,
		MinMessages:  2,
		FastSleep:    time.Second,
		Sleep:        5 * time.Second,
		Policy: validator.Policy{
			BrokenKeywords:        []string{"are you a bot"},
			SelfAwarenessKeywords: []string{"language model"},
		},
	}
}

func newTestLoop(cfg Config, ch *fakeChannel, gen *fakeGenerator, opts ...Option) *Loop {
	return New(cfg, self, ch, gen, zap.NewNop(), opts...)
}

func TestIterate_SkipsWhenNotTriggered(t *testing.T) {
	ch := &fakeChannel{pages: [][]models.Message{
		{msg(2, alice, "hi"), msg(1, carol, "hello")},
	}}
	gen := &fakeGenerator{}
	loop := newTestLoop(testConfig(), ch, gen)

	res := loop.Iterate(context.Background())

	assert.Equal(t, OutcomeSkipped, res.Outcome)
	assert.Equal(t, ReasonNotTriggered, res.Reason)
	assert.Equal(t, 2, res.Fetched)
	assert.Empty(t, gen.prompts)
	assert.Nil(t, loop.state.Cursor())
	assert.False(t, loop.state.Primed())
	require.Len(t, ch.calls, 1)
	assert.Nil(t, ch.calls[0].after)
	assert.Equal(t, 20, ch.calls[0].limit)
}

func TestIterate_PublishesScenario(t *testing.T) {
	ch := &fakeChannel{pages: [][]models.Message{
		{msg(1, alice, "hello\nbot, are you ok?")},
	}}
	gen := &fakeGenerator{replies: []reply{{text: "bot [2024-01-01 00:00:01]: yeah i'm fine"}}}
	loop := newTestLoop(testConfig(), ch, gen)

	res := loop.Iterate(context.Background())

	assert.Equal(t, OutcomePublished, res.Outcome)
	assert.Equal(t, ReasonSent, res.Reason)
	assert.True(t, res.Pinged)
	assert.Equal(t, []string{"yeah i'm fine"}, ch.sent)
	require.Len(t, gen.prompts, 1)
	assert.Equal(t,
		"you are bot, a regular here\nalice [2024-01-01 00:00:01]: hello\nbot, are you ok?",
		gen.prompts[0])
	assert.True(t, loop.state.Primed())
	require.NotNil(t, loop.state.Cursor())
	assert.Equal(t, "1", loop.state.Cursor().ID)
}

func TestIterate_PrimesOnlyOnce(t *testing.T) {
	ch := &fakeChannel{pages: [][]models.Message{
		{msg(3, alice, "a"), msg(2, carol, "b"), msg(1, alice, "c")},
		{msg(6, carol, "d"), msg(5, alice, "e"), msg(4, carol, "f")},
	}}
	gen := &fakeGenerator{}
	loop := newTestLoop(testConfig(), ch, gen)

	require.Equal(t, OutcomePublished, loop.Iterate(context.Background()).Outcome)
	require.Equal(t, OutcomePublished, loop.Iterate(context.Background()).Outcome)

	require.Len(t, gen.prompts, 2)
	assert.True(t, strings.HasPrefix(gen.prompts[0], "you are bot"))
	assert.False(t, strings.Contains(gen.prompts[1], "you are bot"))

	// Second fetch continues after the cursor with no limit.
	require.Len(t, ch.calls, 2)
	require.NotNil(t, ch.calls[1].after)
	assert.Equal(t, "3", ch.calls[1].after.ID)
	assert.Equal(t, 0, ch.calls[1].limit)
	assert.Equal(t, "6", loop.state.Cursor().ID)
}

func TestIterate_PingTriggers(t *testing.T) {
	tests := []struct {
		name    string
		message models.Message
		prompt  string
	}{
		{
			name:    "mention",
			message: msg(1, alice, "thoughts?", self.ID),
			prompt:  "alice [2024-01-01 00:00:01]: bot, thoughts?",
		},
		{
			name:    "name in text, any case",
			message: msg(1, alice, "what does BOT think"),
			prompt:  "alice [2024-01-01 00:00:01]: what does BOT think",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			ch := &fakeChannel{pages: [][]models.Message{{tc.message}}}
			gen := &fakeGenerator{}
			cfg := testConfig()
			cfg.MinMessages = 10
			loop := newTestLoop(cfg, ch, gen)

			res := loop.Iterate(context.Background())

			assert.True(t, res.Pinged)
			assert.Equal(t, OutcomePublished, res.Outcome)
			require.Len(t, gen.prompts, 1)
			assert.Equal(t, cfg.Prompt+"\n"+tc.prompt, gen.prompts[0])
		})
	}
}

func TestIterate_IgnoresSelfMessages(t *testing.T) {
	ch := &fakeChannel{pages: [][]models.Message{
		{msg(4, self, "my own reply"), msg(3, alice, "a"), msg(2, carol, "b"), msg(1, alice, "c")},
	}}
	gen := &fakeGenerator{}
	loop := newTestLoop(testConfig(), ch, gen)

	res := loop.Iterate(context.Background())

	assert.Equal(t, 3, res.Fetched)
	assert.Equal(t, "3", loop.state.Cursor().ID)
	assert.NotContains(t, gen.prompts[0], "my own reply")
}

func TestIterate_MinMessagesIsStrict(t *testing.T) {
	ch := &fakeChannel{pages: [][]models.Message{
		{msg(2, alice, "a"), msg(1, carol, "b")},
		{msg(5, alice, "c"), msg(4, carol, "d"), msg(3, alice, "e")},
	}}
	gen := &fakeGenerator{}
	loop := newTestLoop(testConfig(), ch, gen)

	assert.Equal(t, OutcomeSkipped, loop.Iterate(context.Background()).Outcome)
	assert.Equal(t, OutcomePublished, loop.Iterate(context.Background()).Outcome)
}

func TestIterate_BrokenKeywordOnlyWhenPrimed(t *testing.T) {
	ch := &fakeChannel{pages: [][]models.Message{
		{msg(3, alice, "are you a bot"), msg(2, carol, "b"), msg(1, alice, "c")},
		{msg(6, alice, "are you a bot"), msg(5, carol, "e"), msg(4, alice, "f")},
	}}
	gen := &fakeGenerator{}
	loop := newTestLoop(testConfig(), ch, gen)

	first := loop.Iterate(context.Background())
	assert.Equal(t, OutcomePublished, first.Outcome)

	second := loop.Iterate(context.Background())
	assert.Equal(t, OutcomeReset, second.Outcome)
	assert.Equal(t, ReasonBrokenKeyword, second.Reason)
	assert.Len(t, gen.prompts, 1, "no ask after a broken keyword")
	assert.Equal(t, 1, gen.resets)
	assert.Nil(t, loop.state.Cursor())
	assert.False(t, loop.state.Primed())
}

func TestIterate_ParseFailureResets(t *testing.T) {
	ch := &fakeChannel{pages: [][]models.Message{
		{msg(1, alice, "bot?")},
	}}
	gen := &fakeGenerator{replies: []reply{{text: "As an AI language model, I cannot..."}}}
	loop := newTestLoop(testConfig(), ch, gen)

	res := loop.Iterate(context.Background())

	assert.Equal(t, OutcomeReset, res.Outcome)
	assert.Equal(t, ReasonParseFailed, res.Reason)
	assert.Empty(t, ch.sent)
	assert.Equal(t, 1, gen.resets)
	assert.Nil(t, loop.state.Cursor())
	assert.False(t, loop.state.Primed())
}

func TestIterate_EmptyReplyResets(t *testing.T) {
	ch := &fakeChannel{pages: [][]models.Message{{msg(1, alice, "bot?")}}}
	gen := &fakeGenerator{replies: []reply{{text: "bot [2024-01-01 00:00:01]:   "}}}
	loop := newTestLoop(testConfig(), ch, gen)

	res := loop.Iterate(context.Background())
	assert.Equal(t, OutcomeReset, res.Outcome)
	assert.Equal(t, ReasonParseFailed, res.Reason)
}

func TestIterate_PolicyFlagResets(t *testing.T) {
	tests := []struct {
		name   string
		raw    string
		reason string
	}{
		{"capitalised word", "bot [2024-01-01 00:00:01]: Sure thing", "capitals_detected"},
		{"self awareness", "bot [2024-01-01 00:00:01]: i'm just a language model", "self_awareness_detected"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			ch := &fakeChannel{pages: [][]models.Message{{msg(1, alice, "bot?")}}}
			gen := &fakeGenerator{replies: []reply{{text: tc.raw}}}
			loop := newTestLoop(testConfig(), ch, gen)

			res := loop.Iterate(context.Background())

			assert.Equal(t, OutcomeReset, res.Outcome)
			assert.Equal(t, tc.reason, res.Reason)
			assert.Empty(t, ch.sent)
			assert.Equal(t, 1, gen.resets)
			assert.False(t, loop.state.Primed())
		})
	}
}

func TestIterate_BackendFailureKeepsConversation(t *testing.T) {
	ch := &fakeChannel{pages: [][]models.Message{
		{msg(1, alice, "bot?")},
		{msg(2, alice, "bot??")},
	}}
	gen := &fakeGenerator{replies: []reply{
		{text: "bot [2024-01-01 00:00:01]: hey"},
		{err: &services.GenerationError{Kind: services.ErrorOther, Err: errors.New("EOF")}},
	}}
	loop := newTestLoop(testConfig(), ch, gen)

	require.Equal(t, OutcomePublished, loop.Iterate(context.Background()).Outcome)
	res := loop.Iterate(context.Background())

	assert.Equal(t, OutcomeBackendFailure, res.Outcome)
	assert.Equal(t, "backend_other", res.Reason)
	assert.False(t, res.Rotated)
	assert.Zero(t, gen.resets)
	assert.True(t, loop.state.Primed())
	assert.Equal(t, "2", loop.state.Cursor().ID)
}

func TestIterate_RotationRequiresRepriming(t *testing.T) {
	ch := &fakeChannel{pages: [][]models.Message{
		{msg(1, alice, "bot?")},
		{msg(2, alice, "bot??")},
		{msg(3, alice, "bot???")},
	}}
	gen := &fakeGenerator{replies: []reply{
		{text: "bot [2024-01-01 00:00:01]: hey"},
		{err: &services.GenerationError{Kind: services.ErrorRateLimited, Rotated: true, Err: errors.New("429")}},
		{text: "bot [2024-01-01 00:00:03]: back"},
	}}
	loop := newTestLoop(testConfig(), ch, gen)

	loop.Iterate(context.Background())
	res := loop.Iterate(context.Background())

	assert.Equal(t, OutcomeBackendFailure, res.Outcome)
	assert.Equal(t, "backend_rate_limited", res.Reason)
	assert.True(t, res.Rotated)
	assert.Zero(t, gen.resets, "rotation is not a conversation reset")
	assert.False(t, loop.state.Primed())
	assert.Equal(t, "2", loop.state.Cursor().ID)
	assert.Equal(t, 1, gen.CredentialIndex())

	require.Equal(t, OutcomePublished, loop.Iterate(context.Background()).Outcome)
	assert.True(t, strings.HasPrefix(gen.prompts[2], "you are bot"))
}

func TestIterate_FirstAskFailureStaysUnprimed(t *testing.T) {
	ch := &fakeChannel{pages: [][]models.Message{{msg(1, alice, "bot?")}}}
	gen := &fakeGenerator{replies: []reply{{err: &services.GenerationError{Kind: services.ErrorOther, Err: errors.New("EOF")}}}}
	loop := newTestLoop(testConfig(), ch, gen)

	res := loop.Iterate(context.Background())
	assert.Equal(t, OutcomeBackendFailure, res.Outcome)
	assert.False(t, loop.state.Primed())
}

func TestIterate_DryRunDoesNotSend(t *testing.T) {
	cfg := testConfig()
	cfg.DryRun = true
	ch := &fakeChannel{pages: [][]models.Message{{msg(1, alice, "bot?")}}}
	gen := &fakeGenerator{}
	loop := newTestLoop(cfg, ch, gen)

	res := loop.Iterate(context.Background())

	assert.Equal(t, OutcomePublished, res.Outcome)
	assert.Equal(t, ReasonDryRun, res.Reason)
	assert.Equal(t, "ok", res.Reply)
	assert.Empty(t, ch.sent)
}

func TestIterate_SendFailure(t *testing.T) {
	ch := &fakeChannel{pages: [][]models.Message{{msg(1, alice, "bot?")}}, sendErr: errors.New("403 missing access")}
	gen := &fakeGenerator{}
	loop := newTestLoop(testConfig(), ch, gen)

	res := loop.Iterate(context.Background())

	assert.Equal(t, OutcomeError, res.Outcome)
	assert.Equal(t, ReasonSendFailed, res.Reason)
	assert.True(t, loop.state.Primed())
	assert.Zero(t, gen.resets)
}

func TestIterate_FetchFailureLeavesState(t *testing.T) {
	ch := &fakeChannel{errs: []error{errors.New("gateway timeout")}}
	gen := &fakeGenerator{}
	loop := newTestLoop(testConfig(), ch, gen)

	res := loop.Iterate(context.Background())

	assert.Equal(t, OutcomeError, res.Outcome)
	assert.Equal(t, ReasonFetchFailed, res.Reason)
	assert.Error(t, res.Err)
	assert.Nil(t, loop.state.Cursor())
	assert.Empty(t, gen.prompts)
}

func TestIterate_RecoversPanic(t *testing.T) {
	ch := &fakeChannel{panics: true}
	gen := &fakeGenerator{}
	observer := &recordingObserver{}
	loop := newTestLoop(testConfig(), ch, gen, WithObservers(observer))

	res := loop.Iterate(context.Background())

	assert.Equal(t, OutcomeError, res.Outcome)
	assert.Equal(t, ReasonPanic, res.Reason)
	assert.Equal(t, int64(1), res.Iteration)
	require.Len(t, observer.events, 1)
	assert.Equal(t, "error", observer.events[0].Outcome)
}

func TestIterate_CursorNeverMovesBackwards(t *testing.T) {
	ch := &fakeChannel{pages: [][]models.Message{
		{msg(5, alice, "bot?")},
		{msg(3, alice, "bot, stale page")},
	}}
	gen := &fakeGenerator{}
	loop := newTestLoop(testConfig(), ch, gen)

	loop.Iterate(context.Background())
	loop.Iterate(context.Background())

	assert.Equal(t, "5", loop.state.Cursor().ID)
}

type panickyObserver struct{}

func (panickyObserver) Observe(context.Context, models.LoopEvent) { panic("observer bug") }

func TestIterate_ObserversAndStatus(t *testing.T) {
	ch := &fakeChannel{pages: [][]models.Message{{msg(1, alice, "bot?")}}}
	gen := &fakeGenerator{}
	observer := &recordingObserver{}
	loop := newTestLoop(testConfig(), ch, gen, WithObservers(panickyObserver{}, observer))

	loop.Iterate(context.Background())

	require.Len(t, observer.events, 1)
	ev := observer.events[0]
	assert.Equal(t, loop.ID(), ev.LoopID)
	assert.Equal(t, "general", ev.ChannelID)
	assert.Equal(t, "published", ev.Outcome)
	assert.Equal(t, "sent", ev.Reason)
	assert.Equal(t, 1, ev.Fetched)
	assert.True(t, ev.Pinged)
	require.NotNil(t, ev.Reply)
	assert.Equal(t, "ok", *ev.Reply)

	status := loop.Status()
	assert.Equal(t, int64(1), status.Iterations)
	assert.Equal(t, "published", status.LastOutcome)
	assert.True(t, status.Primed)
	require.NotNil(t, status.Cursor)
	assert.Equal(t, "1", status.Cursor.ID)
	assert.Equal(t, 2, status.CredentialCount)
	assert.NotNil(t, status.LastIterationAt)
}

type fakeSleeper struct {
	delays []time.Duration
	cancel context.CancelFunc
	after  int
}

func (s *fakeSleeper) Sleep(ctx context.Context, d time.Duration) error {
	s.delays = append(s.delays, d)
	if len(s.delays) >= s.after {
		s.cancel()
	}
	return ctx.Err()
}

func TestRun_SleepsByOutcomeUntilCancelled(t *testing.T) {
	ch := &fakeChannel{pages: [][]models.Message{
		{msg(1, alice, "quiet")}, // skipped, fast
		{msg(2, alice, "bot?")},  // published, normal
		{msg(3, alice, "bot?")},  // parse failure, fast
	}}
	gen := &fakeGenerator{replies: []reply{
		{text: "bot [2024-01-01 00:00:02]: yo"},
		{text: "no transcript here"},
	}}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sleeper := &fakeSleeper{cancel: cancel, after: 3}
	loop := newTestLoop(testConfig(), ch, gen, WithSleeper(sleeper))

	err := loop.Run(ctx)

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, []time.Duration{time.Second, 5 * time.Second, time.Second}, sleeper.delays)
	assert.Equal(t, int64(3), loop.Status().Iterations)
}

func TestRun_StopsBeforeIteratingWhenCancelled(t *testing.T) {
	ch := &fakeChannel{}
	gen := &fakeGenerator{}
	loop := newTestLoop(testConfig(), ch, gen)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, loop.Run(ctx), context.Canceled)
	assert.Empty(t, ch.calls)
}

func TestTimerSleeper(t *testing.T) {
	assert.NoError(t, timerSleeper{}.Sleep(context.Background(), time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, timerSleeper{}.Sleep(ctx, time.Hour), context.Canceled)
}
