package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

type ErrorKind string

const (
	ErrorRateLimited  ErrorKind = "rate_limited"
	ErrorUnauthorized ErrorKind = "unauthorized"
	ErrorOther        ErrorKind = "other"
)

// GenerationError is the only error GenerationClient.Ask returns.
type GenerationError struct {
	Kind ErrorKind
	// Rotated is set when the failure moved the client to the next credential.
	Rotated bool
	Err     error
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("generation failed (%s): %v", e.Kind, e.Err)
}

func (e *GenerationError) Unwrap() error {
	return e.Err
}

// Backend opens conversation sessions bound to a single credential.
type Backend interface {
	Name() string
	Open(ctx context.Context, credential string) (Session, error)
	// Classify maps a transport error onto an ErrorKind.
	Classify(err error) ErrorKind
}

// Session is one backend-side conversation.
type Session interface {
	Send(ctx context.Context, prompt string) (string, error)
	// Reset forgets the conversation held by the backend.
	Reset()
	Close() error
}

// GenerationClient submits prompts through the current credential's session
// and rotates the credential pool when the backend rejects it.
type GenerationClient struct {
	backend Backend
	pool    *CredentialPool
	logger  *zap.Logger
	timeout time.Duration

	// Single slot: at most one ask is ever in flight.
	slot chan struct{}

	mu      sync.Mutex
	session Session
}

func NewGenerationClient(backend Backend, pool *CredentialPool, timeout time.Duration, logger *zap.Logger) *GenerationClient {
	slot := make(chan struct{}, 1)
	slot <- struct{}{}

	return &GenerationClient{
		backend: backend,
		pool:    pool,
		logger:  logger.With(zap.String("backend", backend.Name())),
		timeout: timeout,
		slot:    slot,
	}
}

type askResult struct {
	text string
	err  error
}

// Ask sends prompt and waits for the reply. The backend call runs on its own
// goroutine so a cancelled ctx returns immediately; the slot is only released
// once that call has actually finished.
func (c *GenerationClient) Ask(ctx context.Context, prompt string) (string, error) {
	if prompt == "" {
		return "", &GenerationError{Kind: ErrorOther, Err: errors.New("empty prompt")}
	}

	select {
	case <-c.slot:
	case <-ctx.Done():
		return "", &GenerationError{Kind: ErrorOther, Err: ctx.Err()}
	}

	session, err := c.currentSession(ctx)
	if err != nil {
		c.slot <- struct{}{}
		return "", c.fail(ctx, err)
	}

	askCtx := ctx
	cancel := context.CancelFunc(func() {})
	if c.timeout > 0 {
		askCtx, cancel = context.WithTimeout(ctx, c.timeout)
	}

	done := make(chan askResult, 1)
	go func() {
		defer func() { c.slot <- struct{}{} }()
		defer cancel()
		text, err := session.Send(askCtx, prompt)
		done <- askResult{text: text, err: err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			return "", c.fail(ctx, res.err)
		}
		return res.text, nil
	case <-ctx.Done():
		return "", &GenerationError{Kind: ErrorOther, Err: ctx.Err()}
	}
}

// Reset drops the backend-side conversation.
func (c *GenerationClient) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session != nil {
		c.session.Reset()
	}
}

// CredentialIndex reports the pool position currently in use.
func (c *GenerationClient) CredentialIndex() int {
	return c.pool.Index()
}

func (c *GenerationClient) CredentialCount() int {
	return c.pool.Len()
}

func (c *GenerationClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return nil
	}
	err := c.session.Close()
	c.session = nil
	return err
}

func (c *GenerationClient) currentSession(ctx context.Context) (Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session != nil {
		return c.session, nil
	}
	session, err := c.backend.Open(ctx, c.pool.Current())
	if err != nil {
		return nil, fmt.Errorf("open session: %w", err)
	}
	c.session = session
	return session, nil
}

// fail classifies err, rotates on rate limits and auth rejections, and
// returns the typed error. The failed request is not retried.
func (c *GenerationClient) fail(ctx context.Context, err error) *GenerationError {
	kind := c.backend.Classify(err)
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		kind = ErrorOther
	}
	genErr := &GenerationError{Kind: kind, Err: err}

	c.logger.Warn("Failed to get backend response",
		zap.String("kind", string(kind)),
		zap.Int("credential_index", c.pool.Index()),
		zap.Error(err))

	if kind == ErrorRateLimited || kind == ErrorUnauthorized {
		c.rotate()
		genErr.Rotated = true
	}
	return genErr
}

// rotate re-arms the client with the next credential. The new session is
// opened lazily on the next ask.
func (c *GenerationClient) rotate() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.session != nil {
		if err := c.session.Close(); err != nil {
			c.logger.Debug("Closing rotated session", zap.Error(err))
		}
		c.session = nil
	}
	c.pool.Rotate()
	c.logger.Info("Rotated backend credential",
		zap.Int("credential_index", c.pool.Index()),
		zap.Int("credential_count", c.pool.Len()))
}

// classifyStatus maps HTTP status codes onto error kinds.
func classifyStatus(code int) ErrorKind {
	switch code {
	case 429:
		return ErrorRateLimited
	case 401, 403:
		return ErrorUnauthorized
	default:
		return ErrorOther
	}
}

// classifyText is the last resort for transports that only surface a message.
func classifyText(err error) ErrorKind {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "429"):
		return ErrorRateLimited
	case strings.Contains(msg, "403"), strings.Contains(msg, "401"):
		return ErrorUnauthorized
	default:
		return ErrorOther
	}
}
