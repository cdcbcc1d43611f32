package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"go.uber.org/zap"
)

const defaultOpenAIModel = "gpt-4o-mini"

// OpenAIBackend talks to any OpenAI-compatible chat completions endpoint.
// The conversation lives client side, so Reset only drops local history.
type OpenAIBackend struct {
	model   string
	baseURL string
	logger  *zap.Logger
}

func NewOpenAIBackend(model, baseURL string, logger *zap.Logger) *OpenAIBackend {
	if model == "" {
		model = defaultOpenAIModel
	}
	return &OpenAIBackend{model: model, baseURL: baseURL, logger: logger}
}

func (b *OpenAIBackend) Name() string {
	return "openai"
}

func (b *OpenAIBackend) Open(ctx context.Context, credential string) (Session, error) {
	if credential == "" {
		return nil, fmt.Errorf("API key is required")
	}

	opts := []option.RequestOption{
		option.WithAPIKey(credential),
		// Rotation handles 429s; the client must not retry them on its own.
		option.WithMaxRetries(0),
	}
	if b.baseURL != "" {
		opts = append(opts, option.WithBaseURL(b.baseURL))
	}

	return &openAISession{
		client: openai.NewClient(opts...),
		model:  b.model,
		logger: b.logger,
	}, nil
}

func (b *OpenAIBackend) Classify(err error) ErrorKind {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return classifyStatus(apiErr.StatusCode)
	}
	return classifyText(err)
}

type openAISession struct {
	client openai.Client
	model  string
	logger *zap.Logger

	mu      sync.Mutex
	history []openai.ChatCompletionMessageParamUnion
}

func (s *openAISession) Send(ctx context.Context, prompt string) (string, error) {
	s.mu.Lock()
	messages := append(s.history[:len(s.history):len(s.history)], openai.UserMessage(prompt))
	s.mu.Unlock()

	start := time.Now()
	resp, err := s.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model:    s.model,
		Messages: messages,
	})
	if err != nil {
		return "", fmt.Errorf("openai chat: %w", err)
	}

	s.logger.Debug("llm chat completed",
		zap.String("model", s.model),
		zap.Int64("duration_ms", time.Since(start).Milliseconds()),
		zap.Int64("prompt_tokens", resp.Usage.PromptTokens),
		zap.Int64("completion_tokens", resp.Usage.CompletionTokens))

	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("no choices in response")
	}

	content := resp.Choices[0].Message.Content
	s.mu.Lock()
	s.history = append(messages, openai.AssistantMessage(content))
	s.mu.Unlock()
	return content, nil
}

func (s *openAISession) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = nil
}

func (s *openAISession) Close() error {
	return nil
}
