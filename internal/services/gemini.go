package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"go.uber.org/zap"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const defaultGeminiModel = "gemini-2.0-flash"

// GeminiBackend opens Gemini chat sessions, one client per credential.
type GeminiBackend struct {
	model  string
	logger *zap.Logger
	// Extra client options, applied after the API key.
	clientOptions []option.ClientOption
}

func NewGeminiBackend(model string, logger *zap.Logger) *GeminiBackend {
	if model == "" {
		model = defaultGeminiModel
	}
	return &GeminiBackend{model: model, logger: logger}
}

func (b *GeminiBackend) Name() string {
	return "gemini"
}

func (b *GeminiBackend) Open(ctx context.Context, credential string) (Session, error) {
	opts := append([]option.ClientOption{option.WithAPIKey(credential)}, b.clientOptions...)
	client, err := genai.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}

	model := client.GenerativeModel(b.model)
	model.SetTemperature(0.9)
	model.SetTopP(0.95)

	return &geminiSession{
		client: client,
		chat:   model.StartChat(),
		logger: b.logger,
	}, nil
}

func (b *GeminiBackend) Classify(err error) ErrorKind {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		return classifyStatus(apiErr.Code)
	}

	switch status.Code(err) {
	case codes.ResourceExhausted:
		return ErrorRateLimited
	case codes.PermissionDenied, codes.Unauthenticated:
		return ErrorUnauthorized
	}

	return classifyText(err)
}

type geminiSession struct {
	client *genai.Client
	chat   *genai.ChatSession
	logger *zap.Logger
}

// Send leaves History untouched when the call fails. SendMessage records the
// user turn before calling the API, so it is dropped again here.
func (s *geminiSession) Send(ctx context.Context, prompt string) (string, error) {
	n := len(s.chat.History)
	resp, err := s.chat.SendMessage(ctx, genai.Text(prompt))
	if err != nil {
		if len(s.chat.History) > n {
			s.chat.History = s.chat.History[:n]
		}
		return "", fmt.Errorf("Gemini API error: %w", err)
	}

	for i, cand := range resp.Candidates {
		if cand.FinishReason != genai.FinishReasonStop {
			s.logger.Debug("Gemini stopped early",
				zap.Int("candidate", i),
				zap.String("finish_reason", cand.FinishReason.String()))
		}
	}

	return extractText(resp), nil
}

func (s *geminiSession) Reset() {
	s.chat.History = nil
}

func (s *geminiSession) Close() error {
	return s.client.Close()
}

func extractText(resp *genai.GenerateContentResponse) string {
	var text strings.Builder
	for _, cand := range resp.Candidates {
		if cand.Content != nil {
			for _, part := range cand.Content.Parts {
				if t, ok := part.(genai.Text); ok {
					text.WriteString(string(t))
				}
			}
		}
	}
	return text.String()
}
