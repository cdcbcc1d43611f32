// Package channel adapts chat transports to the poll loop.
package channel

import (
	"context"
	"sort"
	"time"

	"golang.org/x/time/rate"

	"lurkbot/internal/models"
)

// Channel is a single chat channel the bot lurks in.
type Channel interface {
	// Identify returns the account the bot posts as.
	Identify(ctx context.Context) (models.Author, error)
	History(ctx context.Context, after *models.MessageRef, limit int) ([]models.Message, error)
	Send(ctx context.Context, text string) error
}

// newSendLimiter allows perMinute sends per minute with no burst beyond one.
// perMinute <= 0 disables limiting.
func newSendLimiter(perMinute int) *rate.Limiter {
	if perMinute <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), 1)
}

// newestFirst sorts in place so the newest message comes first.
func newestFirst(messages []models.Message) {
	sort.SliceStable(messages, func(i, j int) bool {
		return messages[i].Ref().After(messages[j].Ref())
	})
}
