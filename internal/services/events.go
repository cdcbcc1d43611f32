package services

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"lurkbot/internal/models"
)

// EventChannel is the Redis pub/sub channel carrying loop events for one
// chat channel.
func EventChannel(channelID string) string {
	return "loop_events:" + channelID
}

// EventPublisher fans loop events out over Redis pub/sub for the WebSocket hub.
type EventPublisher struct {
	redis  *redis.Client
	logger *zap.Logger
}

func NewEventPublisher(redisClient *redis.Client, logger *zap.Logger) *EventPublisher {
	return &EventPublisher{redis: redisClient, logger: logger}
}

// Observe sends a WebSocket update via Redis pub/sub
func (p *EventPublisher) Observe(ctx context.Context, event models.LoopEvent) {
	data, err := json.Marshal(models.WSMessage{Type: "loop_event", Payload: event})
	if err != nil {
		p.logger.Warn("Failed to encode loop event", zap.Error(err))
		return
	}
	if err := p.redis.Publish(ctx, EventChannel(event.ChannelID), string(data)).Err(); err != nil {
		p.logger.Warn("Failed to publish loop event", zap.Error(err))
	}
}
