package channel

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"lurkbot/internal/models"
)

// Stream entry fields.
const (
	fieldAuthorID   = "author_id"
	fieldAuthorName = "author_name"
	fieldBody       = "body"
	fieldMentions   = "mentions"
)

type RedisStreamConfig struct {
	Stream        string
	SelfName      string
	SendPerMinute int
}

// RedisStream treats a Redis stream as a chat channel. Entry IDs double as
// message IDs and carry the timestamp.
type RedisStream struct {
	client  *redis.Client
	stream  string
	self    models.Author
	limiter *rate.Limiter
	logger  *zap.Logger
}

func NewRedisStream(client *redis.Client, cfg RedisStreamConfig, logger *zap.Logger) *RedisStream {
	return &RedisStream{
		client:  client,
		stream:  cfg.Stream,
		self:    models.Author{ID: cfg.SelfName, Name: cfg.SelfName},
		limiter: newSendLimiter(cfg.SendPerMinute),
		logger:  logger,
	}
}

func (s *RedisStream) Identify(context.Context) (models.Author, error) {
	return s.self, nil
}

func (s *RedisStream) History(ctx context.Context, after *models.MessageRef, limit int) ([]models.Message, error) {
	var (
		entries []redis.XMessage
		err     error
	)
	switch {
	case after != nil && limit > 0:
		entries, err = s.client.XRevRangeN(ctx, s.stream, "+", "("+after.ID, int64(limit)).Result()
	case after != nil:
		entries, err = s.client.XRevRange(ctx, s.stream, "+", "("+after.ID).Result()
	case limit > 0:
		entries, err = s.client.XRevRangeN(ctx, s.stream, "+", "-", int64(limit)).Result()
	default:
		entries, err = s.client.XRevRange(ctx, s.stream, "+", "-").Result()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read stream %s: %w", s.stream, err)
	}

	out := make([]models.Message, 0, len(entries))
	for _, e := range entries {
		m, err := decodeEntry(e)
		if err != nil {
			s.logger.Warn("Skipping malformed stream entry", zap.String("id", e.ID), zap.Error(err))
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

func (s *RedisStream) Send(ctx context.Context, text string) error {
	if err := s.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("send limiter: %w", err)
	}
	err := s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: s.stream,
		Values: map[string]interface{}{
			fieldAuthorID:   s.self.ID,
			fieldAuthorName: s.self.Name,
			fieldBody:       text,
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("failed to append to stream %s: %w", s.stream, err)
	}
	return nil
}

func decodeEntry(e redis.XMessage) (models.Message, error) {
	created, err := streamIDTime(e.ID)
	if err != nil {
		return models.Message{}, err
	}
	authorID := stringField(e.Values, fieldAuthorID)
	if authorID == "" {
		return models.Message{}, fmt.Errorf("missing %s", fieldAuthorID)
	}
	name := stringField(e.Values, fieldAuthorName)
	if name == "" {
		name = authorID
	}

	m := models.Message{
		ID:        e.ID,
		Author:    models.Author{ID: authorID, Name: name},
		CreatedAt: created,
		Content:   stringField(e.Values, fieldBody),
	}
	if raw := stringField(e.Values, fieldMentions); raw != "" {
		for _, id := range strings.Split(raw, ",") {
			if id = strings.TrimSpace(id); id != "" {
				m.Mentions = append(m.Mentions, id)
			}
		}
	}
	return m, nil
}

// streamIDTime reads the millisecond part of a "<ms>-<seq>" entry ID.
func streamIDTime(id string) (time.Time, error) {
	ms, _, ok := strings.Cut(id, "-")
	if !ok {
		return time.Time{}, fmt.Errorf("invalid stream id %q", id)
	}
	v, err := strconv.ParseInt(ms, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid stream id %q: %w", id, err)
	}
	return time.UnixMilli(v).UTC(), nil
}

func stringField(values map[string]interface{}, key string) string {
	switch v := values[key].(type) {
	case string:
		return v
	case []byte:
		return string(v)
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}
