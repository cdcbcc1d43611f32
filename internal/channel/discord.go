package channel

import (
	"context"
	"fmt"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/bwmarrin/snowflake"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"lurkbot/internal/models"
)

// Discord allows at most 100 messages per history request.
const discordPageSize = 100

// discordEpoch is the first second of 2015 in milliseconds.
const discordEpoch int64 = 1420070400000

type DiscordConfig struct {
	Token     string
	ChannelID string
	// SelfBot uses a user token as is instead of a "Bot " token.
	SelfBot       bool
	SendPerMinute int
}

type Discord struct {
	session   *discordgo.Session
	channelID string
	limiter   *rate.Limiter
	logger    *zap.Logger
}

func NewDiscord(cfg DiscordConfig, logger *zap.Logger) (*Discord, error) {
	session, err := discordgo.New(authorization(cfg.Token, cfg.SelfBot))
	if err != nil {
		return nil, fmt.Errorf("failed to create discord session: %w", err)
	}
	return &Discord{
		session:   session,
		channelID: cfg.ChannelID,
		limiter:   newSendLimiter(cfg.SendPerMinute),
		logger:    logger,
	}, nil
}

func authorization(token string, selfBot bool) string {
	if selfBot {
		return token
	}
	return "Bot " + token
}

func (d *Discord) Identify(ctx context.Context) (models.Author, error) {
	u, err := d.session.User("@me", discordgo.WithContext(ctx))
	if err != nil {
		return models.Author{}, fmt.Errorf("failed to fetch own user: %w", err)
	}
	return toAuthor(u), nil
}

// History pages forward from the cursor until Discord runs dry. Without a
// cursor it returns the latest limit messages.
func (d *Discord) History(ctx context.Context, after *models.MessageRef, limit int) ([]models.Message, error) {
	if after == nil {
		if limit <= 0 || limit > discordPageSize {
			limit = discordPageSize
		}
		page, err := d.session.ChannelMessages(d.channelID, limit, "", "", "", discordgo.WithContext(ctx))
		if err != nil {
			return nil, fmt.Errorf("failed to fetch channel messages: %w", err)
		}
		return convertPage(page), nil
	}

	var out []models.Message
	afterID := after.ID
	for {
		page, err := d.session.ChannelMessages(d.channelID, discordPageSize, "", afterID, "", discordgo.WithContext(ctx))
		if err != nil {
			return nil, fmt.Errorf("failed to fetch channel messages after %s: %w", afterID, err)
		}
		out = append(out, convertPage(page)...)
		if len(page) < discordPageSize {
			break
		}
		afterID = maxSnowflake(page)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	newestFirst(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (d *Discord) Send(ctx context.Context, text string) error {
	if err := d.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("send limiter: %w", err)
	}
	if _, err := d.session.ChannelMessageSend(d.channelID, text, discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}
	return nil
}

func convertPage(page []*discordgo.Message) []models.Message {
	out := make([]models.Message, 0, len(page))
	for _, m := range page {
		if m == nil || m.Author == nil {
			continue
		}
		msg := models.Message{
			ID:        m.ID,
			Author:    toAuthor(m.Author),
			CreatedAt: messageTime(m),
			Content:   m.Content,
		}
		for _, u := range m.Mentions {
			if u != nil {
				msg.Mentions = append(msg.Mentions, u.ID)
			}
		}
		out = append(out, msg)
	}
	newestFirst(out)
	return out
}

func toAuthor(u *discordgo.User) models.Author {
	name := u.Username
	if u.GlobalName != "" {
		name = u.GlobalName
	}
	return models.Author{ID: u.ID, Name: name}
}

// messageTime prefers the timestamp Discord sent and falls back to the one
// embedded in the snowflake.
func messageTime(m *discordgo.Message) time.Time {
	if !m.Timestamp.IsZero() {
		return m.Timestamp.UTC()
	}
	t, ok := snowflakeTime(m.ID)
	if !ok {
		return time.Time{}
	}
	return t
}

func snowflakeTime(id string) (time.Time, bool) {
	sf, err := snowflake.ParseString(id)
	if err != nil {
		return time.Time{}, false
	}
	ms := (sf.Int64() >> 22) + discordEpoch
	return time.UnixMilli(ms).UTC(), true
}

func maxSnowflake(page []*discordgo.Message) string {
	var best snowflake.ID
	var bestID string
	for _, m := range page {
		sf, err := snowflake.ParseString(m.ID)
		if err != nil {
			continue
		}
		if bestID == "" || sf > best {
			best = sf
			bestID = m.ID
		}
	}
	return bestID
}
