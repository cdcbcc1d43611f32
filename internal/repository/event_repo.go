package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"lurkbot/internal/models"
)

// MaxRecent caps how many rows Recent returns.
const MaxRecent = 200

// EventRepo is the append-only audit log of loop iterations.
type EventRepo struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

func NewEventRepo(pool *pgxpool.Pool, logger *zap.Logger) *EventRepo {
	return &EventRepo{pool: pool, logger: logger}
}

func (r *EventRepo) Insert(ctx context.Context, e models.LoopEvent) error {
	query := `INSERT INTO loop_events (id, loop_id, channel_id, iteration, outcome, reason, fetched, pinged,
			reply, dry_run, rotated, credential_index, duration_ms, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`

	_, err := r.pool.Exec(ctx, query,
		e.ID, e.LoopID, e.ChannelID, e.Iteration, e.Outcome, e.Reason, e.Fetched, e.Pinged,
		e.Reply, e.DryRun, e.Rotated, e.CredentialIndex, e.DurationMS, e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert loop event: %w", err)
	}
	return nil
}

// Recent returns the newest events for a channel, newest first.
func (r *EventRepo) Recent(ctx context.Context, channelID string, limit int) ([]models.LoopEvent, error) {
	limit = ClampLimit(limit)

	query := `SELECT id, loop_id, channel_id, iteration, outcome, reason, fetched, pinged,
			reply, dry_run, rotated, credential_index, duration_ms, created_at
		FROM loop_events WHERE channel_id = $1
		ORDER BY created_at DESC LIMIT $2`

	rows, err := r.pool.Query(ctx, query, channelID, limit)
	if err != nil {
		return nil, fmt.Errorf("query loop events: %w", err)
	}
	defer rows.Close()

	var events []models.LoopEvent
	for rows.Next() {
		var e models.LoopEvent
		if err := rows.Scan(
			&e.ID, &e.LoopID, &e.ChannelID, &e.Iteration, &e.Outcome, &e.Reason, &e.Fetched, &e.Pinged,
			&e.Reply, &e.DryRun, &e.Rotated, &e.CredentialIndex, &e.DurationMS, &e.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan loop event: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// Observe stores the event. Failures are logged; the loop never waits on them.
func (r *EventRepo) Observe(ctx context.Context, e models.LoopEvent) {
	if err := r.Insert(ctx, e); err != nil {
		r.logger.Warn("Failed to store loop event", zap.Int64("iteration", e.Iteration), zap.Error(err))
	}
}

// ClampLimit maps a requested page size into [1, MaxRecent], defaulting to 50.
func ClampLimit(limit int) int {
	switch {
	case limit <= 0:
		return 50
	case limit > MaxRecent:
		return MaxRecent
	default:
		return limit
	}
}
