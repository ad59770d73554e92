package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/kotori/internal/model"
)

// InsertTurn appends a conversation turn and returns its id and creation time.
func (db *DB) InsertTurn(ctx context.Context, turn model.Turn) (int64, time.Time, error) {
	var (
		id        int64
		createdAt time.Time
	)
	err := db.pool.QueryRow(ctx,
		`INSERT INTO stm_buffer (user_id, role, content, emotion, mode)
		 VALUES ($1, $2, $3, NULLIF($4, ''), NULLIF($5, ''))
		 RETURNING id, created_at`,
		turn.UserID, string(turn.Role), turn.Content, turn.Emotion, turn.Mode,
	).Scan(&id, &createdAt)
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("storage: insert turn: %w", err)
	}
	return id, createdAt, nil
}

// RecentTurns returns up to limit turns for a user, newest first.
func (db *DB) RecentTurns(ctx context.Context, userID int64, limit int) ([]model.Turn, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, user_id, role, content, COALESCE(emotion, ''), COALESCE(mode, ''), created_at
		 FROM stm_buffer
		 WHERE user_id = $1
		 ORDER BY created_at DESC, id DESC
		 LIMIT $2`, userID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: recent turns: %w", err)
	}
	defer rows.Close()

	return scanTurns(rows)
}

// CountTurns returns the number of stored turns for a user.
func (db *DB) CountTurns(ctx context.Context, userID int64) (int64, error) {
	var n int64
	err := db.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM stm_buffer WHERE user_id = $1`, userID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("storage: count turns: %w", err)
	}
	return n, nil
}

// DeleteOldestTurns removes up to n of the user's oldest turns and returns
// the number actually deleted. The delete competes with concurrent inserts
// for the same user, so transient conflicts are retried.
func (db *DB) DeleteOldestTurns(ctx context.Context, userID int64, n int64) (int64, error) {
	var deleted int64
	err := WithRetry(ctx, 3, 100*time.Millisecond, func() error {
		tag, err := db.pool.Exec(ctx,
			`DELETE FROM stm_buffer
			 WHERE id IN (
				 SELECT id FROM stm_buffer
				 WHERE user_id = $1
				 ORDER BY created_at ASC, id ASC
				 LIMIT $2
			 )`, userID, n,
		)
		if err != nil {
			return err
		}
		deleted = tag.RowsAffected()
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("storage: delete oldest turns: %w", err)
	}
	return deleted, nil
}

// TurnStats aggregates a user's stored turns.
func (db *DB) TurnStats(ctx context.Context, userID int64) (model.UserStats, error) {
	stats := model.UserStats{UserID: userID}
	var first, last *time.Time
	err := db.pool.QueryRow(ctx,
		`SELECT
			 COUNT(*),
			 COUNT(*) FILTER (WHERE role = 'user'),
			 COUNT(*) FILTER (WHERE role = 'assistant'),
			 MIN(created_at),
			 MAX(created_at)
		 FROM stm_buffer
		 WHERE user_id = $1`, userID,
	).Scan(&stats.TotalTurns, &stats.UserTurns, &stats.BotTurns, &first, &last)
	if err != nil {
		return model.UserStats{}, fmt.Errorf("storage: turn stats: %w", err)
	}
	stats.FirstTurnAt = first
	stats.LastTurnAt = last
	return stats, nil
}

func scanTurns(rows pgx.Rows) ([]model.Turn, error) {
	var turns []model.Turn
	for rows.Next() {
		var t model.Turn
		var role string
		if err := rows.Scan(&t.ID, &t.UserID, &role, &t.Content, &t.Emotion, &t.Mode, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan turn: %w", err)
		}
		t.Role = model.Role(role)
		turns = append(turns, t)
	}
	return turns, rows.Err()
}
