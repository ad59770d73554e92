package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/kotori/internal/model"
)

// InsertEvents inserts events using the COPY protocol for high throughput.
// The whole batch succeeds or fails as one unit.
func (db *DB) InsertEvents(ctx context.Context, events []model.Event) (int64, error) {
	if len(events) == 0 {
		return 0, nil
	}

	columns := []string{"event_id", "event_type", "occurred_at", "user_id", "data", "stream_id", "version", "metadata"}

	rows := make([][]any, len(events))
	for i, e := range events {
		rows[i] = []any{
			e.EventID,
			string(e.EventType),
			e.Timestamp,
			e.UserID,
			e.Data,
			e.StreamID,
			e.Version,
			e.Metadata,
		}
	}

	// Dedicated COPY timeout so a hung Postgres cannot stall the event
	// buffer's flush loop indefinitely.
	copyCtx, copyCancel := context.WithTimeout(ctx, 30*time.Second)
	defer copyCancel()
	count, err := db.pool.CopyFrom(
		copyCtx,
		pgx.Identifier{"events"},
		columns,
		pgx.CopyFromRows(rows),
	)
	if err != nil {
		return 0, fmt.Errorf("storage: copy events: %w", err)
	}
	return count, nil
}

// EventsByStream returns events for a stream ordered oldest to newest,
// optionally restricted to events after the given timestamp.
func (db *DB) EventsByStream(ctx context.Context, streamID string, limit int, after *time.Time) ([]model.Event, error) {
	if limit <= 0 {
		limit = 100
	}

	var (
		rows pgx.Rows
		err  error
	)
	if after != nil {
		rows, err = db.pool.Query(ctx,
			`SELECT event_id, event_type, occurred_at, user_id, data, stream_id, version, metadata
			 FROM events
			 WHERE stream_id = $1 AND occurred_at > $2
			 ORDER BY occurred_at ASC, event_id ASC
			 LIMIT $3`, streamID, *after, limit,
		)
	} else {
		rows, err = db.pool.Query(ctx,
			`SELECT event_id, event_type, occurred_at, user_id, data, stream_id, version, metadata
			 FROM events
			 WHERE stream_id = $1
			 ORDER BY occurred_at ASC, event_id ASC
			 LIMIT $2`, streamID, limit,
		)
	}
	if err != nil {
		return nil, fmt.Errorf("storage: events by stream: %w", err)
	}
	defer rows.Close()

	return scanEvents(rows)
}

// EventsByUser returns a user's events newest first, optionally filtered to a
// set of event types.
func (db *DB) EventsByUser(ctx context.Context, userID int64, eventTypes []string, limit int) ([]model.Event, error) {
	if limit <= 0 {
		limit = 50
	}

	var (
		rows pgx.Rows
		err  error
	)
	if len(eventTypes) > 0 {
		rows, err = db.pool.Query(ctx,
			`SELECT event_id, event_type, occurred_at, user_id, data, stream_id, version, metadata
			 FROM events
			 WHERE user_id = $1 AND event_type = ANY($2)
			 ORDER BY occurred_at DESC, event_id DESC
			 LIMIT $3`, userID, eventTypes, limit,
		)
	} else {
		rows, err = db.pool.Query(ctx,
			`SELECT event_id, event_type, occurred_at, user_id, data, stream_id, version, metadata
			 FROM events
			 WHERE user_id = $1
			 ORDER BY occurred_at DESC, event_id DESC
			 LIMIT $2`, userID, limit,
		)
	}
	if err != nil {
		return nil, fmt.Errorf("storage: events by user: %w", err)
	}
	defer rows.Close()

	return scanEvents(rows)
}

// DeleteEventsBefore removes events older than cutoff, skipping the given
// event types as well as every prefixed system type. Returns the number of
// rows deleted.
func (db *DB) DeleteEventsBefore(ctx context.Context, cutoff time.Time, excludeTypes []string) (int64, error) {
	var deleted int64
	err := WithRetry(ctx, 3, 100*time.Millisecond, func() error {
		tag, err := db.pool.Exec(ctx,
			`DELETE FROM events
			 WHERE occurred_at < $1
			 AND NOT (event_type = ANY($2))
			 AND event_type NOT LIKE $3`,
			cutoff, excludeTypes, model.SystemEventPrefix+"%",
		)
		if err != nil {
			return err
		}
		deleted = tag.RowsAffected()
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("storage: delete events before: %w", err)
	}
	return deleted, nil
}

func scanEvents(rows pgx.Rows) ([]model.Event, error) {
	var events []model.Event
	for rows.Next() {
		var e model.Event
		var typ string
		if err := rows.Scan(
			&e.EventID, &typ, &e.Timestamp, &e.UserID,
			&e.Data, &e.StreamID, &e.Version, &e.Metadata,
		); err != nil {
			return nil, fmt.Errorf("storage: scan event: %w", err)
		}
		e.EventType = model.EventType(typ)
		events = append(events, e)
	}
	return events, rows.Err()
}
