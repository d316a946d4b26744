package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
)

// notifyLimit is the largest NOTIFY payload we send. Postgres caps payloads
// at 8000 bytes; payloads over the limit are replaced with a routing-only
// envelope and the client fetches the full event via catchup.
const notifyLimit = 7900

// Publisher fans execution events out beyond the in-process stream.
type Publisher interface {
	Publish(ctx context.Context, ev AgentEvent) error
}

// NopPublisher discards events. Used when running without Postgres.
type NopPublisher struct{}

// Publish implements Publisher.
func (NopPublisher) Publish(context.Context, AgentEvent) error { return nil }

// PostgresPublisher persists each event and broadcasts it with pg_notify in
// the same transaction, so the insert and the notification commit
// atomically and late subscribers can catch up from the events table.
type PostgresPublisher struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewPostgresPublisher builds a publisher over the shared pool.
func NewPostgresPublisher(pool *pgxpool.Pool, logger *slog.Logger) *PostgresPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresPublisher{pool: pool, logger: logger.With("component", "events")}
}

// Publish implements Publisher.
func (p *PostgresPublisher) Publish(ctx context.Context, ev AgentEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encoding event %s: %w", ev.ID, err)
	}

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("starting event tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var rowID int64
	err = tx.QueryRow(ctx, `
		INSERT INTO events (session_id, event_type, payload, created_at)
		VALUES ($1, $2, $3, $4) RETURNING id`,
		ev.SessionID, string(ev.Kind), payload, ev.Timestamp).Scan(&rowID)
	if err != nil {
		return fmt.Errorf("persisting event %s: %w", ev.ID, err)
	}

	notifyPayload, err := notifyBody(ev, payload, rowID)
	if err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, "SELECT pg_notify($1, $2)",
		SessionChannel(ev.SessionID), notifyPayload); err != nil {
		return fmt.Errorf("notifying %s: %w", SessionChannel(ev.SessionID), err)
	}
	return tx.Commit(ctx)
}

// notifyBody injects the row ID for client-side catchup positioning and
// truncates oversized payloads down to a routing envelope.
func notifyBody(ev AgentEvent, payload []byte, rowID int64) (string, error) {
	var m map[string]any
	if err := json.Unmarshal(payload, &m); err != nil {
		return "", fmt.Errorf("re-decoding event %s: %w", ev.ID, err)
	}
	m["db_event_id"] = rowID

	full, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("encoding notify payload: %w", err)
	}
	if len(full) <= notifyLimit {
		return string(full), nil
	}

	truncated, err := json.Marshal(map[string]any{
		"event_id":    ev.ID,
		"type":        ev.Kind,
		"session_id":  ev.SessionID,
		"db_event_id": rowID,
		"truncated":   true,
	})
	if err != nil {
		return "", fmt.Errorf("encoding truncated payload: %w", err)
	}
	return string(truncated), nil
}

// CatchupEvent is a persisted event row replayed to a late subscriber.
type CatchupEvent struct {
	ID      int64
	Payload map[string]any
}

// GetCatchupEvents returns persisted events for the channel after sinceID,
// oldest first, up to limit rows.
func (p *PostgresPublisher) GetCatchupEvents(ctx context.Context, channel string, sinceID int64, limit int) ([]CatchupEvent, error) {
	sessionID, ok := sessionFromChannel(channel)
	if !ok {
		return nil, nil
	}
	rows, err := p.pool.Query(ctx, `
		SELECT id, payload FROM events
		WHERE session_id = $1 AND id > $2
		ORDER BY id ASC LIMIT $3`, sessionID, sinceID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying catchup events: %w", err)
	}
	defer rows.Close()

	var out []CatchupEvent
	for rows.Next() {
		var (
			ev  CatchupEvent
			raw []byte
		)
		if err := rows.Scan(&ev.ID, &raw); err != nil {
			return nil, fmt.Errorf("scanning catchup row: %w", err)
		}
		if err := json.Unmarshal(raw, &ev.Payload); err != nil {
			p.logger.Warn("skipping undecodable stored event", "row_id", ev.ID, "error", err)
			continue
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func sessionFromChannel(channel string) (string, bool) {
	const prefix = "session:"
	if len(channel) <= len(prefix) || channel[:len(prefix)] != prefix {
		return "", false
	}
	return channel[len(prefix):], true
}
