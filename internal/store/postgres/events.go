package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/alanyoungcy/arxpredict/internal/domain"
)

func appendEvent(ctx context.Context, q querier, e domain.Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("postgres: encode event: %w", err)
	}
	_, err = q.Exec(ctx, `
		INSERT INTO events (id, market_id, kind, payload, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		e.ID, e.MarketID, string(e.Kind), payload, e.CreatedAt)
	return mapErr("append event "+e.ID, err)
}

func queryEvents(ctx context.Context, q querier, query string, args ...any) ([]domain.Event, error) {
	rows, err := q.Query(ctx, query, args...)
	if err != nil {
		return nil, mapErr("list events", err)
	}
	defer rows.Close()

	var out []domain.Event
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, mapErr("scan event", err)
		}
		var e domain.Event
		if err := json.Unmarshal(payload, &e); err != nil {
			return nil, fmt.Errorf("postgres: decode event: %w", err)
		}
		out = append(out, e)
	}
	return out, mapErr("list events", rows.Err())
}

func listEvents(ctx context.Context, q querier, marketID string, opts domain.ListOpts) ([]domain.Event, error) {
	return queryEvents(ctx, q, `
		SELECT payload FROM events
		WHERE market_id = $1
		  AND ($2::timestamptz IS NULL OR created_at >= $2)
		  AND ($3::timestamptz IS NULL OR created_at < $3)
		ORDER BY seq
		LIMIT $4 OFFSET $5`,
		marketID, opts.Since, opts.Until, limit(opts), opts.Offset)
}

// EventsBefore returns up to n events created before the cutoff, oldest
// first.
func (l *Ledger) EventsBefore(ctx context.Context, before time.Time, n int) ([]domain.Event, error) {
	var lim *int
	if n > 0 {
		lim = &n
	}
	return queryEvents(ctx, l.pool, `
		SELECT payload FROM events WHERE created_at < $1 ORDER BY seq LIMIT $2`, before, lim)
}

// DeleteEventsBefore removes events created before the cutoff.
func (l *Ledger) DeleteEventsBefore(ctx context.Context, before time.Time) (int64, error) {
	tag, err := l.pool.Exec(ctx, `DELETE FROM events WHERE created_at < $1`, before)
	if err != nil {
		return 0, mapErr("delete events", err)
	}
	return tag.RowsAffected(), nil
}
