package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/alanyoungcy/arxpredict/internal/domain"
)

const positionColumns = `market_id, owner, state, balance, created_at, updated_at`

func scanPosition(row pgx.Row) (domain.UserPosition, error) {
	var (
		p       domain.UserPosition
		state   []byte
		balance pgtype.Numeric
	)
	if err := row.Scan(&p.MarketID, &p.Owner, &state, &balance, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return domain.UserPosition{}, err
	}
	var err error
	if p.Balance, err = fromNumeric(balance); err != nil {
		return domain.UserPosition{}, err
	}
	if p.State, err = sealedFrom(state); err != nil {
		return domain.UserPosition{}, err
	}
	return p, nil
}

func getPosition(ctx context.Context, q querier, marketID, owner string, lock bool) (domain.UserPosition, error) {
	query := `SELECT ` + positionColumns + ` FROM positions WHERE market_id = $1 AND owner = $2`
	if lock {
		query += ` FOR UPDATE`
	}
	p, err := scanPosition(q.QueryRow(ctx, query, marketID, domain.NormalizeAddress(owner)))
	if err != nil {
		return domain.UserPosition{}, mapErr(fmt.Sprintf("get position %s/%s", marketID, owner), err)
	}
	return p, nil
}

func listPositions(ctx context.Context, q querier, marketID string) ([]domain.UserPosition, error) {
	rows, err := q.Query(ctx,
		`SELECT `+positionColumns+` FROM positions WHERE market_id = $1 ORDER BY owner`, marketID)
	if err != nil {
		return nil, mapErr("list positions", err)
	}
	defer rows.Close()

	var out []domain.UserPosition
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, mapErr("scan position", err)
		}
		out = append(out, p)
	}
	return out, mapErr("list positions", rows.Err())
}

func positionArgs(p domain.UserPosition) ([]any, error) {
	state, err := sealedBytes(p.State)
	if err != nil {
		return nil, err
	}
	return []any{p.MarketID, domain.NormalizeAddress(p.Owner), state, numeric(p.Balance), p.CreatedAt, p.UpdatedAt}, nil
}

func insertPosition(ctx context.Context, q querier, p domain.UserPosition) error {
	args, err := positionArgs(p)
	if err != nil {
		return fmt.Errorf("postgres: encode position: %w", err)
	}
	_, err = q.Exec(ctx, `INSERT INTO positions (`+positionColumns+`) VALUES ($1, $2, $3, $4, $5, $6)`, args...)
	return mapErr("insert position "+p.Address(), err)
}

func updatePosition(ctx context.Context, q querier, p domain.UserPosition) error {
	state, err := sealedBytes(p.State)
	if err != nil {
		return fmt.Errorf("postgres: encode position: %w", err)
	}
	tag, err := q.Exec(ctx, `
		UPDATE positions SET state = $3, balance = $4, updated_at = $5
		WHERE market_id = $1 AND owner = $2`,
		p.MarketID, domain.NormalizeAddress(p.Owner), state, numeric(p.Balance), p.UpdatedAt)
	if err != nil {
		return mapErr("update position "+p.Address(), err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: update position %s: %w", p.Address(), domain.ErrNotFound)
	}
	return nil
}
