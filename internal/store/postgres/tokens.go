package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/alanyoungcy/arxpredict/internal/domain"
)

func balance(ctx context.Context, q querier, account string, lock bool) (uint64, error) {
	query := `SELECT balance FROM token_accounts WHERE account = $1`
	if lock {
		query += ` FOR UPDATE`
	}
	var n pgtype.Numeric
	err := q.QueryRow(ctx, query, account).Scan(&n)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, mapErr("balance "+account, err)
	}
	return fromNumeric(n)
}

// credit adds amount to account. The column check rejects results beyond
// the uint64 range.
func credit(ctx context.Context, q querier, account string, amount uint64) error {
	_, err := q.Exec(ctx, `
		INSERT INTO token_accounts (account, balance, updated_at) VALUES ($1, $2, NOW())
		ON CONFLICT (account) DO UPDATE
		SET balance = token_accounts.balance + EXCLUDED.balance, updated_at = NOW()`,
		account, numeric(amount))
	return mapErr("credit "+account, err)
}

func debit(ctx context.Context, q querier, account string, amount uint64) error {
	tag, err := q.Exec(ctx, `
		UPDATE token_accounts SET balance = balance - $2, updated_at = NOW()
		WHERE account = $1 AND balance >= $2`,
		account, numeric(amount))
	if err != nil {
		return mapErr("debit "+account, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: debit %s: %w", account, domain.ErrInsufficientFunds)
	}
	return nil
}

func transfer(ctx context.Context, q querier, from, to string, amount uint64) error {
	if amount == 0 {
		return nil
	}
	if err := debit(ctx, q, from, amount); err != nil {
		return err
	}
	return credit(ctx, q, to, amount)
}

func sumPositionBalances(ctx context.Context, q querier, marketID string) (uint64, error) {
	var n pgtype.Numeric
	err := q.QueryRow(ctx, `SELECT COALESCE(SUM(balance), 0) FROM positions WHERE market_id = $1`, marketID).Scan(&n)
	if err != nil {
		return 0, mapErr("sum balances "+marketID, err)
	}
	return fromNumeric(n)
}
