package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/alanyoungcy/arxpredict/internal/domain"
)

const marketColumns = `id, question, option_a, option_b, authority,
	liquidity, share_unit, payout_per_share, token_decimals,
	status, winning_outcome, state,
	revealed_prob_a, revealed_prob_b, revealed_tally_a, revealed_tally_b,
	revealed_at, last_reveal_request, final_revealed,
	rewards_claimed, funds_claimed, settled_at, created_at, updated_at`

const marketPlaceholders = `$1, $2, $3, $4, $5,
	$6, $7, $8, $9,
	$10, $11, $12,
	$13, $14, $15, $16,
	$17, $18, $19,
	$20, $21, $22, $23, $24`

func marketArgs(m domain.Market) ([]any, error) {
	state, err := sealedBytes(m.State)
	if err != nil {
		return nil, err
	}
	var winner *int16
	if m.WinningOutcome != nil {
		w := int16(*m.WinningOutcome)
		winner = &w
	}
	return []any{
		m.ID, m.Question, m.Options[0], m.Options[1], m.Authority,
		numeric(m.LiquidityParameter), numeric(m.ShareUnit), numeric(m.PayoutPerShare), int16(m.TokenDecimals),
		string(m.Status), winner, state,
		m.RevealedProbs[0], m.RevealedProbs[1], numeric(m.RevealedTally[0]), numeric(m.RevealedTally[1]),
		m.RevealedAt, m.LastRevealRequest, m.FinalRevealed,
		numeric(m.RewardsClaimed), m.FundsClaimed, m.SettledAt, m.CreatedAt, m.UpdatedAt,
	}, nil
}

func scanMarket(row pgx.Row) (domain.Market, error) {
	var (
		m                                     domain.Market
		liquidity, shareUnit, payout, claimed pgtype.Numeric
		tallyA, tallyB                        pgtype.Numeric
		decimals                              int16
		status                                string
		winner                                *int16
		state                                 []byte
	)
	err := row.Scan(
		&m.ID, &m.Question, &m.Options[0], &m.Options[1], &m.Authority,
		&liquidity, &shareUnit, &payout, &decimals,
		&status, &winner, &state,
		&m.RevealedProbs[0], &m.RevealedProbs[1], &tallyA, &tallyB,
		&m.RevealedAt, &m.LastRevealRequest, &m.FinalRevealed,
		&claimed, &m.FundsClaimed, &m.SettledAt, &m.CreatedAt, &m.UpdatedAt,
	)
	if err != nil {
		return domain.Market{}, err
	}

	for _, f := range []struct {
		n   pgtype.Numeric
		dst *uint64
	}{
		{liquidity, &m.LiquidityParameter},
		{shareUnit, &m.ShareUnit},
		{payout, &m.PayoutPerShare},
		{tallyA, &m.RevealedTally[0]},
		{tallyB, &m.RevealedTally[1]},
		{claimed, &m.RewardsClaimed},
	} {
		if *f.dst, err = fromNumeric(f.n); err != nil {
			return domain.Market{}, err
		}
	}
	m.TokenDecimals = uint8(decimals)
	m.Status = domain.MarketStatus(status)
	if winner != nil {
		w := domain.Outcome(*winner)
		m.WinningOutcome = &w
	}
	if m.State, err = sealedFrom(state); err != nil {
		return domain.Market{}, err
	}
	return m, nil
}

func getMarket(ctx context.Context, q querier, id string, lock bool) (domain.Market, error) {
	query := `SELECT ` + marketColumns + ` FROM markets WHERE id = $1`
	if lock {
		query += ` FOR UPDATE`
	}
	m, err := scanMarket(q.QueryRow(ctx, query, id))
	if err != nil {
		return domain.Market{}, mapErr("get market "+id, err)
	}
	return m, nil
}

func listMarkets(ctx context.Context, q querier, opts domain.ListOpts) ([]domain.Market, error) {
	query := `SELECT ` + marketColumns + ` FROM markets
		WHERE ($1::timestamptz IS NULL OR created_at >= $1)
		  AND ($2::timestamptz IS NULL OR created_at < $2)
		ORDER BY created_at DESC, id
		LIMIT $3 OFFSET $4`
	rows, err := q.Query(ctx, query, opts.Since, opts.Until, limit(opts), opts.Offset)
	if err != nil {
		return nil, mapErr("list markets", err)
	}
	defer rows.Close()

	var out []domain.Market
	for rows.Next() {
		m, err := scanMarket(rows)
		if err != nil {
			return nil, mapErr("scan market", err)
		}
		out = append(out, m)
	}
	return out, mapErr("list markets", rows.Err())
}

func insertMarket(ctx context.Context, q querier, m domain.Market) error {
	args, err := marketArgs(m)
	if err != nil {
		return fmt.Errorf("postgres: encode market %s: %w", m.ID, err)
	}
	_, err = q.Exec(ctx, `INSERT INTO markets (`+marketColumns+`) VALUES (`+marketPlaceholders+`)`, args...)
	return mapErr("insert market "+m.ID, err)
}

func updateMarket(ctx context.Context, q querier, m domain.Market) error {
	args, err := marketArgs(m)
	if err != nil {
		return fmt.Errorf("postgres: encode market %s: %w", m.ID, err)
	}
	tag, err := q.Exec(ctx,
		`UPDATE markets SET (`+marketColumns+`) = (`+marketPlaceholders+`) WHERE id = $1`, args...)
	if err != nil {
		return mapErr("update market "+m.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: update market %s: %w", m.ID, domain.ErrNotFound)
	}
	return nil
}

// limit maps an unset limit to no limit.
func limit(opts domain.ListOpts) *int {
	if opts.Limit <= 0 {
		return nil
	}
	return &opts.Limit
}
