package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/alanyoungcy/arxpredict/internal/domain"
)

const pendingColumns = `request_id, seq, kind, market_id, owner, args, inputs, status, enqueued_at, dispatched_at`

func scanPending(row pgx.Row) (domain.PendingComputation, error) {
	var (
		p            domain.PendingComputation
		kind, status string
		args, inputs []byte
	)
	err := row.Scan(&p.RequestID, &p.Seq, &kind, &p.MarketID, &p.Owner, &args, &inputs, &status, &p.EnqueuedAt, &p.DispatchedAt)
	if err != nil {
		return domain.PendingComputation{}, err
	}
	p.Kind = domain.ComputationKind(kind)
	p.Status = domain.ComputationStatus(status)
	if err := json.Unmarshal(args, &p.Args); err != nil {
		return domain.PendingComputation{}, fmt.Errorf("decode args: %w", err)
	}
	if err := json.Unmarshal(inputs, &p.Inputs); err != nil {
		return domain.PendingComputation{}, fmt.Errorf("decode inputs: %w", err)
	}
	return p, nil
}

func getPending(ctx context.Context, q querier, requestID string, lock bool) (domain.PendingComputation, error) {
	query := `SELECT ` + pendingColumns + ` FROM pending_computations WHERE request_id = $1`
	if lock {
		query += ` FOR UPDATE`
	}
	p, err := scanPending(q.QueryRow(ctx, query, requestID))
	if err != nil {
		return domain.PendingComputation{}, mapErr("get pending "+requestID, err)
	}
	return p, nil
}

func listPending(ctx context.Context, q querier) ([]domain.PendingComputation, error) {
	rows, err := q.Query(ctx, `SELECT `+pendingColumns+` FROM pending_computations ORDER BY seq`)
	if err != nil {
		return nil, mapErr("list pending", err)
	}
	defer rows.Close()

	var out []domain.PendingComputation
	for rows.Next() {
		p, err := scanPending(rows)
		if err != nil {
			return nil, mapErr("scan pending", err)
		}
		out = append(out, p)
	}
	return out, mapErr("list pending", rows.Err())
}

func insertPending(ctx context.Context, q querier, p domain.PendingComputation) (domain.PendingComputation, error) {
	args, err := json.Marshal(p.Args)
	if err != nil {
		return domain.PendingComputation{}, fmt.Errorf("postgres: encode args: %w", err)
	}
	inputs, err := json.Marshal(p.Inputs)
	if err != nil {
		return domain.PendingComputation{}, fmt.Errorf("postgres: encode inputs: %w", err)
	}

	// A request id is spent once it has a result, even after the pending
	// record is gone.
	const query = `
		INSERT INTO pending_computations
			(request_id, kind, market_id, owner, args, inputs, status, enqueued_at, dispatched_at)
		SELECT $1, $2, $3, $4, $5, $6, $7, $8, $9
		WHERE NOT EXISTS (SELECT 1 FROM computation_results WHERE request_id = $1)
		ON CONFLICT (request_id) DO NOTHING
		RETURNING seq`
	err = q.QueryRow(ctx, query,
		p.RequestID, string(p.Kind), p.MarketID, p.Owner, args, inputs,
		string(p.Status), p.EnqueuedAt, p.DispatchedAt,
	).Scan(&p.Seq)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.PendingComputation{}, fmt.Errorf("postgres: insert pending %s: %w", p.RequestID, domain.ErrAlreadyExists)
	}
	if err != nil {
		return domain.PendingComputation{}, mapErr("insert pending "+p.RequestID, err)
	}
	return p, nil
}

func updatePending(ctx context.Context, q querier, p domain.PendingComputation) error {
	inputs, err := json.Marshal(p.Inputs)
	if err != nil {
		return fmt.Errorf("postgres: encode inputs: %w", err)
	}
	tag, err := q.Exec(ctx, `
		UPDATE pending_computations SET inputs = $2, status = $3, dispatched_at = $4
		WHERE request_id = $1`,
		p.RequestID, inputs, string(p.Status), p.DispatchedAt)
	if err != nil {
		return mapErr("update pending "+p.RequestID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: update pending %s: %w", p.RequestID, domain.ErrNotFound)
	}
	return nil
}

func deletePending(ctx context.Context, q querier, requestID string) error {
	tag, err := q.Exec(ctx, `DELETE FROM pending_computations WHERE request_id = $1`, requestID)
	if err != nil {
		return mapErr("delete pending "+requestID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: delete pending %s: %w", requestID, domain.ErrNotFound)
	}
	return nil
}

const resultColumns = `request_id, kind, market_id, owner, disposition, reason, error, amount, completed_at`

func getResult(ctx context.Context, q querier, requestID string) (domain.ComputationResult, error) {
	var (
		r                         domain.ComputationResult
		kind, disposition, reason string
		amount                    pgtype.Numeric
	)
	err := q.QueryRow(ctx, `SELECT `+resultColumns+` FROM computation_results WHERE request_id = $1`, requestID).
		Scan(&r.RequestID, &kind, &r.MarketID, &r.Owner, &disposition, &reason, &r.Error, &amount, &r.CompletedAt)
	if err != nil {
		return domain.ComputationResult{}, mapErr("get result "+requestID, err)
	}
	r.Kind = domain.ComputationKind(kind)
	r.Disposition = domain.Disposition(disposition)
	r.Reason = domain.Reason(reason)
	if r.Amount, err = fromNumeric(amount); err != nil {
		return domain.ComputationResult{}, err
	}
	return r, nil
}

func insertResult(ctx context.Context, q querier, r domain.ComputationResult) error {
	_, err := q.Exec(ctx, `INSERT INTO computation_results (`+resultColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		r.RequestID, string(r.Kind), r.MarketID, r.Owner, string(r.Disposition),
		string(r.Reason), r.Error, numeric(r.Amount), r.CompletedAt)
	return mapErr("insert result "+r.RequestID, err)
}
