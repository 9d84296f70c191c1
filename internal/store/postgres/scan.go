package postgres

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/alanyoungcy/arxpredict/internal/domain"
	"github.com/alanyoungcy/arxpredict/internal/sealed"
)

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const uniqueViolation = "23505"

// mapErr translates driver errors into domain sentinels.
func mapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("postgres: %s: %w", op, domain.ErrNotFound)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return fmt.Errorf("postgres: %s: %w", op, domain.ErrAlreadyExists)
	}
	return fmt.Errorf("postgres: %s: %w", op, err)
}

func numeric(v uint64) pgtype.Numeric {
	return pgtype.Numeric{Int: new(big.Int).SetUint64(v), Valid: true}
}

var bigTen = big.NewInt(10)

func fromNumeric(n pgtype.Numeric) (uint64, error) {
	if !n.Valid {
		return 0, nil
	}
	if n.NaN || n.InfinityModifier != pgtype.Finite || n.Int == nil {
		return 0, fmt.Errorf("postgres: numeric is not a finite integer")
	}
	v := new(big.Int).Set(n.Int)
	switch {
	case n.Exp > 0:
		v.Mul(v, new(big.Int).Exp(bigTen, big.NewInt(int64(n.Exp)), nil))
	case n.Exp < 0:
		var rem big.Int
		v.QuoRem(v, new(big.Int).Exp(bigTen, big.NewInt(int64(-n.Exp)), nil), &rem)
		if rem.Sign() != 0 {
			return 0, fmt.Errorf("postgres: numeric has a fractional part")
		}
	}
	if !v.IsUint64() {
		return 0, fmt.Errorf("postgres: numeric %s out of uint64 range", v)
	}
	return v.Uint64(), nil
}

func sealedBytes(ct sealed.Ciphertext) ([]byte, error) {
	if ct.Empty() {
		return nil, nil
	}
	return ct.MarshalBinary()
}

func sealedFrom(b []byte) (sealed.Ciphertext, error) {
	var ct sealed.Ciphertext
	if len(b) == 0 {
		return ct, nil
	}
	if err := ct.UnmarshalBinary(b); err != nil {
		return sealed.Ciphertext{}, err
	}
	return ct, nil
}
