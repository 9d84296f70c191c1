package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/arxpredict/internal/domain"
)

func TestLedger_UpdateRollsBackOnError(t *testing.T) {
	ctx := context.Background()
	l := New()

	boom := errors.New("boom")
	err := l.Update(ctx, func(tx domain.LedgerTx) error {
		require.NoError(t, tx.CreateMarket(ctx, domain.Market{ID: "m1"}))
		require.NoError(t, tx.Credit(ctx, "wallet:a", 100))
		return boom
	})
	require.ErrorIs(t, err, boom)

	_, err = l.GetMarket(ctx, "m1")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	bal, err := l.Balance(ctx, "wallet:a")
	require.NoError(t, err)
	assert.Zero(t, bal)
}

func TestLedger_Transfer(t *testing.T) {
	ctx := context.Background()
	l := New()

	require.NoError(t, l.Update(ctx, func(tx domain.LedgerTx) error {
		if err := tx.Credit(ctx, "wallet:a", 100); err != nil {
			return err
		}
		return tx.Transfer(ctx, "wallet:a", "vault:m1", 60)
	}))

	err := l.Update(ctx, func(tx domain.LedgerTx) error {
		return tx.Transfer(ctx, "wallet:a", "vault:m1", 41)
	})
	require.ErrorIs(t, err, domain.ErrInsufficientFunds)

	a, _ := l.Balance(ctx, "wallet:a")
	v, _ := l.Balance(ctx, "vault:m1")
	assert.Equal(t, uint64(40), a)
	assert.Equal(t, uint64(60), v)
}

func TestLedger_PendingLifecycle(t *testing.T) {
	ctx := context.Background()
	l := New()

	var first, second domain.PendingComputation
	require.NoError(t, l.Update(ctx, func(tx domain.LedgerTx) error {
		var err error
		first, err = tx.InsertPending(ctx, domain.PendingComputation{RequestID: "r1", Kind: domain.KindBuyShares})
		if err != nil {
			return err
		}
		second, err = tx.InsertPending(ctx, domain.PendingComputation{RequestID: "r2", Kind: domain.KindSellShares})
		return err
	}))
	assert.Less(t, first.Seq, second.Seq)

	err := l.Update(ctx, func(tx domain.LedgerTx) error {
		_, err := tx.InsertPending(ctx, domain.PendingComputation{RequestID: "r1"})
		return err
	})
	require.ErrorIs(t, err, domain.ErrAlreadyExists)

	require.NoError(t, l.Update(ctx, func(tx domain.LedgerTx) error {
		if err := tx.DeletePending(ctx, "r1"); err != nil {
			return err
		}
		return tx.InsertResult(ctx, domain.ComputationResult{RequestID: "r1", Disposition: domain.DispositionAccepted})
	}))

	pending, err := l.ListPending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "r2", pending[0].RequestID)

	res, err := l.GetResult(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, domain.DispositionAccepted, res.Disposition)

	// A completed request id cannot be reused.
	err = l.Update(ctx, func(tx domain.LedgerTx) error {
		_, err := tx.InsertPending(ctx, domain.PendingComputation{RequestID: "r1"})
		return err
	})
	require.ErrorIs(t, err, domain.ErrAlreadyExists)
}

func TestLedger_PositionsAreCaseInsensitive(t *testing.T) {
	ctx := context.Background()
	l := New()

	require.NoError(t, l.Update(ctx, func(tx domain.LedgerTx) error {
		return tx.CreatePosition(ctx, domain.UserPosition{MarketID: "m1", Owner: "0xAbC", Balance: 7})
	}))

	p, err := l.GetPosition(ctx, "m1", "0xabc")
	require.NoError(t, err)
	assert.Equal(t, uint64(7), p.Balance)

	err = l.Update(ctx, func(tx domain.LedgerTx) error {
		return tx.CreatePosition(ctx, domain.UserPosition{MarketID: "m1", Owner: "0xABC"})
	})
	assert.ErrorIs(t, err, domain.ErrAlreadyExists)
}

func TestLedger_EventsArchive(t *testing.T) {
	ctx := context.Background()
	l := New()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, l.Update(ctx, func(tx domain.LedgerTx) error {
		for i := 0; i < 5; i++ {
			err := tx.AppendEvent(ctx, domain.Event{
				ID:        string(rune('a' + i)),
				MarketID:  "m1",
				Kind:      domain.EventTradeExecuted,
				CreatedAt: base.Add(time.Duration(i) * time.Hour),
			})
			if err != nil {
				return err
			}
		}
		return nil
	}))

	cutoff := base.Add(3 * time.Hour)
	old, err := l.EventsBefore(ctx, cutoff, 2)
	require.NoError(t, err)
	assert.Len(t, old, 2)

	n, err := l.DeleteEventsBefore(ctx, cutoff)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	rest, err := l.ListEvents(ctx, "m1", domain.ListOpts{})
	require.NoError(t, err)
	require.Len(t, rest, 2)
	assert.Equal(t, "d", rest[0].ID)
}
