package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/punchamoorthee/bookescrow/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seed(t *testing.T, m *Memory, accounts map[domain.Identity]int64) {
	t.Helper()
	err := m.Atomic(context.Background(), func(tx Tx) error {
		for id, bal := range accounts {
			if _, err := tx.CreateAccount(context.Background(), id, id, bal); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)
}

func balance(t *testing.T, m *Memory, id domain.Identity) int64 {
	t.Helper()
	var b int64
	err := m.Atomic(context.Background(), func(tx Tx) error {
		acc, err := tx.GetAccount(context.Background(), id)
		if err != nil {
			return err
		}
		b = acc.Balance
		return nil
	})
	require.NoError(t, err)
	return b
}

func TestMemoryTransferFunds(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	seed(t, m, map[domain.Identity]int64{"alice": 100, "bob": 0})

	t.Run("Success", func(t *testing.T) {
		err := m.Atomic(ctx, func(tx Tx) error {
			tr, err := tx.TransferFunds(ctx, "alice", "bob", 40)
			require.NoError(t, err)
			assert.Equal(t, int64(40), tr.Amount)
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, int64(60), balance(t, m, "alice"))
		assert.Equal(t, int64(40), balance(t, m, "bob"))
	})

	t.Run("Entries sum to zero", func(t *testing.T) {
		err := m.Atomic(ctx, func(tx Tx) error {
			a, err := tx.Entries(ctx, "alice")
			require.NoError(t, err)
			b, err := tx.Entries(ctx, "bob")
			require.NoError(t, err)
			require.Len(t, a, 1)
			require.Len(t, b, 1)
			assert.Equal(t, a[0].TransferID, b[0].TransferID)
			assert.Zero(t, a[0].Delta+b[0].Delta)
			return nil
		})
		require.NoError(t, err)
	})

	t.Run("Insufficient funds", func(t *testing.T) {
		err := m.Atomic(ctx, func(tx Tx) error {
			_, err := tx.TransferFunds(ctx, "alice", "bob", 61)
			return err
		})
		assert.ErrorIs(t, err, domain.ErrInsufficientFunds)
		assert.Equal(t, int64(60), balance(t, m, "alice"))
	})

	t.Run("Zero is a no-op", func(t *testing.T) {
		err := m.Atomic(ctx, func(tx Tx) error {
			tr, err := tx.TransferFunds(ctx, "alice", "bob", 0)
			assert.Nil(t, tr)
			return err
		})
		require.NoError(t, err)
	})

	t.Run("Unknown account", func(t *testing.T) {
		err := m.Atomic(ctx, func(tx Tx) error {
			_, err := tx.TransferFunds(ctx, "alice", "carol", 1)
			return err
		})
		assert.ErrorIs(t, err, domain.ErrAccountNotFound)
	})
}

func TestMemoryAtomicRollsBack(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	seed(t, m, map[domain.Identity]int64{"alice": 100, "bob": 0})

	boom := errors.New("boom")
	err := m.Atomic(ctx, func(tx Tx) error {
		if _, err := tx.TransferFunds(ctx, "alice", "bob", 50); err != nil {
			return err
		}
		if err := tx.MintAsset(ctx, "book-1", "bob"); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, int64(100), balance(t, m, "alice"))
	assert.Equal(t, int64(0), balance(t, m, "bob"))

	err = m.Atomic(ctx, func(tx Tx) error {
		units, err := tx.AssetUnits(ctx, "book-1", "bob")
		assert.Zero(t, units)
		return err
	})
	require.NoError(t, err)
}

func TestMemoryAssetCustody(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	seed(t, m, map[domain.Identity]int64{"alice": 0, "vault": 0})

	err := m.Atomic(ctx, func(tx Tx) error {
		require.NoError(t, tx.MintAsset(ctx, "book-1", "alice"))
		assert.ErrorIs(t, tx.MintAsset(ctx, "book-1", "vault"), domain.ErrAssetExists)

		require.NoError(t, tx.TransferAssetCustody(ctx, "book-1", "alice", "vault"))
		assert.ErrorIs(t, tx.TransferAssetCustody(ctx, "book-1", "alice", "vault"), domain.ErrAssetNotSingleton)

		units, err := tx.AssetUnits(ctx, "book-1", "vault")
		require.NoError(t, err)
		assert.Equal(t, int64(1), units)

		assert.ErrorIs(t, tx.CloseAccount(ctx, "vault"), domain.ErrAccountNotEmpty)
		require.NoError(t, tx.TransferAssetCustody(ctx, "book-1", "vault", "alice"))
		return tx.CloseAccount(ctx, "vault")
	})
	require.NoError(t, err)

	err = m.Atomic(ctx, func(tx Tx) error {
		_, err := tx.GetAccount(ctx, "vault")
		return err
	})
	assert.ErrorIs(t, err, domain.ErrAccountNotFound)
}

func TestMemoryEscrowTombstone(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	now := time.Unix(1_700_000_000, 0).UTC()

	err := m.Atomic(ctx, func(tx Tx) error {
		rec := &domain.EscrowRecord{ID: "e1", State: domain.StateCreated, AssetID: "book-1", CreatedAt: now}
		require.NoError(t, tx.CreateEscrow(ctx, rec))
		assert.ErrorIs(t, tx.CreateEscrow(ctx, rec), domain.ErrEscrowExists)
		require.NoError(t, tx.CloseEscrow(ctx, "e1", now.Unix()))

		got, err := tx.GetEscrow(ctx, "e1")
		require.NoError(t, err)
		assert.Equal(t, domain.StateClosed, got.State)
		assert.ErrorIs(t, tx.UpdateEscrow(ctx, got), domain.ErrEscrowNotFound)
		assert.ErrorIs(t, tx.CreateEscrow(ctx, rec), domain.ErrEscrowExists)

		_, err = tx.GetEscrow(ctx, "missing")
		assert.ErrorIs(t, err, domain.ErrEscrowNotFound)
		return nil
	})
	require.NoError(t, err)
}

func TestMemoryListEscrows(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	base := time.Unix(1_700_000_000, 0).UTC()

	recs := []domain.EscrowRecord{
		{ID: "a", State: domain.StateCreated, Initializer: "alice", CreatedAt: base},
		{ID: "b", State: domain.StateAccepted, Initializer: "alice", Taker: "bob", RentalPeriods: 1, RentalStartTime: 100, CreatedAt: base.Add(time.Second)},
		{ID: "c", State: domain.StateAccepted, Initializer: "carol", Taker: "bob", RentalPeriods: 3, RentalStartTime: 100, CreatedAt: base.Add(2 * time.Second)},
	}
	err := m.Atomic(ctx, func(tx Tx) error {
		for i := range recs {
			if err := tx.CreateEscrow(ctx, &recs[i]); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)

	list := func(f domain.EscrowFilter) []string {
		var ids []string
		err := m.Atomic(ctx, func(tx Tx) error {
			out, err := tx.ListEscrows(ctx, f)
			for _, r := range out {
				ids = append(ids, r.ID)
			}
			return err
		})
		require.NoError(t, err)
		return ids
	}

	assert.Equal(t, []string{"a", "b", "c"}, list(domain.EscrowFilter{}))
	assert.Equal(t, []string{"a", "b"}, list(domain.EscrowFilter{Initializer: "alice"}))
	assert.Equal(t, []string{"b", "c"}, list(domain.EscrowFilter{Taker: "bob"}))
	assert.Equal(t, []string{"b"}, list(domain.EscrowFilter{MaturedAt: 200, PeriodSeconds: 100}))
	assert.Equal(t, []string{"b", "c"}, list(domain.EscrowFilter{MaturedAt: 400, PeriodSeconds: 100}))
	assert.Equal(t, []string{"a"}, list(domain.EscrowFilter{Limit: 1}))
}

func TestMemoryIdempotency(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	err := m.Atomic(ctx, func(tx Tx) error {
		p, err := tx.GetIdempotency(ctx, "k1")
		require.NoError(t, err)
		assert.Nil(t, p)

		require.NoError(t, tx.ReserveIdempotency(ctx, "k1", "hash"))
		assert.ErrorIs(t, tx.ReserveIdempotency(ctx, "k1", "hash"), domain.ErrIdempotencyConflict)
		require.NoError(t, tx.CompleteIdempotency(ctx, "k1", 201, []byte(`{"ok":true}`)))

		p, err = tx.GetIdempotency(ctx, "k1")
		require.NoError(t, err)
		assert.Equal(t, "completed", p.Status)
		assert.Equal(t, "hash", p.RequestHash)
		assert.Equal(t, 201, p.ResponseStatus)
		assert.JSONEq(t, `{"ok":true}`, string(p.ResponseBody))
		return nil
	})
	require.NoError(t, err)
}
