package store

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/punchamoorthee/bookescrow/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestMapPgError(t *testing.T) {
	serial := &pgconn.PgError{Code: "40001", Message: "could not serialize access"}
	assert.ErrorIs(t, mapPgError(fmt.Errorf("commit: %w", serial)), domain.ErrConflict)
	assert.ErrorIs(t, mapPgError(&pgconn.PgError{Code: "40P01"}), domain.ErrConflict)

	other := &pgconn.PgError{Code: "23505"}
	assert.Equal(t, other, mapPgError(other))
	assert.True(t, isUniqueViolation(fmt.Errorf("insert: %w", other)))
}

// newTestPostgres connects to TEST_DB_SOURCE, or skips when it is unset.
func newTestPostgres(t *testing.T) *Postgres {
	t.Helper()
	dsn := os.Getenv("TEST_DB_SOURCE")
	if dsn == "" {
		t.Skip("TEST_DB_SOURCE not set")
	}
	ctx := context.Background()
	pg, err := NewPostgres(ctx, dsn, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, pg.Migrate(ctx))
	t.Cleanup(pg.Close)
	return pg
}

func TestPostgresEscrowRoundTrip(t *testing.T) {
	pg := newTestPostgres(t)
	ctx := context.Background()
	suffix := fmt.Sprintf("%d", time.Now().UnixNano())
	alice := domain.Identity("alice-" + suffix)
	bob := domain.Identity("bob-" + suffix)
	vault := domain.Identity(domain.CustodialPrefix + suffix)
	book := "book-" + suffix
	id := "escrow-" + suffix

	err := pg.Atomic(ctx, func(tx Tx) error {
		for _, acc := range []struct {
			id  domain.Identity
			bal int64
		}{{alice, 0}, {bob, 35}, {vault, 0}} {
			if _, err := tx.CreateAccount(ctx, acc.id, acc.id, acc.bal); err != nil {
				return err
			}
		}
		if err := tx.MintAsset(ctx, book, alice); err != nil {
			return err
		}
		if err := tx.TransferAssetCustody(ctx, book, alice, vault); err != nil {
			return err
		}
		now := time.Now().UTC()
		return tx.CreateEscrow(ctx, &domain.EscrowRecord{
			ID: id, State: domain.StateAccepted, AssetID: book, Custodian: vault,
			Initializer: alice, InitializerAssetAccount: alice, InitializerPayoutAccount: alice,
			Taker: bob, PricePerPeriod: 5, DepositAmount: 20, RentalPeriods: 3,
			RentalStartTime: 1000, Accepted: true, CreatedAt: now, UpdatedAt: now,
		})
	})
	require.NoError(t, err)

	err = pg.Atomic(ctx, func(tx Tx) error {
		matured, err := tx.ListEscrows(ctx, domain.EscrowFilter{Taker: bob, MaturedAt: 1000 + 3*86400, PeriodSeconds: 86400})
		require.NoError(t, err)
		require.Len(t, matured, 1)

		early, err := tx.ListEscrows(ctx, domain.EscrowFilter{Taker: bob, MaturedAt: 1000 + 2*86400, PeriodSeconds: 86400})
		require.NoError(t, err)
		assert.Empty(t, early)

		if _, err := tx.TransferFunds(ctx, bob, vault, 35); err != nil {
			return err
		}
		_, err = tx.TransferFunds(ctx, bob, vault, 1)
		assert.ErrorIs(t, err, domain.ErrInsufficientFunds)
		return nil
	})
	require.NoError(t, err)

	err = pg.Atomic(ctx, func(tx Tx) error {
		if err := tx.TransferAssetCustody(ctx, book, vault, alice); err != nil {
			return err
		}
		if _, err := tx.TransferFunds(ctx, vault, alice, 15); err != nil {
			return err
		}
		if _, err := tx.TransferFunds(ctx, vault, bob, 20); err != nil {
			return err
		}
		if err := tx.CloseAccount(ctx, vault); err != nil {
			return err
		}
		return tx.CloseEscrow(ctx, id, 1000+3*86400)
	})
	require.NoError(t, err)

	err = pg.Atomic(ctx, func(tx Tx) error {
		rec, err := tx.GetEscrow(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, domain.StateClosed, rec.State)

		acc, err := tx.GetAccount(ctx, bob)
		require.NoError(t, err)
		assert.Equal(t, int64(20), acc.Balance)

		units, err := tx.AssetUnits(ctx, book, alice)
		require.NoError(t, err)
		assert.Equal(t, int64(1), units)
		return nil
	})
	require.NoError(t, err)

	// A closed id cannot be reused, even though its vault is gone.
	err = pg.Atomic(ctx, func(tx Tx) error {
		now := time.Now().UTC()
		return tx.CreateEscrow(ctx, &domain.EscrowRecord{
			ID: id, State: domain.StateCreated, AssetID: book, Custodian: vault,
			Initializer: alice, InitializerAssetAccount: alice, InitializerPayoutAccount: alice,
			PricePerPeriod: 5, DepositAmount: 20, CreatedAt: now, UpdatedAt: now,
		})
	})
	assert.ErrorIs(t, err, domain.ErrEscrowExists)
}
