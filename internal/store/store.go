package store

import (
	"context"
	"encoding/json"

	"github.com/punchamoorthee/bookescrow/internal/domain"
)

// Store runs units of work against the ledger and the escrow records.
type Store interface {
	// Atomic runs fn as a single serializable transaction. Every write made
	// through tx is committed together when fn returns nil and discarded
	// otherwise.
	Atomic(ctx context.Context, fn func(tx Tx) error) error
	Close()
}

// Tx is the view of the store inside one Atomic call.
type Tx interface {
	Ledger
	Escrows
	Idempotency
}

// Ledger holds fund balances and book asset custody.
type Ledger interface {
	CreateAccount(ctx context.Context, id, owner domain.Identity, balance int64) (*domain.Account, error)
	GetAccount(ctx context.Context, id domain.Identity) (*domain.Account, error)
	// CloseAccount removes an account holding no funds and no assets.
	CloseAccount(ctx context.Context, id domain.Identity) error
	Entries(ctx context.Context, id domain.Identity) ([]domain.LedgerEntry, error)

	// TransferFunds debits from and credits to. A zero amount is a no-op
	// and returns a nil transfer.
	TransferFunds(ctx context.Context, from, to domain.Identity, amount int64) (*domain.Transfer, error)

	MintAsset(ctx context.Context, assetID string, holder domain.Identity) error
	AssetUnits(ctx context.Context, assetID string, holder domain.Identity) (int64, error)
	// TransferAssetCustody moves the single unit of assetID from one account
	// to another. It fails with ErrAssetNotSingleton unless from holds
	// exactly one unit.
	TransferAssetCustody(ctx context.Context, assetID string, from, to domain.Identity) error
}

// Escrows persists escrow records. Closed records are removed from active
// storage and leave a tombstone.
type Escrows interface {
	CreateEscrow(ctx context.Context, rec *domain.EscrowRecord) error
	// GetEscrow returns the record locked for the rest of the transaction.
	// A closed record is returned with State == StateClosed.
	GetEscrow(ctx context.Context, id string) (*domain.EscrowRecord, error)
	UpdateEscrow(ctx context.Context, rec *domain.EscrowRecord) error
	CloseEscrow(ctx context.Context, id string, closedAt int64) error
	ListEscrows(ctx context.Context, f domain.EscrowFilter) ([]domain.EscrowRecord, error)
}

// Idempotency stores replayable responses keyed by client supplied keys.
type Idempotency interface {
	GetIdempotency(ctx context.Context, key string) (*domain.IdempotencyPayload, error)
	ReserveIdempotency(ctx context.Context, key, requestHash string) error
	CompleteIdempotency(ctx context.Context, key string, status int, body json.RawMessage) error
}

func matches(rec *domain.EscrowRecord, f domain.EscrowFilter) bool {
	if f.State != "" && rec.State != f.State {
		return false
	}
	if f.Initializer != "" && rec.Initializer != f.Initializer {
		return false
	}
	if f.Taker != "" && rec.Taker != f.Taker {
		return false
	}
	if f.MaturedAt != 0 {
		at, err := rec.ReturnableAt(f.PeriodSeconds)
		if err != nil || at > f.MaturedAt {
			return false
		}
	}
	return true
}
