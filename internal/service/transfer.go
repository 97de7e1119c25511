package service

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/punchamoorthee/bookescrow/internal/domain"
	"github.com/punchamoorthee/bookescrow/internal/models"
	"github.com/punchamoorthee/bookescrow/internal/store"
	"go.uber.org/zap"
)

// TransferService funds accounts, moves money between them and mints books.
// Vault accounts are never a valid source here; only a Custodian releases
// from them.
type TransferService struct {
	store store.Store
	log   *zap.Logger
}

func NewTransferService(s store.Store, log *zap.Logger) *TransferService {
	return &TransferService{store: s, log: log.With(zap.String("service", "transfer"))}
}

// ProcessTransfer executes the double-entry transfer inside one unit of work.
// A completed key replays its stored response; a key reused with another
// payload fails with ErrIdempotencyMismatch.
func (s *TransferService) ProcessTransfer(ctx context.Context, caller domain.Identity, req models.TransferRequest, idempotencyKey, reqHash string) (*models.TransferResponse, *models.IdempotencyRecord, error) {
	if req.Amount <= 0 {
		return nil, nil, domain.ErrInvalidAmount
	}
	if req.FromAccountID.IsCustodial() || req.ToAccountID.IsCustodial() {
		return nil, nil, fmt.Errorf("%w: vault accounts are not transferable", domain.ErrUnauthorized)
	}

	var (
		resp   *models.TransferResponse
		replay *models.IdempotencyRecord
	)
	err := s.store.Atomic(ctx, func(tx store.Tx) error {
		resp, replay = nil, nil

		// 1. Idempotency check
		stored, err := tx.GetIdempotency(ctx, idempotencyKey)
		if err != nil {
			return fmt.Errorf("idempotency query failed: %w", err)
		}
		if stored != nil {
			if stored.RequestHash != reqHash {
				return domain.ErrIdempotencyMismatch
			}
			if stored.Status != "completed" {
				return domain.ErrIdempotencyConflict
			}
			replay = &models.IdempotencyRecord{
				Key:            idempotencyKey,
				RequestHash:    stored.RequestHash,
				Status:         stored.Status,
				ResponseBody:   stored.ResponseBody,
				ResponseStatus: stored.ResponseStatus,
			}
			return nil
		}

		// 2. Reservation
		if err := tx.ReserveIdempotency(ctx, idempotencyKey, reqHash); err != nil {
			return err
		}

		// 3. Authority
		src, err := tx.GetAccount(ctx, req.FromAccountID)
		if err != nil {
			return err
		}
		if src.Owner != caller {
			return fmt.Errorf("%w: %s does not own %s", domain.ErrUnauthorized, caller, src.ID)
		}

		// 4. Execution
		tr, err := tx.TransferFunds(ctx, req.FromAccountID, req.ToAccountID, req.Amount)
		if err != nil {
			return err
		}
		resp = &models.TransferResponse{
			Transfer: *tr,
			Entries: []domain.LedgerEntry{
				{TransferID: tr.ID, AccountID: tr.FromAccountID, Delta: -tr.Amount},
				{TransferID: tr.ID, AccountID: tr.ToAccountID, Delta: tr.Amount},
			},
		}

		// 5. Finalize
		body, err := json.Marshal(resp)
		if err != nil {
			return err
		}
		if err := tx.CompleteIdempotency(ctx, idempotencyKey, http.StatusCreated, body); err != nil {
			return fmt.Errorf("idempotency update failed: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	if resp != nil {
		s.log.Info("transfer completed",
			zap.Int64("transfer_id", resp.Transfer.ID),
			zap.String("from", string(req.FromAccountID)),
			zap.String("to", string(req.ToAccountID)),
			zap.Int64("amount", req.Amount),
		)
	}
	return resp, replay, nil
}

// OpenAccount creates an account owned by owner. The id defaults to the
// owner's identity, which is the account a taker pays rentals from.
func (s *TransferService) OpenAccount(ctx context.Context, owner domain.Identity, req models.OpenAccountRequest) (*domain.Account, error) {
	if req.ID == "" {
		req.ID = owner
	}
	if req.ID.IsCustodial() || owner.IsCustodial() {
		return nil, fmt.Errorf("%w: reserved identity", domain.ErrUnauthorized)
	}
	if req.InitialBalance < 0 {
		return nil, domain.ErrInvalidAmount
	}
	var acc *domain.Account
	err := s.store.Atomic(ctx, func(tx store.Tx) error {
		var err error
		acc, err = tx.CreateAccount(ctx, req.ID, owner, req.InitialBalance)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("account opened", zap.String("account_id", string(acc.ID)), zap.String("owner", string(owner)))
	return acc, nil
}

// MintAsset creates a book with a supply of one unit in an account the
// caller owns.
func (s *TransferService) MintAsset(ctx context.Context, caller domain.Identity, req models.MintAssetRequest) (*domain.AssetHolding, error) {
	if req.AssetID == "" {
		return nil, fmt.Errorf("%w: asset id required", domain.ErrInvalidTerms)
	}
	if req.AccountID == "" {
		req.AccountID = caller
	}
	err := s.store.Atomic(ctx, func(tx store.Tx) error {
		acc, err := tx.GetAccount(ctx, req.AccountID)
		if err != nil {
			return err
		}
		if acc.Owner != caller {
			return fmt.Errorf("%w: %s does not own %s", domain.ErrUnauthorized, caller, acc.ID)
		}
		return tx.MintAsset(ctx, req.AssetID, req.AccountID)
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("asset minted", zap.String("asset_id", req.AssetID), zap.String("account_id", string(req.AccountID)))
	return &domain.AssetHolding{AssetID: req.AssetID, AccountID: req.AccountID, Units: 1}, nil
}

func (s *TransferService) Account(ctx context.Context, id domain.Identity) (*domain.Account, error) {
	var acc *domain.Account
	err := s.store.Atomic(ctx, func(tx store.Tx) error {
		var err error
		acc, err = tx.GetAccount(ctx, id)
		return err
	})
	return acc, err
}

func (s *TransferService) Entries(ctx context.Context, id domain.Identity) ([]domain.LedgerEntry, error) {
	var out []domain.LedgerEntry
	err := s.store.Atomic(ctx, func(tx store.Tx) error {
		var err error
		out, err = tx.Entries(ctx, id)
		return err
	})
	return out, err
}
