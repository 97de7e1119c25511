package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/punchamoorthee/bookescrow/internal/domain"
	"github.com/punchamoorthee/bookescrow/internal/store"
)

// custodianTag separates vault derivation from any other use of the hash.
const custodianTag = "bookescrow/custodian/v1"

// Custodian is the capability to move value out of one escrow vault. The
// vault identity is derived from the escrow id, so no key exists for it and
// only code holding a Custodian can release what it holds.
type Custodian struct {
	escrowID  string
	authority domain.Identity
}

func deriveCustodian(escrowID string) Custodian {
	h := sha256.New()
	h.Write([]byte(custodianTag))
	h.Write([]byte{0})
	h.Write([]byte(escrowID))
	sum := h.Sum(nil)
	return Custodian{
		escrowID:  escrowID,
		authority: domain.Identity(domain.CustodialPrefix + hex.EncodeToString(sum[:20])),
	}
}

// CustodianAddress returns the vault identity for an escrow id.
func CustodianAddress(escrowID string) domain.Identity {
	return deriveCustodian(escrowID).authority
}

func (c Custodian) Authority() domain.Identity { return c.authority }

// open creates the empty vault account owned by the custodian itself.
func (c Custodian) open(ctx context.Context, l store.Ledger) error {
	if _, err := l.CreateAccount(ctx, c.authority, c.authority, 0); err != nil {
		if errors.Is(err, domain.ErrAccountExists) {
			return fmt.Errorf("%w: vault %s", domain.ErrEscrowExists, c.authority)
		}
		return err
	}
	return nil
}

func (c Custodian) releaseFunds(ctx context.Context, l store.Ledger, to domain.Identity, amount int64) error {
	if _, err := l.TransferFunds(ctx, c.authority, to, amount); err != nil {
		return fmt.Errorf("release %d to %s: %w", amount, to, err)
	}
	return nil
}

func (c Custodian) releaseAsset(ctx context.Context, l store.Ledger, assetID string, to domain.Identity) error {
	if err := l.TransferAssetCustody(ctx, assetID, c.authority, to); err != nil {
		return fmt.Errorf("release asset %s to %s: %w", assetID, to, err)
	}
	return nil
}

// close gives up custody authority. It fails unless the vault is empty.
func (c Custodian) close(ctx context.Context, l store.Ledger) error {
	if err := l.CloseAccount(ctx, c.authority); err != nil {
		return fmt.Errorf("close vault %s: %w", c.authority, err)
	}
	return nil
}
