package models

import (
	"encoding/json"

	"github.com/punchamoorthee/bookescrow/internal/domain"
)

// OpenAccountRequest creates an account owned by the caller.
type OpenAccountRequest struct {
	ID             domain.Identity `json:"id"`
	InitialBalance int64           `json:"initial_balance"`
}

// TransferRequest is the payload from the client.
type TransferRequest struct {
	FromAccountID domain.Identity `json:"from_account_id"`
	ToAccountID   domain.Identity `json:"to_account_id"`
	Amount        int64           `json:"amount"`
}

// TransferResponse is the canonical response structure.
type TransferResponse struct {
	Transfer domain.Transfer      `json:"transfer"`
	Entries  []domain.LedgerEntry `json:"entries"`
}

// MintAssetRequest mints a single-unit book into an account.
type MintAssetRequest struct {
	AssetID   string          `json:"asset_id"`
	AccountID domain.Identity `json:"account_id"`
}

type InitializeEscrowRequest struct {
	ID             string          `json:"id,omitempty"`
	AssetID        string          `json:"asset_id"`
	AssetAccount   domain.Identity `json:"asset_account"`
	PayoutAccount  domain.Identity `json:"payout_account,omitempty"`
	PricePerPeriod int64           `json:"price_per_period"`
	DepositAmount  int64           `json:"deposit_amount"`
}

type RequestEscrowRequest struct {
	RentalPeriods int64 `json:"rental_periods"`
}

type EscrowListResponse struct {
	Escrows []domain.EscrowRecord `json:"escrows"`
}

// IdempotencyRecord holds the state of a request key.
type IdempotencyRecord struct {
	Key            string
	RequestHash    string
	Status         string
	ResponseBody   json.RawMessage
	ResponseStatus int
}
