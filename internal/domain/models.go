package domain

import (
	"encoding/json"
	"math"
	"strings"
	"time"
)

// DefaultPeriodSeconds is the length of one rental period: one day.
const DefaultPeriodSeconds int64 = 86400

// Identity names an account or an authority able to sign for one.
type Identity string

// CustodialPrefix marks identities derived for escrow vaults. No human key
// maps to such an identity.
const CustodialPrefix = "custody:"

// IsCustodial reports whether id belongs to an escrow vault.
func (id Identity) IsCustodial() bool {
	return strings.HasPrefix(string(id), CustodialPrefix)
}

// Account represents a balance in the ledger, controlled by Owner.
type Account struct {
	ID        Identity  `json:"id"`
	Owner     Identity  `json:"owner"`
	Balance   int64     `json:"balance"`
	CreatedAt time.Time `json:"created_at"`
}

// Transfer represents the intent to move money.
type Transfer struct {
	ID            int64     `json:"id"`
	FromAccountID Identity  `json:"from_account_id"`
	ToAccountID   Identity  `json:"to_account_id"`
	Amount        int64     `json:"amount"`
	Status        string    `json:"status"`
	CreatedAt     time.Time `json:"created_at"`
}

// LedgerEntry represents one leg of a double-entry transaction.
// The sum of Deltas for a given TransferID must always equal 0.
type LedgerEntry struct {
	ID         int64     `json:"id"`
	TransferID int64     `json:"transfer_id"`
	AccountID  Identity  `json:"account_id"`
	Delta      int64     `json:"delta"`
	CreatedAt  time.Time `json:"created_at"`
}

// AssetHolding is the number of units of a book asset an account holds.
// Books are minted with a supply of exactly one unit.
type AssetHolding struct {
	AssetID   string   `json:"asset_id"`
	AccountID Identity `json:"account_id"`
	Units     int64    `json:"units"`
}

// IdempotencyPayload stores the response state for exact-once delivery.
type IdempotencyPayload struct {
	Status         string          `json:"status"`
	RequestHash    string          `json:"-"`
	ResponseBody   json.RawMessage `json:"response_body,omitempty"`
	ResponseStatus int             `json:"response_status,omitempty"`
}

// State is the position of an escrow in its lifecycle.
// Transitions only move forward: Created -> Requested -> Accepted -> Closed.
type State string

const (
	StateCreated   State = "created"
	StateRequested State = "requested"
	StateAccepted  State = "accepted"
	StateClosed    State = "closed"
)

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	switch s {
	case StateCreated, StateRequested, StateAccepted, StateClosed:
		return true
	}
	return false
}

// EscrowRecord is one rental agreement held by a custodian.
type EscrowRecord struct {
	ID                       string   `json:"id"`
	State                    State    `json:"state"`
	AssetID                  string   `json:"asset_id"`
	Custodian                Identity `json:"custodian"`
	Initializer              Identity `json:"initializer"`
	InitializerAssetAccount  Identity `json:"initializer_asset_account"`
	InitializerPayoutAccount Identity `json:"initializer_payout_account"`
	Taker                    Identity `json:"taker,omitempty"`
	PricePerPeriod           int64    `json:"price_per_period"`
	DepositAmount            int64    `json:"deposit_amount"`
	RentalPeriods            int64    `json:"rental_periods"`
	// RentalStartTime is unix seconds, stamped at accept.
	RentalStartTime int64     `json:"rental_start_time"`
	Accepted        bool      `json:"accepted"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Rent is price_per_period * rental_periods.
func (e *EscrowRecord) Rent() (int64, error) {
	if e.State == StateCreated || e.RentalPeriods <= 0 {
		return 0, ErrInvalidTerms
	}
	return mulNonNeg(e.PricePerPeriod, e.RentalPeriods)
}

// TotalDue is the rent plus the refundable deposit. It is only defined once
// the rental periods have been requested.
func (e *EscrowRecord) TotalDue() (int64, error) {
	rent, err := e.Rent()
	if err != nil {
		return 0, err
	}
	return addNonNeg(rent, e.DepositAmount)
}

// ReturnableAt is the earliest unix time at which the asset may be reclaimed.
func (e *EscrowRecord) ReturnableAt(periodSeconds int64) (int64, error) {
	if e.State != StateAccepted {
		return 0, ErrInvalidStateTransition
	}
	lock, err := mulNonNeg(e.RentalPeriods, periodSeconds)
	if err != nil {
		return 0, err
	}
	return addNonNeg(e.RentalStartTime, lock)
}

// ValidateTerms checks that the requested terms can be priced and time
// locked without overflowing.
func (e *EscrowRecord) ValidateTerms(periodSeconds int64) error {
	if e.PricePerPeriod < 0 || e.DepositAmount < 0 || e.RentalPeriods <= 0 {
		return ErrInvalidTerms
	}
	if _, err := e.TotalDue(); err != nil {
		return err
	}
	if _, err := mulNonNeg(e.RentalPeriods, periodSeconds); err != nil {
		return err
	}
	return nil
}

func mulNonNeg(a, b int64) (int64, error) {
	if a < 0 || b < 0 {
		return 0, ErrInvalidTerms
	}
	if a != 0 && b > math.MaxInt64/a {
		return 0, ErrInvalidTerms
	}
	return a * b, nil
}

func addNonNeg(a, b int64) (int64, error) {
	if a < 0 || b < 0 || a > math.MaxInt64-b {
		return 0, ErrInvalidTerms
	}
	return a + b, nil
}

// EscrowFilter narrows ListEscrows results. Zero fields match everything.
type EscrowFilter struct {
	State       State
	Initializer Identity
	Taker       Identity
	// MaturedAt, when set, keeps only accepted records whose time lock has
	// elapsed at that unix time given PeriodSeconds.
	MaturedAt     int64
	PeriodSeconds int64
	Limit         int
}

// Settlement describes the value released by a successful return.
type Settlement struct {
	EscrowID      string   `json:"escrow_id"`
	AssetID       string   `json:"asset_id"`
	AssetReturnTo Identity `json:"asset_returned_to"`
	PayoutAccount Identity `json:"payout_account"`
	Rent          int64    `json:"rent"`
	Taker         Identity `json:"taker"`
	Deposit       int64    `json:"deposit_refunded"`
	ClosedAt      int64    `json:"closed_at"`
}
