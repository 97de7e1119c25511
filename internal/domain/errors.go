package domain

import "errors"

var (
	ErrAccountNotFound     = errors.New("account not found")
	ErrAccountExists       = errors.New("account already exists")
	ErrAccountNotEmpty     = errors.New("account not empty")
	ErrInsufficientFunds   = errors.New("insufficient funds")
	ErrInvalidAmount       = errors.New("invalid amount")
	ErrUnauthorized        = errors.New("unauthorized")
	ErrConflict            = errors.New("concurrent update conflict")
	ErrIdempotencyConflict = errors.New("request in progress")
	ErrIdempotencyMismatch = errors.New("key reuse with mismatched payload")

	ErrAssetExists       = errors.New("asset already minted")
	ErrAssetNotSingleton = errors.New("account does not hold exactly one unit of the asset")

	ErrEscrowNotFound         = errors.New("escrow not found")
	ErrEscrowExists           = errors.New("escrow already exists")
	ErrInvalidStateTransition = errors.New("invalid state transition")
	ErrInvalidTerms           = errors.New("invalid rental terms")
	ErrRentalPeriodNotOver    = errors.New("rental period is not over yet")
)
