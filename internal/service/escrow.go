package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/punchamoorthee/bookescrow/internal/domain"
	"github.com/punchamoorthee/bookescrow/internal/events"
	"github.com/punchamoorthee/bookescrow/internal/store"
	"go.uber.org/zap"
)

// RentalEscrow is the state machine guarding book rentals.
//
//	Created -> Requested -> Accepted -> Closed
//
// Every transition runs as one Store.Atomic unit, so a failed call leaves
// neither the record nor any balance changed. The book stays in the vault
// for the whole rental; accept only collects rent and deposit.
type RentalEscrow struct {
	store     store.Store
	clock     Clock
	publisher events.Publisher
	period    int64
	log       *zap.Logger

	// settleMu guards failedUntil: escrow ids the settle job backs off from.
	settleMu    sync.Mutex
	failedUntil map[string]time.Time
}

// settleBackoff is how long SettleMatured skips a record whose return failed.
const settleBackoff = 15 * time.Minute

func NewRentalEscrow(s store.Store, clock Clock, publisher events.Publisher, periodSeconds int64, log *zap.Logger) *RentalEscrow {
	if periodSeconds <= 0 {
		periodSeconds = domain.DefaultPeriodSeconds
	}
	return &RentalEscrow{
		store:     s,
		clock:     clock,
		publisher: publisher,
		period:    periodSeconds,
		log:       log.With(zap.String("service", "escrow")),

		failedUntil: make(map[string]time.Time),
	}
}

// PeriodSeconds is the length of one rental period.
func (s *RentalEscrow) PeriodSeconds() int64 { return s.period }

type InitializeParams struct {
	// EscrowID is optional; a random id is assigned when empty.
	EscrowID       string
	Initializer    domain.Identity
	AssetAccount   domain.Identity
	PayoutAccount  domain.Identity
	AssetID        string
	PricePerPeriod int64
	DepositAmount  int64
}

// Initialize opens a vault for a new escrow and moves the book into it.
// No funds move.
func (s *RentalEscrow) Initialize(ctx context.Context, p InitializeParams) (rec *domain.EscrowRecord, err error) {
	defer func() { transitionsTotal.WithLabelValues("initialize", outcome(err)).Inc() }()

	if p.PricePerPeriod < 0 || p.DepositAmount < 0 || p.AssetID == "" || p.Initializer == "" {
		return nil, domain.ErrInvalidTerms
	}
	if p.EscrowID == "" {
		p.EscrowID = uuid.New().String()
	}
	if p.PayoutAccount == "" {
		p.PayoutAccount = p.AssetAccount
	}
	if p.AssetAccount.IsCustodial() || p.PayoutAccount.IsCustodial() {
		return nil, fmt.Errorf("%w: vault accounts cannot take part in a rental", domain.ErrUnauthorized)
	}
	custodian := deriveCustodian(p.EscrowID)
	now := s.clock.Now().UTC()

	err = s.store.Atomic(ctx, func(tx store.Tx) error {
		assetAcc, err := tx.GetAccount(ctx, p.AssetAccount)
		if err != nil {
			return fmt.Errorf("asset account: %w", err)
		}
		if assetAcc.Owner != p.Initializer {
			return fmt.Errorf("%w: %s does not own %s", domain.ErrUnauthorized, p.Initializer, p.AssetAccount)
		}
		if _, err := tx.GetAccount(ctx, p.PayoutAccount); err != nil {
			return fmt.Errorf("payout account: %w", err)
		}

		units, err := tx.AssetUnits(ctx, p.AssetID, p.AssetAccount)
		if err != nil {
			return err
		}
		if units != 1 {
			return fmt.Errorf("%w: %s holds %d units of %s", domain.ErrAssetNotSingleton, p.AssetAccount, units, p.AssetID)
		}

		if err := custodian.open(ctx, tx); err != nil {
			return err
		}
		if err := tx.TransferAssetCustody(ctx, p.AssetID, p.AssetAccount, custodian.Authority()); err != nil {
			return err
		}

		rec = &domain.EscrowRecord{
			ID:                       p.EscrowID,
			State:                    domain.StateCreated,
			AssetID:                  p.AssetID,
			Custodian:                custodian.Authority(),
			Initializer:              p.Initializer,
			InitializerAssetAccount:  p.AssetAccount,
			InitializerPayoutAccount: p.PayoutAccount,
			PricePerPeriod:           p.PricePerPeriod,
			DepositAmount:            p.DepositAmount,
			CreatedAt:                now,
			UpdatedAt:                now,
		}
		return tx.CreateEscrow(ctx, rec)
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("escrow initialized",
		zap.String("escrow_id", rec.ID),
		zap.String("asset_id", rec.AssetID),
		zap.String("custodian", string(rec.Custodian)),
	)
	s.publish(ctx, events.EventEscrowInitialized, rec, nil)
	return rec, nil
}

// Request binds a taker and the number of rental periods. The taker's
// balance is not checked until Accept.
func (s *RentalEscrow) Request(ctx context.Context, escrowID string, taker domain.Identity, periods int64) (rec *domain.EscrowRecord, err error) {
	defer func() { transitionsTotal.WithLabelValues("request", outcome(err)).Inc() }()

	if periods <= 0 {
		return nil, fmt.Errorf("%w: rental periods must be positive", domain.ErrInvalidTerms)
	}

	err = s.store.Atomic(ctx, func(tx store.Tx) error {
		rec, err = s.load(ctx, tx, escrowID, domain.StateCreated)
		if err != nil {
			return err
		}
		if taker.IsCustodial() {
			return fmt.Errorf("%w: vault accounts cannot rent", domain.ErrUnauthorized)
		}
		if taker == "" || taker == rec.Initializer {
			return fmt.Errorf("%w: taker must differ from initializer", domain.ErrInvalidTerms)
		}
		if _, err := tx.GetAccount(ctx, taker); err != nil {
			return fmt.Errorf("taker account: %w", err)
		}

		rec.Taker = taker
		rec.RentalPeriods = periods
		rec.State = domain.StateRequested
		if err := rec.ValidateTerms(s.period); err != nil {
			return err
		}
		rec.UpdatedAt = s.clock.Now().UTC()
		return tx.UpdateEscrow(ctx, rec)
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("escrow requested",
		zap.String("escrow_id", rec.ID),
		zap.String("taker", string(rec.Taker)),
		zap.Int64("rental_periods", rec.RentalPeriods),
	)
	s.publish(ctx, events.EventEscrowRequested, rec, nil)
	return rec, nil
}

// Accept collects rent and deposit from the taker into the vault and starts
// the rental clock. Only the initializer may accept. The balance check and
// the debit are one ledger operation.
func (s *RentalEscrow) Accept(ctx context.Context, escrowID string, caller domain.Identity) (rec *domain.EscrowRecord, err error) {
	defer func() { transitionsTotal.WithLabelValues("accept", outcome(err)).Inc() }()

	var due int64
	err = s.store.Atomic(ctx, func(tx store.Tx) error {
		rec, err = s.load(ctx, tx, escrowID, domain.StateRequested)
		if err != nil {
			return err
		}
		if caller != rec.Initializer {
			return fmt.Errorf("%w: only the initializer can accept", domain.ErrUnauthorized)
		}
		due, err = rec.TotalDue()
		if err != nil {
			return err
		}
		if _, err := tx.TransferFunds(ctx, rec.Taker, rec.Custodian, due); err != nil {
			return err
		}

		now := s.clock.Now().UTC()
		rec.RentalStartTime = now.Unix()
		rec.Accepted = true
		rec.State = domain.StateAccepted
		rec.UpdatedAt = now
		return tx.UpdateEscrow(ctx, rec)
	})
	if err != nil {
		return nil, err
	}

	escrowValueTotal.WithLabelValues("collected").Add(float64(due))
	s.log.Info("escrow accepted",
		zap.String("escrow_id", rec.ID),
		zap.Int64("total_due", due),
		zap.Int64("rental_start_time", rec.RentalStartTime),
	)
	s.publish(ctx, events.EventEscrowAccepted, rec, map[string]any{"total_due": due})
	return rec, nil
}

// Return settles a rental once its time lock has elapsed: the book goes
// back to the initializer, rent to the payout account, the deposit to the
// taker, the vault is closed and the record removed. Anyone may call it.
func (s *RentalEscrow) Return(ctx context.Context, escrowID string) (st *domain.Settlement, err error) {
	defer func() { transitionsTotal.WithLabelValues("return", outcome(err)).Inc() }()

	err = s.store.Atomic(ctx, func(tx store.Tx) error {
		rec, err := s.load(ctx, tx, escrowID, domain.StateAccepted)
		if err != nil {
			return err
		}
		now := s.clock.Now().Unix()
		returnableAt, err := rec.ReturnableAt(s.period)
		if err != nil {
			return err
		}
		if now < returnableAt {
			return fmt.Errorf("%w: returnable at %d, now %d", domain.ErrRentalPeriodNotOver, returnableAt, now)
		}
		rent, err := rec.Rent()
		if err != nil {
			return err
		}

		custodian := deriveCustodian(rec.ID)
		if custodian.Authority() != rec.Custodian {
			return fmt.Errorf("custodian mismatch for escrow %s", rec.ID)
		}
		if err := custodian.releaseAsset(ctx, tx, rec.AssetID, rec.InitializerAssetAccount); err != nil {
			return err
		}
		if err := custodian.releaseFunds(ctx, tx, rec.InitializerPayoutAccount, rent); err != nil {
			return err
		}
		if err := custodian.releaseFunds(ctx, tx, rec.Taker, rec.DepositAmount); err != nil {
			return err
		}
		if err := custodian.close(ctx, tx); err != nil {
			return err
		}
		if err := tx.CloseEscrow(ctx, rec.ID, now); err != nil {
			return err
		}

		st = &domain.Settlement{
			EscrowID:      rec.ID,
			AssetID:       rec.AssetID,
			AssetReturnTo: rec.InitializerAssetAccount,
			PayoutAccount: rec.InitializerPayoutAccount,
			Rent:          rent,
			Taker:         rec.Taker,
			Deposit:       rec.DepositAmount,
			ClosedAt:      now,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	escrowValueTotal.WithLabelValues("rent_paid").Add(float64(st.Rent))
	escrowValueTotal.WithLabelValues("deposit_refunded").Add(float64(st.Deposit))
	s.log.Info("escrow returned",
		zap.String("escrow_id", st.EscrowID),
		zap.Int64("rent", st.Rent),
		zap.Int64("deposit", st.Deposit),
	)
	s.publish(ctx, events.EventEscrowReturned, nil, map[string]any{
		"escrow_id": st.EscrowID,
		"asset_id":  st.AssetID,
		"rent":      st.Rent,
		"deposit":   st.Deposit,
	})
	return st, nil
}

// load fetches a record and checks it is in the expected state.
func (s *RentalEscrow) load(ctx context.Context, tx store.Tx, id string, want domain.State) (*domain.EscrowRecord, error) {
	rec, err := tx.GetEscrow(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.State != want {
		return nil, fmt.Errorf("%w: escrow %s is %s, want %s", domain.ErrInvalidStateTransition, id, rec.State, want)
	}
	return rec, nil
}

// Get returns an escrow record. Closed records come back with StateClosed.
func (s *RentalEscrow) Get(ctx context.Context, id string) (*domain.EscrowRecord, error) {
	var rec *domain.EscrowRecord
	err := s.store.Atomic(ctx, func(tx store.Tx) error {
		var err error
		rec, err = tx.GetEscrow(ctx, id)
		return err
	})
	return rec, err
}

// List returns active records matching f, oldest first. A MaturedAt filter
// without PeriodSeconds uses the configured period length.
func (s *RentalEscrow) List(ctx context.Context, f domain.EscrowFilter) ([]domain.EscrowRecord, error) {
	if f.State != "" && !f.State.Valid() {
		return nil, fmt.Errorf("%w: unknown state %q", domain.ErrInvalidTerms, f.State)
	}
	if f.MaturedAt != 0 && f.PeriodSeconds == 0 {
		f.PeriodSeconds = s.period
	}
	var out []domain.EscrowRecord
	err := s.store.Atomic(ctx, func(tx store.Tx) error {
		var err error
		out, err = tx.ListEscrows(ctx, f)
		return err
	})
	return out, err
}

// Quote is what a requested or accepted rental costs and when it unlocks.
type Quote struct {
	EscrowID     string       `json:"escrow_id"`
	State        domain.State `json:"state"`
	Rent         int64        `json:"rent"`
	Deposit      int64        `json:"deposit"`
	TotalDue     int64        `json:"total_due"`
	ReturnableAt int64        `json:"returnable_at,omitempty"`
}

// Quote prices a requested or accepted rental. ReturnableAt is only set
// once the rental has been accepted.
func (s *RentalEscrow) Quote(ctx context.Context, id string) (*Quote, error) {
	rec, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.State != domain.StateRequested && rec.State != domain.StateAccepted {
		return nil, fmt.Errorf("%w: escrow %s is %s", domain.ErrInvalidStateTransition, id, rec.State)
	}
	rent, err := rec.Rent()
	if err != nil {
		return nil, err
	}
	due, err := rec.TotalDue()
	if err != nil {
		return nil, err
	}
	q := &Quote{EscrowID: rec.ID, State: rec.State, Rent: rent, Deposit: rec.DepositAmount, TotalDue: due}
	if rec.State == domain.StateAccepted {
		if q.ReturnableAt, err = rec.ReturnableAt(s.period); err != nil {
			return nil, err
		}
	}
	return q, nil
}

// SettleMatured returns every accepted rental whose time lock has elapsed,
// up to limit records. A record that fails to settle is logged and skipped
// by later runs for settleBackoff, so it cannot starve the records behind it.
func (s *RentalEscrow) SettleMatured(ctx context.Context, limit int) (int, error) {
	now := s.clock.Now()
	skip := s.backedOff(now)

	f := domain.EscrowFilter{
		State:         domain.StateAccepted,
		MaturedAt:     now.Unix(),
		PeriodSeconds: s.period,
	}
	if limit > 0 {
		f.Limit = limit + len(skip)
	}
	due, err := s.List(ctx, f)
	if err != nil {
		return 0, err
	}

	settled, attempted := 0, 0
	for _, rec := range due {
		if limit > 0 && attempted >= limit {
			break
		}
		if _, ok := skip[rec.ID]; ok {
			continue
		}
		if err := ctx.Err(); err != nil {
			return settled, err
		}
		attempted++
		if _, err := s.Return(ctx, rec.ID); err != nil {
			settleRunsTotal.WithLabelValues("failed").Inc()
			s.markFailed(rec.ID, now.Add(settleBackoff))
			s.log.Warn("settle failed", zap.String("escrow_id", rec.ID), zap.Error(err))
			continue
		}
		settleRunsTotal.WithLabelValues("settled").Inc()
		settled++
	}
	return settled, nil
}

// backedOff prunes expired entries and returns the ids still backed off.
func (s *RentalEscrow) backedOff(now time.Time) map[string]struct{} {
	s.settleMu.Lock()
	defer s.settleMu.Unlock()

	skip := make(map[string]struct{}, len(s.failedUntil))
	for id, until := range s.failedUntil {
		if !now.Before(until) {
			delete(s.failedUntil, id)
			continue
		}
		skip[id] = struct{}{}
	}
	return skip
}

func (s *RentalEscrow) markFailed(id string, until time.Time) {
	s.settleMu.Lock()
	defer s.settleMu.Unlock()
	s.failedUntil[id] = until
}

func (s *RentalEscrow) publish(ctx context.Context, typ string, rec *domain.EscrowRecord, extra map[string]any) {
	payload := map[string]any{}
	if rec != nil {
		payload["escrow_id"] = rec.ID
		payload["state"] = string(rec.State)
		payload["asset_id"] = rec.AssetID
		payload["initializer"] = string(rec.Initializer)
		if rec.Taker != "" {
			payload["taker"] = string(rec.Taker)
		}
	}
	for k, v := range extra {
		payload[k] = v
	}

	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	if err := s.publisher.Publish(pubCtx, events.StreamEscrow, events.Event{Type: typ, Payload: payload}); err != nil {
		s.log.Warn("failed to publish event", zap.String("type", typ), zap.Error(err))
	}
}
