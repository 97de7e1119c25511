package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/punchamoorthee/bookescrow/internal/domain"
)

// Memory is an in-process Store. Each Atomic call works on a staged copy of
// the state which replaces the live state only if the call succeeds.
type Memory struct {
	mu    sync.Mutex
	state *memState
}

type holdingKey struct {
	asset   string
	account domain.Identity
}

type memState struct {
	accounts     map[domain.Identity]domain.Account
	assets       map[string]struct{}
	holdings     map[holdingKey]int64
	escrows      map[string]domain.EscrowRecord
	closed       map[string]domain.EscrowRecord
	idempotency  map[string]domain.IdempotencyPayload
	transfers    []domain.Transfer
	entries      []domain.LedgerEntry
	nextTransfer int64
	nextEntry    int64
}

func NewMemory() *Memory {
	return &Memory{state: &memState{
		accounts:    make(map[domain.Identity]domain.Account),
		assets:      make(map[string]struct{}),
		holdings:    make(map[holdingKey]int64),
		escrows:     make(map[string]domain.EscrowRecord),
		closed:      make(map[string]domain.EscrowRecord),
		idempotency: make(map[string]domain.IdempotencyPayload),
	}}
}

func (m *Memory) Atomic(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	staged := m.state.clone()
	if err := fn(&memTx{st: staged}); err != nil {
		return err
	}
	m.state = staged
	return nil
}

func (m *Memory) Close() {}

func (s *memState) clone() *memState {
	c := &memState{
		accounts:     make(map[domain.Identity]domain.Account, len(s.accounts)),
		assets:       make(map[string]struct{}, len(s.assets)),
		holdings:     make(map[holdingKey]int64, len(s.holdings)),
		escrows:      make(map[string]domain.EscrowRecord, len(s.escrows)),
		closed:       make(map[string]domain.EscrowRecord, len(s.closed)),
		idempotency:  make(map[string]domain.IdempotencyPayload, len(s.idempotency)),
		transfers:    append([]domain.Transfer(nil), s.transfers...),
		entries:      append([]domain.LedgerEntry(nil), s.entries...),
		nextTransfer: s.nextTransfer,
		nextEntry:    s.nextEntry,
	}
	for k, v := range s.accounts {
		c.accounts[k] = v
	}
	for k, v := range s.assets {
		c.assets[k] = v
	}
	for k, v := range s.holdings {
		c.holdings[k] = v
	}
	for k, v := range s.escrows {
		c.escrows[k] = v
	}
	for k, v := range s.closed {
		c.closed[k] = v
	}
	for k, v := range s.idempotency {
		c.idempotency[k] = v
	}
	return c
}

type memTx struct {
	st *memState
}

func (t *memTx) CreateAccount(ctx context.Context, id, owner domain.Identity, balance int64) (*domain.Account, error) {
	if id == "" || owner == "" || balance < 0 {
		return nil, domain.ErrInvalidAmount
	}
	if _, ok := t.st.accounts[id]; ok {
		return nil, domain.ErrAccountExists
	}
	acc := domain.Account{ID: id, Owner: owner, Balance: balance, CreatedAt: time.Now().UTC()}
	t.st.accounts[id] = acc
	return &acc, nil
}

func (t *memTx) GetAccount(ctx context.Context, id domain.Identity) (*domain.Account, error) {
	acc, ok := t.st.accounts[id]
	if !ok {
		return nil, domain.ErrAccountNotFound
	}
	return &acc, nil
}

func (t *memTx) CloseAccount(ctx context.Context, id domain.Identity) error {
	acc, ok := t.st.accounts[id]
	if !ok {
		return domain.ErrAccountNotFound
	}
	if acc.Balance != 0 {
		return fmt.Errorf("%w: balance %d", domain.ErrAccountNotEmpty, acc.Balance)
	}
	for k, units := range t.st.holdings {
		if k.account == id && units > 0 {
			return fmt.Errorf("%w: holds asset %s", domain.ErrAccountNotEmpty, k.asset)
		}
	}
	delete(t.st.accounts, id)
	return nil
}

func (t *memTx) Entries(ctx context.Context, id domain.Identity) ([]domain.LedgerEntry, error) {
	if _, ok := t.st.accounts[id]; !ok {
		return nil, domain.ErrAccountNotFound
	}
	var out []domain.LedgerEntry
	for i := len(t.st.entries) - 1; i >= 0; i-- {
		if t.st.entries[i].AccountID == id {
			out = append(out, t.st.entries[i])
		}
	}
	return out, nil
}

func (t *memTx) TransferFunds(ctx context.Context, from, to domain.Identity, amount int64) (*domain.Transfer, error) {
	if amount < 0 || from == to {
		return nil, domain.ErrInvalidAmount
	}
	src, ok := t.st.accounts[from]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrAccountNotFound, from)
	}
	dst, ok := t.st.accounts[to]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrAccountNotFound, to)
	}
	if amount == 0 {
		return nil, nil
	}
	if src.Balance < amount {
		return nil, domain.ErrInsufficientFunds
	}
	src.Balance -= amount
	dst.Balance += amount
	t.st.accounts[from] = src
	t.st.accounts[to] = dst

	now := time.Now().UTC()
	t.st.nextTransfer++
	tr := domain.Transfer{
		ID:            t.st.nextTransfer,
		FromAccountID: from,
		ToAccountID:   to,
		Amount:        amount,
		Status:        "completed",
		CreatedAt:     now,
	}
	t.st.transfers = append(t.st.transfers, tr)
	for _, leg := range []struct {
		acc   domain.Identity
		delta int64
	}{{from, -amount}, {to, amount}} {
		t.st.nextEntry++
		t.st.entries = append(t.st.entries, domain.LedgerEntry{
			ID:         t.st.nextEntry,
			TransferID: tr.ID,
			AccountID:  leg.acc,
			Delta:      leg.delta,
			CreatedAt:  now,
		})
	}
	return &tr, nil
}

func (t *memTx) MintAsset(ctx context.Context, assetID string, holder domain.Identity) error {
	if _, ok := t.st.accounts[holder]; !ok {
		return fmt.Errorf("%w: %s", domain.ErrAccountNotFound, holder)
	}
	if _, ok := t.st.assets[assetID]; ok {
		return domain.ErrAssetExists
	}
	t.st.assets[assetID] = struct{}{}
	t.st.holdings[holdingKey{assetID, holder}] = 1
	return nil
}

func (t *memTx) AssetUnits(ctx context.Context, assetID string, holder domain.Identity) (int64, error) {
	return t.st.holdings[holdingKey{assetID, holder}], nil
}

func (t *memTx) TransferAssetCustody(ctx context.Context, assetID string, from, to domain.Identity) error {
	if _, ok := t.st.accounts[to]; !ok {
		return fmt.Errorf("%w: %s", domain.ErrAccountNotFound, to)
	}
	src := holdingKey{assetID, from}
	if t.st.holdings[src] != 1 {
		return domain.ErrAssetNotSingleton
	}
	delete(t.st.holdings, src)
	t.st.holdings[holdingKey{assetID, to}]++
	return nil
}

func (t *memTx) CreateEscrow(ctx context.Context, rec *domain.EscrowRecord) error {
	if _, ok := t.st.escrows[rec.ID]; ok {
		return domain.ErrEscrowExists
	}
	if _, ok := t.st.closed[rec.ID]; ok {
		return domain.ErrEscrowExists
	}
	t.st.escrows[rec.ID] = *rec
	return nil
}

func (t *memTx) GetEscrow(ctx context.Context, id string) (*domain.EscrowRecord, error) {
	if rec, ok := t.st.escrows[id]; ok {
		return &rec, nil
	}
	if rec, ok := t.st.closed[id]; ok {
		return &rec, nil
	}
	return nil, domain.ErrEscrowNotFound
}

func (t *memTx) UpdateEscrow(ctx context.Context, rec *domain.EscrowRecord) error {
	if _, ok := t.st.escrows[rec.ID]; !ok {
		return domain.ErrEscrowNotFound
	}
	t.st.escrows[rec.ID] = *rec
	return nil
}

func (t *memTx) CloseEscrow(ctx context.Context, id string, closedAt int64) error {
	rec, ok := t.st.escrows[id]
	if !ok {
		return domain.ErrEscrowNotFound
	}
	delete(t.st.escrows, id)
	t.st.closed[id] = domain.EscrowRecord{
		ID:        id,
		State:     domain.StateClosed,
		AssetID:   rec.AssetID,
		CreatedAt: rec.CreatedAt,
		UpdatedAt: time.Unix(closedAt, 0).UTC(),
	}
	return nil
}

func (t *memTx) ListEscrows(ctx context.Context, f domain.EscrowFilter) ([]domain.EscrowRecord, error) {
	out := make([]domain.EscrowRecord, 0)
	for _, rec := range t.st.escrows {
		if matches(&rec, f) {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (t *memTx) GetIdempotency(ctx context.Context, key string) (*domain.IdempotencyPayload, error) {
	p, ok := t.st.idempotency[key]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

func (t *memTx) ReserveIdempotency(ctx context.Context, key, requestHash string) error {
	if _, ok := t.st.idempotency[key]; ok {
		return domain.ErrIdempotencyConflict
	}
	t.st.idempotency[key] = domain.IdempotencyPayload{Status: "in_progress", RequestHash: requestHash}
	return nil
}

func (t *memTx) CompleteIdempotency(ctx context.Context, key string, status int, body json.RawMessage) error {
	p, ok := t.st.idempotency[key]
	if !ok {
		return fmt.Errorf("idempotency key %q not reserved", key)
	}
	p.Status = "completed"
	p.ResponseStatus = status
	p.ResponseBody = append(json.RawMessage(nil), body...)
	t.st.idempotency[key] = p
	return nil
}
