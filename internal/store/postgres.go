package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/punchamoorthee/bookescrow/internal/domain"
	"go.uber.org/zap"
)

// Postgres implements Store on a pgx pool. Every Atomic call is one
// SERIALIZABLE transaction.
type Postgres struct {
	Db  *pgxpool.Pool
	log *zap.Logger
}

func NewPostgres(ctx context.Context, connString string, log *zap.Logger) (*Postgres, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}
	config.MaxConns = 20
	config.MinConns = 2
	config.MaxConnLifetime = 30 * time.Minute
	config.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	log.Info("postgres pool created", zap.Int32("max_conns", config.MaxConns))
	return &Postgres{Db: pool, log: log}, nil
}

func (s *Postgres) Close() {
	s.Db.Close()
}

func (s *Postgres) Atomic(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := s.Db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return fmt.Errorf("tx begin failed: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(&pgTx{tx: tx}); err != nil {
		return mapPgError(err)
	}
	if err := tx.Commit(ctx); err != nil {
		return mapPgError(fmt.Errorf("tx commit failed: %w", err))
	}
	return nil
}

// mapPgError turns serialization failures and deadlocks into ErrConflict so
// the caller can resubmit.
func mapPgError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01":
			return fmt.Errorf("%w: %s", domain.ErrConflict, pgErr.Message)
		}
	}
	return err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) CreateAccount(ctx context.Context, id, owner domain.Identity, balance int64) (*domain.Account, error) {
	if id == "" || owner == "" || balance < 0 {
		return nil, domain.ErrInvalidAmount
	}
	acc := domain.Account{ID: id, Owner: owner, Balance: balance}
	err := t.tx.QueryRow(ctx,
		"INSERT INTO accounts (id, owner, balance) VALUES ($1, $2, $3) RETURNING created_at",
		id, owner, balance,
	).Scan(&acc.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, domain.ErrAccountExists
		}
		return nil, fmt.Errorf("account insert failed: %w", err)
	}
	return &acc, nil
}

func (t *pgTx) GetAccount(ctx context.Context, id domain.Identity) (*domain.Account, error) {
	var acc domain.Account
	err := t.tx.QueryRow(ctx,
		"SELECT id, owner, balance, created_at FROM accounts WHERE id = $1", id,
	).Scan(&acc.ID, &acc.Owner, &acc.Balance, &acc.CreatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, domain.ErrAccountNotFound
		}
		return nil, err
	}
	return &acc, nil
}

func (t *pgTx) CloseAccount(ctx context.Context, id domain.Identity) error {
	var balance int64
	err := t.tx.QueryRow(ctx, "SELECT balance FROM accounts WHERE id = $1 FOR UPDATE", id).Scan(&balance)
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.ErrAccountNotFound
		}
		return fmt.Errorf("lock acquisition failed: %w", err)
	}
	if balance != 0 {
		return fmt.Errorf("%w: balance %d", domain.ErrAccountNotEmpty, balance)
	}
	var held bool
	err = t.tx.QueryRow(ctx,
		"SELECT EXISTS(SELECT 1 FROM asset_holdings WHERE account_id = $1 AND units > 0)", id,
	).Scan(&held)
	if err != nil {
		return err
	}
	if held {
		return fmt.Errorf("%w: holds assets", domain.ErrAccountNotEmpty)
	}
	_, err = t.tx.Exec(ctx, "DELETE FROM accounts WHERE id = $1", id)
	return err
}

func (t *pgTx) Entries(ctx context.Context, id domain.Identity) ([]domain.LedgerEntry, error) {
	var exists bool
	err := t.tx.QueryRow(ctx, "SELECT EXISTS(SELECT 1 FROM accounts WHERE id=$1)", id).Scan(&exists)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, domain.ErrAccountNotFound
	}

	rows, err := t.tx.Query(ctx,
		"SELECT id, transfer_id, account_id, delta, created_at FROM ledger_entries WHERE account_id = $1 ORDER BY id DESC",
		id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []domain.LedgerEntry
	for rows.Next() {
		var e domain.LedgerEntry
		if err := rows.Scan(&e.ID, &e.TransferID, &e.AccountID, &e.Delta, &e.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (t *pgTx) TransferFunds(ctx context.Context, from, to domain.Identity, amount int64) (*domain.Transfer, error) {
	if amount < 0 || from == to {
		return nil, domain.ErrInvalidAmount
	}

	// Deterministic Locking (Deadlock Prevention)
	first, second := from, to
	if first > second {
		first, second = second, first
	}
	balances := make(map[domain.Identity]int64, 2)
	for _, id := range []domain.Identity{first, second} {
		var b int64
		err := t.tx.QueryRow(ctx, "SELECT balance FROM accounts WHERE id = $1 FOR UPDATE", id).Scan(&b)
		if err != nil {
			if err == pgx.ErrNoRows {
				return nil, fmt.Errorf("%w: %s", domain.ErrAccountNotFound, id)
			}
			return nil, fmt.Errorf("lock acquisition failed: %w", err)
		}
		balances[id] = b
	}

	if amount == 0 {
		return nil, nil
	}
	if balances[from] < amount {
		return nil, domain.ErrInsufficientFunds
	}

	tr := domain.Transfer{FromAccountID: from, ToAccountID: to, Amount: amount, Status: "completed"}
	err := t.tx.QueryRow(ctx,
		"INSERT INTO transfers (from_account_id, to_account_id, amount, status) VALUES ($1, $2, $3, 'completed') RETURNING id, created_at",
		from, to, amount,
	).Scan(&tr.ID, &tr.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("transfer insert failed: %w", err)
	}

	_, err = t.tx.Exec(ctx,
		"INSERT INTO ledger_entries (transfer_id, account_id, delta) VALUES ($1, $2, $3), ($1, $4, $5)",
		tr.ID, from, -amount, to, amount,
	)
	if err != nil {
		return nil, fmt.Errorf("ledger entry failed: %w", err)
	}

	if _, err = t.tx.Exec(ctx, "UPDATE accounts SET balance = balance - $1 WHERE id = $2", amount, from); err != nil {
		return nil, err
	}
	if _, err = t.tx.Exec(ctx, "UPDATE accounts SET balance = balance + $1 WHERE id = $2", amount, to); err != nil {
		return nil, err
	}
	return &tr, nil
}

func (t *pgTx) MintAsset(ctx context.Context, assetID string, holder domain.Identity) error {
	if _, err := t.GetAccount(ctx, holder); err != nil {
		return fmt.Errorf("%w: %s", err, holder)
	}
	_, err := t.tx.Exec(ctx, "INSERT INTO assets (id, supply) VALUES ($1, 1)", assetID)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrAssetExists
		}
		return fmt.Errorf("asset insert failed: %w", err)
	}
	_, err = t.tx.Exec(ctx,
		"INSERT INTO asset_holdings (asset_id, account_id, units) VALUES ($1, $2, 1)",
		assetID, holder)
	return err
}

func (t *pgTx) AssetUnits(ctx context.Context, assetID string, holder domain.Identity) (int64, error) {
	var units int64
	err := t.tx.QueryRow(ctx,
		"SELECT units FROM asset_holdings WHERE asset_id = $1 AND account_id = $2",
		assetID, holder,
	).Scan(&units)
	if err == pgx.ErrNoRows {
		return 0, nil
	}
	return units, err
}

func (t *pgTx) TransferAssetCustody(ctx context.Context, assetID string, from, to domain.Identity) error {
	var exists bool
	if err := t.tx.QueryRow(ctx, "SELECT EXISTS(SELECT 1 FROM accounts WHERE id=$1)", to).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("%w: %s", domain.ErrAccountNotFound, to)
	}

	var units int64
	err := t.tx.QueryRow(ctx,
		"SELECT units FROM asset_holdings WHERE asset_id = $1 AND account_id = $2 FOR UPDATE",
		assetID, from,
	).Scan(&units)
	if err != nil && err != pgx.ErrNoRows {
		return fmt.Errorf("lock acquisition failed: %w", err)
	}
	if units != 1 {
		return domain.ErrAssetNotSingleton
	}

	if _, err := t.tx.Exec(ctx,
		"DELETE FROM asset_holdings WHERE asset_id = $1 AND account_id = $2", assetID, from); err != nil {
		return err
	}
	_, err = t.tx.Exec(ctx, `
		INSERT INTO asset_holdings (asset_id, account_id, units) VALUES ($1, $2, 1)
		ON CONFLICT (asset_id, account_id) DO UPDATE SET units = asset_holdings.units + 1`,
		assetID, to)
	return err
}

const escrowColumns = `id, state, asset_id, custodian, initializer, initializer_asset_account,
	initializer_payout_account, taker, price_per_period, deposit_amount, rental_periods,
	rental_start_time, accepted, created_at, updated_at`

func scanEscrow(row pgx.Row) (*domain.EscrowRecord, error) {
	var e domain.EscrowRecord
	err := row.Scan(&e.ID, &e.State, &e.AssetID, &e.Custodian, &e.Initializer, &e.InitializerAssetAccount,
		&e.InitializerPayoutAccount, &e.Taker, &e.PricePerPeriod, &e.DepositAmount, &e.RentalPeriods,
		&e.RentalStartTime, &e.Accepted, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (t *pgTx) CreateEscrow(ctx context.Context, rec *domain.EscrowRecord) error {
	// Closed ids stay reserved; CloseEscrow would fail on the marker otherwise.
	var closed bool
	if err := t.tx.QueryRow(ctx,
		"SELECT EXISTS (SELECT 1 FROM closed_escrows WHERE id = $1)", rec.ID,
	).Scan(&closed); err != nil {
		return fmt.Errorf("closed escrow query failed: %w", err)
	}
	if closed {
		return domain.ErrEscrowExists
	}

	_, err := t.tx.Exec(ctx, `
		INSERT INTO escrows (`+escrowColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		rec.ID, rec.State, rec.AssetID, rec.Custodian, rec.Initializer, rec.InitializerAssetAccount,
		rec.InitializerPayoutAccount, rec.Taker, rec.PricePerPeriod, rec.DepositAmount, rec.RentalPeriods,
		rec.RentalStartTime, rec.Accepted, rec.CreatedAt, rec.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrEscrowExists
		}
		return fmt.Errorf("escrow insert failed: %w", err)
	}
	return nil
}

func (t *pgTx) GetEscrow(ctx context.Context, id string) (*domain.EscrowRecord, error) {
	rec, err := scanEscrow(t.tx.QueryRow(ctx,
		"SELECT "+escrowColumns+" FROM escrows WHERE id = $1 FOR UPDATE", id))
	if err == nil {
		return rec, nil
	}
	if err != pgx.ErrNoRows {
		return nil, fmt.Errorf("escrow query failed: %w", err)
	}

	closed := domain.EscrowRecord{ID: id, State: domain.StateClosed}
	var closedAt int64
	err = t.tx.QueryRow(ctx,
		"SELECT asset_id, created_at, closed_at FROM closed_escrows WHERE id = $1", id,
	).Scan(&closed.AssetID, &closed.CreatedAt, &closedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, domain.ErrEscrowNotFound
		}
		return nil, fmt.Errorf("tombstone query failed: %w", err)
	}
	closed.UpdatedAt = time.Unix(closedAt, 0).UTC()
	return &closed, nil
}

func (t *pgTx) UpdateEscrow(ctx context.Context, rec *domain.EscrowRecord) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE escrows SET state = $2, taker = $3, rental_periods = $4, rental_start_time = $5,
			accepted = $6, updated_at = $7
		WHERE id = $1`,
		rec.ID, rec.State, rec.Taker, rec.RentalPeriods, rec.RentalStartTime, rec.Accepted, rec.UpdatedAt)
	if err != nil {
		return fmt.Errorf("escrow update failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrEscrowNotFound
	}
	return nil
}

func (t *pgTx) CloseEscrow(ctx context.Context, id string, closedAt int64) error {
	var assetID string
	var createdAt time.Time
	err := t.tx.QueryRow(ctx,
		"DELETE FROM escrows WHERE id = $1 RETURNING asset_id, created_at", id,
	).Scan(&assetID, &createdAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.ErrEscrowNotFound
		}
		return fmt.Errorf("escrow delete failed: %w", err)
	}
	_, err = t.tx.Exec(ctx,
		"INSERT INTO closed_escrows (id, asset_id, created_at, closed_at) VALUES ($1, $2, $3, $4)",
		id, assetID, createdAt, closedAt)
	return err
}

func (t *pgTx) ListEscrows(ctx context.Context, f domain.EscrowFilter) ([]domain.EscrowRecord, error) {
	query := "SELECT " + escrowColumns + ` FROM escrows
		WHERE ($1::text = '' OR state = $1)
		  AND ($2::text = '' OR initializer = $2)
		  AND ($3::text = '' OR taker = $3)
		  AND ($4::bigint = 0 OR (state = 'accepted' AND rental_start_time + rental_periods * $5::bigint <= $4::bigint))
		ORDER BY created_at, id`
	args := []any{string(f.State), string(f.Initializer), string(f.Taker), f.MaturedAt, f.PeriodSeconds}
	if f.Limit > 0 {
		query += " LIMIT $6"
		args = append(args, f.Limit)
	}

	rows, err := t.tx.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("escrow list failed: %w", err)
	}
	defer rows.Close()

	out := make([]domain.EscrowRecord, 0)
	for rows.Next() {
		rec, err := scanEscrow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

func (t *pgTx) GetIdempotency(ctx context.Context, key string) (*domain.IdempotencyPayload, error) {
	var p domain.IdempotencyPayload
	var status *int
	err := t.tx.QueryRow(ctx,
		"SELECT status, request_hash, response_status, response_body FROM idempotency_keys WHERE key = $1",
		key,
	).Scan(&p.Status, &p.RequestHash, &status, &p.ResponseBody)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("idempotency query failed: %w", err)
	}
	if status != nil {
		p.ResponseStatus = *status
	}
	return &p, nil
}

func (t *pgTx) ReserveIdempotency(ctx context.Context, key, requestHash string) error {
	_, err := t.tx.Exec(ctx,
		"INSERT INTO idempotency_keys (key, request_hash, status) VALUES ($1, $2, 'in_progress')",
		key, requestHash,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrIdempotencyConflict
		}
		return fmt.Errorf("key reservation failed: %w", err)
	}
	return nil
}

func (t *pgTx) CompleteIdempotency(ctx context.Context, key string, status int, body json.RawMessage) error {
	_, err := t.tx.Exec(ctx,
		"UPDATE idempotency_keys SET status = 'completed', response_status = $1, response_body = $2 WHERE key = $3",
		status, body, key,
	)
	if err != nil {
		return fmt.Errorf("idempotency update failed: %w", err)
	}
	return nil
}
