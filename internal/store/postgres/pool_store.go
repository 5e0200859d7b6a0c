package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/quantfield/signalledger/internal/domain"
)

// PoolStore implements domain.PoolStore using PostgreSQL. Contribute and
// Close take a FOR UPDATE lock on the pool row, so concurrent calls
// against the same signal serialize and the lifecycle guards hold under
// contention.
type PoolStore struct {
	pool *pgxpool.Pool
}

// NewPoolStore creates a PoolStore backed by the given connection pool.
func NewPoolStore(pool *pgxpool.Pool) *PoolStore {
	return &PoolStore{pool: pool}
}

const poolCols = `signal_id, authority, asset, status, open_ts, close_ts,
	total_contributed::text, outcome, created_at, updated_at`

// Create inserts the pool and provisions its escrow vault in one
// transaction, so the pool row and the vault account commit together or
// not at all. domain.ErrAlreadyExists when a pool for the signal was
// created before.
func (s *PoolStore) Create(ctx context.Context, p domain.Pool) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: create pool: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	const insertPool = `
		INSERT INTO pools (signal_id, authority, asset, status, open_ts, close_ts, total_contributed)
		VALUES ($1, $2, $3, $4, $5, $6, $7::numeric)`

	if _, err := tx.Exec(ctx, insertPool,
		p.SignalID.Hex(), p.Authority.Hex(), p.Asset.Hex(),
		string(p.Status), p.OpenTs, p.CloseTs, u64str(p.TotalContributed),
	); err != nil {
		if isUniqueViolation(err) {
			return domain.ErrAlreadyExists
		}
		return fmt.Errorf("postgres: create pool %s: %w", p.SignalID.Hex(), err)
	}

	const insertVault = `
		INSERT INTO custody_accounts (id, owner, asset, balance)
		VALUES ($1, $2, $3, 0)
		ON CONFLICT (id) DO NOTHING`

	vaultID := p.VaultID()
	tag, err := tx.Exec(ctx, insertVault, vaultID, domain.VaultOwner(p.SignalID), p.Asset.Hex())
	if err != nil {
		return fmt.Errorf("postgres: create pool %s: provision vault: %w", p.SignalID.Hex(), err)
	}
	if tag.RowsAffected() == 0 {
		// The vault id is occupied. A matching account is acceptable;
		// anything else rolls the pool insert back.
		vault, err := lockAccount(ctx, tx, vaultID)
		if err != nil {
			return fmt.Errorf("postgres: create pool %s: vault: %w", p.SignalID.Hex(), err)
		}
		if vault.Owner != domain.VaultOwner(p.SignalID) {
			return fmt.Errorf("postgres: create pool %s: vault: %w", p.SignalID.Hex(), domain.ErrVaultOwnerMismatch)
		}
		if vault.Asset != p.Asset {
			return fmt.Errorf("postgres: create pool %s: vault: %w", p.SignalID.Hex(), domain.ErrAssetMismatch)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: create pool %s: commit: %w", p.SignalID.Hex(), err)
	}
	return nil
}

// Get retrieves a pool by signal id.
func (s *PoolStore) Get(ctx context.Context, signal common.Hash) (domain.Pool, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+poolCols+` FROM pools WHERE signal_id = $1`, signal.Hex())
	p, err := scanPool(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Pool{}, domain.ErrNotFound
		}
		return domain.Pool{}, fmt.Errorf("postgres: get pool %s: %w", signal.Hex(), err)
	}
	return p, nil
}

// List returns pools ordered by creation time, newest first.
func (s *PoolStore) List(ctx context.Context, opts domain.ListOpts) ([]domain.Pool, error) {
	query := `SELECT ` + poolCols + ` FROM pools WHERE 1=1`
	args := []any{}
	argIdx := 1

	if opts.Since != nil {
		query += fmt.Sprintf(" AND created_at >= $%d", argIdx)
		args = append(args, *opts.Since)
		argIdx++
	}
	if opts.Until != nil {
		query += fmt.Sprintf(" AND created_at <= $%d", argIdx)
		args = append(args, *opts.Until)
		argIdx++
	}

	query += " ORDER BY created_at DESC"

	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
		argIdx++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list pools: %w", err)
	}
	defer rows.Close()

	var pools []domain.Pool
	for rows.Next() {
		p, err := scanPool(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan pool: %w", err)
		}
		pools = append(pools, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list pools rows: %w", err)
	}
	return pools, nil
}

// Count returns the total number of pools.
func (s *PoolStore) Count(ctx context.Context) (int64, error) {
	var count int64
	if err := s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM pools").Scan(&count); err != nil {
		return 0, fmt.Errorf("postgres: count pools: %w", err)
	}
	return count, nil
}

// Contribute escrows amount into the pool vault and applies bookkeeping
// in one transaction: debit the contributor's funding account, credit the
// vault, accumulate the (pool, user) contribution, and advance the pool
// total. Lock order is the pool row, then the two custody accounts in id
// order (the funding `acct:` id sorts before the `vault:` id), then the
// contribution row. Transfer locks accounts in the same id order, so the
// two paths cannot deadlock each other.
func (s *PoolStore) Contribute(ctx context.Context, signal common.Hash, user common.Address, amount uint64) (domain.Pool, domain.Contribution, error) {
	fail := func(err error) (domain.Pool, domain.Contribution, error) {
		return domain.Pool{}, domain.Contribution{}, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fail(fmt.Errorf("postgres: contribute: begin: %w", err))
	}
	defer tx.Rollback(ctx)

	// Pool row, locked.
	p, err := scanPool(tx.QueryRow(ctx,
		`SELECT `+poolCols+` FROM pools WHERE signal_id = $1 FOR UPDATE`, signal.Hex()))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fail(domain.ErrNotFound)
		}
		return fail(fmt.Errorf("postgres: contribute: lock pool %s: %w", signal.Hex(), err))
	}
	if p.Status != domain.PoolStatusOpen {
		return fail(domain.ErrPoolClosed)
	}

	// Contributor's funding account for the pool asset, locked first.
	funding, err := lockAccount(ctx, tx, domain.FundingAccountID(user, p.Asset))
	if err != nil {
		return fail(fmt.Errorf("postgres: contribute: funding account for %s: %w", user.Hex(), err))
	}
	if funding.Asset != p.Asset {
		return fail(domain.ErrAssetMismatch)
	}
	if funding.Balance < amount {
		return fail(domain.ErrInsufficientFunds)
	}

	// Vault, locked and verified against the pool.
	vault, err := lockAccount(ctx, tx, domain.VaultID(signal))
	if err != nil {
		return fail(fmt.Errorf("postgres: contribute: vault for %s: %w", signal.Hex(), err))
	}
	if vault.Owner != domain.VaultOwner(signal) {
		return fail(domain.ErrVaultOwnerMismatch)
	}
	if vault.Asset != p.Asset {
		return fail(domain.ErrAssetMismatch)
	}

	// Move the funds.
	newVaultBalance, err := domain.CheckedAdd(vault.Balance, amount)
	if err != nil {
		return fail(err)
	}
	if err := setBalance(ctx, tx, funding.ID, funding.Balance-amount); err != nil {
		return fail(err)
	}
	if err := setBalance(ctx, tx, vault.ID, newVaultBalance); err != nil {
		return fail(err)
	}

	// Accumulate the contribution record, creating it on first use.
	var prior uint64
	var priorText string
	err = tx.QueryRow(ctx,
		`SELECT amount::text FROM contributions WHERE signal_id = $1 AND "user" = $2 FOR UPDATE`,
		signal.Hex(), user.Hex(),
	).Scan(&priorText)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		if _, err := tx.Exec(ctx,
			`INSERT INTO contributions (signal_id, "user", amount) VALUES ($1, $2, $3::numeric)`,
			signal.Hex(), user.Hex(), u64str(amount),
		); err != nil {
			return fail(fmt.Errorf("postgres: contribute: insert contribution: %w", err))
		}
		prior = 0
	case err != nil:
		return fail(fmt.Errorf("postgres: contribute: lock contribution: %w", err))
	default:
		if prior, err = parseU64(priorText); err != nil {
			return fail(err)
		}
		accumulated, err := domain.CheckedAdd(prior, amount)
		if err != nil {
			return fail(err)
		}
		if _, err := tx.Exec(ctx,
			`UPDATE contributions SET amount = $1::numeric, updated_at = NOW() WHERE signal_id = $2 AND "user" = $3`,
			u64str(accumulated), signal.Hex(), user.Hex(),
		); err != nil {
			return fail(fmt.Errorf("postgres: contribute: update contribution: %w", err))
		}
	}

	// Advance the pool total.
	newTotal, err := domain.CheckedAdd(p.TotalContributed, amount)
	if err != nil {
		return fail(err)
	}
	if _, err := tx.Exec(ctx,
		`UPDATE pools SET total_contributed = $1::numeric, updated_at = NOW() WHERE signal_id = $2`,
		u64str(newTotal), signal.Hex(),
	); err != nil {
		return fail(fmt.Errorf("postgres: contribute: update pool total: %w", err))
	}

	if err := tx.Commit(ctx); err != nil {
		return fail(fmt.Errorf("postgres: contribute: commit: %w", err))
	}

	p.TotalContributed = newTotal
	contrib := domain.Contribution{
		SignalID: signal,
		User:     user,
		Amount:   prior + amount,
	}
	return p, contrib, nil
}

// Close transitions an open pool to closed with the given outcome. The
// status predicate inside the locked transaction makes the transition
// single-shot: a concurrent or repeated close observes the closed row and
// fails with domain.ErrPoolClosed.
func (s *PoolStore) Close(ctx context.Context, signal common.Hash, outcome domain.Outcome) (domain.Pool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return domain.Pool{}, fmt.Errorf("postgres: close: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	p, err := scanPool(tx.QueryRow(ctx,
		`SELECT `+poolCols+` FROM pools WHERE signal_id = $1 FOR UPDATE`, signal.Hex()))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Pool{}, domain.ErrNotFound
		}
		return domain.Pool{}, fmt.Errorf("postgres: close: lock pool %s: %w", signal.Hex(), err)
	}
	if p.Status != domain.PoolStatusOpen {
		return domain.Pool{}, domain.ErrPoolClosed
	}

	if _, err := tx.Exec(ctx,
		`UPDATE pools SET status = 'closed', outcome = $1, updated_at = NOW() WHERE signal_id = $2`,
		string(outcome), signal.Hex(),
	); err != nil {
		return domain.Pool{}, fmt.Errorf("postgres: close pool %s: %w", signal.Hex(), err)
	}

	if err := tx.Commit(ctx); err != nil {
		return domain.Pool{}, fmt.Errorf("postgres: close: commit: %w", err)
	}

	p.Status = domain.PoolStatusClosed
	p.Outcome = &outcome
	return p, nil
}

// scanPool scans one pool row.
func scanPool(row pgx.Row) (domain.Pool, error) {
	var (
		p                        domain.Pool
		signal, authority, asset string
		status, total            string
		outcome                  *string
	)
	err := row.Scan(
		&signal, &authority, &asset, &status, &p.OpenTs, &p.CloseTs,
		&total, &outcome, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return domain.Pool{}, err
	}

	p.SignalID = common.HexToHash(signal)
	p.Authority = common.HexToAddress(authority)
	p.Asset = common.HexToAddress(asset)
	p.Status = domain.PoolStatus(status)
	if p.TotalContributed, err = parseU64(total); err != nil {
		return domain.Pool{}, err
	}
	if outcome != nil {
		o := domain.Outcome(*outcome)
		p.Outcome = &o
	}
	return p, nil
}

var _ domain.PoolStore = (*PoolStore)(nil)
