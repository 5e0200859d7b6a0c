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

// CustodyStore implements domain.TokenCustody with ledger-local custody
// accounts. Vaults and funding accounts live in the same database as the
// pool bookkeeping, which is what lets a contribution land atomically:
// the balance movement and the escrow accounting share one transaction.
type CustodyStore struct {
	pool *pgxpool.Pool
}

// NewCustodyStore creates a CustodyStore backed by the given pool.
func NewCustodyStore(pool *pgxpool.Pool) *CustodyStore {
	return &CustodyStore{pool: pool}
}

// OpenAccount provisions a custody account. Re-opening an account is a
// no-op when owner and asset match and an error otherwise.
func (s *CustodyStore) OpenAccount(ctx context.Context, id, owner string, asset common.Address) error {
	const query = `
		INSERT INTO custody_accounts (id, owner, asset, balance)
		VALUES ($1, $2, $3, 0)
		ON CONFLICT (id) DO NOTHING`

	tag, err := s.pool.Exec(ctx, query, id, owner, asset.Hex())
	if err != nil {
		return fmt.Errorf("postgres: open custody account %s: %w", id, err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	existing, err := s.Account(ctx, id)
	if err != nil {
		return err
	}
	if existing.Owner != owner {
		return fmt.Errorf("postgres: open custody account %s: %w", id, domain.ErrVaultOwnerMismatch)
	}
	if existing.Asset != asset {
		return fmt.Errorf("postgres: open custody account %s: %w", id, domain.ErrAssetMismatch)
	}
	return nil
}

// Account returns the current state of a custody account.
func (s *CustodyStore) Account(ctx context.Context, id string) (domain.CustodyAccount, error) {
	const query = `SELECT id, owner, asset, balance::text FROM custody_accounts WHERE id = $1`

	var (
		acct         domain.CustodyAccount
		asset, total string
	)
	err := s.pool.QueryRow(ctx, query, id).Scan(&acct.ID, &acct.Owner, &asset, &total)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.CustodyAccount{}, domain.ErrNotFound
		}
		return domain.CustodyAccount{}, fmt.Errorf("postgres: get custody account %s: %w", id, err)
	}
	acct.Asset = common.HexToAddress(asset)
	if acct.Balance, err = parseU64(total); err != nil {
		return domain.CustodyAccount{}, err
	}
	return acct, nil
}

// Transfer moves amount between two custody accounts. The authority must
// be the holder encoded in the source account's owner field. Accounts are
// locked in lexicographic id order so concurrent transfers cannot
// deadlock.
func (s *CustodyStore) Transfer(ctx context.Context, from, to string, authority common.Address, asset common.Address, amount uint64) error {
	if amount == 0 || from == to {
		return domain.ErrInvalidAmount
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: transfer: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	first, second := from, to
	if second < first {
		first, second = second, first
	}
	locked := make(map[string]domain.CustodyAccount, 2)
	for _, id := range []string{first, second} {
		acct, err := lockAccount(ctx, tx, id)
		if err != nil {
			return fmt.Errorf("postgres: transfer: account %s: %w", id, err)
		}
		locked[id] = acct
	}
	src, dst := locked[from], locked[to]

	if src.Owner != authority.Hex() {
		return fmt.Errorf("postgres: transfer from %s: %w", from, domain.ErrUnauthorized)
	}
	if src.Asset != asset || dst.Asset != asset {
		return fmt.Errorf("postgres: transfer %s -> %s: %w", from, to, domain.ErrAssetMismatch)
	}
	if src.Balance < amount {
		return fmt.Errorf("postgres: transfer from %s: %w", from, domain.ErrInsufficientFunds)
	}

	credited, err := domain.CheckedAdd(dst.Balance, amount)
	if err != nil {
		return err
	}
	if err := setBalance(ctx, tx, src.ID, src.Balance-amount); err != nil {
		return err
	}
	if err := setBalance(ctx, tx, dst.ID, credited); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: transfer: commit: %w", err)
	}
	return nil
}

// Credit adds amount to a custody account balance. This is the operator
// on-ramp for funding contributor accounts; it is not part of the
// domain.TokenCustody boundary.
func (s *CustodyStore) Credit(ctx context.Context, id string, amount uint64) (domain.CustodyAccount, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return domain.CustodyAccount{}, fmt.Errorf("postgres: credit: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	acct, err := lockAccount(ctx, tx, id)
	if err != nil {
		return domain.CustodyAccount{}, fmt.Errorf("postgres: credit %s: %w", id, err)
	}

	credited, err := domain.CheckedAdd(acct.Balance, amount)
	if err != nil {
		return domain.CustodyAccount{}, err
	}
	if err := setBalance(ctx, tx, id, credited); err != nil {
		return domain.CustodyAccount{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return domain.CustodyAccount{}, fmt.Errorf("postgres: credit: commit: %w", err)
	}

	acct.Balance = credited
	return acct, nil
}

// lockAccount reads a custody account under FOR UPDATE within tx.
func lockAccount(ctx context.Context, tx pgx.Tx, id string) (domain.CustodyAccount, error) {
	var (
		acct         domain.CustodyAccount
		asset, total string
	)
	err := tx.QueryRow(ctx,
		`SELECT id, owner, asset, balance::text FROM custody_accounts WHERE id = $1 FOR UPDATE`, id,
	).Scan(&acct.ID, &acct.Owner, &asset, &total)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.CustodyAccount{}, domain.ErrNotFound
		}
		return domain.CustodyAccount{}, err
	}
	acct.Asset = common.HexToAddress(asset)
	if acct.Balance, err = parseU64(total); err != nil {
		return domain.CustodyAccount{}, err
	}
	return acct, nil
}

// setBalance writes an account balance within tx.
func setBalance(ctx context.Context, tx pgx.Tx, id string, balance uint64) error {
	_, err := tx.Exec(ctx,
		`UPDATE custody_accounts SET balance = $1::numeric, updated_at = NOW() WHERE id = $2`,
		u64str(balance), id,
	)
	if err != nil {
		return fmt.Errorf("postgres: set balance %s: %w", id, err)
	}
	return nil
}

var _ domain.TokenCustody = (*CustodyStore)(nil)
