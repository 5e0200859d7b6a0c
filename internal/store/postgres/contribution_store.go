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

// ContributionStore implements domain.ContributionStore using PostgreSQL.
// It is read-only: contribution rows are written exclusively inside
// PoolStore.Contribute.
type ContributionStore struct {
	pool *pgxpool.Pool
}

// NewContributionStore creates a ContributionStore backed by the given
// connection pool.
func NewContributionStore(pool *pgxpool.Pool) *ContributionStore {
	return &ContributionStore{pool: pool}
}

const contributionCols = `signal_id, "user", amount::text, created_at, updated_at`

// Get retrieves the cumulative contribution of one user to one pool.
func (s *ContributionStore) Get(ctx context.Context, signal common.Hash, user common.Address) (domain.Contribution, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+contributionCols+` FROM contributions WHERE signal_id = $1 AND "user" = $2`,
		signal.Hex(), user.Hex())
	c, err := scanContribution(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Contribution{}, domain.ErrNotFound
		}
		return domain.Contribution{}, fmt.Errorf("postgres: get contribution %s/%s: %w", signal.Hex(), user.Hex(), err)
	}
	return c, nil
}

// ListByPool returns all contributions to a pool, largest first.
func (s *ContributionStore) ListByPool(ctx context.Context, signal common.Hash, opts domain.ListOpts) ([]domain.Contribution, error) {
	query := `SELECT ` + contributionCols + ` FROM contributions WHERE signal_id = $1 ORDER BY amount DESC`
	args := []any{signal.Hex()}
	argIdx := 2

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
		return nil, fmt.Errorf("postgres: list contributions %s: %w", signal.Hex(), err)
	}
	defer rows.Close()

	var contribs []domain.Contribution
	for rows.Next() {
		c, err := scanContribution(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan contribution: %w", err)
		}
		contribs = append(contribs, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list contributions rows: %w", err)
	}
	return contribs, nil
}

// SumByPool returns the sum of all contribution amounts for a pool. At
// every point in time this equals the pool's total_contributed column.
func (s *ContributionStore) SumByPool(ctx context.Context, signal common.Hash) (uint64, error) {
	var total string
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(amount), 0)::text FROM contributions WHERE signal_id = $1`,
		signal.Hex(),
	).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("postgres: sum contributions %s: %w", signal.Hex(), err)
	}
	return parseU64(total)
}

func scanContribution(row pgx.Row) (domain.Contribution, error) {
	var (
		c            domain.Contribution
		signal, user string
		amount       string
	)
	if err := row.Scan(&signal, &user, &amount, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return domain.Contribution{}, err
	}
	c.SignalID = common.HexToHash(signal)
	c.User = common.HexToAddress(user)
	var err error
	if c.Amount, err = parseU64(amount); err != nil {
		return domain.Contribution{}, err
	}
	return c, nil
}

var _ domain.ContributionStore = (*ContributionStore)(nil)
