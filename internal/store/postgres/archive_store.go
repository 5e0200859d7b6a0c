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

// ArchiveStore implements domain.ArchiveStore using PostgreSQL. Like the
// registry, the archive header is a single CHECK-constrained row. Its
// prediction counter is advanced only inside PredictionStore.Create.
type ArchiveStore struct {
	pool *pgxpool.Pool
}

// NewArchiveStore creates an ArchiveStore backed by the given pool.
func NewArchiveStore(pool *pgxpool.Pool) *ArchiveStore {
	return &ArchiveStore{pool: pool}
}

// Create inserts the singleton archive row with a zero counter.
func (s *ArchiveStore) Create(ctx context.Context, archive domain.Archive) error {
	const query = `
		INSERT INTO archives (id, authority, total_predictions)
		VALUES (1, $1, $2::numeric)`

	_, err := s.pool.Exec(ctx, query, archive.Authority.Hex(), u64str(archive.TotalPredictions))
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrAlreadyExists
		}
		return fmt.Errorf("postgres: create archive: %w", err)
	}
	return nil
}

// Get retrieves the archive header.
func (s *ArchiveStore) Get(ctx context.Context) (domain.Archive, error) {
	const query = `
		SELECT authority, total_predictions::text, created_at, updated_at
		FROM archives WHERE id = 1`

	var (
		archive          domain.Archive
		authority, total string
	)
	err := s.pool.QueryRow(ctx, query).Scan(&authority, &total, &archive.CreatedAt, &archive.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Archive{}, domain.ErrNotFound
		}
		return domain.Archive{}, fmt.Errorf("postgres: get archive: %w", err)
	}

	archive.Authority = common.HexToAddress(authority)
	if archive.TotalPredictions, err = parseU64(total); err != nil {
		return domain.Archive{}, err
	}
	return archive, nil
}

// UpdateAuthority replaces the archive authority unconditionally.
func (s *ArchiveStore) UpdateAuthority(ctx context.Context, authority common.Address) error {
	const query = `UPDATE archives SET authority = $1, updated_at = NOW() WHERE id = 1`

	tag, err := s.pool.Exec(ctx, query, authority.Hex())
	if err != nil {
		return fmt.Errorf("postgres: update archive authority: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

var _ domain.ArchiveStore = (*ArchiveStore)(nil)
