package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/quantfield/signalledger/internal/domain"
)

// RegistryStore implements domain.RegistryStore using PostgreSQL. The
// registry is a single row enforced by a CHECK (id = 1) constraint.
type RegistryStore struct {
	pool *pgxpool.Pool
}

// NewRegistryStore creates a RegistryStore backed by the given pool.
func NewRegistryStore(pool *pgxpool.Pool) *RegistryStore {
	return &RegistryStore{pool: pool}
}

// Create inserts the singleton registry row. A second create fails with
// domain.ErrAlreadyExists.
func (s *RegistryStore) Create(ctx context.Context, reg domain.Registry) error {
	const query = `
		INSERT INTO registries (id, authority, fee_bps, oracle, config_version)
		VALUES (1, $1, $2, $3, $4::numeric)`

	_, err := s.pool.Exec(ctx, query,
		reg.Authority.Hex(), int16(reg.FeeBps), reg.Oracle.Hex(), u64str(reg.ConfigVersion),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrAlreadyExists
		}
		return fmt.Errorf("postgres: create registry: %w", err)
	}
	return nil
}

// Get retrieves the registry. domain.ErrNotFound before initialization.
func (s *RegistryStore) Get(ctx context.Context) (domain.Registry, error) {
	const query = `
		SELECT authority, fee_bps, oracle, config_version::text, created_at, updated_at
		FROM registries WHERE id = 1`

	var (
		reg               domain.Registry
		authority, oracle string
		feeBps            int16
		version           string
	)
	err := s.pool.QueryRow(ctx, query).Scan(
		&authority, &feeBps, &oracle, &version, &reg.CreatedAt, &reg.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Registry{}, domain.ErrNotFound
		}
		return domain.Registry{}, fmt.Errorf("postgres: get registry: %w", err)
	}

	reg.Authority = common.HexToAddress(authority)
	reg.FeeBps = uint16(feeBps)
	reg.Oracle = common.HexToAddress(oracle)
	if reg.ConfigVersion, err = parseU64(version); err != nil {
		return domain.Registry{}, err
	}
	return reg, nil
}

// UpdateAuthority replaces the registry authority.
func (s *RegistryStore) UpdateAuthority(ctx context.Context, authority common.Address) error {
	const query = `UPDATE registries SET authority = $1, updated_at = NOW() WHERE id = 1`

	tag, err := s.pool.Exec(ctx, query, authority.Hex())
	if err != nil {
		return fmt.Errorf("postgres: update registry authority: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// UpdateConfig replaces fee and oracle and bumps the config version. The
// prevVersion predicate rejects the write if another mutation landed in
// between, so a version is never skipped or reused.
func (s *RegistryStore) UpdateConfig(ctx context.Context, feeBps uint16, oracle common.Address, prevVersion, newVersion uint64) error {
	const query = `
		UPDATE registries
		SET fee_bps = $1, oracle = $2, config_version = $3::numeric, updated_at = NOW()
		WHERE id = 1 AND config_version = $4::numeric`

	tag, err := s.pool.Exec(ctx, query,
		int16(feeBps), oracle.Hex(), u64str(newVersion), u64str(prevVersion),
	)
	if err != nil {
		return fmt.Errorf("postgres: update registry config: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// isUniqueViolation reports whether err is a PostgreSQL unique-constraint
// violation (SQLSTATE 23505).
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

var _ domain.RegistryStore = (*RegistryStore)(nil)
