package domain

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// RegistryStore persists the singleton Registry.
type RegistryStore interface {
	// Create inserts the registry; ErrAlreadyExists if one is present.
	Create(ctx context.Context, reg Registry) error
	Get(ctx context.Context) (Registry, error)
	// UpdateAuthority replaces the authority unconditionally.
	UpdateAuthority(ctx context.Context, authority common.Address) error
	// UpdateConfig replaces fee/oracle and bumps the version. prevVersion
	// guards against a concurrent mutation between read and write.
	UpdateConfig(ctx context.Context, feeBps uint16, oracle common.Address, prevVersion, newVersion uint64) error
}

// PoolStore persists pools and applies the escrow-critical mutations
// atomically. Contribute and Close re-verify the lifecycle guards inside
// their own transaction so concurrent calls cannot produce a lost update
// or a double close.
type PoolStore interface {
	// Create inserts the pool and provisions its escrow vault in one
	// transaction, so a pool never exists without its vault.
	// ErrAlreadyExists when a pool for the signal was created before.
	Create(ctx context.Context, pool Pool) error
	Get(ctx context.Context, signal common.Hash) (Pool, error)
	List(ctx context.Context, opts ListOpts) ([]Pool, error)
	Count(ctx context.Context) (int64, error)

	// Contribute moves amount from the contributor's funding account into
	// the pool vault and accumulates both the contribution record and the
	// pool total, all in one transaction. It fails with ErrPoolClosed,
	// ErrAssetMismatch, ErrVaultOwnerMismatch, ErrInsufficientFunds, or
	// ErrOverflow, leaving no partial write behind.
	Contribute(ctx context.Context, signal common.Hash, user common.Address, amount uint64) (Pool, Contribution, error)

	// Close transitions the pool from open to closed and records the
	// outcome. ErrPoolClosed if the transition already happened.
	Close(ctx context.Context, signal common.Hash, outcome Outcome) (Pool, error)
}

// ContributionStore reads escrow records. Writes happen only through
// PoolStore.Contribute.
type ContributionStore interface {
	Get(ctx context.Context, signal common.Hash, user common.Address) (Contribution, error)
	ListByPool(ctx context.Context, signal common.Hash, opts ListOpts) ([]Contribution, error)
	SumByPool(ctx context.Context, signal common.Hash) (uint64, error)
}

// ArchiveStore persists the singleton archive header.
type ArchiveStore interface {
	Create(ctx context.Context, archive Archive) error
	Get(ctx context.Context) (Archive, error)
	UpdateAuthority(ctx context.Context, authority common.Address) error
}

// PredictionStore persists prediction records. Create also increments the
// archive counter in the same transaction.
type PredictionStore interface {
	Create(ctx context.Context, rec PredictionRecord) error
	Get(ctx context.Context, predictionID uint64) (PredictionRecord, error)
	List(ctx context.Context, opts ListOpts) ([]PredictionRecord, error)
	Count(ctx context.Context) (int64, error)
	// UpdateStats overwrites the two mutable counters. No lifecycle guard:
	// late corrections after resolution are allowed.
	UpdateStats(ctx context.Context, predictionID, totalPoolTokens, followers uint64) (PredictionRecord, error)
	// Resolve applies the single-shot pending -> terminal transition.
	// ErrAlreadyResolved if the record left pending earlier.
	Resolve(ctx context.Context, predictionID uint64, outcome Outcome, payoutBps uint16, maturityTs int64) (PredictionRecord, error)
}
