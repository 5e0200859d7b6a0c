package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ethereum/go-ethereum/common"

	"github.com/quantfield/signalledger/internal/domain"
	"github.com/quantfield/signalledger/internal/notify"
)

// registryReader provides the current registry for transitive authority
// checks. Satisfied by *RegistryService (cache-backed) and by any
// domain.RegistryStore.
type registryReader interface {
	Get(ctx context.Context) (domain.Registry, error)
}

// PoolService owns the pool lifecycle: creation by the registry authority,
// escrowed contributions while the window is open, and the one-shot
// verify-and-close settlement once the window has elapsed.
type PoolService struct {
	registry registryReader
	pools    domain.PoolStore
	contribs domain.ContributionStore
	custody  domain.TokenCustody
	clock    domain.Clock
	bus      domain.SignalBus
	notifier *notify.Notifier // optional
	logger   *slog.Logger
}

// NewPoolService creates a PoolService. bus and notifier may be nil; event
// emission is then skipped.
func NewPoolService(
	registry registryReader,
	pools domain.PoolStore,
	contribs domain.ContributionStore,
	custody domain.TokenCustody,
	clock domain.Clock,
	bus domain.SignalBus,
	notifier *notify.Notifier,
	logger *slog.Logger,
) *PoolService {
	return &PoolService{
		registry: registry,
		pools:    pools,
		contribs: contribs,
		custody:  custody,
		clock:    clock,
		bus:      bus,
		notifier: notifier,
		logger:   logger.With(slog.String("component", "pool_service")),
	}
}

// CreatePool registers a pool for a signal with a contribution window and
// provisions its escrow vault. Only the registry authority may create
// pools; the close timestamp must be strictly in the future.
func (s *PoolService) CreatePool(ctx context.Context, caller common.Address, signal common.Hash, asset common.Address, openTs, closeTs int64) (domain.Pool, error) {
	reg, err := s.registry.Get(ctx)
	if err != nil {
		return domain.Pool{}, fmt.Errorf("pool_service: create: registry: %w", err)
	}
	if caller != reg.Authority {
		return domain.Pool{}, fmt.Errorf("pool_service: create: %w", domain.ErrUnauthorized)
	}
	if openTs >= closeTs {
		return domain.Pool{}, fmt.Errorf("pool_service: create: open=%d close=%d: %w", openTs, closeTs, domain.ErrInvalidWindow)
	}
	if closeTs <= s.clock.Now().Unix() {
		return domain.Pool{}, fmt.Errorf("pool_service: create: close=%d: %w", closeTs, domain.ErrCloseInPast)
	}

	pool := domain.Pool{
		SignalID:  signal,
		Authority: reg.Authority,
		Asset:     asset,
		Status:    domain.PoolStatusOpen,
		OpenTs:    openTs,
		CloseTs:   closeTs,
	}
	// The store provisions the escrow vault with the pool row; a failed
	// creation leaves neither behind.
	if err := s.pools.Create(ctx, pool); err != nil {
		return domain.Pool{}, fmt.Errorf("pool_service: create pool %s: %w", signal.Hex(), err)
	}

	s.logger.InfoContext(ctx, "pool created",
		slog.String("signal_id", signal.Hex()),
		slog.String("asset", asset.Hex()),
		slog.Int64("open_ts", openTs),
		slog.Int64("close_ts", closeTs),
	)

	return s.pools.Get(ctx, signal)
}

// Contribute escrows amount from the caller's funding account into the
// pool vault. The balance movement and the bookkeeping (contribution
// accumulation and pool total) land in a single transaction or not at all.
func (s *PoolService) Contribute(ctx context.Context, caller common.Address, signal common.Hash, amount uint64) (domain.Pool, domain.Contribution, error) {
	if amount == 0 {
		return domain.Pool{}, domain.Contribution{}, fmt.Errorf("pool_service: contribute: %w", domain.ErrInvalidAmount)
	}

	pool, contrib, err := s.pools.Contribute(ctx, signal, caller, amount)
	if err != nil {
		return domain.Pool{}, domain.Contribution{}, fmt.Errorf("pool_service: contribute %d to %s: %w", amount, signal.Hex(), err)
	}

	s.logger.InfoContext(ctx, "contribution escrowed",
		slog.String("signal_id", signal.Hex()),
		slog.String("user", caller.Hex()),
		slog.Uint64("amount", amount),
		slog.Uint64("user_total", contrib.Amount),
		slog.Uint64("pool_total", pool.TotalContributed),
	)
	return pool, contrib, nil
}

// VerifyAndClose settles a pool: the caller must be the registry
// authority, the pool must still be open, and the trusted clock must have
// passed the close timestamp. Closing early is rejected even for the
// authority. The vault keeps custody of the escrowed funds after closing;
// disbursement is a separate concern.
//
// The outcome is asserted by the authority directly.
// TODO: read the registry oracle feed and verify the asserted outcome
// against it before closing.
func (s *PoolService) VerifyAndClose(ctx context.Context, caller common.Address, signal common.Hash, outcome domain.Outcome) (domain.Pool, error) {
	if !outcome.Valid() {
		return domain.Pool{}, fmt.Errorf("pool_service: close %s: outcome %q: %w", signal.Hex(), outcome, domain.ErrInvalidOutcome)
	}

	reg, err := s.registry.Get(ctx)
	if err != nil {
		return domain.Pool{}, fmt.Errorf("pool_service: close: registry: %w", err)
	}
	if caller != reg.Authority {
		return domain.Pool{}, fmt.Errorf("pool_service: close: %w", domain.ErrUnauthorized)
	}

	pool, err := s.pools.Get(ctx, signal)
	if err != nil {
		return domain.Pool{}, fmt.Errorf("pool_service: close %s: %w", signal.Hex(), err)
	}
	if pool.Status != domain.PoolStatusOpen {
		return domain.Pool{}, fmt.Errorf("pool_service: close %s: %w", signal.Hex(), domain.ErrPoolClosed)
	}

	now := s.clock.Now().Unix()
	if now < pool.CloseTs {
		return domain.Pool{}, fmt.Errorf("pool_service: close %s at %d before %d: %w", signal.Hex(), now, pool.CloseTs, domain.ErrPoolStillActive)
	}

	closed, err := s.pools.Close(ctx, signal, outcome)
	if err != nil {
		return domain.Pool{}, fmt.Errorf("pool_service: close %s: %w", signal.Hex(), err)
	}

	s.emit(ctx, domain.ChannelPools, domain.StreamPools, domain.PoolClosedEvent{
		Event:            "pool_closed",
		SignalID:         closed.SignalID.Hex(),
		Outcome:          string(outcome),
		TotalContributed: closed.TotalContributed,
		ClosedAt:         now,
	})

	if s.notifier != nil {
		msg := fmt.Sprintf("Signal %s settled as %s with %d tokens escrowed.", closed.SignalID.Hex(), outcome, closed.TotalContributed)
		if err := s.notifier.Notify(ctx, "pool_closed", "Pool closed", msg); err != nil {
			s.logger.WarnContext(ctx, "close notification failed",
				slog.String("error", err.Error()),
			)
		}
	}

	s.logger.InfoContext(ctx, "pool closed",
		slog.String("signal_id", signal.Hex()),
		slog.String("outcome", string(outcome)),
		slog.Uint64("total_contributed", closed.TotalContributed),
	)
	return closed, nil
}

// GetPool returns a pool by signal id.
func (s *PoolService) GetPool(ctx context.Context, signal common.Hash) (domain.Pool, error) {
	pool, err := s.pools.Get(ctx, signal)
	if err != nil {
		return domain.Pool{}, fmt.Errorf("pool_service: get %s: %w", signal.Hex(), err)
	}
	return pool, nil
}

// ListPools returns pools with pagination.
func (s *PoolService) ListPools(ctx context.Context, opts domain.ListOpts) ([]domain.Pool, error) {
	pools, err := s.pools.List(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("pool_service: list: %w", err)
	}
	return pools, nil
}

// CountPools returns the total number of pools.
func (s *PoolService) CountPools(ctx context.Context) (int64, error) {
	n, err := s.pools.Count(ctx)
	if err != nil {
		return 0, fmt.Errorf("pool_service: count: %w", err)
	}
	return n, nil
}

// GetContribution returns the cumulative escrow record for one contributor.
func (s *PoolService) GetContribution(ctx context.Context, signal common.Hash, user common.Address) (domain.Contribution, error) {
	c, err := s.contribs.Get(ctx, signal, user)
	if err != nil {
		return domain.Contribution{}, fmt.Errorf("pool_service: get contribution %s/%s: %w", signal.Hex(), user.Hex(), err)
	}
	return c, nil
}

// ListContributions returns all escrow records for a pool.
func (s *PoolService) ListContributions(ctx context.Context, signal common.Hash, opts domain.ListOpts) ([]domain.Contribution, error) {
	cs, err := s.contribs.ListByPool(ctx, signal, opts)
	if err != nil {
		return nil, fmt.Errorf("pool_service: list contributions %s: %w", signal.Hex(), err)
	}
	return cs, nil
}

// Vault returns the pool's escrow custody account.
func (s *PoolService) Vault(ctx context.Context, signal common.Hash) (domain.CustodyAccount, error) {
	acct, err := s.custody.Account(ctx, domain.VaultID(signal))
	if err != nil {
		return domain.CustodyAccount{}, fmt.Errorf("pool_service: vault %s: %w", signal.Hex(), err)
	}
	return acct, nil
}

func (s *PoolService) emit(ctx context.Context, channel, stream string, v any) {
	if s.bus == nil {
		return
	}
	emitEvent(ctx, s.bus, s.logger, channel, stream, v)
}
