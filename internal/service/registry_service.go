package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ethereum/go-ethereum/common"

	"github.com/quantfield/signalledger/internal/domain"
)

// RegistryService manages the singleton registry: one-time initialization,
// authority rotation, and fee/oracle configuration. Every mutation is gated
// on the caller matching the current authority.
type RegistryService struct {
	registries domain.RegistryStore
	cache      domain.RegistryCache // optional
	logger     *slog.Logger
}

// NewRegistryService creates a RegistryService. cache may be nil, in which
// case every read goes to the store.
func NewRegistryService(registries domain.RegistryStore, cache domain.RegistryCache, logger *slog.Logger) *RegistryService {
	return &RegistryService{
		registries: registries,
		cache:      cache,
		logger:     logger.With(slog.String("component", "registry_service")),
	}
}

// Initialize creates the registry exactly once. A second call fails with
// domain.ErrAlreadyExists regardless of caller.
func (s *RegistryService) Initialize(ctx context.Context, authority common.Address) (domain.Registry, error) {
	reg := domain.Registry{
		Authority:     authority,
		ConfigVersion: 1,
	}
	if err := s.registries.Create(ctx, reg); err != nil {
		return domain.Registry{}, fmt.Errorf("registry_service: initialize: %w", err)
	}

	s.logger.InfoContext(ctx, "registry initialized",
		slog.String("authority", authority.Hex()),
	)
	return s.Get(ctx)
}

// Get returns the registry, consulting the cache first when one is wired.
func (s *RegistryService) Get(ctx context.Context) (domain.Registry, error) {
	if s.cache != nil {
		if reg, err := s.cache.Get(ctx); err == nil {
			return reg, nil
		} else if !errors.Is(err, domain.ErrNotFound) {
			s.logger.WarnContext(ctx, "registry cache read failed",
				slog.String("error", err.Error()),
			)
		}
	}

	reg, err := s.registries.Get(ctx)
	if err != nil {
		return domain.Registry{}, fmt.Errorf("registry_service: get: %w", err)
	}

	if s.cache != nil {
		if err := s.cache.Set(ctx, reg); err != nil {
			s.logger.WarnContext(ctx, "registry cache write failed",
				slog.String("error", err.Error()),
			)
		}
	}
	return reg, nil
}

// SetAuthority rotates the registry authority. The caller must be the
// current authority and re-setting the same authority is rejected.
func (s *RegistryService) SetAuthority(ctx context.Context, caller, newAuthority common.Address) (domain.Registry, error) {
	reg, err := s.registries.Get(ctx)
	if err != nil {
		return domain.Registry{}, fmt.Errorf("registry_service: set authority: %w", err)
	}
	if caller != reg.Authority {
		return domain.Registry{}, fmt.Errorf("registry_service: set authority: %w", domain.ErrUnauthorized)
	}
	if newAuthority == reg.Authority {
		return domain.Registry{}, fmt.Errorf("registry_service: set authority: %w", domain.ErrNoAuthorityChange)
	}

	if err := s.registries.UpdateAuthority(ctx, newAuthority); err != nil {
		return domain.Registry{}, fmt.Errorf("registry_service: set authority: %w", err)
	}
	s.invalidateCache(ctx)

	s.logger.InfoContext(ctx, "registry authority rotated",
		slog.String("old", reg.Authority.Hex()),
		slog.String("new", newAuthority.Hex()),
	)
	return s.Get(ctx)
}

// SetConfig replaces the protocol fee and oracle reference, bumping the
// config version with checked addition. fee above 10000 bps is rejected
// before any write.
func (s *RegistryService) SetConfig(ctx context.Context, caller common.Address, feeBps uint16, oracle common.Address) (domain.Registry, error) {
	reg, err := s.registries.Get(ctx)
	if err != nil {
		return domain.Registry{}, fmt.Errorf("registry_service: set config: %w", err)
	}
	if caller != reg.Authority {
		return domain.Registry{}, fmt.Errorf("registry_service: set config: %w", domain.ErrUnauthorized)
	}
	if feeBps > domain.MaxBps {
		return domain.Registry{}, fmt.Errorf("registry_service: set config: fee %d bps: %w", feeBps, domain.ErrInvalidFeeBps)
	}

	newVersion, err := domain.CheckedAdd(reg.ConfigVersion, 1)
	if err != nil {
		return domain.Registry{}, fmt.Errorf("registry_service: set config: version: %w", err)
	}

	if err := s.registries.UpdateConfig(ctx, feeBps, oracle, reg.ConfigVersion, newVersion); err != nil {
		return domain.Registry{}, fmt.Errorf("registry_service: set config: %w", err)
	}
	s.invalidateCache(ctx)

	s.logger.InfoContext(ctx, "registry config updated",
		slog.Int("fee_bps", int(feeBps)),
		slog.String("oracle", oracle.Hex()),
		slog.Uint64("config_version", newVersion),
	)
	return s.Get(ctx)
}

func (s *RegistryService) invalidateCache(ctx context.Context) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Invalidate(ctx); err != nil {
		s.logger.WarnContext(ctx, "registry cache invalidate failed",
			slog.String("error", err.Error()),
		)
	}
}
