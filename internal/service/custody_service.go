package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ethereum/go-ethereum/common"

	"github.com/quantfield/signalledger/internal/domain"
)

// custodyBank is the full bank surface the custody service needs: the
// domain custody boundary plus the operator-only credit on-ramp.
type custodyBank interface {
	domain.TokenCustody
	Credit(ctx context.Context, id string, amount uint64) (domain.CustodyAccount, error)
}

// CustodyService fronts the bank for the API: funding-account provisioning
// for contributors and the operator credit on-ramp. Vault accounts are
// provisioned by PoolService and never touched here.
type CustodyService struct {
	registry registryReader
	bank     custodyBank
	logger   *slog.Logger
}

// NewCustodyService creates a CustodyService.
func NewCustodyService(registry registryReader, bank custodyBank, logger *slog.Logger) *CustodyService {
	return &CustodyService{
		registry: registry,
		bank:     bank,
		logger:   logger.With(slog.String("component", "custody_service")),
	}
}

// OpenFundingAccount provisions the caller's funding account for an asset.
// Re-opening an existing account is a no-op.
func (s *CustodyService) OpenFundingAccount(ctx context.Context, caller common.Address, asset common.Address) (domain.CustodyAccount, error) {
	id := domain.FundingAccountID(caller, asset)
	if err := s.bank.OpenAccount(ctx, id, caller.Hex(), asset); err != nil {
		return domain.CustodyAccount{}, fmt.Errorf("custody_service: open %s: %w", id, err)
	}

	acct, err := s.bank.Account(ctx, id)
	if err != nil {
		return domain.CustodyAccount{}, fmt.Errorf("custody_service: open %s: %w", id, err)
	}

	s.logger.InfoContext(ctx, "funding account opened",
		slog.String("account", id),
		slog.String("user", caller.Hex()),
		slog.String("asset", asset.Hex()),
	)
	return acct, nil
}

// Account returns the current state of any custody account.
func (s *CustodyService) Account(ctx context.Context, id string) (domain.CustodyAccount, error) {
	acct, err := s.bank.Account(ctx, id)
	if err != nil {
		return domain.CustodyAccount{}, fmt.Errorf("custody_service: account %s: %w", id, err)
	}
	return acct, nil
}

// Credit adds amount to a user's funding account. Only the registry
// authority may credit; this is the on-ramp from external settlement into
// the ledger bank.
func (s *CustodyService) Credit(ctx context.Context, caller, user common.Address, asset common.Address, amount uint64) (domain.CustodyAccount, error) {
	if amount == 0 {
		return domain.CustodyAccount{}, fmt.Errorf("custody_service: credit: %w", domain.ErrInvalidAmount)
	}

	reg, err := s.registry.Get(ctx)
	if err != nil {
		return domain.CustodyAccount{}, fmt.Errorf("custody_service: credit: registry: %w", err)
	}
	if caller != reg.Authority {
		return domain.CustodyAccount{}, fmt.Errorf("custody_service: credit: %w", domain.ErrUnauthorized)
	}

	id := domain.FundingAccountID(user, asset)
	acct, err := s.bank.Credit(ctx, id, amount)
	if err != nil {
		return domain.CustodyAccount{}, fmt.Errorf("custody_service: credit %s: %w", id, err)
	}

	s.logger.InfoContext(ctx, "funding account credited",
		slog.String("account", id),
		slog.Uint64("amount", amount),
		slog.Uint64("balance", acct.Balance),
	)
	return acct, nil
}

// Transfer moves amount from the caller's funding account to another
// user's funding account for the same asset, authorized by the caller as
// the source holder. Vaults are not reachable here; escrow moves only
// through contributions. Returns the caller's account after the move.
func (s *CustodyService) Transfer(ctx context.Context, caller, to common.Address, asset common.Address, amount uint64) (domain.CustodyAccount, error) {
	if amount == 0 {
		return domain.CustodyAccount{}, fmt.Errorf("custody_service: transfer: %w", domain.ErrInvalidAmount)
	}
	if to == caller {
		return domain.CustodyAccount{}, fmt.Errorf("custody_service: transfer to self: %w", domain.ErrInvalidAmount)
	}

	from := domain.FundingAccountID(caller, asset)
	dst := domain.FundingAccountID(to, asset)
	if err := s.bank.Transfer(ctx, from, dst, caller, asset, amount); err != nil {
		return domain.CustodyAccount{}, fmt.Errorf("custody_service: transfer %s -> %s: %w", from, dst, err)
	}

	acct, err := s.bank.Account(ctx, from)
	if err != nil {
		return domain.CustodyAccount{}, fmt.Errorf("custody_service: transfer: %w", err)
	}

	s.logger.InfoContext(ctx, "funding transfer",
		slog.String("from", from),
		slog.String("to", dst),
		slog.Uint64("amount", amount),
	)
	return acct, nil
}
