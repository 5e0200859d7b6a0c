package service

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"github.com/quantfield/signalledger/internal/domain"
)

func newCustodyFixture(t *testing.T) (*CustodyService, *memCustody) {
	t.Helper()
	registries := &memRegistryStore{}
	if err := registries.Create(context.Background(), domain.Registry{Authority: testAuthority, ConfigVersion: 1}); err != nil {
		t.Fatalf("seed registry: %v", err)
	}
	custody := newMemCustody()
	return NewCustodyService(registries, custody, slog.New(slog.DiscardHandler)), custody
}

func TestOpenFundingAccountIdempotent(t *testing.T) {
	svc, _ := newCustodyFixture(t)
	ctx := context.Background()

	acct, err := svc.OpenFundingAccount(ctx, alice, testAsset)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if acct.ID != domain.FundingAccountID(alice, testAsset) {
		t.Errorf("id = %q, want derived funding account id", acct.ID)
	}
	if acct.Balance != 0 {
		t.Errorf("balance = %d, want 0", acct.Balance)
	}

	// Re-opening with the same owner and asset is a no-op.
	again, err := svc.OpenFundingAccount(ctx, alice, testAsset)
	if err != nil {
		t.Fatalf("re-open: %v", err)
	}
	if again.ID != acct.ID {
		t.Errorf("re-open returned %q, want %q", again.ID, acct.ID)
	}
}

func TestCreditRequiresAuthority(t *testing.T) {
	svc, _ := newCustodyFixture(t)
	ctx := context.Background()
	if _, err := svc.OpenFundingAccount(ctx, alice, testAsset); err != nil {
		t.Fatalf("open: %v", err)
	}

	t.Run("zero amount", func(t *testing.T) {
		_, err := svc.Credit(ctx, testAuthority, alice, testAsset, 0)
		if !errors.Is(err, domain.ErrInvalidAmount) {
			t.Errorf("error = %v, want ErrInvalidAmount", err)
		}
	})

	t.Run("non-authority caller", func(t *testing.T) {
		_, err := svc.Credit(ctx, bob, alice, testAsset, 100)
		if !errors.Is(err, domain.ErrUnauthorized) {
			t.Errorf("error = %v, want ErrUnauthorized", err)
		}
	})

	t.Run("unknown account", func(t *testing.T) {
		_, err := svc.Credit(ctx, testAuthority, bob, testAsset, 100)
		if !errors.Is(err, domain.ErrNotFound) {
			t.Errorf("error = %v, want ErrNotFound", err)
		}
	})

	acct, err := svc.Credit(ctx, testAuthority, alice, testAsset, 250)
	if err != nil {
		t.Fatalf("credit: %v", err)
	}
	if acct.Balance != 250 {
		t.Errorf("balance = %d, want 250", acct.Balance)
	}

	acct, err = svc.Credit(ctx, testAuthority, alice, testAsset, 50)
	if err != nil {
		t.Fatalf("second credit: %v", err)
	}
	if acct.Balance != 300 {
		t.Errorf("balance = %d, want 300", acct.Balance)
	}
}

func TestTransferMovesFundsBetweenFundingAccounts(t *testing.T) {
	svc, custody := newCustodyFixture(t)
	ctx := context.Background()

	if _, err := svc.OpenFundingAccount(ctx, alice, testAsset); err != nil {
		t.Fatalf("open alice: %v", err)
	}
	if _, err := svc.OpenFundingAccount(ctx, bob, testAsset); err != nil {
		t.Fatalf("open bob: %v", err)
	}
	if _, err := svc.Credit(ctx, testAuthority, alice, testAsset, 500); err != nil {
		t.Fatalf("credit alice: %v", err)
	}

	src, err := svc.Transfer(ctx, alice, bob, testAsset, 180)
	if err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if src.Balance != 320 {
		t.Errorf("source balance = %d, want 320", src.Balance)
	}
	if got := custody.balance(domain.FundingAccountID(bob, testAsset)); got != 180 {
		t.Errorf("destination balance = %d, want 180", got)
	}
}

func TestTransferRejections(t *testing.T) {
	svc, _ := newCustodyFixture(t)
	ctx := context.Background()

	if _, err := svc.OpenFundingAccount(ctx, alice, testAsset); err != nil {
		t.Fatalf("open alice: %v", err)
	}
	if _, err := svc.OpenFundingAccount(ctx, bob, testAsset); err != nil {
		t.Fatalf("open bob: %v", err)
	}
	if _, err := svc.Credit(ctx, testAuthority, alice, testAsset, 100); err != nil {
		t.Fatalf("credit alice: %v", err)
	}

	tests := []struct {
		name    string
		caller  common.Address
		to      common.Address
		amount  uint64
		wantErr error
	}{
		{"zero amount", alice, bob, 0, domain.ErrInvalidAmount},
		{"self transfer", alice, alice, 10, domain.ErrInvalidAmount},
		{"insufficient funds", alice, bob, 101, domain.ErrInsufficientFunds},
		{"source account missing", testOracle, bob, 10, domain.ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := svc.Transfer(ctx, tt.caller, tt.to, testAsset, tt.amount); !errors.Is(err, tt.wantErr) {
				t.Errorf("error = %v, want %v", err, tt.wantErr)
			}
		})
	}

	// The failed attempts moved nothing.
	src, err := svc.Account(ctx, domain.FundingAccountID(alice, testAsset))
	if err != nil {
		t.Fatalf("account: %v", err)
	}
	if src.Balance != 100 {
		t.Errorf("source balance = %d, want 100", src.Balance)
	}
}

func TestAccountLookup(t *testing.T) {
	svc, custody := newCustodyFixture(t)
	ctx := context.Background()

	if _, err := svc.Account(ctx, "vault:missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("missing account error = %v, want ErrNotFound", err)
	}

	if err := custody.OpenAccount(ctx, "vault:x", "pool:x", testAsset); err != nil {
		t.Fatalf("open vault: %v", err)
	}
	acct, err := svc.Account(ctx, "vault:x")
	if err != nil {
		t.Fatalf("account: %v", err)
	}
	if acct.Owner != "pool:x" {
		t.Errorf("owner = %q, want pool:x", acct.Owner)
	}
}
