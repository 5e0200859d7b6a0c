package service

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"github.com/quantfield/signalledger/internal/domain"
)

var (
	testAuthority = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	testOracle    = common.HexToAddress("0x00000000000000000000000000000000000000e1")
	testAsset     = common.HexToAddress("0x00000000000000000000000000000000000000f1")
	alice         = common.HexToAddress("0x0000000000000000000000000000000000000001")
	bob           = common.HexToAddress("0x0000000000000000000000000000000000000002")
	testSignal    = common.HexToHash("0x0000000000000000000000000000000000000000000000000000000000000007")
)

type poolFixture struct {
	svc     *PoolService
	custody *memCustody
	ledger  *memLedger
	clock   *fixedClock
	bus     *recordingBus
}

// newPoolFixture wires a PoolService over in-memory stores with the
// registry already initialized under testAuthority and the clock at t=100.
func newPoolFixture(t *testing.T) *poolFixture {
	t.Helper()
	ctx := context.Background()
	logger := slog.New(slog.DiscardHandler)

	registries := &memRegistryStore{}
	if err := registries.Create(ctx, domain.Registry{Authority: testAuthority, Oracle: testOracle, ConfigVersion: 1}); err != nil {
		t.Fatalf("seed registry: %v", err)
	}

	custody := newMemCustody()
	ledger := newMemLedger(custody)
	clock := &fixedClock{}
	clock.setUnix(100)
	bus := newRecordingBus()

	svc := NewPoolService(registries, ledger, &contribStore{ledger: ledger}, custody, clock, bus, nil, logger)
	return &poolFixture{svc: svc, custody: custody, ledger: ledger, clock: clock, bus: bus}
}

// fund provisions a funding account with the given balance.
func (f *poolFixture) fund(t *testing.T, user common.Address, balance uint64) {
	t.Helper()
	ctx := context.Background()
	id := domain.FundingAccountID(user, testAsset)
	if err := f.custody.OpenAccount(ctx, id, user.Hex(), testAsset); err != nil {
		t.Fatalf("open funding account: %v", err)
	}
	if _, err := f.custody.Credit(ctx, id, balance); err != nil {
		t.Fatalf("credit funding account: %v", err)
	}
}

func (f *poolFixture) createPool(t *testing.T, openTs, closeTs int64) domain.Pool {
	t.Helper()
	pool, err := f.svc.CreatePool(context.Background(), testAuthority, testSignal, testAsset, openTs, closeTs)
	if err != nil {
		t.Fatalf("create pool: %v", err)
	}
	return pool
}

func TestCreatePoolProvisionsVault(t *testing.T) {
	f := newPoolFixture(t)
	ctx := context.Background()

	pool := f.createPool(t, 100, 200)
	if pool.Status != domain.PoolStatusOpen {
		t.Errorf("status = %q, want open", pool.Status)
	}
	if pool.TotalContributed != 0 {
		t.Errorf("total_contributed = %d, want 0", pool.TotalContributed)
	}

	vault, err := f.custody.Account(ctx, domain.VaultID(testSignal))
	if err != nil {
		t.Fatalf("vault account: %v", err)
	}
	if vault.Owner != domain.VaultOwner(testSignal) {
		t.Errorf("vault owner = %q, want %q", vault.Owner, domain.VaultOwner(testSignal))
	}
	if vault.Asset != testAsset {
		t.Errorf("vault asset = %s, want %s", vault.Asset.Hex(), testAsset.Hex())
	}
}

func TestCreatePoolValidation(t *testing.T) {
	f := newPoolFixture(t)
	ctx := context.Background()

	tests := []struct {
		name    string
		caller  common.Address
		openTs  int64
		closeTs int64
		wantErr error
	}{
		{"non-authority caller", alice, 100, 200, domain.ErrUnauthorized},
		{"open equals close", testAuthority, 200, 200, domain.ErrInvalidWindow},
		{"open after close", testAuthority, 300, 200, domain.ErrInvalidWindow},
		{"close in the past", testAuthority, 10, 50, domain.ErrCloseInPast},
		{"close at current time", testAuthority, 10, 100, domain.ErrCloseInPast},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.CreatePool(ctx, tt.caller, testSignal, testAsset, tt.openTs, tt.closeTs)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("CreatePool() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestCreatePoolDuplicateSignal(t *testing.T) {
	f := newPoolFixture(t)
	f.createPool(t, 100, 200)

	_, err := f.svc.CreatePool(context.Background(), testAuthority, testSignal, testAsset, 100, 300)
	if !errors.Is(err, domain.ErrAlreadyExists) {
		t.Errorf("duplicate create error = %v, want ErrAlreadyExists", err)
	}
}

func TestCreatePoolFailedVaultLeavesNoPool(t *testing.T) {
	f := newPoolFixture(t)
	ctx := context.Background()

	// Occupy the vault id with a foreign account so provisioning fails.
	vaultID := domain.VaultID(testSignal)
	if err := f.custody.OpenAccount(ctx, vaultID, alice.Hex(), testAsset); err != nil {
		t.Fatalf("seed conflicting account: %v", err)
	}

	_, err := f.svc.CreatePool(ctx, testAuthority, testSignal, testAsset, 100, 200)
	if !errors.Is(err, domain.ErrVaultOwnerMismatch) {
		t.Fatalf("create error = %v, want ErrVaultOwnerMismatch", err)
	}
	if _, err := f.ledger.Get(ctx, testSignal); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("pool persisted after failed vault provisioning: err = %v, want ErrNotFound", err)
	}

	// Once the conflict is gone the same creation succeeds; the failed
	// attempt left nothing that blocks the retry.
	f.custody.mu.Lock()
	delete(f.custody.accounts, vaultID)
	f.custody.mu.Unlock()

	pool := f.createPool(t, 100, 200)
	if pool.Status != domain.PoolStatusOpen {
		t.Errorf("retried pool status = %s, want open", pool.Status)
	}
	if _, err := f.custody.Account(ctx, vaultID); err != nil {
		t.Errorf("vault after retry: %v", err)
	}
}

func TestContributeAccumulates(t *testing.T) {
	f := newPoolFixture(t)
	ctx := context.Background()
	f.createPool(t, 100, 200)
	f.fund(t, alice, 1000)

	pool, contrib, err := f.svc.Contribute(ctx, alice, testSignal, 50)
	if err != nil {
		t.Fatalf("first contribution: %v", err)
	}
	if contrib.Amount != 50 || pool.TotalContributed != 50 {
		t.Errorf("after first: contrib=%d pool=%d, want 50/50", contrib.Amount, pool.TotalContributed)
	}

	pool, contrib, err = f.svc.Contribute(ctx, alice, testSignal, 30)
	if err != nil {
		t.Fatalf("second contribution: %v", err)
	}
	if contrib.Amount != 80 {
		t.Errorf("cumulative contribution = %d, want 80", contrib.Amount)
	}
	if pool.TotalContributed != 80 {
		t.Errorf("pool total = %d, want 80", pool.TotalContributed)
	}

	if got := f.custody.balance(domain.VaultID(testSignal)); got != 80 {
		t.Errorf("vault balance = %d, want 80", got)
	}
	if got := f.custody.balance(domain.FundingAccountID(alice, testAsset)); got != 920 {
		t.Errorf("funding balance = %d, want 920", got)
	}
}

func TestContributionSumMatchesPoolTotal(t *testing.T) {
	f := newPoolFixture(t)
	ctx := context.Background()
	f.createPool(t, 100, 200)
	f.fund(t, alice, 500)
	f.fund(t, bob, 500)

	amounts := []struct {
		user   common.Address
		amount uint64
	}{
		{alice, 120}, {bob, 45}, {alice, 7}, {bob, 300}, {alice, 1},
	}
	for _, a := range amounts {
		if _, _, err := f.svc.Contribute(ctx, a.user, testSignal, a.amount); err != nil {
			t.Fatalf("contribute %d from %s: %v", a.amount, a.user.Hex(), err)
		}
	}

	pool, err := f.svc.GetPool(ctx, testSignal)
	if err != nil {
		t.Fatalf("get pool: %v", err)
	}
	sum, err := f.svc.contribs.SumByPool(ctx, testSignal)
	if err != nil {
		t.Fatalf("sum contributions: %v", err)
	}
	if sum != pool.TotalContributed {
		t.Errorf("contribution sum %d != pool total %d", sum, pool.TotalContributed)
	}
	if got := f.custody.balance(domain.VaultID(testSignal)); got != pool.TotalContributed {
		t.Errorf("vault balance %d != pool total %d", got, pool.TotalContributed)
	}
}

func TestContributeRejections(t *testing.T) {
	f := newPoolFixture(t)
	ctx := context.Background()
	f.createPool(t, 100, 200)
	f.fund(t, alice, 10)

	t.Run("zero amount", func(t *testing.T) {
		_, _, err := f.svc.Contribute(ctx, alice, testSignal, 0)
		if !errors.Is(err, domain.ErrInvalidAmount) {
			t.Errorf("error = %v, want ErrInvalidAmount", err)
		}
	})

	t.Run("insufficient funds", func(t *testing.T) {
		_, _, err := f.svc.Contribute(ctx, alice, testSignal, 11)
		if !errors.Is(err, domain.ErrInsufficientFunds) {
			t.Errorf("error = %v, want ErrInsufficientFunds", err)
		}
		// Nothing moved.
		if got := f.custody.balance(domain.FundingAccountID(alice, testAsset)); got != 10 {
			t.Errorf("funding balance = %d, want 10", got)
		}
	})

	t.Run("unknown pool", func(t *testing.T) {
		other := common.HexToHash("0xffffffffffffffffffffffffffffffffffffffffffffffffffffffffffffffff")
		_, _, err := f.svc.Contribute(ctx, alice, other, 1)
		if !errors.Is(err, domain.ErrNotFound) {
			t.Errorf("error = %v, want ErrNotFound", err)
		}
	})
}

func TestContributeOverflowLeavesStateUnchanged(t *testing.T) {
	f := newPoolFixture(t)
	ctx := context.Background()
	f.createPool(t, 100, 200)
	f.fund(t, alice, math.MaxUint64)
	f.fund(t, bob, math.MaxUint64)

	if _, _, err := f.svc.Contribute(ctx, alice, testSignal, math.MaxUint64); err != nil {
		t.Fatalf("saturating contribution: %v", err)
	}

	_, _, err := f.svc.Contribute(ctx, bob, testSignal, 1)
	if !errors.Is(err, domain.ErrOverflow) {
		t.Fatalf("error = %v, want ErrOverflow", err)
	}

	pool, err := f.svc.GetPool(ctx, testSignal)
	if err != nil {
		t.Fatalf("get pool: %v", err)
	}
	if pool.TotalContributed != math.MaxUint64 {
		t.Errorf("pool total = %d, want MaxUint64 untouched", pool.TotalContributed)
	}
	if got := f.custody.balance(domain.FundingAccountID(bob, testAsset)); got != math.MaxUint64 {
		t.Errorf("bob funding balance = %d, want untouched", got)
	}
	if _, err := f.svc.GetContribution(ctx, testSignal, bob); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("bob contribution error = %v, want ErrNotFound", err)
	}
}

func TestVerifyAndCloseGates(t *testing.T) {
	f := newPoolFixture(t)
	ctx := context.Background()
	f.createPool(t, 100, 200)

	// Before the window elapses, even the authority cannot close.
	f.clock.setUnix(150)
	_, err := f.svc.VerifyAndClose(ctx, testAuthority, testSignal, domain.OutcomeWin)
	if !errors.Is(err, domain.ErrPoolStillActive) {
		t.Fatalf("early close error = %v, want ErrPoolStillActive", err)
	}

	f.clock.setUnix(250)

	t.Run("non-authority", func(t *testing.T) {
		_, err := f.svc.VerifyAndClose(ctx, alice, testSignal, domain.OutcomeWin)
		if !errors.Is(err, domain.ErrUnauthorized) {
			t.Errorf("error = %v, want ErrUnauthorized", err)
		}
	})

	t.Run("invalid outcome", func(t *testing.T) {
		_, err := f.svc.VerifyAndClose(ctx, testAuthority, testSignal, domain.OutcomePending)
		if !errors.Is(err, domain.ErrInvalidOutcome) {
			t.Errorf("pending outcome error = %v, want ErrInvalidOutcome", err)
		}
	})

	closed, err := f.svc.VerifyAndClose(ctx, testAuthority, testSignal, domain.OutcomeWin)
	if err != nil {
		t.Fatalf("close at t=250: %v", err)
	}
	if closed.Status != domain.PoolStatusClosed {
		t.Errorf("status = %q, want closed", closed.Status)
	}
	if closed.Outcome == nil || *closed.Outcome != domain.OutcomeWin {
		t.Errorf("outcome = %v, want win", closed.Outcome)
	}

	if got := f.bus.publishedCount(domain.ChannelPools); got != 1 {
		t.Errorf("published pool events = %d, want 1", got)
	}
}

func TestCloseIsSingleShot(t *testing.T) {
	f := newPoolFixture(t)
	ctx := context.Background()
	f.createPool(t, 100, 200)
	f.clock.setUnix(250)

	if _, err := f.svc.VerifyAndClose(ctx, testAuthority, testSignal, domain.OutcomeLoss); err != nil {
		t.Fatalf("first close: %v", err)
	}

	_, err := f.svc.VerifyAndClose(ctx, testAuthority, testSignal, domain.OutcomeWin)
	if !errors.Is(err, domain.ErrPoolClosed) {
		t.Fatalf("second close error = %v, want ErrPoolClosed", err)
	}

	pool, err := f.svc.GetPool(ctx, testSignal)
	if err != nil {
		t.Fatalf("get pool: %v", err)
	}
	if pool.Outcome == nil || *pool.Outcome != domain.OutcomeLoss {
		t.Errorf("outcome = %v, first close result must stand", pool.Outcome)
	}
}

func TestContributeAfterCloseRejected(t *testing.T) {
	f := newPoolFixture(t)
	ctx := context.Background()
	f.createPool(t, 100, 200)
	f.fund(t, alice, 100)
	f.clock.setUnix(250)

	if _, err := f.svc.VerifyAndClose(ctx, testAuthority, testSignal, domain.OutcomeNeutral); err != nil {
		t.Fatalf("close: %v", err)
	}

	_, _, err := f.svc.Contribute(ctx, alice, testSignal, 10)
	if !errors.Is(err, domain.ErrPoolClosed) {
		t.Errorf("contribute after close error = %v, want ErrPoolClosed", err)
	}
	if got := f.custody.balance(domain.VaultID(testSignal)); got != 0 {
		t.Errorf("vault balance = %d, want 0", got)
	}
}

func TestVaultKeepsCustodyAfterClose(t *testing.T) {
	f := newPoolFixture(t)
	ctx := context.Background()
	f.createPool(t, 100, 200)
	f.fund(t, alice, 100)

	if _, _, err := f.svc.Contribute(ctx, alice, testSignal, 75); err != nil {
		t.Fatalf("contribute: %v", err)
	}
	f.clock.setUnix(250)
	if _, err := f.svc.VerifyAndClose(ctx, testAuthority, testSignal, domain.OutcomeWin); err != nil {
		t.Fatalf("close: %v", err)
	}

	vault, err := f.svc.Vault(ctx, testSignal)
	if err != nil {
		t.Fatalf("vault: %v", err)
	}
	if vault.Balance != 75 {
		t.Errorf("vault balance after close = %d, want 75", vault.Balance)
	}
}
