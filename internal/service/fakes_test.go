package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/quantfield/signalledger/internal/domain"
)

// fixedClock returns a settable instant so the window-gated paths can be
// exercised deterministically.
type fixedClock struct {
	now time.Time
}

func (c *fixedClock) Now() time.Time { return c.now }

func (c *fixedClock) setUnix(ts int64) { c.now = time.Unix(ts, 0).UTC() }

// recordingBus captures published payloads per channel and stream.
type recordingBus struct {
	mu        sync.Mutex
	published map[string][][]byte
	streamed  map[string][][]byte
}

func newRecordingBus() *recordingBus {
	return &recordingBus{
		published: make(map[string][][]byte),
		streamed:  make(map[string][][]byte),
	}
}

func (b *recordingBus) Publish(_ context.Context, channel string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published[channel] = append(b.published[channel], payload)
	return nil
}

func (b *recordingBus) Subscribe(context.Context, string) (<-chan []byte, error) {
	ch := make(chan []byte)
	close(ch)
	return ch, nil
}

func (b *recordingBus) StreamAppend(_ context.Context, stream string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.streamed[stream] = append(b.streamed[stream], payload)
	return nil
}

func (b *recordingBus) publishedCount(channel string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.published[channel])
}

// memRegistryStore holds the singleton registry in memory.
type memRegistryStore struct {
	mu  sync.Mutex
	reg *domain.Registry
}

func (s *memRegistryStore) Create(_ context.Context, reg domain.Registry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.reg != nil {
		return domain.ErrAlreadyExists
	}
	now := time.Now().UTC()
	reg.CreatedAt = now
	reg.UpdatedAt = now
	s.reg = &reg
	return nil
}

func (s *memRegistryStore) Get(context.Context) (domain.Registry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.reg == nil {
		return domain.Registry{}, domain.ErrNotFound
	}
	return *s.reg, nil
}

func (s *memRegistryStore) UpdateAuthority(_ context.Context, authority common.Address) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.reg == nil {
		return domain.ErrNotFound
	}
	s.reg.Authority = authority
	s.reg.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *memRegistryStore) UpdateConfig(_ context.Context, feeBps uint16, oracle common.Address, prevVersion, newVersion uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.reg == nil {
		return domain.ErrNotFound
	}
	if s.reg.ConfigVersion != prevVersion {
		return domain.ErrRegistryMismatch
	}
	s.reg.FeeBps = feeBps
	s.reg.Oracle = oracle
	s.reg.ConfigVersion = newVersion
	s.reg.UpdatedAt = time.Now().UTC()
	return nil
}

// memCustody is an in-memory token custody bank.
type memCustody struct {
	mu       sync.Mutex
	accounts map[string]*domain.CustodyAccount
}

func newMemCustody() *memCustody {
	return &memCustody{accounts: make(map[string]*domain.CustodyAccount)}
}

func (c *memCustody) OpenAccount(_ context.Context, id, owner string, asset common.Address) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.accounts[id]; ok {
		if existing.Owner != owner || existing.Asset != asset {
			return domain.ErrAlreadyExists
		}
		return nil
	}
	c.accounts[id] = &domain.CustodyAccount{ID: id, Owner: owner, Asset: asset}
	return nil
}

func (c *memCustody) Account(_ context.Context, id string) (domain.CustodyAccount, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	acct, ok := c.accounts[id]
	if !ok {
		return domain.CustodyAccount{}, domain.ErrNotFound
	}
	return *acct, nil
}

func (c *memCustody) Credit(_ context.Context, id string, amount uint64) (domain.CustodyAccount, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	acct, ok := c.accounts[id]
	if !ok {
		return domain.CustodyAccount{}, domain.ErrNotFound
	}
	balance, err := domain.CheckedAdd(acct.Balance, amount)
	if err != nil {
		return domain.CustodyAccount{}, err
	}
	acct.Balance = balance
	return *acct, nil
}

func (c *memCustody) Transfer(_ context.Context, from, to string, authority common.Address, asset common.Address, amount uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if amount == 0 || from == to {
		return domain.ErrInvalidAmount
	}
	src, ok := c.accounts[from]
	if !ok {
		return domain.ErrNotFound
	}
	dst, ok := c.accounts[to]
	if !ok {
		return domain.ErrNotFound
	}
	if src.Asset != asset || dst.Asset != asset {
		return domain.ErrAssetMismatch
	}
	if src.Owner != authority.Hex() {
		return domain.ErrUnauthorized
	}
	if src.Balance < amount {
		return domain.ErrInsufficientFunds
	}
	newDst, err := domain.CheckedAdd(dst.Balance, amount)
	if err != nil {
		return err
	}
	src.Balance -= amount
	dst.Balance = newDst
	return nil
}

func (c *memCustody) balance(id string) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if acct, ok := c.accounts[id]; ok {
		return acct.Balance
	}
	return 0
}

// memLedger backs PoolStore and ContributionStore with the same state so
// Contribute can apply the escrow movement and the bookkeeping together,
// mirroring the transactional store.
type memLedger struct {
	mu       sync.Mutex
	pools    map[common.Hash]*domain.Pool
	contribs map[common.Hash]map[common.Address]*domain.Contribution
	order    []common.Hash
	custody  *memCustody
}

func newMemLedger(custody *memCustody) *memLedger {
	return &memLedger{
		pools:    make(map[common.Hash]*domain.Pool),
		contribs: make(map[common.Hash]map[common.Address]*domain.Contribution),
		custody:  custody,
	}
}

// Create inserts the pool and provisions its vault under one lock, so a
// failed creation leaves neither behind.
func (l *memLedger) Create(_ context.Context, pool domain.Pool) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.pools[pool.SignalID]; ok {
		return domain.ErrAlreadyExists
	}

	vaultID := pool.VaultID()
	owner := domain.VaultOwner(pool.SignalID)
	if existing, ok := l.custody.accounts[vaultID]; ok {
		if existing.Owner != owner {
			return fmt.Errorf("provision vault %s: %w", vaultID, domain.ErrVaultOwnerMismatch)
		}
		if existing.Asset != pool.Asset {
			return fmt.Errorf("provision vault %s: %w", vaultID, domain.ErrAssetMismatch)
		}
	} else {
		l.custody.accounts[vaultID] = &domain.CustodyAccount{ID: vaultID, Owner: owner, Asset: pool.Asset}
	}

	now := time.Now().UTC()
	pool.CreatedAt = now
	pool.UpdatedAt = now
	l.pools[pool.SignalID] = &pool
	l.order = append(l.order, pool.SignalID)
	return nil
}

func (l *memLedger) Get(_ context.Context, signal common.Hash) (domain.Pool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	pool, ok := l.pools[signal]
	if !ok {
		return domain.Pool{}, domain.ErrNotFound
	}
	return *pool, nil
}

func (l *memLedger) List(_ context.Context, opts domain.ListOpts) ([]domain.Pool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []domain.Pool
	for _, sig := range l.order {
		out = append(out, *l.pools[sig])
	}
	return paginate(out, opts), nil
}

func (l *memLedger) Count(context.Context) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return int64(len(l.pools)), nil
}

func (l *memLedger) Contribute(_ context.Context, signal common.Hash, user common.Address, amount uint64) (domain.Pool, domain.Contribution, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	pool, ok := l.pools[signal]
	if !ok {
		return domain.Pool{}, domain.Contribution{}, domain.ErrNotFound
	}
	if pool.Status != domain.PoolStatusOpen {
		return domain.Pool{}, domain.Contribution{}, domain.ErrPoolClosed
	}

	funding, ok := l.custody.accounts[domain.FundingAccountID(user, pool.Asset)]
	if !ok || funding.Balance < amount {
		return domain.Pool{}, domain.Contribution{}, domain.ErrInsufficientFunds
	}
	vault, ok := l.custody.accounts[pool.VaultID()]
	if !ok {
		return domain.Pool{}, domain.Contribution{}, domain.ErrNotFound
	}
	if vault.Owner != domain.VaultOwner(signal) {
		return domain.Pool{}, domain.Contribution{}, domain.ErrVaultOwnerMismatch
	}
	if vault.Asset != pool.Asset {
		return domain.Pool{}, domain.Contribution{}, domain.ErrAssetMismatch
	}

	users := l.contribs[signal]
	if users == nil {
		users = make(map[common.Address]*domain.Contribution)
		l.contribs[signal] = users
	}
	var prior uint64
	if c, ok := users[user]; ok {
		prior = c.Amount
	}

	// Both checked additions must pass before any state changes.
	newUserTotal, err := domain.CheckedAdd(prior, amount)
	if err != nil {
		return domain.Pool{}, domain.Contribution{}, fmt.Errorf("contribution amount: %w", err)
	}
	newPoolTotal, err := domain.CheckedAdd(pool.TotalContributed, amount)
	if err != nil {
		return domain.Pool{}, domain.Contribution{}, fmt.Errorf("pool total: %w", err)
	}
	newVault, err := domain.CheckedAdd(vault.Balance, amount)
	if err != nil {
		return domain.Pool{}, domain.Contribution{}, fmt.Errorf("vault balance: %w", err)
	}

	now := time.Now().UTC()
	funding.Balance -= amount
	vault.Balance = newVault
	pool.TotalContributed = newPoolTotal
	pool.UpdatedAt = now

	c, ok := users[user]
	if !ok {
		c = &domain.Contribution{SignalID: signal, User: user, CreatedAt: now}
		users[user] = c
	}
	c.Amount = newUserTotal
	c.UpdatedAt = now

	return *pool, *c, nil
}

func (l *memLedger) Close(_ context.Context, signal common.Hash, outcome domain.Outcome) (domain.Pool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	pool, ok := l.pools[signal]
	if !ok {
		return domain.Pool{}, domain.ErrNotFound
	}
	if pool.Status != domain.PoolStatusOpen {
		return domain.Pool{}, domain.ErrPoolClosed
	}
	pool.Status = domain.PoolStatusClosed
	pool.Outcome = &outcome
	pool.UpdatedAt = time.Now().UTC()
	return *pool, nil
}

// contribStore exposes the ledger's contribution records through the
// read-only store interface.
type contribStore struct {
	ledger *memLedger
}

func (s *contribStore) Get(_ context.Context, signal common.Hash, user common.Address) (domain.Contribution, error) {
	s.ledger.mu.Lock()
	defer s.ledger.mu.Unlock()
	c, ok := s.ledger.contribs[signal][user]
	if !ok {
		return domain.Contribution{}, domain.ErrNotFound
	}
	return *c, nil
}

func (s *contribStore) ListByPool(_ context.Context, signal common.Hash, opts domain.ListOpts) ([]domain.Contribution, error) {
	s.ledger.mu.Lock()
	defer s.ledger.mu.Unlock()
	var out []domain.Contribution
	for _, c := range s.ledger.contribs[signal] {
		out = append(out, *c)
	}
	return paginate(out, opts), nil
}

func (s *contribStore) SumByPool(_ context.Context, signal common.Hash) (uint64, error) {
	s.ledger.mu.Lock()
	defer s.ledger.mu.Unlock()
	var sum uint64
	for _, c := range s.ledger.contribs[signal] {
		var err error
		if sum, err = domain.CheckedAdd(sum, c.Amount); err != nil {
			return 0, err
		}
	}
	return sum, nil
}

// memArchive backs ArchiveStore and PredictionStore with shared state so
// Create can bump the archive counter with the record insert, mirroring
// the transactional store.
type memArchive struct {
	mu      sync.Mutex
	archive *domain.Archive
	records map[uint64]*domain.PredictionRecord
	order   []uint64
}

func newMemArchive() *memArchive {
	return &memArchive{records: make(map[uint64]*domain.PredictionRecord)}
}

func (a *memArchive) Create(_ context.Context, archive domain.Archive) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.archive != nil {
		return domain.ErrAlreadyExists
	}
	now := time.Now().UTC()
	archive.TotalPredictions = 0
	archive.CreatedAt = now
	archive.UpdatedAt = now
	a.archive = &archive
	return nil
}

func (a *memArchive) Get(context.Context) (domain.Archive, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.archive == nil {
		return domain.Archive{}, domain.ErrNotFound
	}
	return *a.archive, nil
}

func (a *memArchive) UpdateAuthority(_ context.Context, authority common.Address) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.archive == nil {
		return domain.ErrNotFound
	}
	a.archive.Authority = authority
	a.archive.UpdatedAt = time.Now().UTC()
	return nil
}

// predictionStore exposes the archive's record side.
type predictionStore struct {
	archive *memArchive
}

func (s *predictionStore) Create(_ context.Context, rec domain.PredictionRecord) error {
	a := s.archive
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.archive == nil {
		return domain.ErrNotFound
	}
	if _, ok := a.records[rec.PredictionID]; ok {
		return domain.ErrAlreadyExists
	}
	total, err := domain.CheckedAdd(a.archive.TotalPredictions, 1)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	rec.CreatedAt = now
	rec.UpdatedAt = now
	a.records[rec.PredictionID] = &rec
	a.order = append(a.order, rec.PredictionID)
	a.archive.TotalPredictions = total
	a.archive.UpdatedAt = now
	return nil
}

func (s *predictionStore) Get(_ context.Context, predictionID uint64) (domain.PredictionRecord, error) {
	a := s.archive
	a.mu.Lock()
	defer a.mu.Unlock()
	rec, ok := a.records[predictionID]
	if !ok {
		return domain.PredictionRecord{}, domain.ErrNotFound
	}
	return *rec, nil
}

func (s *predictionStore) List(_ context.Context, opts domain.ListOpts) ([]domain.PredictionRecord, error) {
	a := s.archive
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []domain.PredictionRecord
	for _, id := range a.order {
		out = append(out, *a.records[id])
	}
	return paginate(out, opts), nil
}

func (s *predictionStore) Count(context.Context) (int64, error) {
	a := s.archive
	a.mu.Lock()
	defer a.mu.Unlock()
	return int64(len(a.records)), nil
}

func (s *predictionStore) UpdateStats(_ context.Context, predictionID, totalPoolTokens, followers uint64) (domain.PredictionRecord, error) {
	a := s.archive
	a.mu.Lock()
	defer a.mu.Unlock()
	rec, ok := a.records[predictionID]
	if !ok {
		return domain.PredictionRecord{}, domain.ErrNotFound
	}
	rec.TotalPoolTokens = totalPoolTokens
	rec.Followers = followers
	rec.UpdatedAt = time.Now().UTC()
	return *rec, nil
}

func (s *predictionStore) Resolve(_ context.Context, predictionID uint64, outcome domain.Outcome, payoutBps uint16, maturityTs int64) (domain.PredictionRecord, error) {
	a := s.archive
	a.mu.Lock()
	defer a.mu.Unlock()
	rec, ok := a.records[predictionID]
	if !ok {
		return domain.PredictionRecord{}, domain.ErrNotFound
	}
	if rec.Outcome != domain.OutcomePending {
		return domain.PredictionRecord{}, domain.ErrAlreadyResolved
	}
	rec.Outcome = outcome
	rec.PayoutRatioBps = payoutBps
	rec.MaturityTs = maturityTs
	rec.UpdatedAt = time.Now().UTC()
	return *rec, nil
}

func paginate[T any](items []T, opts domain.ListOpts) []T {
	if opts.Offset > 0 {
		if opts.Offset >= len(items) {
			return nil
		}
		items = items[opts.Offset:]
	}
	if opts.Limit > 0 && opts.Limit < len(items) {
		items = items[:opts.Limit]
	}
	return items
}

var (
	_ domain.RegistryStore     = (*memRegistryStore)(nil)
	_ domain.PoolStore         = (*memLedger)(nil)
	_ domain.ContributionStore = (*contribStore)(nil)
	_ domain.ArchiveStore      = (*memArchive)(nil)
	_ domain.PredictionStore   = (*predictionStore)(nil)
	_ domain.TokenCustody      = (*memCustody)(nil)
	_ domain.SignalBus         = (*recordingBus)(nil)
)
