package snapshot

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/quantfield/signalledger/internal/domain"
)

// listPoolStore serves a fixed pool slice; the mutation methods are never
// reached by the job.
type listPoolStore struct {
	pools []domain.Pool
}

func (s *listPoolStore) List(_ context.Context, opts domain.ListOpts) ([]domain.Pool, error) {
	if opts.Offset >= len(s.pools) {
		return nil, nil
	}
	page := s.pools[opts.Offset:]
	if opts.Limit > 0 && opts.Limit < len(page) {
		page = page[:opts.Limit]
	}
	return page, nil
}

func (s *listPoolStore) Create(context.Context, domain.Pool) error { return nil }
func (s *listPoolStore) Get(context.Context, common.Hash) (domain.Pool, error) {
	return domain.Pool{}, domain.ErrNotFound
}
func (s *listPoolStore) Count(context.Context) (int64, error) { return int64(len(s.pools)), nil }
func (s *listPoolStore) Contribute(context.Context, common.Hash, common.Address, uint64) (domain.Pool, domain.Contribution, error) {
	return domain.Pool{}, domain.Contribution{}, domain.ErrNotFound
}
func (s *listPoolStore) Close(context.Context, common.Hash, domain.Outcome) (domain.Pool, error) {
	return domain.Pool{}, domain.ErrNotFound
}

type listPredictionStore struct {
	recs []domain.PredictionRecord
}

func (s *listPredictionStore) List(_ context.Context, opts domain.ListOpts) ([]domain.PredictionRecord, error) {
	if opts.Offset >= len(s.recs) {
		return nil, nil
	}
	page := s.recs[opts.Offset:]
	if opts.Limit > 0 && opts.Limit < len(page) {
		page = page[:opts.Limit]
	}
	return page, nil
}

func (s *listPredictionStore) Create(context.Context, domain.PredictionRecord) error { return nil }
func (s *listPredictionStore) Get(context.Context, uint64) (domain.PredictionRecord, error) {
	return domain.PredictionRecord{}, domain.ErrNotFound
}
func (s *listPredictionStore) Count(context.Context) (int64, error) { return int64(len(s.recs)), nil }
func (s *listPredictionStore) UpdateStats(context.Context, uint64, uint64, uint64) (domain.PredictionRecord, error) {
	return domain.PredictionRecord{}, domain.ErrNotFound
}
func (s *listPredictionStore) Resolve(context.Context, uint64, domain.Outcome, uint16, int64) (domain.PredictionRecord, error) {
	return domain.PredictionRecord{}, domain.ErrNotFound
}

// memBlobWriter captures uploads.
type memBlobWriter struct {
	puts map[string][]byte
}

func (w *memBlobWriter) Put(_ context.Context, path string, data io.Reader, _ string) error {
	b, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	if w.puts == nil {
		w.puts = make(map[string][]byte)
	}
	w.puts[path] = b
	return nil
}

type fakeLocks struct {
	held     bool
	acquired int
	released int
}

func (l *fakeLocks) Acquire(context.Context, string, time.Duration) (func(), error) {
	if l.held {
		return nil, domain.ErrLockHeld
	}
	l.acquired++
	return func() { l.released++ }, nil
}

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

func testJob(pools []domain.Pool, recs []domain.PredictionRecord, writer *memBlobWriter, locks *fakeLocks) *Job {
	return NewJob(
		&listPoolStore{pools: pools},
		&listPredictionStore{recs: recs},
		writer,
		locks,
		fixedClock{now: time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)},
		slog.New(slog.DiscardHandler),
	)
}

func TestRunUploadsOnlySettledState(t *testing.T) {
	win := domain.OutcomeWin
	pools := []domain.Pool{
		{SignalID: common.HexToHash("0x01"), Status: domain.PoolStatusOpen},
		{SignalID: common.HexToHash("0x02"), Status: domain.PoolStatusClosed, Outcome: &win, TotalContributed: 80},
	}
	recs := []domain.PredictionRecord{
		{PredictionID: 1, Outcome: domain.OutcomePending},
		{PredictionID: 2, Outcome: domain.OutcomeLoss, PayoutRatioBps: 0},
		{PredictionID: 3, Outcome: domain.OutcomeWin, PayoutRatioBps: 8500},
	}

	writer := &memBlobWriter{}
	locks := &fakeLocks{}
	if err := testJob(pools, recs, writer, locks).Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}

	if len(writer.puts) != 1 {
		t.Fatalf("uploads = %d, want 1", len(writer.puts))
	}
	for key, data := range writer.puts {
		if !strings.HasPrefix(key, "snapshots/2026/03/14/") || !strings.HasSuffix(key, ".json") {
			t.Errorf("key = %q, want date-partitioned json path", key)
		}
		var doc Document
		if err := json.Unmarshal(data, &doc); err != nil {
			t.Fatalf("decode document: %v", err)
		}
		if len(doc.ClosedPools) != 1 || doc.ClosedPools[0].TotalContributed != 80 {
			t.Errorf("closed pools = %+v, want only the settled pool", doc.ClosedPools)
		}
		if len(doc.ResolvedPredictions) != 2 {
			t.Errorf("resolved predictions = %d, want 2 (pending excluded)", len(doc.ResolvedPredictions))
		}
	}
	if locks.released != 1 {
		t.Errorf("lock released %d times, want 1", locks.released)
	}
}

func TestRunSkipsWhenNothingSettled(t *testing.T) {
	pools := []domain.Pool{{SignalID: common.HexToHash("0x01"), Status: domain.PoolStatusOpen}}
	recs := []domain.PredictionRecord{{PredictionID: 1, Outcome: domain.OutcomePending}}

	writer := &memBlobWriter{}
	if err := testJob(pools, recs, writer, &fakeLocks{}).Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(writer.puts) != 0 {
		t.Errorf("uploads = %d, want 0", len(writer.puts))
	}
}

func TestRunSkipsWhenLockHeld(t *testing.T) {
	win := domain.OutcomeWin
	pools := []domain.Pool{{SignalID: common.HexToHash("0x01"), Status: domain.PoolStatusClosed, Outcome: &win}}

	writer := &memBlobWriter{}
	locks := &fakeLocks{held: true}
	if err := testJob(pools, nil, writer, locks).Run(context.Background()); err != nil {
		t.Fatalf("run with held lock must not error: %v", err)
	}
	if len(writer.puts) != 0 {
		t.Errorf("uploads = %d, want 0 when another instance holds the lock", len(writer.puts))
	}
}
