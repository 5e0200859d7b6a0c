package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ethereum/go-ethereum/common"

	"github.com/quantfield/signalledger/internal/domain"
	"github.com/quantfield/signalledger/internal/notify"
)

// LogPredictionParams carries the caller-supplied fields of a new
// prediction record.
type LogPredictionParams struct {
	PredictionID    uint64
	ModelVersion    string
	Signal          string
	Confidence      uint16
	VolatilityTier  string
	TotalPoolTokens uint64
	Followers       uint64
	ContentHash     string
}

// ArchiveService owns the append-only prediction archive: one-time
// initialization, authority-gated logging, stat corrections, and the
// single-shot resolution transition.
type ArchiveService struct {
	archives    domain.ArchiveStore
	predictions domain.PredictionStore
	clock       domain.Clock
	bus         domain.SignalBus
	notifier    *notify.Notifier // optional
	logger      *slog.Logger
}

// NewArchiveService creates an ArchiveService. bus and notifier may be nil.
func NewArchiveService(
	archives domain.ArchiveStore,
	predictions domain.PredictionStore,
	clock domain.Clock,
	bus domain.SignalBus,
	notifier *notify.Notifier,
	logger *slog.Logger,
) *ArchiveService {
	return &ArchiveService{
		archives:    archives,
		predictions: predictions,
		clock:       clock,
		bus:         bus,
		notifier:    notifier,
		logger:      logger.With(slog.String("component", "archive_service")),
	}
}

// Initialize creates the archive exactly once with a zero counter.
func (s *ArchiveService) Initialize(ctx context.Context, authority common.Address) (domain.Archive, error) {
	archive := domain.Archive{Authority: authority}
	if err := s.archives.Create(ctx, archive); err != nil {
		return domain.Archive{}, fmt.Errorf("archive_service: initialize: %w", err)
	}

	s.logger.InfoContext(ctx, "archive initialized",
		slog.String("authority", authority.Hex()),
	)
	return s.archives.Get(ctx)
}

// Get returns the archive header.
func (s *ArchiveService) Get(ctx context.Context) (domain.Archive, error) {
	archive, err := s.archives.Get(ctx)
	if err != nil {
		return domain.Archive{}, fmt.Errorf("archive_service: get: %w", err)
	}
	return archive, nil
}

// LogPrediction appends a record under a caller-chosen id. Duplicate ids
// fail, oversized fields are rejected rather than truncated, and the
// archive counter advances by exactly one with checked addition.
func (s *ArchiveService) LogPrediction(ctx context.Context, caller common.Address, p LogPredictionParams) (domain.PredictionRecord, error) {
	archive, err := s.archives.Get(ctx)
	if err != nil {
		return domain.PredictionRecord{}, fmt.Errorf("archive_service: log: %w", err)
	}
	if caller != archive.Authority {
		return domain.PredictionRecord{}, fmt.Errorf("archive_service: log: %w", domain.ErrUnauthorized)
	}

	rec := domain.PredictionRecord{
		PredictionID:    p.PredictionID,
		ModelVersion:    p.ModelVersion,
		Timestamp:       s.clock.Now().Unix(),
		Signal:          p.Signal,
		Confidence:      p.Confidence,
		VolatilityTier:  p.VolatilityTier,
		TotalPoolTokens: p.TotalPoolTokens,
		Followers:       p.Followers,
		Outcome:         domain.OutcomePending,
		ContentHash:     p.ContentHash,
	}
	if err := rec.ValidateFields(); err != nil {
		return domain.PredictionRecord{}, fmt.Errorf("archive_service: log %d: %w", p.PredictionID, err)
	}

	if err := s.predictions.Create(ctx, rec); err != nil {
		return domain.PredictionRecord{}, fmt.Errorf("archive_service: log %d: %w", p.PredictionID, err)
	}

	s.emit(ctx, domain.PredictionLoggedEvent{
		Event:           "prediction_logged",
		PredictionID:    rec.PredictionID,
		ModelVersion:    rec.ModelVersion,
		Timestamp:       rec.Timestamp,
		Signal:          rec.Signal,
		Confidence:      rec.Confidence,
		VolatilityTier:  rec.VolatilityTier,
		TotalPoolTokens: rec.TotalPoolTokens,
		Followers:       rec.Followers,
	})

	s.logger.InfoContext(ctx, "prediction logged",
		slog.Uint64("prediction_id", rec.PredictionID),
		slog.String("model_version", rec.ModelVersion),
		slog.Int("confidence", int(rec.Confidence)),
	)
	return s.predictions.Get(ctx, rec.PredictionID)
}

// UpdateStats overwrites the pool-token and follower counters of a record.
// There is deliberately no lifecycle check here: the authority may correct
// these counters even after resolution.
func (s *ArchiveService) UpdateStats(ctx context.Context, caller common.Address, predictionID, totalPoolTokens, followers uint64) (domain.PredictionRecord, error) {
	archive, err := s.archives.Get(ctx)
	if err != nil {
		return domain.PredictionRecord{}, fmt.Errorf("archive_service: update stats: %w", err)
	}
	if caller != archive.Authority {
		return domain.PredictionRecord{}, fmt.Errorf("archive_service: update stats: %w", domain.ErrUnauthorized)
	}

	rec, err := s.predictions.UpdateStats(ctx, predictionID, totalPoolTokens, followers)
	if err != nil {
		return domain.PredictionRecord{}, fmt.Errorf("archive_service: update stats %d: %w", predictionID, err)
	}
	return rec, nil
}

// Resolve applies the terminal outcome and payout ratio to a pending
// record, stamping the maturity timestamp. A second resolve fails and
// leaves the first resolution untouched.
func (s *ArchiveService) Resolve(ctx context.Context, caller common.Address, predictionID uint64, outcome domain.Outcome, payoutBps uint16) (domain.PredictionRecord, error) {
	if !outcome.Valid() {
		return domain.PredictionRecord{}, fmt.Errorf("archive_service: resolve %d: outcome %q: %w", predictionID, outcome, domain.ErrInvalidOutcome)
	}
	if payoutBps > domain.MaxBps {
		return domain.PredictionRecord{}, fmt.Errorf("archive_service: resolve %d: payout %d bps: %w", predictionID, payoutBps, domain.ErrInvalidPayoutBps)
	}

	archive, err := s.archives.Get(ctx)
	if err != nil {
		return domain.PredictionRecord{}, fmt.Errorf("archive_service: resolve: %w", err)
	}
	if caller != archive.Authority {
		return domain.PredictionRecord{}, fmt.Errorf("archive_service: resolve: %w", domain.ErrUnauthorized)
	}

	rec, err := s.predictions.Resolve(ctx, predictionID, outcome, payoutBps, s.clock.Now().Unix())
	if err != nil {
		return domain.PredictionRecord{}, fmt.Errorf("archive_service: resolve %d: %w", predictionID, err)
	}

	s.emit(ctx, domain.PredictionResolvedEvent{
		Event:          "prediction_resolved",
		PredictionID:   rec.PredictionID,
		Outcome:        string(rec.Outcome),
		PayoutRatioBps: rec.PayoutRatioBps,
		MaturityTs:     rec.MaturityTs,
	})

	if s.notifier != nil {
		msg := fmt.Sprintf("Prediction %d resolved as %s, payout ratio %d bps.", rec.PredictionID, rec.Outcome, rec.PayoutRatioBps)
		if err := s.notifier.Notify(ctx, "prediction_resolved", "Prediction resolved", msg); err != nil {
			s.logger.WarnContext(ctx, "resolve notification failed",
				slog.String("error", err.Error()),
			)
		}
	}

	s.logger.InfoContext(ctx, "prediction resolved",
		slog.Uint64("prediction_id", rec.PredictionID),
		slog.String("outcome", string(rec.Outcome)),
		slog.Int("payout_ratio_bps", int(rec.PayoutRatioBps)),
	)
	return rec, nil
}

// SetAuthority rotates the archive authority. Unlike the registry
// rotation there is no guard against re-setting the current authority.
func (s *ArchiveService) SetAuthority(ctx context.Context, caller, newAuthority common.Address) (domain.Archive, error) {
	archive, err := s.archives.Get(ctx)
	if err != nil {
		return domain.Archive{}, fmt.Errorf("archive_service: set authority: %w", err)
	}
	if caller != archive.Authority {
		return domain.Archive{}, fmt.Errorf("archive_service: set authority: %w", domain.ErrUnauthorized)
	}

	if err := s.archives.UpdateAuthority(ctx, newAuthority); err != nil {
		return domain.Archive{}, fmt.Errorf("archive_service: set authority: %w", err)
	}

	s.logger.InfoContext(ctx, "archive authority rotated",
		slog.String("old", archive.Authority.Hex()),
		slog.String("new", newAuthority.Hex()),
	)
	return s.archives.Get(ctx)
}

// GetPrediction returns a record by id.
func (s *ArchiveService) GetPrediction(ctx context.Context, predictionID uint64) (domain.PredictionRecord, error) {
	rec, err := s.predictions.Get(ctx, predictionID)
	if err != nil {
		return domain.PredictionRecord{}, fmt.Errorf("archive_service: get prediction %d: %w", predictionID, err)
	}
	return rec, nil
}

// ListPredictions returns records with pagination.
func (s *ArchiveService) ListPredictions(ctx context.Context, opts domain.ListOpts) ([]domain.PredictionRecord, error) {
	recs, err := s.predictions.List(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("archive_service: list predictions: %w", err)
	}
	return recs, nil
}

// CountPredictions returns the number of records.
func (s *ArchiveService) CountPredictions(ctx context.Context) (int64, error) {
	n, err := s.predictions.Count(ctx)
	if err != nil {
		return 0, fmt.Errorf("archive_service: count predictions: %w", err)
	}
	return n, nil
}

func (s *ArchiveService) emit(ctx context.Context, v any) {
	if s.bus == nil {
		return
	}
	emitEvent(ctx, s.bus, s.logger, domain.ChannelPredictions, domain.StreamPredictions, v)
}
