// Package snapshot periodically exports settled ledger state (closed pools
// and resolved predictions) to object storage as JSON documents.
package snapshot

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/quantfield/signalledger/internal/domain"
)

// lockKey guards against concurrent snapshot runs across instances.
const lockKey = "snapshot"

// pageSize is the store pagination size for a snapshot sweep.
const pageSize = 500

// BlobWriter is the object-store surface the job needs.
type BlobWriter interface {
	Put(ctx context.Context, path string, data io.Reader, contentType string) error
}

// Document is the JSON layout of one uploaded snapshot.
type Document struct {
	TakenAt             time.Time                 `json:"taken_at"`
	ClosedPools         []domain.Pool             `json:"closed_pools"`
	ResolvedPredictions []domain.PredictionRecord `json:"resolved_predictions"`
}

// Job sweeps the stores and uploads a snapshot document. A distributed lock
// keeps multiple instances from uploading duplicates.
type Job struct {
	pools       domain.PoolStore
	predictions domain.PredictionStore
	writer      BlobWriter
	locks       domain.LockManager
	clock       domain.Clock
	logger      *slog.Logger
}

// NewJob creates a snapshot Job.
func NewJob(
	pools domain.PoolStore,
	predictions domain.PredictionStore,
	writer BlobWriter,
	locks domain.LockManager,
	clock domain.Clock,
	logger *slog.Logger,
) *Job {
	return &Job{
		pools:       pools,
		predictions: predictions,
		writer:      writer,
		locks:       locks,
		clock:       clock,
		logger:      logger.With(slog.String("component", "snapshot")),
	}
}

// Run executes a single snapshot sweep. If another instance holds the lock
// the run is skipped without error.
func (j *Job) Run(ctx context.Context) error {
	unlock, err := j.locks.Acquire(ctx, lockKey, 5*time.Minute)
	if err != nil {
		if errors.Is(err, domain.ErrLockHeld) {
			j.logger.Info("snapshot already running elsewhere, skipping")
			return nil
		}
		return fmt.Errorf("snapshot: acquire lock: %w", err)
	}
	defer unlock()

	now := j.clock.Now()

	closed, err := j.collectClosedPools(ctx)
	if err != nil {
		return err
	}
	resolved, err := j.collectResolvedPredictions(ctx)
	if err != nil {
		return err
	}

	if len(closed) == 0 && len(resolved) == 0 {
		j.logger.Info("nothing settled yet, skipping upload")
		return nil
	}

	doc := Document{
		TakenAt:             now,
		ClosedPools:         closed,
		ResolvedPredictions: resolved,
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("snapshot: marshal document: %w", err)
	}

	key := fmt.Sprintf("snapshots/%s/%s.json", now.UTC().Format("2006/01/02"), uuid.New())
	if err := j.writer.Put(ctx, key, bytes.NewReader(data), "application/json"); err != nil {
		return fmt.Errorf("snapshot: upload %s: %w", key, err)
	}

	j.logger.Info("snapshot uploaded",
		slog.String("key", key),
		slog.Int("closed_pools", len(closed)),
		slog.Int("resolved_predictions", len(resolved)),
	)
	return nil
}

// RunLoop runs the job at a fixed interval until the context is cancelled.
func (j *Job) RunLoop(ctx context.Context, interval time.Duration) error {
	j.logger.Info("snapshot loop started", slog.Duration("interval", interval))

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			j.logger.Info("snapshot loop stopped")
			return ctx.Err()
		case <-ticker.C:
			if err := j.Run(ctx); err != nil {
				j.logger.Error("snapshot run failed", slog.String("error", err.Error()))
			}
		}
	}
}

func (j *Job) collectClosedPools(ctx context.Context) ([]domain.Pool, error) {
	var out []domain.Pool
	for offset := 0; ; offset += pageSize {
		page, err := j.pools.List(ctx, domain.ListOpts{Limit: pageSize, Offset: offset})
		if err != nil {
			return nil, fmt.Errorf("snapshot: list pools: %w", err)
		}
		for _, p := range page {
			if p.Status == domain.PoolStatusClosed {
				out = append(out, p)
			}
		}
		if len(page) < pageSize {
			return out, nil
		}
	}
}

func (j *Job) collectResolvedPredictions(ctx context.Context) ([]domain.PredictionRecord, error) {
	var out []domain.PredictionRecord
	for offset := 0; ; offset += pageSize {
		page, err := j.predictions.List(ctx, domain.ListOpts{Limit: pageSize, Offset: offset})
		if err != nil {
			return nil, fmt.Errorf("snapshot: list predictions: %w", err)
		}
		for _, r := range page {
			if r.Outcome != domain.OutcomePending {
				out = append(out, r)
			}
		}
		if len(page) < pageSize {
			return out, nil
		}
	}
}
