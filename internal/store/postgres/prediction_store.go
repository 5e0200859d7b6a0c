package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/quantfield/signalledger/internal/domain"
)

// PredictionStore implements domain.PredictionStore using PostgreSQL.
// Create advances the archive counter in the same transaction as the
// record insert, so the counter equals the number of records at every
// commit point.
type PredictionStore struct {
	pool *pgxpool.Pool
}

// NewPredictionStore creates a PredictionStore backed by the given pool.
func NewPredictionStore(pool *pgxpool.Pool) *PredictionStore {
	return &PredictionStore{pool: pool}
}

const predictionCols = `prediction_id::text, model_version, ts, signal, confidence,
	volatility_tier, total_pool_tokens::text, followers::text, outcome,
	payout_ratio_bps, maturity_ts, content_hash, created_at, updated_at`

// Create inserts a record and increments archives.total_predictions with
// checked addition. Duplicate ids fail with domain.ErrAlreadyExists; the
// counter is untouched on any failure.
func (s *PredictionStore) Create(ctx context.Context, rec domain.PredictionRecord) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: create prediction: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	var total string
	err = tx.QueryRow(ctx,
		`SELECT total_predictions::text FROM archives WHERE id = 1 FOR UPDATE`,
	).Scan(&total)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ErrNotFound
		}
		return fmt.Errorf("postgres: create prediction: lock archive: %w", err)
	}
	count, err := parseU64(total)
	if err != nil {
		return err
	}
	incremented, err := domain.CheckedAdd(count, 1)
	if err != nil {
		return err
	}

	const insert = `
		INSERT INTO predictions (
			prediction_id, model_version, ts, signal, confidence,
			volatility_tier, total_pool_tokens, followers, outcome,
			payout_ratio_bps, maturity_ts, content_hash
		) VALUES (
			$1::numeric, $2, $3, $4, $5,
			$6, $7::numeric, $8::numeric, $9,
			$10, $11, $12
		)`
	if _, err := tx.Exec(ctx, insert,
		u64str(rec.PredictionID), rec.ModelVersion, rec.Timestamp, rec.Signal, int16(rec.Confidence),
		rec.VolatilityTier, u64str(rec.TotalPoolTokens), u64str(rec.Followers), string(rec.Outcome),
		int16(rec.PayoutRatioBps), rec.MaturityTs, rec.ContentHash,
	); err != nil {
		if isUniqueViolation(err) {
			return domain.ErrAlreadyExists
		}
		return fmt.Errorf("postgres: insert prediction %d: %w", rec.PredictionID, err)
	}

	if _, err := tx.Exec(ctx,
		`UPDATE archives SET total_predictions = $1::numeric, updated_at = NOW() WHERE id = 1`,
		u64str(incremented),
	); err != nil {
		return fmt.Errorf("postgres: create prediction: advance counter: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: create prediction: commit: %w", err)
	}
	return nil
}

// Get retrieves a record by prediction id.
func (s *PredictionStore) Get(ctx context.Context, predictionID uint64) (domain.PredictionRecord, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+predictionCols+` FROM predictions WHERE prediction_id = $1::numeric`,
		u64str(predictionID))
	rec, err := scanPrediction(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.PredictionRecord{}, domain.ErrNotFound
		}
		return domain.PredictionRecord{}, fmt.Errorf("postgres: get prediction %d: %w", predictionID, err)
	}
	return rec, nil
}

// List returns records ordered by log time, newest first.
func (s *PredictionStore) List(ctx context.Context, opts domain.ListOpts) ([]domain.PredictionRecord, error) {
	query := `SELECT ` + predictionCols + ` FROM predictions WHERE 1=1`
	args := []any{}
	argIdx := 1

	if opts.Since != nil {
		query += fmt.Sprintf(" AND created_at >= $%d", argIdx)
		args = append(args, *opts.Since)
		argIdx++
	}
	if opts.Until != nil {
		query += fmt.Sprintf(" AND created_at <= $%d", argIdx)
		args = append(args, *opts.Until)
		argIdx++
	}

	query += " ORDER BY created_at DESC"

	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
		argIdx++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list predictions: %w", err)
	}
	defer rows.Close()

	var recs []domain.PredictionRecord
	for rows.Next() {
		rec, err := scanPrediction(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan prediction: %w", err)
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list predictions rows: %w", err)
	}
	return recs, nil
}

// Count returns the number of records.
func (s *PredictionStore) Count(ctx context.Context) (int64, error) {
	var count int64
	if err := s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM predictions").Scan(&count); err != nil {
		return 0, fmt.Errorf("postgres: count predictions: %w", err)
	}
	return count, nil
}

// UpdateStats overwrites the mutable counters. There is deliberately no
// outcome predicate: stats may be corrected after resolution.
func (s *PredictionStore) UpdateStats(ctx context.Context, predictionID, totalPoolTokens, followers uint64) (domain.PredictionRecord, error) {
	const query = `
		UPDATE predictions
		SET total_pool_tokens = $1::numeric, followers = $2::numeric, updated_at = NOW()
		WHERE prediction_id = $3::numeric`

	tag, err := s.pool.Exec(ctx, query,
		u64str(totalPoolTokens), u64str(followers), u64str(predictionID))
	if err != nil {
		return domain.PredictionRecord{}, fmt.Errorf("postgres: update prediction stats %d: %w", predictionID, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.PredictionRecord{}, domain.ErrNotFound
	}
	return s.Get(ctx, predictionID)
}

// Resolve applies the pending -> terminal transition. The row lock plus
// the outcome check make the transition single-shot under concurrency.
func (s *PredictionStore) Resolve(ctx context.Context, predictionID uint64, outcome domain.Outcome, payoutBps uint16, maturityTs int64) (domain.PredictionRecord, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return domain.PredictionRecord{}, fmt.Errorf("postgres: resolve: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	var current string
	err = tx.QueryRow(ctx,
		`SELECT outcome FROM predictions WHERE prediction_id = $1::numeric FOR UPDATE`,
		u64str(predictionID),
	).Scan(&current)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.PredictionRecord{}, domain.ErrNotFound
		}
		return domain.PredictionRecord{}, fmt.Errorf("postgres: resolve: lock prediction %d: %w", predictionID, err)
	}
	if domain.Outcome(current) != domain.OutcomePending {
		return domain.PredictionRecord{}, domain.ErrAlreadyResolved
	}

	if _, err := tx.Exec(ctx,
		`UPDATE predictions
		 SET outcome = $1, payout_ratio_bps = $2, maturity_ts = $3, updated_at = NOW()
		 WHERE prediction_id = $4::numeric`,
		string(outcome), int16(payoutBps), maturityTs, u64str(predictionID),
	); err != nil {
		return domain.PredictionRecord{}, fmt.Errorf("postgres: resolve prediction %d: %w", predictionID, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return domain.PredictionRecord{}, fmt.Errorf("postgres: resolve: commit: %w", err)
	}
	return s.Get(ctx, predictionID)
}

func scanPrediction(row pgx.Row) (domain.PredictionRecord, error) {
	var (
		rec                   domain.PredictionRecord
		id, tokens, followers string
		confidence, payoutBps int16
		outcome               string
	)
	err := row.Scan(
		&id, &rec.ModelVersion, &rec.Timestamp, &rec.Signal, &confidence,
		&rec.VolatilityTier, &tokens, &followers, &outcome,
		&payoutBps, &rec.MaturityTs, &rec.ContentHash, &rec.CreatedAt, &rec.UpdatedAt,
	)
	if err != nil {
		return domain.PredictionRecord{}, err
	}

	if rec.PredictionID, err = parseU64(id); err != nil {
		return domain.PredictionRecord{}, err
	}
	if rec.TotalPoolTokens, err = parseU64(tokens); err != nil {
		return domain.PredictionRecord{}, err
	}
	if rec.Followers, err = parseU64(followers); err != nil {
		return domain.PredictionRecord{}, err
	}
	rec.Confidence = uint16(confidence)
	rec.PayoutRatioBps = uint16(payoutBps)
	rec.Outcome = domain.Outcome(outcome)
	return rec, nil
}

var _ domain.PredictionStore = (*PredictionStore)(nil)
