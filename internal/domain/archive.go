package domain

import (
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Archive is the singleton header of the append-only prediction log. It is
// created once and its counter is incremented by exactly one per logged
// prediction.
type Archive struct {
	Authority        common.Address `json:"authority"`
	TotalPredictions uint64         `json:"total_predictions"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
}

// Maximum byte lengths for the variable-length prediction fields. Storage
// is reserved to these maximums and oversized input is rejected outright,
// never truncated.
const (
	MaxModelVersionLen   = 32
	MaxSignalLen         = 128
	MaxVolatilityTierLen = 10
	MaxContentHashLen    = 64
)

// PredictionRecord is one entry in the archive, keyed by a caller-chosen
// prediction id. Outcome starts Pending and moves to a terminal value
// exactly once; PayoutRatioBps and MaturityTs are written only at that
// transition. TotalPoolTokens and Followers may be rewritten at any time
// by the archive authority, including after resolution.
type PredictionRecord struct {
	PredictionID    uint64    `json:"prediction_id"`
	ModelVersion    string    `json:"model_version"`
	Timestamp       int64     `json:"timestamp"` // unix seconds, stamped at creation
	Signal          string    `json:"signal"`
	Confidence      uint16    `json:"confidence"` // 0..=100
	VolatilityTier  string    `json:"volatility_tier"`
	TotalPoolTokens uint64    `json:"total_pool_tokens"`
	Followers       uint64    `json:"followers"`
	Outcome         Outcome   `json:"outcome"`
	PayoutRatioBps  uint16    `json:"payout_ratio_bps"`
	MaturityTs      int64     `json:"maturity_timestamp"` // unix seconds, stamped at resolution
	ContentHash     string    `json:"content_hash"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// ValidateFields checks the bounded numeric and length-limited string
// fields of a record about to be logged.
func (r PredictionRecord) ValidateFields() error {
	if r.Confidence > 100 {
		return ErrInvalidConfidence
	}
	for _, f := range []struct {
		name  string
		value string
		max   int
	}{
		{"ai_model_version", r.ModelVersion, MaxModelVersionLen},
		{"signal", r.Signal, MaxSignalLen},
		{"volatility_tier", r.VolatilityTier, MaxVolatilityTierLen},
		{"content_hash", r.ContentHash, MaxContentHashLen},
	} {
		if len(f.value) > f.max {
			return fmt.Errorf("%s %d > %d bytes: %w", f.name, len(f.value), f.max, ErrFieldTooLong)
		}
	}
	return nil
}
