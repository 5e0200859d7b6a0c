package domain

// Event channel and stream names published on the SignalBus.
const (
	ChannelPools       = "pools"
	ChannelPredictions = "predictions"
	StreamPools        = "stream:pools"
	StreamPredictions  = "stream:predictions"
)

// PoolClosedEvent is emitted once when a pool is settled.
type PoolClosedEvent struct {
	Event            string `json:"event"` // "pool_closed"
	SignalID         string `json:"signal_id"`
	Outcome          string `json:"outcome"`
	TotalContributed uint64 `json:"total_contributed"`
	ClosedAt         int64  `json:"closed_at"`
}

// PredictionLoggedEvent carries the full initial payload of a new record.
type PredictionLoggedEvent struct {
	Event           string `json:"event"` // "prediction_logged"
	PredictionID    uint64 `json:"prediction_id"`
	ModelVersion    string `json:"model_version"`
	Timestamp       int64  `json:"timestamp"`
	Signal          string `json:"signal"`
	Confidence      uint16 `json:"confidence"`
	VolatilityTier  string `json:"volatility_tier"`
	TotalPoolTokens uint64 `json:"total_pool_tokens"`
	Followers       uint64 `json:"followers"`
}

// PredictionResolvedEvent is emitted once per record at resolution.
type PredictionResolvedEvent struct {
	Event          string `json:"event"` // "prediction_resolved"
	PredictionID   uint64 `json:"prediction_id"`
	Outcome        string `json:"outcome"`
	PayoutRatioBps uint16 `json:"payout_ratio_bps"`
	MaturityTs     int64  `json:"maturity_timestamp"`
}
