package domain

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// PoolStatus represents the lifecycle state of a prediction pool. The only
// legal transition is open -> closed, applied exactly once.
type PoolStatus string

const (
	PoolStatusOpen   PoolStatus = "open"
	PoolStatusClosed PoolStatus = "closed"
)

// Outcome is the terminal classification of a pool or prediction.
type Outcome string

const (
	OutcomePending Outcome = "pending"
	OutcomeWin     Outcome = "win"
	OutcomeLoss    Outcome = "loss"
	OutcomeNeutral Outcome = "neutral"
)

// Valid reports whether o is one of the terminal outcome values. Pending is
// not terminal and is rejected.
func (o Outcome) Valid() bool {
	switch o {
	case OutcomeWin, OutcomeLoss, OutcomeNeutral:
		return true
	}
	return false
}

// Pool is the escrow record for a single prediction signal. Contributions
// accumulate in TotalContributed while the pool is open; the settlement
// path closes it once the window has elapsed and records the outcome. Pools
// are never deleted; a closed pool is the permanent audit record.
type Pool struct {
	SignalID         common.Hash    `json:"signal_id"` // opaque 32-byte signal identifier, also the addressing key
	Authority        common.Address `json:"authority"`
	Asset            common.Address `json:"asset"` // token kind accepted by this pool
	Status           PoolStatus     `json:"status"`
	OpenTs           int64          `json:"open_ts"`  // unix seconds
	CloseTs          int64          `json:"close_ts"` // unix seconds, strictly after OpenTs
	TotalContributed uint64         `json:"total_contributed"`
	Outcome          *Outcome       `json:"outcome,omitempty"` // nil until closed
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
}

// VaultID derives the custody account that escrows this pool's funds. The
// vault is addressed from the signal id alone, so there is no stored
// pointer to go stale.
func (p Pool) VaultID() string {
	return VaultID(p.SignalID)
}

// VaultID derives the escrow vault account id for a signal.
func VaultID(signal common.Hash) string {
	return "vault:" + signal.Hex()
}

// VaultOwner is the custody owner identity for a pool's vault; custody
// checks compare the vault's recorded owner against this value.
func VaultOwner(signal common.Hash) string {
	return "pool:" + signal.Hex()
}

// Contribution is the cumulative escrow record for one (pool, contributor)
// pair. It is created lazily on the first deposit and only ever grows.
type Contribution struct {
	SignalID  common.Hash    `json:"signal_id"`
	User      common.Address `json:"user"`
	Amount    uint64         `json:"amount"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}
