package domain

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Registry is the singleton configuration record for a deployment. It is
// created exactly once and every privileged operation in the ledger is
// gated on its current authority.
type Registry struct {
	Authority     common.Address `json:"authority"`
	FeeBps        uint16         `json:"fee_bps"` // protocol fee, 0..=10000
	Oracle        common.Address `json:"oracle"`
	ConfigVersion uint64         `json:"config_version"` // incremented on every config mutation
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// MaxBps is the upper bound for all basis-point fields (100%).
const MaxBps uint16 = 10_000
