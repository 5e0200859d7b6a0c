package domain

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
)

// CustodyAccount is a token account held by the custody subsystem. The
// ledger only ever reads these; balance movement goes through Transfer.
type CustodyAccount struct {
	ID      string         `json:"id"`
	Owner   string         `json:"owner"` // custody owner identity, e.g. "pool:<signal>" for vaults
	Asset   common.Address `json:"asset"`
	Balance uint64         `json:"balance"`
}

// TokenCustody is the boundary to the token-custody subsystem. The ledger
// assumes transfers are atomic and authenticated; it never reimplements
// them.
type TokenCustody interface {
	// Transfer moves amount of asset from one custody account to another,
	// authorized by the holder identity of the source account.
	Transfer(ctx context.Context, from, to string, authority common.Address, asset common.Address, amount uint64) error

	// Account returns the current state of a custody account.
	Account(ctx context.Context, id string) (CustodyAccount, error)

	// OpenAccount provisions an account for the given owner and asset.
	// Opening an existing account is a no-op when owner and asset match.
	OpenAccount(ctx context.Context, id, owner string, asset common.Address) error
}

// FundingAccountID derives a contributor's funding account for an asset.
func FundingAccountID(user common.Address, asset common.Address) string {
	return "acct:" + user.Hex() + ":" + asset.Hex()
}
