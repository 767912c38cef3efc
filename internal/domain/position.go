package domain

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Mode selects the construction strategy a position was built with. It is
// fixed at creation and never changes.
type Mode string

const (
	// ModeSafe is the multi-collateral single-pass strategy bounded by a
	// conservative leverage ceiling.
	ModeSafe Mode = "safe"
	// ModeDegen is the single-collateral iterative looping strategy that
	// approaches the theoretical 1/(1-LTV) bound.
	ModeDegen Mode = "degen"
)

// MaxCollateralAssets caps how many distinct collateral assets a safe-mode
// position may track, at construction time and afterwards.
const MaxCollateralAssets = 5

// CollateralInput is one caller-supplied deposit instruction, consumed during
// construction.
type CollateralInput struct {
	Asset  common.Address
	Amount *big.Int
}

// Position is the record of one leveraged collateral position. Collateral
// amounts are native token units and include amounts acquired by internal
// swaps; DebtAmount is the cumulative outstanding borrow in native units of
// DebtAsset.
type Position struct {
	ID                string
	Owner             common.Address
	// Account is the protocol-side custody account holding this position's
	// collateral and debt; one account per position keeps protocol
	// aggregates isolated.
	Account           common.Address
	CollateralAssets  []common.Address
	CollateralAmounts []*big.Int
	DebtAsset         common.Address
	DebtAmount        *big.Int
	Mode              Mode
	CreatedAt         time.Time
	ClosedAt          *time.Time
}

// IsOpen reports whether the position is still active. A closed position has
// its owner zeroed and is permanently inert.
func (p *Position) IsOpen() bool {
	return p.Owner != (common.Address{})
}

// CollateralIndex returns the index of asset in the tracked collateral set,
// or -1 when the asset is not tracked.
func (p *Position) CollateralIndex(asset common.Address) int {
	for i, a := range p.CollateralAssets {
		if a == asset {
			return i
		}
	}
	return -1
}

// AddCollateralAmount increments the tracked amount for asset, appending it
// to the collateral set when not yet tracked. Returns ErrTooManyAssets when
// appending would exceed MaxCollateralAssets, and ErrSameAsset when the asset
// is the position's debt asset.
func (p *Position) AddCollateralAmount(asset common.Address, amount *big.Int) error {
	if asset == p.DebtAsset {
		return ErrSameAsset
	}
	if i := p.CollateralIndex(asset); i >= 0 {
		p.CollateralAmounts[i] = new(big.Int).Add(p.CollateralAmounts[i], amount)
		return nil
	}
	if len(p.CollateralAssets) >= MaxCollateralAssets {
		return ErrTooManyAssets
	}
	p.CollateralAssets = append(p.CollateralAssets, asset)
	p.CollateralAmounts = append(p.CollateralAmounts, new(big.Int).Set(amount))
	return nil
}

// ReduceDebt decrements DebtAmount by exactly amount. Returns
// ErrExcessiveRepay when amount exceeds the outstanding debt.
func (p *Position) ReduceDebt(amount *big.Int) error {
	if amount.Cmp(p.DebtAmount) > 0 {
		return ErrExcessiveRepay
	}
	p.DebtAmount = new(big.Int).Sub(p.DebtAmount, amount)
	return nil
}

// Reset zeroes every field after a successful close. The position remains in
// the registry but can never be used again.
func (p *Position) Reset(closedAt time.Time) {
	p.Owner = common.Address{}
	p.CollateralAssets = nil
	p.CollateralAmounts = nil
	p.DebtAsset = common.Address{}
	p.DebtAmount = new(big.Int)
	p.ClosedAt = &closedAt
}
