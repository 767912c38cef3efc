// Package leverage holds the pure fixed-point arithmetic for sizing safe
// leverage under a lending protocol's loan-to-value limits.
package leverage

import (
	"math/big"

	"github.com/alanyoungcy/loopbot/internal/domain"
)

const (
	// Precision is the fixed-point unit for leverage factors: 10_000 == 1.0x.
	Precision = 10_000
	// LTVScale is the scale of protocol LTV values (basis points, 7500 == 75%).
	LTVScale = 10_000
)

// MaxSafeLeverage returns the conservative leverage ceiling for a collateral
// set: Precision + minLTV*Precision/LTVScale. The binding constraint is the
// lowest per-asset LTV, not a weighted average. Fails on an empty set.
func MaxSafeLeverage(ltvs []uint64) (uint64, error) {
	if len(ltvs) == 0 {
		return 0, domain.ErrUnsupportedAsset
	}
	min := ltvs[0]
	for _, v := range ltvs[1:] {
		if v < min {
			min = v
		}
	}
	return Precision + min*Precision/LTVScale, nil
}

// TheoreticalMaxLeverage returns the multiplicative asymptote 1/(1-ltv) in
// Precision units. It is the limit of the infinite supply-borrow-swap series
// that the degen loop approaches but never reaches. Not a safety ceiling;
// MaxSafeLeverage is.
func TheoreticalMaxLeverage(ltv uint64) uint64 {
	if ltv >= LTVScale {
		ltv = LTVScale - 1
	}
	return Precision * Precision / (Precision - ltv*Precision/LTVScale)
}

// TargetBorrowUSD converts a leverage factor into the USD value to borrow
// against totalCollateralUSD: total * (factor - Precision) / Precision.
func TargetBorrowUSD(totalCollateralUSD *big.Int, factor uint64) *big.Int {
	out := new(big.Int).Mul(totalCollateralUSD, new(big.Int).SetUint64(factor-Precision))
	return out.Quo(out, big.NewInt(Precision))
}

// CurrentLeverage computes collateral/(collateral-debt) in Precision units
// from protocol account aggregates. Returns Precision (1x) when debt is zero
// and 0 when the account is empty.
func CurrentLeverage(totalCollateralUSD, totalDebtUSD *big.Int) uint64 {
	if totalCollateralUSD.Sign() == 0 {
		return 0
	}
	equity := new(big.Int).Sub(totalCollateralUSD, totalDebtUSD)
	if equity.Sign() <= 0 {
		return 0
	}
	lev := new(big.Int).Mul(totalCollateralUSD, big.NewInt(Precision))
	lev.Quo(lev, equity)
	return lev.Uint64()
}
