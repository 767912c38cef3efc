package domain

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// AccountAggregate is the lending protocol's account-level view of a
// position's custody account. USD values carry 8 decimals; LTV and the
// liquidation threshold are in basis points; HealthFactor is WAD-scaled by
// the protocol and passed through untouched.
type AccountAggregate struct {
	TotalCollateralUSD   *big.Int
	TotalDebtUSD         *big.Int
	AvailableBorrowUSD   *big.Int
	LiquidationThreshold uint64
	LTV                  uint64
	HealthFactor         *big.Int
}

// AssetConfig is the lending protocol's per-asset risk configuration.
// LTV is in basis points (7500 = 75%).
type AssetConfig struct {
	LTV           uint64
	Active        bool
	ReserveFactor uint64
}

// LendingAdapter is the capability set the core needs from a lending
// protocol. Supply/borrow/repay/withdraw act on the custody account
// identified by account; RepayAll and WithdrawAll return the amount actually
// moved so local bookkeeping can follow protocol-side rounding.
type LendingAdapter interface {
	Supply(ctx context.Context, account, asset common.Address, amount *big.Int) error
	Borrow(ctx context.Context, account, asset common.Address, amount *big.Int) error
	Repay(ctx context.Context, account, asset common.Address, amount *big.Int) (*big.Int, error)
	RepayAll(ctx context.Context, account, asset common.Address) (*big.Int, error)
	Withdraw(ctx context.Context, account, asset common.Address, amount *big.Int) (*big.Int, error)
	WithdrawAll(ctx context.Context, account, asset common.Address) (*big.Int, error)
	AccountAggregate(ctx context.Context, account common.Address) (AccountAggregate, error)
	AssetConfig(ctx context.Context, asset common.Address) (AssetConfig, error)
	IsAssetSupported(ctx context.Context, asset common.Address) (bool, error)
}

// SwapAdapter exchanges amountIn of fromAsset for toAsset on behalf of
// account and returns the amount received. minOut must be non-zero; a swap
// returning less than minOut fails.
type SwapAdapter interface {
	SwapExact(ctx context.Context, account, fromAsset, toAsset common.Address, amountIn, minOut *big.Int, deadline time.Time) (*big.Int, error)
}

// PriceOracle returns USD prices with 8-decimal fixed-point scaling.
// Implementations must fail with ErrInvalidPriceData when any requested
// price is not strictly positive.
type PriceOracle interface {
	PricesUSD(ctx context.Context, assets []common.Address) ([]*big.Int, error)
}

// TokenAdapter covers the transfer/allowance mechanics the core needs:
// pull-from-caller, push-to-caller, and decimals lookup.
type TokenAdapter interface {
	Pull(ctx context.Context, asset, from common.Address, amount *big.Int) error
	Push(ctx context.Context, asset, to common.Address, amount *big.Int) error
	Decimals(ctx context.Context, asset common.Address) (uint8, error)
}
