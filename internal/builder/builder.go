// Package builder implements the two position-construction strategies: the
// safe multi-collateral single pass and the high-leverage single-collateral
// loop. Both drive the lending protocol, swap venue, and oracle valuation
// through the domain adapter interfaces and commit a Position only when the
// full construction has succeeded.
package builder

import (
	"context"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/loopbot/internal/domain"
	"github.com/alanyoungcy/loopbot/internal/leverage"
	"github.com/alanyoungcy/loopbot/internal/pricing"
)

// Config holds the construction tuning parameters.
type Config struct {
	// MaxIterations bounds the degen borrow-swap-resupply loop.
	MaxIterations int
	// BorrowHaircutBps is the fraction of reported borrow capacity actually
	// borrowed each degen iteration, in basis points (9500 = 95%).
	BorrowHaircutBps uint64
	// SlippageBps is the tolerance applied to the oracle-implied swap output
	// when deriving minOut, in basis points.
	SlippageBps uint64
	// SwapDeadline is how far in the future each swap's deadline is set.
	SwapDeadline time.Duration
}

// Builder constructs leveraged positions.
type Builder struct {
	lending   domain.LendingAdapter
	swapper   domain.SwapAdapter
	tokens    domain.TokenAdapter
	valuation *pricing.Valuation
	cfg       Config
	logger    *slog.Logger
}

// New creates a Builder.
func New(lending domain.LendingAdapter, swapper domain.SwapAdapter, tokens domain.TokenAdapter, valuation *pricing.Valuation, cfg Config, logger *slog.Logger) *Builder {
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = 10
	}
	if cfg.BorrowHaircutBps == 0 || cfg.BorrowHaircutBps > 10_000 {
		cfg.BorrowHaircutBps = 9_500
	}
	if cfg.SlippageBps == 0 {
		cfg.SlippageBps = 100
	}
	if cfg.SwapDeadline <= 0 {
		cfg.SwapDeadline = 2 * time.Minute
	}
	return &Builder{
		lending:   lending,
		swapper:   swapper,
		tokens:    tokens,
		valuation: valuation,
		cfg:       cfg,
		logger:    logger,
	}
}

// requireActive fails with domain.ErrUnsupportedAsset unless the asset is
// both listed and active in the lending protocol, returning its config.
func (b *Builder) requireActive(ctx context.Context, asset common.Address) (domain.AssetConfig, error) {
	supported, err := b.lending.IsAssetSupported(ctx, asset)
	if err != nil {
		return domain.AssetConfig{}, err
	}
	if !supported {
		return domain.AssetConfig{}, domain.ErrUnsupportedAsset
	}
	cfg, err := b.lending.AssetConfig(ctx, asset)
	if err != nil {
		return domain.AssetConfig{}, err
	}
	if !cfg.Active {
		return domain.AssetConfig{}, domain.ErrUnsupportedAsset
	}
	return cfg, nil
}

// swapWithOracleBound swaps amountIn of from into to, bounding the acceptable
// output by the oracle-implied rate less the configured slippage tolerance.
func (b *Builder) swapWithOracleBound(ctx context.Context, account, from, to common.Address, amountIn *big.Int) (*big.Int, error) {
	implied, err := b.valuation.Rate(ctx, from, to, amountIn)
	if err != nil {
		return nil, err
	}
	minOut := new(big.Int).Mul(implied, new(big.Int).SetUint64(10_000-b.cfg.SlippageBps))
	minOut.Quo(minOut, big.NewInt(10_000))
	deadline := time.Now().Add(b.cfg.SwapDeadline)
	return b.swapper.SwapExact(ctx, account, from, to, amountIn, minOut, deadline)
}

// validateInputs performs the mode-independent input checks shared by both
// strategies: positive amounts, distinct collateral assets, and a debt asset
// that is not also collateral.
func validateInputs(inputs []domain.CollateralInput, debtAsset common.Address, factor uint64) error {
	if factor < leverage.Precision {
		return domain.ErrInvalidLeverage
	}
	seen := make(map[common.Address]bool, len(inputs))
	for _, in := range inputs {
		if in.Amount == nil || in.Amount.Sign() <= 0 {
			return domain.ErrInvalidAmount
		}
		if in.Asset == debtAsset {
			return domain.ErrSameAsset
		}
		if seen[in.Asset] {
			return domain.ErrDuplicateAsset
		}
		seen[in.Asset] = true
	}
	return nil
}
