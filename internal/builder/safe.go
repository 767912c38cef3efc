package builder

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/loopbot/internal/domain"
	"github.com/alanyoungcy/loopbot/internal/leverage"
)

// BuildSafe constructs a multi-collateral position with a single borrow pass.
// The target factor is validated against the conservative ceiling derived
// from the lowest collateral LTV before any external call mutates state; any
// failure after that unwinds every completed step and returns the original
// error.
func (b *Builder) BuildSafe(ctx context.Context, id string, owner, account common.Address, inputs []domain.CollateralInput, debtAsset common.Address, factor uint64) (domain.Position, error) {
	if len(inputs) < 1 || len(inputs) > domain.MaxCollateralAssets {
		return domain.Position{}, domain.ErrCollateralCount
	}
	if err := validateInputs(inputs, debtAsset, factor); err != nil {
		return domain.Position{}, err
	}

	if _, err := b.requireActive(ctx, debtAsset); err != nil {
		return domain.Position{}, fmt.Errorf("builder: debt asset %s: %w", debtAsset.Hex(), err)
	}

	// Resolve per-asset LTVs up front so the ceiling check happens before
	// any token moves.
	ltvs := make([]uint64, len(inputs))
	for i, in := range inputs {
		cfg, err := b.requireActive(ctx, in.Asset)
		if err != nil {
			return domain.Position{}, fmt.Errorf("builder: collateral asset %s: %w", in.Asset.Hex(), err)
		}
		ltvs[i] = cfg.LTV
	}
	maxSafe, err := leverage.MaxSafeLeverage(ltvs)
	if err != nil {
		return domain.Position{}, err
	}
	if factor > maxSafe {
		return domain.Position{}, domain.ErrLeverageTooHigh
	}

	unwind := newUnwinder(b.logger)
	fail := func(err error) (domain.Position, error) {
		unwind.run(ctx)
		return domain.Position{}, err
	}

	// Value, pull, and supply every input, accumulating total collateral
	// value and borrow capacity in USD.
	totalUSD := new(big.Int)
	capacityUSD := new(big.Int)
	valuesUSD := make([]*big.Int, len(inputs))
	amounts := make([]*big.Int, len(inputs))
	for i, in := range inputs {
		in := in
		usd, err := b.valuation.ValueUSD(ctx, in.Asset, in.Amount)
		if err != nil {
			return fail(err)
		}
		valuesUSD[i] = usd
		totalUSD.Add(totalUSD, usd)

		borrowable := new(big.Int).Mul(usd, new(big.Int).SetUint64(ltvs[i]))
		capacityUSD.Add(capacityUSD, borrowable.Quo(borrowable, big.NewInt(leverage.LTVScale)))

		if err := b.tokens.Pull(ctx, in.Asset, owner, in.Amount); err != nil {
			return fail(fmt.Errorf("builder: pull %s: %w", in.Asset.Hex(), err))
		}
		unwind.push(func(ctx context.Context) error {
			return b.tokens.Push(ctx, in.Asset, owner, in.Amount)
		})

		if err := b.lending.Supply(ctx, account, in.Asset, in.Amount); err != nil {
			return fail(fmt.Errorf("builder: supply %s: %w", in.Asset.Hex(), err))
		}
		unwind.push(func(ctx context.Context) error {
			_, err := b.lending.WithdrawAll(ctx, account, in.Asset)
			return err
		})

		amounts[i] = new(big.Int).Set(in.Amount)
	}

	borrowUSD := leverage.TargetBorrowUSD(totalUSD, factor)
	if borrowUSD.Cmp(capacityUSD) > 0 {
		// Redundant with the ceiling check above, kept as a second line of
		// defense against LTV drift between the two reads.
		return fail(domain.ErrBorrowCapExceeded)
	}

	var debtAmount *big.Int
	if borrowUSD.Sign() > 0 {
		debtAmount, err = b.valuation.USDToAsset(ctx, borrowUSD, debtAsset)
		if err != nil {
			return fail(err)
		}
		if err := b.lending.Borrow(ctx, account, debtAsset, debtAmount); err != nil {
			return fail(fmt.Errorf("builder: borrow %s: %w", debtAsset.Hex(), err))
		}
		unwind.push(func(ctx context.Context) error {
			_, err := b.lending.RepayAll(ctx, account, debtAsset)
			return err
		})

		// Allocate the borrowed amount across collateral assets in
		// proportion to each asset's share of total collateral value. The
		// last asset takes the remainder so no dust is stranded.
		remaining := new(big.Int).Set(debtAmount)
		for i, in := range inputs {
			in := in
			var amountIn *big.Int
			if i == len(inputs)-1 {
				amountIn = remaining
			} else {
				amountIn = new(big.Int).Mul(debtAmount, valuesUSD[i])
				amountIn.Quo(amountIn, totalUSD)
				remaining = new(big.Int).Sub(remaining, amountIn)
			}
			if amountIn.Sign() == 0 {
				continue
			}

			received, err := b.swapWithOracleBound(ctx, account, debtAsset, in.Asset, amountIn)
			if err != nil {
				return fail(fmt.Errorf("builder: swap into %s: %w", in.Asset.Hex(), err))
			}
			unwind.push(func(ctx context.Context) error {
				_, err := b.swapWithOracleBound(ctx, account, in.Asset, debtAsset, received)
				return err
			})

			if err := b.lending.Supply(ctx, account, in.Asset, received); err != nil {
				return fail(fmt.Errorf("builder: resupply %s: %w", in.Asset.Hex(), err))
			}
			// Runs before the reverse swap above, putting the proceeds back
			// in hand so the swap can be undone.
			unwind.push(func(ctx context.Context) error {
				_, err := b.lending.Withdraw(ctx, account, in.Asset, received)
				return err
			})
			amounts[i].Add(amounts[i], received)
		}
	} else {
		debtAmount = new(big.Int)
	}

	pos := domain.Position{
		ID:         id,
		Owner:      owner,
		Account:    account,
		DebtAsset:  debtAsset,
		DebtAmount: debtAmount,
		Mode:       domain.ModeSafe,
		CreatedAt:  time.Now().UTC(),
	}
	for i, in := range inputs {
		pos.CollateralAssets = append(pos.CollateralAssets, in.Asset)
		pos.CollateralAmounts = append(pos.CollateralAmounts, amounts[i])
	}

	b.logger.InfoContext(ctx, "builder: safe position constructed",
		slog.String("position_id", id),
		slog.String("owner", owner.Hex()),
		slog.Int("collateral_assets", len(inputs)),
		slog.Uint64("leverage_bps", factor),
		slog.String("debt_amount", debtAmount.String()),
	)
	return pos, nil
}
