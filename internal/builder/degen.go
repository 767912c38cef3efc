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

// BuildDegen constructs a single-collateral position by looping
// borrow-swap-resupply cycles until the target leverage is reached or the
// iteration budget runs out. The working target is clamped to the
// theoretical 1/(1-LTV) asymptote.
//
// A borrow refusal or exhausted borrow capacity mid-loop stops the loop
// without failing it. The reached leverage is then checked against the
// target; if it falls short, the whole construction unwinds and fails with
// ErrTargetNotReached, so a position below target is never committed.
func (b *Builder) BuildDegen(ctx context.Context, id string, owner, account common.Address, input domain.CollateralInput, debtAsset common.Address, factor uint64) (domain.Position, error) {
	if err := validateInputs([]domain.CollateralInput{input}, debtAsset, factor); err != nil {
		return domain.Position{}, err
	}

	if _, err := b.requireActive(ctx, debtAsset); err != nil {
		return domain.Position{}, fmt.Errorf("builder: debt asset %s: %w", debtAsset.Hex(), err)
	}
	assetCfg, err := b.requireActive(ctx, input.Asset)
	if err != nil {
		return domain.Position{}, fmt.Errorf("builder: collateral asset %s: %w", input.Asset.Hex(), err)
	}

	target := factor
	if max := leverage.TheoreticalMaxLeverage(assetCfg.LTV); target > max {
		target = max
	}

	unwind := newUnwinder(b.logger)
	fail := func(err error) (domain.Position, error) {
		unwind.run(ctx)
		return domain.Position{}, err
	}

	if err := b.tokens.Pull(ctx, input.Asset, owner, input.Amount); err != nil {
		return domain.Position{}, fmt.Errorf("builder: pull %s: %w", input.Asset.Hex(), err)
	}
	unwind.push(func(ctx context.Context) error {
		return b.tokens.Push(ctx, input.Asset, owner, input.Amount)
	})
	if err := b.lending.Supply(ctx, account, input.Asset, input.Amount); err != nil {
		return fail(fmt.Errorf("builder: supply %s: %w", input.Asset.Hex(), err))
	}
	unwind.push(func(ctx context.Context) error {
		_, err := b.lending.WithdrawAll(ctx, account, input.Asset)
		return err
	})

	totalCollateral := new(big.Int).Set(input.Amount)
	totalBorrowed := new(big.Int)
	current := uint64(leverage.Precision)
	haircut := new(big.Int).SetUint64(b.cfg.BorrowHaircutBps)

	for i := 0; i < b.cfg.MaxIterations && current < target; i++ {
		agg, err := b.lending.AccountAggregate(ctx, account)
		if err != nil {
			return fail(fmt.Errorf("builder: account aggregate: %w", err))
		}
		if agg.AvailableBorrowUSD.Sign() == 0 {
			break
		}

		borrowAmount, err := b.valuation.USDToAsset(ctx, agg.AvailableBorrowUSD, debtAsset)
		if err != nil {
			return fail(err)
		}
		// Haircut absorbs oracle and LTV rounding so the borrow does not
		// land exactly on the health limit.
		borrowAmount.Mul(borrowAmount, haircut)
		borrowAmount.Quo(borrowAmount, big.NewInt(10_000))
		if borrowAmount.Sign() == 0 {
			break
		}

		if err := b.lending.Borrow(ctx, account, debtAsset, borrowAmount); err != nil {
			b.logger.WarnContext(ctx, "builder: degen borrow refused, stopping loop",
				slog.String("position_id", id),
				slog.Int("iteration", i),
				slog.String("error", err.Error()),
			)
			break
		}
		unwind.push(func(ctx context.Context) error {
			_, err := b.lending.RepayAll(ctx, account, debtAsset)
			return err
		})

		received, err := b.swapWithOracleBound(ctx, account, debtAsset, input.Asset, borrowAmount)
		if err != nil {
			return fail(fmt.Errorf("builder: swap into %s: %w", input.Asset.Hex(), err))
		}
		unwind.push(func(ctx context.Context) error {
			_, err := b.swapWithOracleBound(ctx, account, input.Asset, debtAsset, received)
			return err
		})
		if err := b.lending.Supply(ctx, account, input.Asset, received); err != nil {
			return fail(fmt.Errorf("builder: resupply %s: %w", input.Asset.Hex(), err))
		}
		unwind.push(func(ctx context.Context) error {
			_, err := b.lending.Withdraw(ctx, account, input.Asset, received)
			return err
		})

		totalCollateral.Add(totalCollateral, received)
		totalBorrowed.Add(totalBorrowed, borrowAmount)

		agg, err = b.lending.AccountAggregate(ctx, account)
		if err != nil {
			return fail(fmt.Errorf("builder: account aggregate: %w", err))
		}
		current = leverage.CurrentLeverage(agg.TotalCollateralUSD, agg.TotalDebtUSD)

		b.logger.DebugContext(ctx, "builder: degen iteration complete",
			slog.String("position_id", id),
			slog.Int("iteration", i),
			slog.Uint64("current_leverage_bps", current),
			slog.Uint64("target_leverage_bps", target),
		)
	}

	if current < target {
		return fail(fmt.Errorf("builder: reached %d of %d bps: %w", current, target, domain.ErrTargetNotReached))
	}

	pos := domain.Position{
		ID:                id,
		Owner:             owner,
		Account:           account,
		CollateralAssets:  []common.Address{input.Asset},
		CollateralAmounts: []*big.Int{totalCollateral},
		DebtAsset:         debtAsset,
		DebtAmount:        totalBorrowed,
		Mode:              domain.ModeDegen,
		CreatedAt:         time.Now().UTC(),
	}

	b.logger.InfoContext(ctx, "builder: degen position constructed",
		slog.String("position_id", id),
		slog.String("owner", owner.Hex()),
		slog.Uint64("leverage_bps", current),
		slog.String("debt_amount", totalBorrowed.String()),
	)
	return pos, nil
}
