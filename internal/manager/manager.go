// Package manager implements the post-construction operations on an open
// position: add-collateral, repay-debt, and full close. Every operation
// verifies ownership before any external call and mutates the position
// record only after the external steps have succeeded.
package manager

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/loopbot/internal/domain"
	"github.com/alanyoungcy/loopbot/internal/pricing"
)

// Manager mutates open positions.
type Manager struct {
	lending   domain.LendingAdapter
	tokens    domain.TokenAdapter
	valuation *pricing.Valuation
	logger    *slog.Logger
}

// New creates a Manager.
func New(lending domain.LendingAdapter, tokens domain.TokenAdapter, valuation *pricing.Valuation, logger *slog.Logger) *Manager {
	return &Manager{
		lending:   lending,
		tokens:    tokens,
		valuation: valuation,
		logger:    logger,
	}
}

func authorize(pos *domain.Position, caller common.Address) error {
	if !pos.IsOpen() {
		return domain.ErrPositionClosed
	}
	if pos.Owner != caller {
		return domain.ErrNotOwner
	}
	return nil
}

// AddCollateral pulls amount of asset from the caller, supplies it to the
// lending protocol, and tracks it on the position. A new asset is appended
// unless the position already tracks the maximum; degen positions never grow
// beyond their single asset.
func (m *Manager) AddCollateral(ctx context.Context, pos *domain.Position, caller, asset common.Address, amount *big.Int) error {
	if err := authorize(pos, caller); err != nil {
		return err
	}
	if amount == nil || amount.Sign() <= 0 {
		return domain.ErrInvalidAmount
	}
	if asset == pos.DebtAsset {
		return domain.ErrSameAsset
	}

	supported, err := m.lending.IsAssetSupported(ctx, asset)
	if err != nil {
		return fmt.Errorf("manager: asset support check: %w", err)
	}
	if !supported {
		return domain.ErrUnsupportedAsset
	}
	cfg, err := m.lending.AssetConfig(ctx, asset)
	if err != nil {
		return fmt.Errorf("manager: asset config: %w", err)
	}
	if !cfg.Active {
		return domain.ErrUnsupportedAsset
	}

	// Enforce the tracking bound before moving tokens.
	if pos.CollateralIndex(asset) < 0 {
		if pos.Mode == domain.ModeDegen {
			return domain.ErrTooManyAssets
		}
		if len(pos.CollateralAssets) >= domain.MaxCollateralAssets {
			return domain.ErrTooManyAssets
		}
	}

	if err := m.tokens.Pull(ctx, asset, caller, amount); err != nil {
		return fmt.Errorf("manager: pull %s: %w", asset.Hex(), err)
	}
	if err := m.lending.Supply(ctx, pos.Account, asset, amount); err != nil {
		// Return the pulled tokens; the supply never happened.
		if pushErr := m.tokens.Push(ctx, asset, caller, amount); pushErr != nil {
			m.logger.ErrorContext(ctx, "manager: refund after failed supply",
				slog.String("asset", asset.Hex()),
				slog.String("error", pushErr.Error()),
			)
		}
		return fmt.Errorf("manager: supply %s: %w", asset.Hex(), err)
	}

	if err := pos.AddCollateralAmount(asset, amount); err != nil {
		return err
	}

	m.logger.InfoContext(ctx, "manager: collateral added",
		slog.String("position_id", pos.ID),
		slog.String("asset", asset.Hex()),
		slog.String("amount", amount.String()),
	)
	return nil
}

// RepayDebt pulls amount of the debt asset from the caller, repays it to the
// lending protocol, and decrements the tracked debt by exactly amount. The
// amount may never exceed the outstanding debt.
func (m *Manager) RepayDebt(ctx context.Context, pos *domain.Position, caller common.Address, amount *big.Int) error {
	if err := authorize(pos, caller); err != nil {
		return err
	}
	if amount == nil || amount.Sign() <= 0 {
		return domain.ErrInvalidAmount
	}
	if amount.Cmp(pos.DebtAmount) > 0 {
		return domain.ErrExcessiveRepay
	}

	if err := m.tokens.Pull(ctx, pos.DebtAsset, caller, amount); err != nil {
		return fmt.Errorf("manager: pull repayment: %w", err)
	}
	if _, err := m.lending.Repay(ctx, pos.Account, pos.DebtAsset, amount); err != nil {
		if pushErr := m.tokens.Push(ctx, pos.DebtAsset, caller, amount); pushErr != nil {
			m.logger.ErrorContext(ctx, "manager: refund after failed repay",
				slog.String("error", pushErr.Error()),
			)
		}
		return fmt.Errorf("manager: repay: %w", err)
	}

	if err := pos.ReduceDebt(amount); err != nil {
		return err
	}

	m.logger.InfoContext(ctx, "manager: debt repaid",
		slog.String("position_id", pos.ID),
		slog.String("amount", amount.String()),
		slog.String("remaining_debt", pos.DebtAmount.String()),
	)
	return nil
}

// closeJournal collects compensations for protocol calls already made while
// closing. A later failure runs them in reverse, putting withdrawn collateral
// back under the account so the record stays accurate and the close can be
// retried. Compensation failures are logged and skipped.
type closeJournal struct {
	steps  []func(ctx context.Context) error
	logger *slog.Logger
}

func (j *closeJournal) add(step func(ctx context.Context) error) {
	j.steps = append(j.steps, step)
}

func (j *closeJournal) revert(ctx context.Context) {
	for i := len(j.steps) - 1; i >= 0; i-- {
		if err := j.steps[i](ctx); err != nil {
			j.logger.ErrorContext(ctx, "manager: close compensation failed",
				slog.Int("step", i),
				slog.String("error", err.Error()),
			)
		}
	}
}

// ClosePosition repays the entire outstanding debt with funds pulled from
// the owner, withdraws every tracked collateral balance back to the owner,
// and resets the record. A failing repay or withdraw aborts the whole close:
// collateral already withdrawn is re-supplied and tokens already sent are
// pulled back, so the untouched record still matches the protocol state.
func (m *Manager) ClosePosition(ctx context.Context, pos *domain.Position, caller common.Address) error {
	if err := authorize(pos, caller); err != nil {
		return err
	}

	agg, err := m.lending.AccountAggregate(ctx, pos.Account)
	if err != nil {
		return fmt.Errorf("manager: account aggregate: %w", err)
	}

	if agg.TotalDebtUSD.Sign() > 0 {
		// Protocol-side debt accrues interest, so the amount owed is read
		// from the protocol rather than the local record, rounded up.
		owed, err := m.valuation.USDToAsset(ctx, agg.TotalDebtUSD, pos.DebtAsset)
		if err != nil {
			return err
		}
		if err := m.tokens.Pull(ctx, pos.DebtAsset, caller, owed); err != nil {
			return fmt.Errorf("manager: pull close repayment: %w", err)
		}
		repaid, err := m.lending.RepayAll(ctx, pos.Account, pos.DebtAsset)
		if err != nil {
			if pushErr := m.tokens.Push(ctx, pos.DebtAsset, caller, owed); pushErr != nil {
				m.logger.ErrorContext(ctx, "manager: refund after failed close repay",
					slog.String("error", pushErr.Error()),
				)
			}
			return fmt.Errorf("manager: repay all: %w", err)
		}
		// Round-up conversion can leave a few smallest units unspent.
		if excess := new(big.Int).Sub(owed, repaid); excess.Sign() > 0 {
			if pushErr := m.tokens.Push(ctx, pos.DebtAsset, caller, excess); pushErr != nil {
				m.logger.WarnContext(ctx, "manager: returning repay excess failed",
					slog.String("error", pushErr.Error()),
				)
			}
		}
	}

	// Withdraw every asset before handing anything to the owner, so a
	// failure never splits the collateral between the pool and the owner.
	journal := &closeJournal{logger: m.logger}
	withdrawn := make([]*big.Int, len(pos.CollateralAssets))
	for i, asset := range pos.CollateralAssets {
		amount, err := m.lending.WithdrawAll(ctx, pos.Account, asset)
		if err != nil {
			journal.revert(ctx)
			return fmt.Errorf("manager: withdraw %s: %w", asset.Hex(), err)
		}
		withdrawn[i] = amount
		journal.add(func(ctx context.Context) error {
			return m.lending.Supply(ctx, pos.Account, asset, amount)
		})
	}
	for i, asset := range pos.CollateralAssets {
		amount := withdrawn[i]
		if err := m.tokens.Push(ctx, asset, pos.Owner, amount); err != nil {
			journal.revert(ctx)
			return fmt.Errorf("manager: return %s: %w", asset.Hex(), err)
		}
		journal.add(func(ctx context.Context) error {
			return m.tokens.Pull(ctx, asset, pos.Owner, amount)
		})
	}

	pos.Reset(time.Now().UTC())

	m.logger.InfoContext(ctx, "manager: position closed",
		slog.String("position_id", pos.ID),
	)
	return nil
}
