// Package service orchestrates position construction and management on top
// of the registry, persisting records and emitting lifecycle events. Event
// publication and audit failures are logged, never surfaced as operation
// failures.
package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/loopbot/internal/domain"
	"github.com/alanyoungcy/loopbot/internal/manager"
	"github.com/alanyoungcy/loopbot/internal/notify"
	"github.com/alanyoungcy/loopbot/internal/registry"
)

// lockTTL bounds how long a distributed position lock is held if an instance
// dies mid-operation.
const lockTTL = 2 * time.Minute

// PositionService exposes the position lifecycle to the API layer.
type PositionService struct {
	registry *registry.Registry
	manager  *manager.Manager
	store    domain.PositionStore
	locks    domain.LockManager // nil when running single-instance
	bus      domain.SignalBus
	audit    domain.AuditStore
	notifier *notify.Notifier
	logger   *slog.Logger
}

// NewPositionService creates a PositionService. locks, bus, audit, and
// notifier may be nil; the corresponding side effects are then skipped.
func NewPositionService(
	reg *registry.Registry,
	mgr *manager.Manager,
	store domain.PositionStore,
	locks domain.LockManager,
	bus domain.SignalBus,
	audit domain.AuditStore,
	notifier *notify.Notifier,
	logger *slog.Logger,
) *PositionService {
	return &PositionService{
		registry: reg,
		manager:  mgr,
		store:    store,
		locks:    locks,
		bus:      bus,
		audit:    audit,
		notifier: notifier,
		logger:   logger,
	}
}

// acquire takes the cross-instance lock for a position when a lock manager
// is configured. The in-process registry lock is always taken separately.
func (s *PositionService) acquire(ctx context.Context, id string) (func(), error) {
	if s.locks == nil {
		return func() {}, nil
	}
	return s.locks.Acquire(ctx, "position:"+id, lockTTL)
}

// CreateSafe constructs a safe-mode position.
func (s *PositionService) CreateSafe(ctx context.Context, owner common.Address, inputs []domain.CollateralInput, debtAsset common.Address, factor uint64) (domain.Position, error) {
	pos, err := s.registry.CreateSafe(ctx, owner, inputs, debtAsset, factor)
	if err != nil {
		return domain.Position{}, err
	}
	s.persistNew(ctx, pos)
	s.emitCreated(ctx, pos)
	return pos, nil
}

// CreateDegen constructs a degen-mode position.
func (s *PositionService) CreateDegen(ctx context.Context, owner common.Address, input domain.CollateralInput, debtAsset common.Address, factor uint64) (domain.Position, error) {
	pos, err := s.registry.CreateDegen(ctx, owner, input, debtAsset, factor)
	if err != nil {
		return domain.Position{}, err
	}
	s.persistNew(ctx, pos)
	s.emitCreated(ctx, pos)
	return pos, nil
}

// AddCollateral adds collateral to an open position.
func (s *PositionService) AddCollateral(ctx context.Context, id string, caller, asset common.Address, amount *big.Int) error {
	unlock, err := s.acquire(ctx, id)
	if err != nil {
		return err
	}
	defer unlock()

	err = s.registry.WithPosition(ctx, id, func(pos *domain.Position) error {
		if err := s.manager.AddCollateral(ctx, pos, caller, asset, amount); err != nil {
			return err
		}
		s.persistUpdate(ctx, *pos)
		return nil
	})
	if err != nil {
		return err
	}

	s.emit(ctx, "collateral_added", map[string]any{
		"position_id": id,
		"asset":       asset.Hex(),
		"amount":      amount.String(),
	})
	return nil
}

// RepayDebt repays part of an open position's debt.
func (s *PositionService) RepayDebt(ctx context.Context, id string, caller common.Address, amount *big.Int) error {
	unlock, err := s.acquire(ctx, id)
	if err != nil {
		return err
	}
	defer unlock()

	err = s.registry.WithPosition(ctx, id, func(pos *domain.Position) error {
		if err := s.manager.RepayDebt(ctx, pos, caller, amount); err != nil {
			return err
		}
		s.persistUpdate(ctx, *pos)
		return nil
	})
	if err != nil {
		return err
	}

	s.emit(ctx, "debt_repaid", map[string]any{
		"position_id": id,
		"amount":      amount.String(),
	})
	return nil
}

// ClosePosition fully unwinds and closes a position.
func (s *PositionService) ClosePosition(ctx context.Context, id string, caller common.Address) error {
	unlock, err := s.acquire(ctx, id)
	if err != nil {
		return err
	}
	defer unlock()

	err = s.registry.WithPosition(ctx, id, func(pos *domain.Position) error {
		if err := s.manager.ClosePosition(ctx, pos, caller); err != nil {
			return err
		}
		s.persistUpdate(ctx, *pos)
		return nil
	})
	if err != nil {
		return err
	}

	s.emit(ctx, "position_closed", map[string]any{
		"position_id": id,
	})
	if s.notifier != nil {
		if nErr := s.notifier.Notify(ctx, "position_closed", "Position closed",
			fmt.Sprintf("Position %s fully unwound and closed", id)); nErr != nil {
			s.logger.WarnContext(ctx, "position_service: notify failed",
				slog.String("error", nErr.Error()),
			)
		}
	}
	return nil
}

// Get returns a snapshot of a position.
func (s *PositionService) Get(ctx context.Context, id string) (domain.Position, error) {
	return s.registry.Get(id)
}

// ListByOwner returns every position ever created by owner.
func (s *PositionService) ListByOwner(ctx context.Context, owner common.Address) []domain.Position {
	return s.registry.ListByOwner(owner)
}

func (s *PositionService) persistNew(ctx context.Context, pos domain.Position) {
	if s.store == nil {
		return
	}
	if err := s.store.Create(ctx, pos); err != nil {
		s.logger.ErrorContext(ctx, "position_service: persist create failed",
			slog.String("position_id", pos.ID),
			slog.String("error", err.Error()),
		)
	}
}

func (s *PositionService) persistUpdate(ctx context.Context, pos domain.Position) {
	if s.store == nil {
		return
	}
	if err := s.store.Update(ctx, pos); err != nil {
		s.logger.ErrorContext(ctx, "position_service: persist update failed",
			slog.String("position_id", pos.ID),
			slog.String("error", err.Error()),
		)
	}
}

func (s *PositionService) emitCreated(ctx context.Context, pos domain.Position) {
	assets := make([]string, len(pos.CollateralAssets))
	amounts := make([]string, len(pos.CollateralAmounts))
	for i := range pos.CollateralAssets {
		assets[i] = pos.CollateralAssets[i].Hex()
		amounts[i] = pos.CollateralAmounts[i].String()
	}
	s.emit(ctx, "position_created", map[string]any{
		"position_id":        pos.ID,
		"owner":              pos.Owner.Hex(),
		"mode":               string(pos.Mode),
		"collateral_assets":  assets,
		"collateral_amounts": amounts,
		"debt_asset":         pos.DebtAsset.Hex(),
		"debt_amount":        pos.DebtAmount.String(),
	})
	if s.notifier != nil {
		if nErr := s.notifier.Notify(ctx, "position_created", "Position created",
			fmt.Sprintf("Position %s (%s) opened with %d collateral asset(s)", pos.ID, pos.Mode, len(pos.CollateralAssets))); nErr != nil {
			s.logger.WarnContext(ctx, "position_service: notify failed",
				slog.String("error", nErr.Error()),
			)
		}
	}
}

// emit publishes an event on the signal bus and mirrors it to the audit log.
func (s *PositionService) emit(ctx context.Context, event string, detail map[string]any) {
	if s.bus != nil {
		payload, _ := json.Marshal(map[string]any{"event": event, "detail": detail})
		if pubErr := s.bus.Publish(ctx, "positions", payload); pubErr != nil {
			s.logger.WarnContext(ctx, "position_service: publish event failed",
				slog.String("event", event),
				slog.String("error", pubErr.Error()),
			)
		}
	}
	if s.audit != nil {
		if auditErr := s.audit.Log(ctx, event, detail); auditErr != nil {
			s.logger.WarnContext(ctx, "position_service: audit log failed",
				slog.String("event", event),
				slog.String("error", auditErr.Error()),
			)
		}
	}
}
