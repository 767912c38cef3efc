// Package registry owns the position index: one entry per constructed
// position, each guarded by its own lock, plus an owner index that is
// appended on create and never removed. Closed positions remain indexed but
// inert.
package registry

import (
	"context"
	"log/slog"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"

	"github.com/alanyoungcy/loopbot/internal/builder"
	"github.com/alanyoungcy/loopbot/internal/domain"
)

type entry struct {
	mu  sync.Mutex
	pos domain.Position
}

// Registry creates positions and serializes access to them.
type Registry struct {
	builder *builder.Builder
	logger  *slog.Logger

	mu      sync.RWMutex
	entries map[string]*entry
	byOwner map[common.Address][]string
}

// New creates an empty Registry.
func New(b *builder.Builder, logger *slog.Logger) *Registry {
	return &Registry{
		builder: b,
		logger:  logger,
		entries: make(map[string]*entry),
		byOwner: make(map[common.Address][]string),
	}
}

// deriveAccount produces the deterministic protocol custody account for a
// position, one isolated account per position.
func deriveAccount(owner common.Address, id string) common.Address {
	hash := ethcrypto.Keccak256(owner.Bytes(), []byte(id))
	return common.BytesToAddress(hash[12:])
}

// CreateSafe builds a safe-mode position and indexes it.
func (r *Registry) CreateSafe(ctx context.Context, owner common.Address, inputs []domain.CollateralInput, debtAsset common.Address, factor uint64) (domain.Position, error) {
	id := uuid.New().String()
	pos, err := r.builder.BuildSafe(ctx, id, owner, deriveAccount(owner, id), inputs, debtAsset, factor)
	if err != nil {
		return domain.Position{}, err
	}
	r.index(pos)
	return snapshot(&pos), nil
}

// CreateDegen builds a degen-mode position and indexes it.
func (r *Registry) CreateDegen(ctx context.Context, owner common.Address, input domain.CollateralInput, debtAsset common.Address, factor uint64) (domain.Position, error) {
	id := uuid.New().String()
	pos, err := r.builder.BuildDegen(ctx, id, owner, deriveAccount(owner, id), input, debtAsset, factor)
	if err != nil {
		return domain.Position{}, err
	}
	r.index(pos)
	return snapshot(&pos), nil
}

func (r *Registry) index(pos domain.Position) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[pos.ID] = &entry{pos: pos}
	r.byOwner[pos.Owner] = append(r.byOwner[pos.Owner], pos.ID)
	r.logger.Info("registry: position indexed",
		slog.String("position_id", pos.ID),
		slog.String("owner", pos.Owner.Hex()),
		slog.String("mode", string(pos.Mode)),
	)
}

// WithPosition runs fn with exclusive access to the position. It returns
// domain.ErrLockHeld immediately when another mutation is in progress and
// domain.ErrNotFound for unknown IDs. The lock is released on every exit,
// including fn failures.
func (r *Registry) WithPosition(ctx context.Context, id string, fn func(pos *domain.Position) error) error {
	r.mu.RLock()
	e, ok := r.entries[id]
	r.mu.RUnlock()
	if !ok {
		return domain.ErrNotFound
	}

	if !e.mu.TryLock() {
		return domain.ErrLockHeld
	}
	defer e.mu.Unlock()

	return fn(&e.pos)
}

// Get returns a snapshot of the position.
func (r *Registry) Get(id string) (domain.Position, error) {
	r.mu.RLock()
	e, ok := r.entries[id]
	r.mu.RUnlock()
	if !ok {
		return domain.Position{}, domain.ErrNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return snapshot(&e.pos), nil
}

// ListByOwner returns snapshots of every position ever created by owner,
// open or closed, in creation order.
func (r *Registry) ListByOwner(owner common.Address) []domain.Position {
	r.mu.RLock()
	ids := r.byOwner[owner]
	r.mu.RUnlock()

	out := make([]domain.Position, 0, len(ids))
	for _, id := range ids {
		if pos, err := r.Get(id); err == nil {
			out = append(out, pos)
		}
	}
	return out
}

// Count returns the number of indexed positions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// snapshot deep-copies a position so callers cannot mutate registry state.
func snapshot(p *domain.Position) domain.Position {
	out := *p
	out.CollateralAssets = append([]common.Address(nil), p.CollateralAssets...)
	out.CollateralAmounts = nil
	for _, a := range p.CollateralAmounts {
		out.CollateralAmounts = append(out.CollateralAmounts, new(big.Int).Set(a))
	}
	if p.DebtAmount != nil {
		out.DebtAmount = new(big.Int).Set(p.DebtAmount)
	}
	return out
}
