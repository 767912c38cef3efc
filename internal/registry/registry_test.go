package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/loopbot/internal/builder"
	"github.com/alanyoungcy/loopbot/internal/domain"
	"github.com/alanyoungcy/loopbot/internal/pricing"
)

var (
	weth  = common.HexToAddress("0x1000000000000000000000000000000000000001")
	usdc  = common.HexToAddress("0x1000000000000000000000000000000000000002")
	alice = common.HexToAddress("0x2000000000000000000000000000000000000001")
	bob   = common.HexToAddress("0x2000000000000000000000000000000000000002")
)

func usd(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), big.NewInt(100_000_000))
}

func eth(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil))
}

// fakeEnv is a minimal lending/swap/token/oracle backend shared by every
// custody account, sufficient for the builder to run end to end.
type fakeEnv struct {
	prices   map[common.Address]*big.Int
	decimals map[common.Address]uint8
	cfgs     map[common.Address]domain.AssetConfig

	wallets    map[common.Address]map[common.Address]*big.Int
	collateral map[common.Address]map[common.Address]*big.Int
	debt       map[common.Address]map[common.Address]*big.Int
}

func newFakeEnv() *fakeEnv {
	return &fakeEnv{
		prices: map[common.Address]*big.Int{
			weth: usd(2000),
			usdc: usd(1),
		},
		decimals: map[common.Address]uint8{
			weth: 18,
			usdc: 6,
		},
		cfgs: map[common.Address]domain.AssetConfig{
			weth: {LTV: 7500, Active: true},
			usdc: {LTV: 8000, Active: true},
		},
		wallets:    make(map[common.Address]map[common.Address]*big.Int),
		collateral: make(map[common.Address]map[common.Address]*big.Int),
		debt:       make(map[common.Address]map[common.Address]*big.Int),
	}
}

func (e *fakeEnv) fund(asset, holder common.Address, amount *big.Int) {
	if e.wallets[asset] == nil {
		e.wallets[asset] = make(map[common.Address]*big.Int)
	}
	e.wallets[asset][holder] = new(big.Int).Set(amount)
}

func (e *fakeEnv) bucket(m map[common.Address]map[common.Address]*big.Int, account, asset common.Address) *big.Int {
	if m[account] == nil {
		m[account] = make(map[common.Address]*big.Int)
	}
	if m[account][asset] == nil {
		m[account][asset] = new(big.Int)
	}
	return m[account][asset]
}

func (e *fakeEnv) valueUSD(asset common.Address, amount *big.Int) *big.Int {
	out := new(big.Int).Mul(amount, e.prices[asset])
	return out.Quo(out, new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(e.decimals[asset])), nil))
}

func (e *fakeEnv) Pull(ctx context.Context, asset, from common.Address, amount *big.Int) error {
	bal := e.wallets[asset][from]
	if bal == nil || bal.Cmp(amount) < 0 {
		return fmt.Errorf("insufficient balance of %s", asset.Hex())
	}
	bal.Sub(bal, amount)
	return nil
}

func (e *fakeEnv) Push(ctx context.Context, asset, to common.Address, amount *big.Int) error {
	if e.wallets[asset] == nil {
		e.wallets[asset] = make(map[common.Address]*big.Int)
	}
	if e.wallets[asset][to] == nil {
		e.wallets[asset][to] = new(big.Int)
	}
	e.wallets[asset][to].Add(e.wallets[asset][to], amount)
	return nil
}

func (e *fakeEnv) Decimals(ctx context.Context, asset common.Address) (uint8, error) {
	dec, ok := e.decimals[asset]
	if !ok {
		return 0, domain.ErrUnsupportedAsset
	}
	return dec, nil
}

func (e *fakeEnv) PricesUSD(ctx context.Context, assets []common.Address) ([]*big.Int, error) {
	out := make([]*big.Int, len(assets))
	for i, a := range assets {
		price, ok := e.prices[a]
		if !ok {
			return nil, domain.ErrInvalidPriceData
		}
		out[i] = new(big.Int).Set(price)
	}
	return out, nil
}

func (e *fakeEnv) Supply(ctx context.Context, account, asset common.Address, amount *big.Int) error {
	e.bucket(e.collateral, account, asset).Add(e.bucket(e.collateral, account, asset), amount)
	return nil
}

func (e *fakeEnv) Borrow(ctx context.Context, account, asset common.Address, amount *big.Int) error {
	e.bucket(e.debt, account, asset).Add(e.bucket(e.debt, account, asset), amount)
	return nil
}

func (e *fakeEnv) Repay(ctx context.Context, account, asset common.Address, amount *big.Int) (*big.Int, error) {
	d := e.bucket(e.debt, account, asset)
	if d.Cmp(amount) < 0 {
		return nil, errors.New("repay exceeds debt")
	}
	d.Sub(d, amount)
	return new(big.Int).Set(amount), nil
}

func (e *fakeEnv) RepayAll(ctx context.Context, account, asset common.Address) (*big.Int, error) {
	d := e.bucket(e.debt, account, asset)
	repaid := new(big.Int).Set(d)
	d.SetInt64(0)
	return repaid, nil
}

func (e *fakeEnv) Withdraw(ctx context.Context, account, asset common.Address, amount *big.Int) (*big.Int, error) {
	c := e.bucket(e.collateral, account, asset)
	if c.Cmp(amount) < 0 {
		return nil, errors.New("withdraw exceeds collateral")
	}
	c.Sub(c, amount)
	return new(big.Int).Set(amount), nil
}

func (e *fakeEnv) WithdrawAll(ctx context.Context, account, asset common.Address) (*big.Int, error) {
	c := e.bucket(e.collateral, account, asset)
	withdrawn := new(big.Int).Set(c)
	c.SetInt64(0)
	return withdrawn, nil
}

func (e *fakeEnv) AccountAggregate(ctx context.Context, account common.Address) (domain.AccountAggregate, error) {
	totalCollateral := new(big.Int)
	capacity := new(big.Int)
	for asset, amount := range e.collateral[account] {
		v := e.valueUSD(asset, amount)
		totalCollateral.Add(totalCollateral, v)
		weighted := new(big.Int).Mul(v, new(big.Int).SetUint64(e.cfgs[asset].LTV))
		capacity.Add(capacity, weighted.Quo(weighted, big.NewInt(10_000)))
	}
	totalDebt := new(big.Int)
	for asset, amount := range e.debt[account] {
		totalDebt.Add(totalDebt, e.valueUSD(asset, amount))
	}
	available := new(big.Int).Sub(capacity, totalDebt)
	if available.Sign() < 0 {
		available.SetInt64(0)
	}
	return domain.AccountAggregate{
		TotalCollateralUSD: totalCollateral,
		TotalDebtUSD:       totalDebt,
		AvailableBorrowUSD: available,
		HealthFactor:       big.NewInt(0),
	}, nil
}

func (e *fakeEnv) AssetConfig(ctx context.Context, asset common.Address) (domain.AssetConfig, error) {
	cfg, ok := e.cfgs[asset]
	if !ok {
		return domain.AssetConfig{}, domain.ErrUnsupportedAsset
	}
	return cfg, nil
}

func (e *fakeEnv) IsAssetSupported(ctx context.Context, asset common.Address) (bool, error) {
	_, ok := e.cfgs[asset]
	return ok, nil
}

func (e *fakeEnv) SwapExact(ctx context.Context, account, fromAsset, toAsset common.Address, amountIn, minOut *big.Int, deadline time.Time) (*big.Int, error) {
	if minOut == nil || minOut.Sign() <= 0 {
		return nil, errors.New("minOut must be positive")
	}
	out := new(big.Int).Mul(amountIn, e.prices[fromAsset])
	out.Mul(out, new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(e.decimals[toAsset])), nil))
	out.Quo(out, e.prices[toAsset])
	out.Quo(out, new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(e.decimals[fromAsset])), nil))
	if out.Cmp(minOut) < 0 {
		return nil, errors.New("swap under minimum")
	}
	return out, nil
}

func newTestRegistry(env *fakeEnv) *Registry {
	logger := slog.New(slog.DiscardHandler)
	val := pricing.New(env, env, nil, 0, logger)
	b := builder.New(env, env, env, val, builder.Config{}, logger)
	return New(b, logger)
}

func TestCreateSafeIndexesPosition(t *testing.T) {
	env := newFakeEnv()
	env.fund(weth, alice, eth(1))
	reg := newTestRegistry(env)

	pos, err := reg.CreateSafe(context.Background(), alice,
		[]domain.CollateralInput{{Asset: weth, Amount: eth(1)}}, usdc, 15_000)
	require.NoError(t, err)
	require.NotEmpty(t, pos.ID)
	require.Equal(t, alice, pos.Owner)
	require.Equal(t, domain.ModeSafe, pos.Mode)
	require.NotEqual(t, common.Address{}, pos.Account)
	require.Equal(t, 1, reg.Count())

	got, err := reg.Get(pos.ID)
	require.NoError(t, err)
	require.Equal(t, pos.ID, got.ID)
}

func TestCreateSafeFailureLeavesRegistryEmpty(t *testing.T) {
	env := newFakeEnv()
	env.fund(weth, alice, eth(1))
	reg := newTestRegistry(env)

	_, err := reg.CreateSafe(context.Background(), alice,
		[]domain.CollateralInput{{Asset: weth, Amount: eth(1)}}, usdc, 9_999)
	require.ErrorIs(t, err, domain.ErrInvalidLeverage)
	require.Zero(t, reg.Count())
	require.Empty(t, reg.ListByOwner(alice))
}

func TestAccountsAreIsolatedPerPosition(t *testing.T) {
	env := newFakeEnv()
	env.fund(weth, alice, eth(2))
	reg := newTestRegistry(env)
	ctx := context.Background()

	a, err := reg.CreateSafe(ctx, alice,
		[]domain.CollateralInput{{Asset: weth, Amount: eth(1)}}, usdc, 15_000)
	require.NoError(t, err)
	b, err := reg.CreateSafe(ctx, alice,
		[]domain.CollateralInput{{Asset: weth, Amount: eth(1)}}, usdc, 15_000)
	require.NoError(t, err)

	require.NotEqual(t, a.ID, b.ID)
	require.NotEqual(t, a.Account, b.Account)
}

func TestGetUnknownID(t *testing.T) {
	reg := newTestRegistry(newFakeEnv())
	_, err := reg.Get("no-such-id")
	require.ErrorIs(t, err, domain.ErrNotFound)

	err = reg.WithPosition(context.Background(), "no-such-id", func(pos *domain.Position) error {
		t.Fatal("fn must not run for unknown IDs")
		return nil
	})
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestListByOwnerKeepsCreationOrderAndClosed(t *testing.T) {
	env := newFakeEnv()
	env.fund(weth, alice, eth(3))
	reg := newTestRegistry(env)
	ctx := context.Background()

	first, err := reg.CreateSafe(ctx, alice,
		[]domain.CollateralInput{{Asset: weth, Amount: eth(1)}}, usdc, 15_000)
	require.NoError(t, err)
	second, err := reg.CreateDegen(ctx, alice,
		domain.CollateralInput{Asset: weth, Amount: eth(1)}, usdc, 20_000)
	require.NoError(t, err)

	// Closing the first position keeps it listed.
	err = reg.WithPosition(ctx, first.ID, func(pos *domain.Position) error {
		pos.Reset(time.Now().UTC())
		return nil
	})
	require.NoError(t, err)

	listed := reg.ListByOwner(alice)
	require.Len(t, listed, 2)
	require.Equal(t, first.ID, listed[0].ID)
	require.Equal(t, second.ID, listed[1].ID)
	require.False(t, listed[0].IsOpen())
	require.True(t, listed[1].IsOpen())

	require.Empty(t, reg.ListByOwner(bob))
}

func TestWithPositionMutatesRegistryState(t *testing.T) {
	env := newFakeEnv()
	env.fund(weth, alice, eth(1))
	reg := newTestRegistry(env)
	ctx := context.Background()

	pos, err := reg.CreateSafe(ctx, alice,
		[]domain.CollateralInput{{Asset: weth, Amount: eth(1)}}, usdc, 15_000)
	require.NoError(t, err)

	err = reg.WithPosition(ctx, pos.ID, func(p *domain.Position) error {
		p.DebtAmount = big.NewInt(42)
		return nil
	})
	require.NoError(t, err)

	got, err := reg.Get(pos.ID)
	require.NoError(t, err)
	require.Zero(t, got.DebtAmount.Cmp(big.NewInt(42)))
}

func TestWithPositionLockHeld(t *testing.T) {
	env := newFakeEnv()
	env.fund(weth, alice, eth(1))
	reg := newTestRegistry(env)
	ctx := context.Background()

	pos, err := reg.CreateSafe(ctx, alice,
		[]domain.CollateralInput{{Asset: weth, Amount: eth(1)}}, usdc, 15_000)
	require.NoError(t, err)

	// A second mutation attempted while the first is still running must be
	// refused immediately rather than queued.
	err = reg.WithPosition(ctx, pos.ID, func(p *domain.Position) error {
		innerErr := reg.WithPosition(ctx, pos.ID, func(p *domain.Position) error {
			return nil
		})
		require.ErrorIs(t, innerErr, domain.ErrLockHeld)
		return nil
	})
	require.NoError(t, err)

	// Released after fn returns.
	require.NoError(t, reg.WithPosition(ctx, pos.ID, func(p *domain.Position) error {
		return nil
	}))
}

func TestWithPositionReleasesLockOnError(t *testing.T) {
	env := newFakeEnv()
	env.fund(weth, alice, eth(1))
	reg := newTestRegistry(env)
	ctx := context.Background()

	pos, err := reg.CreateSafe(ctx, alice,
		[]domain.CollateralInput{{Asset: weth, Amount: eth(1)}}, usdc, 15_000)
	require.NoError(t, err)

	boom := errors.New("boom")
	err = reg.WithPosition(ctx, pos.ID, func(p *domain.Position) error { return boom })
	require.ErrorIs(t, err, boom)

	require.NoError(t, reg.WithPosition(ctx, pos.ID, func(p *domain.Position) error {
		return nil
	}))
}

func TestSnapshotsAreIsolated(t *testing.T) {
	env := newFakeEnv()
	env.fund(weth, alice, eth(1))
	reg := newTestRegistry(env)
	ctx := context.Background()

	pos, err := reg.CreateSafe(ctx, alice,
		[]domain.CollateralInput{{Asset: weth, Amount: eth(1)}}, usdc, 15_000)
	require.NoError(t, err)

	// Mutating a snapshot must not leak into the registry.
	pos.DebtAmount.SetInt64(0)
	pos.CollateralAmounts[0].SetInt64(0)
	pos.CollateralAssets[0] = usdc

	got, err := reg.Get(pos.ID)
	require.NoError(t, err)
	require.Positive(t, got.DebtAmount.Sign())
	require.Positive(t, got.CollateralAmounts[0].Sign())
	require.Equal(t, weth, got.CollateralAssets[0])
}
