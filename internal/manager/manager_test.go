package manager

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

	"github.com/alanyoungcy/loopbot/internal/domain"
	"github.com/alanyoungcy/loopbot/internal/pricing"
)

var (
	weth  = common.HexToAddress("0x1000000000000000000000000000000000000001")
	usdc  = common.HexToAddress("0x1000000000000000000000000000000000000002")
	wbtc  = common.HexToAddress("0x1000000000000000000000000000000000000003")
	alice = common.HexToAddress("0x2000000000000000000000000000000000000001")
	mal   = common.HexToAddress("0x2000000000000000000000000000000000000002")
	acct  = common.HexToAddress("0x3000000000000000000000000000000000000001")
)

func usd(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), big.NewInt(100_000_000))
}

func tokens(n int64, dec uint8) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(dec)), nil))
}

// fakePool models the lending pool, oracle, and token surface for manager
// operations. Collateral and debt are tracked per asset for a single account.
type fakePool struct {
	prices   map[common.Address]*big.Int
	decimals map[common.Address]uint8
	cfgs     map[common.Address]domain.AssetConfig

	wallets    map[common.Address]map[common.Address]*big.Int
	collateral map[common.Address]*big.Int
	debt       map[common.Address]*big.Int

	failSupply   bool
	failRepay    bool
	failWithdraw common.Address
	failPush     common.Address
}

func newFakePool() *fakePool {
	return &fakePool{
		prices: map[common.Address]*big.Int{
			weth: usd(2000),
			usdc: usd(1),
			wbtc: usd(60000),
		},
		decimals: map[common.Address]uint8{
			weth: 18,
			usdc: 6,
			wbtc: 8,
		},
		cfgs: map[common.Address]domain.AssetConfig{
			weth: {LTV: 7500, Active: true},
			usdc: {LTV: 8000, Active: true},
			wbtc: {LTV: 7000, Active: true},
		},
		wallets: make(map[common.Address]map[common.Address]*big.Int),
		collateral: map[common.Address]*big.Int{
			weth: new(big.Int), usdc: new(big.Int), wbtc: new(big.Int),
		},
		debt: map[common.Address]*big.Int{
			weth: new(big.Int), usdc: new(big.Int), wbtc: new(big.Int),
		},
	}
}

func (p *fakePool) fund(asset, holder common.Address, amount *big.Int) {
	if p.wallets[asset] == nil {
		p.wallets[asset] = make(map[common.Address]*big.Int)
	}
	p.wallets[asset][holder] = new(big.Int).Set(amount)
}

func (p *fakePool) balance(asset, holder common.Address) *big.Int {
	if p.wallets[asset] == nil || p.wallets[asset][holder] == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(p.wallets[asset][holder])
}

func (p *fakePool) valueUSD(asset common.Address, amount *big.Int) *big.Int {
	out := new(big.Int).Mul(amount, p.prices[asset])
	return out.Quo(out, new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(p.decimals[asset])), nil))
}

func (p *fakePool) Pull(ctx context.Context, asset, from common.Address, amount *big.Int) error {
	bal := p.wallets[asset][from]
	if bal == nil || bal.Cmp(amount) < 0 {
		return fmt.Errorf("insufficient balance of %s", asset.Hex())
	}
	bal.Sub(bal, amount)
	return nil
}

func (p *fakePool) Push(ctx context.Context, asset, to common.Address, amount *big.Int) error {
	if asset == p.failPush {
		return errors.New("transfer refused")
	}
	if p.wallets[asset] == nil {
		p.wallets[asset] = make(map[common.Address]*big.Int)
	}
	if p.wallets[asset][to] == nil {
		p.wallets[asset][to] = new(big.Int)
	}
	p.wallets[asset][to].Add(p.wallets[asset][to], amount)
	return nil
}

func (p *fakePool) Decimals(ctx context.Context, asset common.Address) (uint8, error) {
	dec, ok := p.decimals[asset]
	if !ok {
		return 0, domain.ErrUnsupportedAsset
	}
	return dec, nil
}

func (p *fakePool) PricesUSD(ctx context.Context, assets []common.Address) ([]*big.Int, error) {
	out := make([]*big.Int, len(assets))
	for i, a := range assets {
		price, ok := p.prices[a]
		if !ok {
			return nil, domain.ErrInvalidPriceData
		}
		out[i] = new(big.Int).Set(price)
	}
	return out, nil
}

func (p *fakePool) Supply(ctx context.Context, account, asset common.Address, amount *big.Int) error {
	if p.failSupply {
		return errors.New("supply refused")
	}
	p.collateral[asset].Add(p.collateral[asset], amount)
	return nil
}

func (p *fakePool) Borrow(ctx context.Context, account, asset common.Address, amount *big.Int) error {
	p.debt[asset].Add(p.debt[asset], amount)
	return nil
}

func (p *fakePool) Repay(ctx context.Context, account, asset common.Address, amount *big.Int) (*big.Int, error) {
	if p.failRepay {
		return nil, errors.New("repay refused")
	}
	d := p.debt[asset]
	if d.Cmp(amount) < 0 {
		return nil, errors.New("repay exceeds debt")
	}
	d.Sub(d, amount)
	return new(big.Int).Set(amount), nil
}

func (p *fakePool) RepayAll(ctx context.Context, account, asset common.Address) (*big.Int, error) {
	if p.failRepay {
		return nil, errors.New("repay refused")
	}
	repaid := new(big.Int).Set(p.debt[asset])
	p.debt[asset].SetInt64(0)
	return repaid, nil
}

func (p *fakePool) Withdraw(ctx context.Context, account, asset common.Address, amount *big.Int) (*big.Int, error) {
	c := p.collateral[asset]
	if c.Cmp(amount) < 0 {
		return nil, errors.New("withdraw exceeds collateral")
	}
	c.Sub(c, amount)
	return new(big.Int).Set(amount), nil
}

func (p *fakePool) WithdrawAll(ctx context.Context, account, asset common.Address) (*big.Int, error) {
	if asset == p.failWithdraw {
		return nil, errors.New("withdraw refused")
	}
	withdrawn := new(big.Int).Set(p.collateral[asset])
	p.collateral[asset].SetInt64(0)
	return withdrawn, nil
}

func (p *fakePool) AccountAggregate(ctx context.Context, account common.Address) (domain.AccountAggregate, error) {
	totalCollateral := new(big.Int)
	for asset, amount := range p.collateral {
		totalCollateral.Add(totalCollateral, p.valueUSD(asset, amount))
	}
	totalDebt := new(big.Int)
	for asset, amount := range p.debt {
		totalDebt.Add(totalDebt, p.valueUSD(asset, amount))
	}
	return domain.AccountAggregate{
		TotalCollateralUSD: totalCollateral,
		TotalDebtUSD:       totalDebt,
		AvailableBorrowUSD: new(big.Int),
		HealthFactor:       big.NewInt(0),
	}, nil
}

func (p *fakePool) AssetConfig(ctx context.Context, asset common.Address) (domain.AssetConfig, error) {
	cfg, ok := p.cfgs[asset]
	if !ok {
		return domain.AssetConfig{}, domain.ErrUnsupportedAsset
	}
	return cfg, nil
}

func (p *fakePool) IsAssetSupported(ctx context.Context, asset common.Address) (bool, error) {
	_, ok := p.cfgs[asset]
	return ok, nil
}

func newTestManager(pool *fakePool) *Manager {
	logger := slog.New(slog.DiscardHandler)
	val := pricing.New(pool, pool, nil, 0, logger)
	return New(pool, pool, val, logger)
}

// openPosition seeds the pool and returns a position holding 1 WETH of
// collateral against 1000 USDC of debt.
func openPosition(pool *fakePool) *domain.Position {
	pool.collateral[weth].Set(tokens(1, 18))
	pool.debt[usdc].Set(big.NewInt(1000_000_000))
	return &domain.Position{
		ID:                "pos-1",
		Owner:             alice,
		Account:           acct,
		CollateralAssets:  []common.Address{weth},
		CollateralAmounts: []*big.Int{tokens(1, 18)},
		DebtAsset:         usdc,
		DebtAmount:        big.NewInt(1000_000_000),
		Mode:              domain.ModeSafe,
		CreatedAt:         time.Now().UTC(),
	}
}

func TestAddCollateralExistingAsset(t *testing.T) {
	pool := newFakePool()
	pool.fund(weth, alice, tokens(2, 18))
	m := newTestManager(pool)
	pos := openPosition(pool)

	err := m.AddCollateral(context.Background(), pos, alice, weth, tokens(1, 18))
	require.NoError(t, err)

	require.Len(t, pos.CollateralAssets, 1)
	require.Zero(t, pos.CollateralAmounts[0].Cmp(tokens(2, 18)))
	require.Zero(t, pool.collateral[weth].Cmp(tokens(2, 18)))
	require.Zero(t, pool.balance(weth, alice).Cmp(tokens(1, 18)))
}

func TestAddCollateralNewAsset(t *testing.T) {
	pool := newFakePool()
	pool.fund(wbtc, alice, tokens(1, 8))
	m := newTestManager(pool)
	pos := openPosition(pool)

	err := m.AddCollateral(context.Background(), pos, alice, wbtc, tokens(1, 8))
	require.NoError(t, err)

	require.Len(t, pos.CollateralAssets, 2)
	require.Equal(t, wbtc, pos.CollateralAssets[1])
	require.Zero(t, pos.CollateralAmounts[1].Cmp(tokens(1, 8)))
}

func TestAddCollateralDegenStaysSingleAsset(t *testing.T) {
	pool := newFakePool()
	pool.fund(wbtc, alice, tokens(1, 8))
	m := newTestManager(pool)
	pos := openPosition(pool)
	pos.Mode = domain.ModeDegen

	err := m.AddCollateral(context.Background(), pos, alice, wbtc, tokens(1, 8))
	require.ErrorIs(t, err, domain.ErrTooManyAssets)

	// No tokens moved.
	require.Zero(t, pool.balance(wbtc, alice).Cmp(tokens(1, 8)))
}

func TestAddCollateralRejections(t *testing.T) {
	pool := newFakePool()
	pool.fund(weth, alice, tokens(1, 18))
	m := newTestManager(pool)
	ctx := context.Background()

	t.Run("not owner", func(t *testing.T) {
		pos := openPosition(pool)
		err := m.AddCollateral(ctx, pos, mal, weth, tokens(1, 18))
		require.ErrorIs(t, err, domain.ErrNotOwner)
	})

	t.Run("closed position", func(t *testing.T) {
		pos := openPosition(pool)
		pos.Reset(time.Now().UTC())
		err := m.AddCollateral(ctx, pos, alice, weth, tokens(1, 18))
		require.ErrorIs(t, err, domain.ErrPositionClosed)
	})

	t.Run("debt asset as collateral", func(t *testing.T) {
		pos := openPosition(pool)
		err := m.AddCollateral(ctx, pos, alice, usdc, big.NewInt(1))
		require.ErrorIs(t, err, domain.ErrSameAsset)
	})

	t.Run("zero amount", func(t *testing.T) {
		pos := openPosition(pool)
		err := m.AddCollateral(ctx, pos, alice, weth, big.NewInt(0))
		require.ErrorIs(t, err, domain.ErrInvalidAmount)
	})

	t.Run("unsupported asset", func(t *testing.T) {
		pos := openPosition(pool)
		ghost := common.HexToAddress("0x4000000000000000000000000000000000000009")
		err := m.AddCollateral(ctx, pos, alice, ghost, big.NewInt(1))
		require.ErrorIs(t, err, domain.ErrUnsupportedAsset)
	})
}

func TestAddCollateralRefundsOnFailedSupply(t *testing.T) {
	pool := newFakePool()
	pool.fund(weth, alice, tokens(1, 18))
	pool.failSupply = true
	m := newTestManager(pool)
	pos := openPosition(pool)

	err := m.AddCollateral(context.Background(), pos, alice, weth, tokens(1, 18))
	require.Error(t, err)

	// The pulled tokens came back and the record is untouched.
	require.Zero(t, pool.balance(weth, alice).Cmp(tokens(1, 18)))
	require.Zero(t, pos.CollateralAmounts[0].Cmp(tokens(1, 18)))
}

func TestRepayDebtPartial(t *testing.T) {
	pool := newFakePool()
	pool.fund(usdc, alice, big.NewInt(400_000_000))
	m := newTestManager(pool)
	pos := openPosition(pool)

	err := m.RepayDebt(context.Background(), pos, alice, big.NewInt(400_000_000))
	require.NoError(t, err)

	require.Zero(t, pos.DebtAmount.Cmp(big.NewInt(600_000_000)))
	require.Zero(t, pool.debt[usdc].Cmp(big.NewInt(600_000_000)))
	require.Zero(t, pool.balance(usdc, alice).Sign())
}

func TestRepayDebtExcessiveRejectedBeforeTokenMoves(t *testing.T) {
	pool := newFakePool()
	pool.fund(usdc, alice, big.NewInt(2000_000_000))
	m := newTestManager(pool)
	pos := openPosition(pool)

	err := m.RepayDebt(context.Background(), pos, alice, big.NewInt(1000_000_001))
	require.ErrorIs(t, err, domain.ErrExcessiveRepay)

	require.Zero(t, pool.balance(usdc, alice).Cmp(big.NewInt(2000_000_000)))
	require.Zero(t, pos.DebtAmount.Cmp(big.NewInt(1000_000_000)))
}

func TestRepayDebtToZero(t *testing.T) {
	pool := newFakePool()
	pool.fund(usdc, alice, big.NewInt(1000_000_000))
	m := newTestManager(pool)
	pos := openPosition(pool)

	err := m.RepayDebt(context.Background(), pos, alice, big.NewInt(1000_000_000))
	require.NoError(t, err)
	require.Zero(t, pos.DebtAmount.Sign())
	require.True(t, pos.IsOpen())
}

func TestRepayDebtRefundsOnFailedRepay(t *testing.T) {
	pool := newFakePool()
	pool.fund(usdc, alice, big.NewInt(500_000_000))
	pool.failRepay = true
	m := newTestManager(pool)
	pos := openPosition(pool)

	err := m.RepayDebt(context.Background(), pos, alice, big.NewInt(500_000_000))
	require.Error(t, err)

	require.Zero(t, pool.balance(usdc, alice).Cmp(big.NewInt(500_000_000)))
	require.Zero(t, pos.DebtAmount.Cmp(big.NewInt(1000_000_000)))
}

func TestClosePosition(t *testing.T) {
	pool := newFakePool()
	pool.fund(usdc, alice, big.NewInt(1000_000_000))
	m := newTestManager(pool)
	pos := openPosition(pool)

	err := m.ClosePosition(context.Background(), pos, alice)
	require.NoError(t, err)

	require.False(t, pos.IsOpen())
	require.NotNil(t, pos.ClosedAt)
	require.Zero(t, pos.DebtAmount.Sign())
	require.Empty(t, pos.CollateralAssets)

	// Debt cleared, collateral returned to the owner.
	require.Zero(t, pool.debt[usdc].Sign())
	require.Zero(t, pool.collateral[weth].Sign())
	require.Zero(t, pool.balance(weth, alice).Cmp(tokens(1, 18)))
	require.Zero(t, pool.balance(usdc, alice).Sign())
}

func TestClosePositionAuthorization(t *testing.T) {
	pool := newFakePool()
	m := newTestManager(pool)
	pos := openPosition(pool)

	err := m.ClosePosition(context.Background(), pos, mal)
	require.ErrorIs(t, err, domain.ErrNotOwner)
	require.True(t, pos.IsOpen())
}

func TestClosePositionAbortsOnFailedRepay(t *testing.T) {
	pool := newFakePool()
	pool.fund(usdc, alice, big.NewInt(1000_000_000))
	pool.failRepay = true
	m := newTestManager(pool)
	pos := openPosition(pool)

	err := m.ClosePosition(context.Background(), pos, alice)
	require.Error(t, err)

	// Refunded repayment, record untouched, collateral still in the pool.
	require.Zero(t, pool.balance(usdc, alice).Cmp(big.NewInt(1000_000_000)))
	require.True(t, pos.IsOpen())
	require.Zero(t, pool.collateral[weth].Cmp(tokens(1, 18)))
}

// trackWbtc supplies 1 WBTC for the position's account and records it as a
// second collateral asset.
func trackWbtc(pool *fakePool, pos *domain.Position) {
	pool.collateral[wbtc].Set(tokens(1, 8))
	pos.CollateralAssets = append(pos.CollateralAssets, wbtc)
	pos.CollateralAmounts = append(pos.CollateralAmounts, tokens(1, 8))
}

func TestClosePositionAbortsOnFailedWithdraw(t *testing.T) {
	pool := newFakePool()
	pool.fund(usdc, alice, big.NewInt(1000_000_000))
	pool.failWithdraw = wbtc
	m := newTestManager(pool)
	pos := openPosition(pool)
	trackWbtc(pool, pos)

	err := m.ClosePosition(context.Background(), pos, alice)
	require.Error(t, err)

	// The first asset went out before the second refused; both must be back
	// under the account, none with the owner, record untouched.
	require.Zero(t, pool.collateral[weth].Cmp(tokens(1, 18)))
	require.Zero(t, pool.collateral[wbtc].Cmp(tokens(1, 8)))
	require.Zero(t, pool.balance(weth, alice).Sign())
	require.Zero(t, pool.balance(wbtc, alice).Sign())
	require.True(t, pos.IsOpen())
	require.Len(t, pos.CollateralAssets, 2)

	// With the refusal gone, a retry completes the close.
	pool.failWithdraw = common.Address{}
	require.NoError(t, m.ClosePosition(context.Background(), pos, alice))
	require.False(t, pos.IsOpen())
	require.Zero(t, pool.balance(weth, alice).Cmp(tokens(1, 18)))
	require.Zero(t, pool.balance(wbtc, alice).Cmp(tokens(1, 8)))
}

func TestClosePositionAbortsOnFailedReturn(t *testing.T) {
	pool := newFakePool()
	pool.fund(usdc, alice, big.NewInt(1000_000_000))
	pool.failPush = wbtc
	m := newTestManager(pool)
	pos := openPosition(pool)
	trackWbtc(pool, pos)

	err := m.ClosePosition(context.Background(), pos, alice)
	require.Error(t, err)

	// WETH had already reached the owner when the WBTC transfer refused; it
	// is pulled back and both assets are supplied again.
	require.Zero(t, pool.collateral[weth].Cmp(tokens(1, 18)))
	require.Zero(t, pool.collateral[wbtc].Cmp(tokens(1, 8)))
	require.Zero(t, pool.balance(weth, alice).Sign())
	require.True(t, pos.IsOpen())
}

func TestClosePositionIdempotentGuard(t *testing.T) {
	pool := newFakePool()
	pool.fund(usdc, alice, big.NewInt(1000_000_000))
	m := newTestManager(pool)
	pos := openPosition(pool)

	require.NoError(t, m.ClosePosition(context.Background(), pos, alice))
	err := m.ClosePosition(context.Background(), pos, alice)
	require.ErrorIs(t, err, domain.ErrPositionClosed)
}
