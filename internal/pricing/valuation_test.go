package pricing

import (
	"context"
	"errors"
	"log/slog"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/loopbot/internal/domain"
)

var (
	weth = common.HexToAddress("0x1000000000000000000000000000000000000001")
	usdc = common.HexToAddress("0x1000000000000000000000000000000000000002")
	wbtc = common.HexToAddress("0x1000000000000000000000000000000000000003")
)

// fakeOracle returns fixed 8-decimal USD prices and counts calls.
type fakeOracle struct {
	prices map[common.Address]*big.Int
	calls  int
}

func (o *fakeOracle) PricesUSD(ctx context.Context, assets []common.Address) ([]*big.Int, error) {
	o.calls++
	out := make([]*big.Int, len(assets))
	for i, a := range assets {
		p, ok := o.prices[a]
		if !ok {
			return nil, domain.ErrInvalidPriceData
		}
		out[i] = new(big.Int).Set(p)
	}
	return out, nil
}

// fakeTokens provides decimals lookups; Pull/Push are unused here.
type fakeTokens struct {
	decimals map[common.Address]uint8
	calls    int
}

func (t *fakeTokens) Pull(ctx context.Context, asset, from common.Address, amount *big.Int) error {
	return nil
}

func (t *fakeTokens) Push(ctx context.Context, asset, to common.Address, amount *big.Int) error {
	return nil
}

func (t *fakeTokens) Decimals(ctx context.Context, asset common.Address) (uint8, error) {
	t.calls++
	dec, ok := t.decimals[asset]
	if !ok {
		return 0, domain.ErrUnsupportedAsset
	}
	return dec, nil
}

func usd(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), big.NewInt(100_000_000))
}

func eth(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil))
}

func newTestValuation() (*Valuation, *fakeOracle, *fakeTokens) {
	oracle := &fakeOracle{prices: map[common.Address]*big.Int{
		weth: usd(2000),
		usdc: usd(1),
		wbtc: usd(60000),
	}}
	tokens := &fakeTokens{decimals: map[common.Address]uint8{
		weth: 18,
		usdc: 6,
		wbtc: 8,
	}}
	logger := slog.New(slog.DiscardHandler)
	return New(oracle, tokens, nil, 0, logger), oracle, tokens
}

func TestValueUSD(t *testing.T) {
	v, _, _ := newTestValuation()
	ctx := context.Background()

	tests := []struct {
		name   string
		asset  common.Address
		amount *big.Int
		want   *big.Int
	}{
		{"1 ETH at $2000", weth, eth(1), usd(2000)},
		{"3 ETH", weth, eth(3), usd(6000)},
		{"500 USDC", usdc, big.NewInt(500_000_000), usd(500)},
		{"0.5 WBTC", wbtc, big.NewInt(50_000_000), usd(30000)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := v.ValueUSD(ctx, tt.asset, tt.amount)
			if err != nil {
				t.Fatal(err)
			}
			if got.Cmp(tt.want) != 0 {
				t.Errorf("ValueUSD = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestUSDToAssetRoundsUp(t *testing.T) {
	v, _, _ := newTestValuation()
	ctx := context.Background()

	// $2000 at $2000/ETH is exactly 1 ETH.
	got, err := v.USDToAsset(ctx, usd(2000), weth)
	if err != nil {
		t.Fatal(err)
	}
	if got.Cmp(eth(1)) != 0 {
		t.Errorf("exact conversion = %s, want %s", got, eth(1))
	}

	// $1 at $60000/WBTC does not divide evenly into 8-decimal sats;
	// the result must round up so the caller is never short.
	got, err = v.USDToAsset(ctx, usd(1), wbtc)
	if err != nil {
		t.Fatal(err)
	}
	// 1/60000 BTC = 1666.66... sats, expect 1667.
	if got.Cmp(big.NewInt(1667)) != 0 {
		t.Errorf("truncating conversion = %s, want 1667", got)
	}

	// Round-up invariant: converting the amount back is worth at least the
	// requested USD value.
	back, err := v.ValueUSD(ctx, wbtc, got)
	if err != nil {
		t.Fatal(err)
	}
	if back.Cmp(usd(1)) < 0 {
		t.Errorf("round trip value %s is below requested %s", back, usd(1))
	}
}

func TestRate(t *testing.T) {
	v, _, _ := newTestValuation()
	ctx := context.Background()

	// 1 ETH -> 2000 USDC (6 decimals).
	got, err := v.Rate(ctx, weth, usdc, eth(1))
	if err != nil {
		t.Fatal(err)
	}
	want := big.NewInt(2000_000_000)
	if got.Cmp(want) != 0 {
		t.Errorf("Rate(weth, usdc, 1e18) = %s, want %s", got, want)
	}

	// 60000 USDC -> 1 WBTC (8 decimals).
	got, err = v.Rate(ctx, usdc, wbtc, big.NewInt(60000_000_000))
	if err != nil {
		t.Fatal(err)
	}
	want = big.NewInt(100_000_000)
	if got.Cmp(want) != 0 {
		t.Errorf("Rate(usdc, wbtc) = %s, want %s", got, want)
	}
}

func TestRateIdentity(t *testing.T) {
	v, oracle, _ := newTestValuation()
	ctx := context.Background()

	amount := eth(7)
	got, err := v.Rate(ctx, weth, weth, amount)
	if err != nil {
		t.Fatal(err)
	}
	if got.Cmp(amount) != 0 {
		t.Errorf("identity rate = %s, want %s", got, amount)
	}
	if oracle.calls != 0 {
		t.Errorf("identity rate should not hit the oracle, got %d calls", oracle.calls)
	}
	if got == amount {
		t.Error("identity rate must return a copy, not the caller's value")
	}
}

func TestPriceUSDRejectsNonPositive(t *testing.T) {
	v, oracle, _ := newTestValuation()
	ctx := context.Background()

	oracle.prices[weth] = big.NewInt(0)
	if _, err := v.PriceUSD(ctx, weth); !errors.Is(err, domain.ErrInvalidPriceData) {
		t.Errorf("zero price: got %v, want ErrInvalidPriceData", err)
	}

	oracle.prices[weth] = big.NewInt(-1)
	if _, err := v.PriceUSD(ctx, weth); !errors.Is(err, domain.ErrInvalidPriceData) {
		t.Errorf("negative price: got %v, want ErrInvalidPriceData", err)
	}
}

func TestDecimalsMemoized(t *testing.T) {
	v, _, tokens := newTestValuation()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := v.Decimals(ctx, weth); err != nil {
			t.Fatal(err)
		}
	}
	if tokens.calls != 1 {
		t.Errorf("decimals lookups = %d, want 1 (memoized)", tokens.calls)
	}
}
