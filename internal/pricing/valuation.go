// Package pricing converts between native asset amounts and USD-denominated
// values using oracle price data. USD values carry the oracle's 8-decimal
// fixed-point convention throughout.
package pricing

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/loopbot/internal/domain"
)

// USDDecimals is the fixed-point scale of USD values (oracle convention).
const USDDecimals = 8

// Valuation implements asset<->USD conversion with per-asset decimal
// normalization. Oracle reads go through an optional Redis cache; decimals
// are immutable per asset and memoized in-process.
type Valuation struct {
	oracle domain.PriceOracle
	tokens domain.TokenAdapter
	cache  domain.PriceCache // nil disables caching
	ttl    time.Duration
	logger *slog.Logger

	mu       sync.RWMutex
	decimals map[common.Address]uint8
}

// New creates a Valuation. cache may be nil, in which case every price read
// hits the oracle.
func New(oracle domain.PriceOracle, tokens domain.TokenAdapter, cache domain.PriceCache, ttl time.Duration, logger *slog.Logger) *Valuation {
	return &Valuation{
		oracle:   oracle,
		tokens:   tokens,
		cache:    cache,
		ttl:      ttl,
		logger:   logger,
		decimals: make(map[common.Address]uint8),
	}
}

// PriceUSD returns the 8-decimal USD price of asset, preferring a fresh
// cached value. Returns domain.ErrInvalidPriceData for non-positive prices.
func (v *Valuation) PriceUSD(ctx context.Context, asset common.Address) (*big.Int, error) {
	if v.cache != nil {
		price, ts, err := v.cache.GetPrice(ctx, asset)
		if err == nil && time.Since(ts) < v.ttl && price.Sign() > 0 {
			return price, nil
		}
	}

	prices, err := v.oracle.PricesUSD(ctx, []common.Address{asset})
	if err != nil {
		return nil, fmt.Errorf("pricing: oracle price for %s: %w", asset.Hex(), err)
	}
	price := prices[0]
	if price.Sign() <= 0 {
		return nil, fmt.Errorf("pricing: price for %s: %w", asset.Hex(), domain.ErrInvalidPriceData)
	}

	if v.cache != nil {
		if cacheErr := v.cache.SetPrice(ctx, asset, price, time.Now().UTC()); cacheErr != nil {
			v.logger.WarnContext(ctx, "pricing: price cache write failed",
				slog.String("asset", asset.Hex()),
				slog.String("error", cacheErr.Error()),
			)
		}
	}
	return price, nil
}

// Decimals returns the asset's ERC-20 decimals, memoized after first lookup.
func (v *Valuation) Decimals(ctx context.Context, asset common.Address) (uint8, error) {
	v.mu.RLock()
	dec, ok := v.decimals[asset]
	v.mu.RUnlock()
	if ok {
		return dec, nil
	}

	dec, err := v.tokens.Decimals(ctx, asset)
	if err != nil {
		return 0, fmt.Errorf("pricing: decimals for %s: %w", asset.Hex(), err)
	}

	v.mu.Lock()
	v.decimals[asset] = dec
	v.mu.Unlock()
	return dec, nil
}

// ValueUSD converts a native asset amount to its 8-decimal USD value:
// amount * price / 10^decimals.
func (v *Valuation) ValueUSD(ctx context.Context, asset common.Address, amount *big.Int) (*big.Int, error) {
	price, err := v.PriceUSD(ctx, asset)
	if err != nil {
		return nil, err
	}
	dec, err := v.Decimals(ctx, asset)
	if err != nil {
		return nil, err
	}
	out := new(big.Int).Mul(amount, price)
	return out.Quo(out, pow10(dec)), nil
}

// USDToAsset converts an 8-decimal USD value to a native asset amount,
// rounding up to the next smallest unit whenever the division truncates so
// the caller is never short after conversion.
func (v *Valuation) USDToAsset(ctx context.Context, usd *big.Int, asset common.Address) (*big.Int, error) {
	price, err := v.PriceUSD(ctx, asset)
	if err != nil {
		return nil, err
	}
	dec, err := v.Decimals(ctx, asset)
	if err != nil {
		return nil, err
	}
	num := new(big.Int).Mul(usd, pow10(dec))
	amount, rem := new(big.Int).QuoRem(num, price, new(big.Int))
	if rem.Sign() != 0 {
		amount.Add(amount, big.NewInt(1))
	}
	return amount, nil
}

// Rate converts amount of base into quote units at oracle prices, adjusting
// for the two assets' decimals. Identity when base == quote. Fails with
// domain.ErrInvalidPriceData when either price is non-positive.
func (v *Valuation) Rate(ctx context.Context, base, quote common.Address, amount *big.Int) (*big.Int, error) {
	if base == quote {
		return new(big.Int).Set(amount), nil
	}

	basePrice, err := v.PriceUSD(ctx, base)
	if err != nil {
		return nil, err
	}
	quotePrice, err := v.PriceUSD(ctx, quote)
	if err != nil {
		return nil, err
	}
	baseDec, err := v.Decimals(ctx, base)
	if err != nil {
		return nil, err
	}
	quoteDec, err := v.Decimals(ctx, quote)
	if err != nil {
		return nil, err
	}

	out := new(big.Int).Mul(amount, basePrice)
	out.Mul(out, pow10(quoteDec))
	out.Quo(out, quotePrice)
	return out.Quo(out, pow10(baseDec)), nil
}

func pow10(dec uint8) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(dec)), nil)
}
