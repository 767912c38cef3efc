package chain

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/loopbot/internal/domain"
)

// oracleABI is the batch price entry point of an Aave-style price oracle.
// Prices are returned in the 8-decimal USD base currency.
const oracleABI = `[
	{"type":"function","name":"getAssetsPrices","stateMutability":"view","inputs":[{"name":"assets","type":"address[]"}],"outputs":[{"name":"","type":"uint256[]"}]}
]`

// Oracle implements domain.PriceOracle over the protocol price oracle.
type Oracle struct {
	client *Client
	addr   common.Address
}

// NewOracle creates the oracle adapter.
func NewOracle(client *Client, addr common.Address) *Oracle {
	return &Oracle{client: client, addr: addr}
}

// PricesUSD returns 8-decimal USD prices for the requested assets, in the
// same order. Any non-positive price fails the whole read with
// domain.ErrInvalidPriceData.
func (o *Oracle) PricesUSD(ctx context.Context, assets []common.Address) ([]*big.Int, error) {
	c, _, err := o.client.bound(o.addr, oracleABI)
	if err != nil {
		return nil, err
	}
	var out []interface{}
	if err := c.Call(&bind.CallOpts{Context: ctx}, &out, "getAssetsPrices", assets); err != nil {
		return nil, fmt.Errorf("chain: getAssetsPrices: %w", err)
	}
	prices := out[0].([]*big.Int)
	if len(prices) != len(assets) {
		return nil, fmt.Errorf("chain: oracle returned %d prices for %d assets: %w",
			len(prices), len(assets), domain.ErrInvalidPriceData)
	}
	for i, p := range prices {
		if p.Sign() <= 0 {
			return nil, fmt.Errorf("chain: price for %s: %w", assets[i].Hex(), domain.ErrInvalidPriceData)
		}
	}
	return prices, nil
}

// Compile-time interface check.
var _ domain.PriceOracle = (*Oracle)(nil)
