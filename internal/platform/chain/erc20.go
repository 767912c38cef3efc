package chain

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/loopbot/internal/domain"
)

const erc20ABI = `[
	{"type":"function","name":"decimals","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint8"}]},
	{"type":"function","name":"balanceOf","stateMutability":"view","inputs":[{"name":"account","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"transfer","stateMutability":"nonpayable","inputs":[{"name":"to","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
	{"type":"function","name":"transferFrom","stateMutability":"nonpayable","inputs":[{"name":"from","type":"address"},{"name":"to","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
	{"type":"function","name":"approve","stateMutability":"nonpayable","inputs":[{"name":"spender","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]}
]`

// Tokens implements domain.TokenAdapter over standard ERC-20 contracts.
// Pull moves tokens from the owner into the engine wallet via a prior
// allowance; Push transfers back out.
type Tokens struct {
	client *Client
}

// NewTokens creates the ERC-20 adapter.
func NewTokens(client *Client) *Tokens {
	return &Tokens{client: client}
}

func (t *Tokens) contract(asset common.Address) (*bind.BoundContract, error) {
	c, _, err := t.client.bound(asset, erc20ABI)
	return c, err
}

// Decimals returns the token's decimals.
func (t *Tokens) Decimals(ctx context.Context, asset common.Address) (uint8, error) {
	c, err := t.contract(asset)
	if err != nil {
		return 0, err
	}
	var out []interface{}
	if err := c.Call(&bind.CallOpts{Context: ctx}, &out, "decimals"); err != nil {
		return 0, fmt.Errorf("chain: decimals %s: %w", asset.Hex(), err)
	}
	return out[0].(uint8), nil
}

// BalanceOf returns the token balance of holder.
func (t *Tokens) BalanceOf(ctx context.Context, asset, holder common.Address) (*big.Int, error) {
	c, err := t.contract(asset)
	if err != nil {
		return nil, err
	}
	var out []interface{}
	if err := c.Call(&bind.CallOpts{Context: ctx}, &out, "balanceOf", holder); err != nil {
		return nil, fmt.Errorf("chain: balanceOf %s: %w", asset.Hex(), err)
	}
	return out[0].(*big.Int), nil
}

// Pull transfers amount of asset from `from` to the engine wallet. The owner
// must have approved the engine wallet beforehand.
func (t *Tokens) Pull(ctx context.Context, asset, from common.Address, amount *big.Int) error {
	c, err := t.contract(asset)
	if err != nil {
		return err
	}
	opts, err := t.client.transactOpts(ctx)
	if err != nil {
		return err
	}
	tx, err := c.Transact(opts, "transferFrom", from, t.client.From(), amount)
	if err != nil {
		return fmt.Errorf("chain: transferFrom %s: %w", asset.Hex(), err)
	}
	return t.client.waitMined(ctx, tx, "transferFrom")
}

// Push transfers amount of asset from the engine wallet to `to`.
func (t *Tokens) Push(ctx context.Context, asset, to common.Address, amount *big.Int) error {
	c, err := t.contract(asset)
	if err != nil {
		return err
	}
	opts, err := t.client.transactOpts(ctx)
	if err != nil {
		return err
	}
	tx, err := c.Transact(opts, "transfer", to, amount)
	if err != nil {
		return fmt.Errorf("chain: transfer %s: %w", asset.Hex(), err)
	}
	return t.client.waitMined(ctx, tx, "transfer")
}

// Approve grants spender an allowance over the engine wallet's tokens.
// Pool supplies and router swaps both need this before moving funds.
func (t *Tokens) Approve(ctx context.Context, asset, spender common.Address, amount *big.Int) error {
	c, err := t.contract(asset)
	if err != nil {
		return err
	}
	opts, err := t.client.transactOpts(ctx)
	if err != nil {
		return err
	}
	tx, err := c.Transact(opts, "approve", spender, amount)
	if err != nil {
		return fmt.Errorf("chain: approve %s: %w", asset.Hex(), err)
	}
	return t.client.waitMined(ctx, tx, "approve")
}

// Compile-time interface check.
var _ domain.TokenAdapter = (*Tokens)(nil)
