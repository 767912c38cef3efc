package chain

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/loopbot/internal/domain"
)

// routerABI is the single-hop exact-input entry point of a Uniswap-v3-style
// router.
const routerABI = `[
	{"type":"function","name":"exactInputSingle","stateMutability":"payable","inputs":[{"name":"params","type":"tuple","components":[
		{"name":"tokenIn","type":"address"},
		{"name":"tokenOut","type":"address"},
		{"name":"fee","type":"uint24"},
		{"name":"recipient","type":"address"},
		{"name":"deadline","type":"uint256"},
		{"name":"amountIn","type":"uint256"},
		{"name":"amountOutMinimum","type":"uint256"},
		{"name":"sqrtPriceLimitX96","type":"uint160"}
	]}],"outputs":[{"name":"amountOut","type":"uint256"}]}
]`

// defaultFeeTier is the 0.30% pool fee tier.
const defaultFeeTier = 3000

// swapParams mirrors the router's ExactInputSingleParams tuple for ABI
// encoding.
type swapParams struct {
	TokenIn           common.Address
	TokenOut          common.Address
	Fee               *big.Int
	Recipient         common.Address
	Deadline          *big.Int
	AmountIn          *big.Int
	AmountOutMinimum  *big.Int
	SqrtPriceLimitX96 *big.Int
}

// Router implements domain.SwapAdapter over a Uniswap-v3-style swap router.
// Swaps are single hop; minOut is always forwarded, never zeroed.
type Router struct {
	client *Client
	tokens *Tokens
	addr   common.Address
	fee    *big.Int
}

// NewRouter creates the swap adapter.
func NewRouter(client *Client, tokens *Tokens, addr common.Address) *Router {
	return &Router{client: client, tokens: tokens, addr: addr, fee: big.NewInt(defaultFeeTier)}
}

// SwapExact swaps amountIn of fromAsset into toAsset and returns the amount
// received. The router enforces minOut and the deadline on-chain; the
// received amount is measured from wallet balances so fee-on-transfer tokens
// do not skew bookkeeping.
func (r *Router) SwapExact(ctx context.Context, account, fromAsset, toAsset common.Address, amountIn, minOut *big.Int, deadline time.Time) (*big.Int, error) {
	if minOut == nil || minOut.Sign() <= 0 {
		return nil, fmt.Errorf("chain: swap %s->%s: minOut must be positive", fromAsset.Hex(), toAsset.Hex())
	}

	if err := r.tokens.Approve(ctx, fromAsset, r.addr, amountIn); err != nil {
		return nil, err
	}

	c, _, err := r.client.bound(r.addr, routerABI)
	if err != nil {
		return nil, err
	}
	opts, err := r.client.transactOpts(ctx)
	if err != nil {
		return nil, err
	}

	before, err := r.tokens.BalanceOf(ctx, toAsset, r.client.From())
	if err != nil {
		return nil, err
	}

	params := swapParams{
		TokenIn:           fromAsset,
		TokenOut:          toAsset,
		Fee:               r.fee,
		Recipient:         r.client.From(),
		Deadline:          big.NewInt(deadline.Unix()),
		AmountIn:          amountIn,
		AmountOutMinimum:  minOut,
		SqrtPriceLimitX96: new(big.Int),
	}
	tx, err := c.Transact(opts, "exactInputSingle", params)
	if err != nil {
		return nil, fmt.Errorf("chain: swap %s->%s: %w", fromAsset.Hex(), toAsset.Hex(), err)
	}
	if err := r.client.waitMined(ctx, tx, "swap"); err != nil {
		return nil, err
	}

	after, err := r.tokens.BalanceOf(ctx, toAsset, r.client.From())
	if err != nil {
		return nil, err
	}
	return new(big.Int).Sub(after, before), nil
}

// Compile-time interface check.
var _ domain.SwapAdapter = (*Router)(nil)
