package chain

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/loopbot/internal/domain"
)

// poolABI is the subset of an Aave-v3-style pool the engine drives. USD
// aggregates come back in the oracle's 8-decimal base currency.
const poolABI = `[
	{"type":"function","name":"supply","stateMutability":"nonpayable","inputs":[{"name":"asset","type":"address"},{"name":"amount","type":"uint256"},{"name":"onBehalfOf","type":"address"},{"name":"referralCode","type":"uint16"}],"outputs":[]},
	{"type":"function","name":"borrow","stateMutability":"nonpayable","inputs":[{"name":"asset","type":"address"},{"name":"amount","type":"uint256"},{"name":"interestRateMode","type":"uint256"},{"name":"referralCode","type":"uint16"},{"name":"onBehalfOf","type":"address"}],"outputs":[]},
	{"type":"function","name":"repay","stateMutability":"nonpayable","inputs":[{"name":"asset","type":"address"},{"name":"amount","type":"uint256"},{"name":"interestRateMode","type":"uint256"},{"name":"onBehalfOf","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"withdraw","stateMutability":"nonpayable","inputs":[{"name":"asset","type":"address"},{"name":"amount","type":"uint256"},{"name":"to","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"getUserAccountData","stateMutability":"view","inputs":[{"name":"user","type":"address"}],"outputs":[{"name":"totalCollateralBase","type":"uint256"},{"name":"totalDebtBase","type":"uint256"},{"name":"availableBorrowsBase","type":"uint256"},{"name":"currentLiquidationThreshold","type":"uint256"},{"name":"ltv","type":"uint256"},{"name":"healthFactor","type":"uint256"}]},
	{"type":"function","name":"getConfiguration","stateMutability":"view","inputs":[{"name":"asset","type":"address"}],"outputs":[{"name":"data","type":"uint256"}]},
	{"type":"function","name":"getReservesList","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"address[]"}]}
]`

// variableRate selects the variable interest rate mode on borrow/repay.
var variableRate = big.NewInt(2)

// maxUint256 signals "entire balance" to repay and withdraw.
var maxUint256 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))

// Reserve configuration bitmap layout (Aave v3 ReserveConfigurationMap).
const (
	ltvBits           = 16
	reserveFactorBits = 16
	reserveFactorLow  = 64
	activeBit         = 56
)

// Pool implements domain.LendingAdapter over an Aave-v3-style lending pool.
// One protocol account per position is approximated with onBehalfOf
// semantics; the engine wallet executes every call.
type Pool struct {
	client *Client
	tokens *Tokens
	addr   common.Address
}

// NewPool creates the lending adapter.
func NewPool(client *Client, tokens *Tokens, addr common.Address) *Pool {
	return &Pool{client: client, tokens: tokens, addr: addr}
}

func (p *Pool) contract() (*bind.BoundContract, error) {
	c, _, err := p.client.bound(p.addr, poolABI)
	return c, err
}

func (p *Pool) transact(ctx context.Context, what string, args ...interface{}) error {
	c, err := p.contract()
	if err != nil {
		return err
	}
	opts, err := p.client.transactOpts(ctx)
	if err != nil {
		return err
	}
	tx, err := c.Transact(opts, what, args...)
	if err != nil {
		return fmt.Errorf("chain: pool %s: %w", what, err)
	}
	return p.client.waitMined(ctx, tx, "pool "+what)
}

// Supply deposits amount of asset, credited to account.
func (p *Pool) Supply(ctx context.Context, account, asset common.Address, amount *big.Int) error {
	if err := p.tokens.Approve(ctx, asset, p.addr, amount); err != nil {
		return err
	}
	return p.transact(ctx, "supply", asset, amount, account, uint16(0))
}

// Borrow draws amount of asset against account's collateral.
func (p *Pool) Borrow(ctx context.Context, account, asset common.Address, amount *big.Int) error {
	return p.transact(ctx, "borrow", asset, amount, variableRate, uint16(0), account)
}

// Repay pays down amount of account's debt in asset.
func (p *Pool) Repay(ctx context.Context, account, asset common.Address, amount *big.Int) (*big.Int, error) {
	if err := p.tokens.Approve(ctx, asset, p.addr, amount); err != nil {
		return nil, err
	}
	if err := p.transact(ctx, "repay", asset, amount, variableRate, account); err != nil {
		return nil, err
	}
	return amount, nil
}

// RepayAll pays down account's entire outstanding debt in asset.
func (p *Pool) RepayAll(ctx context.Context, account, asset common.Address) (*big.Int, error) {
	before, err := p.tokens.BalanceOf(ctx, asset, p.client.From())
	if err != nil {
		return nil, err
	}
	if err := p.tokens.Approve(ctx, asset, p.addr, before); err != nil {
		return nil, err
	}
	if err := p.transact(ctx, "repay", asset, maxUint256, variableRate, account); err != nil {
		return nil, err
	}
	after, err := p.tokens.BalanceOf(ctx, asset, p.client.From())
	if err != nil {
		return nil, err
	}
	return new(big.Int).Sub(before, after), nil
}

// Withdraw pulls amount of supplied asset back to the engine wallet.
func (p *Pool) Withdraw(ctx context.Context, account, asset common.Address, amount *big.Int) (*big.Int, error) {
	if err := p.transact(ctx, "withdraw", asset, amount, p.client.From()); err != nil {
		return nil, err
	}
	return amount, nil
}

// WithdrawAll pulls account's entire supplied balance of asset back to the
// engine wallet, returning the amount actually received.
func (p *Pool) WithdrawAll(ctx context.Context, account, asset common.Address) (*big.Int, error) {
	before, err := p.tokens.BalanceOf(ctx, asset, p.client.From())
	if err != nil {
		return nil, err
	}
	if err := p.transact(ctx, "withdraw", asset, maxUint256, p.client.From()); err != nil {
		return nil, err
	}
	after, err := p.tokens.BalanceOf(ctx, asset, p.client.From())
	if err != nil {
		return nil, err
	}
	return new(big.Int).Sub(after, before), nil
}

// AccountAggregate reads the protocol's account-level risk view.
func (p *Pool) AccountAggregate(ctx context.Context, account common.Address) (domain.AccountAggregate, error) {
	c, err := p.contract()
	if err != nil {
		return domain.AccountAggregate{}, err
	}
	var out []interface{}
	if err := c.Call(&bind.CallOpts{Context: ctx}, &out, "getUserAccountData", account); err != nil {
		return domain.AccountAggregate{}, fmt.Errorf("chain: getUserAccountData: %w", err)
	}
	return domain.AccountAggregate{
		TotalCollateralUSD:   out[0].(*big.Int),
		TotalDebtUSD:         out[1].(*big.Int),
		AvailableBorrowUSD:   out[2].(*big.Int),
		LiquidationThreshold: out[3].(*big.Int).Uint64(),
		LTV:                  out[4].(*big.Int).Uint64(),
		HealthFactor:         out[5].(*big.Int),
	}, nil
}

// AssetConfig decodes the reserve configuration bitmap for asset.
func (p *Pool) AssetConfig(ctx context.Context, asset common.Address) (domain.AssetConfig, error) {
	c, err := p.contract()
	if err != nil {
		return domain.AssetConfig{}, err
	}
	var out []interface{}
	if err := c.Call(&bind.CallOpts{Context: ctx}, &out, "getConfiguration", asset); err != nil {
		return domain.AssetConfig{}, fmt.Errorf("chain: getConfiguration %s: %w", asset.Hex(), err)
	}
	bitmap := out[0].(*big.Int)

	mask := func(low, bits uint) uint64 {
		v := new(big.Int).Rsh(bitmap, low)
		v.And(v, new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), bits), big.NewInt(1)))
		return v.Uint64()
	}
	return domain.AssetConfig{
		LTV:           mask(0, ltvBits),
		Active:        bitmap.Bit(activeBit) == 1,
		ReserveFactor: mask(reserveFactorLow, reserveFactorBits),
	}, nil
}

// IsAssetSupported reports whether asset appears in the pool's reserve list.
func (p *Pool) IsAssetSupported(ctx context.Context, asset common.Address) (bool, error) {
	c, err := p.contract()
	if err != nil {
		return false, err
	}
	var out []interface{}
	if err := c.Call(&bind.CallOpts{Context: ctx}, &out, "getReservesList"); err != nil {
		return false, fmt.Errorf("chain: getReservesList: %w", err)
	}
	for _, a := range out[0].([]common.Address) {
		if a == asset {
			return true, nil
		}
	}
	return false, nil
}

// Compile-time interface check.
var _ domain.LendingAdapter = (*Pool)(nil)
