// Package chain implements the domain adapter interfaces against live EVM
// contracts: an Aave-v3-style lending pool, a Uniswap-v3-style swap router,
// the protocol price oracle, and minimal ERC-20 token plumbing. Contracts
// are driven through parsed ABI fragments and bound contracts; no generated
// bindings are checked in.
package chain

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

// Config holds chain connection parameters and contract addresses.
type Config struct {
	RPCURL        string
	ChainID       int64
	PoolAddress   common.Address
	RouterAddress common.Address
	OracleAddress common.Address
	// MineTimeout bounds how long to wait for a transaction receipt.
	MineTimeout time.Duration
}

// Client wraps an ethclient connection together with the signing key the
// engine transacts with.
type Client struct {
	eth     *ethclient.Client
	key     *ecdsa.PrivateKey
	from    common.Address
	chainID *big.Int
	timeout time.Duration
	logger  *slog.Logger
}

// NewClient dials the RPC endpoint and prepares the transactor identity.
func NewClient(ctx context.Context, cfg Config, key *ecdsa.PrivateKey, logger *slog.Logger) (*Client, error) {
	eth, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("chain: dial %s: %w", cfg.RPCURL, err)
	}
	timeout := cfg.MineTimeout
	if timeout <= 0 {
		timeout = 3 * time.Minute
	}
	return &Client{
		eth:     eth,
		key:     key,
		from:    ethcrypto.PubkeyToAddress(key.PublicKey),
		chainID: big.NewInt(cfg.ChainID),
		timeout: timeout,
		logger:  logger,
	}, nil
}

// Close releases the RPC connection.
func (c *Client) Close() {
	c.eth.Close()
}

// From returns the transacting wallet address.
func (c *Client) From() common.Address {
	return c.from
}

// bound parses an ABI fragment and binds it to the contract at addr.
func (c *Client) bound(addr common.Address, abiJSON string) (*bind.BoundContract, abi.ABI, error) {
	parsed, err := abi.JSON(strings.NewReader(abiJSON))
	if err != nil {
		return nil, abi.ABI{}, fmt.Errorf("chain: parse abi: %w", err)
	}
	return bind.NewBoundContract(addr, parsed, c.eth, c.eth, c.eth), parsed, nil
}

// transactOpts builds signing options for one transaction.
func (c *Client) transactOpts(ctx context.Context) (*bind.TransactOpts, error) {
	opts, err := bind.NewKeyedTransactorWithChainID(c.key, c.chainID)
	if err != nil {
		return nil, fmt.Errorf("chain: transactor: %w", err)
	}
	opts.Context = ctx
	return opts, nil
}

// waitMined blocks until the transaction is mined and fails when the
// receipt reports revert.
func (c *Client) waitMined(ctx context.Context, tx *types.Transaction, what string) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	receipt, err := bind.WaitMined(ctx, c.eth, tx)
	if err != nil {
		return fmt.Errorf("chain: wait %s %s: %w", what, tx.Hash().Hex(), err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return fmt.Errorf("chain: %s %s reverted", what, tx.Hash().Hex())
	}
	c.logger.DebugContext(ctx, "chain: transaction mined",
		slog.String("what", what),
		slog.String("tx", tx.Hash().Hex()),
		slog.Uint64("gas_used", receipt.GasUsed),
	)
	return nil
}
