// Package exchange reads pool state from a V2-style token exchange
// (factory, pair and router contracts) and encodes swap calls.
package exchange

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	lru "github.com/hashicorp/golang-lru/v2"
)

var (
	// ErrPoolNotFound is returned when the factory has no pair for the tokens.
	ErrPoolNotFound = errors.New("pool not found")
	// ErrNoLiquidity marks a pool with a zero reserve on either side.
	ErrNoLiquidity = errors.New("pool has no liquidity")
)

// DefaultPoolCacheSize bounds the resolved pool address cache.
const DefaultPoolCacheSize = 256

// Caller executes read-only contract calls.
type Caller interface {
	EthCall(ctx context.Context, to string, data []byte) ([]byte, error)
}

// Directory is what the swap task needs from the exchange.
type Directory interface {
	Router() common.Address
	ResolvePool(ctx context.Context, tokenA, tokenB common.Address) (*Pool, error)
	GetReserves(ctx context.Context, pool *Pool) (*big.Int, *big.Int, error)
	TokenBalance(ctx context.Context, token, owner common.Address) (*big.Int, error)
	Allowance(ctx context.Context, token, owner, spender common.Address) (*big.Int, error)
}

// Pool is a resolved pair contract. Reserves are in the caller's token order.
type Pool struct {
	Address  common.Address
	TokenA   common.Address
	TokenB   common.Address
	ReserveA *big.Int
	ReserveB *big.Int
}

// Tradable reports whether both reserves are known and positive.
func (p *Pool) Tradable() bool {
	return p.ReserveA != nil && p.ReserveB != nil &&
		p.ReserveA.Sign() > 0 && p.ReserveB.Sign() > 0
}

// Config configures a Client.
type Config struct {
	Caller    Caller
	Factory   common.Address
	Router    common.Address
	CacheSize int
	Logger    *slog.Logger
}

type pairKey struct {
	a, b common.Address
}

// Client implements Directory with eth_call.
type Client struct {
	caller  Caller
	factory common.Address
	router  common.Address
	pools   *lru.Cache[pairKey, common.Address]
	logger  *slog.Logger
}

// New creates an exchange directory client.
func New(cfg Config) (*Client, error) {
	if cfg.Caller == nil {
		return nil, errors.New("caller is required")
	}
	size := cfg.CacheSize
	if size <= 0 {
		size = DefaultPoolCacheSize
	}
	cache, err := lru.New[pairKey, common.Address](size)
	if err != nil {
		return nil, fmt.Errorf("create pool cache: %w", err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		caller:  cfg.Caller,
		factory: cfg.Factory,
		router:  cfg.Router,
		pools:   cache,
		logger:  logger,
	}, nil
}

// Router returns the router address swaps are sent to.
func (c *Client) Router() common.Address {
	return c.router
}

// ResolvePool looks up the pair address for two tokens and returns ErrPoolNotFound
// when the factory answers with the zero address. Only existing pools are cached.
func (c *Client) ResolvePool(ctx context.Context, tokenA, tokenB common.Address) (*Pool, error) {
	t0, t1 := SortTokens(tokenA, tokenB)
	key := pairKey{t0, t1}
	if addr, ok := c.pools.Get(key); ok {
		return &Pool{Address: addr, TokenA: tokenA, TokenB: tokenB}, nil
	}

	data, err := EncodeGetPair(tokenA, tokenB)
	if err != nil {
		return nil, err
	}
	out, err := c.caller.EthCall(ctx, c.factory.Hex(), data)
	if err != nil {
		return nil, fmt.Errorf("getPair: %w", err)
	}
	addr, err := DecodeAddress(FactoryABI, "getPair", out)
	if err != nil {
		return nil, err
	}
	if addr == (common.Address{}) {
		return nil, ErrPoolNotFound
	}

	c.pools.Add(key, addr)
	c.logger.Debug("resolved pool",
		slog.String("tokenA", tokenA.Hex()),
		slog.String("tokenB", tokenB.Hex()),
		slog.String("pool", addr.Hex()),
	)
	return &Pool{Address: addr, TokenA: tokenA, TokenB: tokenB}, nil
}

// GetReserves reads the pool's reserves, stores them on pool in A/B order and
// returns them. A zero reserve is not an error here; check pool.Tradable().
func (c *Client) GetReserves(ctx context.Context, pool *Pool) (*big.Int, *big.Int, error) {
	data, err := EncodeGetReserves()
	if err != nil {
		return nil, nil, err
	}
	out, err := c.caller.EthCall(ctx, pool.Address.Hex(), data)
	if err != nil {
		return nil, nil, fmt.Errorf("getReserves: %w", err)
	}
	r0, r1, err := DecodeReserves(out)
	if err != nil {
		return nil, nil, err
	}

	token0, _ := SortTokens(pool.TokenA, pool.TokenB)
	if pool.TokenA == token0 {
		pool.ReserveA, pool.ReserveB = r0, r1
	} else {
		pool.ReserveA, pool.ReserveB = r1, r0
	}
	return pool.ReserveA, pool.ReserveB, nil
}

// TokenBalance returns owner's ERC-20 balance of token.
func (c *Client) TokenBalance(ctx context.Context, token, owner common.Address) (*big.Int, error) {
	data, err := EncodeBalanceOf(owner)
	if err != nil {
		return nil, err
	}
	out, err := c.caller.EthCall(ctx, token.Hex(), data)
	if err != nil {
		return nil, fmt.Errorf("balanceOf: %w", err)
	}
	if len(out) == 0 {
		return new(big.Int), nil
	}
	return DecodeUint256(PairABI, "balanceOf", out)
}

// Allowance returns how much spender may move from owner's token balance.
func (c *Client) Allowance(ctx context.Context, token, owner, spender common.Address) (*big.Int, error) {
	data, err := EncodeAllowance(owner, spender)
	if err != nil {
		return nil, err
	}
	out, err := c.caller.EthCall(ctx, token.Hex(), data)
	if err != nil {
		return nil, fmt.Errorf("allowance: %w", err)
	}
	if len(out) == 0 {
		return new(big.Int), nil
	}
	return DecodeUint256(PairABI, "allowance", out)
}

// CheckTradable resolves the pool and reads its reserves. It returns
// ErrPoolNotFound or ErrNoLiquidity for pairs that must be skipped.
func CheckTradable(ctx context.Context, dir Directory, tokenA, tokenB common.Address) (*Pool, error) {
	pool, err := dir.ResolvePool(ctx, tokenA, tokenB)
	if err != nil {
		return nil, err
	}
	if _, _, err := dir.GetReserves(ctx, pool); err != nil {
		return nil, err
	}
	if !pool.Tradable() {
		return pool, ErrNoLiquidity
	}
	return pool, nil
}
