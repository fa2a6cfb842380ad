package vuser

import (
	"context"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"github.com/gateway-fm/evmloadtest/internal/exchange"
	"github.com/gateway-fm/evmloadtest/internal/ledger/ledgertest"
	"github.com/gateway-fm/evmloadtest/internal/metrics"
	"github.com/gateway-fm/evmloadtest/internal/wallet"
)

// Well-known development keys (Anvil/Hardhat default accounts).
var testKeys = []string{
	"ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80",
	"59c6995e998f97a5a0044966f0945389dc9e86dae88c7a8412f4603b6b78690d",
	"5de4111afa1a4b94908f83103eb1f1706367c2e68ca870fc3fb9a804cdab365a",
}

var (
	tokenUSDC = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	tokenWETH = common.HexToAddress("0x00000000000000000000000000000000000000b2")
	tokenDAI  = common.HexToAddress("0x00000000000000000000000000000000000000c3")
	router    = common.HexToAddress("0x00000000000000000000000000000000000000fe")
)

func ether(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), big.NewInt(1e18))
}

func testWallets(t *testing.T) []*wallet.Wallet {
	t.Helper()
	out := make([]*wallet.Wallet, len(testKeys))
	for i, k := range testKeys {
		w, err := wallet.FromHex(k)
		require.NoError(t, err)
		out[i] = w
	}
	return out
}

// fixedPicker always assigns self and looks recipients up in a real pool.
type fixedPicker struct {
	self *wallet.Wallet
	pool *wallet.Pool
}

func (p *fixedPicker) PickRandom() *wallet.Wallet { return p.self }

func (p *fixedPicker) PickRecipient(ctx context.Context, exclude common.Address) (*wallet.Wallet, error) {
	return p.pool.PickRecipient(ctx, exclude)
}

// recordingSink keeps every call for assertions.
type recordingSink struct {
	mu        sync.Mutex
	events    []metrics.Event
	skips     []string
	submitted []common.Hash
}

func (s *recordingSink) Fire(e metrics.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
}

func (s *recordingSink) Skip(name, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.skips = append(s.skips, name+": "+reason)
}

func (s *recordingSink) Submitted(hash common.Hash, name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.submitted = append(s.submitted, hash)
}

func (s *recordingSink) Events() []metrics.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]metrics.Event(nil), s.events...)
}

func (s *recordingSink) Skips() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.skips...)
}

// fakeDirectory is an in-memory exchange for one trader.
type fakeDirectory struct {
	mu         sync.Mutex
	pools      map[[2]common.Address]common.Address
	reserves   map[common.Address][2]*big.Int
	balances   map[common.Address]*big.Int
	allowances map[common.Address]*big.Int
	readErr    error
	panicOn    string // "balance" or "allowance"
}

func newFakeDirectory() *fakeDirectory {
	return &fakeDirectory{
		pools:      make(map[[2]common.Address]common.Address),
		reserves:   make(map[common.Address][2]*big.Int),
		balances:   make(map[common.Address]*big.Int),
		allowances: make(map[common.Address]*big.Int),
	}
}

// addPool registers a pool for a/b with reserves in a/b order.
func (d *fakeDirectory) addPool(a, b, pool common.Address, reserveA, reserveB *big.Int) {
	d.pools[[2]common.Address{a, b}] = pool
	d.pools[[2]common.Address{b, a}] = pool
	d.reserves[pool] = [2]*big.Int{reserveA, reserveB}
}

func (d *fakeDirectory) Router() common.Address { return router }

func (d *fakeDirectory) ResolvePool(ctx context.Context, a, b common.Address) (*exchange.Pool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.readErr != nil {
		return nil, d.readErr
	}
	addr, ok := d.pools[[2]common.Address{a, b}]
	if !ok {
		return nil, exchange.ErrPoolNotFound
	}
	return &exchange.Pool{Address: addr, TokenA: a, TokenB: b}, nil
}

func (d *fakeDirectory) GetReserves(ctx context.Context, pool *exchange.Pool) (*big.Int, *big.Int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	r := d.reserves[pool.Address]
	pool.ReserveA, pool.ReserveB = r[0], r[1]
	return r[0], r[1], nil
}

func (d *fakeDirectory) TokenBalance(ctx context.Context, token, owner common.Address) (*big.Int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.panicOn == "balance" {
		panic("token balance decoder out of range")
	}
	if b, ok := d.balances[token]; ok {
		return new(big.Int).Set(b), nil
	}
	return new(big.Int), nil
}

func (d *fakeDirectory) Allowance(ctx context.Context, token, owner, spender common.Address) (*big.Int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.panicOn == "allowance" {
		panic("allowance decoder out of range")
	}
	if a, ok := d.allowances[token]; ok {
		return new(big.Int).Set(a), nil
	}
	return new(big.Int), nil
}

// harness wires one user to a fake chain and exchange.
type harness struct {
	chain   *ledgertest.Fake
	dir     *fakeDirectory
	sink    *recordingSink
	wallets []*wallet.Wallet
	user    *User
}

func baseConfig() Config {
	return Config{
		TokenName:      "ETH",
		GasPrice:       big.NewInt(1_000_000_000), // 1 gwei
		BaseGasLimit:   21000,
		SwapGasLimit:   200000,
		Pairs:          []Pair{{SymbolA: "USDC", SymbolB: "WETH", TokenA: tokenUSDC, TokenB: tokenWETH}},
		ConfirmTimeout: time.Second,
		Weights:        Weights{Transfer: 1, Swap: 2},
	}
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	h := &harness{
		chain:   ledgertest.New(1337),
		dir:     newFakeDirectory(),
		sink:    &recordingSink{},
		wallets: testWallets(t),
	}
	pool, err := wallet.NewPool(wallet.PoolConfig{Wallets: h.wallets, Balances: h.chain})
	require.NoError(t, err)

	h.user, err = New(0, cfg, Deps{
		Ledger:   h.chain,
		Exchange: h.dir,
		Wallets:  &fixedPicker{self: h.wallets[0], pool: pool},
		Sink:     h.sink,
		Seed:     42,
	})
	require.NoError(t, err)
	return h
}

func (h *harness) self() common.Address { return h.wallets[0].Address }
