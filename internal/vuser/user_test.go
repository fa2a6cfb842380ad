package vuser

import (
	"context"
	"errors"
	"math/big"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gateway-fm/evmloadtest/internal/ledger"
	"github.com/gateway-fm/evmloadtest/internal/ledger/ledgertest"
	"github.com/gateway-fm/evmloadtest/internal/metrics"
	"github.com/gateway-fm/evmloadtest/internal/wallet"
)

func transferOnly() Config {
	cfg := baseConfig()
	cfg.Weights = Weights{Transfer: 1}
	cfg.Pairs = nil
	return cfg
}

func TestTaskTable(t *testing.T) {
	table := newTaskTable(
		Task{Name: "transfer", Weight: 1},
		Task{Name: "disabled", Weight: 0},
		Task{Name: "swap", Weight: 2},
	)
	require.Equal(t, 3, table.total)

	tests := []struct {
		roll int
		want string
	}{
		{0, "transfer"},
		{1, "swap"},
		{2, "swap"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, table.at(tt.roll).Name, "roll %d", tt.roll)
	}

	rng := rand.New(rand.NewPCG(1, 2))
	counts := map[string]int{}
	for range 30000 {
		counts[table.pick(rng).Name]++
	}
	assert.Zero(t, counts["disabled"])
	assert.InDelta(t, 2.0, float64(counts["swap"])/float64(counts["transfer"]), 0.1)
}

func TestTransferAmount(t *testing.T) {
	price := big.NewInt(10)
	tests := []struct {
		name    string
		balance int64
		want    *big.Int
	}{
		{"half of what remains after gas", 1000, big.NewInt(450)},
		{"odd remainder rounds down", 1001, big.NewInt(450)},
		{"balance equals gas cost", 100, nil},
		{"balance below gas cost", 99, nil},
		{"one wei above gas", 101, big.NewInt(0)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := TransferAmount(big.NewInt(tt.balance), price, 10)
			if tt.want == nil {
				assert.Nil(t, got)
				return
			}
			require.NotNil(t, got)
			assert.Zero(t, tt.want.Cmp(got), "got %s", got)
		})
	}
}

func TestSwapAmount(t *testing.T) {
	rng := rand.New(rand.NewPCG(7, 7))
	lo, hi := DefaultSwapAmountMin, DefaultSwapAmountMax

	for range 1000 {
		got := SwapAmount(rng, ether(1), lo, hi)
		require.True(t, got.Cmp(lo) >= 0 && got.Cmp(hi) <= 0, "amount %s out of range", got)
	}

	capped := SwapAmount(rng, big.NewInt(5), lo, hi)
	assert.Zero(t, capped.Cmp(big.NewInt(5)))

	fixed := SwapAmount(rng, ether(1), lo, lo)
	assert.Zero(t, fixed.Cmp(lo))
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"no gas price", func(c *Config) { c.GasPrice = nil }},
		{"all weights zero", func(c *Config) { c.Weights = Weights{} }},
		{"negative weight", func(c *Config) { c.Weights.Swap = -1 }},
		{"swap without pairs", func(c *Config) { c.Pairs = nil }},
		{"swap without gas limit", func(c *Config) { c.SwapGasLimit = 0 }},
		{"transfer without gas limit", func(c *Config) { c.BaseGasLimit = 0 }},
		{"inverted amount range", func(c *Config) { c.SwapAmountMin, c.SwapAmountMax = ether(2), ether(1) }},
		{"same token pair", func(c *Config) { c.Pairs[0].TokenB = c.Pairs[0].TokenA }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := baseConfig()
			tt.mutate(&cfg)
			assert.Error(t, cfg.WithDefaults().Validate())
		})
	}
	assert.NoError(t, baseConfig().WithDefaults().Validate())
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "timed_out", StateTimedOut.String())
	assert.Equal(t, "unknown", State(99).String())
	assert.Len(t, States(), 10)
}

func TestUser_InitIsFatal(t *testing.T) {
	h := newHarness(t, transferOnly())
	h.chain.FailReads(h.self(), ledgertest.ErrDown)

	err := h.user.Run(context.Background(), stopAfter(1))
	var connErr *ledger.ConnectivityError
	require.ErrorAs(t, err, &connErr)
	assert.Equal(t, StateStopped, h.user.State())
	assert.Empty(t, h.sink.Events())
}

func TestUser_Init(t *testing.T) {
	h := newHarness(t, transferOnly())
	h.chain.SetBalance(h.self(), ether(3))
	h.chain.SetNonce(h.self(), 9)

	require.Equal(t, StateUninitialized, h.user.State())
	require.NoError(t, h.user.Init(context.Background()))

	assert.Equal(t, StateActive, h.user.State())
	assert.Equal(t, h.wallets[0], h.user.Wallet())
	assert.EqualValues(t, 9, h.user.Nonce())
	assert.Zero(t, h.user.Balance().Cmp(ether(3)))
}

func TestTransfer_Success(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, transferOnly())
	h.chain.SetBalance(h.self(), ether(1))
	h.chain.SetBalance(h.wallets[1].Address, big.NewInt(1))
	require.NoError(t, h.user.Init(ctx))

	h.user.transfer(ctx, ctx)

	sent := h.chain.Sent()
	require.Len(t, sent, 1)
	tx := sent[0]
	assert.Equal(t, h.wallets[1].Address, *tx.To(), "only the funded non-self wallet qualifies")
	gas := ledger.GasCost(big.NewInt(1_000_000_000), 21000)
	want := new(big.Int).Div(new(big.Int).Sub(ether(1), gas), big.NewInt(2))
	assert.Zero(t, want.Cmp(tx.Value()), "value %s, want %s", tx.Value(), want)
	assert.EqualValues(t, 0, tx.Nonce())

	events := h.sink.Events()
	require.Len(t, events, 1)
	assert.NoError(t, events[0].Err)
	assert.Equal(t, "Simple ETH Transfer", events[0].Name)
	assert.Equal(t, metrics.CategoryBlockchain, events[0].Category)
	assert.Equal(t, 128, events[0].ResponseSize)
	assert.Equal(t, tx.Hash(), events[0].TxHash)

	assert.Equal(t, StateConfirmed, h.user.State())
	assert.EqualValues(t, 1, h.user.Nonce())
	assert.Zero(t, h.user.Balance().Cmp(h.chain.Balance(h.self())), "balance refreshed after success")
}

func TestTransfer_NonceAdvancesPerConfirmedTransfer(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, transferOnly())
	h.chain.SetBalance(h.self(), ether(10))
	h.chain.SetBalance(h.wallets[1].Address, ether(1))
	h.chain.SetNonce(h.self(), 7)
	require.NoError(t, h.user.Init(ctx))

	const n = 5
	for range n {
		h.user.Iterate(ctx)
	}

	assert.EqualValues(t, 7+n, h.user.Nonce())
	assert.EqualValues(t, 7+n, h.chain.Nonce(h.self()))
	for i, tx := range h.chain.Sent() {
		assert.EqualValues(t, 7+i, tx.Nonce())
	}
	assert.Equal(t, StateIdle, h.user.State())
}

func TestTransfer_Skips(t *testing.T) {
	gasCost := ledger.GasCost(big.NewInt(1_000_000_000), 21000)

	tests := []struct {
		name      string
		self      *big.Int
		recipient *big.Int
		want      string
	}{
		{"zero balance", big.NewInt(0), ether(1), SkipZeroBalance},
		{"no funded recipient", ether(1), big.NewInt(0), SkipNoRecipient},
		{"balance only covers gas", gasCost, ether(1), SkipInsufficientGas},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			h := newHarness(t, transferOnly())
			h.chain.SetBalance(h.self(), tt.self)
			h.chain.SetBalance(h.wallets[1].Address, tt.recipient)
			require.NoError(t, h.user.Init(ctx))

			h.user.transfer(ctx, ctx)

			assert.Empty(t, h.chain.Sent(), "nothing may be submitted")
			assert.Empty(t, h.sink.Events())
			assert.Equal(t, []string{"Simple ETH Transfer: " + tt.want}, h.sink.Skips())
		})
	}
}

func TestTransfer_TwoWalletsNeedFundedRecipient(t *testing.T) {
	ctx := context.Background()
	wallets := testWallets(t)[:2]
	chain := ledgertest.New(1337)
	chain.SetBalance(wallets[0].Address, ether(1))
	pool, err := wallet.NewPool(wallet.PoolConfig{Wallets: wallets, Balances: chain})
	require.NoError(t, err)
	sink := &recordingSink{}
	u, err := New(0, transferOnly(), Deps{
		Ledger:  chain,
		Wallets: &fixedPicker{self: wallets[0], pool: pool},
		Sink:    sink,
		Seed:    1,
	})
	require.NoError(t, err)
	require.NoError(t, u.Init(ctx))

	// B holds nothing, so it is not a recipient even though it is the only other wallet.
	u.transfer(ctx, ctx)
	assert.Empty(t, chain.Sent())
	assert.Equal(t, []string{"Simple ETH Transfer: " + SkipNoRecipient}, sink.Skips())

	chain.SetBalance(wallets[1].Address, big.NewInt(1))
	u.transfer(ctx, ctx)
	require.Len(t, chain.Sent(), 1)
	gas := ledger.GasCost(big.NewInt(1_000_000_000), 21000)
	amount := new(big.Int).Div(new(big.Int).Sub(ether(1), gas), big.NewInt(2))
	assert.Zero(t, amount.Cmp(chain.Sent()[0].Value()))
	want := new(big.Int).Sub(new(big.Int).Sub(ether(1), gas), amount)
	assert.Zero(t, want.Cmp(chain.Balance(wallets[0].Address)), "sender holds %s", chain.Balance(wallets[0].Address))
}

func TestTransfer_Failures(t *testing.T) {
	tests := []struct {
		name      string
		setup     func(h *harness)
		wantClass string
		wantState State
		wantHash  bool
	}{
		{
			name: "broadcast rejected",
			setup: func(h *harness) {
				h.chain.FailBroadcast(&ledger.RejectedError{Reason: "transaction underpriced"})
			},
			wantClass: ledger.ClassRejected,
			wantState: StateFailed,
		},
		{
			name: "node down at broadcast",
			setup: func(h *harness) {
				h.chain.FailBroadcast(&ledger.ConnectivityError{Op: "broadcast", Err: ledgertest.ErrDown})
			},
			wantClass: ledger.ClassConnectivity,
			wantState: StateFailed,
		},
		{
			name:      "never confirmed",
			setup:     func(h *harness) { h.chain.NeverConfirm() },
			wantClass: ledger.ClassTimeout,
			wantState: StateTimedOut,
			wantHash:  true,
		},
		{
			name: "reverted",
			setup: func(h *harness) {
				h.chain.RevertWhen(func(*types.Transaction) bool { return true })
			},
			wantClass: ledger.ClassRejected,
			wantState: StateFailed,
			wantHash:  true,
		},
		{
			name: "recipient lookup fails",
			setup: func(h *harness) {
				h.chain.FailReads(h.wallets[1].Address, ledgertest.ErrDown)
				h.chain.FailReads(h.wallets[2].Address, ledgertest.ErrDown)
			},
			wantClass: ledger.ClassConnectivity,
			wantState: StateFailed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			h := newHarness(t, transferOnly())
			h.chain.SetBalance(h.self(), ether(1))
			h.chain.SetBalance(h.wallets[1].Address, ether(1))
			require.NoError(t, h.user.Init(ctx))
			tt.setup(h)

			h.user.transfer(ctx, ctx)

			events := h.sink.Events()
			require.Len(t, events, 1)
			assert.Error(t, events[0].Err)
			assert.Equal(t, tt.wantClass, ledger.Classify(events[0].Err))
			assert.Zero(t, events[0].ResponseSize)
			assert.Equal(t, tt.wantHash, events[0].TxHash != (common.Hash{}))
			assert.Equal(t, tt.wantState, h.user.State())
		})
	}
}

func TestTransfer_RejectedDoesNotAdvanceNonce(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, transferOnly())
	h.chain.SetBalance(h.self(), ether(1))
	h.chain.SetBalance(h.wallets[1].Address, ether(1))
	require.NoError(t, h.user.Init(ctx))

	h.chain.FailBroadcast(errors.New("boom"))
	h.user.Iterate(ctx)
	assert.EqualValues(t, 0, h.user.Nonce())

	h.chain.FailBroadcast(nil)
	h.user.Iterate(ctx)
	require.Len(t, h.chain.Sent(), 1)
	assert.EqualValues(t, 0, h.chain.Sent()[0].Nonce(), "the failed attempt did not consume a nonce")
	assert.EqualValues(t, 1, h.user.Nonce())
}

// stopAfter returns a pacer that ends the loop after n iterations.
func stopAfter(n int) Pacer {
	return &countingPacer{left: n}
}

type countingPacer struct{ left int }

func (p *countingPacer) Wait(ctx context.Context, _ time.Time) error {
	p.left--
	if p.left <= 0 {
		return errors.New("done")
	}
	return ctx.Err()
}

func TestUser_RunKeepsGoingAfterFailures(t *testing.T) {
	h := newHarness(t, transferOnly())
	h.chain.SetBalance(h.self(), ether(1))
	h.chain.SetBalance(h.wallets[1].Address, ether(1))
	h.chain.FailBroadcast(&ledger.RejectedError{Reason: "nope"})

	require.NoError(t, h.user.Run(context.Background(), stopAfter(4)))

	events := h.sink.Events()
	assert.Len(t, events, 4, "every iteration reports, none ends the loop")
	assert.Equal(t, StateStopped, h.user.State())
}

func TestUser_RunStopsOnCancel(t *testing.T) {
	h := newHarness(t, transferOnly())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	require.NoError(t, h.user.Run(ctx, stopAfter(100)))
	assert.Empty(t, h.sink.Events())
	assert.Equal(t, StateStopped, h.user.State())
}
