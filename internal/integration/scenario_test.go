// Package integration runs the load generator end to end against an
// in-process JSON-RPC node. Tests that need a live deployment are behind the
// integration build tag.
package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gateway-fm/evmloadtest/internal/exchange"
	"github.com/gateway-fm/evmloadtest/internal/ledger"
	"github.com/gateway-fm/evmloadtest/internal/orchestrator"
	"github.com/gateway-fm/evmloadtest/internal/rpc"
	"github.com/gateway-fm/evmloadtest/internal/rpc/rpctest"
	"github.com/gateway-fm/evmloadtest/internal/storage"
	"github.com/gateway-fm/evmloadtest/internal/transport"
	"github.com/gateway-fm/evmloadtest/internal/vuser"
	"github.com/gateway-fm/evmloadtest/internal/wallet"
	"github.com/gateway-fm/evmloadtest/pkg/types"
)

const chainID = 1337

var (
	gasPrice = big.NewInt(1_000_000_000)
	ether    = big.NewInt(1e18)

	factory = common.HexToAddress("0xf000000000000000000000000000000000000001")
	router  = common.HexToAddress("0xf000000000000000000000000000000000000002")
	pairAB  = common.HexToAddress("0xf000000000000000000000000000000000000003")
	tokenA  = common.HexToAddress("0xa000000000000000000000000000000000000001")
	tokenB  = common.HexToAddress("0xb000000000000000000000000000000000000001")
)

func eth(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), ether)
}

type harness struct {
	chain   *rpctest.Chain
	ledger  *ledger.Client
	ex      *exchange.Client
	wallets []*wallet.Wallet
	pool    *wallet.Pool
}

// newHarness starts a fake node with n wallets holding fund wei each.
func newHarness(t *testing.T, n int, fund *big.Int) *harness {
	t.Helper()

	chain := rpctest.New(chainID)
	t.Cleanup(chain.Close)

	cfg := rpc.DefaultClientConfig(chain.URL())
	cfg.MaxRetries = 0
	client := rpc.NewHTTPClient(cfg)

	led, err := ledger.New(ledger.Config{
		RPC:          client,
		ChainID:      big.NewInt(chainID),
		PollInterval: 5 * time.Millisecond,
	})
	require.NoError(t, err)

	chain.DeployExchange(factory, router)
	ex, err := exchange.New(exchange.Config{Caller: client, Factory: factory, Router: router})
	require.NoError(t, err)

	wallets, err := wallet.Generate(n, nil)
	require.NoError(t, err)
	for _, w := range wallets {
		chain.SetBalance(w.Address, fund)
	}
	pool, err := wallet.NewPool(wallet.PoolConfig{Wallets: wallets, Balances: led})
	require.NoError(t, err)

	return &harness{chain: chain, ledger: led, ex: ex, wallets: wallets, pool: pool}
}

func (h *harness) userConfig(weights vuser.Weights) vuser.Config {
	return vuser.Config{
		TokenName:      "ETH",
		GasPrice:       gasPrice,
		BaseGasLimit:   rpctest.TransferGas,
		SwapGasLimit:   200_000,
		Pairs:          []vuser.Pair{{SymbolA: "TKA", SymbolB: "TKB", TokenA: tokenA, TokenB: tokenB}},
		ConfirmTimeout: 5 * time.Second,
		Weights:        weights,
	}
}

func (h *harness) runner(t *testing.T, user vuser.Config, store storage.Storage) *orchestrator.Runner {
	t.Helper()
	r, err := orchestrator.New(orchestrator.Config{
		User:        user,
		Ledger:      h.ledger,
		Exchange:    h.ex,
		Wallets:     h.pool,
		Storage:     store,
		ChainID:     chainID,
		Target:      h.chain.URL(),
		StopTimeout: 10 * time.Second,
		Seed:        7,
	})
	require.NoError(t, err)
	return r
}

func (h *harness) nativeTotal() *big.Int {
	total := new(big.Int)
	for _, w := range h.wallets {
		total.Add(total, h.chain.Balance(w.Address))
	}
	return total
}

func (h *harness) nonceTotal() uint64 {
	var n uint64
	for _, w := range h.wallets {
		n += h.chain.Nonce(w.Address)
	}
	return n
}

func quickRun(users, durationSec int) types.StartRunRequest {
	return types.StartRunRequest{
		Pattern:      types.PatternConstant,
		Users:        users,
		DurationSec:  durationSec,
		SpawnRate:    100,
		WaitStrategy: types.WaitConstant,
		WaitMinMs:    10,
	}
}

func runToEnd(t *testing.T, r *orchestrator.Runner, req types.StartRunRequest) *types.RunResult {
	t.Helper()
	_, err := r.Start(req)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	res, err := r.Wait(ctx)
	require.NoError(t, err)
	return res
}

func skipCount(st types.RunMetrics, name, reason string) uint64 {
	for _, s := range st.Skips {
		if s.Name == name && s.Reason == reason {
			return s.Count
		}
	}
	return 0
}

func TestTransfers_ConserveValue(t *testing.T) {
	h := newHarness(t, 4, eth(10))
	before := h.nativeTotal()

	r := h.runner(t, h.userConfig(vuser.Weights{Transfer: 1}), nil)
	res := runToEnd(t, r, quickRun(1, 1))

	require.Equal(t, types.StatusCompleted, res.Status)
	assert.Zero(t, res.Failures)
	require.Positive(t, h.chain.Sent())

	// Every submission was a transfer between pool wallets, so the only value
	// that left the pool is gas.
	sent := int64(h.chain.Sent())
	burned := new(big.Int).Mul(big.NewInt(sent*int64(rpctest.TransferGas)), gasPrice)
	assert.Equal(t, new(big.Int).Sub(before, burned).String(), h.nativeTotal().String())

	assert.EqualValues(t, h.chain.Sent(), h.nonceTotal())
	assert.EqualValues(t, h.chain.Sent(), res.Requests)
	require.Len(t, res.Tasks, 1)
	assert.Equal(t, "Simple ETH Transfer", res.Tasks[0].Name)
}

func TestSwap_AutoApproveMovesTokens(t *testing.T) {
	h := newHarness(t, 2, eth(10))
	for _, w := range h.wallets {
		h.chain.SetTokenBalance(tokenA, w.Address, eth(100))
		h.chain.SetTokenBalance(tokenB, w.Address, big.NewInt(0))
	}
	h.chain.AddPair(pairAB, tokenA, tokenB, eth(1_000_000), eth(1_000_000))

	user := h.userConfig(vuser.Weights{Swap: 1})
	user.AutoApprove = true
	r := h.runner(t, user, nil)
	res := runToEnd(t, r, quickRun(1, 1))

	require.Equal(t, types.StatusCompleted, res.Status)
	assert.Zero(t, res.Failures, "errors: %+v", res.Errors)

	names := map[string]uint64{}
	for _, task := range res.Tasks {
		names[task.Name] = task.Requests
	}
	assert.EqualValues(t, 1, names["Approve TKA"], "one approval covers every later swap")
	assert.Positive(t, names["Swap TKA for TKB"])

	reserveA, reserveB := h.chain.Reserves(pairAB, tokenA)
	heldA, heldB := new(big.Int), new(big.Int)
	for _, w := range h.wallets {
		heldA.Add(heldA, h.chain.TokenBalance(tokenA, w.Address))
		heldB.Add(heldB, h.chain.TokenBalance(tokenB, w.Address))
	}
	assert.Equal(t, eth(1_000_200).String(), new(big.Int).Add(reserveA, heldA).String())
	assert.Equal(t, eth(1_000_000).String(), new(big.Int).Add(reserveB, heldB).String())
	assert.Positive(t, heldB.Sign())
}

func TestSwap_WithoutApprovalIsRejected(t *testing.T) {
	h := newHarness(t, 2, eth(10))
	for _, w := range h.wallets {
		h.chain.SetTokenBalance(tokenA, w.Address, eth(100))
	}
	h.chain.AddPair(pairAB, tokenA, tokenB, eth(1000), eth(1000))

	r := h.runner(t, h.userConfig(vuser.Weights{Swap: 1}), nil)
	res := runToEnd(t, r, quickRun(1, 1))

	require.Equal(t, types.StatusCompleted, res.Status)
	require.Positive(t, res.Requests)
	assert.Equal(t, res.Requests, res.Failures)
	require.NotEmpty(t, res.Errors)
	for _, e := range res.Errors {
		assert.Equal(t, ledger.ClassRejected, e.Class)
		assert.Equal(t, "Swap TKA for TKB", e.Name)
	}

	reserveA, reserveB := h.chain.Reserves(pairAB, tokenA)
	assert.Equal(t, eth(1000).String(), reserveA.String())
	assert.Equal(t, eth(1000).String(), reserveB.String())
}

func TestSwap_EmptyPoolIsSkipped(t *testing.T) {
	h := newHarness(t, 2, eth(10))
	for _, w := range h.wallets {
		h.chain.SetTokenBalance(tokenA, w.Address, eth(100))
	}
	h.chain.AddPair(pairAB, tokenA, tokenB, big.NewInt(0), big.NewInt(0))

	r := h.runner(t, h.userConfig(vuser.Weights{Swap: 1}), nil)
	res := runToEnd(t, r, quickRun(1, 1))

	require.Equal(t, types.StatusCompleted, res.Status)
	assert.Zero(t, res.Requests)
	assert.Zero(t, h.chain.Sent())
	assert.Positive(t, skipCount(r.Status(), "Swap TKA for TKB", vuser.SkipNoLiquidity))
}

func TestSwap_MissingPoolIsSkipped(t *testing.T) {
	h := newHarness(t, 2, eth(10))

	r := h.runner(t, h.userConfig(vuser.Weights{Swap: 1}), nil)
	res := runToEnd(t, r, quickRun(1, 1))

	assert.Zero(t, res.Requests)
	assert.Zero(t, h.chain.Sent())
	assert.Positive(t, skipCount(r.Status(), "Swap TKA for TKB", vuser.SkipPoolNotFound))
}

func TestTransfers_NodeRejectsEverySend(t *testing.T) {
	h := newHarness(t, 3, eth(10))
	h.chain.Fail("eth_sendRawTransaction", "txpool is full")

	r := h.runner(t, h.userConfig(vuser.Weights{Transfer: 1}), nil)
	res := runToEnd(t, r, quickRun(2, 1))

	require.Positive(t, res.Requests)
	assert.Equal(t, res.Requests, res.Failures)
	require.NotEmpty(t, res.Errors)
	assert.Equal(t, ledger.ClassRejected, res.Errors[0].Class)
	assert.Contains(t, res.Errors[0].Message, "txpool is full")
	assert.Zero(t, h.nonceTotal())
}

func TestControlAPI_RunLifecycle(t *testing.T) {
	h := newHarness(t, 4, eth(10))
	store, err := storage.NewSQLiteStorage(filepath.Join(t.TempDir(), "runs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	r := h.runner(t, h.userConfig(vuser.Weights{Transfer: 1}), store)
	api := transport.NewServer(r, nil, "*")
	t.Cleanup(api.Close)
	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)

	body, err := json.Marshal(quickRun(2, 1))
	require.NoError(t, err)
	resp, err := http.Post(srv.URL+"/v1/start", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	var started transport.StartResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&started))
	resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	require.NotEmpty(t, started.RunID)

	var status types.RunMetrics
	require.Eventually(t, func() bool {
		resp, err := http.Get(srv.URL + "/v1/status")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		return json.NewDecoder(resp.Body).Decode(&status) == nil && status.Status == types.StatusCompleted
	}, 15*time.Second, 50*time.Millisecond)
	assert.Equal(t, started.RunID, status.RunID)
	assert.Positive(t, status.Total.Requests)

	var detail storage.RunDetail
	getJSON(t, srv.URL+"/v1/history/"+started.RunID, &detail)
	require.NotNil(t, detail.Run)
	assert.Equal(t, types.StatusCompleted, detail.Run.Status)
	assert.Equal(t, status.Total.Requests, detail.Run.Requests)
	assert.EqualValues(t, chainID, detail.Run.ChainID)
	require.Len(t, detail.Tasks, 1)
	assert.Equal(t, detail.Run.Requests, detail.Tasks[0].Requests)

	var events storage.PaginatedEvents
	getJSON(t, srv.URL+"/v1/history/"+started.RunID+"/events?limit=1000", &events)
	assert.EqualValues(t, detail.Run.Requests, events.Total)
	for _, e := range events.Events {
		if e.ErrorClass == "" {
			assert.NotEmpty(t, e.TxHash)
		}
	}
	assert.EqualValues(t, h.chain.Sent(), detail.Run.Requests-detail.Run.Failures)
}

func getJSON(t *testing.T, url string, v any) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode, url)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func TestRedistribute_FundsEmptyWallets(t *testing.T) {
	h := newHarness(t, 4, big.NewInt(0))
	h.chain.SetBalance(h.wallets[2].Address, eth(9))

	red, err := wallet.NewRedistributor(wallet.RedistributorConfig{
		Ledger:         h.ledger,
		GasPrice:       gasPrice,
		ConfirmTimeout: 5 * time.Second,
	})
	require.NoError(t, err)

	ctx := context.Background()
	plan, err := red.Plan(ctx, h.wallets)
	require.NoError(t, err)
	require.NotNil(t, plan)
	assert.Equal(t, h.wallets[2].Address, plan.Sender.Address)
	require.Len(t, plan.Recipients, 3)

	transfers, err := red.Execute(ctx, plan, nil)
	require.NoError(t, err)
	require.Len(t, transfers, 3)
	for _, tr := range transfers {
		require.NoError(t, tr.Err)
		assert.Equal(t, plan.AmountEach.String(), h.chain.Balance(tr.To).String())
	}

	fees := new(big.Int).Mul(big.NewInt(3*int64(rpctest.TransferGas)), gasPrice)
	want := new(big.Int).Sub(eth(9), fees)
	want.Sub(want, plan.Total())
	assert.Equal(t, want.String(), h.chain.Balance(h.wallets[2].Address).String())
	assert.EqualValues(t, 3, h.chain.Nonce(h.wallets[2].Address))

	// Every wallet is now funded; a second pass has nothing to do.
	plan, err = red.Plan(ctx, h.wallets)
	require.NoError(t, err)
	assert.Nil(t, plan)
}
