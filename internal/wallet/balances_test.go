package wallet

import (
	"context"
	"errors"
	"math/big"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/gateway-fm/evmloadtest/internal/ledger"
	"github.com/gateway-fm/evmloadtest/internal/ledger/ledgertest"
	"github.com/gateway-fm/evmloadtest/internal/rpc"
	"github.com/gateway-fm/evmloadtest/internal/rpc/rpctest"
)

// batchLedger adds batched balance reads to the fake ledger.
type batchLedger struct {
	*ledgertest.Fake
	mu      sync.Mutex
	batches []int
}

func (b *batchLedger) GetBalances(ctx context.Context, addrs []common.Address) ([]*big.Int, error) {
	b.mu.Lock()
	b.batches = append(b.batches, len(addrs))
	b.mu.Unlock()

	out := make([]*big.Int, len(addrs))
	for i, a := range addrs {
		bal, err := b.GetBalance(ctx, a)
		if err != nil {
			return nil, err
		}
		out[i] = bal
	}
	return out, nil
}

func TestFetchBalances_Batched(t *testing.T) {
	wallets, err := Generate(2*BalanceBatchSize+50, nil)
	if err != nil {
		t.Fatal(err)
	}
	chain := &batchLedger{Fake: ledgertest.New(1)}
	for i, w := range wallets {
		chain.SetBalance(w.Address, big.NewInt(int64(i+1)))
	}

	balances, errs := FetchBalances(context.Background(), chain, wallets, 4)
	for i := range wallets {
		if errs[i] != nil {
			t.Fatalf("wallet %d error = %v", i, errs[i])
		}
		if balances[i].Int64() != int64(i+1) {
			t.Errorf("balance[%d] = %s, want %d", i, balances[i], i+1)
		}
	}

	slices.Sort(chain.batches)
	want := []int{50, BalanceBatchSize, BalanceBatchSize}
	if !slices.Equal(chain.batches, want) {
		t.Errorf("batch sizes = %v, want %v", chain.batches, want)
	}
}

func TestFetchBalances_BatchFailureReadsEachAddress(t *testing.T) {
	wallets := mustWallets(t, 3)
	chain := &batchLedger{Fake: ledgertest.New(1)}
	chain.SetBalance(wallets[0].Address, ether(1))
	chain.SetBalance(wallets[2].Address, ether(3))
	chain.FailReads(wallets[1].Address, ledgertest.ErrDown)

	balances, errs := FetchBalances(context.Background(), chain, wallets, 4)
	if len(chain.batches) != 1 {
		t.Errorf("batches = %v, want one attempt", chain.batches)
	}
	if !errors.Is(errs[1], ledgertest.ErrDown) {
		t.Errorf("wallet 1 error = %v, want %v", errs[1], ledgertest.ErrDown)
	}
	if errs[0] != nil || errs[2] != nil {
		t.Fatalf("healthy wallets failed: %v, %v", errs[0], errs[2])
	}
	if balances[0].Cmp(ether(1)) != 0 || balances[2].Cmp(ether(3)) != 0 {
		t.Errorf("balances = %s, %s", balances[0], balances[2])
	}
	if balances[1] != nil {
		t.Errorf("failed wallet balance = %s, want nil", balances[1])
	}
}

func TestFetchBalances_OneRoundTripPerBatch(t *testing.T) {
	chain := rpctest.New(5)
	t.Cleanup(chain.Close)
	led, err := ledger.New(ledger.Config{
		RPC:          rpc.NewHTTPClient(rpc.DefaultClientConfig(chain.URL())),
		ChainID:      big.NewInt(5),
		PollInterval: 5 * time.Millisecond,
	})
	if err != nil {
		t.Fatal(err)
	}

	wallets := mustWallets(t, 3)
	for i, w := range wallets {
		chain.SetBalance(w.Address, ether(int64(i+1)))
	}

	rep := Report(context.Background(), led, wallets, 8)
	if rep.Funded != 3 || rep.Failed != 0 {
		t.Errorf("Funded/Failed = %d/%d, want 3/0", rep.Funded, rep.Failed)
	}
	if rep.Total.Cmp(ether(6)) != 0 {
		t.Errorf("Total = %s, want 6 ether", rep.Total)
	}
	if got := chain.Requests(); got != 1 {
		t.Errorf("node saw %d requests, want 1", got)
	}
	if got := chain.Calls("eth_getBalance"); got != 3 {
		t.Errorf("eth_getBalance calls = %d, want 3", got)
	}
}
