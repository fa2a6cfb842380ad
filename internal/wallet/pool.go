package wallet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"math/rand/v2"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/errgroup"
)

const (
	// DefaultBalanceConcurrency limits parallel balance queries.
	DefaultBalanceConcurrency = 32
	// BalanceBatchSize is how many addresses go into one batched balance request.
	BalanceBatchSize = 100
)

// BalanceReader returns the current native balance of an address.
type BalanceReader interface {
	GetBalance(ctx context.Context, addr common.Address) (*big.Int, error)
}

// BatchBalanceReader also reads many balances in one round trip.
// FetchBalances prefers it when the reader implements it.
type BatchBalanceReader interface {
	BalanceReader
	GetBalances(ctx context.Context, addrs []common.Address) ([]*big.Int, error)
}

// Picker is what a load user needs from the pool.
type Picker interface {
	PickRandom() *Wallet
	PickRecipient(ctx context.Context, exclude common.Address) (*Wallet, error)
}

// Pool is the read-only wallet set shared by all load users.
type Pool struct {
	wallets     []*Wallet
	balances    BalanceReader
	concurrency int
	intn        func(n int) int
	logger      *slog.Logger
}

// PoolConfig configures a Pool.
type PoolConfig struct {
	Wallets     []*Wallet
	Balances    BalanceReader
	Concurrency int
	// IntN overrides the random source. Defaults to math/rand/v2.
	IntN   func(n int) int
	Logger *slog.Logger
}

// NewPool creates a pool over a non-empty wallet set.
func NewPool(cfg PoolConfig) (*Pool, error) {
	if len(cfg.Wallets) == 0 {
		return nil, errors.New("wallet pool is empty")
	}
	if cfg.Balances == nil {
		return nil, errors.New("balance reader is required")
	}
	conc := cfg.Concurrency
	if conc <= 0 {
		conc = DefaultBalanceConcurrency
	}
	intn := cfg.IntN
	if intn == nil {
		intn = rand.IntN
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		wallets:     cfg.Wallets,
		balances:    cfg.Balances,
		concurrency: conc,
		intn:        intn,
		logger:      logger,
	}, nil
}

// Len returns the number of wallets.
func (p *Pool) Len() int { return len(p.wallets) }

// Wallets returns the wallet set. Callers must not modify it.
func (p *Pool) Wallets() []*Wallet { return p.wallets }

// PickRandom returns a uniformly chosen wallet.
func (p *Pool) PickRandom() *Wallet {
	return p.wallets[p.intn(len(p.wallets))]
}

// PickRecipient returns a random wallet other than exclude whose fresh balance is positive.
// It returns (nil, nil) when no wallet qualifies. Wallets whose balance cannot be read are
// not candidates; if every query fails the last error is returned.
func (p *Pool) PickRecipient(ctx context.Context, exclude common.Address) (*Wallet, error) {
	candidates := make([]*Wallet, 0, len(p.wallets))
	for _, w := range p.wallets {
		if w.Address != exclude {
			candidates = append(candidates, w)
		}
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	balances, errs := FetchBalances(ctx, p.balances, candidates, p.concurrency)

	eligible := make([]*Wallet, 0, len(candidates))
	var lastErr error
	failed := 0
	for i, w := range candidates {
		if errs[i] != nil {
			failed++
			lastErr = errs[i]
			continue
		}
		if balances[i].Sign() > 0 {
			eligible = append(eligible, w)
		}
	}

	if failed == len(candidates) {
		return nil, fmt.Errorf("recipient lookup: %w", lastErr)
	}
	if failed > 0 {
		p.logger.Debug("some recipient balances unavailable",
			slog.Int("failed", failed),
			slog.Int("candidates", len(candidates)),
		)
	}
	if len(eligible) == 0 {
		return nil, nil
	}
	return eligible[p.intn(len(eligible))], nil
}

// FetchBalances queries balances for wallets in parallel. Results and errors are
// index-aligned with wallets; a failed query leaves a nil balance and its error.
// A BatchBalanceReader is asked in chunks of BalanceBatchSize.
func FetchBalances(ctx context.Context, reader BalanceReader, wallets []*Wallet, concurrency int) ([]*big.Int, []error) {
	balances := make([]*big.Int, len(wallets))
	errs := make([]error, len(wallets))

	var g errgroup.Group
	g.SetLimit(max(1, concurrency))
	if batcher, ok := reader.(BatchBalanceReader); ok {
		for start := 0; start < len(wallets); start += BalanceBatchSize {
			end := min(start+BalanceBatchSize, len(wallets))
			g.Go(func() error {
				fetchBatch(ctx, batcher, wallets[start:end], balances[start:end], errs[start:end])
				return nil
			})
		}
		_ = g.Wait()
		return balances, errs
	}

	for i, w := range wallets {
		g.Go(func() error {
			bal, err := reader.GetBalance(ctx, w.Address)
			if err != nil {
				errs[i] = err
				return nil
			}
			balances[i] = bal
			return nil
		})
	}
	_ = g.Wait()
	return balances, errs
}

// fetchBatch reads one chunk. If the batch fails, each address is read on its
// own so one bad entry or a node without batch support does not fail the chunk.
func fetchBatch(ctx context.Context, r BatchBalanceReader, wallets []*Wallet, balances []*big.Int, errs []error) {
	addrs := make([]common.Address, len(wallets))
	for i, w := range wallets {
		addrs[i] = w.Address
	}
	bals, err := r.GetBalances(ctx, addrs)
	if err == nil && len(bals) == len(wallets) {
		copy(balances, bals)
		return
	}
	for i, w := range wallets {
		balances[i], errs[i] = r.GetBalance(ctx, w.Address)
	}
}
