// Package vuser implements the load user: one wallet, one goroutine, a loop of
// weighted tasks that build, sign, submit and confirm transactions and report
// each outcome to a metrics sink.
package vuser

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"math/rand/v2"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/gateway-fm/evmloadtest/internal/exchange"
	"github.com/gateway-fm/evmloadtest/internal/ledger"
	"github.com/gateway-fm/evmloadtest/internal/metrics"
	"github.com/gateway-fm/evmloadtest/internal/wallet"
)

// Pacer blocks between iterations. It returns an error when the user should stop.
type Pacer interface {
	Wait(ctx context.Context, iterationStart time.Time) error
}

// Deps are the shared collaborators of all users in a run.
type Deps struct {
	Ledger   ledger.Ledger
	Exchange exchange.Directory // required when the swap task is enabled
	Wallets  wallet.Picker
	Sink     metrics.Sink
	Logger   *slog.Logger
	// Seed makes task selection and swap amounts reproducible. Zero picks a random seed.
	Seed uint64
	Now  func() time.Time
}

// User is one load user. Its chain state is only touched by its own goroutine;
// State may be read from anywhere.
type User struct {
	id    int
	cfg   Config
	deps  Deps
	tasks *taskTable
	rng   *rand.Rand
	now   func() time.Time

	logger *slog.Logger
	state  atomic.Int32

	wallet  *wallet.Wallet
	nonce   uint64
	balance *big.Int
	// current is the name a panic in this iteration is reported under.
	current string
}

// New validates cfg and creates a user in StateUninitialized.
func New(id int, cfg Config, deps Deps) (*User, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid user config: %w", err)
	}
	if deps.Ledger == nil || deps.Wallets == nil || deps.Sink == nil {
		return nil, errors.New("ledger, wallets and sink are required")
	}
	if cfg.Weights.Swap > 0 && deps.Exchange == nil {
		return nil, errors.New("swap task enabled without an exchange directory")
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	seed := deps.Seed
	if seed == 0 {
		seed = rand.Uint64()
	}

	u := &User{
		id:     id,
		cfg:    cfg,
		deps:   deps,
		rng:    rand.New(rand.NewPCG(seed, uint64(id))),
		now:    deps.Now,
		logger: logger.With(slog.Int("user", id)),
	}
	u.tasks = newTaskTable(
		Task{Name: u.transferName(), Weight: cfg.Weights.Transfer, run: (*User).transfer},
		Task{Name: "swap", Weight: cfg.Weights.Swap, run: (*User).swap},
	)
	return u, nil
}

// ID returns the user's index in the run.
func (u *User) ID() int { return u.id }

// State returns the current lifecycle state.
func (u *User) State() State { return State(u.state.Load()) }

// Wallet returns the assigned wallet, nil before Init.
func (u *User) Wallet() *wallet.Wallet { return u.wallet }

// Nonce returns the cached next nonce.
func (u *User) Nonce() uint64 { return u.nonce }

// Balance returns a copy of the cached native balance.
func (u *User) Balance() *big.Int {
	if u.balance == nil {
		return nil
	}
	return new(big.Int).Set(u.balance)
}

func (u *User) setState(s State) { u.state.Store(int32(s)) }

// Init picks a wallet and loads its nonce and balance. An error here is fatal
// for this user; the run continues without it.
func (u *User) Init(ctx context.Context) error {
	w := u.deps.Wallets.PickRandom()
	if w == nil {
		return errors.New("wallet pool returned no wallet")
	}
	nonce, err := u.deps.Ledger.GetNonce(ctx, w.Address)
	if err != nil {
		return fmt.Errorf("user %d init nonce: %w", u.id, err)
	}
	balance, err := u.deps.Ledger.GetBalance(ctx, w.Address)
	if err != nil {
		return fmt.Errorf("user %d init balance: %w", u.id, err)
	}

	u.wallet, u.nonce, u.balance = w, nonce, balance
	u.logger = u.logger.With(slog.Any("wallet", w))
	u.setState(StateActive)
	u.logger.Info("user initialized",
		slog.Uint64("nonce", nonce),
		slog.String("balance", ledger.FormatEther(balance)+" "+u.cfg.TokenName),
	)
	return nil
}

// Run initializes the user and loops until ctx is cancelled or pacer says stop.
// Only an Init failure is returned; task failures are reported to the sink.
func (u *User) Run(ctx context.Context, pacer Pacer) error {
	defer u.setState(StateStopped)

	if err := u.Init(ctx); err != nil {
		return err
	}
	for ctx.Err() == nil {
		start := u.now()
		u.Iterate(ctx)
		if err := pacer.Wait(ctx, start); err != nil {
			return nil
		}
	}
	return nil
}

// Iterate runs one weighted task. In-flight work is not cut short by ctx
// cancellation; the caller observes stop between iterations.
func (u *User) Iterate(ctx context.Context) {
	task := u.tasks.pick(u.rng)
	work := context.WithoutCancel(ctx)
	u.current = task.Name

	defer func() {
		if r := recover(); r != nil {
			u.logger.Error("task panicked", slog.String("task", u.current), slog.Any("panic", r))
			u.fail(u.current, u.now(), common.Hash{}, fmt.Errorf("task panicked: %v", r))
		}
		u.setState(StateIdle)
	}()

	task.run(u, work, ctx)
}

// refresh reloads nonce and balance. Read failures keep the cached values:
// an unknown balance is not a zero balance.
func (u *User) refresh(ctx context.Context) {
	if nonce, err := u.deps.Ledger.GetNonce(ctx, u.wallet.Address); err != nil {
		u.logger.Warn("nonce refresh failed", slog.String("error", err.Error()))
	} else {
		u.nonce = max(u.nonce, nonce)
	}
	if bal, err := u.deps.Ledger.GetBalance(ctx, u.wallet.Address); err != nil {
		u.logger.Warn("balance refresh failed", slog.String("error", err.Error()))
	} else {
		u.balance = bal
	}
}

// freshNonce asks the node for the pending nonce so the intent matches the
// chain's next expected value even if another process used the wallet.
func (u *User) freshNonce(ctx context.Context) (uint64, error) {
	nonce, err := u.deps.Ledger.GetNonce(ctx, u.wallet.Address)
	if err != nil {
		return 0, err
	}
	if nonce < u.nonce {
		u.logger.Debug("node nonce behind cached nonce",
			slog.Uint64("node", nonce),
			slog.Uint64("cached", u.nonce),
		)
	}
	u.nonce = nonce
	return nonce, nil
}

// submit signs, broadcasts and confirms in, reporting exactly one event under
// name. It returns true when the transaction was mined successfully.
func (u *User) submit(ctx context.Context, name string, in ledger.Intent) bool {
	u.setState(StateSigning)
	signStart := u.now()
	signed, err := u.deps.Ledger.Sign(in, u.wallet.Signer())
	if err != nil {
		u.fail(name, signStart, common.Hash{}, err)
		return false
	}

	start := u.now()
	hash, err := u.deps.Ledger.Broadcast(ctx, signed)
	if err != nil {
		u.fail(name, start, common.Hash{}, err)
		u.refresh(ctx)
		return false
	}
	u.setState(StateSubmitted)
	u.deps.Sink.Submitted(hash, name)

	receipt, err := u.deps.Ledger.AwaitConfirmation(ctx, hash, u.cfg.ConfirmTimeout)
	if err != nil {
		u.fail(name, start, hash, err)
		u.refresh(ctx)
		return false
	}

	elapsed := u.now().Sub(start)
	u.setState(StateConfirmed)
	u.nonce++
	u.refresh(ctx)

	u.logger.Debug("transaction confirmed",
		slog.String("task", name),
		slog.String("txHash", hash.Hex()),
		slog.Uint64("block", receipt.BlockNumber),
		slog.Duration("latency", elapsed),
	)
	u.deps.Sink.Fire(metrics.Event{
		Category:     metrics.CategoryBlockchain,
		Name:         name,
		User:         u.id,
		Time:         u.now(),
		ResponseTime: elapsed,
		ResponseSize: receipt.Size,
		TxHash:       hash,
	})
	return true
}

// fail reports a failed task with latency measured from start to now.
func (u *User) fail(name string, start time.Time, hash common.Hash, err error) {
	var timeout *ledger.TimeoutError
	if errors.As(err, &timeout) {
		u.setState(StateTimedOut)
	} else {
		u.setState(StateFailed)
	}

	u.logger.Warn("task failed",
		slog.String("task", name),
		slog.String("class", ledger.Classify(err)),
		slog.String("error", err.Error()),
	)
	now := u.now()
	u.deps.Sink.Fire(metrics.Event{
		Category:     metrics.CategoryBlockchain,
		Name:         name,
		User:         u.id,
		Time:         now,
		ResponseTime: now.Sub(start),
		TxHash:       hash,
		Err:          err,
	})
}

func (u *User) skip(name, reason string, attrs ...slog.Attr) {
	u.logger.LogAttrs(context.Background(), slog.LevelDebug, "task skipped",
		append([]slog.Attr{slog.String("task", name), slog.String("reason", reason)}, attrs...)...)
	u.deps.Sink.Skip(name, reason)
}
