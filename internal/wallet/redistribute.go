package wallet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/gateway-fm/evmloadtest/internal/ledger"
)

// Redistribution defaults.
var (
	DefaultMinSenderBalance = big.NewInt(500_000_000_000_000_000) // 0.5 ether
	DefaultRedistGasPrice   = big.NewInt(50_000_000_000)          // 50 gwei
)

// DefaultRedistGasLimit is the gas limit of a plain value transfer.
const DefaultRedistGasLimit = 21000

var (
	// ErrNoFundedWallet means no wallet holds at least the minimum sender balance.
	ErrNoFundedWallet = errors.New("no funded wallet found")
	// ErrInsufficientForGas means the sender cannot cover gas for every recipient.
	ErrInsufficientForGas = errors.New("sender balance does not cover gas for all recipients")
)

// Plan is a computed redistribution: one sender, equal shares to every empty wallet.
type Plan struct {
	Sender        *Wallet
	SenderBalance *big.Int
	Recipients    []*Wallet
	GasPrice      *big.Int
	GasLimit      uint64
	// Available is senderBalance - len(recipients) * gasPrice * gasLimit.
	Available *big.Int
	// AmountEach is Available / len(recipients), rounded down.
	AmountEach *big.Int
}

// Total returns the value the plan moves, excluding gas.
func (p *Plan) Total() *big.Int {
	return new(big.Int).Mul(p.AmountEach, big.NewInt(int64(len(p.Recipients))))
}

// Transfer is the outcome of one redistribution send.
type Transfer struct {
	To     common.Address
	Amount *big.Int
	TxHash common.Hash
	Err    error
}

// RedistributorConfig configures a Redistributor.
type RedistributorConfig struct {
	Ledger           ledger.Ledger
	MinSenderBalance *big.Int
	GasPrice         *big.Int
	GasLimit         uint64
	// ConfirmTimeout, when positive, waits for each transfer's receipt.
	ConfirmTimeout time.Duration
	Concurrency    int
	Logger         *slog.Logger
}

// Redistributor fans funds out from the richest wallet to empty ones.
type Redistributor struct {
	ledger         ledger.Ledger
	minBalance     *big.Int
	gasPrice       *big.Int
	gasLimit       uint64
	confirmTimeout time.Duration
	concurrency    int
	logger         *slog.Logger
}

// NewRedistributor creates a Redistributor with defaults for unset fields.
func NewRedistributor(cfg RedistributorConfig) (*Redistributor, error) {
	if cfg.Ledger == nil {
		return nil, errors.New("ledger is required")
	}
	r := &Redistributor{
		ledger:         cfg.Ledger,
		minBalance:     cfg.MinSenderBalance,
		gasPrice:       cfg.GasPrice,
		gasLimit:       cfg.GasLimit,
		confirmTimeout: cfg.ConfirmTimeout,
		concurrency:    cfg.Concurrency,
		logger:         cfg.Logger,
	}
	if r.minBalance == nil {
		r.minBalance = DefaultMinSenderBalance
	}
	if r.gasPrice == nil {
		r.gasPrice = DefaultRedistGasPrice
	}
	if r.gasLimit == 0 {
		r.gasLimit = DefaultRedistGasLimit
	}
	if r.concurrency <= 0 {
		r.concurrency = DefaultBalanceConcurrency
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	return r, nil
}

// Plan reads all balances and computes a redistribution. It returns (nil, nil)
// when no wallet needs funds.
func (r *Redistributor) Plan(ctx context.Context, wallets []*Wallet) (*Plan, error) {
	balances, errs := FetchBalances(ctx, r.ledger, wallets, r.concurrency)
	for i, err := range errs {
		if err != nil {
			return nil, fmt.Errorf("balance of %s: %w", wallets[i].Address.Hex(), err)
		}
	}
	return PlanFromBalances(wallets, balances, r.minBalance, r.gasPrice, r.gasLimit)
}

// PlanFromBalances picks the richest wallet holding at least minBalance as sender and
// splits its balance, net of gas for every transfer, evenly across zero-balance wallets.
func PlanFromBalances(wallets []*Wallet, balances []*big.Int, minBalance, gasPrice *big.Int, gasLimit uint64) (*Plan, error) {
	if len(wallets) != len(balances) {
		return nil, fmt.Errorf("have %d wallets but %d balances", len(wallets), len(balances))
	}

	senderIdx := -1
	for i, bal := range balances {
		if bal.Cmp(minBalance) < 0 {
			continue
		}
		if senderIdx < 0 || bal.Cmp(balances[senderIdx]) > 0 {
			senderIdx = i
		}
	}
	if senderIdx < 0 {
		return nil, ErrNoFundedWallet
	}
	sender := wallets[senderIdx]

	var recipients []*Wallet
	for i, w := range wallets {
		if w.Address != sender.Address && balances[i].Sign() == 0 {
			recipients = append(recipients, w)
		}
	}
	if len(recipients) == 0 {
		return nil, nil
	}

	n := big.NewInt(int64(len(recipients)))
	totalGas := new(big.Int).Mul(ledger.GasCost(gasPrice, gasLimit), n)
	available := new(big.Int).Sub(balances[senderIdx], totalGas)
	if available.Sign() <= 0 {
		return nil, ErrInsufficientForGas
	}

	return &Plan{
		Sender:        sender,
		SenderBalance: new(big.Int).Set(balances[senderIdx]),
		Recipients:    recipients,
		GasPrice:      new(big.Int).Set(gasPrice),
		GasLimit:      gasLimit,
		Available:     available,
		AmountEach:    new(big.Int).Div(available, n),
	}, nil
}

// Execute sends the plan's transfers sequentially from one nonce sequence.
// onSent, if non-nil, is called after each attempt. A failed send rolls its nonce
// back so the next transfer reuses it.
func (r *Redistributor) Execute(ctx context.Context, plan *Plan, onSent func(Transfer)) ([]Transfer, error) {
	signer := plan.Sender.Signer()
	start, err := r.ledger.GetNonce(ctx, plan.Sender.Address)
	if err != nil {
		return nil, err
	}
	seq := NewNonceSequence(start)

	results := make([]Transfer, 0, len(plan.Recipients))
	var failed int
	for _, recipient := range plan.Recipients {
		if ctx.Err() != nil {
			return results, ctx.Err()
		}
		t := r.send(ctx, seq, signer, plan, recipient)
		if t.Err != nil {
			failed++
		}
		results = append(results, t)
		if onSent != nil {
			onSent(t)
		}
	}

	r.logger.Info("redistribution complete",
		slog.String("sender", plan.Sender.Address.Hex()),
		slog.Int("recipients", len(plan.Recipients)),
		slog.Int("failed", failed),
		slog.String("amountEach", ledger.FormatEther(plan.AmountEach)),
		slog.Uint64("nextNonce", seq.Peek()),
	)
	if failed > 0 {
		return results, fmt.Errorf("%d of %d transfers failed", failed, len(plan.Recipients))
	}
	return results, nil
}

func (r *Redistributor) send(ctx context.Context, seq *NonceSequence, signer ledger.Signer, plan *Plan, to *Wallet) Transfer {
	t := Transfer{To: to.Address, Amount: plan.AmountEach}

	n := seq.Reserve()
	defer n.Rollback()

	signed, err := r.ledger.Sign(ledger.Intent{
		To:       to.Address,
		Value:    plan.AmountEach,
		GasLimit: plan.GasLimit,
		GasPrice: plan.GasPrice,
		Nonce:    n.Value(),
		ChainID:  r.ledger.ChainID(),
	}, signer)
	if err != nil {
		t.Err = err
		return t
	}

	hash, err := r.ledger.Broadcast(ctx, signed)
	if err != nil {
		t.Err = err
		var rejected *ledger.RejectedError
		if errors.As(err, &rejected) {
			r.resync(ctx, seq, n, plan.Sender.Address)
		}
		return t
	}
	n.Commit()
	t.TxHash = hash

	r.logger.Info("sent redistribution transfer",
		slog.String("to", to.Address.Hex()),
		slog.String("amount", ledger.FormatEther(plan.AmountEach)),
		slog.String("txHash", hash.Hex()),
	)

	if r.confirmTimeout > 0 {
		if _, err := r.ledger.AwaitConfirmation(ctx, hash, r.confirmTimeout); err != nil {
			t.Err = err
		}
	}
	return t
}

// resync moves seq to the node's pending nonce after a rejected send. When the
// node is already past n, the nonce was taken elsewhere and is not reused.
func (r *Redistributor) resync(ctx context.Context, seq *NonceSequence, n *Nonce, sender common.Address) {
	pending, err := r.ledger.GetNonce(ctx, sender)
	if err != nil {
		r.logger.Warn("nonce resync failed", slog.String("error", err.Error()))
		return
	}
	if pending > n.Value() {
		n.Commit()
		seq.Resync(pending)
		r.logger.Info("nonce resynced from node", slog.Uint64("nonce", pending))
	}
}
