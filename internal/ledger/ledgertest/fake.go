// Package ledgertest provides an in-memory ledger for tests.
package ledgertest

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/gateway-fm/evmloadtest/internal/ledger"
)

// Fake is an in-memory ledger.Ledger. Transactions are mined at broadcast time:
// value moves to the recipient and gasLimit * gasPrice is charged to the sender.
type Fake struct {
	mu        sync.Mutex
	chainID   *big.Int
	balances  map[common.Address]*big.Int
	nonces    map[common.Address]uint64
	receipts  map[common.Hash]*ledger.Receipt
	sent      []*types.Transaction
	failRead  map[common.Address]error
	broadcast error
	revert    func(tx *types.Transaction) bool
	noReceipt bool
	delay     time.Duration
}

// New creates an empty fake chain.
func New(chainID int64) *Fake {
	return &Fake{
		chainID:  big.NewInt(chainID),
		balances: make(map[common.Address]*big.Int),
		nonces:   make(map[common.Address]uint64),
		receipts: make(map[common.Hash]*ledger.Receipt),
		failRead: make(map[common.Address]error),
	}
}

// SetBalance sets addr's balance.
func (f *Fake) SetBalance(addr common.Address, bal *big.Int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.balances[addr] = new(big.Int).Set(bal)
}

// SetNonce sets addr's next nonce.
func (f *Fake) SetNonce(addr common.Address, nonce uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nonces[addr] = nonce
}

// FailReads makes balance and nonce reads for addr fail with err. Nil clears it.
func (f *Fake) FailReads(addr common.Address, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.failRead, addr)
		return
	}
	f.failRead[addr] = err
}

// FailBroadcast makes every broadcast fail with err. Nil clears it.
func (f *Fake) FailBroadcast(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.broadcast = err
}

// RevertWhen makes matching transactions mine with status 0.
func (f *Fake) RevertWhen(fn func(tx *types.Transaction) bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.revert = fn
}

// NeverConfirm makes AwaitConfirmation time out for every transaction.
func (f *Fake) NeverConfirm() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.noReceipt = true
}

// ConfirmDelay makes AwaitConfirmation take d before answering, or time out
// when d exceeds its bound. The wait ignores ctx as the real client does.
func (f *Fake) ConfirmDelay(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.delay = d
}

// Balance returns addr's current balance.
func (f *Fake) Balance(addr common.Address) *big.Int {
	f.mu.Lock()
	defer f.mu.Unlock()
	if b, ok := f.balances[addr]; ok {
		return new(big.Int).Set(b)
	}
	return new(big.Int)
}

// Nonce returns addr's next nonce.
func (f *Fake) Nonce(addr common.Address) uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.nonces[addr]
}

// Sent returns all accepted transactions in broadcast order.
func (f *Fake) Sent() []*types.Transaction {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*types.Transaction(nil), f.sent...)
}

// ChainID implements ledger.Ledger.
func (f *Fake) ChainID() *big.Int { return new(big.Int).Set(f.chainID) }

// GetBalance implements ledger.Ledger.
func (f *Fake) GetBalance(ctx context.Context, addr common.Address) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.failRead[addr]; ok {
		return nil, &ledger.ConnectivityError{Op: "get balance", Err: err}
	}
	if b, ok := f.balances[addr]; ok {
		return new(big.Int).Set(b), nil
	}
	return new(big.Int), nil
}

// GetNonce implements ledger.Ledger.
func (f *Fake) GetNonce(ctx context.Context, addr common.Address) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.failRead[addr]; ok {
		return 0, &ledger.ConnectivityError{Op: "get nonce", Err: err}
	}
	return f.nonces[addr], nil
}

// Sign implements ledger.Ledger.
func (f *Fake) Sign(in ledger.Intent, signer ledger.Signer) (*ledger.SignedTx, error) {
	if in.ChainID == nil {
		in.ChainID = f.ChainID()
	}
	return ledger.Sign(in, signer)
}

// Broadcast implements ledger.Ledger with nonce and funds checks.
func (f *Fake) Broadcast(ctx context.Context, signed *ledger.SignedTx) (common.Hash, error) {
	tx := new(types.Transaction)
	if err := tx.UnmarshalBinary(signed.Raw); err != nil {
		return common.Hash{}, &ledger.RejectedError{Reason: "malformed transaction", Err: err}
	}
	from, err := types.Sender(types.LatestSignerForChainID(f.chainID), tx)
	if err != nil {
		return common.Hash{}, &ledger.RejectedError{Reason: "invalid signature", Err: err}
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.broadcast != nil {
		return common.Hash{}, f.broadcast
	}
	if want := f.nonces[from]; tx.Nonce() != want {
		return common.Hash{}, &ledger.RejectedError{Reason: fmt.Sprintf("invalid nonce: have %d, want %d", tx.Nonce(), want)}
	}
	gasCost := ledger.GasCost(tx.GasPrice(), tx.Gas())
	cost := new(big.Int).Add(tx.Value(), gasCost)
	bal := f.balances[from]
	if bal == nil {
		bal = new(big.Int)
	}
	if bal.Cmp(cost) < 0 {
		return common.Hash{}, &ledger.RejectedError{Reason: "insufficient funds for gas * price + value"}
	}

	f.nonces[from]++
	f.sent = append(f.sent, tx)

	status := uint64(1)
	if f.revert != nil && f.revert(tx) {
		status = 0
		f.balances[from] = new(big.Int).Sub(bal, gasCost)
	} else {
		f.balances[from] = new(big.Int).Sub(bal, cost)
		if to := tx.To(); to != nil && tx.Value().Sign() > 0 {
			toBal := f.balances[*to]
			if toBal == nil {
				toBal = new(big.Int)
			}
			f.balances[*to] = new(big.Int).Add(toBal, tx.Value())
		}
	}

	f.receipts[tx.Hash()] = &ledger.Receipt{
		TxHash:            tx.Hash(),
		Status:            status,
		GasUsed:           tx.Gas(),
		BlockNumber:       uint64(len(f.sent)),
		EffectiveGasPrice: tx.GasPrice(),
		Size:              128,
	}
	return tx.Hash(), nil
}

// AwaitConfirmation implements ledger.Ledger.
func (f *Fake) AwaitConfirmation(ctx context.Context, hash common.Hash, timeout time.Duration) (*ledger.Receipt, error) {
	f.mu.Lock()
	r, ok := f.receipts[hash]
	noReceipt, delay := f.noReceipt, f.delay
	f.mu.Unlock()

	if delay > 0 {
		if delay > timeout {
			time.Sleep(timeout)
			return nil, &ledger.TimeoutError{TxHash: hash, After: timeout}
		}
		time.Sleep(delay)
	}
	if !ok || noReceipt {
		return nil, &ledger.TimeoutError{TxHash: hash, After: timeout}
	}
	if r.Status == 0 {
		return r, &ledger.RejectedError{TxHash: hash, Reverted: true, Reason: "status=0"}
	}
	return r, nil
}

var _ ledger.Ledger = (*Fake)(nil)

// ErrDown is a convenience connectivity cause for tests.
var ErrDown = errors.New("connection refused")
