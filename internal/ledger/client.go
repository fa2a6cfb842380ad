// Package ledger wraps the chain node: balances, nonces, signing, broadcast
// and confirmation waiting, with typed failures for each.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/gateway-fm/evmloadtest/internal/rpc"
)

// DefaultPollInterval is how often AwaitConfirmation asks for a receipt.
const DefaultPollInterval = 500 * time.Millisecond

// Ledger is what the load users need from the chain.
type Ledger interface {
	ChainID() *big.Int
	GetBalance(ctx context.Context, addr common.Address) (*big.Int, error)
	GetNonce(ctx context.Context, addr common.Address) (uint64, error)
	Sign(in Intent, signer Signer) (*SignedTx, error)
	Broadcast(ctx context.Context, tx *SignedTx) (common.Hash, error)
	AwaitConfirmation(ctx context.Context, hash common.Hash, timeout time.Duration) (*Receipt, error)
}

// Receipt is a mined transaction outcome.
type Receipt struct {
	TxHash            common.Hash
	Status            uint64
	GasUsed           uint64
	BlockNumber       uint64
	EffectiveGasPrice *big.Int
	// Size is the length of the receipt as returned by the node.
	Size int
}

// Fee returns gasUsed * effectiveGasPrice, or nil if the node omitted the price.
func (r *Receipt) Fee() *big.Int {
	if r.EffectiveGasPrice == nil {
		return nil
	}
	return new(big.Int).Mul(r.EffectiveGasPrice, new(big.Int).SetUint64(r.GasUsed))
}

// Config configures a Client.
type Config struct {
	RPC          rpc.Client
	ChainID      *big.Int
	PollInterval time.Duration
	Logger       *slog.Logger
}

// Client implements Ledger over JSON-RPC.
type Client struct {
	rpc          rpc.Client
	chainID      *big.Int
	pollInterval time.Duration
	logger       *slog.Logger
}

// New creates a ledger client.
func New(cfg Config) (*Client, error) {
	if cfg.RPC == nil {
		return nil, errors.New("rpc client is required")
	}
	if cfg.ChainID == nil || cfg.ChainID.Sign() <= 0 {
		return nil, errors.New("chain id must be positive")
	}
	poll := cfg.PollInterval
	if poll <= 0 {
		poll = DefaultPollInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		rpc:          cfg.RPC,
		chainID:      new(big.Int).Set(cfg.ChainID),
		pollInterval: poll,
		logger:       logger,
	}, nil
}

// ChainID returns the configured chain id.
func (c *Client) ChainID() *big.Int {
	return new(big.Int).Set(c.chainID)
}

// RPC exposes the underlying client for contract reads.
func (c *Client) RPC() rpc.Client {
	return c.rpc
}

// GetBalance returns the latest balance of addr in base units.
func (c *Client) GetBalance(ctx context.Context, addr common.Address) (*big.Int, error) {
	bal, err := c.rpc.GetBalance(ctx, addr.Hex())
	if err != nil {
		return nil, &ConnectivityError{Op: "get balance", Err: err}
	}
	return bal, nil
}

// GetBalances returns the latest balances of addrs, in order, from one batched request.
func (c *Client) GetBalances(ctx context.Context, addrs []common.Address) ([]*big.Int, error) {
	hexes := make([]string, len(addrs))
	for i, a := range addrs {
		hexes[i] = a.Hex()
	}
	bals, err := c.rpc.GetBalancesBatch(ctx, hexes)
	if err != nil {
		return nil, &ConnectivityError{Op: "get balances", Err: err}
	}
	return bals, nil
}

// GetNonce returns the next nonce the node expects from addr, counting pending transactions.
func (c *Client) GetNonce(ctx context.Context, addr common.Address) (uint64, error) {
	nonce, err := c.rpc.GetNonce(ctx, addr.Hex())
	if err != nil {
		return 0, &ConnectivityError{Op: "get nonce", Err: err}
	}
	return nonce, nil
}

// Sign signs the intent. Key material never reaches the logger.
func (c *Client) Sign(in Intent, signer Signer) (*SignedTx, error) {
	if in.ChainID == nil {
		in.ChainID = c.chainID
	}
	return Sign(in, signer)
}

// Broadcast submits a signed transaction. Node refusals come back as *RejectedError
// and are not retried.
func (c *Client) Broadcast(ctx context.Context, tx *SignedTx) (common.Hash, error) {
	hashStr, err := c.rpc.SendRawTransaction(ctx, tx.Raw)
	if err != nil {
		var rpcErr *rpc.RPCError
		if errors.As(err, &rpcErr) {
			return common.Hash{}, &RejectedError{Reason: rpcErr.Message, Err: err}
		}
		return common.Hash{}, &ConnectivityError{Op: "broadcast", Err: err}
	}

	hash := tx.Hash
	if hashStr != "" {
		hash = common.HexToHash(hashStr)
		if hash != tx.Hash {
			c.logger.Warn("node returned unexpected tx hash",
				slog.String("expected", tx.Hash.Hex()),
				slog.String("got", hash.Hex()),
			)
		}
	}
	return hash, nil
}

// AwaitConfirmation polls for the receipt until it appears or timeout elapses.
// The wait is bounded by its own timeout and is not cut short when ctx is cancelled,
// so an in-flight transaction still gets a definite outcome at shutdown.
// A reverted receipt is returned together with a *RejectedError.
func (c *Client) AwaitConfirmation(ctx context.Context, hash common.Hash, timeout time.Duration) (*Receipt, error) {
	waitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	var lastErr error
	for {
		select {
		case <-waitCtx.Done():
			if lastErr != nil {
				c.logger.Debug("receipt polling errors before timeout",
					slog.String("txHash", hash.Hex()),
					slog.String("lastError", lastErr.Error()),
				)
			}
			return nil, &TimeoutError{TxHash: hash, After: timeout}
		case <-ticker.C:
			raw, err := c.rpc.GetTransactionReceipt(waitCtx, hash.Hex())
			if err != nil {
				lastErr = err
				continue
			}
			if raw == nil {
				continue
			}
			receipt := &Receipt{
				TxHash:            hash,
				Status:            raw.Status,
				GasUsed:           raw.GasUsed,
				BlockNumber:       raw.BlockNumber,
				EffectiveGasPrice: raw.EffectiveGasPrice,
				Size:              len(raw.Raw),
			}
			if receipt.Status == 0 {
				return receipt, &RejectedError{
					TxHash:   hash,
					Reverted: true,
					Reason:   fmt.Sprintf("status=0 gasUsed=%d", raw.GasUsed),
				}
			}
			return receipt, nil
		}
	}
}
