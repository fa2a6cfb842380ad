package vuser

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"math/big"
	"math/rand/v2"

	"github.com/ethereum/go-ethereum/common"

	"github.com/gateway-fm/evmloadtest/internal/exchange"
	"github.com/gateway-fm/evmloadtest/internal/ledger"
	"github.com/gateway-fm/evmloadtest/internal/rpc"
)

func swapName(p Pair) string {
	return "Swap " + p.SymbolA + " for " + p.SymbolB
}

func approveName(p Pair) string {
	return "Approve " + p.SymbolA
}

// SwapAmount draws a uniform amount in [lo, hi] and caps it at tokenBalance.
// hi - lo must fit in a uint64.
func SwapAmount(rng *rand.Rand, tokenBalance, lo, hi *big.Int) *big.Int {
	span := new(big.Int).Sub(hi, lo).Uint64()
	var offset uint64
	if span == math.MaxUint64 {
		offset = rng.Uint64()
	} else {
		offset = rng.Uint64N(span + 1)
	}
	amount := new(big.Int).Add(lo, new(big.Int).SetUint64(offset))
	if tokenBalance.Cmp(amount) < 0 {
		return new(big.Int).Set(tokenBalance)
	}
	return amount
}

// readError tags exchange read failures so they classify like ledger reads:
// a node refusing the call stays as is, anything else is connectivity.
func readError(op string, err error) error {
	if rpc.IsRPCError(err) {
		return err
	}
	var connErr *ledger.ConnectivityError
	if errors.As(err, &connErr) {
		return err
	}
	return &ledger.ConnectivityError{Op: op, Err: err}
}

// swap walks the configured pairs in order and swaps a small random amount of
// token A for token B on each tradable one. Every pair is attempted regardless
// of how the previous one went; a zero native balance ends the walk.
func (u *User) swap(ctx, stop context.Context) {
	for _, p := range u.cfg.Pairs {
		if stop.Err() != nil {
			return
		}
		name := swapName(p)
		u.current = name
		u.setState(StateBuilding)

		if u.balance == nil || u.balance.Sign() == 0 {
			u.skip(name, SkipZeroBalance)
			return
		}
		u.swapPair(ctx, p, name)
	}
}

func (u *User) swapPair(ctx context.Context, p Pair, name string) {
	start := u.now()

	pool, err := exchange.CheckTradable(ctx, u.deps.Exchange, p.TokenA, p.TokenB)
	switch {
	case errors.Is(err, exchange.ErrPoolNotFound):
		u.skip(name, SkipPoolNotFound)
		return
	case errors.Is(err, exchange.ErrNoLiquidity):
		u.skip(name, SkipNoLiquidity, slog.String("pool", pool.Address.Hex()))
		return
	case err != nil:
		u.fail(name, start, common.Hash{}, readError("check pool", err))
		return
	}

	tokenBalance, err := u.deps.Exchange.TokenBalance(ctx, p.TokenA, u.wallet.Address)
	if err != nil {
		u.fail(name, start, common.Hash{}, readError("token balance", err))
		return
	}
	if tokenBalance.Sign() == 0 {
		u.skip(name, SkipNoTokenBalance, slog.String("token", p.SymbolA))
		return
	}

	amountIn := SwapAmount(u.rng, tokenBalance, u.cfg.SwapAmountMin, u.cfg.SwapAmountMax)
	gasCost := ledger.GasCost(u.cfg.GasPrice, u.cfg.SwapGasLimit)
	if u.balance.Cmp(gasCost) <= 0 {
		u.skip(name, SkipInsufficientGas, slog.String("balance", u.balance.String()))
		return
	}

	if u.cfg.AutoApprove {
		if !u.ensureAllowance(ctx, p, amountIn) {
			return
		}
		u.current = name
		if u.balance.Cmp(gasCost) <= 0 {
			u.skip(name, SkipInsufficientGas, slog.String("balance", u.balance.String()))
			return
		}
		u.setState(StateBuilding)
	}

	nonce, err := u.freshNonce(ctx)
	if err != nil {
		u.fail(name, start, common.Hash{}, err)
		return
	}
	deadline := big.NewInt(u.now().Add(u.cfg.SwapDeadline).Unix())
	path := []common.Address{p.TokenA, p.TokenB}
	data, err := exchange.EncodeSwapExactTokensForTokens(amountIn, u.cfg.SwapMinOut, path, u.wallet.Address, deadline)
	if err != nil {
		u.fail(name, start, common.Hash{}, err)
		return
	}

	u.submit(ctx, name, ledger.Intent{
		To:       u.deps.Exchange.Router(),
		Data:     data,
		GasLimit: u.cfg.SwapGasLimit,
		GasPrice: u.cfg.GasPrice,
		Nonce:    nonce,
		ChainID:  u.deps.Ledger.ChainID(),
	})
}

// ensureAllowance approves the router for token A when its allowance is below
// amount. The approval is its own reported event. It returns false when the
// swap should not be attempted.
func (u *User) ensureAllowance(ctx context.Context, p Pair, amount *big.Int) bool {
	name := approveName(p)
	u.current = name
	router := u.deps.Exchange.Router()
	start := u.now()

	allowance, err := u.deps.Exchange.Allowance(ctx, p.TokenA, u.wallet.Address, router)
	if err != nil {
		u.fail(name, start, common.Hash{}, readError("allowance", err))
		return false
	}
	if allowance.Cmp(amount) >= 0 {
		return true
	}

	// Approval and swap both need gas.
	gasCost := ledger.GasCost(u.cfg.GasPrice, u.cfg.SwapGasLimit)
	if u.balance.Cmp(new(big.Int).Lsh(gasCost, 1)) <= 0 {
		u.skip(name, SkipInsufficientGas)
		return false
	}

	nonce, err := u.freshNonce(ctx)
	if err != nil {
		u.fail(name, start, common.Hash{}, err)
		return false
	}
	data, err := exchange.EncodeApprove(router, exchange.MaxUint256)
	if err != nil {
		u.fail(name, start, common.Hash{}, err)
		return false
	}
	return u.submit(ctx, name, ledger.Intent{
		To:       p.TokenA,
		Data:     data,
		GasLimit: u.cfg.SwapGasLimit,
		GasPrice: u.cfg.GasPrice,
		Nonce:    nonce,
		ChainID:  u.deps.Ledger.ChainID(),
	})
}
