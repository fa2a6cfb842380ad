package vuser

import (
	"context"
	"log/slog"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/gateway-fm/evmloadtest/internal/ledger"
)

// Skip reasons reported to the sink.
const (
	SkipZeroBalance     = "zero balance"
	SkipNoRecipient     = "no recipient"
	SkipInsufficientGas = "insufficient balance for gas"
	SkipPoolNotFound    = "pool not found"
	SkipNoLiquidity     = "no liquidity"
	SkipNoTokenBalance  = "no token balance"
)

func (u *User) transferName() string {
	return "Simple " + u.cfg.TokenName + " Transfer"
}

// TransferAmount returns half of what is left after paying for gas, rounded
// down, or nil when the balance cannot cover gas.
func TransferAmount(balance, gasPrice *big.Int, gasLimit uint64) *big.Int {
	available := new(big.Int).Sub(balance, ledger.GasCost(gasPrice, gasLimit))
	if available.Sign() <= 0 {
		return nil
	}
	return available.Rsh(available, 1)
}

// transfer sends half of the spendable native balance to another funded wallet.
func (u *User) transfer(ctx, _ context.Context) {
	name := u.transferName()
	u.setState(StateBuilding)

	if u.balance == nil || u.balance.Sign() == 0 {
		u.skip(name, SkipZeroBalance)
		return
	}

	start := u.now()
	recipient, err := u.deps.Wallets.PickRecipient(ctx, u.wallet.Address)
	if err != nil {
		u.fail(name, start, common.Hash{}, err)
		return
	}
	if recipient == nil {
		u.skip(name, SkipNoRecipient)
		return
	}

	amount := TransferAmount(u.balance, u.cfg.GasPrice, u.cfg.BaseGasLimit)
	if amount == nil {
		u.skip(name, SkipInsufficientGas, slog.String("balance", u.balance.String()))
		return
	}

	nonce, err := u.freshNonce(ctx)
	if err != nil {
		u.fail(name, start, common.Hash{}, err)
		return
	}

	u.submit(ctx, name, ledger.Intent{
		To:       recipient.Address,
		Value:    amount,
		GasLimit: u.cfg.BaseGasLimit,
		GasPrice: u.cfg.GasPrice,
		Nonce:    nonce,
		ChainID:  u.deps.Ledger.ChainID(),
	})
}
