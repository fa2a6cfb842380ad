package wallet

import (
	"context"
	"math/big"
)

// BalanceRow is one line of a balance report.
type BalanceRow struct {
	Address string // checksummed
	Balance *big.Int
	Err     error
}

// BalanceReport is the balance of every wallet plus the total of known balances.
type BalanceReport struct {
	Rows   []BalanceRow
	Total  *big.Int
	Funded int
	Empty  int
	Failed int
}

// Report queries every wallet's balance.
func Report(ctx context.Context, reader BalanceReader, wallets []*Wallet, concurrency int) *BalanceReport {
	balances, errs := FetchBalances(ctx, reader, wallets, concurrency)

	rep := &BalanceReport{
		Rows:  make([]BalanceRow, len(wallets)),
		Total: new(big.Int),
	}
	for i, w := range wallets {
		rep.Rows[i] = BalanceRow{Address: w.Address.Hex(), Balance: balances[i], Err: errs[i]}
		switch {
		case errs[i] != nil:
			rep.Failed++
		case balances[i].Sign() > 0:
			rep.Funded++
			rep.Total.Add(rep.Total, balances[i])
		default:
			rep.Empty++
		}
	}
	return rep
}
