package main

import (
	"fmt"
	"math/big"
	"strconv"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	"github.com/urfave/cli/v2"

	"github.com/gateway-fm/evmloadtest/internal/ledger"
	"github.com/gateway-fm/evmloadtest/internal/wallet"
)

// balanceDecimals is how many fractional digits the report shows.
const balanceDecimals = 6

func balancesCommand() *cli.Command {
	return &cli.Command{
		Name:   "balances",
		Usage:  "Show the native balance of every wallet",
		Flags:  networkFlags(),
		Action: balances,
	}
}

func balances(c *cli.Context) error {
	wallets, err := wallet.LoadFile(c.String("wallets"))
	if err != nil {
		return err
	}
	net, err := dial(c)
	if err != nil {
		return err
	}

	rep := wallet.Report(c.Context, net.ledger, wallets, c.Int("concurrency"))

	table := tablewriter.NewWriter(c.App.Writer)
	table.SetHeader([]string{"#", "Address", "Balance (" + net.tokenName + ")"})
	table.SetAutoWrapText(false)
	table.SetColumnAlignment([]int{tablewriter.ALIGN_RIGHT, tablewriter.ALIGN_LEFT, tablewriter.ALIGN_RIGHT})
	for i, row := range rep.Rows {
		var bal string
		switch {
		case row.Err != nil:
			bal = color.RedString("error: %v", row.Err)
		case row.Balance.Sign() == 0:
			bal = color.YellowString(formatEther(row.Balance))
		default:
			bal = formatEther(row.Balance)
		}
		table.Append([]string{strconv.Itoa(i + 1), row.Address, bal})
	}
	table.SetFooter([]string{"", "Total", formatEther(rep.Total)})
	table.Render()

	fmt.Fprintf(c.App.Writer, "%d funded, %d empty", rep.Funded, rep.Empty)
	if rep.Failed > 0 {
		fmt.Fprint(c.App.Writer, ", ", color.RedString("%d failed", rep.Failed))
	}
	fmt.Fprintln(c.App.Writer)
	if rep.Failed > 0 {
		return fmt.Errorf("%d balance queries failed", rep.Failed)
	}
	return nil
}

func formatEther(wei *big.Int) string {
	return ledger.FromWei(wei, ledger.EtherDecimals).StringFixed(balanceDecimals)
}
