package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/shopspring/decimal"
	"github.com/urfave/cli/v2"

	"github.com/gateway-fm/evmloadtest/internal/ledger"
	"github.com/gateway-fm/evmloadtest/internal/wallet"
)

func redistributeCommand() *cli.Command {
	flags := append(networkFlags(),
		&cli.StringFlag{Name: "min", Value: "0.5", Usage: "Minimum sender balance in whole tokens"},
		&cli.StringFlag{Name: "gas-price", Value: "50", Usage: "Gas price in gwei"},
		&cli.Uint64Flag{Name: "gas-limit", Value: wallet.DefaultRedistGasLimit, Usage: "Gas limit per transfer"},
		&cli.DurationFlag{Name: "confirm-timeout", Value: time.Minute, Usage: "Wait this long for each receipt (0 skips waiting)"},
		&cli.BoolFlag{Name: "dry-run", Usage: "Print the plan without sending"},
	)
	return &cli.Command{
		Name:   "redistribute",
		Usage:  "Split the richest wallet's balance evenly across empty wallets",
		Flags:  flags,
		Action: redistribute,
	}
}

func redistribute(c *cli.Context) error {
	minBalance, err := ledger.ParseEther(c.String("min"))
	if err != nil {
		return fmt.Errorf("--min: %w", err)
	}
	gwei, err := decimal.NewFromString(c.String("gas-price"))
	if err != nil || !gwei.IsPositive() {
		return fmt.Errorf("--gas-price: %q is not a positive number", c.String("gas-price"))
	}

	wallets, err := wallet.LoadFile(c.String("wallets"))
	if err != nil {
		return err
	}
	net, err := dial(c)
	if err != nil {
		return err
	}

	r, err := wallet.NewRedistributor(wallet.RedistributorConfig{
		Ledger:           net.ledger,
		MinSenderBalance: minBalance,
		GasPrice:         ledger.GweiToWei(gwei),
		GasLimit:         c.Uint64("gas-limit"),
		ConfirmTimeout:   c.Duration("confirm-timeout"),
		Concurrency:      c.Int("concurrency"),
	})
	if err != nil {
		return err
	}

	plan, err := r.Plan(c.Context, wallets)
	switch {
	case errors.Is(err, wallet.ErrNoFundedWallet):
		return fmt.Errorf("no wallet holds at least %s %s", c.String("min"), net.tokenName)
	case err != nil:
		return err
	case plan == nil:
		fmt.Fprintln(c.App.Writer, "Every wallet already has a balance; nothing to do.")
		return nil
	}

	out := c.App.Writer
	fmt.Fprintf(out, "Sender:      %s (%s %s)\n", plan.Sender.Address.Hex(), ledger.FormatEther(plan.SenderBalance), net.tokenName)
	fmt.Fprintf(out, "Recipients:  %d\n", len(plan.Recipients))
	fmt.Fprintf(out, "Each:        %s %s\n", ledger.FormatEther(plan.AmountEach), net.tokenName)
	fmt.Fprintf(out, "Total:       %s %s plus gas\n", ledger.FormatEther(plan.Total()), net.tokenName)
	if c.Bool("dry-run") {
		fmt.Fprintln(out, color.YellowString("Dry run: no transactions sent."))
		return nil
	}

	bar := newProgress(c, len(plan.Recipients), "sending")
	results, err := r.Execute(c.Context, plan, func(wallet.Transfer) { _ = bar.Add(1) })
	_ = bar.Finish()

	for _, t := range results {
		if t.Err != nil {
			fmt.Fprintf(out, "%s %s: %v\n", color.RedString("failed"), t.To.Hex(), t.Err)
		}
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "%s %d transfers\n", color.GreenString("Sent"), len(results))
	return nil
}
