package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/urfave/cli/v2"

	"github.com/gateway-fm/evmloadtest/internal/wallet"
)

func generateCommand() *cli.Command {
	return &cli.Command{
		Name:  "generate",
		Usage: "Create fresh wallets and write them to the wallets file",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "count", Aliases: []string{"n"}, Value: 10, Usage: "Number of wallets"},
			&cli.StringFlag{Name: "out", Aliases: []string{"o"}, Usage: "Output file (default: --wallets)"},
			&cli.BoolFlag{Name: "force", Usage: "Overwrite an existing file"},
		},
		Action: generate,
	}
}

func generate(c *cli.Context) error {
	count := c.Int("count")
	if count <= 0 {
		return fmt.Errorf("count must be positive, got %d", count)
	}
	out := c.String("out")
	if out == "" {
		out = c.String("wallets")
	}
	if !c.Bool("force") {
		if _, err := os.Stat(out); err == nil {
			return fmt.Errorf("%s already exists; pass --force to overwrite", out)
		} else if !errors.Is(err, os.ErrNotExist) {
			return err
		}
	}

	bar := newProgress(c, count, "generating wallets")
	wallets, err := wallet.Generate(count, func() { _ = bar.Add(1) })
	if err != nil {
		return err
	}
	_ = bar.Finish()

	if err := wallet.Save(out, wallets); err != nil {
		return err
	}

	fmt.Fprintf(c.App.Writer, "%s %d wallets to %s\n", color.GreenString("Wrote"), len(wallets), out)
	fmt.Fprintln(c.App.Writer, "Fund at least one wallet, then run `wallets redistribute`.")
	return nil
}
