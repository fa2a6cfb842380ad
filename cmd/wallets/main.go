// Command wallets manages the load test wallet file: generate keys, report
// balances and spread funds from one wallet to the empty ones.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"os"
	"os/signal"
	"syscall"

	"github.com/mattn/go-isatty"
	"github.com/schollz/progressbar/v3"
	"github.com/urfave/cli/v2"

	"github.com/gateway-fm/evmloadtest/internal/config"
	"github.com/gateway-fm/evmloadtest/internal/ledger"
	"github.com/gateway-fm/evmloadtest/internal/logging"
	"github.com/gateway-fm/evmloadtest/internal/rpc"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		stop()
		os.Exit(1)
	}
}

func run(ctx context.Context, w, ew io.Writer, args []string) error {
	app := cli.NewApp()
	app.Name = "wallets"
	app.Usage = "Generate, inspect and fund load test wallets"
	app.Writer = w
	app.ErrWriter = ew
	app.Flags = []cli.Flag{
		&cli.StringFlag{
			Name:    "wallets",
			Aliases: []string{"w"},
			Value:   config.DefaultWalletsFile,
			Usage:   "Wallets JSON file",
			EnvVars: []string{"WALLETS_FILE"},
		},
		&cli.StringFlag{
			Name:    "log-level",
			Value:   "warn",
			Usage:   "Log level: debug, info, warn, error",
			EnvVars: []string{"LOG_LEVEL"},
		},
	}
	app.Before = func(c *cli.Context) error {
		logger, _, err := logging.New(logging.Options{Level: c.String("log-level"), Output: c.App.ErrWriter})
		if err != nil {
			return err
		}
		slog.SetDefault(logger)
		return nil
	}
	app.Commands = []*cli.Command{
		generateCommand(),
		balancesCommand(),
		redistributeCommand(),
	}
	return app.RunContext(ctx, args)
}

// networkFlags select the node to talk to.
func networkFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "rpc",
			Usage:   "Node RPC URL (default: network.rpc_url from --config)",
			EnvVars: []string{"RPC_URL"},
		},
		&cli.StringFlag{
			Name:    "config",
			Value:   config.DefaultConfigFile,
			Usage:   "Config file to read the RPC URL and token name from",
			EnvVars: []string{"CONFIG_FILE"},
		},
		&cli.IntFlag{
			Name:  "concurrency",
			Value: 32,
			Usage: "Parallel balance queries",
		},
	}
}

type network struct {
	ledger    *ledger.Client
	tokenName string
}

// dial resolves the node from --rpc, falling back to the config file, and
// reads its chain id for signing.
func dial(c *cli.Context) (*network, error) {
	url := c.String("rpc")
	token := "ETH"
	if url == "" {
		file, err := config.LoadFile(c.String("config"))
		if err != nil {
			return nil, fmt.Errorf("no --rpc given and %w", err)
		}
		url = file.Network.RPCURL
		token = file.TokenName()
	}
	cfg := rpc.DefaultClientConfig(url)
	cfg.Logger = slog.Default()
	client := rpc.NewHTTPClient(cfg)

	chainID, err := client.ChainID(c.Context)
	if err != nil {
		return nil, fmt.Errorf("query chain id from %s: %w", url, err)
	}
	led, err := ledger.New(ledger.Config{
		RPC:     client,
		ChainID: new(big.Int).SetUint64(chainID),
		Logger:  slog.Default(),
	})
	if err != nil {
		return nil, err
	}
	return &network{ledger: led, tokenName: token}, nil
}

// newProgress draws a bar on the error writer, hidden unless it is a terminal.
func newProgress(c *cli.Context, total int, desc string) *progressbar.ProgressBar {
	f, ok := c.App.ErrWriter.(*os.File)
	visible := ok && (isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd()))
	return progressbar.NewOptions(total,
		progressbar.OptionSetWriter(c.App.ErrWriter),
		progressbar.OptionSetVisibility(visible),
		progressbar.OptionSetDescription(desc),
		progressbar.OptionShowCount(),
		progressbar.OptionClearOnFinish(),
	)
}
