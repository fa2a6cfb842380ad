// Command mcp exposes the load tester's control API as MCP tools over stdio.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/mark3labs/mcp-go/server"

	mcptools "github.com/gateway-fm/evmloadtest/internal/mcp"
)

const defaultURL = "http://localhost:8089"

func main() {
	url := flag.String("url", envOr("LOADTEST_URL", defaultURL), "Control API base URL")
	flag.Parse()

	s := server.NewMCPServer(
		"evmloadtest",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithRecovery(),
	)
	mcptools.RegisterTools(s, mcptools.NewClient(*url))

	if err := server.ServeStdio(s); err != nil {
		fmt.Fprintf(os.Stderr, "MCP server error: %v\n", err)
		os.Exit(1)
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
