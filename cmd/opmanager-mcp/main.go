package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bobmcallan/opmanager-mcp/internal/bridge"
	"github.com/bobmcallan/opmanager-mcp/internal/catalog"
	"github.com/bobmcallan/opmanager-mcp/internal/client"
	"github.com/bobmcallan/opmanager-mcp/internal/common"
	"github.com/bobmcallan/opmanager-mcp/internal/config"
	"github.com/bobmcallan/opmanager-mcp/internal/server"
	"github.com/bobmcallan/opmanager-mcp/internal/tools"
)

var (
	stdio       = flag.Bool("stdio", false, "Use stdio transport (for desktop MCP clients)")
	configFile  = flag.String("config", "opmanager-mcp.toml", "Path to config file")
	serverPort  = flag.Int("port", 0, "HTTP server port (overrides config)")
	specPath    = flag.String("spec", "", "Path to the OpenAPI document (overrides config)")
	showVersion = flag.Bool("version", false, "Print version information")
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Printf("opmanager-mcp version %s\n", common.GetFullVersion())
		os.Exit(0)
	}

	cfg, err := config.LoadFromFile(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	config.ApplyFlagOverrides(cfg, *serverPort, *specPath)
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	logger := common.NewLoggerFromConfig(cfg.Logging)

	ops, err := catalog.Load(cfg.OpenAPI.SpecPath)
	if err != nil {
		logger.Error().Err(err).Str("path", cfg.OpenAPI.SpecPath).Msg("Failed to load API catalog")
		os.Exit(1)
	}

	registry := tools.Generate(ops, cfg.OpenAPI.AllowedMethods, logger)
	if registry.Len() == 0 {
		logger.Error().Msg("No tools generated from catalog")
		os.Exit(1)
	}

	dispatcher := client.NewDispatcher(cfg.Client.RequestTimeout(), logger)
	b := bridge.New(registry, dispatcher, logger)

	if *stdio {
		// Stdio transport — reads stdin, writes stdout. Logging already
		// goes to stderr so the protocol stream stays clean.
		if err := b.ServeStdio(context.Background(), os.Stdin, os.Stdout); err != nil {
			fmt.Fprintf(os.Stderr, "stdio server error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	srv := server.New(cfg, b, logger)

	go func() {
		if err := srv.Start(); err != nil {
			logger.Error().Err(err).Msg("Server failed to start")
			os.Exit(1)
		}
	}()

	logger.Info().
		Str("host", cfg.Server.Host).
		Int("port", cfg.Server.Port).
		Int("tools", registry.Len()).
		Msg("Server ready")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info().Msg("Shutdown signal received")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("Shutdown error")
		os.Exit(1)
	}
}
