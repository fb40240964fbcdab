// Command custodian runs a multi-asset custodial ledger with an HTTP API.
// Deposits are credited to holders in raw units and valued in a common
// accounting unit through per-asset price feeds; withdrawals are gated by
// operator grants. State is journaled to a write-ahead log and restored on start.
//
// Usage:
//
//	custodian -config config.yaml
//	custodian -setup            (interactive wizard writing config.gen.yaml)
//
// Optional environment variables for exchange price feeds:
//
//	For Binance: BINANCE_API_KEY, BINANCE_API_SECRET
//	For Bybit: BYBIT_API_KEY, BYBIT_API_SECRET
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/vadiminshakov/custodian/config"
	"github.com/vadiminshakov/custodian/internal"
	"github.com/vadiminshakov/custodian/internal/setup"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	runSetup := flag.Bool("setup", false, "run the interactive configuration wizard and exit")
	flag.Parse()

	if *runSetup {
		path, err := setup.RunTUI()
		if err != nil {
			log.Fatal(err)
		}
		fmt.Printf("configuration written to %s, start with: custodian -config %s\n", path, path)
		return
	}

	conf, err := config.Load(*configPath)
	if err != nil {
		log.Fatal(err)
	}

	logger, _ := zap.NewProduction()
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	custodian, err := internal.NewCustodian(conf, logger)
	if err != nil {
		logger.Fatal("failed to create custodian", zap.Error(err))
	}
	defer func() {
		if err := custodian.Close(); err != nil {
			logger.Error("failed to close custodian", zap.Error(err))
		}
	}()

	if err := custodian.Run(ctx); err != nil {
		logger.Error("custodian stopped with error", zap.Error(err))
		return
	}
	logger.Info("custodian stopped")
}
