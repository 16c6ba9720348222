package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"liquidationScope/internal/chain"
	"liquidationScope/internal/config"
	"liquidationScope/internal/protocol"
	"liquidationScope/internal/scanner"
)

func runTx(cmd *cobra.Command, args []string) error {
	cfgFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.LoadTx(cfgFile, cmd.Flags())
	if err != nil {
		return err
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()

	if cfg.RPCURL == "" {
		return fmt.Errorf("rpc url is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	chainClient, err := chain.NewClient(ctx, cfg.RPCURL)
	if err != nil {
		return fmt.Errorf("connect rpc: %w", err)
	}
	defer chainClient.Close()

	registry, err := protocol.BuildRegistry(cfg.Protocols, chainClient)
	if err != nil {
		return err
	}

	scan := scanner.New(scanner.Config{
		CallTimeout:  cfg.CallTimeout,
		MaxRetries:   cfg.MaxRetries,
		RetryBackoff: 500 * time.Millisecond,
	}, registry, chainClient, logger)

	result, err := scan.AnalyzeTransaction(ctx, args[0])
	if err != nil {
		return err
	}

	logger.Info("transaction analyzed",
		zap.String("tx_hash", args[0]),
		zap.Int("events", result.TotalEvents()),
		zap.Int("errors", len(result.Errors)),
	)

	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(result)
}
