package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"liquidationScope/internal/chain"
	"liquidationScope/internal/config"
	"liquidationScope/internal/fixtures"
	"liquidationScope/internal/model"
	"liquidationScope/internal/protocol"
	"liquidationScope/internal/scanner"
)

func runVerify(cmd *cobra.Command, _ []string) error {
	cfgFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.LoadVerify(cfgFile, cmd.Flags())
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

	known, err := fixtures.Load(cfg.Fixtures)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	chainClient, err := chain.NewClient(ctx, cfg.RPCURL)
	if err != nil {
		return fmt.Errorf("connect rpc: %w", err)
	}
	defer chainClient.Close()

	registry, err := protocol.BuildRegistry(known.Protocols(), chainClient)
	if err != nil {
		return err
	}

	scan := scanner.New(scanner.Config{
		CallTimeout:  cfg.CallTimeout,
		MaxRetries:   cfg.MaxRetries,
		RetryBackoff: 500 * time.Millisecond,
	}, registry, chainClient, logger)

	var passed, failed int
	for _, protocolName := range known.Protocols() {
		for _, entry := range known[protocolName] {
			fields := []zap.Field{
				zap.String("protocol", protocolName),
				zap.Uint64("block", entry.Block),
				zap.String("tx_hash", entry.TxHash),
			}

			result, err := scan.AnalyzeTransaction(ctx, entry.TxHash)
			if err != nil {
				failed++
				logger.Error("fixture analysis failed", append(fields, zap.Error(err))...)
				continue
			}

			if matchesFixture(result.EventsFor(protocolName), entry) {
				passed++
				logger.Info("fixture verified", fields...)
				continue
			}

			failed++
			logger.Error("fixture mismatch",
				append(fields,
					zap.String("want_liquidator", entry.Liquidator),
					zap.String("want_user", entry.User),
					zap.Int("got_events", len(result.EventsFor(protocolName))),
				)...)
		}
	}

	logger.Info("verification complete", zap.Int("passed", passed), zap.Int("failed", failed))
	if failed > 0 {
		return fmt.Errorf("%d fixture(s) failed verification", failed)
	}
	return nil
}

// matchesFixture reports whether any decoded event carries the
// fixture's liquidator and user. Addresses compare case-insensitively
// since checksummed and lowercase forms both appear in fixture files.
func matchesFixture(events []model.EnrichedLiquidationEvent, entry fixtures.Entry) bool {
	for _, event := range events {
		if strings.EqualFold(event.Liquidator, entry.Liquidator) && strings.EqualFold(event.User, entry.User) {
			return true
		}
	}
	return false
}
