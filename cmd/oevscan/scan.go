package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"liquidationScope/internal/chain"
	"liquidationScope/internal/config"
	"liquidationScope/internal/model"
	"liquidationScope/internal/protocol"
	"liquidationScope/internal/scanner"
	"liquidationScope/internal/storage"
	"liquidationScope/internal/storage/postgres"
)

func runScan(cmd *cobra.Command, _ []string) error {
	cfgFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.LoadScan(cfgFile, cmd.Flags())
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
	if len(cfg.Protocols) == 0 {
		return fmt.Errorf("at least one protocol is required")
	}
	if cfg.BatchSize == 0 {
		return fmt.Errorf("batch size must be greater than zero")
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
		Concurrency:  cfg.Concurrency,
		CallTimeout:  cfg.CallTimeout,
		MaxRetries:   cfg.MaxRetries,
		RetryBackoff: cfg.RetryBackoff,
	}, registry, chainClient, logger)

	var eventSink storage.EventSink = storage.NewJsonlStorage(cfg.Out)
	var errorSink storage.ErrorSink = storage.NewJsonlStorage(cfg.Errors)

	var store *postgres.Store
	if cfg.PGDSN != "" {
		store, err = postgres.NewStore(ctx, cfg.PGDSN)
		if err != nil {
			return fmt.Errorf("connect postgres: %w", err)
		}
		defer store.Close()
	}

	from := cfg.FromBlock
	to := cfg.ToBlock
	if to == 0 {
		latest, err := chainClient.LatestBlockNumber(ctx)
		if err != nil {
			return fmt.Errorf("get latest block: %w", err)
		}
		to = latest
	}

	checkpoint := scanner.NewCheckpointStore(cfg.Checkpoint, cfg.CheckpointEnabled)
	if cp, ok, err := checkpoint.Load(); err != nil {
		return err
	} else if ok && cp.LastScannedBlock >= from {
		from = cp.LastScannedBlock + 1
		logger.Info("resume from checkpoint", zap.Uint64("last_scanned", cp.LastScannedBlock), zap.Uint64("from", from))
	}
	if store != nil {
		if lastScanned, ok, err := store.LoadState(ctx, "oevscan"); err != nil {
			return fmt.Errorf("load scan state: %w", err)
		} else if ok && lastScanned >= from {
			from = lastScanned + 1
			logger.Info("resume from postgres state", zap.Uint64("last_scanned", lastScanned), zap.Uint64("from", from))
		}
	}

	if from > to {
		logger.Info("nothing to scan", zap.Uint64("from", from), zap.Uint64("to", to))
		return nil
	}

	chainID, err := chainClient.GetChainID(ctx)
	if err != nil {
		return fmt.Errorf("get chain id: %w", err)
	}

	logger.Info("scan start",
		zap.Uint64("from", from),
		zap.Uint64("to", to),
		zap.Strings("protocols", registry.Names()),
		zap.Uint64("batch_size", cfg.BatchSize),
		zap.Int("concurrency", cfg.Concurrency),
		zap.Bool("prefilter", cfg.Prefilter),
		zap.String("out", cfg.Out),
		zap.Bool("postgres", store != nil),
	)

	ranges, err := scanner.SplitRange(from, to, cfg.BatchSize)
	if err != nil {
		return err
	}

	var totalEvents, totalErrors int
	for _, blockRange := range ranges {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		results, err := analyzeBatch(ctx, scan, chainClient, blockRange, cfg.Prefilter, logger)
		if err != nil {
			return fmt.Errorf("analyze range %d-%d: %w", blockRange.From, blockRange.To, err)
		}

		for _, result := range results {
			for _, group := range result.Groups {
				if err := eventSink.PutEventBatch(group.Events); err != nil {
					return fmt.Errorf("store events: %w", err)
				}
				if store != nil {
					if err := store.UpsertLiquidations(ctx, chainID.Uint64(), group.Events); err != nil {
						return fmt.Errorf("persist events: %w", err)
					}
				}
				totalEvents += len(group.Events)
			}
			if err := errorSink.PutErrorBatch(result.Errors); err != nil {
				return fmt.Errorf("store errors: %w", err)
			}
			if store != nil {
				if err := store.InsertScanErrors(ctx, chainID.Uint64(), result.Errors); err != nil {
					return fmt.Errorf("persist errors: %w", err)
				}
			}
			totalErrors += len(result.Errors)
		}

		if err := checkpoint.Save(blockRange.To); err != nil {
			return err
		}
		if store != nil {
			if err := store.SaveState(ctx, "oevscan", blockRange.To); err != nil {
				return fmt.Errorf("save state: %w", err)
			}
		}

		logger.Info("batch complete",
			zap.Uint64("from", blockRange.From),
			zap.Uint64("to", blockRange.To),
			zap.Int("events", totalEvents),
			zap.Int("errors", totalErrors),
		)
	}

	logger.Info("scan complete",
		zap.Uint64("from", from),
		zap.Uint64("to", to),
		zap.Int("events", totalEvents),
		zap.Int("errors", totalErrors),
	)

	return nil
}

// analyzeBatch narrows the batch to candidate blocks before analysis
// when prefiltering is on, falling back to a full-range scan if the
// node rejects the log filter.
func analyzeBatch(ctx context.Context, scan *scanner.Scanner, chainClient *chain.Client, blockRange scanner.BlockRange, prefilter bool, logger *zap.Logger) ([]model.BlockAnalysisResult, error) {
	if !prefilter {
		return scan.AnalyzeRange(ctx, blockRange.From, blockRange.To)
	}

	candidates, err := scan.CandidateBlocks(ctx, chainClient, blockRange.From, blockRange.To)
	if err != nil {
		logger.Warn("log prefilter failed, scanning full range",
			zap.Uint64("from", blockRange.From),
			zap.Uint64("to", blockRange.To),
			zap.Error(err),
		)
		return scan.AnalyzeRange(ctx, blockRange.From, blockRange.To)
	}

	return scan.AnalyzeBlocks(ctx, candidates)
}
