package main

import (
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	root := &cobra.Command{
		Use:          "oevscan",
		Short:        "Lending-protocol liquidation scanner",
		SilenceUsage: true,
	}

	root.PersistentFlags().String("config", "", "config file path")

	scanCmd := &cobra.Command{
		Use:   "scan",
		Short: "Scan a block range for liquidations",
		RunE:  runScan,
	}

	scanCmd.Flags().String("rpc", "", "Ethereum RPC URL")
	scanCmd.Flags().Uint64("from", 0, "start block (inclusive)")
	scanCmd.Flags().Uint64("to", 0, "end block (inclusive), 0 means latest")
	scanCmd.Flags().StringSlice("protocols", nil, "enabled protocols (comma-separated)")
	scanCmd.Flags().Uint64("batch-size", 100, "blocks per checkpointed batch")
	scanCmd.Flags().Int("concurrency", 4, "concurrent block analyses")
	scanCmd.Flags().Duration("call-timeout", 10*time.Second, "per-RPC-call timeout")
	scanCmd.Flags().Int("max-retries", 5, "maximum retry attempts")
	scanCmd.Flags().Duration("retry-backoff", 500*time.Millisecond, "initial retry backoff")
	scanCmd.Flags().Bool("prefilter", true, "narrow each batch to blocks with candidate topics via eth_getLogs")
	scanCmd.Flags().String("out", "./data/liquidations.jsonl", "output events JSONL path")
	scanCmd.Flags().String("errors", "./data/scan_errors.jsonl", "scan errors JSONL path")
	scanCmd.Flags().String("checkpoint", "./data/checkpoint.json", "checkpoint file path")
	scanCmd.Flags().Bool("checkpoint-enabled", true, "enable checkpointing")
	scanCmd.Flags().String("pg-dsn", "", "optional Postgres DSN for event persistence")
	scanCmd.Flags().String("log-level", "info", "log level (debug, info, warn, error)")

	root.AddCommand(scanCmd)

	txCmd := &cobra.Command{
		Use:   "tx <hash>",
		Short: "Analyze a single transaction",
		Args:  cobra.ExactArgs(1),
		RunE:  runTx,
	}

	txCmd.Flags().String("rpc", "", "Ethereum RPC URL")
	txCmd.Flags().StringSlice("protocols", nil, "enabled protocols (comma-separated)")
	txCmd.Flags().Duration("call-timeout", 10*time.Second, "per-RPC-call timeout")
	txCmd.Flags().Int("max-retries", 5, "maximum retry attempts")
	txCmd.Flags().String("log-level", "info", "log level (debug, info, warn, error)")

	root.AddCommand(txCmd)

	verifyCmd := &cobra.Command{
		Use:   "verify",
		Short: "Verify processors against known-liquidation fixtures",
		RunE:  runVerify,
	}

	verifyCmd.Flags().String("rpc", "", "Ethereum RPC URL")
	verifyCmd.Flags().String("fixtures", "./testdata/known_liquidations.json", "fixtures JSON path")
	verifyCmd.Flags().Duration("call-timeout", 10*time.Second, "per-RPC-call timeout")
	verifyCmd.Flags().Int("max-retries", 5, "maximum retry attempts")
	verifyCmd.Flags().String("log-level", "info", "log level (debug, info, warn, error)")

	root.AddCommand(verifyCmd)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func newLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevel()
	if err := cfg.Level.UnmarshalText([]byte(level)); err != nil {
		return nil, err
	}

	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	return cfg.Build()
}
