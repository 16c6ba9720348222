package scanner

import (
	"context"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"

	"liquidationScope/internal/chain"
	"liquidationScope/internal/model"
	"liquidationScope/internal/protocol"
)

// ChainClient is the part of the network client the scanner consumes.
type ChainClient interface {
	GetChainID(ctx context.Context) (*big.Int, error)
	LatestBlockNumber(ctx context.Context) (uint64, error)
	BlockByNumber(ctx context.Context, number *big.Int) (*types.Block, error)
	BlockTimestamp(ctx context.Context, number uint64) (uint64, error)
	TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error)
	TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error)
}

// Config holds runtime settings for the scanner.
type Config struct {
	Concurrency  int
	CallTimeout  time.Duration
	MaxRetries   int
	RetryBackoff time.Duration
}

// Scanner runs every registered protocol processor over transactions,
// blocks, and block ranges, aggregating matches and isolating failures
// per (transaction, protocol) pair.
type Scanner struct {
	cfg      Config
	registry *protocol.Registry
	chain    ChainClient
	logger   *zap.Logger

	chainIDOnce sync.Once
	chainID     uint64
	chainIDErr  error
}

// New builds a Scanner over an immutable processor registry.
func New(cfg Config, registry *protocol.Registry, chainClient ChainClient, logger *zap.Logger) *Scanner {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	return &Scanner{
		cfg:      cfg,
		registry: registry,
		chain:    chainClient,
		logger:   logger,
	}
}

// AnalyzeTransaction fetches one transaction and its logs and runs every
// registered processor against them.
func (s *Scanner) AnalyzeTransaction(ctx context.Context, txHash string) (*model.BlockAnalysisResult, error) {
	if s.chain == nil {
		return nil, fmt.Errorf("chain client is nil")
	}

	hash := common.HexToHash(txHash)

	var tx *types.Transaction
	err := s.withRetryTimeout(ctx, func(callCtx context.Context) error {
		var fetchErr error
		var pending bool
		tx, pending, fetchErr = s.chain.TransactionByHash(callCtx, hash)
		if fetchErr == nil && pending {
			fetchErr = fmt.Errorf("transaction %s is pending", txHash)
		}
		return fetchErr
	})
	if err != nil {
		return nil, fmt.Errorf("get transaction: %w", err)
	}

	var receipt *types.Receipt
	err = s.withRetryTimeout(ctx, func(callCtx context.Context) error {
		var fetchErr error
		receipt, fetchErr = s.chain.TransactionReceipt(callCtx, hash)
		return fetchErr
	})
	if err != nil {
		return nil, fmt.Errorf("get receipt: %w", err)
	}

	chainID, err := s.resolveChainID(ctx)
	if err != nil {
		return nil, err
	}

	txRecord := chain.BuildTransaction(tx, receipt)
	logs := chain.BuildLogRecords(chainID, receipt.Logs)

	result := &model.BlockAnalysisResult{BlockNumber: txRecord.BlockNumber}
	if ts, err := s.chain.BlockTimestamp(ctx, txRecord.BlockNumber); err == nil {
		result.Timestamp = ts
	}
	s.analyzeRecords(ctx, txRecord, logs, result)
	s.orderGroups(result)
	return result, nil
}

// AnalyzeBlock fetches every transaction in a block and runs the full
// processor set against each one.
func (s *Scanner) AnalyzeBlock(ctx context.Context, blockNumber uint64) (*model.BlockAnalysisResult, error) {
	if s.chain == nil {
		return nil, fmt.Errorf("chain client is nil")
	}

	var block *types.Block
	err := s.withRetryTimeout(ctx, func(callCtx context.Context) error {
		var fetchErr error
		block, fetchErr = s.chain.BlockByNumber(callCtx, new(big.Int).SetUint64(blockNumber))
		return fetchErr
	})
	if err != nil {
		return nil, fmt.Errorf("get block %d: %w", blockNumber, err)
	}

	chainID, err := s.resolveChainID(ctx)
	if err != nil {
		return nil, err
	}

	result := &model.BlockAnalysisResult{BlockNumber: blockNumber, Timestamp: block.Time()}
	for _, tx := range block.Transactions() {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		var receipt *types.Receipt
		err := s.withRetryTimeout(ctx, func(callCtx context.Context) error {
			var fetchErr error
			receipt, fetchErr = s.chain.TransactionReceipt(callCtx, tx.Hash())
			return fetchErr
		})
		if err != nil {
			result.Errors = append(result.Errors, model.ScanError{
				TxHash:      tx.Hash().Hex(),
				BlockNumber: blockNumber,
				Stage:       "fetch",
				Error:       err.Error(),
			})
			continue
		}
		if len(receipt.Logs) == 0 && len(tx.Data()) == 0 {
			continue
		}

		txRecord := chain.BuildTransaction(tx, receipt)
		logs := chain.BuildLogRecords(chainID, receipt.Logs)
		s.analyzeRecords(ctx, txRecord, logs, result)
	}

	s.orderGroups(result)
	return result, nil
}

// AnalyzeRange scans blocks [from, to] with bounded concurrency. Results
// come back sorted by block number regardless of completion order. A
// failed block yields a result carrying a fetch error rather than
// aborting the range.
func (s *Scanner) AnalyzeRange(ctx context.Context, from, to uint64) ([]model.BlockAnalysisResult, error) {
	if to < from {
		return nil, fmt.Errorf("to block must be >= from block")
	}

	count := int(to - from + 1)
	results := make([]model.BlockAnalysisResult, count)

	sem := make(chan struct{}, s.cfg.Concurrency)
	var wg sync.WaitGroup

	for i := 0; i < count; i++ {
		select {
		case <-ctx.Done():
			wg.Wait()
			return nil, ctx.Err()
		case sem <- struct{}{}:
		}

		wg.Add(1)
		go func(offset int) {
			defer wg.Done()
			defer func() { <-sem }()

			blockNumber := from + uint64(offset)
			result, err := s.AnalyzeBlock(ctx, blockNumber)
			if err != nil {
				results[offset] = model.BlockAnalysisResult{
					BlockNumber: blockNumber,
					Errors: []model.ScanError{{
						BlockNumber: blockNumber,
						Stage:       "fetch",
						Error:       err.Error(),
					}},
				}
				return
			}
			results[offset] = *result
		}(i)
	}

	wg.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return results, nil
}

// analyzeRecords runs every processor against one transaction's logs.
// Each transaction/protocol pair is atomic: it either contributes fully
// decoded events, an error entry, or both (partial decode of a batch).
func (s *Scanner) analyzeRecords(ctx context.Context, tx model.Transaction, logs []model.LogRecord, result *model.BlockAnalysisResult) {
	for _, proc := range s.registry.Processors() {
		if !proc.IsLiquidationTransaction(tx, logs) {
			continue
		}

		events, err := proc.DecodeLiquidations(tx, logs)
		if err != nil {
			result.Errors = append(result.Errors, model.ScanError{
				Protocol:    proc.Name(),
				TxHash:      tx.Hash,
				BlockNumber: tx.BlockNumber,
				Stage:       "decode",
				Error:       err.Error(),
			})
		}
		if len(events) == 0 {
			continue
		}

		sortEvents(events)

		enriched := make([]model.EnrichedLiquidationEvent, 0, len(events))
		for _, event := range events {
			enrichedEvent, err := s.enrichWithTimeout(ctx, proc, event)
			if err != nil {
				// Downgrade, not discard: the decoded event is strictly
				// more valuable than its enrichment.
				result.Errors = append(result.Errors, model.ScanError{
					Protocol:    proc.Name(),
					TxHash:      tx.Hash,
					BlockNumber: tx.BlockNumber,
					Stage:       "enrich",
					Error:       err.Error(),
				})
				enrichedEvent = model.EnrichedLiquidationEvent{LiquidationEvent: event}
			}
			enriched = append(enriched, enrichedEvent)
		}

		appendGroup(result, proc.Name(), enriched)

		s.logger.Debug("liquidations detected",
			zap.String("protocol", proc.Name()),
			zap.String("tx_hash", tx.Hash),
			zap.Int("events", len(enriched)),
		)
	}
}

func (s *Scanner) enrichWithTimeout(ctx context.Context, proc protocol.Processor, event model.LiquidationEvent) (model.EnrichedLiquidationEvent, error) {
	callCtx := ctx
	if s.cfg.CallTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, s.cfg.CallTimeout)
		defer cancel()
	}
	return proc.EnrichEvent(callCtx, event)
}

func (s *Scanner) withRetryTimeout(ctx context.Context, fn func(context.Context) error) error {
	return withRetry(ctx, s.cfg.MaxRetries, s.cfg.RetryBackoff, func(ctx context.Context) error {
		callCtx := ctx
		if s.cfg.CallTimeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, s.cfg.CallTimeout)
			defer cancel()
		}
		return fn(callCtx)
	})
}

func (s *Scanner) resolveChainID(ctx context.Context) (uint64, error) {
	s.chainIDOnce.Do(func() {
		chainID, err := s.chain.GetChainID(ctx)
		if err != nil {
			s.chainIDErr = fmt.Errorf("get chain id: %w", err)
			return
		}
		if !chainID.IsUint64() {
			s.chainIDErr = fmt.Errorf("chain id does not fit in uint64: %s", chainID)
			return
		}
		s.chainID = chainID.Uint64()
	})
	return s.chainID, s.chainIDErr
}

// sortEvents orders events by log index, then sub-event index.
func sortEvents(events []model.LiquidationEvent) {
	sort.SliceStable(events, func(i, j int) bool {
		if events[i].LogIndex != events[j].LogIndex {
			return events[i].LogIndex < events[j].LogIndex
		}
		return subIndex(events[i]) < subIndex(events[j])
	})
}

func subIndex(event model.LiquidationEvent) int {
	if event.SubEventIndex == nil {
		return -1
	}
	return *event.SubEventIndex
}

// orderGroups rewrites result groups into processor registration order.
// Transactions contribute groups in first-match order; a multi-tx block
// can surface protocols out of registry order without this pass.
func (s *Scanner) orderGroups(result *model.BlockAnalysisResult) {
	if len(result.Groups) < 2 {
		return
	}
	ordered := make([]model.ProtocolEvents, 0, len(result.Groups))
	for _, name := range s.registry.Names() {
		for _, group := range result.Groups {
			if group.Protocol == name {
				ordered = append(ordered, group)
				break
			}
		}
	}
	result.Groups = ordered
}

// appendGroup merges events into the protocol's group.
func appendGroup(result *model.BlockAnalysisResult, protocolName string, events []model.EnrichedLiquidationEvent) {
	for i := range result.Groups {
		if result.Groups[i].Protocol == protocolName {
			result.Groups[i].Events = append(result.Groups[i].Events, events...)
			return
		}
	}
	result.Groups = append(result.Groups, model.ProtocolEvents{Protocol: protocolName, Events: events})
}
