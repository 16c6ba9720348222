package scanner

import (
	"context"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"liquidationScope/internal/model"
)

// LogFilterClient is the optional log-filter capability used to narrow
// a block range to blocks that carry candidate liquidation topics.
type LogFilterClient interface {
	FilterLogs(ctx context.Context, fromBlock, toBlock uint64, addresses []common.Address, topic0 []common.Hash) ([]types.Log, error)
}

// CandidateBlocks returns the blocks in [from, to] containing at least
// one registered liquidation topic, in ascending order. Every protocol
// emits its liquidation event on-chain, so topic filtering never drops
// a real match.
func (s *Scanner) CandidateBlocks(ctx context.Context, filter LogFilterClient, from, to uint64) ([]uint64, error) {
	seenTopics := make(map[string]bool)
	var topics []common.Hash
	for _, proc := range s.registry.Processors() {
		for _, sig := range proc.Signatures() {
			if seenTopics[sig.Topic0] {
				continue
			}
			seenTopics[sig.Topic0] = true
			topics = append(topics, common.HexToHash(sig.Topic0))
		}
	}

	var logs []types.Log
	err := s.withRetryTimeout(ctx, func(callCtx context.Context) error {
		var fetchErr error
		logs, fetchErr = filter.FilterLogs(callCtx, from, to, nil, topics)
		return fetchErr
	})
	if err != nil {
		return nil, err
	}

	seen := make(map[uint64]bool)
	blocks := make([]uint64, 0, len(logs))
	for _, log := range logs {
		if seen[log.BlockNumber] {
			continue
		}
		seen[log.BlockNumber] = true
		blocks = append(blocks, log.BlockNumber)
	}
	sort.Slice(blocks, func(i, j int) bool { return blocks[i] < blocks[j] })

	return blocks, nil
}

// AnalyzeBlocks runs AnalyzeBlock over an explicit block list with
// bounded concurrency. Results come back in input order; a failed block
// yields a result carrying a fetch error.
func (s *Scanner) AnalyzeBlocks(ctx context.Context, blocks []uint64) ([]model.BlockAnalysisResult, error) {
	results := make([]model.BlockAnalysisResult, len(blocks))

	sem := make(chan struct{}, s.cfg.Concurrency)
	var wg sync.WaitGroup

	for i, blockNumber := range blocks {
		select {
		case <-ctx.Done():
			wg.Wait()
			return nil, ctx.Err()
		case sem <- struct{}{}:
		}

		wg.Add(1)
		go func(offset int, blockNumber uint64) {
			defer wg.Done()
			defer func() { <-sem }()

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
		}(i, blockNumber)
	}

	wg.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return results, nil
}
