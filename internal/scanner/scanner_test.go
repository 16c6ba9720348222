package scanner

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"

	"liquidationScope/internal/protocol"
)

const aavePoolAddress = "0x87870Bca3F3fD6335C3F4ce8392D69350B4fA4E2"

const aavePoolTestABI = `[
  {
    "anonymous": false,
    "inputs": [
      {"indexed": true, "internalType": "address", "name": "collateralAsset", "type": "address"},
      {"indexed": true, "internalType": "address", "name": "debtAsset", "type": "address"},
      {"indexed": true, "internalType": "address", "name": "user", "type": "address"},
      {"indexed": false, "internalType": "uint256", "name": "debtToCover", "type": "uint256"},
      {"indexed": false, "internalType": "uint256", "name": "liquidatedCollateralAmount", "type": "uint256"},
      {"indexed": false, "internalType": "address", "name": "liquidator", "type": "address"},
      {"indexed": false, "internalType": "bool", "name": "receiveAToken", "type": "bool"}
    ],
    "name": "LiquidationCall",
    "type": "event"
  }
]`

const morphoBlueTestABI = `[
  {
    "anonymous": false,
    "inputs": [
      {"indexed": true, "internalType": "Id", "name": "id", "type": "bytes32"},
      {"indexed": true, "internalType": "address", "name": "caller", "type": "address"},
      {"indexed": true, "internalType": "address", "name": "borrower", "type": "address"},
      {"indexed": false, "internalType": "uint256", "name": "repaidAssets", "type": "uint256"},
      {"indexed": false, "internalType": "uint256", "name": "repaidShares", "type": "uint256"},
      {"indexed": false, "internalType": "uint256", "name": "seizedAssets", "type": "uint256"},
      {"indexed": false, "internalType": "uint256", "name": "badDebtAssets", "type": "uint256"},
      {"indexed": false, "internalType": "uint256", "name": "badDebtShares", "type": "uint256"}
    ],
    "name": "Liquidate",
    "type": "event"
  }
]`

type fakeChainClient struct {
	latest   uint64
	blocks   map[uint64]*types.Block
	blockErr map[uint64]error
	txs      map[common.Hash]*types.Transaction
	receipts map[common.Hash]*types.Receipt
}

func newFakeChainClient() *fakeChainClient {
	return &fakeChainClient{
		blocks:   make(map[uint64]*types.Block),
		blockErr: make(map[uint64]error),
		txs:      make(map[common.Hash]*types.Transaction),
		receipts: make(map[common.Hash]*types.Receipt),
	}
}

func (f *fakeChainClient) GetChainID(context.Context) (*big.Int, error) {
	return big.NewInt(1), nil
}

func (f *fakeChainClient) LatestBlockNumber(context.Context) (uint64, error) {
	return f.latest, nil
}

func (f *fakeChainClient) BlockTimestamp(_ context.Context, number uint64) (uint64, error) {
	block, ok := f.blocks[number]
	if !ok {
		return 0, fmt.Errorf("block %d not found", number)
	}
	return block.Time(), nil
}

func (f *fakeChainClient) BlockByNumber(_ context.Context, number *big.Int) (*types.Block, error) {
	n := number.Uint64()
	if err, ok := f.blockErr[n]; ok {
		return nil, err
	}
	block, ok := f.blocks[n]
	if !ok {
		return nil, fmt.Errorf("block %d not found", n)
	}
	return block, nil
}

func (f *fakeChainClient) TransactionByHash(_ context.Context, hash common.Hash) (*types.Transaction, bool, error) {
	tx, ok := f.txs[hash]
	if !ok {
		return nil, false, fmt.Errorf("transaction %s not found", hash.Hex())
	}
	return tx, false, nil
}

func (f *fakeChainClient) TransactionReceipt(_ context.Context, hash common.Hash) (*types.Receipt, error) {
	receipt, ok := f.receipts[hash]
	if !ok {
		return nil, fmt.Errorf("receipt %s not found", hash.Hex())
	}
	return receipt, nil
}

// FilterLogs scans stored receipts the way eth_getLogs would.
func (f *fakeChainClient) FilterLogs(_ context.Context, fromBlock, toBlock uint64, _ []common.Address, topic0 []common.Hash) ([]types.Log, error) {
	var out []types.Log
	for _, receipt := range f.receipts {
		for _, log := range receipt.Logs {
			if log.BlockNumber < fromBlock || log.BlockNumber > toBlock {
				continue
			}
			if len(log.Topics) == 0 {
				continue
			}
			for _, topic := range topic0 {
				if log.Topics[0] == topic {
					out = append(out, *log)
					break
				}
			}
		}
	}
	return out, nil
}

// addTransaction stores a transaction with its logs and returns the hash.
func (f *fakeChainClient) addTransaction(blockNumber uint64, nonce uint64, to common.Address, input []byte, logs []*types.Log) common.Hash {
	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &to,
		Value:    big.NewInt(0),
		Gas:      200_000,
		GasPrice: big.NewInt(1),
		Data:     input,
	})
	hash := tx.Hash()
	for _, log := range logs {
		log.TxHash = hash
		log.BlockNumber = blockNumber
	}
	f.txs[hash] = tx
	f.receipts[hash] = &types.Receipt{
		TxHash:      hash,
		BlockNumber: new(big.Int).SetUint64(blockNumber),
		Logs:        logs,
	}
	return hash
}

// addBlock assembles the listed transactions into a block.
func (f *fakeChainClient) addBlock(blockNumber uint64, hashes ...common.Hash) {
	txs := make([]*types.Transaction, 0, len(hashes))
	for _, hash := range hashes {
		txs = append(txs, f.txs[hash])
	}
	header := &types.Header{
		Number: new(big.Int).SetUint64(blockNumber),
		Time:   1_700_000_000 + blockNumber,
	}
	f.blocks[blockNumber] = types.NewBlockWithHeader(header).WithBody(txs, nil)
	if blockNumber > f.latest {
		f.latest = blockNumber
	}
}

func aaveLiquidationLog(t *testing.T, logIndex uint, liquidator, user common.Address) *types.Log {
	t.Helper()

	poolABI, err := abi.JSON(strings.NewReader(aavePoolTestABI))
	if err != nil {
		t.Fatalf("abi parse: %v", err)
	}
	event := poolABI.Events["LiquidationCall"]

	data, err := event.Inputs.NonIndexed().Pack(
		big.NewInt(5_000_000_000),
		big.NewInt(3_000_000_000_000_000_000),
		liquidator,
		false,
	)
	if err != nil {
		t.Fatalf("pack event: %v", err)
	}

	return &types.Log{
		Address: common.HexToAddress(aavePoolAddress),
		Topics: []common.Hash{
			event.ID,
			common.BytesToHash(common.HexToAddress("0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2").Bytes()),
			common.BytesToHash(common.HexToAddress("0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48").Bytes()),
			common.BytesToHash(user.Bytes()),
		},
		Data:  data,
		Index: logIndex,
	}
}

func malformedAaveLog(t *testing.T, logIndex uint) *types.Log {
	t.Helper()
	log := aaveLiquidationLog(t, logIndex, common.Address{}, common.Address{})
	log.Data = log.Data[:8]
	return log
}

func morphoLiquidateLog(t *testing.T, logIndex uint, caller, borrower common.Address) *types.Log {
	t.Helper()

	blueABI, err := abi.JSON(strings.NewReader(morphoBlueTestABI))
	if err != nil {
		t.Fatalf("abi parse: %v", err)
	}
	event := blueABI.Events["Liquidate"]

	data, err := event.Inputs.NonIndexed().Pack(
		big.NewInt(1_000_000),
		big.NewInt(1_000_000),
		big.NewInt(2_000_000),
		big.NewInt(0),
		big.NewInt(0),
	)
	if err != nil {
		t.Fatalf("pack event: %v", err)
	}

	return &types.Log{
		Address: common.HexToAddress("0xBBBBBbbBBb9cC5e90e3b3Af64bdAF62C37EEFFCb"),
		Topics: []common.Hash{
			event.ID,
			common.HexToHash("0xb323495f7e4148be5643a4ea4a8221eef163e4bccfdedc2a6f4696baacbc86cc"),
			common.BytesToHash(caller.Bytes()),
			common.BytesToHash(borrower.Bytes()),
		},
		Data:  data,
		Index: logIndex,
	}
}

func noiseLog(logIndex uint) *types.Log {
	return &types.Log{
		Address: common.HexToAddress("0x9999999999999999999999999999999999999999"),
		Topics:  []common.Hash{common.HexToHash("0x1234567890123456789012345678901234567890123456789012345678901234")},
		Data:    []byte{0x01},
		Index:   logIndex,
	}
}

func newTestScanner(t *testing.T, client ChainClient, protocols ...string) *Scanner {
	t.Helper()
	registry, err := protocol.BuildRegistry(protocols, nil)
	if err != nil {
		t.Fatalf("build registry: %v", err)
	}
	return New(Config{
		Concurrency:  2,
		CallTimeout:  time.Second,
		RetryBackoff: time.Millisecond,
	}, registry, client, zap.NewNop())
}

func TestAnalyzeTransactionFixtureRoundTrip(t *testing.T) {
	liquidator := common.HexToAddress("0x1111111111111111111111111111111111111111")
	user := common.HexToAddress("0x2222222222222222222222222222222222222222")

	client := newFakeChainClient()
	hash := client.addTransaction(18500000, 0, common.HexToAddress(aavePoolAddress), []byte{0x00, 0xa7, 0x18, 0xa9}, []*types.Log{
		aaveLiquidationLog(t, 3, liquidator, user),
	})

	scanner := newTestScanner(t, client, "aave_v3")
	result, err := scanner.AnalyzeTransaction(context.Background(), hash.Hex())
	if err != nil {
		t.Fatalf("analyze transaction: %v", err)
	}

	events := result.EventsFor("aave_v3")
	if len(events) != 1 {
		t.Fatalf("event count: %d", len(events))
	}
	if events[0].Liquidator != liquidator.Hex() || events[0].User != user.Hex() {
		t.Fatalf("participants mismatch: %+v", events[0])
	}
	if events[0].TxHash != hash.Hex() {
		t.Fatalf("tx hash: %q", events[0].TxHash)
	}
	if errs := result.ErrorsFor("aave_v3"); len(errs) != 0 {
		t.Fatalf("unexpected errors: %+v", errs)
	}
	if events[0].Context["liquidation_type"] != "aave_v3" {
		t.Fatalf("missing enrichment context: %+v", events[0].Context)
	}
}

func TestAnalyzeTransactionIsolatesProtocolFailures(t *testing.T) {
	caller := common.HexToAddress("0x7777777777777777777777777777777777777777")
	borrower := common.HexToAddress("0x8888888888888888888888888888888888888888")

	client := newFakeChainClient()
	hash := client.addTransaction(18500000, 0, common.HexToAddress("0x4444444444444444444444444444444444444444"), nil, []*types.Log{
		malformedAaveLog(t, 1),
		morphoLiquidateLog(t, 2, caller, borrower),
	})

	scanner := newTestScanner(t, client, "aave_v3", "morpho")
	result, err := scanner.AnalyzeTransaction(context.Background(), hash.Hex())
	if err != nil {
		t.Fatalf("analyze transaction: %v", err)
	}

	// Aave's malformed log is an isolated decode failure.
	aaveErrs := result.ErrorsFor("aave_v3")
	if len(aaveErrs) != 1 || aaveErrs[0].Stage != "decode" {
		t.Fatalf("aave errors: %+v", aaveErrs)
	}
	if len(result.EventsFor("aave_v3")) != 0 {
		t.Fatalf("aave produced events from a malformed log")
	}

	// Morpho decodes fine; enrichment has no chain client, so the event
	// is kept unenriched alongside an enrich error.
	morphoEvents := result.EventsFor("morpho")
	if len(morphoEvents) != 1 {
		t.Fatalf("morpho event count: %d", len(morphoEvents))
	}
	if morphoEvents[0].Liquidator != caller.Hex() || morphoEvents[0].User != borrower.Hex() {
		t.Fatalf("morpho participants mismatch: %+v", morphoEvents[0])
	}
	if morphoEvents[0].Context != nil {
		t.Fatalf("unenriched event carries context: %+v", morphoEvents[0].Context)
	}
	morphoErrs := result.ErrorsFor("morpho")
	if len(morphoErrs) != 1 || morphoErrs[0].Stage != "enrich" {
		t.Fatalf("morpho errors: %+v", morphoErrs)
	}
}

func TestAnalyzeBlockZeroMatches(t *testing.T) {
	client := newFakeChainClient()
	hash := client.addTransaction(100, 0, common.HexToAddress("0x4444444444444444444444444444444444444444"), nil, []*types.Log{
		noiseLog(0),
	})
	client.addBlock(100, hash)

	scanner := newTestScanner(t, client, "aave_v3", "euler_v1", "euler_v2", "morpho")
	result, err := scanner.AnalyzeBlock(context.Background(), 100)
	if err != nil {
		t.Fatalf("analyze block: %v", err)
	}

	if len(result.Groups) != 0 {
		t.Fatalf("unexpected groups: %+v", result.Groups)
	}
	if len(result.Errors) != 0 {
		t.Fatalf("unexpected errors: %+v", result.Errors)
	}
}

func TestAnalyzeBlockGroupsFollowRegistrationOrder(t *testing.T) {
	liquidator := common.HexToAddress("0x1111111111111111111111111111111111111111")
	user := common.HexToAddress("0x2222222222222222222222222222222222222222")

	client := newFakeChainClient()
	// Morpho liquidation lands in an earlier transaction than Aave's.
	morphoTx := client.addTransaction(100, 0, common.HexToAddress("0x4444444444444444444444444444444444444444"), nil, []*types.Log{
		morphoLiquidateLog(t, 0, liquidator, user),
	})
	aaveTx := client.addTransaction(100, 1, common.HexToAddress(aavePoolAddress), nil, []*types.Log{
		aaveLiquidationLog(t, 1, liquidator, user),
	})
	client.addBlock(100, morphoTx, aaveTx)

	scanner := newTestScanner(t, client, "aave_v3", "morpho")
	result, err := scanner.AnalyzeBlock(context.Background(), 100)
	if err != nil {
		t.Fatalf("analyze block: %v", err)
	}

	if len(result.Groups) != 2 {
		t.Fatalf("group count: %d", len(result.Groups))
	}
	if result.Groups[0].Protocol != "aave_v3" || result.Groups[1].Protocol != "morpho" {
		t.Fatalf("group order: %s, %s", result.Groups[0].Protocol, result.Groups[1].Protocol)
	}
}

func TestAnalyzeRangeOrderAndFailureTolerance(t *testing.T) {
	liquidator := common.HexToAddress("0x1111111111111111111111111111111111111111")
	user := common.HexToAddress("0x2222222222222222222222222222222222222222")

	client := newFakeChainClient()
	for _, blockNumber := range []uint64{10, 11, 13} {
		hash := client.addTransaction(blockNumber, blockNumber, common.HexToAddress(aavePoolAddress), nil, []*types.Log{
			aaveLiquidationLog(t, 0, liquidator, user),
		})
		client.addBlock(blockNumber, hash)
	}
	client.blockErr[12] = fmt.Errorf("node unavailable")

	scanner := newTestScanner(t, client, "aave_v3")
	results, err := scanner.AnalyzeRange(context.Background(), 10, 13)
	if err != nil {
		t.Fatalf("analyze range: %v", err)
	}

	if len(results) != 4 {
		t.Fatalf("result count: %d", len(results))
	}
	for i, result := range results {
		if result.BlockNumber != uint64(10+i) {
			t.Fatalf("result %d block: %d", i, result.BlockNumber)
		}
	}

	// The failed block contributes a fetch error, not a range abort.
	failed := results[2]
	if len(failed.Errors) != 1 || failed.Errors[0].Stage != "fetch" {
		t.Fatalf("failed block errors: %+v", failed.Errors)
	}
	if failed.TotalEvents() != 0 {
		t.Fatalf("failed block carries events")
	}

	for _, i := range []int{0, 1, 3} {
		if results[i].TotalEvents() != 1 {
			t.Fatalf("block %d event count: %d", results[i].BlockNumber, results[i].TotalEvents())
		}
	}
}

func TestCandidateBlocksNarrowsRange(t *testing.T) {
	liquidator := common.HexToAddress("0x1111111111111111111111111111111111111111")
	user := common.HexToAddress("0x2222222222222222222222222222222222222222")

	client := newFakeChainClient()
	aaveTx := client.addTransaction(10, 0, common.HexToAddress(aavePoolAddress), nil, []*types.Log{
		aaveLiquidationLog(t, 0, liquidator, user),
	})
	client.addBlock(10, aaveTx)

	noiseTx := client.addTransaction(11, 1, common.HexToAddress("0x4444444444444444444444444444444444444444"), nil, []*types.Log{
		noiseLog(0),
	})
	client.addBlock(11, noiseTx)

	morphoTx := client.addTransaction(12, 2, common.HexToAddress("0x4444444444444444444444444444444444444444"), nil, []*types.Log{
		morphoLiquidateLog(t, 0, liquidator, user),
	})
	client.addBlock(12, morphoTx)

	scanner := newTestScanner(t, client, "aave_v3", "morpho")
	candidates, err := scanner.CandidateBlocks(context.Background(), client, 10, 12)
	if err != nil {
		t.Fatalf("candidate blocks: %v", err)
	}

	want := []uint64{10, 12}
	if len(candidates) != 2 || candidates[0] != want[0] || candidates[1] != want[1] {
		t.Fatalf("candidates mismatch: %v != %v", candidates, want)
	}

	results, err := scanner.AnalyzeBlocks(context.Background(), candidates)
	if err != nil {
		t.Fatalf("analyze blocks: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("result count: %d", len(results))
	}
	if results[0].BlockNumber != 10 || results[0].TotalEvents() != 1 {
		t.Fatalf("block 10 result: %+v", results[0])
	}
	if results[1].BlockNumber != 12 || results[1].TotalEvents() != 1 {
		t.Fatalf("block 12 result: %+v", results[1])
	}
}

func TestAnalyzeBlockCarriesTimestamp(t *testing.T) {
	client := newFakeChainClient()
	hash := client.addTransaction(100, 0, common.HexToAddress("0x4444444444444444444444444444444444444444"), nil, []*types.Log{
		noiseLog(0),
	})
	client.addBlock(100, hash)

	scanner := newTestScanner(t, client, "aave_v3")
	result, err := scanner.AnalyzeBlock(context.Background(), 100)
	if err != nil {
		t.Fatalf("analyze block: %v", err)
	}
	if result.Timestamp != 1_700_000_100 {
		t.Fatalf("timestamp: %d", result.Timestamp)
	}

	txResult, err := scanner.AnalyzeTransaction(context.Background(), hash.Hex())
	if err != nil {
		t.Fatalf("analyze transaction: %v", err)
	}
	if txResult.Timestamp != 1_700_000_100 {
		t.Fatalf("transaction timestamp: %d", txResult.Timestamp)
	}
}

func TestAnalyzeRangeRejectsInvertedRange(t *testing.T) {
	scanner := newTestScanner(t, newFakeChainClient(), "aave_v3")
	if _, err := scanner.AnalyzeRange(context.Background(), 10, 9); err == nil {
		t.Fatalf("expected error for inverted range")
	}
}
