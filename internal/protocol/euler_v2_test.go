package protocol

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"

	"liquidationScope/internal/model"
)

type stubReadClient struct {
	call func(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

func (s *stubReadClient) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	return s.call(ctx, msg, blockNumber)
}

func eulerV2LiquidationLog(t *testing.T, logIndex uint64, liquidator, violator, vault, collateralVault common.Address, repay, seized int64) model.LogRecord {
	t.Helper()

	vaultABI, err := eulerV2ABIInstance()
	if err != nil {
		t.Fatalf("abi parse: %v", err)
	}
	event := vaultABI.Events["Liquidation"]

	data, err := event.Inputs.NonIndexed().Pack(
		collateralVault,
		big.NewInt(repay),
		big.NewInt(seized),
		big.NewInt(seized),
		big.NewInt(30_000_000_000_000_000), // 3% discount
	)
	if err != nil {
		t.Fatalf("pack liquidation: %v", err)
	}

	return buildLogRecord(vault, logIndex, event.ID, data, []common.Hash{
		topicFromAddress(liquidator),
		topicFromAddress(violator),
		topicFromAddress(vault),
	})
}

func eulerV2BatchLog(t *testing.T, logIndex uint64, liquidator common.Address, count int64) model.LogRecord {
	t.Helper()

	vaultABI, err := eulerV2ABIInstance()
	if err != nil {
		t.Fatalf("abi parse: %v", err)
	}
	event := vaultABI.Events["BatchLiquidation"]

	data, err := event.Inputs.NonIndexed().Pack(big.NewInt(count))
	if err != nil {
		t.Fatalf("pack batch container: %v", err)
	}

	return buildLogRecord(liquidator, logIndex, event.ID, data, []common.Hash{
		topicFromAddress(liquidator),
	})
}

func TestEulerV2BatchDecode(t *testing.T) {
	proc, err := NewEulerV2Processor(nil)
	if err != nil {
		t.Fatalf("processor: %v", err)
	}

	liquidator := common.HexToAddress("0x5555555555555555555555555555555555555555")
	collateralVault := common.HexToAddress("0xcccccccccccccccccccccccccccccccccccccccc")

	var logs []model.LogRecord
	for i := 0; i < 3; i++ {
		violator := common.HexToAddress(fmt.Sprintf("0x%040d", i+1))
		vault := common.HexToAddress(fmt.Sprintf("0x%040d", 100+i))
		logs = append(logs, eulerV2LiquidationLog(t, uint64(2+i*3), liquidator, violator, vault, collateralVault, int64(1000*(i+1)), int64(2000*(i+1))))
	}
	logs = append(logs, eulerV2BatchLog(t, 20, liquidator, 3))

	tx := model.Transaction{Hash: "0xdef"}
	if !proc.IsLiquidationTransaction(tx, logs) {
		t.Fatalf("matcher rejected batch liquidation")
	}

	events, err := proc.DecodeLiquidations(tx, logs)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("event count: %d", len(events))
	}

	seen := map[int]bool{}
	for i, event := range events {
		if event.TxHash != "0xdef" {
			t.Fatalf("event %d tx hash: %q", i, event.TxHash)
		}
		if event.SubEventIndex == nil {
			t.Fatalf("event %d missing sub-event index", i)
		}
		idx := *event.SubEventIndex
		if idx < 0 || idx >= 3 || seen[idx] {
			t.Fatalf("event %d sub-event index %d invalid or repeated", i, idx)
		}
		seen[idx] = true
		if event.Detail("batch_size") != "3" {
			t.Fatalf("event %d batch_size: %q", i, event.Detail("batch_size"))
		}
		if event.Detail("batch_liquidator") != liquidator.Hex() {
			t.Fatalf("event %d batch_liquidator: %q", i, event.Detail("batch_liquidator"))
		}
	}
}

func TestEulerV2BatchCountMismatch(t *testing.T) {
	proc, err := NewEulerV2Processor(nil)
	if err != nil {
		t.Fatalf("processor: %v", err)
	}

	liquidator := common.HexToAddress("0x5555555555555555555555555555555555555555")
	violator := common.HexToAddress("0x6666666666666666666666666666666666666666")
	vault := common.HexToAddress("0x7777777777777777777777777777777777777777")
	collateralVault := common.HexToAddress("0xcccccccccccccccccccccccccccccccccccccccc")

	logs := []model.LogRecord{
		eulerV2LiquidationLog(t, 2, liquidator, violator, vault, collateralVault, 1000, 2000),
		eulerV2BatchLog(t, 5, liquidator, 3),
	}

	events, err := proc.DecodeLiquidations(model.Transaction{Hash: "0xdef"}, logs)
	var malformedErr *MalformedEventError
	if !errors.As(err, &malformedErr) {
		t.Fatalf("expected MalformedEventError, got %v", err)
	}
	if !strings.Contains(malformedErr.Reason, "declares 3") {
		t.Fatalf("reason: %q", malformedErr.Reason)
	}
	// Decoded siblings survive the container mismatch.
	if len(events) != 1 {
		t.Fatalf("event count: %d", len(events))
	}
}

func TestEulerV2ContainerLogDecodesToZeroEvents(t *testing.T) {
	proc, err := NewEulerV2Processor(nil)
	if err != nil {
		t.Fatalf("processor: %v", err)
	}

	liquidator := common.HexToAddress("0x5555555555555555555555555555555555555555")
	events, err := proc.DecodeLog(eulerV2BatchLog(t, 5, liquidator, 3))
	if err != nil {
		t.Fatalf("decode container: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("container yielded %d events", len(events))
	}
}

func TestEulerV2SingleLiquidationHasNoSubIndex(t *testing.T) {
	proc, err := NewEulerV2Processor(nil)
	if err != nil {
		t.Fatalf("processor: %v", err)
	}

	liquidator := common.HexToAddress("0x5555555555555555555555555555555555555555")
	violator := common.HexToAddress("0x6666666666666666666666666666666666666666")
	vault := common.HexToAddress("0x7777777777777777777777777777777777777777")
	collateralVault := common.HexToAddress("0xcccccccccccccccccccccccccccccccccccccccc")

	logs := []model.LogRecord{
		eulerV2LiquidationLog(t, 2, liquidator, violator, vault, collateralVault, 1000, 2000),
	}

	events, err := proc.DecodeLiquidations(model.Transaction{Hash: "0xdef"}, logs)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("event count: %d", len(events))
	}
	if events[0].SubEventIndex != nil {
		t.Fatalf("single liquidation carries sub-event index %d", *events[0].SubEventIndex)
	}
	if events[0].Liquidator != liquidator.Hex() || events[0].User != violator.Hex() {
		t.Fatalf("participants mismatch: %+v", events[0])
	}
	if events[0].DebtRepaid.Token != vault.Hex() || events[0].DebtRepaid.Amount != "1000" {
		t.Fatalf("debt mismatch: %+v", events[0].DebtRepaid)
	}
}

func TestEulerV2EnrichResolvesVaultAssets(t *testing.T) {
	vaultABI, err := eulerV2ABIInstance()
	if err != nil {
		t.Fatalf("abi parse: %v", err)
	}

	debtVault := common.HexToAddress("0x7777777777777777777777777777777777777777")
	collateralVault := common.HexToAddress("0xcccccccccccccccccccccccccccccccccccccccc")
	debtAsset := common.HexToAddress("0x6B175474E89094C44Da98b954EedeAC495271d0F")
	collateralAsset := common.HexToAddress("0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2")

	client := &stubReadClient{call: func(_ context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
		asset := collateralAsset
		if msg.To != nil && *msg.To == debtVault {
			asset = debtAsset
		}
		return vaultABI.Methods["asset"].Outputs.Pack(asset)
	}}

	proc, err := NewEulerV2Processor(client)
	if err != nil {
		t.Fatalf("processor: %v", err)
	}

	event := model.LiquidationEvent{
		Protocol:         "euler_v2",
		TxHash:           "0xdef",
		CollateralSeized: model.TokenAmount{Token: collateralVault.Hex(), Amount: "2000"},
		DebtRepaid:       model.TokenAmount{Token: debtVault.Hex(), Amount: "1000"},
		Details: map[string]string{
			"debt_vault":       debtVault.Hex(),
			"collateral_vault": collateralVault.Hex(),
			"discount":         "30000000000000000",
		},
	}

	enriched, err := proc.EnrichEvent(context.Background(), event)
	if err != nil {
		t.Fatalf("enrich: %v", err)
	}

	if enriched.Context["debt_asset_underlying"] != debtAsset.Hex() {
		t.Fatalf("debt asset: %q", enriched.Context["debt_asset_underlying"])
	}
	if enriched.Context["collateral_asset_underlying"] != collateralAsset.Hex() {
		t.Fatalf("collateral asset: %q", enriched.Context["collateral_asset_underlying"])
	}
	if enriched.Context["liquidation_bonus"] != "0.030000" {
		t.Fatalf("liquidation_bonus: %q", enriched.Context["liquidation_bonus"])
	}
	if enriched.Context["liquidation_ratio"] != "2.000000" {
		t.Fatalf("liquidation_ratio: %q", enriched.Context["liquidation_ratio"])
	}
	if enriched.Context["is_batch_liquidation"] != "false" {
		t.Fatalf("is_batch_liquidation: %q", enriched.Context["is_batch_liquidation"])
	}
}

func TestEulerV2EnrichWithoutClientUnavailable(t *testing.T) {
	proc, err := NewEulerV2Processor(nil)
	if err != nil {
		t.Fatalf("processor: %v", err)
	}

	event := model.LiquidationEvent{
		Protocol: "euler_v2",
		TxHash:   "0xdef",
		Details: map[string]string{
			"debt_vault":       "0x7777777777777777777777777777777777777777",
			"collateral_vault": "0xcccccccccccccccccccccccccccccccccccccccc",
		},
	}

	_, err = proc.EnrichEvent(context.Background(), event)
	var unavailable *EnrichmentUnavailableError
	if !errors.As(err, &unavailable) {
		t.Fatalf("expected EnrichmentUnavailableError, got %v", err)
	}
	if unavailable.Protocol != "euler_v2" {
		t.Fatalf("error attribution: %+v", unavailable)
	}
}
