package protocol

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"liquidationScope/internal/model"
)

// Events are emitted by individual EVK vaults, so the matcher accepts
// any emitting address with a matching topic0.
const eulerV2ABIJSON = `[
  {
    "anonymous": false,
    "inputs": [
      {"indexed": true, "internalType": "address", "name": "liquidator", "type": "address"},
      {"indexed": true, "internalType": "address", "name": "violator", "type": "address"},
      {"indexed": true, "internalType": "address", "name": "vault", "type": "address"},
      {"indexed": false, "internalType": "address", "name": "collateralVault", "type": "address"},
      {"indexed": false, "internalType": "uint256", "name": "repayAssets", "type": "uint256"},
      {"indexed": false, "internalType": "uint256", "name": "yieldBalance", "type": "uint256"},
      {"indexed": false, "internalType": "uint256", "name": "collateralSeized", "type": "uint256"},
      {"indexed": false, "internalType": "uint256", "name": "discount", "type": "uint256"}
    ],
    "name": "Liquidation",
    "type": "event"
  },
  {
    "anonymous": false,
    "inputs": [
      {"indexed": true, "internalType": "address", "name": "liquidator", "type": "address"},
      {"indexed": false, "internalType": "uint256", "name": "numberOfLiquidations", "type": "uint256"}
    ],
    "name": "BatchLiquidation",
    "type": "event"
  },
  {
    "inputs": [],
    "name": "asset",
    "outputs": [{"internalType": "address", "name": "", "type": "address"}],
    "stateMutability": "view",
    "type": "function"
  }
]`

var (
	eulerV2ABI     abi.ABI
	eulerV2ABIOnce sync.Once
	eulerV2ABIErr  error
)

func eulerV2ABIInstance() (abi.ABI, error) {
	eulerV2ABIOnce.Do(func() {
		eulerV2ABI, eulerV2ABIErr = abi.JSON(strings.NewReader(eulerV2ABIJSON))
	})
	return eulerV2ABI, eulerV2ABIErr
}

// EulerV2Processor detects and decodes Euler V2 vault liquidations,
// including batch settlements spanning several sub-liquidations in one
// transaction.
type EulerV2Processor struct {
	vaultABI   abi.ABI
	signatures []model.EventSignature
	liqTopic   string
	batchTopic string
	chain      ReadClient
}

// NewEulerV2Processor builds the Euler V2 processor. The chain client is
// used for vault asset resolution during enrichment and may be nil.
func NewEulerV2Processor(chainClient ReadClient) (*EulerV2Processor, error) {
	vaultABI, err := eulerV2ABIInstance()
	if err != nil {
		return nil, fmt.Errorf("parse euler v2 abi: %w", err)
	}
	liqSig := signatureFromEvent("euler_v2", vaultABI.Events["Liquidation"])
	batchSig := signatureFromEvent("euler_v2", vaultABI.Events["BatchLiquidation"])
	return &EulerV2Processor{
		vaultABI:   vaultABI,
		signatures: []model.EventSignature{liqSig, batchSig},
		liqTopic:   liqSig.Topic0,
		batchTopic: batchSig.Topic0,
		chain:      chainClient,
	}, nil
}

func (p *EulerV2Processor) Name() string { return "euler_v2" }

func (p *EulerV2Processor) Signatures() []model.EventSignature {
	out := make([]model.EventSignature, len(p.signatures))
	copy(out, p.signatures)
	return out
}

// IsLiquidationTransaction matches any Liquidation or BatchLiquidation
// topic0 regardless of emitting vault.
func (p *EulerV2Processor) IsLiquidationTransaction(_ model.Transaction, logs []model.LogRecord) bool {
	for _, log := range logs {
		topic0 := log.Topic0()
		if strings.EqualFold(topic0, p.liqTopic) || strings.EqualFold(topic0, p.batchTopic) {
			return true
		}
	}
	return false
}

// DecodeLog decodes one log. A Liquidation log yields one event; a
// BatchLiquidation container yields zero events because the per-item
// detail lives in sibling Liquidation logs and is applied at
// transaction scope.
func (p *EulerV2Processor) DecodeLog(log model.LogRecord) ([]model.LiquidationEvent, error) {
	topic0 := log.Topic0()
	switch {
	case strings.EqualFold(topic0, p.liqTopic):
		event, err := p.decodeSingle(log)
		if err != nil {
			return nil, err
		}
		return []model.LiquidationEvent{event}, nil
	case strings.EqualFold(topic0, p.batchTopic):
		if _, _, err := p.decodeBatchContainer(log); err != nil {
			return nil, err
		}
		return []model.LiquidationEvent{}, nil
	default:
		return nil, ErrNotThisEvent
	}
}

// DecodeLiquidations decodes every sub-liquidation in the transaction.
// Sub-event indexes are assigned in log order whenever the transaction
// settles more than one liquidation or carries a batch container; a
// container count that disagrees with the sibling logs is malformed.
func (p *EulerV2Processor) DecodeLiquidations(tx model.Transaction, logs []model.LogRecord) ([]model.LiquidationEvent, error) {
	var events []model.LiquidationEvent
	var errs []error

	batchSeen := false
	batchCount := uint64(0)
	batchLiquidator := ""

	for _, log := range logs {
		topic0 := log.Topic0()
		switch {
		case strings.EqualFold(topic0, p.liqTopic):
			event, err := p.decodeSingle(log)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			events = append(events, event)
		case strings.EqualFold(topic0, p.batchTopic):
			liquidator, count, err := p.decodeBatchContainer(log)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			batchSeen = true
			batchCount = count
			batchLiquidator = liquidator
		}
	}

	if batchSeen {
		if batchCount != uint64(len(events)) {
			errs = append(errs, malformed(p.Name(), tx.Hash, 0,
				fmt.Sprintf("batch container declares %d liquidations, found %d", batchCount, len(events)), nil))
		}
		for i := range events {
			if events[i].Details == nil {
				events[i].Details = map[string]string{}
			}
			events[i].Details["batch_size"] = fmt.Sprintf("%d", batchCount)
			events[i].Details["batch_liquidator"] = batchLiquidator
		}
	}
	if batchSeen || len(events) > 1 {
		assignSubEventIndexes(events)
	}

	return events, errors.Join(errs...)
}

func (p *EulerV2Processor) decodeSingle(log model.LogRecord) (model.LiquidationEvent, error) {
	event := p.vaultABI.Events["Liquidation"]
	indexedTopics, err := parseIndexedTopics(event, log.Topics)
	if err != nil {
		return model.LiquidationEvent{}, malformed(p.Name(), log.TxHash, log.LogIndex, "topics", err)
	}

	var indexed struct {
		Liquidator common.Address
		Violator   common.Address
		Vault      common.Address
	}
	if err := abi.ParseTopics(&indexed, indexedArguments(event.Inputs), indexedTopics); err != nil {
		return model.LiquidationEvent{}, malformed(p.Name(), log.TxHash, log.LogIndex, "parse topics", err)
	}

	values, err := unpackNonIndexed(event, log.Data)
	if err != nil {
		return model.LiquidationEvent{}, malformed(p.Name(), log.TxHash, log.LogIndex, "unpack data", err)
	}
	if len(values) != 5 {
		return model.LiquidationEvent{}, malformed(p.Name(), log.TxHash, log.LogIndex, fmt.Sprintf("unexpected value count %d", len(values)), nil)
	}

	collateralVault, err := asAddress(values[0])
	if err != nil {
		return model.LiquidationEvent{}, malformed(p.Name(), log.TxHash, log.LogIndex, "collateralVault", err)
	}
	repayAssets, err := asBigInt(values[1])
	if err != nil {
		return model.LiquidationEvent{}, malformed(p.Name(), log.TxHash, log.LogIndex, "repayAssets", err)
	}
	yieldBalance, err := asBigInt(values[2])
	if err != nil {
		return model.LiquidationEvent{}, malformed(p.Name(), log.TxHash, log.LogIndex, "yieldBalance", err)
	}
	collateralSeized, err := asBigInt(values[3])
	if err != nil {
		return model.LiquidationEvent{}, malformed(p.Name(), log.TxHash, log.LogIndex, "collateralSeized", err)
	}
	discount, err := asBigInt(values[4])
	if err != nil {
		return model.LiquidationEvent{}, malformed(p.Name(), log.TxHash, log.LogIndex, "discount", err)
	}

	return model.LiquidationEvent{
		Protocol:    p.Name(),
		TxHash:      log.TxHash,
		BlockNumber: log.BlockNumber,
		LogIndex:    log.LogIndex,
		Liquidator:  indexed.Liquidator.Hex(),
		User:        indexed.Violator.Hex(),
		CollateralSeized: model.TokenAmount{
			Token:  collateralVault.Hex(),
			Amount: collateralSeized.String(),
		},
		DebtRepaid: model.TokenAmount{
			Token:  indexed.Vault.Hex(),
			Amount: repayAssets.String(),
		},
		Details: map[string]string{
			"debt_vault":       indexed.Vault.Hex(),
			"collateral_vault": collateralVault.Hex(),
			"yield_balance":    yieldBalance.String(),
			"discount":         discount.String(),
		},
	}, nil
}

func (p *EulerV2Processor) decodeBatchContainer(log model.LogRecord) (string, uint64, error) {
	event := p.vaultABI.Events["BatchLiquidation"]
	indexedTopics, err := parseIndexedTopics(event, log.Topics)
	if err != nil {
		return "", 0, malformed(p.Name(), log.TxHash, log.LogIndex, "topics", err)
	}

	var indexed struct {
		Liquidator common.Address
	}
	if err := abi.ParseTopics(&indexed, indexedArguments(event.Inputs), indexedTopics); err != nil {
		return "", 0, malformed(p.Name(), log.TxHash, log.LogIndex, "parse topics", err)
	}

	values, err := unpackNonIndexed(event, log.Data)
	if err != nil {
		return "", 0, malformed(p.Name(), log.TxHash, log.LogIndex, "unpack data", err)
	}
	if len(values) != 1 {
		return "", 0, malformed(p.Name(), log.TxHash, log.LogIndex, fmt.Sprintf("unexpected value count %d", len(values)), nil)
	}
	count, err := asBigInt(values[0])
	if err != nil {
		return "", 0, malformed(p.Name(), log.TxHash, log.LogIndex, "numberOfLiquidations", err)
	}
	if !count.IsUint64() {
		return "", 0, malformed(p.Name(), log.TxHash, log.LogIndex, "numberOfLiquidations out of range", nil)
	}

	return indexed.Liquidator.Hex(), count.Uint64(), nil
}

// EnrichEvent resolves the underlying assets of the debt and collateral
// vaults through eth_call and derives discount analytics.
func (p *EulerV2Processor) EnrichEvent(ctx context.Context, event model.LiquidationEvent) (model.EnrichedLiquidationEvent, error) {
	enrichment := map[string]string{
		"liquidation_type": "euler_v2",
		"protocol_version": "2",
		"is_vault_based":   "true",
	}

	if discount, ok := new(big.Int).SetString(event.Detail("discount"), 10); ok {
		enrichment["liquidation_bonus"] = scaledString(discount, 18)
	}
	if batchSize := event.Detail("batch_size"); batchSize != "" {
		enrichment["is_batch_liquidation"] = "true"
		enrichment["batch_size"] = batchSize
	} else {
		enrichment["is_batch_liquidation"] = "false"
	}

	repay, okRepay := new(big.Int).SetString(event.DebtRepaid.Amount, 10)
	seized, okSeized := new(big.Int).SetString(event.CollateralSeized.Amount, 10)
	if okRepay && okSeized {
		if ratio, ok := ratioString(seized, repay); ok {
			enrichment["liquidation_ratio"] = ratio
		}
	}

	if p.chain == nil {
		return model.EnrichedLiquidationEvent{}, enrichmentUnavailable(p.Name(), event.TxHash, fmt.Errorf("no chain client"))
	}

	debtAsset, err := p.vaultAsset(ctx, event.Detail("debt_vault"))
	if err != nil {
		return model.EnrichedLiquidationEvent{}, enrichmentUnavailable(p.Name(), event.TxHash, fmt.Errorf("debt vault asset: %w", err))
	}
	collateralAsset, err := p.vaultAsset(ctx, event.Detail("collateral_vault"))
	if err != nil {
		return model.EnrichedLiquidationEvent{}, enrichmentUnavailable(p.Name(), event.TxHash, fmt.Errorf("collateral vault asset: %w", err))
	}
	enrichment["debt_asset_underlying"] = debtAsset
	enrichment["collateral_asset_underlying"] = collateralAsset

	return model.EnrichedLiquidationEvent{LiquidationEvent: event, Context: enrichment}, nil
}

func (p *EulerV2Processor) vaultAsset(ctx context.Context, vaultHex string) (string, error) {
	if !common.IsHexAddress(vaultHex) {
		return "", fmt.Errorf("invalid vault address: %s", vaultHex)
	}
	vault := common.HexToAddress(vaultHex)

	data, err := p.vaultABI.Pack("asset")
	if err != nil {
		return "", fmt.Errorf("pack asset: %w", err)
	}
	resp, err := p.chain.CallContract(ctx, ethereum.CallMsg{To: &vault, Data: data}, nil)
	if err != nil {
		return "", fmt.Errorf("call asset: %w", err)
	}
	values, err := p.vaultABI.Unpack("asset", resp)
	if err != nil {
		return "", fmt.Errorf("unpack asset: %w", err)
	}
	asset, err := asAddress(values[0])
	if err != nil {
		return "", err
	}
	return asset.Hex(), nil
}
