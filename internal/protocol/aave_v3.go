package protocol

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"liquidationScope/internal/model"
)

// Aave V3 mainnet contracts.
const (
	aaveV3PoolAddress = "0x87870Bca3F3fD6335C3F4ce8392D69350B4fA4E2"

	// liquidationCall(address,address,address,uint256,bool)
	aaveV3LiquidationCallSelector = "0x00a718a9"
)

const aaveV3ABIJSON = `[
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

var (
	aaveV3ABI     abi.ABI
	aaveV3ABIOnce sync.Once
	aaveV3ABIErr  error
)

func aaveV3ABIInstance() (abi.ABI, error) {
	aaveV3ABIOnce.Do(func() {
		aaveV3ABI, aaveV3ABIErr = abi.JSON(strings.NewReader(aaveV3ABIJSON))
	})
	return aaveV3ABI, aaveV3ABIErr
}

// Static mainnet reserve parameters used for enrichment, keyed by
// lowercase asset address. Values mirror the protocol's risk settings.
var aaveV3LiquidationThresholds = map[string]string{
	"0xc02aaa39b223fe8d0a0e5c4f27ead9083c756cc2": "0.83",  // WETH
	"0x6b175474e89094c44da98b954eedeac495271d0f": "0.77",  // DAI
	"0xa0b86991c6218b36c1d19d4a2e9eb0ce3606eb48": "0.825", // USDC
	"0xdac17f958d2ee523a2206206994597c13d831ec7": "0.80",  // USDT
	"0x2260fac5e5542a773aa44fbcfedf7c193bc2c599": "0.70",  // WBTC
}

var aaveV3LiquidationBonuses = map[string]string{
	"0xc02aaa39b223fe8d0a0e5c4f27ead9083c756cc2": "0.05",
	"0x6b175474e89094c44da98b954eedeac495271d0f": "0.045",
	"0xa0b86991c6218b36c1d19d4a2e9eb0ce3606eb48": "0.045",
	"0xdac17f958d2ee523a2206206994597c13d831ec7": "0.045",
	"0x2260fac5e5542a773aa44fbcfedf7c193bc2c599": "0.075",
}

// AaveV3Processor detects and decodes Aave V3 LiquidationCall events.
type AaveV3Processor struct {
	poolABI   abi.ABI
	signature model.EventSignature
	topic0    string
}

// NewAaveV3Processor builds the Aave V3 processor.
func NewAaveV3Processor() (*AaveV3Processor, error) {
	poolABI, err := aaveV3ABIInstance()
	if err != nil {
		return nil, fmt.Errorf("parse aave v3 abi: %w", err)
	}
	event := poolABI.Events["LiquidationCall"]
	signature := signatureFromEvent("aave_v3", event)
	return &AaveV3Processor{
		poolABI:   poolABI,
		signature: signature,
		topic0:    signature.Topic0,
	}, nil
}

func (p *AaveV3Processor) Name() string { return "aave_v3" }

func (p *AaveV3Processor) Signatures() []model.EventSignature {
	return []model.EventSignature{p.signature}
}

// IsLiquidationTransaction matches a LiquidationCall log emitted by the
// Pool, or a liquidationCall selector in a transaction to the Pool.
func (p *AaveV3Processor) IsLiquidationTransaction(tx model.Transaction, logs []model.LogRecord) bool {
	for _, log := range logs {
		if strings.EqualFold(log.Topic0(), p.topic0) && sameAddress(log.Address, aaveV3PoolAddress) {
			return true
		}
	}
	return sameAddress(tx.To, aaveV3PoolAddress) && hasSelector(tx.Input, aaveV3LiquidationCallSelector)
}

// DecodeLog decodes one LiquidationCall log.
func (p *AaveV3Processor) DecodeLog(log model.LogRecord) ([]model.LiquidationEvent, error) {
	if !strings.EqualFold(log.Topic0(), p.topic0) {
		return nil, ErrNotThisEvent
	}

	event := p.poolABI.Events["LiquidationCall"]
	indexedTopics, err := parseIndexedTopics(event, log.Topics)
	if err != nil {
		return nil, malformed(p.Name(), log.TxHash, log.LogIndex, "topics", err)
	}

	var indexed struct {
		CollateralAsset common.Address
		DebtAsset       common.Address
		User            common.Address
	}
	if err := abi.ParseTopics(&indexed, indexedArguments(event.Inputs), indexedTopics); err != nil {
		return nil, malformed(p.Name(), log.TxHash, log.LogIndex, "parse topics", err)
	}

	values, err := unpackNonIndexed(event, log.Data)
	if err != nil {
		return nil, malformed(p.Name(), log.TxHash, log.LogIndex, "unpack data", err)
	}
	if len(values) != 4 {
		return nil, malformed(p.Name(), log.TxHash, log.LogIndex, fmt.Sprintf("unexpected value count %d", len(values)), nil)
	}

	debtToCover, err := asBigInt(values[0])
	if err != nil {
		return nil, malformed(p.Name(), log.TxHash, log.LogIndex, "debtToCover", err)
	}
	collateralAmount, err := asBigInt(values[1])
	if err != nil {
		return nil, malformed(p.Name(), log.TxHash, log.LogIndex, "liquidatedCollateralAmount", err)
	}
	liquidator, err := asAddress(values[2])
	if err != nil {
		return nil, malformed(p.Name(), log.TxHash, log.LogIndex, "liquidator", err)
	}
	receiveAToken, err := asBool(values[3])
	if err != nil {
		return nil, malformed(p.Name(), log.TxHash, log.LogIndex, "receiveAToken", err)
	}

	return []model.LiquidationEvent{{
		Protocol:    p.Name(),
		TxHash:      log.TxHash,
		BlockNumber: log.BlockNumber,
		LogIndex:    log.LogIndex,
		Liquidator:  liquidator.Hex(),
		User:        indexed.User.Hex(),
		CollateralSeized: model.TokenAmount{
			Token:  indexed.CollateralAsset.Hex(),
			Amount: collateralAmount.String(),
		},
		DebtRepaid: model.TokenAmount{
			Token:  indexed.DebtAsset.Hex(),
			Amount: debtToCover.String(),
		},
		Details: map[string]string{
			"receive_atoken": boolString(receiveAToken),
		},
	}}, nil
}

// DecodeLiquidations decodes every LiquidationCall in the transaction.
func (p *AaveV3Processor) DecodeLiquidations(_ model.Transaction, logs []model.LogRecord) ([]model.LiquidationEvent, error) {
	return decodeTransactionLogs(p.DecodeLog, logs)
}

// EnrichEvent attaches Aave-specific analytics derived from the decoded
// fields and static reserve parameters.
func (p *AaveV3Processor) EnrichEvent(_ context.Context, event model.LiquidationEvent) (model.EnrichedLiquidationEvent, error) {
	enrichment := map[string]string{
		"liquidation_type":             "aave_v3",
		"protocol_version":             "3",
		"supports_flash_liquidation":   "true",
		"supports_partial_liquidation": "true",
	}

	collateralKey := strings.ToLower(event.CollateralSeized.Token)
	if threshold, ok := aaveV3LiquidationThresholds[collateralKey]; ok {
		enrichment["liquidation_threshold"] = threshold
	} else {
		enrichment["liquidation_threshold"] = "0.75"
	}
	if bonus, ok := aaveV3LiquidationBonuses[collateralKey]; ok {
		enrichment["liquidation_bonus"] = bonus
	} else {
		enrichment["liquidation_bonus"] = "0.05"
	}

	if event.Detail("receive_atoken") == "true" {
		enrichment["liquidation_method"] = "receive_atoken"
		enrichment["liquidator_receives"] = "aToken"
	} else {
		enrichment["liquidation_method"] = "receive_underlying"
		enrichment["liquidator_receives"] = "underlying_asset"
	}

	debt, okDebt := new(big.Int).SetString(event.DebtRepaid.Amount, 10)
	collateral, okColl := new(big.Int).SetString(event.CollateralSeized.Amount, 10)
	if okDebt && okColl {
		if ratio, ok := ratioString(collateral, debt); ok {
			enrichment["liquidation_ratio"] = ratio
		}
		// Cutoffs assume a 6-decimal stable debt asset.
		enrichment["liquidation_size_category"] = sizeCategory(debt,
			new(big.Int).Mul(big.NewInt(1_000), big.NewInt(1_000_000)),
			new(big.Int).Mul(big.NewInt(10_000), big.NewInt(1_000_000)))
	}

	return model.EnrichedLiquidationEvent{LiquidationEvent: event, Context: enrichment}, nil
}
