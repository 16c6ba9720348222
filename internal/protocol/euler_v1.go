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

// Euler V1 mainnet contracts.
const (
	eulerV1MainnetAddress = "0x27182842E098f60e3D576794A5bFFb0777E025d3"
	eulerV1ExecProxy      = "0x59828FdF7ee634AaaD3f58B19fDBa3b03E2a9d80"
)

const eulerV1ABIJSON = `[
  {
    "anonymous": false,
    "inputs": [
      {"indexed": true, "internalType": "address", "name": "liquidator", "type": "address"},
      {"indexed": true, "internalType": "address", "name": "violator", "type": "address"},
      {"indexed": true, "internalType": "address", "name": "underlying", "type": "address"},
      {"indexed": false, "internalType": "address", "name": "collateral", "type": "address"},
      {"indexed": false, "internalType": "uint256", "name": "repay", "type": "uint256"},
      {"indexed": false, "internalType": "uint256", "name": "yield", "type": "uint256"},
      {"indexed": false, "internalType": "uint256", "name": "healthScore", "type": "uint256"},
      {"indexed": false, "internalType": "uint256", "name": "baseDiscount", "type": "uint256"},
      {"indexed": false, "internalType": "uint256", "name": "discount", "type": "uint256"}
    ],
    "name": "Liquidation",
    "type": "event"
  }
]`

var (
	eulerV1ABI     abi.ABI
	eulerV1ABIOnce sync.Once
	eulerV1ABIErr  error
)

func eulerV1ABIInstance() (abi.ABI, error) {
	eulerV1ABIOnce.Do(func() {
		eulerV1ABI, eulerV1ABIErr = abi.JSON(strings.NewReader(eulerV1ABIJSON))
	})
	return eulerV1ABI, eulerV1ABIErr
}

// EulerV1Processor detects and decodes Euler V1 Liquidation events.
type EulerV1Processor struct {
	eulerABI  abi.ABI
	signature model.EventSignature
	topic0    string
}

// NewEulerV1Processor builds the Euler V1 processor.
func NewEulerV1Processor() (*EulerV1Processor, error) {
	eulerABI, err := eulerV1ABIInstance()
	if err != nil {
		return nil, fmt.Errorf("parse euler v1 abi: %w", err)
	}
	signature := signatureFromEvent("euler_v1", eulerABI.Events["Liquidation"])
	return &EulerV1Processor{
		eulerABI:  eulerABI,
		signature: signature,
		topic0:    signature.Topic0,
	}, nil
}

func (p *EulerV1Processor) Name() string { return "euler_v1" }

func (p *EulerV1Processor) Signatures() []model.EventSignature {
	return []model.EventSignature{p.signature}
}

// IsLiquidationTransaction requires a Liquidation log in a transaction
// sent to the Euler main contract or its exec proxy.
func (p *EulerV1Processor) IsLiquidationTransaction(tx model.Transaction, logs []model.LogRecord) bool {
	if !sameAddress(tx.To, eulerV1MainnetAddress) && !sameAddress(tx.To, eulerV1ExecProxy) {
		return false
	}
	for _, log := range logs {
		if strings.EqualFold(log.Topic0(), p.topic0) {
			return true
		}
	}
	return false
}

// DecodeLog decodes one Liquidation log.
func (p *EulerV1Processor) DecodeLog(log model.LogRecord) ([]model.LiquidationEvent, error) {
	if !strings.EqualFold(log.Topic0(), p.topic0) {
		return nil, ErrNotThisEvent
	}

	event := p.eulerABI.Events["Liquidation"]
	indexedTopics, err := parseIndexedTopics(event, log.Topics)
	if err != nil {
		return nil, malformed(p.Name(), log.TxHash, log.LogIndex, "topics", err)
	}

	var indexed struct {
		Liquidator common.Address
		Violator   common.Address
		Underlying common.Address
	}
	if err := abi.ParseTopics(&indexed, indexedArguments(event.Inputs), indexedTopics); err != nil {
		return nil, malformed(p.Name(), log.TxHash, log.LogIndex, "parse topics", err)
	}

	values, err := unpackNonIndexed(event, log.Data)
	if err != nil {
		return nil, malformed(p.Name(), log.TxHash, log.LogIndex, "unpack data", err)
	}
	if len(values) != 6 {
		return nil, malformed(p.Name(), log.TxHash, log.LogIndex, fmt.Sprintf("unexpected value count %d", len(values)), nil)
	}

	collateral, err := asAddress(values[0])
	if err != nil {
		return nil, malformed(p.Name(), log.TxHash, log.LogIndex, "collateral", err)
	}
	repay, err := asBigInt(values[1])
	if err != nil {
		return nil, malformed(p.Name(), log.TxHash, log.LogIndex, "repay", err)
	}
	yield, err := asBigInt(values[2])
	if err != nil {
		return nil, malformed(p.Name(), log.TxHash, log.LogIndex, "yield", err)
	}
	healthScore, err := asBigInt(values[3])
	if err != nil {
		return nil, malformed(p.Name(), log.TxHash, log.LogIndex, "healthScore", err)
	}
	baseDiscount, err := asBigInt(values[4])
	if err != nil {
		return nil, malformed(p.Name(), log.TxHash, log.LogIndex, "baseDiscount", err)
	}
	discount, err := asBigInt(values[5])
	if err != nil {
		return nil, malformed(p.Name(), log.TxHash, log.LogIndex, "discount", err)
	}

	return []model.LiquidationEvent{{
		Protocol:    p.Name(),
		TxHash:      log.TxHash,
		BlockNumber: log.BlockNumber,
		LogIndex:    log.LogIndex,
		Liquidator:  indexed.Liquidator.Hex(),
		User:        indexed.Violator.Hex(),
		CollateralSeized: model.TokenAmount{
			Token:  collateral.Hex(),
			Amount: yield.String(),
		},
		DebtRepaid: model.TokenAmount{
			Token:  indexed.Underlying.Hex(),
			Amount: repay.String(),
		},
		Details: map[string]string{
			"health_score":  healthScore.String(),
			"base_discount": baseDiscount.String(),
			"discount":      discount.String(),
		},
	}}, nil
}

// DecodeLiquidations decodes every Liquidation in the transaction.
func (p *EulerV1Processor) DecodeLiquidations(_ model.Transaction, logs []model.LogRecord) ([]model.LiquidationEvent, error) {
	return decodeTransactionLogs(p.DecodeLog, logs)
}

// EnrichEvent derives health-factor and discount analytics from the
// decoded fields. Both are 1e18-scaled on chain.
func (p *EulerV1Processor) EnrichEvent(_ context.Context, event model.LiquidationEvent) (model.EnrichedLiquidationEvent, error) {
	enrichment := map[string]string{
		"liquidation_type": "euler_v1",
		"protocol_version": "1",
	}

	if healthScore, ok := new(big.Int).SetString(event.Detail("health_score"), 10); ok {
		factor := scaledString(healthScore, 18)
		enrichment["health_factor"] = factor
		one := new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)
		enrichment["is_undercollateralized"] = boolString(healthScore.Cmp(one) < 0)
	}

	discount, okDiscount := new(big.Int).SetString(event.Detail("discount"), 10)
	baseDiscount, okBase := new(big.Int).SetString(event.Detail("base_discount"), 10)
	if okDiscount && okBase {
		bonus := new(big.Int).Sub(discount, baseDiscount)
		if bonus.Sign() < 0 {
			bonus.SetInt64(0)
		}
		enrichment["liquidation_bonus"] = scaledString(bonus, 18)
	}

	return model.EnrichedLiquidationEvent{LiquidationEvent: event, Context: enrichment}, nil
}
