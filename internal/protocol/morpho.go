package protocol

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"liquidationScope/internal/model"
)

// Morpho Blue mainnet contract.
const (
	morphoBlueAddress = "0xBBBBBbbBBb9cC5e90e3b3Af64bdAF62C37EEFFCb"

	// liquidate(MarketParams,address,uint256,uint256,bytes)
	morphoLiquidateSelector = "0x0748ca67"
)

// Liquidation incentive factor constants from the Morpho Blue formula
// min(maxFactor, 1 / (1 - cursor * (1 - lltv))), 1e18-scaled.
const (
	morphoLiquidationCursor = 0.3
	morphoMaxIncentive      = 1.15
)

const morphoABIJSON = `[
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
  },
  {
    "inputs": [{"internalType": "Id", "name": "", "type": "bytes32"}],
    "name": "idToMarketParams",
    "outputs": [
      {"internalType": "address", "name": "loanToken", "type": "address"},
      {"internalType": "address", "name": "collateralToken", "type": "address"},
      {"internalType": "address", "name": "oracle", "type": "address"},
      {"internalType": "address", "name": "irm", "type": "address"},
      {"internalType": "uint256", "name": "lltv", "type": "uint256"}
    ],
    "stateMutability": "view",
    "type": "function"
  }
]`

var (
	morphoABI     abi.ABI
	morphoABIOnce sync.Once
	morphoABIErr  error
)

func morphoABIInstance() (abi.ABI, error) {
	morphoABIOnce.Do(func() {
		morphoABI, morphoABIErr = abi.JSON(strings.NewReader(morphoABIJSON))
	})
	return morphoABI, morphoABIErr
}

// MorphoProcessor detects and decodes Morpho Blue Liquidate events.
type MorphoProcessor struct {
	blueABI   abi.ABI
	signature model.EventSignature
	topic0    string
	chain     ReadClient
}

// NewMorphoProcessor builds the Morpho Blue processor. The chain client
// resolves market parameters during enrichment and may be nil.
func NewMorphoProcessor(chainClient ReadClient) (*MorphoProcessor, error) {
	blueABI, err := morphoABIInstance()
	if err != nil {
		return nil, fmt.Errorf("parse morpho abi: %w", err)
	}
	signature := signatureFromEvent("morpho", blueABI.Events["Liquidate"])
	return &MorphoProcessor{
		blueABI:   blueABI,
		signature: signature,
		topic0:    signature.Topic0,
		chain:     chainClient,
	}, nil
}

func (p *MorphoProcessor) Name() string { return "morpho" }

func (p *MorphoProcessor) Signatures() []model.EventSignature {
	return []model.EventSignature{p.signature}
}

// IsLiquidationTransaction matches a Liquidate log emitted by Morpho
// Blue, or the liquidate selector in a transaction to it.
func (p *MorphoProcessor) IsLiquidationTransaction(tx model.Transaction, logs []model.LogRecord) bool {
	for _, log := range logs {
		if strings.EqualFold(log.Topic0(), p.topic0) && sameAddress(log.Address, morphoBlueAddress) {
			return true
		}
	}
	return sameAddress(tx.To, morphoBlueAddress) && hasSelector(tx.Input, morphoLiquidateSelector)
}

// DecodeLog decodes one Liquidate log. The market id stands in for the
// asset identifiers until enrichment resolves the market parameters.
func (p *MorphoProcessor) DecodeLog(log model.LogRecord) ([]model.LiquidationEvent, error) {
	if !strings.EqualFold(log.Topic0(), p.topic0) {
		return nil, ErrNotThisEvent
	}

	event := p.blueABI.Events["Liquidate"]
	indexedTopics, err := parseIndexedTopics(event, log.Topics)
	if err != nil {
		return nil, malformed(p.Name(), log.TxHash, log.LogIndex, "topics", err)
	}

	var indexed struct {
		Id       [32]byte
		Caller   common.Address
		Borrower common.Address
	}
	if err := abi.ParseTopics(&indexed, indexedArguments(event.Inputs), indexedTopics); err != nil {
		return nil, malformed(p.Name(), log.TxHash, log.LogIndex, "parse topics", err)
	}
	marketID := common.BytesToHash(indexed.Id[:]).Hex()

	values, err := unpackNonIndexed(event, log.Data)
	if err != nil {
		return nil, malformed(p.Name(), log.TxHash, log.LogIndex, "unpack data", err)
	}
	if len(values) != 5 {
		return nil, malformed(p.Name(), log.TxHash, log.LogIndex, fmt.Sprintf("unexpected value count %d", len(values)), nil)
	}

	amounts := make([]*big.Int, 0, len(values))
	for i, value := range values {
		amount, err := asBigInt(value)
		if err != nil {
			return nil, malformed(p.Name(), log.TxHash, log.LogIndex, fmt.Sprintf("value %d", i), err)
		}
		amounts = append(amounts, amount)
	}
	repaidAssets, repaidShares, seizedAssets, badDebtAssets, badDebtShares := amounts[0], amounts[1], amounts[2], amounts[3], amounts[4]

	return []model.LiquidationEvent{{
		Protocol:    p.Name(),
		TxHash:      log.TxHash,
		BlockNumber: log.BlockNumber,
		LogIndex:    log.LogIndex,
		Liquidator:  indexed.Caller.Hex(),
		User:        indexed.Borrower.Hex(),
		CollateralSeized: model.TokenAmount{
			Token:  marketID,
			Amount: seizedAssets.String(),
		},
		DebtRepaid: model.TokenAmount{
			Token:  marketID,
			Amount: repaidAssets.String(),
		},
		Details: map[string]string{
			"market_id":       marketID,
			"repaid_shares":   repaidShares.String(),
			"bad_debt_assets": badDebtAssets.String(),
			"bad_debt_shares": badDebtShares.String(),
			"has_bad_debt":    boolString(badDebtAssets.Sign() > 0),
		},
	}}, nil
}

// DecodeLiquidations decodes every Liquidate in the transaction.
func (p *MorphoProcessor) DecodeLiquidations(_ model.Transaction, logs []model.LogRecord) ([]model.LiquidationEvent, error) {
	return decodeTransactionLogs(p.DecodeLog, logs)
}

// EnrichEvent resolves market parameters through eth_call and derives
// bad-debt and incentive analytics. Market parameters are immutable per
// market id, so the read is idempotent.
func (p *MorphoProcessor) EnrichEvent(ctx context.Context, event model.LiquidationEvent) (model.EnrichedLiquidationEvent, error) {
	enrichment := map[string]string{
		"liquidation_type":   "morpho_blue",
		"protocol_version":   "blue",
		"is_isolated_market": "true",
	}

	repaid, okRepaid := new(big.Int).SetString(event.DebtRepaid.Amount, 10)
	seized, okSeized := new(big.Int).SetString(event.CollateralSeized.Amount, 10)
	if okRepaid && okSeized {
		if ratio, ok := ratioString(seized, repaid); ok {
			enrichment["liquidation_ratio"] = ratio
		}
	}
	badDebt, okBadDebt := new(big.Int).SetString(event.Detail("bad_debt_assets"), 10)
	if okBadDebt && okRepaid && repaid.Sign() > 0 {
		if badDebt.Sign() > 0 {
			recovered := new(big.Int).Sub(repaid, badDebt)
			if efficiency, ok := ratioString(recovered, repaid); ok {
				enrichment["liquidation_efficiency"] = efficiency
			}
			enrichment["liquidation_completeness"] = "partial"
		} else {
			enrichment["liquidation_efficiency"] = "1.000000"
			enrichment["liquidation_completeness"] = "full"
		}
	}

	if p.chain == nil {
		return model.EnrichedLiquidationEvent{}, enrichmentUnavailable(p.Name(), event.TxHash, fmt.Errorf("no chain client"))
	}

	params, err := p.marketParams(ctx, event.Detail("market_id"))
	if err != nil {
		return model.EnrichedLiquidationEvent{}, enrichmentUnavailable(p.Name(), event.TxHash, err)
	}
	enrichment["loan_token"] = params.loanToken
	enrichment["collateral_token"] = params.collateralToken
	enrichment["oracle"] = params.oracle
	enrichment["irm"] = params.irm
	enrichment["lltv"] = scaledString(params.lltv, 18)
	enrichment["liquidation_incentive_factor"] = fmt.Sprintf("%.6f", morphoIncentiveFactor(params.lltv))

	return model.EnrichedLiquidationEvent{LiquidationEvent: event, Context: enrichment}, nil
}

type morphoMarketParams struct {
	loanToken       string
	collateralToken string
	oracle          string
	irm             string
	lltv            *big.Int
}

func (p *MorphoProcessor) marketParams(ctx context.Context, marketID string) (morphoMarketParams, error) {
	id := common.HexToHash(marketID)
	data, err := p.blueABI.Pack("idToMarketParams", id)
	if err != nil {
		return morphoMarketParams{}, fmt.Errorf("pack idToMarketParams: %w", err)
	}

	morpho := common.HexToAddress(morphoBlueAddress)
	resp, err := p.chain.CallContract(ctx, ethereum.CallMsg{To: &morpho, Data: data}, nil)
	if err != nil {
		return morphoMarketParams{}, fmt.Errorf("call idToMarketParams: %w", err)
	}
	values, err := p.blueABI.Unpack("idToMarketParams", resp)
	if err != nil {
		return morphoMarketParams{}, fmt.Errorf("unpack idToMarketParams: %w", err)
	}
	if len(values) != 5 {
		return morphoMarketParams{}, fmt.Errorf("unexpected idToMarketParams values: %d", len(values))
	}

	loanToken, err := asAddress(values[0])
	if err != nil {
		return morphoMarketParams{}, err
	}
	collateralToken, err := asAddress(values[1])
	if err != nil {
		return morphoMarketParams{}, err
	}
	oracle, err := asAddress(values[2])
	if err != nil {
		return morphoMarketParams{}, err
	}
	irm, err := asAddress(values[3])
	if err != nil {
		return morphoMarketParams{}, err
	}
	lltv, err := asBigInt(values[4])
	if err != nil {
		return morphoMarketParams{}, err
	}

	return morphoMarketParams{
		loanToken:       loanToken.Hex(),
		collateralToken: collateralToken.Hex(),
		oracle:          oracle.Hex(),
		irm:             irm.Hex(),
		lltv:            lltv,
	}, nil
}

func morphoIncentiveFactor(lltv *big.Int) float64 {
	scale := new(big.Float).SetInt(new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil))
	lltvFloat, _ := new(big.Float).Quo(new(big.Float).SetInt(lltv), scale).Float64()
	if lltvFloat >= 1.0 {
		return morphoMaxIncentive
	}
	denominator := 1.0 - morphoLiquidationCursor*(1.0-lltvFloat)
	if denominator <= 0 {
		return morphoMaxIncentive
	}
	factor := 1.0 / denominator
	if factor > morphoMaxIncentive {
		return morphoMaxIncentive
	}
	return factor
}
