package protocol

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"liquidationScope/internal/model"
)

// decodeTransactionLogs runs a per-log decoder over a transaction's log
// set. Logs outside the protocol are skipped; per-log decode failures
// are collected without aborting sibling logs.
func decodeTransactionLogs(decodeLog func(model.LogRecord) ([]model.LiquidationEvent, error), logs []model.LogRecord) ([]model.LiquidationEvent, error) {
	var events []model.LiquidationEvent
	var errs []error
	for _, log := range logs {
		decoded, err := decodeLog(log)
		if err != nil {
			if errors.Is(err, ErrNotThisEvent) {
				continue
			}
			errs = append(errs, err)
			continue
		}
		events = append(events, decoded...)
	}
	return events, errors.Join(errs...)
}

// assignSubEventIndexes marks events as sub-liquidations of one batched
// transaction, in log order.
func assignSubEventIndexes(events []model.LiquidationEvent) {
	for i := range events {
		idx := i
		events[i].SubEventIndex = &idx
	}
}

func signatureFromEvent(protocol string, event abi.Event) model.EventSignature {
	fields := make([]model.EventField, 0, len(event.Inputs))
	for _, input := range event.Inputs {
		fields = append(fields, model.EventField{
			Name:    input.Name,
			Type:    input.Type.String(),
			Indexed: input.Indexed,
		})
	}
	return model.EventSignature{
		Protocol: protocol,
		Name:     event.Name,
		Topic0:   strings.ToLower(event.ID.Hex()),
		Fields:   fields,
	}
}

func parseIndexedTopics(event abi.Event, topics []string) ([]common.Hash, error) {
	indexedCount := len(indexedArguments(event.Inputs))
	if len(topics) != indexedCount+1 {
		return nil, fmt.Errorf("expected %d topics, got %d", indexedCount+1, len(topics))
	}
	return parseTopicHashes(topics[1:])
}

func parseTopicHashes(topics []string) ([]common.Hash, error) {
	out := make([]common.Hash, 0, len(topics))
	for _, topic := range topics {
		data, err := hexutil.Decode(topic)
		if err != nil {
			return nil, fmt.Errorf("invalid topic: %w", err)
		}
		if len(data) > 32 {
			return nil, fmt.Errorf("topic length %d", len(data))
		}
		out = append(out, common.BytesToHash(data))
	}
	return out, nil
}

func indexedArguments(args abi.Arguments) abi.Arguments {
	indexed := make(abi.Arguments, 0, len(args))
	for _, arg := range args {
		if arg.Indexed {
			indexed = append(indexed, arg)
		}
	}
	return indexed
}

func unpackNonIndexed(event abi.Event, dataHex string) ([]interface{}, error) {
	data, err := hexutil.Decode(dataHex)
	if err != nil {
		return nil, fmt.Errorf("invalid data: %w", err)
	}
	values, err := event.Inputs.NonIndexed().Unpack(data)
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", event.Name, err)
	}
	return values, nil
}

func asAddress(value interface{}) (common.Address, error) {
	switch v := value.(type) {
	case common.Address:
		return v, nil
	case *common.Address:
		return *v, nil
	default:
		return common.Address{}, fmt.Errorf("unsupported address type %T", value)
	}
}

func asBigInt(value interface{}) (*big.Int, error) {
	switch v := value.(type) {
	case *big.Int:
		return new(big.Int).Set(v), nil
	case big.Int:
		return new(big.Int).Set(&v), nil
	case uint8:
		return new(big.Int).SetUint64(uint64(v)), nil
	case uint16:
		return new(big.Int).SetUint64(uint64(v)), nil
	case uint32:
		return new(big.Int).SetUint64(uint64(v)), nil
	case uint64:
		return new(big.Int).SetUint64(v), nil
	case int8:
		return big.NewInt(int64(v)), nil
	case int16:
		return big.NewInt(int64(v)), nil
	case int32:
		return big.NewInt(int64(v)), nil
	case int64:
		return big.NewInt(v), nil
	default:
		return nil, fmt.Errorf("unsupported int type %T", value)
	}
}

func asBool(value interface{}) (bool, error) {
	v, ok := value.(bool)
	if !ok {
		return false, fmt.Errorf("unsupported bool type %T", value)
	}
	return v, nil
}

func sameAddress(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}

func hasSelector(input string, selectors ...string) bool {
	if len(input) < 10 {
		return false
	}
	prefix := strings.ToLower(input[:10])
	for _, selector := range selectors {
		if prefix == strings.ToLower(selector) {
			return true
		}
	}
	return false
}
