package chain

import (
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"

	"liquidationScope/internal/model"
)

// BuildLogRecord normalizes a chain log into a model record.
func BuildLogRecord(chainID uint64, log types.Log) model.LogRecord {
	topics := make([]string, 0, len(log.Topics))
	for _, topic := range log.Topics {
		topics = append(topics, topic.Hex())
	}

	return model.LogRecord{
		ChainID:     chainID,
		BlockNumber: log.BlockNumber,
		BlockHash:   log.BlockHash.Hex(),
		TxHash:      log.TxHash.Hex(),
		TxIndex:     uint64(log.TxIndex),
		LogIndex:    uint64(log.Index),
		Address:     log.Address.Hex(),
		Topics:      topics,
		Data:        hexutil.Encode(log.Data),
		Removed:     log.Removed,
	}
}

// BuildLogRecords normalizes a receipt's logs.
func BuildLogRecords(chainID uint64, logs []*types.Log) []model.LogRecord {
	records := make([]model.LogRecord, 0, len(logs))
	for _, log := range logs {
		if log == nil {
			continue
		}
		records = append(records, BuildLogRecord(chainID, *log))
	}
	return records
}

// BuildTransaction extracts the matching context from a transaction and
// its receipt.
func BuildTransaction(tx *types.Transaction, receipt *types.Receipt) model.Transaction {
	record := model.Transaction{
		Hash:  tx.Hash().Hex(),
		Input: hexutil.Encode(tx.Data()),
	}
	if to := tx.To(); to != nil {
		record.To = to.Hex()
	}
	if receipt != nil {
		record.BlockNumber = receipt.BlockNumber.Uint64()
		record.TxIndex = uint64(receipt.TransactionIndex)
	}
	return record
}
