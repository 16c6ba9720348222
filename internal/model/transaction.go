package model

// Transaction is the minimal transaction context needed for matching.
type Transaction struct {
	Hash        string `json:"hash"`
	BlockNumber uint64 `json:"block_number"`
	TxIndex     uint64 `json:"tx_index"`
	From        string `json:"from,omitempty"`
	To          string `json:"to,omitempty"`
	Input       string `json:"input,omitempty"`
}
