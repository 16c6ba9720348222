package model

// ProtocolEvents groups the liquidations one protocol produced.
type ProtocolEvents struct {
	Protocol string                     `json:"protocol"`
	Events   []EnrichedLiquidationEvent `json:"events"`
}

// ScanError attributes a failure to one (transaction, protocol) pair.
type ScanError struct {
	Protocol    string `json:"protocol,omitempty"`
	TxHash      string `json:"tx_hash,omitempty"`
	BlockNumber uint64 `json:"block_number,omitempty"`
	Stage       string `json:"stage"`
	Error       string `json:"error"`
}

// BlockAnalysisResult aggregates liquidations found in one block (or a
// single transaction). Groups follow processor registration order.
type BlockAnalysisResult struct {
	BlockNumber uint64           `json:"block_number"`
	Timestamp   uint64           `json:"timestamp,omitempty"`
	Groups      []ProtocolEvents `json:"groups"`
	Errors      []ScanError      `json:"errors,omitempty"`
}

// EventsFor returns the group for a protocol, or nil when it found none.
func (r *BlockAnalysisResult) EventsFor(protocol string) []EnrichedLiquidationEvent {
	for _, group := range r.Groups {
		if group.Protocol == protocol {
			return group.Events
		}
	}
	return nil
}

// ErrorsFor returns the scan errors attributed to a protocol.
func (r *BlockAnalysisResult) ErrorsFor(protocol string) []ScanError {
	var out []ScanError
	for _, scanErr := range r.Errors {
		if scanErr.Protocol == protocol {
			out = append(out, scanErr)
		}
	}
	return out
}

// TotalEvents counts events across all groups.
func (r *BlockAnalysisResult) TotalEvents() int {
	total := 0
	for _, group := range r.Groups {
		total += len(group.Events)
	}
	return total
}
