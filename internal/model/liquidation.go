package model

// TokenAmount pairs an asset identifier with an arbitrary-precision
// amount carried as a decimal string.
type TokenAmount struct {
	Token  string `json:"token"`
	Amount string `json:"amount"`
}

// LiquidationEvent is a fully decoded liquidation. Every field except
// SubEventIndex and Details is populated on successful decode.
type LiquidationEvent struct {
	Protocol         string      `json:"protocol"`
	TxHash           string      `json:"tx_hash"`
	BlockNumber      uint64      `json:"block_number"`
	LogIndex         uint64      `json:"log_index"`
	Liquidator       string      `json:"liquidator"`
	User             string      `json:"user"`
	CollateralSeized TokenAmount `json:"collateral_seized"`
	DebtRepaid       TokenAmount `json:"debt_repaid"`

	// SubEventIndex orders sub-liquidations settled in one transaction.
	// Nil for protocols without batched liquidations.
	SubEventIndex *int `json:"sub_event_index,omitempty"`

	// Details holds protocol-specific decoded fields (health score,
	// discount, market id) that are not part of the shared core.
	Details map[string]string `json:"details,omitempty"`
}

// EnrichedLiquidationEvent is a LiquidationEvent plus protocol context.
// Enrichment only adds Context entries; the embedded core is never
// modified.
type EnrichedLiquidationEvent struct {
	LiquidationEvent
	Context map[string]string `json:"context,omitempty"`
}

// Detail returns a decoded detail value, or "" when absent.
func (e LiquidationEvent) Detail(key string) string {
	if e.Details == nil {
		return ""
	}
	return e.Details[key]
}
