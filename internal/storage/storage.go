package storage

import "liquidationScope/internal/model"

// EventSink receives enriched liquidation events.
type EventSink interface {
	PutEventBatch(events []model.EnrichedLiquidationEvent) error
}

// ErrorSink receives scan errors.
type ErrorSink interface {
	PutErrorBatch(errors []model.ScanError) error
}
