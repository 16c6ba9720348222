package protocol

import (
	"errors"
	"fmt"
)

// ErrNotThisEvent signals that a log does not belong to the processor's
// liquidation signatures. Callers try the next processor; it is never a
// systemic failure.
var ErrNotThisEvent = errors.New("log does not match protocol liquidation signatures")

// MalformedEventError reports a log whose topic0 matched a registered
// signature but whose payload could not be decoded. It indicates a
// chain-data anomaly or a decoder bug and is never silently swallowed.
type MalformedEventError struct {
	Protocol string
	TxHash   string
	LogIndex uint64
	Reason   string
	Err      error
}

func (e *MalformedEventError) Error() string {
	msg := fmt.Sprintf("%s: malformed liquidation event at %s log %d: %s", e.Protocol, e.TxHash, e.LogIndex, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *MalformedEventError) Unwrap() error { return e.Err }

// EnrichmentUnavailableError reports a failed enrichment read. The
// decoded event is still valid; callers keep it unenriched.
type EnrichmentUnavailableError struct {
	Protocol string
	TxHash   string
	Err      error
}

func (e *EnrichmentUnavailableError) Error() string {
	return fmt.Sprintf("%s: enrichment unavailable for %s: %v", e.Protocol, e.TxHash, e.Err)
}

func (e *EnrichmentUnavailableError) Unwrap() error { return e.Err }

func malformed(protocol, txHash string, logIndex uint64, reason string, err error) error {
	return &MalformedEventError{
		Protocol: protocol,
		TxHash:   txHash,
		LogIndex: logIndex,
		Reason:   reason,
		Err:      err,
	}
}

func enrichmentUnavailable(protocol, txHash string, err error) error {
	return &EnrichmentUnavailableError{Protocol: protocol, TxHash: txHash, Err: err}
}
