package protocol

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"

	"liquidationScope/internal/model"
)

// ReadClient performs idempotent enrichment reads against on-chain
// state. The network client owns transport, retries, and caching.
type ReadClient interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// Processor is the per-protocol liquidation capability set: matching,
// decoding, and enrichment behind one contract. Implementations are
// constructed once at process start, hold only static signature tables,
// and are safe for concurrent use.
type Processor interface {
	// Name returns the protocol identity used for grouping and error
	// attribution, e.g. "aave_v3".
	Name() string

	// Signatures returns the exhaustive liquidation signature set for
	// this protocol version.
	Signatures() []model.EventSignature

	// IsLiquidationTransaction reports whether the transaction contains
	// at least one of this protocol's liquidation events. It never
	// fails: malformed logs are non-matches.
	IsLiquidationTransaction(tx model.Transaction, logs []model.LogRecord) bool

	// DecodeLog decodes a single log. It returns ErrNotThisEvent when
	// topic0 is not a registered signature and a MalformedEventError
	// when the signature matched but the payload did not conform. A
	// container log may expand into several events.
	DecodeLog(log model.LogRecord) ([]model.LiquidationEvent, error)

	// DecodeLiquidations decodes every liquidation in a transaction's
	// log set, assigning sub-event indexes for batched settlements.
	// Per-log failures do not abort sibling logs: decoded events are
	// returned alongside a joined error.
	DecodeLiquidations(tx model.Transaction, logs []model.LogRecord) ([]model.LiquidationEvent, error)

	// EnrichEvent attaches protocol context to a decoded event. It may
	// read slowly-changing on-chain state through the chain client and
	// fails with EnrichmentUnavailableError when a read fails; the
	// decoded core fields are never altered.
	EnrichEvent(ctx context.Context, event model.LiquidationEvent) (model.EnrichedLiquidationEvent, error)
}

// Registry is the immutable, ordered processor set. Registration order
// drives result grouping, so construction order is preserved.
type Registry struct {
	processors []Processor
	byName     map[string]Processor
}

// NewRegistry builds a registry from processors in registration order.
// Duplicate names are rejected.
func NewRegistry(processors ...Processor) (*Registry, error) {
	byName := make(map[string]Processor, len(processors))
	ordered := make([]Processor, 0, len(processors))
	for _, proc := range processors {
		if proc == nil {
			return nil, fmt.Errorf("nil processor")
		}
		name := proc.Name()
		if name == "" {
			return nil, fmt.Errorf("processor with empty name")
		}
		if _, ok := byName[name]; ok {
			return nil, fmt.Errorf("duplicate processor: %s", name)
		}
		byName[name] = proc
		ordered = append(ordered, proc)
	}
	return &Registry{processors: ordered, byName: byName}, nil
}

// Processors returns the registered processors in registration order.
func (r *Registry) Processors() []Processor {
	out := make([]Processor, len(r.processors))
	copy(out, r.processors)
	return out
}

// ByName returns the processor registered under name.
func (r *Registry) ByName(name string) (Processor, bool) {
	proc, ok := r.byName[name]
	return proc, ok
}

// Names returns protocol names in registration order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.processors))
	for _, proc := range r.processors {
		names = append(names, proc.Name())
	}
	return names
}
