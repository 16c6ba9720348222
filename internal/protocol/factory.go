package protocol

import "fmt"

// NewProcessor constructs a processor by protocol name. The chain
// client backs enrichment reads and may be nil for decode-only use.
func NewProcessor(name string, chainClient ReadClient) (Processor, error) {
	switch name {
	case "aave_v3":
		return NewAaveV3Processor()
	case "euler_v1":
		return NewEulerV1Processor()
	case "euler_v2":
		return NewEulerV2Processor(chainClient)
	case "morpho":
		return NewMorphoProcessor(chainClient)
	default:
		return nil, fmt.Errorf("unknown protocol: %s", name)
	}
}

// BuildRegistry constructs a registry for the named protocols,
// preserving the given order.
func BuildRegistry(names []string, chainClient ReadClient) (*Registry, error) {
	processors := make([]Processor, 0, len(names))
	for _, name := range names {
		proc, err := NewProcessor(name, chainClient)
		if err != nil {
			return nil, err
		}
		processors = append(processors, proc)
	}
	return NewRegistry(processors...)
}
