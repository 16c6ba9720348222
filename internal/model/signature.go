package model

// EventField describes one field in an event layout.
type EventField struct {
	Name    string `json:"name"`
	Type    string `json:"type"`
	Indexed bool   `json:"indexed"`
}

// EventSignature maps a protocol event name to its topic hash and field
// layout. Defined once per protocol version at process start.
type EventSignature struct {
	Protocol string       `json:"protocol"`
	Name     string       `json:"name"`
	Topic0   string       `json:"topic0"`
	Fields   []EventField `json:"fields"`
}
