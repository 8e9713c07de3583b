package types

// Event is the generic structured payload broadcast whenever the settlement
// core mutates monetary state. Attributes carry the identifiers and string
// encoded amounts required for off-chain reconciliation.
type Event struct {
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
}
