package types

// Event represents a structured state change emitted by the marketplace core.
type Event struct {
	Type       string
	Attributes map[string]string
}
