package types

// Event is a structured record of a state transition, carrying a type tag and
// flat string attributes so downstream consumers stay schema-agnostic.
type Event struct {
	Type       string
	Attributes map[string]string
}
