package events

// Event is the minimal behaviour shared by engine events.
type Event interface {
	EventType() string
}

// Emitter receives events produced by the lending engine.
type Emitter interface {
	Emit(Event)
}

// NoopEmitter drops all events. It is the default until a real sink is wired.
type NoopEmitter struct{}

// Emit implements the Emitter interface.
func (NoopEmitter) Emit(Event) {}
