package bus

// Command is a marker interface for commands (intent to change state).
// A command should have a single handler.
type Command interface{}

// Unit is the result of a command that produces no value.
type Unit struct{}
