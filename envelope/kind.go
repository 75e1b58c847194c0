package envelope

// Kind identifies the envelope's message class.
type Kind string

const (
	// KindCommand is a request for work or a bus/app control action.
	KindCommand Kind = "command"
	// KindEvent is a one-way notification or data message.
	KindEvent Kind = "event"
	// KindCommandResponse is the one-shot reply to a command.
	KindCommandResponse Kind = "command_response"
	// KindTelemetry is continuous measurement data.
	KindTelemetry Kind = "telemetry"
)

// IsValid reports whether the kind is one of the four wire types.
func (k Kind) IsValid() bool {
	switch k {
	case KindCommand, KindEvent, KindCommandResponse, KindTelemetry:
		return true
	default:
		return false
	}
}

// String returns the wire representation of the kind.
func (k Kind) String() string {
	return string(k)
}
