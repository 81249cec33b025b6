package realtime

// State of the subscription to one collection.
type State string

const (
	StateSubscribing   State = "SUBSCRIBING"
	StateActive        State = "ACTIVE"
	StateError         State = "ERROR"
	StateResubscribing State = "RESUBSCRIBING"
	StateClosed        State = "CLOSED"
)

// Reconnecting reports whether the state should be shown as a connection
// problem.
func (s State) Reconnecting() bool {
	return s == StateError || s == StateResubscribing
}
