package confirm

import "fmt"

// Kind enumerates the confirmation states.
type Kind uint8

const (
	// KindPending means the confirmation hasn't been decided yet.
	KindPending Kind = iota

	// KindRejected means the confirmation was declined.
	KindRejected

	// KindExpired means the confirmation timed out.
	KindExpired

	// KindConfirmed means the confirmation was granted and carries a
	// value.
	KindConfirmed
)

// String returns a human readable name for the kind.
func (k Kind) String() string {
	switch k {
	case KindPending:
		return "Pending"

	case KindRejected:
		return "Rejected"

	case KindExpired:
		return "Expired"

	case KindConfirmed:
		return "Confirmed"

	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

// State is the outcome of one confirmation probe. Every kind except
// KindPending is terminal.
type State[T any] struct {
	kind  Kind
	value T
}

// Pending returns a non-terminal state.
func Pending[T any]() State[T] {
	return State[T]{kind: KindPending}
}

// Rejected returns the terminal rejected state.
func Rejected[T any]() State[T] {
	return State[T]{kind: KindRejected}
}

// Expired returns the terminal expired state.
func Expired[T any]() State[T] {
	return State[T]{kind: KindExpired}
}

// Confirmed returns the terminal confirmed state carrying val.
func Confirmed[T any](val T) State[T] {
	return State[T]{kind: KindConfirmed, value: val}
}

// Kind returns the state's kind.
func (s State[T]) Kind() Kind {
	return s.kind
}

// IsTerminal reports whether polling stops after this state.
func (s State[T]) IsTerminal() bool {
	return s.kind != KindPending
}

// Value returns the confirmed value. The boolean is false for every other
// kind.
func (s State[T]) Value() (T, bool) {
	return s.value, s.kind == KindConfirmed
}

// String returns a human readable representation of the state.
func (s State[T]) String() string {
	if s.kind == KindConfirmed {
		return fmt.Sprintf("Confirmed(%v)", s.value)
	}

	return s.kind.String()
}
