package voice

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation marks malformed or missing command input.
	ErrValidation = errors.New("validation failed")
	// ErrNotFound marks an unknown guild, channel or session.
	ErrNotFound = errors.New("not found")
	// ErrIllegalState marks a command that is not valid in the session's current state.
	ErrIllegalState = errors.New("illegal state")
	// ErrResolution marks a media resolver failure inside a transition.
	ErrResolution = errors.New("resolution failed")
	// ErrTransport marks a voice transport failure inside a transition.
	ErrTransport = errors.New("transport failed")
	// ErrPermission is a transport failure caused by missing channel permissions.
	ErrPermission = fmt.Errorf("%w: missing voice connect permission", ErrTransport)
	// ErrConnectionLost is reported by a transport when the voice connection dropped.
	ErrConnectionLost = fmt.Errorf("%w: voice connection lost", ErrTransport)
	// ErrShuttingDown is returned for commands submitted after shutdown began.
	ErrShuttingDown = errors.New("shutting down")
)

// StateError reports an operation rejected by the state machine.
type StateError struct {
	Op    string
	State State
}

func (e *StateError) Error() string {
	return fmt.Sprintf("%s: not allowed while %s", e.Op, e.State)
}

// Is lets errors.Is(err, ErrIllegalState) match any StateError.
func (e *StateError) Is(target error) bool {
	return target == ErrIllegalState
}
