package connection

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation indicates a command rejected before any state change.
	ErrValidation = errors.New("connection: invalid command")
	// ErrAckLabelNotUnique indicates that another connection already
	// declared one of the acknowledgement labels.
	ErrAckLabelNotUnique = errors.New("connection: acknowledgement label not unique")
	// ErrConnectionFailed indicates a failed client start, handshake or
	// broadcast.
	ErrConnectionFailed = errors.New("connection: connection failed")
	// ErrPersistence indicates a failed journal write.
	ErrPersistence = errors.New("connection: persistence failed")
	// ErrUnknownMessage indicates a message the receiver cannot handle.
	ErrUnknownMessage = errors.New("connection: unknown message")
	// ErrNotAccessible indicates a command for a connection that does not
	// exist.
	ErrNotAccessible = errors.New("connection: not accessible")
	// ErrConflict indicates a create for a connection that already exists.
	ErrConflict = errors.New("connection: already exists")
	// ErrAlreadyCreated indicates a test while clients are running.
	ErrAlreadyCreated = errors.New("connection: already created")
	// ErrAckLabelNotDeclared indicates an acknowledgement whose label the
	// connection did not declare.
	ErrAckLabelNotDeclared = errors.New("connection: acknowledgement label not declared")
	// ErrInternal indicates an unexpected failure.
	ErrInternal = errors.New("connection: internal error")
)

// Error binds a failure to a connection. Kind is one of the sentinel errors
// of this package; errors.Is matches both Kind and Cause.
type Error struct {
	ID    ID
	Kind  error
	Cause error
}

// NewError returns an *Error of kind for id.
func NewError(id ID, kind, cause error) *Error {
	return &Error{ID: id, Kind: kind, Cause: cause}
}

func (e *Error) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("%v <%s>", e.Kind, e.ID)
	}
	return fmt.Sprintf("%v <%s>: %v", e.Kind, e.ID, e.Cause)
}

func (e *Error) Unwrap() []error {
	if e.Cause == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Cause}
}
