package lobby

import (
	"errors"
	"fmt"
)

var (
	ErrAlreadyInLobby = errors.New("already in a lobby")
	ErrNotInLobby     = errors.New("not in a lobby")
	ErrNotHost        = errors.New("not the lobby host")
	ErrLobbyClosed    = errors.New("lobby closed")
)

// Error wraps a failure of one coordinator operation.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(op string, err error) *Error {
	return &Error{Op: op, Err: err}
}
