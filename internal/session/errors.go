package session

import (
	"errors"
	"fmt"
)

var (
	ErrAlreadyRecording = errors.New("a recording is already in progress")
	ErrNotRecording     = errors.New("no recording in progress")
	ErrNoDevice         = errors.New("no loopback or microphone device available")
)

// StateError is returned when an operation is not valid in the current
// session state. The state is left unchanged.
type StateError struct {
	Op  string
	Err error
}

func (e *StateError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *StateError) Unwrap() error { return e.Err }

// MixingError is returned by Stop when no output could be mixed, usually
// because both channels were empty. The session is back to idle.
type MixingError struct {
	SessionID string
	Err       error
}

func (e *MixingError) Error() string {
	return fmt.Sprintf("session %s: mixing failed: %v", e.SessionID, e.Err)
}

func (e *MixingError) Unwrap() error { return e.Err }
