package transducer

import (
	"errors"
	"fmt"
)

var (
	// ErrRunawayDecode means a single audio frame produced more symbols than
	// the configured bound. It indicates a model defect and is not retried.
	ErrRunawayDecode = errors.New("runaway decode")
	// ErrSessionBusy is returned when a second Process call arrives while one
	// is already running on the same session.
	ErrSessionBusy = errors.New("session already has a decode in flight")
	// ErrModeMismatch is returned when a session is handed to a decoder
	// configured for the other search mode.
	ErrModeMismatch = errors.New("session decoder mode does not match decoder")
	// ErrShapeMismatch marks engine outputs whose shape disagrees with the
	// model hyperparameters.
	ErrShapeMismatch = errors.New("engine output shape mismatch")
)

// InferenceError wraps a failed sub-model call.
type InferenceError struct {
	Op  string
	Err error
}

func (e *InferenceError) Error() string {
	return fmt.Sprintf("inference %s: %v", e.Op, e.Err)
}

func (e *InferenceError) Unwrap() error { return e.Err }

func inferenceError(op string, err error) error {
	return &InferenceError{Op: op, Err: err}
}
