package wire

import (
	"errors"
	"fmt"
)

// Sentinel errors for transport and framing failures, distinguishable
// with errors.Is.
var (
	ErrFrameTooLarge   = errors.New("wire: frame exceeds maximum size")
	ErrTransportClosed = errors.New("wire: transport closed")
)

// FrameError indicates a failure to read or write a frame field. It
// records which part of the frame was being processed.
type FrameError struct {
	Field string
	Err   error
}

func (e *FrameError) Error() string {
	return fmt.Sprintf("wire: frame %s: %v", e.Field, e.Err)
}

func (e *FrameError) Unwrap() error {
	return e.Err
}
