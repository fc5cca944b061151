package session

import (
	"errors"
	"fmt"
)

// Delivery errors returned by Session.Send.
var (
	// ErrSinkFull is returned when the outbound queue has no room; the frame is dropped.
	ErrSinkFull = errors.New("session: outbound queue full")

	// ErrSinkClosed is returned once the session has ended.
	ErrSinkClosed = errors.New("session: closed")
)

// Protocol anomalies wrapped in ProtocolError.
var (
	ErrOutOfOrder         = errors.New("fragment without a message in progress")
	ErrStrayFirst         = errors.New("first fragment while a message is in progress")
	ErrFragmentInProgress = errors.New("complete message while a fragmented one is in progress")
	ErrFrameTooLarge      = errors.New("frame exceeds size limit")
	ErrBadFrameData       = errors.New("frame data is not base64")
)

// ProtocolError reports a message the session dropped. The connection stays open.
type ProtocolError struct {
	Op  string
	Err error
}

// Error implements the error interface.
func (e *ProtocolError) Error() string {
	return fmt.Sprintf("session: protocol error in %s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error.
func (e *ProtocolError) Unwrap() error {
	return e.Err
}
