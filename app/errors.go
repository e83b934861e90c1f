package app

import (
	"errors"
	"fmt"
)

var (
	// ErrChannelClosed is returned when sending on a session direction that was already closed with CloseWriter.
	ErrChannelClosed = errors.New("channel has already been closed")
	// ErrInstanceClosed is returned by Connect after the instance was closed.
	ErrInstanceClosed = errors.New("instance has been closed")
	// ErrInvalidHeader is returned when a header block cannot be encoded or decoded.
	ErrInvalidHeader = errors.New("invalid header")
)

// HandshakeStep identifies the part of Connect that failed.
type HandshakeStep string

const (
	StepProbe         HandshakeStep = "request a new session from the request handler"
	StepReceiveReader HandshakeStep = "receive the session reader descriptor from the request handler"
	StepReceiveWriter HandshakeStep = "receive the session writer descriptor from the request handler"
)

// ConnectError is returned by Connect when the handshake fails. StepProbe means the process
// could not be reached; the other steps mean it was reached but the handshake broke down.
type ConnectError struct {
	Step HandshakeStep
	Err  error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("cannot %s: %s", e.Step, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }
