package tide

import (
	"fmt"
)

// a frame that could not be decoded into a known message.
// Always treated as fatal for the connection that produced it.
type ProtocolDecodeError struct {
	Reason string
	Err    error
}

func (self *ProtocolDecodeError) Error() string {
	if self.Err == nil {
		return fmt.Sprintf("protocol decode: %s", self.Reason)
	}
	return fmt.Sprintf("protocol decode: %s: %s", self.Reason, self.Err)
}

func (self *ProtocolDecodeError) Unwrap() error {
	return self.Err
}

// a transition whose start version does not extend the current version
type OutOfOrderTransitionError struct {
	StartVersion   Version
	CurrentVersion Version
}

func (self *OutOfOrderTransitionError) Error() string {
	return fmt.Sprintf(
		"out of order transition: start %s does not match current %s",
		self.StartVersion,
		self.CurrentVersion,
	)
}

// the connection dropped with requests still pending.
// Affected requests fail with this error and are never retried internally.
type ConnectionLostError struct {
	Reason string
}

func (self *ConnectionLostError) Error() string {
	if self.Reason == "" {
		return "connection lost"
	}
	return fmt.Sprintf("connection lost: %s", self.Reason)
}

// the server ran the function and rejected it
type ServerRejectedError struct {
	Message string
	Data    Value
}

func (self *ServerRejectedError) Error() string {
	return self.Message
}

// the server ended the session with no possibility of reconnect
type FatalConnectionError struct {
	Message string
}

func (self *FatalConnectionError) Error() string {
	return fmt.Sprintf("fatal connection error: %s", self.Message)
}
