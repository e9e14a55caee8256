package errors

import (
	sterrors "errors"
	"fmt"
)

var (
	ErrNotOpen           = sterrors.New("peerwire: channel is not open")
	ErrBusy              = sterrors.New("peerwire: channel is already connecting or open")
	ErrClosed            = sterrors.New("peerwire: channel closed")
	ErrSerialization     = sterrors.New("peerwire: serialization failure")
	ErrMalformedEnvelope = sterrors.New("peerwire: malformed envelope")
	ErrUnknownProtocol   = sterrors.New("peerwire: unknown protocol")
	ErrProtocolTaken     = sterrors.New("peerwire: protocol already has a handler")
	ErrHandshakePending  = sterrors.New("peerwire: handshake not completed")
	ErrConnectionRefused = sterrors.New("peerwire: connection refused")
	ErrTimeout           = sterrors.New("peerwire: timed out waiting for reply")
	ErrNotSubscribed     = sterrors.New("peerwire: topic is not subscribed")
	ErrKeyRequired       = sterrors.New("peerwire: key is required")
	ErrTopicRequired     = sterrors.New("peerwire: topic is required")
	ErrHandlerRequired   = sterrors.New("peerwire: handler function is required")
	ErrBindingBusy       = sterrors.New("peerwire: binding is running")
	ErrConfigRequired    = sterrors.New("peerwire: configuration is required")
	ErrChannelRequired   = sterrors.New("peerwire: channel is required")
)

// Messages exchanged on the wire when a peer rejects a request.
const (
	MsgFunctionNotRegistered = "Function key name is not registered"
	MsgTopicIncorrect        = "The topic name is incorrect"
	MsgConnectionLimit       = "connection refused due to connection limit"
)

// RemoteError carries the opaque message a remote peer returned in the
// exception field of a reply.
type RemoteError struct {
	Message string
}

func (e *RemoteError) Error() string {
	return "peerwire: remote error: " + e.Message
}

// NewRemoteError returns a *RemoteError for msg.
func NewRemoteError(msg string) error {
	return &RemoteError{Message: msg}
}

// TransportError reports a local send or connect failure.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	if e.Err == nil {
		return "peerwire: " + e.Op + " failed"
	}
	return fmt.Sprintf("peerwire: %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// NewTransportError wraps err for operation op. A nil err yields nil.
func NewTransportError(op string, err error) error {
	if err == nil {
		return nil
	}
	return &TransportError{Op: op, Err: err}
}

// ConfigValidationError wraps the aggregated validation failures of a config.
type ConfigValidationError struct {
	Err error
}

func (e ConfigValidationError) Error() string {
	return "peerwire: invalid configuration: " + e.Err.Error()
}

func (e ConfigValidationError) Unwrap() error { return e.Err }

// NewConfigValidationError returns nil when err is nil.
func NewConfigValidationError(err error) error {
	if err == nil {
		return nil
	}
	return ConfigValidationError{Err: err}
}

// IsRemote reports whether err came back from the remote peer.
func IsRemote(err error) bool {
	var remote *RemoteError
	return sterrors.As(err, &remote)
}

// IsTransport reports whether err is a local send or connect failure.
func IsTransport(err error) bool {
	var transport *TransportError
	return sterrors.As(err, &transport)
}
