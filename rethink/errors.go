package rethink

import (
	"errors"
	"fmt"
)

const (
	ConnectTimeoutError = iota

	ConnectionRefusedError

	UnreachableError

	HandshakeTimeoutError

	AuthenticationError

	ConnectionClosedError

	InvalidArgumentError

	ProtocolViolationError

	ClientError

	CompileError

	RuntimeError

	UnknownError
)

// DriverError is the error type produced by this package. Error() returns the
// bare message with no prefix: callers match on exact text for connect
// failures, handshake rejections, and closed-connection errors, so the
// message is part of the contract and Code carries the classification.
type DriverError struct {
	Code    int
	Message string
}

func (err *DriverError) Error() string { return err.Message }

// NewDriverError builds a DriverError with the given classification code and
// message. The message is used verbatim.
func NewDriverError(code int, format string, args ...interface{}) *DriverError {
	if len(args) == 0 {
		return &DriverError{Code: code, Message: format}
	}
	return &DriverError{Code: code, Message: fmt.Sprintf(format, args...)}
}

func newClosedError() *DriverError {
	return NewDriverError(ConnectionClosedError, "Connection is closed.")
}

// ErrorCode returns the DriverError classification code, or UnknownError for
// nil and foreign errors.
func ErrorCode(err error) int {
	var driverErr *DriverError
	if errors.As(err, &driverErr) {
		return driverErr.Code
	}
	return UnknownError
}

// IsConnectivityError reports whether err indicates the connection itself is
// unusable, as opposed to a per-query failure. The reconnection helper uses
// this to decide whether a cached connection should be discarded.
func IsConnectivityError(err error) bool {
	switch ErrorCode(err) {
	case ConnectTimeoutError, ConnectionRefusedError, UnreachableError,
		HandshakeTimeoutError, ConnectionClosedError, ProtocolViolationError:
		return true
	}
	return false
}

func responseTypeToError(responseType int, message string) *DriverError {
	switch responseType {
	case ResponseClientError:
		return NewDriverError(ClientError, "%s", message)
	case ResponseCompileError:
		return NewDriverError(CompileError, "%s", message)
	case ResponseRuntimeError:
		return NewDriverError(RuntimeError, "%s", message)
	}
	return NewDriverError(UnknownError, "%s", message)
}
