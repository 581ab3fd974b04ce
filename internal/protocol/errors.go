package protocol

import (
	"errors"
	"fmt"
)

// Error codes returned in failed responses.
const (
	CodeInvalidRequest   = "INVALID_REQUEST"
	CodeProtocolMismatch = "PROTOCOL_MISMATCH"
	CodeUnauthorized     = "UNAUTHORIZED"
	CodeForbidden        = "FORBIDDEN"
	CodeNotFound         = "NOT_FOUND"
	CodeUnavailable      = "UNAVAILABLE"
	CodeInternal         = "INTERNAL"
)

// WebSocket close codes and reasons used by the handshake and the
// backpressure policy.
const (
	CloseInvalidHandshake = "invalid handshake"
	CloseUnauthorized     = "unauthorized"
	CloseSlowConsumer     = "slow consumer"
	CloseMismatch         = "protocol mismatch"
)

// Error is a protocol-level error carrying a taxonomy code. Handlers return
// these (or plain errors, mapped to INTERNAL) and the dispatcher shapes the
// res frame from them.
type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewError builds a protocol error with a formatted message.
func NewError(code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Errorf builds an INVALID_REQUEST error; the most common handler failure.
func Errorf(format string, args ...any) *Error {
	return NewError(CodeInvalidRequest, format, args...)
}

// CodeOf extracts the taxonomy code from err, defaulting to INTERNAL.
func CodeOf(err error) string {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Code
	}
	return CodeInternal
}

// MessageOf extracts a client-safe message from err.
func MessageOf(err error) string {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Message
	}
	return "internal error"
}
