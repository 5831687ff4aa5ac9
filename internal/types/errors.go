package types

import "errors"

var (
	// ErrProtocol marks a malformed or unrecognized inbound message.
	ErrProtocol = errors.New("protocol error")
	// ErrUnknownDevice marks a connection attempt for an unregistered uuid.
	ErrUnknownDevice = errors.New("unknown device")
	// ErrPersistence marks a failed or unavailable store write.
	ErrPersistence = errors.New("persistence fault")
	// ErrSessionSuperseded is the close cause of a device session replaced
	// by a newer connection for the same uuid.
	ErrSessionSuperseded = errors.New("session superseded")

	ErrDeviceNotFound  = errors.New("device not found")
	ErrDuplicateDevice = errors.New("device uuid already registered")
)

type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

// NewErrorResponse builds a consistent API error payload.
// details can be string, map, struct, etc.
func NewErrorResponse(code, message string, details any) ErrorResponse {
	return ErrorResponse{
		Error: ErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}
