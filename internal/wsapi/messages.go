package wsapi

import (
	"errors"

	"github.com/OpenPeerPower/Open-Peer-Power-sub002/internal/core"
	"github.com/OpenPeerPower/Open-Peer-Power-sub002/internal/service"
)

// Message types.
const (
	TypeAuthRequired = "auth_required"
	TypeAuth         = "auth"
	TypeAuthOK       = "auth_ok"
	TypeAuthInvalid  = "auth_invalid"
	TypeResult       = "result"
	TypeEvent        = "event"
	TypePong         = "pong"
)

// Error codes carried in failed results.
const (
	CodeInvalidFormat   = "invalid_format"
	CodeUnauthorized    = "unauthorized"
	CodeNotFound        = "not_found"
	CodeServiceNotFound = "service_not_found"
	CodeServiceTimeout  = "service_timeout"
	CodeInvalidAuth     = "invalid_auth"
	CodeDomainError     = "home_assistant_error"
	CodeUnknownError    = "unknown_error"
	CodeUnknownCommand  = "unknown_command"
	CodeIDReuse         = "id_reuse"
	CodeRateLimited     = "rate_limited"
)

// Close codes.
const (
	CloseAuthFailure   = 4000
	CloseQueueOverflow = 4001
)

type authMessage struct {
	Type    string `json:"type"`
	Version string `json:"ha_version,omitempty"`
	Message string `json:"message,omitempty"`
}

type resultMessage struct {
	ID      int        `json:"id"`
	Type    string     `json:"type"`
	Success bool       `json:"success"`
	Result  any        `json:"result"`
	Error   *errorBody `json:"error,omitempty"`
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type eventMessage struct {
	ID    int        `json:"id"`
	Type  string     `json:"type"`
	Event core.Event `json:"event"`
}

type pongMessage struct {
	ID   int    `json:"id"`
	Type string `json:"type"`
}

func resultOK(id int, result any) resultMessage {
	return resultMessage{ID: id, Type: TypeResult, Success: true, Result: result}
}

func resultError(id int, code, message string) resultMessage {
	return resultMessage{ID: id, Type: TypeResult, Error: &errorBody{Code: code, Message: message}}
}

// serviceError maps a service call failure to a wire code and a message
// safe to show to clients.
func serviceError(err error) (code, message string) {
	var domainErr *core.Error
	switch {
	case errors.Is(err, service.ErrServiceNotFound):
		return CodeServiceNotFound, "Service not found."
	case errors.Is(err, service.ErrInvalidData):
		return CodeInvalidFormat, err.Error()
	case errors.Is(err, service.ErrUnauthorized):
		return CodeUnauthorized, "Unauthorized."
	case errors.Is(err, service.ErrServiceTimeout):
		return CodeServiceTimeout, "Service call timed out."
	case errors.As(err, &domainErr):
		return CodeDomainError, domainErr.Message
	default:
		return CodeUnknownError, "Unknown error."
	}
}
