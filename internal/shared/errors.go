package shared

import (
	"errors"
	"net/http"
)

// Code is the wire-level error category shared by the broker and its clients.
type Code string

const (
	CodeAuth                Code = "AUTH_ERROR"
	CodeValidation          Code = "VALIDATION_ERROR"
	CodeConflict            Code = "CONFLICT"
	CodeNotAvailable        Code = "NOT_AVAILABLE"
	CodeInsufficientBalance Code = "INSUFFICIENT_BALANCE"
	CodeRateLimited         Code = "RATE_LIMITED"
	CodeNotFound            Code = "NOT_FOUND"
	CodeServer              Code = "SERVER_ERROR"
	// CodeNetwork never crosses the wire; clients produce it when no response arrived.
	CodeNetwork Code = "NETWORK_ERROR"
)

// Reasons refine a Code.
const (
	ReasonTokenExpired     = "TOKEN_EXPIRED"
	ReasonTokenInvalid     = "TOKEN_INVALID"
	ReasonLoggedOut        = "LOGGED_OUT"
	ReasonRefreshFailed    = "REFRESH_FAILED"
	ReasonForbidden        = "FORBIDDEN"
	ReasonRequestExpired   = "REQUEST_EXPIRED"
	ReasonRequestRejected  = "REQUEST_REJECTED"
	ReasonRequestCancelled = "REQUEST_CANCELLED"
	ReasonRequestAccepted  = "REQUEST_ACCEPTED"
	ReasonRequestPending   = "REQUEST_PENDING"
	ReasonAlreadyQueued    = "ALREADY_QUEUED"
	ReasonEntryTerminal    = "ENTRY_TERMINAL"
	ReasonQueueEmpty       = "QUEUE_EMPTY"
	ReasonQueueFull        = "QUEUE_FULL"
	ReasonAlreadyStarted   = "ALREADY_STARTED"
	ReasonSessionOpen      = "SESSION_OPEN"
	ReasonProviderBusy     = "PROVIDER_BUSY"
	ReasonChannelOff       = "CHANNEL_OFF"
	ReasonStaleHeartbeat   = "STALE_HEARTBEAT"
	ReasonClientOutdated   = "CLIENT_OUTDATED"
)

// Error is the typed error every core operation returns for caller-visible failures.
type Error struct {
	Code    Code
	Reason  string
	Message string
	Err     error
}

var (
	ErrAuth                = &Error{Code: CodeAuth}
	ErrValidation          = &Error{Code: CodeValidation}
	ErrConflict            = &Error{Code: CodeConflict}
	ErrNotAvailable        = &Error{Code: CodeNotAvailable}
	ErrInsufficientBalance = &Error{Code: CodeInsufficientBalance}
	ErrRateLimited         = &Error{Code: CodeRateLimited}
	ErrNotFound            = &Error{Code: CodeNotFound}
	ErrServer              = &Error{Code: CodeServer}
	ErrNetwork             = &Error{Code: CodeNetwork}
)

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Code)
	}
	if e.Err != nil {
		return msg + ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches on Code, and on Reason too when the target sets one.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Code != e.Code {
		return false
	}
	return t.Reason == "" || t.Reason == e.Reason
}

func newError(code Code, reason, message string) *Error {
	return &Error{Code: code, Reason: reason, Message: message}
}

func Auth(reason, message string) *Error       { return newError(CodeAuth, reason, message) }
func Validation(reason, message string) *Error { return newError(CodeValidation, reason, message) }
func Conflict(reason, message string) *Error   { return newError(CodeConflict, reason, message) }
func NotAvailable(reason, message string) *Error {
	return newError(CodeNotAvailable, reason, message)
}
func InsufficientBalance(message string) *Error {
	return newError(CodeInsufficientBalance, "", message)
}
func RateLimited(message string) *Error { return newError(CodeRateLimited, "", message) }
func NotFound(message string) *Error    { return newError(CodeNotFound, "", message) }

// Server wraps an internal failure; the cause is logged but never sent over the wire.
func Server(message string, err error) *Error {
	return &Error{Code: CodeServer, Message: message, Err: err}
}

func Network(err error) *Error {
	return &Error{Code: CodeNetwork, Message: "network error", Err: err}
}

// CodeOf extracts the Code from err, defaulting to CodeServer for untyped errors.
func CodeOf(err error) Code {
	var typed *Error
	if errors.As(err, &typed) {
		return typed.Code
	}
	return CodeServer
}

// ReasonOf returns the Reason of a typed error, or "".
func ReasonOf(err error) string {
	var typed *Error
	if errors.As(err, &typed) {
		return typed.Reason
	}
	return ""
}

func HTTPStatus(code Code) int {
	switch code {
	case CodeAuth:
		return http.StatusUnauthorized
	case CodeValidation:
		return http.StatusBadRequest
	case CodeConflict:
		return http.StatusConflict
	case CodeNotAvailable:
		return http.StatusServiceUnavailable
	case CodeInsufficientBalance:
		return http.StatusPaymentRequired
	case CodeRateLimited:
		return http.StatusTooManyRequests
	case CodeNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// CodeFromStatus is the inverse of HTTPStatus for responses without a parseable body.
func CodeFromStatus(status int) Code {
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden:
		return CodeAuth
	case http.StatusBadRequest, http.StatusUpgradeRequired:
		return CodeValidation
	case http.StatusConflict:
		return CodeConflict
	case http.StatusServiceUnavailable:
		return CodeNotAvailable
	case http.StatusPaymentRequired:
		return CodeInsufficientBalance
	case http.StatusTooManyRequests:
		return CodeRateLimited
	case http.StatusNotFound:
		return CodeNotFound
	default:
		return CodeServer
	}
}

// Retryable reports whether a failed idempotent read may be attempted again.
func Retryable(err error) bool {
	switch CodeOf(err) {
	case CodeServer, CodeNetwork, CodeRateLimited:
		return true
	default:
		return false
	}
}
