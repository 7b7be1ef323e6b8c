package auth

import (
	"errors"
)

// Kind is the class of an auth failure. The HTTP layer maps kinds to
// status codes.
type Kind int

// Failure kinds.
const (
	KindValidation Kind = iota + 1
	KindAuthentication
	KindNotFound
	KindExternal
)

// Machine-readable failure codes.
const (
	CodeInvalidInput        = "INVALID_INPUT"
	CodeInvalidOTPType      = "INVALID_OTP_TYPE"
	CodeThrottled           = "THROTTLED"
	CodeOTPGenerationFailed = "OTP_GENERATION_FAILED"
	CodeOTPDeliveryFailed   = "OTP_DELIVERY_FAILED"
	CodeInvalidOTP          = "INVALID_OTP"
	CodeUserNotFound        = "USER_NOT_FOUND"
	CodeInvalidCredentials  = "INVALID_CREDENTIALS"
	CodeAccountInactive     = "ACCOUNT_INACTIVE"
	CodeInvalidRefreshToken = "INVALID_REFRESH_TOKEN"
	CodeInvalidToken        = "INVALID_TOKEN"
)

// Error is a typed auth failure with a stable code that is safe to
// return to clients.
type Error struct {
	Kind    Kind
	Code    string
	Message string

	// Err is the underlying cause, if any. It's never shown to clients.
	Err error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Code + ": " + e.Message + ": " + e.Err.Error()
	}
	return e.Code + ": " + e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Code returns the code of an *Error in err's chain, or an empty string.
func Code(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

func newValidation(code, msg string, err error) *Error {
	return &Error{Kind: KindValidation, Code: code, Message: msg, Err: err}
}

func newAuthentication(code, msg string, err error) *Error {
	return &Error{Kind: KindAuthentication, Code: code, Message: msg, Err: err}
}

func newNotFound(code, msg string, err error) *Error {
	return &Error{Kind: KindNotFound, Code: code, Message: msg, Err: err}
}
