package protocol

import (
	"errors"
	"fmt"
)

// ErrorCode is a stable machine-readable failure identifier
type ErrorCode string

const (
	CodeInteractionNotFound   ErrorCode = "HELIOS-HITL-404-INTERACTION_NOT_FOUND"
	CodeInteractionNotPending ErrorCode = "HELIOS-HITL-409-INTERACTION_NOT_PENDING"
	CodeAnswerAlreadyConsumed ErrorCode = "HELIOS-HITL-409-ANSWER_ALREADY_CONSUMED"
	CodeRunNotActive          ErrorCode = "HELIOS-TOOL-409-RUN_NOT_ACTIVE"
	CodeLarkSignatureInvalid  ErrorCode = "HELIOS-HITL-401-LARK_SIGNATURE_INVALID"
	CodeInteractionExpired    ErrorCode = "HELIOS-HITL-408-INTERACTION_EXPIRED"
	CodeBindingMismatch       ErrorCode = "HELIOS-HITL-409-RUN_BINDING_MISMATCH"
	CodeInvalidCardAction     ErrorCode = "HELIOS-FEED-400-INVALID_CARD_ACTION"
	CodeCardNotFound          ErrorCode = "HELIOS-FEED-404-CARD_NOT_FOUND"
	CodeInvalidArgument       ErrorCode = "HELIOS-COMMON-400-INVALID_ARGUMENT"
)

// Error is a domain failure carrying a stable code.
// Two errors match under errors.Is when their codes are equal.
type Error struct {
	Code    ErrorCode
	Message string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Is matches any *Error with the same code
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

var (
	ErrInteractionNotFound   = &Error{Code: CodeInteractionNotFound}
	ErrInteractionNotPending = &Error{Code: CodeInteractionNotPending}
	ErrAnswerAlreadyConsumed = &Error{Code: CodeAnswerAlreadyConsumed}
	ErrRunNotActive          = &Error{Code: CodeRunNotActive}
	ErrLarkSignatureInvalid  = &Error{Code: CodeLarkSignatureInvalid}
	ErrInteractionExpired    = &Error{Code: CodeInteractionExpired}
	ErrBindingMismatch       = &Error{Code: CodeBindingMismatch}
	ErrInvalidCardAction     = &Error{Code: CodeInvalidCardAction}
	ErrCardNotFound          = &Error{Code: CodeCardNotFound}
	ErrInvalidArgument       = &Error{Code: CodeInvalidArgument}
)

// Errorf builds a coded error with a formatted message
func Errorf(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// CodeOf extracts the code of the first *Error in err's chain, or "" when there is none
func CodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}
