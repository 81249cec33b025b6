package domain

import (
	"errors"
	"fmt"
)

// Code classifies a failed operation.
type Code string

const (
	CodePermissionDenied Code = "PERMISSION_DENIED"
	CodeNotFound         Code = "NOT_FOUND"
	CodeConflict         Code = "CONFLICT"
	CodeTransient        Code = "TRANSIENT"
	CodeValidation       Code = "VALIDATION"
)

// Error is a classified failure. Errors with the same code match under
// errors.Is, so callers compare against the sentinels below.
type Error struct {
	Code    Code   `json:"code"`
	Message string `json:"message,omitempty"`
	Err     error  `json:"-"`
}

var (
	ErrPermissionDenied = &Error{Code: CodePermissionDenied}
	ErrNotFound         = &Error{Code: CodeNotFound}
	ErrConflict         = &Error{Code: CodeConflict}
	ErrTransient        = &Error{Code: CodeTransient}
	ErrValidation       = &Error{Code: CodeValidation}
)

// ErrLastAdmin is returned when a change would leave a project without an
// OWNER or ADMIN member.
var ErrLastAdmin = &Error{Code: CodeConflict, Message: "project must keep at least one owner or admin"}

func (e *Error) Error() string {
	switch {
	case e.Message != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	case e.Message != "":
		return string(e.Code) + ": " + e.Message
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Code, e.Err)
	}
	return string(e.Code)
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Message != "" && t.Message != e.Message {
		return false
	}
	return t.Code == e.Code
}

// Errorf builds a classified error with a formatted message.
func Errorf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies err under code.
func Wrap(code Code, err error, msg string) *Error {
	return &Error{Code: code, Message: msg, Err: err}
}

// CodeOf classifies any error. Unclassified errors (timeouts, connection
// resets) are transient.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeTransient
}

// MessageOf returns the human readable reason carried by err.
func MessageOf(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Message != "" {
		return e.Message
	}
	if err == nil {
		return ""
	}
	return err.Error()
}

// Retryable reports whether err is worth retrying.
func Retryable(err error) bool { return CodeOf(err) == CodeTransient }
