// Package apperr defines the error taxonomy shared by the conversation store,
// the streaming pipeline and the HTTP surface.
package apperr

import (
	"errors"
	"fmt"
)

var (
	ErrBusy          = errors.New("busy")
	ErrValidation    = errors.New("validation error")
	ErrPermission    = errors.New("permission denied")
	ErrNotFound      = errors.New("not found")
	ErrCancelled     = errors.New("cancelled")
	ErrTimeout       = errors.New("timeout")
	ErrRateLimited   = errors.New("rate limited")
	ErrQuotaExceeded = errors.New("quota exceeded")
	ErrTransport     = errors.New("transport failure")
	ErrServer        = errors.New("server error")
	ErrParse         = errors.New("parse error")
)

// Category is the user-facing classification of an error.
type Category string

const (
	CategoryNone          Category = ""
	CategoryBusy          Category = "busy"
	CategoryValidation    Category = "validation"
	CategoryPermission    Category = "permission"
	CategoryNotFound      Category = "not_found"
	CategoryCancelled     Category = "cancelled"
	CategoryTimeout       Category = "timeout"
	CategoryRateLimited   Category = "rate_limited"
	CategoryQuotaExceeded Category = "quota_exceeded"
	CategoryTransport     Category = "transport"
	CategoryServer        Category = "server"
	CategoryInternal      Category = "internal"
)

var categories = []struct {
	err error
	cat Category
	msg string
}{
	{ErrBusy, CategoryBusy, "A response is already in progress for this project."},
	{ErrValidation, CategoryValidation, "The request is invalid."},
	{ErrPermission, CategoryPermission, "The main branch cannot be changed."},
	{ErrNotFound, CategoryNotFound, "Not found."},
	{ErrCancelled, CategoryCancelled, ""},
	{ErrTimeout, CategoryTimeout, "The AI is taking too long, please resend your message."},
	{ErrRateLimited, CategoryRateLimited, "Too many requests, please wait a moment and try again."},
	{ErrQuotaExceeded, CategoryQuotaExceeded, "Usage quota exhausted, please add credits to continue."},
	{ErrTransport, CategoryTransport, "Could not reach the AI service, check your connection."},
	{ErrServer, CategoryServer, "The AI service returned an error, please try again."},
}

// CategoryOf classifies err. Nil maps to CategoryNone and unknown errors to CategoryInternal.
func CategoryOf(err error) Category {
	if err == nil {
		return CategoryNone
	}
	for _, c := range categories {
		if errors.Is(err, c.err) {
			return c.cat
		}
	}
	return CategoryInternal
}

// UserMessage returns the toast text for err. Cancellation is silent and yields "".
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	for _, c := range categories {
		if errors.Is(err, c.err) {
			return c.msg
		}
	}
	return "Something went wrong."
}

func Validation(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

func NotFound(what, id string) error {
	return fmt.Errorf("%w: %s %q", ErrNotFound, what, id)
}
