package providers

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
)

// Category classifies a provider failure. The agent loop uses it to decide
// between retrying the same model and switching to a fallback.
type Category string

const (
	CategoryAuth       Category = "auth"
	CategoryRateLimit  Category = "rate_limit"
	CategoryOverloaded Category = "overloaded"
	CategoryBadRequest Category = "bad_request"
	CategoryTimeout    Category = "timeout"
	CategoryTransport  Category = "transport"
	CategoryServer     Category = "server"
	CategoryCanceled   Category = "canceled"
	CategoryUnknown    Category = "unknown"
)

// Error is a categorized provider failure.
type Error struct {
	Category Category
	Provider string
	Model    string
	Status   int
	Message  string
	Cause    error
}

func (e *Error) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s", e.Provider)
	if e.Model != "" {
		fmt.Fprintf(&b, " (%s)", e.Model)
	}
	fmt.Fprintf(&b, ": %s", e.Category)
	if e.Status > 0 {
		fmt.Fprintf(&b, " [HTTP %d]", e.Status)
	}
	if e.Message != "" {
		fmt.Fprintf(&b, ": %s", e.Message)
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Cause }

// Retryable reports whether the same model is worth another in-adapter
// attempt.
func (e *Error) Retryable() bool {
	switch e.Category {
	case CategoryTimeout, CategoryTransport, CategoryOverloaded, CategoryRateLimit:
		return true
	}
	// Some backends return 400 for transient prompt-shape hiccups.
	return e.Category == CategoryBadRequest && e.Status == 400
}

// ShouldFallback reports whether the loop should move on to the next model.
// Cancellation never falls back, and auth failures are fatal: a missing or
// rejected key needs the user, not another model.
func (e *Error) ShouldFallback() bool {
	return e.Category != CategoryCanceled && e.Category != CategoryAuth
}

// NewError builds a categorized error from an underlying cause.
func NewError(provider, model string, cause error) *Error {
	e := &Error{
		Category: classifyCause(cause),
		Provider: provider,
		Model:    model,
		Cause:    cause,
	}
	if cause != nil {
		e.Message = cause.Error()
	}
	return e
}

// WithStatus sets the HTTP status and re-derives the category from it.
func (e *Error) WithStatus(status int) *Error {
	e.Status = status
	if c := classifyStatus(status); c != CategoryUnknown {
		e.Category = c
	}
	return e
}

func classifyStatus(status int) Category {
	switch {
	case status == 401 || status == 403:
		return CategoryAuth
	case status == 408:
		return CategoryTimeout
	case status == 429:
		return CategoryRateLimit
	case status == 503 || status == 529:
		return CategoryOverloaded
	case status >= 500:
		return CategoryServer
	case status >= 400:
		return CategoryBadRequest
	}
	return CategoryUnknown
}

func classifyCause(err error) Category {
	if err == nil {
		return CategoryUnknown
	}
	if errors.Is(err, context.Canceled) {
		return CategoryCanceled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return CategoryTimeout
	}
	var ne net.Error
	if errors.As(err, &ne) {
		if ne.Timeout() {
			return CategoryTimeout
		}
		return CategoryTransport
	}
	var ue *url.Error
	if errors.As(err, &ue) {
		return CategoryTransport
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline"):
		return CategoryTimeout
	case strings.Contains(msg, "connection refused"), strings.Contains(msg, "no such host"),
		strings.Contains(msg, "connection reset"), strings.Contains(msg, "broken pipe"),
		strings.Contains(msg, "eof"):
		return CategoryTransport
	case strings.Contains(msg, "overloaded"):
		return CategoryOverloaded
	case strings.Contains(msg, "rate limit"), strings.Contains(msg, "quota"):
		return CategoryRateLimit
	}
	return CategoryUnknown
}

// AsError extracts a *Error from err, wrapping it if needed.
func AsError(provider, model string, err error) *Error {
	var pe *Error
	if errors.As(err, &pe) {
		return pe
	}
	return NewError(provider, model, err)
}
