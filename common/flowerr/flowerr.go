// Package flowerr defines the canonical error taxonomy shared by the
// validator, template engine, executor, and builtin nodes. Every failure
// surfaced to a caller is a *Error carrying a stable category key and
// fixability metadata so that agents can decide whether to attempt repair.
package flowerr

import (
	"errors"
	"fmt"
	"strings"
)

// Category is a short, stable error category key
type Category string

const (
	CategoryValidation Category = "validation"
	CategoryTemplate   Category = "template"
	CategoryHTTP       Category = "http"
	CategoryShell      Category = "shell"
	CategoryLLM        Category = "llm"
	CategoryToolProto  Category = "tool-protocol"
	CategoryFile       Category = "file"
	CategoryTimeout    Category = "timeout"
	CategoryCancelled  Category = "cancelled"
	CategoryCapacity   Category = "capacity"
	CategoryInternal   Category = "internal"
)

// Error is the canonical structured error
type Error struct {
	Category        Category `json:"category"`
	Message         string   `json:"message"`
	NodeID          string   `json:"node_id,omitempty"`
	Fixable         bool     `json:"fixable"`
	Suggestion      string   `json:"suggestion,omitempty"`
	ShellCommand    string   `json:"shell_command,omitempty"`
	ShellExitCode   int      `json:"shell_exit_code,omitempty"`
	AvailableFields []string `json:"available_fields,omitempty"`

	cause error
}

// New creates an error with a category and formatted message
func New(category Category, format string, args ...any) *Error {
	return &Error{
		Category: category,
		Message:  fmt.Sprintf(format, args...),
	}
}

// Wrap creates an error with a category wrapping an underlying cause
func Wrap(category Category, cause error, format string, args ...any) *Error {
	return &Error{
		Category: category,
		Message:  fmt.Sprintf(format, args...),
		cause:    cause,
	}
}

// Error implements the error interface
func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Category))
	if e.NodeID != "" {
		b.WriteString("(")
		b.WriteString(e.NodeID)
		b.WriteString(")")
	}
	b.WriteString(": ")
	b.WriteString(e.Message)
	if e.cause != nil {
		b.WriteString(": ")
		b.WriteString(e.cause.Error())
	}
	return b.String()
}

// Unwrap exposes the underlying cause for errors.Is/As
func (e *Error) Unwrap() error { return e.cause }

// WithNode attaches the node id that produced the error
func (e *Error) WithNode(nodeID string) *Error {
	e.NodeID = nodeID
	return e
}

// WithSuggestion attaches a repair suggestion and marks the error fixable
func (e *Error) WithSuggestion(format string, args ...any) *Error {
	e.Suggestion = fmt.Sprintf(format, args...)
	e.Fixable = true
	return e
}

// WithFields attaches the fields available at the failure point
func (e *Error) WithFields(fields []string) *Error {
	e.AvailableFields = fields
	return e
}

// WithShell attaches shell command metadata
func (e *Error) WithShell(command string, exitCode int) *Error {
	e.ShellCommand = command
	e.ShellExitCode = exitCode
	return e
}

// Rendered returns the human-readable form used by non-JSON output modes
func (e *Error) Rendered() string {
	msg := fmt.Sprintf("[%s] %s", e.Category, e.Message)
	if e.Suggestion != "" {
		msg += "\n  suggestion: " + e.Suggestion
	}
	if len(e.AvailableFields) > 0 {
		msg += "\n  available: " + strings.Join(e.AvailableFields, ", ")
	}
	return msg
}

// CategoryOf extracts the category from any error, defaulting to internal
func CategoryOf(err error) Category {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Category
	}
	return CategoryInternal
}

// IsFixable reports whether the error is marked repairable
func IsFixable(err error) bool {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Fixable
	}
	return false
}

// AsError converts any error to a *Error, wrapping foreign errors as internal
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe
	}
	return Wrap(CategoryInternal, err, "unexpected error")
}

// List collects one primary error plus supporting errors for user-visible
// failure reports
type List struct {
	Primary    *Error   `json:"primary"`
	Supporting []*Error `json:"supporting,omitempty"`
}

// Error implements the error interface
func (l *List) Error() string {
	if l.Primary == nil {
		return "no errors"
	}
	if len(l.Supporting) == 0 {
		return l.Primary.Error()
	}
	return fmt.Sprintf("%s (+%d more)", l.Primary.Error(), len(l.Supporting))
}

// Append adds an error to the list, promoting the first to primary
func (l *List) Append(err *Error) {
	if l.Primary == nil {
		l.Primary = err
		return
	}
	l.Supporting = append(l.Supporting, err)
}

// Empty reports whether no errors were collected
func (l *List) Empty() bool { return l.Primary == nil }

// All returns every collected error in stable order
func (l *List) All() []*Error {
	if l.Primary == nil {
		return nil
	}
	out := make([]*Error, 0, 1+len(l.Supporting))
	out = append(out, l.Primary)
	out = append(out, l.Supporting...)
	return out
}
