package types

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Error kinds. Every error raised by the repositories and the engine wraps one of these.
var (
	ErrIntegrity    = errors.New("configuration integrity error")
	ErrIllegalState = errors.New("illegal state")
	ErrNotFound     = errors.New("not found")
	ErrInvalidGraph = errors.New("invalid workflow graph")
)

// Error attaches an operation and an error kind to an underlying cause.
type Error struct {
	Kind error
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%v: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %v: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() []error {
	return []error{e.Kind, e.Err}
}

// Integrity reports a corrupt or misconfigured installation.
func Integrity(op string, err error) error {
	return &Error{Kind: ErrIntegrity, Op: op, Err: err}
}

// IllegalState reports a rejected precondition.
func IllegalState(op string, err error) error {
	return &Error{Kind: ErrIllegalState, Op: op, Err: err}
}

// IsIntegrity reports whether err is a configuration integrity error.
func IsIntegrity(err error) bool { return errors.Is(err, ErrIntegrity) }

// IsIllegalState reports whether err is an illegal-state error.
func IsIllegalState(err error) bool { return errors.Is(err, ErrIllegalState) }

// ErrorCollection accumulates user-facing validation failures.
type ErrorCollection struct {
	Errors   map[string]string `json:"errors,omitempty"`
	Messages []string          `json:"errorMessages,omitempty"`
}

// AddError records a message against a field.
func (c *ErrorCollection) AddError(field, message string) {
	if c.Errors == nil {
		c.Errors = make(map[string]string)
	}
	c.Errors[field] = message
}

// AddMessage records a message not tied to a field.
func (c *ErrorCollection) AddMessage(message string) {
	c.Messages = append(c.Messages, message)
}

// Merge appends every entry of other.
func (c *ErrorCollection) Merge(other ErrorCollection) {
	for f, m := range other.Errors {
		c.AddError(f, m)
	}
	c.Messages = append(c.Messages, other.Messages...)
}

// HasAnyErrors reports whether anything was recorded.
func (c ErrorCollection) HasAnyErrors() bool {
	return len(c.Errors) > 0 || len(c.Messages) > 0
}

func (c ErrorCollection) String() string {
	parts := make([]string, 0, len(c.Errors)+len(c.Messages))
	fields := make([]string, 0, len(c.Errors))
	for f := range c.Errors {
		fields = append(fields, f)
	}
	sort.Strings(fields)
	for _, f := range fields {
		parts = append(parts, f+": "+c.Errors[f])
	}
	parts = append(parts, c.Messages...)
	return strings.Join(parts, "; ")
}
