package domain

import (
	"errors"
	"fmt"
)

// Kind classifies failures so the transport layer can map them without
// inspecting messages.
type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindNotFound
	KindConflict
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	default:
		return "internal"
	}
}

// Error is returned by every core operation. Message is safe to show to
// callers; Err is the underlying cause and is only logged.
type Error struct {
	Kind    Kind
	Op      string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func Validation(op, msg string) error {
	return &Error{Kind: KindValidation, Op: op, Message: msg}
}

func NotFound(op, msg string) error {
	return &Error{Kind: KindNotFound, Op: op, Message: msg}
}

func Conflict(op, msg string, err error) error {
	return &Error{Kind: KindConflict, Op: op, Message: msg, Err: err}
}

// Internal wraps a store or transaction failure behind a generic message.
func Internal(op, msg string, err error) error {
	return &Error{Kind: KindInternal, Op: op, Message: msg, Err: err}
}

// KindOf returns the Kind of err, or KindInternal for foreign errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// MessageOf returns the caller-safe message carried by err.
func MessageOf(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Message != "" {
		return e.Message
	}
	return "something went wrong"
}

// Receipt is the success result of a core operation.
type Receipt struct {
	Message  string `json:"message"`
	Applied  bool   `json:"applied"`
	Notified bool   `json:"notified"`
	Data     any    `json:"data,omitempty"`
}
