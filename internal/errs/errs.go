// Package errs classifies failures across the scheduling pipeline.
//
// Every error that crosses a component boundary carries a Kind. Callers branch
// on the kind (HTTP status mapping, retry decisions) instead of on messages.
package errs

import (
	"errors"
	"fmt"
)

type Kind string

const (
	KindValidation         Kind = "validation"
	KindAccess             Kind = "access"
	KindNotFound           Kind = "not_found"
	KindConflict           Kind = "conflict"
	KindProvider           Kind = "provider"
	KindChannelUnavailable Kind = "channel_unavailable"
	KindTimeout            Kind = "timeout"
	KindTransient          Kind = "transient"
	KindNotification       Kind = "notification"
	KindInternal           Kind = "internal"
)

// Error is a classified error. Op names the failing operation, e.g. "executor.publish".
type Error struct {
	Kind Kind
	Op   string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	} else if e.Err != nil {
		msg = msg + ": " + e.Err.Error()
	}
	if e.Op != "" {
		return fmt.Sprintf("%s: %s", e.Op, msg)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

func New(kind Kind, op, msg string) error {
	return &Error{Kind: kind, Op: op, Msg: msg}
}

func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

func Validation(op, format string, args ...any) error {
	return &Error{Kind: KindValidation, Op: op, Msg: fmt.Sprintf(format, args...)}
}

func Access(op, format string, args ...any) error {
	return &Error{Kind: KindAccess, Op: op, Msg: fmt.Sprintf(format, args...)}
}

func NotFound(op, format string, args ...any) error {
	return &Error{Kind: KindNotFound, Op: op, Msg: fmt.Sprintf(format, args...)}
}

func Conflict(op, format string, args ...any) error {
	return &Error{Kind: KindConflict, Op: op, Msg: fmt.Sprintf(format, args...)}
}

func ChannelUnavailable(op, format string, args ...any) error {
	return &Error{Kind: KindChannelUnavailable, Op: op, Msg: fmt.Sprintf(format, args...)}
}

func Transient(op string, err error) error {
	return Wrap(KindTransient, op, err)
}

// KindOf returns the kind of the outermost classified error in the chain,
// or KindInternal when nothing in the chain is classified.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// IsRetryable reports whether a later attempt may succeed without intervention
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindTimeout, KindTransient:
		return true
	}
	return false
}
