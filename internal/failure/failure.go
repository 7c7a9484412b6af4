// Package failure defines the error kinds shared by the seed, codec and engine layers.
//
// Every error that crosses a package boundary carries a Kind so the session
// controller can decide how to report it without string matching.
package failure

import (
	"errors"
	"fmt"
	"time"
)

// Kind classifies a failure.
type Kind int

const (
	KindUnknown Kind = iota
	KindValidation
	KindCodec
	KindEngine
	KindTimeout
	KindIO
	KindBusy
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindCodec:
		return "codec"
	case KindEngine:
		return "engine"
	case KindTimeout:
		return "timeout"
	case KindIO:
		return "io"
	case KindBusy:
		return "busy"
	default:
		return "unknown"
	}
}

// Error is the concrete error type for all kinds.
type Error struct {
	Kind     Kind
	Op       string
	Detail   string
	ExitCode int
	Err      error
}

func (e *Error) Error() string {
	msg := e.Kind.String() + " error"
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Kind == KindEngine && e.ExitCode != 0 {
		msg += fmt.Sprintf(" (exit %d)", e.ExitCode)
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Validationf reports input rejected before any file is written.
func Validationf(op, format string, args ...any) error {
	return &Error{Kind: KindValidation, Op: op, Detail: fmt.Sprintf(format, args...)}
}

// Codecf reports a byte buffer that does not match its encoding.
func Codecf(op, format string, args ...any) error {
	return &Error{Kind: KindCodec, Op: op, Detail: fmt.Sprintf(format, args...)}
}

// IO wraps an underlying filesystem error.
func IO(op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: KindIO, Op: op, Err: err}
}

// Engine reports a non-zero engine exit. stderr is kept verbatim.
func Engine(op string, exitCode int, stderr string) error {
	return &Error{Kind: KindEngine, Op: op, ExitCode: exitCode, Detail: stderr}
}

// EngineStart reports an engine that could not be launched at all.
func EngineStart(op string, err error) error {
	return &Error{Kind: KindEngine, Op: op, ExitCode: -1, Err: err}
}

// Timeout reports an engine run that exceeded its deadline and was killed.
func Timeout(op string, after time.Duration) error {
	return &Error{Kind: KindTimeout, Op: op, Detail: fmt.Sprintf("no exit after %s", after)}
}

// Busyf reports a request rejected because an invocation is already pending.
func Busyf(op, format string, args ...any) error {
	return &Error{Kind: KindBusy, Op: op, Detail: fmt.Sprintf(format, args...)}
}

// KindOf returns the Kind of err, or KindUnknown when err is not an *Error.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindUnknown
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
