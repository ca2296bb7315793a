package udss

import (
	"context"
	"errors"
	"fmt"
	"os"
)

// ErrorKind classifies proxy errors so callers can map them to HTTP status
// codes, log levels, or process exit behavior.
type ErrorKind int

const (
	KindOther ErrorKind = iota
	KindConfig
	KindIO
	KindDatabase
	KindTLS
	KindHTTP
	KindTimeout
	KindAccessControl
	KindInternal
)

var kindNames = map[ErrorKind]string{
	KindOther:         "other",
	KindConfig:        "config",
	KindIO:            "io",
	KindDatabase:      "database",
	KindTLS:           "tls",
	KindHTTP:          "http",
	KindTimeout:       "timeout",
	KindAccessControl: "access control",
	KindInternal:      "internal",
}

// String returns the lowercase name of the kind.
func (k ErrorKind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Error is a classified error carrying the operation that failed.
//
// Two *Error values compare equal under [errors.Is] when their kinds match,
// so callers can test classification with a bare sentinel:
//
//	if errors.Is(err, &udss.Error{Kind: udss.KindTLS}) { ... }
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s error: %s: %v", e.Kind, e.Op, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s error: %v", e.Kind, e.Err)
	case e.Op != "":
		return fmt.Sprintf("%s error: %s", e.Kind, e.Op)
	default:
		return e.Kind.String() + " error"
	}
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is an *Error of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Op == "" || t.Op == e.Op)
}

// KindOf classifies err. Errors not produced by this package are mapped from
// well known standard library errors and otherwise reported as KindOther.
func KindOf(err error) ErrorKind {
	if err == nil {
		return KindOther
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, os.ErrDeadlineExceeded):
		return KindTimeout
	case errors.Is(err, os.ErrNotExist), errors.Is(err, os.ErrPermission):
		return KindIO
	}
	return KindOther
}

func newError(kind ErrorKind, op string, err error) error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func configErr(op string, err error) error   { return newError(KindConfig, op, err) }
func ioErr(op string, err error) error       { return newError(KindIO, op, err) }
func dbErr(op string, err error) error       { return newError(KindDatabase, op, err) }
func tlsErr(op string, err error) error      { return newError(KindTLS, op, err) }
func httpErr(op string, err error) error     { return newError(KindHTTP, op, err) }
func internalErr(op string, err error) error { return newError(KindInternal, op, err) }
