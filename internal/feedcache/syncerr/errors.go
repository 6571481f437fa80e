// Package syncerr defines the error taxonomy shared by the local store,
// the sync engine and the realtime reconciler.
//
// Every error that crosses a component boundary is one of four kinds:
//
//	StorageError     local database failure (disk, constraint, corrupt row)
//	RemoteError      transport or backend failure while pulling or pushing
//	ConflictError    an optimistic write could not be confirmed
//	ValidationError  malformed input or a rejected operation
//
// Callers check the kind with errors.Is against the sentinels:
//
//	if errors.Is(err, syncerr.ErrConflict) {
//	    // surface the conflict, offer retry or discard
//	}
package syncerr

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Kind sentinels. An *Error matches exactly one of these with errors.Is.
var (
	// ErrStorage marks failures of the embedded database.
	ErrStorage = errors.New("storage error")

	// ErrRemote marks failures talking to the remote backend.
	ErrRemote = errors.New("remote error")

	// ErrConflict marks optimistic writes the remote rejected or never
	// acknowledged, and deferred remote changes that overrode local state.
	ErrConflict = errors.New("conflict")

	// ErrValidation marks malformed or rejected input.
	ErrValidation = errors.New("validation error")
)

// ErrNotFound is returned by store lookups for a missing row. It is wrapped
// inside a StorageError only when the absence is itself a failure.
var ErrNotFound = errors.New("not found")

// Kind classifies an *Error.
type Kind int

const (
	KindStorage Kind = iota + 1
	KindRemote
	KindConflict
	KindValidation
)

// String returns the taxonomy name of the kind.
func (k Kind) String() string {
	switch k {
	case KindStorage:
		return "StorageError"
	case KindRemote:
		return "RemoteError"
	case KindConflict:
		return "ConflictError"
	case KindValidation:
		return "ValidationError"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

func (k Kind) sentinel() error {
	switch k {
	case KindStorage:
		return ErrStorage
	case KindRemote:
		return ErrRemote
	case KindConflict:
		return ErrConflict
	case KindValidation:
		return ErrValidation
	}
	return nil
}

// Error is the concrete error type returned at component boundaries.
type Error struct {
	Kind   Kind
	Op     string // operation that failed, e.g. "syncer.React"
	Entity string // table name, optional
	ID     string // entity id, optional
	Err    error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.String())
	if e.Op != "" {
		b.WriteString(": ")
		b.WriteString(e.Op)
	}
	if e.Entity != "" {
		b.WriteString(" ")
		b.WriteString(e.Entity)
		if e.ID != "" {
			b.WriteString("/")
			b.WriteString(e.ID)
		}
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is the sentinel for e's kind.
func (e *Error) Is(target error) bool {
	return target != nil && target == e.Kind.sentinel()
}

// Storage wraps err as a StorageError. It returns nil for a nil err and
// leaves an existing *Error untouched.
func Storage(op string, err error) error {
	return wrap(KindStorage, op, "", "", err)
}

// Remote wraps err as a RemoteError.
func Remote(op string, err error) error {
	return wrap(KindRemote, op, "", "", err)
}

// Conflict builds a ConflictError for the given entity.
func Conflict(op, entity, id string, err error) error {
	if err == nil {
		err = errors.New("remote state took precedence")
	}
	return &Error{Kind: KindConflict, Op: op, Entity: entity, ID: id, Err: err}
}

// Validation builds a ValidationError from a formatted message.
func Validation(op string, format string, args ...any) error {
	return &Error{Kind: KindValidation, Op: op, Err: fmt.Errorf(format, args...)}
}

// ValidationWrap wraps err as a ValidationError.
func ValidationWrap(op string, err error) error {
	return wrap(KindValidation, op, "", "", err)
}

// WithEntity returns a copy of err annotated with the entity, if err is an
// *Error. Other errors are returned unchanged.
func WithEntity(err error, entity, id string) error {
	var e *Error
	if !errors.As(err, &e) {
		return err
	}
	cp := *e
	cp.Entity = entity
	cp.ID = id
	return &cp
}

func wrap(kind Kind, op, entity, id string, err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	return &Error{Kind: kind, Op: op, Entity: entity, ID: id, Err: err}
}

// KindOf returns the kind of err, if it carries one.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return 0, false
}

// Boundary converts an arbitrary error into the taxonomy. Errors that already
// carry a kind pass through. Context cancellation is returned as-is so callers
// can tell a cancelled pass from a failed one. Everything else is treated as
// a local storage failure.
func Boundary(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		if _, ok := KindOf(err); !ok {
			return err
		}
	}
	return wrap(KindStorage, op, "", "", err)
}

// IsRetryable reports whether the operation that produced err may succeed
// if attempted again. Only remote failures are retryable, and not when the
// caller's context has ended.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	return errors.Is(err, ErrRemote)
}
