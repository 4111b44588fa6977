// Package fault is the error taxonomy shared by every tripot component.
//
// Family-facing calls surface the Kind to callers; senior-facing channels
// never see a fault directly and always get a fallback frame instead.
package fault

import (
	"errors"
	"fmt"
)

type Kind string

const (
	KindUnknown      Kind = "internal"
	KindNotFound     Kind = "not_found"
	KindValidation   Kind = "validation"
	KindPersistence  Kind = "persistence"
	KindCollaborator Kind = "collaborator"
)

// Error tags an underlying error with a taxonomy kind and the failing operation.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return e.Err.Error()
	}
	return e.Op + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// E wraps err with kind. A nil err yields nil.
func E(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

func NotFound(op, format string, args ...any) error {
	return &Error{Kind: KindNotFound, Op: op, Err: fmt.Errorf(format, args...)}
}

func Validation(op, format string, args ...any) error {
	return &Error{Kind: KindValidation, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the outermost taxonomy kind in err's chain.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindUnknown
}

func Is(err error, kind Kind) bool { return err != nil && KindOf(err) == kind }

// Message is err's text without the operation prefix, for client-facing
// responses.
func Message(err error) string {
	if err == nil {
		return ""
	}
	var fe *Error
	if errors.As(err, &fe) && fe.Err != nil {
		return fe.Err.Error()
	}
	return err.Error()
}
