package docstore

import (
	"errors"
	"fmt"
)

// Kind classifies every failure the store reports.
type Kind string

const (
	KindNotFound Kind = "not_found"
	KindConflict Kind = "conflict"
	KindInvalid  Kind = "invalid"
	KindStore    Kind = "store_error"
)

type Error struct {
	Kind       Kind
	Op         string
	EntityType EntityType
	ID         string
	Err        error
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	switch e.Kind {
	case KindNotFound:
		msg = "document not found"
	case KindConflict:
		msg = "document update conflict"
	case KindInvalid:
		msg = "invalid document"
	case KindStore:
		msg = "local store failure"
	}
	if e.ID != "" {
		msg = fmt.Sprintf("%s: %s %s", msg, e.EntityType, e.ID)
	}
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		msg = msg + ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is lets errors.Is(err, ErrConflict) match on kind alone.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Op == "" && t.ID == "" && t.Err == nil && t.Kind == e.Kind
}

var (
	ErrNotFound = &Error{Kind: KindNotFound}
	ErrConflict = &Error{Kind: KindConflict}
	ErrInvalid  = &Error{Kind: KindInvalid}
)

func newError(kind Kind, op string, entityType EntityType, id string, err error) *Error {
	return &Error{Kind: kind, Op: op, EntityType: entityType, ID: id, Err: err}
}

// KindOf reports the kind of err; unclassified errors count as store errors.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindStore
}

func IsNotFound(err error) bool { return err != nil && KindOf(err) == KindNotFound }

func IsConflict(err error) bool { return err != nil && KindOf(err) == KindConflict }
