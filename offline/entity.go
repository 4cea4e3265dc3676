package offline

import (
	"errors"
	"time"

	"github.com/mmdatafocus/retail_pos/docstore"
)

// Meta is the store-assigned part of every offline entity.
type Meta struct {
	ID         string              `json:"id"`
	Rev        string              `json:"rev,omitempty"`
	EntityType docstore.EntityType `json:"entity_type,omitempty"`
	CreatedAt  time.Time           `json:"created_at"`
	UpdatedAt  time.Time           `json:"updated_at"`
}

func (m *Meta) meta() *Meta { return m }

// metaKeys are never taken from a payload or a patch.
var metaKeys = []string{"id", "rev", "entity_type", "created_at", "updated_at"}

type entityPtr[T any] interface {
	*T
	meta() *Meta
}

// Result is what every model operation resolves to. Failures never escape as errors.
type Result[T any] struct {
	Success bool          `json:"success"`
	Entity  *T            `json:"entity,omitempty"`
	Error   string        `json:"error,omitempty"`
	Kind    docstore.Kind `json:"kind,omitempty"`
}

type ListResult[T any] struct {
	Success  bool          `json:"success"`
	Entities []*T          `json:"entities"`
	Error    string        `json:"error,omitempty"`
	Kind     docstore.Kind `json:"kind,omitempty"`
}

type CountResult struct {
	Success bool          `json:"success"`
	Count   int           `json:"count"`
	Error   string        `json:"error,omitempty"`
	Kind    docstore.Kind `json:"kind,omitempty"`
}

type ListOptions struct {
	Limit int `form:"limit" json:"limit"`
	Skip  int `form:"skip" json:"skip"`
}

func ok[T any](v *T) Result[T] {
	return Result[T]{Success: true, Entity: v}
}

func fail[T any](err error) Result[T] {
	return Result[T]{Success: false, Error: err.Error(), Kind: docstore.KindOf(err)}
}

func listOK[T any](v []*T) ListResult[T] {
	if v == nil {
		v = []*T{}
	}
	return ListResult[T]{Success: true, Entities: v}
}

func listFail[T any](err error) ListResult[T] {
	return ListResult[T]{Success: false, Entities: []*T{}, Error: err.Error(), Kind: docstore.KindOf(err)}
}

func countFail(err error) CountResult {
	return CountResult{Success: false, Error: err.Error(), Kind: docstore.KindOf(err)}
}

func invalid(op string, err error) error {
	return &docstore.Error{Kind: docstore.KindInvalid, Op: op, Err: err}
}

var errSuperseded = errors.New("a newer version is already stored")
