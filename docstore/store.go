package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"
)

// Collection is one entity type's slice of the store.
type Collection interface {
	EntityType() EntityType
	// Put inserts (empty Rev) or updates (Rev must match the stored one) a document,
	// writes the new revision back into doc and returns it.
	Put(ctx context.Context, doc *Document) (string, error)
	Get(ctx context.Context, id string) (*Document, error)
	Query(ctx context.Context, q Query) ([]*Document, error)
	// Remove deletes the document at doc.Rev.
	Remove(ctx context.Context, doc *Document) error
}

type Store interface {
	Collection(entityType EntityType) Collection
	Close() error
}

type Selector struct {
	IDPrefix string
	// Fields matches top-level payload fields by equality.
	Fields        map[string]any
	UpdatedSince  *time.Time
	UpdatedBefore *time.Time
}

type Sort struct {
	// Field is id, created_at, updated_at or a top-level payload field.
	Field string
	Desc  bool
}

type Query struct {
	Selector Selector
	Sort     Sort
	// Limit <= 0 means no limit.
	Limit int
	Skip  int
}

const (
	SortFieldID        = "id"
	SortFieldCreatedAt = "created_at"
	SortFieldUpdatedAt = "updated_at"
)

var fieldNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,63}$`)

func validateQuery(entityType EntityType, q Query) error {
	for k := range q.Selector.Fields {
		if !fieldNamePattern.MatchString(k) {
			return newError(KindInvalid, "query", entityType, "", fmt.Errorf("bad selector field %q", k))
		}
	}
	if q.Sort.Field != "" && !fieldNamePattern.MatchString(q.Sort.Field) {
		return newError(KindInvalid, "query", entityType, "", fmt.Errorf("bad sort field %q", q.Sort.Field))
	}
	if q.Limit < 0 || q.Skip < 0 {
		return newError(KindInvalid, "query", entityType, "", errors.New("limit and skip must not be negative"))
	}
	return nil
}

func prepareForPut(entityType EntityType, doc *Document) error {
	if doc == nil {
		return newError(KindInvalid, "put", entityType, "", errors.New("nil document"))
	}
	if doc.ID == "" {
		return newError(KindInvalid, "put", entityType, "", errors.New("id is required"))
	}
	if doc.EntityType == "" {
		doc.EntityType = entityType
	}
	if doc.EntityType != entityType {
		return newError(KindInvalid, "put", entityType, doc.ID, fmt.Errorf("entity type %q does not belong here", doc.EntityType))
	}
	if len(doc.Data) == 0 {
		doc.Data = json.RawMessage("{}")
	}
	if !json.Valid(doc.Data) {
		return newError(KindInvalid, "put", entityType, doc.ID, errors.New("payload is not valid json"))
	}
	now := time.Now().UTC()
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = now
	}
	if doc.UpdatedAt.IsZero() {
		doc.UpdatedAt = doc.CreatedAt
	}
	return nil
}

// normalizeValue turns a selector value into what json.Unmarshal would produce for it.
func normalizeValue(v any) any {
	b, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return v
	}
	return out
}

// PurgePrefix removes every document whose id starts with prefix and returns how many went.
func PurgePrefix(ctx context.Context, col Collection, prefix string) (int, error) {
	if prefix == "" {
		return 0, newError(KindInvalid, "purge", col.EntityType(), "", errors.New("prefix is required"))
	}
	docs, err := col.Query(ctx, Query{Selector: Selector{IDPrefix: prefix}})
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, d := range docs {
		if err := col.Remove(ctx, d); err != nil {
			if IsNotFound(err) {
				continue
			}
			return removed, err
		}
		removed++
	}
	return removed, nil
}
