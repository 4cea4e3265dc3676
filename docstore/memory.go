package docstore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// MemoryStore keeps documents in process memory. Tests use it in place of the SQLite store.
type MemoryStore struct {
	mu   sync.RWMutex
	docs map[EntityType]map[string]*Document
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{docs: make(map[EntityType]map[string]*Document)}
}

func (m *MemoryStore) Collection(entityType EntityType) Collection {
	return &memoryCollection{store: m, entityType: entityType}
}

func (m *MemoryStore) Close() error { return nil }

type memoryCollection struct {
	store      *MemoryStore
	entityType EntityType
}

func (c *memoryCollection) EntityType() EntityType { return c.entityType }

func (c *memoryCollection) Put(ctx context.Context, doc *Document) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", newError(KindStore, "put", c.entityType, "", err)
	}
	if err := prepareForPut(c.entityType, doc); err != nil {
		return "", err
	}

	m := c.store
	m.mu.Lock()
	defer m.mu.Unlock()

	docs := m.docs[c.entityType]
	if docs == nil {
		docs = make(map[string]*Document)
		m.docs[c.entityType] = docs
	}

	existing, ok := docs[doc.ID]
	switch {
	case ok && doc.Rev == "":
		return "", newError(KindConflict, "put", c.entityType, doc.ID, errors.New("document already exists"))
	case ok && existing.Rev != doc.Rev:
		return "", newError(KindConflict, "put", c.entityType, doc.ID, fmt.Errorf("stale revision %s, current %s", doc.Rev, existing.Rev))
	case !ok && doc.Rev != "":
		return "", newError(KindNotFound, "put", c.entityType, doc.ID, nil)
	}
	if ok {
		doc.CreatedAt = existing.CreatedAt
	}

	doc.Rev = nextRevision(doc.Rev, doc)
	docs[doc.ID] = doc.Clone()
	return doc.Rev, nil
}

func (c *memoryCollection) Get(ctx context.Context, id string) (*Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, newError(KindStore, "get", c.entityType, id, err)
	}
	m := c.store
	m.mu.RLock()
	defer m.mu.RUnlock()

	d, ok := m.docs[c.entityType][id]
	if !ok {
		return nil, newError(KindNotFound, "get", c.entityType, id, nil)
	}
	return d.Clone(), nil
}

func (c *memoryCollection) Remove(ctx context.Context, doc *Document) error {
	if err := ctx.Err(); err != nil {
		return newError(KindStore, "remove", c.entityType, "", err)
	}
	if doc == nil || doc.ID == "" {
		return newError(KindInvalid, "remove", c.entityType, "", errors.New("id is required"))
	}
	m := c.store
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.docs[c.entityType][doc.ID]
	if !ok {
		return newError(KindNotFound, "remove", c.entityType, doc.ID, nil)
	}
	if existing.Rev != doc.Rev {
		return newError(KindConflict, "remove", c.entityType, doc.ID, fmt.Errorf("stale revision %s, current %s", doc.Rev, existing.Rev))
	}
	delete(m.docs[c.entityType], doc.ID)
	return nil
}

func (c *memoryCollection) Query(ctx context.Context, q Query) ([]*Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, newError(KindStore, "query", c.entityType, "", err)
	}
	if err := validateQuery(c.entityType, q); err != nil {
		return nil, err
	}

	wanted := make(map[string]any, len(q.Selector.Fields))
	for k, v := range q.Selector.Fields {
		wanted[k] = normalizeValue(v)
	}

	type candidate struct {
		doc    *Document
		fields map[string]any
	}

	m := c.store
	m.mu.RLock()
	matches := make([]candidate, 0)
	for _, d := range m.docs[c.entityType] {
		if q.Selector.IDPrefix != "" && !strings.HasPrefix(d.ID, q.Selector.IDPrefix) {
			continue
		}
		if q.Selector.UpdatedSince != nil && !d.UpdatedAt.After(*q.Selector.UpdatedSince) {
			continue
		}
		if q.Selector.UpdatedBefore != nil && d.UpdatedAt.After(*q.Selector.UpdatedBefore) {
			continue
		}
		var fields map[string]any
		if len(wanted) > 0 || isPayloadField(q.Sort.Field) {
			f, err := d.Fields()
			if err != nil {
				m.mu.RUnlock()
				return nil, newError(KindStore, "query", c.entityType, d.ID, err)
			}
			fields = f
		}
		if !fieldsMatch(fields, wanted) {
			continue
		}
		matches = append(matches, candidate{doc: d.Clone(), fields: fields})
	}
	m.mu.RUnlock()

	sort.SliceStable(matches, func(i, j int) bool {
		a, b := matches[i], matches[j]
		var cmp int
		switch q.Sort.Field {
		case "", SortFieldID:
			cmp = strings.Compare(a.doc.ID, b.doc.ID)
		case SortFieldCreatedAt:
			cmp = a.doc.CreatedAt.Compare(b.doc.CreatedAt)
		case SortFieldUpdatedAt:
			cmp = a.doc.UpdatedAt.Compare(b.doc.UpdatedAt)
		default:
			cmp = compareValues(a.fields[q.Sort.Field], b.fields[q.Sort.Field])
		}
		if q.Sort.Desc {
			cmp = -cmp
		}
		if cmp == 0 {
			return a.doc.ID < b.doc.ID
		}
		return cmp < 0
	})

	out := make([]*Document, 0, len(matches))
	for i, cand := range matches {
		if i < q.Skip {
			continue
		}
		if q.Limit > 0 && len(out) >= q.Limit {
			break
		}
		out = append(out, cand.doc)
	}
	return out, nil
}

func isPayloadField(field string) bool {
	switch field {
	case "", SortFieldID, SortFieldCreatedAt, SortFieldUpdatedAt:
		return false
	}
	return true
}

func fieldsMatch(fields map[string]any, wanted map[string]any) bool {
	for k, want := range wanted {
		got, ok := fields[k]
		if want == nil {
			if ok && got != nil {
				return false
			}
			continue
		}
		if !ok || compareValues(got, want) != 0 {
			return false
		}
	}
	return true
}

// compareValues orders JSON values the way SQLite orders json_extract results:
// null, then numbers (bools as 0/1), then text.
func compareValues(a, b any) int {
	ra, rb := valueRank(a), valueRank(b)
	if ra != rb {
		if ra < rb {
			return -1
		}
		return 1
	}
	switch ra {
	case 1:
		fa, fb := asNumber(a), asNumber(b)
		switch {
		case fa < fb:
			return -1
		case fa > fb:
			return 1
		}
		return 0
	case 2:
		return strings.Compare(a.(string), b.(string))
	case 3:
		return strings.Compare(fmt.Sprint(a), fmt.Sprint(b))
	}
	return 0
}

func valueRank(v any) int {
	switch v.(type) {
	case nil:
		return 0
	case float64, bool:
		return 1
	case string:
		return 2
	}
	return 3
}

func asNumber(v any) float64 {
	switch x := v.(type) {
	case float64:
		return x
	case bool:
		if x {
			return 1
		}
	}
	return 0
}
