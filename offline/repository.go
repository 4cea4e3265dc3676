package offline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mmdatafocus/retail_pos/config"
	"github.com/mmdatafocus/retail_pos/docstore"
	"github.com/mmdatafocus/retail_pos/utils"
	"github.com/sirupsen/logrus"
)

// Options configures a model. Start from DefaultOptions; empty fields fall back to
// the env-driven defaults.
type Options struct {
	Conventions *docstore.Conventions
	// IDPrefix overrides the entity type as id prefix (e.g. "test_product").
	IDPrefix string
	Strategy docstore.Strategy
	// MaxConflictRetries below zero means config.ConflictMaxRetries().
	MaxConflictRetries int
	Logger             *logrus.Logger
}

func DefaultOptions() Options {
	return Options{MaxConflictRetries: -1}
}

// normalizer validates an entity before it is written. prev is nil on create.
type normalizer[T any] func(ctx context.Context, next *T, prev *T) error

// Repository is the generic offline model over one collection.
type Repository[T any, PT entityPtr[T]] struct {
	col        docstore.Collection
	conv       *docstore.Conventions
	idPrefix   string
	sortField  string
	sortDesc   bool
	strategy   docstore.Strategy
	maxRetries int
	normalize  normalizer[T]
	logger     *logrus.Logger
	// syncKeys are owned by reconciliation; Update refuses patches that touch them.
	syncKeys []string
}

func newRepository[T any, PT entityPtr[T]](col docstore.Collection, sortField string, sortDesc bool, normalize normalizer[T], opts Options) *Repository[T, PT] {
	r := &Repository[T, PT]{
		col:        col,
		conv:       opts.Conventions,
		idPrefix:   opts.IDPrefix,
		sortField:  sortField,
		sortDesc:   sortDesc,
		strategy:   opts.Strategy,
		maxRetries: opts.MaxConflictRetries,
		normalize:  normalize,
		logger:     opts.Logger,
	}
	if r.conv == nil {
		r.conv = docstore.NewConventions()
	}
	if r.idPrefix == "" {
		r.idPrefix = string(col.EntityType())
	}
	if r.strategy == "" {
		st, err := docstore.ParseStrategy(config.ConflictStrategy())
		if err != nil {
			st = docstore.StrategyLatest
		}
		r.strategy = st
	}
	if r.maxRetries < 0 {
		r.maxRetries = config.ConflictMaxRetries()
	}
	if r.logger == nil {
		r.logger = config.GetLogger()
	}
	return r
}

func (r *Repository[T, PT]) EntityType() docstore.EntityType { return r.col.EntityType() }

func (r *Repository[T, PT]) Create(ctx context.Context, input *T) Result[T] {
	if input == nil {
		return fail[T](invalid("create", fmt.Errorf("%s payload is required", r.EntityType())))
	}
	entity := *input
	m := PT(&entity).meta()
	if m.ID == "" {
		m.ID = r.conv.GenerateID(r.idPrefix)
	} else if want := strings.TrimRight(r.idPrefix, "_") + "_"; !strings.HasPrefix(m.ID, want) || len(m.ID) == len(want) {
		return fail[T](invalid("create", fmt.Errorf("%s id must start with %q", r.EntityType(), want)))
	}
	m.Rev = ""
	m.EntityType = r.EntityType()

	if r.normalize != nil {
		if err := r.normalize(ctx, &entity, nil); err != nil {
			return fail[T](invalid("create", err))
		}
	}

	doc, err := r.encode(&entity)
	if err != nil {
		return fail[T](err)
	}
	r.conv.AddTimestamps(doc, false)
	if _, err := r.col.Put(ctx, doc); err != nil {
		r.logFailure("Create", doc.ID, err)
		return fail[T](err)
	}
	return r.decodeResult(doc)
}

func (r *Repository[T, PT]) FindByID(ctx context.Context, id string) Result[T] {
	doc, err := r.col.Get(ctx, id)
	if err != nil {
		return fail[T](err)
	}
	return r.decodeResult(doc)
}

func (r *Repository[T, PT]) FindAll(ctx context.Context, opts ListOptions) ListResult[T] {
	return r.find(ctx, docstore.Query{
		Sort:  docstore.Sort{Field: r.sortField, Desc: r.sortDesc},
		Limit: opts.Limit,
		Skip:  opts.Skip,
	})
}

// FindWhere matches top-level payload fields by equality.
func (r *Repository[T, PT]) FindWhere(ctx context.Context, fields map[string]any, opts ListOptions) ListResult[T] {
	return r.find(ctx, docstore.Query{
		Selector: docstore.Selector{Fields: fields},
		Sort:     docstore.Sort{Field: r.sortField, Desc: r.sortDesc},
		Limit:    opts.Limit,
		Skip:     opts.Skip,
	})
}

// FindModifiedSince lists entities changed after since, oldest change first.
func (r *Repository[T, PT]) FindModifiedSince(ctx context.Context, since time.Time, opts ListOptions) ListResult[T] {
	return r.find(ctx, docstore.Query{
		Selector: docstore.Selector{UpdatedSince: &since},
		Sort:     docstore.Sort{Field: docstore.SortFieldUpdatedAt},
		Limit:    opts.Limit,
		Skip:     opts.Skip,
	})
}

func (r *Repository[T, PT]) find(ctx context.Context, q docstore.Query) ListResult[T] {
	docs, err := r.col.Query(ctx, q)
	if err != nil {
		return listFail[T](err)
	}
	out := make([]*T, 0, len(docs))
	for _, d := range docs {
		v, err := r.decode(d)
		if err != nil {
			return listFail[T](err)
		}
		out = append(out, v)
	}
	return listOK(out)
}

// UpdateState is the per-call conflict state of Update.
type UpdateState int

const (
	StateClean UpdateState = iota
	StateConflicted
	StateResolved
	StateFailed
)

func (s UpdateState) String() string {
	switch s {
	case StateClean:
		return "clean"
	case StateConflicted:
		return "conflicted"
	case StateResolved:
		return "resolved"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

// Update merges patch over the stored entity (patch fields win) and writes it back.
// A revision conflict is resolved with the configured strategy and retried at most
// maxRetries times; past that bound the conflict is returned as a failure.
func (r *Repository[T, PT]) Update(ctx context.Context, id string, patch map[string]any) Result[T] {
	for _, k := range r.syncKeys {
		if _, ok := patch[k]; ok {
			return fail[T](invalid("update", fmt.Errorf("%s is set by sync and cannot be patched", k)))
		}
	}
	current, err := r.col.Get(ctx, id)
	if err != nil {
		return fail[T](err)
	}
	candidate, err := r.applyPatch(ctx, current, patch)
	if err != nil {
		return fail[T](err)
	}

	state := StateClean
	retries := 0
	var lastErr error
	for {
		switch state {
		case StateClean:
			_, err := r.col.Put(ctx, candidate)
			if err == nil {
				return r.decodeResult(candidate)
			}
			if !docstore.IsConflict(err) {
				r.logFailure("Update", id, err)
				return fail[T](err)
			}
			lastErr = err
			state = StateConflicted

		case StateConflicted:
			if retries >= r.maxRetries {
				state = StateFailed
				continue
			}
			retries++
			res, err := docstore.ResolveConflicts(ctx, r.col, id, candidate, r.strategy)
			if err != nil {
				r.logFailure("Update", id, err)
				return fail[T](err)
			}
			if res.Outcome == docstore.OutcomeStored {
				r.logger.WithFields(logrus.Fields{
					"module":      "offline",
					"entity_type": r.EntityType(),
					"id":          id,
					"strategy":    r.strategy,
				}).Warn("update dropped, stored version wins")
				return fail[T](&docstore.Error{Kind: docstore.KindConflict, Op: "update", EntityType: r.EntityType(), ID: id, Err: errSuperseded})
			}
			rebased, err := r.applyPatch(ctx, res.Stored, patch)
			if err != nil {
				return fail[T](err)
			}
			if rebased.UpdatedAt.Before(candidate.UpdatedAt) {
				rebased.UpdatedAt = candidate.UpdatedAt
			}
			candidate = rebased
			state = StateResolved

		case StateResolved:
			r.logger.WithFields(logrus.Fields{
				"module":      "offline",
				"entity_type": r.EntityType(),
				"id":          id,
				"retry":       retries,
				"base_rev":    candidate.Rev,
			}).Info("retrying update after conflict")
			state = StateClean

		case StateFailed:
			r.logFailure("Update", id, lastErr)
			return fail[T](&docstore.Error{
				Kind:       docstore.KindConflict,
				Op:         "update",
				EntityType: r.EntityType(),
				ID:         id,
				Err:        fmt.Errorf("still conflicting after %d retries", retries),
			})
		}
	}
}

func (r *Repository[T, PT]) Delete(ctx context.Context, id string) Result[T] {
	current, err := r.col.Get(ctx, id)
	if err != nil {
		return fail[T](err)
	}
	if err := r.col.Remove(ctx, current); err != nil {
		r.logFailure("Delete", id, err)
		return fail[T](err)
	}
	return r.decodeResult(current)
}

// applyPatch builds the next version of doc with patch merged in and a fresh UpdatedAt.
// The returned document carries doc's revision as its base.
func (r *Repository[T, PT]) applyPatch(ctx context.Context, doc *docstore.Document, patch map[string]any) (*docstore.Document, error) {
	fields, err := doc.Fields()
	if err != nil {
		return nil, &docstore.Error{Kind: docstore.KindStore, Op: "update", EntityType: r.EntityType(), ID: doc.ID, Err: err}
	}
	for k, v := range patch {
		if isMetaKey(k) {
			continue
		}
		fields[k] = v
	}

	prev, err := r.decode(doc)
	if err != nil {
		return nil, err
	}
	next, err := utils.FromJSONMap[T](fields)
	if err != nil {
		return nil, invalid("update", err)
	}
	*PT(next).meta() = *PT(prev).meta()

	if r.normalize != nil {
		if err := r.normalize(ctx, next, prev); err != nil {
			return nil, invalid("update", err)
		}
	}

	out, err := r.encode(next)
	if err != nil {
		return nil, err
	}
	out.Rev = doc.Rev
	out.CreatedAt = doc.CreatedAt
	out.UpdatedAt = doc.UpdatedAt
	r.conv.AddTimestamps(out, true)
	return out, nil
}

func (r *Repository[T, PT]) encode(entity *T) (*docstore.Document, error) {
	fields, err := utils.ToJSONMap(entity)
	if err != nil {
		return nil, invalid("encode", err)
	}
	for _, k := range metaKeys {
		delete(fields, k)
	}
	data, err := json.Marshal(fields)
	if err != nil {
		return nil, invalid("encode", err)
	}
	m := PT(entity).meta()
	return &docstore.Document{
		ID:         m.ID,
		Rev:        m.Rev,
		EntityType: r.EntityType(),
		CreatedAt:  m.CreatedAt,
		UpdatedAt:  m.UpdatedAt,
		Data:       data,
	}, nil
}

func (r *Repository[T, PT]) decode(doc *docstore.Document) (*T, error) {
	var v T
	if len(doc.Data) > 0 {
		if err := json.Unmarshal(doc.Data, &v); err != nil {
			return nil, &docstore.Error{Kind: docstore.KindStore, Op: "decode", EntityType: r.EntityType(), ID: doc.ID, Err: err}
		}
	}
	*PT(&v).meta() = Meta{
		ID:         doc.ID,
		Rev:        doc.Rev,
		EntityType: doc.EntityType,
		CreatedAt:  doc.CreatedAt,
		UpdatedAt:  doc.UpdatedAt,
	}
	return &v, nil
}

func (r *Repository[T, PT]) decodeResult(doc *docstore.Document) Result[T] {
	v, err := r.decode(doc)
	if err != nil {
		return fail[T](err)
	}
	return ok(v)
}

func (r *Repository[T, PT]) logFailure(funcName string, id string, err error) {
	if err == nil || docstore.KindOf(err) == docstore.KindNotFound {
		return
	}
	config.LogError(r.logger, "offline."+string(r.EntityType()), funcName, "document write failed", id, err)
}

func isMetaKey(k string) bool {
	for _, m := range metaKeys {
		if m == k {
			return true
		}
	}
	return false
}

// mutate re-reads id, lets fn change the decoded entity, and writes it back. A revision
// conflict restarts from a fresh read, so fn always sees the stored state. It gives up
// after maxRetries restarts.
func (r *Repository[T, PT]) mutate(ctx context.Context, op string, id string, fn func(cur *T) error) Result[T] {
	var lastErr error
	for attempt := 0; attempt <= r.maxRetries; attempt++ {
		doc, err := r.col.Get(ctx, id)
		if err != nil {
			return fail[T](err)
		}
		prev, err := r.decode(doc)
		if err != nil {
			return fail[T](err)
		}
		next, err := r.decode(doc)
		if err != nil {
			return fail[T](err)
		}
		if err := fn(next); err != nil {
			var derr *docstore.Error
			if errors.As(err, &derr) {
				return fail[T](err)
			}
			return fail[T](invalid(op, err))
		}
		*PT(next).meta() = *PT(prev).meta()
		if r.normalize != nil {
			if err := r.normalize(ctx, next, prev); err != nil {
				return fail[T](invalid(op, err))
			}
		}
		out, err := r.encode(next)
		if err != nil {
			return fail[T](err)
		}
		r.conv.AddTimestamps(out, true)
		if _, err := r.col.Put(ctx, out); err != nil {
			if docstore.IsConflict(err) {
				lastErr = err
				continue
			}
			r.logFailure(op, id, err)
			return fail[T](err)
		}
		return r.decodeResult(out)
	}
	r.logFailure(op, id, lastErr)
	return fail[T](&docstore.Error{
		Kind:       docstore.KindConflict,
		Op:         op,
		EntityType: r.EntityType(),
		ID:         id,
		Err:        fmt.Errorf("still conflicting after %d retries", r.maxRetries),
	})
}
