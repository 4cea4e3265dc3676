package docstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

type storeFactory struct {
	name string
	open func(t *testing.T) Store
}

func storeFactories() []storeFactory {
	return []storeFactory{
		{name: "memory", open: func(t *testing.T) Store { return NewMemoryStore() }},
		{name: "sqlite", open: openSQLiteStore},
	}
}

func openSQLiteStore(t *testing.T) Store {
	t.Helper()
	db, err := sqlx.Connect("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	db.SetMaxOpenConns(1)
	s, err := NewSQLStore(context.Background(), db)
	if err != nil {
		t.Fatalf("NewSQLStore: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func forEachStore(t *testing.T, fn func(t *testing.T, s Store)) {
	for _, f := range storeFactories() {
		f := f
		t.Run(f.name, func(t *testing.T) {
			fn(t, f.open(t))
		})
	}
}

func newDoc(id string, payload map[string]any) *Document {
	b, _ := json.Marshal(payload)
	return &Document{ID: id, Data: b}
}

func TestCollection_PutGetRoundTrip(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		col := s.Collection(EntityTypeCategory)

		d := newDoc("category_1", map[string]any{"name": "Drinks"})
		rev, err := col.Put(ctx, d)
		if err != nil {
			t.Fatalf("Put: %v", err)
		}
		if rev == "" || d.Rev != rev || RevGeneration(rev) != 1 {
			t.Fatalf("unexpected revision %q (doc rev %q)", rev, d.Rev)
		}
		if d.EntityType != EntityTypeCategory {
			t.Fatalf("entity type not stamped: %q", d.EntityType)
		}

		got, err := col.Get(ctx, "category_1")
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		fields, _ := got.Fields()
		if fields["name"] != "Drinks" || got.Rev != rev {
			t.Fatalf("got %+v fields %v", got, fields)
		}
		if !got.CreatedAt.Equal(d.CreatedAt) || !got.UpdatedAt.Equal(d.UpdatedAt) {
			t.Fatalf("timestamps changed: stored %v/%v, wrote %v/%v", got.CreatedAt, got.UpdatedAt, d.CreatedAt, d.UpdatedAt)
		}

		got.Data = json.RawMessage(`{"name":"Hot Drinks"}`)
		got.UpdatedAt = got.UpdatedAt.Add(time.Second)
		rev2, err := col.Put(ctx, got)
		if err != nil {
			t.Fatalf("Put update: %v", err)
		}
		if RevGeneration(rev2) != 2 {
			t.Fatalf("expected generation 2, got %q", rev2)
		}
	})
}

func TestCollection_GetMissingIsNotFound(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		_, err := s.Collection(EntityTypeProduct).Get(context.Background(), "product_missing")
		if !IsNotFound(err) {
			t.Fatalf("expected not found, got %v", err)
		}
	})
}

func TestCollection_StaleRevisionConflicts(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		col := s.Collection(EntityTypeCategory)

		d := newDoc("category_1", map[string]any{"name": "A"})
		base, err := col.Put(ctx, d)
		if err != nil {
			t.Fatalf("Put: %v", err)
		}

		first := d.Clone()
		first.Data = json.RawMessage(`{"name":"B"}`)
		if _, err := col.Put(ctx, first); err != nil {
			t.Fatalf("first update: %v", err)
		}

		second := d.Clone()
		second.Rev = base
		second.Data = json.RawMessage(`{"name":"C"}`)
		if _, err := col.Put(ctx, second); !IsConflict(err) {
			t.Fatalf("expected conflict, got %v", err)
		}

		again := newDoc("category_1", map[string]any{"name": "D"})
		if _, err := col.Put(ctx, again); !IsConflict(err) {
			t.Fatalf("expected conflict for insert over existing id, got %v", err)
		}

		got, _ := col.Get(ctx, "category_1")
		fields, _ := got.Fields()
		if fields["name"] != "B" {
			t.Fatalf("lost update: name=%v", fields["name"])
		}
	})
}

func TestCollection_PutValidation(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		col := s.Collection(EntityTypeSale)
		if _, err := col.Put(ctx, &Document{}); KindOf(err) != KindInvalid {
			t.Fatalf("expected invalid for missing id, got %v", err)
		}
		if _, err := col.Put(ctx, &Document{ID: "x", EntityType: EntityTypeProduct}); KindOf(err) != KindInvalid {
			t.Fatalf("expected invalid for foreign entity type, got %v", err)
		}
		if _, err := col.Put(ctx, &Document{ID: "sale_1", Rev: "3-abc"}); !IsNotFound(err) {
			t.Fatalf("expected not found when updating an absent doc, got %v", err)
		}
	})
}

func TestCollection_RemoveRequiresCurrentRevision(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		col := s.Collection(EntityTypeProduct)

		d := newDoc("product_1", map[string]any{"name": "Tea"})
		base, _ := col.Put(ctx, d)
		d.Data = json.RawMessage(`{"name":"Green Tea"}`)
		if _, err := col.Put(ctx, d); err != nil {
			t.Fatalf("update: %v", err)
		}

		if err := col.Remove(ctx, &Document{ID: "product_1", Rev: base}); !IsConflict(err) {
			t.Fatalf("expected conflict, got %v", err)
		}
		if err := col.Remove(ctx, d); err != nil {
			t.Fatalf("Remove: %v", err)
		}
		for i := 0; i < 3; i++ {
			if _, err := col.Get(ctx, "product_1"); !IsNotFound(err) {
				t.Fatalf("expected not found after remove, got %v", err)
			}
		}
		if err := col.Remove(ctx, d); !IsNotFound(err) {
			t.Fatalf("expected not found on second remove, got %v", err)
		}
	})
}

func TestCollection_EntityTypesArePartitioned(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		if _, err := s.Collection(EntityTypeCategory).Put(ctx, newDoc("shared", map[string]any{"name": "cat"})); err != nil {
			t.Fatalf("put category: %v", err)
		}
		if _, err := s.Collection(EntityTypeProduct).Put(ctx, newDoc("shared", map[string]any{"name": "prod"})); err != nil {
			t.Fatalf("same id in another entity type must not clash: %v", err)
		}
		docs, err := s.Collection(EntityTypeCategory).Query(ctx, Query{})
		if err != nil {
			t.Fatalf("Query: %v", err)
		}
		if len(docs) != 1 || docs[0].EntityType != EntityTypeCategory {
			t.Fatalf("query leaked across entity types: %+v", docs)
		}
	})
}

func TestCollection_QuerySelectorSortAndPaging(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		col := s.Collection(EntityTypeSale)
		base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

		statuses := []string{"pending", "synced", "pending", "failed", "pending"}
		for i, st := range statuses {
			d := newDoc(fmt.Sprintf("sale_%02d", i), map[string]any{
				"sync_status":  st,
				"cashier_id":   fmt.Sprintf("c%d", i%2),
				"total_amount": 10 - i,
			})
			d.CreatedAt = base.Add(time.Duration(i) * time.Minute)
			d.UpdatedAt = d.CreatedAt
			if _, err := col.Put(ctx, d); err != nil {
				t.Fatalf("Put %d: %v", i, err)
			}
		}

		pending, err := col.Query(ctx, Query{
			Selector: Selector{Fields: map[string]any{"sync_status": "pending"}},
			Sort:     Sort{Field: SortFieldCreatedAt, Desc: true},
		})
		if err != nil {
			t.Fatalf("Query: %v", err)
		}
		if got := ids(pending); fmt.Sprint(got) != "[sale_04 sale_02 sale_00]" {
			t.Fatalf("pending sales = %v", got)
		}

		byTotal, err := col.Query(ctx, Query{Sort: Sort{Field: "total_amount"}, Limit: 2, Skip: 1})
		if err != nil {
			t.Fatalf("Query by payload field: %v", err)
		}
		if got := ids(byTotal); fmt.Sprint(got) != "[sale_03 sale_02]" {
			t.Fatalf("sorted by total = %v", got)
		}

		since := base.Add(2 * time.Minute)
		recent, err := col.Query(ctx, Query{Selector: Selector{UpdatedSince: &since}})
		if err != nil {
			t.Fatalf("Query since: %v", err)
		}
		if got := ids(recent); fmt.Sprint(got) != "[sale_03 sale_04]" {
			t.Fatalf("updated since = %v", got)
		}

		numeric, err := col.Query(ctx, Query{Selector: Selector{Fields: map[string]any{"total_amount": 7, "cashier_id": "c1"}}})
		if err != nil {
			t.Fatalf("Query numeric: %v", err)
		}
		if got := ids(numeric); fmt.Sprint(got) != "[sale_03]" {
			t.Fatalf("numeric selector = %v", got)
		}

		if _, err := col.Query(ctx, Query{Sort: Sort{Field: "name; DROP TABLE documents"}}); KindOf(err) != KindInvalid {
			t.Fatalf("expected invalid sort field error, got %v", err)
		}
	})
}

func TestPurgePrefix_RemovesOnlyMatchingIds(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		col := s.Collection(EntityTypeProduct)
		for i := 0; i < 3; i++ {
			if _, err := col.Put(ctx, newDoc(fmt.Sprintf("test_product_%d", i), map[string]any{"name": "t"})); err != nil {
				t.Fatalf("Put: %v", err)
			}
		}
		if _, err := col.Put(ctx, newDoc("product_keep", map[string]any{"name": "keep"})); err != nil {
			t.Fatalf("Put: %v", err)
		}
		if _, err := col.Put(ctx, newDoc("TEST_PRODUCT_upper", map[string]any{"name": "keep"})); err != nil {
			t.Fatalf("Put: %v", err)
		}

		n, err := PurgePrefix(ctx, col, "test_product_")
		if err != nil {
			t.Fatalf("PurgePrefix: %v", err)
		}
		if n != 3 {
			t.Fatalf("removed %d, want 3", n)
		}
		left, _ := col.Query(ctx, Query{Selector: Selector{IDPrefix: "test_product_"}})
		if len(left) != 0 {
			t.Fatalf("prefix query should be empty, got %v", ids(left))
		}
		all, _ := col.Query(ctx, Query{})
		if len(all) != 2 {
			t.Fatalf("expected 2 remaining docs, got %v", ids(all))
		}
	})
}

func TestCollection_ConcurrentWritersFromSameRevision(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		col := s.Collection(EntityTypeCategory)
		d := newDoc("category_race", map[string]any{"name": "base"})
		base, err := col.Put(ctx, d)
		if err != nil {
			t.Fatalf("Put: %v", err)
		}

		const writers = 16
		var (
			wg        sync.WaitGroup
			mu        sync.Mutex
			ok        int
			conflicts int
		)
		for i := 0; i < writers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				w := &Document{ID: d.ID, Rev: base, Data: json.RawMessage(fmt.Sprintf(`{"name":"w%d"}`, i))}
				_, err := col.Put(ctx, w)
				mu.Lock()
				defer mu.Unlock()
				switch {
				case err == nil:
					ok++
				case IsConflict(err):
					conflicts++
				default:
					t.Errorf("writer %d: %v", i, err)
				}
			}(i)
		}
		wg.Wait()
		if ok != 1 || conflicts != writers-1 {
			t.Fatalf("expected exactly one winner, got ok=%d conflicts=%d", ok, conflicts)
		}
	})
}

func ids(docs []*Document) []string {
	out := make([]string, 0, len(docs))
	for _, d := range docs {
		out = append(out, d.ID)
	}
	return out
}
