package offline

import (
	"context"
	"testing"
	"time"

	"github.com/mmdatafocus/retail_pos/docstore"
)

func TestCategoryModel_CreateThenFind(t *testing.T) {
	forEachStore(t, func(t *testing.T, s docstore.Store) {
		ctx := context.Background()
		m := NewCategoryModel(s.Collection(docstore.EntityTypeCategory), testOptions(baseTime, 1))

		created := mustSucceed(t, m.Create(ctx, &Category{Name: "  Drinks ", Description: "hot and cold"}))
		if created.ID == "" || created.Rev == "" {
			t.Fatalf("expected id and rev, got %+v", created.Meta)
		}
		if created.EntityType != docstore.EntityTypeCategory {
			t.Fatalf("entity type = %s", created.EntityType)
		}
		if created.IsActive == nil || !*created.IsActive {
			t.Fatalf("is_active should default to true")
		}

		got := mustSucceed(t, m.FindByID(ctx, created.ID))
		if got.Name != "Drinks" || got.Description != "hot and cold" {
			t.Fatalf("unexpected payload: %+v", got)
		}
		if got.Rev != created.Rev || !got.CreatedAt.Equal(created.CreatedAt) || !got.UpdatedAt.Equal(created.UpdatedAt) {
			t.Fatalf("meta mismatch: created %+v, found %+v", created.Meta, got.Meta)
		}

		byName := m.FindByName(ctx, "Drinks")
		if !byName.Success || len(byName.Entities) != 1 || byName.Entities[0].ID != created.ID {
			t.Fatalf("FindByName = %+v", byName)
		}
	})
}

func TestCategoryModel_Validation(t *testing.T) {
	ctx := context.Background()
	m := NewCategoryModel(docstore.NewMemoryStore().Collection(docstore.EntityTypeCategory), testOptions(baseTime, 1))

	long := make([]byte, 101)
	for i := range long {
		long[i] = 'x'
	}
	cases := []struct {
		name  string
		input *Category
	}{
		{name: "nil", input: nil},
		{name: "missing name", input: &Category{Name: "   "}},
		{name: "name too long", input: &Category{Name: string(long)}},
		{name: "own parent", input: &Category{Meta: Meta{ID: "category_x"}, Name: "x", ParentCategoryId: strPtr("category_x")}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			mustFail(t, m.Create(ctx, tc.input), docstore.KindInvalid)
		})
	}
}

func TestCategoryModel_CreateChecksClientID(t *testing.T) {
	ctx := context.Background()
	m := NewCategoryModel(docstore.NewMemoryStore().Collection(docstore.EntityTypeCategory), testOptions(baseTime, 1))

	for _, id := range []string{"sale_1", "1234", "category_", "categoryx", "category"} {
		mustFail(t, m.Create(ctx, &Category{Meta: Meta{ID: id}, Name: "Bad id"}), docstore.KindInvalid)
	}

	got := mustSucceed(t, m.Create(ctx, &Category{Meta: Meta{ID: "category_till1"}, Name: "Snacks"}))
	if got.ID != "category_till1" {
		t.Fatalf("client id not kept: %q", got.ID)
	}
	if res := m.Create(ctx, &Category{Meta: Meta{ID: "category_till1"}, Name: "Again"}); res.Success {
		t.Fatalf("duplicate client id should not overwrite: %+v", res)
	}
	if res := m.FindAll(ctx, ListOptions{}); !res.Success || len(res.Entities) != 1 || res.Entities[0].Name != "Snacks" {
		t.Fatalf("unexpected categories: %+v", res)
	}
}

func TestCategoryModel_FindAllSortedByName(t *testing.T) {
	forEachStore(t, func(t *testing.T, s docstore.Store) {
		ctx := context.Background()
		m := NewCategoryModel(s.Collection(docstore.EntityTypeCategory), testOptions(baseTime, 1))
		for _, n := range []string{"Snacks", "Bakery", "Drinks"} {
			mustSucceed(t, m.Create(ctx, &Category{Name: n}))
		}

		all := m.FindAll(ctx, ListOptions{})
		if !all.Success || len(all.Entities) != 3 {
			t.Fatalf("FindAll = %+v", all)
		}
		want := []string{"Bakery", "Drinks", "Snacks"}
		for i, c := range all.Entities {
			if c.Name != want[i] {
				t.Fatalf("position %d: got %s want %s", i, c.Name, want[i])
			}
		}

		page := m.FindAll(ctx, ListOptions{Limit: 1, Skip: 1})
		if !page.Success || len(page.Entities) != 1 || page.Entities[0].Name != "Drinks" {
			t.Fatalf("paged FindAll = %+v", page)
		}
	})
}

func TestCategoryModel_UpdateKeepsMeta(t *testing.T) {
	ctx := context.Background()
	conv := pinnedConventions(baseTime)
	m := NewCategoryModel(docstore.NewMemoryStore().Collection(docstore.EntityTypeCategory), Options{Conventions: conv, MaxConflictRetries: 1})

	created := mustSucceed(t, m.Create(ctx, &Category{Name: "Drinks"}))
	conv.Now = func() time.Time { return baseTime.Add(time.Minute) }

	updated := mustSucceed(t, m.Update(ctx, created.ID, map[string]any{
		"name":       "Beverages",
		"id":         "category_hijack",
		"created_at": "2001-01-01T00:00:00Z",
	}))
	if updated.ID != created.ID {
		t.Fatalf("id changed to %s", updated.ID)
	}
	if updated.Name != "Beverages" {
		t.Fatalf("name = %s", updated.Name)
	}
	if !updated.CreatedAt.Equal(created.CreatedAt) {
		t.Fatalf("created_at moved from %v to %v", created.CreatedAt, updated.CreatedAt)
	}
	if !updated.UpdatedAt.After(created.UpdatedAt) {
		t.Fatalf("updated_at did not advance: %v -> %v", created.UpdatedAt, updated.UpdatedAt)
	}
	if docstore.RevGeneration(updated.Rev) != docstore.RevGeneration(created.Rev)+1 {
		t.Fatalf("rev %s should follow %s", updated.Rev, created.Rev)
	}

	mustFail(t, m.Update(ctx, created.ID, map[string]any{"name": ""}), docstore.KindInvalid)
	mustFail(t, m.Update(ctx, "category_missing", map[string]any{"name": "x"}), docstore.KindNotFound)
}

func TestCategoryModel_DeleteIsFinal(t *testing.T) {
	forEachStore(t, func(t *testing.T, s docstore.Store) {
		ctx := context.Background()
		m := NewCategoryModel(s.Collection(docstore.EntityTypeCategory), testOptions(baseTime, 1))
		created := mustSucceed(t, m.Create(ctx, &Category{Name: "Seasonal"}))

		deleted := mustSucceed(t, m.Delete(ctx, created.ID))
		if deleted.ID != created.ID {
			t.Fatalf("deleted %s, want %s", deleted.ID, created.ID)
		}
		for i := 0; i < 3; i++ {
			mustFail(t, m.FindByID(ctx, created.ID), docstore.KindNotFound)
		}
		mustFail(t, m.Delete(ctx, created.ID), docstore.KindNotFound)
	})
}

// Two updates race from the same base revision; the one stamped later must be what stays.
func TestCategoryModel_ConcurrentUpdatesLatestWins(t *testing.T) {
	cases := []struct {
		name      string
		firstAt   time.Time
		secondAt  time.Time
		wantName  string
		firstWins bool
	}{
		{name: "racing writer is later", firstAt: baseTime.Add(1 * time.Second), secondAt: baseTime.Add(2 * time.Second), wantName: "second", firstWins: false},
		{name: "racing writer is earlier", firstAt: baseTime.Add(5 * time.Second), secondAt: baseTime.Add(2 * time.Second), wantName: "first", firstWins: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			forEachStore(t, func(t *testing.T, s docstore.Store) {
				ctx := context.Background()
				col := s.Collection(docstore.EntityTypeCategory)
				base := mustSucceed(t, NewCategoryModel(col, testOptions(baseTime, 1)).Create(ctx, &Category{Name: "base"}))

				second := NewCategoryModel(col, testOptions(tc.secondAt, 1))
				racing := &racingCollection{Collection: col}
				racing.before = func() {
					mustSucceed(t, second.Update(ctx, base.ID, map[string]any{"name": "second"}))
				}
				first := NewCategoryModel(racing, testOptions(tc.firstAt, 1))

				res := first.Update(ctx, base.ID, map[string]any{"name": "first"})
				if tc.firstWins {
					mustSucceed(t, res)
				} else {
					mustFail(t, res, docstore.KindConflict)
				}

				final := mustSucceed(t, second.FindByID(ctx, base.ID))
				if final.Name != tc.wantName {
					t.Fatalf("final name = %s, want %s", final.Name, tc.wantName)
				}
				if docstore.RevGeneration(final.Rev) < 3 && tc.firstWins {
					t.Fatalf("winning retry should sit on top of the racing write, rev %s", final.Rev)
				}
			})
		})
	}
}

func TestCategoryModel_RetryBound(t *testing.T) {
	ctx := context.Background()
	col := docstore.NewMemoryStore().Collection(docstore.EntityTypeCategory)
	base := mustSucceed(t, NewCategoryModel(col, testOptions(baseTime, 1)).Create(ctx, &Category{Name: "base"}))

	other := NewCategoryModel(col, testOptions(baseTime.Add(time.Second), 0))
	racing := &racingCollection{Collection: col}
	racing.before = func() {
		mustSucceed(t, other.Update(ctx, base.ID, map[string]any{"name": "other"}))
	}
	noRetry := NewCategoryModel(racing, testOptions(baseTime.Add(time.Minute), 0))

	mustFail(t, noRetry.Update(ctx, base.ID, map[string]any{"name": "mine"}), docstore.KindConflict)
	final := mustSucceed(t, other.FindByID(ctx, base.ID))
	if final.Name != "other" {
		t.Fatalf("with no retries the racing write must stand, got %s", final.Name)
	}
}

func TestCategoryModel_ManualStrategySurfacesConflict(t *testing.T) {
	ctx := context.Background()
	col := docstore.NewMemoryStore().Collection(docstore.EntityTypeCategory)
	base := mustSucceed(t, NewCategoryModel(col, testOptions(baseTime, 1)).Create(ctx, &Category{Name: "base"}))

	other := NewCategoryModel(col, testOptions(baseTime.Add(time.Second), 1))
	racing := &racingCollection{Collection: col}
	racing.before = func() {
		mustSucceed(t, other.Update(ctx, base.ID, map[string]any{"name": "other"}))
	}
	opts := testOptions(baseTime.Add(time.Minute), 3)
	opts.Strategy = docstore.StrategyManual
	manual := NewCategoryModel(racing, opts)

	mustFail(t, manual.Update(ctx, base.ID, map[string]any{"name": "mine"}), docstore.KindConflict)
}

func strPtr(s string) *string { return &s }
