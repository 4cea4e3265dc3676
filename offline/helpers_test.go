package offline

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/mmdatafocus/retail_pos/docstore"
	_ "modernc.org/sqlite"
)

var baseTime = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func pinnedConventions(at time.Time) *docstore.Conventions {
	c := docstore.NewConventions()
	c.Now = func() time.Time { return at }
	return c
}

func testOptions(at time.Time, retries int) Options {
	return Options{
		Conventions:        pinnedConventions(at),
		Strategy:           docstore.StrategyLatest,
		MaxConflictRetries: retries,
	}
}

func forEachStore(t *testing.T, fn func(t *testing.T, s docstore.Store)) {
	t.Run("memory", func(t *testing.T) {
		fn(t, docstore.NewMemoryStore())
	})
	t.Run("sqlite", func(t *testing.T) {
		db, err := sqlx.Connect("sqlite", ":memory:")
		if err != nil {
			t.Fatalf("open sqlite: %v", err)
		}
		db.SetMaxOpenConns(1)
		s, err := docstore.NewSQLStore(context.Background(), db)
		if err != nil {
			t.Fatalf("NewSQLStore: %v", err)
		}
		t.Cleanup(func() { _ = s.Close() })
		fn(t, s)
	})
}

// racingCollection runs before() once, right ahead of the first Put, to land a
// concurrent write between a model's read and its write.
type racingCollection struct {
	docstore.Collection
	once   sync.Once
	before func()
}

func (r *racingCollection) Put(ctx context.Context, doc *docstore.Document) (string, error) {
	r.once.Do(r.before)
	return r.Collection.Put(ctx, doc)
}

func mustSucceed[T any](t *testing.T, res Result[T]) *T {
	t.Helper()
	if !res.Success {
		t.Fatalf("expected success, got %s: %s", res.Kind, res.Error)
	}
	if res.Entity == nil {
		t.Fatalf("expected entity on success")
	}
	return res.Entity
}

func mustFail[T any](t *testing.T, res Result[T], kind docstore.Kind) {
	t.Helper()
	if res.Success {
		t.Fatalf("expected failure of kind %s, got success", kind)
	}
	if res.Kind != kind {
		t.Fatalf("expected kind %s, got %s (%s)", kind, res.Kind, res.Error)
	}
}
