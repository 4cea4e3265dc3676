package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func seedConflict(t *testing.T) (Collection, *Document, *Document) {
	t.Helper()
	ctx := context.Background()
	col := NewMemoryStore().Collection(EntityTypeCategory)

	t0 := time.Date(2026, 1, 1, 8, 0, 0, 0, time.UTC)
	base := &Document{ID: "category_1", Data: json.RawMessage(`{"name":"base"}`), CreatedAt: t0, UpdatedAt: t0}
	if _, err := col.Put(ctx, base); err != nil {
		t.Fatalf("Put base: %v", err)
	}
	baseRev := base.Rev

	stored := base.Clone()
	stored.Data = json.RawMessage(`{"name":"stored"}`)
	stored.UpdatedAt = t0.Add(2 * time.Minute)
	if _, err := col.Put(ctx, stored); err != nil {
		t.Fatalf("Put stored: %v", err)
	}

	candidate := base.Clone()
	candidate.Rev = baseRev
	candidate.Data = json.RawMessage(`{"name":"candidate"}`)
	return col, stored, candidate
}

func TestResolveConflicts_LatestPicksLaterUpdatedAt(t *testing.T) {
	ctx := context.Background()

	col, stored, candidate := seedConflict(t)
	candidate.UpdatedAt = stored.UpdatedAt.Add(time.Minute)
	res, err := ResolveConflicts(ctx, col, candidate.ID, candidate, StrategyLatest)
	if err != nil {
		t.Fatalf("ResolveConflicts: %v", err)
	}
	if res.Outcome != OutcomeCandidate || res.Winner.Rev != stored.Rev || string(res.Winner.Data) != `{"name":"candidate"}` {
		t.Fatalf("later candidate should win rebased on stored rev: %+v", res)
	}

	col, stored, candidate = seedConflict(t)
	candidate.UpdatedAt = stored.UpdatedAt.Add(-time.Minute)
	res, err = ResolveConflicts(ctx, col, candidate.ID, candidate, StrategyLatest)
	if err != nil {
		t.Fatalf("ResolveConflicts: %v", err)
	}
	if res.Outcome != OutcomeStored || res.Winner.Rev != stored.Rev {
		t.Fatalf("stored should win: %+v", res)
	}
}

func TestResolveConflicts_TieIsDeterministic(t *testing.T) {
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		col, stored, candidate := seedConflict(t)
		candidate.UpdatedAt = stored.UpdatedAt
		res, err := ResolveConflicts(ctx, col, candidate.ID, candidate, StrategyLatest)
		if err != nil {
			t.Fatalf("ResolveConflicts: %v", err)
		}
		if res.Outcome != OutcomeStored {
			t.Fatalf("tie must keep the stored version, got %s", res.Outcome)
		}
	}
}

func TestResolveConflicts_OtherStrategies(t *testing.T) {
	ctx := context.Background()

	col, _, candidate := seedConflict(t)
	res, err := ResolveConflicts(ctx, col, candidate.ID, candidate, StrategyLocal)
	if err != nil || res.Outcome != OutcomeCandidate {
		t.Fatalf("local: %+v %v", res, err)
	}

	res, err = ResolveConflicts(ctx, col, candidate.ID, candidate, StrategyRemote)
	if err != nil || res.Outcome != OutcomeStored {
		t.Fatalf("remote: %+v %v", res, err)
	}

	_, err = ResolveConflicts(ctx, col, candidate.ID, candidate, StrategyManual)
	if !IsConflict(err) || !errors.Is(err, ErrManualResolution) {
		t.Fatalf("manual: expected manual-resolution conflict, got %v", err)
	}

	if _, err := ResolveConflicts(ctx, col, candidate.ID, candidate, Strategy("coin-flip")); KindOf(err) != KindInvalid {
		t.Fatalf("unknown strategy: %v", err)
	}

	if _, err := ResolveConflicts(ctx, col, "category_missing", candidate, StrategyLatest); !IsNotFound(err) {
		t.Fatalf("missing doc: %v", err)
	}
}

func TestParseStrategy(t *testing.T) {
	cases := []struct {
		in   string
		want Strategy
		ok   bool
	}{
		{"", StrategyLatest, true},
		{"LATEST", StrategyLatest, true},
		{" remote ", StrategyRemote, true},
		{"manual", StrategyManual, true},
		{"newest", "", false},
	}
	for _, tc := range cases {
		got, err := ParseStrategy(tc.in)
		if (err == nil) != tc.ok || got != tc.want {
			t.Fatalf("ParseStrategy(%q) = %q, %v", tc.in, got, err)
		}
	}
}
