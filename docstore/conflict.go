package docstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

type Strategy string

const (
	// StrategyLatest keeps whichever version has the later UpdatedAt.
	StrategyLatest Strategy = "latest"
	// StrategyLocal always keeps the candidate being written.
	StrategyLocal Strategy = "local"
	// StrategyRemote always keeps what is already stored.
	StrategyRemote Strategy = "remote"
	// StrategyManual refuses to pick; the caller merges by hand.
	StrategyManual Strategy = "manual"
)

func ParseStrategy(s string) (Strategy, error) {
	switch st := Strategy(strings.ToLower(strings.TrimSpace(s))); st {
	case StrategyLatest, StrategyLocal, StrategyRemote, StrategyManual:
		return st, nil
	case "":
		return StrategyLatest, nil
	}
	return "", newError(KindInvalid, "resolve", "", "", fmt.Errorf("unknown conflict strategy %q", s))
}

type Outcome string

const (
	// OutcomeCandidate: re-apply the candidate on top of Winner's revision.
	OutcomeCandidate Outcome = "candidate"
	// OutcomeStored: the stored version stands and the candidate is dropped.
	OutcomeStored Outcome = "stored"
)

type Resolution struct {
	Outcome Outcome
	// Stored is the current stored version, the base any retry must carry.
	Stored *Document
	// Winner is the version that should end up stored. For OutcomeCandidate it is
	// the candidate rebased onto Stored.Rev.
	Winner *Document
}

var ErrManualResolution = errors.New("conflict requires manual resolution")

// ResolveConflicts settles a concurrent-modification conflict on id between candidate
// and what the collection holds now. The result only depends on the two versions and
// the strategy.
func ResolveConflicts(ctx context.Context, col Collection, id string, candidate *Document, strategy Strategy) (*Resolution, error) {
	if candidate == nil {
		return nil, newError(KindInvalid, "resolve", col.EntityType(), id, errors.New("nil candidate"))
	}
	stored, err := col.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	var keepCandidate bool
	switch strategy {
	case StrategyLatest, "":
		keepCandidate = candidateIsLater(candidate, stored)
	case StrategyLocal:
		keepCandidate = true
	case StrategyRemote:
		keepCandidate = false
	case StrategyManual:
		return nil, newError(KindConflict, "resolve", col.EntityType(), id, ErrManualResolution)
	default:
		return nil, newError(KindInvalid, "resolve", col.EntityType(), id, fmt.Errorf("unknown conflict strategy %q", strategy))
	}

	if !keepCandidate {
		return &Resolution{Outcome: OutcomeStored, Stored: stored, Winner: stored}, nil
	}
	winner := candidate.Clone()
	winner.Rev = stored.Rev
	winner.CreatedAt = stored.CreatedAt
	return &Resolution{Outcome: OutcomeCandidate, Stored: stored, Winner: winner}, nil
}

// candidateIsLater breaks UpdatedAt ties by revision generation, then revision text,
// and finally in favour of the stored version.
func candidateIsLater(candidate, stored *Document) bool {
	if !candidate.UpdatedAt.Equal(stored.UpdatedAt) {
		return candidate.UpdatedAt.After(stored.UpdatedAt)
	}
	cg, sg := RevGeneration(candidate.Rev), RevGeneration(stored.Rev)
	if cg != sg {
		return cg > sg
	}
	return candidate.Rev > stored.Rev
}
