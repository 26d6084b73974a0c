package runstate

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrInconsistent marks a ledger whose recorded states are not backed by
// artifacts on disk. Surfaced to the operator; never repaired automatically.
var ErrInconsistent = errors.New("run state inconsistent with artifacts")

// ArtifactChecker answers whether a stage's artifacts exist for a document.
// Satisfied by artifact.Store.
type ArtifactChecker interface {
	HasStage(id, stage string) bool
}

// Inconsistency is one document whose recorded state lacks its artifacts.
type Inconsistency struct {
	DocID        string
	State        State
	MissingStage State
}

func (i Inconsistency) String() string {
	return fmt.Sprintf("%s: ledger says %s but %s artifacts are missing", i.DocID, i.State, i.MissingStage)
}

// stagesImplied lists the artifact-producing stages a state vouches for.
func stagesImplied(s State) []State {
	switch s {
	case Stage1Done:
		return []State{Stage1Done}
	case Stage2Done:
		return []State{Stage1Done, Stage2Done}
	case Normalized, Complete:
		return []State{Stage1Done, Stage2Done, Normalized}
	default:
		return nil
	}
}

// CheckConsistency verifies that every non-failed recorded state has its
// artifacts on disk. On any mismatch it returns the full list wrapped in
// ErrInconsistent so the operator can decide between restart and repair.
func (l *Ledger) CheckConsistency(ctx context.Context, artifacts ArtifactChecker) ([]Inconsistency, error) {
	snap, err := l.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	var bad []Inconsistency
	for docID, e := range snap {
		for _, stage := range stagesImplied(e.State) {
			if !artifacts.HasStage(docID, string(stage)) {
				bad = append(bad, Inconsistency{DocID: docID, State: e.State, MissingStage: stage})
			}
		}
	}
	if len(bad) == 0 {
		return nil, nil
	}
	sort.Slice(bad, func(i, j int) bool {
		if bad[i].DocID != bad[j].DocID {
			return bad[i].DocID < bad[j].DocID
		}
		return stateRank[bad[i].MissingStage] < stateRank[bad[j].MissingStage]
	})
	msgs := make([]string, len(bad))
	for i, b := range bad {
		msgs[i] = b.String()
	}
	return bad, fmt.Errorf("%w: %s", ErrInconsistent, strings.Join(msgs, "; "))
}
