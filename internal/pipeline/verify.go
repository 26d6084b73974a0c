package pipeline

import (
	"context"
	"fmt"

	"github.com/hurttlocker/clinfact/internal/artifact"
	"github.com/hurttlocker/clinfact/internal/normalize"
)

// VerifyResult is the outcome of one A/B second-stage comparison.
type VerifyResult struct {
	DocID      string   `json:"doc_id"`
	Consistent bool     `json:"consistent"`
	FactsA     int      `json:"facts_a"`
	FactsB     int      `json:"facts_b"`
	OnlyA      []string `json:"only_a,omitempty"`
	OnlyB      []string `json:"only_b,omitempty"`
}

// VerifyDoc replays the second stage of one document against two backend
// configurations and asserts that the normalized fact sets are identical.
// Identity is checked on the serialized bytes; any divergence is reported as
// a structural diff, never papered over. Requires an existing stage1
// artifact; raw responses from either side are not persisted.
func VerifyDoc(ctx context.Context, a, b Backend, store *artifact.Store, docID string, gate normalize.GateConfig) (VerifyResult, error) {
	res := VerifyResult{DocID: docID}
	if !store.HasStage(docID, "stage1_done") {
		return res, fmt.Errorf("doc %s: stage1 artifacts missing; run the batch first", docID)
	}
	md, err := store.Read(docID, artifact.Stage1MD)
	if err != nil {
		return res, err
	}

	rawA, err := a.Chat(ctx, stage2System, stage2UserPrefix+string(md))
	if err != nil {
		return res, fmt.Errorf("backend A: %w", err)
	}
	rawB, err := b.Chat(ctx, stage2System, stage2UserPrefix+string(md))
	if err != nil {
		return res, fmt.Errorf("backend B: %w", err)
	}

	setA, _ := normalize.Run(rawA, gate)
	setB, _ := normalize.Run(rawB, gate)
	res.FactsA = len(setA.Facts)
	res.FactsB = len(setB.Facts)
	res.Consistent = setA.Serialize() == setB.Serialize()
	if !res.Consistent {
		res.OnlyA = setA.Diff(setB)
		res.OnlyB = setB.Diff(setA)
	}
	return res, nil
}
