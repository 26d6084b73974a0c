package normalize

import (
	"testing"

	"github.com/hurttlocker/clinfact/internal/ontology"
)

func TestDedupe_ObjectiveKeepFirst(t *testing.T) {
	in := []Fact{
		{ontology.Vitals, "Heart Rate", "92", ontology.Admission},
		{ontology.Vitals, "Heart Rate", "95", ontology.Admission},
		{ontology.Vitals, "Heart Rate", "88", ontology.Discharge},
		{ontology.Labs, "Creatinine", "1.2", ontology.Admission},
	}
	set, dropped := Dedupe(in)
	if dropped != 2 {
		t.Errorf("dropped = %d, want 2", dropped)
	}
	if len(set.Facts) != 2 {
		t.Fatalf("kept %d facts, want 2", len(set.Facts))
	}
	for _, f := range set.Facts {
		if f.Keyword == "Heart Rate" && f.Value != "92" {
			t.Errorf("keep-first violated: Heart Rate = %q, want 92", f.Value)
		}
	}
}

func TestDedupe_AtMostOnePerKeywordInvariant(t *testing.T) {
	in := []Fact{
		{ontology.Medications, "Anticoagulation", "yes", ontology.Admission},
		{ontology.Medications, "Anticoagulation", "no", ontology.Discharge},
		{ontology.Disposition, "Mental Status", "alert", ontology.Discharge},
		{ontology.Disposition, "Mental Status", "confused", ontology.Admission},
	}
	set, _ := Dedupe(in)
	counts := map[string]int{}
	for _, f := range set.Facts {
		if !f.Cluster.UniquePerKeyword() {
			continue
		}
		key := string(f.Cluster) + "/" + f.Keyword
		counts[key]++
		if counts[key] > 1 {
			t.Errorf("more than one fact for %s", key)
		}
	}
}

func TestDedupe_SemanticExactOnly(t *testing.T) {
	in := []Fact{
		{ontology.Problems, "Hypertension", "chronic", ontology.Past},
		{ontology.Problems, "Hypertension", "chronic", ontology.Past}, // exact dup
		{ontology.Problems, "Hypertension", "acute", ontology.Discharge},
		{ontology.Symptoms, "Chest Pain", "yes", ontology.Admission},
		{ontology.Symptoms, "Chest Pain", "no", ontology.Discharge},
	}
	set, dropped := Dedupe(in)
	if dropped != 1 {
		t.Errorf("dropped = %d, want 1", dropped)
	}
	if len(set.Facts) != 4 {
		t.Errorf("kept %d facts, want 4 (distinct semantic facts survive)", len(set.Facts))
	}
}

func TestDedupe_DeterministicSerialization(t *testing.T) {
	in := []Fact{
		{ontology.Labs, "Sodium", "139", ontology.Admission},
		{ontology.Demographics, "Age", "71", ontology.Admission},
		{ontology.Vitals, "Heart Rate", "92", ontology.Admission},
	}
	a, _ := Dedupe(in)
	b, _ := Dedupe(in)
	if a.Serialize() != b.Serialize() {
		t.Error("serialization not deterministic")
	}
	want := "DEMOGRAPHICS|Age|71|Admission\nLABS|Sodium|139|Admission\nVITALS|Heart Rate|92|Admission\n"
	if got := a.Serialize(); got != want {
		t.Errorf("serialization = %q, want %q", got, want)
	}
}

func TestFactSetDiff(t *testing.T) {
	a := FactSet{Facts: []Fact{
		{ontology.Vitals, "Heart Rate", "92", ontology.Admission},
		{ontology.Labs, "Sodium", "139", ontology.Admission},
	}}
	b := FactSet{Facts: []Fact{
		{ontology.Vitals, "Heart Rate", "92", ontology.Admission},
	}}
	onlyA := a.Diff(b)
	if len(onlyA) != 1 || onlyA[0] != "LABS|Sodium|139|Admission" {
		t.Errorf("Diff = %v", onlyA)
	}
	if extra := b.Diff(a); len(extra) != 0 {
		t.Errorf("reverse diff should be empty, got %v", extra)
	}
}
