package normalize

import (
	"sort"

	"github.com/hurttlocker/clinfact/internal/factline"
	"github.com/hurttlocker/clinfact/internal/ontology"
)

// GateConfig controls the pass/fail verdict over a document's report.
type GateConfig struct {
	// MinValidity is the minimum format validity score. 0 disables the check.
	MinValidity float64 `yaml:"min_validity" json:"min_validity"`
	// RequiredClusters must each be present with at least one kept fact.
	RequiredClusters []ontology.Cluster `yaml:"required_clusters" json:"required_clusters"`
}

// DefaultGateConfig mirrors the thresholds the two-stage gate check used.
func DefaultGateConfig() GateConfig {
	return GateConfig{
		MinValidity:      0.60,
		RequiredClusters: []ontology.Cluster{ontology.Demographics, ontology.Vitals},
	}
}

// Report aggregates parse/normalize outcomes for one document.
type Report struct {
	LinesSeen           int                 `json:"lines_seen"`
	NonBlankLines       int                 `json:"non_blank_lines"`
	WrapperLines        int                 `json:"wrapper_lines,omitempty"`
	Candidates          int                 `json:"candidates"`
	GrammarRejections   int                 `json:"grammar_rejections"`
	RecoveredDriftLines int                 `json:"recovered_drift_lines"`
	RejectionsByCause   map[RejectCause]int `json:"rejections_by_cause,omitempty"`
	DuplicatesDropped   int                 `json:"duplicates_dropped"`
	FactsKept           int                 `json:"facts_kept"`
	ClusterCounts       map[string]int      `json:"cluster_counts,omitempty"`
	ValidityScore       float64             `json:"validity_score"`
	Pass                bool                `json:"pass"`
	FailureCauses       []string            `json:"failure_causes,omitempty"`
}

// Run executes the full pure pipeline over one raw second-stage response:
// parse, normalize, dedupe, gate. Re-running on unchanged input yields a
// byte-identical fact set and report.
func Run(raw string, cfg GateConfig) (FactSet, Report) {
	parsed := factline.Parse(raw)

	rejections := make(map[RejectCause]int)
	var normalized []Fact
	for _, c := range parsed.Facts {
		facts, cause := Normalize(c)
		if cause != Accepted {
			rejections[cause]++
			continue
		}
		normalized = append(normalized, facts...)
	}

	set, dropped := Dedupe(normalized)
	report := buildReport(parsed, rejections, set, dropped, cfg)
	return set, report
}

func buildReport(parsed factline.Result, rejections map[RejectCause]int, set FactSet, dropped int, cfg GateConfig) Report {
	r := Report{
		LinesSeen:           parsed.LinesSeen,
		NonBlankLines:       parsed.NonBlank,
		WrapperLines:        parsed.Wrapper,
		Candidates:          len(parsed.Facts),
		GrammarRejections:   parsed.Rejected,
		RecoveredDriftLines: parsed.Recovered,
		DuplicatesDropped:   dropped,
		FactsKept:           len(set.Facts),
	}
	if len(rejections) > 0 {
		r.RejectionsByCause = rejections
	}

	counts := make(map[string]int)
	for _, f := range set.Facts {
		counts[string(f.Cluster)]++
	}
	if len(counts) > 0 {
		r.ClusterCounts = counts
	}

	// Format validity: kept facts over non-blank raw lines. Recognized
	// wrapper lines (the response protocol mandates the END terminator) and
	// duplicate drops are not format defects, so both are excluded from the
	// denominator.
	denom := parsed.NonBlank - parsed.Wrapper - dropped
	if denom > 0 {
		r.ValidityScore = clamp01(float64(len(set.Facts)) / float64(denom))
	}

	r.Pass = true
	if cfg.MinValidity > 0 && r.ValidityScore < cfg.MinValidity {
		r.Pass = false
		r.FailureCauses = append(r.FailureCauses, "validity_below_threshold")
	}
	for _, c := range cfg.RequiredClusters {
		if counts[string(c)] == 0 {
			r.Pass = false
			r.FailureCauses = append(r.FailureCauses, "missing_cluster:"+string(c))
		}
	}
	return r
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// BatchReport aggregates document reports across a batch.
type BatchReport struct {
	Documents     int      `json:"documents"`
	Passed        int      `json:"passed"`
	Flagged       int      `json:"flagged"`
	MeanValidity  float64  `json:"mean_validity"`
	FailureCauses []string `json:"failure_causes,omitempty"`
}

// Aggregate folds per-document reports into the batch view: arithmetic mean
// of validity scores plus the union of observed failure causes.
func Aggregate(reports []Report) BatchReport {
	out := BatchReport{Documents: len(reports)}
	if len(reports) == 0 {
		return out
	}
	causes := make(map[string]struct{})
	sum := 0.0
	for _, r := range reports {
		sum += r.ValidityScore
		if r.Pass {
			out.Passed++
		} else {
			out.Flagged++
		}
		for _, c := range r.FailureCauses {
			causes[c] = struct{}{}
		}
	}
	out.MeanValidity = sum / float64(len(reports))
	for c := range causes {
		out.FailureCauses = append(out.FailureCauses, c)
	}
	sort.Strings(out.FailureCauses)
	return out
}
