// Package ontology defines the closed nine-cluster, four-timestamp ontology
// that every extracted fact must conform to.
//
// The ontology is fixed: clusters and timestamps are enumerations with
// per-variant metadata (category, canonical keyword set, value domain).
// Nothing downstream compares raw strings against literals; it asks this
// package instead.
package ontology

import "strings"

// Cluster is one of the nine fixed domain categories partitioning keywords.
type Cluster string

const (
	Demographics Cluster = "DEMOGRAPHICS"
	Vitals       Cluster = "VITALS"
	Labs         Cluster = "LABS"
	Problems     Cluster = "PROBLEMS"
	Symptoms     Cluster = "SYMPTOMS"
	Medications  Cluster = "MEDICATIONS"
	Procedures   Cluster = "PROCEDURES"
	Utilization  Cluster = "UTILIZATION"
	Disposition  Cluster = "DISPOSITION"
)

// Clusters lists all nine clusters in canonical rendering order.
var Clusters = []Cluster{
	Demographics, Vitals, Labs, Problems, Symptoms,
	Medications, Procedures, Utilization, Disposition,
}

// Category partitions clusters by their dedup and value-domain policy.
type Category int

const (
	// Objective clusters hold numeric-only values and allow at most one
	// fact per (cluster, keyword).
	Objective Category = iota
	// Integral clusters hold categorical or boolean values drawn from
	// per-keyword allowlists and allow at most one fact per (cluster, keyword).
	Integral
	// Semantic clusters allow an open keyword vocabulary and multiple
	// distinct facts per keyword; only exact duplicates are dropped.
	Semantic
)

var clusterCategory = map[Cluster]Category{
	Demographics: Integral,
	Vitals:       Objective,
	Labs:         Objective,
	Problems:     Semantic,
	Symptoms:     Semantic,
	Medications:  Integral,
	Procedures:   Integral,
	Utilization:  Objective,
	Disposition:  Integral,
}

// CategoryOf returns the dedup/value category for a cluster.
func (c Cluster) CategoryOf() Category { return clusterCategory[c] }

// UniquePerKeyword reports whether the cluster admits at most one fact per
// (cluster, keyword) pair.
func (c Cluster) UniquePerKeyword() bool { return clusterCategory[c] != Semantic }

// ParseCluster maps a raw cluster token to a Cluster. Markdown decorations
// and case drift are tolerated; anything outside the nine-member set fails.
func ParseCluster(s string) (Cluster, bool) {
	t := strings.ToUpper(strings.TrimSpace(strings.Trim(strings.TrimSpace(s), "*<>")))
	c := Cluster(t)
	_, ok := clusterCategory[c]
	return c, ok
}

// Timestamp is one of the four fixed temporal symbols.
type Timestamp string

const (
	Past      Timestamp = "Past"
	Admission Timestamp = "Admission"
	Discharge Timestamp = "Discharge"
	Unknown   Timestamp = "Unknown"
)

// Timestamps lists the four timestamp symbols.
var Timestamps = []Timestamp{Past, Admission, Discharge, Unknown}

// NormalizeTimestamp coerces a raw timestamp token to one of the four
// symbols. Common shorthands map to their canonical symbol; everything else
// maps to Unknown. Timestamp looseness is tolerated, value looseness is not.
func NormalizeTimestamp(s string) Timestamp {
	t := strings.TrimSpace(s)
	switch Timestamp(t) {
	case Past, Admission, Discharge, Unknown:
		return Timestamp(t)
	}
	switch strings.ToLower(t) {
	case "adm":
		return Admission
	case "dc":
		return Discharge
	}
	return Unknown
}

// ValidTimestamp reports whether s is exactly one of the four symbols.
func ValidTimestamp(s string) bool {
	switch Timestamp(s) {
	case Past, Admission, Discharge, Unknown:
		return true
	}
	return false
}
