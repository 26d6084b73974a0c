// Package normalize turns candidate fact lines into the deduplicated,
// ontology-conformant fact set for one document, and computes the quality
// gate over the outcome.
//
// Everything here is a pure function of its input and the static ontology
// metadata; no state, no side effects.
package normalize

import (
	"regexp"
	"strings"

	"github.com/hurttlocker/clinfact/internal/factline"
	"github.com/hurttlocker/clinfact/internal/ontology"
)

// Fact is a candidate fact after cluster-specific coercion. Its value
// satisfies the cluster's declared domain and its timestamp is one of the
// four symbols.
type Fact struct {
	Cluster   ontology.Cluster   `json:"cluster"`
	Keyword   string             `json:"keyword"`
	Value     string             `json:"value"`
	Timestamp ontology.Timestamp `json:"timestamp"`
}

// Line renders the fact in wire form.
func (f Fact) Line() string {
	return string(f.Cluster) + "|" + f.Keyword + "|" + f.Value + "|" + string(f.Timestamp)
}

// RejectCause tags why a candidate fact was rejected during normalization.
type RejectCause string

const (
	// Accepted is the zero value: the fact was not rejected.
	Accepted RejectCause = ""
	// UnrecoverableNumeric: an objective value with no numeric token.
	UnrecoverableNumeric RejectCause = "unrecoverable_numeric"
	// DisallowedValue: a categorical value outside its keyword allowlist.
	DisallowedValue RejectCause = "disallowed_value"
	// NonCanonicalKeyword: a keyword outside a strict cluster's set.
	NonCanonicalKeyword RejectCause = "non_canonical_keyword"
	// Placeholder: values like "not stated" or "___" that are not facts.
	Placeholder RejectCause = "placeholder"
)

var (
	firstNumberRE = regexp.MustCompile(`-?\d+(?:\.\d+)?`)
	numericOnlyRE = regexp.MustCompile(`^-?\d+(?:\.\d+)?$`)
	bpPairRE      = regexp.MustCompile(`(-?\d+(?:\.\d+)?)\s*/\s*(-?\d+(?:\.\d+)?)`)
)

// Placeholder markers, matched case-sensitively. Lowercase "none" is not a
// placeholder: semantic clusters coerce it ("no" / "not exist").
var placeholderValues = map[string]struct{}{
	"not stated": {}, "N/A": {}, "NA": {}, "null": {}, "None": {},
	"___": {}, "__": {}, "_": {}, "...": {},
}

func firstNumber(s string) (string, bool) {
	m := firstNumberRE.FindString(s)
	return m, m != ""
}

var sexValues = map[string]string{
	"m": "male", "male": "male",
	"f": "female", "female": "female",
}

var yesValues = map[string]struct{}{
	"yes": {}, "y": {}, "true": {}, "1": {}, "1.0": {},
	"performed": {}, "done": {}, "started": {}, "present": {}, "active": {}, "positive": {},
}

var noValues = map[string]struct{}{
	"no": {}, "n": {}, "false": {}, "0": {}, "0.0": {},
	"absent": {}, "negative": {}, "not performed": {}, "cancelled": {},
}

var problemValues = map[string]string{
	"chronic": "chronic", "acute": "acute", "exist": "exist", "not exist": "not exist",
	"past": "chronic", "history": "chronic", "historical": "chronic",
	"pmh": "chronic", "chronic condition": "chronic", "chronic disease": "chronic",
	"discharge": "acute", "discharged": "acute", "active": "acute", "current": "acute",
	"present": "exist", "yes": "exist", "true": "exist", "1": "exist",
	"positive": "exist", "confirmed": "exist", "exists": "exist",
	"no": "not exist", "none": "not exist", "false": "not exist", "0": "not exist",
	"absent": "not exist", "negative": "not exist", "not present": "not exist",
	"ruled out": "not exist",
}

var symptomValues = map[string]string{
	"yes": "yes", "no": "no", "severe": "severe",
	"present": "yes", "positive": "yes", "true": "yes", "1": "yes",
	"y": "yes", "symptomatic": "yes",
	"none": "no", "absent": "no", "negative": "no", "false": "no",
	"0": "no", "n": "no", "denied": "no", "denies": "no",
	"marked": "severe", "significant": "severe",
}

var dispositionValues = []struct {
	match string // substring of the lowercased value
	out   string
}{
	{"home with", "Home with Services"},
	{"home w/", "Home with Services"},
	{"services", "Home with Services"},
	{"snf", "SNF"},
	{"skilled nursing", "SNF"},
	{"rehab", "Rehab"},
	{"ltac", "LTAC"},
	{"hospice", "Hospice"},
	{"ama", "AMA"},
	{"against medical advice", "AMA"},
}

var mentalStatusValues = []struct {
	match string
	out   string
}{
	{"confus", "confused"},
	{"letharg", "lethargic"},
	{"alert", "alert"},
	{"orient", "oriented"},
}

var dialysisStates = map[string]string{
	"decided": "decided", "started": "started", "done": "done",
	"cancelled": "cancelled", "canceled": "cancelled", "no": "no",
	// Present-but-state-unknown maps conservatively to "decided".
	"yes": "decided", "y": "decided", "true": "decided", "1": "decided",
	"performed": "decided", "present": "decided", "active": "decided", "positive": "decided",
	"n": "no", "false": "no", "0": "no", "absent": "no", "negative": "no", "none": "no",
}

func coerceBoolean(v string) (string, bool) {
	if _, ok := yesValues[v]; ok {
		return "yes", true
	}
	if _, ok := noValues[v]; ok {
		return "no", true
	}
	return "", false
}

// Normalize coerces one candidate fact into zero, one, or two normalized
// facts. The second return is the rejection cause when the candidate is
// dropped; an empty cause means accepted.
//
// The only multi-fact case is the compound blood-pressure reading: a VITALS
// value of the form "120/80" expands into Systolic BP and Diastolic BP
// sharing the source timestamp.
func Normalize(c factline.CandidateFact) ([]Fact, RejectCause) {
	value := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(c.Value), "$"))
	if _, ok := placeholderValues[value]; ok || value == "" {
		return nil, Placeholder
	}

	ts := ontology.NormalizeTimestamp(c.Timestamp)
	keyword := ontology.CanonicalizeKeyword(c.Cluster, c.Keyword)
	lower := strings.ToLower(strings.Join(strings.Fields(value), " "))

	if c.Cluster == ontology.Vitals {
		if facts, cause, done := normalizeBloodPressure(keyword, value, ts); done {
			return facts, cause
		}
	}

	if ontology.StrictKeywords(c.Cluster) && !ontology.CanonicalKeyword(c.Cluster, keyword) {
		return nil, NonCanonicalKeyword
	}

	switch {
	case ontology.NumericValueKeyword(c.Cluster, keyword):
		num, ok := firstNumber(value)
		if !ok {
			return nil, UnrecoverableNumeric
		}
		value = num

	case c.Cluster == ontology.Demographics: // Sex
		v, ok := sexValues[lower]
		if !ok {
			return nil, DisallowedValue
		}
		value = v

	case ontology.EvidenceGatedKeyword(c.Cluster, keyword):
		// Mechanical Ventilation may carry a duration in days instead of a flag.
		if keyword == "Mechanical Ventilation" && NumericOnly(value) {
			break
		}
		v, ok := coerceBoolean(lower)
		if !ok {
			return nil, DisallowedValue
		}
		value = v

	case c.Cluster == ontology.Procedures: // Dialysis
		v, ok := dialysisStates[lower]
		if !ok {
			return nil, DisallowedValue
		}
		value = v

	case c.Cluster == ontology.Disposition:
		v, ok := normalizeDisposition(keyword, lower, value)
		if !ok {
			return nil, DisallowedValue
		}
		value = v

	case c.Cluster == ontology.Problems:
		v, ok := problemValues[lower]
		if !ok {
			return nil, DisallowedValue
		}
		value = v

	case c.Cluster == ontology.Symptoms:
		v, ok := symptomValues[lower]
		if !ok {
			if strings.Contains(lower, "severe") {
				v = "severe"
			} else {
				return nil, DisallowedValue
			}
		}
		value = v
	}

	return []Fact{{Cluster: c.Cluster, Keyword: keyword, Value: value, Timestamp: ts}}, Accepted
}

// normalizeBloodPressure handles the compound reading. done=false means the
// candidate is not a compound reading and normal handling applies.
func normalizeBloodPressure(keyword, value string, ts ontology.Timestamp) ([]Fact, RejectCause, bool) {
	compound := keyword == ontology.BloodPressureKeyword ||
		(keyword == "Systolic BP" && strings.Contains(value, "/"))
	if !compound {
		return nil, Accepted, false
	}
	m := bpPairRE.FindStringSubmatch(value)
	if m == nil {
		return nil, UnrecoverableNumeric, true
	}
	return []Fact{
		{Cluster: ontology.Vitals, Keyword: "Systolic BP", Value: m[1], Timestamp: ts},
		{Cluster: ontology.Vitals, Keyword: "Diastolic BP", Value: m[2], Timestamp: ts},
	}, Accepted, true
}

func normalizeDisposition(keyword, lower, raw string) (string, bool) {
	switch keyword {
	case "Discharge Disposition":
		for _, e := range dispositionValues {
			if strings.Contains(lower, e.match) {
				return e.out, true
			}
		}
		if lower == "home" || strings.HasPrefix(lower, "home ") {
			return "Home", true
		}
		return "", false
	case "Mental Status":
		for _, e := range mentalStatusValues {
			if strings.Contains(lower, e.match) {
				return e.out, true
			}
		}
		return "", false
	}
	// Unreachable for canonical keywords; strict-keyword check runs first.
	return raw, false
}

// NumericOnly reports whether a normalized value is a plain numeric token.
func NumericOnly(v string) bool { return numericOnlyRE.MatchString(v) }
