package ontology

import "strings"

// Canonical keyword sets for the strict (objective/integral) clusters.
// PROBLEMS and SYMPTOMS carry an open vocabulary and have no entry here.
var canonicalKeywords = map[Cluster][]string{
	Demographics: {"Age", "Sex"},
	Vitals: {
		"Heart Rate", "Systolic BP", "Diastolic BP", "Respiratory Rate",
		"Temperature", "SpO2", "Weight",
	},
	Labs: {
		"Hemoglobin", "Hematocrit", "WBC", "Platelet", "Sodium", "Potassium",
		"Creatinine", "BUN", "Glucose", "Bicarbonate",
	},
	Medications: {
		"Medication Count", "New Medications Count", "Polypharmacy",
		"Anticoagulation", "Insulin Therapy", "Opioid Therapy", "Diuretic Therapy",
	},
	Procedures: {
		"Any Procedure", "Surgery", "Dialysis", "Mechanical Ventilation",
	},
	Utilization: {
		"Prior Admissions 12mo", "ED Visits 6mo", "Days Since Last Admission",
		"Current Length of Stay",
	},
	Disposition: {"Discharge Disposition", "Mental Status"},
}

var canonicalKeywordSets = func() map[Cluster]map[string]struct{} {
	out := make(map[Cluster]map[string]struct{}, len(canonicalKeywords))
	for c, kws := range canonicalKeywords {
		set := make(map[string]struct{}, len(kws))
		for _, k := range kws {
			set[k] = struct{}{}
		}
		out[c] = set
	}
	return out
}()

// CanonicalKeywords returns the canonical keyword list for a strict cluster,
// or nil for open-vocabulary clusters.
func CanonicalKeywords(c Cluster) []string { return canonicalKeywords[c] }

// StrictKeywords reports whether the cluster restricts keywords to its
// canonical set.
func StrictKeywords(c Cluster) bool { return canonicalKeywords[c] != nil }

// CanonicalKeyword reports whether kw is canonical for cluster c. Open
// clusters accept any keyword.
func CanonicalKeyword(c Cluster, kw string) bool {
	set := canonicalKeywordSets[c]
	if set == nil {
		return true
	}
	_, ok := set[kw]
	return ok
}

// Keyword aliases observed in model output for the strict clusters.
var vitalAliases = map[string]string{
	"HR": "Heart Rate", "Pulse": "Heart Rate",
	"Temp":              "Temperature",
	"O2 Sat":            "SpO2",
	"Oxygen Saturation": "SpO2",
	"Resp":              "Respiratory Rate", "RR": "Respiratory Rate",
	"BP":       "Blood Pressure",
	"Systolic": "Systolic BP", "SBP": "Systolic BP",
	"Diastolic": "Diastolic BP", "DBP": "Diastolic BP",
}

var labAliases = map[string]string{
	"Hgb": "Hemoglobin", "Hct": "Hematocrit",
	"Plt": "Platelet", "Platelets": "Platelet",
	"Na": "Sodium", "K": "Potassium",
	"Cr": "Creatinine", "Creat": "Creatinine",
	"HCO3": "Bicarbonate", "Bicarb": "Bicarbonate",
}

// CanonicalizeKeyword maps keyword drift onto the canonical vocabulary for
// cluster c. Unknown keywords pass through unchanged; rejection of
// non-canonical keywords is the normalizer's call, not this function's.
//
// "Blood Pressure" is returned as-is for VITALS: it is not canonical but
// marks the compound reading that the normalizer expands into Systolic BP
// and Diastolic BP.
func CanonicalizeKeyword(c Cluster, kw string) string {
	k := strings.TrimSpace(kw)
	switch c {
	case Vitals:
		if alias, ok := vitalAliases[k]; ok {
			return alias
		}
	case Labs:
		if alias, ok := labAliases[k]; ok {
			return alias
		}
	}
	return k
}

// BloodPressureKeyword is the compound VITALS keyword whose value carries a
// systolic/diastolic pair.
const BloodPressureKeyword = "Blood Pressure"

// NumericValueKeyword reports whether (cluster, keyword) holds a numeric
// scalar. All of VITALS/LABS/UTILIZATION plus the numeric keywords of
// DEMOGRAPHICS and MEDICATIONS.
func NumericValueKeyword(c Cluster, kw string) bool {
	switch c {
	case Vitals, Labs, Utilization:
		return true
	case Demographics:
		return kw == "Age"
	case Medications:
		return kw == "Medication Count" || kw == "New Medications Count"
	}
	return false
}

// EvidenceGatedKeyword reports whether (cluster, keyword) is a boolean-style
// fact whose value is only meaningful when explicitly emitted. Absence of
// such a fact must never be defaulted to "no".
func EvidenceGatedKeyword(c Cluster, kw string) bool {
	switch c {
	case Medications:
		switch kw {
		case "Polypharmacy", "Anticoagulation", "Insulin Therapy",
			"Opioid Therapy", "Diuretic Therapy":
			return true
		}
	case Procedures:
		switch kw {
		case "Any Procedure", "Surgery", "Mechanical Ventilation":
			return true
		}
	}
	return false
}
