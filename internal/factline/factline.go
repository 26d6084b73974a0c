// Package factline implements the wire-level fact-line grammar produced by
// the second generation stage:
//
//	CLUSTER|Keyword|Value|Timestamp
//
// Exactly three separator characters, four non-empty fields, CLUSTER drawn
// from the fixed nine-member set. The parser is pure and total: malformed
// input never raises, it is rejected and counted. Parsing the same text
// twice reproduces the same sequence.
package factline

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/hurttlocker/clinfact/internal/ontology"
)

// Separator is the single field separator of the wire format.
const Separator = "|"

// CandidateFact is one fact line as extracted verbatim from raw backend
// output. No normalization has been applied yet.
type CandidateFact struct {
	Cluster   ontology.Cluster
	Keyword   string
	Value     string
	Timestamp string
}

// Line re-serializes the candidate in wire form. For candidates built from a
// well-formed line this reproduces the original line exactly.
func (f CandidateFact) Line() string {
	return string(f.Cluster) + Separator + f.Keyword + Separator + f.Value + Separator + f.Timestamp
}

func (f CandidateFact) String() string { return f.Line() }

// Result is the outcome of parsing one raw response.
type Result struct {
	Facts     []CandidateFact
	LinesSeen int // all lines in the input, blank included
	NonBlank  int // non-blank lines after sanitization
	Wrapper   int // recognized wrapper lines (fences, START/END markers)
	Rejected  int // non-blank lines that failed the grammar
	Recovered int // lines accepted after cluster-prefix drift recovery
}

var (
	internalTokenRE = regexp.MustCompile(`<unused\d+>`)
	bulletPrefixRE  = regexp.MustCompile(`^(\[\d+\]|[-*•]|\d+[.)])\s+`)
)

// sanitizeLine strips per-line model decoration that is not part of the
// grammar: internal tokens, bullets/numbering, surrounding quote marks.
// Returns "" for lines that are pure wrapper noise (code fences, START/END
// boundary markers).
func sanitizeLine(raw string) string {
	s := strings.TrimSpace(internalTokenRE.ReplaceAllString(raw, ""))
	if s == "" {
		return ""
	}
	switch strings.ToUpper(s) {
	case "START", "END", "```", "```JSON":
		return ""
	}
	if strings.HasPrefix(s, "```") {
		return ""
	}
	s = bulletPrefixRE.ReplaceAllString(s, "")
	s = strings.Trim(s, "«»\"'")
	s = strings.TrimSuffix(s, ",")
	return strings.TrimSpace(s)
}

// recoverClusterPrefix drops a leading literal CLUSTER/CLUSTERS token from a
// five-field drift line such as
//
//	CLUSTER|VITALS|Heart Rate|67|Admission
//
// so the remainder can be parsed under the strict grammar.
func recoverClusterPrefix(s string) (string, bool) {
	if strings.Count(s, Separator) != 4 {
		return s, false
	}
	head, rest, _ := strings.Cut(s, Separator)
	switch strings.ToUpper(strings.TrimSpace(head)) {
	case "CLUSTER", "CLUSTERS":
		return rest, true
	}
	return s, false
}

// ParseLine parses a single sanitized line under the strict grammar.
func ParseLine(s string) (CandidateFact, error) {
	if strings.Count(s, Separator) != 3 {
		return CandidateFact{}, fmt.Errorf("expected exactly 3 separators in %q", s)
	}
	parts := strings.Split(s, Separator)
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
		if parts[i] == "" {
			return CandidateFact{}, fmt.Errorf("empty field %d in %q", i, s)
		}
	}
	cluster, ok := ontology.ParseCluster(parts[0])
	if !ok {
		return CandidateFact{}, fmt.Errorf("unknown cluster %q", parts[0])
	}
	return CandidateFact{
		Cluster:   cluster,
		Keyword:   parts[1],
		Value:     parts[2],
		Timestamp: parts[3],
	}, nil
}

// Parse scans raw second-stage output once and returns the ordered sequence
// of candidate facts plus rejection counts. Blank lines and lines with the
// wrong field count are counted and discarded, never fatal.
func Parse(raw string) Result {
	var res Result
	if raw == "" {
		return res
	}
	for _, line := range strings.Split(raw, "\n") {
		res.LinesSeen++
		if strings.TrimSpace(line) == "" {
			continue
		}
		s := sanitizeLine(line)
		if s == "" {
			// The END terminator and fences are part of the response
			// protocol, not grammar defects. Counted separately for audit.
			res.NonBlank++
			res.Wrapper++
			continue
		}
		res.NonBlank++
		s, recovered := recoverClusterPrefix(s)
		fact, err := ParseLine(s)
		if err != nil {
			res.Rejected++
			continue
		}
		if recovered {
			res.Recovered++
		}
		res.Facts = append(res.Facts, fact)
	}
	return res
}

// Serialize renders fact lines back to wire form, one per line, newline
// terminated. The output contains no other line structure.
func Serialize(facts []CandidateFact) string {
	if len(facts) == 0 {
		return ""
	}
	var b strings.Builder
	for _, f := range facts {
		b.WriteString(f.Line())
		b.WriteByte('\n')
	}
	return b.String()
}
