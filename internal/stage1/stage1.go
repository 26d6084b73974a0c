// Package stage1 handles the first-stage artifact: a nine-section Abstract
// extracted as JSON from the model's response and rendered into the
// deterministic, pipe-free markdown digest that the second stage consumes.
package stage1

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/hurttlocker/clinfact/internal/ontology"
)

// ErrMalformed marks a first-stage response whose JSON cannot be recovered
// into a structurally valid Abstract. Document-fatal, never retried.
var ErrMalformed = errors.New("malformed first-stage artifact")

// Abstract is the structured digest produced by the first stage: one section
// per cluster, keyed by cluster name. Section values are either free text or
// a nested object, depending on what the model emitted for that cluster.
type Abstract struct {
	Sections map[string]any
}

// ExtractJSON returns the first JSON object found in text, along with the
// exact slice it was decoded from. Local backends sometimes emit raw
// newlines inside JSON strings; a single repair pass escapes those before
// giving up.
func ExtractJSON(text string) (map[string]any, string, error) {
	s := strings.TrimSpace(text)
	start := strings.Index(s, "{")
	if start == -1 {
		return nil, s, fmt.Errorf("%w: no JSON object in response", ErrMalformed)
	}

	dec := json.NewDecoder(strings.NewReader(s[start:]))
	var obj map[string]any
	if err := dec.Decode(&obj); err == nil {
		end := start + int(dec.InputOffset())
		return obj, s[start:end], nil
	}

	end := strings.LastIndex(s, "}")
	if end > start {
		repaired := escapeNewlinesInStrings(s[start : end+1])
		if err := json.Unmarshal([]byte(repaired), &obj); err == nil {
			return obj, repaired, nil
		}
	}
	return nil, s[start:], fmt.Errorf("%w: unparseable JSON object", ErrMalformed)
}

// escapeNewlinesInStrings replaces literal CR/LF characters inside JSON
// string literals with their escape sequences, leaving everything else
// untouched.
func escapeNewlinesInStrings(text string) string {
	var b strings.Builder
	b.Grow(len(text))
	inString, escaped := false, false
	for _, ch := range text {
		if inString {
			switch {
			case escaped:
				b.WriteRune(ch)
				escaped = false
			case ch == '\\':
				b.WriteRune(ch)
				escaped = true
			case ch == '"':
				b.WriteRune(ch)
				inString = false
			case ch == '\n':
				b.WriteString(`\n`)
			case ch == '\r':
				b.WriteString(`\r`)
			default:
				b.WriteRune(ch)
			}
			continue
		}
		if ch == '"' {
			inString = true
		}
		b.WriteRune(ch)
	}
	return b.String()
}

// Parse extracts and structurally validates an Abstract from a raw
// first-stage model response. Every cluster key must be present; key
// presence is the stability gate that separates a usable digest from a
// drifted response.
func Parse(text string) (*Abstract, error) {
	obj, _, err := ExtractJSON(text)
	if err != nil {
		return nil, err
	}
	var missing []string
	for _, c := range ontology.Clusters {
		if _, ok := obj[string(c)]; !ok {
			missing = append(missing, string(c))
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return nil, fmt.Errorf("%w: missing section(s) %s", ErrMalformed, strings.Join(missing, ", "))
	}
	return &Abstract{Sections: obj}, nil
}

// JSON renders the Abstract in cluster order with stable indentation, for
// the persisted stage1.json artifact.
func (a *Abstract) JSON() ([]byte, error) {
	// Marshal section-by-section so the output order is the cluster order
	// rather than Go map iteration order.
	var b strings.Builder
	b.WriteString("{\n")
	for i, c := range ontology.Clusters {
		val, err := json.MarshalIndent(a.Sections[string(c)], "  ", "  ")
		if err != nil {
			return nil, fmt.Errorf("marshaling section %s: %w", c, err)
		}
		fmt.Fprintf(&b, "  %q: %s", string(c), val)
		if i < len(ontology.Clusters)-1 {
			b.WriteString(",")
		}
		b.WriteString("\n")
	}
	b.WriteString("}\n")
	return []byte(b.String()), nil
}
