package stage1

import (
	"fmt"
	"strings"

	"github.com/hurttlocker/clinfact/internal/ontology"
)

// Section shapes: the objective clusters carry fixed-shape ADM/DC lines with
// every canonical keyword present (missing values render as "not stated");
// the semantic clusters carry aggregate key=value lines. Fixed shapes keep
// second-stage parsing stable on small models.

// Markdown renders the Abstract as the pipe-free digest the second stage
// consumes. The rendering is deterministic: same Abstract, same bytes.
func (a *Abstract) Markdown() string {
	var b strings.Builder
	for _, c := range ontology.Clusters {
		b.WriteString("## ")
		b.WriteString(string(c))
		b.WriteString("\n")

		lines := a.renderSection(c)
		if len(lines) == 0 {
			lines = []string{"not stated"}
		}
		for _, ln := range lines {
			b.WriteString(ln)
			b.WriteString("\n")
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n") + "\n"
}

func (a *Abstract) renderSection(c ontology.Cluster) []string {
	raw := a.Sections[string(c)]
	switch c {
	case ontology.Demographics:
		if m, ok := raw.(map[string]any); ok {
			return []string{
				"Sex=" + fieldText(m, "Sex", "sex"),
				"Age=" + fieldText(m, "Age", "age"),
			}
		}
	case ontology.Vitals, ontology.Labs:
		if m, ok := raw.(map[string]any); ok {
			return renderObjective(m, ontology.CanonicalKeywords(c))
		}
	case ontology.Problems:
		if m, ok := raw.(map[string]any); ok {
			return []string{
				"PMH/Comorbidities=" + joinItems(m["pmh_comorbidities"], 0),
				"Discharge Dx=" + joinItems(m["discharge_dx"], 0),
				"Complications=" + joinItems(m["complications"], 0),
				"Working Dx=" + joinItems(m["working_dx"], 0),
			}
		}
	case ontology.Symptoms:
		if m, ok := raw.(map[string]any); ok {
			// Conservative limits: small models drift when symptom lists grow.
			return []string{
				"ADM symptoms=" + joinItems(m["admission"], 3),
				"DC symptoms=" + joinItems(m["discharge"], 1),
			}
		}
	}
	return textLines(raw)
}

// renderObjective emits the two fixed-shape lines for an objective cluster,
// one per timestamp, with every canonical keyword in order.
func renderObjective(m map[string]any, keywords []string) []string {
	adm, _ := m["admission"].(map[string]any)
	dc, _ := m["discharge"].(map[string]any)
	fmtLine := func(src map[string]any) string {
		parts := make([]string, 0, len(keywords))
		for _, kw := range keywords {
			val := fieldText(src, kw, snakeCase(kw))
			parts = append(parts, kw+"="+val)
		}
		return strings.Join(parts, "; ")
	}
	return []string{"ADM: " + fmtLine(adm), "DC: " + fmtLine(dc)}
}

// fieldText reads the first non-empty candidate key from m, cleans it, and
// falls back to "not stated".
func fieldText(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			if s := collapse(cleanValue(v)); s != "" && !strings.EqualFold(s, "not stated") {
				return s
			}
		}
	}
	return "not stated"
}

// collapse folds all interior whitespace (including newlines) to single
// spaces; used for values that must stay on one rendered line.
func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// joinItems flattens a list section value into a comma-joined, deduplicated
// string. maxItems of 0 means unlimited.
func joinItems(v any, maxItems int) string {
	items, ok := v.([]any)
	if !ok {
		return "not stated"
	}
	seen := make(map[string]struct{})
	var out []string
	for _, it := range items {
		s := collapse(cleanValue(it))
		if s == "" || strings.EqualFold(s, "not stated") {
			continue
		}
		key := strings.ToLower(s)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, s)
		if maxItems > 0 && len(out) >= maxItems {
			break
		}
	}
	if len(out) == 0 {
		return "not stated"
	}
	return strings.Join(out, ", ")
}

// textLines renders a free-text section value as stripped non-blank lines.
func textLines(v any) []string {
	s := cleanValue(v)
	if s == "" {
		return nil
	}
	var out []string
	for _, ln := range strings.Split(s, "\n") {
		if t := strings.TrimRight(ln, " \t"); strings.TrimSpace(t) != "" {
			out = append(out, t)
		}
	}
	return out
}

// cleanValue converts a section value to display text with the wire
// separator removed so no rendered line can be mistaken for a fact line.
// Newlines are preserved; textLines splits on them.
func cleanValue(v any) string {
	var s string
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		s = t
	case float64:
		s = fmt.Sprintf("%g", t)
	case bool:
		if t {
			s = "yes"
		} else {
			s = "no"
		}
	default:
		s = fmt.Sprintf("%v", t)
	}
	s = strings.ReplaceAll(s, "|", " ")
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	s = strings.ReplaceAll(s, `\n`, "\n")
	return strings.TrimSpace(s)
}

func snakeCase(kw string) string {
	return strings.ToLower(strings.ReplaceAll(kw, " ", "_"))
}
