// Package checker implements the Checker hook: a read-only
// reconciliation of a prepared return's values against their source
// documents, never transitioning the task itself (only a human
// reviewer's PATCH does that). The field-by-field comparison follows
// the same plain-map-diffing idiom internal/feedback's line differ
// uses; no third-party diff/reconciliation library in the example
// corpus fit this narrow a need (see DESIGN.md), so this stays on the
// standard library.
package checker

import (
	"fmt"
	"sort"

	"github.com/c360studio/taskcore/internal/taskerr"
)

// Request is one reconciliation request: the values an agent prepared
// against the source documents they were drawn from, plus optional
// context that changes how a discrepancy is judged.
type Request struct {
	SourceValues        map[string]any
	PreparedValues      map[string]any
	PriorYearValues     map[string]any `json:"prior_year_values,omitempty"`
	DocumentedReasons   map[string]string
	InjectedErrorFields []string
}

// Discrepancy is one field whose prepared value does not match its
// source value.
type Discrepancy struct {
	Field         string `json:"field"`
	SourceValue   any    `json:"source_value"`
	PreparedValue any    `json:"prepared_value"`
	Documented    bool   `json:"documented"`
	Reason        string `json:"reason,omitempty"`
}

// PriorYearDelta flags a prepared value that differs from the same
// field's prior-year value (any difference, however small), a soft
// signal rather than a hard mismatch (no source value disagrees, but
// the change is worth a reviewer's eye).
type PriorYearDelta struct {
	Field         string  `json:"field"`
	PriorValue    any     `json:"prior_value"`
	PreparedValue any     `json:"prepared_value"`
	ChangedRatio  float64 `json:"changed_ratio,omitempty"`
}

// Report is the CheckerReport returned by the hook.
type Report struct {
	Discrepancies        []Discrepancy    `json:"discrepancies"`
	UndocumentedCount    int              `json:"undocumented_count"`
	PriorYearDeltas      []PriorYearDelta `json:"prior_year_deltas,omitempty"`
	CaughtInjectedFields []string         `json:"caught_injected_fields,omitempty"`
	MissedInjectedFields []string         `json:"missed_injected_fields,omitempty"`
}

// Check reconciles source and prepared values field by field. A field
// present in only one map counts as a discrepancy against nil. Fields
// named in DocumentedReasons are still reported (a reviewer should
// still see them) but flagged Documented so a dashboard can
// deprioritize them.
func Check(req Request) (Report, error) {
	if len(req.SourceValues) == 0 && len(req.PreparedValues) == 0 {
		return Report{}, taskerr.New(taskerr.KindValidation, "source_values and prepared_values cannot both be empty")
	}

	fields := make(map[string]bool)
	for f := range req.SourceValues {
		fields[f] = true
	}
	for f := range req.PreparedValues {
		fields[f] = true
	}

	var report Report
	for _, field := range sortedKeys(fields) {
		src, srcOK := req.SourceValues[field]
		prep, prepOK := req.PreparedValues[field]
		if srcOK && prepOK && equalValue(src, prep) {
			continue
		}
		reason, documented := req.DocumentedReasons[field]
		report.Discrepancies = append(report.Discrepancies, Discrepancy{
			Field:         field,
			SourceValue:   src,
			PreparedValue: prep,
			Documented:    documented,
			Reason:        reason,
		})
		if !documented {
			report.UndocumentedCount++
		}
	}

	for _, field := range sortedKeys(asSet(req.PriorYearValues)) {
		prior := req.PriorYearValues[field]
		prep, ok := req.PreparedValues[field]
		if !ok || equalValue(prior, prep) {
			continue
		}
		report.PriorYearDeltas = append(report.PriorYearDeltas, PriorYearDelta{
			Field:         field,
			PriorValue:    prior,
			PreparedValue: prep,
			ChangedRatio:  ratioChange(prior, prep),
		})
	}

	discrepant := make(map[string]bool, len(report.Discrepancies))
	for _, d := range report.Discrepancies {
		discrepant[d.Field] = true
	}
	for _, field := range req.InjectedErrorFields {
		if discrepant[field] {
			report.CaughtInjectedFields = append(report.CaughtInjectedFields, field)
		} else {
			report.MissedInjectedFields = append(report.MissedInjectedFields, field)
		}
	}

	return report, nil
}

func equalValue(a, b any) bool {
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}

func asSet(m map[string]any) map[string]bool {
	out := make(map[string]bool, len(m))
	for k := range m {
		out[k] = true
	}
	return out
}

func sortedKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// ratioChange returns (b-a)/a as a float when both values parse as
// numbers, else 0. Used only as an informational signal.
func ratioChange(a, b any) float64 {
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if !aok || !bok || af == 0 {
		return 0
	}
	return (bf - af) / af
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}
