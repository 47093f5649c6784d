package models

import (
	"errors"
	"fmt"
	"math"
	"strings"
)

// ErrInvalidManuscript is the sentinel for structural validation failures.
// It is the only error class that terminates a run before any agent executes.
var ErrInvalidManuscript = errors.New("invalid manuscript")

// ValidationError carries the first structural problem found in a manuscript.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid manuscript: %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrInvalidManuscript }

// Validate performs structural validation on a manuscript: required fields
// present, numeric fields finite. Semantic problems (zero variance,
// inconsistent flow counts, unknown metrics) are deliberately NOT rejected
// here; agents surface those as Issues so a run still produces a result.
func (m *Manuscript) Validate() error {
	if strings.TrimSpace(m.ID) == "" {
		return &ValidationError{Field: "manuscript_id", Reason: "must not be empty"}
	}
	for i, s := range m.IncludedStudies {
		if strings.TrimSpace(s.StudyID) == "" {
			return &ValidationError{
				Field:  fmt.Sprintf("included_studies[%d].study_id", i),
				Reason: "must not be empty",
			}
		}
		if s.NTotal < 0 {
			return &ValidationError{
				Field:  fmt.Sprintf("included_studies[%d].n_total", i),
				Reason: "must not be negative",
			}
		}
		for j, o := range s.Outcomes {
			field := fmt.Sprintf("included_studies[%d].outcomes[%d]", i, j)
			if strings.TrimSpace(o.Name) == "" {
				return &ValidationError{Field: field + ".name", Reason: "must not be empty"}
			}
			if !isFinite(o.Effect) {
				return &ValidationError{Field: field + ".effect", Reason: "must be finite"}
			}
			if !isFinite(o.Var) {
				return &ValidationError{Field: field + ".var", Reason: "must be finite"}
			}
		}
	}
	if m.Flow != nil {
		for name, v := range map[string]*int{
			"identified":   m.Flow.Identified,
			"deduplicated": m.Flow.Deduplicated,
			"screened":     m.Flow.Screened,
			"fulltext":     m.Flow.FullText,
			"included":     m.Flow.Included,
		} {
			if v != nil && *v < 0 {
				return &ValidationError{Field: "flow." + name, Reason: "must not be negative"}
			}
		}
	}
	return nil
}

func isFinite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

// NormalizeOutcomeName canonicalizes an outcome name for grouping and
// matching: lower-cased with whitespace collapsed. Agents apply this early so
// later stages can rely on exact matches.
func NormalizeOutcomeName(name string) string {
	return strings.Join(strings.Fields(strings.ToLower(name)), " ")
}

// Clone returns a deep copy of the manuscript so one run's normalization
// never leaks into another caller's value.
func (m *Manuscript) Clone() *Manuscript {
	out := *m
	if m.Question != nil {
		q := *m.Question
		q.Outcomes = append([]string(nil), m.Question.Outcomes...)
		out.Question = &q
	}
	if m.Protocol != nil {
		out.Protocol = make(map[string]interface{}, len(m.Protocol))
		for k, v := range m.Protocol {
			out.Protocol[k] = v
		}
	}
	out.Search = make([]SearchDescriptor, len(m.Search))
	for i, s := range m.Search {
		s.Limits = append([]string(nil), s.Limits...)
		out.Search[i] = s
	}
	if m.Flow != nil {
		f := *m.Flow
		f.Identified = clonePtr(m.Flow.Identified)
		f.Deduplicated = clonePtr(m.Flow.Deduplicated)
		f.Screened = clonePtr(m.Flow.Screened)
		f.FullText = clonePtr(m.Flow.FullText)
		f.Included = clonePtr(m.Flow.Included)
		f.Excluded = append([]ExclusionReason(nil), m.Flow.Excluded...)
		out.Flow = &f
	}
	out.IncludedStudies = make([]StudyRecord, len(m.IncludedStudies))
	for i, s := range m.IncludedStudies {
		s.Outcomes = append([]OutcomeEffect(nil), s.Outcomes...)
		out.IncludedStudies[i] = s
	}
	return &out
}

func clonePtr(v *int) *int {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}
