package agents

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/scivet/revaudit/internal/models"
)

// QuestionAgent validates the research question: PICO completeness, outcome
// and population specificity, framework fit. It also canonicalizes outcome
// names on the manuscript so the statistics agent matches studies reporting
// the same outcome under different capitalization or spacing.
type QuestionAgent struct {
	deps Deps
}

func NewQuestionAgent(deps Deps) *QuestionAgent { return &QuestionAgent{deps: deps} }

func (a *QuestionAgent) Name() string { return NameQuestion }

var agePattern = regexp.MustCompile(`\b(age[sd]?|year[s]?|\d+\s*[-–]\s*\d+|\d+\+|adult[s]?|paediatric|pediatric|child|elderly)\b`)

var (
	timeKeywords      = []string{"week", "month", "year", "day", "follow-up", "endpoint"}
	compositeKeywords = []string{"composite", "combined", "major adverse"}
	severityKeywords  = []string{"stage", "grade", "severity", "mild", "moderate", "severe", "early", "advanced"}
)

func (a *QuestionAgent) Run(ctx context.Context, runID string, m *models.Manuscript) Result {
	start := time.Now()
	a.normalizeOutcomes(m)

	issues := a.ruleChecks(m)

	var tr callTracker
	llmIssues, llmErr := a.llmAnalysis(ctx, runID, m, &tr)
	issues = append(issues, llmIssues...)

	observe(NameQuestion, start, issues)
	return Result{
		Issues: issues,
		Method: a.deps.method(NameQuestion, tr, llmErr),
	}
}

// normalizeOutcomes rewrites outcome names to canonical form in place, both
// on the question and on every study record.
func (a *QuestionAgent) normalizeOutcomes(m *models.Manuscript) {
	if m.Question != nil {
		for i, o := range m.Question.Outcomes {
			m.Question.Outcomes[i] = models.NormalizeOutcomeName(o)
		}
	}
	for si := range m.IncludedStudies {
		for oi := range m.IncludedStudies[si].Outcomes {
			o := &m.IncludedStudies[si].Outcomes[oi]
			o.Name = models.NormalizeOutcomeName(o.Name)
		}
	}
}

func (a *QuestionAgent) ruleChecks(m *models.Manuscript) []models.Issue {
	var issues []models.Issue
	q := m.Question

	var missing []string
	if q == nil {
		missing = []string{"population", "intervention", "comparator", "outcomes"}
	} else {
		if q.Population == "" {
			missing = append(missing, "population")
		}
		if q.Intervention == "" {
			missing = append(missing, "intervention")
		}
		if q.Comparator == "" {
			missing = append(missing, "comparator")
		}
		if len(q.Outcomes) == 0 {
			missing = append(missing, "outcomes")
		}
	}
	if len(missing) > 0 {
		severity := models.SeverityMedium
		if len(missing) > 2 {
			severity = models.SeverityHigh
		}
		issues = append(issues, models.Issue{
			ID:       "PICO-001",
			Severity: severity,
			Category: models.CategoryQuestion,
			Finding:  "Incomplete PICO specification",
			Evidence: map[string]interface{}{"missing": missing},
			Recommendation: "Provide explicit PICO fields; list concrete primary/secondary " +
				"outcomes with timepoints.",
			Agent: NameQuestion,
		})
	}
	if q == nil {
		return issues
	}

	if len(q.Outcomes) > 0 {
		issues = append(issues, a.checkOutcomeQuality(q.Outcomes)...)
	}
	if q.Population != "" {
		issues = append(issues, a.checkPopulation(q.Population)...)
	}
	if q.Framework != "" && q.Framework != "PICO" && q.Framework != "PECO" {
		issues = append(issues, models.Issue{
			ID:             "PICO-006",
			Severity:       models.SeverityLow,
			Category:       models.CategoryQuestion,
			Finding:        "Consider PICO/PECO framework for intervention studies",
			Evidence:       map[string]interface{}{"current_framework": q.Framework},
			Recommendation: "PICO is standard for intervention studies; PECO for exposure studies.",
			Agent:          NameQuestion,
		})
	}
	return issues
}

func (a *QuestionAgent) checkOutcomeQuality(outcomes []string) []models.Issue {
	var issues []models.Issue

	withTime := 0
	for _, o := range outcomes {
		lower := strings.ToLower(o)
		for _, kw := range timeKeywords {
			if strings.Contains(lower, kw) {
				withTime++
				break
			}
		}
	}
	if withTime*2 < len(outcomes) {
		issues = append(issues, models.Issue{
			ID:       "PICO-002",
			Severity: models.SeverityLow,
			Category: models.CategoryQuestion,
			Finding:  "Outcomes lack specific timepoints",
			Evidence: map[string]interface{}{
				"outcomes":        outcomes,
				"with_timepoints": withTime,
			},
			Recommendation: "Specify clear timepoints for outcomes (e.g. '6-month mortality').",
			Agent:          NameQuestion,
		})
	}

	var composites []string
	for _, o := range outcomes {
		lower := strings.ToLower(o)
		for _, kw := range compositeKeywords {
			if strings.Contains(lower, kw) {
				composites = append(composites, o)
				break
			}
		}
	}
	if len(composites) > 0 {
		issues = append(issues, models.Issue{
			ID:             "PICO-003",
			Severity:       models.SeverityMedium,
			Category:       models.CategoryQuestion,
			Finding:        "Composite outcomes may need component definition",
			Evidence:       map[string]interface{}{"composite_outcomes": composites},
			Recommendation: "Define individual components of composite outcomes and justify the combination.",
			Agent:          NameQuestion,
		})
	}
	return issues
}

func (a *QuestionAgent) checkPopulation(population string) []models.Issue {
	var issues []models.Issue
	lower := strings.ToLower(population)

	if !agePattern.MatchString(lower) {
		issues = append(issues, models.Issue{
			ID:             "PICO-004",
			Severity:       models.SeverityLow,
			Category:       models.CategoryQuestion,
			Finding:        "Population lacks age specification",
			Evidence:       map[string]interface{}{"population": population},
			Recommendation: "Specify target age range or demographic (e.g. 'adults ≥18 years').",
			Agent:          NameQuestion,
		})
	}

	hasSeverity := false
	for _, kw := range severityKeywords {
		if strings.Contains(lower, kw) {
			hasSeverity = true
			break
		}
	}
	if !hasSeverity {
		issues = append(issues, models.Issue{
			ID:             "PICO-005",
			Severity:       models.SeverityLow,
			Category:       models.CategoryQuestion,
			Finding:        "Population may need disease severity/stage specification",
			Evidence:       map[string]interface{}{"population": population},
			Recommendation: "Consider specifying disease stage, severity, or functional status if relevant.",
			Agent:          NameQuestion,
		})
	}
	return issues
}

type picoExtraction struct {
	Population      string   `json:"population"`
	Intervention    string   `json:"intervention"`
	Comparator      string   `json:"comparator"`
	Outcomes        []string `json:"outcomes"`
	Confidence      string   `json:"confidence"`
	ExtractionNotes string   `json:"extraction_notes"`
}

// llmAnalysis cross-checks the stated PICO fields against a model extraction
// of the question text and flags low-confidence or divergent elements.
func (a *QuestionAgent) llmAnalysis(ctx context.Context, runID string, m *models.Manuscript, tr *callTracker) ([]models.Issue, error) {
	var extracted picoExtraction
	err := a.deps.complete(ctx, runID, NameQuestion, "pico_extraction",
		map[string]string{"manuscript_text": questionContext(m)}, &extracted, tr)
	if err != nil {
		a.deps.Logger.Debug("question llm analysis unavailable",
			zap.String("run_id", runID), zap.Error(err))
		return nil, err
	}

	var issues []models.Issue
	if extracted.Confidence == "low" {
		issues = append(issues, models.Issue{
			ID:       "PICO-LLM-001",
			Severity: models.SeverityLow,
			Category: models.CategoryQuestion,
			Finding:  "Research question elements are difficult to extract from the manuscript text",
			Evidence: map[string]interface{}{
				"confidence":       extracted.Confidence,
				"extraction_notes": extracted.ExtractionNotes,
			},
			Recommendation: "State the PICO elements explicitly in the abstract and methods.",
			Agent:          NameQuestion,
		})
	}
	if m.Question != nil && m.Question.Comparator != "" && extracted.Comparator == "" {
		issues = append(issues, models.Issue{
			ID:       "PICO-LLM-002",
			Severity: models.SeverityLow,
			Category: models.CategoryQuestion,
			Finding:  "Stated comparator is not evident in the manuscript text",
			Evidence: map[string]interface{}{
				"stated_comparator": m.Question.Comparator,
			},
			Recommendation: "Describe the comparator condition in the methods section.",
			Agent:          NameQuestion,
		})
	}
	return issues, nil
}

func questionContext(m *models.Manuscript) string {
	var b strings.Builder
	if m.Title != "" {
		fmt.Fprintf(&b, "Title: %s\n", m.Title)
	}
	if q := m.Question; q != nil {
		fmt.Fprintf(&b, "Framework: %s\n", q.Framework)
		fmt.Fprintf(&b, "Population: %s\n", q.Population)
		fmt.Fprintf(&b, "Intervention: %s\n", q.Intervention)
		fmt.Fprintf(&b, "Comparator: %s\n", q.Comparator)
		fmt.Fprintf(&b, "Outcomes: %s\n", strings.Join(q.Outcomes, "; "))
	}
	return b.String()
}
