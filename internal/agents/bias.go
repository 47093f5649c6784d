package agents

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/scivet/revaudit/internal/models"
)

// BiasAgent assesses risk of bias for each included study. The rule-based
// baseline checks structural reporting (design, randomization, sample size,
// outcome data); the LLM augmentation produces per-domain judgments using
// RoB 2 for randomized trials and ROBINS-I for non-randomized studies.
type BiasAgent struct {
	deps Deps
}

func NewBiasAgent(deps Deps) *BiasAgent { return &BiasAgent{deps: deps} }

func (a *BiasAgent) Name() string { return NameBias }

// Domain sets, keyed by identifier with a display description.
var rob2Domains = [][2]string{
	{"randomization", "Randomization process"},
	{"deviations", "Deviations from intended interventions"},
	{"missing_data", "Missing outcome data"},
	{"outcome_measurement", "Measurement of the outcome"},
	{"selective_reporting", "Selection of the reported result"},
}

var robinsDomains = [][2]string{
	{"confounding", "Confounding"},
	{"selection", "Selection of participants"},
	{"intervention_classification", "Classification of interventions"},
	{"deviations", "Deviations from intended interventions"},
	{"missing_data", "Missing data"},
	{"outcome_measurement", "Measurement of outcomes"},
	{"selective_reporting", "Selection of the reported result"},
}

func isRandomized(design string) bool {
	d := strings.ToLower(design)
	return strings.Contains(d, "rct") || strings.Contains(d, "randomi")
}

func (a *BiasAgent) Run(ctx context.Context, runID string, m *models.Manuscript) Result {
	start := time.Now()

	issues := a.ruleChecks(m)

	var tr callTracker
	var llmErr error
	if len(m.IncludedStudies) > 0 {
		var llmIssues []models.Issue
		llmIssues, llmErr = a.llmAssessment(ctx, runID, m, &tr)
		issues = append(issues, llmIssues...)
	}

	observe(NameBias, start, issues)
	return Result{
		Issues: issues,
		Method: a.deps.method(NameBias, tr, llmErr),
	}
}

func (a *BiasAgent) ruleChecks(m *models.Manuscript) []models.Issue {
	var issues []models.Issue

	for _, s := range m.IncludedStudies {
		if s.Design == "" {
			issues = append(issues, models.Issue{
				ID:             fmt.Sprintf("ROB-DESIGN-001-%s", s.StudyID),
				Severity:       models.SeverityHigh,
				Category:       models.CategoryData,
				Finding:        fmt.Sprintf("Study design not specified for %s", s.StudyID),
				Evidence:       map[string]interface{}{"study_id": s.StudyID},
				Recommendation: "Specify study design (RCT, cohort, case-control, etc.) for risk of bias assessment.",
				Agent:          NameBias,
			})
		} else if isRandomized(s.Design) && !strings.Contains(strings.ToLower(s.Design), "cluster") {
			// RCTs should state the randomization method somewhere in the
			// design tag (e.g. "RCT, computer-generated blocks").
			d := strings.ToLower(s.Design)
			stated := false
			for _, kw := range []string{"block", "stratif", "computer", "sequence", "central", "minimi"} {
				if strings.Contains(d, kw) {
					stated = true
					break
				}
			}
			if !stated {
				issues = append(issues, models.Issue{
					ID:             fmt.Sprintf("ROB-RANDOM-001-%s", s.StudyID),
					Severity:       models.SeverityMedium,
					Category:       models.CategoryData,
					Finding:        fmt.Sprintf("Randomization method not stated for %s", s.StudyID),
					Evidence:       map[string]interface{}{"study_id": s.StudyID, "design": s.Design},
					Recommendation: "Describe the sequence generation and allocation concealment method.",
					Agent:          NameBias,
				})
			}
		}
		if s.NTotal <= 0 {
			issues = append(issues, models.Issue{
				ID:             fmt.Sprintf("ROB-SAMPLE-001-%s", s.StudyID),
				Severity:       models.SeverityMedium,
				Category:       models.CategoryData,
				Finding:        fmt.Sprintf("Sample size not reported for %s", s.StudyID),
				Evidence:       map[string]interface{}{"study_id": s.StudyID},
				Recommendation: "Report total sample size for precision assessment.",
				Agent:          NameBias,
			})
		}
		if len(s.Outcomes) == 0 {
			issues = append(issues, models.Issue{
				ID:             fmt.Sprintf("ROB-OUTCOMES-001-%s", s.StudyID),
				Severity:       models.SeverityHigh,
				Category:       models.CategoryData,
				Finding:        fmt.Sprintf("No outcomes reported for %s", s.StudyID),
				Evidence:       map[string]interface{}{"study_id": s.StudyID},
				Recommendation: "Include outcome data with effect sizes and variances.",
				Agent:          NameBias,
			})
		}
	}

	if total := len(m.IncludedStudies); total > 0 {
		withDesign := 0
		for _, s := range m.IncludedStudies {
			if s.Design != "" {
				withDesign++
			}
		}
		if withDesign < total {
			issues = append(issues, models.Issue{
				ID:       "ROB-REPORTING-001",
				Severity: models.SeverityHigh,
				Category: models.CategoryReporting,
				Finding:  "Incomplete study design reporting affects risk of bias assessment",
				Evidence: map[string]interface{}{
					"total_studies":       total,
					"studies_with_design": withDesign,
				},
				Recommendation: "Report study design for all included studies to enable proper risk of bias assessment.",
				Agent:          NameBias,
			})
		}
	}
	return issues
}

type robAssessment struct {
	OverallRoB string `json:"overall_rob"`
	Domains    map[string]struct {
		Judgment  string `json:"judgment"`
		Rationale string `json:"rationale"`
	} `json:"domains"`
	Summary string `json:"summary"`
}

// llmAssessment runs one model call per study with extractable design
// information. The first capability failure aborts the remaining calls and
// falls the whole agent back to the rule-based baseline.
func (a *BiasAgent) llmAssessment(ctx context.Context, runID string, m *models.Manuscript, tr *callTracker) ([]models.Issue, error) {
	var issues []models.Issue

	for _, s := range m.IncludedStudies {
		tool, domains := "ROBINS-I", robinsDomains
		if isRandomized(s.Design) {
			tool, domains = "RoB 2", rob2Domains
		}
		var domainLines []string
		for _, d := range domains {
			domainLines = append(domainLines, fmt.Sprintf("- %s: %s", d[0], d[1]))
		}

		var assessment robAssessment
		err := a.deps.complete(ctx, runID, NameBias, "rob_assessment", map[string]string{
			"study_design":    s.Design,
			"study_text":      studyContext(s),
			"assessment_tool": tool,
			"domains":         strings.Join(domainLines, "\n"),
		}, &assessment, tr)
		if err != nil {
			a.deps.Logger.Debug("bias llm assessment unavailable",
				zap.String("run_id", runID), zap.String("study_id", s.StudyID), zap.Error(err))
			return nil, err
		}
		issues = append(issues, a.assessmentIssues(assessment, s.StudyID)...)
	}
	return issues, nil
}

func (a *BiasAgent) assessmentIssues(assessment robAssessment, studyID string) []models.Issue {
	var issues []models.Issue

	if assessment.OverallRoB == "high" || assessment.OverallRoB == "some_concerns" {
		severity := models.SeverityMedium
		if assessment.OverallRoB == "high" {
			severity = models.SeverityHigh
		}
		issues = append(issues, models.Issue{
			ID:       fmt.Sprintf("ROB-OVERALL-001-%s", studyID),
			Severity: severity,
			Category: models.CategoryData,
			Finding:  fmt.Sprintf("Risk of bias concerns for %s", studyID),
			Evidence: map[string]interface{}{
				"overall_judgment": assessment.OverallRoB,
				"summary":          assessment.Summary,
			},
			Recommendation: fmt.Sprintf("Consider impact of %s risk of bias on results interpretation.", assessment.OverallRoB),
			Agent:          NameBias,
		})
	}

	domains := make([]string, 0, len(assessment.Domains))
	for domain := range assessment.Domains {
		domains = append(domains, domain)
	}
	sort.Strings(domains)
	for _, domain := range domains {
		d := assessment.Domains[domain]
		if d.Judgment != "high" && d.Judgment != "some_concerns" {
			continue
		}
		severity := models.SeverityMedium
		if d.Judgment == "high" {
			severity = models.SeverityHigh
		}
		rec := d.Rationale
		if rec == "" {
			rec = "Review methodology for this bias domain."
		}
		issues = append(issues, models.Issue{
			ID:       fmt.Sprintf("ROB-%s-001-%s", strings.ToUpper(domain), studyID),
			Severity: severity,
			Category: models.CategoryData,
			Finding: fmt.Sprintf("%s bias concerns for %s",
				strings.ReplaceAll(domain, "_", " "), studyID),
			Evidence: map[string]interface{}{
				"domain":    domain,
				"judgment":  d.Judgment,
				"rationale": d.Rationale,
			},
			Recommendation: rec,
			Agent:          NameBias,
		})
	}
	return issues
}

func studyContext(s models.StudyRecord) string {
	design := s.Design
	if design == "" {
		design = "Not specified"
	}
	n := "Not specified"
	if s.NTotal > 0 {
		n = fmt.Sprintf("%d", s.NTotal)
	}
	return fmt.Sprintf("Study ID: %s\nDesign: %s\nSample Size: %s\nOutcomes: %d reported",
		s.StudyID, design, n, len(s.Outcomes))
}
