package agents

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/scivet/revaudit/internal/metastats"
	"github.com/scivet/revaudit/internal/models"
)

// StatisticsAgent recomputes meta-analytic pooling for every outcome
// reported by the included studies. Numeric results come exclusively from
// the metastats engine; the LLM augmentation adds interpretive commentary
// as issues and never alters the numbers.
type StatisticsAgent struct {
	deps Deps
}

func NewStatisticsAgent(deps Deps) *StatisticsAgent { return &StatisticsAgent{deps: deps} }

func (a *StatisticsAgent) Name() string { return NameStatistics }

// outcomeGroup collects the poolable effects for one outcome name, in
// first-appearance study order.
type outcomeGroup struct {
	name    string
	metric  models.EffectMetric
	effects []metastats.Effect
}

func (a *StatisticsAgent) Run(ctx context.Context, runID string, m *models.Manuscript) Result {
	start := time.Now()

	groups, issues := a.groupOutcomes(m)

	var results []models.MetaResult
	for _, g := range groups {
		pooled, err := metastats.Pool(g.effects, metastats.ChooseModel(len(g.effects)))
		if err != nil {
			if errors.Is(err, metastats.ErrNoStudies) {
				issues = append(issues, models.Issue{
					ID:       fmt.Sprintf("STATS-POOL-001-%s", slug(g.name)),
					Severity: models.SeverityMedium,
					Category: models.CategoryData,
					Finding:  fmt.Sprintf("No poolable studies remain for outcome %q", g.name),
					Evidence: map[string]interface{}{"outcome": g.name},
					Recommendation: "Report usable effect estimates (finite effect, positive variance) " +
						"for this outcome or drop it from the synthesis.",
					Agent: NameStatistics,
				})
				continue
			}
			issues = append(issues, models.Issue{
				ID:       fmt.Sprintf("STATS-POOL-002-%s", slug(g.name)),
				Severity: models.SeverityMedium,
				Category: models.CategoryStatistics,
				Finding:  fmt.Sprintf("Pooling failed for outcome %q", g.name),
				Evidence: map[string]interface{}{"outcome": g.name, "error": err.Error()},
				Agent:    NameStatistics,
			})
			continue
		}
		results = append(results, pooled.Result(g.name, g.metric))
	}

	var tr callTracker
	var llmErr error
	if len(results) > 0 {
		var llmIssues []models.Issue
		llmIssues, llmErr = a.llmInterpretation(ctx, runID, results, &tr)
		issues = append(issues, llmIssues...)
	}

	observe(NameStatistics, start, issues)
	return Result{
		Issues: issues,
		Meta:   results,
		Method: a.deps.method(NameStatistics, tr, llmErr),
	}
}

// groupOutcomes walks the studies in order, grouping effects by outcome
// name. The first valid metric seen for an outcome becomes its reference
// metric; effects under a different or unrecognized metric, and effects
// with non-positive variance, are excluded with a data-quality issue.
func (a *StatisticsAgent) groupOutcomes(m *models.Manuscript) ([]*outcomeGroup, []models.Issue) {
	var order []string
	groups := map[string]*outcomeGroup{}
	var issues []models.Issue

	for _, s := range m.IncludedStudies {
		for _, o := range s.Outcomes {
			g, seen := groups[o.Name]
			if !seen {
				if !o.Metric.Valid() {
					issues = append(issues, metricIssue(s.StudyID, o, "unrecognized effect metric"))
					continue
				}
				g = &outcomeGroup{name: o.Name, metric: o.Metric}
				groups[o.Name] = g
				order = append(order, o.Name)
			} else if o.Metric != g.metric {
				issues = append(issues, metricIssue(s.StudyID, o,
					fmt.Sprintf("metric %s does not match the outcome's reference metric %s", o.Metric, g.metric)))
				continue
			}
			if o.Var <= 0 {
				issues = append(issues, models.Issue{
					ID:       fmt.Sprintf("STATS-VAR-001-%s-%s", s.StudyID, slug(o.Name)),
					Severity: models.SeverityMedium,
					Category: models.CategoryData,
					Finding:  fmt.Sprintf("Non-positive variance for outcome %q in study %s", o.Name, s.StudyID),
					Evidence: map[string]interface{}{
						"study_id": s.StudyID,
						"outcome":  o.Name,
						"var":      o.Var,
					},
					Recommendation: "Report the squared standard error of the effect; it must be positive.",
					Agent:          NameStatistics,
				})
				continue
			}
			g.effects = append(g.effects, metastats.Effect{
				StudyID: s.StudyID,
				Effect:  o.Effect,
				Var:     o.Var,
			})
		}
	}

	out := make([]*outcomeGroup, 0, len(order))
	for _, name := range order {
		out = append(out, groups[name])
	}
	return out, issues
}

func metricIssue(studyID string, o models.OutcomeEffect, reason string) models.Issue {
	return models.Issue{
		ID:       fmt.Sprintf("STATS-METRIC-001-%s-%s", studyID, slug(o.Name)),
		Severity: models.SeverityMedium,
		Category: models.CategoryData,
		Finding:  fmt.Sprintf("Outcome %q in study %s excluded from pooling: %s", o.Name, studyID, reason),
		Evidence: map[string]interface{}{
			"study_id": studyID,
			"outcome":  o.Name,
			"metric":   string(o.Metric),
		},
		Recommendation: "Report all studies for one outcome on the same effect-size metric.",
		Agent:          NameStatistics,
	}
}

func slug(name string) string {
	return strings.ReplaceAll(strings.ToLower(name), " ", "-")
}

type metaInterpretation struct {
	ClinicalSignificance    string `json:"clinical_significance"`
	HeterogeneityAssessment struct {
		Level         string   `json:"level"`
		LikelySources []string `json:"likely_sources"`
	} `json:"heterogeneity_assessment"`
	ClinicalInterpretation string `json:"clinical_interpretation"`
	Flags                  []struct {
		Severity       string `json:"severity"`
		Description    string `json:"description"`
		Recommendation string `json:"recommendation"`
	} `json:"flags"`
}

func (a *StatisticsAgent) llmInterpretation(ctx context.Context, runID string, results []models.MetaResult, tr *callTracker) ([]models.Issue, error) {
	var b strings.Builder
	for _, r := range results {
		fmt.Fprintf(&b, "Outcome: %s (%s), k=%d, model=%s\n", r.Outcome, r.Metric, r.K, r.Model)
		fmt.Fprintf(&b, "  Pooled effect: %.4f, 95%% CI [%.4f, %.4f]\n", r.Pooled, r.CILow, r.CIHigh)
		if r.I2 != nil && r.Tau2 != nil {
			fmt.Fprintf(&b, "  I²: %.1f%%, τ²: %.4f\n", *r.I2, *r.Tau2)
		}
	}

	var interp metaInterpretation
	err := a.deps.complete(ctx, runID, NameStatistics, "meta_analysis_interpretation",
		map[string]string{"results_summary": b.String()}, &interp, tr)
	if err != nil {
		a.deps.Logger.Debug("statistics llm interpretation unavailable",
			zap.String("run_id", runID), zap.Error(err))
		return nil, err
	}

	var issues []models.Issue
	if interp.ClinicalInterpretation != "" {
		issues = append(issues, models.Issue{
			ID:       "STATS-LLM-001",
			Severity: models.SeverityLow,
			Category: models.CategoryStatistics,
			Finding:  "Meta-analysis interpretation",
			Evidence: map[string]interface{}{
				"clinical_significance": interp.ClinicalSignificance,
				"heterogeneity_level":   interp.HeterogeneityAssessment.Level,
				"interpretation":        interp.ClinicalInterpretation,
			},
			Agent: NameStatistics,
		})
	}
	for i, f := range interp.Flags {
		severity := models.Severity(f.Severity)
		if severity.Rank() < 0 {
			severity = models.SeverityLow
		}
		issues = append(issues, models.Issue{
			ID:             fmt.Sprintf("STATS-LLM-%03d", i+2),
			Severity:       severity,
			Category:       models.CategoryStatistics,
			Finding:        f.Description,
			Recommendation: f.Recommendation,
			Agent:          NameStatistics,
		})
	}
	return issues, nil
}
