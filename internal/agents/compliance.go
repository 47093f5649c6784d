package agents

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/scivet/revaudit/internal/models"
)

// ComplianceAgent checks PRISMA reporting completeness: protocol
// registration, search strategy coverage, flow-count arithmetic, and
// per-study reporting. It is fully rule-based; the contract keeps an LLM
// extension point but none is wired today.
type ComplianceAgent struct {
	deps Deps
}

func NewComplianceAgent(deps Deps) *ComplianceAgent { return &ComplianceAgent{deps: deps} }

func (a *ComplianceAgent) Name() string { return NameCompliance }

var coreDatabases = map[string]bool{
	"medline": true,
	"pubmed":  true,
	"embase":  true,
}

func (a *ComplianceAgent) Run(ctx context.Context, runID string, m *models.Manuscript) Result {
	start := time.Now()

	var issues []models.Issue
	issues = append(issues, a.checkProtocol(m)...)
	issues = append(issues, a.checkSearch(m.Search)...)
	issues = append(issues, a.checkFlow(m.Flow)...)
	issues = append(issues, a.checkStudies(m.IncludedStudies)...)

	observe(NameCompliance, start, issues)
	return Result{
		Issues: issues,
		Method: models.MethodRecord{
			Agent:  NameCompliance,
			Method: models.MethodRuleBased,
		},
	}
}

func (a *ComplianceAgent) checkProtocol(m *models.Manuscript) []models.Issue {
	if len(m.Protocol) == 0 {
		return []models.Issue{{
			ID:             "PRISMA-PROTOCOL-001",
			Severity:       models.SeverityHigh,
			Category:       models.CategoryReporting,
			Finding:        "No protocol registration reported",
			Recommendation: "Register the protocol in PROSPERO, OSF, or a similar registry before starting the review.",
			Agent:          NameCompliance,
		}}
	}
	var issues []models.Issue
	if id, ok := m.Protocol["prospero_id"].(string); ok && id != "" && !strings.HasPrefix(id, "CRD") {
		issues = append(issues, models.Issue{
			ID:             "PRISMA-PROTOCOL-002",
			Severity:       models.SeverityMedium,
			Category:       models.CategoryReporting,
			Finding:        "Invalid PROSPERO ID format",
			Evidence:       map[string]interface{}{"provided_id": id},
			Recommendation: "PROSPERO IDs start with 'CRD' followed by digits.",
			Agent:          NameCompliance,
		})
	}
	return issues
}

func (a *ComplianceAgent) checkSearch(search []models.SearchDescriptor) []models.Issue {
	if len(search) == 0 {
		return []models.Issue{{
			ID:             "PRISMA-SEARCH-000",
			Severity:       models.SeverityHigh,
			Category:       models.CategoryReporting,
			Finding:        "No search strategy reported",
			Recommendation: "Report at least MEDLINE and one additional database; include dates and full strings.",
			Agent:          NameCompliance,
		}}
	}

	var issues []models.Issue

	missingDates := false
	dbs := make(map[string]bool, len(search))
	var thinStrategies []string
	for _, s := range search {
		if s.Dates == "" {
			missingDates = true
		}
		dbs[strings.ToLower(s.DB)] = true
		if len(strings.TrimSpace(s.Strategy)) < 10 {
			thinStrategies = append(thinStrategies, s.DB)
		}
	}

	if missingDates {
		issues = append(issues, models.Issue{
			ID:             "PRISMA-SEARCH-001",
			Severity:       models.SeverityMedium,
			Category:       models.CategoryReporting,
			Finding:        "Missing date ranges for one or more databases",
			Recommendation: "Add explicit search date ranges for each database (e.g. inception to YYYY-MM-DD).",
			Agent:          NameCompliance,
		})
	}
	if len(dbs) < 2 {
		issues = append(issues, models.Issue{
			ID:             "PRISMA-SEARCH-002",
			Severity:       models.SeverityMedium,
			Category:       models.CategoryReporting,
			Finding:        "Only one database reported",
			Recommendation: "Search multiple databases (e.g. MEDLINE + Embase/CENTRAL) and justify any limits.",
			Agent:          NameCompliance,
		})
	}
	hasCore := false
	for db := range dbs {
		if coreDatabases[db] {
			hasCore = true
			break
		}
	}
	if !hasCore {
		searched := make([]string, 0, len(search))
		for _, s := range search {
			searched = append(searched, s.DB)
		}
		issues = append(issues, models.Issue{
			ID:             "PRISMA-SEARCH-003",
			Severity:       models.SeverityHigh,
			Category:       models.CategoryReporting,
			Finding:        "Missing core medical databases",
			Evidence:       map[string]interface{}{"searched_dbs": searched},
			Recommendation: "Include MEDLINE/PubMed and at least one other major database (Embase, CENTRAL).",
			Agent:          NameCompliance,
		})
	}
	if len(thinStrategies) > 0 {
		issues = append(issues, models.Issue{
			ID:             "PRISMA-SEARCH-004",
			Severity:       models.SeverityMedium,
			Category:       models.CategoryReporting,
			Finding:        "Insufficient search strategy detail",
			Evidence:       map[string]interface{}{"databases_missing_strategy": thinStrategies},
			Recommendation: "Provide full search strings for each database, including MeSH terms and keywords.",
			Agent:          NameCompliance,
		})
	}
	return issues
}

func (a *ComplianceAgent) checkFlow(flow *models.FlowCounts) []models.Issue {
	if flow == nil {
		return []models.Issue{{
			ID:             "PRISMA-FLOW-000",
			Severity:       models.SeverityHigh,
			Category:       models.CategoryReporting,
			Finding:        "No PRISMA flow provided",
			Recommendation: "Provide identification, screening, eligibility and included counts with exclusion reasons.",
			Agent:          NameCompliance,
		}}
	}

	var issues []models.Issue

	counts := map[string]*int{
		"identified":   flow.Identified,
		"deduplicated": flow.Deduplicated,
		"screened":     flow.Screened,
		"fulltext":     flow.FullText,
		"included":     flow.Included,
	}
	present := map[string]interface{}{}
	incomplete := false
	for name, v := range counts {
		if v == nil {
			incomplete = true
			present[name] = nil
		} else {
			present[name] = *v
		}
	}
	if incomplete {
		issues = append(issues, models.Issue{
			ID:             "PRISMA-FLOW-001",
			Severity:       models.SeverityMedium,
			Category:       models.CategoryReporting,
			Finding:        "Incomplete PRISMA counts",
			Evidence:       map[string]interface{}{"present": present},
			Recommendation: "Report all key counts; ensure totals are traceable.",
			Agent:          NameCompliance,
		})
	}

	// Each stage of the flow can only shrink.
	chain := []struct {
		outer, inner string
		a, b         *int
	}{
		{"identified", "deduplicated", flow.Identified, flow.Deduplicated},
		{"deduplicated", "screened", flow.Deduplicated, flow.Screened},
		{"screened", "fulltext", flow.Screened, flow.FullText},
		{"fulltext", "included", flow.FullText, flow.Included},
	}
	for _, c := range chain {
		if c.a != nil && c.b != nil && *c.b > *c.a {
			issues = append(issues, models.Issue{
				ID:       fmt.Sprintf("PRISMA-FLOW-002-%s", c.inner),
				Severity: models.SeverityHigh,
				Category: models.CategoryReporting,
				Finding:  fmt.Sprintf("Flow count %q exceeds %q", c.inner, c.outer),
				Evidence: map[string]interface{}{
					c.outer: *c.a,
					c.inner: *c.b,
				},
				Recommendation: fmt.Sprintf("Verify counts; %s should be ≤ %s.", c.inner, c.outer),
				Agent:          NameCompliance,
			})
		}
	}

	if flow.FullText != nil && flow.Included != nil && len(flow.Excluded) > 0 {
		sum := 0
		for _, e := range flow.Excluded {
			sum += e.N
		}
		if sum != *flow.FullText-*flow.Included {
			issues = append(issues, models.Issue{
				ID:       "PRISMA-FLOW-003",
				Severity: models.SeverityHigh,
				Category: models.CategoryReporting,
				Finding:  "Exclusion reasons do not account for full-text exclusions",
				Evidence: map[string]interface{}{
					"fulltext":     *flow.FullText,
					"included":     *flow.Included,
					"excluded_sum": sum,
				},
				Recommendation: "Exclusion reason counts should sum to full-text minus included.",
				Agent:          NameCompliance,
			})
		}
	}
	return issues
}

func (a *ComplianceAgent) checkStudies(studies []models.StudyRecord) []models.Issue {
	var missingDesign, missingN []string
	for _, s := range studies {
		if s.Design == "" {
			missingDesign = append(missingDesign, s.StudyID)
		}
		if s.NTotal <= 0 {
			missingN = append(missingN, s.StudyID)
		}
	}

	var issues []models.Issue
	if len(missingDesign) > 0 {
		issues = append(issues, models.Issue{
			ID:             "PRISMA-STUDIES-001",
			Severity:       models.SeverityMedium,
			Category:       models.CategoryReporting,
			Finding:        "Some studies missing design specification",
			Evidence:       map[string]interface{}{"studies_missing_design": missingDesign},
			Recommendation: "Report study design for all included studies (RCT, cohort, case-control, etc.).",
			Agent:          NameCompliance,
		})
	}
	if len(missingN) > 0 {
		issues = append(issues, models.Issue{
			ID:             "PRISMA-STUDIES-002",
			Severity:       models.SeverityMedium,
			Category:       models.CategoryReporting,
			Finding:        "Some studies missing total sample size",
			Evidence:       map[string]interface{}{"studies_missing_n": missingN},
			Recommendation: "Report total sample size for all included studies.",
			Agent:          NameCompliance,
		})
	}
	return issues
}
