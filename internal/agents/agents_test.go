package agents

import (
	"context"
	"encoding/json"
	"math"
	"reflect"
	"testing"

	"go.uber.org/zap"

	"github.com/scivet/revaudit/internal/llm"
	"github.com/scivet/revaudit/internal/models"
)

// scriptedClient returns canned completions in order.
type scriptedClient struct {
	responses []string
	calls     int
}

func (c *scriptedClient) Complete(ctx context.Context, req llm.Request) (llm.Response, error) {
	if c.calls >= len(c.responses) {
		return llm.Response{}, llm.ErrMalformed
	}
	text := c.responses[c.calls]
	c.calls++
	return llm.Response{Text: text, Model: "scripted", Provider: "test", InputTokens: 10, OutputTokens: 10}, nil
}
func (c *scriptedClient) Model() string    { return "scripted" }
func (c *scriptedClient) Provider() string { return "test" }

// failingClient always fails with a fixed capability error.
type failingClient struct{ err error }

func (c failingClient) Complete(context.Context, llm.Request) (llm.Response, error) {
	return llm.Response{}, c.err
}
func (c failingClient) Model() string    { return "failing" }
func (c failingClient) Provider() string { return "test" }

func ruleDeps() Deps {
	return Deps{LLM: llm.Disabled{}, Logger: zap.NewNop(), UseLLM: false}
}

func sampleManuscript() *models.Manuscript {
	return &models.Manuscript{
		ID: "m-1",
		Question: &models.Question{
			Framework:    "PICO",
			Population:   "adults ≥18 years with stage 3 CKD",
			Intervention: "SGLT2 inhibitors",
			Comparator:   "placebo",
			Outcomes:     []string{"6-month Mortality"},
		},
		Protocol: map[string]interface{}{"prospero_id": "CRD42024000001"},
		Search: []models.SearchDescriptor{
			{DB: "MEDLINE", Dates: "inception-2024-01-31", Strategy: "exp kidney disease/ AND sglt2"},
			{DB: "Embase", Dates: "inception-2024-01-31", Strategy: "kidney AND sglt2 inhibitor"},
		},
		Flow: &models.FlowCounts{
			Identified:   models.IntPtr(1000),
			Deduplicated: models.IntPtr(800),
			Screened:     models.IntPtr(800),
			FullText:     models.IntPtr(50),
			Included:     models.IntPtr(10),
			Excluded:     []models.ExclusionReason{{Reason: "wrong population", N: 40}},
		},
		IncludedStudies: []models.StudyRecord{
			{
				StudyID: "Smith2021", Design: "RCT, computer-generated blocks", NTotal: 240,
				Outcomes: []models.OutcomeEffect{
					{Name: "6-month Mortality", Metric: models.MetricOR, Effect: 0.1, Var: 0.04},
				},
			},
			{
				StudyID: "Lee2022", Design: "RCT, central randomization", NTotal: 310,
				Outcomes: []models.OutcomeEffect{
					{Name: "6-month mortality", Metric: models.MetricOR, Effect: 0.15, Var: 0.05},
				},
			},
		},
	}
}

func hasIssue(issues []models.Issue, id string) bool {
	for _, is := range issues {
		if is.ID == id {
			return true
		}
	}
	return false
}

func TestQuestionAgentNormalizesOutcomeNames(t *testing.T) {
	m := sampleManuscript()
	a := NewQuestionAgent(ruleDeps())
	a.Run(context.Background(), "run-1", m)

	if got := m.IncludedStudies[0].Outcomes[0].Name; got != "6-month mortality" {
		t.Errorf("study outcome not normalized: %q", got)
	}
	if got := m.Question.Outcomes[0]; got != "6-month mortality" {
		t.Errorf("question outcome not normalized: %q", got)
	}
}

func TestQuestionAgentMissingFields(t *testing.T) {
	m := &models.Manuscript{ID: "m-1"}
	res := NewQuestionAgent(ruleDeps()).Run(context.Background(), "run-1", m)

	if !hasIssue(res.Issues, "PICO-001") {
		t.Fatal("missing PICO-001 for absent question")
	}
	for _, is := range res.Issues {
		if is.ID == "PICO-001" && is.Severity != models.SeverityHigh {
			t.Errorf("PICO-001 severity = %s, want high for >2 missing fields", is.Severity)
		}
	}
	if res.Method.Method != models.MethodRuleBased || res.Method.FallbackReason != "llm disabled" {
		t.Errorf("method record = %+v", res.Method)
	}
}

func TestQuestionAgentOutcomeAndPopulationChecks(t *testing.T) {
	m := &models.Manuscript{
		ID: "m-1",
		Question: &models.Question{
			Framework:    "SPIDER",
			Population:   "patients with diabetes",
			Intervention: "metformin",
			Comparator:   "placebo",
			Outcomes:     []string{"composite of mace", "hba1c change"},
		},
	}
	res := NewQuestionAgent(ruleDeps()).Run(context.Background(), "run-1", m)

	for _, id := range []string{"PICO-002", "PICO-003", "PICO-004", "PICO-005", "PICO-006"} {
		if !hasIssue(res.Issues, id) {
			t.Errorf("expected issue %s", id)
		}
	}
}

func TestComplianceAgentCleanManuscript(t *testing.T) {
	res := NewComplianceAgent(ruleDeps()).Run(context.Background(), "run-1", sampleManuscript())
	for _, is := range res.Issues {
		t.Errorf("unexpected issue on clean manuscript: %s (%s)", is.ID, is.Finding)
	}
	if res.Method.Method != models.MethodRuleBased || res.Method.FallbackReason != "" {
		t.Errorf("method record = %+v", res.Method)
	}
}

func TestComplianceAgentFlowArithmetic(t *testing.T) {
	m := sampleManuscript()
	// Excluded no longer accounts for fulltext - included.
	m.Flow.Excluded = []models.ExclusionReason{{Reason: "wrong population", N: 30}}
	res := NewComplianceAgent(ruleDeps()).Run(context.Background(), "run-1", m)
	if !hasIssue(res.Issues, "PRISMA-FLOW-003") {
		t.Error("expected PRISMA-FLOW-003 for inconsistent exclusion counts")
	}

	m = sampleManuscript()
	*m.Flow.Deduplicated = 1200
	res = NewComplianceAgent(ruleDeps()).Run(context.Background(), "run-1", m)
	if !hasIssue(res.Issues, "PRISMA-FLOW-002-deduplicated") {
		t.Error("expected PRISMA-FLOW-002-deduplicated when deduplicated exceeds identified")
	}
}

func TestComplianceAgentSearchChecks(t *testing.T) {
	m := sampleManuscript()
	m.Search = []models.SearchDescriptor{{DB: "Scopus", Strategy: "sglt2"}}
	res := NewComplianceAgent(ruleDeps()).Run(context.Background(), "run-1", m)

	for _, id := range []string{"PRISMA-SEARCH-001", "PRISMA-SEARCH-002", "PRISMA-SEARCH-003", "PRISMA-SEARCH-004"} {
		if !hasIssue(res.Issues, id) {
			t.Errorf("expected issue %s", id)
		}
	}

	m.Search = nil
	res = NewComplianceAgent(ruleDeps()).Run(context.Background(), "run-1", m)
	if !hasIssue(res.Issues, "PRISMA-SEARCH-000") {
		t.Error("expected PRISMA-SEARCH-000 for missing search")
	}
}

func TestComplianceAgentProtocol(t *testing.T) {
	m := sampleManuscript()
	m.Protocol = nil
	res := NewComplianceAgent(ruleDeps()).Run(context.Background(), "run-1", m)
	if !hasIssue(res.Issues, "PRISMA-PROTOCOL-001") {
		t.Error("expected PRISMA-PROTOCOL-001 for missing protocol")
	}

	m.Protocol = map[string]interface{}{"prospero_id": "XYZ123"}
	res = NewComplianceAgent(ruleDeps()).Run(context.Background(), "run-1", m)
	if !hasIssue(res.Issues, "PRISMA-PROTOCOL-002") {
		t.Error("expected PRISMA-PROTOCOL-002 for malformed PROSPERO id")
	}
}

func TestBiasAgentRuleChecks(t *testing.T) {
	m := &models.Manuscript{
		ID: "m-1",
		IncludedStudies: []models.StudyRecord{
			{StudyID: "NoDesign", NTotal: 100, Outcomes: []models.OutcomeEffect{
				{Name: "x", Metric: models.MetricMD, Effect: 1, Var: 1},
			}},
			{StudyID: "BareRCT", Design: "RCT", NTotal: 0},
		},
	}
	res := NewBiasAgent(ruleDeps()).Run(context.Background(), "run-1", m)

	for _, id := range []string{
		"ROB-DESIGN-001-NoDesign",
		"ROB-RANDOM-001-BareRCT",
		"ROB-SAMPLE-001-BareRCT",
		"ROB-OUTCOMES-001-BareRCT",
		"ROB-REPORTING-001",
	} {
		if !hasIssue(res.Issues, id) {
			t.Errorf("expected issue %s", id)
		}
	}
}

func TestBiasAgentLLMDomains(t *testing.T) {
	assessment := `{"overall_rob":"high","domains":{"randomization":{"judgment":"high","rationale":"no allocation concealment"},"missing_data":{"judgment":"low","rationale":""}},"summary":"high risk"}`
	client := &scriptedClient{responses: []string{assessment, assessment}}
	m := sampleManuscript()

	res := NewBiasAgent(Deps{LLM: client, Logger: zap.NewNop(), UseLLM: true}).
		Run(context.Background(), "run-1", m)

	if res.Method.Method != models.MethodLLMEnhanced {
		t.Fatalf("method = %+v", res.Method)
	}
	if res.Method.LLMCalls != 2 {
		t.Errorf("llm calls = %d, want one per study", res.Method.LLMCalls)
	}
	if !hasIssue(res.Issues, "ROB-OVERALL-001-Smith2021") {
		t.Error("missing overall judgment issue")
	}
	if !hasIssue(res.Issues, "ROB-RANDOMIZATION-001-Smith2021") {
		t.Error("missing domain judgment issue")
	}
	// Low-judgment domains raise nothing.
	if hasIssue(res.Issues, "ROB-MISSING_DATA-001-Smith2021") {
		t.Error("low-risk domain should not raise an issue")
	}
}

func TestStatisticsAgentZeroStudies(t *testing.T) {
	m := &models.Manuscript{ID: "m-1"}
	res := NewStatisticsAgent(ruleDeps()).Run(context.Background(), "run-1", m)
	if len(res.Meta) != 0 {
		t.Errorf("meta results for zero studies: %v", res.Meta)
	}
	if len(res.Issues) != 0 {
		t.Errorf("issues for zero studies: %v", res.Issues)
	}
}

func TestStatisticsAgentSingleStudyFixed(t *testing.T) {
	m := &models.Manuscript{
		ID: "m-1",
		IncludedStudies: []models.StudyRecord{
			{StudyID: "S1", Outcomes: []models.OutcomeEffect{
				{Name: "pain score", Metric: models.MetricMD, Effect: -1.2, Var: 0.09},
			}},
		},
	}
	res := NewStatisticsAgent(ruleDeps()).Run(context.Background(), "run-1", m)
	if len(res.Meta) != 1 {
		t.Fatalf("got %d meta results, want 1", len(res.Meta))
	}
	r := res.Meta[0]
	if r.Model != models.ModelFixed || r.K != 1 {
		t.Errorf("model/k = %s/%d", r.Model, r.K)
	}
	if r.SE != math.Sqrt(0.09) {
		t.Errorf("se = %g, want sqrt(var) exactly", r.SE)
	}
	if r.Q != nil || r.I2 != nil || r.Tau2 != nil {
		t.Error("heterogeneity statistics present for k=1")
	}
}

func TestStatisticsAgentMortalityScenario(t *testing.T) {
	m := sampleManuscript()
	// The question agent canonicalizes outcome names first, so "6-month
	// Mortality" and "6-month mortality" pool together.
	NewQuestionAgent(ruleDeps()).Run(context.Background(), "run-1", m)
	res := NewStatisticsAgent(ruleDeps()).Run(context.Background(), "run-1", m)
	if len(res.Meta) != 1 {
		t.Fatalf("got %d meta results, want 1", len(res.Meta))
	}
	r := res.Meta[0]
	if r.Model != models.ModelRandom || r.K != 2 {
		t.Errorf("model/k = %s/%d, want random/2", r.Model, r.K)
	}
	if math.Abs(r.Pooled-0.122) > 0.005 {
		t.Errorf("pooled = %g, want ≈0.122", r.Pooled)
	}
	if r.Tau2 == nil || *r.Tau2 != 0 {
		t.Errorf("tau2 = %v, want 0 for nearly identical effects", r.Tau2)
	}
	if r.I2 == nil || *r.I2 > 5 {
		t.Errorf("I2 = %v, want low", r.I2)
	}
	if r.Metric != models.MetricOR {
		t.Errorf("metric = %s", r.Metric)
	}
}

func TestStatisticsAgentExclusions(t *testing.T) {
	m := &models.Manuscript{
		ID: "m-1",
		IncludedStudies: []models.StudyRecord{
			{StudyID: "S1", Outcomes: []models.OutcomeEffect{
				{Name: "mortality", Metric: models.MetricOR, Effect: 0.5, Var: 0.1},
			}},
			{StudyID: "S2", Outcomes: []models.OutcomeEffect{
				{Name: "mortality", Metric: models.MetricRR, Effect: 0.6, Var: 0.1},
			}},
			{StudyID: "S3", Outcomes: []models.OutcomeEffect{
				{Name: "mortality", Metric: models.MetricOR, Effect: 0.4, Var: 0},
			}},
		},
	}
	res := NewStatisticsAgent(ruleDeps()).Run(context.Background(), "run-1", m)

	if !hasIssue(res.Issues, "STATS-METRIC-001-S2-mortality") {
		t.Error("expected metric mismatch issue for S2")
	}
	if !hasIssue(res.Issues, "STATS-VAR-001-S3-mortality") {
		t.Error("expected variance issue for S3")
	}
	// Pooling proceeds over the single remaining study.
	if len(res.Meta) != 1 || res.Meta[0].K != 1 {
		t.Fatalf("meta = %+v", res.Meta)
	}
}

func TestStatisticsAgentAllExcluded(t *testing.T) {
	m := &models.Manuscript{
		ID: "m-1",
		IncludedStudies: []models.StudyRecord{
			{StudyID: "S1", Outcomes: []models.OutcomeEffect{
				{Name: "mortality", Metric: models.MetricOR, Effect: 0.5, Var: -1},
			}},
		},
	}
	res := NewStatisticsAgent(ruleDeps()).Run(context.Background(), "run-1", m)
	if len(res.Meta) != 0 {
		t.Errorf("meta = %+v, want none", res.Meta)
	}
	if !hasIssue(res.Issues, "STATS-POOL-001-mortality") {
		t.Error("expected no-poolable-studies issue")
	}
}

func TestRuleBasedPathIsIdempotent(t *testing.T) {
	run := func() ([]byte, []byte) {
		m := sampleManuscript()
		deps := ruleDeps()
		var issues []models.Issue
		var meta []models.MetaResult
		for _, a := range All(deps) {
			res := a.Run(context.Background(), "run-1", m)
			issues = append(issues, res.Issues...)
			meta = append(meta, res.Meta...)
		}
		ib, err := json.Marshal(issues)
		if err != nil {
			t.Fatal(err)
		}
		mb, err := json.Marshal(meta)
		if err != nil {
			t.Fatal(err)
		}
		return ib, mb
	}

	i1, m1 := run()
	i2, m2 := run()
	if !reflect.DeepEqual(i1, i2) {
		t.Error("issues differ between identical rule-based runs")
	}
	if !reflect.DeepEqual(m1, m2) {
		t.Error("meta results differ between identical rule-based runs")
	}
}

func TestFallbackOnEveryFailureClass(t *testing.T) {
	for _, tc := range []struct {
		err    error
		reason string
	}{
		{llm.ErrAuth, "llm authentication failed"},
		{llm.ErrTimeout, "llm request timed out"},
		{llm.ErrMalformed, "llm response unparseable"},
		{llm.ErrRateLimited, "llm rate/cost limit exceeded"},
		{llm.ErrUnavailable, "llm service unavailable"},
	} {
		deps := Deps{LLM: failingClient{err: tc.err}, Logger: zap.NewNop(), UseLLM: true}
		for _, a := range []Agent{NewQuestionAgent(deps), NewBiasAgent(deps), NewStatisticsAgent(deps)} {
			res := a.Run(context.Background(), "run-1", sampleManuscript())
			if res.Method.Method != models.MethodRuleBased {
				t.Errorf("%s with %v: method = %s, want rule-based", a.Name(), tc.err, res.Method.Method)
			}
			if res.Method.FallbackReason != tc.reason {
				t.Errorf("%s with %v: fallback_reason = %q, want %q",
					a.Name(), tc.err, res.Method.FallbackReason, tc.reason)
			}
		}
	}
}
