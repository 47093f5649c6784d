package models

// EffectMetric identifies the effect-size scale an outcome is reported on.
// Log variants carry the effect already log-transformed; pooling happens on
// whatever scale the metric declares and results keep the tag so callers can
// exponentiate where appropriate.
type EffectMetric string

const (
	MetricMD    EffectMetric = "MD"
	MetricSMD   EffectMetric = "SMD"
	MetricOR    EffectMetric = "OR"
	MetricRR    EffectMetric = "RR"
	MetricHR    EffectMetric = "HR"
	MetricLogOR EffectMetric = "logOR"
	MetricLogRR EffectMetric = "logRR"
	MetricLogHR EffectMetric = "logHR"
)

// Valid reports whether m is one of the recognized metrics.
func (m EffectMetric) Valid() bool {
	switch m {
	case MetricMD, MetricSMD, MetricOR, MetricRR, MetricHR,
		MetricLogOR, MetricLogRR, MetricLogHR:
		return true
	}
	return false
}

// LogScale reports whether effects under this metric live on the log scale.
func (m EffectMetric) LogScale() bool {
	switch m {
	case MetricLogOR, MetricLogRR, MetricLogHR:
		return true
	}
	return false
}

// OutcomeEffect is a single reported effect for one outcome in one study.
// Var is the squared standard error of Effect.
type OutcomeEffect struct {
	Name   string       `json:"name"`
	Metric EffectMetric `json:"effect_metric"`
	Effect float64      `json:"effect"`
	Var    float64      `json:"var"`
}

// StudyRecord describes one included study.
type StudyRecord struct {
	StudyID  string          `json:"study_id"`
	Design   string          `json:"design,omitempty"`
	NTotal   int             `json:"n_total,omitempty"`
	Outcomes []OutcomeEffect `json:"outcomes"`
}

// SearchDescriptor describes one database search.
type SearchDescriptor struct {
	DB       string   `json:"db"`
	Platform string   `json:"platform,omitempty"`
	Dates    string   `json:"dates,omitempty"`
	Strategy string   `json:"strategy,omitempty"`
	Limits   []string `json:"limits,omitempty"`
}

// ExclusionReason is one full-text exclusion bucket in the flow diagram.
type ExclusionReason struct {
	Reason string `json:"reason"`
	N      int    `json:"n"`
}

// FlowCounts holds PRISMA flow-diagram counts. Pointers distinguish a
// reported zero from an unreported count.
type FlowCounts struct {
	Identified   *int              `json:"identified,omitempty"`
	Deduplicated *int              `json:"deduplicated,omitempty"`
	Screened     *int              `json:"screened,omitempty"`
	FullText     *int              `json:"fulltext,omitempty"`
	Included     *int              `json:"included,omitempty"`
	Excluded     []ExclusionReason `json:"excluded,omitempty"`
}

// Question is the structured research question (PICO or a variant framework).
type Question struct {
	Framework    string   `json:"framework"`
	Population   string   `json:"population,omitempty"`
	Intervention string   `json:"intervention,omitempty"`
	Comparator   string   `json:"comparator,omitempty"`
	Outcomes     []string `json:"outcomes,omitempty"`
}

// Manuscript is the structured record of a systematic-review paper under
// audit. A run works on its own copy: agents may normalize or annotate fields
// but never delete data.
type Manuscript struct {
	ID              string                 `json:"manuscript_id"`
	Title           string                 `json:"title,omitempty"`
	Journal         string                 `json:"journal,omitempty"`
	Question        *Question              `json:"question,omitempty"`
	Protocol        map[string]interface{} `json:"protocol,omitempty"`
	Search          []SearchDescriptor     `json:"search,omitempty"`
	Flow            *FlowCounts            `json:"flow,omitempty"`
	IncludedStudies []StudyRecord          `json:"included_studies,omitempty"`
}

// Severity is the ordered issue severity scale.
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// Rank returns the ordering index of a severity (low < medium < high).
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 0
	case SeverityMedium:
		return 1
	case SeverityHigh:
		return 2
	}
	return -1
}

// Category classifies what aspect of the manuscript an issue concerns.
type Category string

const (
	CategoryQuestion   Category = "question-framing"
	CategoryReporting  Category = "reporting-compliance"
	CategoryStatistics Category = "statistics"
	CategoryData       Category = "data-quality"
	CategoryOther      Category = "other"
)

// Issue is a single structured finding. Issues are append-only within a run
// and never mutated after creation.
type Issue struct {
	ID             string                 `json:"id"`
	Severity       Severity               `json:"severity"`
	Category       Category               `json:"category"`
	Finding        string                 `json:"finding"`
	Evidence       map[string]interface{} `json:"evidence,omitempty"`
	Recommendation string                 `json:"recommendation,omitempty"`
	Agent          string                 `json:"agent"`
}

// PoolingModel selects between fixed-effect and random-effects pooling.
type PoolingModel string

const (
	ModelFixed  PoolingModel = "fixed"
	ModelRandom PoolingModel = "random"
)

// MetaResult is the pooled statistic for one outcome. Q, I2 and Tau2 are only
// present when k >= 2.
type MetaResult struct {
	Outcome string       `json:"outcome"`
	K       int          `json:"k"`
	Model   PoolingModel `json:"model"`
	Metric  EffectMetric `json:"effect_metric"`
	Pooled  float64      `json:"pooled"`
	SE      float64      `json:"se"`
	CILow   float64      `json:"ci_low"`
	CIHigh  float64      `json:"ci_high"`
	Q       *float64     `json:"Q,omitempty"`
	I2      *float64     `json:"I2,omitempty"`
	Tau2    *float64     `json:"tau2,omitempty"`
}

// AnalysisMethod describes how an agent produced its output.
type AnalysisMethod string

const (
	MethodRuleBased   AnalysisMethod = "rule-based"
	MethodLLMEnhanced AnalysisMethod = "llm-enhanced"
)

// MethodRecord is one method-ledger entry: which method an agent ended up
// using and why it fell back if it did.
type MethodRecord struct {
	Agent          string         `json:"agent"`
	Method         AnalysisMethod `json:"method"`
	LLMModel       string         `json:"llm_model,omitempty"`
	LLMProvider    string         `json:"llm_provider,omitempty"`
	FallbackReason string         `json:"fallback_reason,omitempty"`
	LLMCalls       int            `json:"llm_calls"`
	TokensUsed     int            `json:"tokens_used,omitempty"`
	CostUSD        float64        `json:"cost_usd,omitempty"`
}

// AnalysisMetadata is the derived view over the method ledger, computed once
// at finalization and never mutated afterward.
type AnalysisMetadata struct {
	Methods          []MethodRecord `json:"analysis_methods"`
	LLMUsed          bool           `json:"llm_used"`
	TotalLLMCalls    int            `json:"total_llm_calls"`
	TotalTokens      int            `json:"total_tokens,omitempty"`
	EstimatedCostUSD float64        `json:"estimated_cost_usd,omitempty"`
}

// ReviewResult is the aggregated output of one audit run.
type ReviewResult struct {
	Issues     []Issue          `json:"issues"`
	Meta       []MetaResult     `json:"meta"`
	Metadata   AnalysisMetadata `json:"analysis_metadata"`
	Manuscript Manuscript       `json:"manuscript"`
}

// IntPtr is a convenience for building FlowCounts literals.
func IntPtr(v int) *int { return &v }
