package llm

import (
	"fmt"
	"strings"
)

// Prompt pairs a system instruction with a user template. Templates use
// {name} placeholders filled by Format.
type Prompt struct {
	System string
	User   string
}

// Format substitutes {key} placeholders in the user template.
func (p Prompt) Format(args map[string]string) string {
	out := p.User
	for k, v := range args {
		out = strings.ReplaceAll(out, "{"+k+"}", v)
	}
	return out
}

// Named prompt registry for the review agents. Each template demands a JSON
// object back so responses can be parsed with ExtractJSON.
var prompts = map[string]Prompt{
	"pico_extraction": {
		System: `You are an expert systematic review methodologist. Extract PICO elements from manuscript text with high precision: population (demographics, conditions, settings), intervention (treatments, exposures, tests), comparator (controls, alternatives), outcomes (endpoints with timeframes). Be conservative and only extract elements that are explicitly stated. Return structured JSON only.`,
		User: `Extract PICO elements from this systematic review text:

{manuscript_text}

Return a JSON object with this exact structure:
{
  "population": "specific population description or null",
  "intervention": "intervention description or null",
  "comparator": "comparator description or null",
  "outcomes": ["outcome1", "outcome2"],
  "confidence": "high|medium|low",
  "extraction_notes": "brief notes about extraction quality"
}`,
	},
	// prisma_assessment and search_strategy_review back the compliance
	// agent's planned model-assisted mode; the agent is rule-based today.
	"prisma_assessment": {
		System: `You are a systematic review quality assessor specializing in PRISMA 2020 guidelines. Evaluate manuscripts for reporting completeness and methodological rigor: search strategy comprehensiveness, study selection transparency, risk of bias assessment, results presentation. Provide specific, actionable feedback with evidence citations.`,
		User: `Assess this systematic review for PRISMA 2020 compliance:

Manuscript Context:
{manuscript_context}

Search Strategies: {search_count}
Included Studies: {study_count}

Return JSON with:
{
  "issues": [
    {
      "item": "PRISMA item number/description",
      "severity": "low|medium|high",
      "description": "specific issue found",
      "recommendation": "actionable improvement suggestion"
    }
  ],
  "overall_assessment": "brief summary"
}`,
	},
	"rob_assessment": {
		System: `You are a risk of bias expert using RoB 2 for randomized trials and ROBINS-I for non-randomized studies. Assess study quality across all domains: randomization and allocation concealment, deviations from intended interventions, missing outcome data, measurement issues, selective reporting. Provide domain-specific judgments with clear justifications. Return structured JSON only.`,
		User: `Assess risk of bias for this study:

Study Design: {study_design}
Study Description: {study_text}

For {assessment_tool}, evaluate:
{domains}

Return JSON assessment:
{
  "overall_rob": "low|some_concerns|high",
  "domains": {
    "domain_name": {
      "judgment": "low|some_concerns|high",
      "rationale": "specific justification"
    }
  },
  "summary": "overall risk of bias summary"
}`,
	},
	"meta_analysis_interpretation": {
		System: `You are a biostatistician specializing in systematic reviews and meta-analysis. Interpret statistical results in clinical context: effect size clinical significance, statistical versus clinical significance, heterogeneity sources and implications, confidence interval interpretation. Return structured JSON only.`,
		User: `Interpret these meta-analysis results:

{results_summary}

Provide interpretation:
{
  "clinical_significance": "high|moderate|low|negligible",
  "heterogeneity_assessment": {
    "level": "low|moderate|substantial|considerable",
    "likely_sources": ["list of potential sources"]
  },
  "clinical_interpretation": "plain language explanation for clinicians",
  "flags": [
    {
      "severity": "low|medium|high",
      "description": "statistical concern worth surfacing",
      "recommendation": "actionable suggestion"
    }
  ]
}`,
	},
	"search_strategy_review": {
		System: `You are a systematic review information specialist. Evaluate search strategies for comprehensiveness, appropriateness, and reproducibility: database selection, search term coverage, boolean logic, date restrictions, grey literature. Return structured JSON only.`,
		User: `Review this search strategy:

Research Question: {research_question}
Databases Searched: {databases}
Search Terms: {search_terms}
Date Range: {date_range}

Return assessment:
{
  "database_adequacy": "excellent|good|adequate|inadequate",
  "issues": [
    {
      "severity": "low|medium|high",
      "description": "specific gap found",
      "recommendation": "specific improvement"
    }
  ],
  "overall_assessment": "summary evaluation"
}`,
	},
}

// GetPrompt retrieves a named template.
func GetPrompt(name string) (Prompt, error) {
	p, ok := prompts[name]
	if !ok {
		names := make([]string, 0, len(prompts))
		for k := range prompts {
			names = append(names, k)
		}
		return Prompt{}, fmt.Errorf("llm: unknown prompt %q (have: %s)", name, strings.Join(names, ", "))
	}
	return p, nil
}
