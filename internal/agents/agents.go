// Package agents implements the four analysis stages of a review run:
// question validation, reporting compliance, bias assessment, and
// statistical pooling. Every stage carries a deterministic rule-based
// check set; three of the four augment it with language-model analysis
// and fall back to the rules alone when the model is unavailable.
package agents

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/scivet/revaudit/internal/budget"
	"github.com/scivet/revaudit/internal/llm"
	"github.com/scivet/revaudit/internal/metrics"
	"github.com/scivet/revaudit/internal/models"
	"github.com/scivet/revaudit/internal/pricing"
)

// Agent names, also used as the method-ledger keys and event labels.
const (
	NameQuestion   = "question"
	NameCompliance = "compliance"
	NameBias       = "bias"
	NameStatistics = "statistics"
)

// Result is one agent's contribution to the run.
type Result struct {
	Issues []models.Issue
	Meta   []models.MetaResult
	Method models.MethodRecord
}

// Agent is the polymorphic stage contract. Run must not fail the run: any
// internal error is converted into an analysis-incomplete issue and a
// failed-method record by the caller's recovery boundary, and LLM failures
// are absorbed inside the agent via fallback.
type Agent interface {
	Name() string
	Run(ctx context.Context, runID string, m *models.Manuscript) Result
}

// Deps carries the shared capabilities injected into agents. The LLM client
// and budget manager are process-wide and safe for concurrent use across
// independent runs.
type Deps struct {
	LLM    llm.Client
	Budget *budget.Manager
	Logger *zap.Logger
	UseLLM bool
}

// All returns the four agents in the default execution order.
func All(deps Deps) []Agent {
	return []Agent{
		NewQuestionAgent(deps),
		NewComplianceAgent(deps),
		NewBiasAgent(deps),
		NewStatisticsAgent(deps),
	}
}

// callTracker accumulates per-agent LLM accounting for the method ledger.
type callTracker struct {
	calls   int
	tokens  int
	costUSD float64
}

// complete runs one budgeted model call: admission check, prompt formatting,
// completion, JSON extraction, and usage recording. Any error maps onto the
// capability failure taxonomy for the recorded fallback reason.
func (d Deps) complete(ctx context.Context, runID, agent, promptName string, args map[string]string, out any, tr *callTracker) error {
	if !d.UseLLM || d.LLM == nil {
		return llm.ErrDisabled
	}
	if d.Budget != nil {
		if err := d.Budget.Allow(); err != nil {
			metrics.LLMCalls.WithLabelValues(agent, "denied").Inc()
			return fmt.Errorf("%w: %v", llm.ErrRateLimited, err)
		}
	}
	p, err := llm.GetPrompt(promptName)
	if err != nil {
		return err
	}

	tr.calls++
	resp, err := d.LLM.Complete(ctx, llm.Request{
		System:       p.System,
		Prompt:       p.Format(args),
		ResponseHint: "json",
		AgentID:      agent,
	})
	if err != nil {
		metrics.LLMCalls.WithLabelValues(agent, "error").Inc()
		return err
	}

	cost := resp.CostUSD
	if cost == 0 {
		cost = pricing.CostForSplit(resp.Model, resp.InputTokens, resp.OutputTokens)
	}
	tr.tokens += resp.InputTokens + resp.OutputTokens
	tr.costUSD += cost
	if d.Budget != nil {
		d.Budget.Record(ctx, budget.Usage{
			RunID:        runID,
			Agent:        agent,
			Model:        resp.Model,
			Provider:     resp.Provider,
			InputTokens:  resp.InputTokens,
			OutputTokens: resp.OutputTokens,
			CostUSD:      cost,
		})
	}

	if err := llm.ExtractJSON(resp.Text, out); err != nil {
		metrics.LLMCalls.WithLabelValues(agent, "malformed").Inc()
		return err
	}
	metrics.LLMCalls.WithLabelValues(agent, "ok").Inc()
	return nil
}

// method builds the ledger entry for an agent run. A nil llmErr means the
// model path succeeded; otherwise the record notes the rule-based fallback.
func (d Deps) method(agent string, tr callTracker, llmErr error) models.MethodRecord {
	rec := models.MethodRecord{
		Agent:      agent,
		Method:     models.MethodLLMEnhanced,
		LLMCalls:   tr.calls,
		TokensUsed: tr.tokens,
		CostUSD:    tr.costUSD,
	}
	if llmErr != nil {
		rec.Method = models.MethodRuleBased
		rec.FallbackReason = llm.FallbackReason(llmErr)
		if !errors.Is(llmErr, llm.ErrDisabled) {
			metrics.LLMFallbacks.WithLabelValues(agent, rec.FallbackReason).Inc()
		}
	} else if d.LLM != nil {
		rec.LLMModel = d.LLM.Model()
		rec.LLMProvider = d.LLM.Provider()
	}
	metrics.AgentExecutions.WithLabelValues(agent, string(rec.Method)).Inc()
	return rec
}

// observe records duration and issue metrics for a finished agent run.
func observe(agent string, start time.Time, issues []models.Issue) {
	metrics.AgentExecutionDuration.WithLabelValues(agent).
		Observe(float64(time.Since(start).Milliseconds()))
	for _, is := range issues {
		metrics.IssuesFound.WithLabelValues(agent, string(is.Severity)).Inc()
	}
}
