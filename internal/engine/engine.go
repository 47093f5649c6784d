// Package engine owns the review run state machine: it validates the
// manuscript, sequences the analysis agents, merges their output into the
// run state, emits progress events, and finalizes the result.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/scivet/revaudit/internal/agents"
	"github.com/scivet/revaudit/internal/metrics"
	"github.com/scivet/revaudit/internal/models"
	"github.com/scivet/revaudit/internal/streaming"
)

// State is the run lifecycle phase.
type State string

const (
	StatePending    State = "pending"
	StateRunning    State = "running"
	StateFinalizing State = "finalizing"
	StateDone       State = "done"
	StateFailed     State = "failed"
)

// RunState is the mutable state of one review run. It is owned by a single
// goroutine for the run's lifetime and never shared across runs.
type RunState struct {
	RunID      string
	State      State
	Manuscript *models.Manuscript
	Issues     []models.Issue
	Meta       []models.MetaResult
	Completed  map[string]bool
	Ledger     []models.MethodRecord
}

// maxIndecision bounds how often a strategy may fail to pick a runnable
// agent before the engine falls back to the fixed order.
const maxIndecision = 3

// Engine runs review pipelines. Safe for concurrent use: each run builds
// its own RunState and the injected capabilities are concurrency-safe.
type Engine struct {
	agents   map[string]agents.Agent
	strategy Strategy
	streams  *streaming.Manager
	logger   *zap.Logger
}

// New builds an Engine over the given agent set.
func New(agentList []agents.Agent, strategy Strategy, streams *streaming.Manager, logger *zap.Logger) *Engine {
	byName := make(map[string]agents.Agent, len(agentList))
	for _, a := range agentList {
		byName[a.Name()] = a
	}
	if strategy == nil {
		strategy = FixedOrder()
	}
	return &Engine{
		agents:   byName,
		strategy: strategy,
		streams:  streams,
		logger:   logger,
	}
}

// Review runs the full pipeline without a progress stream.
func (e *Engine) Review(ctx context.Context, m *models.Manuscript) (*models.ReviewResult, error) {
	return e.run(ctx, uuid.New().String(), m, nil)
}

// ReviewStream runs the pipeline, emitting progress to the given stream.
// The stream receives exactly one terminal event: complete with the result,
// or error when the manuscript fails structural validation. Consumer
// disconnection aborts remaining agents; the partial result is discarded.
func (e *Engine) ReviewStream(ctx context.Context, runID string, m *models.Manuscript, s *streaming.Stream) (*models.ReviewResult, error) {
	return e.run(ctx, runID, m, s)
}

func (e *Engine) run(ctx context.Context, runID string, m *models.Manuscript, s *streaming.Stream) (*models.ReviewResult, error) {
	start := time.Now()
	metrics.ReviewsStarted.WithLabelValues(e.strategy.Name()).Inc()
	logger := e.logger.With(zap.String("run_id", runID))

	// Structural validation is the only failure that terminates a run
	// without a result.
	if err := m.Validate(); err != nil {
		logger.Warn("manuscript rejected", zap.Error(err))
		e.emit(ctx, s, streaming.Event{
			Type:    streaming.EventError,
			Message: err.Error(),
		})
		metrics.ReviewsCompleted.WithLabelValues(e.strategy.Name(), "rejected").Inc()
		return nil, err
	}

	rs := &RunState{
		RunID:      runID,
		State:      StateRunning,
		Manuscript: m.Clone(),
		Completed:  make(map[string]bool, len(e.agents)),
	}
	logger.Info("review run started",
		zap.String("manuscript_id", m.ID),
		zap.String("strategy", e.strategy.Name()),
		zap.Int("included_studies", len(m.IncludedStudies)))

	strategy := e.strategy
	indecision := 0
	for {
		// A vanished consumer is observed before the next suspension
		// point; remaining agents are not worth an LLM call.
		if s != nil {
			select {
			case <-s.Done():
				logger.Info("consumer disconnected, aborting run",
					zap.Int("agents_completed", len(rs.Completed)))
				metrics.ReviewsCompleted.WithLabelValues(e.strategy.Name(), "abandoned").Inc()
				return nil, streaming.ErrConsumerGone
			default:
			}
		}

		name := strategy.Next(rs.Manuscript, rs.Completed)
		if name == "" {
			break
		}
		agent, ok := e.agents[name]
		if !ok || rs.Completed[name] {
			indecision++
			if indecision >= maxIndecision {
				logger.Warn("strategy failed to decide, falling back to fixed order",
					zap.String("strategy", strategy.Name()))
				strategy = FixedOrder()
			}
			continue
		}

		e.emit(ctx, s, streaming.Event{
			Type:  streaming.EventAgentStart,
			Agent: name,
		})

		res := e.runAgent(ctx, agent, rs, logger)
		rs.Issues = append(rs.Issues, res.Issues...)
		rs.Meta = append(rs.Meta, res.Meta...)
		rs.Ledger = append(rs.Ledger, res.Method)
		rs.Completed[name] = true

		payload, _ := json.Marshal(map[string]interface{}{
			"issues_found": len(res.Issues),
			"method":       res.Method,
		})
		e.emit(ctx, s, streaming.Event{
			Type:    streaming.EventAgentComplete,
			Agent:   name,
			Payload: payload,
		})
	}

	rs.State = StateFinalizing
	e.emit(ctx, s, streaming.Event{
		Type:    streaming.EventProgress,
		Message: "finalizing results",
	})
	result := finalize(rs)
	rs.State = StateDone

	payload, _ := json.Marshal(result)
	e.emit(ctx, s, streaming.Event{
		Type:    streaming.EventComplete,
		Payload: payload,
	})

	metrics.ReviewsCompleted.WithLabelValues(e.strategy.Name(), "ok").Inc()
	metrics.ReviewDuration.WithLabelValues(e.strategy.Name()).Observe(time.Since(start).Seconds())
	metrics.LLMTokensUsed.Observe(float64(result.Metadata.TotalTokens))
	metrics.LLMCostUSD.Observe(result.Metadata.EstimatedCostUSD)
	logger.Info("review run complete",
		zap.Int("issues", len(result.Issues)),
		zap.Int("meta_results", len(result.Meta)),
		zap.Bool("llm_used", result.Metadata.LLMUsed),
		zap.Duration("elapsed", time.Since(start)))
	return result, nil
}

// runAgent executes one agent with a recovery boundary: a panicking agent
// contributes an analysis-incomplete issue and a failed-method record
// instead of killing the run.
func (e *Engine) runAgent(ctx context.Context, agent agents.Agent, rs *RunState, logger *zap.Logger) (res agents.Result) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("agent panicked",
				zap.String("agent", agent.Name()),
				zap.Any("panic", r))
			res = agents.Result{
				Issues: []models.Issue{{
					ID:       fmt.Sprintf("INTERNAL-001-%s", agent.Name()),
					Severity: models.SeverityLow,
					Category: models.CategoryOther,
					Finding:  fmt.Sprintf("Analysis incomplete: the %s stage failed internally", agent.Name()),
					Evidence: map[string]interface{}{"panic": fmt.Sprint(r)},
					Agent:    agent.Name(),
				}},
				Method: models.MethodRecord{
					Agent:          agent.Name(),
					Method:         models.MethodRuleBased,
					FallbackReason: "internal error",
				},
			}
		}
	}()
	return agent.Run(ctx, rs.RunID, rs.Manuscript)
}

// emit publishes an event when a stream is attached. Failed publishes are
// deliberate no-ops here: a closed or cancelled stream is detected at the
// top of the agent loop, and the run's own result does not depend on
// delivery.
func (e *Engine) emit(ctx context.Context, s *streaming.Stream, evt streaming.Event) {
	if s == nil {
		return
	}
	var err error
	if e.streams != nil {
		err = e.streams.Publish(ctx, s, evt)
	} else {
		err = s.Publish(ctx, &evt)
	}
	if err != nil {
		e.logger.Debug("event publish failed", zap.Error(err))
	}
}

// finalize derives the result from the run state. It is idempotent and
// side-effect-free: calling it twice on the same state yields equal results.
func finalize(rs *RunState) *models.ReviewResult {
	meta := models.AnalysisMetadata{
		Methods: append([]models.MethodRecord(nil), rs.Ledger...),
	}
	for _, rec := range rs.Ledger {
		if rec.Method == models.MethodLLMEnhanced {
			meta.LLMUsed = true
		}
		meta.TotalLLMCalls += rec.LLMCalls
		meta.TotalTokens += rec.TokensUsed
		meta.EstimatedCostUSD += rec.CostUSD
	}
	return &models.ReviewResult{
		Issues:     append([]models.Issue(nil), rs.Issues...),
		Meta:       append([]models.MetaResult(nil), rs.Meta...),
		Metadata:   meta,
		Manuscript: *rs.Manuscript,
	}
}
