// Package budget tracks language-model spending across all runs in the
// process and applies a daily USD ceiling plus a call rate limit.
package budget

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/scivet/revaudit/internal/metrics"
)

// ErrDailyLimitExceeded is returned when today's accumulated cost has
// reached the configured ceiling. The check is advisory: a call admitted
// just under the ceiling may still push the total past it.
var ErrDailyLimitExceeded = errors.New("daily cost limit exceeded")

// ErrRateLimited is returned when the call rate limiter has no burst left.
var ErrRateLimited = errors.New("llm call rate limit exceeded")

// Usage is one recorded model call.
type Usage struct {
	ID           string    `json:"id"`
	RunID        string    `json:"run_id"`
	Agent        string    `json:"agent"`
	Model        string    `json:"model"`
	Provider     string    `json:"provider"`
	InputTokens  int       `json:"input_tokens"`
	OutputTokens int       `json:"output_tokens"`
	CostUSD      float64   `json:"cost_usd"`
	Timestamp    time.Time `json:"timestamp"`
}

// Options configures a Manager.
type Options struct {
	DailyLimitUSD float64
	CallsPerSec   float64
	CallBurst     int
}

// Manager keeps the process-wide spending counter. The counter resets when
// the UTC day rolls over. A nil *sql.DB disables persistence, in-memory
// accounting still applies.
type Manager struct {
	db     *sql.DB
	logger *zap.Logger

	limiter *rate.Limiter

	mu         sync.Mutex
	dailyLimit float64
	spentToday float64
	day        time.Time

	now func() time.Time
}

// NewManager builds a Manager. Zero options fall back to a 25 USD/day limit
// and 5 calls/sec with a burst of 10.
func NewManager(db *sql.DB, logger *zap.Logger, opts Options) *Manager {
	if opts.DailyLimitUSD <= 0 {
		opts.DailyLimitUSD = 25.0
	}
	if opts.CallsPerSec <= 0 {
		opts.CallsPerSec = 5
	}
	if opts.CallBurst <= 0 {
		opts.CallBurst = 10
	}
	m := &Manager{
		db:         db,
		logger:     logger,
		limiter:    rate.NewLimiter(rate.Limit(opts.CallsPerSec), opts.CallBurst),
		dailyLimit: opts.DailyLimitUSD,
		now:        time.Now,
	}
	m.day = m.today()
	if db != nil {
		m.initializeTables()
	}
	return m
}

func (m *Manager) today() time.Time {
	return m.now().UTC().Truncate(24 * time.Hour)
}

// rollLocked resets the counter when the day has changed. Caller holds mu.
func (m *Manager) rollLocked() {
	if d := m.today(); !d.Equal(m.day) {
		m.day = d
		m.spentToday = 0
	}
}

// Allow reports whether another model call may start right now. It checks
// the spending counter without reserving from it and consumes one rate
// limiter token on success.
func (m *Manager) Allow() error {
	m.mu.Lock()
	m.rollLocked()
	over := m.spentToday >= m.dailyLimit
	m.mu.Unlock()

	if over {
		metrics.BudgetDenials.WithLabelValues("daily_cost").Inc()
		return ErrDailyLimitExceeded
	}
	if !m.limiter.Allow() {
		metrics.BudgetDenials.WithLabelValues("rate").Inc()
		return ErrRateLimited
	}
	return nil
}

// Record adds a completed call to the spending counter and, when a database
// is wired, persists the usage row. Persistence failures are logged and do
// not affect in-memory accounting.
func (m *Manager) Record(ctx context.Context, u Usage) {
	if u.ID == "" {
		u.ID = uuid.New().String()
	}
	if u.Timestamp.IsZero() {
		u.Timestamp = m.now().UTC()
	}

	m.mu.Lock()
	m.rollLocked()
	m.spentToday += u.CostUSD
	spent := m.spentToday
	m.mu.Unlock()

	m.logger.Debug("recorded llm usage",
		zap.String("run_id", u.RunID),
		zap.String("agent", u.Agent),
		zap.String("model", u.Model),
		zap.Float64("cost_usd", u.CostUSD),
		zap.Float64("spent_today_usd", spent),
	)

	if m.db == nil {
		return
	}
	_, err := m.db.ExecContext(ctx, `
		INSERT INTO token_usage (id, run_id, agent, model, provider, input_tokens, output_tokens, cost_usd, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		u.ID, u.RunID, u.Agent, u.Model, u.Provider,
		u.InputTokens, u.OutputTokens, u.CostUSD, u.Timestamp,
	)
	if err != nil {
		m.logger.Warn("failed to persist token usage", zap.Error(err))
	}
}

// SpentToday returns the accumulated cost for the current UTC day.
func (m *Manager) SpentToday() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rollLocked()
	return m.spentToday
}

// initializeTables creates the usage table when it does not exist yet.
func (m *Manager) initializeTables() {
	_, err := m.db.Exec(`
		CREATE TABLE IF NOT EXISTS token_usage (
			id UUID PRIMARY KEY,
			run_id TEXT NOT NULL,
			agent TEXT NOT NULL,
			model TEXT,
			provider TEXT,
			input_tokens INTEGER NOT NULL DEFAULT 0,
			output_tokens INTEGER NOT NULL DEFAULT 0,
			cost_usd DOUBLE PRECISION NOT NULL DEFAULT 0,
			recorded_at TIMESTAMPTZ NOT NULL
		)`)
	if err != nil {
		m.logger.Warn("failed to initialize token_usage table", zap.Error(err))
	}
}
