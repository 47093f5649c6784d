package engine

import (
	"github.com/scivet/revaudit/internal/agents"
	"github.com/scivet/revaudit/internal/models"
)

// Strategy decides which agent runs next. Next returns the empty string
// when every agent it intends to run has completed. A strategy must never
// return an agent that has already completed; the engine treats that as
// indecision and, after a small bound, falls back to the fixed order.
type Strategy interface {
	Name() string
	Next(m *models.Manuscript, completed map[string]bool) string
}

// fixedOrder is the authoritative default: question, compliance, bias,
// statistics, deterministic and reproducible.
type fixedOrder struct{}

// FixedOrder returns the default sequential strategy.
func FixedOrder() Strategy { return fixedOrder{} }

func (fixedOrder) Name() string { return "fixed" }

var defaultOrder = []string{
	agents.NameQuestion,
	agents.NameCompliance,
	agents.NameBias,
	agents.NameStatistics,
}

func (fixedOrder) Next(_ *models.Manuscript, completed map[string]bool) string {
	for _, name := range defaultOrder {
		if !completed[name] {
			return name
		}
	}
	return ""
}

// contentDriven is the supervisor strategy: it follows the default order
// but skips agents whose preconditions the manuscript cannot meet, such as
// bias assessment when no included study carries a design field.
type contentDriven struct{}

// ContentDriven returns the supervisor strategy.
func ContentDriven() Strategy { return contentDriven{} }

func (contentDriven) Name() string { return "supervisor" }

func (contentDriven) Next(m *models.Manuscript, completed map[string]bool) string {
	for _, name := range defaultOrder {
		if completed[name] {
			continue
		}
		if name == agents.NameBias && !anyDesign(m) {
			continue
		}
		if name == agents.NameStatistics && !anyOutcome(m) {
			continue
		}
		return name
	}
	return ""
}

func anyDesign(m *models.Manuscript) bool {
	for _, s := range m.IncludedStudies {
		if s.Design != "" {
			return true
		}
	}
	return false
}

func anyOutcome(m *models.Manuscript) bool {
	for _, s := range m.IncludedStudies {
		if len(s.Outcomes) > 0 {
			return true
		}
	}
	return false
}

// ForName maps a configured strategy name onto an implementation,
// defaulting to the fixed order.
func ForName(name string) Strategy {
	if name == "supervisor" {
		return ContentDriven()
	}
	return FixedOrder()
}
