// Package rules classifies a proposed consumption against a budget's policy rules.
package rules

import (
	"math"

	"github.com/google/uuid"

	"github.com/pario-ai/tokenledger/pkg/models"
)

// Default thresholds attached to every new budget.
const (
	DefaultAlertThreshold = 0.8
	DefaultBlockThreshold = 1.0
)

// Result is the outcome of evaluating a budget's rules for one proposed amount.
type Result struct {
	Allowed    bool
	Warnings   []models.Rule
	Blockers   []models.Rule
	UsageAfter float64
}

// FirstBlocker returns the first blocking rule in rule order.
func (r Result) FirstBlocker() (models.Rule, bool) {
	if len(r.Blockers) == 0 {
		return models.Rule{}, false
	}
	return r.Blockers[0], true
}

// ProjectedUsage returns (used + amount) / allocated. An empty allocation
// projects to +Inf for any positive total so every block rule trips.
func ProjectedUsage(b models.Budget, amount int64) float64 {
	after := b.TotalUsed + amount
	if b.TotalAllocated <= 0 {
		if after > 0 {
			return math.Inf(1)
		}
		return 0
	}
	return float64(after) / float64(b.TotalAllocated)
}

// Check evaluates every enabled rule on b against the projected usage ratio.
// All tripped block rules are reported, in rule order. Limit and approve
// rules are accepted but have no effect.
func Check(b models.Budget, amount int64) Result {
	res := Result{UsageAfter: ProjectedUsage(b, amount)}
	for _, rule := range b.Rules {
		if !rule.Enabled || res.UsageAfter < rule.Threshold {
			continue
		}
		switch rule.Kind {
		case models.RuleBlock:
			res.Blockers = append(res.Blockers, rule)
		case models.RuleAlert:
			res.Warnings = append(res.Warnings, rule)
		}
	}
	res.Allowed = len(res.Blockers) == 0
	return res
}

// ActiveAlerts returns the enabled alert rules the budget's current usage has reached.
func ActiveAlerts(b models.Budget) []models.Rule {
	return Check(b, 0).Warnings
}

// DefaultSet returns fresh alert and block rules at the given thresholds.
func DefaultSet(alertAt, blockAt float64) []models.Rule {
	return []models.Rule{
		{
			ID:        uuid.New().String(),
			Name:      "usage alert",
			Kind:      models.RuleAlert,
			Threshold: alertAt,
			Action:    "notify",
			Enabled:   true,
		},
		{
			ID:        uuid.New().String(),
			Name:      "hard limit",
			Kind:      models.RuleBlock,
			Threshold: blockAt,
			Action:    "deny",
			Enabled:   true,
		},
	}
}

// Defaults returns the standard alert@80% and block@100% rule pair.
func Defaults() []models.Rule {
	return DefaultSet(DefaultAlertThreshold, DefaultBlockThreshold)
}
