package ledger

import (
	"errors"
	"fmt"
	"math"

	"github.com/pario-ai/tokenledger/pkg/models"
)

var (
	// ErrInsufficientPool is returned when the global pool cannot fund an allocation.
	ErrInsufficientPool = errors.New("insufficient pool balance")
	// ErrInsufficientBalance is returned when an amount exceeds a budget's remaining credits.
	ErrInsufficientBalance = errors.New("insufficient budget balance")
	// ErrRuleViolation matches every *RuleViolationError.
	ErrRuleViolation = errors.New("rule violation")
	// ErrBudgetNotFound is returned for unknown budget ids.
	ErrBudgetNotFound = errors.New("budget not found")
	// ErrInvalidAmount is returned for non-positive amounts.
	ErrInvalidAmount = errors.New("invalid amount")
	// ErrInvalidBudget is returned when a budget's name, scope or period is unusable.
	ErrInvalidBudget = errors.New("invalid budget")
	// ErrInvalidTransfer is returned for transfers a budget cannot make, such as to itself.
	ErrInvalidTransfer = errors.New("invalid transfer")
	// ErrInvalidRule is returned when a rule's kind or threshold is out of range.
	ErrInvalidRule = errors.New("invalid rule")
	// ErrRuleNotFound is returned for unknown rule ids.
	ErrRuleNotFound = errors.New("rule not found")
	// ErrCorruptSnapshot is returned when a snapshot violates ledger invariants.
	ErrCorruptSnapshot = errors.New("corrupt snapshot")
)

// RuleViolationError reports a consumption denied by one or more block rules.
// Rule is the first blocker in rule order; Blockers lists all of them.
type RuleViolationError struct {
	BudgetID   string
	Amount     int64
	Rule       models.Rule
	Blockers   []models.Rule
	UsageAfter float64
}

func (e *RuleViolationError) Error() string {
	if math.IsInf(e.UsageAfter, 1) {
		return fmt.Sprintf("blocked by rule %s: budget has no allocation", e.Rule)
	}
	return fmt.Sprintf("blocked by rule %s: projected usage %.1f%%", e.Rule, e.UsageAfter*100)
}

// Is makes errors.Is(err, ErrRuleViolation) hold.
func (e *RuleViolationError) Is(target error) bool {
	return target == ErrRuleViolation
}
