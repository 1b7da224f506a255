package ledger

import (
	"time"

	"github.com/pario-ai/tokenledger/pkg/models"
)

// NextReset returns the instant one period after from. Unlimited budgets
// never reset and get the zero time.
func NextReset(from time.Time, p models.BudgetPeriod) time.Time {
	switch p {
	case models.BudgetDaily:
		return from.AddDate(0, 0, 1)
	case models.BudgetWeekly:
		return from.AddDate(0, 0, 7)
	case models.BudgetMonthly:
		return from.AddDate(0, 1, 0)
	default:
		return time.Time{}
	}
}

// rollover applies every elapsed period reset to b. It reports whether b changed.
func rollover(b *models.Budget, now time.Time) bool {
	if !b.Period.Periodic() || b.ResetAt.IsZero() || now.Before(b.ResetAt) {
		return false
	}
	for !now.Before(b.ResetAt) {
		b.ResetAt = NextReset(b.ResetAt, b.Period)
	}
	b.TotalUsed = 0
	b.Remaining = b.TotalAllocated
	b.UpdatedAt = now
	return true
}
