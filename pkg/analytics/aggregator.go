// Package analytics derives usage reports from a transaction history and a
// budget snapshot. Nothing here mutates its inputs.
package analytics

import (
	"math"
	"sort"
	"time"

	"github.com/pario-ai/tokenledger/pkg/models"
)

// DefaultTopAgents is used when Input.TopAgents is not positive.
const DefaultTopAgents = 5

// Input is everything Compute needs.
type Input struct {
	Transactions []models.Transaction
	Budgets      []models.Budget
	PoolBalance  int64
	Now          time.Time
	Location     *time.Location
	TopAgents    int
}

// Compute builds the analytics report.
func Compute(in Input) models.Analytics {
	loc := in.Location
	if loc == nil {
		loc = time.Local
	}
	now := in.Now.In(loc)
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, loc)
	weekAgo := now.AddDate(0, 0, -7)
	monthAgo := now.AddDate(0, 0, -30)

	report := models.Analytics{
		GeneratedAt: in.Now,
		PoolBalance: in.PoolBalance,
		BudgetCount: len(in.Budgets),
	}

	agents := make(map[string]*models.AgentUsage)
	var consumed, refunded int64
	for _, tx := range in.Transactions {
		switch tx.Type {
		case models.TxRefund:
			refunded += tx.Amount
			continue
		case models.TxConsumption:
		default:
			continue
		}

		consumed += tx.Amount
		if !tx.Timestamp.Before(midnight) {
			report.Today += tx.Amount
		}
		if !tx.Timestamp.Before(weekAgo) {
			report.ThisWeek += tx.Amount
		}
		if !tx.Timestamp.Before(monthAgo) {
			report.ThisMonth += tx.Amount
		}

		if tx.AgentID == "" {
			continue
		}
		a, ok := agents[tx.AgentID]
		if !ok {
			a = &models.AgentUsage{AgentID: tx.AgentID}
			agents[tx.AgentID] = a
		}
		a.TotalTokens += tx.Amount
		a.TransactionCount++
	}

	report.TopAgents = topAgents(agents, in.TopAgents)
	report.ByScope = byScope(in.Budgets)
	report.Efficiency = Efficiency(consumed, refunded)

	for _, b := range in.Budgets {
		report.TotalAllocated += b.TotalAllocated
		report.TotalUsed += b.TotalUsed
		report.TotalRemaining += b.Remaining
	}
	return report
}

func topAgents(agents map[string]*models.AgentUsage, n int) []models.AgentUsage {
	if n <= 0 {
		n = DefaultTopAgents
	}
	out := make([]models.AgentUsage, 0, len(agents))
	for _, a := range agents {
		usage := *a
		usage.AverageTokens = float64(usage.TotalTokens) / float64(usage.TransactionCount)
		out = append(out, usage)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].TotalTokens != out[j].TotalTokens {
			return out[i].TotalTokens > out[j].TotalTokens
		}
		return out[i].AgentID < out[j].AgentID
	})
	if len(out) > n {
		out = out[:n]
	}
	return out
}

func byScope(budgets []models.Budget) []models.ScopeUsage {
	scopes := make(map[models.Scope]*models.ScopeUsage)
	for _, b := range budgets {
		s, ok := scopes[b.Scope]
		if !ok {
			s = &models.ScopeUsage{Scope: b.Scope}
			scopes[b.Scope] = s
		}
		s.TotalUsed += b.TotalUsed
		s.BudgetCount++
	}
	out := make([]models.ScopeUsage, 0, len(scopes))
	for _, s := range scopes {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].TotalUsed != out[j].TotalUsed {
			return out[i].TotalUsed > out[j].TotalUsed
		}
		return out[i].Scope < out[j].Scope
	})
	return out
}

// Efficiency scores how much consumed work was kept, in [0, 100]. Refunds
// reverse consumption whose downstream work failed, so every refunded token
// lowers the score. With no consumption the score is 100.
func Efficiency(consumed, refunded int64) float64 {
	if consumed <= 0 {
		return 100
	}
	kept := float64(consumed-refunded) / float64(consumed)
	score := math.Round(kept*1000) / 10
	return math.Max(0, math.Min(100, score))
}
