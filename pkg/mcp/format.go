package mcp

import (
	"fmt"
	"strings"

	"github.com/pario-ai/tokenledger/pkg/ledger"
	"github.com/pario-ai/tokenledger/pkg/models"
)

func formatBudgets(budgets []models.Budget, pool int64) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Global pool: %d tokens\n\n", pool)
	if len(budgets) == 0 {
		b.WriteString("No budgets found.")
		return b.String()
	}
	fmt.Fprintf(&b, "%-36s %-20s %-12s %-9s %12s %12s %12s %6s\n",
		"ID", "Name", "Scope", "Period", "Allocated", "Used", "Remaining", "Usage%")
	b.WriteString(strings.Repeat("-", 128) + "\n")
	for _, bud := range budgets {
		fmt.Fprintf(&b, "%-36s %-20s %-12s %-9s %12d %12d %12d %5.1f%%\n",
			bud.ID, truncate(bud.Name, 20), bud.Scope, bud.Period,
			bud.TotalAllocated, bud.TotalUsed, bud.Remaining, bud.UsageRatio()*100)
	}
	return b.String()
}

func formatStatus(st models.BudgetStatus) string {
	bud := st.Budget
	var b strings.Builder
	fmt.Fprintf(&b, "Budget %s (%s)\n", bud.Name, bud.ID)
	fmt.Fprintf(&b, "  Scope:     %s\n", bud.Scope)
	fmt.Fprintf(&b, "  Period:    %s\n", bud.Period)
	if !bud.ResetAt.IsZero() {
		fmt.Fprintf(&b, "  Resets at: %s\n", bud.ResetAt.Format("2006-01-02 15:04:05"))
	}
	fmt.Fprintf(&b, "  Allocated: %d\n", bud.TotalAllocated)
	fmt.Fprintf(&b, "  Used:      %d (%.1f%%)\n", bud.TotalUsed, st.UsageRatio*100)
	fmt.Fprintf(&b, "  Remaining: %d\n", bud.Remaining)
	if st.Exhausted {
		b.WriteString("  Status:    EXHAUSTED\n")
	}
	b.WriteString("  Rules:\n")
	for _, r := range bud.Rules {
		state := "on"
		if !r.Enabled {
			state = "off"
		}
		fmt.Fprintf(&b, "    [%s] %s\n", state, r)
	}
	for _, r := range st.ActiveAlerts {
		fmt.Fprintf(&b, "  ALERT: %s\n", r)
	}
	return b.String()
}

func formatConsume(res ledger.ConsumeResult) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Consumed %d tokens from %s (transaction %s). Remaining: %d (%.1f%% used).\n",
		res.Transaction.Amount, res.Budget.Name, res.Transaction.ID, res.Budget.Remaining, res.UsageAfter*100)
	for _, w := range res.Warnings {
		fmt.Fprintf(&b, "Warning: %s\n", w)
	}
	return b.String()
}

func formatTransactions(txs []models.Transaction) string {
	if len(txs) == 0 {
		return "No transactions found."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%6s  %-20s %-12s %10s %-36s %-16s %s\n",
		"Seq", "Time", "Type", "Amount", "Budget", "Agent", "Description")
	b.WriteString(strings.Repeat("-", 120) + "\n")
	for _, tx := range txs {
		fmt.Fprintf(&b, "%6d  %-20s %-12s %10d %-36s %-16s %s\n",
			tx.Seq, tx.Timestamp.Format("2006-01-02 15:04:05"), tx.Type, tx.Amount,
			tx.BudgetID, truncate(tx.AgentID, 16), tx.Description)
	}
	return b.String()
}

func formatAnalytics(a models.Analytics) string {
	var b strings.Builder
	b.WriteString("Token Usage\n")
	fmt.Fprintf(&b, "  Today:        %d\n", a.Today)
	fmt.Fprintf(&b, "  Last 7 days:  %d\n", a.ThisWeek)
	fmt.Fprintf(&b, "  Last 30 days: %d\n", a.ThisMonth)
	fmt.Fprintf(&b, "  Efficiency:   %.1f\n", a.Efficiency)
	fmt.Fprintf(&b, "  Pool: %d  Allocated: %d  Used: %d  Remaining: %d  Budgets: %d\n",
		a.PoolBalance, a.TotalAllocated, a.TotalUsed, a.TotalRemaining, a.BudgetCount)

	if len(a.TopAgents) > 0 {
		b.WriteString("\nTop Agents\n")
		fmt.Fprintf(&b, "  %-24s %12s %8s %10s\n", "Agent", "Tokens", "Txns", "Avg")
		for _, ag := range a.TopAgents {
			fmt.Fprintf(&b, "  %-24s %12d %8d %10.1f\n",
				truncate(ag.AgentID, 24), ag.TotalTokens, ag.TransactionCount, ag.AverageTokens)
		}
	}
	if len(a.ByScope) > 0 {
		b.WriteString("\nBy Scope\n")
		for _, sc := range a.ByScope {
			fmt.Fprintf(&b, "  %-14s %12d  (%d budgets)\n", sc.Scope, sc.TotalUsed, sc.BudgetCount)
		}
	}
	return b.String()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
