package models

import "time"

// AgentUsage aggregates consumption for a single agent.
type AgentUsage struct {
	AgentID          string  `json:"agent_id"`
	TotalTokens      int64   `json:"total_tokens"`
	TransactionCount int     `json:"transaction_count"`
	AverageTokens    float64 `json:"average_tokens"`
}

// ScopeUsage aggregates current usage of all budgets in a scope.
type ScopeUsage struct {
	Scope       Scope `json:"scope"`
	TotalUsed   int64 `json:"total_used"`
	BudgetCount int   `json:"budget_count"`
}

// Analytics is a derived usage report. It never feeds back into ledger state.
// GeneratedAt is stamped per report and is not part of the aggregates.
type Analytics struct {
	GeneratedAt    time.Time    `json:"generated_at"`
	Today          int64        `json:"today"`
	ThisWeek       int64        `json:"this_week"`
	ThisMonth      int64        `json:"this_month"`
	TopAgents      []AgentUsage `json:"top_agents"`
	ByScope        []ScopeUsage `json:"by_scope"`
	Efficiency     float64      `json:"efficiency"`
	PoolBalance    int64        `json:"pool_balance"`
	TotalAllocated int64        `json:"total_allocated"`
	TotalUsed      int64        `json:"total_used"`
	TotalRemaining int64        `json:"total_remaining"`
	BudgetCount    int          `json:"budget_count"`
}
