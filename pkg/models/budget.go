package models

import "time"

// BudgetPeriod defines how often a budget's usage rolls over.
type BudgetPeriod string

const (
	BudgetDaily     BudgetPeriod = "daily"
	BudgetWeekly    BudgetPeriod = "weekly"
	BudgetMonthly   BudgetPeriod = "monthly"
	BudgetUnlimited BudgetPeriod = "unlimited"
)

// Valid reports whether p is a known period.
func (p BudgetPeriod) Valid() bool {
	switch p {
	case BudgetDaily, BudgetWeekly, BudgetMonthly, BudgetUnlimited:
		return true
	}
	return false
}

// Periodic reports whether budgets with this period roll over.
func (p BudgetPeriod) Periodic() bool {
	return p.Valid() && p != BudgetUnlimited
}

// Scope is the organizational category a budget belongs to.
type Scope string

const (
	ScopePersonal     Scope = "personal"
	ScopeTeam         Scope = "team"
	ScopeProject      Scope = "project"
	ScopeOrganization Scope = "organization"
	ScopeSystem       Scope = "system"
)

// Scopes lists every known scope in display order.
var Scopes = []Scope{ScopePersonal, ScopeTeam, ScopeProject, ScopeOrganization, ScopeSystem}

// Valid reports whether s is a known scope.
func (s Scope) Valid() bool {
	for _, known := range Scopes {
		if s == known {
			return true
		}
	}
	return false
}

// Budget is a scoped pool of credits carved out of the global pool.
// Remaining always equals TotalAllocated - TotalUsed.
type Budget struct {
	ID             string       `json:"id" yaml:"id"`
	Name           string       `json:"name" yaml:"name"`
	Scope          Scope        `json:"scope" yaml:"scope"`
	TotalAllocated int64        `json:"total_allocated" yaml:"total_allocated"`
	TotalUsed      int64        `json:"total_used" yaml:"total_used"`
	Remaining      int64        `json:"remaining" yaml:"remaining"`
	Period         BudgetPeriod `json:"period" yaml:"period"`
	ResetAt        time.Time    `json:"reset_at,omitempty" yaml:"reset_at,omitempty"`
	Rules          []Rule       `json:"rules" yaml:"rules"`
	CreatedAt      time.Time    `json:"created_at" yaml:"created_at"`
	UpdatedAt      time.Time    `json:"updated_at" yaml:"updated_at"`
}

// Clone returns a deep copy so callers never alias ledger-owned rule slices.
func (b Budget) Clone() Budget {
	if b.Rules != nil {
		rules := make([]Rule, len(b.Rules))
		copy(rules, b.Rules)
		b.Rules = rules
	}
	return b
}

// UsageRatio returns TotalUsed / TotalAllocated, or 0 for an empty allocation.
func (b Budget) UsageRatio() float64 {
	if b.TotalAllocated <= 0 {
		return 0
	}
	return float64(b.TotalUsed) / float64(b.TotalAllocated)
}

// BudgetSpec describes a budget to create, e.g. from config seeds.
type BudgetSpec struct {
	Name   string       `json:"name" yaml:"name"`
	Scope  Scope        `json:"scope" yaml:"scope"`
	Total  int64        `json:"total" yaml:"total"`
	Period BudgetPeriod `json:"period" yaml:"period"`
}

// BudgetStatus shows a budget together with the alert rules its current usage trips.
type BudgetStatus struct {
	Budget       Budget  `json:"budget"`
	UsageRatio   float64 `json:"usage_ratio"`
	ActiveAlerts []Rule  `json:"active_alerts,omitempty"`
	Exhausted    bool    `json:"exhausted"`
}
