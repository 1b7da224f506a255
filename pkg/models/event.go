package models

import "time"

// EventKind names a committed ledger change.
type EventKind string

const (
	EventBudgetCreated EventKind = "budget.created"
	EventBudgetDeleted EventKind = "budget.deleted"
	EventBudgetUpdated EventKind = "budget.updated"
	EventAllocated     EventKind = "allocated"
	EventConsumed      EventKind = "consumed"
	EventDenied        EventKind = "denied"
	EventTransferred   EventKind = "transferred"
	EventRefunded      EventKind = "refunded"
	EventDeposited     EventKind = "deposited"
)

// DenialCause classifies why a consumption was refused.
type DenialCause string

const (
	DenialRule    DenialCause = "rule"
	DenialBalance DenialCause = "balance"
)

// Event is emitted after every commit, and after denials so observers can count them.
// Budgets holds the post-commit state of every budget the change touched.
type Event struct {
	Kind        EventKind    `json:"kind"`
	Budgets     []Budget     `json:"budgets,omitempty"`
	Transaction *Transaction `json:"transaction,omitempty"`
	Warnings    []Rule       `json:"warnings,omitempty"`
	Blockers    []Rule       `json:"blockers,omitempty"`
	PoolBalance int64        `json:"pool_balance"`
	Reason      string       `json:"reason,omitempty"`
	Denial      DenialCause  `json:"denial,omitempty"`
	At          time.Time    `json:"at"`
}

// JournalStat holds transaction counts and volume for a type/day combination.
type JournalStat struct {
	Type   TransactionType
	Day    string
	Count  int
	Amount int64
}
