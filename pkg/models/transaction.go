package models

import "time"

// TransactionType is the kind of credit movement a transaction records.
type TransactionType string

const (
	TxAllocation  TransactionType = "allocation"
	TxConsumption TransactionType = "consumption"
	TxTransfer    TransactionType = "transfer"
	TxRefund      TransactionType = "refund"
)

// Valid reports whether t is a known transaction type.
func (t TransactionType) Valid() bool {
	switch t {
	case TxAllocation, TxConsumption, TxTransfer, TxRefund:
		return true
	}
	return false
}

// Metadata keys written by the ledger.
const (
	MetaToBudgetID = "to_budget_id"
	MetaInitial    = "initial"
	MetaRequested  = "requested"
)

// Attribution identifies who a consumption is charged on behalf of.
type Attribution struct {
	ThreadID string `json:"thread_id,omitempty" yaml:"thread_id"`
	AgentID  string `json:"agent_id,omitempty" yaml:"agent_id"`
}

// Transaction is an immutable record of one committed credit movement.
type Transaction struct {
	ID          string            `json:"id"`
	Seq         int64             `json:"seq"`
	Type        TransactionType   `json:"type"`
	Amount      int64             `json:"amount"`
	BudgetID    string            `json:"budget_id"`
	ThreadID    string            `json:"thread_id,omitempty"`
	AgentID     string            `json:"agent_id,omitempty"`
	Description string            `json:"description,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	Timestamp   time.Time         `json:"timestamp"`
}

// HistoryFilter selects transactions from the log. Zero fields match everything;
// Since and Until are inclusive. Limit <= 0 returns all matches.
type HistoryFilter struct {
	BudgetID string
	ThreadID string
	AgentID  string
	Type     TransactionType
	Since    time.Time
	Until    time.Time
	Limit    int
}

// Match reports whether tx satisfies every set field of the filter.
func (f HistoryFilter) Match(tx Transaction) bool {
	if f.BudgetID != "" && tx.BudgetID != f.BudgetID {
		return false
	}
	if f.ThreadID != "" && tx.ThreadID != f.ThreadID {
		return false
	}
	if f.AgentID != "" && tx.AgentID != f.AgentID {
		return false
	}
	if f.Type != "" && tx.Type != f.Type {
		return false
	}
	if !f.Since.IsZero() && tx.Timestamp.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && tx.Timestamp.After(f.Until) {
		return false
	}
	return true
}
