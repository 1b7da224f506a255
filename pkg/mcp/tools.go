package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/pario-ai/tokenledger/pkg/ledger"
	"github.com/pario-ai/tokenledger/pkg/models"
)

type toolHandler func(ctx context.Context, s *Server, args json.RawMessage) ToolCallResult

var toolHandlers = map[string]toolHandler{
	"ledger_budgets":        handleBudgets,
	"ledger_budget_status":  handleBudgetStatus,
	"ledger_consume":        handleConsume,
	"ledger_refund":         handleRefund,
	"ledger_history":        handleHistory,
	"ledger_analytics":      handleAnalytics,
	"ledger_journal_search": handleJournalSearch,
}

func prop(typ, desc string) map[string]any {
	return map[string]any{"type": typ, "description": desc}
}

func object(required []string, props map[string]any) map[string]any {
	schema := map[string]any{"type": "object", "properties": props}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

var historyProps = map[string]any{
	"budget_id": prop("string", "Filter by budget id (optional)"),
	"agent_id":  prop("string", "Filter by agent id (optional)"),
	"thread_id": prop("string", "Filter by thread id (optional)"),
	"type":      prop("string", "allocation, consumption, transfer or refund (optional)"),
	"since":     prop("string", "Start date in YYYY-MM-DD format (optional)"),
	"limit":     prop("integer", "Maximum rows to return (optional, default 50)"),
}

var allTools = []ToolDefinition{
	{
		Name:        "ledger_budgets",
		Description: "List all budgets with allocation, usage and remaining tokens, plus the global pool balance.",
		InputSchema: object(nil, map[string]any{}),
	},
	{
		Name:        "ledger_budget_status",
		Description: "Show one budget's usage ratio, rules and currently tripped alerts.",
		InputSchema: object([]string{"budget_id"}, map[string]any{
			"budget_id": prop("string", "The budget to inspect"),
		}),
	},
	{
		Name:        "ledger_consume",
		Description: "Charge tokens against a budget before doing token-costed work. Fails if a block rule or the remaining balance forbids it.",
		InputSchema: object([]string{"budget_id", "amount"}, map[string]any{
			"budget_id":   prop("string", "Budget to charge"),
			"amount":      prop("integer", "Tokens to consume (positive)"),
			"agent_id":    prop("string", "Agent on whose behalf the tokens are spent (optional)"),
			"thread_id":   prop("string", "Conversation or task thread (optional)"),
			"description": prop("string", "What the tokens are for (optional)"),
		}),
	},
	{
		Name:        "ledger_refund",
		Description: "Return previously consumed tokens to a budget, e.g. after the charged work failed.",
		InputSchema: object([]string{"budget_id", "amount"}, map[string]any{
			"budget_id": prop("string", "Budget to credit"),
			"amount":    prop("integer", "Tokens to refund (positive)"),
			"reason":    prop("string", "Why the refund happened (optional)"),
		}),
	},
	{
		Name:        "ledger_history",
		Description: "List ledger transactions, newest first, with optional filters.",
		InputSchema: object(nil, historyProps),
	},
	{
		Name:        "ledger_analytics",
		Description: "Show consumption for today, the last 7 and 30 days, top agents, usage by scope and the efficiency score.",
		InputSchema: object(nil, map[string]any{}),
	},
	{
		Name:        "ledger_journal_search",
		Description: "Search the durable SQLite transaction journal with optional filters.",
		InputSchema: object(nil, historyProps),
	},
}

func decodeArgs(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("invalid arguments: %w", err)
	}
	return nil
}

func handleBudgets(_ context.Context, s *Server, _ json.RawMessage) ToolCallResult {
	return textResult(formatBudgets(s.ledger.Budgets(), s.ledger.Pool()))
}

type budgetArgs struct {
	BudgetID string `json:"budget_id"`
}

func handleBudgetStatus(_ context.Context, s *Server, raw json.RawMessage) ToolCallResult {
	var args budgetArgs
	if err := decodeArgs(raw, &args); err != nil {
		return errorResult(err.Error())
	}
	if args.BudgetID == "" {
		return errorResult("budget_id is required")
	}
	st, err := s.ledger.Status(args.BudgetID)
	if err != nil {
		return errorResult("Error fetching budget: " + err.Error())
	}
	return textResult(formatStatus(st))
}

type consumeArgs struct {
	BudgetID    string `json:"budget_id"`
	Amount      int64  `json:"amount"`
	AgentID     string `json:"agent_id"`
	ThreadID    string `json:"thread_id"`
	Description string `json:"description"`
}

func handleConsume(ctx context.Context, s *Server, raw json.RawMessage) ToolCallResult {
	var args consumeArgs
	if err := decodeArgs(raw, &args); err != nil {
		return errorResult(err.Error())
	}
	if args.BudgetID == "" {
		return errorResult("budget_id is required")
	}

	res, err := s.ledger.Consume(ctx, args.BudgetID, args.Amount,
		models.Attribution{AgentID: args.AgentID, ThreadID: args.ThreadID}, args.Description)
	if err != nil {
		var violation *ledger.RuleViolationError
		switch {
		case errors.As(err, &violation):
			return errorResult(fmt.Sprintf("Denied: %s. Request a smaller amount or ask an administrator to allocate more tokens.", err))
		case errors.Is(err, ledger.ErrInsufficientBalance):
			return errorResult("Denied: " + err.Error())
		default:
			return errorResult("Error: " + err.Error())
		}
	}
	return textResult(formatConsume(res))
}

type refundArgs struct {
	BudgetID string `json:"budget_id"`
	Amount   int64  `json:"amount"`
	Reason   string `json:"reason"`
}

func handleRefund(ctx context.Context, s *Server, raw json.RawMessage) ToolCallResult {
	var args refundArgs
	if err := decodeArgs(raw, &args); err != nil {
		return errorResult(err.Error())
	}
	if args.BudgetID == "" {
		return errorResult("budget_id is required")
	}
	tx, err := s.ledger.Refund(ctx, args.BudgetID, args.Amount, args.Reason)
	if err != nil {
		return errorResult("Error: " + err.Error())
	}
	return textResult(fmt.Sprintf("Refunded %d tokens to budget %s (transaction %s).", tx.Amount, tx.BudgetID, tx.ID))
}

type historyArgs struct {
	BudgetID string `json:"budget_id"`
	AgentID  string `json:"agent_id"`
	ThreadID string `json:"thread_id"`
	Type     string `json:"type"`
	Since    string `json:"since"`
	Limit    int    `json:"limit"`
}

func (a historyArgs) filter() (models.HistoryFilter, error) {
	f := models.HistoryFilter{
		BudgetID: a.BudgetID,
		AgentID:  a.AgentID,
		ThreadID: a.ThreadID,
		Type:     models.TransactionType(a.Type),
		Limit:    a.Limit,
	}
	if f.Type != "" && !f.Type.Valid() {
		return f, fmt.Errorf("unknown transaction type %q", a.Type)
	}
	if a.Since != "" {
		t, err := time.Parse("2006-01-02", a.Since)
		if err != nil {
			return f, fmt.Errorf("invalid since date (use YYYY-MM-DD): %w", err)
		}
		f.Since = t
	}
	if f.Limit <= 0 {
		f.Limit = 50
	}
	return f, nil
}

func handleHistory(_ context.Context, s *Server, raw json.RawMessage) ToolCallResult {
	var args historyArgs
	if err := decodeArgs(raw, &args); err != nil {
		return errorResult(err.Error())
	}
	f, err := args.filter()
	if err != nil {
		return errorResult(err.Error())
	}
	return textResult(formatTransactions(s.ledger.History(f)))
}

func handleAnalytics(_ context.Context, s *Server, _ json.RawMessage) ToolCallResult {
	return textResult(formatAnalytics(s.ledger.Analytics()))
}

func handleJournalSearch(ctx context.Context, s *Server, raw json.RawMessage) ToolCallResult {
	if s.journal == nil {
		return textResult("Transaction journal not configured. Set journal.enabled in the config file.")
	}
	var args historyArgs
	if err := decodeArgs(raw, &args); err != nil {
		return errorResult(err.Error())
	}
	f, err := args.filter()
	if err != nil {
		return errorResult(err.Error())
	}
	txs, err := s.journal.Query(ctx, f)
	if err != nil {
		return errorResult("Error searching journal: " + err.Error())
	}
	return textResult(formatTransactions(txs))
}
