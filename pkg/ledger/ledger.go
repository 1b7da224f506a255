// Package ledger owns token budgets, the global credit pool and the
// transaction log. Every public method runs to completion under a single
// mutex: a call either commits its full state change together with its
// transaction, or returns an error and leaves the ledger untouched.
package ledger

import (
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pario-ai/tokenledger/pkg/analytics"
	"github.com/pario-ai/tokenledger/pkg/models"
	"github.com/pario-ai/tokenledger/pkg/rules"
	"github.com/pario-ai/tokenledger/pkg/txlog"
)

// Option configures a Ledger.
type Option func(*Ledger)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// WithPool sets the initial global pool balance of a new ledger.
func WithPool(balance int64) Option {
	return func(l *Ledger) { l.pool = balance }
}

// WithLocation sets the timezone used for "today" in analytics.
func WithLocation(loc *time.Location) Option {
	return func(l *Ledger) { l.loc = loc }
}

// WithDefaultRules replaces the rule set attached to new budgets.
func WithDefaultRules(fn func() []models.Rule) Option {
	return func(l *Ledger) { l.defaultRules = fn }
}

// WithTopAgents sets how many agents the analytics report ranks.
func WithTopAgents(n int) Option {
	return func(l *Ledger) { l.topAgents = n }
}

// Ledger is the budget ledger. Create one with New or Restore.
type Ledger struct {
	mu      sync.Mutex
	budgets map[string]*models.Budget
	order   []string
	pool    int64
	log     *txlog.Log
	version int64

	now          func() time.Time
	loc          *time.Location
	topAgents    int
	defaultRules func() []models.Rule
}

// ConsumeResult describes a committed consumption.
type ConsumeResult struct {
	Transaction models.Transaction
	Budget      models.Budget
	Warnings    []models.Rule
	UsageAfter  float64
}

// New creates an empty ledger.
func New(opts ...Option) *Ledger {
	l := &Ledger{
		budgets:      make(map[string]*models.Budget),
		log:          txlog.New(),
		now:          time.Now,
		loc:          time.Local,
		topAgents:    analytics.DefaultTopAgents,
		defaultRules: rules.Defaults,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Pool returns the unallocated credit balance.
func (l *Ledger) Pool() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.pool
}

// Version returns the number of committed mutations so far.
func (l *Ledger) Version() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.version
}

// Budget returns a copy of the budget with the given id.
func (l *Ledger) Budget(id string) (models.Budget, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	b, err := l.lookup(id)
	if err != nil {
		return models.Budget{}, err
	}
	return b.Clone(), nil
}

// Budgets returns copies of all budgets in creation order.
func (l *Ledger) Budgets() []models.Budget {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.budgetsLocked()
}

// Status returns a budget with its usage ratio and currently tripped alerts.
func (l *Ledger) Status(id string) (models.BudgetStatus, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	b, err := l.lookup(id)
	if err != nil {
		return models.BudgetStatus{}, err
	}
	return models.BudgetStatus{
		Budget:       b.Clone(),
		UsageRatio:   b.UsageRatio(),
		ActiveAlerts: rules.ActiveAlerts(*b),
		Exhausted:    b.Remaining == 0,
	}, nil
}

// CreateBudget carves a new budget out of the global pool. The budget gets
// the default rule set and an initial allocation transaction.
func (l *Ledger) CreateBudget(name string, scope models.Scope, total int64, period models.BudgetPeriod) (models.Budget, error) {
	name = strings.TrimSpace(name)
	switch {
	case name == "":
		return models.Budget{}, fmt.Errorf("%w: name is required", ErrInvalidBudget)
	case !scope.Valid():
		return models.Budget{}, fmt.Errorf("%w: unknown scope %q", ErrInvalidBudget, scope)
	case !period.Valid():
		return models.Budget{}, fmt.Errorf("%w: unknown period %q", ErrInvalidBudget, period)
	case total < 0:
		return models.Budget{}, fmt.Errorf("%w: %d", ErrInvalidAmount, total)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if total > l.pool {
		return models.Budget{}, fmt.Errorf("%w: need %d, pool has %d", ErrInsufficientPool, total, l.pool)
	}

	now := l.now()
	b := &models.Budget{
		ID:             uuid.New().String(),
		Name:           name,
		Scope:          scope,
		TotalAllocated: total,
		Remaining:      total,
		Period:         period,
		ResetAt:        NextReset(now, period),
		Rules:          l.defaultRules(),
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	l.pool -= total
	l.budgets[b.ID] = b
	l.order = append(l.order, b.ID)
	l.appendTx(models.Transaction{
		Type:        models.TxAllocation,
		Amount:      total,
		BudgetID:    b.ID,
		Description: "initial allocation",
		Metadata:    map[string]string{models.MetaInitial: "true"},
	}, now)
	return b.Clone(), nil
}

// Allocate moves amount from the global pool into a budget.
func (l *Ledger) Allocate(budgetID string, amount int64, description string) (models.Transaction, error) {
	if err := checkAmount(amount); err != nil {
		return models.Transaction{}, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	b, err := l.lookup(budgetID)
	if err != nil {
		return models.Transaction{}, err
	}
	if amount > l.pool {
		return models.Transaction{}, fmt.Errorf("%w: need %d, pool has %d", ErrInsufficientPool, amount, l.pool)
	}

	now := l.now()
	l.pool -= amount
	b.TotalAllocated += amount
	b.Remaining += amount
	b.UpdatedAt = now
	return l.appendTx(models.Transaction{
		Type:        models.TxAllocation,
		Amount:      amount,
		BudgetID:    b.ID,
		Description: description,
	}, now), nil
}

// Consume charges amount against a budget after the rule check passes.
// A denial leaves budget and log unchanged and returns *RuleViolationError
// or ErrInsufficientBalance.
func (l *Ledger) Consume(budgetID string, amount int64, attr models.Attribution, description string) (ConsumeResult, error) {
	if err := checkAmount(amount); err != nil {
		return ConsumeResult{}, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	b, err := l.lookup(budgetID)
	if err != nil {
		return ConsumeResult{}, err
	}

	check := rules.Check(*b, amount)
	if blocker, blocked := check.FirstBlocker(); blocked {
		return ConsumeResult{}, &RuleViolationError{
			BudgetID:   b.ID,
			Amount:     amount,
			Rule:       blocker,
			Blockers:   check.Blockers,
			UsageAfter: check.UsageAfter,
		}
	}
	if amount > b.Remaining {
		return ConsumeResult{}, fmt.Errorf("%w: requested %d, remaining %d", ErrInsufficientBalance, amount, b.Remaining)
	}

	now := l.now()
	b.TotalUsed += amount
	b.Remaining -= amount
	b.UpdatedAt = now
	tx := l.appendTx(models.Transaction{
		Type:        models.TxConsumption,
		Amount:      amount,
		BudgetID:    b.ID,
		ThreadID:    attr.ThreadID,
		AgentID:     attr.AgentID,
		Description: description,
	}, now)

	return ConsumeResult{
		Transaction: tx,
		Budget:      b.Clone(),
		Warnings:    check.Warnings,
		UsageAfter:  check.UsageAfter,
	}, nil
}

// Transfer moves unspent allocation from one budget to another. Either both
// budgets change or neither does. The pool is not involved.
func (l *Ledger) Transfer(fromID, toID string, amount int64) (models.Transaction, error) {
	if err := checkAmount(amount); err != nil {
		return models.Transaction{}, err
	}
	if fromID == toID {
		return models.Transaction{}, fmt.Errorf("%w: source and destination are the same budget", ErrInvalidTransfer)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	from, err := l.lookup(fromID)
	if err != nil {
		return models.Transaction{}, err
	}
	to, err := l.lookup(toID)
	if err != nil {
		return models.Transaction{}, err
	}
	if amount > from.Remaining {
		return models.Transaction{}, fmt.Errorf("%w: requested %d, remaining %d", ErrInsufficientBalance, amount, from.Remaining)
	}

	now := l.now()
	from.TotalAllocated -= amount
	from.Remaining -= amount
	from.UpdatedAt = now
	to.TotalAllocated += amount
	to.Remaining += amount
	to.UpdatedAt = now
	return l.appendTx(models.Transaction{
		Type:        models.TxTransfer,
		Amount:      amount,
		BudgetID:    from.ID,
		Description: fmt.Sprintf("transfer to %s", to.Name),
		Metadata:    map[string]string{models.MetaToBudgetID: to.ID},
	}, now), nil
}

// Refund releases previously consumed credits back into a budget. Usage is
// floored at zero; the transaction records the amount actually released.
func (l *Ledger) Refund(budgetID string, amount int64, reason string) (models.Transaction, error) {
	if err := checkAmount(amount); err != nil {
		return models.Transaction{}, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	b, err := l.lookup(budgetID)
	if err != nil {
		return models.Transaction{}, err
	}
	if b.TotalUsed == 0 {
		return models.Transaction{}, fmt.Errorf("%w: budget %s has no usage to refund", ErrInvalidAmount, b.ID)
	}

	released := min(amount, b.TotalUsed)
	var meta map[string]string
	if released != amount {
		meta = map[string]string{models.MetaRequested: fmt.Sprint(amount)}
	}

	now := l.now()
	b.TotalUsed -= released
	b.Remaining += released
	b.UpdatedAt = now
	return l.appendTx(models.Transaction{
		Type:        models.TxRefund,
		Amount:      released,
		BudgetID:    b.ID,
		Description: reason,
		Metadata:    meta,
	}, now), nil
}

// DeleteBudget removes a budget and returns its unspent credits to the pool.
// Past transactions stay in the log.
func (l *Ledger) DeleteBudget(budgetID string) (models.Budget, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	b, err := l.lookup(budgetID)
	if err != nil {
		return models.Budget{}, err
	}

	l.pool += b.Remaining
	delete(l.budgets, b.ID)
	for i, id := range l.order {
		if id == b.ID {
			l.order = append(l.order[:i], l.order[i+1:]...)
			break
		}
	}
	l.version++
	return b.Clone(), nil
}

// Deposit provisions new credits into the global pool. The pool plus every
// budget's allocation must stay within int64, so no later allocation or
// transfer can overflow a budget.
func (l *Ledger) Deposit(amount int64) (int64, error) {
	if err := checkAmount(amount); err != nil {
		return 0, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if supply := l.supplyLocked(); amount > math.MaxInt64-supply {
		return 0, fmt.Errorf("%w: deposit of %d overflows supply of %d", ErrInvalidAmount, amount, supply)
	}
	l.pool += amount
	l.version++
	return l.pool, nil
}

// AddRule appends a rule to a budget's rule set.
func (l *Ledger) AddRule(budgetID string, rule models.Rule) (models.Rule, error) {
	if !rule.Kind.Valid() {
		return models.Rule{}, fmt.Errorf("%w: unknown kind %q", ErrInvalidRule, rule.Kind)
	}
	if math.IsNaN(rule.Threshold) || rule.Threshold < 0 || rule.Threshold > 1 {
		return models.Rule{}, fmt.Errorf("%w: threshold %.2f outside [0,1]", ErrInvalidRule, rule.Threshold)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	b, err := l.lookup(budgetID)
	if err != nil {
		return models.Rule{}, err
	}

	if rule.ID == "" {
		rule.ID = uuid.New().String()
	}
	if strings.TrimSpace(rule.Name) == "" {
		rule.Name = fmt.Sprintf("%s at %.0f%%", rule.Kind, rule.Threshold*100)
	}
	for _, existing := range b.Rules {
		if existing.ID == rule.ID {
			return models.Rule{}, fmt.Errorf("%w: duplicate id %s", ErrInvalidRule, rule.ID)
		}
	}

	b.Rules = append(b.Rules, rule)
	b.UpdatedAt = l.now()
	l.version++
	return rule, nil
}

// SetRuleEnabled turns a rule on or off.
func (l *Ledger) SetRuleEnabled(budgetID, ruleID string, enabled bool) (models.Budget, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	b, err := l.lookup(budgetID)
	if err != nil {
		return models.Budget{}, err
	}
	i := ruleIndex(b.Rules, ruleID)
	if i < 0 {
		return models.Budget{}, fmt.Errorf("%w: %s", ErrRuleNotFound, ruleID)
	}

	b.Rules[i].Enabled = enabled
	b.UpdatedAt = l.now()
	l.version++
	return b.Clone(), nil
}

// RemoveRule deletes a rule, keeping the order of the rest.
func (l *Ledger) RemoveRule(budgetID, ruleID string) (models.Budget, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	b, err := l.lookup(budgetID)
	if err != nil {
		return models.Budget{}, err
	}
	i := ruleIndex(b.Rules, ruleID)
	if i < 0 {
		return models.Budget{}, fmt.Errorf("%w: %s", ErrRuleNotFound, ruleID)
	}

	b.Rules = append(b.Rules[:i], b.Rules[i+1:]...)
	b.UpdatedAt = l.now()
	l.version++
	return b.Clone(), nil
}

// History returns transactions matching f, newest first.
func (l *Ledger) History(f models.HistoryFilter) []models.Transaction {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.log.History(f)
}

// Analytics derives the usage report from the log and current budgets.
// Repeated calls agree on every aggregate; GeneratedAt is the time of the call.
func (l *Ledger) Analytics() models.Analytics {
	l.mu.Lock()
	defer l.mu.Unlock()

	return analytics.Compute(analytics.Input{
		Transactions: l.log.All(),
		Budgets:      l.budgetsLocked(),
		PoolBalance:  l.pool,
		Now:          l.now(),
		Location:     l.loc,
		TopAgents:    l.topAgents,
	})
}

// lookup returns the live budget after applying any due period reset.
// Callers must hold l.mu.
func (l *Ledger) lookup(id string) (*models.Budget, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: empty id", ErrBudgetNotFound)
	}
	b, ok := l.budgets[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrBudgetNotFound, id)
	}
	if rollover(b, l.now()) {
		l.version++
	}
	return b, nil
}

func (l *Ledger) budgetsLocked() []models.Budget {
	now := l.now()
	out := make([]models.Budget, 0, len(l.order))
	for _, id := range l.order {
		b := l.budgets[id]
		if rollover(b, now) {
			l.version++
		}
		out = append(out, b.Clone())
	}
	return out
}

// supplyLocked is the pool plus all allocations. Only Deposit grows it.
func (l *Ledger) supplyLocked() int64 {
	supply := l.pool
	for _, b := range l.budgets {
		supply += b.TotalAllocated
	}
	return supply
}

func (l *Ledger) appendTx(tx models.Transaction, at time.Time) models.Transaction {
	tx.ID = uuid.New().String()
	tx.Timestamp = at
	l.version++
	return l.log.Append(tx)
}

func ruleIndex(rs []models.Rule, id string) int {
	for i, r := range rs {
		if r.ID == id {
			return i
		}
	}
	return -1
}

func checkAmount(amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("%w: %d must be positive", ErrInvalidAmount, amount)
	}
	return nil
}
