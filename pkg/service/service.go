// Package service wraps a ledger for concurrent callers. It serializes work
// per budget, saves a snapshot after every commit and fans committed changes
// out to observers. The ledger itself knows none of this.
package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pario-ai/tokenledger/pkg/ledger"
	"github.com/pario-ai/tokenledger/pkg/models"
	"github.com/pario-ai/tokenledger/pkg/snapshot"
)

// Defaults for Config fields left empty.
const (
	DefaultKey           = "tokenledger:snapshot"
	DefaultSaveTimeout   = 5 * time.Second
	DefaultRetrySchedule = "@every 30s"
)

// Observer receives every committed change and every denied consumption.
// OnEvent runs while the affected budgets are locked, so events for one
// budget arrive in commit order. Implementations must not call back into
// the service.
type Observer interface {
	OnEvent(models.Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(models.Event)

func (f ObserverFunc) OnEvent(e models.Event) { f(e) }

// SaveObserver is implemented by observers that also want snapshot save
// outcomes.
type SaveObserver interface {
	OnSave(version int64, took time.Duration, err error)
}

// Config controls persistence.
type Config struct {
	Key           string
	SaveTimeout   time.Duration
	RetrySchedule string
	Seed          []models.BudgetSpec
}

func (c *Config) applyDefaults() {
	if c.Key == "" {
		c.Key = DefaultKey
	}
	if c.SaveTimeout <= 0 {
		c.SaveTimeout = DefaultSaveTimeout
	}
	if c.RetrySchedule == "" {
		c.RetrySchedule = DefaultRetrySchedule
	}
}

// Service is the concurrent entry point to a ledger.
type Service struct {
	ledger *ledger.Ledger
	store  snapshot.Store
	cfg    Config
	logger *zap.Logger
	locks  *lockset

	obsMu     sync.RWMutex
	observers []Observer

	saveMu        sync.Mutex
	savedVersion  int64
	failedVersion int64

	retry *retrier
}

// New wraps an existing ledger. Nothing is loaded from store.
func New(l *ledger.Ledger, store snapshot.Store, cfg Config, logger *zap.Logger) *Service {
	cfg.applyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Service{
		ledger: l,
		store:  store,
		cfg:    cfg,
		logger: logger.With(zap.String("component", "service")),
		locks:  newLockset(),
	}
	s.retry = newRetrier(s)
	return s
}

// Open restores the ledger saved under cfg.Key, or starts a fresh one with
// the configured seed budgets when the store is empty.
func Open(ctx context.Context, store snapshot.Store, cfg Config, logger *zap.Logger, opts ...ledger.Option) (*Service, error) {
	cfg.applyDefaults()

	data, err := store.Load(ctx, cfg.Key)
	switch {
	case errors.Is(err, snapshot.ErrNotFound):
		s := New(ledger.New(opts...), store, cfg, logger)
		for _, spec := range cfg.Seed {
			if _, err := s.CreateBudget(ctx, spec); err != nil {
				return nil, fmt.Errorf("seed budget %q: %w", spec.Name, err)
			}
		}
		s.logger.Info("started empty ledger", zap.Int("seeded", len(cfg.Seed)))
		return s, nil
	case err != nil:
		return nil, fmt.Errorf("load snapshot: %w", err)
	}

	snap, err := snapshot.Decode(data)
	if err != nil {
		return nil, err
	}
	l, err := ledger.Restore(snap, opts...)
	if err != nil {
		return nil, fmt.Errorf("restore snapshot: %w", err)
	}

	s := New(l, store, cfg, logger)
	s.savedVersion = snap.Version
	s.logger.Info("restored ledger",
		zap.Int64("version", snap.Version),
		zap.Int("budgets", len(snap.Budgets)),
		zap.Int("transactions", len(snap.Transactions)),
	)
	return s, nil
}

// Subscribe registers an observer.
func (s *Service) Subscribe(o Observer) {
	s.obsMu.Lock()
	defer s.obsMu.Unlock()
	s.observers = append(s.observers, o)
}

// Ledger returns the wrapped ledger for read access.
func (s *Service) Ledger() *ledger.Ledger { return s.ledger }

// CreateBudget funds a new budget from the pool.
func (s *Service) CreateBudget(ctx context.Context, spec models.BudgetSpec) (models.Budget, error) {
	b, err := s.ledger.CreateBudget(spec.Name, spec.Scope, spec.Total, spec.Period)
	if err != nil {
		return models.Budget{}, err
	}

	unlock := s.locks.lock(b.ID)
	defer unlock()

	s.persist(ctx)
	txs := s.ledger.History(models.HistoryFilter{BudgetID: b.ID, Type: models.TxAllocation, Limit: 1})
	var tx *models.Transaction
	if len(txs) == 1 {
		tx = &txs[0]
	}
	s.emit(models.Event{Kind: models.EventBudgetCreated, Budgets: []models.Budget{b}, Transaction: tx})
	s.logger.Info("budget created",
		zap.String("budget_id", b.ID),
		zap.String("name", b.Name),
		zap.Int64("total", b.TotalAllocated),
	)
	return b, nil
}

// Allocate moves credits from the pool into a budget.
func (s *Service) Allocate(ctx context.Context, budgetID string, amount int64, description string) (models.Transaction, error) {
	unlock := s.locks.lock(budgetID)
	defer unlock()

	tx, err := s.ledger.Allocate(budgetID, amount, description)
	if err != nil {
		return models.Transaction{}, err
	}
	s.commit(ctx, models.EventAllocated, &tx, budgetID)
	return tx, nil
}

// Consume charges a budget. Policy denials are reported to observers as
// EventDenied and returned unchanged.
func (s *Service) Consume(ctx context.Context, budgetID string, amount int64, attr models.Attribution, description string) (ledger.ConsumeResult, error) {
	unlock := s.locks.lock(budgetID)
	defer unlock()

	res, err := s.ledger.Consume(budgetID, amount, attr, description)
	if err != nil {
		if errors.Is(err, ledger.ErrRuleViolation) || errors.Is(err, ledger.ErrInsufficientBalance) {
			s.deny(budgetID, amount, attr, err)
		}
		return ledger.ConsumeResult{}, err
	}

	s.persist(ctx)
	s.emit(models.Event{
		Kind:        models.EventConsumed,
		Budgets:     []models.Budget{res.Budget},
		Transaction: &res.Transaction,
		Warnings:    res.Warnings,
	})
	if len(res.Warnings) > 0 {
		s.logger.Warn("budget alert",
			zap.String("budget_id", budgetID),
			zap.Float64("usage", res.UsageAfter),
			zap.String("rule", res.Warnings[0].Name),
		)
	}
	return res, nil
}

// Transfer moves unspent allocation between two budgets.
func (s *Service) Transfer(ctx context.Context, fromID, toID string, amount int64) (models.Transaction, error) {
	unlock := s.locks.lock(fromID, toID)
	defer unlock()

	tx, err := s.ledger.Transfer(fromID, toID, amount)
	if err != nil {
		return models.Transaction{}, err
	}
	s.commit(ctx, models.EventTransferred, &tx, fromID, toID)
	return tx, nil
}

// Refund releases consumed credits back into a budget.
func (s *Service) Refund(ctx context.Context, budgetID string, amount int64, reason string) (models.Transaction, error) {
	unlock := s.locks.lock(budgetID)
	defer unlock()

	tx, err := s.ledger.Refund(budgetID, amount, reason)
	if err != nil {
		return models.Transaction{}, err
	}
	s.commit(ctx, models.EventRefunded, &tx, budgetID)
	return tx, nil
}

// DeleteBudget removes a budget and returns its remaining credits to the pool.
func (s *Service) DeleteBudget(ctx context.Context, budgetID string) (models.Budget, error) {
	unlock := s.locks.lock(budgetID)
	defer unlock()

	b, err := s.ledger.DeleteBudget(budgetID)
	if err != nil {
		return models.Budget{}, err
	}
	s.persist(ctx)
	s.emit(models.Event{Kind: models.EventBudgetDeleted, Budgets: []models.Budget{b}})
	s.logger.Info("budget deleted", zap.String("budget_id", b.ID), zap.Int64("returned", b.Remaining))
	return b, nil
}

// Deposit adds credits to the global pool.
func (s *Service) Deposit(ctx context.Context, amount int64) (int64, error) {
	balance, err := s.ledger.Deposit(amount)
	if err != nil {
		return 0, err
	}
	s.persist(ctx)
	s.emit(models.Event{Kind: models.EventDeposited, Reason: fmt.Sprintf("deposit %d", amount)})
	return balance, nil
}

// AddRule attaches a rule to a budget.
func (s *Service) AddRule(ctx context.Context, budgetID string, rule models.Rule) (models.Rule, error) {
	unlock := s.locks.lock(budgetID)
	defer unlock()

	r, err := s.ledger.AddRule(budgetID, rule)
	if err != nil {
		return models.Rule{}, err
	}
	s.commit(ctx, models.EventBudgetUpdated, nil, budgetID)
	return r, nil
}

// SetRuleEnabled toggles a rule.
func (s *Service) SetRuleEnabled(ctx context.Context, budgetID, ruleID string, enabled bool) (models.Budget, error) {
	unlock := s.locks.lock(budgetID)
	defer unlock()

	b, err := s.ledger.SetRuleEnabled(budgetID, ruleID, enabled)
	if err != nil {
		return models.Budget{}, err
	}
	s.commit(ctx, models.EventBudgetUpdated, nil, budgetID)
	return b, nil
}

// RemoveRule detaches a rule.
func (s *Service) RemoveRule(ctx context.Context, budgetID, ruleID string) (models.Budget, error) {
	unlock := s.locks.lock(budgetID)
	defer unlock()

	b, err := s.ledger.RemoveRule(budgetID, ruleID)
	if err != nil {
		return models.Budget{}, err
	}
	s.commit(ctx, models.EventBudgetUpdated, nil, budgetID)
	return b, nil
}

// Budget returns one budget.
func (s *Service) Budget(id string) (models.Budget, error) { return s.ledger.Budget(id) }

// Budgets returns all budgets in creation order.
func (s *Service) Budgets() []models.Budget { return s.ledger.Budgets() }

// Status returns a budget with its usage ratio and tripped alerts.
func (s *Service) Status(id string) (models.BudgetStatus, error) { return s.ledger.Status(id) }

// Pool returns the global pool balance.
func (s *Service) Pool() int64 { return s.ledger.Pool() }

// History returns matching transactions, newest first.
func (s *Service) History(f models.HistoryFilter) []models.Transaction { return s.ledger.History(f) }

// Analytics returns the usage report.
func (s *Service) Analytics() models.Analytics { return s.ledger.Analytics() }

// Stale reports whether the last committed state has not reached the store.
func (s *Service) Stale() bool {
	s.saveMu.Lock()
	defer s.saveMu.Unlock()
	return s.failedVersion > s.savedVersion
}

// Flush saves the current state if it is newer than what the store holds.
func (s *Service) Flush(ctx context.Context) error {
	return s.save(ctx, s.ledger.Snapshot())
}

// Start launches the background job that retries failed saves. It stops
// when ctx is cancelled or Close is called.
func (s *Service) Start(ctx context.Context) error {
	return s.retry.start(ctx, s.cfg.RetrySchedule)
}

// Close stops the retry job, makes a final save attempt and closes the store.
func (s *Service) Close(ctx context.Context) error {
	s.retry.stop()
	flushErr := s.Flush(ctx)
	if err := s.store.Close(); err != nil {
		return fmt.Errorf("close snapshot store: %w", err)
	}
	if flushErr != nil {
		return fmt.Errorf("final flush: %w", flushErr)
	}
	return nil
}

func (s *Service) commit(ctx context.Context, kind models.EventKind, tx *models.Transaction, ids ...string) {
	s.persist(ctx)

	budgets := make([]models.Budget, 0, len(ids))
	for _, id := range ids {
		if b, err := s.ledger.Budget(id); err == nil {
			budgets = append(budgets, b)
		}
	}
	s.emit(models.Event{Kind: kind, Budgets: budgets, Transaction: tx})
	if tx != nil {
		s.logger.Debug("transaction committed",
			zap.String("tx_id", tx.ID),
			zap.String("type", string(tx.Type)),
			zap.String("budget_id", tx.BudgetID),
			zap.Int64("amount", tx.Amount),
		)
	}
}

func (s *Service) deny(budgetID string, amount int64, attr models.Attribution, err error) {
	ev := models.Event{Kind: models.EventDenied, Reason: err.Error()}
	if b, lookupErr := s.ledger.Budget(budgetID); lookupErr == nil {
		ev.Budgets = []models.Budget{b}
	}
	var violation *ledger.RuleViolationError
	switch {
	case errors.As(err, &violation):
		ev.Denial = models.DenialRule
		ev.Blockers = violation.Blockers
	case errors.Is(err, ledger.ErrInsufficientBalance):
		ev.Denial = models.DenialBalance
	}
	s.emit(ev)
	s.logger.Warn("consumption denied",
		zap.String("budget_id", budgetID),
		zap.Int64("amount", amount),
		zap.String("agent_id", attr.AgentID),
		zap.String("thread_id", attr.ThreadID),
		zap.Error(err),
	)
}

// persist saves after a commit. The commit stands whether or not the save
// succeeds; failures leave the service stale until a retry lands.
func (s *Service) persist(ctx context.Context) {
	if err := s.Flush(ctx); err != nil {
		s.logger.Error("snapshot save failed, marked stale", zap.Error(err))
	}
}

func (s *Service) save(ctx context.Context, snap models.Snapshot) error {
	s.saveMu.Lock()
	defer s.saveMu.Unlock()

	if snap.Version <= s.savedVersion {
		return nil
	}

	start := time.Now()
	data, err := snapshot.Encode(snap)
	if err == nil {
		saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.SaveTimeout)
		err = s.store.Save(saveCtx, s.cfg.Key, data)
		cancel()
	}
	s.notifySave(snap.Version, time.Since(start), err)

	if err != nil {
		s.failedVersion = max(s.failedVersion, snap.Version)
		return err
	}
	s.savedVersion = snap.Version
	return nil
}

func (s *Service) emit(ev models.Event) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	ev.PoolBalance = s.ledger.Pool()

	s.obsMu.RLock()
	defer s.obsMu.RUnlock()
	for _, o := range s.observers {
		o.OnEvent(ev)
	}
}

func (s *Service) notifySave(version int64, took time.Duration, err error) {
	s.obsMu.RLock()
	defer s.obsMu.RUnlock()
	for _, o := range s.observers {
		if so, ok := o.(SaveObserver); ok {
			so.OnSave(version, took, err)
		}
	}
}
