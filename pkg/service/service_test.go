package service

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/pario-ai/tokenledger/pkg/ledger"
	"github.com/pario-ai/tokenledger/pkg/models"
	"github.com/pario-ai/tokenledger/pkg/snapshot"
)

// flakyStore wraps Memory and fails saves while failing is set.
type flakyStore struct {
	*snapshot.Memory
	failing atomic.Bool
	closed  atomic.Bool
}

func (f *flakyStore) Save(ctx context.Context, key string, data []byte) error {
	if f.failing.Load() {
		return &snapshot.Error{Op: snapshot.OpSave, Err: errors.New("disk full")}
	}
	return f.Memory.Save(ctx, key, data)
}

func (f *flakyStore) Close() error {
	f.closed.Store(true)
	return nil
}

type recorder struct {
	mu     sync.Mutex
	events []models.Event
	saves  []error
}

func (r *recorder) OnEvent(e models.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) OnSave(_ int64, _ time.Duration, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.saves = append(r.saves, err)
}

func (r *recorder) kinds() []models.EventKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.EventKind, len(r.events))
	for i, e := range r.events {
		out[i] = e.Kind
	}
	return out
}

func newTestService(t *testing.T, pool int64) (*Service, *flakyStore, *recorder) {
	t.Helper()
	store := &flakyStore{Memory: snapshot.NewMemory()}
	svc := New(ledger.New(ledger.WithPool(pool)), store, Config{}, zap.NewNop())
	rec := &recorder{}
	svc.Subscribe(rec)
	return svc, store, rec
}

func spec(name string, total int64) models.BudgetSpec {
	return models.BudgetSpec{Name: name, Scope: models.ScopeTeam, Total: total, Period: models.BudgetUnlimited}
}

func TestOpen_SeedsEmptyStore(t *testing.T) {
	ctx := context.Background()
	store := snapshot.NewMemory()
	cfg := Config{Seed: []models.BudgetSpec{spec("research", 300), spec("ops", 200)}}

	svc, err := Open(ctx, store, cfg, zap.NewNop(), ledger.WithPool(1000))
	require.NoError(t, err)

	budgets := svc.Budgets()
	require.Len(t, budgets, 2)
	assert.Equal(t, "research", budgets[0].Name)
	assert.Equal(t, int64(500), svc.Pool())
	assert.Equal(t, 2, store.Saves())

	// A second open restores instead of seeding again.
	again, err := Open(ctx, store, cfg, zap.NewNop())
	require.NoError(t, err)
	restored := again.Budgets()
	require.Len(t, restored, 2)
	for i := range budgets {
		assert.Equal(t, budgets[i].ID, restored[i].ID)
		assert.Equal(t, budgets[i].Remaining, restored[i].Remaining)
		assert.Len(t, restored[i].Rules, 2)
	}
	assert.Equal(t, int64(500), again.Pool())
	assert.Len(t, again.History(models.HistoryFilter{}), 2)
}

func TestOpen_SeedFailure(t *testing.T) {
	cfg := Config{Seed: []models.BudgetSpec{spec("huge", 5000)}}
	_, err := Open(context.Background(), snapshot.NewMemory(), cfg, zap.NewNop(), ledger.WithPool(10))
	assert.ErrorIs(t, err, ledger.ErrInsufficientPool)
}

func TestOpen_CorruptSnapshot(t *testing.T) {
	ctx := context.Background()
	store := snapshot.NewMemory()
	require.NoError(t, store.Save(ctx, DefaultKey, []byte("{broken")))

	_, err := Open(ctx, store, Config{}, zap.NewNop())
	var se *snapshot.Error
	assert.ErrorAs(t, err, &se)
}

func TestCommitsPersistAndEmit(t *testing.T) {
	ctx := context.Background()
	svc, store, rec := newTestService(t, 1000)

	a, err := svc.CreateBudget(ctx, spec("a", 200))
	require.NoError(t, err)
	b, err := svc.CreateBudget(ctx, spec("b", 200))
	require.NoError(t, err)
	_, err = svc.Allocate(ctx, a.ID, 50, "top-up")
	require.NoError(t, err)
	_, err = svc.Consume(ctx, a.ID, 100, models.Attribution{AgentID: "coder"}, "build")
	require.NoError(t, err)
	_, err = svc.Transfer(ctx, a.ID, b.ID, 25)
	require.NoError(t, err)
	_, err = svc.Refund(ctx, a.ID, 10, "retry")
	require.NoError(t, err)
	_, err = svc.Deposit(ctx, 500)
	require.NoError(t, err)
	_, err = svc.DeleteBudget(ctx, b.ID)
	require.NoError(t, err)

	assert.Equal(t, []models.EventKind{
		models.EventBudgetCreated,
		models.EventBudgetCreated,
		models.EventAllocated,
		models.EventConsumed,
		models.EventTransferred,
		models.EventRefunded,
		models.EventDeposited,
		models.EventBudgetDeleted,
	}, rec.kinds())

	transfer := rec.events[4]
	require.Len(t, transfer.Budgets, 2)
	assert.Equal(t, a.ID, transfer.Budgets[0].ID)
	assert.Equal(t, b.ID, transfer.Budgets[1].ID)
	require.NotNil(t, rec.events[0].Transaction)
	assert.Equal(t, "true", rec.events[0].Transaction.Metadata[models.MetaInitial])

	assert.Equal(t, 8, store.Saves())
	assert.False(t, svc.Stale())

	data, err := store.Load(ctx, DefaultKey)
	require.NoError(t, err)
	snap, err := snapshot.Decode(data)
	require.NoError(t, err)
	assert.Equal(t, svc.Ledger().Version(), snap.Version)
	assert.Equal(t, svc.Pool(), snap.PoolBalance)
}

func TestConsume_DeniedEmitsEvent(t *testing.T) {
	ctx := context.Background()
	svc, store, rec := newTestService(t, 100)
	b, err := svc.CreateBudget(ctx, spec("a", 100))
	require.NoError(t, err)
	saves := store.Saves()

	_, err = svc.Consume(ctx, b.ID, 100, models.Attribution{AgentID: "x"}, "")
	require.ErrorIs(t, err, ledger.ErrRuleViolation)

	_, err = svc.Consume(ctx, b.ID, 0, models.Attribution{}, "")
	require.ErrorIs(t, err, ledger.ErrInvalidAmount)

	kinds := rec.kinds()
	assert.Equal(t, []models.EventKind{models.EventBudgetCreated, models.EventDenied}, kinds)
	denied := rec.events[1]
	require.Len(t, denied.Blockers, 1)
	assert.Equal(t, models.RuleBlock, denied.Blockers[0].Kind)
	assert.Contains(t, denied.Reason, "blocked by rule")
	assert.Equal(t, models.DenialRule, denied.Denial)
	assert.Equal(t, saves, store.Saves())
}

func TestConsume_BalanceDenialIsTyped(t *testing.T) {
	ctx := context.Background()
	svc, _, rec := newTestService(t, 100)
	b, err := svc.CreateBudget(ctx, spec("a", 50))
	require.NoError(t, err)
	for _, r := range b.Rules {
		if r.Kind == models.RuleBlock {
			_, err := svc.RemoveRule(ctx, b.ID, r.ID)
			require.NoError(t, err)
		}
	}

	_, err = svc.Consume(ctx, b.ID, 60, models.Attribution{}, "")
	require.ErrorIs(t, err, ledger.ErrInsufficientBalance)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	denied := rec.events[len(rec.events)-1]
	assert.Equal(t, models.EventDenied, denied.Kind)
	assert.Equal(t, models.DenialBalance, denied.Denial)
	assert.Empty(t, denied.Blockers)
}

func TestConsume_WarningsReachObservers(t *testing.T) {
	ctx := context.Background()
	svc, _, rec := newTestService(t, 100)
	b, err := svc.CreateBudget(ctx, spec("a", 100))
	require.NoError(t, err)

	res, err := svc.Consume(ctx, b.ID, 90, models.Attribution{}, "")
	require.NoError(t, err)
	require.Len(t, res.Warnings, 1)

	last := rec.events[len(rec.events)-1]
	assert.Equal(t, models.EventConsumed, last.Kind)
	assert.Len(t, last.Warnings, 1)
	assert.Equal(t, int64(0), last.PoolBalance)
}

func TestSaveFailureKeepsCommitAndMarksStale(t *testing.T) {
	ctx := context.Background()
	svc, store, rec := newTestService(t, 100)
	b, err := svc.CreateBudget(ctx, spec("a", 100))
	require.NoError(t, err)

	store.failing.Store(true)
	res, err := svc.Consume(ctx, b.ID, 30, models.Attribution{}, "")
	require.NoError(t, err)
	assert.Equal(t, int64(70), res.Budget.Remaining)
	assert.True(t, svc.Stale())

	got, err := svc.Budget(b.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(70), got.Remaining)

	store.failing.Store(false)
	svc.retry.run(ctx)
	assert.False(t, svc.Stale())

	data, err := store.Load(ctx, DefaultKey)
	require.NoError(t, err)
	snap, err := snapshot.Decode(data)
	require.NoError(t, err)
	assert.Equal(t, int64(30), snap.Budgets[0].TotalUsed)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	var failures int
	for _, err := range rec.saves {
		if err != nil {
			failures++
		}
	}
	assert.Equal(t, 1, failures)
}

func TestFlushSkipsSavedVersion(t *testing.T) {
	ctx := context.Background()
	svc, store, _ := newTestService(t, 100)
	_, err := svc.CreateBudget(ctx, spec("a", 10))
	require.NoError(t, err)
	saves := store.Saves()

	require.NoError(t, svc.Flush(ctx))
	require.NoError(t, svc.Flush(ctx))
	assert.Equal(t, saves, store.Saves())
}

func TestRules(t *testing.T) {
	ctx := context.Background()
	svc, _, rec := newTestService(t, 100)
	b, err := svc.CreateBudget(ctx, spec("a", 100))
	require.NoError(t, err)

	r, err := svc.AddRule(ctx, b.ID, models.Rule{Kind: models.RuleAlert, Threshold: 0.5, Enabled: true})
	require.NoError(t, err)
	_, err = svc.SetRuleEnabled(ctx, b.ID, r.ID, false)
	require.NoError(t, err)
	got, err := svc.RemoveRule(ctx, b.ID, r.ID)
	require.NoError(t, err)
	assert.Len(t, got.Rules, 2)

	_, err = svc.RemoveRule(ctx, b.ID, r.ID)
	assert.ErrorIs(t, err, ledger.ErrRuleNotFound)

	kinds := rec.kinds()
	assert.Equal(t, models.EventBudgetUpdated, kinds[len(kinds)-1])
	assert.Len(t, kinds, 4)
}

func TestConcurrentConsumesStayConsistent(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(t, 1000)
	a, err := svc.CreateBudget(ctx, spec("a", 200))
	require.NoError(t, err)
	b, err := svc.CreateBudget(ctx, spec("b", 200))
	require.NoError(t, err)

	var ok atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(3)
		go func() {
			defer wg.Done()
			if _, err := svc.Consume(ctx, a.ID, 3, models.Attribution{}, ""); err == nil {
				ok.Add(3)
			}
		}()
		go func() {
			defer wg.Done()
			_, _ = svc.Transfer(ctx, a.ID, b.ID, 1)
		}()
		go func() {
			defer wg.Done()
			_, _ = svc.Transfer(ctx, b.ID, a.ID, 1)
		}()
	}
	wg.Wait()

	total := svc.Pool()
	var used int64
	for _, bud := range svc.Budgets() {
		assert.Equal(t, bud.TotalAllocated-bud.TotalUsed, bud.Remaining)
		assert.GreaterOrEqual(t, bud.Remaining, int64(0))
		total += bud.TotalAllocated
		used += bud.TotalUsed
	}
	assert.Equal(t, int64(1000), total)
	assert.Equal(t, ok.Load(), used)
	assert.Equal(t, 0, svc.locks.size())
}

func TestStartAndClose(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	svc, store, _ := newTestService(t, 100)

	require.NoError(t, svc.Start(ctx))
	require.NoError(t, svc.Start(ctx))

	store.failing.Store(true)
	_, err := svc.Deposit(ctx, 5)
	require.NoError(t, err)
	assert.True(t, svc.Stale())

	store.failing.Store(false)
	require.NoError(t, svc.Close(ctx))
	assert.False(t, svc.Stale())
	assert.True(t, store.closed.Load())
}

func TestStart_InvalidSchedule(t *testing.T) {
	store := &flakyStore{Memory: snapshot.NewMemory()}
	svc := New(ledger.New(), store, Config{RetrySchedule: "every tuesday"}, nil)
	assert.Error(t, svc.Start(context.Background()))
}

func TestObserverFunc(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(t, 10)
	var got []models.EventKind
	svc.Subscribe(ObserverFunc(func(e models.Event) { got = append(got, e.Kind) }))

	_, err := svc.Deposit(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, []models.EventKind{models.EventDeposited}, got)
}
