package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/pario-ai/tokenledger/pkg/models"
)

func budget(id string, allocated, used int64) models.Budget {
	return models.Budget{
		ID: id, Name: "team-" + id, Scope: models.ScopeTeam,
		TotalAllocated: allocated, TotalUsed: used, Remaining: allocated - used,
	}
}

func TestOnEventCommitted(t *testing.T) {
	m := New()
	b := budget("b1", 100, 85)

	m.OnEvent(models.Event{
		Kind:        models.EventConsumed,
		Budgets:     []models.Budget{b},
		Transaction: &models.Transaction{Type: models.TxConsumption, Amount: 85},
		Warnings:    []models.Rule{{Kind: models.RuleAlert}},
		PoolBalance: 900,
	})

	if got := testutil.ToFloat64(m.transactions.WithLabelValues("consumption")); got != 1 {
		t.Errorf("transactions = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.tokens.WithLabelValues("consumption")); got != 85 {
		t.Errorf("tokens = %v, want 85", got)
	}
	if got := testutil.ToFloat64(m.budgetRemaining.WithLabelValues("b1", "team-b1", "team")); got != 15 {
		t.Errorf("remaining = %v, want 15", got)
	}
	if got := testutil.ToFloat64(m.budgetUsage.WithLabelValues("b1", "team-b1", "team")); got != 0.85 {
		t.Errorf("usage = %v, want 0.85", got)
	}
	if got := testutil.ToFloat64(m.alerts.WithLabelValues("team-b1")); got != 1 {
		t.Errorf("alerts = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.poolBalance); got != 900 {
		t.Errorf("pool = %v, want 900", got)
	}
}

func TestOnEventDenied(t *testing.T) {
	m := New()
	m.OnEvent(models.Event{Kind: models.EventDenied, Denial: models.DenialRule, Blockers: []models.Rule{{Kind: models.RuleBlock}}})
	// Only the typed cause counts; the message text is ignored.
	m.OnEvent(models.Event{Kind: models.EventDenied, Denial: models.DenialBalance, Reason: "budget exhausted"})
	m.OnEvent(models.Event{Kind: models.EventDenied, Reason: "insufficient budget balance"})

	if got := testutil.ToFloat64(m.denials.WithLabelValues("rule")); got != 1 {
		t.Errorf("rule denials = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.denials.WithLabelValues("balance")); got != 1 {
		t.Errorf("balance denials = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.denials.WithLabelValues("other")); got != 1 {
		t.Errorf("other denials = %v, want 1", got)
	}
	if got := testutil.CollectAndCount(m.transactions); got != 0 {
		t.Errorf("denials must not count as transactions, got %d series", got)
	}
}

func TestOnEventDeletedDropsSeries(t *testing.T) {
	m := New()
	b := budget("b1", 100, 0)
	m.SetBudget(b)
	if got := testutil.CollectAndCount(m.budgetRemaining); got != 1 {
		t.Fatalf("series = %d, want 1", got)
	}

	m.OnEvent(models.Event{Kind: models.EventBudgetDeleted, Budgets: []models.Budget{b}})
	if got := testutil.CollectAndCount(m.budgetRemaining); got != 0 {
		t.Errorf("series after delete = %d, want 0", got)
	}
}

func TestOnSave(t *testing.T) {
	m := New()
	m.OnSave(1, time.Millisecond, errors.New("boom"))
	if got := testutil.ToFloat64(m.snapshotStale); got != 1 {
		t.Errorf("stale = %v, want 1", got)
	}
	m.OnSave(2, time.Millisecond, nil)
	if got := testutil.ToFloat64(m.snapshotStale); got != 0 {
		t.Errorf("stale = %v, want 0", got)
	}
	if got := testutil.ToFloat64(m.snapshotSaves.WithLabelValues("error")); got != 1 {
		t.Errorf("failed saves = %v, want 1", got)
	}
}

func TestHandler(t *testing.T) {
	m := New()
	m.SetPool(42)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "tokenledger_pool_balance_tokens 42") {
		t.Errorf("pool gauge missing from output:\n%s", rec.Body.String())
	}
}
