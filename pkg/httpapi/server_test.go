package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pario-ai/tokenledger/pkg/ledger"
	"github.com/pario-ai/tokenledger/pkg/metrics"
	"github.com/pario-ai/tokenledger/pkg/models"
	"github.com/pario-ai/tokenledger/pkg/service"
	"github.com/pario-ai/tokenledger/pkg/snapshot"
)

type testAPI struct {
	t       *testing.T
	svc     *service.Service
	handler http.Handler
}

func newTestAPI(t *testing.T, opts ...Option) *testAPI {
	t.Helper()
	svc, err := service.Open(context.Background(), snapshot.NewMemory(), service.Config{}, nil, ledger.WithPool(10_000))
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close(context.Background()) })
	return &testAPI{t: t, svc: svc, handler: NewServer(svc, nil, opts...).Router()}
}

func (a *testAPI) do(method, path string, body any) *httptest.ResponseRecorder {
	a.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if s, ok := body.(string); ok {
			buf.WriteString(s)
		} else {
			require.NoError(a.t, json.NewEncoder(&buf).Encode(body))
		}
	}
	rec := httptest.NewRecorder()
	a.handler.ServeHTTP(rec, httptest.NewRequest(method, path, &buf))
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func (a *testAPI) createBudget(name string, total int64) models.Budget {
	a.t.Helper()
	rec := a.do(http.MethodPost, "/budgets", models.BudgetSpec{Name: name, Scope: models.ScopeProject, Total: total, Period: models.BudgetMonthly})
	require.Equal(a.t, http.StatusCreated, rec.Code, rec.Body.String())
	return decodeBody[models.Budget](a.t, rec)
}

func TestBudgetLifecycle(t *testing.T) {
	a := newTestAPI(t)
	b := a.createBudget("search", 1000)
	assert.Equal(t, int64(1000), b.Remaining)

	rec := a.do(http.MethodGet, "/budgets", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decodeBody[budgetList](t, rec)
	require.Len(t, list.Budgets, 1)
	assert.Equal(t, int64(9000), list.PoolBalance)

	rec = a.do(http.MethodPost, "/budgets/"+b.ID+"/allocate", allocateRequest{Amount: 500, Description: "quarter bump"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, models.TxAllocation, decodeBody[models.Transaction](t, rec).Type)

	rec = a.do(http.MethodPost, "/budgets/"+b.ID+"/consume", consumeRequest{Amount: 1250, AgentID: "indexer"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	consumed := decodeBody[consumeResponse](t, rec)
	assert.Equal(t, int64(250), consumed.Budget.Remaining)
	assert.Len(t, consumed.Warnings, 1)

	rec = a.do(http.MethodPost, "/budgets/"+b.ID+"/refund", refundRequest{Amount: 50, Reason: "cache hit"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = a.do(http.MethodGet, "/budgets/"+b.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	st := decodeBody[models.BudgetStatus](t, rec)
	assert.Equal(t, int64(1200), st.Budget.TotalUsed)
	assert.NotEmpty(t, st.ActiveAlerts)

	rec = a.do(http.MethodDelete, "/budgets/"+b.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int64(9000-500+300), a.svc.Pool())

	rec = a.do(http.MethodGet, "/budgets/"+b.ID, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, CodeBudgetNotFound, decodeBody[ErrorResponse](t, rec).Code)
}

func TestConsumeDenied(t *testing.T) {
	a := newTestAPI(t)
	b := a.createBudget("tight", 100)

	rec := a.do(http.MethodPost, "/budgets/"+b.ID+"/consume", consumeRequest{Amount: 101})
	require.Equal(t, http.StatusForbidden, rec.Code)
	body := decodeBody[map[string]any](t, rec)
	assert.Equal(t, CodeRuleViolation, body["code"])
	assert.Contains(t, body["message"], "hard limit")
	assert.Len(t, body["blockers"], 1)
	assert.InDelta(t, 1.01, body["usage_after"], 1e-9)

	// Without the block rule the balance check applies.
	st, err := a.svc.Status(b.ID)
	require.NoError(t, err)
	for _, r := range st.Budget.Rules {
		if r.Kind == models.RuleBlock {
			rec = a.do(http.MethodDelete, "/budgets/"+b.ID+"/rules/"+r.ID, nil)
			require.Equal(t, http.StatusOK, rec.Code)
		}
	}
	rec = a.do(http.MethodPost, "/budgets/"+b.ID+"/consume", consumeRequest{Amount: 101})
	assert.Equal(t, http.StatusPaymentRequired, rec.Code)
	assert.Equal(t, CodeInsufficientBalance, decodeBody[ErrorResponse](t, rec).Code)
}

func TestTransfer(t *testing.T) {
	a := newTestAPI(t)
	from := a.createBudget("from", 400)
	to := a.createBudget("to", 100)

	rec := a.do(http.MethodPost, "/transfers", transferRequest{From: from.ID, To: to.ID, Amount: 150})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	tx := decodeBody[models.Transaction](t, rec)
	assert.Equal(t, models.TxTransfer, tx.Type)
	assert.Equal(t, to.ID, tx.Metadata[models.MetaToBudgetID])

	rec = a.do(http.MethodPost, "/transfers", transferRequest{From: from.ID, To: from.ID, Amount: 1})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = a.do(http.MethodPost, "/transfers", transferRequest{From: from.ID, To: to.ID, Amount: 1000})
	assert.Equal(t, http.StatusPaymentRequired, rec.Code)
}

func TestValidationErrors(t *testing.T) {
	a := newTestAPI(t)
	b := a.createBudget("v", 10)

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		status int
		code   string
	}{
		{"malformed body", http.MethodPost, "/budgets", "{", http.StatusBadRequest, CodeBadRequest},
		{"bad scope", http.MethodPost, "/budgets", models.BudgetSpec{Name: "x", Scope: "galaxy", Period: models.BudgetDaily}, http.StatusBadRequest, CodeValidationFailed},
		{"pool exhausted", http.MethodPost, "/budgets", models.BudgetSpec{Name: "x", Scope: models.ScopeTeam, Total: 1 << 40, Period: models.BudgetDaily}, http.StatusConflict, CodeInsufficientPool},
		{"zero amount", http.MethodPost, "/budgets/" + b.ID + "/consume", consumeRequest{}, http.StatusBadRequest, CodeValidationFailed},
		{"unknown rule", http.MethodDelete, "/budgets/" + b.ID + "/rules/nope", nil, http.StatusNotFound, CodeRuleNotFound},
		{"bad threshold", http.MethodPost, "/budgets/" + b.ID + "/rules", ruleRequest{Kind: models.RuleAlert, Threshold: 2}, http.StatusBadRequest, CodeValidationFailed},
		{"toggle without flag", http.MethodPatch, "/budgets/" + b.ID + "/rules/x", map[string]any{}, http.StatusBadRequest, CodeValidationFailed},
		{"bad history type", http.MethodGet, "/transactions?type=gift", nil, http.StatusBadRequest, CodeBadRequest},
		{"bad history since", http.MethodGet, "/transactions?since=monday", nil, http.StatusBadRequest, CodeBadRequest},
		{"bad deposit", http.MethodPost, "/pool/deposit", depositRequest{Amount: -1}, http.StatusBadRequest, CodeValidationFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := a.do(tt.method, tt.path, tt.body)
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
			assert.Equal(t, tt.code, decodeBody[ErrorResponse](t, rec).Code)
		})
	}
}

func TestRules(t *testing.T) {
	a := newTestAPI(t)
	b := a.createBudget("r", 100)

	rec := a.do(http.MethodPost, "/budgets/"+b.ID+"/rules", ruleRequest{Kind: models.RuleAlert, Threshold: 0.5})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	rule := decodeBody[models.Rule](t, rec)
	assert.True(t, rule.Enabled)
	assert.Equal(t, "alert at 50%", rule.Name)

	rec = a.do(http.MethodPatch, "/budgets/"+b.ID+"/rules/"+rule.ID, map[string]bool{"enabled": false})
	require.Equal(t, http.StatusOK, rec.Code)
	updated := decodeBody[models.Budget](t, rec)
	require.Len(t, updated.Rules, 3)
	assert.False(t, updated.Rules[2].Enabled)
}

func TestPoolAndDeposit(t *testing.T) {
	a := newTestAPI(t)

	rec := a.do(http.MethodPost, "/pool/deposit", depositRequest{Amount: 500})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int64(10_500), decodeBody[poolResponse](t, rec).Balance)

	rec = a.do(http.MethodGet, "/pool", nil)
	assert.Equal(t, int64(10_500), decodeBody[poolResponse](t, rec).Balance)
}

func TestHistoryAndAnalytics(t *testing.T) {
	a := newTestAPI(t)
	b := a.createBudget("h", 1000)
	_, err := a.svc.Consume(context.Background(), b.ID, 10, models.Attribution{AgentID: "a1", ThreadID: "t1"}, "")
	require.NoError(t, err)
	_, err = a.svc.Consume(context.Background(), b.ID, 20, models.Attribution{AgentID: "a2"}, "")
	require.NoError(t, err)

	rec := a.do(http.MethodGet, "/transactions?type=consumption&limit=1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	txs := decodeBody[historyResponse](t, rec).Transactions
	require.Len(t, txs, 1)
	assert.Equal(t, "a2", txs[0].AgentID)

	rec = a.do(http.MethodGet, "/transactions?thread_id=t1", nil)
	assert.Len(t, decodeBody[historyResponse](t, rec).Transactions, 1)

	rec = a.do(http.MethodGet, "/transactions?agent_id=ghost", nil)
	assert.JSONEq(t, `{"transactions":[]}`, rec.Body.String())

	rec = a.do(http.MethodGet, "/analytics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	an := decodeBody[models.Analytics](t, rec)
	assert.Equal(t, int64(30), an.Today)
	require.Len(t, an.TopAgents, 2)
	assert.Equal(t, "a2", an.TopAgents[0].AgentID)
}

func TestHealthAndMetrics(t *testing.T) {
	m := metrics.New()
	a := newTestAPI(t, WithMetrics(m.Handler()), WithMiddleware(m.NewHTTP().Middleware))

	rec := a.do(http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok","stale":false}`, rec.Body.String())
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	rec = a.do(http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), `tokenledger_http_requests_total{method="GET",path="/healthz",status="200"} 1`), rec.Body.String())
}

func TestMetricsRouteAbsentByDefault(t *testing.T) {
	a := newTestAPI(t)
	assert.Equal(t, http.StatusNotFound, a.do(http.MethodGet, "/metrics", nil).Code)
}
