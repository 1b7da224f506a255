// Package httpapi exposes the ledger service as a JSON REST API.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/pario-ai/tokenledger/pkg/ledger"
	"github.com/pario-ai/tokenledger/pkg/models"
)

// Ledger is the service surface the API serves.
type Ledger interface {
	CreateBudget(ctx context.Context, spec models.BudgetSpec) (models.Budget, error)
	Allocate(ctx context.Context, budgetID string, amount int64, description string) (models.Transaction, error)
	Consume(ctx context.Context, budgetID string, amount int64, attr models.Attribution, description string) (ledger.ConsumeResult, error)
	Transfer(ctx context.Context, fromID, toID string, amount int64) (models.Transaction, error)
	Refund(ctx context.Context, budgetID string, amount int64, reason string) (models.Transaction, error)
	DeleteBudget(ctx context.Context, budgetID string) (models.Budget, error)
	Deposit(ctx context.Context, amount int64) (int64, error)
	AddRule(ctx context.Context, budgetID string, rule models.Rule) (models.Rule, error)
	SetRuleEnabled(ctx context.Context, budgetID, ruleID string, enabled bool) (models.Budget, error)
	RemoveRule(ctx context.Context, budgetID, ruleID string) (models.Budget, error)

	Budgets() []models.Budget
	Status(id string) (models.BudgetStatus, error)
	Pool() int64
	History(f models.HistoryFilter) []models.Transaction
	Analytics() models.Analytics
	Stale() bool
}

// Error codes returned in ErrorResponse.Code.
const (
	CodeBadRequest          = "bad_request"
	CodeValidationFailed    = "validation_failed"
	CodeBudgetNotFound      = "budget_not_found"
	CodeRuleNotFound        = "rule_not_found"
	CodeInsufficientPool    = "insufficient_pool"
	CodeInsufficientBalance = "insufficient_balance"
	CodeRuleViolation       = "rule_violation"
	CodeInternalError       = "internal_error"
)

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type errorHandler func(w http.ResponseWriter, err error) bool

// Server holds the handlers.
type Server struct {
	ledger        Ledger
	logger        *zap.Logger
	metrics       http.Handler
	middleware    []func(http.Handler) http.Handler
	errorHandlers []errorHandler
}

// Option configures a Server.
type Option func(*Server)

// WithMetrics serves h on GET /metrics.
func WithMetrics(h http.Handler) Option {
	return func(s *Server) { s.metrics = h }
}

// WithMiddleware appends router middleware.
func WithMiddleware(mw ...func(http.Handler) http.Handler) Option {
	return func(s *Server) { s.middleware = append(s.middleware, mw...) }
}

// NewServer creates a Server.
func NewServer(l Ledger, logger *zap.Logger, opts ...Option) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{ledger: l, logger: logger.With(zap.String("component", "httpapi"))}
	for _, opt := range opts {
		opt(s)
	}
	s.errorHandlers = []errorHandler{
		ruleViolationHandler,
		sentinelHandler(ledger.ErrBudgetNotFound, http.StatusNotFound, CodeBudgetNotFound),
		sentinelHandler(ledger.ErrRuleNotFound, http.StatusNotFound, CodeRuleNotFound),
		sentinelHandler(ledger.ErrInsufficientPool, http.StatusConflict, CodeInsufficientPool),
		sentinelHandler(ledger.ErrInsufficientBalance, http.StatusPaymentRequired, CodeInsufficientBalance),
		sentinelHandler(ledger.ErrInvalidAmount, http.StatusBadRequest, CodeValidationFailed),
		sentinelHandler(ledger.ErrInvalidBudget, http.StatusBadRequest, CodeValidationFailed),
		sentinelHandler(ledger.ErrInvalidTransfer, http.StatusBadRequest, CodeValidationFailed),
		sentinelHandler(ledger.ErrInvalidRule, http.StatusBadRequest, CodeValidationFailed),
	}
	return s
}

// Router builds the chi router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(jsonRecoverer(s.logger))
	r.Use(chiMiddleware.RequestID)
	r.Use(requestLogger(s.logger))
	for _, mw := range s.middleware {
		r.Use(mw)
	}

	r.Get("/healthz", s.health)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics)
	}

	r.Route("/budgets", func(r chi.Router) {
		r.Get("/", s.listBudgets)
		r.Post("/", s.createBudget)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.getBudget)
			r.Delete("/", s.deleteBudget)
			r.Post("/allocate", s.allocate)
			r.Post("/consume", s.consume)
			r.Post("/refund", s.refund)
			r.Post("/rules", s.addRule)
			r.Patch("/rules/{ruleID}", s.setRuleEnabled)
			r.Delete("/rules/{ruleID}", s.removeRule)
		})
	})
	r.Post("/transfers", s.transfer)
	r.Get("/pool", s.pool)
	r.Post("/pool/deposit", s.deposit)
	r.Get("/transactions", s.history)
	r.Get("/analytics", s.analytics)
	return r
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	status := "ok"
	if s.ledger.Stale() {
		status = "stale"
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": status, "stale": s.ledger.Stale()})
}

type budgetList struct {
	Budgets     []models.Budget `json:"budgets"`
	PoolBalance int64           `json:"pool_balance"`
}

func (s *Server) listBudgets(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, budgetList{Budgets: s.ledger.Budgets(), PoolBalance: s.ledger.Pool()})
}

func (s *Server) createBudget(w http.ResponseWriter, r *http.Request) {
	var spec models.BudgetSpec
	if !decode(w, r, &spec) {
		return
	}
	b, err := s.ledger.CreateBudget(r.Context(), spec)
	if err != nil {
		s.handleError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, b)
}

func (s *Server) getBudget(w http.ResponseWriter, r *http.Request) {
	st, err := s.ledger.Status(chi.URLParam(r, "id"))
	if err != nil {
		s.handleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) deleteBudget(w http.ResponseWriter, r *http.Request) {
	b, err := s.ledger.DeleteBudget(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.handleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

type allocateRequest struct {
	Amount      int64  `json:"amount"`
	Description string `json:"description"`
}

func (s *Server) allocate(w http.ResponseWriter, r *http.Request) {
	var req allocateRequest
	if !decode(w, r, &req) {
		return
	}
	tx, err := s.ledger.Allocate(r.Context(), chi.URLParam(r, "id"), req.Amount, req.Description)
	if err != nil {
		s.handleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tx)
}

type consumeRequest struct {
	Amount      int64  `json:"amount"`
	AgentID     string `json:"agent_id"`
	ThreadID    string `json:"thread_id"`
	Description string `json:"description"`
}

type consumeResponse struct {
	Transaction models.Transaction `json:"transaction"`
	Budget      models.Budget      `json:"budget"`
	Warnings    []models.Rule      `json:"warnings,omitempty"`
	UsageAfter  float64            `json:"usage_after"`
}

func (s *Server) consume(w http.ResponseWriter, r *http.Request) {
	var req consumeRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := s.ledger.Consume(r.Context(), chi.URLParam(r, "id"), req.Amount,
		models.Attribution{AgentID: req.AgentID, ThreadID: req.ThreadID}, req.Description)
	if err != nil {
		s.handleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, consumeResponse{
		Transaction: res.Transaction,
		Budget:      res.Budget,
		Warnings:    res.Warnings,
		UsageAfter:  res.UsageAfter,
	})
}

type refundRequest struct {
	Amount int64  `json:"amount"`
	Reason string `json:"reason"`
}

func (s *Server) refund(w http.ResponseWriter, r *http.Request) {
	var req refundRequest
	if !decode(w, r, &req) {
		return
	}
	tx, err := s.ledger.Refund(r.Context(), chi.URLParam(r, "id"), req.Amount, req.Reason)
	if err != nil {
		s.handleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tx)
}

type transferRequest struct {
	From   string `json:"from"`
	To     string `json:"to"`
	Amount int64  `json:"amount"`
}

func (s *Server) transfer(w http.ResponseWriter, r *http.Request) {
	var req transferRequest
	if !decode(w, r, &req) {
		return
	}
	tx, err := s.ledger.Transfer(r.Context(), req.From, req.To, req.Amount)
	if err != nil {
		s.handleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tx)
}

type ruleRequest struct {
	Name      string          `json:"name"`
	Kind      models.RuleKind `json:"kind"`
	Threshold float64         `json:"threshold"`
	Action    string          `json:"action"`
	Enabled   *bool           `json:"enabled"`
}

func (s *Server) addRule(w http.ResponseWriter, r *http.Request) {
	var req ruleRequest
	if !decode(w, r, &req) {
		return
	}
	rule := models.Rule{Name: req.Name, Kind: req.Kind, Threshold: req.Threshold, Action: req.Action, Enabled: true}
	if req.Enabled != nil {
		rule.Enabled = *req.Enabled
	}
	created, err := s.ledger.AddRule(r.Context(), chi.URLParam(r, "id"), rule)
	if err != nil {
		s.handleError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

type ruleToggleRequest struct {
	Enabled *bool `json:"enabled"`
}

func (s *Server) setRuleEnabled(w http.ResponseWriter, r *http.Request) {
	var req ruleToggleRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Enabled == nil {
		writeError(w, http.StatusBadRequest, CodeValidationFailed, "enabled is required")
		return
	}
	b, err := s.ledger.SetRuleEnabled(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "ruleID"), *req.Enabled)
	if err != nil {
		s.handleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (s *Server) removeRule(w http.ResponseWriter, r *http.Request) {
	b, err := s.ledger.RemoveRule(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "ruleID"))
	if err != nil {
		s.handleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

type poolResponse struct {
	Balance int64 `json:"balance"`
}

func (s *Server) pool(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, poolResponse{Balance: s.ledger.Pool()})
}

type depositRequest struct {
	Amount int64 `json:"amount"`
}

func (s *Server) deposit(w http.ResponseWriter, r *http.Request) {
	var req depositRequest
	if !decode(w, r, &req) {
		return
	}
	balance, err := s.ledger.Deposit(r.Context(), req.Amount)
	if err != nil {
		s.handleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, poolResponse{Balance: balance})
}

type historyResponse struct {
	Transactions []models.Transaction `json:"transactions"`
}

func (s *Server) history(w http.ResponseWriter, r *http.Request) {
	f, err := parseFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, CodeBadRequest, err.Error())
		return
	}
	txs := s.ledger.History(f)
	if txs == nil {
		txs = []models.Transaction{}
	}
	writeJSON(w, http.StatusOK, historyResponse{Transactions: txs})
}

func (s *Server) analytics(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.ledger.Analytics())
}

func parseFilter(r *http.Request) (models.HistoryFilter, error) {
	q := r.URL.Query()
	f := models.HistoryFilter{
		BudgetID: q.Get("budget_id"),
		AgentID:  q.Get("agent_id"),
		ThreadID: q.Get("thread_id"),
		Type:     models.TransactionType(q.Get("type")),
	}
	if f.Type != "" && !f.Type.Valid() {
		return f, fmt.Errorf("unknown transaction type %q", f.Type)
	}
	for name, dst := range map[string]*time.Time{"since": &f.Since, "until": &f.Until} {
		v := q.Get(name)
		if v == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return f, fmt.Errorf("%s must be RFC 3339: %w", name, err)
		}
		*dst = t
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return f, fmt.Errorf("limit must be a non-negative integer")
		}
		f.Limit = n
	}
	return f, nil
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, CodeBadRequest, "Invalid request body: "+err.Error())
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, ErrorResponse{Code: code, Message: message})
}

func sentinelHandler(sentinel error, status int, code string) errorHandler {
	return func(w http.ResponseWriter, err error) bool {
		if !errors.Is(err, sentinel) {
			return false
		}
		writeError(w, status, code, err.Error())
		return true
	}
}

// ruleViolationHandler reports every blocking rule alongside the message.
func ruleViolationHandler(w http.ResponseWriter, err error) bool {
	var rve *ledger.RuleViolationError
	if !errors.As(err, &rve) {
		return false
	}
	body := map[string]any{
		"code":     CodeRuleViolation,
		"message":  err.Error(),
		"blockers": rve.Blockers,
	}
	if !math.IsInf(rve.UsageAfter, 0) {
		body["usage_after"] = rve.UsageAfter
	}
	writeJSON(w, http.StatusForbidden, body)
	return true
}

func (s *Server) handleError(w http.ResponseWriter, err error) {
	for _, h := range s.errorHandlers {
		if h(w, err) {
			s.logger.Debug("request rejected", zap.Error(err))
			return
		}
	}
	s.logger.Error("internal error", zap.Error(err))
	writeError(w, http.StatusInternalServerError, CodeInternalError, "internal error")
}
