package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestHTTPMiddleware(t *testing.T) {
	m := New()
	h := m.NewHTTP()

	r := chi.NewRouter()
	r.Use(h.Middleware)
	r.Get("/budgets/{id}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	r.Get("/ok", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("fine"))
	})

	for _, path := range []string{"/budgets/a", "/budgets/b", "/ok"} {
		r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, path, nil))
	}

	if got := testutil.ToFloat64(h.total.WithLabelValues("GET", "/budgets/{id}", "404")); got != 2 {
		t.Errorf("budget requests = %v, want 2", got)
	}
	if got := testutil.ToFloat64(h.total.WithLabelValues("GET", "/ok", "200")); got != 1 {
		t.Errorf("ok requests = %v, want 1", got)
	}
}
