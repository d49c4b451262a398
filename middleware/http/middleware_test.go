package http_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/creditkit/creditkit/pkg/creditkit"
	"github.com/creditkit/creditkit/storage/memory"

	creditmw "github.com/creditkit/creditkit/middleware/http"
)

func newHandler(t *testing.T, config creditmw.Config) (http.Handler, *creditkit.Ledger) {
	t.Helper()
	store := memory.New()
	ledger, err := creditkit.NewLedger(store, creditkit.LedgerConfig{})
	if err != nil {
		t.Fatalf("NewLedger() error = %v", err)
	}
	config.Ledger = ledger
	if config.GetUserID == nil {
		config.GetUserID = creditmw.FromHeader("X-User-ID")
	}
	if config.GetKey == nil {
		config.GetKey = creditmw.FixedKey("api_calls")
	}
	if config.GetAmount == nil {
		config.GetAmount = creditmw.FixedAmount(1)
	}

	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("served"))
	})
	return creditmw.Middleware(config)(next), ledger
}

func seed(t *testing.T, ledger *creditkit.Ledger, userID string, amount int64) {
	t.Helper()
	if _, err := ledger.Grant(context.Background(), userID, "api_calls", amount, "test", "seed", "seed:"+userID); err != nil {
		t.Fatalf("seed Grant() error = %v", err)
	}
}

func TestMiddlewareDebitsPerRequest(t *testing.T) {
	handler, ledger := newHandler(t, creditmw.Config{})
	seed(t, ledger, "user1", 3)

	for i := 0; i < 3; i++ {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/things", nil)
		req.Header.Set("X-User-ID", "user1")
		handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d status = %d, want 200", i, rec.Code)
		}
	}

	balance, _ := ledger.GetBalance(context.Background(), "user1", "api_calls")
	if balance != 0 {
		t.Errorf("balance after 3 requests = %d, want 0", balance)
	}
}

func TestMiddlewareInsufficientBalance(t *testing.T) {
	handler, ledger := newHandler(t, creditmw.Config{})
	seed(t, ledger, "user1", 1)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/things", nil)
	req.Header.Set("X-User-ID", "user1")
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("first request status = %d, want 200", rec.Code)
	}

	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/things", nil)
	req.Header.Set("X-User-ID", "user1")
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusPaymentRequired {
		t.Errorf("exhausted request status = %d, want %d", rec.Code, http.StatusPaymentRequired)
	}
	if !strings.Contains(rec.Body.String(), "0 api_calls remaining") {
		t.Errorf("body = %q, want remaining balance message", rec.Body.String())
	}
}

func TestMiddlewareUnauthorized(t *testing.T) {
	handler, _ := newHandler(t, creditmw.Config{})

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/things", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status without user = %d, want 401", rec.Code)
	}
}

func TestMiddlewareIdempotentRetries(t *testing.T) {
	handler, ledger := newHandler(t, creditmw.Config{})
	seed(t, ledger, "user1", 10)

	// Retries carrying the same X-Request-ID debit once.
	for i := 0; i < 3; i++ {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/things", nil)
		req.Header.Set("X-User-ID", "user1")
		req.Header.Set("X-Request-ID", "req-1")
		handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("retry %d status = %d, want 200", i, rec.Code)
		}
	}

	balance, _ := ledger.GetBalance(context.Background(), "user1", "api_calls")
	if balance != 9 {
		t.Errorf("balance after retried request = %d, want 9", balance)
	}
}

func TestMiddlewareCustomInsufficientHandler(t *testing.T) {
	var gotBalance int64 = -1
	handler, ledger := newHandler(t, creditmw.Config{
		GetAmount: creditmw.FixedAmount(5),
		OnInsufficientBalance: func(w http.ResponseWriter, r *http.Request, balance int64) {
			gotBalance = balance
			w.WriteHeader(http.StatusTooManyRequests)
		},
	})
	seed(t, ledger, "user1", 3)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/things", nil)
	req.Header.Set("X-User-ID", "user1")
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusTooManyRequests {
		t.Errorf("status = %d, want custom 429", rec.Code)
	}
	if gotBalance != 3 {
		t.Errorf("handler balance = %d, want 3", gotBalance)
	}
}

func TestMiddlewareUserIDFromContext(t *testing.T) {
	handler, ledger := newHandler(t, creditmw.Config{
		GetUserID: creditmw.FromContext(creditmw.UserIDKey),
	})
	seed(t, ledger, "user1", 1)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/things", nil)
	req = req.WithContext(creditmw.WithUserID(req.Context(), "user1"))
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
}

func TestMiddlewareRequiresConfig(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("Middleware() without Ledger did not panic")
		}
	}()
	creditmw.Middleware(creditmw.Config{})
}
