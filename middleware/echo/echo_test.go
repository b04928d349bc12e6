package echo

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"

	"github.com/mihaimyh/goreconcile/pkg/reconcile"
	"github.com/mihaimyh/goreconcile/storage/memory"
)

// Test helper to create a test engine
func setupTestEngine(t *testing.T) *reconcile.Engine {
	t.Helper()

	engine, err := reconcile.NewEngine(memory.New(), &reconcile.Config{})
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}
	return engine
}

func deliveryBody(eventID, txn, status string) string {
	return fmt.Sprintf(`{
		"tenant_id": "acme",
		"provider": "checkout",
		"event_id": %q,
		"transaction_id": %q,
		"status": %q,
		"occurred_at": "2025-03-10T12:00:00Z",
		"gross_cents": 10000,
		"net_cents": 9100,
		"currency": "USD",
		"customer": {"email": "buyer@example.com"},
		"product": {"code": "PROD-1"}
	}`, eventID, txn, status)
}

func doRequest(handler echo.HandlerFunc, tenant, body string) *httptest.ResponseRecorder {
	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/webhooks", strings.NewReader(body))
	if tenant != "" {
		req.Header.Set("X-Tenant-ID", tenant)
	}
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	if err := handler(c); err != nil {
		e.HTTPErrorHandler(err, c)
	}
	return rec
}

func TestHandler_Success(t *testing.T) {
	engine := setupTestEngine(t)

	handler := Handler(Config{
		Engine:      engine,
		GetTenantID: FromHeader("X-Tenant-ID"),
	})

	rec := doRequest(handler, "acme", deliveryBody("evt-1", "TXN-1", "approved"))

	if rec.Code != http.StatusCreated {
		t.Errorf("Expected status 201, got %d: %s", rec.Code, rec.Body.String())
	}

	txn, err := engine.GetTransaction(context.Background(), "acme", "TXN-1")
	if err != nil {
		t.Fatalf("GetTransaction failed: %v", err)
	}
	if txn.Status != reconcile.EventApproved {
		t.Errorf("Expected status approved, got %s", txn.Status)
	}
}

func TestHandler_Duplicate(t *testing.T) {
	engine := setupTestEngine(t)

	handler := Handler(Config{
		Engine:      engine,
		GetTenantID: FromHeader("X-Tenant-ID"),
	})

	body := deliveryBody("evt-1", "TXN-1", "approved")

	rec := doRequest(handler, "acme", body)
	if rec.Code != http.StatusCreated {
		t.Fatalf("First delivery: expected status 201, got %d", rec.Code)
	}

	rec = doRequest(handler, "acme", body)
	if rec.Code != http.StatusOK {
		t.Errorf("Redelivery: expected status 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"duplicate":true`) {
		t.Errorf("Expected duplicate response, got %s", rec.Body.String())
	}
}

func TestHandler_Unauthorized(t *testing.T) {
	engine := setupTestEngine(t)

	handler := Handler(Config{
		Engine:      engine,
		GetTenantID: FromHeader("X-Tenant-ID"),
	})

	rec := doRequest(handler, "", deliveryBody("evt-1", "TXN-1", "approved"))

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("Expected status 401, got %d", rec.Code)
	}
}

func TestHandler_CustomUnauthorized(t *testing.T) {
	engine := setupTestEngine(t)

	handler := Handler(Config{
		Engine:      engine,
		GetTenantID: FromHeader("X-Tenant-ID"),
		OnUnauthorized: func(c echo.Context) error {
			return c.JSON(http.StatusForbidden, map[string]string{"error": "tenant required"})
		},
	})

	rec := doRequest(handler, "", deliveryBody("evt-1", "TXN-1", "approved"))

	if rec.Code != http.StatusForbidden {
		t.Errorf("Expected status 403, got %d", rec.Code)
	}
}

func TestHandler_TenantMismatch(t *testing.T) {
	engine := setupTestEngine(t)

	handler := Handler(Config{
		Engine:      engine,
		GetTenantID: FromHeader("X-Tenant-ID"),
	})

	rec := doRequest(handler, "other", deliveryBody("evt-1", "TXN-1", "approved"))

	if rec.Code != http.StatusForbidden {
		t.Errorf("Expected status 403, got %d", rec.Code)
	}
}

func TestHandler_BadPayload(t *testing.T) {
	engine := setupTestEngine(t)

	handler := Handler(Config{
		Engine:      engine,
		GetTenantID: FromHeader("X-Tenant-ID"),
	})

	rec := doRequest(handler, "acme", "not json")

	if rec.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400, got %d", rec.Code)
	}
}

func TestHandler_FromQuery(t *testing.T) {
	engine := setupTestEngine(t)

	handler := Handler(Config{
		Engine:      engine,
		GetTenantID: FromQuery("tenant"),
	})

	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/webhooks?tenant=acme", strings.NewReader(deliveryBody("evt-1", "TXN-1", "approved")))
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	if err := handler(c); err != nil {
		t.Fatalf("Handler returned error: %v", err)
	}

	if rec.Code != http.StatusCreated {
		t.Errorf("Expected status 201, got %d", rec.Code)
	}
}

func TestHandler_PanicsWithoutEngine(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Error("Expected panic when Engine is nil")
		}
	}()

	Handler(Config{GetTenantID: FromHeader("X-Tenant-ID")})
}
