package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mihaimyh/goreconcile/pkg/provider"
	"github.com/mihaimyh/goreconcile/pkg/reconcile"
)

const maxTenantIDLen = 255

// Handler provides HTTP endpoints for event intake and reconciled projections.
type Handler struct {
	config Config
}

// Routes mounts all endpoints on a chi router.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/events", h.IngestEvent)
	r.Post("/spend", h.AddSpend)
	r.Post("/tracking", h.AddTracking)
	r.Post("/reconcile", h.ReconcileBatch)
	r.Get("/transactions", h.ListTransactions)
	r.Get("/transactions/{transactionID}", h.GetTransaction)
	r.Get("/contacts/{email}", h.GetContact)
	r.Get("/rollups/daily", h.RollupDaily)
	r.Get("/rollups/monthly", h.RollupMonthly)
	r.Get("/audit", h.Audit)
	return r
}

// IngestEvent accepts one provider delivery and reconciles its transaction group.
func (h *Handler) IngestEvent(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := h.tenant(w, r)
	if !ok {
		return
	}

	delivery, err := provider.ParseDelivery(r.Body)
	if err != nil {
		h.handleError(w, r, err, http.StatusBadRequest)
		return
	}
	ev := delivery.RawEvent()
	if ev.TenantID == "" {
		ev.TenantID = tenantID
	}
	if ev.TenantID != tenantID {
		h.handleError(w, r, errors.New("delivery tenant does not match request tenant"), http.StatusForbidden)
		return
	}

	result, err := h.config.Engine.Process(r.Context(), ev)
	if err != nil {
		h.engineError(w, r, err)
		return
	}

	status := http.StatusOK
	if !result.Duplicate && !result.Skipped {
		status = http.StatusCreated
	}
	h.writeJSON(w, status, IngestResponse{
		Duplicate:   result.Duplicate,
		Skipped:     result.Skipped,
		Flags:       toFlags(result.Flags),
		Transaction: toTransaction(result.Canonical),
	})
}

// AddSpend records one day of advertising spend.
func (h *Handler) AddSpend(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := h.tenant(w, r)
	if !ok {
		return
	}

	var req SpendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.handleError(w, r, err, http.StatusBadRequest)
		return
	}
	day, err := time.Parse("2006-01-02", req.Day)
	if err != nil {
		h.handleError(w, r, errors.New("day must be formatted as 2006-01-02"), http.StatusBadRequest)
		return
	}

	err = h.config.Engine.AddSpend(r.Context(), &reconcile.SpendRecord{
		TenantID:    tenantID,
		Day:         day,
		AmountCents: req.AmountCents,
		Currency:    req.Currency,
		Source:      req.Source,
		Campaign:    req.Campaign,
	})
	if err != nil {
		h.engineError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// AddTracking attaches attribution data to a transaction. Tracking may arrive
// before the transaction's events; it is stored either way.
func (h *Handler) AddTracking(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := h.tenant(w, r)
	if !ok {
		return
	}

	var req TrackingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.handleError(w, r, err, http.StatusBadRequest)
		return
	}
	if req.TransactionID == "" {
		h.handleError(w, r, errors.New("transaction_id is required"), http.StatusBadRequest)
		return
	}

	attribution := reconcile.Attribution{
		Source:    req.Source,
		Campaign:  req.Campaign,
		AdSet:     req.AdSet,
		Ad:        req.Ad,
		Placement: req.Placement,
		Creative:  req.Creative,
		Medium:    req.Medium,
	}
	if attribution.Empty() && req.Raw != "" {
		attribution = reconcile.ParseComposite(req.Raw)
	}

	err := h.config.Engine.AddTracking(r.Context(), &reconcile.TrackingRecord{
		TenantID:      tenantID,
		TransactionID: reconcile.ExtractTransactionID(req.TransactionID),
		Attribution:   attribution,
		Raw:           req.Raw,
		RecordedAt:    time.Now().UTC(),
	})
	if err != nil {
		h.engineError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ReconcileBatch reconciles pending transaction groups for the tenant.
func (h *Handler) ReconcileBatch(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := h.tenant(w, r)
	if !ok {
		return
	}

	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			h.handleError(w, r, errors.New("limit must be a non-negative integer"), http.StatusBadRequest)
			return
		}
		limit = n
	}

	result, err := h.config.Engine.ReconcileBatch(r.Context(), tenantID, limit)
	if err != nil {
		h.engineError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, BatchResponse{Processed: result.Processed, Failed: result.Failed})
}

// ListTransactions returns canonical transactions matching the query filters.
func (h *Handler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := h.tenant(w, r)
	if !ok {
		return
	}

	filter := reconcile.CanonicalFilter{
		TenantID: tenantID,
		Email:    r.URL.Query().Get("email"),
	}
	q := r.URL.Query()
	if v := q.Get("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			h.handleError(w, r, errors.New("from must be RFC 3339"), http.StatusBadRequest)
			return
		}
		filter.From = t
	}
	if v := q.Get("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			h.handleError(w, r, errors.New("to must be RFC 3339"), http.StatusBadRequest)
			return
		}
		filter.To = t
	}
	for _, s := range q["status"] {
		filter.Statuses = append(filter.Statuses, reconcile.EventType(s))
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			h.handleError(w, r, errors.New("limit must be a non-negative integer"), http.StatusBadRequest)
			return
		}
		filter.Limit = n
	}

	transactions, err := h.config.Engine.ListTransactions(r.Context(), filter)
	if err != nil {
		h.engineError(w, r, err)
		return
	}
	out := make([]*TransactionResponse, 0, len(transactions))
	for _, c := range transactions {
		out = append(out, toTransaction(c))
	}
	h.writeJSON(w, http.StatusOK, out)
}

// GetTransaction returns one canonical transaction.
func (h *Handler) GetTransaction(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := h.tenant(w, r)
	if !ok {
		return
	}

	c, err := h.config.Engine.GetTransaction(r.Context(), tenantID, chi.URLParam(r, "transactionID"))
	if err != nil {
		h.engineError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, toTransaction(c))
}

// GetContact returns the contact projection with its recovery history.
func (h *Handler) GetContact(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := h.tenant(w, r)
	if !ok {
		return
	}
	email := chi.URLParam(r, "email")

	contact, err := h.config.Engine.GetContact(r.Context(), tenantID, email)
	if err != nil {
		h.engineError(w, r, err)
		return
	}
	recoveries, err := h.config.Engine.ListRecoveries(r.Context(), tenantID, email)
	if err != nil {
		h.engineError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, toContact(contact, recoveries))
}

// RollupDaily returns per-day revenue/refund/spend aggregates.
func (h *Handler) RollupDaily(w http.ResponseWriter, r *http.Request) {
	h.rollup(w, r, func(tenantID string, from, to time.Time) (interface{}, error) {
		return h.config.Engine.RollupDaily(r.Context(), tenantID, from, to)
	})
}

// RollupMonthly returns per-month aggregates.
func (h *Handler) RollupMonthly(w http.ResponseWriter, r *http.Request) {
	h.rollup(w, r, func(tenantID string, from, to time.Time) (interface{}, error) {
		return h.config.Engine.RollupMonthly(r.Context(), tenantID, from, to)
	})
}

func (h *Handler) rollup(w http.ResponseWriter, r *http.Request, fn func(string, time.Time, time.Time) (interface{}, error)) {
	tenantID, ok := h.tenant(w, r)
	if !ok {
		return
	}

	var from, to time.Time
	q := r.URL.Query()
	if v := q.Get("from"); v != "" {
		t, err := time.Parse("2006-01-02", v)
		if err != nil {
			h.handleError(w, r, errors.New("from must be formatted as 2006-01-02"), http.StatusBadRequest)
			return
		}
		from = t
	}
	if v := q.Get("to"); v != "" {
		t, err := time.Parse("2006-01-02", v)
		if err != nil {
			h.handleError(w, r, errors.New("to must be formatted as 2006-01-02"), http.StatusBadRequest)
			return
		}
		to = t
	}

	out, err := fn(tenantID, from, to)
	if err != nil {
		h.engineError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, out)
}

// Audit returns the tenant's data-integrity report.
func (h *Handler) Audit(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := h.tenant(w, r)
	if !ok {
		return
	}

	report, err := h.config.Engine.Audit(r.Context(), tenantID)
	if err != nil {
		h.engineError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, report)
}

func (h *Handler) tenant(w http.ResponseWriter, r *http.Request) (string, bool) {
	tenantID := h.config.GetTenantID(r)
	if tenantID == "" {
		h.handleError(w, r, errors.New("tenant not found"), http.StatusUnauthorized)
		return "", false
	}
	if len(tenantID) > maxTenantIDLen {
		h.handleError(w, r, errors.New("invalid tenant id format"), http.StatusBadRequest)
		return "", false
	}
	return tenantID, true
}

// engineError maps the engine's error taxonomy to HTTP status codes.
func (h *Handler) engineError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, reconcile.ErrInvalidEvent):
		h.handleError(w, r, err, http.StatusBadRequest)
	case errors.Is(err, reconcile.ErrTransactionNotFound), errors.Is(err, reconcile.ErrContactNotFound):
		h.handleError(w, r, err, http.StatusNotFound)
	case errors.Is(err, reconcile.ErrStorageUnavailable), errors.Is(err, reconcile.ErrLockUnavailable):
		h.handleError(w, r, err, http.StatusServiceUnavailable)
	default:
		h.handleError(w, r, err, http.StatusInternalServerError)
	}
}

func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error, status int) {
	if h.config.OnError != nil {
		h.config.OnError(w, r, err)
		return
	}
	if status >= http.StatusInternalServerError {
		h.config.Logger.Error("request failed",
			reconcile.Field{Key: "path", Value: r.URL.Path},
			reconcile.Field{Key: "error", Value: err.Error()})
	}
	h.writeJSON(w, status, ErrorResponse{Error: err.Error()})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
