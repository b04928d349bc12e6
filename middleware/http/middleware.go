// Package http provides an HTTP intake handler for commerce webhook deliveries
package http

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/mihaimyh/goreconcile/pkg/provider"
	"github.com/mihaimyh/goreconcile/pkg/reconcile"
)

// TenantExtractor extracts the tenant id from an HTTP request
// Return empty string if the request carries no tenant
type TenantExtractor func(r *http.Request) string

// Config holds intake handler configuration
type Config struct {
	// Engine is the reconciliation engine instance
	Engine *reconcile.Engine

	// GetTenantID extracts the tenant id from the request (required)
	GetTenantID TenantExtractor

	// MaxBodyBytes caps the request body size
	// Default: provider.MaxDeliverySize
	MaxBodyBytes int64

	// OnUnauthorized is called when the request carries no tenant
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(w http.ResponseWriter, r *http.Request)

	// OnError is called when an internal error occurs
	// If nil, returns 500 Internal Server Error
	OnError func(w http.ResponseWriter, r *http.Request, err error)

	// OnAccepted is called after an event is ingested, for logging or
	// side channels. The response has already been written.
	OnAccepted func(r *http.Request, result *reconcile.Result)
}

// Handler creates an HTTP handler that ingests webhook deliveries
func Handler(config Config) http.Handler {
	// Set defaults
	if config.MaxBodyBytes <= 0 {
		config.MaxBodyBytes = provider.MaxDeliverySize
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
			return
		}

		// Extract tenant
		tenantID := config.GetTenantID(r)
		if tenantID == "" {
			if config.OnUnauthorized != nil {
				config.OnUnauthorized(w, r)
			} else {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
			}
			return
		}

		// Parse the delivery envelope
		r.Body = http.MaxBytesReader(w, r.Body, config.MaxBodyBytes)
		delivery, err := provider.ParseDelivery(r.Body)
		if err != nil {
			http.Error(w, "Bad Request", http.StatusBadRequest)
			return
		}
		if delivery.TenantID == "" {
			delivery.TenantID = tenantID
		} else if delivery.TenantID != tenantID {
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}

		// Ingest and reconcile
		result, err := config.Engine.Process(r.Context(), delivery.RawEvent())
		if err != nil {
			if errors.Is(err, reconcile.ErrInvalidEvent) {
				http.Error(w, "Bad Request", http.StatusBadRequest)
				return
			}
			if config.OnError != nil {
				config.OnError(w, r, err)
			} else if errors.Is(err, reconcile.ErrStorageUnavailable) || errors.Is(err, reconcile.ErrLockUnavailable) {
				http.Error(w, "Service Unavailable", http.StatusServiceUnavailable)
			} else {
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			}
			return
		}

		writeResult(w, result)

		if config.OnAccepted != nil {
			config.OnAccepted(r, result)
		}
	})
}

// HandlerFunc creates an intake handler in http.HandlerFunc form
func HandlerFunc(config Config) http.HandlerFunc {
	handler := Handler(config)
	return func(w http.ResponseWriter, r *http.Request) {
		handler.ServeHTTP(w, r)
	}
}

// intakeResponse is the JSON body written for accepted deliveries
type intakeResponse struct {
	Duplicate bool     `json:"duplicate"`
	Skipped   bool     `json:"skipped"`
	Flags     []string `json:"flags,omitempty"`
}

func writeResult(w http.ResponseWriter, result *reconcile.Result) {
	resp := intakeResponse{Duplicate: result.Duplicate, Skipped: result.Skipped}
	for _, f := range result.Flags {
		resp.Flags = append(resp.Flags, string(f.Kind))
	}

	status := http.StatusCreated
	if result.Duplicate || result.Skipped {
		status = http.StatusOK
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}

// Common extractors for convenience

// ContextKey is a type for context keys
type ContextKey string

const (
	// TenantIDKey is the context key for tenant id
	TenantIDKey ContextKey = "reconcile:tenantID"
)

// FromContext returns a TenantExtractor that gets the tenant from request context
func FromContext(key ContextKey) TenantExtractor {
	return func(r *http.Request) string {
		if tenantID, ok := r.Context().Value(key).(string); ok {
			return tenantID
		}
		return ""
	}
}

// FromHeader returns a TenantExtractor that gets the tenant from a header
func FromHeader(headerName string) TenantExtractor {
	return func(r *http.Request) string {
		return r.Header.Get(headerName)
	}
}

// FixedTenant returns a TenantExtractor that always returns a fixed tenant id
// Useful for single-tenant installs
func FixedTenant(tenantID string) TenantExtractor {
	return func(*http.Request) string {
		return tenantID
	}
}
