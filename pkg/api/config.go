package api

import (
	"fmt"
	"net/http"

	"github.com/mihaimyh/goreconcile/pkg/reconcile"
)

// Config holds configuration for the reconciliation API handler.
type Config struct {
	// Engine is the reconciliation engine instance (required)
	Engine *reconcile.Engine

	// GetTenantID extracts the tenant id from an HTTP request (required).
	// Same pattern as the middleware adapters.
	GetTenantID func(*http.Request) string

	// OnError handles errors (auth, internal, etc.)
	// If nil, uses default error handling
	OnError func(http.ResponseWriter, *http.Request, error)

	// Logger is optional; defaults to no-op.
	Logger reconcile.Logger
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.Engine == nil {
		return fmt.Errorf("engine is required")
	}
	if c.GetTenantID == nil {
		return fmt.Errorf("getTenantID is required")
	}
	return nil
}

// NewHandler creates a new API handler with the given configuration.
func NewHandler(config Config) (*Handler, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if config.Logger == nil {
		config.Logger = &reconcile.NoopLogger{}
	}
	return &Handler{config: config}, nil
}

// Helper functions for common tenant extraction patterns

// FromHeader returns a GetTenantID function that extracts the tenant from a header.
func FromHeader(headerName string) func(*http.Request) string {
	return func(r *http.Request) string {
		return r.Header.Get(headerName)
	}
}

// FromContext returns a GetTenantID function that extracts the tenant from the
// request context.
func FromContext(key interface{}) func(*http.Request) string {
	return func(r *http.Request) string {
		if tenantID, ok := r.Context().Value(key).(string); ok {
			return tenantID
		}
		return ""
	}
}
