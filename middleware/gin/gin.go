// Package gin provides a Gin intake handler for commerce webhook deliveries
package gin

import (
	"errors"
	"net/http"

	gongin "github.com/gin-gonic/gin"

	"github.com/mihaimyh/goreconcile/pkg/provider"
	"github.com/mihaimyh/goreconcile/pkg/reconcile"
)

// TenantExtractor extracts the tenant id from a Gin context
// Return empty string if the request carries no tenant
type TenantExtractor func(c *gongin.Context) string

// Config holds intake handler configuration
type Config struct {
	// Engine is the reconciliation engine instance
	Engine *reconcile.Engine

	// GetTenantID extracts the tenant id from the context (required)
	GetTenantID TenantExtractor

	// MaxBodyBytes caps the request body size
	// Default: provider.MaxDeliverySize
	MaxBodyBytes int64

	// OnUnauthorized is called when the request carries no tenant
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(c *gongin.Context)

	// OnError is called when an internal error occurs
	// If nil, maps storage/lock errors to 503 and the rest to 500
	OnError func(c *gongin.Context, err error)

	// OnAccepted is called after an event is ingested, for logging or
	// side channels. The response has already been written.
	OnAccepted func(c *gongin.Context, result *reconcile.Result)
}

// Handler creates a Gin handler that ingests webhook deliveries
func Handler(cfg Config) gongin.HandlerFunc {
	// Validate required configuration at startup (fail fast)
	if cfg.Engine == nil {
		panic("goreconcile/gin: Config.Engine is required")
	}
	if cfg.GetTenantID == nil {
		panic("goreconcile/gin: Config.GetTenantID is required")
	}

	// Set defaults
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = provider.MaxDeliverySize
	}

	return func(c *gongin.Context) {
		// Extract tenant
		tenantID := cfg.GetTenantID(c)
		if tenantID == "" {
			if cfg.OnUnauthorized != nil {
				cfg.OnUnauthorized(c)
			} else {
				c.JSON(http.StatusUnauthorized, gongin.H{"error": "Unauthorized"})
			}
			return
		}

		// Parse the delivery envelope
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, cfg.MaxBodyBytes)
		delivery, err := provider.ParseDelivery(c.Request.Body)
		if err != nil {
			c.JSON(http.StatusBadRequest, gongin.H{"error": "Bad Request"})
			return
		}
		if delivery.TenantID == "" {
			delivery.TenantID = tenantID
		} else if delivery.TenantID != tenantID {
			c.JSON(http.StatusForbidden, gongin.H{"error": "Forbidden"})
			return
		}

		// Ingest and reconcile
		result, err := cfg.Engine.Process(c.Request.Context(), delivery.RawEvent())
		if err != nil {
			if errors.Is(err, reconcile.ErrInvalidEvent) {
				c.JSON(http.StatusBadRequest, gongin.H{"error": "Bad Request"})
				return
			}
			if cfg.OnError != nil {
				cfg.OnError(c, err)
			} else {
				defaultError(c, err)
			}
			return
		}

		c.JSON(resultStatus(result), resultBody(result))

		if cfg.OnAccepted != nil {
			cfg.OnAccepted(c, result)
		}
	}
}

func resultStatus(result *reconcile.Result) int {
	if result.Duplicate || result.Skipped {
		return http.StatusOK
	}
	return http.StatusCreated
}

func resultBody(result *reconcile.Result) gongin.H {
	flags := make([]string, 0, len(result.Flags))
	for _, f := range result.Flags {
		flags = append(flags, string(f.Kind))
	}
	return gongin.H{
		"duplicate": result.Duplicate,
		"skipped":   result.Skipped,
		"flags":     flags,
	}
}

// Default error handler

func defaultError(c *gongin.Context, err error) {
	if errors.Is(err, reconcile.ErrStorageUnavailable) || errors.Is(err, reconcile.ErrLockUnavailable) {
		c.JSON(http.StatusServiceUnavailable, gongin.H{"error": "Service Unavailable"})
		return
	}
	c.JSON(http.StatusInternalServerError, gongin.H{"error": "Internal Server Error"})
}

// Convenience extractors for tenant id

// FromContext returns a TenantExtractor that gets the tenant from Gin context values
// This is the recommended approach for integrating with auth middleware that sets
// tenant information via c.Set("TenantID", "...") or similar.
func FromContext(key string) TenantExtractor {
	return func(c *gongin.Context) string {
		if val, exists := c.Get(key); exists {
			if str, ok := val.(string); ok {
				return str
			}
		}
		return ""
	}
}

// FromHeader returns a TenantExtractor that gets the tenant from a header
func FromHeader(headerName string) TenantExtractor {
	return func(c *gongin.Context) string {
		return c.GetHeader(headerName)
	}
}

// FromParam returns a TenantExtractor that gets the tenant from a route parameter
func FromParam(paramName string) TenantExtractor {
	return func(c *gongin.Context) string {
		return c.Param(paramName)
	}
}

// FromQuery returns a TenantExtractor that gets the tenant from a query parameter
func FromQuery(queryName string) TenantExtractor {
	return func(c *gongin.Context) string {
		return c.Query(queryName)
	}
}

// FixedTenant returns a TenantExtractor that always returns a fixed tenant id
// Useful for single-tenant installs
func FixedTenant(tenantID string) TenantExtractor {
	return func(*gongin.Context) string {
		return tenantID
	}
}
