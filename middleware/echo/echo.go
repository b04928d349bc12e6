// Package echo provides an Echo intake handler for commerce webhook deliveries
package echo

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/mihaimyh/goreconcile/pkg/provider"
	"github.com/mihaimyh/goreconcile/pkg/reconcile"
)

// TenantExtractor extracts the tenant id from an Echo context
// Return empty string if the request carries no tenant
type TenantExtractor func(c echo.Context) string

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
	OnUnauthorized func(c echo.Context) error

	// OnError is called when an internal error occurs
	// If nil, maps storage/lock errors to 503 and the rest to 500
	OnError func(c echo.Context, err error) error

	// OnAccepted is called after an event is ingested, for logging or
	// side channels. The response has already been written.
	OnAccepted func(c echo.Context, result *reconcile.Result)
}

// Handler creates an Echo handler that ingests webhook deliveries
func Handler(cfg Config) echo.HandlerFunc {
	// Validate required configuration at startup (fail fast)
	if cfg.Engine == nil {
		panic("goreconcile/echo: Config.Engine is required")
	}
	if cfg.GetTenantID == nil {
		panic("goreconcile/echo: Config.GetTenantID is required")
	}

	// Set defaults
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = provider.MaxDeliverySize
	}

	return func(c echo.Context) error {
		// Extract tenant
		tenantID := cfg.GetTenantID(c)
		if tenantID == "" {
			if cfg.OnUnauthorized != nil {
				return cfg.OnUnauthorized(c)
			}
			return c.JSON(http.StatusUnauthorized, map[string]string{"error": "Unauthorized"})
		}

		// Parse the delivery envelope
		req := c.Request()
		req.Body = http.MaxBytesReader(c.Response(), req.Body, cfg.MaxBodyBytes)
		delivery, err := provider.ParseDelivery(req.Body)
		if err != nil {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "Bad Request"})
		}
		if delivery.TenantID == "" {
			delivery.TenantID = tenantID
		} else if delivery.TenantID != tenantID {
			return c.JSON(http.StatusForbidden, map[string]string{"error": "Forbidden"})
		}

		// Ingest and reconcile
		result, err := cfg.Engine.Process(req.Context(), delivery.RawEvent())
		if err != nil {
			if errors.Is(err, reconcile.ErrInvalidEvent) {
				return c.JSON(http.StatusBadRequest, map[string]string{"error": "Bad Request"})
			}
			if cfg.OnError != nil {
				return cfg.OnError(c, err)
			}
			return defaultError(c, err)
		}

		if err := c.JSON(resultStatus(result), resultBody(result)); err != nil {
			return err
		}

		if cfg.OnAccepted != nil {
			cfg.OnAccepted(c, result)
		}
		return nil
	}
}

func resultStatus(result *reconcile.Result) int {
	if result.Duplicate || result.Skipped {
		return http.StatusOK
	}
	return http.StatusCreated
}

func resultBody(result *reconcile.Result) map[string]interface{} {
	flags := make([]string, 0, len(result.Flags))
	for _, f := range result.Flags {
		flags = append(flags, string(f.Kind))
	}
	return map[string]interface{}{
		"duplicate": result.Duplicate,
		"skipped":   result.Skipped,
		"flags":     flags,
	}
}

// Default error handler

func defaultError(c echo.Context, err error) error {
	if errors.Is(err, reconcile.ErrStorageUnavailable) || errors.Is(err, reconcile.ErrLockUnavailable) {
		return c.JSON(http.StatusServiceUnavailable, map[string]string{"error": "Service Unavailable"})
	}
	return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Internal Server Error"})
}

// Convenience extractors for tenant id

// FromContext returns a TenantExtractor that gets the tenant from Echo context values
// This is the recommended approach for integrating with auth middleware that sets
// tenant information via c.Set("TenantID", "...") or similar.
func FromContext(key string) TenantExtractor {
	return func(c echo.Context) string {
		if str, ok := c.Get(key).(string); ok {
			return str
		}
		return ""
	}
}

// FromHeader returns a TenantExtractor that gets the tenant from a header
func FromHeader(headerName string) TenantExtractor {
	return func(c echo.Context) string {
		return c.Request().Header.Get(headerName)
	}
}

// FromParam returns a TenantExtractor that gets the tenant from a route parameter
func FromParam(paramName string) TenantExtractor {
	return func(c echo.Context) string {
		return c.Param(paramName)
	}
}

// FromQuery returns a TenantExtractor that gets the tenant from a query parameter
func FromQuery(queryName string) TenantExtractor {
	return func(c echo.Context) string {
		return c.QueryParam(queryName)
	}
}

// FixedTenant returns a TenantExtractor that always returns a fixed tenant id
// Useful for single-tenant installs
func FixedTenant(tenantID string) TenantExtractor {
	return func(echo.Context) string {
		return tenantID
	}
}
