// Package fiber provides a Fiber intake handler for commerce webhook deliveries
package fiber

import (
	"bytes"
	"errors"

	"github.com/gofiber/fiber/v2"

	"github.com/mihaimyh/goreconcile/pkg/provider"
	"github.com/mihaimyh/goreconcile/pkg/reconcile"
)

// TenantExtractor extracts the tenant id from a Fiber context
// Return empty string if the request carries no tenant
type TenantExtractor func(c *fiber.Ctx) string

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
	OnUnauthorized func(c *fiber.Ctx) error

	// OnError is called when an internal error occurs
	// If nil, maps storage/lock errors to 503 and the rest to 500
	OnError func(c *fiber.Ctx, err error) error

	// OnAccepted is called after an event is ingested, for logging or
	// side channels. The response has already been written.
	OnAccepted func(c *fiber.Ctx, result *reconcile.Result)
}

// Handler creates a Fiber handler that ingests webhook deliveries
func Handler(cfg Config) fiber.Handler {
	// Validate required configuration at startup (fail fast)
	if cfg.Engine == nil {
		panic("goreconcile/fiber: Config.Engine is required")
	}
	if cfg.GetTenantID == nil {
		panic("goreconcile/fiber: Config.GetTenantID is required")
	}

	// Set defaults
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = provider.MaxDeliverySize
	}

	return func(c *fiber.Ctx) error {
		// Extract tenant
		tenantID := cfg.GetTenantID(c)
		if tenantID == "" {
			if cfg.OnUnauthorized != nil {
				return cfg.OnUnauthorized(c)
			}
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Unauthorized"})
		}

		// Parse the delivery envelope
		body := c.Body()
		if int64(len(body)) > cfg.MaxBodyBytes {
			return c.Status(fiber.StatusRequestEntityTooLarge).JSON(fiber.Map{"error": "Request Entity Too Large"})
		}
		delivery, err := provider.ParseDelivery(bytes.NewReader(body))
		if err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Bad Request"})
		}
		if delivery.TenantID == "" {
			delivery.TenantID = tenantID
		} else if delivery.TenantID != tenantID {
			return c.Status(fiber.StatusForbidden).JSON(fiber.Map{"error": "Forbidden"})
		}

		// Ingest and reconcile
		// Fiber uses fasthttp, so c.UserContext() is the standard context.Context
		result, err := cfg.Engine.Process(c.UserContext(), delivery.RawEvent())
		if err != nil {
			if errors.Is(err, reconcile.ErrInvalidEvent) {
				return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Bad Request"})
			}
			if cfg.OnError != nil {
				return cfg.OnError(c, err)
			}
			return defaultError(c, err)
		}

		if err := c.Status(resultStatus(result)).JSON(resultBody(result)); err != nil {
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
		return fiber.StatusOK
	}
	return fiber.StatusCreated
}

func resultBody(result *reconcile.Result) fiber.Map {
	flags := make([]string, 0, len(result.Flags))
	for _, f := range result.Flags {
		flags = append(flags, string(f.Kind))
	}
	return fiber.Map{
		"duplicate": result.Duplicate,
		"skipped":   result.Skipped,
		"flags":     flags,
	}
}

// Default error handler

func defaultError(c *fiber.Ctx, err error) error {
	if errors.Is(err, reconcile.ErrStorageUnavailable) || errors.Is(err, reconcile.ErrLockUnavailable) {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "Service Unavailable"})
	}
	return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Internal Server Error"})
}

// Convenience extractors for tenant id

// FromLocals returns a TenantExtractor that gets the tenant from Fiber locals
// This is the recommended approach for integrating with auth middleware that sets
// tenant information via c.Locals("TenantID", "...") or similar.
func FromLocals(key string) TenantExtractor {
	return func(c *fiber.Ctx) string {
		if str, ok := c.Locals(key).(string); ok {
			return str
		}
		return ""
	}
}

// FromHeader returns a TenantExtractor that gets the tenant from a header
func FromHeader(headerName string) TenantExtractor {
	return func(c *fiber.Ctx) string {
		return c.Get(headerName)
	}
}

// FromParam returns a TenantExtractor that gets the tenant from a route parameter
func FromParam(paramName string) TenantExtractor {
	return func(c *fiber.Ctx) string {
		return c.Params(paramName)
	}
}

// FromQuery returns a TenantExtractor that gets the tenant from a query parameter
func FromQuery(queryName string) TenantExtractor {
	return func(c *fiber.Ctx) string {
		return c.Query(queryName)
	}
}

// FixedTenant returns a TenantExtractor that always returns a fixed tenant id
// Useful for single-tenant installs
func FixedTenant(tenantID string) TenantExtractor {
	return func(*fiber.Ctx) string {
		return tenantID
	}
}
