package reconcile

import (
	"fmt"
	"time"
)

// Config holds engine configuration.
type Config struct {
	// SettlementCurrency is the base accounting currency used for normalized
	// amounts (default: "USD").
	SettlementCurrency string

	// TenantCurrencies overrides the settlement currency per tenant.
	TenantCurrencies map[string]string

	// Rates maps a currency code to its conversion rate into the settlement
	// currency. Codes absent from the table fall back to identity conversion
	// and are flagged for audit, not failed.
	Rates map[string]float64

	// ReportingTimezone is the IANA zone used to bucket economic days
	// (default: "UTC").
	ReportingTimezone string

	// BatchConcurrency bounds how many transaction groups a batch
	// reconciliation processes in parallel (default: 4).
	BatchConcurrency int

	// DefaultBatchSize is the batch size used when the caller passes none
	// (default: 200).
	DefaultBatchSize int

	// Metrics is used for tracking engine operations (default: NoopMetrics).
	Metrics Metrics

	// Logger is used for structured logging (default: NoopLogger).
	Logger Logger

	// Locker serializes reconciliation per (tenant, transaction) key
	// (default: in-process key lock).
	Locker KeyLocker

	// Archive is an optional secondary sink for raw events. Archive failures
	// are logged, never fatal.
	Archive EventArchiver
}

// Validate checks the configuration for values the engine cannot run with.
func (c *Config) Validate() error {
	if c.SettlementCurrency == "" {
		return fmt.Errorf("settlement currency is required")
	}
	for tenant, code := range c.TenantCurrencies {
		if code == "" {
			return fmt.Errorf("tenant %q: settlement currency override is empty", tenant)
		}
	}
	for code, rate := range c.Rates {
		if rate <= 0 {
			return fmt.Errorf("currency %q: rate must be positive, got %v", code, rate)
		}
	}
	if c.ReportingTimezone != "" {
		if _, err := time.LoadLocation(c.ReportingTimezone); err != nil {
			return fmt.Errorf("reporting timezone %q: %w", c.ReportingTimezone, err)
		}
	}
	if c.BatchConcurrency < 0 {
		return fmt.Errorf("batch concurrency must not be negative")
	}
	if c.DefaultBatchSize < 0 {
		return fmt.Errorf("default batch size must not be negative")
	}
	return nil
}

// settlementFor returns the tenant's settlement currency.
func (c *Config) settlementFor(tenantID string) string {
	if code, ok := c.TenantCurrencies[tenantID]; ok {
		return code
	}
	return c.SettlementCurrency
}

// applyDefaults fills zero values with defaults.
func (c *Config) applyDefaults() {
	if c.SettlementCurrency == "" {
		c.SettlementCurrency = "USD"
	}
	if c.ReportingTimezone == "" {
		c.ReportingTimezone = "UTC"
	}
	if c.BatchConcurrency == 0 {
		c.BatchConcurrency = 4
	}
	if c.DefaultBatchSize == 0 {
		c.DefaultBatchSize = 200
	}
	if c.Metrics == nil {
		c.Metrics = &NoopMetrics{}
	}
	if c.Logger == nil {
		c.Logger = &NoopLogger{}
	}
	if c.Locker == nil {
		c.Locker = NewKeyLock()
	}
}
