// Package postgres provides a PostgreSQL implementation of the reconcile.Storage
// interface. Reconciliation commits use SQL transactions so the canonical record,
// ledger entry, contact, and recovery records land atomically.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mihaimyh/goreconcile/pkg/reconcile"
)

// Storage implements reconcile.Storage using PostgreSQL.
type Storage struct {
	pool   *pgxpool.Pool
	config Config
}

// Config holds PostgreSQL storage configuration.
type Config struct {
	// ConnectionString is the PostgreSQL connection string
	ConnectionString string

	// Pool configuration
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxConns:        10,
		MinConns:        2,
		MaxConnLifetime: time.Hour,
		MaxConnIdleTime: 30 * time.Minute,
	}
}

// New creates a new PostgreSQL storage adapter.
func New(ctx context.Context, config Config) (*Storage, error) {
	if config.ConnectionString == "" {
		return nil, fmt.Errorf("connection string is required")
	}

	poolConfig, err := pgxpool.ParseConfig(config.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	if config.MaxConns > 0 {
		poolConfig.MaxConns = config.MaxConns
	}
	if config.MinConns > 0 {
		poolConfig.MinConns = config.MinConns
	}
	if config.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = config.MaxConnLifetime
	}
	if config.MaxConnIdleTime > 0 {
		poolConfig.MaxConnIdleTime = config.MaxConnIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Storage{pool: pool, config: config}, nil
}

// Close closes the PostgreSQL connection pool.
func (s *Storage) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Schema is the DDL for all tables this adapter reads and writes.
const Schema = `
CREATE TABLE IF NOT EXISTS raw_events (
	tenant_id        TEXT NOT NULL,
	provider         TEXT NOT NULL,
	external_event_id TEXT NOT NULL,
	transaction_id   TEXT NOT NULL DEFAULT '',
	event_type       TEXT NOT NULL DEFAULT '',
	occurred_at      TIMESTAMPTZ,
	gross_cents      BIGINT NOT NULL DEFAULT 0,
	net_cents        BIGINT NOT NULL DEFAULT 0,
	currency         TEXT NOT NULL DEFAULT '',
	email            TEXT NOT NULL DEFAULT '',
	name             TEXT NOT NULL DEFAULT '',
	phone            TEXT NOT NULL DEFAULT '',
	document         TEXT NOT NULL DEFAULT '',
	product_code     TEXT NOT NULL DEFAULT '',
	product_name     TEXT NOT NULL DEFAULT '',
	offer_code       TEXT NOT NULL DEFAULT '',
	offer_name       TEXT NOT NULL DEFAULT '',
	attribution      JSONB,
	attribution_raw  TEXT NOT NULL DEFAULT '',
	metadata         JSONB,
	received_at      TIMESTAMPTZ NOT NULL,
	reconciled       BOOLEAN NOT NULL DEFAULT FALSE,
	seq              BIGSERIAL,
	PRIMARY KEY (tenant_id, provider, external_event_id)
);
CREATE INDEX IF NOT EXISTS raw_events_txn_idx ON raw_events (tenant_id, transaction_id);
CREATE INDEX IF NOT EXISTS raw_events_unreconciled_idx ON raw_events (tenant_id, transaction_id) WHERE NOT reconciled;

CREATE TABLE IF NOT EXISTS tracking_records (
	tenant_id      TEXT NOT NULL,
	transaction_id TEXT NOT NULL,
	attribution    JSONB,
	raw            TEXT NOT NULL DEFAULT '',
	recorded_at    TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (tenant_id, transaction_id)
);

CREATE TABLE IF NOT EXISTS canonical_transactions (
	tenant_id        TEXT NOT NULL,
	transaction_id   TEXT NOT NULL,
	event_type       TEXT NOT NULL,
	status           TEXT NOT NULL,
	occurred_at      TIMESTAMPTZ NOT NULL,
	winning_event_id TEXT NOT NULL DEFAULT '',
	email            TEXT NOT NULL DEFAULT '',
	product_code     TEXT NOT NULL DEFAULT '',
	product_name     TEXT NOT NULL DEFAULT '',
	offer_code       TEXT NOT NULL DEFAULT '',
	offer_name       TEXT NOT NULL DEFAULT '',
	gross_cents      BIGINT NOT NULL DEFAULT 0,
	net_cents        BIGINT NOT NULL DEFAULT 0,
	currency         TEXT NOT NULL DEFAULT '',
	attribution      JSONB,
	flags            JSONB,
	updated_at       TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (tenant_id, transaction_id)
);
CREATE INDEX IF NOT EXISTS canonical_email_idx ON canonical_transactions (tenant_id, email);

CREATE TABLE IF NOT EXISTS ledger_entries (
	tenant_id           TEXT NOT NULL,
	transaction_id      TEXT NOT NULL,
	status              TEXT NOT NULL,
	settled_cents       BIGINT,
	settlement_currency TEXT NOT NULL,
	source_currency     TEXT NOT NULL DEFAULT '',
	rate                DOUBLE PRECISION NOT NULL DEFAULT 1,
	economic_day        TIMESTAMPTZ NOT NULL,
	occurred_at         TIMESTAMPTZ NOT NULL,
	flags               JSONB,
	PRIMARY KEY (tenant_id, transaction_id)
);
CREATE INDEX IF NOT EXISTS ledger_day_idx ON ledger_entries (tenant_id, economic_day);

CREATE TABLE IF NOT EXISTS contacts (
	tenant_id           TEXT NOT NULL,
	email               TEXT NOT NULL,
	status              TEXT NOT NULL,
	name                TEXT NOT NULL DEFAULT '',
	phone               TEXT NOT NULL DEFAULT '',
	document            TEXT NOT NULL DEFAULT '',
	tags                JSONB,
	total_purchases     INTEGER NOT NULL DEFAULT 0,
	total_revenue_cents BIGINT NOT NULL DEFAULT 0,
	first_purchase_at   TIMESTAMPTZ,
	last_purchase_at    TIMESTAMPTZ,
	first_touch         JSONB,
	first_touch_set_at  TIMESTAMPTZ,
	created_at          TIMESTAMPTZ NOT NULL,
	updated_at          TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (tenant_id, email)
);

CREATE TABLE IF NOT EXISTS recovery_records (
	id                   TEXT NOT NULL,
	tenant_id            TEXT NOT NULL,
	email                TEXT NOT NULL,
	product_key          TEXT NOT NULL,
	prior_transaction_id TEXT NOT NULL,
	prior_status         TEXT NOT NULL,
	transaction_id       TEXT NOT NULL,
	recovered_at         TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (tenant_id, email, product_key, transaction_id)
);

CREATE TABLE IF NOT EXISTS ad_spend (
	tenant_id    TEXT NOT NULL,
	day          TIMESTAMPTZ NOT NULL,
	source       TEXT NOT NULL DEFAULT '',
	campaign     TEXT NOT NULL DEFAULT '',
	amount_cents BIGINT NOT NULL,
	currency     TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (tenant_id, day, source, campaign)
);
`

// EnsureSchema creates all tables and indexes if they do not exist.
func (s *Storage) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("failed to ensure schema: %w", err)
	}
	return nil
}

// AppendEvent implements reconcile.Storage.
func (s *Storage) AppendEvent(ctx context.Context, ev *reconcile.RawEvent) error {
	if ev == nil || ev.Provider == "" || ev.ExternalEventID == "" {
		return reconcile.ErrInvalidEvent
	}

	attribution, err := json.Marshal(ev.Attribution)
	if err != nil {
		return fmt.Errorf("failed to marshal attribution: %w", err)
	}
	var metadata []byte
	if len(ev.Metadata) > 0 {
		metadata, err = json.Marshal(ev.Metadata)
		if err != nil {
			return fmt.Errorf("failed to marshal metadata: %w", err)
		}
	}
	receivedAt := ev.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = time.Now().UTC()
	}

	tag, err := s.pool.Exec(ctx,
		`INSERT INTO raw_events
				(tenant_id, provider, external_event_id, transaction_id, event_type, occurred_at,
				gross_cents, net_cents, currency, email, name, phone, document,
				product_code, product_name, offer_code, offer_name,
				attribution, attribution_raw, metadata, received_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21)
			ON CONFLICT (tenant_id, provider, external_event_id) DO NOTHING`,
		ev.TenantID, ev.Provider, ev.ExternalEventID, ev.TransactionID, string(ev.Type), nullableTime(ev.OccurredAt),
		ev.GrossCents, ev.NetCents, ev.Currency, ev.Email, ev.Name, ev.Phone, ev.Document,
		ev.ProductCode, ev.ProductName, ev.OfferCode, ev.OfferName,
		attribution, ev.AttributionRaw, metadata, receivedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return reconcile.ErrDuplicateEvent
	}
	return nil
}

const eventColumns = `tenant_id, provider, external_event_id, transaction_id, event_type, occurred_at,
		gross_cents, net_cents, currency, email, name, phone, document,
		product_code, product_name, offer_code, offer_name,
		attribution, attribution_raw, metadata, received_at`

// ListEventsByTransaction implements reconcile.Storage.
func (s *Storage) ListEventsByTransaction(ctx context.Context, tenantID, transactionID string) ([]*reconcile.RawEvent, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+eventColumns+` FROM raw_events
			WHERE tenant_id = $1 AND transaction_id = $2
			ORDER BY seq`,
		tenantID, transactionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// ListEvents implements reconcile.Storage.
func (s *Storage) ListEvents(ctx context.Context, tenantID string) ([]*reconcile.RawEvent, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+eventColumns+` FROM raw_events
			WHERE ($1 = '' OR tenant_id = $1)
			ORDER BY seq`,
		tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// ListUnreconciled implements reconcile.Storage. The predicate mirrors
// RawEvent.Processable: groups made only of unprocessable events can never
// reconcile and must not occupy batch slots.
func (s *Storage) ListUnreconciled(ctx context.Context, tenantID string, limit int) ([]reconcile.TransactionRef, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.pool.Query(ctx,
		`SELECT tenant_id, transaction_id, MIN(seq) AS first_seq FROM raw_events
			WHERE NOT reconciled
				AND tenant_id <> '' AND transaction_id <> ''
				AND email <> '' AND event_type <> '' AND occurred_at IS NOT NULL
				AND ($1 = '' OR tenant_id = $1)
			GROUP BY tenant_id, transaction_id
			ORDER BY first_seq
			LIMIT $2`,
		tenantID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list unreconciled: %w", err)
	}
	defer rows.Close()

	var refs []reconcile.TransactionRef
	for rows.Next() {
		var ref reconcile.TransactionRef
		var seq int64
		if err := rows.Scan(&ref.TenantID, &ref.TransactionID, &seq); err != nil {
			return nil, fmt.Errorf("failed to scan unreconciled ref: %w", err)
		}
		refs = append(refs, ref)
	}
	return refs, rows.Err()
}

// GetTracking implements reconcile.Storage.
func (s *Storage) GetTracking(ctx context.Context, tenantID, transactionID string) (*reconcile.TrackingRecord, error) {
	var rec reconcile.TrackingRecord
	var attribution []byte

	err := s.pool.QueryRow(ctx,
		`SELECT tenant_id, transaction_id, attribution, raw, recorded_at
			FROM tracking_records WHERE tenant_id = $1 AND transaction_id = $2`,
		tenantID, transactionID).Scan(
		&rec.TenantID, &rec.TransactionID, &attribution, &rec.Raw, &rec.RecordedAt)

	if err == pgx.ErrNoRows {
		return nil, nil // No tracking record is not an error
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get tracking: %w", err)
	}
	if err := unmarshalInto(attribution, &rec.Attribution); err != nil {
		return nil, err
	}
	return &rec, nil
}

// PutTracking implements reconcile.Storage.
func (s *Storage) PutTracking(ctx context.Context, rec *reconcile.TrackingRecord) error {
	if rec == nil || rec.TenantID == "" || rec.TransactionID == "" {
		return reconcile.ErrInvalidEvent
	}
	attribution, err := json.Marshal(rec.Attribution)
	if err != nil {
		return fmt.Errorf("failed to marshal attribution: %w", err)
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO tracking_records (tenant_id, transaction_id, attribution, raw, recorded_at)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (tenant_id, transaction_id) DO UPDATE SET
				attribution = EXCLUDED.attribution,
				raw = EXCLUDED.raw,
				recorded_at = EXCLUDED.recorded_at`,
		rec.TenantID, rec.TransactionID, attribution, rec.Raw, rec.RecordedAt)
	if err != nil {
		return fmt.Errorf("failed to put tracking: %w", err)
	}
	return nil
}

const canonicalColumns = `tenant_id, transaction_id, event_type, status, occurred_at, winning_event_id, email,
		product_code, product_name, offer_code, offer_name,
		gross_cents, net_cents, currency, attribution, flags, updated_at`

// GetCanonical implements reconcile.Storage.
func (s *Storage) GetCanonical(ctx context.Context, tenantID, transactionID string) (*reconcile.CanonicalTransaction, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+canonicalColumns+` FROM canonical_transactions
			WHERE tenant_id = $1 AND transaction_id = $2`,
		tenantID, transactionID)
	c, err := scanCanonical(row)
	if err == pgx.ErrNoRows {
		return nil, reconcile.ErrTransactionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get canonical transaction: %w", err)
	}
	return c, nil
}

// ListCanonical implements reconcile.Storage.
func (s *Storage) ListCanonical(ctx context.Context, filter reconcile.CanonicalFilter) ([]*reconcile.CanonicalTransaction, error) {
	statuses := make([]string, 0, len(filter.Statuses))
	for _, st := range filter.Statuses {
		statuses = append(statuses, string(st))
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 10000
	}

	rows, err := s.pool.Query(ctx,
		`SELECT `+canonicalColumns+` FROM canonical_transactions
			WHERE ($1 = '' OR tenant_id = $1)
				AND ($2 = '' OR lower(email) = lower($2))
				AND ($3::timestamptz IS NULL OR occurred_at >= $3)
				AND ($4::timestamptz IS NULL OR occurred_at <= $4)
				AND (cardinality($5::text[]) = 0 OR status = ANY($5))
			ORDER BY occurred_at, transaction_id
			LIMIT $6`,
		filter.TenantID, filter.Email, nullableTime(filter.From), nullableTime(filter.To), statuses, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list canonical transactions: %w", err)
	}
	defer rows.Close()

	var out []*reconcile.CanonicalTransaction
	for rows.Next() {
		c, err := scanCanonical(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan canonical transaction: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// GetContact implements reconcile.Storage.
func (s *Storage) GetContact(ctx context.Context, tenantID, email string) (*reconcile.Contact, error) {
	var contact reconcile.Contact
	var tags, firstTouch []byte

	err := s.pool.QueryRow(ctx,
		`SELECT tenant_id, email, status, name, phone, document, tags,
				total_purchases, total_revenue_cents, first_purchase_at, last_purchase_at,
				first_touch, first_touch_set_at, created_at, updated_at
			FROM contacts WHERE tenant_id = $1 AND email = $2`,
		tenantID, reconcile.NormalizeEmail(email)).Scan(
		&contact.TenantID, &contact.Email, &contact.Status, &contact.Name, &contact.Phone, &contact.Document, &tags,
		&contact.TotalPurchases, &contact.TotalRevenueCents, &contact.FirstPurchaseAt, &contact.LastPurchaseAt,
		&firstTouch, &contact.FirstTouchSetAt, &contact.CreatedAt, &contact.UpdatedAt)

	if err == pgx.ErrNoRows {
		return nil, reconcile.ErrContactNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get contact: %w", err)
	}

	contact.Tags = reconcile.NewTagSet()
	if err := unmarshalInto(tags, &contact.Tags); err != nil {
		return nil, err
	}
	if err := unmarshalInto(firstTouch, &contact.FirstTouch); err != nil {
		return nil, err
	}
	return &contact, nil
}

// ListContactTransactions implements reconcile.Storage.
func (s *Storage) ListContactTransactions(ctx context.Context, tenantID, email string) ([]*reconcile.CanonicalTransaction, error) {
	return s.ListCanonical(ctx, reconcile.CanonicalFilter{TenantID: tenantID, Email: email})
}

// ListRecoveries implements reconcile.Storage.
func (s *Storage) ListRecoveries(ctx context.Context, tenantID, email string) ([]*reconcile.RecoveryRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, tenant_id, email, product_key, prior_transaction_id, prior_status, transaction_id, recovered_at
			FROM recovery_records
			WHERE tenant_id = $1 AND email = $2
			ORDER BY recovered_at, transaction_id`,
		tenantID, reconcile.NormalizeEmail(email))
	if err != nil {
		return nil, fmt.Errorf("failed to list recoveries: %w", err)
	}
	defer rows.Close()

	var out []*reconcile.RecoveryRecord
	for rows.Next() {
		var r reconcile.RecoveryRecord
		if err := rows.Scan(&r.ID, &r.TenantID, &r.Email, &r.ProductKey,
			&r.PriorTransactionID, &r.PriorStatus, &r.TransactionID, &r.RecoveredAt); err != nil {
			return nil, fmt.Errorf("failed to scan recovery: %w", err)
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}

// CommitReconciliation implements reconcile.Storage. All writes run in one
// SQL transaction.
func (s *Storage) CommitReconciliation(ctx context.Context, commit *reconcile.ReconcileCommit) error {
	if commit == nil || commit.Canonical == nil || commit.Ledger == nil {
		return reconcile.ErrInvalidEvent
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		//nolint:errcheck // Rollback error is safe to ignore if transaction was committed
		_ = tx.Rollback(ctx)
	}()

	if err := upsertCanonical(ctx, tx, commit.Canonical); err != nil {
		return err
	}
	if err := upsertLedger(ctx, tx, commit.Ledger); err != nil {
		return err
	}
	if commit.Contact != nil {
		if err := upsertContact(ctx, tx, commit.Contact); err != nil {
			return err
		}
	}
	for _, r := range commit.Recoveries {
		// Recovery records are immutable; replays hit the conflict and do nothing.
		_, err := tx.Exec(ctx,
			`INSERT INTO recovery_records
					(id, tenant_id, email, product_key, prior_transaction_id, prior_status, transaction_id, recovered_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
				ON CONFLICT (tenant_id, email, product_key, transaction_id) DO NOTHING`,
			r.ID, r.TenantID, r.Email, r.ProductKey, r.PriorTransactionID, string(r.PriorStatus), r.TransactionID, r.RecoveredAt)
		if err != nil {
			return fmt.Errorf("failed to insert recovery: %w", err)
		}
	}
	for _, ek := range commit.Reconciled {
		_, err := tx.Exec(ctx,
			`UPDATE raw_events SET reconciled = TRUE
				WHERE tenant_id = $1 AND provider = $2 AND external_event_id = $3`,
			ek.TenantID, ek.Provider, ek.ExternalEventID)
		if err != nil {
			return fmt.Errorf("failed to mark event reconciled: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit reconciliation: %w", err)
	}
	return nil
}

// ListLedgerEntries implements reconcile.Storage.
func (s *Storage) ListLedgerEntries(ctx context.Context, tenantID string, from, to time.Time) ([]*reconcile.LedgerEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT tenant_id, transaction_id, status, settled_cents, settlement_currency,
				source_currency, rate, economic_day, occurred_at, flags
			FROM ledger_entries
			WHERE tenant_id = $1
				AND ($2::timestamptz IS NULL OR economic_day >= $2)
				AND ($3::timestamptz IS NULL OR economic_day <= $3)
			ORDER BY economic_day, transaction_id`,
		tenantID, nullableTime(from), nullableTime(to))
	if err != nil {
		return nil, fmt.Errorf("failed to list ledger entries: %w", err)
	}
	defer rows.Close()

	var out []*reconcile.LedgerEntry
	for rows.Next() {
		var e reconcile.LedgerEntry
		var flags []byte
		if err := rows.Scan(&e.TenantID, &e.TransactionID, &e.Status, &e.SettledCents, &e.SettlementCurrency,
			&e.SourceCurrency, &e.Rate, &e.EconomicDay, &e.OccurredAt, &flags); err != nil {
			return nil, fmt.Errorf("failed to scan ledger entry: %w", err)
		}
		if err := unmarshalInto(flags, &e.Flags); err != nil {
			return nil, err
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

// AddSpend implements reconcile.Storage.
func (s *Storage) AddSpend(ctx context.Context, rec *reconcile.SpendRecord) error {
	if rec == nil || rec.TenantID == "" || rec.Day.IsZero() {
		return reconcile.ErrInvalidEvent
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO ad_spend (tenant_id, day, source, campaign, amount_cents, currency)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (tenant_id, day, source, campaign) DO UPDATE SET
				amount_cents = EXCLUDED.amount_cents,
				currency = EXCLUDED.currency`,
		rec.TenantID, rec.Day, rec.Source, rec.Campaign, rec.AmountCents, rec.Currency)
	if err != nil {
		return fmt.Errorf("failed to add spend: %w", err)
	}
	return nil
}

// ListSpend implements reconcile.Storage.
func (s *Storage) ListSpend(ctx context.Context, tenantID string, from, to time.Time) ([]*reconcile.SpendRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT tenant_id, day, source, campaign, amount_cents, currency
			FROM ad_spend
			WHERE tenant_id = $1
				AND ($2::timestamptz IS NULL OR day >= $2)
				AND ($3::timestamptz IS NULL OR day <= $3)
			ORDER BY day, source`,
		tenantID, nullableTime(from), nullableTime(to))
	if err != nil {
		return nil, fmt.Errorf("failed to list spend: %w", err)
	}
	defer rows.Close()

	var out []*reconcile.SpendRecord
	for rows.Next() {
		var rec reconcile.SpendRecord
		if err := rows.Scan(&rec.TenantID, &rec.Day, &rec.Source, &rec.Campaign, &rec.AmountCents, &rec.Currency); err != nil {
			return nil, fmt.Errorf("failed to scan spend: %w", err)
		}
		out = append(out, &rec)
	}
	return out, rows.Err()
}

func upsertCanonical(ctx context.Context, tx pgx.Tx, c *reconcile.CanonicalTransaction) error {
	attribution, err := json.Marshal(c.Attribution)
	if err != nil {
		return fmt.Errorf("failed to marshal attribution: %w", err)
	}
	var flags []byte
	if len(c.Flags) > 0 {
		flags, err = json.Marshal(c.Flags)
		if err != nil {
			return fmt.Errorf("failed to marshal flags: %w", err)
		}
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO canonical_transactions
				(tenant_id, transaction_id, event_type, status, occurred_at, winning_event_id, email,
				product_code, product_name, offer_code, offer_name,
				gross_cents, net_cents, currency, attribution, flags, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
			ON CONFLICT (tenant_id, transaction_id) DO UPDATE SET
				event_type = EXCLUDED.event_type,
				status = EXCLUDED.status,
				occurred_at = EXCLUDED.occurred_at,
				winning_event_id = EXCLUDED.winning_event_id,
				email = EXCLUDED.email,
				product_code = EXCLUDED.product_code,
				product_name = EXCLUDED.product_name,
				offer_code = EXCLUDED.offer_code,
				offer_name = EXCLUDED.offer_name,
				gross_cents = EXCLUDED.gross_cents,
				net_cents = EXCLUDED.net_cents,
				currency = EXCLUDED.currency,
				attribution = EXCLUDED.attribution,
				flags = EXCLUDED.flags,
				updated_at = EXCLUDED.updated_at`,
		c.TenantID, c.TransactionID, string(c.Type), string(c.Status), c.OccurredAt, c.WinningEventID, c.Email,
		c.ProductCode, c.ProductName, c.OfferCode, c.OfferName,
		c.GrossCents, c.NetCents, c.Currency, attribution, flags, c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert canonical transaction: %w", err)
	}
	return nil
}

func upsertLedger(ctx context.Context, tx pgx.Tx, e *reconcile.LedgerEntry) error {
	var flags []byte
	var err error
	if len(e.Flags) > 0 {
		flags, err = json.Marshal(e.Flags)
		if err != nil {
			return fmt.Errorf("failed to marshal flags: %w", err)
		}
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO ledger_entries
				(tenant_id, transaction_id, status, settled_cents, settlement_currency,
				source_currency, rate, economic_day, occurred_at, flags)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			ON CONFLICT (tenant_id, transaction_id) DO UPDATE SET
				status = EXCLUDED.status,
				settled_cents = EXCLUDED.settled_cents,
				settlement_currency = EXCLUDED.settlement_currency,
				source_currency = EXCLUDED.source_currency,
				rate = EXCLUDED.rate,
				economic_day = EXCLUDED.economic_day,
				occurred_at = EXCLUDED.occurred_at,
				flags = EXCLUDED.flags`,
		e.TenantID, e.TransactionID, string(e.Status), e.SettledCents, e.SettlementCurrency,
		e.SourceCurrency, e.Rate, e.EconomicDay, e.OccurredAt, flags)
	if err != nil {
		return fmt.Errorf("failed to upsert ledger entry: %w", err)
	}
	return nil
}

func upsertContact(ctx context.Context, tx pgx.Tx, contact *reconcile.Contact) error {
	tags, err := json.Marshal(contact.Tags)
	if err != nil {
		return fmt.Errorf("failed to marshal tags: %w", err)
	}
	firstTouch, err := json.Marshal(contact.FirstTouch)
	if err != nil {
		return fmt.Errorf("failed to marshal first touch: %w", err)
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO contacts
				(tenant_id, email, status, name, phone, document, tags,
				total_purchases, total_revenue_cents, first_purchase_at, last_purchase_at,
				first_touch, first_touch_set_at, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
			ON CONFLICT (tenant_id, email) DO UPDATE SET
				status = EXCLUDED.status,
				name = EXCLUDED.name,
				phone = EXCLUDED.phone,
				document = EXCLUDED.document,
				tags = EXCLUDED.tags,
				total_purchases = EXCLUDED.total_purchases,
				total_revenue_cents = EXCLUDED.total_revenue_cents,
				first_purchase_at = EXCLUDED.first_purchase_at,
				last_purchase_at = EXCLUDED.last_purchase_at,
				first_touch = EXCLUDED.first_touch,
				first_touch_set_at = EXCLUDED.first_touch_set_at,
				updated_at = EXCLUDED.updated_at`,
		contact.TenantID, contact.Email, string(contact.Status), contact.Name, contact.Phone, contact.Document, tags,
		contact.TotalPurchases, contact.TotalRevenueCents, contact.FirstPurchaseAt, contact.LastPurchaseAt,
		firstTouch, contact.FirstTouchSetAt, contact.CreatedAt, contact.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert contact: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCanonical(row rowScanner) (*reconcile.CanonicalTransaction, error) {
	var c reconcile.CanonicalTransaction
	var attribution, flags []byte
	err := row.Scan(&c.TenantID, &c.TransactionID, &c.Type, &c.Status, &c.OccurredAt, &c.WinningEventID, &c.Email,
		&c.ProductCode, &c.ProductName, &c.OfferCode, &c.OfferName,
		&c.GrossCents, &c.NetCents, &c.Currency, &attribution, &flags, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := unmarshalInto(attribution, &c.Attribution); err != nil {
		return nil, err
	}
	if err := unmarshalInto(flags, &c.Flags); err != nil {
		return nil, err
	}
	return &c, nil
}

func scanEvents(rows pgx.Rows) ([]*reconcile.RawEvent, error) {
	var out []*reconcile.RawEvent
	for rows.Next() {
		var ev reconcile.RawEvent
		var occurredAt *time.Time
		var attribution, metadata []byte
		if err := rows.Scan(&ev.TenantID, &ev.Provider, &ev.ExternalEventID, &ev.TransactionID, &ev.Type, &occurredAt,
			&ev.GrossCents, &ev.NetCents, &ev.Currency, &ev.Email, &ev.Name, &ev.Phone, &ev.Document,
			&ev.ProductCode, &ev.ProductName, &ev.OfferCode, &ev.OfferName,
			&attribution, &ev.AttributionRaw, &metadata, &ev.ReceivedAt); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		if occurredAt != nil {
			ev.OccurredAt = *occurredAt
		}
		if err := unmarshalInto(attribution, &ev.Attribution); err != nil {
			return nil, err
		}
		if err := unmarshalInto(metadata, &ev.Metadata); err != nil {
			return nil, err
		}
		out = append(out, &ev)
	}
	return out, rows.Err()
}

func unmarshalInto(data []byte, v any) error {
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to unmarshal stored json: %w", err)
	}
	return nil
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
