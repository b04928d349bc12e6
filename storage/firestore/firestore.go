// Package firestore provides a Google Cloud Firestore implementation of the
// reconcile.EventArchiver interface, used as a long-term secondary sink for the
// raw event log.
package firestore

import (
	"context"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/mihaimyh/goreconcile/pkg/reconcile"
)

// Archiver implements reconcile.EventArchiver using Google Cloud Firestore.
type Archiver struct {
	client           *firestore.Client
	eventsCollection string
}

// Config holds Firestore archiver configuration.
type Config struct {
	// EventsCollection is the Firestore collection for archived raw events
	// Default: "reconcile_events"
	EventsCollection string
}

// New creates a new Firestore event archiver.
func New(client *firestore.Client, config Config) (*Archiver, error) {
	if client == nil {
		return nil, fmt.Errorf("firestore client is required")
	}

	if config.EventsCollection == "" {
		config.EventsCollection = "reconcile_events"
	}

	return &Archiver{
		client:           client,
		eventsCollection: config.EventsCollection,
	}, nil
}

// Archive implements reconcile.EventArchiver. Documents are keyed by the event
// identity, so re-archiving the same delivery is a no-op.
func (a *Archiver) Archive(ctx context.Context, ev *reconcile.RawEvent) error {
	if ev == nil || ev.Provider == "" || ev.ExternalEventID == "" {
		return reconcile.ErrInvalidEvent
	}

	doc := a.client.Collection(a.eventsCollection).Doc(docID(ev.Key()))

	data := map[string]interface{}{
		"tenantId":        ev.TenantID,
		"provider":        ev.Provider,
		"externalEventId": ev.ExternalEventID,
		"transactionId":   ev.TransactionID,
		"eventType":       string(ev.Type),
		"occurredAt":      ev.OccurredAt,
		"grossCents":      ev.GrossCents,
		"netCents":        ev.NetCents,
		"currency":        ev.Currency,
		"email":           ev.Email,
		"name":            ev.Name,
		"phone":           ev.Phone,
		"document":        ev.Document,
		"productCode":     ev.ProductCode,
		"productName":     ev.ProductName,
		"offerCode":       ev.OfferCode,
		"offerName":       ev.OfferName,
		"attributionRaw":  ev.AttributionRaw,
		"receivedAt":      ev.ReceivedAt,
		"archivedAt":      time.Now().UTC(),
	}
	if !ev.Attribution.Empty() {
		data["attribution"] = map[string]interface{}{
			"source":    ev.Attribution.Source,
			"campaign":  ev.Attribution.Campaign,
			"adSet":     ev.Attribution.AdSet,
			"ad":        ev.Attribution.Ad,
			"placement": ev.Attribution.Placement,
			"creative":  ev.Attribution.Creative,
			"medium":    ev.Attribution.Medium,
		}
	}
	if len(ev.Metadata) > 0 {
		data["metadata"] = ev.Metadata
	}

	_, err := doc.Create(ctx, data)
	if err != nil {
		if status.Code(err) == codes.AlreadyExists {
			return nil // Already archived
		}
		return fmt.Errorf("failed to archive event: %w", err)
	}
	return nil
}

// docID builds a Firestore-safe document id from the event key. Firestore
// forbids forward slashes in document ids.
func docID(key reconcile.EventKey) string {
	id := key.TenantID + "|" + key.Provider + "|" + key.ExternalEventID
	return strings.ReplaceAll(id, "/", "_")
}
