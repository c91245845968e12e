// Package storage provides implementations of the Store interface
// for both in-memory and PostgreSQL storage backends.
//
// The store is the row-store collaborator of the service: it owns the pets,
// location_reports and notifications tables, enforces owner-scoped access on
// every mutation, and emits a change-feed event for each inserted notification.
package storage

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/Million1701/Lulutracker-sub000/internal/feed"
	"github.com/Million1701/Lulutracker-sub000/internal/metrics"
	"github.com/Million1701/Lulutracker-sub000/internal/model"
)

// Standard errors returned by the storage layer
var (
	ErrNotFound  = errors.New("not found") // Returned when a row is not found
	ErrConflict  = errors.New("conflict")  // Returned when a row already exists
	ErrForbidden = errors.New("forbidden") // Returned when the caller does not own the row
)

// Listing bounds for notifications
const (
	DefaultNotificationLimit = 50
	MaxNotificationLimit     = 100
)

// Store interface defines the storage operations required by the LuluTracker service.
// This interface is implemented by both in-memory and PostgreSQL storage backends.
type Store interface {
	// Pet operations
	CreatePet(ctx context.Context, pet model.Pet) error                                                     // Register a pet
	GetPet(ctx context.Context, petID string) (*model.Pet, error)                                           // Get a pet by ID
	GetPetByCode(ctx context.Context, code string) (*model.Pet, error)                                      // Resolve a scanned code
	ListPetsByOwner(ctx context.Context, ownerID string) ([]model.Pet, error)                               // Pets owned by a user
	UpdatePetStatus(ctx context.Context, ownerID, petID string, status model.PetStatus) (*model.Pet, error) // Owner-only
	SetPetPhoto(ctx context.Context, ownerID, petID, photoURL string) error                                 // Owner-only

	// Location report operations
	CreateReport(ctx context.Context, report model.LocationReport) (*model.LocationReport, error)                               // Open write path; inserts the owner notification
	ListReportsByPet(ctx context.Context, ownerID, petID string) ([]model.LocationReport, error)                                // Owner-only, newest first
	ListReportsByPets(ctx context.Context, petIDs []string) ([]model.LocationReport, error)                                     // Newest first
	UpdateReportStatus(ctx context.Context, ownerID, reportID string, status model.ReportStatus) (*model.LocationReport, error) // Owner-only
	DismissPendingReports(ctx context.Context, ownerID, petID string) (int, error)                                              // Atomic pending -> dismissed
	DeleteReport(ctx context.Context, ownerID, reportID string) error                                                           // Owner-only hard delete
	CountReportsByStatus(ctx context.Context, ownerID, petID string, status model.ReportStatus) (int, error)                    // Owner-only

	// Notification operations
	CreateNotification(ctx context.Context, n model.Notification) error                                             // Insert and emit on the feed
	ListNotifications(ctx context.Context, userID string, limit int, onlyUnread bool) ([]model.Notification, error) // Newest first
	CountUnread(ctx context.Context, userID string) (int, error)
	MarkNotificationRead(ctx context.Context, userID, notificationID string) error // Idempotent
	MarkAllNotificationsRead(ctx context.Context, userID string) (int, error)
	DeleteNotification(ctx context.Context, userID, notificationID string) error
	DeleteReadNotifications(ctx context.Context, userID string) (int, error)

	// Ping checks the backend is reachable
	Ping(ctx context.Context) error
}

// clampLimit applies the notification listing bounds.
func clampLimit(limit int) int {
	if limit <= 0 {
		return DefaultNotificationLimit
	}
	if limit > MaxNotificationLimit {
		return MaxNotificationLimit
	}
	return limit
}

// emitter publishes committed notification inserts onto the change feed.
// A nil publisher disables emission.
type emitter struct {
	pub     feed.Publisher
	metrics *metrics.Metrics
}

func newEmitter(pub feed.Publisher) emitter {
	return emitter{pub: pub, metrics: metrics.NewMetrics()}
}

// notificationInserted emits the INSERT change for n. Failures are logged only:
// the row is durable and sessions reconcile through their polling refresh.
func (e emitter) notificationInserted(ctx context.Context, n model.Notification) {
	if e.pub == nil {
		return
	}
	start := time.Now()
	status := "success"
	change, err := feed.NewNotificationInsert(n)
	if err == nil {
		err = e.pub.Publish(ctx, change)
	}
	if err != nil {
		status = "error"
		slog.Warn("failed to publish notification insert", "notification_id", n.ID, "user_id", n.UserID, "error", err)
	}
	e.metrics.FeedPublishTotal.WithLabelValues(feed.TableNotifications, status).Inc()
	e.metrics.FeedPublishDuration.WithLabelValues(feed.TableNotifications, status).Observe(time.Since(start).Seconds())
}
