package storage

import (
	"context"
	"errors"
	"time"

	"github.com/Million1701/Lulutracker-sub000/internal/metrics"
	"github.com/Million1701/Lulutracker-sub000/internal/model"
)

// instrumented records the count and latency of every call on the wrapped store.
type instrumented struct {
	next    Store
	metrics *metrics.Metrics
}

func instrument(next Store) Store {
	return &instrumented{next: next, metrics: metrics.NewMetrics()}
}

// operationStatus buckets a result: ownership and lookup refusals are not backend failures.
func operationStatus(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrForbidden), errors.Is(err, ErrConflict):
		return "rejected"
	default:
		return "error"
	}
}

func (s *instrumented) observe(operation string, start time.Time, err error) {
	status := operationStatus(err)
	s.metrics.StorageOperationTotal.WithLabelValues(operation, status).Inc()
	s.metrics.StorageOperationDuration.WithLabelValues(operation, status).Observe(time.Since(start).Seconds())
}

// Close releases the wrapped store's resources when it holds any.
func (s *instrumented) Close() {
	if c, ok := s.next.(interface{ Close() }); ok {
		c.Close()
	}
}

func (s *instrumented) Ping(ctx context.Context) (err error) {
	defer func(start time.Time) { s.observe("ping", start, err) }(time.Now())
	return s.next.Ping(ctx)
}

func (s *instrumented) CreatePet(ctx context.Context, pet model.Pet) (err error) {
	defer func(start time.Time) { s.observe("create_pet", start, err) }(time.Now())
	return s.next.CreatePet(ctx, pet)
}

func (s *instrumented) GetPet(ctx context.Context, petID string) (pet *model.Pet, err error) {
	defer func(start time.Time) { s.observe("get_pet", start, err) }(time.Now())
	return s.next.GetPet(ctx, petID)
}

func (s *instrumented) GetPetByCode(ctx context.Context, code string) (pet *model.Pet, err error) {
	defer func(start time.Time) { s.observe("get_pet_by_code", start, err) }(time.Now())
	return s.next.GetPetByCode(ctx, code)
}

func (s *instrumented) ListPetsByOwner(ctx context.Context, ownerID string) (pets []model.Pet, err error) {
	defer func(start time.Time) { s.observe("list_pets_by_owner", start, err) }(time.Now())
	return s.next.ListPetsByOwner(ctx, ownerID)
}

func (s *instrumented) UpdatePetStatus(ctx context.Context, ownerID, petID string, status model.PetStatus) (pet *model.Pet, err error) {
	defer func(start time.Time) { s.observe("update_pet_status", start, err) }(time.Now())
	return s.next.UpdatePetStatus(ctx, ownerID, petID, status)
}

func (s *instrumented) SetPetPhoto(ctx context.Context, ownerID, petID, photoURL string) (err error) {
	defer func(start time.Time) { s.observe("set_pet_photo", start, err) }(time.Now())
	return s.next.SetPetPhoto(ctx, ownerID, petID, photoURL)
}

func (s *instrumented) CreateReport(ctx context.Context, report model.LocationReport) (created *model.LocationReport, err error) {
	defer func(start time.Time) { s.observe("create_report", start, err) }(time.Now())
	return s.next.CreateReport(ctx, report)
}

func (s *instrumented) ListReportsByPet(ctx context.Context, ownerID, petID string) (reports []model.LocationReport, err error) {
	defer func(start time.Time) { s.observe("list_reports_by_pet", start, err) }(time.Now())
	return s.next.ListReportsByPet(ctx, ownerID, petID)
}

func (s *instrumented) ListReportsByPets(ctx context.Context, petIDs []string) (reports []model.LocationReport, err error) {
	defer func(start time.Time) { s.observe("list_reports_by_pets", start, err) }(time.Now())
	return s.next.ListReportsByPets(ctx, petIDs)
}

func (s *instrumented) UpdateReportStatus(ctx context.Context, ownerID, reportID string, status model.ReportStatus) (report *model.LocationReport, err error) {
	defer func(start time.Time) { s.observe("update_report_status", start, err) }(time.Now())
	return s.next.UpdateReportStatus(ctx, ownerID, reportID, status)
}

func (s *instrumented) DismissPendingReports(ctx context.Context, ownerID, petID string) (n int, err error) {
	defer func(start time.Time) { s.observe("dismiss_pending_reports", start, err) }(time.Now())
	return s.next.DismissPendingReports(ctx, ownerID, petID)
}

func (s *instrumented) DeleteReport(ctx context.Context, ownerID, reportID string) (err error) {
	defer func(start time.Time) { s.observe("delete_report", start, err) }(time.Now())
	return s.next.DeleteReport(ctx, ownerID, reportID)
}

func (s *instrumented) CountReportsByStatus(ctx context.Context, ownerID, petID string, status model.ReportStatus) (n int, err error) {
	defer func(start time.Time) { s.observe("count_reports_by_status", start, err) }(time.Now())
	return s.next.CountReportsByStatus(ctx, ownerID, petID, status)
}

func (s *instrumented) CreateNotification(ctx context.Context, n model.Notification) (err error) {
	defer func(start time.Time) { s.observe("create_notification", start, err) }(time.Now())
	return s.next.CreateNotification(ctx, n)
}

func (s *instrumented) ListNotifications(ctx context.Context, userID string, limit int, onlyUnread bool) (list []model.Notification, err error) {
	defer func(start time.Time) { s.observe("list_notifications", start, err) }(time.Now())
	return s.next.ListNotifications(ctx, userID, limit, onlyUnread)
}

func (s *instrumented) CountUnread(ctx context.Context, userID string) (n int, err error) {
	defer func(start time.Time) { s.observe("count_unread", start, err) }(time.Now())
	return s.next.CountUnread(ctx, userID)
}

func (s *instrumented) MarkNotificationRead(ctx context.Context, userID, notificationID string) (err error) {
	defer func(start time.Time) { s.observe("mark_notification_read", start, err) }(time.Now())
	return s.next.MarkNotificationRead(ctx, userID, notificationID)
}

func (s *instrumented) MarkAllNotificationsRead(ctx context.Context, userID string) (n int, err error) {
	defer func(start time.Time) { s.observe("mark_all_notifications_read", start, err) }(time.Now())
	return s.next.MarkAllNotificationsRead(ctx, userID)
}

func (s *instrumented) DeleteNotification(ctx context.Context, userID, notificationID string) (err error) {
	defer func(start time.Time) { s.observe("delete_notification", start, err) }(time.Now())
	return s.next.DeleteNotification(ctx, userID, notificationID)
}

func (s *instrumented) DeleteReadNotifications(ctx context.Context, userID string) (n int, err error) {
	defer func(start time.Time) { s.observe("delete_read_notifications", start, err) }(time.Now())
	return s.next.DeleteReadNotifications(ctx, userID)
}
