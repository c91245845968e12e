package storage

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Million1701/Lulutracker-sub000/internal/feed"
	"github.com/Million1701/Lulutracker-sub000/internal/model"
)

// recordingPublisher captures published changes.
type recordingPublisher struct {
	mu      sync.Mutex
	changes []feed.Change
}

func (p *recordingPublisher) Publish(ctx context.Context, c feed.Change) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.changes = append(p.changes, c)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

func seedPet(t *testing.T, s Store, id, owner string) model.Pet {
	t.Helper()
	now := time.Now().UTC()
	pet := model.Pet{ID: id, OwnerID: owner, Name: "Lulu", Species: "dog", Code: "code-" + id, Status: model.PetStatusLost, CreatedAt: now, UpdatedAt: now}
	if err := s.CreatePet(context.Background(), pet); err != nil {
		t.Fatalf("CreatePet() error = %v", err)
	}
	return pet
}

func TestCreatePetConflict(t *testing.T) {
	s := NewMemory(nil)
	pet := seedPet(t, s, "p1", "owner")

	if err := s.CreatePet(context.Background(), pet); !errors.Is(err, ErrConflict) {
		t.Errorf("duplicate CreatePet() error = %v, want ErrConflict", err)
	}

	got, err := s.GetPetByCode(context.Background(), pet.Code)
	if err != nil || got.ID != "p1" {
		t.Errorf("GetPetByCode() = %v, %v", got, err)
	}
}

func TestCreateReportInsertsNotification(t *testing.T) {
	pub := &recordingPublisher{}
	s := NewMemory(pub)
	seedPet(t, s, "p1", "owner")
	ctx := context.Background()

	report, err := s.CreateReport(ctx, model.LocationReport{PetID: "p1", Latitude: 40.4, Longitude: -3.7})
	if err != nil {
		t.Fatalf("CreateReport() error = %v", err)
	}
	if report.ID == "" || report.Status != model.ReportStatusPending || report.ReportedAt.IsZero() {
		t.Errorf("CreateReport() = %+v", report)
	}

	list, err := s.ListNotifications(ctx, "owner", 0, false)
	if err != nil {
		t.Fatalf("ListNotifications() error = %v", err)
	}
	if len(list) != 1 || list[0].LocationReportID == nil || *list[0].LocationReportID != report.ID {
		t.Fatalf("ListNotifications() = %+v", list)
	}
	if list[0].Type != model.NotificationTypeLocationReport {
		t.Errorf("notification type = %s", list[0].Type)
	}

	if len(pub.changes) != 1 || pub.changes[0].Keys["user_id"] != "owner" {
		t.Errorf("published changes = %+v", pub.changes)
	}

	if _, err := s.CreateReport(ctx, model.LocationReport{PetID: "nope"}); !errors.Is(err, ErrNotFound) {
		t.Errorf("CreateReport() for unknown pet error = %v, want ErrNotFound", err)
	}
}

func TestReportOrderingAndOwnership(t *testing.T) {
	s := NewMemory(nil)
	seedPet(t, s, "p1", "owner")
	ctx := context.Background()
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	for _, r := range []model.LocationReport{
		{ID: "b", PetID: "p1", ReportedAt: base},
		{ID: "a", PetID: "p1", ReportedAt: base},
		{ID: "c", PetID: "p1", ReportedAt: base.Add(time.Minute)},
	} {
		if _, err := s.CreateReport(ctx, r); err != nil {
			t.Fatalf("CreateReport() error = %v", err)
		}
	}

	list, err := s.ListReportsByPet(ctx, "owner", "p1")
	if err != nil {
		t.Fatalf("ListReportsByPet() error = %v", err)
	}
	want := []string{"c", "a", "b"}
	for i, r := range list {
		if r.ID != want[i] {
			t.Errorf("report %d = %s, want %s", i, r.ID, want[i])
		}
	}

	if _, err := s.ListReportsByPet(ctx, "intruder", "p1"); !errors.Is(err, ErrForbidden) {
		t.Errorf("ListReportsByPet() by non-owner error = %v, want ErrForbidden", err)
	}
	if _, err := s.UpdateReportStatus(ctx, "intruder", "a", model.ReportStatusVerified); !errors.Is(err, ErrForbidden) {
		t.Errorf("UpdateReportStatus() by non-owner error = %v, want ErrForbidden", err)
	}
	if err := s.DeleteReport(ctx, "intruder", "a"); !errors.Is(err, ErrForbidden) {
		t.Errorf("DeleteReport() by non-owner error = %v, want ErrForbidden", err)
	}
	if err := s.DeleteReport(ctx, "owner", "missing"); err != nil {
		t.Errorf("DeleteReport() missing error = %v, want nil", err)
	}
}

func TestDismissPendingReports(t *testing.T) {
	s := NewMemory(nil)
	seedPet(t, s, "p1", "owner")
	seedPet(t, s, "p2", "owner")
	ctx := context.Background()

	for _, id := range []string{"r1", "r2", "r3"} {
		if _, err := s.CreateReport(ctx, model.LocationReport{ID: id, PetID: "p1"}); err != nil {
			t.Fatalf("CreateReport() error = %v", err)
		}
	}
	if _, err := s.CreateReport(ctx, model.LocationReport{ID: "other", PetID: "p2"}); err != nil {
		t.Fatalf("CreateReport() error = %v", err)
	}
	if _, err := s.UpdateReportStatus(ctx, "owner", "r3", model.ReportStatusVerified); err != nil {
		t.Fatalf("UpdateReportStatus() error = %v", err)
	}

	n, err := s.DismissPendingReports(ctx, "owner", "p1")
	if err != nil || n != 2 {
		t.Fatalf("DismissPendingReports() = %d, %v, want 2", n, err)
	}

	if c, _ := s.CountReportsByStatus(ctx, "owner", "p1", model.ReportStatusPending); c != 0 {
		t.Errorf("pending after dismiss = %d, want 0", c)
	}
	if c, _ := s.CountReportsByStatus(ctx, "owner", "p1", model.ReportStatusVerified); c != 1 {
		t.Errorf("verified after dismiss = %d, want 1", c)
	}
	if c, _ := s.CountReportsByStatus(ctx, "owner", "p2", model.ReportStatusPending); c != 1 {
		t.Errorf("other pet pending = %d, want 1", c)
	}

	// Nothing left to dismiss
	if n, _ := s.DismissPendingReports(ctx, "owner", "p1"); n != 0 {
		t.Errorf("second DismissPendingReports() = %d, want 0", n)
	}
}

func TestDeleteReportKeepsNotification(t *testing.T) {
	s := NewMemory(nil)
	seedPet(t, s, "p1", "owner")
	ctx := context.Background()

	r, err := s.CreateReport(ctx, model.LocationReport{PetID: "p1"})
	if err != nil {
		t.Fatalf("CreateReport() error = %v", err)
	}
	if err := s.DeleteReport(ctx, "owner", r.ID); err != nil {
		t.Fatalf("DeleteReport() error = %v", err)
	}

	list, _ := s.ListNotifications(ctx, "owner", 0, false)
	if len(list) != 1 || list[0].LocationReportID != nil {
		t.Errorf("notifications after report delete = %+v", list)
	}
}

func TestNotificationMutations(t *testing.T) {
	s := NewMemory(nil)
	ctx := context.Background()
	base := time.Now().UTC()

	for i, id := range []string{"n1", "n2", "n3"} {
		n := model.Notification{ID: id, UserID: "u1", Title: id, Type: model.NotificationTypeGeneral, CreatedAt: base.Add(time.Duration(i) * time.Second)}
		if err := s.CreateNotification(ctx, n); err != nil {
			t.Fatalf("CreateNotification() error = %v", err)
		}
	}
	if err := s.CreateNotification(ctx, model.Notification{ID: "x", UserID: "u2", CreatedAt: base}); err != nil {
		t.Fatalf("CreateNotification() error = %v", err)
	}

	list, _ := s.ListNotifications(ctx, "u1", 2, false)
	if len(list) != 2 || list[0].ID != "n3" || list[1].ID != "n2" {
		t.Errorf("ListNotifications(limit 2) = %+v", list)
	}

	if err := s.MarkNotificationRead(ctx, "u1", "n1"); err != nil {
		t.Fatalf("MarkNotificationRead() error = %v", err)
	}
	if err := s.MarkNotificationRead(ctx, "u1", "n1"); err != nil {
		t.Errorf("repeated MarkNotificationRead() error = %v", err)
	}
	if err := s.MarkNotificationRead(ctx, "u2", "n1"); !errors.Is(err, ErrForbidden) {
		t.Errorf("MarkNotificationRead() by other user error = %v, want ErrForbidden", err)
	}
	if c, _ := s.CountUnread(ctx, "u1"); c != 2 {
		t.Errorf("CountUnread() = %d, want 2", c)
	}

	unread, _ := s.ListNotifications(ctx, "u1", 0, true)
	if len(unread) != 2 {
		t.Errorf("ListNotifications(onlyUnread) = %d rows, want 2", len(unread))
	}

	if n, _ := s.MarkAllNotificationsRead(ctx, "u1"); n != 2 {
		t.Errorf("MarkAllNotificationsRead() = %d, want 2", n)
	}
	if n, _ := s.DeleteReadNotifications(ctx, "u1"); n != 3 {
		t.Errorf("DeleteReadNotifications() = %d, want 3", n)
	}
	if c, _ := s.CountUnread(ctx, "u2"); c != 1 {
		t.Errorf("other user's unread = %d, want 1", c)
	}
	if err := s.DeleteNotification(ctx, "u1", "n1"); err != nil {
		t.Errorf("DeleteNotification() on removed row error = %v, want nil", err)
	}
}

func TestClampLimit(t *testing.T) {
	tests := []struct {
		in, want int
	}{
		{0, DefaultNotificationLimit},
		{-3, DefaultNotificationLimit},
		{10, 10},
		{500, MaxNotificationLimit},
	}
	for _, tt := range tests {
		if got := clampLimit(tt.in); got != tt.want {
			t.Errorf("clampLimit(%d) = %d, want %d", tt.in, got, tt.want)
		}
	}
}
