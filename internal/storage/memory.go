package storage

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/Million1701/Lulutracker-sub000/internal/feed"
	"github.com/Million1701/Lulutracker-sub000/internal/model"
	"github.com/google/uuid"
)

// memory implements the Store interface using in-memory storage.
// It's intended for development and testing purposes.
type memory struct {
	mu            sync.RWMutex
	pets          map[string]*model.Pet            // Map of pet ID to pet
	petsByCode    map[string]string                // Map of public code to pet ID
	reports       map[string]*model.LocationReport // Map of report ID to report
	notifications map[string]*model.Notification   // Map of notification ID to notification
	emit          emitter
}

// NewMemory creates a new in-memory storage implementation.
// Notification inserts are published on pub; pass nil to disable the change feed.
func NewMemory(pub feed.Publisher) Store {
	return instrument(&memory{
		pets:          make(map[string]*model.Pet),
		petsByCode:    make(map[string]string),
		reports:       make(map[string]*model.LocationReport),
		notifications: make(map[string]*model.Notification),
		emit:          newEmitter(pub),
	})
}

func (m *memory) Ping(ctx context.Context) error {
	return ctx.Err()
}

func (m *memory) CreatePet(ctx context.Context, pet model.Pet) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.pets[pet.ID]; exists {
		return ErrConflict
	}
	if _, exists := m.petsByCode[pet.Code]; exists {
		return ErrConflict
	}

	petCopy := pet
	m.pets[pet.ID] = &petCopy
	m.petsByCode[pet.Code] = pet.ID
	return nil
}

func (m *memory) GetPet(ctx context.Context, petID string) (*model.Pet, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	pet, exists := m.pets[petID]
	if !exists {
		return nil, ErrNotFound
	}
	petCopy := *pet
	return &petCopy, nil
}

func (m *memory) GetPetByCode(ctx context.Context, code string) (*model.Pet, error) {
	m.mu.RLock()
	id, exists := m.petsByCode[code]
	m.mu.RUnlock()
	if !exists {
		return nil, ErrNotFound
	}
	return m.GetPet(ctx, id)
}

func (m *memory) ListPetsByOwner(ctx context.Context, ownerID string) ([]model.Pet, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	pets := make([]model.Pet, 0)
	for _, pet := range m.pets {
		if pet.OwnerID == ownerID {
			pets = append(pets, *pet)
		}
	}
	sort.SliceStable(pets, func(i, j int) bool {
		if pets[i].CreatedAt.Equal(pets[j].CreatedAt) {
			return pets[i].ID < pets[j].ID
		}
		return pets[i].CreatedAt.Before(pets[j].CreatedAt)
	})
	return pets, nil
}

// ownedPet returns the pet if ownerID owns it. Callers hold m.mu.
func (m *memory) ownedPet(ownerID, petID string) (*model.Pet, error) {
	pet, exists := m.pets[petID]
	if !exists {
		return nil, ErrNotFound
	}
	if pet.OwnerID != ownerID {
		return nil, ErrForbidden
	}
	return pet, nil
}

func (m *memory) UpdatePetStatus(ctx context.Context, ownerID, petID string, status model.PetStatus) (*model.Pet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	pet, err := m.ownedPet(ownerID, petID)
	if err != nil {
		return nil, err
	}
	pet.Status = status
	pet.UpdatedAt = time.Now().UTC()
	petCopy := *pet
	return &petCopy, nil
}

func (m *memory) SetPetPhoto(ctx context.Context, ownerID, petID, photoURL string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	pet, err := m.ownedPet(ownerID, petID)
	if err != nil {
		return err
	}
	pet.PhotoURL = photoURL
	pet.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *memory) CreateReport(ctx context.Context, report model.LocationReport) (*model.LocationReport, error) {
	m.mu.Lock()

	pet, exists := m.pets[report.PetID]
	if !exists {
		m.mu.Unlock()
		return nil, ErrNotFound
	}

	if report.ID == "" {
		report.ID = uuid.New().String()
	}
	if _, exists := m.reports[report.ID]; exists {
		m.mu.Unlock()
		return nil, ErrConflict
	}
	if report.ReportedAt.IsZero() {
		report.ReportedAt = time.Now().UTC()
	}
	report.Status = model.ReportStatusPending

	reportCopy := report
	m.reports[report.ID] = &reportCopy

	// Owner alert, inserted with the report
	n := model.NewReportNotification(uuid.New().String(), *pet, report)
	m.notifications[n.ID] = &n
	m.mu.Unlock()

	m.emit.notificationInserted(ctx, n)
	return &report, nil
}

// sortReports orders reports newest first with a stable id tie-break.
func sortReports(reports []model.LocationReport) {
	sort.SliceStable(reports, func(i, j int) bool {
		if reports[i].ReportedAt.Equal(reports[j].ReportedAt) {
			return reports[i].ID < reports[j].ID
		}
		return reports[i].ReportedAt.After(reports[j].ReportedAt)
	})
}

func (m *memory) ListReportsByPet(ctx context.Context, ownerID, petID string) ([]model.LocationReport, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if _, err := m.ownedPet(ownerID, petID); err != nil {
		return nil, err
	}

	reports := make([]model.LocationReport, 0)
	for _, r := range m.reports {
		if r.PetID == petID {
			reports = append(reports, *r)
		}
	}
	sortReports(reports)
	return reports, nil
}

func (m *memory) ListReportsByPets(ctx context.Context, petIDs []string) ([]model.LocationReport, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	wanted := make(map[string]bool, len(petIDs))
	for _, id := range petIDs {
		wanted[id] = true
	}

	reports := make([]model.LocationReport, 0)
	for _, r := range m.reports {
		if wanted[r.PetID] {
			reports = append(reports, *r)
		}
	}
	sortReports(reports)
	return reports, nil
}

func (m *memory) UpdateReportStatus(ctx context.Context, ownerID, reportID string, status model.ReportStatus) (*model.LocationReport, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	report, exists := m.reports[reportID]
	if !exists {
		return nil, ErrNotFound
	}
	if _, err := m.ownedPet(ownerID, report.PetID); err != nil {
		return nil, err
	}
	report.Status = status
	reportCopy := *report
	return &reportCopy, nil
}

func (m *memory) DismissPendingReports(ctx context.Context, ownerID, petID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, err := m.ownedPet(ownerID, petID); err != nil {
		return 0, err
	}

	dismissed := 0
	for _, r := range m.reports {
		if r.PetID == petID && r.Status == model.ReportStatusPending {
			r.Status = model.ReportStatusDismissed
			dismissed++
		}
	}
	return dismissed, nil
}

func (m *memory) DeleteReport(ctx context.Context, ownerID, reportID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	report, exists := m.reports[reportID]
	if !exists {
		return nil // Already gone
	}
	if _, err := m.ownedPet(ownerID, report.PetID); err != nil {
		return err
	}
	delete(m.reports, reportID)

	// The notification keeps its text; only the back-reference goes.
	for _, n := range m.notifications {
		if n.LocationReportID != nil && *n.LocationReportID == reportID {
			n.LocationReportID = nil
		}
	}
	return nil
}

func (m *memory) CountReportsByStatus(ctx context.Context, ownerID, petID string, status model.ReportStatus) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if _, err := m.ownedPet(ownerID, petID); err != nil {
		return 0, err
	}

	count := 0
	for _, r := range m.reports {
		if r.PetID == petID && r.Status == status {
			count++
		}
	}
	return count, nil
}

func (m *memory) CreateNotification(ctx context.Context, n model.Notification) error {
	m.mu.Lock()
	if n.ID == "" {
		n.ID = uuid.New().String()
	}
	if _, exists := m.notifications[n.ID]; exists {
		m.mu.Unlock()
		return ErrConflict
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}
	nCopy := n
	m.notifications[n.ID] = &nCopy
	m.mu.Unlock()

	m.emit.notificationInserted(ctx, n)
	return nil
}

func (m *memory) ListNotifications(ctx context.Context, userID string, limit int, onlyUnread bool) ([]model.Notification, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	list := make([]model.Notification, 0)
	for _, n := range m.notifications {
		if n.UserID != userID || (onlyUnread && n.Read) {
			continue
		}
		list = append(list, *n)
	}
	sort.SliceStable(list, func(i, j int) bool {
		if list[i].CreatedAt.Equal(list[j].CreatedAt) {
			return list[i].ID < list[j].ID
		}
		return list[i].CreatedAt.After(list[j].CreatedAt)
	})

	if limit = clampLimit(limit); len(list) > limit {
		list = list[:limit]
	}
	return list, nil
}

func (m *memory) CountUnread(ctx context.Context, userID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	count := 0
	for _, n := range m.notifications {
		if n.UserID == userID && !n.Read {
			count++
		}
	}
	return count, nil
}

// ownedNotification returns the notification if userID is its recipient. Callers hold m.mu.
func (m *memory) ownedNotification(userID, notificationID string) (*model.Notification, error) {
	n, exists := m.notifications[notificationID]
	if !exists {
		return nil, ErrNotFound
	}
	if n.UserID != userID {
		return nil, ErrForbidden
	}
	return n, nil
}

func (m *memory) MarkNotificationRead(ctx context.Context, userID, notificationID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	n, err := m.ownedNotification(userID, notificationID)
	if err != nil {
		return err
	}
	n.Read = true
	return nil
}

func (m *memory) MarkAllNotificationsRead(ctx context.Context, userID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	count := 0
	for _, n := range m.notifications {
		if n.UserID == userID && !n.Read {
			n.Read = true
			count++
		}
	}
	return count, nil
}

func (m *memory) DeleteNotification(ctx context.Context, userID, notificationID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, err := m.ownedNotification(userID, notificationID); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil // Already gone
		}
		return err
	}
	delete(m.notifications, notificationID)
	return nil
}

func (m *memory) DeleteReadNotifications(ctx context.Context, userID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	count := 0
	for id, n := range m.notifications {
		if n.UserID == userID && n.Read {
			delete(m.notifications, id)
			count++
		}
	}
	return count, nil
}
