package model

import (
	"fmt"
	"time"
)

// NotificationType distinguishes report alerts from generic messages.
type NotificationType string

const (
	NotificationTypeLocationReport NotificationType = "location_report"
	NotificationTypeGeneral        NotificationType = "general"
)

// Notification represents a message addressed to exactly one user.
// This corresponds to the notifications table in storage.
type Notification struct {
	ID               string           `json:"id" db:"id"`
	UserID           string           `json:"userId" db:"user_id"`                                // Recipient
	Type             NotificationType `json:"type" db:"type"`                                     // location_report or general
	Title            string           `json:"title" db:"title"`
	Message          string           `json:"message" db:"message"`
	Read             bool             `json:"read" db:"read"`                                     // Monotonic false -> true
	LocationReportID *string          `json:"locationReportId,omitempty" db:"location_report_id"` // Back-reference
	CreatedAt        time.Time        `json:"createdAt" db:"created_at"`
}

// NewReportNotification builds the owner alert for a freshly inserted report.
func NewReportNotification(id string, pet Pet, report LocationReport) Notification {
	reportID := report.ID
	message := fmt.Sprintf("Someone reported seeing %s at %.5f, %.5f.", pet.Name, report.Latitude, report.Longitude)
	if report.Address != nil && *report.Address != "" {
		message = fmt.Sprintf("Someone reported seeing %s near %s.", pet.Name, *report.Address)
	}
	return Notification{
		ID:               id,
		UserID:           pet.OwnerID,
		Type:             NotificationTypeLocationReport,
		Title:            fmt.Sprintf("New location report for %s", pet.Name),
		Message:          message,
		LocationReportID: &reportID,
		CreatedAt:        report.ReportedAt,
	}
}

// ListNotificationsResult wraps a notification page.
type ListNotificationsResult struct {
	Notifications []Notification `json:"notifications"`
	UnreadCount   int            `json:"unreadCount"`
}

// UnreadCountResponse carries the unread counter.
type UnreadCountResponse struct {
	UnreadCount int `json:"unreadCount"`
}

// BulkResult carries the number of rows a bulk mutation touched.
type BulkResult struct {
	Affected int `json:"affected"`
}
