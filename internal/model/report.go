package model

import (
	"time"
)

// ReportStatus is the review state of a location report.
type ReportStatus string

const (
	ReportStatusPending   ReportStatus = "pending"   // Awaiting owner review
	ReportStatusVerified  ReportStatus = "verified"  // Owner confirmed the sighting
	ReportStatusDismissed ReportStatus = "dismissed" // Owner rejected or archived it
)

// Valid reports whether s is a known report status.
func (s ReportStatus) Valid() bool {
	switch s {
	case ReportStatusPending, ReportStatusVerified, ReportStatusDismissed:
		return true
	}
	return false
}

// Coordinates is a single WGS84 fix in decimal degrees.
type Coordinates struct {
	Latitude  float64  `json:"latitude"`
	Longitude float64  `json:"longitude"`
	Accuracy  *float64 `json:"accuracy,omitempty"` // Meters, when the platform reports it
}

// LocationReport represents a finder's sighting of a pet.
// This corresponds to the location_reports table in storage.
type LocationReport struct {
	ID         string       `json:"id" db:"id"`                       // Server-assigned identifier
	PetID      string       `json:"petId" db:"pet_id"`                // Pet the sighting is about
	Latitude   float64      `json:"latitude" db:"latitude"`           // Decimal degrees
	Longitude  float64      `json:"longitude" db:"longitude"`         // Decimal degrees
	Accuracy   *float64     `json:"accuracy,omitempty" db:"accuracy"` // Meters
	Address    *string      `json:"address,omitempty" db:"address"`   // Reverse-geocoded, best effort
	ReportedAt time.Time    `json:"reportedAt" db:"reported_at"`      // Set at creation
	Status     ReportStatus `json:"status" db:"status"`               // pending, verified or dismissed
}

// SubmitReportRequest represents the anonymous finder submission.
type SubmitReportRequest struct {
	Latitude  float64  `json:"latitude"`
	Longitude float64  `json:"longitude"`
	Accuracy  *float64 `json:"accuracy,omitempty"`
	Address   *string  `json:"address,omitempty"`
}

// UpdateReportStatusRequest represents the owner's status change of a report.
type UpdateReportStatusRequest struct {
	Status ReportStatus `json:"status"`
}

// PendingCountResponse carries the number of pending reports for a pet.
type PendingCountResponse struct {
	PetID   string `json:"petId"`
	Pending int    `json:"pending"`
}

// StatusChangeResponse is returned by the pet status reconciler.
type StatusChangeResponse struct {
	PetID          string    `json:"petId"`
	Status         PetStatus `json:"status"`
	DismissedCount int       `json:"dismissedCount"`
}
