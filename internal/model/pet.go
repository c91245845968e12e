// Package model defines the data structures used throughout the LuluTracker service.
// These structures represent the core domain objects for pets, location reports and notifications.
package model

import (
	"time"
)

// PetStatus is the lost/found state of a pet.
type PetStatus string

const (
	PetStatusNormal PetStatus = "normal" // Pet is at home
	PetStatusLost   PetStatus = "lost"   // Owner has flagged the pet as missing
	PetStatusFound  PetStatus = "found"  // Pet has been recovered
)

// Valid reports whether s is a known pet status.
func (s PetStatus) Valid() bool {
	switch s {
	case PetStatusNormal, PetStatusLost, PetStatusFound:
		return true
	}
	return false
}

// Pet represents a registered pet.
// Each pet carries a unique scannable code that resolves to its public profile.
// This corresponds to the pets table in storage.
type Pet struct {
	ID          string    `json:"id" db:"id"`                   // Unique pet identifier
	OwnerID     string    `json:"ownerId" db:"owner_id"`        // Owning user's identifier
	Name        string    `json:"name" db:"name"`               // Display name
	Species     string    `json:"species" db:"species"`         // e.g. dog, cat
	Breed       string    `json:"breed,omitempty" db:"breed"`   // Optional breed
	Description string    `json:"description,omitempty" db:"description"`
	PhotoURL    string    `json:"photoUrl,omitempty" db:"photo_url"`
	Code        string    `json:"code" db:"code"`               // Scannable public code
	Status      PetStatus `json:"status" db:"status"`           // normal, lost or found
	CreatedAt   time.Time `json:"createdAt" db:"created_at"`
	UpdatedAt   time.Time `json:"updatedAt" db:"updated_at"`
}

// PublicPet is the subset of a pet exposed on its public profile.
type PublicPet struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Species     string    `json:"species"`
	Breed       string    `json:"breed,omitempty"`
	Description string    `json:"description,omitempty"`
	PhotoURL    string    `json:"photoUrl,omitempty"`
	Status      PetStatus `json:"status"`
}

// Public strips owner-only fields from the pet.
func (p Pet) Public() PublicPet {
	return PublicPet{
		ID:          p.ID,
		Name:        p.Name,
		Species:     p.Species,
		Breed:       p.Breed,
		Description: p.Description,
		PhotoURL:    p.PhotoURL,
		Status:      p.Status,
	}
}

// User is the identity a session yields.
type User struct {
	ID    string `json:"id"`
	Email string `json:"email,omitempty"`
}

// RegisterPetRequest represents the request body for registering a pet.
type RegisterPetRequest struct {
	Name        string `json:"name"`
	Species     string `json:"species"`
	Breed       string `json:"breed,omitempty"`
	Description string `json:"description,omitempty"`
}

// RegisterPetResponse is returned after a pet is registered.
// ProfileURL is the address encoded into the pet's QR tag.
type RegisterPetResponse struct {
	Pet        Pet    `json:"pet"`
	ProfileURL string `json:"profileUrl"`
}

// UpdatePetStatusRequest represents the request body for a lost/found transition.
type UpdatePetStatusRequest struct {
	Status PetStatus `json:"status"`
}

// PublicProfileResponse is served to finders who scan a pet's code.
type PublicProfileResponse struct {
	Pet PublicPet `json:"pet"`
	// AutoLocate tells the page whether it may request geolocation on load.
	// It is false on platforms that only honour requests made from a user gesture.
	AutoLocate bool `json:"autoLocate"`
}

// PhotoUploadResponse carries a presigned upload URL for a pet photo.
type PhotoUploadResponse struct {
	UploadURL string    `json:"uploadUrl"`
	PhotoURL  string    `json:"photoUrl"`
	ExpiresAt time.Time `json:"expiresAt"`
}
