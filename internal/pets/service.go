// Package pets registers pets, issues their scannable codes and serves the
// public profile a finder lands on after scanning one.
package pets

import (
	"context"
	"crypto/rand"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"time"

	lterrors "github.com/Million1701/Lulutracker-sub000/internal/errors"
	"github.com/Million1701/Lulutracker-sub000/internal/geo"
	"github.com/Million1701/Lulutracker-sub000/internal/identity"
	"github.com/Million1701/Lulutracker-sub000/internal/model"
	"github.com/Million1701/Lulutracker-sub000/internal/schema"
	"github.com/Million1701/Lulutracker-sub000/internal/storage"
	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

const (
	codeLength       = 10               // Random ULID characters kept in a code
	codeAttempts     = 3                // Retries on a code collision
	photoURLLifetime = 15 * time.Minute // Presigned upload lifetime
)

// photoExtensions maps accepted photo types to object key extensions.
var photoExtensions = map[string]string{
	"image/jpeg": ".jpg",
	"image/png":  ".png",
	"image/webp": ".webp",
	"image/gif":  ".gif",
}

// PhotoSigner issues upload URLs for pet photos.
type PhotoSigner interface {
	PresignPhotoUpload(ctx context.Context, key, contentType string, expires time.Duration) (string, error)
	ObjectURL(key string) string
}

// Service manages pets on behalf of their owners.
type Service struct {
	store         storage.Store
	validator     *schema.Validator
	photos        PhotoSigner
	publicBaseURL string
	logger        *slog.Logger
}

// NewService creates a pet service. A nil photos signer disables photo uploads.
// publicBaseURL prefixes the profile URL encoded into a pet's tag.
func NewService(store storage.Store, validator *schema.Validator, photos PhotoSigner, publicBaseURL string) *Service {
	return &Service{
		store:         store,
		validator:     validator,
		photos:        photos,
		publicBaseURL: strings.TrimRight(publicBaseURL, "/"),
		logger:        slog.Default().With("component", "pets"),
	}
}

func wrapStoreErr(err error, message string) *lterrors.Error {
	switch {
	case stderrors.Is(err, storage.ErrNotFound):
		return lterrors.Wrap(lterrors.LT_NOT_FOUND, "This pet does not exist.", err)
	case stderrors.Is(err, storage.ErrForbidden):
		return lterrors.Wrap(lterrors.LT_FORBIDDEN, "You do not own this pet.", err)
	case stderrors.Is(err, storage.ErrConflict):
		return lterrors.Wrap(lterrors.LT_CONFLICT, "This pet is already registered.", err)
	}
	return lterrors.Wrap(lterrors.LT_PET_FAILED, message, err)
}

func currentOwner(ctx context.Context) (string, error) {
	user, err := identity.CurrentUser(ctx)
	if err != nil {
		return "", lterrors.Wrap(lterrors.LT_AUTHN, "Sign in to manage your pets.", err)
	}
	return user.ID, nil
}

// NewCode returns a scannable code: the random tail of a fresh ULID.
func NewCode() (string, error) {
	id, err := ulid.New(ulid.Now(), rand.Reader)
	if err != nil {
		return "", fmt.Errorf("failed to generate pet code: %w", err)
	}
	s := id.String()
	return s[len(s)-codeLength:], nil
}

// ProfileURL is the address encoded into the tag of the pet with code.
func (s *Service) ProfileURL(code string) string {
	return s.publicBaseURL + "/p/" + code
}

// Register creates a pet owned by the caller with status normal.
func (s *Service) Register(ctx context.Context, payload []byte) (*model.RegisterPetResponse, error) {
	ownerID, err := currentOwner(ctx)
	if err != nil {
		return nil, err
	}
	if err := s.validator.Validate(schema.KindPetRegister, payload); err != nil {
		var ve *schema.ValidationError
		if stderrors.As(err, &ve) {
			return nil, lterrors.NewWithDetails(lterrors.LT_VALIDATION, "Some pet details are missing or too long.", "", ve.Fields)
		}
		return nil, lterrors.Wrap(lterrors.LT_INTERNAL, "The pet details could not be checked.", err)
	}

	var req model.RegisterPetRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, lterrors.Wrap(lterrors.LT_BAD_REQUEST, "The pet details are not valid JSON.", err)
	}

	now := time.Now().UTC()
	pet := model.Pet{
		ID:          uuid.New().String(),
		OwnerID:     ownerID,
		Name:        strings.TrimSpace(req.Name),
		Species:     strings.TrimSpace(req.Species),
		Breed:       req.Breed,
		Description: req.Description,
		Status:      model.PetStatusNormal,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	for attempt := 1; ; attempt++ {
		if pet.Code, err = NewCode(); err != nil {
			return nil, lterrors.Wrap(lterrors.LT_INTERNAL, "We couldn't register your pet.", err)
		}
		err = s.store.CreatePet(ctx, pet)
		if err == nil {
			break
		}
		if !stderrors.Is(err, storage.ErrConflict) || attempt == codeAttempts {
			return nil, wrapStoreErr(err, "We couldn't register your pet.")
		}
		s.logger.Warn("pet code collision", "pet_id", pet.ID, "attempt", attempt)
	}

	s.logger.Info("pet registered", "pet_id", pet.ID, "user_id", ownerID)
	return &model.RegisterPetResponse{Pet: pet, ProfileURL: s.ProfileURL(pet.Code)}, nil
}

// List returns the caller's pets, oldest first.
func (s *Service) List(ctx context.Context) ([]model.Pet, error) {
	ownerID, err := currentOwner(ctx)
	if err != nil {
		return nil, err
	}
	pets, err := s.store.ListPetsByOwner(ctx, ownerID)
	if err != nil {
		return nil, wrapStoreErr(err, "We couldn't load your pets.")
	}
	return pets, nil
}

// PublicProfile resolves a scanned code. It needs no authentication. The
// userAgent decides whether the page may locate the finder without a tap.
func (s *Service) PublicProfile(ctx context.Context, code, userAgent string) (*model.PublicProfileResponse, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	if code == "" {
		return nil, lterrors.New(lterrors.LT_VALIDATION, "A pet code is required.", "")
	}
	pet, err := s.store.GetPetByCode(ctx, code)
	if err != nil {
		return nil, wrapStoreErr(err, "We couldn't load this pet.")
	}
	return &model.PublicProfileResponse{
		Pet:        pet.Public(),
		AutoLocate: !geo.RequiresUserGesture(userAgent),
	}, nil
}

// PhotoUpload issues a presigned URL for a new photo of the caller's pet and
// points the pet at the object the browser is about to upload.
func (s *Service) PhotoUpload(ctx context.Context, petID, contentType string) (*model.PhotoUploadResponse, error) {
	if s.photos == nil {
		return nil, lterrors.New(lterrors.LT_NOT_IMPLEMENTED, "Photo uploads are not configured.", "")
	}
	ownerID, err := currentOwner(ctx)
	if err != nil {
		return nil, err
	}
	ext, ok := photoExtensions[contentType]
	if !ok {
		return nil, lterrors.NewWithDetails(lterrors.LT_VALIDATION, "Photos must be JPEG, PNG, WebP or GIF images.", "", []string{"contentType"})
	}

	pet, err := s.store.GetPet(ctx, petID)
	if err != nil {
		return nil, wrapStoreErr(err, "We couldn't load this pet.")
	}
	if pet.OwnerID != ownerID {
		return nil, wrapStoreErr(storage.ErrForbidden, "")
	}

	key := path.Join("pets", petID, ulid.Make().String()+ext)
	uploadURL, err := s.photos.PresignPhotoUpload(ctx, key, contentType, photoURLLifetime)
	if err != nil {
		return nil, lterrors.Wrap(lterrors.LT_UNAVAILABLE, "Photo uploads are unavailable right now.", err)
	}
	photoURL := s.photos.ObjectURL(key)
	if err := s.store.SetPetPhoto(ctx, ownerID, petID, photoURL); err != nil {
		return nil, wrapStoreErr(err, "We couldn't save the photo.")
	}

	return &model.PhotoUploadResponse{
		UploadURL: uploadURL,
		PhotoURL:  photoURL,
		ExpiresAt: time.Now().UTC().Add(photoURLLifetime),
	}, nil
}
