// Package reports manages finder sightings of pets: the anonymous create path,
// owner listings and status changes, and the reconciliation of a pet being found.
package reports

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"log/slog"
	"time"

	lterrors "github.com/Million1701/Lulutracker-sub000/internal/errors"
	"github.com/Million1701/Lulutracker-sub000/internal/geo"
	"github.com/Million1701/Lulutracker-sub000/internal/identity"
	"github.com/Million1701/Lulutracker-sub000/internal/metrics"
	"github.com/Million1701/Lulutracker-sub000/internal/model"
	"github.com/Million1701/Lulutracker-sub000/internal/schema"
	"github.com/Million1701/Lulutracker-sub000/internal/storage"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

var tracer = otel.Tracer("lulutracker/reports")

// geocodeTimeout bounds the best-effort address lookup on submission.
const geocodeTimeout = 3 * time.Second

// Service is the location report store used by finder and dashboard views.
type Service struct {
	store     storage.Store
	validator *schema.Validator
	geocoder  geo.Geocoder
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

// NewService creates a report service. A nil geocoder disables address lookup.
func NewService(store storage.Store, validator *schema.Validator, geocoder geo.Geocoder) *Service {
	if geocoder == nil {
		geocoder = geo.NopGeocoder{}
	}
	return &Service{
		store:     store,
		validator: validator,
		geocoder:  geocoder,
		metrics:   metrics.NewMetrics(),
		logger:    slog.Default().With("component", "reports"),
	}
}

// wrapStoreErr maps a storage failure to a typed error with a human message.
func wrapStoreErr(err error, message string) *lterrors.Error {
	switch {
	case stderrors.Is(err, storage.ErrNotFound):
		return lterrors.Wrap(lterrors.LT_NOT_FOUND, "The pet or report does not exist.", err)
	case stderrors.Is(err, storage.ErrForbidden):
		return lterrors.Wrap(lterrors.LT_FORBIDDEN, "You do not own this pet.", err)
	case stderrors.Is(err, storage.ErrConflict):
		return lterrors.Wrap(lterrors.LT_CONFLICT, "The report already exists.", err)
	}
	return lterrors.Wrap(lterrors.LT_REPORT_FAILED, message, err)
}

func currentOwner(ctx context.Context) (string, error) {
	user, err := identity.CurrentUser(ctx)
	if err != nil {
		return "", lterrors.Wrap(lterrors.LT_AUTHN, "Sign in to manage your pets' reports.", err)
	}
	return user.ID, nil
}

// Create records a sighting. It needs no authentication and always starts pending.
func (s *Service) Create(ctx context.Context, petID string, coords model.Coordinates, address *string) (*model.LocationReport, error) {
	ctx, span := tracer.Start(ctx, "reports.Create")
	defer span.End()
	span.SetAttributes(attribute.String("pet_id", petID))

	if petID == "" {
		return nil, lterrors.New(lterrors.LT_VALIDATION, "A pet is required.", "")
	}
	if !geo.ValidCoordinates(coords.Latitude, coords.Longitude) {
		return nil, lterrors.New(lterrors.LT_VALIDATION, "The location is not a valid point.", "")
	}
	if coords.Accuracy != nil && *coords.Accuracy < 0 {
		return nil, lterrors.New(lterrors.LT_VALIDATION, "Accuracy cannot be negative.", "")
	}

	report, err := s.store.CreateReport(ctx, model.LocationReport{
		PetID:     petID,
		Latitude:  coords.Latitude,
		Longitude: coords.Longitude,
		Accuracy:  coords.Accuracy,
		Address:   address,
	})
	if err != nil {
		span.RecordError(err)
		return nil, wrapStoreErr(err, "We couldn't send your report. Please try again.")
	}

	s.metrics.ReportsSubmitted.Inc()
	s.logger.Info("location report created", "report_id", report.ID, "pet_id", petID)
	return report, nil
}

// Submit validates a raw finder payload, fills in the address when the client did
// not send one, and creates the report.
func (s *Service) Submit(ctx context.Context, petID string, payload []byte) (*model.LocationReport, error) {
	if err := s.validator.Validate(schema.KindReportSubmit, payload); err != nil {
		var ve *schema.ValidationError
		if stderrors.As(err, &ve) {
			return nil, lterrors.NewWithDetails(lterrors.LT_VALIDATION, "The report is incomplete.", "", ve.Fields)
		}
		return nil, lterrors.Wrap(lterrors.LT_INTERNAL, "The report could not be checked.", err)
	}

	var req model.SubmitReportRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, lterrors.Wrap(lterrors.LT_BAD_REQUEST, "The report is not valid JSON.", err)
	}

	// The finder's browser already took the fix; acquisition validates and classifies it
	var geocoder geo.Geocoder = s.geocoder
	if req.Address != nil && *req.Address != "" {
		geocoder = nil
	}
	gctx, cancel := context.WithTimeout(ctx, geocodeTimeout)
	located, err := geo.LocateWithAddress(gctx, geo.StaticSource{Coordinates: model.Coordinates{
		Latitude:  req.Latitude,
		Longitude: req.Longitude,
		Accuracy:  req.Accuracy,
	}}, geocoder, false)
	cancel()
	if err != nil {
		var ge *geo.Error
		if stderrors.As(err, &ge) {
			return nil, lterrors.Wrap(lterrors.LT_VALIDATION, ge.Message(), err)
		}
		return nil, lterrors.Wrap(lterrors.LT_VALIDATION, "The location could not be read.", err)
	}
	if geocoder == nil {
		located.Address = req.Address
	}

	return s.Create(ctx, petID, located.Coordinates, located.Address)
}

// ListByPet lists the caller's pet's reports, newest first.
func (s *Service) ListByPet(ctx context.Context, petID string) ([]model.LocationReport, error) {
	ownerID, err := currentOwner(ctx)
	if err != nil {
		return nil, err
	}
	reports, err := s.store.ListReportsByPet(ctx, ownerID, petID)
	if err != nil {
		return nil, wrapStoreErr(err, "We couldn't load the reports for this pet.")
	}
	return reports, nil
}

// ListForOwner lists the reports of every pet the caller owns, newest first.
func (s *Service) ListForOwner(ctx context.Context) ([]model.LocationReport, error) {
	ctx, span := tracer.Start(ctx, "reports.ListForOwner")
	defer span.End()

	ownerID, err := currentOwner(ctx)
	if err != nil {
		return nil, err
	}

	pets, err := s.store.ListPetsByOwner(ctx, ownerID)
	if err != nil {
		return nil, wrapStoreErr(err, "We couldn't load your pets.")
	}
	if len(pets) == 0 {
		return []model.LocationReport{}, nil
	}

	ids := make([]string, len(pets))
	for i, p := range pets {
		ids[i] = p.ID
	}
	reports, err := s.store.ListReportsByPets(ctx, ids)
	if err != nil {
		return nil, wrapStoreErr(err, "We couldn't load your reports.")
	}
	return reports, nil
}

// UpdateStatus moves a report to status on the owner's behalf.
func (s *Service) UpdateStatus(ctx context.Context, reportID string, status model.ReportStatus) (*model.LocationReport, error) {
	if !status.Valid() {
		return nil, lterrors.New(lterrors.LT_VALIDATION, "Unknown report status.", "")
	}
	ownerID, err := currentOwner(ctx)
	if err != nil {
		return nil, err
	}
	report, err := s.store.UpdateReportStatus(ctx, ownerID, reportID, status)
	if err != nil {
		return nil, wrapStoreErr(err, "We couldn't update the report.")
	}
	return report, nil
}

// Delete removes a report on the owner's behalf.
func (s *Service) Delete(ctx context.Context, reportID string) error {
	ownerID, err := currentOwner(ctx)
	if err != nil {
		return err
	}
	if err := s.store.DeleteReport(ctx, ownerID, reportID); err != nil {
		return wrapStoreErr(err, "We couldn't delete the report.")
	}
	return nil
}

// CountPending returns the pending report count, or 0 when it cannot be read.
func (s *Service) CountPending(ctx context.Context, petID string) int {
	ownerID, err := currentOwner(ctx)
	if err != nil {
		return 0
	}
	count, err := s.store.CountReportsByStatus(ctx, ownerID, petID, model.ReportStatusPending)
	if err != nil {
		s.logger.Warn("failed to count pending reports", "pet_id", petID, "error", err)
		return 0
	}
	return count
}
