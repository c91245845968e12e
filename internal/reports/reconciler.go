package reports

import (
	"context"
	stderrors "errors"
	"log/slog"

	lterrors "github.com/Million1701/Lulutracker-sub000/internal/errors"
	"github.com/Million1701/Lulutracker-sub000/internal/metrics"
	"github.com/Million1701/Lulutracker-sub000/internal/model"
	"github.com/Million1701/Lulutracker-sub000/internal/storage"
	"go.opentelemetry.io/otel/attribute"
)

// Result is the outcome of a pet status change.
type Result struct {
	Pet            *model.Pet
	DismissedCount int
}

// Reconciler is the only writer of pet status. Marking a pet found archives its
// pending reports.
type Reconciler struct {
	store   storage.Store
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewReconciler creates a reconciler over store.
func NewReconciler(store storage.Store) *Reconciler {
	return &Reconciler{
		store:   store,
		metrics: metrics.NewMetrics(),
		logger:  slog.Default().With("component", "reconciler"),
	}
}

// HandleStatusChange persists status for the caller's pet. When status is found,
// pending reports are then dismissed. The status write is the operation: if the
// cascade fails afterwards the call still succeeds with DismissedCount 0.
func (r *Reconciler) HandleStatusChange(ctx context.Context, petID string, status model.PetStatus) (Result, error) {
	ctx, span := tracer.Start(ctx, "reconciler.HandleStatusChange")
	defer span.End()
	span.SetAttributes(attribute.String("pet_id", petID), attribute.String("status", string(status)))

	if !status.Valid() {
		return Result{}, lterrors.New(lterrors.LT_VALIDATION, "Unknown pet status.", "")
	}
	ownerID, err := currentOwner(ctx)
	if err != nil {
		return Result{}, err
	}

	pet, err := r.store.UpdatePetStatus(ctx, ownerID, petID, status)
	if err != nil {
		span.RecordError(err)
		r.metrics.ReconcileTotal.WithLabelValues("error", "skipped").Inc()
		switch {
		case stderrors.Is(err, storage.ErrNotFound):
			return Result{}, lterrors.Wrap(lterrors.LT_NOT_FOUND, "This pet does not exist.", err)
		case stderrors.Is(err, storage.ErrForbidden):
			return Result{}, lterrors.Wrap(lterrors.LT_FORBIDDEN, "You do not own this pet.", err)
		}
		return Result{}, lterrors.Wrap(lterrors.LT_PET_FAILED, "We couldn't update your pet's status. Please try again.", err)
	}

	result := Result{Pet: pet}
	if status != model.PetStatusFound {
		r.metrics.ReconcileTotal.WithLabelValues("success", "none").Inc()
		return result, nil
	}

	dismissed, err := r.store.DismissPendingReports(ctx, ownerID, petID)
	if err != nil {
		span.RecordError(err)
		r.logger.Error("failed to dismiss pending reports", "pet_id", petID, "user_id", ownerID, "error", err)
		r.metrics.ReconcileTotal.WithLabelValues("success", "failed").Inc()
		return result, nil
	}

	result.DismissedCount = dismissed
	r.metrics.ReconcileTotal.WithLabelValues("success", "dismissed").Inc()
	r.metrics.ReportsDismissedTotal.Add(float64(dismissed))
	r.logger.Info("pet marked found", "pet_id", petID, "dismissed", dismissed)
	return result, nil
}
