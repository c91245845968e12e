// Package notifications is the per-user notification store used by the controller
// and the notification endpoints.
package notifications

import (
	"context"
	stderrors "errors"
	"log/slog"

	lterrors "github.com/Million1701/Lulutracker-sub000/internal/errors"
	"github.com/Million1701/Lulutracker-sub000/internal/model"
	"github.com/Million1701/Lulutracker-sub000/internal/storage"
	"golang.org/x/sync/errgroup"
)

// Store is the subset of storage.Store the service needs.
type Store interface {
	ListNotifications(ctx context.Context, userID string, limit int, onlyUnread bool) ([]model.Notification, error)
	CountUnread(ctx context.Context, userID string) (int, error)
	MarkNotificationRead(ctx context.Context, userID, notificationID string) error
	MarkAllNotificationsRead(ctx context.Context, userID string) (int, error)
	DeleteNotification(ctx context.Context, userID, notificationID string) error
	DeleteReadNotifications(ctx context.Context, userID string) (int, error)
}

// Service wraps the store with typed errors.
type Service struct {
	store  Store
	logger *slog.Logger
}

// NewService creates a notification service.
func NewService(store Store) *Service {
	return &Service{store: store, logger: slog.Default().With("component", "notifications")}
}

func wrap(err error, message string) *lterrors.Error {
	switch {
	case stderrors.Is(err, storage.ErrNotFound):
		return lterrors.Wrap(lterrors.LT_NOT_FOUND, "This notification no longer exists.", err)
	case stderrors.Is(err, storage.ErrForbidden):
		return lterrors.Wrap(lterrors.LT_FORBIDDEN, "This notification belongs to someone else.", err)
	}
	return lterrors.Wrap(lterrors.LT_NOTIFICATION_FAILED, message, err)
}

// UnreadCount returns the unread count, or 0 when it cannot be read.
func (s *Service) UnreadCount(ctx context.Context, userID string) int {
	count, err := s.store.CountUnread(ctx, userID)
	if err != nil {
		s.logger.Warn("failed to count unread notifications", "user_id", userID, "error", err)
		return 0
	}
	return count
}

// List returns the newest notifications of userID. Limit is clamped to [1, 100]
// with 0 meaning the default of 50.
func (s *Service) List(ctx context.Context, userID string, limit int, onlyUnread bool) ([]model.Notification, error) {
	list, err := s.store.ListNotifications(ctx, userID, limit, onlyUnread)
	if err != nil {
		return nil, wrap(err, "We couldn't load your notifications.")
	}
	return list, nil
}

// Page loads a listing and the unread count together for a one-shot response.
func (s *Service) Page(ctx context.Context, userID string, limit int, onlyUnread bool) (model.ListNotificationsResult, error) {
	var page model.ListNotificationsResult
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		list, err := s.List(gctx, userID, limit, onlyUnread)
		page.Notifications = list
		return err
	})
	g.Go(func() error {
		page.UnreadCount = s.UnreadCount(gctx, userID)
		return nil
	})
	if err := g.Wait(); err != nil {
		return model.ListNotificationsResult{}, err
	}
	return page, nil
}

// MarkRead marks one notification read. Already read is a success.
func (s *Service) MarkRead(ctx context.Context, userID, notificationID string) error {
	if err := s.store.MarkNotificationRead(ctx, userID, notificationID); err != nil {
		return wrap(err, "We couldn't mark the notification as read.")
	}
	return nil
}

// MarkAllRead marks every unread notification read and returns how many changed.
func (s *Service) MarkAllRead(ctx context.Context, userID string) (int, error) {
	n, err := s.store.MarkAllNotificationsRead(ctx, userID)
	if err != nil {
		return 0, wrap(err, "We couldn't mark your notifications as read.")
	}
	return n, nil
}

// Delete removes one notification.
func (s *Service) Delete(ctx context.Context, userID, notificationID string) error {
	if err := s.store.DeleteNotification(ctx, userID, notificationID); err != nil {
		return wrap(err, "We couldn't delete the notification.")
	}
	return nil
}

// DeleteAllRead removes every read notification and returns how many went.
func (s *Service) DeleteAllRead(ctx context.Context, userID string) (int, error) {
	n, err := s.store.DeleteReadNotifications(ctx, userID)
	if err != nil {
		return 0, wrap(err, "We couldn't clear your read notifications.")
	}
	return n, nil
}
