// Package notify records user-visible notifications. A notification entity
// is persisted for every send regardless of delivery outcome; the external
// channel (email, push, webhook) is pluggable and best-effort.
package notify

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/shareloop/shareloop/internal/model"
	"github.com/shareloop/shareloop/internal/store"
)

// Sender delivers a notification over an external channel.
type Sender interface {
	Send(ctx context.Context, n *model.Notification) error
	// Channel names the delivery channel for the notification record.
	Channel() string
}

// LogSender writes deliveries to the log. It is the default channel when no
// external integration is configured.
type LogSender struct {
	Logger *slog.Logger
}

// Send logs the notification.
func (s LogSender) Send(_ context.Context, n *model.Notification) error {
	s.Logger.Info("notify: deliver",
		"user", n.UserID, "type", n.Type, "title", n.Title, "entity", n.EntityID, "message", n.Message)
	return nil
}

func (LogSender) Channel() string { return "log" }

// Notifier persists notifications and hands them to the delivery channel
// when the user's preferences allow.
type Notifier struct {
	repos  *store.Repositories
	sender Sender
	logger *slog.Logger
}

// New creates a notifier. sender may be nil; persistence still happens.
func New(repos *store.Repositories, sender Sender, logger *slog.Logger) *Notifier {
	return &Notifier{repos: repos, sender: sender, logger: logger}
}

// Notify records a notification for userID. Delivery is skipped when the
// user opted out of this type, but the record is written either way so the
// in-app inbox stays complete. DeliveryChannels on the record names every
// channel the notification went to, in-app included.
func (n *Notifier) Notify(ctx context.Context, userID uuid.UUID, t model.NotificationType, title, message string, entityID uuid.UUID) error {
	deliver := n.sender != nil
	profile, ok, err := n.repos.Profiles.Get(ctx, userID)
	if err != nil {
		n.logger.Warn("notify: load profile", "user", userID, "error", err)
		deliver = false
	}
	if ok && !profile.WantsNotification(t) {
		deliver = false
	}

	channels := []string{"in_app"}
	if deliver {
		channels = append(channels, n.sender.Channel())
	}
	record := &model.Notification{
		UserID:           userID,
		Type:             t,
		Title:            title,
		EntityID:         entityID,
		Message:          message,
		DeliveryChannels: channels,
	}
	saved, err := n.repos.Notifications.Put(ctx, record)
	if err != nil {
		return fmt.Errorf("notify: persist: %w", err)
	}

	if deliver {
		if err := n.sender.Send(ctx, saved); err != nil {
			n.logger.Warn("notify: delivery failed", "user", userID, "type", t, "error", err)
		}
	}
	return nil
}

// Inbox returns the user's notifications, newest first.
func (n *Notifier) Inbox(ctx context.Context, userID uuid.UUID, limit int) ([]*model.Notification, error) {
	return n.repos.Notifications.QueryByOwner(ctx, userID, limit)
}

// MarkRead flips a notification to read. Only the owner may do so.
func (n *Notifier) MarkRead(ctx context.Context, userID, notificationID uuid.UUID) (*model.Notification, error) {
	rec, err := n.repos.Notifications.GetOrFail(ctx, notificationID)
	if err != nil {
		return nil, err
	}
	if rec.UserID != userID {
		return nil, fmt.Errorf("notify: %w", store.ErrNotFound)
	}
	if rec.Read {
		return rec, nil
	}
	rec.Read = true
	return n.repos.Notifications.Put(ctx, rec)
}
