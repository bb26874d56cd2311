package notifications

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/fablenest/fablenest/internal/apperror"
	"github.com/fablenest/fablenest/internal/plugins/auth"
	"github.com/fablenest/fablenest/internal/push"
)

// sideEffectTimeout bounds the fire-and-forget helpers so a slow push
// provider cannot pile up goroutines forever.
const sideEffectTimeout = 30 * time.Second

// NotificationService is the business logic layer for the feed and push
// dispatch. The Notify* helpers satisfy the notifier interfaces of the auth,
// wallet and stories plugins; they run asynchronously and never report
// failure to their caller.
type NotificationService interface {
	List(ctx context.Context, userID string, unreadOnly bool) ([]Notification, error)
	MarkRead(ctx context.Context, userID, id string) (bool, error)
	MarkAllRead(ctx context.Context, userID string) (int, error)
	Delete(ctx context.Context, userID, id string) error

	RegisterDevice(ctx context.Context, userID string, req RegisterDeviceRequest) (*Device, error)

	// Dispatch stores a notification and pushes it to the recipient's
	// active devices. Duplicates inside the dedup window are dropped.
	Dispatch(ctx context.Context, recipientID, notifType, title, message string, data map[string]string) error

	// Sweep removes notifications past retention and returns how many went.
	Sweep(ctx context.Context) (int, error)

	// RunRetentionLoop sweeps on the given interval until ctx is done.
	RunRetentionLoop(ctx context.Context, interval time.Duration)

	// --- Fire-and-forget helpers for other plugins ---

	NotifyNewLogin(userID string, device auth.DeviceInfo, ip string)
	NotifySecurity(userID, title, message string)
	NotifyGift(recipientID, senderUsername string, coins int)
	NotifyPurchase(userID, storyTitle string, chapters []int, cost int)
}

type notificationService struct {
	repo   NotificationRepository
	sender push.Sender
}

// NewNotificationService creates the notification service.
func NewNotificationService(repo NotificationRepository, sender push.Sender) NotificationService {
	return &notificationService{repo: repo, sender: sender}
}

// --- Feed ---

func (s *notificationService) List(ctx context.Context, userID string, unreadOnly bool) ([]Notification, error) {
	return s.repo.ListByRecipient(ctx, userID, unreadOnly)
}

// MarkRead flips one notification. Reports false when it was already read;
// an unknown ID is a 404.
func (s *notificationService) MarkRead(ctx context.Context, userID, id string) (bool, error) {
	changed, err := s.repo.MarkRead(ctx, id, userID)
	if err != nil {
		return false, apperror.NewInternal(err)
	}
	if changed {
		return true, nil
	}

	// Distinguish "already read" from "not yours / not there".
	n, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return false, err
	}
	if n.RecipientID != userID {
		return false, apperror.NewNotFound("notification not found")
	}
	return false, nil
}

// MarkAllRead is idempotent: the second call reports zero modified.
func (s *notificationService) MarkAllRead(ctx context.Context, userID string) (int, error) {
	n, err := s.repo.MarkAllRead(ctx, userID)
	if err != nil {
		return 0, apperror.NewInternal(err)
	}
	return n, nil
}

func (s *notificationService) Delete(ctx context.Context, userID, id string) error {
	return s.repo.Delete(ctx, id, userID)
}

// --- Device registry ---

// RegisterDevice upserts the registration keyed by the device's unique
// identifier and keeps the per-user registry at the cap by evicting the
// least recently used entry first.
func (s *notificationService) RegisterDevice(ctx context.Context, userID string, req RegisterDeviceRequest) (*Device, error) {
	if strings.TrimSpace(req.FCMToken) == "" {
		return nil, apperror.NewBadRequest("fcm_token is required")
	}
	if req.Device.UniqueIdentifier == "" {
		return nil, apperror.NewBadRequest("device unique_identifier is required")
	}

	// The upsert replaces an existing row for this identifier, so only a
	// genuinely new device can push the registry over the cap.
	known, err := s.repo.DeviceExists(ctx, userID, req.Device.UniqueIdentifier)
	if err != nil {
		return nil, apperror.NewInternal(err)
	}
	if !known {
		count, err := s.repo.CountDevices(ctx, userID)
		if err != nil {
			return nil, apperror.NewInternal(err)
		}
		if count >= maxDevices {
			if err := s.repo.DeleteOldestDevice(ctx, userID); err != nil {
				return nil, apperror.NewInternal(err)
			}
		}
	}

	device := &Device{
		ID:               uuid.NewString(),
		UserID:           userID,
		FCMToken:         req.FCMToken,
		DeviceType:       orUnknown(req.Device.DeviceType),
		OS:               orUnknown(req.Device.OS),
		AppVersion:       orUnknown(req.Device.AppVersion),
		UniqueIdentifier: req.Device.UniqueIdentifier,
		IsActive:         true,
	}
	if err := s.repo.UpsertDevice(ctx, device); err != nil {
		return nil, apperror.NewInternal(err)
	}

	slog.Info("push device registered",
		"user_id", userID, "device", device.UniqueIdentifier)
	return device, nil
}

// --- Dispatch ---

func (s *notificationService) Dispatch(ctx context.Context, recipientID, notifType, title, message string, data map[string]string) error {
	duplicate, err := s.repo.RecentExists(ctx, recipientID, notifType, title,
		time.Now().Add(-dedupWindow))
	if err != nil {
		return apperror.NewInternal(err)
	}
	if duplicate {
		slog.Debug("duplicate notification suppressed",
			"recipient_id", recipientID, "type", notifType, "title", title)
		return nil
	}

	n := &Notification{
		ID:          uuid.NewString(),
		RecipientID: recipientID,
		Type:        notifType,
		Title:       title,
		Message:     message,
		Data:        data,
	}
	if err := s.repo.Create(ctx, n); err != nil {
		return apperror.NewInternal(err)
	}

	s.pushToDevices(ctx, n)
	return nil
}

// pushToDevices fans the notification out to the recipient's active
// registrations. No devices is a quiet success; tokens the provider reports
// as gone are deactivated.
func (s *notificationService) pushToDevices(ctx context.Context, n *Notification) {
	devices, err := s.repo.ListActiveDevices(ctx, n.RecipientID)
	if err != nil {
		slog.Warn("push device lookup failed", "recipient_id", n.RecipientID, "error", err)
		return
	}
	if len(devices) == 0 {
		return
	}

	msg := push.Message{Title: n.Title, Body: n.Message, Data: n.Data}
	delivered := false
	for _, d := range devices {
		result := s.sender.Send(ctx, d.FCMToken, msg)
		switch {
		case result.Delivered:
			delivered = true
		case result.Unregistered:
			if err := s.repo.DeactivateDeviceByToken(ctx, d.FCMToken); err != nil {
				slog.Warn("device deactivation failed", "device_id", d.ID, "error", err)
			} else {
				slog.Info("stale push device deactivated",
					"user_id", n.RecipientID, "device", d.UniqueIdentifier)
			}
		default:
			slog.Warn("push delivery failed",
				"device_id", d.ID, "error", result.Err)
		}
	}

	if delivered {
		if err := s.repo.MarkSentToDevice(ctx, n.ID); err != nil {
			slog.Warn("delivery flag update failed", "notification_id", n.ID, "error", err)
		}
	}
}

// --- Retention ---

func (s *notificationService) Sweep(ctx context.Context) (int, error) {
	n, err := s.repo.DeleteOlderThan(ctx, time.Now().Add(-retentionPeriod))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		slog.Info("notifications swept", "removed", n)
	}
	return n, nil
}

func (s *notificationService) RunRetentionLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil {
				slog.Error("retention sweep failed", "error", err)
			}
		}
	}
}

// --- Fire-and-forget helpers ---

func (s *notificationService) NotifyNewLogin(userID string, device auth.DeviceInfo, ip string) {
	where := device.DeviceType
	if where == "" {
		where = "a new device"
	}
	s.dispatchAsync(userID, TypeNewLogin, "New sign-in",
		fmt.Sprintf("Your account was just signed in from %s (%s).", where, ip),
		map[string]string{"ip": ip})
}

func (s *notificationService) NotifySecurity(userID, title, message string) {
	s.dispatchAsync(userID, TypeSystem, title, message, nil)
}

func (s *notificationService) NotifyGift(recipientID, senderUsername string, coins int) {
	s.dispatchAsync(recipientID, TypeCoins, "You received a gift",
		fmt.Sprintf("%s sent you %d coins.", senderUsername, coins),
		map[string]string{"sender": senderUsername})
}

func (s *notificationService) NotifyPurchase(userID, storyTitle string, chapters []int, cost int) {
	s.dispatchAsync(userID, TypePurchase, "Chapters unlocked",
		fmt.Sprintf("You unlocked %d chapter(s) of %q for %d vouchers.",
			len(chapters), storyTitle, cost),
		map[string]string{"story": storyTitle})
}

func (s *notificationService) dispatchAsync(recipientID, notifType, title, message string, data map[string]string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), sideEffectTimeout)
		defer cancel()
		if err := s.Dispatch(ctx, recipientID, notifType, title, message, data); err != nil {
			slog.Error("notification dispatch failed",
				"recipient_id", recipientID, "type", notifType, "error", err)
		}
	}()
}

func orUnknown(v string) string {
	if v == "" {
		return "unknown"
	}
	return v
}
