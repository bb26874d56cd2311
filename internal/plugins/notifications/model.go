// Package notifications owns the in-app notification feed and the push
// device registry. Other plugins hand it events fire-and-forget; a failed
// notification never fails the operation that triggered it.
package notifications

import (
	"time"

	"github.com/fablenest/fablenest/internal/plugins/auth"
)

// Notification types. The set mirrors the ENUM on the notifications table.
const (
	TypeStoryUpdate     = "STORY_UPDATE"
	TypeNewLogin        = "NEW_LOGIN"
	TypePurchase        = "PURCHASE"
	TypeSystem          = "SYSTEM"
	TypeAchievement     = "ACHIEVEMENT"
	TypeVoucher         = "VOUCHER"
	TypeCoins           = "COINS"
	TypeSubscription    = "SUBSCRIPTION"
	TypeAuthorUpdate    = "AUTHOR_UPDATE"
	TypeReadingReminder = "READING_REMINDER"
	TypeTest            = "TEST"
)

// maxDevices caps the push registry per user; registering a sixth device
// evicts the oldest.
const maxDevices = 5

// dedupWindow suppresses identical notifications (same recipient, type and
// title) arriving in quick succession, e.g. a client retrying a login.
const dedupWindow = 10 * time.Minute

// retentionPeriod is how long notifications are kept before the sweep
// removes them.
const retentionPeriod = 30 * 24 * time.Hour

// Notification is one entry in a user's feed.
type Notification struct {
	ID           string            `json:"id"`
	RecipientID  string            `json:"recipient_id"`
	Type         string            `json:"type"`
	Title        string            `json:"title"`
	Message      string            `json:"message"`
	Data         map[string]string `json:"data,omitempty"`
	Read         bool              `json:"read"`
	SentToDevice bool              `json:"sent_to_device"`
	CreatedAt    time.Time         `json:"created_at"`
}

// Device is one push registration. A user holds at most maxDevices active
// registrations, unique per (user, unique_identifier).
type Device struct {
	ID               string    `json:"id"`
	UserID           string    `json:"user_id"`
	FCMToken         string    `json:"-"`
	DeviceType       string    `json:"device_type"`
	OS               string    `json:"os"`
	AppVersion       string    `json:"app_version"`
	UniqueIdentifier string    `json:"unique_identifier"`
	IsActive         bool      `json:"is_active"`
	LastUsed         time.Time `json:"last_used"`
	CreatedAt        time.Time `json:"created_at"`
}

// RegisterDeviceRequest is the body of the device registration endpoint.
type RegisterDeviceRequest struct {
	FCMToken string          `json:"fcm_token"`
	Device   auth.DeviceInfo `json:"device"`
}
