package notifications

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/fablenest/fablenest/internal/apperror"
)

// NotificationRepository defines the data access contract for the feed and
// the push device registry. Notifications are append-and-flag records, not
// read-modify-write documents, so there is no version column here: reads
// and flag flips are single atomic statements.
type NotificationRepository interface {
	Create(ctx context.Context, n *Notification) error
	FindByID(ctx context.Context, id string) (*Notification, error)
	ListByRecipient(ctx context.Context, recipientID string, unreadOnly bool) ([]Notification, error)

	// MarkRead flips one notification; reports whether a row changed.
	MarkRead(ctx context.Context, id, recipientID string) (bool, error)

	// MarkAllRead flips every unread notification for the recipient and
	// returns how many actually changed (zero on the second call).
	MarkAllRead(ctx context.Context, recipientID string) (int, error)

	Delete(ctx context.Context, id, recipientID string) error

	// RecentExists reports whether an identical notification (recipient,
	// type, title) was created after the cutoff. Used for dedup.
	RecentExists(ctx context.Context, recipientID, notifType, title string, since time.Time) (bool, error)

	// DeleteOlderThan removes notifications past retention; returns the
	// number swept.
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error)

	// --- Push device registry ---

	UpsertDevice(ctx context.Context, d *Device) error
	ListActiveDevices(ctx context.Context, userID string) ([]Device, error)
	CountDevices(ctx context.Context, userID string) (int, error)

	// DeviceExists reports whether the user already has a registration
	// for the given unique identifier.
	DeviceExists(ctx context.Context, userID, uniqueIdentifier string) (bool, error)
	DeleteOldestDevice(ctx context.Context, userID string) error
	DeactivateDeviceByToken(ctx context.Context, fcmToken string) error
	MarkSentToDevice(ctx context.Context, id string) error
}

type notificationRepository struct {
	db *sql.DB
}

// NewNotificationRepository creates a notification repository backed by the
// given DB pool.
func NewNotificationRepository(db *sql.DB) NotificationRepository {
	return &notificationRepository{db: db}
}

const notificationColumns = "id, recipient_id, type, title, message, data, `read`, sent_to_device, created_at"

func scanNotification(row interface{ Scan(dest ...any) error }) (*Notification, error) {
	var (
		n    Notification
		data []byte
	)
	err := row.Scan(
		&n.ID, &n.RecipientID, &n.Type, &n.Title, &n.Message,
		&data, &n.Read, &n.SentToDevice, &n.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &n.Data); err != nil {
			return nil, fmt.Errorf("decoding notification data: %w", err)
		}
	}
	return &n, nil
}

func (r *notificationRepository) Create(ctx context.Context, n *Notification) error {
	data, err := json.Marshal(n.Data)
	if err != nil {
		return fmt.Errorf("encoding notification data: %w", err)
	}
	if string(data) == "null" {
		data = []byte("{}")
	}

	_, err = r.db.ExecContext(ctx,
		"INSERT INTO notifications (id, recipient_id, type, title, message, data) VALUES (?, ?, ?, ?, ?, ?)",
		n.ID, n.RecipientID, n.Type, n.Title, n.Message, data)
	if err != nil {
		return fmt.Errorf("inserting notification: %w", err)
	}
	return nil
}

func (r *notificationRepository) FindByID(ctx context.Context, id string) (*Notification, error) {
	n, err := scanNotification(r.db.QueryRowContext(ctx,
		`SELECT `+notificationColumns+` FROM notifications WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperror.NewNotFound("notification not found")
	}
	if err != nil {
		return nil, fmt.Errorf("querying notification: %w", err)
	}
	return n, nil
}

func (r *notificationRepository) ListByRecipient(ctx context.Context, recipientID string, unreadOnly bool) ([]Notification, error) {
	query := `SELECT ` + notificationColumns + ` FROM notifications WHERE recipient_id = ?`
	if unreadOnly {
		query += " AND `read` = FALSE"
	}
	query += ` ORDER BY created_at DESC`

	rows, err := r.db.QueryContext(ctx, query, recipientID)
	if err != nil {
		return nil, fmt.Errorf("listing notifications: %w", err)
	}
	defer rows.Close()

	out := []Notification{}
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning notification row: %w", err)
		}
		out = append(out, *n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating notification rows: %w", err)
	}
	return out, nil
}

func (r *notificationRepository) MarkRead(ctx context.Context, id, recipientID string) (bool, error) {
	result, err := r.db.ExecContext(ctx,
		"UPDATE notifications SET `read` = TRUE WHERE id = ? AND recipient_id = ? AND `read` = FALSE",
		id, recipientID)
	if err != nil {
		return false, fmt.Errorf("marking notification read: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("reading affected rows: %w", err)
	}
	return n > 0, nil
}

func (r *notificationRepository) MarkAllRead(ctx context.Context, recipientID string) (int, error) {
	result, err := r.db.ExecContext(ctx,
		"UPDATE notifications SET `read` = TRUE WHERE recipient_id = ? AND `read` = FALSE",
		recipientID)
	if err != nil {
		return 0, fmt.Errorf("marking all notifications read: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("reading affected rows: %w", err)
	}
	return int(n), nil
}

func (r *notificationRepository) Delete(ctx context.Context, id, recipientID string) error {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM notifications WHERE id = ? AND recipient_id = ?`, id, recipientID)
	if err != nil {
		return fmt.Errorf("deleting notification: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("reading affected rows: %w", err)
	}
	if n == 0 {
		return apperror.NewNotFound("notification not found")
	}
	return nil
}

func (r *notificationRepository) RecentExists(ctx context.Context, recipientID, notifType, title string, since time.Time) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM notifications
		 WHERE recipient_id = ? AND type = ? AND title = ? AND created_at > ?)`,
		recipientID, notifType, title, since).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("checking recent notification: %w", err)
	}
	return exists, nil
}

func (r *notificationRepository) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM notifications WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("sweeping notifications: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("reading affected rows: %w", err)
	}
	return int(n), nil
}

// --- Push device registry ---

// UpsertDevice inserts or refreshes the registration keyed by
// (user_id, unique_identifier).
func (r *notificationRepository) UpsertDevice(ctx context.Context, d *Device) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO push_devices
			(id, user_id, fcm_token, device_type, os, app_version, unique_identifier)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON DUPLICATE KEY UPDATE
			fcm_token = VALUES(fcm_token),
			device_type = VALUES(device_type),
			os = VALUES(os),
			app_version = VALUES(app_version),
			is_active = TRUE,
			last_used = CURRENT_TIMESTAMP`,
		d.ID, d.UserID, d.FCMToken, d.DeviceType, d.OS, d.AppVersion, d.UniqueIdentifier)
	if err != nil {
		return fmt.Errorf("upserting push device: %w", err)
	}
	return nil
}

func (r *notificationRepository) ListActiveDevices(ctx context.Context, userID string) ([]Device, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, user_id, fcm_token, device_type, os, app_version,
			unique_identifier, is_active, last_used, created_at
		 FROM push_devices WHERE user_id = ? AND is_active = TRUE
		 ORDER BY last_used DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("listing push devices: %w", err)
	}
	defer rows.Close()

	out := []Device{}
	for rows.Next() {
		var d Device
		err := rows.Scan(&d.ID, &d.UserID, &d.FCMToken, &d.DeviceType, &d.OS,
			&d.AppVersion, &d.UniqueIdentifier, &d.IsActive, &d.LastUsed, &d.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("scanning push device row: %w", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating push device rows: %w", err)
	}
	return out, nil
}

func (r *notificationRepository) CountDevices(ctx context.Context, userID string) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM push_devices WHERE user_id = ?`, userID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting push devices: %w", err)
	}
	return n, nil
}

func (r *notificationRepository) DeviceExists(ctx context.Context, userID, uniqueIdentifier string) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM push_devices
		 WHERE user_id = ? AND unique_identifier = ?)`,
		userID, uniqueIdentifier).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("checking push device registration: %w", err)
	}
	return exists, nil
}

func (r *notificationRepository) DeleteOldestDevice(ctx context.Context, userID string) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM push_devices WHERE user_id = ?
		 ORDER BY last_used ASC LIMIT 1`, userID)
	if err != nil {
		return fmt.Errorf("evicting oldest push device: %w", err)
	}
	return nil
}

func (r *notificationRepository) DeactivateDeviceByToken(ctx context.Context, fcmToken string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE push_devices SET is_active = FALSE WHERE fcm_token = ?`, fcmToken)
	if err != nil {
		return fmt.Errorf("deactivating push device: %w", err)
	}
	return nil
}

func (r *notificationRepository) MarkSentToDevice(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE notifications SET sent_to_device = TRUE WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("flagging notification delivery: %w", err)
	}
	return nil
}
