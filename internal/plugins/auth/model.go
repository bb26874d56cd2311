// Package auth owns user identity for Fablenest: credentials, the per-user
// session ledger, bearer-token verification, the sign-in flows (password,
// Google, anonymous), and unusual sign-in detection.
//
// This is a CORE plugin -- always enabled, cannot be disabled.
package auth

import (
	"time"
)

// Role values stored in users.role.
const (
	RoleUser     = "user"
	RoleAdmin    = "admin"
	RoleEmployee = "employee"
)

// Email confirmation states.
const (
	EmailPending   = "pending"
	EmailConfirmed = "confirmed"
)

// Authentication providers.
const (
	ProviderPassword = "password"
	ProviderGoogle   = "google"
)

// Account kinds. An anonymous account becomes "converted" when the user
// registers real credentials onto it.
const (
	AccountAnonymous  = "anonymous"
	AccountRegistered = "registered"
	AccountConverted  = "converted"
)

// GeoPoint is a latitude/longitude pair reported by a client at sign-in.
type GeoPoint struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// DeviceInfo identifies one client installation. The full 4-tuple must match
// a stored record for a device to count as "known".
type DeviceInfo struct {
	DeviceType       string `json:"device_type"`
	OS               string `json:"os"`
	AppVersion       string `json:"app_version"`
	UniqueIdentifier string `json:"unique_identifier"`
}

// IsZero reports whether no device information was supplied.
func (d DeviceInfo) IsZero() bool {
	return d == DeviceInfo{}
}

// Session is one logged-in client instance, stored inside the user's
// sessions JSON column. The server never stores the raw bearer token, only
// its SHA-256 hex digest. Validity is the computed predicate
// `now < ExpiresAt` over this single collection.
type Session struct {
	TokenHash  string     `json:"token_hash"`
	Device     DeviceInfo `json:"device"`
	IPAddress  string     `json:"ip_address"`
	LastActive time.Time  `json:"last_active"`
	ExpiresAt  time.Time  `json:"expires_at"`
	// Unverified marks sessions issued without a confirmed email address
	// (anonymous accounts).
	Unverified bool `json:"unverified,omitempty"`
}

// PurchaseRecord is the per-story chapter ledger inside users.purchased.
// Chapters holds 0-based indices the user has paid for.
type PurchaseRecord struct {
	StoryID  string `json:"story_id"`
	Chapters []int  `json:"chapters"`
}

// User is the domain model for the users table. Array/document state lives
// in JSON columns; every mutation of those columns goes through the
// version-checked conditional save.
type User struct {
	ID          string `json:"id"`
	Email       string `json:"email"`
	Username    string `json:"username"`
	Firstname   string `json:"firstname"`
	Lastname    string `json:"lastname"`
	Photo       string `json:"photo,omitempty"`
	Role        string `json:"role"`
	EmailStatus string `json:"email_status"`

	AuthProvider string  `json:"auth_provider"`
	GoogleID     *string `json:"-"`

	IsAnonymous bool    `json:"is_anonymous"`
	AnonymousID *string `json:"-"`
	AccountType string  `json:"account_type"`
	// Temporary marks shell accounts that were never completed.
	Temporary bool `json:"-"`

	PasswordHash    string   `json:"-"` // Never expose in JSON responses.
	PasswordHistory []string `json:"-"` // Last 5 bcrypt hashes, FIFO.
	TokenVersion    int      `json:"-"`

	VerificationTokenHash    *string    `json:"-"`
	VerificationTokenExpires *time.Time `json:"-"`

	Sessions []Session `json:"-"`

	// Known device fingerprints, capped at the most recent entries.
	Locations   []GeoPoint   `json:"-"`
	IPAddresses []string     `json:"-"`
	Devices     []DeviceInfo `json:"-"`

	Vouchers int `json:"vouchers"`
	Coins    int `json:"coins"`
	// Free true = restricted tier; false = premium (full access).
	Free            bool             `json:"free"`
	Purchased       []PurchaseRecord `json:"purchased"`
	LastVoucherTime *time.Time       `json:"-"`

	Likes          []string `json:"likes"`
	ReadList       []string `json:"read_list"`
	ReadListLength int      `json:"read_list_length"`

	Version   int64     `json:"-"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"-"`
}

// IsStaff reports whether the user may perform curation/adjustment actions.
func (u *User) IsStaff() bool {
	return u.Role == RoleAdmin || u.Role == RoleEmployee
}

// PurchaseFor returns the purchase record for a story, or nil if the user
// has never bought a chapter of it.
func (u *User) PurchaseFor(storyID string) *PurchaseRecord {
	for i := range u.Purchased {
		if u.Purchased[i].StoryID == storyID {
			return &u.Purchased[i]
		}
	}
	return nil
}

// --- Request DTOs (bound from HTTP requests) ---

// RegisterRequest is the body of POST /register.
type RegisterRequest struct {
	Email       string     `json:"email"`
	Password    string     `json:"password"`
	Firstname   string     `json:"firstname"`
	Lastname    string     `json:"lastname"`
	Device      DeviceInfo `json:"device"`
	AnonymousID string     `json:"anonymous_id,omitempty"`
}

// LoginRequest is the body of POST /login. Location is optional; clients
// without geolocation permission omit it.
type LoginRequest struct {
	Email    string     `json:"email"`
	Password string     `json:"password"`
	Device   DeviceInfo `json:"device"`
	Location *GeoPoint  `json:"location,omitempty"`
}

// AnonymousRequest is the body of POST /anonymous.
type AnonymousRequest struct {
	Device DeviceInfo `json:"device"`
}

// GoogleRequest is the body of POST /google.
type GoogleRequest struct {
	IDToken  string     `json:"id_token"`
	Device   DeviceInfo `json:"device"`
	Location *GeoPoint  `json:"location,omitempty"`
}

// VerifyRequest carries the emailed 6-digit code for the unusual sign-in
// and confirm-email flows.
type VerifyRequest struct {
	Token    string     `json:"token"`
	Device   DeviceInfo `json:"device"`
	Location *GeoPoint  `json:"location,omitempty"`
}

// EmailRequest is the body of resend-verification and forgot-password.
type EmailRequest struct {
	Email string `json:"email"`
}

// ResetPasswordRequest is the body of POST /reset-password.
type ResetPasswordRequest struct {
	Token    string `json:"token"`
	Password string `json:"password"`
}

// ChangePasswordRequest is the body of PUT /password.
type ChangePasswordRequest struct {
	OldPassword string `json:"old_password"`
	NewPassword string `json:"new_password"`
}

// ChangeUsernameRequest is the body of PUT /username.
type ChangeUsernameRequest struct {
	Username string `json:"username"`
}

// --- Service input DTOs ---

// Observation is what a sign-in attempt reveals about the client. Used by
// the change detector and recorded into the known-fingerprint sets.
type Observation struct {
	Device    DeviceInfo
	IPAddress string
	Location  *GeoPoint
}

// RegisterInput is the validated input for creating (or converting) an
// account.
type RegisterInput struct {
	Email       string
	Password    string
	Firstname   string
	Lastname    string
	AnonymousID string
	Observation Observation
}

// LoginInput is the validated input for a password sign-in.
type LoginInput struct {
	Email       string
	Password    string
	Observation Observation
}

// GoogleInput is the validated input for a Google sign-in.
type GoogleInput struct {
	IDToken     string
	Observation Observation
}
