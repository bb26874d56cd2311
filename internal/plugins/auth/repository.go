package auth

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/fablenest/fablenest/internal/apperror"
	"github.com/fablenest/fablenest/internal/optimistic"
)

// UserRepository defines the data access contract for user records. All SQL
// lives in the concrete implementation -- no SQL leaks out. Save is the
// single mutation path for existing rows: it performs the version-checked
// conditional update that the optimistic helper retries on.
type UserRepository interface {
	Create(ctx context.Context, user *User) error
	FindByID(ctx context.Context, id string) (*User, error)
	FindByEmail(ctx context.Context, email string) (*User, error)
	FindByAnonymousID(ctx context.Context, anonymousID string) (*User, error)
	FindByGoogleID(ctx context.Context, googleID string) (*User, error)
	FindByVerificationTokenHash(ctx context.Context, tokenHash string) (*User, error)
	EmailExists(ctx context.Context, email string) (bool, error)
	UsernameExists(ctx context.Context, username string) (bool, error)

	// Save writes every mutable column WHERE id AND version match the
	// snapshot, incrementing version in the same statement. Returns
	// optimistic.ErrVersionConflict when a concurrent writer won.
	Save(ctx context.Context, user *User) error
}

// userRepository implements UserRepository with hand-written MariaDB queries.
type userRepository struct {
	db *sql.DB
}

// NewUserRepository creates a user repository backed by the given DB pool.
func NewUserRepository(db *sql.DB) UserRepository {
	return &userRepository{db: db}
}

// userColumns is the SELECT list shared by every find query. Order must
// match scanUser.
const userColumns = `id, email, username, firstname, lastname, photo, role, email_status,
	auth_provider, google_id, is_anonymous, anonymous_id, account_type, temporary,
	password_hash, password_history, token_version,
	verification_token_hash, verification_token_expires, sessions,
	locations, ip_addresses, devices,
	vouchers, coins, free, purchased, last_voucher_time,
	likes, read_list, read_list_length,
	version, created_at, updated_at`

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// scanUser reads one row in userColumns order, decoding the JSON document
// columns into their slice fields.
func scanUser(row rowScanner) (*User, error) {
	var (
		u           User
		history     []byte
		sessions    []byte
		locations   []byte
		ipAddresses []byte
		devices     []byte
		purchased   []byte
		likes       []byte
		readList    []byte
	)

	err := row.Scan(
		&u.ID, &u.Email, &u.Username, &u.Firstname, &u.Lastname, &u.Photo, &u.Role, &u.EmailStatus,
		&u.AuthProvider, &u.GoogleID, &u.IsAnonymous, &u.AnonymousID, &u.AccountType, &u.Temporary,
		&u.PasswordHash, &history, &u.TokenVersion,
		&u.VerificationTokenHash, &u.VerificationTokenExpires, &sessions,
		&locations, &ipAddresses, &devices,
		&u.Vouchers, &u.Coins, &u.Free, &purchased, &u.LastVoucherTime,
		&likes, &readList, &u.ReadListLength,
		&u.Version, &u.CreatedAt, &u.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	for _, col := range []struct {
		raw  []byte
		dest any
	}{
		{history, &u.PasswordHistory},
		{sessions, &u.Sessions},
		{locations, &u.Locations},
		{ipAddresses, &u.IPAddresses},
		{devices, &u.Devices},
		{purchased, &u.Purchased},
		{likes, &u.Likes},
		{readList, &u.ReadList},
	} {
		if len(col.raw) == 0 {
			continue
		}
		if err := json.Unmarshal(col.raw, col.dest); err != nil {
			return nil, fmt.Errorf("decoding user document column: %w", err)
		}
	}

	return &u, nil
}

// jsonColumns marshals the document columns for INSERT/UPDATE, in the same
// order both statements bind them.
func jsonColumns(u *User) ([][]byte, error) {
	out := make([][]byte, 0, 8)
	for _, v := range []any{
		u.PasswordHistory, u.Sessions, u.Locations, u.IPAddresses,
		u.Devices, u.Purchased, u.Likes, u.ReadList,
	} {
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encoding user document column: %w", err)
		}
		// A nil slice marshals to "null"; store an empty array instead so
		// reads stay uniform.
		if string(raw) == "null" {
			raw = []byte("[]")
		}
		out = append(out, raw)
	}
	return out, nil
}

// Create inserts a new user row. Version starts at 0.
func (r *userRepository) Create(ctx context.Context, user *User) error {
	docs, err := jsonColumns(user)
	if err != nil {
		return err
	}

	query := `INSERT INTO users (
		id, email, username, firstname, lastname, photo, role, email_status,
		auth_provider, google_id, is_anonymous, anonymous_id, account_type, temporary,
		password_hash, password_history, token_version,
		verification_token_hash, verification_token_expires, sessions,
		locations, ip_addresses, devices,
		vouchers, coins, free, purchased, last_voucher_time,
		likes, read_list, read_list_length)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err = r.db.ExecContext(ctx, query,
		user.ID, user.Email, user.Username, user.Firstname, user.Lastname, user.Photo, user.Role, user.EmailStatus,
		user.AuthProvider, user.GoogleID, user.IsAnonymous, user.AnonymousID, user.AccountType, user.Temporary,
		user.PasswordHash, docs[0], user.TokenVersion,
		user.VerificationTokenHash, user.VerificationTokenExpires, docs[1],
		docs[2], docs[3], docs[4],
		user.Vouchers, user.Coins, user.Free, docs[5], user.LastVoucherTime,
		docs[6], docs[7], user.ReadListLength,
	)
	if err != nil {
		return fmt.Errorf("inserting user: %w", err)
	}

	return nil
}

// FindByID retrieves a user by UUID.
// Returns apperror.NotFound if no user exists with this ID.
func (r *userRepository) FindByID(ctx context.Context, id string) (*User, error) {
	return r.findOne(ctx, `SELECT `+userColumns+` FROM users WHERE id = ?`, id)
}

// FindByEmail retrieves a user by email address.
func (r *userRepository) FindByEmail(ctx context.Context, email string) (*User, error) {
	return r.findOne(ctx, `SELECT `+userColumns+` FROM users WHERE email = ?`, email)
}

// FindByAnonymousID retrieves an anonymous (or converted) user by the device
// fingerprint it was created from.
func (r *userRepository) FindByAnonymousID(ctx context.Context, anonymousID string) (*User, error) {
	return r.findOne(ctx, `SELECT `+userColumns+` FROM users WHERE anonymous_id = ?`, anonymousID)
}

// FindByGoogleID retrieves a user by their Google subject ID.
func (r *userRepository) FindByGoogleID(ctx context.Context, googleID string) (*User, error) {
	return r.findOne(ctx, `SELECT `+userColumns+` FROM users WHERE google_id = ?`, googleID)
}

// FindByVerificationTokenHash retrieves the user holding an outstanding
// verification token. Expiry is checked by the caller so expired lookups can
// report a distinct message.
func (r *userRepository) FindByVerificationTokenHash(ctx context.Context, tokenHash string) (*User, error) {
	return r.findOne(ctx, `SELECT `+userColumns+` FROM users WHERE verification_token_hash = ?`, tokenHash)
}

func (r *userRepository) findOne(ctx context.Context, query string, arg any) (*User, error) {
	user, err := scanUser(r.db.QueryRowContext(ctx, query, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperror.NewNotFound("user not found")
	}
	if err != nil {
		return nil, fmt.Errorf("querying user: %w", err)
	}
	return user, nil
}

// EmailExists returns true if a user with the given email already exists.
// Used during registration to check for duplicates before hashing.
func (r *userRepository) EmailExists(ctx context.Context, email string) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM users WHERE email = ?)`, email).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("checking email existence: %w", err)
	}
	return exists, nil
}

// UsernameExists returns true if the username is taken. Used by the
// collision-retry loop in the username generator.
func (r *userRepository) UsernameExists(ctx context.Context, username string) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM users WHERE username = ?)`, username).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("checking username existence: %w", err)
	}
	return exists, nil
}

// Save persists every mutable field of the snapshot conditionally on its
// version. On success the in-memory Version is advanced to match the row.
func (r *userRepository) Save(ctx context.Context, user *User) error {
	docs, err := jsonColumns(user)
	if err != nil {
		return err
	}

	query := `UPDATE users SET
		email = ?, username = ?, firstname = ?, lastname = ?, photo = ?, role = ?, email_status = ?,
		auth_provider = ?, google_id = ?, is_anonymous = ?, anonymous_id = ?, account_type = ?, temporary = ?,
		password_hash = ?, password_history = ?, token_version = ?,
		verification_token_hash = ?, verification_token_expires = ?, sessions = ?,
		locations = ?, ip_addresses = ?, devices = ?,
		vouchers = ?, coins = ?, free = ?, purchased = ?, last_voucher_time = ?,
		likes = ?, read_list = ?, read_list_length = ?,
		version = version + 1
	WHERE id = ? AND version = ?`

	result, err := r.db.ExecContext(ctx, query,
		user.Email, user.Username, user.Firstname, user.Lastname, user.Photo, user.Role, user.EmailStatus,
		user.AuthProvider, user.GoogleID, user.IsAnonymous, user.AnonymousID, user.AccountType, user.Temporary,
		user.PasswordHash, docs[0], user.TokenVersion,
		user.VerificationTokenHash, user.VerificationTokenExpires, docs[1],
		docs[2], docs[3], docs[4],
		user.Vouchers, user.Coins, user.Free, docs[5], user.LastVoucherTime,
		docs[6], docs[7], user.ReadListLength,
		user.ID, user.Version,
	)
	if err != nil {
		return fmt.Errorf("saving user: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("reading affected rows: %w", err)
	}
	if n == 0 {
		return optimistic.ErrVersionConflict
	}

	user.Version++
	return nil
}
