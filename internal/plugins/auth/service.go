package auth

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/fablenest/fablenest/internal/apperror"
	"github.com/fablenest/fablenest/internal/config"
	"github.com/fablenest/fablenest/internal/mailer"
	"github.com/fablenest/fablenest/internal/oauth"
	"github.com/fablenest/fablenest/internal/optimistic"
)

// signupVoucherBonus is granted once on account creation (password, Google,
// or anonymous conversion).
const signupVoucherBonus = 500

// dailyVoucherBonus is granted during token validation when at least 24h
// have passed since the last grant.
const (
	dailyVoucherBonus  = 10
	voucherBonusWindow = 24 * time.Hour
)

// passwordHistorySize is how many previous bcrypt hashes are kept for the
// reuse check. FIFO: the oldest falls off when a sixth is pushed.
const passwordHistorySize = 5

const minPasswordLength = 8

// Notifier is the narrow surface the auth flows need from the notifications
// plugin. Implementations must be safe to call fire-and-forget; failures are
// logged there, never here.
type Notifier interface {
	NotifyNewLogin(userID string, device DeviceInfo, ip string)
	NotifySecurity(userID, title, message string)
}

// AuthService defines the business logic contract for authentication.
// Handlers call these methods -- they never touch the repository directly.
type AuthService interface {
	Register(ctx context.Context, input RegisterInput) (*User, error)
	Login(ctx context.Context, input LoginInput) (token string, user *User, err error)
	AnonymousSession(ctx context.Context, obs Observation) (token string, user *User, err error)
	GoogleSignIn(ctx context.Context, input GoogleInput) (token string, user *User, err error)

	ConfirmEmail(ctx context.Context, code string, obs Observation) (token string, user *User, err error)
	ConfirmUnusualSignIn(ctx context.Context, code string, obs Observation) (token string, user *User, err error)
	ResendVerification(ctx context.Context, email string) error

	ForgotPassword(ctx context.Context, email string) error
	ResetPassword(ctx context.Context, code, newPassword string) error
	ChangePassword(ctx context.Context, userID, oldPassword, newPassword string) error
	ChangeUsername(ctx context.Context, userID, username string) (*User, error)

	SignOut(ctx context.Context, userID, rawToken string) error

	// ValidateToken is the identity-verifier primitive behind RequireAuth:
	// signature + expiry, token_version match, session-ledger membership,
	// lazy pruning, last-active touch, and the daily voucher grant.
	ValidateToken(ctx context.Context, rawToken string) (*User, error)
}

// authService implements AuthService with bcrypt hashing and the version-
// checked session ledger on the users row.
type authService struct {
	repo            UserRepository
	tokens          *TokenManager
	mail            mailer.Mailer
	google          oauth.Verifier
	notifier        Notifier
	maxSessions     int
	verificationTTL time.Duration
}

// NewAuthService creates the auth service. notifier may be nil (no-op) to
// break the construction cycle with the notifications plugin; wire the real
// one with SetNotifier once both exist.
func NewAuthService(repo UserRepository, tokens *TokenManager, mail mailer.Mailer, google oauth.Verifier, notifier Notifier, cfg config.AuthConfig) AuthService {
	if notifier == nil {
		notifier = noopNotifier{}
	}
	return &authService{
		repo:            repo,
		tokens:          tokens,
		mail:            mail,
		google:          google,
		notifier:        notifier,
		maxSessions:     cfg.MaxSessions,
		verificationTTL: cfg.VerificationTTL,
	}
}

// SetNotifier swaps in the real notifier after the notifications plugin is
// constructed.
func SetNotifier(s AuthService, n Notifier) {
	if svc, ok := s.(*authService); ok && n != nil {
		svc.notifier = n
	}
}

// --- Registration ---

// Register creates a password account, or converts an anonymous account in
// place when a known anonymous_id is supplied. No session is issued: the
// email must be confirmed first.
func (s *authService) Register(ctx context.Context, input RegisterInput) (*User, error) {
	email := normalizeEmail(input.Email)
	if err := validateCredentials(email, input.Password); err != nil {
		return nil, err
	}

	if input.AnonymousID != "" {
		anon, err := s.repo.FindByAnonymousID(ctx, input.AnonymousID)
		if err == nil && anon.IsAnonymous {
			return s.convertAnonymous(ctx, anon.ID, email, input)
		}
		// Unknown anonymous id: fall through to a fresh registration.
	}

	exists, err := s.repo.EmailExists(ctx, email)
	if err != nil {
		return nil, apperror.NewInternal(fmt.Errorf("checking email: %w", err))
	}
	if exists {
		return nil, apperror.NewConflict("an account with this email is already registered")
	}

	hash, err := hashPassword(input.Password)
	if err != nil {
		return nil, apperror.NewInternal(fmt.Errorf("hashing password: %w", err))
	}

	username, err := GenerateUsername(ctx, s.repo.UsernameExists)
	if err != nil {
		return nil, apperror.NewInternal(err)
	}

	code, err := GenerateVerificationCode()
	if err != nil {
		return nil, apperror.NewInternal(err)
	}
	codeHash := HashToken(code)
	expires := time.Now().UTC().Add(s.verificationTTL)

	user := &User{
		ID:           uuid.NewString(),
		Email:        email,
		Username:     username,
		Firstname:    strings.TrimSpace(input.Firstname),
		Lastname:     strings.TrimSpace(input.Lastname),
		Role:         RoleUser,
		EmailStatus:  EmailPending,
		AuthProvider: ProviderPassword,
		AccountType:  AccountRegistered,

		PasswordHash:    hash,
		PasswordHistory: []string{hash},

		VerificationTokenHash:    &codeHash,
		VerificationTokenExpires: &expires,

		Vouchers: signupVoucherBonus,
		Free:     true,

		CreatedAt: time.Now().UTC(),
	}
	RecordObservation(user, input.Observation)

	if err := s.repo.Create(ctx, user); err != nil {
		return nil, apperror.NewInternal(fmt.Errorf("creating user: %w", err))
	}

	s.sendMail(user.Email, mailer.TemplateConfirmEmail, mailer.Data{Name: user.Firstname, Token: code})

	slog.Info("user registered",
		slog.String("user_id", user.ID),
		slog.String("username", user.Username),
	)

	return user, nil
}

// convertAnonymous upgrades an anonymous account in place: real credentials,
// pending email status, signup bonus. Purchases, balances, and social state
// carry over untouched.
func (s *authService) convertAnonymous(ctx context.Context, userID, email string, input RegisterInput) (*User, error) {
	exists, err := s.repo.EmailExists(ctx, email)
	if err != nil {
		return nil, apperror.NewInternal(fmt.Errorf("checking email: %w", err))
	}
	if exists {
		return nil, apperror.NewConflict("an account with this email is already registered")
	}

	hash, err := hashPassword(input.Password)
	if err != nil {
		return nil, apperror.NewInternal(fmt.Errorf("hashing password: %w", err))
	}

	code, err := GenerateVerificationCode()
	if err != nil {
		return nil, apperror.NewInternal(err)
	}
	codeHash := HashToken(code)
	expires := time.Now().UTC().Add(s.verificationTTL)

	user, err := optimistic.Update(ctx, optimistic.DefaultAttempts,
		func(ctx context.Context) (*User, error) { return s.repo.FindByID(ctx, userID) },
		func(u *User) error {
			u.Email = email
			u.Firstname = strings.TrimSpace(input.Firstname)
			u.Lastname = strings.TrimSpace(input.Lastname)
			u.PasswordHash = hash
			u.PasswordHistory = pushHistory(u.PasswordHistory, hash)
			u.IsAnonymous = false
			u.Temporary = false
			u.AccountType = AccountConverted
			u.EmailStatus = EmailPending
			u.Vouchers += signupVoucherBonus
			u.VerificationTokenHash = &codeHash
			u.VerificationTokenExpires = &expires
			RecordObservation(u, input.Observation)
			return nil
		},
		s.repo.Save,
	)
	if err != nil {
		return nil, err
	}

	s.sendMail(user.Email, mailer.TemplateConfirmEmail, mailer.Data{Name: user.Firstname, Token: code})

	slog.Info("anonymous account converted", slog.String("user_id", user.ID))

	return user, nil
}

// --- Login ---

// Login authenticates by email and password. Unknown emails get a clean 404
// with no side effects; shell accounts are never auto-created. A sign-in
// from an unrecognized device/IP/location is not completed: a verification
// code is emailed and the caller gets verification_required.
func (s *authService) Login(ctx context.Context, input LoginInput) (string, *User, error) {
	user, err := s.repo.FindByEmail(ctx, normalizeEmail(input.Email))
	if err != nil {
		if apperror.SafeCode(err) == 404 {
			return "", nil, apperror.NewNotFound("no account with this email")
		}
		return "", nil, apperror.NewInternal(fmt.Errorf("finding user: %w", err))
	}

	if !verifyPassword(input.Password, user.PasswordHash) {
		return "", nil, apperror.NewInvalidCredentials()
	}

	if user.EmailStatus == EmailPending {
		// Re-issue the confirmation code so the user can complete signup.
		if code, err := s.issueVerificationToken(ctx, user.ID); err == nil {
			s.sendMail(user.Email, mailer.TemplateConfirmEmail, mailer.Data{Name: user.Firstname, Token: code})
		} else {
			slog.Warn("failed to re-issue confirmation code", slog.String("user_id", user.ID), slog.Any("error", err))
		}
		return "", nil, apperror.NewUnverifiedEmail()
	}

	if ObservationChanged(user, input.Observation) {
		if code, err := s.issueVerificationToken(ctx, user.ID); err == nil {
			s.sendMail(user.Email, mailer.TemplateUnusualSignIn, mailer.Data{Name: user.Firstname, Token: code})
		} else {
			slog.Warn("failed to issue unusual sign-in code", slog.String("user_id", user.ID), slog.Any("error", err))
		}
		slog.Info("unusual sign-in challenged",
			slog.String("user_id", user.ID),
			slog.String("ip", input.Observation.IPAddress),
		)
		return "", nil, apperror.NewVerificationRequired()
	}

	token, updated, err := s.createSession(ctx, user, input.Observation, false)
	if err != nil {
		return "", nil, err
	}

	s.notifier.NotifyNewLogin(user.ID, input.Observation.Device, input.Observation.IPAddress)

	slog.Info("user logged in", slog.String("user_id", user.ID))

	return token, updated, nil
}

// AnonymousSession finds or creates the device-bound anonymous account and
// always issues a session: there is no email to verify. Abuse is contained
// by the per-IP rate limit on the route.
func (s *authService) AnonymousSession(ctx context.Context, obs Observation) (string, *User, error) {
	if obs.Device.UniqueIdentifier == "" {
		return "", nil, apperror.NewBadRequest("device unique identifier is required")
	}

	user, err := s.repo.FindByAnonymousID(ctx, obs.Device.UniqueIdentifier)
	if err != nil {
		if apperror.SafeCode(err) != 404 {
			return "", nil, apperror.NewInternal(fmt.Errorf("finding anonymous user: %w", err))
		}
		user, err = s.createAnonymousUser(ctx, obs)
		if err != nil {
			return "", nil, err
		}
	}

	token, updated, err := s.createSession(ctx, user, obs, true)
	if err != nil {
		return "", nil, err
	}
	return token, updated, nil
}

func (s *authService) createAnonymousUser(ctx context.Context, obs Observation) (*User, error) {
	username, err := GenerateUsername(ctx, s.repo.UsernameExists)
	if err != nil {
		return nil, apperror.NewInternal(err)
	}

	// Random unusable password: anonymous accounts sign in by device
	// fingerprint only, until converted.
	hash, err := hashPassword(randomHex(16))
	if err != nil {
		return nil, apperror.NewInternal(fmt.Errorf("hashing placeholder password: %w", err))
	}

	anonID := obs.Device.UniqueIdentifier
	user := &User{
		ID:           uuid.NewString(),
		Email:        fmt.Sprintf("anon_%d_%s@fablenest.app", time.Now().Unix(), randomHex(4)),
		Username:     username,
		Role:         RoleUser,
		EmailStatus:  EmailConfirmed,
		AuthProvider: ProviderPassword,
		IsAnonymous:  true,
		AnonymousID:  &anonID,
		AccountType:  AccountAnonymous,
		PasswordHash: hash,
		Free:         true,
		CreatedAt:    time.Now().UTC(),
	}
	RecordObservation(user, obs)

	if err := s.repo.Create(ctx, user); err != nil {
		return nil, apperror.NewInternal(fmt.Errorf("creating anonymous user: %w", err))
	}

	slog.Info("anonymous user created", slog.String("user_id", user.ID))

	return user, nil
}

// GoogleSignIn verifies the ID token server-side and resolves or provisions
// the account. An email/password account with the same address is refused --
// accounts are never silently merged across providers.
func (s *authService) GoogleSignIn(ctx context.Context, input GoogleInput) (string, *User, error) {
	ident, err := s.google.Verify(ctx, input.IDToken)
	if err != nil {
		return "", nil, err
	}

	user, err := s.repo.FindByGoogleID(ctx, ident.Subject)
	if err != nil && apperror.SafeCode(err) != 404 {
		return "", nil, apperror.NewInternal(fmt.Errorf("finding user by google id: %w", err))
	}

	if user == nil {
		user, err = s.repo.FindByEmail(ctx, normalizeEmail(ident.Email))
		switch {
		case err == nil:
			if user.AuthProvider != ProviderGoogle {
				return "", nil, apperror.NewAuthMethodMismatch(
					"this email is registered with a password; sign in with your password instead")
			}
		case apperror.SafeCode(err) == 404:
			user, err = s.createGoogleUser(ctx, ident, input.Observation)
			if err != nil {
				return "", nil, err
			}
		default:
			return "", nil, apperror.NewInternal(fmt.Errorf("finding user by email: %w", err))
		}
	}

	token, err := s.tokens.Mint(user)
	if err != nil {
		return "", nil, apperror.NewInternal(err)
	}

	subject := ident.Subject
	updated, err := optimistic.Update(ctx, optimistic.DefaultAttempts,
		func(ctx context.Context) (*User, error) { return s.repo.FindByID(ctx, user.ID) },
		func(u *User) error {
			// Refresh the provider profile on every sign-in.
			u.GoogleID = &subject
			if ident.Picture != "" {
				u.Photo = ident.Picture
			}
			RecordObservation(u, input.Observation)
			u.AddSession(newSession(token, input.Observation, s.tokens.TTL(), false), s.maxSessions)
			return nil
		},
		s.repo.Save,
	)
	if err != nil {
		return "", nil, err
	}

	slog.Info("google sign-in", slog.String("user_id", updated.ID))

	return token, updated, nil
}

func (s *authService) createGoogleUser(ctx context.Context, ident *oauth.Identity, obs Observation) (*User, error) {
	username, err := GenerateUsername(ctx, s.repo.UsernameExists)
	if err != nil {
		return nil, apperror.NewInternal(err)
	}

	// Random unusable password: this account can only sign in via Google.
	hash, err := hashPassword(randomHex(16))
	if err != nil {
		return nil, apperror.NewInternal(fmt.Errorf("hashing placeholder password: %w", err))
	}

	firstname, lastname := splitName(ident.Name)
	subject := ident.Subject
	user := &User{
		ID:        uuid.NewString(),
		Email:     normalizeEmail(ident.Email),
		Username:  username,
		Firstname: firstname,
		Lastname:  lastname,
		Photo:     ident.Picture,
		Role:      RoleUser,
		// The provider already verified the address.
		EmailStatus:  EmailConfirmed,
		AuthProvider: ProviderGoogle,
		GoogleID:     &subject,
		AccountType:  AccountRegistered,
		PasswordHash: hash,
		Vouchers:     signupVoucherBonus,
		Free:         true,
		CreatedAt:    time.Now().UTC(),
	}
	RecordObservation(user, obs)

	if err := s.repo.Create(ctx, user); err != nil {
		return nil, apperror.NewInternal(fmt.Errorf("creating google user: %w", err))
	}

	s.sendMail(user.Email, mailer.TemplateWelcome, mailer.Data{Name: user.Firstname})

	slog.Info("google user provisioned", slog.String("user_id", user.ID))

	return user, nil
}

// --- Verification flows ---

// ConfirmEmail completes registration: the emailed code flips the account to
// confirmed, a welcome email goes out, and the first session is issued.
func (s *authService) ConfirmEmail(ctx context.Context, code string, obs Observation) (string, *User, error) {
	user, err := s.lookupVerificationToken(ctx, code)
	if err != nil {
		return "", nil, err
	}

	token, err := s.tokens.Mint(user)
	if err != nil {
		return "", nil, apperror.NewInternal(err)
	}

	updated, err := optimistic.Update(ctx, optimistic.DefaultAttempts,
		func(ctx context.Context) (*User, error) { return s.repo.FindByID(ctx, user.ID) },
		func(u *User) error {
			u.EmailStatus = EmailConfirmed
			u.VerificationTokenHash = nil
			u.VerificationTokenExpires = nil
			RecordObservation(u, obs)
			u.AddSession(newSession(token, obs, s.tokens.TTL(), false), s.maxSessions)
			return nil
		},
		s.repo.Save,
	)
	if err != nil {
		return "", nil, err
	}

	s.sendMail(updated.Email, mailer.TemplateWelcome, mailer.Data{Name: updated.Firstname})

	slog.Info("email confirmed", slog.String("user_id", updated.ID))

	return token, updated, nil
}

// ConfirmUnusualSignIn is the only path that completes a login blocked by
// the change detector: the emailed code proves mailbox access, the new
// fingerprint is remembered, and a session is issued.
func (s *authService) ConfirmUnusualSignIn(ctx context.Context, code string, obs Observation) (string, *User, error) {
	user, err := s.lookupVerificationToken(ctx, code)
	if err != nil {
		return "", nil, err
	}

	token, err := s.tokens.Mint(user)
	if err != nil {
		return "", nil, apperror.NewInternal(err)
	}

	updated, err := optimistic.Update(ctx, optimistic.DefaultAttempts,
		func(ctx context.Context) (*User, error) { return s.repo.FindByID(ctx, user.ID) },
		func(u *User) error {
			u.VerificationTokenHash = nil
			u.VerificationTokenExpires = nil
			RecordObservation(u, obs)
			u.AddSession(newSession(token, obs, s.tokens.TTL(), false), s.maxSessions)
			return nil
		},
		s.repo.Save,
	)
	if err != nil {
		return "", nil, err
	}

	slog.Info("unusual sign-in verified", slog.String("user_id", updated.ID))

	return token, updated, nil
}

// ResendVerification re-issues the confirmation code for a pending account.
func (s *authService) ResendVerification(ctx context.Context, email string) error {
	user, err := s.repo.FindByEmail(ctx, normalizeEmail(email))
	if err != nil {
		if apperror.SafeCode(err) == 404 {
			return apperror.NewNotFound("no account with this email")
		}
		return apperror.NewInternal(fmt.Errorf("finding user: %w", err))
	}
	if user.EmailStatus != EmailPending {
		return apperror.NewBadRequest("email is already verified")
	}

	code, err := s.issueVerificationToken(ctx, user.ID)
	if err != nil {
		return err
	}
	s.sendMail(user.Email, mailer.TemplateConfirmEmail, mailer.Data{Name: user.Firstname, Token: code})
	return nil
}

// lookupVerificationToken resolves an emailed code to its user and enforces
// expiry. The code is single-use: callers clear the token fields in the same
// conditional update that consumes it.
func (s *authService) lookupVerificationToken(ctx context.Context, code string) (*User, error) {
	user, err := s.repo.FindByVerificationTokenHash(ctx, HashToken(code))
	if err != nil {
		if apperror.SafeCode(err) == 404 {
			return nil, apperror.NewBadRequest("invalid or expired verification code")
		}
		return nil, apperror.NewInternal(fmt.Errorf("finding verification token: %w", err))
	}
	if user.VerificationTokenExpires == nil || !user.VerificationTokenExpires.After(time.Now().UTC()) {
		return nil, apperror.NewBadRequest("invalid or expired verification code")
	}
	return user, nil
}

// issueVerificationToken generates a fresh code and stores its hash and
// expiry on the user, replacing any outstanding code. Returns the plaintext
// code for emailing.
func (s *authService) issueVerificationToken(ctx context.Context, userID string) (string, error) {
	code, err := GenerateVerificationCode()
	if err != nil {
		return "", apperror.NewInternal(err)
	}
	codeHash := HashToken(code)
	expires := time.Now().UTC().Add(s.verificationTTL)

	_, err = optimistic.Update(ctx, optimistic.DefaultAttempts,
		func(ctx context.Context) (*User, error) { return s.repo.FindByID(ctx, userID) },
		func(u *User) error {
			u.VerificationTokenHash = &codeHash
			u.VerificationTokenExpires = &expires
			return nil
		},
		s.repo.Save,
	)
	if err != nil {
		return "", err
	}
	return code, nil
}

// --- Password management ---

// ForgotPassword issues a reset code. The response is identical whether or
// not the email exists, so the endpoint cannot be used to enumerate
// accounts; failures are logged and swallowed for the same reason.
func (s *authService) ForgotPassword(ctx context.Context, email string) error {
	user, err := s.repo.FindByEmail(ctx, normalizeEmail(email))
	if err != nil {
		if apperror.SafeCode(err) != 404 {
			slog.Warn("forgot-password lookup failed", slog.Any("error", err))
		}
		return nil
	}

	code, err := s.issueVerificationToken(ctx, user.ID)
	if err != nil {
		slog.Warn("forgot-password token issue failed", slog.String("user_id", user.ID), slog.Any("error", err))
		return nil
	}

	s.sendMail(user.Email, mailer.TemplatePasswordReset, mailer.Data{Name: user.Firstname, Token: code})
	return nil
}

// ResetPassword consumes a reset code. Reusing any of the last five
// passwords is rejected; on success the token version is bumped (revoking
// every outstanding bearer token) and all sessions are cleared.
func (s *authService) ResetPassword(ctx context.Context, code, newPassword string) error {
	if len(newPassword) < minPasswordLength {
		return apperror.NewValidation(fmt.Sprintf("password must be at least %d characters", minPasswordLength))
	}

	user, err := s.lookupVerificationToken(ctx, code)
	if err != nil {
		return err
	}

	newHash, err := hashPassword(newPassword)
	if err != nil {
		return apperror.NewInternal(fmt.Errorf("hashing password: %w", err))
	}

	_, err = optimistic.Update(ctx, optimistic.DefaultAttempts,
		func(ctx context.Context) (*User, error) { return s.repo.FindByID(ctx, user.ID) },
		func(u *User) error {
			if historyContains(u.PasswordHistory, newPassword) {
				return apperror.NewPasswordReused()
			}
			u.PasswordHash = newHash
			u.PasswordHistory = pushHistory(u.PasswordHistory, newHash)
			u.TokenVersion++
			u.ClearSessions()
			u.VerificationTokenHash = nil
			u.VerificationTokenExpires = nil
			return nil
		},
		s.repo.Save,
	)
	if err != nil {
		return err
	}

	s.notifier.NotifySecurity(user.ID, "Password changed",
		"Your password was reset. All devices have been signed out.")

	slog.Info("password reset", slog.String("user_id", user.ID))

	return nil
}

// ChangePassword updates the password for an authenticated user. Unlike a
// reset it keeps the current sessions alive.
func (s *authService) ChangePassword(ctx context.Context, userID, oldPassword, newPassword string) error {
	if len(newPassword) < minPasswordLength {
		return apperror.NewValidation(fmt.Sprintf("password must be at least %d characters", minPasswordLength))
	}

	newHash, err := hashPassword(newPassword)
	if err != nil {
		return apperror.NewInternal(fmt.Errorf("hashing password: %w", err))
	}

	_, err = optimistic.Update(ctx, optimistic.DefaultAttempts,
		func(ctx context.Context) (*User, error) { return s.repo.FindByID(ctx, userID) },
		func(u *User) error {
			if !verifyPassword(oldPassword, u.PasswordHash) {
				return apperror.NewBadRequest("current password is incorrect")
			}
			if historyContains(u.PasswordHistory, newPassword) {
				return apperror.NewPasswordReused()
			}
			u.PasswordHash = newHash
			u.PasswordHistory = pushHistory(u.PasswordHistory, newHash)
			return nil
		},
		s.repo.Save,
	)
	if err != nil {
		return err
	}

	s.notifier.NotifySecurity(userID, "Password changed", "Your account password was changed.")

	return nil
}

// ChangeUsername updates the username after a uniqueness check.
func (s *authService) ChangeUsername(ctx context.Context, userID, username string) (*User, error) {
	username = strings.TrimSpace(username)
	if len(username) < 3 || len(username) > 50 {
		return nil, apperror.NewValidation("username must be between 3 and 50 characters")
	}

	taken, err := s.repo.UsernameExists(ctx, username)
	if err != nil {
		return nil, apperror.NewInternal(fmt.Errorf("checking username: %w", err))
	}
	if taken {
		return nil, apperror.NewConflict("this username is already taken")
	}

	updated, err := optimistic.Update(ctx, optimistic.DefaultAttempts,
		func(ctx context.Context) (*User, error) { return s.repo.FindByID(ctx, userID) },
		func(u *User) error {
			u.Username = username
			return nil
		},
		s.repo.Save,
	)
	if err != nil {
		return nil, err
	}

	s.notifier.NotifySecurity(userID, "Username changed",
		fmt.Sprintf("Your username is now %s.", username))

	return updated, nil
}

// --- Sessions ---

// SignOut removes the session matching the presented token. Signing out an
// already-removed session is a no-op success.
func (s *authService) SignOut(ctx context.Context, userID, rawToken string) error {
	hash := HashToken(rawToken)
	_, err := optimistic.Update(ctx, optimistic.DefaultAttempts,
		func(ctx context.Context) (*User, error) { return s.repo.FindByID(ctx, userID) },
		func(u *User) error {
			u.RemoveSessionByTokenHash(hash)
			return nil
		},
		s.repo.Save,
	)
	return err
}

// ValidateToken verifies a bearer token end to end. On success the session's
// last_active is touched, expired sessions are pruned, and the daily voucher
// bonus is granted when due; these housekeeping writes are best-effort --
// losing the race to another request does not fail the validation.
func (s *authService) ValidateToken(ctx context.Context, rawToken string) (*User, error) {
	claims, err := s.tokens.Parse(rawToken)
	if err != nil {
		return nil, err
	}

	user, err := s.repo.FindByID(ctx, claims.Subject)
	if err != nil {
		return nil, apperror.NewUnauthorized("invalid or expired token")
	}

	// A password reset bumps token_version; every token minted before it is
	// dead even if its hash is somehow still in the ledger.
	if claims.TokenVersion != user.TokenVersion {
		return nil, apperror.NewUnauthorized("token has been revoked")
	}

	now := time.Now().UTC()
	hash := HashToken(rawToken)
	if user.SessionByTokenHash(hash, now) == nil {
		return nil, apperror.NewUnauthorized("session expired or revoked")
	}

	updated, err := optimistic.Update(ctx, optimistic.DefaultAttempts,
		func(ctx context.Context) (*User, error) { return s.repo.FindByID(ctx, user.ID) },
		func(u *User) error {
			u.PruneSessions(now)
			sess := u.SessionByTokenHash(hash, now)
			if sess == nil {
				return apperror.NewUnauthorized("session expired or revoked")
			}
			sess.LastActive = now
			if u.LastVoucherTime == nil || now.Sub(*u.LastVoucherTime) >= voucherBonusWindow {
				u.Vouchers += dailyVoucherBonus
				t := now
				u.LastVoucherTime = &t
			}
			return nil
		},
		s.repo.Save,
	)
	if err != nil {
		if apperror.SafeCode(err) == 401 {
			return nil, err
		}
		// Housekeeping lost a race or the store hiccuped; the token itself
		// checked out, so serve the request with the snapshot we have.
		slog.Warn("session housekeeping write failed",
			slog.String("user_id", user.ID), slog.Any("error", err))
		return user, nil
	}

	return updated, nil
}

// createSession mints a bearer token and appends its session record through
// the version-checked save.
func (s *authService) createSession(ctx context.Context, user *User, obs Observation, unverified bool) (string, *User, error) {
	token, err := s.tokens.Mint(user)
	if err != nil {
		return "", nil, apperror.NewInternal(err)
	}

	updated, err := optimistic.Update(ctx, optimistic.DefaultAttempts,
		func(ctx context.Context) (*User, error) { return s.repo.FindByID(ctx, user.ID) },
		func(u *User) error {
			RecordObservation(u, obs)
			u.AddSession(newSession(token, obs, s.tokens.TTL(), unverified), s.maxSessions)
			return nil
		},
		s.repo.Save,
	)
	if err != nil {
		return "", nil, err
	}
	return token, updated, nil
}

// sendMail delivers fire-and-forget: never on the request path, never fatal.
func (s *authService) sendMail(to, template string, data mailer.Data) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := s.mail.Send(ctx, to, template, data); err != nil {
			slog.Warn("mail delivery failed",
				slog.String("template", template), slog.Any("error", err))
		}
	}()
}

// --- Password hashing (bcrypt) ---

func hashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

func verifyPassword(password, hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// historyContains reports whether the plaintext matches any stored hash.
func historyContains(history []string, password string) bool {
	for _, h := range history {
		if verifyPassword(password, h) {
			return true
		}
	}
	return false
}

// pushHistory appends a hash, keeping only the most recent entries.
func pushHistory(history []string, hash string) []string {
	history = append(history, hash)
	if len(history) > passwordHistorySize {
		history = history[len(history)-passwordHistorySize:]
	}
	return history
}

// --- Helpers ---

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func validateCredentials(email, password string) error {
	if email == "" || !strings.Contains(email, "@") {
		return apperror.NewValidation("a valid email address is required")
	}
	if len(password) < minPasswordLength {
		return apperror.NewValidation(fmt.Sprintf("password must be at least %d characters", minPasswordLength))
	}
	return nil
}

// splitName separates a display name into first/last on the final space.
func splitName(name string) (string, string) {
	name = strings.TrimSpace(name)
	if i := strings.LastIndex(name, " "); i > 0 {
		return name[:i], name[i+1:]
	}
	return name, ""
}

type noopNotifier struct{}

func (noopNotifier) NotifyNewLogin(string, DeviceInfo, string) {}
func (noopNotifier) NotifySecurity(string, string, string)     {}
