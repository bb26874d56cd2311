package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/fablenest/fablenest/internal/apperror"
	"github.com/fablenest/fablenest/internal/mailer"
	"github.com/fablenest/fablenest/internal/oauth"
	"github.com/fablenest/fablenest/internal/optimistic"
)

// --- Mock repository ---

// mockUserRepo implements UserRepository for testing.
type mockUserRepo struct {
	createFn                      func(ctx context.Context, user *User) error
	findByIDFn                    func(ctx context.Context, id string) (*User, error)
	findByEmailFn                 func(ctx context.Context, email string) (*User, error)
	findByAnonymousIDFn           func(ctx context.Context, anonymousID string) (*User, error)
	findByGoogleIDFn              func(ctx context.Context, googleID string) (*User, error)
	findByVerificationTokenHashFn func(ctx context.Context, tokenHash string) (*User, error)
	emailExistsFn                 func(ctx context.Context, email string) (bool, error)
	usernameExistsFn              func(ctx context.Context, username string) (bool, error)
	saveFn                        func(ctx context.Context, user *User) error
}

func (m *mockUserRepo) Create(ctx context.Context, user *User) error {
	if m.createFn != nil {
		return m.createFn(ctx, user)
	}
	return nil
}

func (m *mockUserRepo) FindByID(ctx context.Context, id string) (*User, error) {
	if m.findByIDFn != nil {
		return m.findByIDFn(ctx, id)
	}
	return nil, apperror.NewNotFound("user not found")
}

func (m *mockUserRepo) FindByEmail(ctx context.Context, email string) (*User, error) {
	if m.findByEmailFn != nil {
		return m.findByEmailFn(ctx, email)
	}
	return nil, apperror.NewNotFound("user not found")
}

func (m *mockUserRepo) FindByAnonymousID(ctx context.Context, anonymousID string) (*User, error) {
	if m.findByAnonymousIDFn != nil {
		return m.findByAnonymousIDFn(ctx, anonymousID)
	}
	return nil, apperror.NewNotFound("user not found")
}

func (m *mockUserRepo) FindByGoogleID(ctx context.Context, googleID string) (*User, error) {
	if m.findByGoogleIDFn != nil {
		return m.findByGoogleIDFn(ctx, googleID)
	}
	return nil, apperror.NewNotFound("user not found")
}

func (m *mockUserRepo) FindByVerificationTokenHash(ctx context.Context, tokenHash string) (*User, error) {
	if m.findByVerificationTokenHashFn != nil {
		return m.findByVerificationTokenHashFn(ctx, tokenHash)
	}
	return nil, apperror.NewNotFound("user not found")
}

func (m *mockUserRepo) EmailExists(ctx context.Context, email string) (bool, error) {
	if m.emailExistsFn != nil {
		return m.emailExistsFn(ctx, email)
	}
	return false, nil
}

func (m *mockUserRepo) UsernameExists(ctx context.Context, username string) (bool, error) {
	if m.usernameExistsFn != nil {
		return m.usernameExistsFn(ctx, username)
	}
	return false, nil
}

func (m *mockUserRepo) Save(ctx context.Context, user *User) error {
	if m.saveFn != nil {
		return m.saveFn(ctx, user)
	}
	return nil
}

// wireUser adds version-checked load/save semantics for the single stored
// user, so flows that go through the optimistic helper behave like the real
// repository.
func (m *mockUserRepo) wireUser(stored *User) {
	m.findByIDFn = func(ctx context.Context, id string) (*User, error) {
		if id != stored.ID {
			return nil, apperror.NewNotFound("user not found")
		}
		cp := *stored
		return &cp, nil
	}
	m.saveFn = func(ctx context.Context, user *User) error {
		if user.Version != stored.Version {
			return optimistic.ErrVersionConflict
		}
		*stored = *user
		stored.Version++
		return nil
	}
}

// --- Mock collaborators ---

type sentMail struct {
	to       string
	template string
	data     mailer.Data
}

// mockMailer records deliveries on a channel so tests can wait for the
// fire-and-forget goroutine.
type mockMailer struct {
	sent chan sentMail
}

func newMockMailer() *mockMailer {
	return &mockMailer{sent: make(chan sentMail, 10)}
}

func (m *mockMailer) Send(ctx context.Context, to, template string, data mailer.Data) error {
	m.sent <- sentMail{to: to, template: template, data: data}
	return nil
}

// waitForMail blocks until a mail is delivered or the timeout hits.
func (m *mockMailer) waitForMail(t *testing.T) sentMail {
	t.Helper()
	select {
	case msg := <-m.sent:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("expected an email to be sent")
		return sentMail{}
	}
}

type mockNotifier struct {
	newLogins int
	security  []string
}

func (m *mockNotifier) NotifyNewLogin(userID string, device DeviceInfo, ip string) {
	m.newLogins++
}

func (m *mockNotifier) NotifySecurity(userID, title, message string) {
	m.security = append(m.security, title)
}

type mockVerifier struct {
	identity *oauth.Identity
	err      error
}

func (m *mockVerifier) Verify(ctx context.Context, idToken string) (*oauth.Identity, error) {
	return m.identity, m.err
}

// --- Test helpers ---

func newTestService(repo UserRepository) (*authService, *mockMailer, *mockNotifier) {
	mail := newMockMailer()
	notifier := &mockNotifier{}
	return &authService{
		repo:            repo,
		tokens:          NewTokenManager("test-secret-key", 720*time.Hour),
		mail:            mail,
		notifier:        notifier,
		maxSessions:     5,
		verificationTTL: 20 * time.Minute,
	}, mail, notifier
}

// knownObservation returns an observation matching testUser's stored
// fingerprints.
func knownObservation() Observation {
	return Observation{
		Device: DeviceInfo{
			DeviceType:       "phone",
			OS:               "android 14",
			AppVersion:       "2.1.0",
			UniqueIdentifier: "device-abc",
		},
		IPAddress: "203.0.113.7",
		Location:  &GeoPoint{Lat: 52.52, Lon: 13.40}, // Berlin
	}
}

// testUser returns a confirmed password user that knows knownObservation.
func testUser(t *testing.T) *User {
	t.Helper()
	hash, err := hashPassword("correct-horse-battery")
	if err != nil {
		t.Fatalf("hashing test password: %v", err)
	}
	obs := knownObservation()
	return &User{
		ID:              "user-1",
		Email:           "alice@example.com",
		Username:        "quiet_raven_00001",
		Firstname:       "Alice",
		Role:            RoleUser,
		EmailStatus:     EmailConfirmed,
		AuthProvider:    ProviderPassword,
		AccountType:     AccountRegistered,
		PasswordHash:    hash,
		PasswordHistory: []string{hash},
		Locations:       []GeoPoint{*obs.Location},
		IPAddresses:     []string{obs.IPAddress},
		Devices:         []DeviceInfo{obs.Device},
		Vouchers:        100,
		Free:            true,
	}
}

// assertAppError checks that err is an *apperror.AppError with the expected
// code and, when non-empty, type.
func assertAppError(t *testing.T, err error, expectedCode int, expectedType string) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected error with code %d, got nil", expectedCode)
	}
	var appErr *apperror.AppError
	if !errors.As(err, &appErr) {
		t.Fatalf("expected *apperror.AppError, got %T: %v", err, err)
	}
	if appErr.Code != expectedCode {
		t.Errorf("expected status %d, got %d (message: %s)", expectedCode, appErr.Code, appErr.Message)
	}
	if expectedType != "" && appErr.Type != expectedType {
		t.Errorf("expected error type %q, got %q", expectedType, appErr.Type)
	}
}

// --- Register ---

func TestRegister_Success(t *testing.T) {
	var created *User
	repo := &mockUserRepo{
		createFn: func(ctx context.Context, user *User) error {
			created = user
			return nil
		},
	}
	svc, mail, _ := newTestService(repo)

	user, err := svc.Register(context.Background(), RegisterInput{
		Email:       "  Alice@Example.COM ",
		Password:    "correct-horse-battery",
		Firstname:   "Alice",
		Observation: knownObservation(),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if created == nil {
		t.Fatal("expected user to be persisted")
	}

	if user.Email != "alice@example.com" {
		t.Errorf("expected normalized email, got %s", user.Email)
	}
	if user.EmailStatus != EmailPending {
		t.Errorf("expected pending email status, got %s", user.EmailStatus)
	}
	if user.Vouchers != signupVoucherBonus {
		t.Errorf("expected signup bonus %d, got %d", signupVoucherBonus, user.Vouchers)
	}
	if user.Username == "" {
		t.Error("expected a generated username")
	}
	if len(user.PasswordHistory) != 1 {
		t.Errorf("expected seeded password history, got %d entries", len(user.PasswordHistory))
	}
	if !verifyPassword("correct-horse-battery", user.PasswordHash) {
		t.Error("expected stored hash to verify the password")
	}
	if user.VerificationTokenHash == nil || user.VerificationTokenExpires == nil {
		t.Fatal("expected a verification token to be issued")
	}
	if len(user.Sessions) != 0 {
		t.Error("registration must not issue a session")
	}

	msg := mail.waitForMail(t)
	if msg.template != mailer.TemplateConfirmEmail {
		t.Errorf("expected confirm-email template, got %s", msg.template)
	}
	// The emailed code hashes to what was stored.
	if HashToken(msg.data.Token) != *user.VerificationTokenHash {
		t.Error("emailed code does not match the stored hash")
	}
}

func TestRegister_DuplicateEmail(t *testing.T) {
	repo := &mockUserRepo{
		emailExistsFn: func(ctx context.Context, email string) (bool, error) {
			return true, nil
		},
	}
	svc, _, _ := newTestService(repo)

	_, err := svc.Register(context.Background(), RegisterInput{
		Email:    "taken@example.com",
		Password: "long-enough-password",
	})
	assertAppError(t, err, 409, "conflict")
}

func TestRegister_ShortPassword(t *testing.T) {
	svc, _, _ := newTestService(&mockUserRepo{})

	_, err := svc.Register(context.Background(), RegisterInput{
		Email:    "alice@example.com",
		Password: "short",
	})
	assertAppError(t, err, 422, "validation_error")
}

func TestRegister_ConvertsAnonymousAccount(t *testing.T) {
	anonID := "device-abc"
	stored := testUser(t)
	stored.ID = "anon-1"
	stored.IsAnonymous = true
	stored.AnonymousID = &anonID
	stored.AccountType = AccountAnonymous
	stored.Vouchers = 40
	stored.Purchased = []PurchaseRecord{{StoryID: "story-1", Chapters: []int{5, 6}}}

	repo := &mockUserRepo{
		findByAnonymousIDFn: func(ctx context.Context, id string) (*User, error) {
			if id != anonID {
				return nil, apperror.NewNotFound("user not found")
			}
			return stored, nil
		},
	}
	repo.wireUser(stored)
	svc, mail, _ := newTestService(repo)

	user, err := svc.Register(context.Background(), RegisterInput{
		Email:       "alice@example.com",
		Password:    "brand-new-password",
		Firstname:   "Alice",
		AnonymousID: anonID,
		Observation: knownObservation(),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if user.IsAnonymous {
		t.Error("expected conversion to clear is_anonymous")
	}
	if user.AccountType != AccountConverted {
		t.Errorf("expected converted account type, got %s", user.AccountType)
	}
	if user.EmailStatus != EmailPending {
		t.Error("converted account must re-verify its email")
	}
	if user.Vouchers != 40+signupVoucherBonus {
		t.Errorf("expected balance carried over plus bonus, got %d", user.Vouchers)
	}
	// Purchases survive the conversion.
	if user.PurchaseFor("story-1") == nil {
		t.Error("expected purchase ledger to survive conversion")
	}

	mail.waitForMail(t)
}

// --- Login ---

func TestLogin_UnknownEmail(t *testing.T) {
	svc, _, _ := newTestService(&mockUserRepo{})

	_, _, err := svc.Login(context.Background(), LoginInput{
		Email:    "nobody@example.com",
		Password: "whatever-password",
	})
	assertAppError(t, err, 404, "not_found")
}

func TestLogin_WrongPassword(t *testing.T) {
	stored := testUser(t)
	repo := &mockUserRepo{
		findByEmailFn: func(ctx context.Context, email string) (*User, error) {
			return stored, nil
		},
	}
	svc, _, _ := newTestService(repo)

	_, _, err := svc.Login(context.Background(), LoginInput{
		Email:       stored.Email,
		Password:    "wrong-password-entirely",
		Observation: knownObservation(),
	})
	assertAppError(t, err, 400, "invalid_credentials")
}

func TestLogin_PendingEmailReissuesCode(t *testing.T) {
	stored := testUser(t)
	stored.EmailStatus = EmailPending
	repo := &mockUserRepo{
		findByEmailFn: func(ctx context.Context, email string) (*User, error) {
			cp := *stored
			return &cp, nil
		},
	}
	repo.wireUser(stored)
	svc, mail, _ := newTestService(repo)

	_, _, err := svc.Login(context.Background(), LoginInput{
		Email:       stored.Email,
		Password:    "correct-horse-battery",
		Observation: knownObservation(),
	})
	assertAppError(t, err, 403, "unverified_email")

	if stored.VerificationTokenHash == nil {
		t.Fatal("expected a fresh verification token to be stored")
	}
	msg := mail.waitForMail(t)
	if msg.template != mailer.TemplateConfirmEmail {
		t.Errorf("expected confirm-email template, got %s", msg.template)
	}
	if len(stored.Sessions) != 0 {
		t.Error("no session may be issued while the email is pending")
	}
}

func TestLogin_UnusualDeviceBlocksAndChallenges(t *testing.T) {
	stored := testUser(t)
	repo := &mockUserRepo{
		findByEmailFn: func(ctx context.Context, email string) (*User, error) {
			cp := *stored
			return &cp, nil
		},
	}
	repo.wireUser(stored)
	svc, mail, _ := newTestService(repo)

	obs := knownObservation()
	obs.Device.UniqueIdentifier = "device-stolen" // unknown 4-tuple

	_, _, err := svc.Login(context.Background(), LoginInput{
		Email:       stored.Email,
		Password:    "correct-horse-battery",
		Observation: obs,
	})
	assertAppError(t, err, 403, "verification_required")

	if len(stored.Sessions) != 0 {
		t.Error("no session may be issued for an unrecognized device")
	}
	if stored.VerificationTokenHash == nil {
		t.Fatal("expected an unusual sign-in code to be stored")
	}
	msg := mail.waitForMail(t)
	if msg.template != mailer.TemplateUnusualSignIn {
		t.Errorf("expected unusual-sign-in template, got %s", msg.template)
	}
	// The new device is not remembered until the code is confirmed.
	if containsDevice(stored.Devices, obs.Device) {
		t.Error("unconfirmed device must not be recorded as known")
	}
}

func TestLogin_SuccessCreatesSession(t *testing.T) {
	stored := testUser(t)
	repo := &mockUserRepo{
		findByEmailFn: func(ctx context.Context, email string) (*User, error) {
			cp := *stored
			return &cp, nil
		},
	}
	repo.wireUser(stored)
	svc, _, notifier := newTestService(repo)

	token, user, err := svc.Login(context.Background(), LoginInput{
		Email:       stored.Email,
		Password:    "correct-horse-battery",
		Observation: knownObservation(),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if token == "" {
		t.Fatal("expected a bearer token")
	}
	if len(user.Sessions) != 1 {
		t.Fatalf("expected exactly one session, got %d", len(user.Sessions))
	}
	// Round-trip: the stored hash matches the issued token.
	if user.Sessions[0].TokenHash != HashToken(token) {
		t.Error("stored session hash does not match the issued token")
	}
	if notifier.newLogins != 1 {
		t.Errorf("expected one new-login notification, got %d", notifier.newLogins)
	}
}

func TestLogin_EvictsOldestAtCapacity(t *testing.T) {
	stored := testUser(t)
	repo := &mockUserRepo{
		findByEmailFn: func(ctx context.Context, email string) (*User, error) {
			cp := *stored
			return &cp, nil
		},
	}
	repo.wireUser(stored)
	svc, _, _ := newTestService(repo)

	// Six sequential logins against maxSessions=5.
	var hashes []string
	for i := 0; i < 6; i++ {
		token, _, err := svc.Login(context.Background(), LoginInput{
			Email:       stored.Email,
			Password:    "correct-horse-battery",
			Observation: knownObservation(),
		})
		if err != nil {
			t.Fatalf("login %d: unexpected error: %v", i, err)
		}
		hashes = append(hashes, HashToken(token))
	}

	if len(stored.Sessions) != 5 {
		t.Fatalf("expected the ledger capped at 5, got %d", len(stored.Sessions))
	}
	// The first session was evicted; the remaining five are in order.
	for i, s := range stored.Sessions {
		if s.TokenHash != hashes[i+1] {
			t.Errorf("session %d: expected hash of login %d", i, i+1)
		}
	}
}

// --- Anonymous sessions ---

func TestAnonymousSession_CreatesDeviceBoundAccount(t *testing.T) {
	var created *User
	repo := &mockUserRepo{
		createFn: func(ctx context.Context, user *User) error {
			created = user
			return nil
		},
	}
	// After creation the session write loads the user by ID.
	repo.findByIDFn = func(ctx context.Context, id string) (*User, error) {
		if created == nil || created.ID != id {
			return nil, apperror.NewNotFound("user not found")
		}
		cp := *created
		return &cp, nil
	}
	repo.saveFn = func(ctx context.Context, user *User) error {
		*created = *user
		created.Version++
		return nil
	}
	svc, _, _ := newTestService(repo)

	obs := knownObservation()
	token, user, err := svc.AnonymousSession(context.Background(), obs)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if token == "" {
		t.Fatal("expected a bearer token")
	}
	if !user.IsAnonymous || user.AccountType != AccountAnonymous {
		t.Error("expected an anonymous account")
	}
	if user.AnonymousID == nil || *user.AnonymousID != obs.Device.UniqueIdentifier {
		t.Error("expected the account keyed by the device fingerprint")
	}
	if len(user.Sessions) != 1 || !user.Sessions[0].Unverified {
		t.Error("expected one unverified session")
	}
}

func TestAnonymousSession_RequiresDeviceIdentifier(t *testing.T) {
	svc, _, _ := newTestService(&mockUserRepo{})
	_, _, err := svc.AnonymousSession(context.Background(), Observation{})
	assertAppError(t, err, 400, "bad_request")
}

// --- Google sign-in ---

func TestGoogleSignIn_AuthMethodMismatch(t *testing.T) {
	stored := testUser(t) // auth_provider=password
	repo := &mockUserRepo{
		findByEmailFn: func(ctx context.Context, email string) (*User, error) {
			return stored, nil
		},
	}
	svc, _, _ := newTestService(repo)
	svc.google = &mockVerifier{identity: &oauth.Identity{
		Subject: "google-sub-1",
		Email:   stored.Email,
		Name:    "Alice Example",
	}}

	_, _, err := svc.GoogleSignIn(context.Background(), GoogleInput{IDToken: "raw-token"})
	assertAppError(t, err, 400, "auth_method_mismatch")
}

func TestGoogleSignIn_ProvisionsNewUser(t *testing.T) {
	var created *User
	repo := &mockUserRepo{
		createFn: func(ctx context.Context, user *User) error {
			created = user
			return nil
		},
	}
	repo.findByIDFn = func(ctx context.Context, id string) (*User, error) {
		if created == nil || created.ID != id {
			return nil, apperror.NewNotFound("user not found")
		}
		cp := *created
		return &cp, nil
	}
	repo.saveFn = func(ctx context.Context, user *User) error {
		*created = *user
		created.Version++
		return nil
	}
	svc, mail, _ := newTestService(repo)
	svc.google = &mockVerifier{identity: &oauth.Identity{
		Subject: "google-sub-1",
		Email:   "carol@example.com",
		Name:    "Carol de Winter",
		Picture: "https://example.com/p.jpg",
	}}

	token, user, err := svc.GoogleSignIn(context.Background(), GoogleInput{
		IDToken:     "raw-token",
		Observation: knownObservation(),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if token == "" {
		t.Fatal("expected a bearer token")
	}
	if user.AuthProvider != ProviderGoogle {
		t.Errorf("expected google provider, got %s", user.AuthProvider)
	}
	// OAuth-verified addresses skip the confirmation gate.
	if user.EmailStatus != EmailConfirmed {
		t.Error("expected a confirmed email status")
	}
	if user.Vouchers != signupVoucherBonus {
		t.Errorf("expected signup bonus, got %d vouchers", user.Vouchers)
	}
	if user.Firstname != "Carol de" || user.Lastname != "Winter" {
		t.Errorf("unexpected name split: %q / %q", user.Firstname, user.Lastname)
	}
	if len(user.Sessions) != 1 {
		t.Fatalf("expected one session, got %d", len(user.Sessions))
	}

	msg := mail.waitForMail(t)
	if msg.template != mailer.TemplateWelcome {
		t.Errorf("expected welcome template, got %s", msg.template)
	}
}

func TestGoogleSignIn_InvalidToken(t *testing.T) {
	svc, _, _ := newTestService(&mockUserRepo{})
	svc.google = &mockVerifier{err: apperror.NewUnauthorized("google token rejected")}

	_, _, err := svc.GoogleSignIn(context.Background(), GoogleInput{IDToken: "garbage"})
	assertAppError(t, err, 401, "unauthorized")
}

// --- Unusual sign-in confirmation ---

func TestConfirmUnusualSignIn_CompletesLogin(t *testing.T) {
	stored := testUser(t)
	code := "042137"
	codeHash := HashToken(code)
	expires := time.Now().UTC().Add(10 * time.Minute)
	stored.VerificationTokenHash = &codeHash
	stored.VerificationTokenExpires = &expires

	repo := &mockUserRepo{
		findByVerificationTokenHashFn: func(ctx context.Context, hash string) (*User, error) {
			if hash != codeHash {
				return nil, apperror.NewNotFound("user not found")
			}
			cp := *stored
			return &cp, nil
		},
	}
	repo.wireUser(stored)
	svc, _, _ := newTestService(repo)

	obs := knownObservation()
	obs.Device.UniqueIdentifier = "device-new"

	token, user, err := svc.ConfirmUnusualSignIn(context.Background(), code, obs)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if token == "" {
		t.Fatal("expected a bearer token")
	}
	if user.VerificationTokenHash != nil || user.VerificationTokenExpires != nil {
		t.Error("expected the single-use code to be cleared")
	}
	if len(user.Sessions) != 1 {
		t.Fatalf("expected exactly one session, got %d", len(user.Sessions))
	}
	// The new device is now remembered.
	if !containsDevice(user.Devices, obs.Device) {
		t.Error("expected the confirmed device to be recorded as known")
	}
}

func TestConfirmUnusualSignIn_ExpiredCode(t *testing.T) {
	stored := testUser(t)
	code := "042137"
	codeHash := HashToken(code)
	expires := time.Now().UTC().Add(-time.Minute)
	stored.VerificationTokenHash = &codeHash
	stored.VerificationTokenExpires = &expires

	repo := &mockUserRepo{
		findByVerificationTokenHashFn: func(ctx context.Context, hash string) (*User, error) {
			return stored, nil
		},
	}
	svc, _, _ := newTestService(repo)

	_, _, err := svc.ConfirmUnusualSignIn(context.Background(), code, knownObservation())
	assertAppError(t, err, 400, "bad_request")
}

// --- Password reset ---

func TestForgotPassword_UnknownEmailStillSucceeds(t *testing.T) {
	svc, mail, _ := newTestService(&mockUserRepo{})

	if err := svc.ForgotPassword(context.Background(), "nobody@example.com"); err != nil {
		t.Fatalf("expected nil error for unknown email, got: %v", err)
	}
	select {
	case <-mail.sent:
		t.Error("no mail may be sent for an unknown email")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestResetPassword_Success(t *testing.T) {
	stored := testUser(t)
	stored.Sessions = []Session{
		{TokenHash: "h1", ExpiresAt: time.Now().Add(time.Hour)},
		{TokenHash: "h2", ExpiresAt: time.Now().Add(time.Hour)},
	}
	code := "731942"
	codeHash := HashToken(code)
	expires := time.Now().UTC().Add(10 * time.Minute)
	stored.VerificationTokenHash = &codeHash
	stored.VerificationTokenExpires = &expires

	repo := &mockUserRepo{
		findByVerificationTokenHashFn: func(ctx context.Context, hash string) (*User, error) {
			cp := *stored
			return &cp, nil
		},
	}
	repo.wireUser(stored)
	svc, _, notifier := newTestService(repo)

	if err := svc.ResetPassword(context.Background(), code, "completely-new-password"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !verifyPassword("completely-new-password", stored.PasswordHash) {
		t.Error("expected the new password to verify")
	}
	if stored.TokenVersion != 1 {
		t.Errorf("expected token version bumped to 1, got %d", stored.TokenVersion)
	}
	if len(stored.Sessions) != 0 {
		t.Error("expected all sessions cleared")
	}
	if stored.VerificationTokenHash != nil {
		t.Error("expected the reset code to be consumed")
	}
	if len(notifier.security) != 1 {
		t.Errorf("expected one security notification, got %d", len(notifier.security))
	}
}

func TestResetPassword_RejectsReusedPassword(t *testing.T) {
	stored := testUser(t) // history contains correct-horse-battery
	code := "731942"
	codeHash := HashToken(code)
	expires := time.Now().UTC().Add(10 * time.Minute)
	stored.VerificationTokenHash = &codeHash
	stored.VerificationTokenExpires = &expires

	repo := &mockUserRepo{
		findByVerificationTokenHashFn: func(ctx context.Context, hash string) (*User, error) {
			cp := *stored
			return &cp, nil
		},
	}
	repo.wireUser(stored)
	svc, _, _ := newTestService(repo)

	err := svc.ResetPassword(context.Background(), code, "correct-horse-battery")
	assertAppError(t, err, 400, "password_reused")

	if stored.TokenVersion != 0 {
		t.Error("a rejected reset must not bump the token version")
	}
}

func TestResetPassword_HistoryCapsAtFive(t *testing.T) {
	history := []string{}
	for i := 0; i < passwordHistorySize; i++ {
		h, _ := hashPassword("old-password-" + string(rune('a'+i)))
		history = append(history, h)
	}
	stored := testUser(t)
	stored.PasswordHistory = history
	code := "111111"
	codeHash := HashToken(code)
	expires := time.Now().UTC().Add(10 * time.Minute)
	stored.VerificationTokenHash = &codeHash
	stored.VerificationTokenExpires = &expires

	repo := &mockUserRepo{
		findByVerificationTokenHashFn: func(ctx context.Context, hash string) (*User, error) {
			cp := *stored
			return &cp, nil
		},
	}
	repo.wireUser(stored)
	svc, _, _ := newTestService(repo)

	// The oldest entry (old-password-a) falls off, so it becomes usable again.
	if err := svc.ResetPassword(context.Background(), code, "sixth-generation-pw"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(stored.PasswordHistory) != passwordHistorySize {
		t.Fatalf("expected history capped at %d, got %d", passwordHistorySize, len(stored.PasswordHistory))
	}
	if historyContains(stored.PasswordHistory, "old-password-a") {
		t.Error("expected the oldest hash to have been evicted")
	}
	if !historyContains(stored.PasswordHistory, "sixth-generation-pw") {
		t.Error("expected the new hash in history")
	}
}

// --- Token validation ---

func TestValidateToken_Success(t *testing.T) {
	stored := testUser(t)
	repo := &mockUserRepo{}
	repo.wireUser(stored)
	svc, _, _ := newTestService(repo)

	token, err := svc.tokens.Mint(stored)
	if err != nil {
		t.Fatalf("minting token: %v", err)
	}
	stored.Sessions = []Session{{
		TokenHash: HashToken(token),
		ExpiresAt: time.Now().Add(time.Hour),
	}}

	user, err := svc.ValidateToken(context.Background(), token)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if user.ID != stored.ID {
		t.Errorf("expected user %s, got %s", stored.ID, user.ID)
	}
	// First validation grants the daily voucher bonus.
	if stored.Vouchers != 100+dailyVoucherBonus {
		t.Errorf("expected daily bonus granted, vouchers = %d", stored.Vouchers)
	}
	if stored.LastVoucherTime == nil {
		t.Error("expected last voucher time to be stamped")
	}
}

func TestValidateToken_DailyBonusIdempotentPerWindow(t *testing.T) {
	stored := testUser(t)
	repo := &mockUserRepo{}
	repo.wireUser(stored)
	svc, _, _ := newTestService(repo)

	token, _ := svc.tokens.Mint(stored)
	stored.Sessions = []Session{{
		TokenHash: HashToken(token),
		ExpiresAt: time.Now().Add(time.Hour),
	}}

	for i := 0; i < 3; i++ {
		if _, err := svc.ValidateToken(context.Background(), token); err != nil {
			t.Fatalf("validation %d: %v", i, err)
		}
	}
	if stored.Vouchers != 100+dailyVoucherBonus {
		t.Errorf("expected exactly one bonus in the window, vouchers = %d", stored.Vouchers)
	}
}

func TestValidateToken_RevokedByTokenVersionBump(t *testing.T) {
	stored := testUser(t)
	repo := &mockUserRepo{}
	repo.wireUser(stored)
	svc, _, _ := newTestService(repo)

	token, _ := svc.tokens.Mint(stored)
	stored.Sessions = []Session{{
		TokenHash: HashToken(token),
		ExpiresAt: time.Now().Add(time.Hour),
	}}

	// Simulate a password reset that (erroneously) left the hash behind.
	stored.TokenVersion++

	_, err := svc.ValidateToken(context.Background(), token)
	assertAppError(t, err, 401, "unauthorized")
}

func TestValidateToken_UnknownSessionHash(t *testing.T) {
	stored := testUser(t)
	repo := &mockUserRepo{}
	repo.wireUser(stored)
	svc, _, _ := newTestService(repo)

	token, _ := svc.tokens.Mint(stored)
	// Ledger holds a different hash.
	stored.Sessions = []Session{{
		TokenHash: HashToken("some-other-token"),
		ExpiresAt: time.Now().Add(time.Hour),
	}}

	_, err := svc.ValidateToken(context.Background(), token)
	assertAppError(t, err, 401, "unauthorized")
}

func TestValidateToken_TamperedToken(t *testing.T) {
	stored := testUser(t)
	repo := &mockUserRepo{}
	repo.wireUser(stored)
	svc, _, _ := newTestService(repo)

	token, _ := svc.tokens.Mint(stored)
	stored.Sessions = []Session{{
		TokenHash: HashToken(token),
		ExpiresAt: time.Now().Add(time.Hour),
	}}

	// Flip one character of the signed token.
	tampered := []byte(token)
	if tampered[len(tampered)-1] == 'A' {
		tampered[len(tampered)-1] = 'B'
	} else {
		tampered[len(tampered)-1] = 'A'
	}

	_, err := svc.ValidateToken(context.Background(), string(tampered))
	assertAppError(t, err, 401, "unauthorized")
}

// --- Sign out ---

func TestSignOut_RemovesMatchingSession(t *testing.T) {
	stored := testUser(t)
	repo := &mockUserRepo{}
	repo.wireUser(stored)
	svc, _, _ := newTestService(repo)

	token, _ := svc.tokens.Mint(stored)
	stored.Sessions = []Session{
		{TokenHash: HashToken("other-session"), ExpiresAt: time.Now().Add(time.Hour)},
		{TokenHash: HashToken(token), ExpiresAt: time.Now().Add(time.Hour)},
	}

	if err := svc.SignOut(context.Background(), stored.ID, token); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(stored.Sessions) != 1 {
		t.Fatalf("expected one session left, got %d", len(stored.Sessions))
	}
	if stored.Sessions[0].TokenHash != HashToken("other-session") {
		t.Error("the wrong session was removed")
	}
}

// --- Change password / username ---

func TestChangePassword_WrongOldPassword(t *testing.T) {
	stored := testUser(t)
	repo := &mockUserRepo{}
	repo.wireUser(stored)
	svc, _, _ := newTestService(repo)

	err := svc.ChangePassword(context.Background(), stored.ID, "not-the-password", "another-new-password")
	assertAppError(t, err, 400, "bad_request")
}

func TestChangePassword_KeepsSessions(t *testing.T) {
	stored := testUser(t)
	stored.Sessions = []Session{{TokenHash: "h1", ExpiresAt: time.Now().Add(time.Hour)}}
	repo := &mockUserRepo{}
	repo.wireUser(stored)
	svc, _, notifier := newTestService(repo)

	if err := svc.ChangePassword(context.Background(), stored.ID, "correct-horse-battery", "another-new-password"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(stored.Sessions) != 1 {
		t.Error("changing the password must not revoke sessions")
	}
	if stored.TokenVersion != 0 {
		t.Error("changing the password must not bump the token version")
	}
	if len(notifier.security) != 1 {
		t.Error("expected a security notification")
	}
}

func TestChangeUsername_TakenName(t *testing.T) {
	stored := testUser(t)
	repo := &mockUserRepo{
		usernameExistsFn: func(ctx context.Context, username string) (bool, error) {
			return true, nil
		},
	}
	repo.wireUser(stored)
	svc, _, _ := newTestService(repo)

	_, err := svc.ChangeUsername(context.Background(), stored.ID, "taken_name")
	assertAppError(t, err, 409, "conflict")
}
