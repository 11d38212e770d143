// Package auth implements user accounts, password and OTP login, sessions
// with opaque refresh tokens, Ed25519-signed access tokens, and the OAuth2 /
// PKCE flows.
package auth

import (
	"context"
	"crypto/ed25519"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"

	"github.com/bedrockdb/bedrock/internal/config"
	"github.com/bedrockdb/bedrock/internal/db"
	"github.com/bedrockdb/bedrock/internal/pwhash"
)

// Sentinel errors surfaced to the API layer.
var (
	ErrInvalidCredentials   = errors.New("invalid credentials")
	ErrUserNotFound         = errors.New("user not found")
	ErrEmailTaken           = errors.New("email already registered")
	ErrInvalidEmail         = errors.New("invalid email address")
	ErrWeakPassword         = errors.New("password does not meet requirements")
	ErrPasswordAuthDisabled = errors.New("password auth is disabled")
	ErrRateLimited          = errors.New("too many requests")
	ErrCodeInvalid          = errors.New("code invalid or expired")
	ErrSessionNotFound      = errors.New("session not found or expired")
)

const (
	codeBytes        = 24
	passwordResetTTL = time.Hour
	authCodeTTL      = 5 * time.Minute
)

// Mailer delivers auth emails. Implemented by the mailer package's SMTP and
// log backends.
type Mailer interface {
	Send(ctx context.Context, to, subject, body string) error
}

// User mirrors a _user row.
type User struct {
	ID             []byte `json:"id"`
	Email          string `json:"email"`
	Verified       bool   `json:"verified"`
	Admin          bool   `json:"admin"`
	Created        int64  `json:"created"`
	Updated        int64  `json:"updated"`
	ProviderID     int64  `json:"provider_id,omitempty"`
	ProviderUserID string `json:"provider_user_id,omitempty"`

	passwordHash string
}

// Tokens is a full credential set issued on login.
type Tokens struct {
	AccessToken  string `json:"auth_token"`
	RefreshToken string `json:"refresh_token"`
	CSRFToken    string `json:"csrf_token"`
	ExpiresIn    int64  `json:"expires_in"`
}

// Service provides all account and session operations.
type Service struct {
	d          *db.DB
	cfg        *config.Holder
	signingKey ed25519.PrivateKey
	mailer     Mailer
	logger     *slog.Logger
	providers  map[string]*Provider
}

// NewService creates the auth service. The provider set is built from the
// configured OAuth providers at construction time.
func NewService(d *db.DB, cfg *config.Holder, key ed25519.PrivateKey, mailer Mailer, logger *slog.Logger) (*Service, error) {
	s := &Service{
		d:          d,
		cfg:        cfg,
		signingKey: key,
		mailer:     mailer,
		logger:     logger,
	}
	providers, err := buildProviders(cfg.Get())
	if err != nil {
		return nil, err
	}
	s.providers = providers
	return s, nil
}

func (s *Service) authCfg() config.AuthConfig { return s.cfg.Get().Auth }
func (s *Service) siteURL() string            { return s.cfg.Get().Server.SiteURL }

func (s *Service) tokenTTL() time.Duration {
	return time.Duration(s.authCfg().TokenTTLSec) * time.Second
}

func (s *Service) refreshTTL() time.Duration {
	return time.Duration(s.authCfg().RefreshTokenTTLSec) * time.Second
}

// Register creates a password account and emails a verification link.
func (s *Service) Register(ctx context.Context, email, password string) (*User, error) {
	if s.authCfg().DisablePasswordAuth {
		return nil, ErrPasswordAuthDisabled
	}
	email, err := normalizeEmail(email)
	if err != nil {
		return nil, err
	}
	if err := s.checkPasswordPolicy(password); err != nil {
		return nil, err
	}

	hash, err := pwhash.Hash(password)
	if err != nil {
		return nil, fmt.Errorf("hashing password: %w", err)
	}
	id := newUserID()
	code, err := randomCode(codeBytes)
	if err != nil {
		return nil, err
	}
	now := time.Now().Unix()

	_, err = s.d.Exec(ctx,
		`INSERT INTO _user (id, email, password_hash, verified, admin, created, updated,
		                    email_verification_code, email_verification_code_sent_at)
		 VALUES (:id, :email, :hash, 0, 0, :now, :now, :code, :now)`,
		sql.Named("id", id), sql.Named("email", email), sql.Named("hash", hash),
		sql.Named("now", now), sql.Named("code", code))
	if err != nil {
		if db.IsUniqueViolation(err) {
			return nil, ErrEmailTaken
		}
		return nil, fmt.Errorf("creating user: %w", err)
	}

	s.sendVerificationEmail(ctx, email, code)
	return s.UserByID(ctx, id)
}

// Login verifies a password and issues a token set with a session row.
func (s *Service) Login(ctx context.Context, email, password string) (*Tokens, error) {
	if s.authCfg().DisablePasswordAuth {
		return nil, ErrPasswordAuthDisabled
	}
	email, err := normalizeEmail(email)
	if err != nil {
		return nil, ErrInvalidCredentials
	}
	u, err := s.userByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}
	if u.passwordHash == "" {
		return nil, ErrInvalidCredentials
	}
	ok, err := pwhash.Verify(u.passwordHash, password)
	if err != nil {
		return nil, fmt.Errorf("verifying password: %w", err)
	}
	if !ok {
		return nil, ErrInvalidCredentials
	}
	return s.issueTokens(ctx, u)
}

// issueTokens mints an access token and creates a session row holding the
// hashed refresh token.
func (s *Service) issueTokens(ctx context.Context, u *User) (*Tokens, error) {
	access, csrf, err := s.mintAccessToken(u)
	if err != nil {
		return nil, err
	}
	refresh, refreshHash, err := newRefreshToken()
	if err != nil {
		return nil, err
	}
	now := time.Now().Unix()
	_, err = s.d.Exec(ctx,
		`INSERT INTO _session (user_id, refresh_token, updated) VALUES (:uid, :rt, :now)`,
		sql.Named("uid", u.ID), sql.Named("rt", refreshHash), sql.Named("now", now))
	if err != nil {
		return nil, fmt.Errorf("creating session: %w", err)
	}
	return &Tokens{
		AccessToken:  access,
		RefreshToken: refresh,
		CSRFToken:    csrf,
		ExpiresIn:    int64(s.tokenTTL().Seconds()),
	}, nil
}

// Refresh rotates the access token for a live session. The refresh token
// itself is left unchanged; the session's updated timestamp moves forward,
// which extends its sliding window.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (accessToken, csrf string, err error) {
	hash := hashToken(refreshToken)
	cutoff := time.Now().Add(-s.refreshTTL()).Unix()

	row, err := s.d.QueryRow(ctx,
		`SELECT user_id FROM _session WHERE refresh_token = :rt AND updated > :cutoff`,
		sql.Named("rt", hash), sql.Named("cutoff", cutoff))
	if err != nil {
		return "", "", fmt.Errorf("looking up session: %w", err)
	}
	if row == nil {
		return "", "", ErrSessionNotFound
	}
	userID, _ := row["user_id"].([]byte)

	u, err := s.UserByID(ctx, userID)
	if err != nil {
		return "", "", err
	}
	access, csrf, err := s.mintAccessToken(u)
	if err != nil {
		return "", "", err
	}
	_, err = s.d.Exec(ctx,
		`UPDATE _session SET updated = :now WHERE refresh_token = :rt`,
		sql.Named("now", time.Now().Unix()), sql.Named("rt", hash))
	if err != nil {
		return "", "", fmt.Errorf("touching session: %w", err)
	}
	return access, csrf, nil
}

// Logout deletes the session bound to the refresh token. Without a refresh
// token it deletes every session of the user.
func (s *Service) Logout(ctx context.Context, userID []byte, refreshToken string) error {
	if refreshToken != "" {
		_, err := s.d.Exec(ctx,
			`DELETE FROM _session WHERE refresh_token = :rt`,
			sql.Named("rt", hashToken(refreshToken)))
		return err
	}
	_, err := s.d.Exec(ctx,
		`DELETE FROM _session WHERE user_id = :uid`, sql.Named("uid", userID))
	return err
}

// VerifyEmail consumes a verification code. It marks the account verified
// and, when the code was issued for an email change, commits the new address.
func (s *Service) VerifyEmail(ctx context.Context, code string) error {
	if code == "" {
		return ErrCodeInvalid
	}
	row, err := s.d.QueryRow(ctx,
		`SELECT id, pending_email FROM _user WHERE email_verification_code = :code`,
		sql.Named("code", code))
	if err != nil {
		return fmt.Errorf("looking up verification code: %w", err)
	}
	if row == nil {
		return ErrCodeInvalid
	}
	id, _ := row["id"].([]byte)
	pending, _ := row["pending_email"].(string)

	if pending != "" {
		_, err = s.d.Exec(ctx,
			`UPDATE _user SET email = :email, pending_email = NULL, verified = 1,
			        email_verification_code = NULL, email_verification_code_sent_at = NULL,
			        updated = :now
			 WHERE id = :id`,
			sql.Named("email", pending), sql.Named("now", time.Now().Unix()), sql.Named("id", id))
		if err != nil && db.IsUniqueViolation(err) {
			return ErrEmailTaken
		}
		return err
	}
	_, err = s.d.Exec(ctx,
		`UPDATE _user SET verified = 1,
		        email_verification_code = NULL, email_verification_code_sent_at = NULL,
		        updated = :now
		 WHERE id = :id`,
		sql.Named("now", time.Now().Unix()), sql.Named("id", id))
	return err
}

// RequestEmailVerification re-issues a verification code, rate limited per
// user.
func (s *Service) RequestEmailVerification(ctx context.Context, email string) error {
	email, err := normalizeEmail(email)
	if err != nil {
		return err
	}
	u, err := s.userByEmail(ctx, email)
	if err != nil {
		// Do not leak account existence.
		if errors.Is(err, ErrUserNotFound) {
			return nil
		}
		return err
	}
	if u.Verified {
		return nil
	}
	if err := s.checkSendRate(ctx, u.ID, "email_verification_code_sent_at"); err != nil {
		return err
	}
	code, err := randomCode(codeBytes)
	if err != nil {
		return err
	}
	_, err = s.d.Exec(ctx,
		`UPDATE _user SET email_verification_code = :code, email_verification_code_sent_at = :now
		 WHERE id = :id`,
		sql.Named("code", code), sql.Named("now", time.Now().Unix()), sql.Named("id", u.ID))
	if err != nil {
		return err
	}
	s.sendVerificationEmail(ctx, email, code)
	return nil
}

// RequestPasswordReset issues a reset code. Always succeeds for unknown
// addresses to avoid account enumeration.
func (s *Service) RequestPasswordReset(ctx context.Context, email string) error {
	email, err := normalizeEmail(email)
	if err != nil {
		return err
	}
	u, err := s.userByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return nil
		}
		return err
	}
	if err := s.checkSendRate(ctx, u.ID, "password_reset_code_sent_at"); err != nil {
		return err
	}
	code, err := randomCode(codeBytes)
	if err != nil {
		return err
	}
	_, err = s.d.Exec(ctx,
		`UPDATE _user SET password_reset_code = :code, password_reset_code_sent_at = :now
		 WHERE id = :id`,
		sql.Named("code", code), sql.Named("now", time.Now().Unix()), sql.Named("id", u.ID))
	if err != nil {
		return err
	}
	s.sendMail(ctx, email, "Reset your password",
		fmt.Sprintf("Visit %s/_/auth/reset_password?code=%s to choose a new password.", s.siteURL(), code))
	return nil
}

// ResetPassword consumes a reset code and sets a new password. All sessions
// of the user are revoked.
func (s *Service) ResetPassword(ctx context.Context, code, newPassword string) error {
	if code == "" {
		return ErrCodeInvalid
	}
	if err := s.checkPasswordPolicy(newPassword); err != nil {
		return err
	}
	cutoff := time.Now().Add(-passwordResetTTL).Unix()
	row, err := s.d.QueryRow(ctx,
		`SELECT id FROM _user
		 WHERE password_reset_code = :code AND password_reset_code_sent_at > :cutoff`,
		sql.Named("code", code), sql.Named("cutoff", cutoff))
	if err != nil {
		return fmt.Errorf("looking up reset code: %w", err)
	}
	if row == nil {
		return ErrCodeInvalid
	}
	id, _ := row["id"].([]byte)

	hash, err := pwhash.Hash(newPassword)
	if err != nil {
		return fmt.Errorf("hashing password: %w", err)
	}
	err = s.d.Tx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`UPDATE _user SET password_hash = :hash,
			        password_reset_code = NULL, password_reset_code_sent_at = NULL,
			        updated = :now
			 WHERE id = :id`,
			sql.Named("hash", hash), sql.Named("now", time.Now().Unix()), sql.Named("id", id)); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx,
			`DELETE FROM _session WHERE user_id = :uid`, sql.Named("uid", id))
		return err
	})
	return err
}

// ChangePassword verifies the old password and swaps in the new one. Other
// sessions of the user are revoked; the caller keeps theirs.
func (s *Service) ChangePassword(ctx context.Context, userID []byte, oldPassword, newPassword, keepRefreshToken string) error {
	u, err := s.UserByID(ctx, userID)
	if err != nil {
		return err
	}
	if u.passwordHash != "" {
		ok, err := pwhash.Verify(u.passwordHash, oldPassword)
		if err != nil {
			return fmt.Errorf("verifying password: %w", err)
		}
		if !ok {
			return ErrInvalidCredentials
		}
	}
	if err := s.checkPasswordPolicy(newPassword); err != nil {
		return err
	}
	hash, err := pwhash.Hash(newPassword)
	if err != nil {
		return fmt.Errorf("hashing password: %w", err)
	}
	return s.d.Tx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`UPDATE _user SET password_hash = :hash, updated = :now WHERE id = :id`,
			sql.Named("hash", hash), sql.Named("now", time.Now().Unix()), sql.Named("id", userID)); err != nil {
			return err
		}
		if keepRefreshToken != "" {
			_, err := tx.ExecContext(ctx,
				`DELETE FROM _session WHERE user_id = :uid AND refresh_token <> :rt`,
				sql.Named("uid", userID), sql.Named("rt", hashToken(keepRefreshToken)))
			return err
		}
		_, err := tx.ExecContext(ctx,
			`DELETE FROM _session WHERE user_id = :uid`, sql.Named("uid", userID))
		return err
	})
}

// ChangeEmail stages a new address and mails a confirmation link to it. The
// address only takes effect once the link is clicked.
func (s *Service) ChangeEmail(ctx context.Context, userID []byte, newEmail string) error {
	newEmail, err := normalizeEmail(newEmail)
	if err != nil {
		return err
	}
	existing, err := s.userByEmail(ctx, newEmail)
	if err != nil && !errors.Is(err, ErrUserNotFound) {
		return err
	}
	if existing != nil {
		return ErrEmailTaken
	}
	code, err := randomCode(codeBytes)
	if err != nil {
		return err
	}
	_, err = s.d.Exec(ctx,
		`UPDATE _user SET pending_email = :email,
		        email_verification_code = :code, email_verification_code_sent_at = :now
		 WHERE id = :id`,
		sql.Named("email", newEmail), sql.Named("code", code),
		sql.Named("now", time.Now().Unix()), sql.Named("id", userID))
	if err != nil {
		return err
	}
	s.sendMail(ctx, newEmail, "Confirm your new email address",
		fmt.Sprintf("Visit %s/_/auth/verify_email?code=%s to confirm this address.", s.siteURL(), code))
	return nil
}

// RequestOTP issues a one-time login code, rate limited per user. Unknown
// addresses succeed silently.
func (s *Service) RequestOTP(ctx context.Context, email string) error {
	email, err := normalizeEmail(email)
	if err != nil {
		return err
	}
	u, err := s.userByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return nil
		}
		return err
	}
	if err := s.checkSendRate(ctx, u.ID, "otp_sent_at"); err != nil {
		return err
	}
	code, err := randomCode(6)
	if err != nil {
		return err
	}
	_, err = s.d.Exec(ctx,
		`UPDATE _user SET otp_code = :code, otp_sent_at = :now WHERE id = :id`,
		sql.Named("code", code), sql.Named("now", time.Now().Unix()), sql.Named("id", u.ID))
	if err != nil {
		return err
	}
	s.sendMail(ctx, email, "Your login code",
		fmt.Sprintf("Your one-time login code is: %s\nIt expires in %d minutes.",
			code, s.authCfg().OTPTTLSec/60))
	return nil
}

// VerifyOTP consumes a one-time code and issues tokens. A successful OTP
// login also proves address ownership, so the account is marked verified.
func (s *Service) VerifyOTP(ctx context.Context, email, code string) (*Tokens, error) {
	email, err := normalizeEmail(email)
	if err != nil {
		return nil, ErrCodeInvalid
	}
	if code == "" {
		return nil, ErrCodeInvalid
	}
	cutoff := time.Now().Add(-time.Duration(s.authCfg().OTPTTLSec) * time.Second).Unix()
	row, err := s.d.QueryRow(ctx,
		`SELECT id FROM _user
		 WHERE email = :email AND otp_code = :code AND otp_sent_at > :cutoff`,
		sql.Named("email", email), sql.Named("code", code), sql.Named("cutoff", cutoff))
	if err != nil {
		return nil, fmt.Errorf("looking up otp: %w", err)
	}
	if row == nil {
		return nil, ErrCodeInvalid
	}
	id, _ := row["id"].([]byte)
	_, err = s.d.Exec(ctx,
		`UPDATE _user SET otp_code = NULL, otp_sent_at = NULL, verified = 1, updated = :now
		 WHERE id = :id`,
		sql.Named("now", time.Now().Unix()), sql.Named("id", id))
	if err != nil {
		return nil, err
	}
	u, err := s.UserByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.issueTokens(ctx, u)
}

// UserByID loads one user.
func (s *Service) UserByID(ctx context.Context, id []byte) (*User, error) {
	row, err := s.d.QueryRow(ctx,
		`SELECT * FROM _user WHERE id = :id`, sql.Named("id", id))
	if err != nil {
		return nil, fmt.Errorf("loading user: %w", err)
	}
	if row == nil {
		return nil, ErrUserNotFound
	}
	return scanUser(row), nil
}

func (s *Service) userByEmail(ctx context.Context, email string) (*User, error) {
	row, err := s.d.QueryRow(ctx,
		`SELECT * FROM _user WHERE email = :email`, sql.Named("email", email))
	if err != nil {
		return nil, fmt.Errorf("loading user: %w", err)
	}
	if row == nil {
		return nil, ErrUserNotFound
	}
	return scanUser(row), nil
}

// ListUsers returns users ordered by id with a hard page cap, for the admin
// surface and CLI.
func (s *Service) ListUsers(ctx context.Context, limit, offset int) ([]*User, error) {
	if limit <= 0 || limit > 100 {
		limit = 100
	}
	rows, err := s.d.Query(ctx,
		`SELECT * FROM _user ORDER BY id LIMIT :limit OFFSET :offset`,
		sql.Named("limit", limit), sql.Named("offset", offset))
	if err != nil {
		return nil, fmt.Errorf("listing users: %w", err)
	}
	users := make([]*User, len(rows))
	for i, row := range rows {
		users[i] = scanUser(row)
	}
	return users, nil
}

// DeleteUser removes a user, their sessions and avatar.
func (s *Service) DeleteUser(ctx context.Context, id []byte) error {
	return s.d.Tx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM _session WHERE user_id = :id`, sql.Named("id", id)); err != nil {
			return err
		}
		// The avatar object outlives the row until the cleaner sweeps it.
		if err := enqueueAvatarDeletion(ctx, tx, id); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM _user_avatar WHERE user_id = :id`, sql.Named("id", id)); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx,
			`DELETE FROM _user WHERE id = :id`, sql.Named("id", id))
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrUserNotFound
		}
		return nil
	})
}

// CreateUser inserts a user directly, bypassing email verification. Used by
// the CLI and the admin API.
func (s *Service) CreateUser(ctx context.Context, email, password string, admin, verified bool) (*User, error) {
	email, err := normalizeEmail(email)
	if err != nil {
		return nil, err
	}
	if err := s.checkPasswordPolicy(password); err != nil {
		return nil, err
	}
	hash, err := pwhash.Hash(password)
	if err != nil {
		return nil, fmt.Errorf("hashing password: %w", err)
	}
	id := newUserID()
	now := time.Now().Unix()
	_, err = s.d.Exec(ctx,
		`INSERT INTO _user (id, email, password_hash, verified, admin, created, updated)
		 VALUES (:id, :email, :hash, :verified, :admin, :now, :now)`,
		sql.Named("id", id), sql.Named("email", email), sql.Named("hash", hash),
		sql.Named("verified", boolInt(verified)), sql.Named("admin", boolInt(admin)),
		sql.Named("now", now))
	if err != nil {
		if db.IsUniqueViolation(err) {
			return nil, ErrEmailTaken
		}
		return nil, fmt.Errorf("creating user: %w", err)
	}
	return s.UserByID(ctx, id)
}

// DeleteExpiredSessions removes sessions past the refresh window. Run by the
// periodic session janitor job.
func (s *Service) DeleteExpiredSessions(ctx context.Context) (int64, error) {
	cutoff := time.Now().Add(-s.refreshTTL()).Unix()
	res, err := s.d.Exec(ctx,
		`DELETE FROM _session WHERE updated <= :cutoff`, sql.Named("cutoff", cutoff))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// checkSendRate enforces the per-user minimum interval between outbound
// code emails for the given sent_at column.
func (s *Service) checkSendRate(ctx context.Context, userID []byte, sentAtColumn string) error {
	limit := int64(s.authCfg().OTPRateLimitSec)
	if limit <= 0 {
		return nil
	}
	// sentAtColumn is one of our own column names, never user input.
	row, err := s.d.QueryRow(ctx,
		fmt.Sprintf(`SELECT 1 AS hit FROM _user WHERE id = :id AND %s > :cutoff`, sentAtColumn),
		sql.Named("id", userID), sql.Named("cutoff", time.Now().Unix()-limit))
	if err != nil {
		return err
	}
	if row != nil {
		return ErrRateLimited
	}
	return nil
}

func (s *Service) checkPasswordPolicy(password string) error {
	cfg := s.authCfg()
	if len(password) < cfg.MinPasswordLength {
		return ErrWeakPassword
	}
	if cfg.RequireMixedCase {
		var hasUpper, hasLower bool
		for _, r := range password {
			hasUpper = hasUpper || unicode.IsUpper(r)
			hasLower = hasLower || unicode.IsLower(r)
		}
		if !hasUpper || !hasLower {
			return ErrWeakPassword
		}
	}
	if cfg.RequireDigit && !strings.ContainsFunc(password, unicode.IsDigit) {
		return ErrWeakPassword
	}
	return nil
}

func (s *Service) sendVerificationEmail(ctx context.Context, email, code string) {
	s.sendMail(ctx, email, "Verify your email address",
		fmt.Sprintf("Visit %s/_/auth/verify_email?code=%s to verify your address.", s.siteURL(), code))
}

// sendMail delivers asynchronously; a mail failure never fails the request
// that triggered it.
func (s *Service) sendMail(ctx context.Context, to, subject, body string) {
	if s.mailer == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer cancel()
		if err := s.mailer.Send(ctx, to, subject, body); err != nil {
			s.logger.Error("sending email", "to", to, "subject", subject, "error", err)
		}
	}()
}

func normalizeEmail(email string) (string, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return "", ErrInvalidEmail
	}
	return email, nil
}

func newUserID() []byte {
	id, err := uuid.NewV7()
	if err != nil {
		// NewV7 only fails if the entropy source does.
		panic(err)
	}
	return id[:]
}

// parseUserID accepts both uuid text and the URL-safe base64 form used in
// token subjects.
func parseUserID(s string) ([]byte, error) {
	if id, err := uuid.Parse(s); err == nil {
		return id[:], nil
	}
	if raw, err := base64.RawURLEncoding.DecodeString(s); err == nil && len(raw) == 16 {
		return raw, nil
	}
	return nil, errors.New("invalid user id")
}

func scanUser(row map[string]any) *User {
	u := &User{}
	u.ID, _ = row["id"].([]byte)
	u.Email, _ = row["email"].(string)
	u.Verified = asInt(row["verified"]) != 0
	u.Admin = asInt(row["admin"]) != 0
	u.Created = asInt(row["created"])
	u.Updated = asInt(row["updated"])
	u.ProviderID = asInt(row["provider_id"])
	u.ProviderUserID, _ = row["provider_user_id"].(string)
	u.passwordHash, _ = row["password_hash"].(string)
	return u
}

func asInt(v any) int64 {
	switch t := v.(type) {
	case int64:
		return t
	case int:
		return int64(t)
	case float64:
		return int64(t)
	case bool:
		if t {
			return 1
		}
	}
	return 0
}

func boolInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}
