package auth

import (
	"context"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"

	"github.com/bedrockdb/bedrock/internal/config"
	"github.com/bedrockdb/bedrock/internal/db"
)

// Stable provider ids stored in _user.provider_id. New providers append;
// existing values never change.
const (
	providerIDPassword int64 = 0
	providerIDGoogle   int64 = 1
	providerIDGitHub   int64 = 2
	providerIDDiscord  int64 = 3
	providerIDCustom   int64 = 100
)

var ErrUnknownProvider = errors.New("unknown oauth provider")

// Provider is one configured external OAuth2 identity provider.
type Provider struct {
	Name        string
	ID          int64
	Config      *oauth2.Config
	UserInfoURL string

	// extractUser maps the provider's userinfo payload to (subject, email,
	// verified).
	extractUser func(body []byte) (subject, email string, verified bool, err error)
}

type wellKnownProvider struct {
	id          int64
	endpoint    oauth2.Endpoint
	userInfoURL string
	scopes      []string
	extractUser func(body []byte) (string, string, bool, error)
}

var wellKnown = map[string]wellKnownProvider{
	"google": {
		id: providerIDGoogle,
		endpoint: oauth2.Endpoint{
			AuthURL:  "https://accounts.google.com/o/oauth2/v2/auth",
			TokenURL: "https://oauth2.googleapis.com/token",
		},
		userInfoURL: "https://openidconnect.googleapis.com/v1/userinfo",
		scopes:      []string{"openid", "email"},
		extractUser: func(body []byte) (string, string, bool, error) {
			var v struct {
				Sub           string `json:"sub"`
				Email         string `json:"email"`
				EmailVerified bool   `json:"email_verified"`
			}
			if err := json.Unmarshal(body, &v); err != nil {
				return "", "", false, err
			}
			return v.Sub, v.Email, v.EmailVerified, nil
		},
	},
	"github": {
		id: providerIDGitHub,
		endpoint: oauth2.Endpoint{
			AuthURL:  "https://github.com/login/oauth/authorize",
			TokenURL: "https://github.com/login/oauth/access_token",
		},
		userInfoURL: "https://api.github.com/user",
		scopes:      []string{"read:user", "user:email"},
		extractUser: func(body []byte) (string, string, bool, error) {
			var v struct {
				ID    int64  `json:"id"`
				Email string `json:"email"`
			}
			if err := json.Unmarshal(body, &v); err != nil {
				return "", "", false, err
			}
			// GitHub verifies all addresses it exposes over the API.
			return fmt.Sprintf("%d", v.ID), v.Email, v.Email != "", nil
		},
	},
	"discord": {
		id: providerIDDiscord,
		endpoint: oauth2.Endpoint{
			AuthURL:  "https://discord.com/oauth2/authorize",
			TokenURL: "https://discord.com/api/oauth2/token",
		},
		userInfoURL: "https://discord.com/api/users/@me",
		scopes:      []string{"identify", "email"},
		extractUser: func(body []byte) (string, string, bool, error) {
			var v struct {
				ID       string `json:"id"`
				Email    string `json:"email"`
				Verified bool   `json:"verified"`
			}
			if err := json.Unmarshal(body, &v); err != nil {
				return "", "", false, err
			}
			return v.ID, v.Email, v.Verified, nil
		},
	},
}

// buildProviders assembles the provider set from configuration. Custom
// providers must supply all three endpoint URLs.
func buildProviders(cfg *config.Config) (map[string]*Provider, error) {
	providers := make(map[string]*Provider, len(cfg.Auth.OAuthProviders))
	for name, pc := range cfg.Auth.OAuthProviders {
		if pc.ClientID == "" || pc.ClientSecret == "" {
			return nil, fmt.Errorf("oauth provider %q: client_id and client_secret are required", name)
		}
		redirect := cfg.Server.SiteURL + "/api/auth/v1/oauth/" + name + "/callback"

		if wk, ok := wellKnown[name]; ok {
			providers[name] = &Provider{
				Name: name,
				ID:   wk.id,
				Config: &oauth2.Config{
					ClientID:     pc.ClientID,
					ClientSecret: pc.ClientSecret,
					Endpoint:     wk.endpoint,
					RedirectURL:  redirect,
					Scopes:       wk.scopes,
				},
				UserInfoURL: wk.userInfoURL,
				extractUser: wk.extractUser,
			}
			continue
		}
		if pc.AuthURL == "" || pc.TokenURL == "" || pc.UserInfoURL == "" {
			return nil, fmt.Errorf("oauth provider %q: custom providers need auth_url, token_url and user_info_url", name)
		}
		providers[name] = &Provider{
			Name: name,
			ID:   providerIDCustom,
			Config: &oauth2.Config{
				ClientID:     pc.ClientID,
				ClientSecret: pc.ClientSecret,
				Endpoint:     oauth2.Endpoint{AuthURL: pc.AuthURL, TokenURL: pc.TokenURL},
				RedirectURL:  redirect,
				Scopes:       []string{"openid", "email"},
			},
			UserInfoURL: pc.UserInfoURL,
			extractUser: func(body []byte) (string, string, bool, error) {
				var v struct {
					Sub           string `json:"sub"`
					Email         string `json:"email"`
					EmailVerified bool   `json:"email_verified"`
				}
				if err := json.Unmarshal(body, &v); err != nil {
					return "", "", false, err
				}
				return v.Sub, v.Email, v.EmailVerified, nil
			},
		}
	}
	return providers, nil
}

// Provider looks up a configured provider by name.
func (s *Service) Provider(name string) (*Provider, error) {
	p, ok := s.providers[name]
	if !ok {
		return nil, ErrUnknownProvider
	}
	return p, nil
}

// ProviderNames lists the configured providers.
func (s *Service) ProviderNames() []string {
	names := make([]string, 0, len(s.providers))
	for n := range s.providers {
		names = append(names, n)
	}
	return names
}

// stateClaims is the signed OAuth state, stored in a short-lived cookie so
// the callback can verify the flow was initiated here. The PKCE verifier for
// the provider leg stays server-side in this cookie; the client's own code
// challenge rides along for the optional auth-code response.
type stateClaims struct {
	jwt.RegisteredClaims
	Provider        string `json:"provider"`
	State           string `json:"state"`
	Verifier        string `json:"verifier"`
	RedirectTo      string `json:"redirect_to,omitempty"`
	ResponseType    string `json:"response_type,omitempty"`
	ClientChallenge string `json:"client_challenge,omitempty"`
}

const (
	stateCookieName = "oauth_state"
	stateTTL        = 5 * time.Minute
)

// BeginOAuth builds the provider redirect URL and the signed state cookie.
// responseType "code" makes the callback answer with an authorization code
// bound to clientChallenge instead of setting session cookies.
func (s *Service) BeginOAuth(p *Provider, redirectTo, responseType, clientChallenge string) (authURL string, cookie *http.Cookie, err error) {
	state, err := randomCode(16)
	if err != nil {
		return "", nil, err
	}
	verifier := oauth2.GenerateVerifier()

	now := time.Now()
	claims := &stateClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(stateTTL)),
		},
		Provider:        p.Name,
		State:           state,
		Verifier:        verifier,
		RedirectTo:      redirectTo,
		ResponseType:    responseType,
		ClientChallenge: clientChallenge,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims).SignedString(s.signingKey)
	if err != nil {
		return "", nil, fmt.Errorf("signing oauth state: %w", err)
	}

	authURL = p.Config.AuthCodeURL(state, oauth2.S256ChallengeOption(verifier))
	cookie = &http.Cookie{
		Name:     stateCookieName,
		Value:    signed,
		Path:     "/api/auth/v1/oauth",
		MaxAge:   int(stateTTL.Seconds()),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	}
	return authURL, cookie, nil
}

// parseStateCookie validates the signed state cookie against the callback's
// provider and state parameter.
func (s *Service) parseStateCookie(r *http.Request, providerName, state string) (*stateClaims, error) {
	cookie, err := r.Cookie(stateCookieName)
	if err != nil {
		return nil, errors.New("missing oauth state cookie")
	}
	claims := &stateClaims{}
	token, err := jwt.ParseWithClaims(cookie.Value, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodEd25519); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return s.signingKey.Public(), nil
	})
	if err != nil || !token.Valid {
		return nil, errors.New("invalid oauth state cookie")
	}
	if claims.Provider != providerName || claims.State == "" || claims.State != state {
		return nil, errors.New("oauth state mismatch")
	}
	return claims, nil
}

// CompleteOAuth exchanges the provider code, fetches the user info and
// upserts the account keyed by (provider_id, provider_user_id).
func (s *Service) CompleteOAuth(ctx context.Context, p *Provider, code, verifier string) (*User, error) {
	tok, err := p.Config.Exchange(ctx, code, oauth2.VerifierOption(verifier))
	if err != nil {
		return nil, fmt.Errorf("exchanging oauth code: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.UserInfoURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := p.Config.Client(ctx, tok).Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching user info: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("user info endpoint returned %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("reading user info: %w", err)
	}

	subject, email, verified, err := p.extractUser(body)
	if err != nil {
		return nil, fmt.Errorf("parsing user info: %w", err)
	}
	if subject == "" || email == "" {
		return nil, errors.New("provider did not return a subject and email")
	}
	email, err = normalizeEmail(email)
	if err != nil {
		return nil, err
	}
	return s.upsertOAuthUser(ctx, p.ID, subject, email, verified)
}

func (s *Service) upsertOAuthUser(ctx context.Context, providerID int64, subject, email string, verified bool) (*User, error) {
	row, err := s.d.QueryRow(ctx,
		`SELECT id FROM _user WHERE provider_id = :pid AND provider_user_id = :sub`,
		sql.Named("pid", providerID), sql.Named("sub", subject))
	if err != nil {
		return nil, fmt.Errorf("looking up oauth user: %w", err)
	}
	now := time.Now().Unix()
	if row != nil {
		id, _ := row["id"].([]byte)
		_, err = s.d.Exec(ctx,
			`UPDATE _user SET email = :email, verified = max(verified, :verified), updated = :now
			 WHERE id = :id`,
			sql.Named("email", email), sql.Named("verified", boolInt(verified)),
			sql.Named("now", now), sql.Named("id", id))
		if err != nil && db.IsUniqueViolation(err) {
			// Another account already holds the provider's current address;
			// keep the stored one.
			return s.UserByID(ctx, id)
		}
		if err != nil {
			return nil, err
		}
		return s.UserByID(ctx, id)
	}

	id := newUserID()
	_, err = s.d.Exec(ctx,
		`INSERT INTO _user (id, email, verified, admin, created, updated, provider_id, provider_user_id)
		 VALUES (:id, :email, :verified, 0, :now, :now, :pid, :sub)`,
		sql.Named("id", id), sql.Named("email", email), sql.Named("verified", boolInt(verified)),
		sql.Named("now", now), sql.Named("pid", providerID), sql.Named("sub", subject))
	if err != nil {
		if db.IsUniqueViolation(err) {
			return nil, ErrEmailTaken
		}
		return nil, fmt.Errorf("creating oauth user: %w", err)
	}
	return s.UserByID(ctx, id)
}

// MintAuthorizationCode issues a short-lived authorization code bound to the
// client's S256 code challenge for the PKCE token exchange.
func (s *Service) MintAuthorizationCode(ctx context.Context, userID []byte, codeChallenge string) (string, error) {
	if codeChallenge == "" {
		return "", errors.New("missing pkce code challenge")
	}
	code, err := randomCode(codeBytes)
	if err != nil {
		return "", err
	}
	_, err = s.d.Exec(ctx,
		`UPDATE _user SET authorization_code = :code, authorization_code_sent_at = :now,
		        pkce_code_challenge = :challenge
		 WHERE id = :id`,
		sql.Named("code", code), sql.Named("now", time.Now().Unix()),
		sql.Named("challenge", codeChallenge), sql.Named("id", userID))
	if err != nil {
		return "", fmt.Errorf("storing authorization code: %w", err)
	}
	return code, nil
}

// ExchangeAuthorizationCode redeems an authorization code plus PKCE verifier
// for a token set. The code is single-use.
func (s *Service) ExchangeAuthorizationCode(ctx context.Context, code, verifier string) (*Tokens, error) {
	if code == "" || verifier == "" {
		return nil, ErrCodeInvalid
	}
	cutoff := time.Now().Add(-authCodeTTL).Unix()
	row, err := s.d.QueryRow(ctx,
		`SELECT id, pkce_code_challenge FROM _user
		 WHERE authorization_code = :code AND authorization_code_sent_at > :cutoff`,
		sql.Named("code", code), sql.Named("cutoff", cutoff))
	if err != nil {
		return nil, fmt.Errorf("looking up authorization code: %w", err)
	}
	if row == nil {
		return nil, ErrCodeInvalid
	}
	id, _ := row["id"].([]byte)
	challenge, _ := row["pkce_code_challenge"].(string)

	if challenge == "" || base64.RawURLEncoding.EncodeToString(s256(verifier)) != challenge {
		return nil, ErrCodeInvalid
	}
	_, err = s.d.Exec(ctx,
		`UPDATE _user SET authorization_code = NULL, authorization_code_sent_at = NULL,
		        pkce_code_challenge = NULL
		 WHERE id = :id`,
		sql.Named("id", id))
	if err != nil {
		return nil, err
	}
	u, err := s.UserByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.issueTokens(ctx, u)
}
