package auth

import (
	"context"
	"net/http"

	"github.com/bedrockdb/bedrock/internal/httputil"
)

type contextKey int

const currentUserKey contextKey = 0

// CurrentUser is the authenticated requester, attached to the request
// context by the middleware. User is the fresh _user row, so the admin flag
// and verified state reflect the database, not just the token.
type CurrentUser struct {
	User       *User
	Claims     *Claims
	FromCookie bool
}

// UserFromContext returns the authenticated user, or nil for anonymous
// requests.
func UserFromContext(ctx context.Context) *CurrentUser {
	u, _ := ctx.Value(currentUserKey).(*CurrentUser)
	return u
}

// authenticate resolves the request's access token into a CurrentUser.
// Returns (nil, nil) when no token is present.
func (s *Service) authenticate(r *http.Request) (*CurrentUser, error) {
	token, fromCookie := httputil.ExtractAuthToken(r)
	if token == "" {
		return nil, nil
	}
	claims, err := s.ValidateToken(token)
	if err != nil {
		return nil, err
	}
	id, err := claims.UserID()
	if err != nil {
		return nil, err
	}
	u, err := s.UserByID(r.Context(), id)
	if err != nil {
		return nil, err
	}

	// Cookie-authenticated mutations must echo the token's csrf_token in the
	// CSRF-Token header. Bearer auth is not cookie-forgeable and skips this.
	if fromCookie && isMutation(r.Method) {
		if r.Header.Get(httputil.CSRFHeaderName) != claims.CSRFToken {
			return nil, ErrInvalidCredentials
		}
	}
	return &CurrentUser{User: u, Claims: claims, FromCookie: fromCookie}, nil
}

// OptionalAuth attaches the current user when a valid token is present and
// passes anonymous requests through. An invalid token is rejected rather
// than downgraded.
func (s *Service) OptionalAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cu, err := s.authenticate(r)
		if err != nil {
			httputil.WriteError(w, http.StatusUnauthorized, "invalid or expired token")
			return
		}
		if cu != nil {
			r = r.WithContext(context.WithValue(r.Context(), currentUserKey, cu))
		}
		next.ServeHTTP(w, r)
	})
}

// RequireAuth rejects anonymous requests.
func (s *Service) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cu, err := s.authenticate(r)
		if err != nil || cu == nil {
			httputil.WriteError(w, http.StatusUnauthorized, "authentication required")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), currentUserKey, cu)))
	})
}

// RequireAdmin rejects everyone without the admin flag.
func (s *Service) RequireAdmin(next http.Handler) http.Handler {
	return s.RequireAuth(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cu := UserFromContext(r.Context())
		if cu == nil || !cu.User.Admin {
			httputil.WriteError(w, http.StatusForbidden, "admin access required")
			return
		}
		next.ServeHTTP(w, r)
	}))
}

func isMutation(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return false
	}
	return true
}
