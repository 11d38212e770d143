package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/bedrockdb/bedrock/internal/httputil"
	"github.com/bedrockdb/bedrock/internal/testutil"
)

// echoUser replies with the authenticated email, or "-" for anonymous.
func echoUser() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cu := UserFromContext(r.Context())
		if cu == nil {
			w.Write([]byte("-"))
			return
		}
		w.Write([]byte(cu.User.Email))
	})
}

func loginFor(t *testing.T, s *Service, email string) *Tokens {
	t.Helper()
	tok, err := s.Login(context.Background(), email, "long enough 1")
	testutil.NoError(t, err)
	return tok
}

func TestOptionalAuthAnonymous(t *testing.T) {
	s, _ := newTestService(t)

	rec := httptest.NewRecorder()
	s.OptionalAuth(echoUser()).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	testutil.StatusCode(t, http.StatusOK, rec.Code)
	testutil.Equal(t, "-", rec.Body.String())
}

func TestOptionalAuthRejectsBadToken(t *testing.T) {
	s, _ := newTestService(t)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer garbage")
	rec := httptest.NewRecorder()
	s.OptionalAuth(echoUser()).ServeHTTP(rec, req)

	testutil.StatusCode(t, http.StatusUnauthorized, rec.Code)
}

func TestRequireAuthBearer(t *testing.T) {
	s, _ := newTestService(t)
	_, err := s.CreateUser(context.Background(), "tess@example.com", "long enough 1", false, true)
	testutil.NoError(t, err)
	tok := loginFor(t, s, "tess@example.com")

	rec := httptest.NewRecorder()
	s.RequireAuth(echoUser()).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	testutil.StatusCode(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+tok.AccessToken)
	rec = httptest.NewRecorder()
	s.RequireAuth(echoUser()).ServeHTTP(rec, req)

	testutil.StatusCode(t, http.StatusOK, rec.Code)
	testutil.Equal(t, "tess@example.com", rec.Body.String())
}

func TestRequireAdmin(t *testing.T) {
	s, _ := newTestService(t)
	ctx := context.Background()
	_, err := s.CreateUser(ctx, "user@example.com", "long enough 1", false, true)
	testutil.NoError(t, err)
	_, err = s.CreateUser(ctx, "root@example.com", "long enough 1", true, true)
	testutil.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+loginFor(t, s, "user@example.com").AccessToken)
	rec := httptest.NewRecorder()
	s.RequireAdmin(echoUser()).ServeHTTP(rec, req)
	testutil.StatusCode(t, http.StatusForbidden, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+loginFor(t, s, "root@example.com").AccessToken)
	rec = httptest.NewRecorder()
	s.RequireAdmin(echoUser()).ServeHTTP(rec, req)
	testutil.StatusCode(t, http.StatusOK, rec.Code)
}

// The admin flag comes from the database, not the token: revoking admin takes
// effect immediately, tokens minted before the change included.
func TestAdminFlagReadFromDatabase(t *testing.T) {
	s, d := newTestService(t)
	ctx := context.Background()
	u, err := s.CreateUser(ctx, "boss@example.com", "long enough 1", true, true)
	testutil.NoError(t, err)
	tok := loginFor(t, s, "boss@example.com")

	testutil.Exec(t, d, "UPDATE _user SET admin = 0 WHERE id = ?", u.ID)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+tok.AccessToken)
	rec := httptest.NewRecorder()
	s.RequireAdmin(echoUser()).ServeHTTP(rec, req)
	testutil.StatusCode(t, http.StatusForbidden, rec.Code)
}

func TestCookieMutationsNeedCSRF(t *testing.T) {
	s, _ := newTestService(t)
	_, err := s.CreateUser(context.Background(), "uma@example.com", "long enough 1", false, true)
	testutil.NoError(t, err)
	tok := loginFor(t, s, "uma@example.com")

	// Cookie-authenticated GET is fine without the header.
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: httputil.AuthCookieName, Value: tok.AccessToken})
	rec := httptest.NewRecorder()
	s.RequireAuth(echoUser()).ServeHTTP(rec, req)
	testutil.StatusCode(t, http.StatusOK, rec.Code)

	// Cookie-authenticated POST without the CSRF header is rejected.
	req = httptest.NewRequest(http.MethodPost, "/", nil)
	req.AddCookie(&http.Cookie{Name: httputil.AuthCookieName, Value: tok.AccessToken})
	rec = httptest.NewRecorder()
	s.RequireAuth(echoUser()).ServeHTTP(rec, req)
	testutil.StatusCode(t, http.StatusUnauthorized, rec.Code)

	// Echoing the token's csrf_token unlocks it.
	req = httptest.NewRequest(http.MethodPost, "/", nil)
	req.AddCookie(&http.Cookie{Name: httputil.AuthCookieName, Value: tok.AccessToken})
	req.Header.Set(httputil.CSRFHeaderName, tok.CSRFToken)
	rec = httptest.NewRecorder()
	s.RequireAuth(echoUser()).ServeHTTP(rec, req)
	testutil.StatusCode(t, http.StatusOK, rec.Code)

	// Bearer auth never needs it.
	req = httptest.NewRequest(http.MethodPost, "/", nil)
	req.Header.Set("Authorization", "Bearer "+tok.AccessToken)
	rec = httptest.NewRecorder()
	s.RequireAuth(echoUser()).ServeHTTP(rec, req)
	testutil.StatusCode(t, http.StatusOK, rec.Code)
}
