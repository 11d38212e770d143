package auth

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/bedrockdb/bedrock/internal/httputil"
	"github.com/bedrockdb/bedrock/internal/storage"
)

// Handler serves /api/auth/v1.
type Handler struct {
	svc    *Service
	store  storage.ObjectStore
	logger *slog.Logger
}

// NewHandler creates the auth API handler. Avatar bytes live in the object
// store; only their metadata is kept in the database.
func NewHandler(svc *Service, store storage.ObjectStore, logger *slog.Logger) *Handler {
	return &Handler{svc: svc, store: store, logger: logger}
}

// Routes returns the auth API router.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Post("/register", h.register)
	r.Post("/login", h.login)
	r.Post("/token", h.token)
	r.Post("/refresh", h.refresh)
	r.Post("/verify_email", h.verifyEmail)
	r.Post("/resend_verification", h.resendVerification)
	r.Post("/password_reset/request", h.requestPasswordReset)
	r.Post("/password_reset/confirm", h.confirmPasswordReset)
	r.Post("/otp/request", h.requestOTP)
	r.Post("/otp/verify", h.verifyOTP)

	r.Get("/oauth/providers", h.oauthProviders)
	r.Get("/oauth/{provider}/login", h.oauthLogin)
	r.Get("/oauth/{provider}/callback", h.oauthCallback)

	r.Get("/avatar/{userID}", h.getAvatar)

	r.Group(func(r chi.Router) {
		r.Use(h.svc.RequireAuth)
		r.Get("/status", h.status)
		r.Post("/logout", h.logout)
		r.Post("/change_password", h.changePassword)
		r.Post("/change_email", h.changeEmail)
		r.Put("/avatar", h.putAvatar)
		r.Delete("/avatar", h.deleteAvatar)
	})
	return r
}

// writeAuthError maps service sentinels onto HTTP statuses.
func writeAuthError(w http.ResponseWriter, logger *slog.Logger, err error) {
	switch {
	case errors.Is(err, ErrInvalidCredentials), errors.Is(err, ErrSessionNotFound):
		httputil.WriteError(w, http.StatusUnauthorized, "invalid credentials")
	case errors.Is(err, ErrUserNotFound), errors.Is(err, ErrCodeInvalid), errors.Is(err, ErrUnknownProvider):
		httputil.WriteError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, ErrEmailTaken):
		httputil.WriteError(w, http.StatusConflict, err.Error())
	case errors.Is(err, ErrInvalidEmail), errors.Is(err, ErrWeakPassword):
		httputil.WriteError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrPasswordAuthDisabled):
		httputil.WriteError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, ErrRateLimited):
		httputil.WriteError(w, http.StatusTooManyRequests, err.Error())
	default:
		logger.Error("auth request failed", "error", err)
		httputil.WriteError(w, http.StatusInternalServerError, "internal error")
	}
}

type credentialsRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (h *Handler) register(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if !httputil.DecodeJSON(w, r, &req) {
		return
	}
	u, err := h.svc.Register(r.Context(), req.Email, req.Password)
	if err != nil {
		writeAuthError(w, h.logger, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, u)
}

func (h *Handler) login(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if !httputil.DecodeJSON(w, r, &req) {
		return
	}
	tokens, err := h.svc.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		writeAuthError(w, h.logger, err)
		return
	}
	h.setAuthCookies(w, tokens)
	httputil.WriteJSON(w, http.StatusOK, tokens)
}

// token is the PKCE exchange: authorization code plus verifier in, token set
// out. Used by native and SPA clients after an OAuth code-flow login.
func (h *Handler) token(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AuthorizationCode string `json:"authorization_code"`
		PKCECodeVerifier  string `json:"pkce_code_verifier"`
	}
	if !httputil.DecodeJSON(w, r, &req) {
		return
	}
	tokens, err := h.svc.ExchangeAuthorizationCode(r.Context(), req.AuthorizationCode, req.PKCECodeVerifier)
	if err != nil {
		writeAuthError(w, h.logger, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, tokens)
}

func (h *Handler) refresh(w http.ResponseWriter, r *http.Request) {
	refreshToken := httputil.ExtractRefreshToken(r)
	if refreshToken == "" {
		var req struct {
			RefreshToken string `json:"refresh_token"`
		}
		if !httputil.DecodeJSON(w, r, &req) {
			return
		}
		refreshToken = req.RefreshToken
	}
	access, csrf, err := h.svc.Refresh(r.Context(), refreshToken)
	if err != nil {
		writeAuthError(w, h.logger, err)
		return
	}
	if _, err := r.Cookie(httputil.AuthCookieName); err == nil {
		h.setCookie(w, httputil.AuthCookieName, access, h.svc.refreshTTL())
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"auth_token": access,
		"csrf_token": csrf,
		"expires_in": int64(h.svc.tokenTTL().Seconds()),
	})
}

func (h *Handler) logout(w http.ResponseWriter, r *http.Request) {
	cu := UserFromContext(r.Context())
	if err := h.svc.Logout(r.Context(), cu.User.ID, httputil.ExtractRefreshToken(r)); err != nil {
		writeAuthError(w, h.logger, err)
		return
	}
	h.clearAuthCookies(w)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) status(w http.ResponseWriter, r *http.Request) {
	cu := UserFromContext(r.Context())
	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"user":       cu.User,
		"csrf_token": cu.Claims.CSRFToken,
		"expires_at": cu.Claims.ExpiresAt.Unix(),
	})
}

func (h *Handler) verifyEmail(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Code string `json:"code"`
	}
	if !httputil.DecodeJSON(w, r, &req) {
		return
	}
	if err := h.svc.VerifyEmail(r.Context(), req.Code); err != nil {
		writeAuthError(w, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) resendVerification(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email string `json:"email"`
	}
	if !httputil.DecodeJSON(w, r, &req) {
		return
	}
	if err := h.svc.RequestEmailVerification(r.Context(), req.Email); err != nil {
		writeAuthError(w, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) requestPasswordReset(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email string `json:"email"`
	}
	if !httputil.DecodeJSON(w, r, &req) {
		return
	}
	if err := h.svc.RequestPasswordReset(r.Context(), req.Email); err != nil {
		writeAuthError(w, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) confirmPasswordReset(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Code     string `json:"code"`
		Password string `json:"password"`
	}
	if !httputil.DecodeJSON(w, r, &req) {
		return
	}
	if err := h.svc.ResetPassword(r.Context(), req.Code, req.Password); err != nil {
		writeAuthError(w, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) changePassword(w http.ResponseWriter, r *http.Request) {
	cu := UserFromContext(r.Context())
	var req struct {
		OldPassword string `json:"old_password"`
		NewPassword string `json:"new_password"`
	}
	if !httputil.DecodeJSON(w, r, &req) {
		return
	}
	err := h.svc.ChangePassword(r.Context(), cu.User.ID, req.OldPassword, req.NewPassword,
		httputil.ExtractRefreshToken(r))
	if err != nil {
		writeAuthError(w, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) changeEmail(w http.ResponseWriter, r *http.Request) {
	cu := UserFromContext(r.Context())
	var req struct {
		Email string `json:"email"`
	}
	if !httputil.DecodeJSON(w, r, &req) {
		return
	}
	if err := h.svc.ChangeEmail(r.Context(), cu.User.ID, req.Email); err != nil {
		writeAuthError(w, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) requestOTP(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email string `json:"email"`
	}
	if !httputil.DecodeJSON(w, r, &req) {
		return
	}
	if err := h.svc.RequestOTP(r.Context(), req.Email); err != nil {
		writeAuthError(w, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) verifyOTP(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email string `json:"email"`
		Code  string `json:"code"`
	}
	if !httputil.DecodeJSON(w, r, &req) {
		return
	}
	tokens, err := h.svc.VerifyOTP(r.Context(), req.Email, req.Code)
	if err != nil {
		writeAuthError(w, h.logger, err)
		return
	}
	h.setAuthCookies(w, tokens)
	httputil.WriteJSON(w, http.StatusOK, tokens)
}

func (h *Handler) oauthProviders(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"providers": h.svc.ProviderNames(),
	})
}

func (h *Handler) oauthLogin(w http.ResponseWriter, r *http.Request) {
	p, err := h.svc.Provider(chi.URLParam(r, "provider"))
	if err != nil {
		writeAuthError(w, h.logger, err)
		return
	}
	q := r.URL.Query()
	redirectTo := q.Get("redirect_to")
	responseType := q.Get("response_type")
	clientChallenge := q.Get("pkce_code_challenge")

	if !safeRedirect(redirectTo) {
		httputil.WriteError(w, http.StatusBadRequest, "redirect_to must be a relative path or custom scheme")
		return
	}
	if responseType == "code" && clientChallenge == "" {
		httputil.WriteError(w, http.StatusBadRequest, "response_type=code requires pkce_code_challenge")
		return
	}

	authURL, cookie, err := h.svc.BeginOAuth(p, redirectTo, responseType, clientChallenge)
	if err != nil {
		writeAuthError(w, h.logger, err)
		return
	}
	http.SetCookie(w, cookie)
	http.Redirect(w, r, authURL, http.StatusFound)
}

func (h *Handler) oauthCallback(w http.ResponseWriter, r *http.Request) {
	p, err := h.svc.Provider(chi.URLParam(r, "provider"))
	if err != nil {
		writeAuthError(w, h.logger, err)
		return
	}
	q := r.URL.Query()
	if errCode := q.Get("error"); errCode != "" {
		httputil.WriteError(w, http.StatusBadRequest, "oauth provider error: "+errCode)
		return
	}
	state, err := h.svc.parseStateCookie(r, p.Name, q.Get("state"))
	if err != nil {
		httputil.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	// The state cookie is single-use.
	http.SetCookie(w, &http.Cookie{
		Name: stateCookieName, Path: "/api/auth/v1/oauth", MaxAge: -1, HttpOnly: true,
	})

	u, err := h.svc.CompleteOAuth(r.Context(), p, q.Get("code"), state.Verifier)
	if err != nil {
		writeAuthError(w, h.logger, err)
		return
	}

	redirectTo := state.RedirectTo
	if redirectTo == "" {
		redirectTo = "/"
	}

	if state.ResponseType == "code" {
		code, err := h.svc.MintAuthorizationCode(r.Context(), u.ID, state.ClientChallenge)
		if err != nil {
			writeAuthError(w, h.logger, err)
			return
		}
		sep := "?"
		if strings.Contains(redirectTo, "?") {
			sep = "&"
		}
		http.Redirect(w, r, redirectTo+sep+"code="+url.QueryEscape(code), http.StatusFound)
		return
	}

	tokens, err := h.svc.issueTokens(r.Context(), u)
	if err != nil {
		writeAuthError(w, h.logger, err)
		return
	}
	h.setAuthCookies(w, tokens)
	http.Redirect(w, r, redirectTo, http.StatusFound)
}

const maxAvatarSize = 1 << 20

// avatarMeta is the std.FileUpload document stored in _user_avatar.json.
type avatarMeta struct {
	ID          string `json:"id"`
	Filename    string `json:"filename,omitempty"`
	ContentType string `json:"content_type,omitempty"`
	MimeType    string `json:"mime_type,omitempty"`
	Size        int64  `json:"size,omitempty"`
}

func (h *Handler) getAvatar(w http.ResponseWriter, r *http.Request) {
	id, err := parseUserID(chi.URLParam(r, "userID"))
	if err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "invalid user id")
		return
	}
	row, err := h.svc.d.QueryRow(r.Context(),
		`SELECT json FROM _user_avatar WHERE user_id = :id`, sql.Named("id", id))
	if err != nil {
		writeAuthError(w, h.logger, err)
		return
	}
	if row == nil {
		httputil.WriteError(w, http.StatusNotFound, "no avatar")
		return
	}
	payload, _ := row["json"].(string)
	var meta avatarMeta
	if err := json.Unmarshal([]byte(payload), &meta); err != nil || meta.ID == "" {
		httputil.WriteError(w, http.StatusNotFound, "no avatar")
		return
	}
	rd, err := h.store.Get(r.Context(), meta.ID)
	if err != nil {
		if err == storage.ErrNotFound {
			httputil.WriteError(w, http.StatusNotFound, "no avatar")
			return
		}
		writeAuthError(w, h.logger, err)
		return
	}
	defer rd.Close()

	contentType := meta.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Cache-Control", "private, max-age=300")
	if _, err := io.Copy(w, rd); err != nil {
		h.logger.Warn("streaming avatar", "error", err)
	}
}

func (h *Handler) putAvatar(w http.ResponseWriter, r *http.Request) {
	cu := UserFromContext(r.Context())
	contentType := r.Header.Get("Content-Type")
	if !strings.HasPrefix(contentType, "image/") {
		httputil.WriteError(w, http.StatusBadRequest, "avatar must be an image")
		return
	}
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxAvatarSize))
	if err != nil {
		httputil.WriteError(w, http.StatusRequestEntityTooLarge,
			fmt.Sprintf("avatar exceeds %d bytes", maxAvatarSize))
		return
	}

	meta := avatarMeta{
		ID:          uuid.NewString(),
		Filename:    "avatar",
		ContentType: contentType,
		MimeType:    contentType,
		Size:        int64(len(data)),
	}
	encoded, err := json.Marshal(meta)
	if err != nil {
		writeAuthError(w, h.logger, err)
		return
	}
	if err := h.store.Put(r.Context(), meta.ID, bytes.NewReader(data), meta.Size, contentType); err != nil {
		writeAuthError(w, h.logger, err)
		return
	}

	// The replaced object, if any, goes to the deferred cleaner in the same
	// transaction that swaps the metadata.
	err = h.svc.d.Tx(r.Context(), func(tx *sql.Tx) error {
		if err := enqueueAvatarDeletion(r.Context(), tx, cu.User.ID); err != nil {
			return err
		}
		_, err := tx.ExecContext(r.Context(),
			`INSERT INTO _user_avatar (user_id, json, updated)
			 VALUES (:id, :json, :now)
			 ON CONFLICT (user_id) DO UPDATE SET json = :json, updated = :now`,
			sql.Named("id", cu.User.ID), sql.Named("json", string(encoded)),
			sql.Named("now", time.Now().Unix()))
		return err
	})
	if err != nil {
		if derr := h.store.Delete(r.Context(), meta.ID); derr != nil {
			h.logger.Warn("removing staged avatar", "id", meta.ID, "error", derr)
		}
		writeAuthError(w, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) deleteAvatar(w http.ResponseWriter, r *http.Request) {
	cu := UserFromContext(r.Context())
	err := h.svc.d.Tx(r.Context(), func(tx *sql.Tx) error {
		if err := enqueueAvatarDeletion(r.Context(), tx, cu.User.ID); err != nil {
			return err
		}
		_, err := tx.ExecContext(r.Context(),
			`DELETE FROM _user_avatar WHERE user_id = :id`, sql.Named("id", cu.User.ID))
		return err
	})
	if err != nil {
		writeAuthError(w, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// enqueueAvatarDeletion queues the user's current avatar object, when one
// exists, for the deferred file cleaner.
func enqueueAvatarDeletion(ctx context.Context, tx *sql.Tx, userID []byte) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO _file_deletions (deleted, table_name, record_rowid, column_name, json)
		 SELECT :now, '_user_avatar', 0, 'json', json FROM _user_avatar WHERE user_id = :id`,
		sql.Named("now", time.Now().Unix()), sql.Named("id", userID))
	return err
}

// setAuthCookies sets the auth and refresh cookies for browser clients. API
// clients use the JSON body and ignore these.
func (h *Handler) setAuthCookies(w http.ResponseWriter, tokens *Tokens) {
	h.setCookie(w, httputil.AuthCookieName, tokens.AccessToken, h.svc.refreshTTL())
	h.setCookie(w, httputil.RefreshCookieName, tokens.RefreshToken, h.svc.refreshTTL())
}

func (h *Handler) setCookie(w http.ResponseWriter, name, value string, ttl time.Duration) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		MaxAge:   int(ttl.Seconds()),
		HttpOnly: true,
		Secure:   strings.HasPrefix(h.svc.siteURL(), "https://"),
		SameSite: http.SameSiteLaxMode,
	})
}

func (h *Handler) clearAuthCookies(w http.ResponseWriter) {
	for _, name := range []string{httputil.AuthCookieName, httputil.RefreshCookieName} {
		http.SetCookie(w, &http.Cookie{Name: name, Path: "/", MaxAge: -1, HttpOnly: true})
	}
}

// safeRedirect allows relative paths and custom app schemes, never absolute
// http(s) URLs to third-party hosts.
func safeRedirect(to string) bool {
	if to == "" {
		return true
	}
	if strings.HasPrefix(to, "//") {
		return false
	}
	if strings.HasPrefix(to, "/") {
		return true
	}
	u, err := url.Parse(to)
	if err != nil {
		return false
	}
	return u.Scheme != "" && u.Scheme != "http" && u.Scheme != "https"
}
