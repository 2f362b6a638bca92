package devapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"dispatch-admin/console/internal/session/domain"
)

const bearerPrefix = "bearer "

// Driver is a row of the sample business endpoint.
type Driver struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Status string `json:"status"`
	Zone   string `json:"zone"`
}

var sampleDrivers = []Driver{
	{ID: "drv-101", Name: "Amara Okafor", Status: "on_delivery", Zone: "north"},
	{ID: "drv-102", Name: "Luis Ferreira", Status: "available", Zone: "central"},
	{ID: "drv-103", Name: "Mei Tanaka", Status: "offline", Zone: "harbor"},
}

// Handler serves the dev backend's HTTP API.
type Handler struct {
	Auth *AuthService
	Log  *zap.Logger
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

type tokenResponse struct {
	Token string          `json:"token"`
	User  *domain.Profile `json:"user"`
}

// Login handles POST /auth/login.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return
	}
	res, err := h.Auth.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		h.writeAuthError(w, r, "login", err)
		return
	}
	h.logger(r).Info("devapi: login", zap.String("user_id", res.Account.ID))
	writeJSON(w, http.StatusOK, tokenResponse{Token: res.Token, User: res.Account.Profile()})
}

// Refresh handles POST /auth/refresh.
func (h *Handler) Refresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return
	}
	res, err := h.Auth.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		h.writeAuthError(w, r, "refresh", err)
		return
	}
	h.logger(r).Debug("devapi: token rotated", zap.String("user_id", res.Account.ID), zap.Time("expires_at", res.ExpiresAt))
	writeJSON(w, http.StatusOK, tokenResponse{Token: res.Token, User: res.Account.Profile()})
}

// ListDrivers returns the sample rows served by the business endpoints.
func ListDrivers() []Driver {
	return append([]Driver(nil), sampleDrivers...)
}

// Drivers handles GET /api/drivers.
func (h *Handler) Drivers(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{"drivers": ListDrivers()}
	if acct, ok := AccountFromCtx(r.Context()); ok {
		body["viewer"] = acct.Email
	}
	writeJSON(w, http.StatusOK, body)
}

// Health handles GET /healthz.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// RequireBearer rejects requests without a current token with 401.
func (h *Handler) RequireBearer(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		acct, err := h.Auth.Authenticate(r.Context(), extractBearer(r))
		if err != nil {
			writeError(w, http.StatusUnauthorized, "unauthenticated", err.Error())
			return
		}
		next(w, r.WithContext(withAccount(r.Context(), acct)))
	}
}

func (h *Handler) writeAuthError(w http.ResponseWriter, r *http.Request, op string, err error) {
	switch {
	case errors.Is(err, ErrInvalidCredentials):
		writeError(w, http.StatusUnauthorized, "invalid_credentials", err.Error())
	case errors.Is(err, ErrInvalidRefreshToken):
		writeError(w, http.StatusUnauthorized, "invalid_refresh_token", err.Error())
	case errors.Is(err, ErrTokenReuse):
		h.logger(r).Warn("devapi: token reuse", zap.String("op", op))
		writeError(w, http.StatusUnauthorized, "token_reuse", err.Error())
	default:
		h.logger(r).Error("devapi: "+op, zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal", "internal error")
	}
}

func (h *Handler) logger(r *http.Request) *zap.Logger {
	l := h.Log
	if l == nil {
		l = zap.NewNop()
	}
	if id := RequestIDFromCtx(r.Context()); id != "" {
		l = l.With(zap.String("request_id", id))
	}
	return l
}

// extractBearer returns the Bearer token from the Authorization header, or "" if missing or malformed.
func extractBearer(r *http.Request) string {
	v := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(v) < len(bearerPrefix) || !strings.EqualFold(v[:len(bearerPrefix)], bearerPrefix) {
		return ""
	}
	return strings.TrimSpace(v[len(bearerPrefix):])
}

type accountKey struct{}

func withAccount(ctx context.Context, a *Account) context.Context {
	return context.WithValue(ctx, accountKey{}, a)
}

// AccountFromCtx returns the account RequireBearer resolved, if any.
func AccountFromCtx(ctx context.Context) (*Account, bool) {
	a, ok := ctx.Value(accountKey{}).(*Account)
	return a, ok
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{"error": map[string]string{"code": code, "message": message}})
}
