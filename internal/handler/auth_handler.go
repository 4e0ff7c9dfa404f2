// Package handler はHTTPハンドラーを提供する。
package handler

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/todoman/internal/middleware"
	"github.com/hitoshi/todoman/internal/model"
	"github.com/hitoshi/todoman/internal/session"
)

const oauthStateCookie = "oauth_state"

// AuthServiceInterface は認証ハンドラーが必要とするサービスインターフェース。
type AuthServiceInterface interface {
	session.AuthBackend
	GetLoginURL(provider, state string) (string, error)
}

// SessionResolver はリクエストのCookieからセッションストアを組み立てる。guard.Guardが実装する。
type SessionResolver interface {
	Resolve(r *http.Request) *session.Store
}

// AuthMetrics は認証試行の計測。metrics.Collectorが実装する。
type AuthMetrics interface {
	RecordAuthAttempt(method, result string)
}

// AuthHandlerConfig は認証ハンドラーの設定。
type AuthHandlerConfig struct {
	BaseURL       string
	LoginPath     string
	CookieDomain  string
	CookieSecure  bool
	SessionMaxAge int // セッションCookieの有効期間（秒）
}

// AuthHandler はログイン・登録・ログアウトのHTTPハンドラー。
// リクエストごとにセッションストアを生成し、その操作の結果をレスポンスにする。
type AuthHandler struct {
	service  AuthServiceInterface
	users    session.UserStore
	resolver SessionResolver
	metrics  AuthMetrics
	config   AuthHandlerConfig
}

// NewAuthHandler はAuthHandlerを生成する。metricsはnilでもよい。
func NewAuthHandler(service AuthServiceInterface, users session.UserStore, resolver SessionResolver, metrics AuthMetrics, config AuthHandlerConfig) *AuthHandler {
	return &AuthHandler{
		service:  service,
		users:    users,
		resolver: resolver,
		metrics:  metrics,
		config:   config,
	}
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type registerRequest struct {
	DisplayName string `json:"displayName"`
	Email       string `json:"email"`
	Password    string `json:"password"`
}

// Login はメールアドレスとパスワードでログインする。
// POST /auth/login
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	store := h.newStore()
	err := store.Login(r.Context(), req.Email, req.Password)
	h.record("password", err)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	h.setSessionCookie(w, store.SessionID())
	writeJSON(w, http.StatusOK, store.State())
}

// Register はアカウントとプロフィールドキュメントを作成する。
// セッションCookieは設定するが、レスポンスのユーザーはnilのまま返す。
// POST /auth/register
func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	store := h.newStore()
	err := store.Register(r.Context(), req.DisplayName, req.Email, req.Password)
	h.record("register", err)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	h.setSessionCookie(w, store.SessionID())
	writeJSON(w, http.StatusCreated, store.State())
}

// Logout はセッションを破棄する。破棄に失敗してもCookieはクリアする。
// POST /auth/logout
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	store := h.newStore()
	if cookie, err := r.Cookie(middleware.SessionCookieName); err == nil {
		store.BindSession(cookie.Value)
	}

	// 失敗はストア内でログに残る
	_ = store.Logout(r.Context())

	h.clearSessionCookie(w)
	w.WriteHeader(http.StatusNoContent)
}

// Me は現在のログインユーザー情報を返す。
// GET /auth/me
func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	st := h.resolver.Resolve(r).State()
	if st.User == nil {
		writeAPIErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// ProviderLogin は外部IdPのOAuthフローを開始する。
// GET /auth/{provider}/login
func (h *AuthHandler) ProviderLogin(w http.ResponseWriter, r *http.Request) {
	provider := chi.URLParam(r, "provider")

	state, err := generateState()
	if err != nil {
		slog.Error("failed to generate oauth state", slog.String("error", err.Error()))
		middleware.WriteInternalServerError(w)
		return
	}

	loginURL, err := h.service.GetLoginURL(provider, state)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	// stateをCookieに保存（CSRF対策）
	http.SetCookie(w, &http.Cookie{
		Name:     oauthStateCookie,
		Value:    state,
		Path:     "/",
		MaxAge:   600, // 10分
		HttpOnly: true,
		Secure:   h.config.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})

	http.Redirect(w, r, loginURL, http.StatusTemporaryRedirect)
}

// ProviderCallback は外部IdPからのコールバックを処理する。
// 失敗した場合はエラーコードを付けてログインページへリダイレクトする。
// GET /auth/{provider}/callback?code=xxx&state=yyy
func (h *AuthHandler) ProviderCallback(w http.ResponseWriter, r *http.Request) {
	provider := chi.URLParam(r, "provider")

	// 1. stateの検証（CSRF対策）
	state := r.URL.Query().Get("state")
	stateCookie, err := r.Cookie(oauthStateCookie)
	if err != nil || state == "" || stateCookie.Value != state {
		slog.Warn("oauth state mismatch",
			slog.String("provider", provider),
		)
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("invalid state parameter"))
		return
	}

	// stateクッキーを削除
	http.SetCookie(w, &http.Cookie{
		Name:     oauthStateCookie,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.config.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})

	// 2. 認可コードの取得
	code := r.URL.Query().Get("code")
	if code == "" {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("missing authorization code"))
		return
	}

	// 3. 認証処理
	store := h.newStore()
	err = store.LoginWithProvider(r.Context(), provider, code)
	h.record(provider, err)
	if err != nil {
		http.Redirect(w, r, h.loginErrorURL(err), http.StatusSeeOther)
		return
	}

	// 4. セッションCookieを設定してフロントエンドにリダイレクト
	h.setSessionCookie(w, store.SessionID())
	http.Redirect(w, r, h.config.BaseURL, http.StatusSeeOther)
}

func (h *AuthHandler) newStore() *session.Store {
	return session.New(h.service, h.users, slog.Default())
}

func (h *AuthHandler) record(method string, err error) {
	if h.metrics == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "failure"
	}
	h.metrics.RecordAuthAttempt(method, result)
}

// loginErrorURL はログインページのURLにエラーコードを付ける。
func (h *AuthHandler) loginErrorURL(err error) string {
	code := model.ErrCodeInternal
	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		code = apiErr.Code
	}
	loginPath := h.config.LoginPath
	if loginPath == "" {
		loginPath = "/auth/login"
	}
	return loginPath + "?" + url.Values{"error": {code}}.Encode()
}

func (h *AuthHandler) setSessionCookie(w http.ResponseWriter, sessionID string) {
	http.SetCookie(w, &http.Cookie{
		Name:     middleware.SessionCookieName,
		Value:    sessionID,
		Path:     "/",
		Domain:   h.config.CookieDomain,
		MaxAge:   h.config.SessionMaxAge,
		HttpOnly: true,
		Secure:   h.config.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
}

func (h *AuthHandler) clearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     middleware.SessionCookieName,
		Value:    "",
		Path:     "/",
		Domain:   h.config.CookieDomain,
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.config.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
}

// generateState はCSRF対策用のランダムなstate値を生成する。
func generateState() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
