package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/medhive/internal/auth"
	"github.com/hitoshi/medhive/internal/middleware"
	"github.com/hitoshi/medhive/internal/navigation"
	"github.com/hitoshi/medhive/internal/session"
)

// AuthServiceInterface は認証ハンドラーが必要とするサービスインターフェース。
type AuthServiceInterface interface {
	SignUp(ctx context.Context, client auth.IdentityClient, in auth.SignUpInput) (*auth.Result, error)
	SignIn(ctx context.Context, client auth.IdentityClient, email, password string) (*auth.Result, error)
	OAuthURL(ctx context.Context, client auth.IdentityClient, provider string) (string, error)
	Confirm(ctx context.Context, client auth.IdentityClient, in auth.ConfirmInput) *auth.Result
	SignOut(ctx context.Context, client auth.IdentityClient)
}

// AuthHandlerConfig は認証ハンドラーの設定。
type AuthHandlerConfig struct {
	// WaitTimeout はセッションストアの読み込み完了を待つ上限。
	WaitTimeout time.Duration
}

// AuthHandler は認証関連のHTTPハンドラー。
// ブラウザごとのIdPクライアントとセッションストアはコンテキストのEntryから取得する。
type AuthHandler struct {
	service AuthServiceInterface
	config  AuthHandlerConfig
}

// NewAuthHandler はAuthHandlerを生成する。
func NewAuthHandler(service AuthServiceInterface, config AuthHandlerConfig) *AuthHandler {
	return &AuthHandler{
		service: service,
		config:  config,
	}
}

type signUpRequest struct {
	Email        string `json:"email"`
	Password     string `json:"password"`
	UserType     string `json:"user_type"`
	FullName     string `json:"full_name"`
	Phone        string `json:"phone"`
	Organization string `json:"organization"`
}

type signInRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// SignUp はアカウントを作成し、プロフィール行を登録する。
// POST /auth/signup
func (h *AuthHandler) SignUp(w http.ResponseWriter, r *http.Request) {
	entry, ok := entryFrom(w, r)
	if !ok {
		return
	}

	var req signUpRequest
	if err := decodeJSON(w, r, &req); err != nil {
		middleware.WriteError(w, err)
		return
	}

	res, err := h.service.SignUp(r.Context(), entry.Client, auth.SignUpInput{
		Email:        req.Email,
		Password:     req.Password,
		UserType:     auth.UserType(req.UserType),
		FullName:     req.FullName,
		Phone:        req.Phone,
		Organization: req.Organization,
	})
	if err != nil {
		middleware.WriteError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, h.resultResponse(r.Context(), entry, res))
}

// SignIn はメールアドレスとパスワードでサインインする。
// POST /auth/login
func (h *AuthHandler) SignIn(w http.ResponseWriter, r *http.Request) {
	entry, ok := entryFrom(w, r)
	if !ok {
		return
	}

	var req signInRequest
	if err := decodeJSON(w, r, &req); err != nil {
		middleware.WriteError(w, err)
		return
	}

	res, err := h.service.SignIn(r.Context(), entry.Client, req.Email, req.Password)
	if err != nil {
		middleware.WriteError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, h.resultResponse(r.Context(), entry, res))
}

// OAuth は外部プロバイダーの認可画面へリダイレクトする。
// GET /auth/oauth/{provider}
func (h *AuthHandler) OAuth(w http.ResponseWriter, r *http.Request) {
	entry, ok := entryFrom(w, r)
	if !ok {
		return
	}

	u, err := h.service.OAuthURL(r.Context(), entry.Client, chi.URLParam(r, "provider"))
	if err != nil {
		middleware.WriteError(w, err)
		return
	}
	http.Redirect(w, r, u, http.StatusFound)
}

// Confirm はメール確認リンクとOAuthコールバックを処理し、結果に応じた画面へリダイレクトする。
// GET /auth/confirm?token_hash=xxx&type=yyy または GET /auth/confirm?code=xxx
func (h *AuthHandler) Confirm(w http.ResponseWriter, r *http.Request) {
	entry, ok := entryFrom(w, r)
	if !ok {
		return
	}

	q := r.URL.Query()
	res := h.service.Confirm(r.Context(), entry.Client, auth.ConfirmInput{
		TokenHash: q.Get("token_hash"),
		Type:      q.Get("type"),
		Code:      q.Get("code"),
	})
	if res.SignedIn {
		entry.Store.Refresh(r.Context())
	}
	http.Redirect(w, r, res.Redirect, http.StatusFound)
}

// SignOut はサインアウトする。IdP側の失効に失敗してもローカルのセッションは破棄される。
// POST /auth/logout
func (h *AuthHandler) SignOut(w http.ResponseWriter, r *http.Request) {
	entry, ok := entryFrom(w, r)
	if !ok {
		return
	}

	h.service.SignOut(r.Context(), entry.Client)
	snap := entry.Store.Refresh(r.Context())

	writeJSON(w, http.StatusOK, authResultResponse{
		Redirect: navigation.PathLogin,
		SignedIn: false,
		Session:  toSessionResponse(snap),
	})
}

// Session は現在のセッションストアの値を返す。
// 読み込み中の場合はWaitTimeoutまで確定を待ち、それでも確定しなければ読み込み中の値を返す。
// GET /auth/session
func (h *AuthHandler) Session(w http.ResponseWriter, r *http.Request) {
	entry, ok := entryFrom(w, r)
	if !ok {
		return
	}

	snap, err := middleware.WaitSnapshot(r.Context(), entry, h.config.WaitTimeout)
	if err != nil {
		snap = entry.Store.Current()
	}
	writeJSON(w, http.StatusOK, toSessionResponse(snap))
}

// resultResponse はセッションが発行された場合にストアを更新し、レスポンスを組み立てる。
func (h *AuthHandler) resultResponse(ctx context.Context, entry *session.Entry, res *auth.Result) authResultResponse {
	resp := authResultResponse{
		Redirect: res.Redirect,
		SignedIn: res.SignedIn,
	}
	if res.SignedIn {
		snap := entry.Store.Refresh(ctx)
		if snap.IsLoading {
			// 後続の更新に追い越された場合はその確定を待つ
			waited, err := middleware.WaitSnapshot(ctx, entry, h.config.WaitTimeout)
			if err != nil {
				slog.Warn("session store did not settle after sign-in",
					slog.String("browser_id", entry.BrowserID),
					slog.String("error", err.Error()),
				)
			} else {
				snap = waited
			}
		}
		resp.Session = toSessionResponse(snap)
	}
	return resp
}

// entryFrom はコンテキストからブラウザのEntryを取得する。
// BrowserSessionミドルウェアの外で呼ばれた場合は内部エラーを返す。
func entryFrom(w http.ResponseWriter, r *http.Request) (*session.Entry, bool) {
	entry, ok := middleware.EntryFromContext(r.Context())
	if !ok {
		slog.Error("browser session entry missing from context", slog.String("path", r.URL.Path))
		middleware.WriteInternalServerError(w)
		return nil, false
	}
	return entry, true
}
