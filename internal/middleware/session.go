// Package middleware はHTTPミドルウェアを提供する。
package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/medhive/internal/model"
	"github.com/hitoshi/medhive/internal/session"
)

// BrowserCookieName はブラウザセッションを識別するCookieの名前。
const BrowserCookieName = "medhive_browser"

// browserCookieMaxAge はブラウザCookieの有効期間（秒）。30日。
const browserCookieMaxAge = 30 * 24 * 60 * 60

// contextKey はコンテキストに値を格納するための型安全なキー。
type contextKey string

var (
	entryContextKey    = contextKey("browser_entry")
	snapshotContextKey = contextKey("session_snapshot")
	userIDContextKey   = contextKey("user_id")
)

// EntryResolver はブラウザIDからセッションエントリを取得する。
// session.Registryが実装する。
type EntryResolver interface {
	Get(browserID string) *session.Entry
}

// CookieConfig はCookie属性の設定。
type CookieConfig struct {
	Domain string
	Secure bool
}

// NewBrowserSessionMiddleware はブラウザCookieに対応するセッションエントリを
// リクエストコンテキストに注入するミドルウェアを返す。
// Cookieがない、または不正な値の場合は新しいブラウザIDを発行する。
func NewBrowserSessionMiddleware(resolver EntryResolver, config CookieConfig) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			browserID := browserIDFromCookie(r)
			if browserID == "" {
				browserID = uuid.NewString()
				http.SetCookie(w, &http.Cookie{
					Name:     BrowserCookieName,
					Value:    browserID,
					Path:     "/",
					Domain:   config.Domain,
					MaxAge:   browserCookieMaxAge,
					HttpOnly: true,
					Secure:   config.Secure,
					SameSite: http.SameSiteLaxMode,
				})
			}

			entry := resolver.Get(browserID)
			ctx := context.WithValue(r.Context(), entryContextKey, entry)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// browserIDFromCookie はリクエストの有効なブラウザIDを返す。Cookieがないか不正な値なら空文字を返す。
func browserIDFromCookie(r *http.Request) string {
	c, err := r.Cookie(BrowserCookieName)
	if err != nil {
		return ""
	}
	if _, err := uuid.Parse(c.Value); err != nil {
		return ""
	}
	return c.Value
}

// NewRequireSession はセッションを必須とするミドルウェアを返す。
// Storeの読み込み完了をwaitTimeoutまで待ち、未ログインであれば401を返す。
// 認証済みの場合はスナップショットとユーザーIDをコンテキストに注入する。
func NewRequireSession(waitTimeout time.Duration) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			entry, ok := EntryFromContext(r.Context())
			if !ok {
				WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
				return
			}

			snap, err := WaitSnapshot(r.Context(), entry, waitTimeout)
			if err != nil {
				slog.Warn("session store did not settle",
					slog.String("path", r.URL.Path),
					slog.String("error", err.Error()),
				)
				WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
				return
			}
			if snap.Session == nil {
				WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
				return
			}

			ctx := ContextWithSnapshot(r.Context(), snap)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// NewRequireProfile はオンボーディング完了済みのプロフィールを必須とするミドルウェアを返す。
// NewRequireSessionの後に配置する。
func NewRequireProfile() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			snap, ok := SnapshotFromContext(r.Context())
			if !ok || snap.Session == nil {
				WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
				return
			}
			if snap.NeedsOnboarding() {
				WriteErrorResponse(w, http.StatusForbidden, model.NewOnboardingRequiredError())
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// NewRequireRole は指定RoleのいずれかであることをNewRequireSessionの後で検証するミドルウェアを返す。
// プロフィールがない場合はオンボーディングを要求する。
func NewRequireRole(roles ...model.Role) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			snap, ok := SnapshotFromContext(r.Context())
			if !ok || snap.Session == nil {
				WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
				return
			}
			role := snap.Role()
			if role == nil {
				WriteErrorResponse(w, http.StatusForbidden, model.NewOnboardingRequiredError())
				return
			}
			if !slices.Contains(roles, *role) {
				slog.Warn("role check failed",
					slog.String("user_id", snap.UserID()),
					slog.String("role", string(*role)),
					slog.String("path", r.URL.Path),
				)
				WriteErrorResponse(w, http.StatusForbidden, model.NewForbiddenRoleError(*role))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// WaitSnapshot はエントリのStoreが確定するまでtimeoutを上限に待つ。
func WaitSnapshot(ctx context.Context, entry *session.Entry, timeout time.Duration) (session.Snapshot, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return entry.Store.Wait(ctx)
}

// EntryFromContext はリクエストコンテキストからブラウザのセッションエントリを取得する。
func EntryFromContext(ctx context.Context) (*session.Entry, bool) {
	e, ok := ctx.Value(entryContextKey).(*session.Entry)
	return e, ok && e != nil
}

// ContextWithEntry はコンテキストにセッションエントリを注入する。
func ContextWithEntry(ctx context.Context, e *session.Entry) context.Context {
	return context.WithValue(ctx, entryContextKey, e)
}

// SnapshotFromContext はNewRequireSessionが注入したスナップショットを取得する。
func SnapshotFromContext(ctx context.Context) (session.Snapshot, bool) {
	s, ok := ctx.Value(snapshotContextKey).(session.Snapshot)
	return s, ok
}

// ContextWithSnapshot はコンテキストにスナップショットとユーザーIDを注入する。
// アクセスログにもユーザーIDを記録する。
func ContextWithSnapshot(ctx context.Context, snap session.Snapshot) context.Context {
	ctx = context.WithValue(ctx, snapshotContextKey, snap)
	if id := snap.UserID(); id != "" {
		ctx = ContextWithUserID(ctx, id)
	}
	return ctx
}

// UserIDFromContext はリクエストコンテキストからユーザーIDを取得する。
// NewRequireSessionを通過したリクエストでのみ有効。
func UserIDFromContext(ctx context.Context) (string, error) {
	userID, ok := ctx.Value(userIDContextKey).(string)
	if !ok || userID == "" {
		return "", fmt.Errorf("user ID not found in context")
	}
	return userID, nil
}

// ContextWithUserID はコンテキストにユーザーIDを注入する。
func ContextWithUserID(ctx context.Context, userID string) context.Context {
	if rl, ok := ctx.Value(requestLogContextKey).(*requestLog); ok {
		rl.userID = userID
	}
	return context.WithValue(ctx, userIDContextKey, userID)
}
