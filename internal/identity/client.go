// Package identity は外部IdP（GoTrue互換の認証サービス）のクライアントを提供する。
// セッションの取得・更新・破棄と、認証状態変化の購読を扱う。
package identity

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/hitoshi/medhive/internal/model"
	"golang.org/x/oauth2"
)

const (
	// expiryMargin は有効期限の何秒前からセッションを期限切れとみなして更新するか。
	expiryMargin = 10 * time.Second
	// verifierTTL はPKCE検証子の保存期間。
	verifierTTL = 10 * time.Minute
	// defaultSessionRetention はリフレッシュトークンを保持する期間の既定値。
	defaultSessionRetention = 30 * 24 * time.Hour
	// maxResponseBytes はIdPレスポンスの最大読み取りサイズ。
	maxResponseBytes = 1 << 20
)

// Config はClientの設定。
type Config struct {
	BaseURL          string        // IdPのベースURL（例: https://xxx.supabase.co/auth/v1）
	APIKey           string        // apikeyヘッダーに設定する公開キー
	JWTSecret        string        // 設定時はアクセストークンのHS256署名を検証する
	StorageKey       string        // Storage上のキー（ブラウザごとに一意）
	SessionRetention time.Duration // 永続化したセッションの保持期間
	HTTPClient       *http.Client
	Logger           *slog.Logger
}

// AuthResponse はサインアップ・サインイン系操作の結果を表す。
// メール確認が必要なサインアップではSessionがnilになる。
type AuthResponse struct {
	Session *model.Session
	User    *model.AuthUser
}

// Client は1ブラウザ分のIdPクライアント。
// 現在のセッションはStorageに保存され、状態変化はEmitterで通知される。
type Client struct {
	baseURL    string
	apiKey     string
	jwtSecret  []byte
	storageKey string
	retention  time.Duration
	httpClient *http.Client
	logger     *slog.Logger
	storage    Storage
	events     Emitter
	now        func() time.Time

	// refreshMu はリフレッシュトークンの多重使用を防ぐ。
	refreshMu sync.Mutex
}

// NewClient はClientを生成する。
func NewClient(cfg Config, storage Storage) *Client {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.SessionRetention <= 0 {
		cfg.SessionRetention = defaultSessionRetention
	}
	if cfg.StorageKey == "" {
		cfg.StorageKey = "medhive-auth-token"
	}
	var secret []byte
	if cfg.JWTSecret != "" {
		secret = []byte(cfg.JWTSecret)
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		jwtSecret:  secret,
		storageKey: cfg.StorageKey,
		retention:  cfg.SessionRetention,
		httpClient: cfg.HTTPClient,
		logger:     cfg.Logger,
		storage:    storage,
		now:        time.Now,
	}
}

// OnAuthStateChange は認証状態変化のリスナーを登録する。
func (c *Client) OnAuthStateChange(l Listener) *Subscription {
	return c.events.Subscribe(l)
}

// GetSession は保存済みのセッションを返す。セッションがない場合はnil, nilを返す。
// 有効期限が近い場合はリフレッシュトークンで更新し、TOKEN_REFRESHEDを発行する。
// 更新が拒否された場合はセッションを破棄してSIGNED_OUTを発行する。
func (c *Client) GetSession(ctx context.Context) (*model.Session, error) {
	sess, err := c.loadSession(ctx)
	if err != nil {
		return nil, err
	}
	if sess == nil || !sess.Expired(c.now().Add(expiryMargin)) {
		return sess, nil
	}

	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()

	// 待機中に他のリクエストが更新済みの場合はそれを使う
	sess, err = c.loadSession(ctx)
	if err != nil {
		return nil, err
	}
	if sess == nil || !sess.Expired(c.now().Add(expiryMargin)) {
		return sess, nil
	}

	refreshed, err := c.refreshSession(ctx, sess.RefreshToken)
	if err != nil {
		var ae *AuthError
		if errors.As(err, &ae) && ae.Status >= 400 && ae.Status < 500 {
			c.logger.Warn("refresh token was rejected; clearing session",
				slog.String("user_id", sess.User.ID),
				slog.String("error", err.Error()),
			)
			if rmErr := c.storage.RemoveItem(ctx, c.storageKey); rmErr != nil {
				c.logger.Error("failed to remove session from storage", slog.String("error", rmErr.Error()))
			}
			c.events.Emit(EventSignedOut, nil)
		}
		return nil, err
	}

	c.events.Emit(EventTokenRefreshed, refreshed)
	return refreshed, nil
}

// GetUser はIdPから現在のユーザー情報を取得する。
func (c *Client) GetUser(ctx context.Context) (*model.AuthUser, error) {
	sess, err := c.GetSession(ctx)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, &AuthError{Status: http.StatusUnauthorized, Code: "session_not_found", Message: "Auth session missing!"}
	}

	var user model.AuthUser
	if err := c.do(ctx, http.MethodGet, "/user", nil, nil, sess.AccessToken, &user); err != nil {
		return nil, err
	}
	return &user, nil
}

// SignUp はメールアドレスとパスワードでユーザーを登録する。
// IdPがセッションを返した場合は保存してSIGNED_INを発行する。
func (c *Client) SignUp(ctx context.Context, email, password string) (*AuthResponse, error) {
	body := map[string]string{"email": email, "password": password}

	var raw json.RawMessage
	if err := c.do(ctx, http.MethodPost, "/signup", nil, body, "", &raw); err != nil {
		return nil, err
	}

	// メール確認が有効な場合、レスポンスはユーザーオブジェクトのみとなる
	var envelope struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, fmt.Errorf("failed to parse signup response: %w", err)
	}
	if envelope.AccessToken == "" {
		var user model.AuthUser
		if err := json.Unmarshal(raw, &user); err != nil {
			return nil, fmt.Errorf("failed to parse signup user: %w", err)
		}
		return &AuthResponse{User: &user}, nil
	}

	var tr tokenResponse
	if err := json.Unmarshal(raw, &tr); err != nil {
		return nil, fmt.Errorf("failed to parse signup session: %w", err)
	}
	return c.establish(ctx, &tr)
}

// SignInWithPassword はメールアドレスとパスワードでサインインする。
func (c *Client) SignInWithPassword(ctx context.Context, email, password string) (*AuthResponse, error) {
	body := map[string]string{"email": email, "password": password}
	query := url.Values{"grant_type": {"password"}}

	var tr tokenResponse
	if err := c.do(ctx, http.MethodPost, "/token", query, body, "", &tr); err != nil {
		return nil, err
	}
	return c.establish(ctx, &tr)
}

// SignInWithOAuth は外部プロバイダー（google等）の認可URLを生成する。
// PKCE検証子をStorageに保存し、S256チャレンジをURLに含める。
func (c *Client) SignInWithOAuth(ctx context.Context, provider, redirectTo string) (string, error) {
	if provider == "" {
		return "", &AuthError{Status: http.StatusBadRequest, Code: "validation_failed", Message: "provider is required"}
	}

	verifier := oauth2.GenerateVerifier()
	if err := c.storage.SetItem(ctx, c.verifierKey(), []byte(verifier), c.now().Add(verifierTTL)); err != nil {
		return "", fmt.Errorf("failed to store code verifier: %w", err)
	}

	params := url.Values{
		"provider":              {provider},
		"code_challenge":        {oauth2.S256ChallengeFromVerifier(verifier)},
		"code_challenge_method": {"s256"},
	}
	if redirectTo != "" {
		params.Set("redirect_to", redirectTo)
	}
	return c.baseURL + "/authorize?" + params.Encode(), nil
}

// ExchangeCodeForSession はOAuthコールバックの認可コードをセッションに交換する。
func (c *Client) ExchangeCodeForSession(ctx context.Context, code string) (*AuthResponse, error) {
	verifier, err := c.storage.GetItem(ctx, c.verifierKey())
	if err != nil {
		return nil, fmt.Errorf("failed to load code verifier: %w", err)
	}
	if len(verifier) == 0 {
		return nil, &AuthError{
			Status:  http.StatusBadRequest,
			Code:    "pkce_verifier_missing",
			Message: "PKCE code verifier not found in storage. The sign-in must be started and completed in the same browser.",
		}
	}

	body := map[string]string{"auth_code": code, "code_verifier": string(verifier)}
	query := url.Values{"grant_type": {"pkce"}}

	var tr tokenResponse
	if err := c.do(ctx, http.MethodPost, "/token", query, body, "", &tr); err != nil {
		return nil, err
	}
	if err := c.storage.RemoveItem(ctx, c.verifierKey()); err != nil {
		c.logger.Warn("failed to remove code verifier", slog.String("error", err.Error()))
	}
	return c.establish(ctx, &tr)
}

// VerifyOTP はメール確認リンクのトークンハッシュを検証してサインインする。
func (c *Client) VerifyOTP(ctx context.Context, tokenHash, otpType string) (*AuthResponse, error) {
	body := map[string]string{"token_hash": tokenHash, "type": otpType}

	var tr tokenResponse
	if err := c.do(ctx, http.MethodPost, "/verify", nil, body, "", &tr); err != nil {
		return nil, err
	}
	if tr.AccessToken == "" {
		return &AuthResponse{User: tr.User}, nil
	}
	return c.establish(ctx, &tr)
}

// SignOut はIdP側のセッションを失効させ、ローカルのセッションを破棄する。
// IdPへの呼び出しが失敗した場合もローカル状態は破棄し、SIGNED_OUTを発行する。
func (c *Client) SignOut(ctx context.Context) error {
	sess, err := c.loadSession(ctx)
	if err != nil {
		c.logger.Warn("failed to load session before sign-out", slog.String("error", err.Error()))
	}

	var remoteErr error
	if sess != nil && sess.AccessToken != "" {
		remoteErr = c.do(ctx, http.MethodPost, "/logout", nil, nil, sess.AccessToken, nil)
		var ae *AuthError
		// 既に失効しているセッションはサインアウト済みとして扱う
		if errors.As(remoteErr, &ae) && (ae.Status == http.StatusUnauthorized || ae.Status == http.StatusForbidden || ae.Status == http.StatusNotFound) {
			remoteErr = nil
		}
		if remoteErr != nil {
			c.logger.Warn("remote sign-out failed",
				slog.String("user_id", sess.User.ID),
				slog.String("error", remoteErr.Error()),
			)
		}
	}

	if err := c.storage.RemoveItem(ctx, c.storageKey); err != nil {
		c.logger.Error("failed to remove session from storage", slog.String("error", err.Error()))
	}
	if err := c.storage.RemoveItem(ctx, c.verifierKey()); err != nil {
		c.logger.Warn("failed to remove code verifier", slog.String("error", err.Error()))
	}
	c.events.Emit(EventSignedOut, nil)
	return remoteErr
}

// tokenResponse はトークン発行系エンドポイントのレスポンス。
type tokenResponse struct {
	AccessToken  string          `json:"access_token"`
	TokenType    string          `json:"token_type"`
	ExpiresIn    int64           `json:"expires_in"`
	ExpiresAt    int64           `json:"expires_at"`
	RefreshToken string          `json:"refresh_token"`
	User         *model.AuthUser `json:"user"`
}

// toSession はトークンレスポンスをSessionに変換する。
// expires_atがない場合はexpires_in、それもない場合はJWTのexpクレームから有効期限を求める。
func (c *Client) toSession(tr *tokenResponse) (*model.Session, error) {
	if tr.AccessToken == "" {
		return nil, errors.New("token response has no access token")
	}
	if tr.User == nil || tr.User.ID == "" {
		return nil, errors.New("token response has no user")
	}

	var expiresAt time.Time
	switch {
	case tr.ExpiresAt > 0:
		expiresAt = time.Unix(tr.ExpiresAt, 0)
	case tr.ExpiresIn > 0:
		expiresAt = c.now().Add(time.Duration(tr.ExpiresIn) * time.Second)
	}

	// 署名検証が有効な場合は期限の有無にかかわらず検証する
	if expiresAt.IsZero() || len(c.jwtSecret) > 0 {
		exp, err := tokenExpiry(tr.AccessToken, c.jwtSecret)
		if err != nil {
			return nil, err
		}
		if expiresAt.IsZero() {
			expiresAt = exp
		}
	}

	tokenType := tr.TokenType
	if tokenType == "" {
		tokenType = "bearer"
	}
	return &model.Session{
		AccessToken:  tr.AccessToken,
		RefreshToken: tr.RefreshToken,
		TokenType:    tokenType,
		ExpiresAt:    expiresAt,
		User:         *tr.User,
	}, nil
}

// establish はトークンレスポンスを保存し、SIGNED_INを発行する。
func (c *Client) establish(ctx context.Context, tr *tokenResponse) (*AuthResponse, error) {
	sess, err := c.toSession(tr)
	if err != nil {
		return nil, err
	}
	if err := c.saveSession(ctx, sess); err != nil {
		return nil, err
	}
	c.logger.Info("identity session established", slog.String("user_id", sess.User.ID))
	c.events.Emit(EventSignedIn, sess)
	user := sess.User
	return &AuthResponse{Session: sess, User: &user}, nil
}

// refreshSession はリフレッシュトークンで新しいセッションを取得して保存する。
func (c *Client) refreshSession(ctx context.Context, refreshToken string) (*model.Session, error) {
	if refreshToken == "" {
		return nil, &AuthError{Status: http.StatusBadRequest, Code: "refresh_token_not_found", Message: "Invalid Refresh Token: Refresh Token Not Found"}
	}

	body := map[string]string{"refresh_token": refreshToken}
	query := url.Values{"grant_type": {"refresh_token"}}

	var tr tokenResponse
	if err := c.do(ctx, http.MethodPost, "/token", query, body, "", &tr); err != nil {
		return nil, err
	}
	sess, err := c.toSession(&tr)
	if err != nil {
		return nil, err
	}
	if err := c.saveSession(ctx, sess); err != nil {
		return nil, err
	}
	return sess, nil
}

func (c *Client) loadSession(ctx context.Context) (*model.Session, error) {
	data, err := c.storage.GetItem(ctx, c.storageKey)
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	if len(data) == 0 {
		return nil, nil
	}

	var sess model.Session
	if err := json.Unmarshal(data, &sess); err != nil {
		// 壊れたデータはセッションなしとして扱う
		c.logger.Warn("discarding unreadable stored session", slog.String("error", err.Error()))
		_ = c.storage.RemoveItem(ctx, c.storageKey)
		return nil, nil
	}
	return &sess, nil
}

func (c *Client) saveSession(ctx context.Context, sess *model.Session) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("failed to encode session: %w", err)
	}
	if err := c.storage.SetItem(ctx, c.storageKey, data, c.now().Add(c.retention)); err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	return nil
}

func (c *Client) verifierKey() string {
	return c.storageKey + "-code-verifier"
}

// do はIdPへのリクエストを実行する。2xx以外はAuthErrorを返す。
// bearerが空の場合はAPIキーをBearerトークンとして使用する。
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body any, bearer string, out any) error {
	reqURL := c.baseURL + path
	if len(query) > 0 {
		reqURL += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL, reader)
	if err != nil {
		return fmt.Errorf("failed to create identity request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("apikey", c.apiKey)
	if bearer == "" {
		bearer = c.apiKey
	}
	req.Header.Set("Authorization", "Bearer "+bearer)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("identity request %s %s failed: %w", method, path, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("failed to read identity response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return parseAuthError(resp.StatusCode, respBody)
	}

	if out == nil || len(bytes.TrimSpace(respBody)) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("failed to parse identity response: %w", err)
	}
	return nil
}
