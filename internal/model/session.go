package model

import "time"

// AuthUser は外部IdPが発行したユーザー情報を表す。
type AuthUser struct {
	ID           string         `json:"id"`
	Email        string         `json:"email"`
	UserMetadata map[string]any `json:"user_metadata,omitempty"`
	AppMetadata  map[string]any `json:"app_metadata,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
}

// AvatarURL はIdPのユーザーメタデータに含まれるアバター画像URLを返す。
// 設定されていない場合は空文字列を返す。
func (u *AuthUser) AvatarURL() string {
	if u == nil || u.UserMetadata == nil {
		return ""
	}
	if v, ok := u.UserMetadata["avatar_url"].(string); ok {
		return v
	}
	return ""
}

// Session は外部IdPが発行した認証セッションを表す。
// アプリケーションは有効期限付きの読み取り専用コピーとして保持する。
type Session struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	TokenType    string    `json:"token_type"`
	ExpiresAt    time.Time `json:"expires_at"`
	User         AuthUser  `json:"user"`
}

// Expired はセッションが指定時刻の時点で期限切れかどうかを返す。
// ExpiresAtが未設定の場合は期限切れとみなさない。
func (s *Session) Expired(now time.Time) bool {
	if s == nil {
		return true
	}
	if s.ExpiresAt.IsZero() {
		return false
	}
	return !now.Before(s.ExpiresAt)
}
