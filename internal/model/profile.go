package model

import (
	"strings"
	"time"
)

// UserProfile はアプリケーションが所有するユーザープロフィールを表す。
// IDはIdPのユーザーIDと一致し、1ユーザーにつき高々1件存在する。
// Roleはアプリケーション自身の書き込み経路では作成後に変更されない。
type UserProfile struct {
	ID           string
	Role         Role
	FullName     *string
	Phone        *string
	Organization *string
	CreatedAt    time.Time
}

// NeedsOnboarding はセットアップ（氏名入力）が未完了かどうかを返す。
func (p *UserProfile) NeedsOnboarding() bool {
	return p == nil || p.FullName == nil || strings.TrimSpace(*p.FullName) == ""
}

// StringPtr は空文字列をnilとして扱うポインタ変換ヘルパー。
func StringPtr(s string) *string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}
