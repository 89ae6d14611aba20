// Package model はドメインモデルを定義する。
package model

import "fmt"

// Role はユーザーが閲覧できるルート・機能を決める権限種別を表す。
// 値は閉じた列挙であり、AllRolesに含まれないRoleは不正値として扱う。
type Role string

const (
	// RoleAdmin は管理者。モデル・データセットの承認を行う。
	RoleAdmin Role = "admin"
	// RoleDataProvider はデータ提供者。データセットのアップロードを行う。
	RoleDataProvider Role = "data_provider"
	// RoleContributor はコントリビューター。
	RoleContributor Role = "contributor"
	// RoleUser は一般ユーザー。
	RoleUser Role = "user"
)

// AllRoles は定義済みの全Roleを返す。
// Roleで分岐する処理のテストはこの一覧を走査し、全Roleの網羅を検証する。
func AllRoles() []Role {
	return []Role{RoleAdmin, RoleDataProvider, RoleContributor, RoleUser}
}

// Valid はRoleが定義済みの値かどうかを返す。
func (r Role) Valid() bool {
	switch r {
	case RoleAdmin, RoleDataProvider, RoleContributor, RoleUser:
		return true
	default:
		return false
	}
}

// ParseRole は文字列をRoleに変換する。未定義の値の場合はエラーを返す。
func ParseRole(s string) (Role, error) {
	r := Role(s)
	if !r.Valid() {
		return "", fmt.Errorf("unknown role: %q", s)
	}
	return r, nil
}

// DisplayName はUI表示用のRole名を返す。
func (r Role) DisplayName() string {
	switch r {
	case RoleAdmin:
		return "Administrator"
	case RoleDataProvider:
		return "Data Provider"
	case RoleContributor:
		return "Contributor"
	case RoleUser:
		return "User"
	default:
		panic(fmt.Sprintf("unhandled role: %q", string(r)))
	}
}
