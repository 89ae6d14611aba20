// Package navigation はRoleに応じたナビゲーションと遷移先を決定する。
package navigation

import "github.com/hitoshi/medhive/internal/model"

// Link はナビゲーションの1項目。
type Link struct {
	Label string `json:"label"`
	Path  string `json:"path"`
}

// Menu はナビゲーションバーに表示するリンク一式。
type Menu struct {
	Links      []Link `json:"links"`
	RightLinks []Link `json:"right_links"`
}

// 遷移先パス
const (
	PathHome            = "/"
	PathAbout           = "/about"
	PathLogin           = "/login"
	PathSetup           = "/setup"
	PathError           = "/error"
	PathUserProfile     = "/user-profile"
	PathProviderLanding = "/provider-landing"
	PathAdminDashboard  = "/admin/dashboard"
	PathAdminDatasets   = "/admin/datasets"
	PathAdminModels     = "/admin/models"
	PathDataUpload      = "/data-upload"
	PathAPIKeys         = "/api-keys"
	PathAPIDocs         = "/api-docs"
)

// rightLinks はRoleに関係なく常に表示するリンク。
func rightLinks() []Link {
	return []Link{
		{Label: "HOME", Path: PathHome},
		{Label: "ABOUT", Path: PathAbout},
	}
}

// Links はRoleに応じたリンク一式を返す。roleがnil（未ログイン・プロフィールなし）の場合は標準の空集合。
func Links(role *model.Role) Menu {
	menu := Menu{Links: []Link{}, RightLinks: rightLinks()}
	if role == nil {
		return menu
	}

	switch *role {
	case model.RoleDataProvider:
		menu.Links = []Link{
			{Label: "HOME", Path: PathProviderLanding},
			{Label: "DATA UPLOAD", Path: PathDataUpload},
			{Label: "API KEYS", Path: PathAPIKeys},
			{Label: "API DOCS", Path: PathAPIDocs},
		}
	case model.RoleAdmin:
		menu.Links = []Link{
			{Label: "HOME", Path: PathHome},
			{Label: "DASHBOARD", Path: PathAdminDashboard},
			{Label: "DATASETS", Path: PathAdminDatasets},
			{Label: "MODELS", Path: PathAdminModels},
		}
	case model.RoleContributor, model.RoleUser:
		// 標準ユーザーには追加リンクなし
	default:
		panic("navigation: unhandled role " + string(*role))
	}
	return menu
}

// LandingPath はパスワードでのサインイン後の遷移先を返す。
func LandingPath(profile *model.UserProfile) string {
	if profile != nil && profile.Role == model.RoleDataProvider {
		return PathProviderLanding
	}
	if profile.NeedsOnboarding() || !profile.Role.Valid() {
		return PathSetup
	}

	switch profile.Role {
	case model.RoleAdmin:
		return PathAdminDashboard
	case model.RoleContributor, model.RoleUser:
		return PathUserProfile
	case model.RoleDataProvider:
		return PathProviderLanding
	default:
		panic("navigation: unhandled role " + string(profile.Role))
	}
}

// ConfirmLandingPath はOAuthコールバック・メール確認後の遷移先を返す。
// プロフィールがない、または氏名・Roleが未設定の場合はセットアップへ誘導する。
func ConfirmLandingPath(profile *model.UserProfile) string {
	if profile.NeedsOnboarding() || !profile.Role.Valid() {
		return PathSetup
	}

	switch profile.Role {
	case model.RoleAdmin:
		return PathAdminDashboard
	case model.RoleDataProvider:
		return PathProviderLanding
	case model.RoleContributor, model.RoleUser:
		return PathHome
	default:
		panic("navigation: unhandled role " + string(profile.Role))
	}
}

// AvatarURL はナビゲーションに表示するアバター画像のURLを返す。未設定の場合は既定画像。
func AvatarURL(user *model.AuthUser) string {
	if u := user.AvatarURL(); u != "" {
		return u
	}
	return "/user.png"
}
