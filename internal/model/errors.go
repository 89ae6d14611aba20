package model

import "fmt"

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
// Redirectが設定されている場合、フロントエンドはそのパスへ遷移する。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: auth, validation, inference, catalog, system
	Action   string // ユーザー向け対処方法
	Redirect string // 遷移先パス（任意）
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeUnauthorized            = "UNAUTHORIZED"
	ErrCodeOnboardingRequired      = "ONBOARDING_REQUIRED"
	ErrCodeForbiddenRole           = "FORBIDDEN_ROLE"
	ErrCodeProfileNotFound         = "PROFILE_NOT_FOUND"
	ErrCodeInvalidInput            = "INVALID_INPUT"
	ErrCodeAuthFailed              = "AUTH_FAILED"
	ErrCodeInferenceFailed         = "INFERENCE_FAILED"
	ErrCodeModelNotFound           = "MODEL_NOT_FOUND"
	ErrCodeDatasetNotFound         = "DATASET_NOT_FOUND"
	ErrCodeInvalidStatusTransition = "INVALID_STATUS_TRANSITION"
	ErrCodeInvalidFilter           = "INVALID_FILTER"
	ErrCodeInvalidCursor           = "INVALID_CURSOR"
	ErrCodeAvatarUnavailable       = "AVATAR_UNAVAILABLE"
	ErrCodeRateLimited             = "RATE_LIMITED"
	ErrCodeInternal                = "INTERNAL_ERROR"
)

// NewUnauthorizedError は未ログインエラーを生成する。
func NewUnauthorizedError() *APIError {
	return &APIError{
		Code:     ErrCodeUnauthorized,
		Message:  "Authentication is required.",
		Category: "auth",
		Action:   "Please sign in.",
		Redirect: "/login",
	}
}

// NewOnboardingRequiredError はセッションはあるがプロフィールが未作成・未完了の場合のエラーを生成する。
func NewOnboardingRequiredError() *APIError {
	return &APIError{
		Code:     ErrCodeOnboardingRequired,
		Message:  "Your profile is not set up yet.",
		Category: "auth",
		Action:   "Please complete your profile.",
		Redirect: "/setup",
	}
}

// NewForbiddenRoleError は権限不足エラーを生成する。
func NewForbiddenRoleError(role Role) *APIError {
	return &APIError{
		Code:     ErrCodeForbiddenRole,
		Message:  fmt.Sprintf("This page is not available for role %q.", string(role)),
		Category: "auth",
		Action:   "Sign in with an account that has access to this page.",
		Redirect: "/",
	}
}

// NewProfileNotFoundError はプロフィール未検出エラーを生成する。
func NewProfileNotFoundError() *APIError {
	return &APIError{
		Code:     ErrCodeProfileNotFound,
		Message:  "Profile not found.",
		Category: "auth",
		Action:   "Please complete your profile.",
		Redirect: "/setup",
	}
}

// NewInvalidInputError は入力値検証エラーを生成する。
func NewInvalidInputError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidInput,
		Message:  fmt.Sprintf("Invalid input: %s", reason),
		Category: "validation",
		Action:   "Please check the form and try again.",
	}
}

// NewAuthFailedError はIdPが返したエラーメッセージをそのまま表示するエラーを生成する。
// 誤ったパスワード・レート制限・通信障害は区別しない。
func NewAuthFailedError(message string) *APIError {
	return &APIError{
		Code:     ErrCodeAuthFailed,
		Message:  message,
		Category: "auth",
		Action:   "Please try again.",
	}
}

// NewInferenceFailedError は推論エンドポイントの失敗を1つのメッセージとして表すエラーを生成する。
func NewInferenceFailedError(message string) *APIError {
	return &APIError{
		Code:     ErrCodeInferenceFailed,
		Message:  message,
		Category: "inference",
		Action:   "Please try again later.",
	}
}

// NewModelNotFoundError はモデル未検出エラーを生成する。
func NewModelNotFoundError(id string) *APIError {
	return &APIError{
		Code:     ErrCodeModelNotFound,
		Message:  fmt.Sprintf("Model not found: %s", id),
		Category: "catalog",
		Action:   "Check the model ID.",
	}
}

// NewDatasetNotFoundError はデータセット未検出エラーを生成する。
func NewDatasetNotFoundError(id string) *APIError {
	return &APIError{
		Code:     ErrCodeDatasetNotFound,
		Message:  fmt.Sprintf("Dataset not found: %s", id),
		Category: "catalog",
		Action:   "Check the dataset ID.",
	}
}

// NewInvalidStatusTransitionError は状態遷移が許可されていない場合のエラーを生成する。
func NewInvalidStatusTransitionError(from, operation string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidStatusTransition,
		Message:  fmt.Sprintf("Cannot %s while status is %q.", operation, from),
		Category: "catalog",
		Action:   "Reload the list and try again.",
	}
}

// NewInvalidFilterError は無効なステータスフィルタのエラーを生成する。
func NewInvalidFilterError(filter string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidFilter,
		Message:  fmt.Sprintf("Invalid status filter: %s", filter),
		Category: "validation",
		Action:   "Use one of the documented status values.",
	}
}

// NewInvalidCursorError は無効なページングカーソルのエラーを生成する。
func NewInvalidCursorError() *APIError {
	return &APIError{
		Code:     ErrCodeInvalidCursor,
		Message:  "Invalid pagination cursor.",
		Category: "validation",
		Action:   "Restart from the first page.",
	}
}

// NewAvatarUnavailableError はアバター画像を取得できない場合のエラーを生成する。
func NewAvatarUnavailableError() *APIError {
	return &APIError{
		Code:     ErrCodeAvatarUnavailable,
		Message:  "Avatar image is not available.",
		Category: "system",
		Action:   "The default avatar is shown instead.",
		Redirect: "/user.png",
	}
}

// NewRateLimitedError はレート制限超過エラーを生成する。
func NewRateLimitedError() *APIError {
	return &APIError{
		Code:     ErrCodeRateLimited,
		Message:  "Too many requests. Please try again later.",
		Category: "system",
		Action:   "Please wait and retry after the specified time.",
	}
}

// NewInternalError は内部エラーを生成する。詳細はログのみに記録する。
func NewInternalError() *APIError {
	return &APIError{
		Code:     ErrCodeInternal,
		Message:  "An internal error occurred.",
		Category: "system",
		Action:   "Please wait a moment and try again.",
	}
}
