package middleware

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/hitoshi/medhive/internal/inference"
	"github.com/hitoshi/medhive/internal/model"
)

// ErrorResponseBody はAPIエラーレスポンスの統一フォーマット。
// 原因カテゴリと対処方法、必要に応じて遷移先を含む。
type ErrorResponseBody struct {
	Code     string `json:"code"`
	Message  string `json:"message"`
	Category string `json:"category"`
	Action   string `json:"action"`
	Redirect string `json:"redirect,omitempty"`
}

// WriteErrorResponse は統一エラーフォーマットでHTTPエラーレスポンスを書き込む。
func WriteErrorResponse(w http.ResponseWriter, statusCode int, apiErr *model.APIError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(ErrorResponseBody{
		Code:     apiErr.Code,
		Message:  apiErr.Message,
		Category: apiErr.Category,
		Action:   apiErr.Action,
		Redirect: apiErr.Redirect,
	})
}

// WriteInternalServerError は内部サーバーエラーの統一レスポンスを書き込む。
// 詳細はログのみに記録し、ユーザーには一般的なメッセージを返す。
func WriteInternalServerError(w http.ResponseWriter) {
	WriteErrorResponse(w, http.StatusInternalServerError, model.NewInternalError())
}

// WriteError はサービス層から返されたエラーを適切なHTTPステータスコードに変換して書き込む。
// *model.APIErrorと*inference.Error以外は内部エラーとして扱う。
func WriteError(w http.ResponseWriter, err error) {
	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		WriteErrorResponse(w, StatusForAPIError(apiErr), apiErr)
		return
	}

	var infErr *inference.Error
	if errors.As(err, &infErr) {
		slog.Warn("inference request failed",
			slog.String("endpoint", string(infErr.Endpoint)),
			slog.Int("upstream_status", infErr.Status),
			slog.String("error", infErr.Message),
		)
		WriteErrorResponse(w, inferenceStatus(infErr), model.NewInferenceFailedError(infErr.Message))
		return
	}

	slog.Error("internal server error", slog.String("error", err.Error()))
	WriteInternalServerError(w)
}

// StatusForAPIError はAPIErrorコードからHTTPステータスコードにマッピングする。
func StatusForAPIError(apiErr *model.APIError) int {
	switch apiErr.Code {
	case model.ErrCodeUnauthorized:
		return http.StatusUnauthorized
	case model.ErrCodeOnboardingRequired, model.ErrCodeForbiddenRole:
		return http.StatusForbidden
	case model.ErrCodeProfileNotFound, model.ErrCodeModelNotFound, model.ErrCodeDatasetNotFound,
		model.ErrCodeAvatarUnavailable:
		return http.StatusNotFound
	case model.ErrCodeInvalidInput, model.ErrCodeInvalidFilter, model.ErrCodeInvalidCursor:
		return http.StatusBadRequest
	case model.ErrCodeAuthFailed:
		return http.StatusBadRequest
	case model.ErrCodeInvalidStatusTransition:
		return http.StatusConflict
	case model.ErrCodeInferenceFailed:
		return http.StatusBadGateway
	case model.ErrCodeRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// inferenceStatus は推論エラーをクライアントへ返すステータスに変換する。
// 上流の4xxは入力の問題としてそのまま返し、それ以外はゲートウェイエラーとする。
func inferenceStatus(err *inference.Error) int {
	switch {
	case err.Status == http.StatusRequestEntityTooLarge:
		return http.StatusRequestEntityTooLarge
	case err.Status == http.StatusServiceUnavailable:
		return http.StatusServiceUnavailable
	case err.Status >= 400 && err.Status < 500:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusBadGateway
	}
}
