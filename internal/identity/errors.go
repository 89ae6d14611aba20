package identity

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// AuthError はIdPが返したエラーを表す。
// Messageは利用者にそのまま表示される。コードによる分岐は行わない。
type AuthError struct {
	Status  int
	Code    string
	Message string
}

// Error はerrorインターフェースを実装する。
func (e *AuthError) Error() string {
	return e.Message
}

// authErrorBody はIdPのエラーレスポンスとして現れる形式をまとめたもの。
// エンドポイントやバージョンによってフィールド名が異なる。
type authErrorBody struct {
	Error            string          `json:"error"`
	ErrorDescription string          `json:"error_description"`
	ErrorCode        string          `json:"error_code"`
	Code             json.RawMessage `json:"code"`
	Msg              string          `json:"msg"`
	Message          string          `json:"message"`
}

// parseAuthError はエラーレスポンスのボディからAuthErrorを生成する。
func parseAuthError(status int, body []byte) *AuthError {
	ae := &AuthError{Status: status}

	var b authErrorBody
	if err := json.Unmarshal(body, &b); err == nil {
		switch {
		case b.ErrorDescription != "":
			ae.Message = b.ErrorDescription
		case b.Msg != "":
			ae.Message = b.Msg
		case b.Message != "":
			ae.Message = b.Message
		case b.Error != "":
			ae.Message = b.Error
		}

		switch {
		case b.ErrorCode != "":
			ae.Code = b.ErrorCode
		case b.Error != "":
			ae.Code = b.Error
		case len(b.Code) > 0:
			var s string
			if json.Unmarshal(b.Code, &s) == nil {
				ae.Code = s
			}
		}
	}

	if ae.Message == "" {
		ae.Message = fmt.Sprintf("identity provider returned %d %s", status, http.StatusText(status))
	}
	return ae
}
