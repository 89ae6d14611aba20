package inference

import (
	"encoding/json"
	"fmt"
)

// defaultErrorMessage は推論エンドポイントが詳細を返さなかった場合のメッセージ。
const defaultErrorMessage = "Prediction failed"

// Error は推論エンドポイント呼び出しの失敗を表す。
// Messageは利用者にそのまま表示できる1行の文字列。
type Error struct {
	Endpoint Endpoint
	Status   int // HTTPステータス。通信エラーの場合は0
	Message  string
}

// Error はerrorインターフェースを実装する。
func (e *Error) Error() string {
	if e.Status == 0 {
		return fmt.Sprintf("%s: %s", e.Endpoint, e.Message)
	}
	return fmt.Sprintf("%s: %d %s", e.Endpoint, e.Status, e.Message)
}

// errorMessage はFastAPI形式のエラーボディからメッセージを取り出す。
// detail[0].msg、文字列のdetail、既定メッセージの順に採用する。
func errorMessage(body []byte) string {
	var payload struct {
		Detail json.RawMessage `json:"detail"`
	}
	if err := json.Unmarshal(body, &payload); err != nil || len(payload.Detail) == 0 {
		return defaultErrorMessage
	}

	var items []struct {
		Msg string `json:"msg"`
	}
	if err := json.Unmarshal(payload.Detail, &items); err == nil {
		if len(items) > 0 && items[0].Msg != "" {
			return items[0].Msg
		}
		return defaultErrorMessage
	}

	var s string
	if err := json.Unmarshal(payload.Detail, &s); err == nil && s != "" {
		return s
	}
	return defaultErrorMessage
}
