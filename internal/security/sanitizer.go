// Package security はアプリケーションのセキュリティ機能を提供する。
//
// ReplySanitizer は推論エージェントの応答に含まれるHTMLを無害化する。
// AvatarFetcher はIdPのユーザーメタデータにあるアバター画像を、
// 内部ネットワークに到達しないHTTPクライアントで取得する。
package security

import (
	"net/url"

	"github.com/microcosm-cc/bluemonday"
)

// ReplySanitizer はエージェント応答のHTMLを許可リストで無害化する。
// 許可タグ: p, br, ul, ol, li, strong, em, b, i, code, pre, blockquote, h3, h4, table系, a。
// 画像やフォームは応答に含めない。リンクはhttpsのみで、target="_blank"とrel="noopener noreferrer"を付与する。
type ReplySanitizer struct {
	policy *bluemonday.Policy
}

// NewReplySanitizer はReplySanitizerを生成する。
func NewReplySanitizer() *ReplySanitizer {
	p := bluemonday.NewPolicy()
	p.AllowElements(
		"p", "br", "ul", "ol", "li",
		"strong", "em", "b", "i",
		"code", "pre", "blockquote",
		"h3", "h4",
		"table", "thead", "tbody", "tr", "th", "td",
	)

	p.AllowAttrs("href").OnElements("a")
	p.AllowRelativeURLs(false)
	p.AllowURLSchemeWithCustomPolicy("https", func(*url.URL) bool { return true })
	p.AddTargetBlankToFullyQualifiedLinks(true)
	p.RequireNoReferrerOnLinks(true)

	return &ReplySanitizer{policy: p}
}

// Sanitize は無害化したHTMLを返す。同じ入力には常に同じ出力を返す。
func (s *ReplySanitizer) Sanitize(rawHTML string) string {
	return s.policy.Sanitize(rawHTML)
}
