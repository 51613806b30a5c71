package security

import (
	"html"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// TextSanitizerService は取得したHTMLからプロンプトに渡すプレーンテキストを取り出す。
type TextSanitizerService interface {
	// Text は全てのタグを除去し、実体参照を戻して空白を1つにまとめた文字列を返す。
	// script, style, titleなどの要素は中身ごと除去される。
	Text(rawHTML string) string
}

// textSanitizer はTextSanitizerServiceの実装。
// bluemondayのポリシーはスレッドセーフなので共有する。
type textSanitizer struct {
	policy *bluemonday.Policy
}

// NewTextSanitizer はbluemondayのStrictPolicyを使うTextSanitizerServiceを生成する。
func NewTextSanitizer() *textSanitizer {
	p := bluemonday.StrictPolicy()
	// <p>a</p><p>b</p> が "ab" にならないようにする
	p.AddSpaceWhenStrippingTag(true)

	return &textSanitizer{policy: p}
}

// Text はHTMLをプレーンテキストに変換する。
func (s *textSanitizer) Text(rawHTML string) string {
	if rawHTML == "" {
		return ""
	}
	stripped := s.policy.Sanitize(rawHTML)
	return strings.Join(strings.Fields(html.UnescapeString(stripped)), " ")
}
