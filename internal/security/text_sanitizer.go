// Package security はアプリケーションのセキュリティ機能を提供する。
//
// TextSanitizer はカタログに登録する書名・著者名からマークアップを除去し、
// プレーンテキストとして保存できる形に正規化する。
package security

import (
	"html"
	"strings"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
)

// TextSanitizer はプレーンテキスト項目の正規化機能のインターフェースを定義する。
type TextSanitizer interface {
	// Clean はすべてのタグを除去し、連続する空白を1つにまとめ、前後の空白を取り除く。
	// maxRunesを超える場合は末尾を切り詰める（0以下の場合は無制限）。
	// 同一入力に対して常に同一出力を返す。
	Clean(raw string, maxRunes int) string
}

// textSanitizer はTextSanitizerの実装。
// bluemondayのStrictPolicyはすべての要素を除去する。ポリシーはスレッドセーフに共有できる。
type textSanitizer struct {
	policy *bluemonday.Policy
}

// NewTextSanitizer はTextSanitizerの新しいインスタンスを生成する。
func NewTextSanitizer() *textSanitizer {
	return &textSanitizer{policy: bluemonday.StrictPolicy()}
}

// Clean はタグを除去したプレーンテキストを返す。
// StrictPolicyが出力するHTMLエンティティは元の文字に戻す（"Pride &amp; Prejudice" → "Pride & Prejudice"）。
func (s *textSanitizer) Clean(raw string, maxRunes int) string {
	if raw == "" {
		return ""
	}
	stripped := html.UnescapeString(s.policy.Sanitize(raw))
	text := strings.Join(strings.Fields(stripped), " ")

	if maxRunes > 0 && utf8.RuneCountInString(text) > maxRunes {
		runes := []rune(text)
		text = strings.TrimSpace(string(runes[:maxRunes]))
	}
	return text
}
