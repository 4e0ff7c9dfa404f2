// Package security はアプリケーションのセキュリティ機能を提供する。
//
// TextSanitizer はTODOのタイトルと説明からマークアップを除去し、
// 他のクライアントに配信される文字列にスクリプトが混入しないようにする。
package security

import (
	"html"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// TextSanitizerService はプレーンテキスト化のインターフェースを定義する。
type TextSanitizerService interface {
	// Sanitize はすべてのHTMLタグを除去したプレーンテキストを返す。
	// 前後の空白は取り除く。同一入力に対して常に同一出力を返す。
	Sanitize(raw string) string
}

// textSanitizer はTextSanitizerServiceの実装。
// bluemondayのStrictPolicyはスレッドセーフに共有できる。
type textSanitizer struct {
	policy *bluemonday.Policy
}

// NewTextSanitizer はタグを一切許可しないポリシーでTextSanitizerServiceを生成する。
func NewTextSanitizer() *textSanitizer {
	return &textSanitizer{
		policy: bluemonday.StrictPolicy(),
	}
}

// maxSanitizePasses はエスケープされたタグを展開しながら除去する最大回数。
const maxSanitizePasses = 3

// Sanitize はタグを除去し、bluemondayがエスケープした実体参照を元の文字に戻す。
// 実体参照を戻した結果に新たなタグが現れた場合は再度除去する。
func (s *textSanitizer) Sanitize(raw string) string {
	out := raw
	for i := 0; i < maxSanitizePasses; i++ {
		next := html.UnescapeString(s.policy.Sanitize(out))
		if next == out {
			break
		}
		out = next
	}
	return strings.TrimSpace(out)
}
