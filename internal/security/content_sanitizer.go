// Package security はアプリケーションのセキュリティ機能を提供する。
//
// ContentSanitizerService はチャットメッセージの本文からマークアップを除去する。
// SANITIZE_CONTENT を有効にした場合のみ使われる。タグに見える文字列（"a<b" など）も除去される。
package security

import (
	"html"

	"github.com/microcosm-cc/bluemonday"
)

// maxPasses はエンティティの復元とタグ除去を繰り返す上限回数。
const maxPasses = 4

// ContentSanitizerService はメッセージ本文のサニタイズ機能のインターフェースを定義する。
type ContentSanitizerService interface {
	// Sanitize は全てのHTMLタグを除去したプレーンテキストを返す。
	// script, styleタグは中身ごと除去される。
	// 文字参照は元の文字に戻すため、"a & b" はそのまま保存される。
	// 同一入力に対して常に同一出力を返す（冪等）。
	Sanitize(raw string) string
}

// contentSanitizer はContentSanitizerServiceの実装。
// bluemondayのStrictPolicyを保持し、スレッドセーフにサニタイズ処理を行う。
type contentSanitizer struct {
	policy *bluemonday.Policy
}

// NewContentSanitizer はContentSanitizerServiceの新しいインスタンスを生成する。
func NewContentSanitizer() *contentSanitizer {
	return &contentSanitizer{
		policy: bluemonday.StrictPolicy(),
	}
}

// Sanitize はタグを除去し、文字参照を復元したテキストを返す。
// "&lt;b&gt;" のように文字参照で書かれたタグも復元後に再度除去するため、
// 結果が変化しなくなるまで繰り返す。
func (s *contentSanitizer) Sanitize(raw string) string {
	out := raw
	for i := 0; i < maxPasses; i++ {
		next := html.UnescapeString(s.policy.Sanitize(out))
		if next == out {
			return out
		}
		out = next
	}
	return out
}

// compile-time interface check
var _ ContentSanitizerService = (*contentSanitizer)(nil)
