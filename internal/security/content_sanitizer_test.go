package security

import (
	"strings"
	"testing"
)

// TestSanitize_PlainText はプレーンテキストがそのまま通過することを検証する。
func TestSanitize_PlainText(t *testing.T) {
	sanitizer := NewContentSanitizer()

	tests := []string{
		"これはプレーンテキストです。",
		"a & b",
		"1 < 2 and 3 > 2",
		`"quoted" and 'single'`,
		"絵文字 🎉 も通る",
	}
	for _, input := range tests {
		if got := sanitizer.Sanitize(input); got != input {
			t.Errorf("Sanitize(%q) = %q, expected unchanged", input, got)
		}
	}
}

func TestSanitize_EmptyInput(t *testing.T) {
	sanitizer := NewContentSanitizer()

	if got := sanitizer.Sanitize(""); got != "" {
		t.Errorf("Sanitize(\"\") = %q, expected empty string", got)
	}
}

// TestSanitize_StripsTags は全てのタグが除去され、テキストだけが残ることを検証する。
func TestSanitize_StripsTags(t *testing.T) {
	sanitizer := NewContentSanitizer()

	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"強調タグ", "<strong>太字</strong>です", "太字です"},
		{"リンク", `<a href="https://example.com">リンク</a>`, "リンク"},
		{"段落", "<p>こんにちは</p>", "こんにちは"},
		{"画像", `<img src="https://example.com/a.png" alt="画像">`, ""},
		{"文字参照で書かれたタグ", "&lt;b&gt;hi&lt;/b&gt;", "hi"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := sanitizer.Sanitize(tt.input); got != tt.want {
				t.Errorf("Sanitize(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

// TestSanitize_XSSPayloads は代表的なXSSペイロードが無害化されることを検証する。
func TestSanitize_XSSPayloads(t *testing.T) {
	sanitizer := NewContentSanitizer()

	tests := []struct {
		name       string
		input      string
		wantAbsent []string
	}{
		{
			name:       "scriptタグ",
			input:      `<script>alert('xss')</script>こんにちは`,
			wantAbsent: []string{"<script", "alert"},
		},
		{
			name:       "SVG onloadによるXSS",
			input:      `<svg onload="alert('xss')">`,
			wantAbsent: []string{"<svg", "onload", "alert"},
		},
		{
			name:       "img onerrorによるXSS",
			input:      `<img src="x" onerror="alert('xss')">`,
			wantAbsent: []string{"onerror", "alert"},
		},
		{
			name:       "javascript URI",
			input:      `<a href="javascript:alert('xss')">クリック</a>`,
			wantAbsent: []string{"javascript:", "<a"},
		},
		{
			name:       "イベントハンドラの大文字混在",
			input:      `<p OnClick="alert('xss')">テスト</p>`,
			wantAbsent: []string{"onclick", "alert"},
		},
		{
			name:       "文字参照で隠したscript",
			input:      `&lt;script&gt;alert('xss')&lt;/script&gt;`,
			wantAbsent: []string{"<script", "alert"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := sanitizer.Sanitize(tt.input)
			for _, absent := range tt.wantAbsent {
				if strings.Contains(strings.ToLower(got), strings.ToLower(absent)) {
					t.Errorf("Sanitize(%q) = %q, should NOT contain %q", tt.input, got, absent)
				}
			}
		})
	}
}

// TestSanitize_Idempotent は二重サニタイズで結果が変わらないことを検証する。
func TestSanitize_Idempotent(t *testing.T) {
	sanitizer := NewContentSanitizer()

	inputs := []string{
		`<p>テスト<strong>太字</strong></p> & more`,
		"&amp;lt;b&amp;gt;",
		"plain",
	}
	for _, input := range inputs {
		first := sanitizer.Sanitize(input)
		second := sanitizer.Sanitize(first)
		if first != second {
			t.Errorf("二重サニタイズで結果が変わった: 1回目=%q, 二重=%q", first, second)
		}
	}
}
