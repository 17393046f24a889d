// Package model はドメインモデルを定義する。
package model

import (
	"errors"
	"fmt"
)

// リポジトリ・サービス層で errors.Is により判定するセンチネルエラー。
var (
	// ErrNotFound は参照先（ユーザー・ルーム）が存在しないことを示す。
	ErrNotFound = errors.New("not found")
	// ErrConflict は一意制約に違反したことを示す。
	ErrConflict = errors.New("conflict")
	// ErrForbidden はルームのメンバーではないことを示す。
	ErrForbidden = errors.New("forbidden")
	// ErrEmptyMessage は本文も添付もないメッセージを示す。
	ErrEmptyMessage = errors.New("message has neither content nor attachment")
)

// APIError は統一エラーフォーマットを表す。
// WebSocketのエラーフレームとして送信する際は Code と Message のみを使う。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: auth, room, frame, system
	Action   string // ユーザー向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeMissingCredentials     = "MISSING_CREDENTIALS"
	ErrCodeUnauthorized           = "UNAUTHORIZED"
	ErrCodeUpstreamUnavailable    = "UPSTREAM_UNAVAILABLE"
	ErrCodeNotFound               = "NOT_FOUND"
	ErrCodeConflict               = "CONFLICT"
	ErrCodeMalformedFrame         = "MALFORMED_FRAME"
	ErrCodeForbidden              = "FORBIDDEN"
	ErrCodeIdentityNotProvisioned = "IDENTITY_NOT_PROVISIONED"
	ErrCodeRateLimited            = "RATE_LIMITED"
	ErrCodeInternal               = "INTERNAL"
)

// AsAPIError はエラーチェーンから *APIError を取り出す。
// 含まれない場合は INTERNAL エラーを返す。
func AsAPIError(err error) *APIError {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr
	}
	switch {
	case errors.Is(err, ErrNotFound):
		return NewNotFoundError("")
	case errors.Is(err, ErrConflict):
		return NewConflictError()
	case errors.Is(err, ErrForbidden):
		return NewForbiddenError()
	}
	return NewInternalError()
}

// NewMissingCredentialsError はトークン未指定エラーを生成する。
func NewMissingCredentialsError() *APIError {
	return &APIError{
		Code:     ErrCodeMissingCredentials,
		Message:  "認証情報がありません。",
		Category: "auth",
		Action:   "access または refresh クッキーを付けて接続してください。",
	}
}

// NewUnauthorizedError はトークン検証失敗エラーを生成する。
func NewUnauthorizedError() *APIError {
	return &APIError{
		Code:     ErrCodeUnauthorized,
		Message:  "トークンが無効です。",
		Category: "auth",
		Action:   "ログインし直してください。",
	}
}

// NewUpstreamUnavailableError はIDプロバイダ到達不能エラーを生成する。
func NewUpstreamUnavailableError() *APIError {
	return &APIError{
		Code:     ErrCodeUpstreamUnavailable,
		Message:  "認証サーバーに接続できません。",
		Category: "auth",
		Action:   "しばらく待ってから再度お試しください。",
	}
}

// NewNotFoundError は参照先未検出エラーを生成する。
func NewNotFoundError(ref string) *APIError {
	msg := "指定された対象が見つかりません。"
	if ref != "" {
		msg = fmt.Sprintf("指定された対象が見つかりません: %s", ref)
	}
	return &APIError{
		Code:     ErrCodeNotFound,
		Message:  msg,
		Category: "room",
		Action:   "ユーザー名またはルームIDを確認してください。",
	}
}

// NewConflictError はユーザー名重複エラーを生成する。
func NewConflictError() *APIError {
	return &APIError{
		Code:     ErrCodeConflict,
		Message:  "このユーザー名は既に使われています。",
		Category: "auth",
		Action:   "別のユーザー名で接続してください。",
	}
}

// NewMalformedFrameError は不正フレームエラーを生成する。
func NewMalformedFrameError() *APIError {
	return &APIError{
		Code:     ErrCodeMalformedFrame,
		Message:  "フレームを解析できません。",
		Category: "frame",
		Action:   "JSON形式のフレームを送信してください。",
	}
}

// NewForbiddenError はルーム非メンバーエラーを生成する。
func NewForbiddenError() *APIError {
	return &APIError{
		Code:     ErrCodeForbidden,
		Message:  "このルームに参加していません。",
		Category: "room",
		Action:   "チャットを開始してからルームに接続してください。",
	}
}

// NewIdentityNotProvisionedError は未登録ユーザーエラーを生成する。
func NewIdentityNotProvisionedError() *APIError {
	return &APIError{
		Code:     ErrCodeIdentityNotProvisioned,
		Message:  "ユーザーが登録されていません。",
		Category: "auth",
		Action:   "ユーザー名を指定して接続してください。",
	}
}

// NewRateLimitedError はレート超過エラーを生成する。ハンドシェイクとフレームの両方で使う。
func NewRateLimitedError() *APIError {
	return &APIError{
		Code:     ErrCodeRateLimited,
		Message:  "リクエストが多すぎます。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	}
}

// NewInternalError は内部エラーを生成する。
func NewInternalError() *APIError {
	return &APIError{
		Code:     ErrCodeInternal,
		Message:  "内部エラーが発生しました。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	}
}
