package model

import "time"

// User はチャットに参加するローカルユーザー（Identity）を表す。
// 初回のトークン検証成功時にメールアドレスをキーとして作成される。
type User struct {
	ID        string
	Username  string
	Email     string
	CreatedAt time.Time
}

// UserRef は検索結果として返すユーザーの公開情報。
type UserRef struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}

// Presence はユーザーのオンライン状態を表す。
// LastSeen はオンラインからオフラインへの遷移時にのみ設定される。
type Presence struct {
	UserID   string
	Online   bool
	LastSeen *time.Time
}
