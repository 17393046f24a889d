// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/lib/pq"

	"github.com/hitoshi/chathub/internal/model"
)

// UserRepository はユーザー（Identity）データの永続化インターフェース。
type UserRepository interface {
	// FindByID は指定IDのユーザーを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.User, error)

	// FindByEmail はメールアドレスでユーザーを検索する。見つからない場合はnilを返す。
	FindByEmail(ctx context.Context, email string) (*model.User, error)

	// FindByUsername はユーザー名でユーザーを検索する。見つからない場合はnilを返す。
	FindByUsername(ctx context.Context, username string) (*model.User, error)

	// Provision はメールアドレスをキーにユーザーとプレゼンスを作成する。
	// 同じメールアドレスのユーザーが既に存在する場合はそのユーザーを返す。
	// ユーザー名が他のメールアドレスで使われている場合は model.ErrConflict を返す。
	Provision(ctx context.Context, user *model.User) (*model.User, error)

	// SearchByUsername はユーザー名の部分一致（大文字小文字を区別しない）で検索する。
	SearchByUsername(ctx context.Context, query string, limit int) ([]model.UserRef, error)
}

// PresenceRepository はオンライン状態の永続化インターフェース。
type PresenceRepository interface {
	// FindByUserID は指定ユーザーのプレゼンスを取得する。見つからない場合はnilを返す。
	FindByUserID(ctx context.Context, userID string) (*model.Presence, error)

	// SetOnline はユーザーをオンラインにする。行がなければ作成する。
	SetOnline(ctx context.Context, userID string) error

	// SetOffline はユーザーをオフラインにし、last_seenを記録する。
	SetOffline(ctx context.Context, userID string, at time.Time) error

	// ResetAll はオンラインのまま残った全ユーザーをオフラインにし、件数を返す。
	ResetAll(ctx context.Context, at time.Time) (int64, error)
}

// RoomRepository はルームとメンバーシップの永続化インターフェース。
type RoomRepository interface {
	// FindByID は指定IDのルームを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Room, error)

	// FindOrCreateByPairKey はpair_keyでルームを検索し、なければ作成する。
	// memberIDsは冪等にメンバーとして追加される。
	FindOrCreateByPairKey(ctx context.Context, room *model.Room, memberIDs []string) (*model.Room, error)

	// FindOrCreateByName はnameでルームを検索し、なければ作成してmemberIDを追加する。
	FindOrCreateByName(ctx context.Context, room *model.Room, memberID string) (*model.Room, error)

	// IsMember はユーザーがルームのメンバーかを返す。
	IsMember(ctx context.Context, roomID, userID string) (bool, error)

	// ListPartners はユーザーと同じルームに所属する他のユーザーを重複なく返す。
	ListPartners(ctx context.Context, userID string) ([]model.UserRef, error)

	// ListChats はユーザーが参加しているルームの概要を参加順に返す。
	ListChats(ctx context.Context, userID string) ([]model.ChatSummary, error)
}

// MessageRepository はメッセージの永続化インターフェース。
type MessageRepository interface {
	// Create はメッセージを作成する。
	Create(ctx context.Context, msg *model.Message) error

	// ListByRoom はルームのメッセージを(created_at, seq)昇順で返す。
	// limitが正の場合は最新limit件のみを返す。
	ListByRoom(ctx context.Context, roomID string, limit int) ([]model.Message, error)
}

// TxBeginner はトランザクション開始用のインターフェース。
type TxBeginner interface {
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
}

// uniqueViolation はPostgreSQLの一意制約違反のエラーコード。
const uniqueViolation = "23505"

// isUniqueViolation は一意制約違反エラーかを判定する。
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}
