// Package room はルームの作成・解決、メッセージ履歴、ユーザー検索を提供する。
package room

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/chathub/internal/model"
	"github.com/hitoshi/chathub/internal/repository"
	"github.com/hitoshi/chathub/internal/security"
)

// TimestampLayout は履歴フレームで使うタイムスタンプの書式。
const TimestampLayout = "2006-01-02 15:04:05"

// Config はRoom Directoryの動作設定。
type Config struct {
	MembershipRequired    bool           // UUIDで指定されたルームへの接続にメンバーシップを要求する
	HistoryLimit          int            // 0以下で無制限
	SearchLimit           int            // ユーザー検索の最大件数
	TrustClientTimestamps bool           // trueの場合クライアントのtimestampを保存に使う
	SanitizeContent       bool           // 本文からマークアップを除去する。有効にすると "a<b" のような本文も書き換わる
	Location              *time.Location // クライアントtimestampの解釈に使うタイムゾーン
}

// AppendInput はメッセージ追加の入力。
type AppendInput struct {
	RoomID          string
	Sender          *model.User
	Content         string
	Attachment      string
	ClientTimestamp string
}

// Directory はルームとメッセージに関するビジネスロジックを提供する。
type Directory struct {
	users     repository.UserRepository
	rooms     repository.RoomRepository
	messages  repository.MessageRepository
	sanitizer security.ContentSanitizerService
	config    Config
	now       func() time.Time
}

// NewDirectory はDirectoryを生成する。
func NewDirectory(
	users repository.UserRepository,
	rooms repository.RoomRepository,
	messages repository.MessageRepository,
	sanitizer security.ContentSanitizerService,
	config Config,
) *Directory {
	if config.Location == nil {
		config.Location = time.Local
	}
	return &Directory{
		users:     users,
		rooms:     rooms,
		messages:  messages,
		sanitizer: sanitizer,
		config:    config,
		now:       time.Now,
	}
}

// FindOrCreateRoom はrequesterとotherHandleの1対1ルームを返す。
// 2人の組み合わせに対してルームは1つで、呼び出し順序に関係なく同じルームが返る。
func (d *Directory) FindOrCreateRoom(ctx context.Context, requester *model.User, otherHandle string) (*model.Room, error) {
	other, err := d.users.FindByUsername(ctx, otherHandle)
	if err != nil {
		return nil, fmt.Errorf("failed to find user %q: %w", otherHandle, err)
	}
	if other == nil {
		return nil, fmt.Errorf("user %q: %w", otherHandle, model.ErrNotFound)
	}

	names := []string{requester.Username, other.Username}
	if names[1] < names[0] {
		names[0], names[1] = names[1], names[0]
	}

	room, err := d.rooms.FindOrCreateByPairKey(ctx, &model.Room{
		ID:          uuid.New().String(),
		Description: strings.Join(names, ", "),
		PairKey:     model.PairKey(requester.ID, other.ID),
		CreatedAt:   d.now(),
	}, []string{requester.ID, other.ID})
	if err != nil {
		return nil, fmt.Errorf("failed to find or create room: %w", err)
	}
	return room, nil
}

// JoinNamedRoom は名前付きルームを返し、userをメンバーに加える。
func (d *Directory) JoinNamedRoom(ctx context.Context, user *model.User, name string) (*model.Room, error) {
	if name == "" {
		return nil, fmt.Errorf("empty room name: %w", model.ErrNotFound)
	}
	room, err := d.rooms.FindOrCreateByName(ctx, &model.Room{
		ID:          uuid.New().String(),
		Description: name,
		Name:        name,
		CreatedAt:   d.now(),
	}, user.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to join room %q: %w", name, err)
	}
	return room, nil
}

// ResolveRoom はルーム接続の参照を解決する。
// UUID形式の参照は既存ルームでなければならず、設定によりメンバーシップも確認する。
// それ以外の参照は名前付きルームとして扱う。
func (d *Directory) ResolveRoom(ctx context.Context, user *model.User, ref string) (*model.Room, error) {
	if _, err := uuid.Parse(ref); err != nil {
		return d.JoinNamedRoom(ctx, user, ref)
	}

	room, err := d.rooms.FindByID(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("failed to find room: %w", err)
	}
	if room == nil {
		return nil, fmt.Errorf("room %q: %w", ref, model.ErrNotFound)
	}

	if d.config.MembershipRequired {
		ok, err := d.rooms.IsMember(ctx, room.ID, user.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to check membership: %w", err)
		}
		if !ok {
			return nil, fmt.Errorf("room %q: %w", ref, model.ErrForbidden)
		}
	}
	return room, nil
}

// ListMessages はルームのメッセージを古い順に返す。
func (d *Directory) ListMessages(ctx context.Context, roomID string) ([]model.Message, error) {
	msgs, err := d.messages.ListByRoom(ctx, roomID, d.config.HistoryLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	return msgs, nil
}

// AppendMessage はメッセージを保存する。
// 本文と添付の両方が空の場合は model.ErrEmptyMessage を返す。
func (d *Directory) AppendMessage(ctx context.Context, in AppendInput) (*model.Message, error) {
	// 本文は送信されたまま保存する。空白のみの本文は空として扱う
	content := in.Content
	if d.config.SanitizeContent && d.sanitizer != nil {
		content = d.sanitizer.Sanitize(content)
	}
	if strings.TrimSpace(content) == "" {
		content = ""
	}
	attachment := strings.TrimSpace(in.Attachment)

	msg := &model.Message{
		ID:             uuid.New().String(),
		RoomID:         in.RoomID,
		SenderID:       in.Sender.ID,
		SenderUsername: in.Sender.Username,
		Content:        content,
		Attachment:     attachment,
		CreatedAt:      d.timestamp(in.ClientTimestamp),
	}
	if !msg.HasBody() {
		return nil, model.ErrEmptyMessage
	}

	if err := d.messages.Create(ctx, msg); err != nil {
		return nil, fmt.Errorf("failed to append message: %w", err)
	}
	return msg, nil
}

// timestamp は保存に使う時刻を決める。
// クライアント時刻を信頼しない設定、または解釈できない場合はサーバー受信時刻を使う。
func (d *Directory) timestamp(client string) time.Time {
	if !d.config.TrustClientTimestamps || client == "" {
		return d.now()
	}
	if t, err := time.Parse(time.RFC3339Nano, client); err == nil {
		return t
	}
	if t, err := time.ParseInLocation(TimestampLayout, client, d.config.Location); err == nil {
		return t
	}
	return d.now()
}

// SearchIdentities はユーザー名の部分一致でユーザーを検索する。空のクエリは空の結果を返す。
func (d *Directory) SearchIdentities(ctx context.Context, query string) ([]model.UserRef, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return []model.UserRef{}, nil
	}
	refs, err := d.users.SearchByUsername(ctx, query, d.config.SearchLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to search users: %w", err)
	}
	return refs, nil
}
