// Package presence はユーザーのオンライン状態と、自分宛てトピックの購読を管理する。
package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hitoshi/chathub/internal/broker"
	"github.com/hitoshi/chathub/internal/model"
	"github.com/hitoshi/chathub/internal/repository"
)

// closeTimeout はセッション終了処理に与える時間。
// 接続側のコンテキストがキャンセル済みでも終了処理を完了させるために使う。
const closeTimeout = 5 * time.Second

// Broker はRegistryが利用する配信操作。
type Broker interface {
	Subscribe(topic string, sub broker.Subscriber)
	Unsubscribe(topic string, sub broker.Subscriber)
	Publish(topic string, ev broker.Event) int
}

// Session は1接続分のオンライン状態を表すハンドル。
type Session struct {
	User     *model.User
	OpenedAt time.Time

	sub       broker.Subscriber
	closeOnce sync.Once
}

// Registry はセッションの開始・終了とチャット一覧の取得を行う。
type Registry struct {
	presence repository.PresenceRepository
	rooms    repository.RoomRepository
	broker   Broker
	logger   *slog.Logger
	now      func() time.Time
}

// NewRegistry はRegistryを生成する。
func NewRegistry(presence repository.PresenceRepository, rooms repository.RoomRepository, b Broker, logger *slog.Logger) *Registry {
	return &Registry{
		presence: presence,
		rooms:    rooms,
		broker:   b,
		logger:   logger,
		now:      time.Now,
	}
}

// OpenSession はユーザーをオンラインにし、自分宛てトピック（ユーザー名）を購読する。
// チャット相手の自分宛てトピックにはオンライン通知を配信する。
func (r *Registry) OpenSession(ctx context.Context, user *model.User, sub broker.Subscriber) (*Session, error) {
	if err := r.presence.SetOnline(ctx, user.ID); err != nil {
		return nil, fmt.Errorf("failed to open session: %w", err)
	}
	r.broker.Subscribe(user.Username, sub)

	r.notifyPartners(ctx, user, true, nil)

	r.logger.Info("セッションを開始しました",
		slog.String("user_id", user.ID),
		slog.String("username", user.Username),
	)
	return &Session{User: user, OpenedAt: r.now(), sub: sub}, nil
}

// CloseSession はユーザーをオフラインにし、last_seenを記録して購読を解除する。
// 同じセッションに対して複数回呼ばれても2回目以降は何もしない。
func (r *Registry) CloseSession(ctx context.Context, s *Session) {
	if s == nil {
		return
	}
	s.closeOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), closeTimeout)
		defer cancel()

		r.broker.Unsubscribe(s.User.Username, s.sub)

		at := r.now()
		if err := r.presence.SetOffline(ctx, s.User.ID, at); err != nil {
			r.logger.Error("オフライン状態の記録に失敗しました",
				slog.String("user_id", s.User.ID),
				slog.String("error", err.Error()),
			)
		}

		r.notifyPartners(ctx, s.User, false, &at)

		r.logger.Info("セッションを終了しました",
			slog.String("user_id", s.User.ID),
			slog.String("username", s.User.Username),
			slog.Float64("duration_sec", at.Sub(s.OpenedAt).Seconds()),
		)
	})
}

// GetChats はユーザーが参加しているルームの概要を参加順に返す。
func (r *Registry) GetChats(ctx context.Context, user *model.User) ([]model.ChatSummary, error) {
	chats, err := r.rooms.ListChats(ctx, user.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to get chats: %w", err)
	}
	return chats, nil
}

// Reconcile は前回のプロセスでオンラインのまま残ったユーザーをオフラインにする。
// 接続の受け付けを開始する前に1回だけ呼び出す。
func (r *Registry) Reconcile(ctx context.Context) (int64, error) {
	n, err := r.presence.ResetAll(ctx, r.now())
	if err != nil {
		return 0, fmt.Errorf("failed to reconcile presences: %w", err)
	}
	if n > 0 {
		r.logger.Warn("オンラインのまま残っていたユーザーをオフラインにしました",
			slog.Int64("count", n),
		)
	}
	return n, nil
}

// Frame はチャット相手に配信するオンライン状態の変化。
type Frame struct {
	Type     string     `json:"type"`
	Username string     `json:"username"`
	Online   bool       `json:"online"`
	LastSeen *time.Time `json:"last_seen,omitempty"`
}

// FrameType はプレゼンス通知フレームのtype。
const FrameType = "presence"

func (r *Registry) notifyPartners(ctx context.Context, user *model.User, online bool, lastSeen *time.Time) {
	partners, err := r.rooms.ListPartners(ctx, user.ID)
	if err != nil {
		r.logger.Warn("チャット相手の取得に失敗したためプレゼンス通知を省略します",
			slog.String("user_id", user.ID),
			slog.String("error", err.Error()),
		)
		return
	}
	if len(partners) == 0 {
		return
	}

	payload, err := json.Marshal(Frame{
		Type:     FrameType,
		Username: user.Username,
		Online:   online,
		LastSeen: lastSeen,
	})
	if err != nil {
		r.logger.Error("プレゼンス通知のエンコードに失敗しました", slog.String("error", err.Error()))
		return
	}

	for _, p := range partners {
		r.broker.Publish(p.Username, broker.Event{Kind: broker.KindStatus, Payload: payload})
	}
}
