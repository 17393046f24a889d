package ws

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/hitoshi/chathub/internal/auth"
	"github.com/hitoshi/chathub/internal/broker"
	"github.com/hitoshi/chathub/internal/model"
	"github.com/hitoshi/chathub/internal/presence"
	"github.com/hitoshi/chathub/internal/room"
)

// 接続の種類。メトリクスとログのラベルに使う。
const (
	KindOwn  = "own"
	KindRoom = "room"
)

// Authenticator はハンドシェイク時の認証を行う。auth.Service が実装する。
type Authenticator interface {
	Authenticate(ctx context.Context, creds auth.Credentials, requestedUsername string) (*auth.Principal, error)
}

// Sessions はオンライン状態の管理を行う。presence.Registry が実装する。
type Sessions interface {
	OpenSession(ctx context.Context, user *model.User, sub broker.Subscriber) (*presence.Session, error)
	CloseSession(ctx context.Context, s *presence.Session)
	GetChats(ctx context.Context, user *model.User) ([]model.ChatSummary, error)
}

// Rooms はルームとメッセージの操作を行う。room.Directory が実装する。
type Rooms interface {
	FindOrCreateRoom(ctx context.Context, requester *model.User, otherHandle string) (*model.Room, error)
	ResolveRoom(ctx context.Context, user *model.User, ref string) (*model.Room, error)
	ListMessages(ctx context.Context, roomID string) ([]model.Message, error)
	AppendMessage(ctx context.Context, in room.AppendInput) (*model.Message, error)
	SearchIdentities(ctx context.Context, query string) ([]model.UserRef, error)
}

// Broker はトピックへの購読と配信を行う。
type Broker interface {
	Subscribe(topic string, sub broker.Subscriber)
	UnsubscribeAll(sub broker.Subscriber)
	Publish(topic string, ev broker.Event) int
}

// Recorder は接続に関するメトリクスを記録する。metrics.Collector が実装する。
type Recorder interface {
	ConnectionOpened(kind string)
	ConnectionClosed(kind string)
	RecordHandshake(outcome string)
	RecordMessagePersisted()
}

// Deps はHandlerの依存関係。
type Deps struct {
	Auth     Authenticator
	Sessions Sessions
	Rooms    Rooms
	Broker   Broker
	Hub      *Hub
	Recorder Recorder // nilの場合は記録しない
	Logger   *slog.Logger
}

// Handler はWebSocketのエンドポイントを提供する。
type Handler struct {
	Deps
	cfg      Config
	upgrader websocket.Upgrader
}

// NewHandler はHandlerを生成する。
func NewHandler(deps Deps, cfg Config) *Handler {
	if deps.Recorder == nil {
		deps.Recorder = nopRecorder{}
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Hub == nil {
		deps.Hub = NewHub(deps.Logger)
	}
	cfg = cfg.withDefaults()
	origins := newOriginPolicy(cfg.AllowedOrigins, deps.Logger)
	return &Handler{
		Deps: deps,
		cfg:  cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     origins.check,
		},
	}
}

// connHooks は接続種別ごとの処理。
type connHooks struct {
	open     func(ctx context.Context) error
	dispatch func(ctx context.Context, raw []byte)
	close    func(ctx context.Context)
}

// ServeOwn は自分宛て接続（/ws/{username}）を処理する。
// URLのユーザー名は未登録ユーザーの作成時にのみ使う。
func (h *Handler) ServeOwn(w http.ResponseWriter, r *http.Request) {
	c, principal := h.handshake(w, r, KindOwn, chi.URLParam(r, "username"))
	if c == nil {
		return
	}
	h.Recorder.RecordHandshake("ok")

	user := principal.User
	var session *presence.Session

	h.run(r.Context(), c, user, connHooks{
		open: func(ctx context.Context) error {
			c.hold()
			s, err := h.Sessions.OpenSession(ctx, user, c)
			if err != nil {
				c.release()
				return err
			}
			session = s

			chats, err := h.Sessions.GetChats(ctx, user)
			if err != nil {
				c.release()
				return err
			}

			frames := make([][]byte, 0, 3)
			for _, f := range []any{
				tokensFrame{Access: principal.Tokens.Access, Refresh: principal.Tokens.Refresh},
				usernameFrame{Username: user.Username},
				chatsFrame{Chats: toChatItems(chats, h.cfg.Location)},
			} {
				b, err := encodeFrame(f)
				if err != nil {
					c.release()
					return err
				}
				frames = append(frames, b)
			}
			c.release(frames...)
			return nil
		},
		dispatch: func(ctx context.Context, raw []byte) {
			h.dispatchOwn(ctx, c, user, raw)
		},
		close: func(ctx context.Context) {
			h.Sessions.CloseSession(ctx, session)
		},
	})
}

// ServeRoom はルーム接続（/ws/chat/{room}）を処理する。
// 未登録ユーザーを作成する場合はクエリパラメータ username を使う。
func (h *Handler) ServeRoom(w http.ResponseWriter, r *http.Request) {
	c, principal := h.handshake(w, r, KindRoom, r.URL.Query().Get("username"))
	if c == nil {
		return
	}

	user := principal.User
	rm, err := h.Rooms.ResolveRoom(r.Context(), user, chi.URLParam(r, "room"))
	if err != nil {
		h.reject(c, err)
		return
	}
	h.Recorder.RecordHandshake("ok")

	h.run(r.Context(), c, user, connHooks{
		open: func(ctx context.Context) error {
			c.hold()
			h.Broker.Subscribe(rm.ID, c)

			msgs, err := h.Rooms.ListMessages(ctx, rm.ID)
			if err != nil {
				c.release()
				return err
			}
			items := make([]messageItem, 0, len(msgs))
			for _, m := range msgs {
				items = append(items, toMessageItem(m, h.cfg.Location))
			}
			b, err := encodeFrame(messagesFrame{Messages: items})
			if err != nil {
				c.release()
				return err
			}
			c.release(b)
			return nil
		},
		dispatch: func(ctx context.Context, raw []byte) {
			h.dispatchRoom(ctx, c, user, rm, raw)
		},
	})
}

// handshake はトランスポートを受け付けてから認証する。
// 拒否した場合は接続を閉じてnilを返す。
func (h *Handler) handshake(w http.ResponseWriter, r *http.Request, kind, requestedUsername string) (*Conn, *auth.Principal) {
	if h.Hub.Closing() {
		http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
		return nil, nil
	}

	wsConn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.Recorder.RecordHandshake("upgrade_failed")
		h.Logger.Warn("WebSocketへのアップグレードに失敗しました",
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()),
		)
		return nil, nil
	}

	c := newConn(wsConn, kind, h.cfg, h.Logger)
	c.setState(StateAuthenticating)

	principal, err := h.Auth.Authenticate(r.Context(), credentialsFromRequest(r), requestedUsername)
	if err != nil {
		h.reject(c, err)
		return nil, nil
	}
	return c, principal
}

// credentialsFromRequest はクッキーからトークンを取り出す。
func credentialsFromRequest(r *http.Request) auth.Credentials {
	var creds auth.Credentials
	if ck, err := r.Cookie("access"); err == nil {
		creds.Access = ck.Value
	}
	if ck, err := r.Cookie("refresh"); err == nil {
		creds.Refresh = ck.Value
	}
	return creds
}

// reject はハンドシェイクを拒否する。
func (h *Handler) reject(c *Conn, err error) {
	apiErr := model.AsAPIError(err)
	h.Recorder.RecordHandshake(apiErr.Code)

	level := slog.LevelWarn
	if apiErr.Code == model.ErrCodeInternal || apiErr.Code == model.ErrCodeConflict {
		level = slog.LevelError
	}
	c.logger.Log(context.Background(), level, "ハンドシェイクを拒否しました",
		slog.String("code", apiErr.Code),
		slog.String("error", err.Error()),
	)
	c.reject(apiErr)
}

// run はOpen状態の接続を処理する。どの経路で終了しても購読解除とセッション終了を行う。
func (h *Handler) run(ctx context.Context, c *Conn, user *model.User, hooks connHooks) {
	if !h.Hub.add(c) {
		c.shutdown()
		c.setState(StateClosed)
		return
	}
	h.Recorder.ConnectionOpened(c.kind)
	c.setState(StateOpen)
	c.logger = c.logger.With(slog.String("username", user.Username))
	c.startWriter()
	opened := time.Now()

	defer func() {
		if rec := recover(); rec != nil {
			c.logger.Error("フレーム処理中にpanicが発生しました",
				slog.Any("panic", rec),
				slog.String("stack", string(debug.Stack())),
			)
		}
		c.setState(StateClosing)
		h.Broker.UnsubscribeAll(c)
		if hooks.close != nil {
			hooks.close(ctx)
		}
		c.finish()
		h.Hub.remove(c)
		h.Recorder.ConnectionClosed(c.kind)
		c.logger.Info("接続を終了しました", slog.Float64("duration_sec", time.Since(opened).Seconds()))
	}()

	if err := hooks.open(ctx); err != nil {
		c.logger.Error("接続の開始処理に失敗しました", slog.String("error", err.Error()))
		c.sendError(model.AsAPIError(err))
		return
	}
	c.logger.Info("接続を開始しました")

	c.readLoop(func(raw []byte) {
		hooks.dispatch(ctx, raw)
	})
}

// dispatchOwn は自分宛て接続の受信フレームを処理する。
func (h *Handler) dispatchOwn(ctx context.Context, c *Conn, user *model.User, raw []byte) {
	var req ownRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		c.logger.Debug("不正なフレームを破棄しました", slog.String("error", err.Error()))
		c.sendError(model.NewMalformedFrameError())
		return
	}

	switch {
	case req.SearchQuery != nil:
		users, err := h.Rooms.SearchIdentities(ctx, *req.SearchQuery)
		if err != nil {
			c.logger.Error("ユーザー検索に失敗しました", slog.String("error", err.Error()))
			c.sendError(model.AsAPIError(err))
			return
		}
		if users == nil {
			users = []model.UserRef{}
		}
		c.sendJSON(usersFrame{Users: users})

	case req.Chat != nil:
		rm, err := h.Rooms.FindOrCreateRoom(ctx, user, *req.Chat)
		if err != nil {
			if errors.Is(err, model.ErrNotFound) {
				c.sendError(model.NewNotFoundError(*req.Chat))
				return
			}
			c.logger.Error("ルームの作成に失敗しました", slog.String("error", err.Error()))
			c.sendError(model.AsAPIError(err))
			return
		}
		c.sendJSON(roomUUIDFrame{RoomUUID: rm.ID})
	}
}

// dispatchRoom はルーム接続の受信フレームを処理する。
// 送信者は常に認証済みユーザーで、フレームのsenderは使わない。
func (h *Handler) dispatchRoom(ctx context.Context, c *Conn, user *model.User, rm *model.Room, raw []byte) {
	var req roomRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		c.logger.Debug("不正なフレームを破棄しました", slog.String("error", err.Error()))
		c.sendError(model.NewMalformedFrameError())
		return
	}

	switch req.Type {
	case TypeChatContent:
		msg, err := h.Rooms.AppendMessage(ctx, room.AppendInput{
			RoomID:          rm.ID,
			Sender:          user,
			Content:         req.Content,
			Attachment:      req.File,
			ClientTimestamp: req.Timestamp,
		})
		if errors.Is(err, model.ErrEmptyMessage) {
			c.logger.Debug("本文のないメッセージを破棄しました")
			return
		}
		if err != nil {
			c.logger.Error("メッセージの保存に失敗しました", slog.String("error", err.Error()))
			c.sendError(model.AsAPIError(err))
			return
		}
		h.Recorder.RecordMessagePersisted()
		h.publish(c, rm.ID, broker.KindContent, contentBroadcast{
			Type:    TypeChatContent,
			Content: msg.Content,
			Sender:  user.Username,
			File:    msg.Attachment,
		})

	case TypeChatStatus:
		h.publish(c, rm.ID, broker.KindStatus, statusBroadcast{
			Type:   TypeChatStatus,
			Status: req.Status,
			Sender: user.Username,
		})
	}
}

func (h *Handler) publish(c *Conn, topic string, kind broker.Kind, frame any) {
	payload, err := encodeFrame(frame)
	if err != nil {
		c.logger.Error("配信フレームのエンコードに失敗しました", slog.String("error", err.Error()))
		return
	}
	h.Broker.Publish(topic, broker.Event{Kind: kind, Payload: payload})
}

type nopRecorder struct{}

func (nopRecorder) ConnectionOpened(string) {}
func (nopRecorder) ConnectionClosed(string) {}
func (nopRecorder) RecordHandshake(string) {}
func (nopRecorder) RecordMessagePersisted() {}
