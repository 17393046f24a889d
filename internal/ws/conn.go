// Package ws はWebSocket接続の状態遷移、送受信ポンプ、フレームの振り分けを提供する。
package ws

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/hitoshi/chathub/internal/broker"
	"github.com/hitoshi/chathub/internal/model"
)

// State は接続の状態。
type State int32

const (
	StateConnecting State = iota
	StateAuthenticating
	StateOpen
	StateClosing
	StateClosed
	// StateRejected はAuthenticatingからのみ遷移する終端状態。
	StateRejected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	case StateRejected:
		return "rejected"
	}
	return "unknown"
}

// Config はWebSocket接続の設定。
type Config struct {
	AllowedOrigins     []string
	MaxMessageSize     int64
	SendBufferSize     int
	PingInterval       time.Duration
	PongWait           time.Duration
	WriteWait          time.Duration
	RateLimitPerSecond float64 // 0以下で無制限
	RateLimitBurst     int
	Location           *time.Location // 送信タイムスタンプの表示タイムゾーン
}

func (c Config) withDefaults() Config {
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = 64 * 1024
	}
	if c.SendBufferSize <= 0 {
		c.SendBufferSize = 256
	}
	if c.PongWait <= 0 {
		c.PongWait = 60 * time.Second
	}
	if c.PingInterval <= 0 || c.PingInterval >= c.PongWait {
		c.PingInterval = c.PongWait * 9 / 10
	}
	if c.WriteWait <= 0 {
		c.WriteWait = 10 * time.Second
	}
	if c.RateLimitBurst <= 0 {
		c.RateLimitBurst = 1
	}
	if c.Location == nil {
		c.Location = time.Local
	}
	return c
}

// Conn は1本のWebSocket接続。broker.Subscriber を実装する。
// 書き込みはwritePumpのみが行い、他のゴルーチンは送信キュー経由で渡す。
type Conn struct {
	id      string
	kind    string
	ws      *websocket.Conn
	cfg     Config
	logger  *slog.Logger
	limiter *rate.Limiter
	state   atomic.Int32

	mu      sync.Mutex
	send    chan []byte
	closed  bool
	held    bool
	pending [][]byte

	writerStarted bool
	writerDone    chan struct{}
}

func newConn(wsConn *websocket.Conn, kind string, cfg Config, logger *slog.Logger) *Conn {
	limit := rate.Inf
	if cfg.RateLimitPerSecond > 0 {
		limit = rate.Limit(cfg.RateLimitPerSecond)
	}
	id := uuid.New().String()
	c := &Conn{
		id:         id,
		kind:       kind,
		ws:         wsConn,
		cfg:        cfg,
		limiter:    rate.NewLimiter(limit, cfg.RateLimitBurst),
		send:       make(chan []byte, cfg.SendBufferSize),
		writerDone: make(chan struct{}),
		logger: logger.With(
			slog.String("conn_id", id),
			slog.String("kind", kind),
			slog.String("remote_addr", wsConn.RemoteAddr().String()),
		),
	}
	c.setState(StateConnecting)
	return c
}

// ID は購読者IDを返す。
func (c *Conn) ID() string { return c.id }

// State は現在の状態を返す。
func (c *Conn) State() State { return State(c.state.Load()) }

func (c *Conn) setState(s State) { c.state.Store(int32(s)) }

// Deliver はブローカーからのイベントを送信キューに入れる。ブロックしない。
func (c *Conn) Deliver(ev broker.Event) bool {
	return c.enqueue(ev.Payload)
}

// enqueue は送信キューへの非ブロッキング投入。満杯または閉鎖済みならfalse。
func (c *Conn) enqueue(b []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return false
	}
	if c.held {
		if len(c.pending) >= c.cfg.SendBufferSize {
			return false
		}
		c.pending = append(c.pending, b)
		return true
	}
	select {
	case c.send <- b:
		return true
	default:
		return false
	}
}

// hold は以降の投入を保留する。初期フレームより先に配信イベントが届かないようにする。
func (c *Conn) hold() {
	c.mu.Lock()
	c.held = true
	c.mu.Unlock()
}

// release は先頭フレームを送信キューに入れ、保留中のイベントを続けて流す。
func (c *Conn) release(first ...[]byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.held = false
	if c.closed {
		c.pending = nil
		return
	}
	for _, b := range append(first, c.pending...) {
		select {
		case c.send <- b:
		default:
			c.logger.Warn("送信キューが満杯のためフレームを破棄しました")
		}
	}
	c.pending = nil
}

// sendJSON はフレームをエンコードして送信キューに入れる。
func (c *Conn) sendJSON(v any) bool {
	b, err := encodeFrame(v)
	if err != nil {
		c.logger.Error("フレームのエンコードに失敗しました", slog.String("error", err.Error()))
		return false
	}
	if !c.enqueue(b) {
		c.logger.Warn("送信キューが満杯のためフレームを破棄しました")
		return false
	}
	return true
}

// sendError は接続を維持したままエラーフレームを送る。
func (c *Conn) sendError(apiErr *model.APIError) {
	c.sendJSON(newErrorFrame(apiErr))
}

func encodeFrame(v any) ([]byte, error) {
	return json.Marshal(v)
}

// closeSend は送信キューを閉じる。writePumpはクローズフレームを送って終了する。
func (c *Conn) closeSend() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		c.pending = nil
		close(c.send)
	}
}

// reject はエラーフレームとクローズフレームを直接書き込んで接続を閉じる。
// writePump開始前にのみ呼び出す。
func (c *Conn) reject(apiErr *model.APIError) {
	c.setState(StateRejected)

	deadline := time.Now().Add(c.cfg.WriteWait)
	if err := c.ws.SetWriteDeadline(deadline); err == nil {
		if err := c.ws.WriteJSON(newErrorFrame(apiErr)); err != nil {
			c.logger.Debug("エラーフレームの送信に失敗しました", slog.String("error", err.Error()))
		}
	}
	msg := websocket.FormatCloseMessage(rejectCloseCode(apiErr), apiErr.Code)
	if err := c.ws.WriteControl(websocket.CloseMessage, msg, deadline); err != nil && !isExpectedCloseError(err) {
		c.logger.Debug("クローズフレームの送信に失敗しました", slog.String("error", err.Error()))
	}
	c.ws.Close()
}

// rejectCloseCode は拒否理由に応じたクローズコードを返す。
func rejectCloseCode(apiErr *model.APIError) int {
	switch apiErr.Code {
	case model.ErrCodeUpstreamUnavailable:
		return websocket.CloseTryAgainLater
	case model.ErrCodeInternal:
		return websocket.CloseInternalServerErr
	}
	return websocket.ClosePolicyViolation
}

func (c *Conn) startWriter() {
	c.writerStarted = true
	go c.writePump()
}

// writePump は送信キューのフレームを書き込み、定期的にpingを送る。
func (c *Conn) writePump() {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		close(c.writerDone)
	}()

	for {
		select {
		case msg, ok := <-c.send:
			if err := c.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait)); err != nil {
				c.abort(err)
				return
			}
			if !ok {
				closeMsg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
				if err := c.ws.WriteMessage(websocket.CloseMessage, closeMsg); err != nil && !isExpectedCloseError(err) {
					c.logger.Debug("クローズフレームの送信に失敗しました", slog.String("error", err.Error()))
				}
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.abort(err)
				return
			}
		case <-ticker.C:
			if err := c.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait)); err != nil {
				c.abort(err)
				return
			}
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.abort(err)
				return
			}
		}
	}
}

// abort は書き込み失敗時に下位の接続を閉じ、読み込みループを終了させる。
func (c *Conn) abort(err error) {
	if !isExpectedCloseError(err) {
		c.logger.Warn("書き込みに失敗したため接続を閉じます", slog.String("error", err.Error()))
	}
	c.ws.Close()
}

// readLoop はフレームを読み込みdispatchに渡す。接続が閉じるまで戻らない。
// レート制限を超えたフレームは破棄し、送信者にRATE_LIMITEDのエラーフレームを返す。
func (c *Conn) readLoop(dispatch func(raw []byte)) {
	c.ws.SetReadLimit(c.cfg.MaxMessageSize)
	if err := c.ws.SetReadDeadline(time.Now().Add(c.cfg.PongWait)); err != nil {
		c.logReadError(err)
		return
	}
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
	})

	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			c.logReadError(err)
			return
		}
		if !c.limiter.Allow() {
			c.logger.Warn("レート制限を超えたためフレームを破棄しました",
				slog.Int("burst", c.cfg.RateLimitBurst),
				slog.Float64("per_second", c.cfg.RateLimitPerSecond),
			)
			c.sendError(model.NewRateLimitedError())
			continue
		}
		dispatch(raw)
	}
}

// logReadError は読み込みエラーを種類に応じたレベルで記録する。
func (c *Conn) logReadError(err error) {
	var netErr net.Error
	switch {
	case errors.Is(err, websocket.ErrReadLimit):
		c.logger.Warn("最大サイズを超えるフレームを受信しました", slog.Int64("max_message_size", c.cfg.MaxMessageSize))
	case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived):
		c.logger.Debug("クライアントが切断しました", slog.String("error", err.Error()))
	case websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived):
		c.logger.Info("予期しないクローズを受信しました", slog.String("error", err.Error()))
	case errors.As(err, &netErr) && netErr.Timeout():
		c.logger.Info("pongが届かないため接続を閉じます")
	case errors.Is(err, io.EOF), isExpectedCloseError(err):
		c.logger.Debug("接続が閉じられました", slog.String("error", err.Error()))
	default:
		c.logger.Warn("読み込みに失敗しました", slog.String("error", err.Error()))
	}
}

// finish は送信キューを閉じ、writePumpの終了を待ってから下位の接続を閉じる。
func (c *Conn) finish() {
	c.closeSend()
	if c.writerStarted {
		select {
		case <-c.writerDone:
		case <-time.After(c.cfg.WriteWait):
		}
	}
	c.ws.Close()
	c.setState(StateClosed)
}

// shutdown はサーバー停止時にクローズフレームを送って接続を切る。
// 読み込みループが終了し、通常の終了処理が走る。
func (c *Conn) shutdown() {
	msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down")
	if err := c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(c.cfg.WriteWait)); err != nil && !isExpectedCloseError(err) {
		c.logger.Debug("クローズフレームの送信に失敗しました", slog.String("error", err.Error()))
	}
	c.ws.Close()
}

// isExpectedCloseError は切断済みの接続に対する操作で起きるエラーかを判定する。
func isExpectedCloseError(err error) bool {
	return errors.Is(err, net.ErrClosed) || errors.Is(err, websocket.ErrCloseSent)
}

var _ broker.Subscriber = (*Conn)(nil)
