package ws

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Hub は確立済みの接続を追跡し、サーバー停止時にまとめて閉じる。
// http.Server.Shutdown はハイジャック済みの接続を待たないため、Hub.Shutdown を併用する。
type Hub struct {
	mu      sync.Mutex
	conns   map[*Conn]struct{}
	closing bool
	drained chan struct{} // 停止処理中に接続数が0になった時点で閉じる
	logger  *slog.Logger
}

// NewHub はHubを生成する。
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		conns:   make(map[*Conn]struct{}),
		drained: make(chan struct{}),
		logger:  logger,
	}
}

// add は接続を登録する。停止処理中の場合はfalseを返す。
func (h *Hub) add(c *Conn) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closing {
		return false
	}
	h.conns[c] = struct{}{}
	return true
}

// remove は接続の登録を解除する。終了処理の最後に1回だけ呼ぶ。
func (h *Hub) remove(c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.conns[c]; !ok {
		return
	}
	delete(h.conns, c)
	h.closeDrainedLocked()
}

// closeDrainedLocked は停止処理中に接続がなくなった場合にdrainedを閉じる。h.muを保持して呼ぶ。
func (h *Hub) closeDrainedLocked() {
	if !h.closing || len(h.conns) > 0 {
		return
	}
	select {
	case <-h.drained:
	default:
		close(h.drained)
	}
}

// Count は接続数を返す。
func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

// Closing は停止処理中かを返す。
func (h *Hub) Closing() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closing
}

// Shutdown は新規接続の受け付けを止め、全接続にクローズフレームを送って終了処理の完了を待つ。
// ctxが先に終了した場合は残りの接続を待たずにエラーを返す。
func (h *Hub) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	h.closing = true
	conns := make([]*Conn, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.closeDrainedLocked()
	h.mu.Unlock()

	h.logger.Info("WebSocket接続を終了しています", slog.Int("count", len(conns)))
	for _, c := range conns {
		c.shutdown()
	}

	select {
	case <-h.drained:
		h.logger.Info("全てのWebSocket接続を終了しました")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("hub shutdown: %w", ctx.Err())
	}
}
