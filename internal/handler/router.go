// Package handler はHTTPルーティングを構成する。
package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/chathub/internal/middleware"
)

// WebSocketHandler はWebSocketエンドポイントを提供する。ws.Handler が実装する。
type WebSocketHandler interface {
	ServeOwn(w http.ResponseWriter, r *http.Request)
	ServeRoom(w http.ResponseWriter, r *http.Request)
}

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	Logger         *slog.Logger
	HealthChecker  HealthChecker
	MetricsHandler http.Handler
	RateLimiter    *middleware.RateLimiter
	WebSocket      WebSocketHandler
}

// NewRouter は全エンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	LoggingMiddleware → RecoveryMiddleware → HandshakeMiddleware（/ws/* のみ）
func NewRouter(deps *RouterDeps) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.NewLoggingMiddleware(deps.Logger))
	r.Use(middleware.NewRecoveryMiddleware(deps.Logger))

	// --- 運用エンドポイント ---
	r.Get("/health", NewHealthHandler(deps.HealthChecker).ServeHTTP)
	if deps.MetricsHandler != nil {
		r.Handle("/metrics", deps.MetricsHandler)
	}

	// --- WebSocket ---
	// 認証前に接続元アドレス単位でハンドシェイク数を制限する
	r.Group(func(r chi.Router) {
		if deps.RateLimiter != nil {
			r.Use(deps.RateLimiter.HandshakeMiddleware())
		}
		r.Get("/ws/chat/{room}", deps.WebSocket.ServeRoom)
		r.Get("/ws/{username}", deps.WebSocket.ServeOwn)
	})

	return r
}
