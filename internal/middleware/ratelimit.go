package middleware

import (
	"encoding/json"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/hitoshi/chathub/internal/model"
)

// RateLimiterConfig はハンドシェイクのレート制限設定を保持する。
type RateLimiterConfig struct {
	HandshakeRate   rate.Limit    // 接続元アドレスごとのハンドシェイクレート（req/sec）
	HandshakeBurst  int           // バーストサイズ
	CleanupInterval time.Duration // 期限切れエントリのクリーンアップ間隔
}

// NewRateLimiterConfig は1分あたりの許可数から設定を組み立てる。
// perMinute が0以下の場合は制限しない。
func NewRateLimiterConfig(perMinute int) RateLimiterConfig {
	if perMinute <= 0 {
		return RateLimiterConfig{
			HandshakeRate:   rate.Inf,
			HandshakeBurst:  0,
			CleanupInterval: 5 * time.Minute,
		}
	}
	return RateLimiterConfig{
		HandshakeRate:   rate.Limit(float64(perMinute) / 60.0),
		HandshakeBurst:  perMinute,
		CleanupInterval: 5 * time.Minute,
	}
}

// addrLimiter は接続元アドレスごとのレートリミッターとアクセス時刻を保持する。
type addrLimiter struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// RateLimiter は接続元アドレスごとのWebSocketハンドシェイク数を制限する。
// 認証前に適用されるため、IDプロバイダへの過剰な問い合わせを防ぐ。
type RateLimiter struct {
	config RateLimiterConfig

	mu       sync.Mutex
	limiters map[string]*addrLimiter

	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewRateLimiter は新しいRateLimiterを生成する。
// バックグラウンドで期限切れエントリのクリーンアップを開始する。
func NewRateLimiter(config RateLimiterConfig) *RateLimiter {
	rl := &RateLimiter{
		config:   config,
		limiters: make(map[string]*addrLimiter),
		stopCh:   make(chan struct{}),
	}

	go rl.cleanupLoop()

	return rl
}

// Stop はクリーンアップのバックグラウンドゴルーチンを停止する。
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stopCh) })
}

// HandshakeMiddleware はハンドシェイクのレート制限ミドルウェアを返す。
func (rl *RateLimiter) HandshakeMiddleware() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			addr := clientIP(r)

			if !rl.Allow(addr) {
				writeRateLimitResponse(w, rl.config.HandshakeRate)
				slog.Warn("rate limit exceeded",
					slog.String("remote_addr", addr),
					slog.String("limit_type", "handshake"),
				)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// Allow は指定アドレスのハンドシェイクを許可するかを返す。
func (rl *RateLimiter) Allow(addr string) bool {
	if rl.config.HandshakeRate == rate.Inf {
		return true
	}
	return rl.getOrCreateLimiter(addr).Allow()
}

// LimiterCount は現在管理されているリミッターのエントリ数を返す。
// テストおよびメトリクス用。
func (rl *RateLimiter) LimiterCount() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.limiters)
}

// getOrCreateLimiter はアドレスのリミッターを取得または作成する。
func (rl *RateLimiter) getOrCreateLimiter(addr string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	if al, exists := rl.limiters[addr]; exists {
		al.lastAccess = time.Now()
		return al.limiter
	}

	limiter := rate.NewLimiter(rl.config.HandshakeRate, rl.config.HandshakeBurst)
	rl.limiters[addr] = &addrLimiter{
		limiter:    limiter,
		lastAccess: time.Now(),
	}
	return limiter
}

// cleanupLoop はバックグラウンドで期限切れエントリを定期的にクリーンアップする。
func (rl *RateLimiter) cleanupLoop() {
	ticker := time.NewTicker(rl.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.cleanup()
		case <-rl.stopCh:
			return
		}
	}
}

// cleanup は最終アクセス時刻がCleanupIntervalの2倍を超えたエントリを削除する。
func (rl *RateLimiter) cleanup() {
	ttl := rl.config.CleanupInterval * 2
	now := time.Now()

	rl.mu.Lock()
	defer rl.mu.Unlock()
	for addr, al := range rl.limiters {
		if now.Sub(al.lastAccess) > ttl {
			delete(rl.limiters, addr)
		}
	}
}

// writeRateLimitResponse は429 Too Many Requestsレスポンスを書き込む。
// アップグレード前に応答するため、エラーはJSONボディで返す。
func writeRateLimitResponse(w http.ResponseWriter, r rate.Limit) {
	// Retry-Afterの算出: 1トークンが補充されるまでの秒数
	retryAfterSec := int(math.Ceil(1.0 / float64(r)))
	if retryAfterSec < 1 {
		retryAfterSec = 1
	}

	apiErr := model.NewRateLimitedError()

	w.Header().Set("Retry-After", strconv.Itoa(retryAfterSec))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)

	json.NewEncoder(w).Encode(map[string]map[string]string{
		"error": {
			"code":    apiErr.Code,
			"message": apiErr.Message,
		},
	})
}
