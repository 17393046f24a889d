package ws

import (
	"log/slog"
	"net/http"
	"net/url"
	"strings"
)

// originPolicy はブラウザからの接続元Originを検証する。
type originPolicy struct {
	allowed  map[string]struct{}
	allowAll bool
	logger   *slog.Logger
}

// newOriginPolicy は許可リストからポリシーを作る。"*" は全て許可する。
// 不正な値は無視する。
func newOriginPolicy(origins []string, logger *slog.Logger) *originPolicy {
	p := &originPolicy{allowed: make(map[string]struct{}), logger: logger}
	for _, origin := range origins {
		trimmed := strings.TrimSpace(origin)
		if trimmed == "" {
			continue
		}
		if trimmed == "*" {
			p.allowAll = true
			continue
		}
		normalized, ok := normalizeOrigin(trimmed)
		if !ok {
			logger.Warn("不正なOriginを設定から除外しました", slog.String("origin", origin))
			continue
		}
		p.allowed[normalized] = struct{}{}
	}
	return p
}

func normalizeOrigin(origin string) (string, bool) {
	parsed, err := url.Parse(origin)
	if err != nil {
		return "", false
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return "", false
	}
	return strings.ToLower(parsed.Scheme) + "://" + strings.ToLower(parsed.Host), true
}

// check はwebsocket.Upgrader.CheckOriginとして使う。
// Originヘッダーのない接続（ブラウザ以外のクライアント）は許可する。
// 許可リストが空の場合はHostと同一のOriginのみ許可する。
func (p *originPolicy) check(r *http.Request) bool {
	header := r.Header.Get("Origin")
	if header == "" || p.allowAll {
		return true
	}

	normalized, ok := normalizeOrigin(header)
	if !ok {
		p.logger.Warn("不正なOriginからの接続を拒否しました", slog.String("origin", header))
		return false
	}

	if len(p.allowed) == 0 {
		u, _ := url.Parse(normalized)
		if strings.EqualFold(u.Host, r.Host) {
			return true
		}
	} else if _, exists := p.allowed[normalized]; exists {
		return true
	}

	p.logger.Warn("許可されていないOriginからの接続を拒否しました", slog.String("origin", header))
	return false
}
