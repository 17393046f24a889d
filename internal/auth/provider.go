package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/hitoshi/chathub/internal/model"
)

const (
	ownProfilePath   = "/own-profile"
	tokenRefreshPath = "/token/refresh"

	// maxResponseSize はIDプロバイダのレスポンスとして読み込む最大バイト数。
	maxResponseSize = 1 << 20
)

// CallObserver はIDプロバイダ呼び出しの所要時間と結果を記録する。
// outcomeは "ok", "rejected", "unavailable" のいずれか。
type CallObserver interface {
	ObserveIdentityCall(endpoint, outcome string, d time.Duration)
}

// TokenPair はIDプロバイダが発行したトークンの組。
type TokenPair struct {
	Access  string `json:"access"`
	Refresh string `json:"refresh"`
}

// OwnProfile は /own-profile のレスポンス。
type OwnProfile struct {
	Access  string `json:"access"`
	Refresh string `json:"refresh"`
	User    struct {
		Email string `json:"email"`
	} `json:"user"`
}

// ProviderClient は外部IDプロバイダのHTTPクライアント。
type ProviderClient struct {
	httpClient *http.Client
	logger     *slog.Logger
	baseURL    string
	observer   CallObserver
}

// NewProviderClient はProviderClientを生成する。observerはnilでもよい。
func NewProviderClient(baseURL string, httpClient *http.Client, logger *slog.Logger, observer CallObserver) *ProviderClient {
	return &ProviderClient{
		httpClient: httpClient,
		logger:     logger,
		baseURL:    baseURL,
		observer:   observer,
	}
}

// FetchOwnProfile はアクセストークンでユーザー情報を取得する。
// 200以外のステータスは UNAUTHORIZED、通信エラーは UPSTREAM_UNAVAILABLE として返す。
func (c *ProviderClient) FetchOwnProfile(ctx context.Context, accessToken string) (*OwnProfile, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+ownProfilePath, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create own-profile request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	var profile OwnProfile
	if err := c.do(req, ownProfilePath, &profile); err != nil {
		return nil, err
	}
	if profile.User.Email == "" {
		c.logger.Warn("IDプロバイダのレスポンスにメールアドレスがありません")
		return nil, fmt.Errorf("empty email in own-profile response: %w", model.NewUnauthorizedError())
	}
	return &profile, nil
}

// RefreshAccess はリフレッシュトークンで新しいアクセストークンを取得する。
// レスポンスにrefreshが含まれない場合は渡されたリフレッシュトークンを引き継ぐ。
func (c *ProviderClient) RefreshAccess(ctx context.Context, refreshToken string) (*TokenPair, error) {
	body, err := json.Marshal(map[string]string{"refresh": refreshToken})
	if err != nil {
		return nil, fmt.Errorf("failed to encode refresh request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+tokenRefreshPath, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create refresh request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	var tokens TokenPair
	if err := c.do(req, tokenRefreshPath, &tokens); err != nil {
		return nil, err
	}
	if tokens.Access == "" {
		return nil, fmt.Errorf("empty access token in refresh response: %w", model.NewUnauthorizedError())
	}
	if tokens.Refresh == "" {
		tokens.Refresh = refreshToken
	}
	return &tokens, nil
}

// do はリクエストを実行し、200のレスポンスボディをoutにデコードする。
func (c *ProviderClient) do(req *http.Request, endpoint string, out any) error {
	start := time.Now()
	outcome := "ok"
	defer func() {
		if c.observer != nil {
			c.observer.ObserveIdentityCall(endpoint, outcome, time.Since(start))
		}
	}()

	resp, err := c.httpClient.Do(req)
	if err != nil {
		outcome = "unavailable"
		c.logger.Error("IDプロバイダの呼び出しに失敗しました",
			slog.String("endpoint", endpoint),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("%s request failed: %w: %w", endpoint, model.NewUpstreamUnavailableError(), err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		outcome = "unavailable"
		return fmt.Errorf("failed to read %s response: %w: %w", endpoint, model.NewUpstreamUnavailableError(), err)
	}

	if resp.StatusCode != http.StatusOK {
		outcome = "rejected"
		c.logger.Info("IDプロバイダがトークンを拒否しました",
			slog.String("endpoint", endpoint),
			slog.Int("http_status", resp.StatusCode),
		)
		return fmt.Errorf("%s returned status %d: %w", endpoint, resp.StatusCode, model.NewUnauthorizedError())
	}

	if err := json.Unmarshal(body, out); err != nil {
		outcome = "rejected"
		return fmt.Errorf("failed to parse %s response: %w: %w", endpoint, model.NewUnauthorizedError(), err)
	}
	return nil
}
