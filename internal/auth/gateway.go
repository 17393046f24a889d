// Package auth はIDプロバイダによるトークン検証と、ローカルユーザーのプロビジョニングを提供する。
package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/hitoshi/chathub/internal/model"
)

// Credentials はクライアントがクッキーで提示したトークン。
type Credentials struct {
	Access  string
	Refresh string
}

// VerifiedIdentity はIDプロバイダが確認したユーザー。
// Tokens は以降クライアントが使うべき最新のトークン。
type VerifiedIdentity struct {
	Email  string
	Tokens TokenPair
}

// IdentityProvider は外部IDプロバイダの呼び出しを抽象化する。
type IdentityProvider interface {
	FetchOwnProfile(ctx context.Context, accessToken string) (*OwnProfile, error)
	RefreshAccess(ctx context.Context, refreshToken string) (*TokenPair, error)
}

// Gateway はトークンを検証し、必要ならリフレッシュする。ローカルの状態は変更しない。
type Gateway struct {
	provider IdentityProvider
	timeout  time.Duration
}

// NewGateway はGatewayを生成する。timeoutは各プロバイダ呼び出しに適用される。
func NewGateway(provider IdentityProvider, timeout time.Duration) *Gateway {
	return &Gateway{provider: provider, timeout: timeout}
}

// Authenticate はトークンを検証する。
// accessがあれば /own-profile を呼び、refreshのみであれば先にリフレッシュする。
// どちらもなければ MISSING_CREDENTIALS を返す。
func (g *Gateway) Authenticate(ctx context.Context, creds Credentials) (*VerifiedIdentity, error) {
	access := creds.Access
	refresh := creds.Refresh

	switch {
	case access != "":
	case refresh != "":
		tokens, err := g.refresh(ctx, refresh)
		if err != nil {
			return nil, fmt.Errorf("failed to refresh token: %w", err)
		}
		access, refresh = tokens.Access, tokens.Refresh
	default:
		return nil, model.NewMissingCredentialsError()
	}

	profile, err := g.fetchProfile(ctx, access)
	if err != nil {
		return nil, fmt.Errorf("failed to verify token: %w", err)
	}

	verified := &VerifiedIdentity{
		Email:  profile.User.Email,
		Tokens: TokenPair{Access: profile.Access, Refresh: profile.Refresh},
	}
	if verified.Tokens.Access == "" {
		verified.Tokens.Access = access
	}
	if verified.Tokens.Refresh == "" {
		verified.Tokens.Refresh = refresh
	}
	return verified, nil
}

func (g *Gateway) refresh(ctx context.Context, token string) (*TokenPair, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	return g.provider.RefreshAccess(ctx, token)
}

func (g *Gateway) fetchProfile(ctx context.Context, token string) (*OwnProfile, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	return g.provider.FetchOwnProfile(ctx, token)
}
