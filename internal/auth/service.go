package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/chathub/internal/model"
	"github.com/hitoshi/chathub/internal/repository"
)

// Authenticator はトークン検証を抽象化する。
type Authenticator interface {
	Authenticate(ctx context.Context, creds Credentials) (*VerifiedIdentity, error)
}

// Principal は認証済みの接続主体。
type Principal struct {
	User   *model.User
	Tokens TokenPair
}

// Service はトークン検証とローカルユーザーの解決・作成を行う。
type Service struct {
	gateway  Authenticator
	userRepo repository.UserRepository
}

// NewService はServiceを生成する。
func NewService(gateway Authenticator, userRepo repository.UserRepository) *Service {
	return &Service{
		gateway:  gateway,
		userRepo: userRepo,
	}
}

// Authenticate はトークンを検証し、メールアドレスに対応するユーザーを返す。
// 未登録のメールアドレスの場合は requestedUsername でユーザーを作成する。
// requestedUsername が空の場合は IDENTITY_NOT_PROVISIONED を返す。
func (s *Service) Authenticate(ctx context.Context, creds Credentials, requestedUsername string) (*Principal, error) {
	verified, err := s.gateway.Authenticate(ctx, creds)
	if err != nil {
		return nil, err
	}

	user, err := s.userRepo.FindByEmail(ctx, verified.Email)
	if err != nil {
		return nil, fmt.Errorf("failed to find user by email: %w", err)
	}

	if user == nil {
		if requestedUsername == "" {
			return nil, model.NewIdentityNotProvisionedError()
		}
		user, err = s.userRepo.Provision(ctx, &model.User{
			ID:        uuid.New().String(),
			Username:  requestedUsername,
			Email:     verified.Email,
			CreatedAt: time.Now(),
		})
		if err != nil {
			if errors.Is(err, model.ErrConflict) {
				slog.Error("ユーザー名が別のメールアドレスで使用されています",
					slog.String("username", requestedUsername),
					slog.String("email", verified.Email),
				)
			}
			return nil, fmt.Errorf("failed to provision user: %w", err)
		}
		slog.Info("ユーザーを作成しました",
			slog.String("user_id", user.ID),
			slog.String("username", user.Username),
		)
	}

	return &Principal{User: user, Tokens: verified.Tokens}, nil
}
