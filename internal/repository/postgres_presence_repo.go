package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hitoshi/chathub/internal/model"
)

// PostgresPresenceRepo はPostgreSQLを使用したプレゼンスリポジトリ。
type PostgresPresenceRepo struct {
	db *sql.DB
}

// NewPostgresPresenceRepo はPostgresPresenceRepoを生成する。
func NewPostgresPresenceRepo(db *sql.DB) *PostgresPresenceRepo {
	return &PostgresPresenceRepo{db: db}
}

// FindByUserID は指定ユーザーのプレゼンスを取得する。見つからない場合はnilを返す。
func (r *PostgresPresenceRepo) FindByUserID(ctx context.Context, userID string) (*model.Presence, error) {
	p := &model.Presence{}
	var lastSeen sql.NullTime
	err := r.db.QueryRowContext(ctx,
		`SELECT user_id, online, last_seen FROM presences WHERE user_id = $1`,
		userID,
	).Scan(&p.UserID, &p.Online, &lastSeen)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find presence: %w", err)
	}
	if lastSeen.Valid {
		p.LastSeen = &lastSeen.Time
	}
	return p, nil
}

// SetOnline はユーザーをオンラインにする。last_seenは変更しない。
func (r *PostgresPresenceRepo) SetOnline(ctx context.Context, userID string) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO presences (user_id, online) VALUES ($1, TRUE)
		 ON CONFLICT (user_id) DO UPDATE SET online = TRUE`,
		userID,
	)
	if err != nil {
		return fmt.Errorf("failed to set presence online: %w", err)
	}
	return nil
}

// SetOffline はユーザーをオフラインにし、last_seenを記録する。
func (r *PostgresPresenceRepo) SetOffline(ctx context.Context, userID string, at time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO presences (user_id, online, last_seen) VALUES ($1, FALSE, $2)
		 ON CONFLICT (user_id) DO UPDATE SET online = FALSE, last_seen = EXCLUDED.last_seen`,
		userID, at,
	)
	if err != nil {
		return fmt.Errorf("failed to set presence offline: %w", err)
	}
	return nil
}

// ResetAll はオンラインのまま残った全ユーザーをオフラインにする。
// プロセスが異常終了した場合に残る状態を起動時に解消するために使う。
func (r *PostgresPresenceRepo) ResetAll(ctx context.Context, at time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE presences SET online = FALSE, last_seen = $1 WHERE online`,
		at,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to reset presences: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n, nil
}

// compile-time interface check
var _ PresenceRepository = (*PostgresPresenceRepo)(nil)
