package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hitoshi/chathub/internal/model"
)

// PostgresMessageRepo はPostgreSQLを使用したメッセージリポジトリ。
type PostgresMessageRepo struct {
	db *sql.DB
}

// NewPostgresMessageRepo はPostgresMessageRepoを生成する。
func NewPostgresMessageRepo(db *sql.DB) *PostgresMessageRepo {
	return &PostgresMessageRepo{db: db}
}

// Create はメッセージを作成する。空文字の本文・添付はNULLとして保存する。
func (r *PostgresMessageRepo) Create(ctx context.Context, msg *model.Message) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO messages (id, room_id, sender_id, content, attachment, created_at)
		 VALUES ($1, $2, $3, NULLIF($4, ''), NULLIF($5, ''), $6)`,
		msg.ID, msg.RoomID, msg.SenderID, msg.Content, msg.Attachment, msg.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create message: %w", err)
	}
	return nil
}

// ListByRoom はルームのメッセージを(created_at, seq)昇順で返す。
// limitが正の場合は最新limit件を昇順で返す。
func (r *PostgresMessageRepo) ListByRoom(ctx context.Context, roomID string, limit int) ([]model.Message, error) {
	const base = `SELECT m.id, m.room_id, m.sender_id, u.username,
	                     COALESCE(m.content, ''), COALESCE(m.attachment, ''), m.created_at, m.seq
	              FROM messages m
	              JOIN users u ON u.id = m.sender_id
	              WHERE m.room_id = $1`

	var (
		rows *sql.Rows
		err  error
	)
	if limit > 0 {
		rows, err = r.db.QueryContext(ctx,
			`SELECT id, room_id, sender_id, username, content, attachment, created_at, seq
			 FROM (`+base+` ORDER BY m.created_at DESC, m.seq DESC LIMIT $2) latest
			 ORDER BY created_at ASC, seq ASC`,
			roomID, limit,
		)
	} else {
		rows, err = r.db.QueryContext(ctx, base+` ORDER BY m.created_at ASC, m.seq ASC`, roomID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	defer rows.Close()

	messages := []model.Message{}
	for rows.Next() {
		var m model.Message
		var seq int64
		if err := rows.Scan(&m.ID, &m.RoomID, &m.SenderID, &m.SenderUsername,
			&m.Content, &m.Attachment, &m.CreatedAt, &seq); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate messages: %w", err)
	}
	return messages, nil
}

// compile-time interface check
var _ MessageRepository = (*PostgresMessageRepo)(nil)
