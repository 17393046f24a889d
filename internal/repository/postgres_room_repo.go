package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"

	"github.com/hitoshi/chathub/internal/model"
)

// PostgresRoomRepo はPostgreSQLを使用したルームリポジトリ。
type PostgresRoomRepo struct {
	db *sql.DB
}

// NewPostgresRoomRepo はPostgresRoomRepoを生成する。
func NewPostgresRoomRepo(db *sql.DB) *PostgresRoomRepo {
	return &PostgresRoomRepo{db: db}
}

const selectRoomColumns = `SELECT id, description, COALESCE(pair_key, ''), COALESCE(name, ''), created_at FROM rooms`

func scanRoom(row *sql.Row) (*model.Room, error) {
	room := &model.Room{}
	err := row.Scan(&room.ID, &room.Description, &room.PairKey, &room.Name, &room.CreatedAt)
	if err != nil {
		return nil, err
	}
	return room, nil
}

// FindByID は指定IDのルームを取得する。見つからない場合はnilを返す。
func (r *PostgresRoomRepo) FindByID(ctx context.Context, id string) (*model.Room, error) {
	room, err := scanRoom(r.db.QueryRowContext(ctx, selectRoomColumns+` WHERE id = $1`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find room by ID: %w", err)
	}
	return room, nil
}

// FindOrCreateByPairKey はpair_keyでルームを検索し、なければ作成する。
// ルームの作成とメンバー追加は同一トランザクションで行う。
func (r *PostgresRoomRepo) FindOrCreateByPairKey(ctx context.Context, room *model.Room, memberIDs []string) (*model.Room, error) {
	return r.findOrCreate(ctx, "pair_key", room.PairKey, room, memberIDs)
}

// FindOrCreateByName はnameでルームを検索し、なければ作成してmemberIDを追加する。
func (r *PostgresRoomRepo) FindOrCreateByName(ctx context.Context, room *model.Room, memberID string) (*model.Room, error) {
	return r.findOrCreate(ctx, "name", room.Name, room, []string{memberID})
}

// findOrCreate はキーカラム（pair_key または name）によるルームのUPSERTを行う。
// keyColumnは呼び出し元で固定された値のみを受け付ける。
func (r *PostgresRoomRepo) findOrCreate(ctx context.Context, keyColumn, key string, room *model.Room, memberIDs []string) (*model.Room, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var pairKey, name sql.NullString
	if keyColumn == "pair_key" {
		pairKey = sql.NullString{String: key, Valid: true}
	} else {
		name = sql.NullString{String: key, Valid: true}
	}

	found, err := scanRoom(tx.QueryRowContext(ctx,
		`INSERT INTO rooms (id, description, pair_key, name, created_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (`+keyColumn+`) DO NOTHING
		 RETURNING id, description, COALESCE(pair_key, ''), COALESCE(name, ''), created_at`,
		room.ID, room.Description, pairKey, name, room.CreatedAt,
	))
	if err == sql.ErrNoRows {
		found, err = scanRoom(tx.QueryRowContext(ctx, selectRoomColumns+` WHERE `+keyColumn+` = $1`, key))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to upsert room: %w", err)
	}

	for _, memberID := range memberIDs {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO room_members (room_id, user_id, joined_at)
			 VALUES ($1, $2, now())
			 ON CONFLICT (room_id, user_id) DO NOTHING`,
			found.ID, memberID,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to add room member: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return found, nil
}

// IsMember はユーザーがルームのメンバーかを返す。
func (r *PostgresRoomRepo) IsMember(ctx context.Context, roomID, userID string) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM room_members WHERE room_id = $1 AND user_id = $2)`,
		roomID, userID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check room membership: %w", err)
	}
	return exists, nil
}

// ListPartners はユーザーと同じルームに所属する他のユーザーを返す。
func (r *PostgresRoomRepo) ListPartners(ctx context.Context, userID string) ([]model.UserRef, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT DISTINCT u.id, u.username
		 FROM room_members mine
		 JOIN room_members other ON other.room_id = mine.room_id AND other.user_id <> mine.user_id
		 JOIN users u ON u.id = other.user_id
		 WHERE mine.user_id = $1
		 ORDER BY u.username`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list partners: %w", err)
	}
	defer rows.Close()

	var partners []model.UserRef
	for rows.Next() {
		var ref model.UserRef
		if err := rows.Scan(&ref.ID, &ref.Username); err != nil {
			return nil, fmt.Errorf("failed to scan partner: %w", err)
		}
		partners = append(partners, ref)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate partners: %w", err)
	}
	return partners, nil
}

// ListChats はユーザーが参加しているルームの概要を返す。
// 並び順はユーザーの参加日時の昇順（同時刻はルームID順）で安定している。
func (r *PostgresRoomRepo) ListChats(ctx context.Context, userID string) ([]model.ChatSummary, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT r.id, r.description
		 FROM room_members rm
		 JOIN rooms r ON r.id = rm.room_id
		 WHERE rm.user_id = $1
		 ORDER BY rm.joined_at ASC, r.id ASC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list rooms: %w", err)
	}
	chats := []model.ChatSummary{}
	index := map[string]int{}
	for rows.Next() {
		var c model.ChatSummary
		if err := rows.Scan(&c.RoomID, &c.Description); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan room: %w", err)
		}
		index[c.RoomID] = len(chats)
		chats = append(chats, c)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate rooms: %w", err)
	}
	if len(chats) == 0 {
		return chats, nil
	}

	roomIDs := make([]string, 0, len(chats))
	for _, c := range chats {
		roomIDs = append(roomIDs, c.RoomID)
	}

	if err := r.attachMembers(ctx, userID, roomIDs, chats, index); err != nil {
		return nil, err
	}
	if err := r.attachLastMessages(ctx, roomIDs, chats, index); err != nil {
		return nil, err
	}
	return chats, nil
}

func (r *PostgresRoomRepo) attachMembers(ctx context.Context, userID string, roomIDs []string, chats []model.ChatSummary, index map[string]int) error {
	rows, err := r.db.QueryContext(ctx,
		`SELECT rm.room_id, u.id, u.username, COALESCE(p.online, FALSE), p.last_seen
		 FROM room_members rm
		 JOIN users u ON u.id = rm.user_id
		 LEFT JOIN presences p ON p.user_id = u.id
		 WHERE rm.room_id = ANY($1) AND rm.user_id <> $2
		 ORDER BY rm.joined_at ASC, u.username ASC`,
		pq.Array(roomIDs), userID,
	)
	if err != nil {
		return fmt.Errorf("failed to list room members: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var roomID string
		var m model.Member
		var lastSeen sql.NullTime
		if err := rows.Scan(&roomID, &m.UserID, &m.Username, &m.Online, &lastSeen); err != nil {
			return fmt.Errorf("failed to scan room member: %w", err)
		}
		if lastSeen.Valid {
			m.LastSeen = &lastSeen.Time
		}
		i := index[roomID]
		chats[i].Members = append(chats[i].Members, m)
	}
	return rows.Err()
}

func (r *PostgresRoomRepo) attachLastMessages(ctx context.Context, roomIDs []string, chats []model.ChatSummary, index map[string]int) error {
	rows, err := r.db.QueryContext(ctx,
		`SELECT DISTINCT ON (m.room_id)
		        m.room_id, m.id, m.sender_id, u.username,
		        COALESCE(m.content, ''), COALESCE(m.attachment, ''), m.created_at
		 FROM messages m
		 JOIN users u ON u.id = m.sender_id
		 WHERE m.room_id = ANY($1)
		 ORDER BY m.room_id, m.created_at DESC, m.seq DESC`,
		pq.Array(roomIDs),
	)
	if err != nil {
		return fmt.Errorf("failed to list last messages: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		msg := &model.Message{}
		if err := rows.Scan(&msg.RoomID, &msg.ID, &msg.SenderID, &msg.SenderUsername,
			&msg.Content, &msg.Attachment, &msg.CreatedAt); err != nil {
			return fmt.Errorf("failed to scan last message: %w", err)
		}
		chats[index[msg.RoomID]].LastMessage = msg
	}
	return rows.Err()
}

// compile-time interface check
var _ RoomRepository = (*PostgresRoomRepo)(nil)
