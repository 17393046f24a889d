package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/hitoshi/chathub/internal/model"
)

// PostgresUserRepo はPostgreSQLを使用したユーザーリポジトリ。
type PostgresUserRepo struct {
	db *sql.DB
}

// NewPostgresUserRepo はPostgresUserRepoを生成する。
func NewPostgresUserRepo(db *sql.DB) *PostgresUserRepo {
	return &PostgresUserRepo{db: db}
}

const selectUserColumns = `SELECT id, username, email, created_at FROM users`

// FindByID は指定IDのユーザーを取得する。見つからない場合はnilを返す。
func (r *PostgresUserRepo) FindByID(ctx context.Context, id string) (*model.User, error) {
	return r.findOne(ctx, selectUserColumns+` WHERE id = $1`, id)
}

// FindByEmail はメールアドレスでユーザーを検索する。見つからない場合はnilを返す。
func (r *PostgresUserRepo) FindByEmail(ctx context.Context, email string) (*model.User, error) {
	return r.findOne(ctx, selectUserColumns+` WHERE email = $1`, email)
}

// FindByUsername はユーザー名でユーザーを検索する。見つからない場合はnilを返す。
func (r *PostgresUserRepo) FindByUsername(ctx context.Context, username string) (*model.User, error) {
	return r.findOne(ctx, selectUserColumns+` WHERE username = $1`, username)
}

func (r *PostgresUserRepo) findOne(ctx context.Context, query string, arg string) (*model.User, error) {
	user := &model.User{}
	err := r.db.QueryRowContext(ctx, query, arg).
		Scan(&user.ID, &user.Username, &user.Email, &user.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find user: %w", err)
	}
	return user, nil
}

// Provision はユーザーとプレゼンスを同一トランザクションで作成する。
// INSERT ON CONFLICT (email) DO NOTHING により、同時に同じメールアドレスで
// 作成された場合でも既存の行を返す。
func (r *PostgresUserRepo) Provision(ctx context.Context, user *model.User) (*model.User, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	created := &model.User{}
	err = tx.QueryRowContext(ctx,
		`INSERT INTO users (id, username, email, created_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (email) DO NOTHING
		 RETURNING id, username, email, created_at`,
		user.ID, user.Username, user.Email, user.CreatedAt,
	).Scan(&created.ID, &created.Username, &created.Email, &created.CreatedAt)
	if err == sql.ErrNoRows {
		// 同じメールアドレスの行が先に作成された
		err = tx.QueryRowContext(ctx, selectUserColumns+` WHERE email = $1`, user.Email).
			Scan(&created.ID, &created.Username, &created.Email, &created.CreatedAt)
	}
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("username %q is already taken: %w", user.Username, model.ErrConflict)
		}
		return nil, fmt.Errorf("failed to insert user: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO presences (user_id, online) VALUES ($1, FALSE)
		 ON CONFLICT (user_id) DO NOTHING`,
		created.ID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to insert presence: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return created, nil
}

// SearchByUsername はユーザー名の部分一致で検索する。
// LIKEのワイルドカード文字はエスケープされ、リテラルとして扱われる。
func (r *PostgresUserRepo) SearchByUsername(ctx context.Context, query string, limit int) ([]model.UserRef, error) {
	if query == "" {
		return []model.UserRef{}, nil
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT id, username FROM users
		 WHERE username ILIKE $1 ESCAPE '\'
		 ORDER BY created_at ASC, id ASC
		 LIMIT $2`,
		"%"+EscapeLike(query)+"%", limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to search users: %w", err)
	}
	defer rows.Close()

	refs := []model.UserRef{}
	for rows.Next() {
		var ref model.UserRef
		if err := rows.Scan(&ref.ID, &ref.Username); err != nil {
			return nil, fmt.Errorf("failed to scan user: %w", err)
		}
		refs = append(refs, ref)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate users: %w", err)
	}
	return refs, nil
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// EscapeLike はLIKEパターンの特殊文字をエスケープする。
func EscapeLike(s string) string {
	return likeEscaper.Replace(s)
}

// compile-time interface check
var _ UserRepository = (*PostgresUserRepo)(nil)
