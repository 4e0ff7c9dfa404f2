package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"

	"github.com/hitoshi/todoman/internal/model"
)

// PostgresUserRepo はPostgreSQLを使用したユーザーリポジトリ。
type PostgresUserRepo struct {
	db *sql.DB
}

// NewPostgresUserRepo はPostgresUserRepoを生成する。
func NewPostgresUserRepo(db *sql.DB) *PostgresUserRepo {
	return &PostgresUserRepo{db: db}
}

// FindByID は指定IDのユーザーを取得する。見つからない場合はnilを返す。
func (r *PostgresUserRepo) FindByID(ctx context.Context, id string) (*model.User, error) {
	user := &model.User{}
	err := r.db.QueryRowContext(ctx,
		`SELECT id, display_name, email, todos, created_at, updated_at FROM users WHERE id = $1`,
		id,
	).Scan(&user.ID, &user.DisplayName, &user.Email, pq.Array(&user.Todos), &user.CreatedAt, &user.UpdatedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find user by ID: %w", err)
	}
	if user.Todos == nil {
		user.Todos = []string{}
	}

	return user, nil
}

// Set はドキュメント全体をUPSERTする。同時に書き込まれた場合は後勝ち。
func (r *PostgresUserRepo) Set(ctx context.Context, user *model.User) error {
	todos := user.Todos
	if todos == nil {
		todos = []string{}
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO users (id, display_name, email, todos, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (id) DO UPDATE SET
		   display_name = EXCLUDED.display_name,
		   email = EXCLUDED.email,
		   todos = EXCLUDED.todos,
		   created_at = EXCLUDED.created_at,
		   updated_at = EXCLUDED.updated_at`,
		user.ID, user.DisplayName, user.Email, pq.Array(todos), user.CreatedAt, user.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to set user: %w", err)
	}
	return nil
}

// compile-time interface check
var _ UserRepository = (*PostgresUserRepo)(nil)
