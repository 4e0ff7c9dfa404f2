package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hitoshi/todoman/internal/model"
)

// PostgresTodoRepo はPostgreSQLを使用したTODOリポジトリ。
// 書き込みのたびにtodos_notify_changeトリガーが所有者IDをNOTIFYする。
type PostgresTodoRepo struct {
	db  *sql.DB
	now func() time.Time
}

// NewPostgresTodoRepo はPostgresTodoRepoを生成する。
func NewPostgresTodoRepo(db *sql.DB) *PostgresTodoRepo {
	return &PostgresTodoRepo{db: db, now: time.Now}
}

const todoColumns = `id, owner_id, title, description, is_complete, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTodo(row rowScanner) (*model.Todo, error) {
	t := &model.Todo{}
	if err := row.Scan(&t.ID, &t.OwnerID, &t.Title, &t.Description, &t.IsComplete, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return nil, err
	}
	return t, nil
}

// FindByID は指定IDのTODOを取得する。見つからない場合はnilを返す。
func (r *PostgresTodoRepo) FindByID(ctx context.Context, ownerID, id string) (*model.Todo, error) {
	todo, err := scanTodo(r.db.QueryRowContext(ctx,
		`SELECT `+todoColumns+` FROM todos WHERE id = $1 AND owner_id = $2`,
		id, ownerID,
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find todo: %w", err)
	}
	return todo, nil
}

// ListByOwner は所有者のTODO一覧をcreated_at, idの昇順で返す。
// 該当がない場合は空スライスを返す。
func (r *PostgresTodoRepo) ListByOwner(ctx context.Context, ownerID string) ([]*model.Todo, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+todoColumns+` FROM todos WHERE owner_id = $1 ORDER BY created_at, id`,
		ownerID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list todos: %w", err)
	}
	defer rows.Close()

	todos := []*model.Todo{}
	for rows.Next() {
		todo, err := scanTodo(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan todo: %w", err)
		}
		todos = append(todos, todo)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate todos: %w", err)
	}

	return todos, nil
}

// Set はTODOをUPSERTする。owner_idは既存行では変更しない。
func (r *PostgresTodoRepo) Set(ctx context.Context, todo *model.Todo) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO todos (`+todoColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (id) DO UPDATE SET
		   title = EXCLUDED.title,
		   description = EXCLUDED.description,
		   is_complete = EXCLUDED.is_complete,
		   updated_at = EXCLUDED.updated_at
		 WHERE todos.owner_id = EXCLUDED.owner_id`,
		todo.ID, todo.OwnerID, todo.Title, todo.Description, todo.IsComplete, todo.CreatedAt, todo.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to set todo: %w", err)
	}
	return nil
}

// Update はnilでないフィールドのみを更新する。該当がない場合はnilを返す。
func (r *PostgresTodoRepo) Update(ctx context.Context, ownerID, id string, patch model.TodoPatch) (*model.Todo, error) {
	todo, err := scanTodo(r.db.QueryRowContext(ctx,
		`UPDATE todos SET
		   title = COALESCE($3::text, title),
		   description = COALESCE($4::text, description),
		   is_complete = COALESCE($5::boolean, is_complete),
		   updated_at = $6
		 WHERE id = $1 AND owner_id = $2
		 RETURNING `+todoColumns,
		id, ownerID, patch.Title, patch.Description, patch.IsComplete, r.now(),
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update todo: %w", err)
	}
	return todo, nil
}

// Delete はTODOを削除する。存在しない場合も成功として扱う。
func (r *PostgresTodoRepo) Delete(ctx context.Context, ownerID, id string) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM todos WHERE id = $1 AND owner_id = $2`,
		id, ownerID,
	)
	if err != nil {
		return fmt.Errorf("failed to delete todo: %w", err)
	}
	return nil
}

// compile-time interface check
var _ TodoRepository = (*PostgresTodoRepo)(nil)
