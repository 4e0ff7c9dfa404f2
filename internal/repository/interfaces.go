// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"errors"

	"github.com/hitoshi/todoman/internal/model"
)

// ErrDuplicate は一意制約違反を表す。
var ErrDuplicate = errors.New("duplicate key")

// AccountRepository は認証用アカウントの永続化インターフェース。
type AccountRepository interface {
	// FindByID は指定IDのアカウントを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Account, error)

	// FindByEmail はメールアドレス（大文字小文字を区別しない）でアカウントを検索する。
	// 見つからない場合はnilを返す。
	FindByEmail(ctx context.Context, email string) (*model.Account, error)

	// Create はアカウントを作成する。メールアドレスが登録済みの場合はErrDuplicateを返す。
	Create(ctx context.Context, account *model.Account) error

	// CreateWithIdentity はアカウントとidentityを同一トランザクションで作成する。
	CreateWithIdentity(ctx context.Context, account *model.Account, identity *model.Identity) error
}

// IdentityRepository は外部IdP紐付け情報の永続化インターフェース。
type IdentityRepository interface {
	// FindBySubject は外部IdPの名前とIdP側のユーザーID（subject）でidentityを検索する。
	// 見つからない場合はnilを返す。
	FindBySubject(ctx context.Context, provider, providerUserID string) (*model.Identity, error)
}

// SessionRepository はセッションデータの永続化インターフェース。
type SessionRepository interface {
	// Create はセッションを作成する。
	Create(ctx context.Context, session *model.Session) error
	// FindByID は指定IDのセッションを取得する。期限切れの場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Session, error)
	// DeleteByID は指定IDのセッションを削除する。存在しない場合も成功として扱う。
	DeleteByID(ctx context.Context, id string) error
}

// UserRepository はプロフィールドキュメントの永続化インターフェース。
type UserRepository interface {
	// FindByID は指定IDのユーザーを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.User, error)

	// Set はドキュメント全体を書き込む。既存の場合は後勝ちで上書きする。
	Set(ctx context.Context, user *model.User) error
}

// TodoRepository はTODOドキュメントの永続化インターフェース。
// すべての更新系操作は所有者IDで絞り込む。
type TodoRepository interface {
	// FindByID は指定IDのTODOを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, ownerID, id string) (*model.Todo, error)

	// ListByOwner は所有者のTODO一覧をcreated_at, idの昇順で返す。
	ListByOwner(ctx context.Context, ownerID string) ([]*model.Todo, error)

	// Set はTODOを書き込む。同一IDが存在する場合は上書きする。
	Set(ctx context.Context, todo *model.Todo) error

	// Update は指定フィールドのみを更新し、更新後のTODOを返す。
	// 該当するTODOがない場合はnilを返す。
	Update(ctx context.Context, ownerID, id string, patch model.TodoPatch) (*model.Todo, error)

	// Delete はTODOを削除する。存在しない場合も成功として扱う。
	Delete(ctx context.Context, ownerID, id string) error
}
