// Package model はドメインモデルを定義する。
package model

import "time"

// User はログイン中のユーザーのプロフィールドキュメントを表す。
// IDは認証バックエンドのアカウントIDと同一で、このシステムから削除されることはない。
type User struct {
	ID          string    `json:"id"`
	DisplayName string    `json:"displayName"`
	Email       string    `json:"email"`
	Todos       []string  `json:"todos"` // 所有するTodoの参照。作成時は空
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// NewUser は空のTodo参照リストと現在時刻を持つプロフィールドキュメントを生成する。
func NewUser(id, displayName, email string, now time.Time) *User {
	return &User{
		ID:          id,
		DisplayName: displayName,
		Email:       email,
		Todos:       []string{},
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// Account は認証バックエンドが管理する資格情報を表す。
// 外部IdPのみで作成されたアカウントはPasswordHashが空になる。
type Account struct {
	ID           string
	Email        string
	PasswordHash string
	CreatedAt    time.Time
}

// Identity は外部IdPとアカウントの紐付け情報を表す。
type Identity struct {
	ID             string
	AccountID      string
	Provider       string
	ProviderUserID string
	CreatedAt      time.Time
}

// SessionMethodPassword はメールアドレスとパスワードで発行されたセッションの方式。
// 外部IdPで発行されたセッションはプロバイダー名（google, facebook）を方式とする。
const SessionMethodPassword = "password"

// Session は認証バックエンドが発行したログインセッションを表す。
// UserIDはAccount.ID（= User.ID）を指す。
type Session struct {
	ID        string
	UserID    string
	Method    string
	ExpiresAt time.Time
	CreatedAt time.Time
}

// Credential は認証成功時にバックエンドが返す結果。
// DisplayNameとEmailはIdPから取得した値で、パスワード認証ではEmailのみ設定される。
type Credential struct {
	Session     *Session
	UserID      string
	DisplayName string
	Email       string
}
