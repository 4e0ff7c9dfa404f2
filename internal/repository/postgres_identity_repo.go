package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/hitoshi/todoman/internal/model"
)

const selectIdentity = `SELECT id, account_id, provider, provider_user_id, created_at FROM identities`

// PostgresIdentityRepo はidentitiesテーブルの読み取りを担う。
// 作成はアカウントと同じトランザクションで行うため、PostgresAccountRepo.CreateWithIdentityが持つ。
type PostgresIdentityRepo struct {
	db *sql.DB
}

// NewPostgresIdentityRepo はPostgresIdentityRepoを生成する。
func NewPostgresIdentityRepo(db *sql.DB) *PostgresIdentityRepo {
	return &PostgresIdentityRepo{db: db}
}

// FindBySubject は外部IdPのsubjectに紐付いたidentityを返す。未登録ならnil。
func (r *PostgresIdentityRepo) FindBySubject(ctx context.Context, provider, subject string) (*model.Identity, error) {
	row := r.db.QueryRowContext(ctx, selectIdentity+` WHERE provider = $1 AND provider_user_id = $2`, provider, subject)

	var id model.Identity
	switch err := row.Scan(&id.ID, &id.AccountID, &id.Provider, &id.ProviderUserID, &id.CreatedAt); {
	case errors.Is(err, sql.ErrNoRows):
		return nil, nil
	case err != nil:
		return nil, fmt.Errorf("failed to find identity for %s: %w", provider, err)
	}
	return &id, nil
}

var _ IdentityRepository = (*PostgresIdentityRepo)(nil)
