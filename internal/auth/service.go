// Package auth は認証バックエンド（資格情報の検証、セッション発行、外部IdP連携）を提供する。
package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/hitoshi/todoman/internal/model"
	"github.com/hitoshi/todoman/internal/repository"
)

// MinPasswordLength はパスワードの最小文字数。
const MinPasswordLength = 6

// MaxPasswordBytes はパスワードの最大バイト数。bcryptはこれを超える入力を扱えない。
const MaxPasswordBytes = 72

// ServiceConfig は認証サービスの設定。
type ServiceConfig struct {
	SessionMaxAge int // セッション有効期間（秒）
	BcryptCost    int // 0の場合はbcrypt.DefaultCost
}

// Service は認証バックエンドとしての操作を提供する。
// 成功時は常に新しいセッションを発行し、model.Credentialとして返す。
type Service struct {
	providers   map[string]OAuthProvider
	accountRepo repository.AccountRepository
	identRepo   repository.IdentityRepository
	sessionRepo repository.SessionRepository
	config      ServiceConfig
	now         func() time.Time
}

// NewService はServiceを生成する。providersには有効なIdPのみを渡す。
func NewService(
	providers []OAuthProvider,
	accountRepo repository.AccountRepository,
	identRepo repository.IdentityRepository,
	sessionRepo repository.SessionRepository,
	config ServiceConfig,
) *Service {
	if config.BcryptCost == 0 {
		config.BcryptCost = bcrypt.DefaultCost
	}
	m := make(map[string]OAuthProvider, len(providers))
	for _, p := range providers {
		m[p.Name()] = p
	}
	return &Service{
		providers:   m,
		accountRepo: accountRepo,
		identRepo:   identRepo,
		sessionRepo: sessionRepo,
		config:      config,
		now:         time.Now,
	}
}

// Providers は有効なIdP名を昇順で返す。
func (s *Service) Providers() []string {
	names := make([]string, 0, len(s.providers))
	for name := range s.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// GetLoginURL は指定IdPの認証URLを生成する。
func (s *Service) GetLoginURL(provider, state string) (string, error) {
	p, ok := s.providers[provider]
	if !ok {
		return "", model.NewUnsupportedProviderError(provider)
	}
	return p.GetLoginURL(state), nil
}

// CreateAccount はメールアドレスとパスワードでアカウントを作成し、セッションを発行する。
// 登録済みのメールアドレスの場合はACCOUNT_EXISTSエラーを返す。
func (s *Service) CreateAccount(ctx context.Context, email, password string) (*model.Credential, error) {
	email = strings.TrimSpace(email)
	if err := validateEmail(email); err != nil {
		return nil, err
	}
	if len(password) < MinPasswordLength {
		return nil, model.NewWeakPasswordError(MinPasswordLength)
	}
	if len(password) > MaxPasswordBytes {
		return nil, model.NewPasswordTooLongError(MaxPasswordBytes)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.config.BcryptCost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	account := &model.Account{
		ID:           uuid.New().String(),
		Email:        email,
		PasswordHash: string(hash),
		CreatedAt:    s.now(),
	}
	if err := s.accountRepo.Create(ctx, account); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			return nil, model.NewAccountExistsError(email)
		}
		return nil, backendUnavailable("create account", err)
	}

	slog.Info("account created", slog.String("user_id", account.ID))
	return s.issueCredential(ctx, account.ID, model.SessionMethodPassword, "", email)
}

// AuthenticateWithPassword はメールアドレスとパスワードを検証し、セッションを発行する。
// アカウントが存在しない場合とパスワード不一致は区別せずINVALID_CREDENTIALSを返す。
func (s *Service) AuthenticateWithPassword(ctx context.Context, email, password string) (*model.Credential, error) {
	account, err := s.accountRepo.FindByEmail(ctx, strings.TrimSpace(email))
	if err != nil {
		return nil, backendUnavailable("find account", err)
	}
	// 外部IdPのみで作成されたアカウントはパスワードを持たない
	if account == nil || account.PasswordHash == "" {
		return nil, model.NewInvalidCredentialsError()
	}
	if err := bcrypt.CompareHashAndPassword([]byte(account.PasswordHash), []byte(password)); err != nil {
		return nil, model.NewInvalidCredentialsError()
	}

	return s.issueCredential(ctx, account.ID, model.SessionMethodPassword, "", account.Email)
}

// AuthenticateWithProvider は外部IdPの認可コードを検証し、セッションを発行する。
// 未登録のidentityの場合はアカウントとidentityを同一トランザクションで作成する。
// プロフィールドキュメントの作成は呼び出し側（セッションストア）が行う。
func (s *Service) AuthenticateWithProvider(ctx context.Context, provider, code string) (*model.Credential, error) {
	p, ok := s.providers[provider]
	if !ok {
		return nil, model.NewUnsupportedProviderError(provider)
	}

	// 1. 認可コードをトークンに交換し、ユーザー情報を取得
	info, err := p.ExchangeCode(ctx, code)
	if err != nil {
		slog.Warn("oauth code exchange failed",
			slog.String("provider", provider),
			slog.String("error", err.Error()),
		)
		return nil, model.NewProviderFailedError(provider)
	}

	// 2. identitiesテーブルで既存アカウントを検索
	identity, err := s.identRepo.FindBySubject(ctx, info.Provider, info.ProviderUserID)
	if err != nil {
		return nil, backendUnavailable("find identity", err)
	}

	var accountID string
	if identity != nil {
		// 3a. 既存アカウント
		accountID = identity.AccountID
		slog.Info("existing identity logged in",
			slog.String("user_id", accountID),
			slog.String("provider", info.Provider),
		)
	} else {
		// 3b. 新規アカウント: accountsとidentitiesを同時に作成
		now := s.now()
		account := &model.Account{
			ID:        uuid.New().String(),
			Email:     info.Email,
			CreatedAt: now,
		}
		newIdentity := &model.Identity{
			ID:             uuid.New().String(),
			AccountID:      account.ID,
			Provider:       info.Provider,
			ProviderUserID: info.ProviderUserID,
			CreatedAt:      now,
		}
		accountID, err = s.createFederatedAccount(ctx, info, account, newIdentity)
		if err != nil {
			return nil, err
		}
	}

	return s.issueCredential(ctx, accountID, info.Provider, info.Name, info.Email)
}

// createFederatedAccount はアカウントとidentityを作成し、ログインに使うアカウントIDを返す。
// 同じidentityの初回ログインが並行して先に作成を終えていた場合は、そのアカウントを使う。
// identityがないまま重複した場合はメールアドレスの衝突としてACCOUNT_EXISTSを返す。
func (s *Service) createFederatedAccount(ctx context.Context, info *OAuthUserInfo, account *model.Account, identity *model.Identity) (string, error) {
	err := s.accountRepo.CreateWithIdentity(ctx, account, identity)
	if err == nil {
		slog.Info("new account created",
			slog.String("user_id", account.ID),
			slog.String("provider", info.Provider),
		)
		return account.ID, nil
	}
	if !errors.Is(err, repository.ErrDuplicate) {
		return "", backendUnavailable("create account with identity", err)
	}

	existing, findErr := s.identRepo.FindBySubject(ctx, info.Provider, info.ProviderUserID)
	if findErr != nil {
		return "", backendUnavailable("find identity", findErr)
	}
	if existing == nil {
		return "", model.NewAccountExistsError(info.Email)
	}
	slog.Info("identity created concurrently, reusing account",
		slog.String("user_id", existing.AccountID),
		slog.String("provider", info.Provider),
	)
	return existing.AccountID, nil
}

// InvalidateSession はセッションを破棄する。存在しないセッションでも成功する。
func (s *Service) InvalidateSession(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return nil
	}

	if err := s.sessionRepo.DeleteByID(ctx, sessionID); err != nil {
		return backendUnavailable("delete session", err)
	}

	slog.Info("session invalidated")
	return nil
}

// LookupSession は有効なセッションを返す。期限切れまたは存在しない場合はnilを返す。
func (s *Service) LookupSession(ctx context.Context, sessionID string) (*model.Session, error) {
	if sessionID == "" {
		return nil, nil
	}

	session, err := s.sessionRepo.FindByID(ctx, sessionID)
	if err != nil {
		return nil, backendUnavailable("find session", err)
	}
	return session, nil
}

// issueCredential はセッションを作成してCredentialを組み立てる。
// methodはセッションの発行方式（password またはプロバイダー名）。
func (s *Service) issueCredential(ctx context.Context, userID, method, displayName, email string) (*model.Credential, error) {
	session, err := s.createSession(ctx, userID, method)
	if err != nil {
		return nil, backendUnavailable("create session", err)
	}
	return &model.Credential{
		Session:     session,
		UserID:      userID,
		DisplayName: displayName,
		Email:       email,
	}, nil
}

// createSession はセッションを作成し永続化する。
func (s *Service) createSession(ctx context.Context, userID, method string) (*model.Session, error) {
	sessionID, err := generateSessionID()
	if err != nil {
		return nil, fmt.Errorf("failed to generate session ID: %w", err)
	}

	now := s.now()
	session := &model.Session{
		ID:        sessionID,
		UserID:    userID,
		Method:    method,
		ExpiresAt: now.Add(time.Duration(s.config.SessionMaxAge) * time.Second),
		CreatedAt: now,
	}

	if err := s.sessionRepo.Create(ctx, session); err != nil {
		return nil, fmt.Errorf("failed to save session: %w", err)
	}

	return session, nil
}

// generateSessionID は暗号的に安全なセッションIDを生成する。
func generateSessionID() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

func validateEmail(email string) error {
	if email == "" {
		return model.NewInvalidRequestError("email is required")
	}
	if _, err := mail.ParseAddress(email); err != nil {
		return model.NewInvalidRequestError("email is invalid")
	}
	return nil
}

// backendUnavailable は永続化層の失敗をログに残し、利用者向けのNetworkErrorに変換する。
func backendUnavailable(op string, err error) error {
	slog.Error("auth backend operation failed",
		slog.String("op", op),
		slog.String("error", err.Error()),
	)
	return model.NewBackendUnavailableError()
}
