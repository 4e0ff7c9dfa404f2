// Package session はクライアントごとのログイン状態（ユーザーとloadingフラグ）を保持する
// セッションストアを提供する。HTTPリクエストまたはライブ接続ごとに1つ生成する。
package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/hitoshi/todoman/internal/model"
)

// AuthBackend は認証バックエンドへの操作。auth.Serviceが実装する。
type AuthBackend interface {
	AuthenticateWithPassword(ctx context.Context, email, password string) (*model.Credential, error)
	AuthenticateWithProvider(ctx context.Context, provider, code string) (*model.Credential, error)
	CreateAccount(ctx context.Context, email, password string) (*model.Credential, error)
	InvalidateSession(ctx context.Context, sessionID string) error
}

// UserStore はプロフィールドキュメントの読み書き。store.Clientが実装する。
type UserStore interface {
	GetUser(ctx context.Context, id string) (*model.User, error)
	SetUser(ctx context.Context, user *model.User) error
}

// State はセッションストアの状態のスナップショット。
type State struct {
	User    *model.User `json:"user"`
	Loading bool        `json:"loading"`
}

// Store はセッションストア。
//
// すべての操作は開始時にloading=true、終了時（成功・失敗を問わず）にloading=falseとする。
// 失敗はストア内で回復してログに残し、状態を一貫させたうえで同じエラーを呼び出し側に返す。
type Store struct {
	auth   AuthBackend
	users  UserStore
	logger *slog.Logger
	now    func() time.Time

	mu        sync.Mutex
	user      *model.User
	loading   bool
	sessionID string
	watchers  map[int]func(State)
	nextWatch int
}

// New はセッションストアを生成する。初期状態はuser=nil、loading=true。
// 呼び出し側はRestoreSessionを実行するか、SetLoading(false)で未ログインを確定させる。
func New(auth AuthBackend, users UserStore, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		auth:     auth,
		users:    users,
		logger:   logger,
		now:      time.Now,
		loading:  true,
		watchers: make(map[int]func(State)),
	}
}

// State は現在の状態を返す。
func (s *Store) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stateLocked()
}

// User は現在のユーザーを返す。未ログインまたは未解決の場合はnil。
func (s *Store) User() *model.User {
	return s.State().User
}

// Loading は認証・プロフィール操作の実行中かを返す。
func (s *Store) Loading() bool {
	return s.State().Loading
}

// SessionID は直近の操作で発行または紐付けられたバックエンドセッションのIDを返す。
func (s *Store) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID
}

// BindSession は既存のバックエンドセッション（Cookieから解決したもの）を紐付ける。
func (s *Store) BindSession(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessionID = sessionID
}

// SetLoading はloadingフラグを設定する。
func (s *Store) SetLoading(loading bool) {
	s.update(func() { s.loading = loading })
}

// SetUser は現在のユーザーを設定する。nilは未ログインを表す。
func (s *Store) SetUser(user *model.User) {
	s.update(func() { s.user = cloneUser(user) })
}

// Watch は状態が変わるたびにfnを呼ぶよう登録し、解除関数を返す。
// fnは状態を変更したgoroutineから、ロックを保持しない状態で呼ばれる。
func (s *Store) Watch(fn func(State)) func() {
	s.mu.Lock()
	id := s.nextWatch
	s.nextWatch++
	s.watchers[id] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.watchers, id)
	}
}

// RestoreSession はユーザーIDからプロフィールドキュメントを読み込む。
// ドキュメントが存在しない場合はユーザーをnilのままにする。
func (s *Store) RestoreSession(ctx context.Context, id string) error {
	defer s.bracket()()

	user, err := s.users.GetUser(ctx, id)
	if err != nil {
		return s.fail("restore session", err)
	}
	if user == nil {
		s.logger.Info("profile document not found", slog.String("user_id", id))
		return nil
	}

	s.SetUser(user)
	return nil
}

// Login はメールアドレスとパスワードで認証し、プロフィールドキュメントを読み込む。
// いずれかの段階で失敗した場合、ユーザーは設定しない。
func (s *Store) Login(ctx context.Context, email, password string) error {
	defer s.bracket()()

	cred, err := s.auth.AuthenticateWithPassword(ctx, email, password)
	if err != nil {
		return s.fail("login", err)
	}

	user, err := s.users.GetUser(ctx, cred.UserID)
	if err != nil {
		return s.fail("login", err)
	}
	if user == nil {
		return s.fail("login", model.NewUserNotFoundError(cred.UserID))
	}

	s.BindSession(cred.Session.ID)
	s.SetUser(user)
	return nil
}

// Register はアカウントを作成し、空のTODO参照リストを持つプロフィールドキュメントを作成する。
// ローカルのユーザーは設定しない。呼び出し側がRestoreSessionで再解決する。
//
// アカウント作成後にドキュメントの書き込みだけが失敗していた場合、同じメールアドレスと
// パスワードでの再登録はドキュメントの作成からやり直す。
func (s *Store) Register(ctx context.Context, displayName, email, password string) error {
	defer s.bracket()()

	cred, err := s.auth.CreateAccount(ctx, email, password)
	if isAccountExists(err) {
		cred, err = s.resumeRegistration(ctx, email, password, err)
	}
	if err != nil {
		return s.fail("register", err)
	}

	doc := model.NewUser(cred.UserID, displayName, cred.Email, s.now())
	if err := s.users.SetUser(ctx, doc); err != nil {
		return s.fail("register", err)
	}

	s.BindSession(cred.Session.ID)
	s.logger.Info("user registered", slog.String("user_id", cred.UserID))
	return nil
}

// resumeRegistration はドキュメントのないアカウントの登録を再開する。
// パスワードが一致しない、またはドキュメントが既にある場合はexistsErrを返す。
func (s *Store) resumeRegistration(ctx context.Context, email, password string, existsErr error) (*model.Credential, error) {
	cred, err := s.auth.AuthenticateWithPassword(ctx, email, password)
	if err != nil {
		return nil, existsErr
	}
	user, err := s.users.GetUser(ctx, cred.UserID)
	if err != nil {
		s.discardSession(ctx, cred.Session)
		return nil, err
	}
	if user != nil {
		s.discardSession(ctx, cred.Session)
		return nil, existsErr
	}
	s.logger.Info("resuming registration without profile document", slog.String("user_id", cred.UserID))
	return cred, nil
}

// discardSession は使わないことになったバックエンドセッションを破棄する。
func (s *Store) discardSession(ctx context.Context, sess *model.Session) {
	if sess == nil {
		return
	}
	if err := s.auth.InvalidateSession(ctx, sess.ID); err != nil {
		s.logger.Warn("failed to discard session", slog.String("error", err.Error()))
	}
}

func isAccountExists(err error) bool {
	var apiErr *model.APIError
	return errors.As(err, &apiErr) && apiErr.Code == model.ErrCodeAccountExists
}

// Logout はバックエンドセッションを破棄し、ユーザーをnilにする。
// バックエンドの破棄に失敗した場合もローカルの状態はログアウト済みにする。
func (s *Store) Logout(ctx context.Context) error {
	defer s.bracket()()

	sessionID := s.SessionID()
	err := s.auth.InvalidateSession(ctx, sessionID)

	s.BindSession("")
	s.SetUser(nil)

	if err != nil {
		return s.fail("logout", err)
	}
	return nil
}

// LoginWithProvider は外部IdP（google または facebook）の認可コードでログインする。
//
// 初回ログインではプロフィールドキュメントを作成し、ユーザーは設定せずに戻る（Registerと同じ）。
// 2回目以降は既存のドキュメントを読み込んでユーザーを設定する。
// 同一identityの初回ログインがほぼ同時に2回行われた場合、両方が「未作成」と判断して
// ドキュメントを書き込むことがある。内容は同じIdP情報のため後勝ちで問題ない。
func (s *Store) LoginWithProvider(ctx context.Context, provider, code string) error {
	defer s.bracket()()

	cred, err := s.auth.AuthenticateWithProvider(ctx, provider, code)
	if err != nil {
		return s.fail("login with provider", err)
	}

	user, err := s.users.GetUser(ctx, cred.UserID)
	if err != nil {
		return s.fail("login with provider", err)
	}

	if user == nil {
		doc := model.NewUser(cred.UserID, cred.DisplayName, cred.Email, s.now())
		if err := s.users.SetUser(ctx, doc); err != nil {
			return s.fail("login with provider", err)
		}
		s.BindSession(cred.Session.ID)
		s.logger.Info("profile document created",
			slog.String("user_id", cred.UserID),
			slog.String("provider", provider),
		)
		return nil
	}

	s.BindSession(cred.Session.ID)
	s.SetUser(user)
	return nil
}

// bracket はloadingをtrueにし、falseに戻す関数を返す。deferで使う。
func (s *Store) bracket() func() {
	s.SetLoading(true)
	return func() { s.SetLoading(false) }
}

// fail は失敗をログに残してそのまま返す。
func (s *Store) fail(op string, err error) error {
	level := slog.LevelError
	if model.IsCategory(err, model.CategoryAuth) || model.IsCategory(err, model.CategoryValidation) {
		level = slog.LevelWarn
	}
	s.logger.Log(context.Background(), level, "session operation failed",
		slog.String("op", op),
		slog.String("error", err.Error()),
	)
	return err
}

// update は状態を変更し、変化があれば登録済みのwatcherに通知する。
func (s *Store) update(mutate func()) {
	s.mu.Lock()
	before := s.stateLocked()
	mutate()
	after := s.stateLocked()
	if sameState(before, after) {
		s.mu.Unlock()
		return
	}
	watchers := make([]func(State), 0, len(s.watchers))
	for _, fn := range s.watchers {
		watchers = append(watchers, fn)
	}
	s.mu.Unlock()

	for _, fn := range watchers {
		fn(after)
	}
}

func (s *Store) stateLocked() State {
	return State{User: cloneUser(s.user), Loading: s.loading}
}

func sameState(a, b State) bool {
	if a.Loading != b.Loading {
		return false
	}
	if a.User == nil || b.User == nil {
		return a.User == nil && b.User == nil
	}
	return a.User.ID == b.User.ID && a.User.UpdatedAt.Equal(b.User.UpdatedAt) &&
		a.User.DisplayName == b.User.DisplayName && a.User.Email == b.User.Email
}

func cloneUser(u *model.User) *model.User {
	if u == nil {
		return nil
	}
	c := *u
	c.Todos = append([]string{}, u.Todos...)
	return &c
}
