package handler

import (
	"context"
	"sync"
	"time"

	"github.com/hitoshi/todoman/internal/model"
	"github.com/hitoshi/todoman/internal/store"
)

// --- モック定義 ---

type mockAuthService struct {
	getLoginURLFn   func(provider, state string) (string, error)
	authPasswordFn  func(ctx context.Context, email, password string) (*model.Credential, error)
	authProviderFn  func(ctx context.Context, provider, code string) (*model.Credential, error)
	createAccountFn func(ctx context.Context, email, password string) (*model.Credential, error)
	invalidateFn    func(ctx context.Context, sessionID string) error
	lookupSessionFn func(ctx context.Context, sessionID string) (*model.Session, error)

	mu          sync.Mutex
	invalidated []string
}

func (m *mockAuthService) GetLoginURL(provider, state string) (string, error) {
	if m.getLoginURLFn != nil {
		return m.getLoginURLFn(provider, state)
	}
	return "", nil
}

func (m *mockAuthService) AuthenticateWithPassword(ctx context.Context, email, password string) (*model.Credential, error) {
	if m.authPasswordFn != nil {
		return m.authPasswordFn(ctx, email, password)
	}
	return nil, model.NewInvalidCredentialsError()
}

func (m *mockAuthService) AuthenticateWithProvider(ctx context.Context, provider, code string) (*model.Credential, error) {
	if m.authProviderFn != nil {
		return m.authProviderFn(ctx, provider, code)
	}
	return nil, model.NewProviderFailedError(provider)
}

func (m *mockAuthService) CreateAccount(ctx context.Context, email, password string) (*model.Credential, error) {
	if m.createAccountFn != nil {
		return m.createAccountFn(ctx, email, password)
	}
	return nil, model.NewAccountExistsError(email)
}

func (m *mockAuthService) InvalidateSession(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	m.invalidated = append(m.invalidated, sessionID)
	m.mu.Unlock()
	if m.invalidateFn != nil {
		return m.invalidateFn(ctx, sessionID)
	}
	return nil
}

func (m *mockAuthService) LookupSession(ctx context.Context, sessionID string) (*model.Session, error) {
	if m.lookupSessionFn != nil {
		return m.lookupSessionFn(ctx, sessionID)
	}
	return nil, nil
}

// mockUserStore はメモリ上のプロフィールドキュメント。
type mockUserStore struct {
	mu    sync.Mutex
	users map[string]*model.User
	getFn func(ctx context.Context, id string) (*model.User, error)
	setFn func(ctx context.Context, user *model.User) error
}

func newMockUserStore(users ...*model.User) *mockUserStore {
	m := &mockUserStore{users: make(map[string]*model.User)}
	for _, u := range users {
		m.users[u.ID] = u
	}
	return m
}

func (m *mockUserStore) GetUser(ctx context.Context, id string) (*model.User, error) {
	if m.getFn != nil {
		return m.getFn(ctx, id)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.users[id], nil
}

func (m *mockUserStore) SetUser(ctx context.Context, user *model.User) error {
	if m.setFn != nil {
		return m.setFn(ctx, user)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[user.ID] = user
	return nil
}

func (m *mockUserStore) get(id string) *model.User {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.users[id]
}

// mockTodoService はTodoServiceInterfaceとtodo.Writerの両方を満たす。
type mockTodoService struct {
	createFn func(ctx context.Context, ownerID string, draft model.TodoDraft) (*model.Todo, error)
	updateFn func(ctx context.Context, ownerID, id string, patch model.TodoPatch) (*model.Todo, error)
	deleteFn func(ctx context.Context, ownerID, id string) error
	listFn   func(ctx context.Context, ownerID string) ([]*model.Todo, error)

	mu     sync.Mutex
	subs   map[string]*mockSubscription
	subbed chan string
}

func newMockTodoService() *mockTodoService {
	return &mockTodoService{
		subs:   make(map[string]*mockSubscription),
		subbed: make(chan string, 4),
	}
}

func (m *mockTodoService) Create(ctx context.Context, ownerID string, draft model.TodoDraft) (*model.Todo, error) {
	if m.createFn != nil {
		return m.createFn(ctx, ownerID, draft)
	}
	now := time.Now()
	return &model.Todo{ID: "todo-new", Title: draft.Title, Description: draft.Description, OwnerID: ownerID, CreatedAt: now, UpdatedAt: now}, nil
}

func (m *mockTodoService) Update(ctx context.Context, ownerID, id string, patch model.TodoPatch) (*model.Todo, error) {
	if m.updateFn != nil {
		return m.updateFn(ctx, ownerID, id, patch)
	}
	return &model.Todo{ID: id, OwnerID: ownerID}, nil
}

func (m *mockTodoService) Delete(ctx context.Context, ownerID, id string) error {
	if m.deleteFn != nil {
		return m.deleteFn(ctx, ownerID, id)
	}
	return nil
}

func (m *mockTodoService) List(ctx context.Context, ownerID string) ([]*model.Todo, error) {
	if m.listFn != nil {
		return m.listFn(ctx, ownerID)
	}
	return nil, nil
}

func (m *mockTodoService) Subscribe(ownerID string, onSnapshot func([]*model.Todo), onError func(error)) store.Subscription {
	sub := &mockSubscription{onSnapshot: onSnapshot, onError: onError}
	m.mu.Lock()
	m.subs[ownerID] = sub
	m.mu.Unlock()
	select {
	case m.subbed <- ownerID:
	default:
	}
	return sub
}

func (m *mockTodoService) subscription(ownerID string) *mockSubscription {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.subs[ownerID]
}

type mockSubscription struct {
	onSnapshot func([]*model.Todo)
	onError    func(error)

	mu           sync.Mutex
	unsubscribed int
}

func (s *mockSubscription) Unsubscribe() {
	s.mu.Lock()
	s.unsubscribed++
	s.mu.Unlock()
}

func (s *mockSubscription) releaseCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unsubscribed
}

// --- テストデータ ---

func testUser(id string) *model.User {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	return model.NewUser(id, "User "+id, id+"@example.com", now)
}

func testSession(id, userID string) *model.Session {
	return &model.Session{ID: id, UserID: userID, ExpiresAt: time.Now().Add(time.Hour)}
}

func testCredential(sessionID, userID string) *model.Credential {
	return &model.Credential{
		Session:     testSession(sessionID, userID),
		UserID:      userID,
		DisplayName: "User " + userID,
		Email:       userID + "@example.com",
	}
}
