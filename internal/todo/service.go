// Package todo はTODOの書き込み（入力検証とサニタイズ）と、
// ログイン中のユーザーのTODO一覧をライブに保持するバインディングを提供する。
package todo

import (
	"context"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/hitoshi/todoman/internal/model"
	"github.com/hitoshi/todoman/internal/security"
	"github.com/hitoshi/todoman/internal/store"
)

// 入力値の上限（文字数）。
const (
	MaxTitleLength       = 200
	MaxDescriptionLength = 2000
)

// Store はTODOの永続化とライブクエリ。store.Clientが実装する。
type Store interface {
	SetTodo(ctx context.Context, todo *model.Todo) error
	UpdateTodo(ctx context.Context, ownerID, id string, patch model.TodoPatch) (*model.Todo, error)
	DeleteTodo(ctx context.Context, ownerID, id string) error
	ListTodos(ctx context.Context, ownerID string) ([]*model.Todo, error)
	SubscribeTodos(ownerID string, onSnapshot func([]*model.Todo), onError func(error)) store.Subscription
}

// Service はTODOの書き込みに関するビジネスロジックを提供する。
// すべての操作は所有者IDで絞り込まれ、他のユーザーのTODOには触れない。
type Service struct {
	store     Store
	sanitizer security.TextSanitizerService
	now       func() time.Time
	newID     func() string
}

// NewService はServiceを生成する。
func NewService(s Store, sanitizer security.TextSanitizerService) *Service {
	return &Service{
		store:     s,
		sanitizer: sanitizer,
		now:       time.Now,
		newID:     uuid.NewString,
	}
}

// Create は新しいTODOを作成する。
// IDはランダムなUUIDで、重複の確認や再試行は行わない。
// isCompleteはfalse、ownerIdは呼び出し元のユーザーIDに固定する。
func (s *Service) Create(ctx context.Context, ownerID string, draft model.TodoDraft) (*model.Todo, error) {
	if ownerID == "" {
		return nil, model.NewUnauthorizedError()
	}

	title := s.sanitizer.Sanitize(draft.Title)
	description := s.sanitizer.Sanitize(draft.Description)
	if err := validateTitle(title); err != nil {
		return nil, err
	}
	if err := validateDescription(description); err != nil {
		return nil, err
	}

	now := s.now()
	todo := &model.Todo{
		ID:          s.newID(),
		Title:       title,
		Description: description,
		IsComplete:  false,
		OwnerID:     ownerID,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.store.SetTodo(ctx, todo); err != nil {
		return nil, err
	}
	return todo, nil
}

// Update は指定フィールドのみを更新する。
func (s *Service) Update(ctx context.Context, ownerID, id string, patch model.TodoPatch) (*model.Todo, error) {
	if ownerID == "" {
		return nil, model.NewUnauthorizedError()
	}
	if strings.TrimSpace(id) == "" {
		return nil, model.NewInvalidTodoError("id is required")
	}
	if patch.IsEmpty() {
		return nil, model.NewInvalidTodoError("no fields to update")
	}

	if patch.Title != nil {
		title := s.sanitizer.Sanitize(*patch.Title)
		if err := validateTitle(title); err != nil {
			return nil, err
		}
		patch.Title = &title
	}
	if patch.Description != nil {
		description := s.sanitizer.Sanitize(*patch.Description)
		if err := validateDescription(description); err != nil {
			return nil, err
		}
		patch.Description = &description
	}

	return s.store.UpdateTodo(ctx, ownerID, id, patch)
}

// Delete はTODOを削除する。存在しないIDでもストアへの削除は発行する。
func (s *Service) Delete(ctx context.Context, ownerID, id string) error {
	if ownerID == "" {
		return model.NewUnauthorizedError()
	}
	if strings.TrimSpace(id) == "" {
		return model.NewInvalidTodoError("id is required")
	}
	return s.store.DeleteTodo(ctx, ownerID, id)
}

// List は所有者のTODO一覧を返す。
func (s *Service) List(ctx context.Context, ownerID string) ([]*model.Todo, error) {
	if ownerID == "" {
		return nil, model.NewUnauthorizedError()
	}
	return s.store.ListTodos(ctx, ownerID)
}

// Subscribe は所有者のTODOのライブクエリを開始する。
func (s *Service) Subscribe(ownerID string, onSnapshot func([]*model.Todo), onError func(error)) store.Subscription {
	return s.store.SubscribeTodos(ownerID, onSnapshot, onError)
}

func validateTitle(title string) error {
	if title == "" {
		return model.NewInvalidTodoError("title is required")
	}
	if utf8.RuneCountInString(title) > MaxTitleLength {
		return model.NewInvalidTodoError("title is too long")
	}
	return nil
}

func validateDescription(description string) error {
	if utf8.RuneCountInString(description) > MaxDescriptionLength {
		return model.NewInvalidTodoError("description is too long")
	}
	return nil
}
