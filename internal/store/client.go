// Package store はドキュメントストアのクライアントを提供する。
// プロフィールドキュメントとTODOの読み書き、および所有者で絞り込んだ
// TODOのライブクエリ（初回スナップショット＋変更ごとの再取得）を扱う。
package store

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/hitoshi/todoman/internal/model"
	"github.com/hitoshi/todoman/internal/repository"
)

// Watcher は所有者単位の変更通知の購読を提供する。Hubが実装する。
type Watcher interface {
	Watch(ownerID string) (<-chan struct{}, func())
}

// Subscription はライブクエリの購読ハンドル。
type Subscription interface {
	// Unsubscribe は購読を解除する。2回目以降の呼び出しは何もしない。
	// コールバックの中から呼んでもよい。
	Unsubscribe()
}

// Client はドキュメントストアへの操作を提供する。
type Client struct {
	users   repository.UserRepository
	todos   repository.TodoRepository
	watcher Watcher
	// publisher はnilでもよい。PostgreSQLではトリガーとPGFeedが通知を担う。
	publisher Publisher
	logger    *slog.Logger
}

// NewClient はClientを生成する。
func NewClient(users repository.UserRepository, todos repository.TodoRepository, watcher Watcher, publisher Publisher, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		users:     users,
		todos:     todos,
		watcher:   watcher,
		publisher: publisher,
		logger:    logger,
	}
}

// GetUser はプロフィールドキュメントを取得する。存在しない場合はnilを返す。
func (c *Client) GetUser(ctx context.Context, id string) (*model.User, error) {
	user, err := c.users.FindByID(ctx, id)
	if err != nil {
		return nil, c.unavailable("get user", err)
	}
	return user, nil
}

// SetUser はプロフィールドキュメントを書き込む（後勝ち）。
func (c *Client) SetUser(ctx context.Context, user *model.User) error {
	if err := c.users.Set(ctx, user); err != nil {
		return c.unavailable("set user", err)
	}
	return nil
}

// SetTodo はTODOを書き込む。
func (c *Client) SetTodo(ctx context.Context, todo *model.Todo) error {
	if err := c.todos.Set(ctx, todo); err != nil {
		return c.unavailable("set todo", err)
	}
	c.publish(todo.OwnerID)
	return nil
}

// UpdateTodo は所有者のTODOを部分更新する。該当がない場合はTODO_NOT_FOUNDを返す。
func (c *Client) UpdateTodo(ctx context.Context, ownerID, id string, patch model.TodoPatch) (*model.Todo, error) {
	todo, err := c.todos.Update(ctx, ownerID, id, patch)
	if err != nil {
		return nil, c.unavailable("update todo", err)
	}
	if todo == nil {
		return nil, model.NewTodoNotFoundError(id)
	}
	c.publish(ownerID)
	return todo, nil
}

// DeleteTodo は所有者のTODOを削除する。存在しないIDでも成功する。
func (c *Client) DeleteTodo(ctx context.Context, ownerID, id string) error {
	if err := c.todos.Delete(ctx, ownerID, id); err != nil {
		return c.unavailable("delete todo", err)
	}
	c.publish(ownerID)
	return nil
}

// ListTodos は所有者のTODO一覧を1回だけ取得する。
func (c *Client) ListTodos(ctx context.Context, ownerID string) ([]*model.Todo, error) {
	todos, err := c.todos.ListByOwner(ctx, ownerID)
	if err != nil {
		return nil, c.unavailable("list todos", err)
	}
	return todos, nil
}

// SubscribeTodos は所有者で絞り込んだTODOのライブクエリを開始する。
// 初回スナップショットと、以後の変更ごとの最新スナップショットをonSnapshotに渡す。
// 取得に失敗した場合はonErrorを呼び、購読は継続する。
// 1つの購読のコールバックは単一のgoroutineから順に呼ばれる。
func (c *Client) SubscribeTodos(ownerID string, onSnapshot func([]*model.Todo), onError func(error)) Subscription {
	ctx, cancel := context.WithCancel(context.Background())
	// 初回取得より先に登録し、その間の変更を取りこぼさない
	changes, stop := c.watcher.Watch(ownerID)

	sub := &subscription{cancel: cancel, stop: stop, done: make(chan struct{})}
	go func() {
		defer close(sub.done)
		c.deliver(ctx, ownerID, onSnapshot, onError)
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-changes:
				if !ok {
					return
				}
				c.deliver(ctx, ownerID, onSnapshot, onError)
			}
		}
	}()
	return sub
}

func (c *Client) deliver(ctx context.Context, ownerID string, onSnapshot func([]*model.Todo), onError func(error)) {
	todos, err := c.todos.ListByOwner(ctx, ownerID)
	if ctx.Err() != nil {
		return
	}
	if err != nil {
		c.logger.Error("failed to fetch todo snapshot",
			slog.String("user_id", ownerID),
			slog.String("error", err.Error()),
		)
		if onError != nil {
			onError(model.NewBackendUnavailableError())
		}
		return
	}
	onSnapshot(todos)
}

func (c *Client) publish(ownerID string) {
	if c.publisher != nil {
		c.publisher.Publish(ownerID)
	}
}

// unavailable は永続化層の失敗をログに残し、NetworkErrorに変換する。
// context由来のエラーはそのまま返す。
func (c *Client) unavailable(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	c.logger.Error("store operation failed",
		slog.String("op", op),
		slog.String("error", err.Error()),
	)
	return model.NewBackendUnavailableError()
}

type subscription struct {
	once   sync.Once
	cancel context.CancelFunc
	stop   func()
	done   chan struct{}
}

// Unsubscribe は配信goroutineに停止を指示し、変更通知の登録を解除する。
// 配信中のコールバックの完了は待たない。
func (s *subscription) Unsubscribe() {
	s.once.Do(func() {
		s.cancel()
		s.stop()
	})
}

// Done は配信goroutineが終了するとクローズされる。
func (s *subscription) Done() <-chan struct{} {
	return s.done
}
