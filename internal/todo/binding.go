package todo

import (
	"context"
	"log/slog"
	"sync"

	"github.com/hitoshi/todoman/internal/model"
	"github.com/hitoshi/todoman/internal/notify"
	"github.com/hitoshi/todoman/internal/session"
	"github.com/hitoshi/todoman/internal/store"
)

// 書き込み失敗時の通知タイトル。
const (
	TitleCreateFailed = "Create todo failed"
	TitleUpdateFailed = "Update todo failed"
	TitleDeleteFailed = "Delete todo failed"
)

// BindingState はバインディングの状態。
type BindingState string

const (
	StateInactive   BindingState = "inactive"
	StateActivating BindingState = "activating"
	StateActive     BindingState = "active"
)

// Writer はバインディングが使う書き込みとライブクエリ。Serviceが実装する。
type Writer interface {
	Create(ctx context.Context, ownerID string, draft model.TodoDraft) (*model.Todo, error)
	Update(ctx context.Context, ownerID, id string, patch model.TodoPatch) (*model.Todo, error)
	Delete(ctx context.Context, ownerID, id string) error
	Subscribe(ownerID string, onSnapshot func([]*model.Todo), onError func(error)) store.Subscription
}

// SessionSource は現在のユーザーと、その変化の購読。session.Storeが実装する。
type SessionSource interface {
	User() *model.User
	Watch(fn func(session.State)) func()
}

// Metrics はバインディングの計測。metrics.Collectorが実装する。
type Metrics interface {
	RecordLiveBindingActivated()
	RecordLiveBindingDeactivated()
	RecordSnapshot(count int)
	RecordWriteFailure(op string)
}

// BindingConfig はバインディングの任意設定。
type BindingConfig struct {
	Notifier notify.Notifier
	Metrics  Metrics
	Logger   *slog.Logger
	// OnChange は一覧・busy・loading・状態のいずれかが変わるたびに呼ばれる。
	// ロックを保持しない状態で呼ばれるため、最新の値はView()で読む。
	OnChange func()
}

// View はバインディングの公開状態のスナップショット。
type View struct {
	Todos   []*model.Todo `json:"todos"`
	Loading bool          `json:"loading"`
	Busy    bool          `json:"busy"`
	State   BindingState  `json:"state"`
}

// Binding はログイン中のユーザーが所有するTODOの一覧をライブに保持する。
//
// 有効化すると所有者IDで絞り込んだ購読を1つだけ開き、届いたスナップショットで一覧を丸ごと置き換える。
// 無効化すると購読ハンドルを1回だけ解放し、以後に届いたスナップショットは一覧を変更しない。
// セッションのユーザーがnilになった、または別のユーザーに変わった場合は自動的に無効化する。
//
// busyは実行中の書き込み数が1以上かどうかを表す。UIの操作を無効化するための目安で、
// 書き込みを直列化したりブロックしたりはしない。
type Binding struct {
	writer   Writer
	session  SessionSource
	notifier notify.Notifier
	metrics  Metrics
	logger   *slog.Logger
	onChange func()

	mu       sync.Mutex
	state    BindingState
	todos    []*model.Todo
	loading  bool
	inflight int
	ownerID  string
	sub      store.Subscription
	unwatch  func()
	// generation は有効化・無効化のたびに進め、古い購読からの配信を捨てる。
	generation uint64
}

// NewBinding はBindingを生成する。生成直後は無効状態。
func NewBinding(writer Writer, sess SessionSource, cfg BindingConfig) *Binding {
	if cfg.Notifier == nil {
		cfg.Notifier = notify.Discard
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Binding{
		writer:   writer,
		session:  sess,
		notifier: cfg.Notifier,
		metrics:  cfg.Metrics,
		logger:   cfg.Logger,
		onChange: cfg.OnChange,
		state:    StateInactive,
		todos:    []*model.Todo{},
	}
}

// Activate はセッションのユーザーで絞り込んだ購読を開く。
// すでに有効な場合は何もしない。ユーザーがいない場合はUNAUTHORIZEDを返す。
func (b *Binding) Activate() error {
	user := b.session.User()
	if user == nil {
		return model.NewUnauthorizedError()
	}

	b.mu.Lock()
	if b.state != StateInactive {
		b.mu.Unlock()
		return nil
	}
	b.generation++
	gen := b.generation
	b.state = StateActivating
	b.ownerID = user.ID
	b.loading = true
	b.mu.Unlock()
	b.changed()

	unwatch := b.session.Watch(func(st session.State) { b.onSession(gen, st) })
	sub := b.writer.Subscribe(user.ID,
		func(todos []*model.Todo) { b.applySnapshot(gen, todos) },
		func(err error) { b.applyError(gen, err) },
	)

	b.mu.Lock()
	if b.generation != gen {
		// 購読の確立中に無効化された
		b.mu.Unlock()
		sub.Unsubscribe()
		unwatch()
		return nil
	}
	b.sub = sub
	b.unwatch = unwatch
	if b.state == StateActivating {
		b.state = StateActive
	}
	b.mu.Unlock()

	if b.metrics != nil {
		b.metrics.RecordLiveBindingActivated()
	}
	b.logger.Debug("live binding activated", slog.String("user_id", user.ID))

	// 購読中にセッションが失われていた場合に備えて再確認する
	if current := b.session.User(); current == nil || current.ID != user.ID {
		b.deactivate(gen, true)
	}
	b.changed()
	return nil
}

// Deactivate は購読を解放する。一覧は最後に受け取った値のまま保持する。
func (b *Binding) Deactivate() {
	b.mu.Lock()
	gen := b.generation
	b.mu.Unlock()
	b.deactivate(gen, false)
}

// deactivate は世代genが現在のものである場合に限り無効化する。
// clearはセッション喪失時に前のユーザーの一覧を残さないために使う。
func (b *Binding) deactivate(gen uint64, clear bool) {
	b.mu.Lock()
	if b.generation != gen || b.state == StateInactive {
		b.mu.Unlock()
		return
	}
	wasSubscribed := b.sub != nil
	b.generation++
	b.state = StateInactive
	b.loading = false
	sub, unwatch := b.sub, b.unwatch
	b.sub, b.unwatch = nil, nil
	ownerID := b.ownerID
	b.ownerID = ""
	if clear {
		b.todos = []*model.Todo{}
	}
	b.mu.Unlock()

	if sub != nil {
		sub.Unsubscribe()
	}
	if unwatch != nil {
		unwatch()
	}
	if wasSubscribed && b.metrics != nil {
		b.metrics.RecordLiveBindingDeactivated()
	}
	b.logger.Debug("live binding deactivated", slog.String("user_id", ownerID))
	b.changed()
}

func (b *Binding) onSession(gen uint64, st session.State) {
	b.mu.Lock()
	ownerID := b.ownerID
	current := b.generation == gen
	b.mu.Unlock()
	if !current {
		return
	}
	if st.User == nil || st.User.ID != ownerID {
		b.deactivate(gen, true)
	}
}

func (b *Binding) applySnapshot(gen uint64, todos []*model.Todo) {
	b.mu.Lock()
	if b.generation != gen || b.state == StateInactive {
		b.mu.Unlock()
		return
	}
	next := make([]*model.Todo, 0, len(todos))
	for _, t := range todos {
		if t.OwnerID != b.ownerID {
			b.logger.Warn("dropping todo of another owner from snapshot",
				slog.String("todo_id", t.ID),
			)
			continue
		}
		next = append(next, t.Clone())
	}
	b.todos = next
	b.state = StateActive
	b.loading = false
	b.mu.Unlock()

	if b.metrics != nil {
		b.metrics.RecordSnapshot(len(next))
	}
	b.changed()
}

func (b *Binding) applyError(gen uint64, err error) {
	b.mu.Lock()
	if b.generation != gen {
		b.mu.Unlock()
		return
	}
	b.loading = false
	ownerID := b.ownerID
	b.mu.Unlock()

	b.logger.Error("live query push failed",
		slog.String("user_id", ownerID),
		slog.String("error", err.Error()),
	)
	b.changed()
}

// Create は新しいTODOを作成し、作成したTODOを返す。
// 失敗した場合は通知を送り、nilを返す。再試行はしない。
func (b *Binding) Create(ctx context.Context, draft model.TodoDraft) *model.Todo {
	done := b.begin()
	defer done()

	ownerID, err := b.currentOwner()
	if err == nil {
		var todo *model.Todo
		todo, err = b.writer.Create(ctx, ownerID, draft)
		if err == nil {
			return todo
		}
	}
	b.fail("create", TitleCreateFailed, err)
	return nil
}

// Update は指定したTODOを部分更新する。失敗した場合は通知を送る。
func (b *Binding) Update(ctx context.Context, id string, patch model.TodoPatch) {
	done := b.begin()
	defer done()

	ownerID, err := b.currentOwner()
	if err == nil {
		if _, err = b.writer.Update(ctx, ownerID, id, patch); err == nil {
			return
		}
	}
	b.fail("update", TitleUpdateFailed, err)
}

// Delete は指定したTODOを削除する。一覧にないIDでも削除は発行する。
// 失敗した場合は通知を送る。
func (b *Binding) Delete(ctx context.Context, id string) {
	done := b.begin()
	defer done()

	ownerID, err := b.currentOwner()
	if err == nil {
		if err = b.writer.Delete(ctx, ownerID, id); err == nil {
			return
		}
	}
	b.fail("delete", TitleDeleteFailed, err)
}

// Todos は現在の一覧のコピーを返す。
func (b *Binding) Todos() []*model.Todo {
	return b.View().Todos
}

// Busy は実行中の書き込みがあるかを返す。
func (b *Binding) Busy() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.inflight > 0
}

// Loading は初回スナップショットの待機中または適用中かを返す。
func (b *Binding) Loading() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.loading
}

// State はバインディングの状態を返す。
func (b *Binding) State() BindingState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// View は公開状態をまとめて返す。
func (b *Binding) View() View {
	b.mu.Lock()
	defer b.mu.Unlock()
	todos := make([]*model.Todo, len(b.todos))
	for i, t := range b.todos {
		todos[i] = t.Clone()
	}
	return View{
		Todos:   todos,
		Loading: b.loading,
		Busy:    b.inflight > 0,
		State:   b.state,
	}
}

// currentOwner は書き込み時点のセッションのユーザーIDを返す。
func (b *Binding) currentOwner() (string, error) {
	user := b.session.User()
	if user == nil {
		return "", model.NewUnauthorizedError()
	}
	return user.ID, nil
}

// begin は実行中の書き込み数を1増やし、1減らす関数を返す。
func (b *Binding) begin() func() {
	b.mu.Lock()
	b.inflight++
	b.mu.Unlock()
	b.changed()

	return func() {
		b.mu.Lock()
		b.inflight--
		b.mu.Unlock()
		b.changed()
	}
}

func (b *Binding) fail(op, title string, err error) {
	b.logger.Error("todo write failed",
		slog.String("op", op),
		slog.String("error", err.Error()),
	)
	if b.metrics != nil {
		b.metrics.RecordWriteFailure(op)
	}
	b.notifier.Notify(notify.Failure(title, err))
}

func (b *Binding) changed() {
	if b.onChange != nil {
		b.onChange()
	}
}
