package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hitoshi/todoman/internal/middleware"
	"github.com/hitoshi/todoman/internal/model"
	"github.com/hitoshi/todoman/internal/notify"
	"github.com/hitoshi/todoman/internal/session"
	"github.com/hitoshi/todoman/internal/todo"
)

// ライブ接続の送受信パラメータ。
const (
	liveWriteWait    = 10 * time.Second
	liveMaxFrameSize = 16 << 10
	liveToastBuffer  = 16
	defaultLivePing  = 30 * time.Second
	defaultLiveCheck = time.Minute
)

// フレームの種類。
const (
	liveFrameSnapshot = "snapshot"
	liveFrameState    = "state"
	liveFrameToast    = "toast"
	liveFrameSession  = "session"
	liveFrameCreate   = "create"
	liveFrameUpdate   = "update"
	liveFrameDelete   = "delete"
)

// LiveConfig はライブハンドラーの設定。
type LiveConfig struct {
	PingInterval         time.Duration
	SessionCheckInterval time.Duration
	// AllowedOrigins はWebSocketのハンドシェイクを受け付けるOrigin。
	// Originヘッダーのないリクエストは常に受け付ける。
	AllowedOrigins []string
	Metrics        todo.Metrics
	Logger         *slog.Logger
}

// LiveHandler はTODO一覧をWebSocketでライブに配信するハンドラー。
// 接続ごとにセッションストアとバインディングを1つずつ持つ。
type LiveHandler struct {
	writer   todo.Writer
	auth     session.AuthBackend
	users    session.UserStore
	lookup   middleware.SessionLookup
	config   LiveConfig
	upgrader websocket.Upgrader

	mu       sync.Mutex
	closing  bool
	shutdown chan struct{}
	active   sync.WaitGroup
}

// NewLiveHandler はLiveHandlerを生成する。
func NewLiveHandler(writer todo.Writer, auth session.AuthBackend, users session.UserStore, lookup middleware.SessionLookup, config LiveConfig) *LiveHandler {
	if config.PingInterval <= 0 {
		config.PingInterval = defaultLivePing
	}
	if config.SessionCheckInterval <= 0 {
		config.SessionCheckInterval = defaultLiveCheck
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	h := &LiveHandler{
		writer:   writer,
		auth:     auth,
		users:    users,
		lookup:   lookup,
		config:   config,
		shutdown: make(chan struct{}),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

// Shutdown は新しい接続の受け付けを止め、開いている接続にGoing Awayを送って閉じる。
// すべての接続がバインディングを解放するか、ctxが終了するまで待つ。
// http.Server.Shutdownはハイジャック済みの接続を待たないため、その後に呼ぶ。
func (h *LiveHandler) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	if !h.closing {
		h.closing = true
		close(h.shutdown)
	}
	h.mu.Unlock()

	drained := make(chan struct{})
	go func() {
		h.active.Wait()
		close(drained)
	}()

	select {
	case <-drained:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// track は接続を数に入れる。停止中ならfalseを返す。
func (h *LiveHandler) track() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closing {
		return false
	}
	h.active.Add(1)
	return true
}

func (h *LiveHandler) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range h.config.AllowedOrigins {
		if origin == allowed {
			return true
		}
	}
	h.config.Logger.Warn("live origin rejected", slog.String("origin", origin))
	return false
}

// サーバーから送るフレーム。
type snapshotFrame struct {
	Type    string        `json:"type"`
	Todos   []*model.Todo `json:"todos"`
	Loading bool          `json:"loading"`
}

type stateFrame struct {
	Type    string `json:"type"`
	Busy    bool   `json:"busy"`
	Loading bool   `json:"loading"`
	Active  bool   `json:"active"`
}

type toastFrame struct {
	Type string `json:"type"`
	notify.Notification
}

type sessionFrame struct {
	Type string      `json:"type"`
	User *model.User `json:"user"`
}

// clientFrame はクライアントから届くフレーム。
type clientFrame struct {
	Type  string           `json:"type"`
	Todo  *model.TodoDraft `json:"todo,omitempty"`
	ID    string           `json:"id,omitempty"`
	Patch *model.TodoPatch `json:"patch,omitempty"`
}

// ServeHTTP はセッションを復元してからWebSocketにアップグレードし、接続が閉じるまで配信する。
// GET /api/todos/live
func (h *LiveHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}
	sessionID := middleware.SessionIDFromContext(r.Context())
	logger := h.config.Logger.With(slog.String("user_id", userID))

	store := session.New(h.auth, h.users, logger)
	store.BindSession(sessionID)
	if err := store.RestoreSession(r.Context(), userID); err != nil {
		handleServiceError(w, err)
		return
	}
	if store.User() == nil {
		writeAPIErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
		return
	}

	if !h.track() {
		writeAPIErrorResponse(w, http.StatusServiceUnavailable, model.NewBackendUnavailableError())
		return
	}
	defer h.active.Done()

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgradeがエラーレスポンスを書き込み済み
		logger.Warn("failed to upgrade live connection", slog.String("error", err.Error()))
		return
	}

	lc := &liveConn{
		handler:   h,
		conn:      conn,
		store:     store,
		sessionID: sessionID,
		logger:    logger,
		dirty:     make(chan struct{}, 1),
		toasts:    make(chan notify.Notification, liveToastBuffer),
	}
	lc.binding = todo.NewBinding(h.writer, store, todo.BindingConfig{
		Notifier: notify.NotifierFunc(lc.enqueueToast),
		Metrics:  h.config.Metrics,
		Logger:   logger,
		OnChange: lc.markDirty,
	})

	lc.run(r.Context())
}

// liveConn は1本のWebSocket接続。
// 書き込みはwriteLoopのgoroutineだけが行う。
type liveConn struct {
	handler   *LiveHandler
	conn      *websocket.Conn
	store     *session.Store
	binding   *todo.Binding
	sessionID string
	logger    *slog.Logger

	dirty  chan struct{}
	toasts chan notify.Notification
	writes sync.WaitGroup
}

func (c *liveConn) run(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	if err := c.binding.Activate(); err != nil {
		c.logger.Warn("failed to activate live binding", slog.String("error", err.Error()))
		c.closeWith(websocket.ClosePolicyViolation, "unauthorized")
		_ = c.conn.Close()
		return
	}
	c.logger.Info("live connection opened")

	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		defer cancel()
		c.readLoop(ctx)
	}()

	c.markDirty()
	c.writeLoop(ctx)

	cancel()
	_ = c.conn.Close()
	<-readDone
	c.writes.Wait()
	c.binding.Deactivate()

	c.logger.Info("live connection closed")
}

// markDirty は次の書き込みループでスナップショットと状態を送るよう印を付ける。
func (c *liveConn) markDirty() {
	select {
	case c.dirty <- struct{}{}:
	default:
	}
}

func (c *liveConn) enqueueToast(n notify.Notification) {
	select {
	case c.toasts <- n:
	default:
		c.logger.Warn("dropping live toast", slog.String("title", n.Title))
	}
}

func (c *liveConn) writeLoop(ctx context.Context) {
	ping := time.NewTicker(c.handler.config.PingInterval)
	defer ping.Stop()
	check := time.NewTicker(c.handler.config.SessionCheckInterval)
	defer check.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-c.handler.shutdown:
			c.closeWith(websocket.CloseGoingAway, "server shutting down")
			return

		case <-c.dirty:
			view := c.binding.View()
			if err := c.writeJSON(snapshotFrame{Type: liveFrameSnapshot, Todos: view.Todos, Loading: view.Loading}); err != nil {
				c.logWriteError(err)
				return
			}
			if err := c.writeJSON(stateFrame{
				Type:    liveFrameState,
				Busy:    view.Busy,
				Loading: view.Loading,
				Active:  view.State == todo.StateActive,
			}); err != nil {
				c.logWriteError(err)
				return
			}

		case n := <-c.toasts:
			if err := c.writeJSON(toastFrame{Type: liveFrameToast, Notification: n}); err != nil {
				c.logWriteError(err)
				return
			}

		case <-ping.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(liveWriteWait)); err != nil {
				c.logWriteError(err)
				return
			}

		case <-check.C:
			if !c.sessionAlive(ctx) {
				c.endSession()
				return
			}
		}
	}
}

// sessionAlive はセッションがまだ有効かを確認する。
// バックエンドの失敗は接続を維持する。
func (c *liveConn) sessionAlive(ctx context.Context) bool {
	sess, err := c.handler.lookup.LookupSession(ctx, c.sessionID)
	if err != nil {
		c.logger.Warn("failed to re-validate live session", slog.String("error", err.Error()))
		return true
	}
	return sess != nil
}

// endSession はセッション消失をストアに反映し、クライアントに通知して接続を閉じる。
func (c *liveConn) endSession() {
	c.logger.Info("live session ended")
	c.store.SetUser(nil)

	if err := c.writeJSON(sessionFrame{Type: liveFrameSession, User: nil}); err != nil {
		c.logWriteError(err)
		return
	}
	c.closeWith(websocket.CloseNormalClosure, "session ended")
}

func (c *liveConn) closeWith(code int, text string) {
	msg := websocket.FormatCloseMessage(code, text)
	_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(liveWriteWait))
}

func (c *liveConn) writeJSON(v any) error {
	if err := c.conn.SetWriteDeadline(time.Now().Add(liveWriteWait)); err != nil {
		return err
	}
	return c.conn.WriteJSON(v)
}

func (c *liveConn) logWriteError(err error) {
	c.logger.Debug("live write failed", slog.String("error", err.Error()))
}

func (c *liveConn) readLoop(ctx context.Context) {
	pongWait := 2 * c.handler.config.PingInterval
	c.conn.SetReadLimit(liveMaxFrameSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Debug("live read failed", slog.String("error", err.Error()))
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))

		var frame clientFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			c.logger.Debug("ignoring malformed live frame", slog.String("error", err.Error()))
			continue
		}
		c.dispatch(ctx, frame)
	}
}

// dispatch はクライアントの書き込みフレームをバインディングに渡す。
// 書き込みは並行に実行し、読み込みを止めない。
func (c *liveConn) dispatch(ctx context.Context, frame clientFrame) {
	var op func()
	switch frame.Type {
	case liveFrameCreate:
		draft := model.TodoDraft{}
		if frame.Todo != nil {
			draft = *frame.Todo
		}
		op = func() { c.binding.Create(ctx, draft) }
	case liveFrameUpdate:
		patch := model.TodoPatch{}
		if frame.Patch != nil {
			patch = *frame.Patch
		}
		op = func() { c.binding.Update(ctx, frame.ID, patch) }
	case liveFrameDelete:
		op = func() { c.binding.Delete(ctx, frame.ID) }
	default:
		c.logger.Debug("ignoring unknown live frame", slog.String("type", frame.Type))
		return
	}

	c.writes.Add(1)
	go func() {
		defer c.writes.Done()
		op()
	}()
}
