package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hitoshi/todoman/internal/middleware"
	"github.com/hitoshi/todoman/internal/model"
)

type liveFixture struct {
	svc    *mockAuthService
	users  *mockUserStore
	todos  *mockTodoService
	live   *LiveHandler
	server *httptest.Server
}

// newLiveFixture はセッションミドルウェアの後ろにライブハンドラーを置いたテストサーバーを起動する。
// lookupは"sess-alice"だけを有効なセッションとして扱う。
func newLiveFixture(t *testing.T, config LiveConfig) *liveFixture {
	t.Helper()
	f := &liveFixture{
		svc: &mockAuthService{
			lookupSessionFn: func(ctx context.Context, sessionID string) (*model.Session, error) {
				if sessionID == "sess-alice" {
					return testSession("sess-alice", "alice"), nil
				}
				return nil, nil
			},
		},
		users: newMockUserStore(testUser("alice")),
		todos: newMockTodoService(),
	}
	f.live = NewLiveHandler(f.todos, f.svc, f.users, f.svc, config)
	f.server = httptest.NewServer(middleware.NewSessionMiddleware(f.svc)(f.live))
	t.Cleanup(f.server.Close)
	return f
}

func (f *liveFixture) dial(t *testing.T, sessionID string, header http.Header) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	if header == nil {
		header = http.Header{}
	}
	if sessionID != "" {
		header.Set("Cookie", "session_id="+sessionID)
	}
	url := "ws" + strings.TrimPrefix(f.server.URL, "http")
	return websocket.DefaultDialer.Dial(url, header)
}

func (f *liveFixture) waitSubscribed(t *testing.T, ownerID string) *mockSubscription {
	t.Helper()
	select {
	case got := <-f.todos.subbed:
		if got != ownerID {
			t.Fatalf("subscribed owner = %q, want %q", got, ownerID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for subscription")
	}
	return f.todos.subscription(ownerID)
}

// readFrame は指定した種類で条件を満たすフレームが届くまで読み進める。
func readFrame(t *testing.T, conn *websocket.Conn, frameType string, match func(map[string]any) bool) map[string]any {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("failed to read %s frame: %v", frameType, err)
		}
		var frame map[string]any
		if err := json.Unmarshal(data, &frame); err != nil {
			t.Fatalf("invalid frame %s: %v", data, err)
		}
		if frame["type"] != frameType {
			continue
		}
		if match == nil || match(frame) {
			return frame
		}
	}
}

func frameTodoIDs(frame map[string]any) []string {
	raw, _ := frame["todos"].([]any)
	ids := make([]string, 0, len(raw))
	for _, item := range raw {
		if m, ok := item.(map[string]any); ok {
			ids = append(ids, m["id"].(string))
		}
	}
	return ids
}

func TestLiveHandler_StreamsSnapshots(t *testing.T) {
	f := newLiveFixture(t, LiveConfig{})

	conn, _, err := f.dial(t, "sess-alice", nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()

	sub := f.waitSubscribed(t, "alice")
	sub.onSnapshot([]*model.Todo{
		{ID: "t-1", Title: "a", OwnerID: "alice"},
		{ID: "t-2", Title: "b", OwnerID: "alice"},
	})

	frame := readFrame(t, conn, liveFrameSnapshot, func(m map[string]any) bool {
		return len(frameTodoIDs(m)) == 2
	})
	ids := frameTodoIDs(frame)
	if ids[0] != "t-1" || ids[1] != "t-2" {
		t.Errorf("ids = %v, want [t-1 t-2]", ids)
	}
	if frame["loading"] != false {
		t.Errorf("loading = %v, want false", frame["loading"])
	}

	readFrame(t, conn, liveFrameState, func(m map[string]any) bool {
		return m["active"] == true
	})
}

func TestLiveHandler_WriteFailure_SendsToast(t *testing.T) {
	f := newLiveFixture(t, LiveConfig{})
	f.todos.createFn = func(ctx context.Context, ownerID string, draft model.TodoDraft) (*model.Todo, error) {
		return nil, errors.New("quota exceeded")
	}

	conn, _, err := f.dial(t, "sess-alice", nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()
	f.waitSubscribed(t, "alice")

	if err := conn.WriteJSON(map[string]any{"type": "create", "todo": map[string]any{"title": "x"}}); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	toast := readFrame(t, conn, liveFrameToast, nil)
	if toast["title"] != "Create todo failed" {
		t.Errorf("title = %v, want %q", toast["title"], "Create todo failed")
	}
	if toast["description"] != "quota exceeded" {
		t.Errorf("description = %v, want %q", toast["description"], "quota exceeded")
	}
	if toast["color"] != "error" {
		t.Errorf("color = %v, want error", toast["color"])
	}
}

func TestLiveHandler_DeleteFrame_ReachesService(t *testing.T) {
	f := newLiveFixture(t, LiveConfig{})
	deleted := make(chan string, 1)
	f.todos.deleteFn = func(ctx context.Context, ownerID, id string) error {
		deleted <- ownerID + "/" + id
		return nil
	}

	conn, _, err := f.dial(t, "sess-alice", nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()
	f.waitSubscribed(t, "alice")

	if err := conn.WriteJSON(map[string]any{"type": "delete", "id": "t-7"}); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	select {
	case got := <-deleted:
		if got != "alice/t-7" {
			t.Errorf("deleted = %q, want alice/t-7", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("delete was not dispatched")
	}
}

func TestLiveHandler_SessionLoss_SendsNullUserAndCloses(t *testing.T) {
	f := newLiveFixture(t, LiveConfig{SessionCheckInterval: 20 * time.Millisecond})
	var revoked atomic.Bool
	f.svc.lookupSessionFn = func(ctx context.Context, sessionID string) (*model.Session, error) {
		if revoked.Load() || sessionID != "sess-alice" {
			return nil, nil
		}
		return testSession("sess-alice", "alice"), nil
	}

	conn, _, err := f.dial(t, "sess-alice", nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()
	sub := f.waitSubscribed(t, "alice")

	revoked.Store(true)

	frame := readFrame(t, conn, liveFrameSession, nil)
	if user, ok := frame["user"]; !ok || user != nil {
		t.Errorf("user = %v, want null", frame["user"])
	}

	// サーバーは接続を閉じる
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}

	deadline := time.Now().Add(2 * time.Second)
	for sub.releaseCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if got := sub.releaseCount(); got != 1 {
		t.Errorf("release count = %d, want 1", got)
	}
}

func TestLiveHandler_ClientClose_ReleasesSubscriptionOnce(t *testing.T) {
	f := newLiveFixture(t, LiveConfig{})

	conn, _, err := f.dial(t, "sess-alice", nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	sub := f.waitSubscribed(t, "alice")

	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for sub.releaseCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	// 解放後のスナップショットは無視される
	sub.onSnapshot([]*model.Todo{{ID: "late", OwnerID: "alice"}})

	if got := sub.releaseCount(); got != 1 {
		t.Errorf("release count = %d, want 1", got)
	}
}

func TestLiveHandler_Shutdown_ClosesOpenConnections(t *testing.T) {
	f := newLiveFixture(t, LiveConfig{})

	conn, _, err := f.dial(t, "sess-alice", nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()
	sub := f.waitSubscribed(t, "alice")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := f.live.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}

	// Shutdownが戻った時点でバインディングは解放済み
	if got := sub.releaseCount(); got != 1 {
		t.Errorf("release count = %d, want 1", got)
	}

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var closeErr *websocket.CloseError
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if !errors.As(err, &closeErr) {
				t.Fatalf("read error = %v, want close frame", err)
			}
			break
		}
	}
	if closeErr.Code != websocket.CloseGoingAway {
		t.Errorf("close code = %d, want %d", closeErr.Code, websocket.CloseGoingAway)
	}
}

func TestLiveHandler_AfterShutdown_Returns503(t *testing.T) {
	f := newLiveFixture(t, LiveConfig{})
	if err := f.live.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}

	_, resp, err := f.dial(t, "sess-alice", nil)
	if err == nil {
		t.Fatal("expected dial to fail after shutdown")
	}
	if resp == nil || resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("response = %+v, want 503", resp)
	}
	select {
	case owner := <-f.todos.subbed:
		t.Errorf("unexpected subscription for %q", owner)
	default:
	}
}

func TestLiveHandler_WithoutSession_Returns401(t *testing.T) {
	f := newLiveFixture(t, LiveConfig{})

	_, resp, err := f.dial(t, "", nil)
	if err == nil {
		t.Fatal("expected dial to fail without a session")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("response = %+v, want 401", resp)
	}
}

func TestLiveHandler_MissingProfile_Returns401(t *testing.T) {
	f := newLiveFixture(t, LiveConfig{})
	f.users.getFn = func(ctx context.Context, id string) (*model.User, error) {
		return nil, nil
	}

	_, resp, err := f.dial(t, "sess-alice", nil)
	if err == nil {
		t.Fatal("expected dial to fail without a profile document")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("response = %+v, want 401", resp)
	}
}

func TestLiveHandler_RejectsForeignOrigin(t *testing.T) {
	f := newLiveFixture(t, LiveConfig{AllowedOrigins: []string{"http://localhost:3000"}})

	header := http.Header{}
	header.Set("Origin", "http://evil.example.com")
	_, resp, err := f.dial(t, "sess-alice", header)
	if err == nil {
		t.Fatal("expected dial to fail for a foreign origin")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Errorf("response = %+v, want 403", resp)
	}
}

func TestLiveHandler_AllowsConfiguredOrigin(t *testing.T) {
	f := newLiveFixture(t, LiveConfig{AllowedOrigins: []string{"http://localhost:3000"}})

	header := http.Header{}
	header.Set("Origin", "http://localhost:3000")
	conn, _, err := f.dial(t, "sess-alice", header)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	conn.Close()
}
