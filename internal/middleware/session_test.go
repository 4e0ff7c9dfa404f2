package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/hitoshi/todoman/internal/model"
)

type mockSessionLookup struct {
	lookupFn func(ctx context.Context, id string) (*model.Session, error)
}

func (m *mockSessionLookup) LookupSession(ctx context.Context, id string) (*model.Session, error) {
	if m.lookupFn != nil {
		return m.lookupFn(ctx, id)
	}
	return nil, nil
}

// aliceLookup は"sess-alice"だけを有効なセッションとして扱う。
func aliceLookup() *mockSessionLookup {
	return &mockSessionLookup{
		lookupFn: func(ctx context.Context, id string) (*model.Session, error) {
			if id != "sess-alice" {
				return nil, nil
			}
			return &model.Session{
				ID:        id,
				UserID:    "alice",
				Method:    model.SessionMethodPassword,
				ExpiresAt: time.Now().Add(time.Hour),
			}, nil
		},
	}
}

func TestSessionMiddleware_ValidSession_InjectsIdentity(t *testing.T) {
	var userID, sessionID string
	h := NewSessionMiddleware(aliceLookup())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var err error
		if userID, err = UserIDFromContext(r.Context()); err != nil {
			t.Errorf("UserIDFromContext: %v", err)
		}
		sessionID = SessionIDFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/todos", nil)
	req.AddCookie(&http.Cookie{Name: SessionCookieName, Value: "sess-alice"})
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if w.Code != http.StatusNoContent {
		t.Errorf("status = %d, want %d", w.Code, http.StatusNoContent)
	}
	if userID != "alice" || sessionID != "sess-alice" {
		t.Errorf("identity = %q/%q, want alice/sess-alice", userID, sessionID)
	}
}

func TestSessionMiddleware_Rejects(t *testing.T) {
	tests := []struct {
		name   string
		cookie *http.Cookie
		lookup *mockSessionLookup
	}{
		{"no cookie", nil, aliceLookup()},
		{"empty cookie", &http.Cookie{Name: SessionCookieName, Value: ""}, aliceLookup()},
		{"unknown or expired session", &http.Cookie{Name: SessionCookieName, Value: "sess-gone"}, aliceLookup()},
		{"lookup failure", &http.Cookie{Name: SessionCookieName, Value: "sess-alice"}, &mockSessionLookup{
			lookupFn: func(ctx context.Context, id string) (*model.Session, error) {
				return nil, context.DeadlineExceeded
			},
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewSessionMiddleware(tt.lookup)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				t.Fatal("handler should not be called")
			}))

			req := httptest.NewRequest(http.MethodGet, "/api/todos", nil)
			if tt.cookie != nil {
				req.AddCookie(tt.cookie)
			}
			w := httptest.NewRecorder()
			h.ServeHTTP(w, req)

			if w.Code != http.StatusUnauthorized {
				t.Fatalf("status = %d, want %d", w.Code, http.StatusUnauthorized)
			}
			var body ErrorResponseBody
			if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
				t.Fatalf("failed to decode body: %v", err)
			}
			if body.Code != model.ErrCodeUnauthorized || body.Category != model.CategoryAuth {
				t.Errorf("body = %+v", body)
			}
		})
	}
}

func TestResolveSession_SkipsLookupWithoutCookie(t *testing.T) {
	called := false
	lookup := &mockSessionLookup{
		lookupFn: func(ctx context.Context, id string) (*model.Session, error) {
			called = true
			return nil, nil
		},
	}

	if sess := ResolveSession(httptest.NewRequest(http.MethodGet, "/", nil), lookup); sess != nil {
		t.Errorf("session = %+v, want nil", sess)
	}
	if called {
		t.Error("lookup should not be called without a cookie")
	}
}

func TestResolveSession_ReturnsSession(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/todos", nil)
	req.AddCookie(&http.Cookie{Name: SessionCookieName, Value: "sess-alice"})

	sess := ResolveSession(req, aliceLookup())
	if sess == nil || sess.UserID != "alice" {
		t.Fatalf("session = %+v, want alice", sess)
	}
}

func TestContextHelpers(t *testing.T) {
	if _, err := UserIDFromContext(context.Background()); err == nil {
		t.Error("expected error for missing user ID")
	}
	if got := SessionIDFromContext(context.Background()); got != "" {
		t.Errorf("sessionID = %q, want empty", got)
	}

	if id, err := UserIDFromContext(ContextWithUserID(context.Background(), "bob")); err != nil || id != "bob" {
		t.Errorf("ContextWithUserID: id = %q, err = %v", id, err)
	}

	ctx := ContextWithSession(context.Background(), &model.Session{ID: "s-1", UserID: "u-1"})
	if id, _ := UserIDFromContext(ctx); id != "u-1" {
		t.Errorf("userID = %q, want u-1", id)
	}
	if got := SessionIDFromContext(ctx); got != "s-1" {
		t.Errorf("sessionID = %q, want s-1", got)
	}
}
