package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/todoman/internal/middleware"
	"github.com/hitoshi/todoman/internal/model"
)

// authedRequest はセッションミドルウェアを通過した状態のリクエストを組み立てる。
func authedRequest(method, target, body, userID string) *http.Request {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
	}
	ctx := middleware.ContextWithSession(req.Context(), testSession("sess-"+userID, userID))
	return req.WithContext(ctx)
}

func withID(r *http.Request, id string) *http.Request {
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add("id", id)
	return r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, rctx))
}

func TestTodoHandler_List_ReturnsOwnTodos(t *testing.T) {
	svc := newMockTodoService()
	svc.listFn = func(ctx context.Context, ownerID string) ([]*model.Todo, error) {
		if ownerID != "alice" {
			t.Errorf("ownerID = %q, want alice", ownerID)
		}
		return []*model.Todo{{ID: "t-1", Title: "牛乳を買う", OwnerID: "alice"}}, nil
	}
	h := NewTodoHandler(svc)

	w := httptest.NewRecorder()
	h.List(w, authedRequest(http.MethodGet, "/api/todos", "", "alice"))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	var resp todoListResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode: %v", err)
	}
	if len(resp.Todos) != 1 || resp.Todos[0].ID != "t-1" {
		t.Errorf("todos = %+v", resp.Todos)
	}
}

func TestTodoHandler_List_EmptyIsArray(t *testing.T) {
	h := NewTodoHandler(newMockTodoService())

	w := httptest.NewRecorder()
	h.List(w, authedRequest(http.MethodGet, "/api/todos", "", "alice"))

	if !strings.Contains(w.Body.String(), `"todos":[]`) {
		t.Errorf("body = %s, want empty array", w.Body.String())
	}
}

func TestTodoHandler_List_WithoutUser_Returns401(t *testing.T) {
	h := NewTodoHandler(newMockTodoService())

	w := httptest.NewRecorder()
	h.List(w, httptest.NewRequest(http.MethodGet, "/api/todos", nil))

	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", w.Code, http.StatusUnauthorized)
	}
}

func TestTodoHandler_Create_Returns201(t *testing.T) {
	svc := newMockTodoService()
	var gotDraft model.TodoDraft
	svc.createFn = func(ctx context.Context, ownerID string, draft model.TodoDraft) (*model.Todo, error) {
		gotDraft = draft
		return &model.Todo{ID: "t-new", Title: draft.Title, OwnerID: ownerID}, nil
	}
	h := NewTodoHandler(svc)

	w := httptest.NewRecorder()
	h.Create(w, authedRequest(http.MethodPost, "/api/todos", `{"title":"散歩","description":"30分"}`, "alice"))

	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusCreated)
	}
	if gotDraft.Title != "散歩" || gotDraft.Description != "30分" {
		t.Errorf("draft = %+v", gotDraft)
	}
	var todo model.Todo
	if err := json.NewDecoder(w.Body).Decode(&todo); err != nil {
		t.Fatalf("failed to decode: %v", err)
	}
	if todo.OwnerID != "alice" || todo.IsComplete {
		t.Errorf("todo = %+v", todo)
	}
}

func TestTodoHandler_Create_RejectsClientOwnedFields(t *testing.T) {
	h := NewTodoHandler(newMockTodoService())

	w := httptest.NewRecorder()
	h.Create(w, authedRequest(http.MethodPost, "/api/todos", `{"title":"x","ownerId":"mallory"}`, "alice"))

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", w.Code, http.StatusBadRequest)
	}
}

func TestTodoHandler_Create_ValidationError_Returns400(t *testing.T) {
	svc := newMockTodoService()
	svc.createFn = func(ctx context.Context, ownerID string, draft model.TodoDraft) (*model.Todo, error) {
		return nil, model.NewInvalidTodoError("title is required")
	}
	h := NewTodoHandler(svc)

	w := httptest.NewRecorder()
	h.Create(w, authedRequest(http.MethodPost, "/api/todos", `{"title":""}`, "alice"))

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", w.Code, http.StatusBadRequest)
	}
}

func TestTodoHandler_Update_PassesPartialPatch(t *testing.T) {
	svc := newMockTodoService()
	var gotID string
	var gotPatch model.TodoPatch
	svc.updateFn = func(ctx context.Context, ownerID, id string, patch model.TodoPatch) (*model.Todo, error) {
		gotID, gotPatch = id, patch
		return &model.Todo{ID: id}, nil
	}
	h := NewTodoHandler(svc)

	req := withID(authedRequest(http.MethodPatch, "/api/todos/t-1", `{"isComplete":true}`, "alice"), "t-1")
	w := httptest.NewRecorder()
	h.Update(w, req)

	if w.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusNoContent)
	}
	if gotID != "t-1" {
		t.Errorf("id = %q, want t-1", gotID)
	}
	if gotPatch.IsComplete == nil || !*gotPatch.IsComplete {
		t.Error("expected isComplete=true in patch")
	}
	if gotPatch.Title != nil || gotPatch.Description != nil {
		t.Error("unspecified fields must stay nil")
	}
}

func TestTodoHandler_Update_NotFound_Returns404(t *testing.T) {
	svc := newMockTodoService()
	svc.updateFn = func(ctx context.Context, ownerID, id string, patch model.TodoPatch) (*model.Todo, error) {
		return nil, model.NewTodoNotFoundError(id)
	}
	h := NewTodoHandler(svc)

	req := withID(authedRequest(http.MethodPatch, "/api/todos/nope", `{"title":"x"}`, "alice"), "nope")
	w := httptest.NewRecorder()
	h.Update(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want %d", w.Code, http.StatusNotFound)
	}
}

func TestTodoHandler_Delete_Returns204(t *testing.T) {
	svc := newMockTodoService()
	var gotOwner, gotID string
	svc.deleteFn = func(ctx context.Context, ownerID, id string) error {
		gotOwner, gotID = ownerID, id
		return nil
	}
	h := NewTodoHandler(svc)

	req := withID(authedRequest(http.MethodDelete, "/api/todos/t-9", "", "alice"), "t-9")
	w := httptest.NewRecorder()
	h.Delete(w, req)

	if w.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusNoContent)
	}
	if gotOwner != "alice" || gotID != "t-9" {
		t.Errorf("delete(%q, %q), want (alice, t-9)", gotOwner, gotID)
	}
}

func TestTodoHandler_Delete_UnexpectedError_Returns500(t *testing.T) {
	svc := newMockTodoService()
	svc.deleteFn = func(ctx context.Context, ownerID, id string) error {
		return errors.New("boom")
	}
	h := NewTodoHandler(svc)

	req := withID(authedRequest(http.MethodDelete, "/api/todos/t-9", "", "alice"), "t-9")
	w := httptest.NewRecorder()
	h.Delete(w, req)

	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want %d", w.Code, http.StatusInternalServerError)
	}
	if !strings.Contains(w.Body.String(), "INTERNAL_ERROR") {
		t.Errorf("body = %s, want INTERNAL_ERROR", w.Body.String())
	}
}
