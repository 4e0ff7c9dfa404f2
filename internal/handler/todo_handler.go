package handler

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/todoman/internal/middleware"
	"github.com/hitoshi/todoman/internal/model"
)

// TodoServiceInterface はTODOハンドラーが必要とするサービスインターフェース。
type TodoServiceInterface interface {
	Create(ctx context.Context, ownerID string, draft model.TodoDraft) (*model.Todo, error)
	Update(ctx context.Context, ownerID, id string, patch model.TodoPatch) (*model.Todo, error)
	Delete(ctx context.Context, ownerID, id string) error
	List(ctx context.Context, ownerID string) ([]*model.Todo, error)
}

// TodoHandler はTODOのREST APIハンドラー。
// すべての操作はセッションのユーザーIDで絞り込まれる。
type TodoHandler struct {
	service TodoServiceInterface
}

// NewTodoHandler はTodoHandlerを生成する。
func NewTodoHandler(service TodoServiceInterface) *TodoHandler {
	return &TodoHandler{service: service}
}

type todoListResponse struct {
	Todos []*model.Todo `json:"todos"`
}

// List はログイン中のユーザーのTODO一覧を返す。
// GET /api/todos
func (h *TodoHandler) List(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}

	todos, err := h.service.List(r.Context(), userID)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	if todos == nil {
		todos = []*model.Todo{}
	}

	writeJSON(w, http.StatusOK, todoListResponse{Todos: todos})
}

// Create はTODOを作成する。
// POST /api/todos
func (h *TodoHandler) Create(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}

	var draft model.TodoDraft
	if !decodeJSON(w, r, &draft) {
		return
	}

	todo, err := h.service.Create(r.Context(), userID, draft)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, todo)
}

// Update はTODOを部分更新する。
// PATCH /api/todos/{id}
func (h *TodoHandler) Update(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}
	id := chi.URLParam(r, "id")

	var patch model.TodoPatch
	if !decodeJSON(w, r, &patch) {
		return
	}

	if _, err := h.service.Update(r.Context(), userID, id, patch); err != nil {
		handleServiceError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// Delete はTODOを削除する。
// DELETE /api/todos/{id}
func (h *TodoHandler) Delete(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}
	id := chi.URLParam(r, "id")

	if err := h.service.Delete(r.Context(), userID, id); err != nil {
		handleServiceError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// requireUserID はセッションミドルウェアが注入したユーザーIDを取り出す。
// 取り出せない場合は401を書き込んでfalseを返す。
func requireUserID(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		writeAPIErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
		return "", false
	}
	return userID, true
}
