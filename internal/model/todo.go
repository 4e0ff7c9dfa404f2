package model

import "time"

// Todo はユーザーが所有する1件のTODOを表す。
// OwnerIDは作成時に設定され、以後変更されない。
type Todo struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	IsComplete  bool      `json:"isComplete"`
	OwnerID     string    `json:"ownerId"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// TodoDraft は作成リクエストでクライアントが指定できるフィールド。
// ID、IsComplete、OwnerIDはサーバー側で決定する。
type TodoDraft struct {
	Title       string `json:"title"`
	Description string `json:"description"`
}

// TodoPatch は部分更新のフィールド。nilのフィールドは変更しない。
type TodoPatch struct {
	Title       *string `json:"title,omitempty"`
	Description *string `json:"description,omitempty"`
	IsComplete  *bool   `json:"isComplete,omitempty"`
}

// IsEmpty は更新対象のフィールドが1つもない場合にtrueを返す。
func (p TodoPatch) IsEmpty() bool {
	return p.Title == nil && p.Description == nil && p.IsComplete == nil
}

// Apply はパッチをTodoにマージする。ID・OwnerIDには触れない。
func (t *Todo) Apply(p TodoPatch, now time.Time) {
	if p.Title != nil {
		t.Title = *p.Title
	}
	if p.Description != nil {
		t.Description = *p.Description
	}
	if p.IsComplete != nil {
		t.IsComplete = *p.IsComplete
	}
	t.UpdatedAt = now
}

// Clone はTodoのコピーを返す。スナップショットを呼び出し側に渡す際に使う。
func (t *Todo) Clone() *Todo {
	c := *t
	return &c
}
