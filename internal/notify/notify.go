// Package notify は利用者に表示する通知（トースト）のメッセージを定義する。
// 表示はクライアントの責務で、このパッケージはメッセージの組み立てと配送先の抽象化のみを扱う。
package notify

import (
	"errors"

	"github.com/hitoshi/todoman/internal/model"
)

// UnknownError は失敗にメッセージがない場合の説明文。
const UnknownError = "Unknown error"

// ColorError は失敗通知の表示色。
const ColorError = "error"

// Notification は1件の通知。
type Notification struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Color       string `json:"color"`
}

// Notifier は通知の配送先。
type Notifier interface {
	Notify(n Notification)
}

// NotifierFunc は関数をNotifierとして扱う。
type NotifierFunc func(Notification)

// Notify はf(n)を呼ぶ。
func (f NotifierFunc) Notify(n Notification) {
	f(n)
}

// Discard は通知を捨てるNotifier。
var Discard Notifier = NotifierFunc(func(Notification) {})

// Describe は失敗の説明文を返す。
// APIErrorの場合はコードを除いたメッセージ、それ以外はError()の値、
// どちらも空の場合はUnknownErrorを返す。
func Describe(err error) string {
	if err == nil {
		return UnknownError
	}
	var apiErr *model.APIError
	if errors.As(err, &apiErr) && apiErr.Message != "" {
		return apiErr.Message
	}
	if msg := err.Error(); msg != "" {
		return msg
	}
	return UnknownError
}

// Failure は固定タイトルと失敗の説明文からなる失敗通知を組み立てる。
func Failure(title string, err error) Notification {
	return Notification{
		Title:       title,
		Description: Describe(err),
		Color:       ColorError,
	}
}
