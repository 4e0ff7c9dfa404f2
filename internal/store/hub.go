package store

import (
	"sync"
)

// Hub は所有者IDごとの変更通知をプロセス内の購読者に配信する。
// 通知は「変更があった」ことのみを伝え、購読者はスナップショットを再取得する。
// 各購読者のチャネルはバッファ1で、未処理の通知は1件にまとめられる。
type Hub struct {
	mu       sync.Mutex
	watchers map[string]map[*watcher]struct{}
}

type watcher struct {
	ch chan struct{}
}

// NewHub はHubを生成する。
func NewHub() *Hub {
	return &Hub{watchers: make(map[string]map[*watcher]struct{})}
}

// Watch は所有者の変更通知チャネルと、登録を解除する関数を返す。
// 解除関数は何度呼んでもよく、解除後にチャネルはクローズされる。
func (h *Hub) Watch(ownerID string) (<-chan struct{}, func()) {
	w := &watcher{ch: make(chan struct{}, 1)}

	h.mu.Lock()
	set, ok := h.watchers[ownerID]
	if !ok {
		set = make(map[*watcher]struct{})
		h.watchers[ownerID] = set
	}
	set[w] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return w.ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if set, ok := h.watchers[ownerID]; ok {
				delete(set, w)
				if len(set) == 0 {
					delete(h.watchers, ownerID)
				}
			}
			close(w.ch)
		})
	}
}

// Publish は所有者の全購読者に変更を通知する。ブロックしない。
func (h *Hub) Publish(ownerID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for w := range h.watchers[ownerID] {
		notify(w)
	}
}

// PublishAll は全購読者に変更を通知する。
// LISTEN接続の再接続後など、通知を取りこぼした可能性がある場合に使う。
func (h *Hub) PublishAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, set := range h.watchers {
		for w := range set {
			notify(w)
		}
	}
}

// WatcherCount は登録中の購読者数を返す。
func (h *Hub) WatcherCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, set := range h.watchers {
		n += len(set)
	}
	return n
}

// notify はh.muを保持した状態で呼ぶ。解除済みのwatcherは集合に含まれないため、
// クローズ済みチャネルへの送信は起こらない。
func notify(w *watcher) {
	select {
	case w.ch <- struct{}{}:
	default:
	}
}
