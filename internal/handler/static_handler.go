package handler

import (
	"net/http"
	"os"
	"path"
	"path/filepath"
)

const indexFile = "index.html"

// StaticHandler はアプリケーションシェル（SPAの静的ファイル）を配信する。
// 存在しないパスにはindex.htmlを返し、クライアント側のルーティングに任せる。
type StaticHandler struct {
	dir string
}

// NewStaticHandler はdir配下を配信するStaticHandlerを生成する。
func NewStaticHandler(dir string) *StaticHandler {
	return &StaticHandler{dir: dir}
}

// ServeHTTP は静的ファイルまたはindex.htmlを返す。
func (h *StaticHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// path.Cleanで".."を除去してからdir配下に解決する
	name := filepath.Join(h.dir, filepath.FromSlash(path.Clean("/"+r.URL.Path)))

	if info, err := os.Stat(name); err == nil && info.Mode().IsRegular() {
		http.ServeFile(w, r, name)
		return
	}

	index := filepath.Join(h.dir, indexFile)
	if _, err := os.Stat(index); err != nil {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Cache-Control", "no-cache")
	http.ServeFile(w, r, index)
}
