// Package guard はナビゲーション時にログイン状態を確認し、
// 未ログインの利用者を非公開ページからログインページへ誘導する。
package guard

import (
	"log/slog"
	"net/http"

	"github.com/hitoshi/todoman/internal/middleware"
	"github.com/hitoshi/todoman/internal/session"
)

// DefaultLoginPath はリダイレクト先の既定値。
const DefaultLoginPath = "/auth/login"

// DefaultPublicRoutes はログインなしで表示できるパスの既定値。
var DefaultPublicRoutes = []string{"/auth/login", "/auth/register"}

// Decide はパスとセッションの状態から遷移先を決める。
// リダイレクトが必要な場合はloginPathとtrue、そのまま表示する場合は""とfalseを返す。
//
// セッションが解決中（loading）の間はリダイレクトしない。
// 公開パスはパス文字列の完全一致で判定する。
func Decide(path string, st session.State, publicRoutes []string, loginPath string) (string, bool) {
	if isPublic(path, publicRoutes) {
		return "", false
	}
	if st.Loading || st.User != nil {
		return "", false
	}
	return loginPath, true
}

func isPublic(path string, publicRoutes []string) bool {
	for _, p := range publicRoutes {
		if p == path {
			return true
		}
	}
	return false
}

// Config はGuardの設定。
type Config struct {
	LoginPath    string
	PublicRoutes []string
	Logger       *slog.Logger
}

// Guard はナビゲーションリクエストごとにセッションストアを生成して状態を解決し、
// Decideに従ってリダイレクトする。
type Guard struct {
	auth   session.AuthBackend
	users  session.UserStore
	lookup middleware.SessionLookup
	config Config
}

// New はGuardを生成する。未設定の項目は既定値を使う。
func New(auth session.AuthBackend, users session.UserStore, lookup middleware.SessionLookup, cfg Config) *Guard {
	if cfg.LoginPath == "" {
		cfg.LoginPath = DefaultLoginPath
	}
	if cfg.PublicRoutes == nil {
		cfg.PublicRoutes = DefaultPublicRoutes
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Guard{auth: auth, users: users, lookup: lookup, config: cfg}
}

// Resolve はリクエストのCookieからセッションストアを組み立てる。
// 有効なセッションがあればプロフィールドキュメントを読み込み、なければ未ログインとして確定させる。
// 返したストアのloadingは常にfalse。
func (g *Guard) Resolve(r *http.Request) *session.Store {
	store := session.New(g.auth, g.users, g.config.Logger)

	sess := middleware.ResolveSession(r, g.lookup)
	if sess == nil {
		store.SetLoading(false)
		return store
	}

	store.BindSession(sess.ID)
	// 失敗はストア内でログに残り、ユーザーはnilのままになる
	_ = store.RestoreSession(r.Context(), sess.UserID)
	return store
}

// Middleware はGET/HEADのナビゲーションに対してリダイレクト判定を行うミドルウェア。
func (g *Guard) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			next.ServeHTTP(w, r)
			return
		}

		st := g.Resolve(r).State()
		if location, redirect := Decide(r.URL.Path, st, g.config.PublicRoutes, g.config.LoginPath); redirect {
			g.config.Logger.Debug("redirecting to login",
				slog.String("path", r.URL.Path),
			)
			http.Redirect(w, r, location, http.StatusFound)
			return
		}

		next.ServeHTTP(w, r)
	})
}
