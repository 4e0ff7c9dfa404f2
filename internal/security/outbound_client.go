package security

import (
	"net/http"
	"time"

	"github.com/doyensec/safeurl"
)

// allowedSchemes は外部IdPへのリクエストで許可されるURLスキーム。
var allowedSchemes = []string{"https"}

// NewSafeClient は外部IdPのトークン・ユーザー情報エンドポイント呼び出し用のHTTPクライアントを生成する。
// safeurlのデフォルト設定によりプライベートIP、ループバック、リンクローカル、
// メタデータIPへの接続はDNS解決後にブロックされる。
// IdPのURLは設定で差し替え可能なため、誤設定で内部ネットワークに到達しないようにする。
func NewSafeClient(timeout time.Duration) *http.Client {
	config := safeurl.GetConfigBuilder().
		SetTimeout(timeout).
		SetAllowedSchemes(allowedSchemes...).
		SetAllowedPorts(443).
		Build()

	wrappedClient := safeurl.Client(config)
	return wrappedClient.Client
}
