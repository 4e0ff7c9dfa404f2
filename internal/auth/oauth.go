package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/hitoshi/todoman/internal/security"
)

// 外部IdPへのリクエストのタイムアウト。
const providerHTTPTimeout = 10 * time.Second

// maxProviderResponseSize はIdPレスポンスの読み込み上限。
const maxProviderResponseSize = 1 << 20

// OAuthUserInfo はOAuthプロバイダーから取得したユーザー情報を表す。
type OAuthUserInfo struct {
	ProviderUserID string
	Email          string
	Name           string
	Provider       string // "google", "facebook"
}

// OAuthProvider はOAuth認証プロバイダーのインターフェース。
type OAuthProvider interface {
	// Name はプロバイダー名（URLパスの{provider}と一致する）を返す。
	Name() string
	// GetLoginURL はOAuth認証URLを生成する。
	GetLoginURL(state string) string
	// ExchangeCode は認可コードをトークンに交換し、ユーザー情報を取得する。
	ExchangeCode(ctx context.Context, code string) (*OAuthUserInfo, error)
}

// defaultProviderClient はSSRF防止付きのHTTPクライアントを返す。
func defaultProviderClient() *http.Client {
	return security.NewSafeClient(providerHTTPTimeout)
}

// doJSON はリクエストを送信し、200応答のボディをoutにデコードする。
func doJSON(client *http.Client, req *http.Request, out any) error {
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxProviderResponseSize))
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("request failed with status %d: %s", resp.StatusCode, string(body))
	}

	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}

// authCodeURL は認可コードフローの同意画面URLを組み立てる。
func authCodeURL(endpoint, clientID, redirectURL, scope, state string) string {
	params := url.Values{
		"client_id":     {clientID},
		"redirect_uri":  {redirectURL},
		"response_type": {"code"},
		"scope":         {scope},
		"state":         {state},
	}
	return endpoint + "?" + params.Encode()
}

type accessTokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
}

// fetchAccessToken はトークンエンドポイントへのreqを送り、アクセストークンを取り出す。
func fetchAccessToken(client *http.Client, req *http.Request) (string, error) {
	var token accessTokenResponse
	if err := doJSON(client, req, &token); err != nil {
		return "", fmt.Errorf("failed to exchange token: %w", err)
	}
	if token.AccessToken == "" {
		return "", errors.New("empty access token in response")
	}
	return token.AccessToken, nil
}

// fetchProfile はプロフィールエンドポイントへのreqを送り、outにデコードする。
func fetchProfile(client *http.Client, req *http.Request, out any) error {
	if err := doJSON(client, req, out); err != nil {
		return fmt.Errorf("failed to fetch user info: %w", err)
	}
	return nil
}
