package auth

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
)

const (
	defaultFacebookAuthURL     = "https://www.facebook.com/v19.0/dialog/oauth"
	defaultFacebookTokenURL    = "https://graph.facebook.com/v19.0/oauth/access_token"
	defaultFacebookUserInfoURL = "https://graph.facebook.com/v19.0/me"
)

// ProviderFacebook はFacebookプロバイダーの名前。
const ProviderFacebook = "facebook"

// FacebookOAuthConfig はFacebook Loginの設定。
type FacebookOAuthConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string

	// テスト用にオーバーライド可能なURLとクライアント
	AuthURL     string
	TokenURL    string
	UserInfoURL string
	HTTPClient  *http.Client
}

// FacebookOAuthProvider はFacebook Login（OAuth 2.0）による認証を提供する。
type FacebookOAuthProvider struct {
	config FacebookOAuthConfig
}

// NewFacebookOAuthProvider はFacebookOAuthProviderを生成する。
func NewFacebookOAuthProvider(config FacebookOAuthConfig) *FacebookOAuthProvider {
	if config.AuthURL == "" {
		config.AuthURL = defaultFacebookAuthURL
	}
	if config.TokenURL == "" {
		config.TokenURL = defaultFacebookTokenURL
	}
	if config.UserInfoURL == "" {
		config.UserInfoURL = defaultFacebookUserInfoURL
	}
	if config.HTTPClient == nil {
		config.HTTPClient = defaultProviderClient()
	}
	return &FacebookOAuthProvider{config: config}
}

// Name はプロバイダー名を返す。
func (p *FacebookOAuthProvider) Name() string {
	return ProviderFacebook
}

// GetLoginURL はFacebookのログインダイアログURLを返す。
func (p *FacebookOAuthProvider) GetLoginURL(state string) string {
	return authCodeURL(p.config.AuthURL, p.config.ClientID, p.config.RedirectURL, "email,public_profile", state)
}

type facebookUserInfo struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
}

// ExchangeCode は認可コードをアクセストークンに交換し、Graph APIの/meでユーザー情報を取得する。
// Facebookのトークンエンドポイントはクエリパラメーター付きのGETを受け付ける。
func (p *FacebookOAuthProvider) ExchangeCode(ctx context.Context, code string) (*OAuthUserInfo, error) {
	tokenParams := url.Values{
		"client_id":     {p.config.ClientID},
		"client_secret": {p.config.ClientSecret},
		"redirect_uri":  {p.config.RedirectURL},
		"code":          {code},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.config.TokenURL+"?"+tokenParams.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build facebook token request: %w", err)
	}
	accessToken, err := fetchAccessToken(p.config.HTTPClient, req)
	if err != nil {
		return nil, err
	}

	meParams := url.Values{
		"fields":       {"id,name,email"},
		"access_token": {accessToken},
	}
	req, err = http.NewRequestWithContext(ctx, http.MethodGet, p.config.UserInfoURL+"?"+meParams.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build facebook profile request: %w", err)
	}

	var info facebookUserInfo
	if err := fetchProfile(p.config.HTTPClient, req, &info); err != nil {
		return nil, err
	}
	if info.ID == "" {
		return nil, fmt.Errorf("empty id in user info response")
	}

	return &OAuthUserInfo{
		Provider:       ProviderFacebook,
		ProviderUserID: info.ID,
		Email:          info.Email,
		Name:           info.Name,
	}, nil
}

var _ OAuthProvider = (*FacebookOAuthProvider)(nil)
