package model

import (
	"errors"
	"fmt"
)

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: auth, not_found, network, validation, system
	Action   string // ユーザー向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// エラーカテゴリ
const (
	CategoryAuth       = "auth"
	CategoryNotFound   = "not_found"
	CategoryNetwork    = "network"
	CategoryValidation = "validation"
	CategorySystem     = "system"
)

// 定義済みエラーコード
const (
	ErrCodeInvalidCredentials  = "INVALID_CREDENTIALS"
	ErrCodeAccountExists       = "ACCOUNT_EXISTS"
	ErrCodeProviderFailed      = "PROVIDER_FAILED"
	ErrCodeUnsupportedProvider = "UNSUPPORTED_PROVIDER"
	ErrCodeUnauthorized        = "UNAUTHORIZED"
	ErrCodeUserNotFound        = "USER_NOT_FOUND"
	ErrCodeTodoNotFound        = "TODO_NOT_FOUND"
	ErrCodeBackendUnavailable  = "BACKEND_UNAVAILABLE"
	ErrCodeInvalidTodo         = "INVALID_TODO"
	ErrCodeInvalidRequest      = "INVALID_REQUEST"
	ErrCodeWeakPassword        = "WEAK_PASSWORD"
	ErrCodeCSRFFailed          = "CSRF_FAILED"
	ErrCodeInternal            = "INTERNAL_ERROR"
	ErrCodeRateLimited         = "RATE_LIMIT_EXCEEDED"
)

// IsCategory はerrのチェーンに指定カテゴリのAPIErrorが含まれるかを判定する。
func IsCategory(err error, category string) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Category == category
	}
	return false
}

// NewInvalidCredentialsError はメールアドレスまたはパスワード不一致のエラーを生成する。
// どちらが誤っているかは区別しない。
func NewInvalidCredentialsError() *APIError {
	return &APIError{
		Code:     ErrCodeInvalidCredentials,
		Message:  "メールアドレスまたはパスワードが正しくありません。",
		Category: CategoryAuth,
		Action:   "入力内容を確認して再度ログインしてください。",
	}
}

// NewAccountExistsError は登録済みメールアドレスでのアカウント作成エラーを生成する。
func NewAccountExistsError(email string) *APIError {
	return &APIError{
		Code:     ErrCodeAccountExists,
		Message:  fmt.Sprintf("このメールアドレスは既に登録されています: %s", email),
		Category: CategoryAuth,
		Action:   "ログイン画面からログインしてください。",
	}
}

// NewProviderFailedError は外部IdPでの認証失敗エラーを生成する。
func NewProviderFailedError(provider string) *APIError {
	return &APIError{
		Code:     ErrCodeProviderFailed,
		Message:  fmt.Sprintf("%sでの認証に失敗しました。", provider),
		Category: CategoryAuth,
		Action:   "しばらく待ってから再度お試しください。",
	}
}

// NewUnsupportedProviderError は未対応または未設定のIdPが指定された場合のエラーを生成する。
func NewUnsupportedProviderError(provider string) *APIError {
	return &APIError{
		Code:     ErrCodeUnsupportedProvider,
		Message:  fmt.Sprintf("対応していないログイン方法です: %s", provider),
		Category: CategoryValidation,
		Action:   "google または facebook を指定してください。",
	}
}

// NewWeakPasswordError はパスワードが短すぎる場合のエラーを生成する。
func NewWeakPasswordError(minLength int) *APIError {
	return &APIError{
		Code:     ErrCodeWeakPassword,
		Message:  fmt.Sprintf("パスワードは%d文字以上で入力してください。", minLength),
		Category: CategoryAuth,
		Action:   "より長いパスワードを設定してください。",
	}
}

// NewPasswordTooLongError はパスワードが長すぎる場合のエラーを生成する。
func NewPasswordTooLongError(maxBytes int) *APIError {
	return &APIError{
		Code:     ErrCodeWeakPassword,
		Message:  fmt.Sprintf("パスワードは%dバイト以内で入力してください。", maxBytes),
		Category: CategoryAuth,
		Action:   "より短いパスワードを設定してください。",
	}
}

// NewUnauthorizedError は未認証エラーを生成する。
func NewUnauthorizedError() *APIError {
	return &APIError{
		Code:     ErrCodeUnauthorized,
		Message:  "認証が必要です。",
		Category: CategoryAuth,
		Action:   "ログインしてください。",
	}
}

// NewUserNotFoundError はプロフィールドキュメントが見つからない場合のエラーを生成する。
func NewUserNotFoundError(userID string) *APIError {
	return &APIError{
		Code:     ErrCodeUserNotFound,
		Message:  fmt.Sprintf("ユーザーが見つかりません: %s", userID),
		Category: CategoryNotFound,
		Action:   "ログインし直してください。",
	}
}

// NewTodoNotFoundError は更新対象のTODOが見つからない場合のエラーを生成する。
func NewTodoNotFoundError(todoID string) *APIError {
	return &APIError{
		Code:     ErrCodeTodoNotFound,
		Message:  fmt.Sprintf("指定されたTODOが見つかりません: %s", todoID),
		Category: CategoryNotFound,
		Action:   "一覧を再読み込みしてください。",
	}
}

// NewBackendUnavailableError はストアや認証バックエンドに到達できない場合のエラーを生成する。
func NewBackendUnavailableError() *APIError {
	return &APIError{
		Code:     ErrCodeBackendUnavailable,
		Message:  "サーバーに接続できませんでした。",
		Category: CategoryNetwork,
		Action:   "しばらく待ってから再度お試しください。",
	}
}

// NewInvalidTodoError はTODOの入力値が不正な場合のエラーを生成する。
func NewInvalidTodoError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidTodo,
		Message:  fmt.Sprintf("TODOの内容が不正です: %s", reason),
		Category: CategoryValidation,
		Action:   "入力内容を確認してください。",
	}
}

// NewInvalidRequestError はリクエストボディが解析できない場合のエラーを生成する。
func NewInvalidRequestError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidRequest,
		Message:  reason,
		Category: CategoryValidation,
		Action:   "正しいJSON形式でリクエストしてください。",
	}
}

// NewCSRFFailedError はCSRFトークン検証に失敗した場合のエラーを生成する。
func NewCSRFFailedError() *APIError {
	return &APIError{
		Code:     ErrCodeCSRFFailed,
		Message:  "リクエストの検証に失敗しました。",
		Category: CategoryAuth,
		Action:   "ページを再読み込みしてから再度お試しください。",
	}
}

// NewInternalError は内部エラーを生成する。詳細はログのみに記録する。
func NewInternalError() *APIError {
	return &APIError{
		Code:     ErrCodeInternal,
		Message:  "内部エラーが発生しました。",
		Category: CategorySystem,
		Action:   "しばらく待ってから再度お試しください。",
	}
}

// NewRateLimitedError はレート制限超過のエラーを生成する。
func NewRateLimitedError() *APIError {
	return &APIError{
		Code:     ErrCodeRateLimited,
		Message:  "リクエストが多すぎます。",
		Category: CategorySystem,
		Action:   "しばらく待ってから再度お試しください。",
	}
}
