package app

// Command はアプリケーションの起動モードを表す。
type Command string

const (
	// CommandServe はAPIサーバー（REST、ライブ接続、アプリケーションシェル）を起動する。
	CommandServe Command = "serve"
	// CommandWorker は期限切れセッションのクリーンアップワーカーを起動する。
	CommandWorker Command = "worker"
	// CommandMigrate はデータベースマイグレーションを実行する。
	// 続く引数で up（既定）、down [N]、version を選ぶ。
	CommandMigrate Command = "migrate"
	// CommandHealthcheck は起動中サーバーの /health を確認する。
	// distroless環境でのDockerヘルスチェック用。
	CommandHealthcheck Command = "healthcheck"
)

// RequiresConfig はコマンドの実行に環境変数の設定読み込みが必要かを返す。
// healthcheckはSERVER_PORTだけを見るため、必須設定がなくても動く。
func (c Command) RequiresConfig() bool {
	return c != CommandHealthcheck
}

// ParseCommand はコマンドライン引数からサブコマンドを解析する。
// 引数が空またはサポート外のコマンドの場合はCommandServeを返す。
func ParseCommand(args []string) Command {
	if len(args) == 0 {
		return CommandServe
	}

	switch Command(args[0]) {
	case CommandWorker, CommandServe, CommandMigrate, CommandHealthcheck:
		return Command(args[0])
	default:
		return CommandServe
	}
}
