package app

// Command はchathubの起動モード（サブコマンド）を表す。
type Command string

const (
	// CommandServe はWebSocketサーバー（/ws/{username}, /ws/chat/{room}）を起動する。
	CommandServe Command = "serve"
	// CommandWorker は保持期間を過ぎたメッセージを削除するワーカーを起動する。
	CommandWorker Command = "worker"
	// CommandMigrate はusers, rooms, messages などのスキーマを最新化する。
	CommandMigrate Command = "migrate"
	// CommandHealthcheck は稼働中のserveの /health を確認して終了する。
	// distrolessイメージのHEALTHCHECKから呼ばれる。
	CommandHealthcheck Command = "healthcheck"
)

var knownCommands = map[string]Command{
	string(CommandServe):       CommandServe,
	string(CommandWorker):      CommandWorker,
	string(CommandMigrate):     CommandMigrate,
	string(CommandHealthcheck): CommandHealthcheck,
}

// ParseCommand は先頭の引数をサブコマンドとして解釈する。
// 引数がない場合や未知のサブコマンドはserveとして扱う。
func ParseCommand(args []string) Command {
	if len(args) == 0 {
		return CommandServe
	}
	if cmd, ok := knownCommands[args[0]]; ok {
		return cmd
	}
	return CommandServe
}
