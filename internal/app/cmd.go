package app

import (
	"errors"
	"fmt"
	"strings"
)

// Command はbooklendプロセスの起動モードを表す。
type Command string

const (
	// CommandServe は貸出APIサーバーを起動する。引数なしの場合もこれになる。
	CommandServe Command = "serve"
	// CommandWorker は延滞貸出の定期スキャンを実行し、/metricsのみを公開するワーカーを起動する。
	CommandWorker Command = "worker"
	// CommandMigrate はSTORE_DRIVERに応じたスキーママイグレーションを適用して終了する。
	CommandMigrate Command = "migrate"
	// CommandHealthcheck は稼働中のAPIサーバーの/healthを叩いて終了する。
	// distrolessイメージにはcurlが無いため、Dockerのヘルスチェックはこれを使う。
	CommandHealthcheck Command = "healthcheck"
)

// ErrUnknownCommand は未知のサブコマンドが指定された場合に返される。
var ErrUnknownCommand = errors.New("unknown command")

var commands = []Command{CommandServe, CommandWorker, CommandMigrate, CommandHealthcheck}

// ParseCommand はコマンドライン引数の先頭からサブコマンドを解析する。
// 引数が空の場合はCommandServeを返す。
// タイプミスでAPIサーバーが起動しないよう、未知のコマンドはエラーとする。
func ParseCommand(args []string) (Command, error) {
	if len(args) == 0 {
		return CommandServe, nil
	}
	for _, c := range commands {
		if args[0] == string(c) {
			return c, nil
		}
	}
	return "", fmt.Errorf("%w %q (want one of: %s)", ErrUnknownCommand, args[0], commandNames())
}

func commandNames() string {
	names := make([]string, len(commands))
	for i, c := range commands {
		names[i] = string(c)
	}
	return strings.Join(names, ", ")
}
