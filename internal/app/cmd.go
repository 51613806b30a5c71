package app

import (
	"flag"
	"fmt"
	"io"
)

// Command はアプリケーションの起動モードを表す。
type Command string

const (
	// CommandServe はAPIサーバーモードで起動することを示す。
	CommandServe Command = "serve"
	// CommandMigrate はデータベースマイグレーションを実行することを示す。
	CommandMigrate Command = "migrate"
	// CommandDedupe は重複セッションの検出と削除を実行することを示す。
	CommandDedupe Command = "dedupe"
	// CommandHealthcheck はヘルスチェックを実行することを示す。
	// distroless環境でのDockerヘルスチェック用。
	CommandHealthcheck Command = "healthcheck"
)

// ParseCommand はコマンドライン引数からサブコマンドを解析する。
// 引数が空またはサポート外のコマンドの場合はCommandServeを返す。
func ParseCommand(args []string) Command {
	if len(args) == 0 {
		return CommandServe
	}

	switch args[0] {
	case "serve":
		return CommandServe
	case "migrate":
		return CommandMigrate
	case "dedupe":
		return CommandDedupe
	case "healthcheck":
		return CommandHealthcheck
	default:
		return CommandServe
	}
}

// DedupeOptions はdedupeサブコマンドのオプション。
type DedupeOptions struct {
	Yes    bool // 確認プロンプトを省略する
	DryRun bool // 検出結果の表示のみ行う
}

// ParseDedupeOptions はdedupeサブコマンド以降の引数を解析する。
// argsにはサブコマンド名を含めない。
func ParseDedupeOptions(args []string, output io.Writer) (DedupeOptions, error) {
	var opts DedupeOptions

	fs := flag.NewFlagSet(string(CommandDedupe), flag.ContinueOnError)
	fs.SetOutput(output)
	fs.BoolVar(&opts.Yes, "yes", false, "削除前の確認を省略する")
	fs.BoolVar(&opts.DryRun, "dry-run", false, "重複の検出結果のみ表示する")

	if err := fs.Parse(args); err != nil {
		return DedupeOptions{}, fmt.Errorf("invalid dedupe arguments: %w", err)
	}
	return opts, nil
}
