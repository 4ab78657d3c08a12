// catalogctl は書籍カタログと利用者を管理するための運用CLI。
// STORE_DRIVER等の環境変数はサーバーと共通。
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd(os.Stdout).Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
