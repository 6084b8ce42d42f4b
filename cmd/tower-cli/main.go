// Tower CLI — управление traces, задачами и определениями через HTTP API.
//
// Использование:
//
//	tower [--server URL] [--json] <command> <subcommand> [flags]
//
// Команды:
//
//	trace       Запуск и управление traces
//	task        Экземпляры задач
//	definition  Определения задач
package main

import (
	"fmt"
	"os"

	"github.com/Kaminarusawa-sekai/Flora-sub000/internal/cli"
)

// version задаётся через ldflags при сборке.
var version = "dev"

func main() {
	if err := cli.NewRootCmd(version).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
