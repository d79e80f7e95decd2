package main

import (
	"os"

	"github.com/jangala-dev/uartx-dispatch/internal/cli"
)

func main() {
	uartxCmd := cli.NewCommand()
	if err := uartxCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
