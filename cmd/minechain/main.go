package main

import (
	"os"

	"github.com/terminal-bench/minechain/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
