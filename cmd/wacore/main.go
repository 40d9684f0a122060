package main

import (
	"os"

	"github.com/opd-ai/wacore/cmd/wacore/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
