package main

import (
	"os"

	"github.com/coiiot/agent-go/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
