package main

import (
	"os"

	"github.com/orrn/spoold/cmd/spoold/cmd"
)

func main() {
	if err := cmd.RootCmd().Execute(); err != nil {
		os.Exit(cmd.ExitCode(err))
	}
}
