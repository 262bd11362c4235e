package main

import (
	"os"

	"github.com/Kocoro-lab/Shannon/go/inspector/cmd/inspector/cmd"
)

// Set at build time with -ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	cmd.SetVersion(version, commit, date)
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
