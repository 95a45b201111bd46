// Command nanoclawd is NanoClaw's host process entrypoint.
package main

import (
	"fmt"
	"os"

	"github.com/nanoclaw/nanoclaw/cmd/nanoclawd/commands"
)

// version is injected at build time via ldflags.
var version = "dev"

func main() {
	rootCmd := commands.NewRootCmd(version)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
