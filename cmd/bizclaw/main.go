// BizClaw backend entry point.
package main

import (
	"fmt"
	"os"

	"github.com/jholhewres/bizclaw/cmd/bizclaw/commands"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	if err := commands.NewRootCmd(version).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
