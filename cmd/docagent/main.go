// Package main is the entry point of the docagent CLI.
//
// Usage:
//
//	docagent [flags] <command> [args]
//
// Commands:
//
//	serve      - HTTP and websocket chat server
//	chat       - Interactive chat in the terminal
//	sessions   - Inspect stored conversations (list, show, delete)
//	version    - Show version information
package main

import (
	"fmt"
	"os"

	"github.com/haivivi/docagent/cmd/docagent/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
