// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package cli implements the chatrelay command line: the relay server
// (`serve`) and an interactive chat client (`chat`).
package cli

import (
	"fmt"
	"os"
)

// Run dispatches the command line and returns the process exit code.
func Run(args []string) int {
	if len(args) < 1 {
		printUsage()
		return 1
	}

	var err error
	switch args[0] {
	case "serve":
		err = HandleServeCommand(args[1:])
	case "chat":
		err = HandleChatCommand(args[1:])
	case "version":
		fmt.Println("chatrelay " + Version)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", args[0])
		printUsage()
		return 1
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}
	return 0
}

// Version is the CLI version string (set at build time).
var Version = "1.0.0"

// printUsage prints top-level usage.
func printUsage() {
	fmt.Print(`chatrelay - multi-provider streaming chat relay

Usage:
  chatrelay serve             Start the relay server
  chatrelay chat              Start an interactive chat session
  chatrelay version           Print the version
  chatrelay help              Show this help

Configuration is read from ~/.chatrelay/config.toml; CHATRELAY_*
environment variables override file values.
`)
}
