// chatrelay - a multi-provider streaming chat relay and client.
//
// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later
package main

import (
	"os"

	"github.com/morganforge/chatrelay/internal/cli"
)

// Version information (set at build time)
var (
	Version = "1.0.0"
)

func main() {
	cli.Version = Version
	os.Exit(cli.Run(os.Args[1:]))
}
