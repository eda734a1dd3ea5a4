// Copyright 2026 The apiproxyd Authors
// SPDX-License-Identifier: Apache-2.0

// Apiproxyd-plugin-logger is the request logging plugin. The daemon
// spawns it and speaks the line-delimited plugin protocol on its
// stdin/stdout; log lines go to stderr.
package main

import (
	"fmt"
	"os"

	"github.com/afterdarksys/apiproxyd/lib/plugin"
	"github.com/afterdarksys/apiproxyd/plugins/logger"
)

func main() {
	if err := plugin.Serve(logger.New()); err != nil {
		fmt.Fprintf(os.Stderr, "apiproxyd-plugin-logger: %v\n", err)
		os.Exit(1)
	}
}
