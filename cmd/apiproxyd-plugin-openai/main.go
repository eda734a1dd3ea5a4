// Copyright 2026 The apiproxyd Authors
// SPDX-License-Identifier: Apache-2.0

// Apiproxyd-plugin-openai is the OpenAI adapter plugin. The daemon
// spawns it and speaks the line-delimited plugin protocol on its
// stdin/stdout; diagnostics go to stderr.
package main

import (
	"fmt"
	"os"

	"github.com/afterdarksys/apiproxyd/lib/plugin"
	"github.com/afterdarksys/apiproxyd/plugins/openai"
)

func main() {
	if err := plugin.Serve(openai.New()); err != nil {
		fmt.Fprintf(os.Stderr, "apiproxyd-plugin-openai: %v\n", err)
		os.Exit(1)
	}
}
