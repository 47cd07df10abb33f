// Package main provides the tiercache CLI tool for inspecting a persisted
// cache and replaying queued offline operations.
package main

import (
	"os"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
