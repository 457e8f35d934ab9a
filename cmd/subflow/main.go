// Package main is the entry point for the subflow application.
package main

import (
	"os"

	"github.com/subflowhq/subflow/cmd/subflow/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(cmd.ExitCode(err))
	}
}
