// Package main is the entry point for etlctl, the command-line driver for
// etlpilot pipelines.
package main

import (
	"os"

	"github.com/kiranshivaraju/etlpilot/cmd/etlctl/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
