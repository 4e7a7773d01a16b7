// Package main is the entry point for the smia command line tool.
package main

import (
	"fmt"
	"os"

	"github.com/TNLegend/SMIA/cmd/smia/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
