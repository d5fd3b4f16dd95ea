// Package main is the entry point for family-calendar.
package main

import (
	"fmt"
	"os"

	"family-calendar/internal/cli"
)

func main() {
	cli.Init()

	if err := cli.RootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
