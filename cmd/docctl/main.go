// Package main provides the entry point for the docctl operator CLI.
package main

import (
	"os"

	"github.com/Lllllllleong/documentcollections/cmd/docctl/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
