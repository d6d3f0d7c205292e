// Package main provides the entry point for the terrachat CLI.
package main

import (
	"fmt"
	"os"

	"github.com/terrachat/terrachat/cmd/terrachat/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
