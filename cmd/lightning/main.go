package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/vextir/lightning/cmd/lightning/cmd"
)

func main() {
	rootCmd := cmd.NewRootCommand()
	if err := rootCmd.Execute(); err != nil {
		if errors.Is(err, cmd.ErrInterrupted) {
			os.Exit(130)
		}
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}
