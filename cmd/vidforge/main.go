package main

import (
	"os"

	"github.com/vidforge/vidforge/cmd/vidforge/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
