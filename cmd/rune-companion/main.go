package main

import (
	"os"

	"github.com/ogyrec-o/rune-companion/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
