package main

import (
	"os"

	"github.com/price-cache/internal/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
