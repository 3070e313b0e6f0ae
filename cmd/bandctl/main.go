package main

import (
	"os"

	"bandburg/cmd/bandctl/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
