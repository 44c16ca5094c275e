package main

import (
	"os"

	"shelfmate/cmd/dmclient/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
