package main

import (
	"os"

	"github.com/awnumar/memguard"

	"e2ee/cmd/e2ee/commands"
)

func main() {
	memguard.CatchInterrupt()
	err := commands.Execute()
	memguard.Purge()
	if err != nil {
		os.Exit(1)
	}
}
