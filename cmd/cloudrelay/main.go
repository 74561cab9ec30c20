package main

import (
	"os"

	"github.com/drksbr/cloudrelay/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
