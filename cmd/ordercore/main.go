package main

import (
	"os"

	"github.com/craftline/ordercore/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
