package main

import (
	"os"

	"github.com/stocker/trade-engine/cmd/stockerctl/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
