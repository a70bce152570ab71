package main

import (
	"os"

	"github.com/austindbirch/harbor_sink/cmd/sinkctl/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
