package main

import (
	"os"

	"github.com/Tox/tcpplus/cmd/tcpplus/cmd"
)

func main() {
	if err := cmd.Root.Execute(); err != nil {
		os.Exit(1)
	}
}
