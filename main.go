package main

import (
	"os"

	"github.com/theapemachine/memcube/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
