package main

import (
	"os"

	"github.com/conneroisu/kiln/cmd"
	_ "github.com/conneroisu/kiln/internal/plugins"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
