package main

import (
	"os"

	"xtodo/cmd/xtodo/cmd"
)

func main() {
	os.Exit(cmd.Execute(os.Args[1:], os.Stdout, os.Stderr, nil))
}
