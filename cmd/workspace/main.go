package main

import (
	"os"

	"miren.dev/workspace/cli"
)

func main() {
	os.Exit(cli.Run(os.Args))
}
