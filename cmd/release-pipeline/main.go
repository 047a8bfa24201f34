package main

import (
	"os"

	"github.com/helvethink/release-pipeline/internal/cli"
)

var version = "devel"

func main() {
	cli.Run(version, os.Args)
}
