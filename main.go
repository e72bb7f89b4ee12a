package main

import (
	"context"
	"os"

	"github.com/chaos-io/sinfondo/cli"
)

var version = "dev"

func main() {
	if err := run(); err != nil {
		os.Exit(1)
	}
}

func run() error {
	return cli.NewRootCmd(version).ExecuteContext(context.Background())
}
