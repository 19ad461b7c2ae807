package main

import (
	"github.com/chainbound/bolt-sidecar/cli"
)

func main() {
	cli.Main()
}
