package main

import (
	"os"

	"github.com/docker/execops/cmd/root"
)

func main() {
	os.Exit(root.Execute())
}
