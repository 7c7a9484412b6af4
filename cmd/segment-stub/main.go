package main

import (
	"os"

	"reimage/internal/engine/stub"
)

func main() {
	os.Exit(stub.Run(os.Args[1:], os.Stdout, os.Stderr))
}
