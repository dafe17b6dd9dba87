package main

import (
	"fmt"
	"os"

	"github.com/lsm/seqimport/internal/cli"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	if len(os.Args) < 2 {
		fmt.Println(cli.ImportUsage)
		return nil
	}

	switch os.Args[1] {
	case "-h", "--help", "help":
		fmt.Println(cli.ImportUsage)
		return nil
	case "--version", "version":
		fmt.Printf("seq-import %s\n", version)
		return nil
	default:
		return cli.RunImport(os.Args[1:])
	}
}
