// Command mondot is the language toolchain entry point: it builds source
// files to bytecode, runs compiled files, and compiles-and-runs in memory.
package main

import (
	"os"

	_ "github.com/tliron/commonlog/simple"

	"github.com/soloverdrive/mondot/pkg/cli"
)

func main() {
	os.Exit(cli.Main(os.Args[1:], cli.Options{}))
}
