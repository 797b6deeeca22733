// Command exactlyonce runs control-component nodes and dispatches commands
// to them with exactly-once semantics.
package main

import (
	"os"

	"github.com/plaenen/exactlyonce/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
