// wblink runs a broadcast link over monitor-mode WiFi cards.
package main

import (
	"os"

	"github.com/alecthomas/kong"

	"github.com/frobware/go-wblink/cmd/wblink/cli"
)

func main() {
	var c cli.CLI
	ctx := kong.Parse(&c, cli.KongOptions()...)
	os.Exit(cli.ExitCode(ctx.Run(&c), os.Stderr))
}
