// Command muxchan serves configured echo routes over the multiplexed channel
// layer and fetches URLs through its HTTP client channels.
//
//	muxchan serve [-config muxchan.yaml] [-watch=false]
//	muxchan fetch [-X POST] [-d body] [-H 'Name: value'] [-i] [-retries n] url
//	muxchan schemes
package main

import (
	"errors"
	"flag"
	"fmt"
	"os"

	"github.com/sammck-go/muxchan/pkg/builtin"
	"github.com/sammck-go/muxchan/share"
)

func usage() {
	fmt.Fprintf(os.Stderr, `Usage: muxchan <command> [options]

Commands:
  serve     listen and serve the routes of the config file
  fetch     run one HTTP exchange through an httpc channel
  schemes   list the registered channel schemes

Run 'muxchan <command> -h' for the options of a command.
`)
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}
	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(os.Args[2:])
	case "fetch":
		err = runFetch(os.Args[2:])
	case "schemes":
		err = runSchemes()
	case "help", "-h", "--help":
		usage()
		return
	default:
		usage()
		os.Exit(2)
	}
	if errors.Is(err, flag.ErrHelp) {
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "muxchan: %s\n", err)
		os.Exit(1)
	}
}

func runSchemes() error {
	ctx, err := builtin.NewContext(share.NewDiscardLogger())
	if err != nil {
		return err
	}
	for _, s := range ctx.Schemes() {
		fmt.Println(s)
	}
	return nil
}
