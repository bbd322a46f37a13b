package main

import (
	"context"
	"fmt"
	"os"

	"github.com/dsoprea/go-logging"
	"github.com/dustin/go-humanize"
	"github.com/jessevdk/go-flags"

	"github.com/vhdtools/govhd/vhd"
)

type rootParameters struct {
	ParentFilepath string `short:"p" long:"parent-filepath" description:"File-path of the parent VHD" required:"true"`
	ChildFilepath  string `short:"c" long:"child-filepath" description:"File-path of the differencing child VHD" required:"true"`
}

var (
	rootArguments = new(rootParameters)
)

func main() {
	defer func() {
		if state := recover(); state != nil {
			err := log.Wrap(state.(error))
			log.PrintError(err)
			os.Exit(-1)
		}
	}()

	p := flags.NewParser(rootArguments, flags.Default)

	_, err := p.Parse()
	if err != nil {
		os.Exit(1)
	}

	handler := vhd.NewLocalHandler()

	merged, err := vhd.MergeVHD(
		context.Background(),
		handler, rootArguments.ParentFilepath,
		handler, rootArguments.ChildFilepath,
		func(done, total int) {
			fmt.Printf("\rmerged %d / %d blocks", done, total)
		})
	log.PanicIf(err)

	fmt.Printf("\n%s merged into %s\n", humanize.Bytes(uint64(merged)), rootArguments.ParentFilepath)
}
