package main

import (
	"fmt"
	"os"

	"github.com/dsoprea/go-logging"
	"github.com/dustin/go-humanize"
	"github.com/jessevdk/go-flags"

	"github.com/vhdtools/govhd/vhd"
)

type rootParameters struct {
	Filepath          string `short:"f" long:"filepath" description:"File-path of VHD" required:"true"`
	SkipFooterCompare bool   `short:"s" long:"skip-second-footer" description:"Do not compare the primary and end footer copies"`
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

	f, err := vhd.OpenWithOptions(handler, rootArguments.Filepath, !rootArguments.SkipFooterCompare)
	log.PanicIf(err)

	defer f.Close()

	footer := f.Footer()
	header := f.Header()

	fmt.Printf("Disk type:      %s\n", footer.DiskType)
	fmt.Printf("Current size:   %s\n", humanize.Bytes(footer.CurrentSize))
	fmt.Printf("Original size:  %s\n", humanize.Bytes(footer.OriginalSize))
	fmt.Printf("Timestamp:      %s\n", footer.Timestamp)
	fmt.Printf("Unique ID:      %x\n", footer.UniqueID)
	fmt.Printf("\n")
	fmt.Printf("Block size:     %s\n", humanize.Bytes(uint64(header.BlockSize)))
	fmt.Printf("Max table size: %d\n", header.MaxTableEntries)
	fmt.Printf("BAT size:       %s\n", humanize.Bytes(uint64(f.BatSize())))

	if footer.DiskType == vhd.DiskTypeDifferencing {
		fmt.Printf("\n")
		fmt.Printf("Parent:         %s\n", header.ParentUnicodeName)
		fmt.Printf("Parent ID:      %x\n", header.ParentUniqueID)
		fmt.Printf("Parent time:    %s\n", header.ParentTimestamp)
	}

	allocated := 0
	for id := uint32(0); id < header.MaxTableEntries; id++ {
		if f.ContainsBlock(id) {
			allocated++
		}
	}

	fmt.Printf("\n")
	fmt.Printf("Allocated blocks: %d / %d\n", allocated, header.MaxTableEntries)
}
