package main

import (
	"context"
	"fmt"
	"os"

	"github.com/dsoprea/go-logging"
	"github.com/dustin/go-humanize"
	"github.com/jessevdk/go-flags"

	"github.com/vhdtools/govhd/cleaner"
	"github.com/vhdtools/govhd/vhd"
)

type rootParameters struct {
	VMDirectory string `short:"d" long:"vm-directory" description:"VM directory containing vdis/<sr>/<vdi>/ and backup JSON" required:"true"`
	FixMetadata bool   `long:"fix-metadata" description:"Repair backup-JSON size fields that have fallen behind disk"`
	Remove      bool   `long:"remove" description:"Unlink broken/orphaned VHDs and backup JSON referencing missing payloads"`
	Merge       bool   `long:"merge" description:"Execute the merge plan, collapsing unused VHD chains"`
	MergeLimit  int    `long:"merge-limit" description:"Maximum concurrent chain merges" default:"1"`
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

	opts := cleaner.Options{
		FixMetadata: rootArguments.FixMetadata,
		Remove:      rootArguments.Remove,
		Merge:       rootArguments.Merge,
		MergeLimit:  rootArguments.MergeLimit,
		OnLog: func(message string, err error) {
			if err != nil {
				fmt.Printf("- %s: %v\n", message, err)
			} else {
				fmt.Printf("- %s\n", message)
			}
		},
	}

	report, err := cleaner.CleanVM(context.Background(), handler, rootArguments.VMDirectory, opts)
	log.PanicIf(err)

	fmt.Printf("\n")
	fmt.Printf("VHDs found:        %s\n", humanize.Comma(int64(len(report.VHDs))))
	fmt.Printf("Broken pruned:     %s\n", humanize.Comma(int64(len(report.PrunedBroken))))
	fmt.Printf("Orphans pruned:    %s\n", humanize.Comma(int64(len(report.PrunedOrphans))))
	fmt.Printf("JSON rewritten:    %s\n", humanize.Comma(int64(len(report.RewrittenJSON))))
	fmt.Printf("JSON unlinked:     %s\n", humanize.Comma(int64(len(report.UnlinkedJSON))))
	fmt.Printf("Merge candidates:  %s\n", humanize.Comma(int64(len(report.MergedChains))))

	if len(report.MergeFailures) > 0 {
		fmt.Printf("Merge failures:    %s\n", humanize.Comma(int64(len(report.MergeFailures))))
		os.Exit(2)
	}
}
