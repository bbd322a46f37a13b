package cleaner

import (
	"context"
	"sync"

	"github.com/vhdtools/govhd/vhd"
)

// executeMergePlan implements phase 5: each chain is collapsed by
// cascading pairwise merges, oldest pair first, with the merged result
// renamed over the next element's path after every step -- the rename is
// the atomic commit point (spec section 4.6 phase 5). Chains run
// concurrently up to opts.MergeLimit; merges within a single chain are
// inherently sequential, since each step's result feeds the next.
func executeMergePlan(ctx context.Context, handler vhd.Handler, plan []MergeChain, opts Options) map[string]error {
	limit := opts.MergeLimit
	if limit <= 0 {
		limit = 1
	}

	sem := make(chan struct{}, limit)
	var wg sync.WaitGroup
	var mu sync.Mutex

	failures := map[string]error{}

	for _, chain := range plan {
		chain := chain

		wg.Add(1)
		sem <- struct{}{}

		go func() {
			defer wg.Done()
			defer func() { <-sem }()

			if err := executeChain(ctx, handler, chain, opts); err != nil {
				mu.Lock()
				failures[chain.Chain[len(chain.Chain)-1]] = err
				mu.Unlock()
			}
		}()
	}

	wg.Wait()

	return failures
}

// executeChain collapses a single chain, oldest pair first. currentPath
// tracks where the accumulated merge result currently lives on disk; it
// starts at chain[0] and ends at chain[len-1] once every step has renamed
// its result forward.
func executeChain(ctx context.Context, handler vhd.Handler, chain MergeChain, opts Options) error {
	if len(chain.Chain) < 2 {
		return nil
	}

	currentPath := chain.Chain[0]

	for i := 1; i < len(chain.Chain); i++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		nextPath := chain.Chain[i]

		if _, err := vhd.MergeVHD(ctx, handler, currentPath, handler, nextPath, nil); err != nil {
			opts.logErr(err, "merging (%s) into (%s) failed", nextPath, currentPath)
			return err
		}

		if currentPath != nextPath {
			if err := handler.Rename(currentPath, nextPath); err != nil {
				opts.logErr(err, "renaming merged (%s) over (%s) failed", currentPath, nextPath)
				return err
			}
		}

		currentPath = nextPath

		opts.logf("collapsed (%s) into (%s)", chain.Chain[i-1], nextPath)
	}

	return nil
}
