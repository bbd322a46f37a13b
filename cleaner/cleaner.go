// Package cleaner discovers parent/child relationships across a directory
// of VHDs produced by a backup system, prunes broken and orphaned disks,
// reconciles backup-JSON bookkeeping against what is actually on disk, and
// coalesces chains of unreferenced differencing disks into their nearest
// referenced descendant.
package cleaner

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/dsoprea/go-logging"

	"github.com/vhdtools/govhd/vhd"
)

// Options configures CleanVM. The cleaner never mutates anything unless
// the corresponding flag is set; with all three false it only reports.
type Options struct {
	// FixMetadata allows rewriting backup-JSON `size` fields that have
	// fallen behind the actual on-disk size. Sizes only ever grow.
	FixMetadata bool

	// Remove allows unlinking broken VHDs, orphaned VHDs, and backup JSON
	// that reference missing payloads.
	Remove bool

	// Merge allows executing the merge plan built in phase 4.
	Merge bool

	// MergeLimit caps how many chains are merged concurrently. Defaults to
	// 1 (the spec's default) when <= 0.
	MergeLimit int

	// OnLog, if non-nil, receives a human-readable event for every
	// noteworthy decision the cleaner makes.
	OnLog func(message string, err error)
}

func (o Options) logf(format string, args ...interface{}) {
	if o.OnLog == nil {
		return
	}

	o.OnLog(fmt.Sprintf(format, args...), nil)
}

func (o Options) logErr(err error, format string, args ...interface{}) {
	if o.OnLog == nil {
		return
	}

	o.OnLog(fmt.Sprintf(format, args...), err)
}

// Report summarizes what CleanVM observed, and (for flags that were set)
// what it did.
type Report struct {
	VHDs              []string
	PrunedBroken      []string
	PrunedOrphans     []string
	RewrittenJSON     []string
	UnlinkedJSON      []string
	MergedChains      [][]string
	MergeFailures     map[string]error
}

var sidecarNamePattern = regexp.MustCompile(`^\.(.+)\.merge\.json$`)

// vhdInfo is what phase 1 records about each surviving VHD.
type vhdInfo struct {
	path            string
	diskType        vhd.DiskType
	parentPath      string
	maxTableEntries uint32
}

// scanResult is the directory walk's output (spec section 4.6's opening
// paragraph): VHD paths found under vmDir/vdis/*/*/, and the set of child
// paths whose merge was interrupted (recovered from sidecar files).
type scanResult struct {
	vhdPaths    []string
	interrupted map[string]bool
}

// scanVdis walks vmDir/vdis/<sr>/<vdi>/ one level at a time -- Handler has
// no recursive walk, only a single-directory List, so the two known levels
// of the layout are walked explicitly.
func scanVdis(handler vhd.Handler, vmDir string) (scanResult, error) {
	result := scanResult{interrupted: map[string]bool{}}

	vdisDir := filepath.Join(vmDir, "vdis")

	srDirs, err := handler.List(vdisDir, vhd.ListOptions{PrependDir: true, IgnoreMissing: true, DirsOnly: true})
	if err != nil {
		return result, err
	}

	for _, srDir := range srDirs {
		vdiDirs, err := handler.List(srDir, vhd.ListOptions{PrependDir: true, IgnoreMissing: true, DirsOnly: true})
		if err != nil {
			return result, err
		}

		for _, vdiDir := range vdiDirs {
			entries, err := handler.List(vdiDir, vhd.ListOptions{PrependDir: true, IgnoreMissing: true, FilesOnly: true})
			if err != nil {
				return result, err
			}

			for _, entry := range entries {
				base := filepath.Base(entry)

				if m := sidecarNamePattern.FindStringSubmatch(base); m != nil {
					result.interrupted[filepath.Join(filepath.Dir(entry), m[1])] = true
					continue
				}

				if strings.HasSuffix(strings.ToLower(base), ".vhd") {
					result.vhdPaths = append(result.vhdPaths, entry)
				}
			}
		}
	}

	return result, nil
}

// resolveParentPath turns a differencing VHD's raw parentUnicodeName
// (a Windows-style absolute path, possibly from a different host entirely)
// into a path alongside childPath: every VHD in a chain lives in the same
// vdi directory in this layout, so only the basename is trustworthy.
func resolveParentPath(childPath, parentUnicodeName string) string {
	base := filepath.Base(strings.ReplaceAll(parentUnicodeName, "\\", "/"))
	return filepath.Join(filepath.Dir(childPath), base)
}

// pruneBroken implements phase 1: open every discovered VHD, dropping ones
// that fail to parse, and record the differencing parent/child edges,
// flagging (and refusing to chain) any parent two children both claim.
func pruneBroken(handler vhd.Handler, paths []string, interrupted map[string]bool, opts Options) (map[string]*vhdInfo, []string) {
	infos := make(map[string]*vhdInfo, len(paths))
	claimedBy := map[string]string{}
	var pruned []string

	for _, path := range paths {
		f, err := vhd.OpenWithOptions(handler, path, !interrupted[path])
		if err != nil {
			opts.logErr(err, "dropping broken vhd (%s)", path)

			if opts.Remove {
				if unlinkErr := handler.Unlink(path); unlinkErr == nil {
					pruned = append(pruned, path)
				}
			}

			continue
		}

		info := &vhdInfo{
			path:            path,
			diskType:        f.Footer().DiskType,
			maxTableEntries: f.Header().MaxTableEntries,
		}

		if f.Footer().DiskType == vhd.DiskTypeDifferencing {
			resolved := resolveParentPath(path, f.Header().ParentUnicodeName)

			if owner, exists := claimedBy[resolved]; exists && owner != path {
				opts.logErr(errors.New("multiple children"), "both (%s) and (%s) name (%s) as their parent; neither will be chained", owner, path, resolved)

				if ownerInfo, ok := infos[owner]; ok {
					ownerInfo.parentPath = ""
				}
			} else {
				claimedBy[resolved] = path
				info.parentPath = resolved
			}
		}

		f.Close()
		infos[path] = info
	}

	return infos, pruned
}

// pruneOrphans implements phase 2: drop any differencing VHD whose
// declared parent did not survive phase 1, cascading recursively so a
// chain of missing ancestors takes every descendant down with it.
func pruneOrphans(handler vhd.Handler, infos map[string]*vhdInfo, opts Options) []string {
	var orphans []string

	for {
		progressed := false

		for path, info := range infos {
			if info.diskType != vhd.DiskTypeDifferencing || info.parentPath == "" {
				continue
			}

			if _, parentSurvives := infos[info.parentPath]; parentSurvives {
				continue
			}

			opts.logf("dropping orphan (%s): declared parent (%s) not found", path, info.parentPath)

			if opts.Remove {
				handler.Unlink(path)
			}

			orphans = append(orphans, path)
			delete(infos, path)
			progressed = true
		}

		if !progressed {
			break
		}
	}

	return orphans
}

// CleanVM runs the full cleaner pipeline over vmDir (spec section 4.6).
func CleanVM(ctx context.Context, handler vhd.Handler, vmDir string, opts Options) (report Report, err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			if asErr, ok := errRaw.(error); ok {
				err = log.Wrap(asErr)
			} else {
				err = log.Errorf("panic cleaning (%s): %v", vmDir, errRaw)
			}
		}
	}()

	if opts.MergeLimit <= 0 {
		opts.MergeLimit = 1
	}

	scan, err := scanVdis(handler, vmDir)
	log.PanicIf(err)

	report.VHDs = scan.vhdPaths

	infos, pruned := pruneBroken(handler, scan.vhdPaths, scan.interrupted, opts)
	report.PrunedBroken = pruned

	report.PrunedOrphans = pruneOrphans(handler, infos, opts)

	usedVHDs, rewrittenJSON, unlinkedJSON, err := collectMetadata(handler, vmDir, infos, opts)
	log.PanicIf(err)

	report.RewrittenJSON = rewrittenJSON
	report.UnlinkedJSON = unlinkedJSON

	plan := buildMergePlan(infos, usedVHDs, scan.interrupted)

	for _, chain := range plan {
		report.MergedChains = append(report.MergedChains, append([]string{}, chain.Chain...))
	}

	if opts.Merge && len(plan) > 0 {
		failures := executeMergePlan(ctx, handler, plan, opts)
		if len(failures) > 0 {
			report.MergeFailures = failures
		}

		// Phase 6: merges just changed which files exist and how large they
		// are; re-derive vhdInfo from what is now actually on disk and run
		// the size-repair half of phase 3 again so backup JSON sizes
		// reflect the collapsed chains.
		if opts.FixMetadata {
			postScan, scanErr := scanVdis(handler, vmDir)
			if scanErr == nil {
				postInfos, _ := pruneBroken(handler, postScan.vhdPaths, postScan.interrupted, Options{})
				_, postRewritten, _, metaErr := collectMetadata(handler, vmDir, postInfos, opts)
				if metaErr == nil {
					report.RewrittenJSON = appendUnique(report.RewrittenJSON, postRewritten)
				}
			}
		}
	}

	return report, nil
}

func appendUnique(existing, additional []string) []string {
	seen := make(map[string]bool, len(existing))
	for _, s := range existing {
		seen[s] = true
	}

	for _, s := range additional {
		if !seen[s] {
			existing = append(existing, s)
			seen[s] = true
		}
	}

	return existing
}
