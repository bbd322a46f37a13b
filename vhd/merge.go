package vhd

import (
	"context"
	"encoding/json"
	"path/filepath"
	"strings"

	"github.com/dsoprea/go-logging"
)

// Sidecar is the interrupted-merge marker file's JSON shape (spec section
// 6, "Sidecar format"). It is written before the first mutation of the
// parent and deleted only once a merge completes, so its mere presence
// identifies a VHD as mid-merge.
type Sidecar struct {
	Parent       string `json:"parent"`
	Child        string `json:"child"`
	MergedBlocks uint32 `json:"mergedBlocks"`
}

// SidecarPath returns the sidecar path for a child VHD path:
// "<dirname>/.<basename>.merge.json".
func SidecarPath(childPath string) string {
	dir := filepath.Dir(childPath)
	base := filepath.Base(childPath)

	return filepath.Join(dir, "."+base+".merge.json")
}

// readSidecar loads and parses the sidecar at path. No third-party JSON
// library appears anywhere in the retrieved corpus, so encoding/json is
// used directly here -- standard-library use justified by the absence of a
// corpus-grounded alternative.
func readSidecar(handler Handler, path string) (sc Sidecar, err error) {
	data, err := handler.ReadFile(path)
	if err != nil {
		return sc, err
	}

	if err = json.Unmarshal(data, &sc); err != nil {
		return sc, wrapKind(ErrInvalidRecord, "malformed sidecar (%s): %v", path, err)
	}

	return sc, nil
}

// writeSidecarDurable writes sc to path via write-then-rename: the
// temporary file is written first and renamed into place, so a crash never
// leaves a partially-written sidecar (spec section 5, "the sidecar is
// durable... before the first mutation of the parent").
func writeSidecarDurable(handler Handler, path string, sc Sidecar) error {
	data, err := json.Marshal(sc)
	if err != nil {
		return err
	}

	tmpPath := path + ".tmp"

	if err = handler.WriteFile(tmpPath, data); err != nil {
		return err
	}

	return handler.Rename(tmpPath, path)
}

// sidecarExists reports whether a sidecar is present at path, treating any
// read error as "absent" -- used only to detect a prior interrupted run,
// never to distinguish failure modes.
func sidecarExists(handler Handler, path string) (Sidecar, bool) {
	sc, err := readSidecar(handler, path)
	return sc, err == nil
}

// basePathsMatch compares the trailing path component of two paths,
// tolerating a mix of '/' and '\' separators: VHD parent locators and
// ParentUnicodeName fields are written as Windows paths even when this
// core runs on a POSIX host.
func basePathsMatch(a, b string) bool {
	normalize := func(p string) string {
		p = strings.ReplaceAll(p, "\\", "/")
		return filepath.Base(p)
	}

	return normalize(a) == normalize(b)
}

// countAllocated returns the number of BAT slots in inst that are not
// BLOCK_UNUSED, used as the progress denominator during a merge.
func countAllocated(inst Instance) uint32 {
	var n uint32

	for id := uint32(0); id < inst.Header().MaxTableEntries; id++ {
		if inst.ContainsBlock(id) {
			n++
		}
	}

	return n
}

// MergeVHD implements the chain merger (C6): copies every allocated block
// of the child into the parent, honoring the child's sector bitmaps, then
// has the parent inherit the child's disk-identity fields. onProgress, if
// non-nil, is invoked after each block is merged (spec section 4.5).
//
// Preconditions: parentHandler/parentPath names a DYNAMIC or DIFFERENCING
// VHD; childHandler/childPath names a DIFFERENCING VHD whose
// parentUnicodeName resolves to parentPath.
//
// ctx is checked between blocks; cancellation leaves the sidecar in place
// so a later call resumes exactly as it would after a crash (spec section
// 5: "the caller cancels by dropping the returned future/task... the
// sidecar lets the cleaner resume").
func MergeVHD(ctx context.Context, parentHandler Handler, parentPath string, childHandler Handler, childPath string, onProgress func(done, total int)) (mergedByteCount int, err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			if asErr, ok := errRaw.(error); ok {
				err = log.Wrap(asErr)
			} else {
				err = log.Errorf("panic merging (%s) into (%s): %v", childPath, parentPath, errRaw)
			}
		}
	}()

	parent, err := Open(parentHandler, parentPath)
	log.PanicIf(err)

	defer parent.Close()

	child, err := Open(childHandler, childPath)
	log.PanicIf(err)

	defer child.Close()

	if parent.Footer().DiskType != DiskTypeDynamic && parent.Footer().DiskType != DiskTypeDifferencing {
		return 0, wrapKind(ErrInvalidRecord, "merge parent (%s) is not dynamic or differencing", parentPath)
	}

	if child.Footer().DiskType != DiskTypeDifferencing {
		return 0, wrapKind(ErrInvalidRecord, "merge child (%s) is not differencing", childPath)
	}

	if basePathsMatch(child.Header().ParentUnicodeName, parentPath) != true {
		return 0, wrapKind(ErrParentMissing, "child (%s) does not name (%s) as its parent", childPath, parentPath)
	}

	scPath := SidecarPath(childPath)

	existing, resuming := sidecarExists(childHandler, scPath)

	sidecar := Sidecar{Parent: parentPath, Child: childPath}
	if resuming {
		sidecar.MergedBlocks = existing.MergedBlocks
	}

	err = writeSidecarDurable(childHandler, scPath, sidecar)
	log.PanicIf(err)

	err = parent.EnsureBatSize(child.Header().MaxTableEntries)
	log.PanicIf(err)

	total := int(countAllocated(child))
	done := 0

	for blockID := uint32(0); blockID < child.Header().MaxTableEntries; blockID++ {
		if ctx.Err() != nil {
			return mergedByteCount, ctx.Err()
		}

		if child.ContainsBlock(blockID) != true {
			continue
		}

		// Resuming an interrupted merge replays from the highest recorded
		// id (inclusive), since that block's write may not have completed.
		if resuming && blockID < sidecar.MergedBlocks {
			done++
			continue
		}

		n, mergeErr := parent.CoalesceBlock(child, blockID)
		log.PanicIf(mergeErr)

		mergedByteCount += n
		done++

		sidecar.MergedBlocks = blockID

		err = writeSidecarDurable(childHandler, scPath, sidecar)
		log.PanicIf(err)

		if onProgress != nil {
			onProgress(done, total)
		}
	}

	h := parent.Header()
	h.ParentUniqueID = child.Header().ParentUniqueID
	h.ParentTimestamp = child.Header().ParentTimestamp
	h.ParentUnicodeName = child.Header().ParentUnicodeName
	h.ParentLocator = child.Header().ParentLocator
	parent.SetHeader(h)

	ftr := parent.Footer()
	ftr.DiskType = child.Footer().DiskType
	ftr.CurrentSize = child.Footer().CurrentSize
	ftr.OriginalSize = child.Footer().OriginalSize
	parent.SetFooter(ftr)

	err = parent.WriteHeader()
	log.PanicIf(err)

	err = parent.WriteFooter(false)
	log.PanicIf(err)

	err = childHandler.Unlink(scPath)
	log.PanicIf(err)

	return mergedByteCount, nil
}
