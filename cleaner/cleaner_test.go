package cleaner

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/dsoprea/go-logging"

	"github.com/vhdtools/govhd/vhd"
)

func mustMkdirAll(t *testing.T, path string) {
	t.Helper()

	if err := os.MkdirAll(path, 0755); err != nil {
		t.Fatalf("mkdir (%s): %v", path, err)
	}
}

// buildChain creates the chain A <- B <- C under vdiDir: A is a dynamic
// base, B and C are differencing disks. Each has a single-entry BAT and no
// data is written to any of them.
func buildChain(t *testing.T, handler vhd.Handler, vdiDir string) (aPath, bPath, cPath string) {
	t.Helper()

	aPath = filepath.Join(vdiDir, "a.vhd")
	bPath = filepath.Join(vdiDir, "b.vhd")
	cPath = filepath.Join(vdiDir, "c.vhd")

	a, err := vhd.CreateDynamic(handler, aPath, 4096, 4096)
	log.PanicIf(err)
	log.PanicIf(a.Close())

	aForB, err := vhd.Open(handler, aPath)
	log.PanicIf(err)

	b, err := vhd.CreateDifferencing(handler, bPath, aForB, aPath)
	log.PanicIf(err)
	log.PanicIf(b.Close())
	log.PanicIf(aForB.Close())

	bForC, err := vhd.Open(handler, bPath)
	log.PanicIf(err)

	c, err := vhd.CreateDifferencing(handler, cPath, bForC, bPath)
	log.PanicIf(err)
	log.PanicIf(c.Close())
	log.PanicIf(bForC.Close())

	return aPath, bPath, cPath
}

func writeDeltaBackup(t *testing.T, handler vhd.Handler, vmDir, jsonName string, vhdRelPaths map[string]string) string {
	t.Helper()

	meta := BackupMetadata{Mode: backupModeDelta, Size: 0, VHDs: vhdRelPaths}

	data, err := json.Marshal(meta)
	log.PanicIf(err)

	path := filepath.Join(vmDir, jsonName)
	log.PanicIf(handler.WriteFile(path, data))

	return path
}

// writeRawJSON writes data verbatim, used where a test must exercise the
// literal documented wire shape instead of a marshaled Go struct (which
// would round-trip even if BackupMetadata's field types drifted from the
// documented shape).
func writeRawJSON(t *testing.T, handler vhd.Handler, vmDir, jsonName, data string) string {
	t.Helper()

	path := filepath.Join(vmDir, jsonName)
	log.PanicIf(handler.WriteFile(path, []byte(data)))

	return path
}

func TestCleanVMCollapsesUnusedChainIntoUsedLeaf(t *testing.T) {
	dir := t.TempDir()
	handler := vhd.NewLocalHandler()

	vdiDir := filepath.Join(dir, "vdis", "sr0", "vdi0")
	mustMkdirAll(t, vdiDir)

	_, _, cPath := buildChain(t, handler, vdiDir)

	writeDeltaBackup(t, handler, dir, "backup.json", map[string]string{"vdi0": "vdis/sr0/vdi0/c.vhd"})

	report, err := CleanVM(context.Background(), handler, dir, Options{Remove: true, Merge: true})
	log.PanicIf(err)

	if len(report.MergedChains) != 1 {
		t.Fatalf("expected exactly one merge chain, got: %v", report.MergedChains)
	}

	chain := report.MergedChains[0]
	if chain[len(chain)-1] != cPath {
		t.Fatalf("expected chain to end at (%s), got: %v", cPath, chain)
	}

	if _, err := handler.GetSize(cPath); err != nil {
		t.Fatalf("c.vhd should still exist after collapse: %v", err)
	}

	if _, err := handler.GetSize(chain[0]); err == nil {
		t.Fatalf("a.vhd should no longer exist after collapse")
	}

	merged, err := vhd.Open(handler, cPath)
	log.PanicIf(err)
	defer merged.Close()

	if merged.Footer().DiskType != vhd.DiskTypeDifferencing {
		t.Fatalf("merged result at c's path should keep c's own disk-type")
	}
}

func TestCleanVMPrunesOrphanChain(t *testing.T) {
	dir := t.TempDir()
	handler := vhd.NewLocalHandler()

	vdiDir := filepath.Join(dir, "vdis", "sr0", "vdi0")
	mustMkdirAll(t, vdiDir)

	aPath := filepath.Join(vdiDir, "a.vhd")
	bPath := filepath.Join(vdiDir, "b.vhd")

	a, err := vhd.CreateDynamic(handler, aPath, 2048, 2048)
	log.PanicIf(err)

	b, err := vhd.CreateDifferencing(handler, bPath, a, aPath)
	log.PanicIf(err)
	log.PanicIf(b.Close())
	log.PanicIf(a.Close())

	log.PanicIf(handler.Unlink(aPath))

	report, err := CleanVM(context.Background(), handler, dir, Options{Remove: true})
	log.PanicIf(err)

	if len(report.PrunedOrphans) != 1 || report.PrunedOrphans[0] != bPath {
		t.Fatalf("expected b.vhd pruned as an orphan, got: %v", report.PrunedOrphans)
	}

	if _, err := handler.GetSize(bPath); err == nil {
		t.Fatalf("orphan should have been unlinked")
	}
}

func TestCleanVMUnlinksJSONWithMissingVHD(t *testing.T) {
	dir := t.TempDir()
	handler := vhd.NewLocalHandler()

	vdiDir := filepath.Join(dir, "vdis", "sr0", "vdi0")
	mustMkdirAll(t, vdiDir)

	jsonPath := writeDeltaBackup(t, handler, dir, "gone.json", map[string]string{"vdi0": "vdis/sr0/vdi0/missing.vhd"})

	report, err := CleanVM(context.Background(), handler, dir, Options{Remove: true})
	log.PanicIf(err)

	if len(report.UnlinkedJSON) != 1 || report.UnlinkedJSON[0] != jsonPath {
		t.Fatalf("expected the dangling backup json unlinked, got: %v", report.UnlinkedJSON)
	}
}

func TestCleanVMReportOnlyLeavesFilesUntouched(t *testing.T) {
	dir := t.TempDir()
	handler := vhd.NewLocalHandler()

	vdiDir := filepath.Join(dir, "vdis", "sr0", "vdi0")
	mustMkdirAll(t, vdiDir)

	aPath, _, cPath := buildChain(t, handler, vdiDir)

	writeDeltaBackup(t, handler, dir, "backup.json", map[string]string{"vdi0": "vdis/sr0/vdi0/c.vhd"})

	report, err := CleanVM(context.Background(), handler, dir, Options{})
	log.PanicIf(err)

	if len(report.MergedChains) != 1 {
		t.Fatalf("expected the chain to be reported even without merge=true")
	}

	if _, err := handler.GetSize(aPath); err != nil {
		t.Fatalf("a.vhd must survive a report-only run: %v", err)
	}

	if _, err := handler.GetSize(cPath); err != nil {
		t.Fatalf("c.vhd must survive a report-only run: %v", err)
	}
}

// TestCleanVMDeltaBackupLiteralJSONObjectShape writes a hand-authored JSON
// string in the documented wire shape (an object keyed by VDI identifier)
// instead of marshaling a BackupMetadata value, so a regression back to an
// array-typed VHDs field would fail to unmarshal here even though it would
// still round-trip through writeDeltaBackup above.
func TestCleanVMDeltaBackupLiteralJSONObjectShape(t *testing.T) {
	dir := t.TempDir()
	handler := vhd.NewLocalHandler()

	vdiDir := filepath.Join(dir, "vdis", "sr0", "vdi0")
	mustMkdirAll(t, vdiDir)

	aPath, _, cPath := buildChain(t, handler, vdiDir)

	writeRawJSON(t, handler, dir, "backup.json",
		`{"mode":"delta","size":0,"vhds":{"vdi1":"vdis/sr0/vdi0/c.vhd"}}`)

	report, err := CleanVM(context.Background(), handler, dir, Options{Remove: true, Merge: true})
	log.PanicIf(err)

	if len(report.MergedChains) != 1 {
		t.Fatalf("expected the chain referenced by the literal JSON object to be merged, got: %v", report.MergedChains)
	}

	chain := report.MergedChains[0]
	if chain[len(chain)-1] != cPath {
		t.Fatalf("expected chain to end at (%s), got: %v", cPath, chain)
	}

	if _, err := handler.GetSize(aPath); err == nil {
		t.Fatalf("a.vhd should have been merged away, not left behind as if c.vhd were unused")
	}

	if len(report.UnlinkedJSON) != 0 {
		t.Fatalf("backup.json references a real VHD and must not be unlinked: %v", report.UnlinkedJSON)
	}
}
