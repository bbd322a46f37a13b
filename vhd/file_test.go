package vhd

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/dsoprea/go-logging"
)

func TestCreateDynamicWriteAndReadBlock(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "disk.vhd")
	handler := NewLocalHandler()

	f, err := CreateDynamic(handler, path, 2048, 2048)
	log.PanicIf(err)

	data := bytes.Repeat([]byte{0x11}, 2048)

	log.PanicIf(f.WriteData(0, data))

	block, err := f.ReadBlock(0, false)
	log.PanicIf(err)

	if bytes.Equal(block.Data, data) != true {
		t.Fatalf("block data not as written")
	}

	for s := 0; s < 4; s++ {
		if bitmapTest(block.Bitmap, s) != true {
			t.Fatalf("sector (%d) should be marked present after a full-block write", s)
		}
	}

	log.PanicIf(f.Close())

	reopened, err := Open(handler, path)
	log.PanicIf(err)

	defer reopened.Close()

	if reopened.ContainsBlock(0) != true {
		t.Fatalf("reopened vhd should still contain block (0)")
	}

	reopenedBlock, err := reopened.ReadBlock(0, false)
	log.PanicIf(err)

	if bytes.Equal(reopenedBlock.Data, data) != true {
		t.Fatalf("reopened block data does not match")
	}
}

func TestWriteDataPartialSectors(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "disk.vhd")
	handler := NewLocalHandler()

	f, err := CreateDynamic(handler, path, 2048, 2048)
	log.PanicIf(err)

	defer f.Close()

	buf := bytes.Repeat([]byte{0x22}, 1024)

	log.PanicIf(f.WriteData(1, buf))

	block, err := f.ReadBlock(0, false)
	log.PanicIf(err)

	if bitmapTest(block.Bitmap, 0) != false {
		t.Fatalf("sector (0) should not be marked present")
	} else if bitmapTest(block.Bitmap, 1) != true {
		t.Fatalf("sector (1) should be marked present")
	} else if bitmapTest(block.Bitmap, 2) != true {
		t.Fatalf("sector (2) should be marked present")
	} else if bitmapTest(block.Bitmap, 3) != false {
		t.Fatalf("sector (3) should not be marked present")
	}

	if bytes.Equal(block.Data[SectorSize:3*SectorSize], buf) != true {
		t.Fatalf("written sectors do not hold the expected bytes")
	}
}

func TestCoalesceBlockMergesChildIntoParent(t *testing.T) {
	dir := t.TempDir()
	parentPath := filepath.Join(dir, "parent.vhd")
	childPath := filepath.Join(dir, "child.vhd")
	handler := NewLocalHandler()

	parent, err := CreateDynamic(handler, parentPath, 4096, 4096)
	log.PanicIf(err)

	defer parent.Close()

	log.PanicIf(parent.WriteData(0, bytes.Repeat([]byte{0x11}, 4096)))

	child, err := CreateDifferencing(handler, childPath, parent, parent.Path())
	log.PanicIf(err)

	defer child.Close()

	log.PanicIf(child.WriteData(0, bytes.Repeat([]byte{0x22}, 2048)))

	merged, err := parent.CoalesceBlock(child, 0)
	log.PanicIf(err)

	if merged != 2048 {
		t.Fatalf("expected (2048) merged bytes, got (%d)", merged)
	}

	block, err := parent.ReadBlock(0, false)
	log.PanicIf(err)

	if bytes.Equal(block.Data[:2048], bytes.Repeat([]byte{0x22}, 2048)) != true {
		t.Fatalf("merged sectors were not overwritten by the child's data")
	}

	if bytes.Equal(block.Data[2048:], bytes.Repeat([]byte{0x11}, 2048)) != true {
		t.Fatalf("untouched sectors should retain the parent's original data")
	}
}

func TestEnsureBatSizeGrowsAndRelocates(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "disk.vhd")
	handler := NewLocalHandler()

	f, err := CreateDynamic(handler, path, 2048, 2048)
	log.PanicIf(err)

	defer f.Close()

	data := bytes.Repeat([]byte{0x33}, 2048)

	log.PanicIf(f.WriteData(0, data))

	log.PanicIf(f.EnsureBatSize(300))

	if f.Header().MaxTableEntries != 300 {
		t.Fatalf("max-table-entries did not grow: (%d)", f.Header().MaxTableEntries)
	}

	if f.ContainsBlock(0) != true {
		t.Fatalf("block (0) should survive a bat growth that relocates it")
	}

	block, err := f.ReadBlock(0, false)
	log.PanicIf(err)

	if bytes.Equal(block.Data, data) != true {
		t.Fatalf("relocated block data was corrupted")
	}

	for id := uint32(1); id < 300; id++ {
		if f.ContainsBlock(id) {
			t.Fatalf("new bat slot (%d) should be unused", id)
		}
	}
}

func TestSetUniqueParentLocatorRoundTrip(t *testing.T) {
	dir := t.TempDir()
	parentPath := filepath.Join(dir, "parent.vhd")
	childPath := filepath.Join(dir, "child.vhd")
	handler := NewLocalHandler()

	parent, err := CreateDynamic(handler, parentPath, 2048, 2048)
	log.PanicIf(err)

	defer parent.Close()

	child, err := CreateDifferencing(handler, childPath, parent, parentPath)
	log.PanicIf(err)

	defer child.Close()

	entry := child.Header().ParentLocator[0]
	if entry.PlatformCode != PlatformCodeW2ku {
		t.Fatalf("parent-locator slot (0) should carry W2ku, got (0x%x)", entry.PlatformCode)
	}

	data, err := child.ReadParentLocatorData(0)
	log.PanicIf(err)

	if decodeParentLocatorPath(data) != parentPath {
		t.Fatalf("parent-locator data does not decode to the parent path")
	}

	for i := 1; i < ParentLocatorEntries; i++ {
		if child.Header().ParentLocator[i].PlatformCode != PlatformCodeNone {
			t.Fatalf("parent-locator slot (%d) should be empty", i)
		}
	}
}
