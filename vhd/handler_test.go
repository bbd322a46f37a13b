package vhd

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/dsoprea/go-logging"
)

func TestLocalHandlerOpenExclusiveCreateRejectsExisting(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "disk.vhd")

	lh := NewLocalHandler()

	h, err := lh.Open(path, OpenExclusiveCreate)
	log.PanicIf(err)

	log.PanicIf(lh.Close(h))

	if _, err = lh.Open(path, OpenExclusiveCreate); err == nil {
		t.Fatalf("expected an error opening an already-existing file exclusively")
	}
}

func TestLocalHandlerReadWriteAt(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "disk.vhd")

	lh := NewLocalHandler()

	h, err := lh.Open(path, OpenExclusiveCreate)
	log.PanicIf(err)

	defer lh.Close(h)

	payload := []byte("govhd")

	log.PanicIf(lh.WriteAt(h, payload, 512))

	readBack := make([]byte, len(payload))

	_, err = lh.ReadAt(h, readBack, 512)
	log.PanicIf(err)

	if string(readBack) != string(payload) {
		t.Fatalf("read-back did not match: (%s) != (%s)", readBack, payload)
	}

	size, err := lh.GetSize(path)
	log.PanicIf(err)

	if size != 512+int64(len(payload)) {
		t.Fatalf("unexpected file size: (%d)", size)
	}
}

func TestLocalHandlerListFilter(t *testing.T) {
	dir := t.TempDir()

	lh := NewLocalHandler()

	for _, name := range []string{"a.vhd", "b.vhd", "c.txt"} {
		log.PanicIf(lh.WriteFile(filepath.Join(dir, name), []byte("x")))
	}

	names, err := lh.List(dir, ListOptions{
		Filter: func(name string) bool {
			return filepath.Ext(name) == ".vhd"
		},
	})
	log.PanicIf(err)

	if len(names) != 2 {
		t.Fatalf("expected two filtered entries, got (%d): %v", len(names), names)
	}
}

func TestLocalHandlerListDirsOnly(t *testing.T) {
	dir := t.TempDir()

	lh := NewLocalHandler()

	log.PanicIf(lh.WriteFile(filepath.Join(dir, "leaf.txt"), []byte("x")))

	subdir := filepath.Join(dir, "sub")
	log.PanicIf(os.Mkdir(subdir, 0755))

	dirs, err := lh.List(dir, ListOptions{DirsOnly: true})
	log.PanicIf(err)

	if len(dirs) != 1 || dirs[0] != "sub" {
		t.Fatalf("expected exactly one directory entry (sub), got: %v", dirs)
	}

	files, err := lh.List(dir, ListOptions{FilesOnly: true})
	log.PanicIf(err)

	if len(files) != 1 || files[0] != "leaf.txt" {
		t.Fatalf("expected exactly one file entry (leaf.txt), got: %v", files)
	}
}

func TestLocalHandlerRenameAndUnlink(t *testing.T) {
	dir := t.TempDir()

	lh := NewLocalHandler()

	from := filepath.Join(dir, "old.vhd")
	to := filepath.Join(dir, "new.vhd")

	log.PanicIf(lh.WriteFile(from, []byte("x")))
	log.PanicIf(lh.Rename(from, to))

	if _, err := lh.GetSize(to); err != nil {
		t.Fatalf("renamed file should exist: %v", err)
	}

	log.PanicIf(lh.Unlink(to))

	if _, err := lh.GetSize(to); err == nil {
		t.Fatalf("unlinked file should no longer exist")
	}
}
