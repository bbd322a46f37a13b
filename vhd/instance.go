package vhd

// Block is one decoded block: its index, its per-sector presence bitmap,
// and (unless only the bitmap was requested) its data.
type Block struct {
	ID     uint32
	Bitmap []byte
	Data   []byte
}

// Instance is the capability set every VHD representation must provide
// (C4). vhd.File is the only concrete implementation in this core; the
// directory-backed and streaming variants mentioned in the original design
// notes live outside this core's scope but would implement the same
// interface, replacing only the sector-positional write path.
type Instance interface {
	// ReadHeaderAndFooter loads and validates the footer and header. When
	// checkSecondFooter is true, the trailing footer copy is also read and
	// compared byte-for-byte against the primary; a mismatch is fatal.
	ReadHeaderAndFooter(checkSecondFooter bool) error

	// ReadBlockAllocationTable loads the BAT into memory.
	ReadBlockAllocationTable() error

	// ContainsBlock reports whether blockID has an allocated BAT slot.
	ContainsBlock(blockID uint32) bool

	// ReadBlock reads a block's bitmap, and its data unless onlyBitmap is
	// set. Fails with ErrBlockAbsent if blockID has no BAT entry.
	ReadBlock(blockID uint32, onlyBitmap bool) (Block, error)

	// EnsureBatSize grows the BAT, relocating data as needed, so it can
	// hold at least entries slots.
	EnsureBatSize(entries uint32) error

	// WriteEntireBlock allocates blockID if needed and writes both its
	// bitmap (fully set) and its data in one operation.
	WriteEntireBlock(block Block) error

	// WriteData writes buffer at offsetSectors, splitting across blocks and
	// allocating/bitmap-updating as needed, then rewrites both footers.
	WriteData(offsetSectors uint32, buffer []byte) error

	// CoalesceBlock merges child's blockID into this instance, honoring
	// child's sector bitmap, returning the number of bytes written.
	CoalesceBlock(child Instance, blockID uint32) (int, error)

	// WriteFooter rewrites the footer. When onlyEndFooter is true, only the
	// trailing copy is rewritten (the relocation-time durability
	// checkpoint); otherwise both copies are rewritten.
	WriteFooter(onlyEndFooter bool) error

	// WriteHeader rewrites the header.
	WriteHeader() error

	// WriteBlockAllocationTable rewrites the in-memory BAT to disk.
	WriteBlockAllocationTable() error

	// SetUniqueParentLocator records path as this VHD's parent, encoding it
	// as a W2ku (absolute Windows path, UTF-16LE) locator in slot 0.
	SetUniqueParentLocator(path string) error

	// ReadParentLocatorData reads the raw bytes of parent-locator slot i.
	ReadParentLocatorData(i int) ([]byte, error)

	// WriteParentLocator writes data for parent-locator slot id at
	// byteOffset. Argument order is (id, byteOffset, data): the abstract
	// contract's order, authoritative per the resolved Open Question.
	WriteParentLocator(id int, byteOffset uint64, data []byte) error

	// BatSize returns the current BAT size, in bytes.
	BatSize() uint32

	// Footer returns the currently-loaded footer.
	Footer() Footer

	// Header returns the currently-loaded header.
	Header() Header

	// SetHeader installs h and atomically recomputes the derived geometry
	// so it never goes stale relative to the assigned header.
	SetHeader(h Header)

	// SetFooter installs f.
	SetFooter(f Footer)

	// Path returns the backing path of this instance.
	Path() string

	// Close releases resources held by this instance.
	Close() error
}

// geometry holds the values derived from a header the moment it is
// assigned, per spec note 9: "recomputation must be atomic with
// assignment so geometry never becomes stale."
type geometry struct {
	sectorsPerBlock uint32
	sectorsOfBitmap uint32
	bitmapSize      uint32
	fullBlockSize   uint32
	batSize         uint32
}

// deriveGeometry computes sectorsPerBlock, sectorsOfBitmap, bitmapSize,
// fullBlockSize, and batSize from a header's BlockSize and
// MaxTableEntries, per spec.md section 3 ("Derived geometry").
func deriveGeometry(h Header) geometry {
	sectorsPerBlock := h.BlockSize / SectorSize

	sectorsOfBitmap := ceilDiv(ceilDiv(sectorsPerBlock, 8), SectorSize)
	if sectorsOfBitmap < 1 {
		sectorsOfBitmap = 1
	}

	bitmapSize := sectorsOfBitmap * SectorSize
	fullBlockSize := bitmapSize + h.BlockSize

	return geometry{
		sectorsPerBlock: sectorsPerBlock,
		sectorsOfBitmap: sectorsOfBitmap,
		bitmapSize:      bitmapSize,
		fullBlockSize:   fullBlockSize,
		batSize:         computeBatSize(h.MaxTableEntries),
	}
}

// computeBatSize returns the BAT's on-disk size in bytes for the given
// number of entries, rounded up to a sector, with a floor of one sector.
func computeBatSize(maxTableEntries uint32) uint32 {
	size := ceilDiv(maxTableEntries*4, SectorSize) * SectorSize
	if size < SectorSize {
		size = SectorSize
	}

	return size
}

func ceilDiv(n, d uint32) uint32 {
	return (n + d - 1) / d
}
