// Package vhd implements the on-disk structures and in-place mutation
// operations for Microsoft's "Connectix" sparse VHD format: the footer,
// header, block allocation table, per-block bitmaps and data, and parent
// locators of dynamic and differencing disks.
package vhd

const (
	// SectorSize is the fixed disk-sector size the VHD format is built on.
	SectorSize = 512

	// FooterSize is the size, in bytes, of one footer copy.
	FooterSize = 512

	// HeaderSize is the size, in bytes, of the sparse-extension header.
	HeaderSize = 1024

	// ParentLocatorEntries is the fixed number of parent-locator slots in
	// the header.
	ParentLocatorEntries = 8

	// BlockUnused is the BAT sentinel meaning "no block allocated".
	BlockUnused uint32 = 0xFFFFFFFF
)

// DiskType identifies the disk-type tag carried in the footer.
type DiskType uint32

const (
	// DiskTypeFixed identifies a fixed-size disk. Out of scope for writing;
	// tolerated nowhere in this core since fixed disks have no header/BAT.
	DiskTypeFixed DiskType = 2

	// DiskTypeDynamic identifies a sparse disk with no parent.
	DiskTypeDynamic DiskType = 3

	// DiskTypeDifferencing identifies a sparse disk whose unwritten sectors
	// delegate to a named parent.
	DiskTypeDifferencing DiskType = 4
)

// String renders a DiskType for diagnostics and CLI output.
func (dt DiskType) String() string {
	switch dt {
	case DiskTypeFixed:
		return "fixed"
	case DiskTypeDynamic:
		return "dynamic"
	case DiskTypeDifferencing:
		return "differencing"
	default:
		return "unknown"
	}
}

// PlatformCode identifies how a parent-locator entry's data should be
// interpreted.
type PlatformCode uint32

const (
	// PlatformCodeNone marks an unused parent-locator slot.
	PlatformCodeNone PlatformCode = 0

	// PlatformCodeWi2r is a deprecated relative-path Windows locator,
	// tolerated on read only.
	PlatformCodeWi2r PlatformCode = 0x57693272

	// PlatformCodeW2ru is a relative Windows path locator (UTF-16LE),
	// tolerated on read only.
	PlatformCodeW2ru PlatformCode = 0x57327275

	// PlatformCodeW2ku is an absolute Windows path locator (UTF-16LE). This
	// is the only platform code this core writes.
	PlatformCodeW2ku PlatformCode = 0x57326b75

	// PlatformCodeMac is a Mac OS alias-based locator, tolerated on read
	// only.
	PlatformCodeMac PlatformCode = 0x4d616320

	// PlatformCodeMacX is a Mac OS X absolute path locator (UTF-8),
	// tolerated on read only.
	PlatformCodeMacX PlatformCode = 0x4d616358
)

var (
	footerCookie = [8]byte{'c', 'o', 'n', 'e', 'c', 't', 'i', 'x'}
	headerCookie = [8]byte{'c', 'x', 's', 'p', 'a', 'r', 's', 'e'}

	// unusedDataOffset is the sentinel value the sparse header's DataOffset
	// field carries (the field is unused). The footer's DataOffset instead
	// holds the header's byte offset (FooterSize) for sparse/differencing
	// disks.
	unusedDataOffset uint64 = 0xFFFFFFFFFFFFFFFF
)

// epochOffsetSeconds is the number of seconds between the Unix epoch and
// the VHD format's own epoch (2000-01-01 UTC), used to convert the footer's
// Timestamp field to/from time.Time.
const epochOffsetSeconds = 946684800
