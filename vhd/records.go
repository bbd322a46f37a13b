package vhd

import (
	"bytes"
	"encoding/binary"
	"time"
	"unicode/utf16"

	"github.com/dsoprea/go-logging"
	"github.com/go-restruct/restruct"
)

// defaultEncoding is the byte order every structured record in this package
// is packed/unpacked with. Kept as a package-level var, mirroring the
// teacher's own `defaultEncoding` used identically by restruct.Unpack and
// binary.Read throughout structures.go.
var defaultEncoding = binary.BigEndian

const (
	footerChecksumOffset = 64
	footerChecksumLength = 4

	headerChecksumOffset = 36
	headerChecksumLength = 4
)

// rawFooter is the exact 512-byte, big-endian on-disk layout of a VHD
// footer. It mirrors the struct in other_examples/..direktiv-
// vorteil__pkg-vhd-dynamic.go.go's writeRedundantFooter, field for field.
type rawFooter struct {
	Cookie             [8]byte
	Features           uint32
	FileFormatVersion  uint32
	DataOffset         uint64
	Timestamp          uint32
	CreatorApplication [4]byte
	CreatorVersion     uint32
	CreatorHostOS      uint32
	OriginalSize       uint64
	CurrentSize        uint64
	DiskGeometry       uint32
	DiskType           uint32
	Checksum           uint32
	UniqueID           [16]byte
	SavedState         uint8
	Reserved           [427]byte
}

// rawParentLocatorEntry is one of the header's eight parent-locator slots.
type rawParentLocatorEntry struct {
	PlatformCode       uint32
	PlatformDataSpace  uint32
	PlatformDataLength uint32
	Reserved           uint32
	PlatformDataOffset uint64
}

// rawHeader is the exact 1024-byte, big-endian on-disk layout of a VHD
// sparse-extension header.
type rawHeader struct {
	Cookie             [8]byte
	DataOffset         uint64
	TableOffset        uint64
	HeaderVersion      uint32
	MaxTableEntries    uint32
	BlockSize          uint32
	Checksum           uint32
	ParentUniqueID     [16]byte
	ParentTimestamp    uint32
	Reserved1          uint32
	ParentUnicodeName  [512]byte
	ParentLocatorEntry [ParentLocatorEntries]rawParentLocatorEntry
	Reserved2          [256]byte
}

// ParentLocatorEntry is the friendly representation of one parent-locator
// slot.
type ParentLocatorEntry struct {
	PlatformCode PlatformCode

	// PlatformDataSpace is the number of sectors reserved for this
	// locator's data.
	PlatformDataSpace uint32

	// PlatformDataLength is the number of bytes of that reserved space that
	// are actually meaningful.
	PlatformDataLength uint32

	// PlatformDataOffset is the absolute byte offset of the locator's data.
	PlatformDataOffset uint64
}

// Footer is the friendly representation of a VHD footer.
type Footer struct {
	Features           uint32
	FileFormatVersion  uint32
	DataOffset         uint64
	Timestamp          time.Time
	CreatorApplication [4]byte
	CreatorVersion     uint32
	CreatorHostOS      uint32
	OriginalSize       uint64
	CurrentSize        uint64
	DiskGeometry       uint32
	DiskType           DiskType
	UniqueID           [16]byte
	SavedState         uint8
}

// Header is the friendly representation of a VHD sparse-extension header.
type Header struct {
	TableOffset       uint64
	HeaderVersion     uint32
	MaxTableEntries   uint32
	BlockSize         uint32
	ParentUniqueID    [16]byte
	ParentTimestamp   time.Time
	ParentUnicodeName string
	ParentLocator     [ParentLocatorEntries]ParentLocatorEntry
}

func vhdTimestamp(t time.Time) uint32 {
	if t.IsZero() {
		return 0
	}

	return uint32(t.UTC().Unix() - epochOffsetSeconds)
}

func timeFromVHDTimestamp(ts uint32) time.Time {
	return time.Unix(int64(ts)+epochOffsetSeconds, 0).UTC()
}

// checksum implements the VHD one's-complement checksum: sum every byte of
// buf as unsigned, treating the checksum field itself (at
// [fieldOffset:fieldOffset+fieldLen)) as zero, then return the bitwise NOT
// of that sum truncated to 32 bits.
func checksum(buf []byte, fieldOffset, fieldLen int) uint32 {
	var sum uint32

	for i, b := range buf {
		if i >= fieldOffset && i < fieldOffset+fieldLen {
			continue
		}

		sum += uint32(b)
	}

	return ^sum
}

// packFooter serializes f into a FooterSize-byte big-endian buffer with a
// correct checksum.
func packFooter(f Footer) (buf []byte, err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			if asErr, ok := errRaw.(error); ok {
				err = log.Wrap(asErr)
			} else {
				err = log.Errorf("panic packing footer: %v", errRaw)
			}
		}
	}()

	rf := rawFooter{
		Cookie:             footerCookie,
		Features:           f.Features,
		FileFormatVersion:  f.FileFormatVersion,
		DataOffset:         f.DataOffset,
		Timestamp:          vhdTimestamp(f.Timestamp),
		CreatorApplication: f.CreatorApplication,
		CreatorVersion:     f.CreatorVersion,
		CreatorHostOS:      f.CreatorHostOS,
		OriginalSize:       f.OriginalSize,
		CurrentSize:        f.CurrentSize,
		DiskGeometry:       f.DiskGeometry,
		DiskType:           uint32(f.DiskType),
		UniqueID:           f.UniqueID,
		SavedState:         f.SavedState,
	}

	buf, err = restruct.Pack(defaultEncoding, &rf)
	log.PanicIf(err)

	binary.BigEndian.PutUint32(buf[footerChecksumOffset:], checksum(buf, footerChecksumOffset, footerChecksumLength))

	return buf, nil
}

// unpackFooter parses a FooterSize-byte buffer, returning ErrInvalidRecord
// if the cookie is wrong and ErrBadChecksum if the stored checksum does not
// match.
func unpackFooter(buf []byte) (f Footer, err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			if asErr, ok := errRaw.(error); ok {
				err = log.Wrap(asErr)
			} else {
				err = log.Errorf("panic unpacking footer: %v", errRaw)
			}
		}
	}()

	if len(buf) != FooterSize {
		return f, wrapKind(ErrInvalidRecord, "footer buffer must be exactly (%d) bytes, got (%d)", FooterSize, len(buf))
	}

	var rf rawFooter

	err = restruct.Unpack(buf, defaultEncoding, &rf)
	log.PanicIf(err)

	if bytes.Equal(rf.Cookie[:], footerCookie[:]) != true {
		return f, wrapKind(ErrInvalidRecord, "footer cookie not recognized: %x", rf.Cookie)
	}

	expected := checksum(buf, footerChecksumOffset, footerChecksumLength)
	actual := binary.BigEndian.Uint32(buf[footerChecksumOffset:])

	if expected != actual {
		return f, wrapKind(ErrBadChecksum, "footer checksum mismatch: stored=(0x%08x) computed=(0x%08x)", actual, expected)
	}

	f = Footer{
		Features:           rf.Features,
		FileFormatVersion:  rf.FileFormatVersion,
		DataOffset:         rf.DataOffset,
		Timestamp:          timeFromVHDTimestamp(rf.Timestamp),
		CreatorApplication: rf.CreatorApplication,
		CreatorVersion:     rf.CreatorVersion,
		CreatorHostOS:      rf.CreatorHostOS,
		OriginalSize:       rf.OriginalSize,
		CurrentSize:        rf.CurrentSize,
		DiskGeometry:       rf.DiskGeometry,
		DiskType:           DiskType(rf.DiskType),
		UniqueID:           rf.UniqueID,
		SavedState:         rf.SavedState,
	}

	return f, nil
}

// packHeader serializes h into a HeaderSize-byte big-endian buffer with a
// correct checksum.
func packHeader(h Header) (buf []byte, err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			if asErr, ok := errRaw.(error); ok {
				err = log.Wrap(asErr)
			} else {
				err = log.Errorf("panic packing header: %v", errRaw)
			}
		}
	}()

	rh := rawHeader{
		Cookie:          headerCookie,
		DataOffset:      unusedDataOffset,
		TableOffset:     h.TableOffset,
		HeaderVersion:   h.HeaderVersion,
		MaxTableEntries: h.MaxTableEntries,
		BlockSize:       h.BlockSize,
		ParentUniqueID:  h.ParentUniqueID,
		ParentTimestamp: vhdTimestamp(h.ParentTimestamp),
	}

	encodeParentUnicodeName(h.ParentUnicodeName, rh.ParentUnicodeName[:])

	for i, ple := range h.ParentLocator {
		rh.ParentLocatorEntry[i] = rawParentLocatorEntry{
			PlatformCode:       uint32(ple.PlatformCode),
			PlatformDataSpace:  ple.PlatformDataSpace,
			PlatformDataLength: ple.PlatformDataLength,
			PlatformDataOffset: ple.PlatformDataOffset,
		}
	}

	buf, err = restruct.Pack(defaultEncoding, &rh)
	log.PanicIf(err)

	binary.BigEndian.PutUint32(buf[headerChecksumOffset:], checksum(buf, headerChecksumOffset, headerChecksumLength))

	return buf, nil
}

// unpackHeader parses a HeaderSize-byte buffer, returning ErrInvalidRecord
// if the cookie is wrong or headerVersion < 1, and ErrBadChecksum if the
// stored checksum does not match.
func unpackHeader(buf []byte) (h Header, err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			if asErr, ok := errRaw.(error); ok {
				err = log.Wrap(asErr)
			} else {
				err = log.Errorf("panic unpacking header: %v", errRaw)
			}
		}
	}()

	if len(buf) != HeaderSize {
		return h, wrapKind(ErrInvalidRecord, "header buffer must be exactly (%d) bytes, got (%d)", HeaderSize, len(buf))
	}

	var rh rawHeader

	err = restruct.Unpack(buf, defaultEncoding, &rh)
	log.PanicIf(err)

	if bytes.Equal(rh.Cookie[:], headerCookie[:]) != true {
		return h, wrapKind(ErrInvalidRecord, "header cookie not recognized: %x", rh.Cookie)
	}

	if rh.HeaderVersion < 1 {
		return h, wrapKind(ErrInvalidRecord, "unsupported header version: (%d)", rh.HeaderVersion)
	}

	expected := checksum(buf, headerChecksumOffset, headerChecksumLength)
	actual := binary.BigEndian.Uint32(buf[headerChecksumOffset:])

	if expected != actual {
		return h, wrapKind(ErrBadChecksum, "header checksum mismatch: stored=(0x%08x) computed=(0x%08x)", actual, expected)
	}

	h = Header{
		TableOffset:       rh.TableOffset,
		HeaderVersion:     rh.HeaderVersion,
		MaxTableEntries:   rh.MaxTableEntries,
		BlockSize:         rh.BlockSize,
		ParentUniqueID:    rh.ParentUniqueID,
		ParentTimestamp:   timeFromVHDTimestamp(rh.ParentTimestamp),
		ParentUnicodeName: decodeParentUnicodeName(rh.ParentUnicodeName[:]),
	}

	for i, rple := range rh.ParentLocatorEntry {
		h.ParentLocator[i] = ParentLocatorEntry{
			PlatformCode:       PlatformCode(rple.PlatformCode),
			PlatformDataSpace:  rple.PlatformDataSpace,
			PlatformDataLength: rple.PlatformDataLength,
			PlatformDataOffset: rple.PlatformDataOffset,
		}
	}

	return h, nil
}

// encodeParentUnicodeName writes name into dst as NUL-padded UTF-16BE, the
// layout the header's ParentUnicodeName field uses.
func encodeParentUnicodeName(name string, dst []byte) {
	units := utf16.Encode([]rune(name))

	for i := 0; i < len(dst)/2; i++ {
		var unit uint16
		if i < len(units) {
			unit = units[i]
		}

		dst[i*2] = byte(unit >> 8)
		dst[i*2+1] = byte(unit)
	}
}

// decodeParentUnicodeName reads a NUL-padded UTF-16BE field back to a Go
// string, stopping at the first NUL code unit.
func decodeParentUnicodeName(src []byte) string {
	units := make([]uint16, 0, len(src)/2)

	for i := 0; i < len(src)/2; i++ {
		unit := uint16(src[i*2])<<8 | uint16(src[i*2+1])
		if unit == 0 {
			break
		}

		units = append(units, unit)
	}

	return string(utf16.Decode(units))
}

// encodeParentLocatorPath encodes an absolute Windows path as the UTF-16LE
// bytes a W2ku parent-locator stores.
func encodeParentLocatorPath(path string) []byte {
	units := utf16.Encode([]rune(path))
	out := make([]byte, len(units)*2)

	for i, unit := range units {
		out[i*2] = byte(unit)
		out[i*2+1] = byte(unit >> 8)
	}

	return out
}

// decodeParentLocatorPath reverses encodeParentLocatorPath.
func decodeParentLocatorPath(data []byte) string {
	units := make([]uint16, len(data)/2)

	for i := range units {
		units[i] = uint16(data[i*2]) | uint16(data[i*2+1])<<8
	}

	return string(utf16.Decode(units))
}

