package vhd

import (
	"testing"
	"time"

	"github.com/dsoprea/go-logging"
)

func testFooter() Footer {
	return Footer{
		Features:           2,
		FileFormatVersion:  0x00010000,
		DataOffset:         FooterSize,
		Timestamp:          time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		CreatorApplication: [4]byte{'g', 'v', 'h', 'd'},
		CreatorVersion:     0x00010000,
		CreatorHostOS:      0x5769326b,
		OriginalSize:       1 << 20,
		CurrentSize:        1 << 20,
		DiskGeometry:       0x00010101,
		DiskType:           DiskTypeDynamic,
		UniqueID:           [16]byte{1, 2, 3, 4},
	}
}

func TestPackUnpackFooterRoundTrip(t *testing.T) {
	f := testFooter()

	buf, err := packFooter(f)
	log.PanicIf(err)

	if len(buf) != FooterSize {
		t.Fatalf("packed footer has wrong length: (%d)", len(buf))
	}

	roundTripped, err := unpackFooter(buf)
	log.PanicIf(err)

	if roundTripped.CurrentSize != f.CurrentSize {
		t.Fatalf("current-size did not round-trip: (%d) != (%d)", roundTripped.CurrentSize, f.CurrentSize)
	} else if roundTripped.DiskType != f.DiskType {
		t.Fatalf("disk-type did not round-trip: (%d) != (%d)", roundTripped.DiskType, f.DiskType)
	} else if roundTripped.UniqueID != f.UniqueID {
		t.Fatalf("unique-id did not round-trip")
	} else if roundTripped.Timestamp.Unix() != f.Timestamp.Unix() {
		t.Fatalf("timestamp did not round-trip: (%s) != (%s)", roundTripped.Timestamp, f.Timestamp)
	}
}

func TestUnpackFooterBadCookie(t *testing.T) {
	f := testFooter()

	buf, err := packFooter(f)
	log.PanicIf(err)

	buf[0] = 'x'

	_, err = unpackFooter(buf)
	if err == nil {
		t.Fatalf("expected an error for a corrupted cookie")
	}
}

func TestUnpackFooterBadChecksum(t *testing.T) {
	f := testFooter()

	buf, err := packFooter(f)
	log.PanicIf(err)

	buf[footerChecksumOffset] ^= 0xFF

	_, err = unpackFooter(buf)
	if err == nil {
		t.Fatalf("expected an error for a corrupted checksum")
	}
}

func testHeader() Header {
	h := Header{
		TableOffset:     FooterSize + HeaderSize,
		HeaderVersion:   0x00010000,
		MaxTableEntries: 16,
		BlockSize:       2 * 1024 * 1024,
	}

	h.ParentLocator[0] = ParentLocatorEntry{PlatformCode: PlatformCodeNone}

	return h
}

func TestPackUnpackHeaderRoundTrip(t *testing.T) {
	h := testHeader()
	h.ParentUnicodeName = "C:\\vhds\\parent.vhd"

	buf, err := packHeader(h)
	log.PanicIf(err)

	if len(buf) != HeaderSize {
		t.Fatalf("packed header has wrong length: (%d)", len(buf))
	}

	roundTripped, err := unpackHeader(buf)
	log.PanicIf(err)

	if roundTripped.MaxTableEntries != h.MaxTableEntries {
		t.Fatalf("max-table-entries did not round-trip: (%d) != (%d)", roundTripped.MaxTableEntries, h.MaxTableEntries)
	} else if roundTripped.ParentUnicodeName != h.ParentUnicodeName {
		t.Fatalf("parent-unicode-name did not round-trip: (%s) != (%s)", roundTripped.ParentUnicodeName, h.ParentUnicodeName)
	}
}

func TestUnpackHeaderBadVersion(t *testing.T) {
	h := testHeader()

	buf, err := packHeader(h)
	log.PanicIf(err)

	buf[24], buf[25], buf[26], buf[27] = 0, 0, 0, 0

	_, err = unpackHeader(buf)
	if err == nil {
		t.Fatalf("expected an error for an unsupported header version")
	}
}

func TestChecksumExcludesItsOwnField(t *testing.T) {
	buf := make([]byte, 16)
	for i := range buf {
		buf[i] = byte(i)
	}

	before := checksum(buf, 4, 4)

	buf[4], buf[5], buf[6], buf[7] = 0xff, 0xff, 0xff, 0xff

	after := checksum(buf, 4, 4)

	if before != after {
		t.Fatalf("checksum must be unaffected by changes within its own field")
	}
}

func TestEncodeDecodeParentLocatorPathRoundTrip(t *testing.T) {
	path := "C:\\Virtual Hard Disks\\parent.vhd"

	data := encodeParentLocatorPath(path)

	roundTripped := decodeParentLocatorPath(data)
	if roundTripped != path {
		t.Fatalf("parent-locator path did not round-trip: (%s) != (%s)", roundTripped, path)
	}
}
