package vhd

import (
	"bytes"
	"crypto/rand"
	"time"

	"github.com/dsoprea/go-logging"
)

// File is the file-backed Instance (C5): the concrete implementation of the
// VHD contract against a single on-disk file, reached through a Handler.
type File struct {
	handler Handler
	handle  *Handle
	path    string

	footer Footer
	header Header
	geo    geometry

	// bat is the in-memory block allocation table, kept as a contiguous
	// byte buffer of exactly MaxTableEntries*4 bytes, indexed by 4*i, so
	// that it stays bytewise-identical to its on-disk representation (spec
	// design note: "In-memory BAT as a byte buffer").
	bat []byte
}

var _ Instance = (*File)(nil)

// Open opens an existing VHD file for read+write, eagerly validating its
// footer and header and loading its BAT. Equivalent to
// OpenWithOptions(handler, path, true).
func Open(handler Handler, path string) (f *File, err error) {
	return OpenWithOptions(handler, path, true)
}

// OpenWithOptions opens an existing VHD file, optionally skipping the
// end-footer comparison. checkSecondFooter=false is used when resuming a
// VHD whose sidecar marks it mid-merge: writeFooter(onlyEnd=true) is called
// after each block relocation, refreshing only the end copy, so the primary
// copy may lag behind until the merge finishes (spec section 4.4.2, section
// 4.7).
func OpenWithOptions(handler Handler, path string, checkSecondFooter bool) (f *File, err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			if asErr, ok := errRaw.(error); ok {
				err = log.Wrap(asErr)
			} else {
				err = log.Errorf("panic opening vhd (%s): %v", path, errRaw)
			}
		}
	}()

	handle, err := handler.Open(path, OpenReadWrite)
	log.PanicIf(err)

	f = &File{handler: handler, handle: handle, path: path}

	err = f.ReadHeaderAndFooter(checkSecondFooter)
	log.PanicIf(err)

	err = f.ReadBlockAllocationTable()
	log.PanicIf(err)

	return f, nil
}

// CreateDynamic creates a new, empty dynamic (non-differencing) sparse VHD
// of the given virtual size and block size.
func CreateDynamic(handler Handler, path string, currentSize uint64, blockSize uint32) (f *File, err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			if asErr, ok := errRaw.(error); ok {
				err = log.Wrap(asErr)
			} else {
				err = log.Errorf("panic creating vhd (%s): %v", path, errRaw)
			}
		}
	}()

	handle, err := handler.Open(path, OpenExclusiveCreate)
	log.PanicIf(err)

	f = &File{handler: handler, handle: handle, path: path}

	maxTableEntries := uint32(ceilDiv64(currentSize, uint64(blockSize)))

	header := Header{
		TableOffset:     FooterSize + HeaderSize,
		HeaderVersion:   0x00010000,
		MaxTableEntries: maxTableEntries,
		BlockSize:       blockSize,
	}

	f.SetHeader(header)
	f.bat = bytes.Repeat([]byte{0xFF}, int(maxTableEntries)*4)

	uniqueID, err := newUniqueID()
	log.PanicIf(err)

	footer := Footer{
		Features:           2,
		FileFormatVersion:  0x00010000,
		DataOffset:         FooterSize,
		Timestamp:          time.Now(),
		CreatorApplication: [4]byte{'g', 'v', 'h', 'd'},
		CreatorVersion:     0x00010000,
		CreatorHostOS:      0x5769326b,
		OriginalSize:       currentSize,
		CurrentSize:        currentSize,
		DiskGeometry:       diskGeometryCHS(currentSize),
		DiskType:           DiskTypeDynamic,
		UniqueID:           uniqueID,
	}

	f.SetFooter(footer)

	err = f.persistNewLayout()
	log.PanicIf(err)

	return f, nil
}

// CreateDifferencing creates a new differencing VHD whose unwritten sectors
// delegate to parent. parentAbsolutePath is stored both as the header's
// ParentUnicodeName and, via SetUniqueParentLocator, as a W2ku parent
// locator.
func CreateDifferencing(handler Handler, path string, parent *File, parentAbsolutePath string) (f *File, err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			if asErr, ok := errRaw.(error); ok {
				err = log.Wrap(asErr)
			} else {
				err = log.Errorf("panic creating differencing vhd (%s): %v", path, errRaw)
			}
		}
	}()

	handle, err := handler.Open(path, OpenExclusiveCreate)
	log.PanicIf(err)

	f = &File{handler: handler, handle: handle, path: path}

	blockSize := parent.header.BlockSize
	currentSize := parent.footer.CurrentSize
	maxTableEntries := uint32(ceilDiv64(currentSize, uint64(blockSize)))

	header := Header{
		TableOffset:       FooterSize + HeaderSize,
		HeaderVersion:     0x00010000,
		MaxTableEntries:   maxTableEntries,
		BlockSize:         blockSize,
		ParentUniqueID:    parent.footer.UniqueID,
		ParentTimestamp:   parent.footer.Timestamp,
		ParentUnicodeName: parentAbsolutePath,
	}

	f.SetHeader(header)
	f.bat = bytes.Repeat([]byte{0xFF}, int(maxTableEntries)*4)

	uniqueID, err := newUniqueID()
	log.PanicIf(err)

	footer := Footer{
		Features:           2,
		FileFormatVersion:  0x00010000,
		DataOffset:         FooterSize,
		Timestamp:          time.Now(),
		CreatorApplication: [4]byte{'g', 'v', 'h', 'd'},
		CreatorVersion:     0x00010000,
		CreatorHostOS:      0x5769326b,
		OriginalSize:       currentSize,
		CurrentSize:        currentSize,
		DiskGeometry:       diskGeometryCHS(currentSize),
		DiskType:           DiskTypeDifferencing,
		UniqueID:           uniqueID,
	}

	f.SetFooter(footer)

	err = f.persistNewLayout()
	log.PanicIf(err)

	err = f.SetUniqueParentLocator(parentAbsolutePath)
	log.PanicIf(err)

	return f, nil
}

// persistNewLayout writes the initial footer copies, header, and BAT
// (including its sector padding) of a freshly-created, empty VHD.
func (f *File) persistNewLayout() (err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			if asErr, ok := errRaw.(error); ok {
				err = log.Wrap(asErr)
			} else {
				err = log.Errorf("panic persisting new vhd layout: %v", errRaw)
			}
		}
	}()

	err = f.WriteFooter(false)
	log.PanicIf(err)

	err = f.WriteHeader()
	log.PanicIf(err)

	padded := bytes.Repeat([]byte{0xFF}, int(f.geo.batSize))
	copy(padded, f.bat)

	err = f.handler.WriteAt(f.handle, padded, int64(f.header.TableOffset))
	log.PanicIf(err)

	return nil
}

// Close releases the underlying handle.
func (f *File) Close() error {
	return f.handler.Close(f.handle)
}

// Path returns the backing path.
func (f *File) Path() string {
	return f.path
}

// Footer returns the currently-loaded footer.
func (f *File) Footer() Footer {
	return f.footer
}

// Header returns the currently-loaded header.
func (f *File) Header() Header {
	return f.header
}

// SetFooter installs f2 as the current footer.
func (f *File) SetFooter(f2 Footer) {
	f.footer = f2
}

// SetHeader installs h and atomically recomputes derived geometry.
func (f *File) SetHeader(h Header) {
	f.header = h
	f.geo = deriveGeometry(h)
}

// BatSize returns the current on-disk BAT size, in bytes (sector-rounded).
func (f *File) BatSize() uint32 {
	return f.geo.batSize
}

// ReadHeaderAndFooter implements Instance.ReadHeaderAndFooter (spec 4.4.2).
func (f *File) ReadHeaderAndFooter(checkSecondFooter bool) (err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			if asErr, ok := errRaw.(error); ok {
				err = log.Wrap(asErr)
			} else {
				err = log.Errorf("panic reading header/footer (%s): %v", f.path, errRaw)
			}
		}
	}()

	buf := make([]byte, FooterSize+HeaderSize)

	_, err = f.handler.ReadAt(f.handle, buf, 0)
	log.PanicIf(err)

	footer, err := unpackFooter(buf[:FooterSize])
	log.PanicIf(err)

	header, err := unpackHeader(buf[FooterSize:])
	log.PanicIf(err)

	f.SetFooter(footer)
	f.SetHeader(header)

	if checkSecondFooter {
		fileSize, sizeErr := f.handler.GetSize(f.path)
		log.PanicIf(sizeErr)

		endBuf := make([]byte, FooterSize)

		_, err = f.handler.ReadAt(f.handle, endBuf, fileSize-FooterSize)
		log.PanicIf(err)

		if bytes.Equal(buf[:FooterSize], endBuf) != true {
			return wrapKind(ErrFooterMismatch, "primary and end footer copies differ for (%s)", f.path)
		}
	}

	return nil
}

// ReadBlockAllocationTable implements Instance.ReadBlockAllocationTable
// (spec 4.4.3).
func (f *File) ReadBlockAllocationTable() (err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			if asErr, ok := errRaw.(error); ok {
				err = log.Wrap(asErr)
			} else {
				err = log.Errorf("panic reading bat (%s): %v", f.path, errRaw)
			}
		}
	}()

	buf := make([]byte, int(f.header.MaxTableEntries)*4)

	_, err = f.handler.ReadAt(f.handle, buf, int64(f.header.TableOffset))
	log.PanicIf(err)

	f.bat = buf

	return nil
}

func (f *File) getBatEntry(id uint32) uint32 {
	if id >= f.header.MaxTableEntries {
		return BlockUnused
	}

	return defaultEncoding.Uint32(f.bat[4*id:])
}

func (f *File) setBatEntry(id uint32, sector uint32) {
	defaultEncoding.PutUint32(f.bat[4*id:], sector)
}

// persistBatEntry writes the single 4-byte BAT slot for id to disk.
func (f *File) persistBatEntry(id uint32) error {
	offset := int64(f.header.TableOffset) + int64(4*id)

	return f.handler.WriteAt(f.handle, f.bat[4*id:4*id+4], offset)
}

// ContainsBlock implements Instance.ContainsBlock.
func (f *File) ContainsBlock(id uint32) bool {
	return f.getBatEntry(id) != BlockUnused
}

// ReadBlock implements Instance.ReadBlock (spec 4.4.4).
func (f *File) ReadBlock(id uint32, onlyBitmap bool) (block Block, err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			if asErr, ok := errRaw.(error); ok {
				err = log.Wrap(asErr)
			} else {
				err = log.Errorf("panic reading block (%d) of (%s): %v", id, f.path, errRaw)
			}
		}
	}()

	sector := f.getBatEntry(id)
	if sector == BlockUnused {
		return block, wrapKind(ErrBlockAbsent, "block (%d) has no bat entry in (%s)", id, f.path)
	}

	readLen := f.geo.bitmapSize
	if onlyBitmap != true {
		readLen = f.geo.fullBlockSize
	}

	buf := make([]byte, readLen)

	_, err = f.handler.ReadAt(f.handle, buf, int64(sector)*SectorSize)
	log.PanicIf(err)

	block = Block{ID: id, Bitmap: buf[:f.geo.bitmapSize]}
	if onlyBitmap != true {
		block.Data = buf[f.geo.bitmapSize:]
	}

	return block, nil
}

// getEndOfHeaders implements the spec 4.3 _getEndOfHeaders() formula.
func (f *File) getEndOfHeaders() uint64 {
	result := uint64(FooterSize + HeaderSize)

	if candidate := uint64(f.header.TableOffset) + uint64(f.geo.batSize); candidate > result {
		result = candidate
	}

	for _, entry := range f.header.ParentLocator {
		if entry.PlatformCode == PlatformCodeNone {
			continue
		}

		candidate := entry.PlatformDataOffset + uint64(entry.PlatformDataSpace)*SectorSize
		if candidate > result {
			result = candidate
		}
	}

	return result
}

// getEndOfLocators is like getEndOfHeaders but excludes the BAT's own
// extent, used to find free space for parent-locator data strictly within
// the header region (spec 4.4.11, "the area between FOOTER_SIZE+HEADER_SIZE
// and tableOffset").
func (f *File) getEndOfLocators() uint64 {
	result := uint64(FooterSize + HeaderSize)

	for _, entry := range f.header.ParentLocator {
		if entry.PlatformCode == PlatformCodeNone {
			continue
		}

		candidate := entry.PlatformDataOffset + uint64(entry.PlatformDataSpace)*SectorSize
		if candidate > result {
			result = candidate
		}
	}

	return result
}

// getEndOfData implements the spec 4.3 _getEndOfData() formula, returning
// a byte offset.
func (f *File) getEndOfData() uint64 {
	start := uint32(ceilDiv64(f.getEndOfHeaders(), SectorSize))

	maxEnd := start

	for id := uint32(0); id < f.header.MaxTableEntries; id++ {
		sector := f.getBatEntry(id)
		if sector == BlockUnused {
			continue
		}

		candidate := sector + f.geo.sectorsOfBitmap + f.geo.sectorsPerBlock
		if candidate > maxEnd {
			maxEnd = candidate
		}
	}

	return uint64(maxEnd) * SectorSize
}

// getFirstAndLastBlocks returns the BAT entry with the smallest sector
// address (first) and the largest sector address (last) among all
// allocated blocks. ok is false if no blocks are allocated.
func (f *File) getFirstAndLastBlocks() (firstID, firstSector, lastSector uint32, ok bool) {
	for id := uint32(0); id < f.header.MaxTableEntries; id++ {
		sector := f.getBatEntry(id)
		if sector == BlockUnused {
			continue
		}

		if ok != true || sector < firstSector {
			firstID = id
			firstSector = sector
		}

		if ok != true || sector > lastSector {
			lastSector = sector
		}

		ok = true
	}

	return firstID, firstSector, lastSector, ok
}

// freeFirstBlockSpace implements spec 4.4.6: relocate the first (lowest-
// sector) allocated block away from the front of the file until there is
// at least spaceNeeded bytes of room between the end of the BAT and that
// block.
func (f *File) freeFirstBlockSpace(spaceNeeded uint32) (err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			if asErr, ok := errRaw.(error); ok {
				err = log.Wrap(asErr)
			} else {
				err = log.Errorf("panic freeing block space in (%s): %v", f.path, errRaw)
			}
		}
	}()

	firstID, firstSector, lastSector, ok := f.getFirstAndLastBlocks()
	if ok != true {
		return nil
	}

	batEnd := uint64(f.header.TableOffset) + uint64(f.geo.batSize) + uint64(spaceNeeded)
	if batEnd <= uint64(firstSector)*SectorSize {
		return nil
	}

	targetSector := lastSector + f.geo.fullBlockSize/SectorSize

	minTargetSector := uint32(ceilDiv64(batEnd, SectorSize))
	if minTargetSector > targetSector {
		targetSector = minTargetSector
	}

	buf := make([]byte, f.geo.fullBlockSize)

	_, err = f.handler.ReadAt(f.handle, buf, int64(firstSector)*SectorSize)
	log.PanicIf(err)

	err = f.handler.WriteAt(f.handle, buf, int64(targetSector)*SectorSize)
	log.PanicIf(err)

	f.setBatEntry(firstID, targetSector)

	err = f.persistBatEntry(firstID)
	log.PanicIf(err)

	// Durability checkpoint: the end-of-data invariant must hold for the
	// new layout before we continue, even mid-relocation.
	err = f.WriteFooter(true)
	log.PanicIf(err)

	if spaceNeeded > f.geo.fullBlockSize {
		return f.freeFirstBlockSpace(spaceNeeded - f.geo.fullBlockSize)
	}

	return nil
}

// EnsureBatSize implements Instance.EnsureBatSize (spec 4.4.5).
func (f *File) EnsureBatSize(entries uint32) (err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			if asErr, ok := errRaw.(error); ok {
				err = log.Wrap(asErr)
			} else {
				err = log.Errorf("panic growing bat of (%s): %v", f.path, errRaw)
			}
		}
	}()

	if entries <= f.header.MaxTableEntries {
		return nil
	}

	oldBatSize := f.geo.batSize
	newBatSize := computeBatSize(entries)

	err = f.freeFirstBlockSpace(newBatSize - oldBatSize)
	log.PanicIf(err)

	newBat := bytes.Repeat([]byte{0xFF}, int(entries)*4)
	copy(newBat, f.bat)
	f.bat = newBat

	tail := bytes.Repeat([]byte{0xFF}, int(newBatSize-oldBatSize))

	err = f.handler.WriteAt(f.handle, tail, int64(f.header.TableOffset)+int64(oldBatSize))
	log.PanicIf(err)

	h := f.header
	h.MaxTableEntries = entries
	f.SetHeader(h)

	err = f.WriteHeader()
	log.PanicIf(err)

	return nil
}

// createBlock implements spec 4.4.7: allocates a BAT slot at the current
// end of data, without writing any bitmap/data bytes.
func (f *File) createBlock(id uint32) (sector uint32, err error) {
	if f.ContainsBlock(id) {
		return 0, wrapKind(ErrAssertionFailure, "createBlock called on already-allocated slot (%d)", id)
	}

	sector = uint32(ceilDiv64(f.getEndOfData(), SectorSize))
	f.setBatEntry(id, sector)

	return sector, nil
}

// WriteEntireBlock implements Instance.WriteEntireBlock.
func (f *File) WriteEntireBlock(block Block) (err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			if asErr, ok := errRaw.(error); ok {
				err = log.Wrap(asErr)
			} else {
				err = log.Errorf("panic writing entire block (%d) of (%s): %v", block.ID, f.path, errRaw)
			}
		}
	}()

	var sector uint32

	if f.ContainsBlock(block.ID) {
		sector = f.getBatEntry(block.ID)
	} else {
		sector, err = f.createBlock(block.ID)
		log.PanicIf(err)

		err = f.persistBatEntry(block.ID)
		log.PanicIf(err)
	}

	bitmap := make([]byte, f.geo.bitmapSize)
	for s := uint32(0); s < f.geo.sectorsPerBlock; s++ {
		bitmapSet(bitmap, int(s))
	}

	buf := make([]byte, 0, f.geo.fullBlockSize)
	buf = append(buf, bitmap...)
	buf = append(buf, block.Data...)

	err = f.handler.WriteAt(f.handle, buf, int64(sector)*SectorSize)
	log.PanicIf(err)

	return nil
}

// writeBlockSectors implements the partial-write path shared by WriteData
// and CoalesceBlock: allocate id if needed, merge [offsetInBlock,
// endInBlock) into its bitmap, write the bitmap, then write data at the
// corresponding sector range.
func (f *File) writeBlockSectors(id, offsetInBlock, endInBlock uint32, data []byte) (err error) {
	var sector uint32

	bitmap := make([]byte, f.geo.bitmapSize)

	if f.ContainsBlock(id) {
		sector = f.getBatEntry(id)

		_, err = f.handler.ReadAt(f.handle, bitmap, int64(sector)*SectorSize)
		if err != nil {
			return err
		}
	} else {
		sector, err = f.createBlock(id)
		if err != nil {
			return err
		}

		if err = f.persistBatEntry(id); err != nil {
			return err
		}
	}

	for s := offsetInBlock; s < endInBlock; s++ {
		bitmapSet(bitmap, int(s))
	}

	if err = f.handler.WriteAt(f.handle, bitmap, int64(sector)*SectorSize); err != nil {
		return err
	}

	dataOffset := int64(sector)*SectorSize + int64(f.geo.bitmapSize) + int64(offsetInBlock)*SectorSize

	return f.handler.WriteAt(f.handle, data, dataOffset)
}

// WriteData implements Instance.WriteData (spec 4.4.8).
func (f *File) WriteData(offsetSectors uint32, buffer []byte) (err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			if asErr, ok := errRaw.(error); ok {
				err = log.Wrap(asErr)
			} else {
				err = log.Errorf("panic writing data to (%s): %v", f.path, errRaw)
			}
		}
	}()

	if len(buffer)%SectorSize != 0 {
		log.Panicf("writeData buffer length must be a multiple of the sector size: (%d)", len(buffer))
	}

	sectorCount := uint32(len(buffer) / SectorSize)
	sectorsPerBlock := f.geo.sectorsPerBlock

	startBlock := offsetSectors / sectorsPerBlock
	endBlock := ceilDiv(offsetSectors+sectorCount, sectorsPerBlock)

	for blockID := startBlock; blockID < endBlock; blockID++ {
		blockStartSector := blockID * sectorsPerBlock

		rangeStart := offsetSectors
		if blockStartSector > rangeStart {
			rangeStart = blockStartSector
		}

		rangeEnd := offsetSectors + sectorCount
		if blockStartSector+sectorsPerBlock < rangeEnd {
			rangeEnd = blockStartSector + sectorsPerBlock
		}

		offsetInBlock := rangeStart - blockStartSector
		endInBlock := rangeEnd - blockStartSector

		startInBuffer := (rangeStart - offsetSectors) * SectorSize
		endInBuffer := (rangeEnd - offsetSectors) * SectorSize

		slice := buffer[startInBuffer:endInBuffer]

		if offsetInBlock == 0 && endInBlock == sectorsPerBlock {
			err = f.WriteEntireBlock(Block{ID: blockID, Data: slice})
		} else {
			err = f.writeBlockSectors(blockID, offsetInBlock, endInBlock, slice)
		}

		log.PanicIf(err)
	}

	err = f.WriteFooter(false)
	log.PanicIf(err)

	return nil
}

// findBitmapRuns returns the maximal runs of consecutive set bits in bitmap
// across [0, sectorCount).
func findBitmapRuns(bitmap []byte, sectorCount uint32) [][2]uint32 {
	runs := make([][2]uint32, 0)

	var runStart uint32
	inRun := false

	for s := uint32(0); s < sectorCount; s++ {
		set := bitmapTest(bitmap, int(s))

		if set && !inRun {
			runStart = s
			inRun = true
		} else if !set && inRun {
			runs = append(runs, [2]uint32{runStart, s})
			inRun = false
		}
	}

	if inRun {
		runs = append(runs, [2]uint32{runStart, sectorCount})
	}

	return runs
}

// CoalesceBlock implements Instance.CoalesceBlock (spec 4.4.9).
func (f *File) CoalesceBlock(child Instance, blockID uint32) (mergedByteCount int, err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			if asErr, ok := errRaw.(error); ok {
				err = log.Wrap(asErr)
			} else {
				err = log.Errorf("panic coalescing block (%d) into (%s): %v", blockID, f.path, errRaw)
			}
		}
	}()

	childBlock, err := child.ReadBlock(blockID, false)
	log.PanicIf(err)

	runs := findBitmapRuns(childBlock.Bitmap, f.geo.sectorsPerBlock)

	for _, run := range runs {
		start, end := run[0], run[1]

		dataSlice := childBlock.Data[start*SectorSize : end*SectorSize]

		if start == 0 && end == f.geo.sectorsPerBlock {
			err = f.WriteEntireBlock(Block{ID: blockID, Data: dataSlice})
		} else {
			err = f.writeBlockSectors(blockID, start, end, dataSlice)
		}

		log.PanicIf(err)

		mergedByteCount += len(dataSlice)
	}

	return mergedByteCount, nil
}

// WriteFooter implements Instance.WriteFooter (spec 4.4.10).
func (f *File) WriteFooter(onlyEndFooter bool) (err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			if asErr, ok := errRaw.(error); ok {
				err = log.Wrap(asErr)
			} else {
				err = log.Errorf("panic writing footer of (%s): %v", f.path, errRaw)
			}
		}
	}()

	buf, err := packFooter(f.footer)
	log.PanicIf(err)

	endOfData := f.getEndOfData()

	fileSize, sizeErr := f.handler.GetSize(f.path)
	if sizeErr != nil {
		// A brand new file has no size yet; treat it as zero so the end
		// copy lands at endOfData.
		fileSize = 0
	}

	endCopyOffset := endOfData
	if candidate := uint64(fileSize) - FooterSize; fileSize >= FooterSize && candidate > endCopyOffset {
		endCopyOffset = candidate
	}

	err = f.handler.WriteAt(f.handle, buf, int64(endCopyOffset))
	log.PanicIf(err)

	if onlyEndFooter != true {
		err = f.handler.WriteAt(f.handle, buf, 0)
		log.PanicIf(err)
	}

	return nil
}

// WriteHeader implements Instance.WriteHeader.
func (f *File) WriteHeader() (err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			if asErr, ok := errRaw.(error); ok {
				err = log.Wrap(asErr)
			} else {
				err = log.Errorf("panic writing header of (%s): %v", f.path, errRaw)
			}
		}
	}()

	buf, err := packHeader(f.header)
	log.PanicIf(err)

	return f.handler.WriteAt(f.handle, buf, FooterSize)
}

// WriteBlockAllocationTable implements Instance.WriteBlockAllocationTable.
func (f *File) WriteBlockAllocationTable() error {
	return f.handler.WriteAt(f.handle, f.bat, int64(f.header.TableOffset))
}

// ensureSpaceForParentLocators implements the allocation half of spec
// 4.4.11: find (or make, by relocating blocks and shifting tableOffset)
// room for neededSectors of locator data strictly within the header
// region, returning the byte offset to write at.
func (f *File) ensureSpaceForParentLocators(neededSectors uint32) (offset uint64, err error) {
	needed := uint64(neededSectors) * SectorSize
	endLocators := f.getEndOfLocators()
	available := uint64(f.header.TableOffset) - endLocators

	if available >= needed {
		return endLocators, nil
	}

	deficit := needed - available
	deficitSectors := uint32(ceilDiv64(deficit, SectorSize))
	deficit = uint64(deficitSectors) * SectorSize

	err = f.freeFirstBlockSpace(uint32(deficit))
	if err != nil {
		return 0, err
	}

	h := f.header
	h.TableOffset += deficit
	f.SetHeader(h)

	if err = f.WriteBlockAllocationTable(); err != nil {
		return 0, err
	}

	if err = f.WriteHeader(); err != nil {
		return 0, err
	}

	return endLocators, nil
}

// SetUniqueParentLocator implements Instance.SetUniqueParentLocator (spec
// 4.4.11): encodes path as an absolute Windows path (UTF-16LE) and records
// it as parent-locator slot 0, the only platform this core writes (W2ku).
func (f *File) SetUniqueParentLocator(path string) (err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			if asErr, ok := errRaw.(error); ok {
				err = log.Wrap(asErr)
			} else {
				err = log.Errorf("panic setting parent locator of (%s): %v", f.path, errRaw)
			}
		}
	}()

	data := encodeParentLocatorPath(path)

	neededSectors := ceilDiv(uint32(len(data)), SectorSize)
	if neededSectors == 0 {
		neededSectors = 1
	}

	offset, err := f.ensureSpaceForParentLocators(neededSectors)
	log.PanicIf(err)

	err = f.WriteParentLocator(0, offset, data)
	log.PanicIf(err)

	h := f.header
	h.ParentLocator[0] = ParentLocatorEntry{
		PlatformCode:       PlatformCodeW2ku,
		PlatformDataSpace:  neededSectors,
		PlatformDataLength: uint32(len(data)),
		PlatformDataOffset: offset,
	}

	for i := 1; i < ParentLocatorEntries; i++ {
		h.ParentLocator[i] = ParentLocatorEntry{}
	}

	f.SetHeader(h)

	err = f.WriteHeader()
	log.PanicIf(err)

	// Shifting tableOffset moves the end of data (and the BAT may now sit
	// over the old end footer), so both footer copies are rewritten.
	return f.WriteFooter(false)
}

// ReadParentLocatorData implements Instance.ReadParentLocatorData, using
// the abstract contract's condition (platformDataSpace > 0) per the
// resolved Open Question in spec section 9.
func (f *File) ReadParentLocatorData(i int) (data []byte, err error) {
	entry := f.header.ParentLocator[i]

	if entry.PlatformDataSpace == 0 {
		return nil, nil
	}

	data = make([]byte, entry.PlatformDataLength)

	_, err = f.handler.ReadAt(f.handle, data, int64(entry.PlatformDataOffset))
	if err != nil {
		return nil, err
	}

	return data, nil
}

// WriteParentLocator implements Instance.WriteParentLocator. Argument order
// is (id, byteOffset, data), the abstract contract's order, per the
// resolved Open Question in spec section 9; id is accepted for interface
// symmetry with the header's ParentLocator slots but the actual write
// target is byteOffset, exactly as the caller (SetUniqueParentLocator)
// already resolved it.
func (f *File) WriteParentLocator(id int, byteOffset uint64, data []byte) error {
	if id < 0 || id >= ParentLocatorEntries {
		return wrapKind(ErrAssertionFailure, "parent-locator id out of range: (%d)", id)
	}

	return f.handler.WriteAt(f.handle, data, int64(byteOffset))
}

func ceilDiv64(n, d uint64) uint64 {
	return (n + d - 1) / d
}

// newUniqueID generates a 16-byte identifier for a footer's UniqueID field.
// No UUID library appears anywhere in the retrieved corpus, so this uses
// crypto/rand directly -- standard-library use justified by absence of a
// corpus-grounded alternative.
func newUniqueID() (id [16]byte, err error) {
	_, err = rand.Read(id[:])
	return id, err
}

// diskGeometryCHS computes the packed cylinders/heads/sectors-per-track
// value a VHD footer's DiskGeometry field carries, following the CHS
// translation in other_examples/..direktiv-vorteil__pkg-vhd-dynamic.go.go's
// writeRedundantFooter.
func diskGeometryCHS(currentSize uint64) uint32 {
	totalSectors := currentSize / SectorSize
	if totalSectors > 65535*16*255 {
		totalSectors = 65535 * 16 * 255
	}

	var cylinders, heads, sectorsPerTrack uint64

	if totalSectors >= 65535*16*63 {
		sectorsPerTrack = 255
		heads = 16
		cylinders = totalSectors / sectorsPerTrack / heads

		return uint32(cylinders<<16 | heads<<8 | sectorsPerTrack)
	}

	sectorsPerTrack = 17
	cylinderTimesHeads := totalSectors / sectorsPerTrack
	heads = (cylinderTimesHeads + 1023) / 1024

	if heads < 4 {
		heads = 4
	}

	if cylinderTimesHeads >= heads*1024 || heads > 16 {
		sectorsPerTrack = 31
		heads = 16
		cylinderTimesHeads = totalSectors / sectorsPerTrack
	}

	if cylinderTimesHeads >= heads*1024 {
		sectorsPerTrack = 63
		heads = 16
		cylinderTimesHeads = totalSectors / sectorsPerTrack
	}

	cylinders = cylinderTimesHeads / heads

	return uint32(cylinders<<16 | heads<<8 | sectorsPerTrack)
}
