package walredo

// Layout constants mirroring PostgreSQL's on-disk page structures. These are
// the values the in-process redo paths need to locate bytes within a page
// without going through the external wal-redo process at all.
const (
	// BlockSize is the size of one Postgres page/buffer.
	BlockSize = 8192

	pageHeaderSize = 24 // sizeof(PageHeaderData), MAXALIGNed on 64-bit

	// Visibility map: two bits per heap block.
	bitsPerHeapBlock  = 2
	heapBlocksPerByte = 8 / bitsPerHeapBlock
	vmMapSize         = BlockSize - pageHeaderSize
	heapBlocksPerPage = vmMapSize * heapBlocksPerByte

	// CLOG: two bits of transaction status per xid.
	clogBitsPerXact  = 2
	clogXactsPerByte = 8 / clogBitsPerXact
	ClogXactsPerPage = BlockSize * clogXactsPerByte

	// SLRU segment files hold a fixed number of pages regardless of kind.
	SlruPagesPerSegment = 32

	// Multixact offsets SLRU: one 4-byte offset per multixact id.
	MultixactOffsetsPerPage = BlockSize / 4

	// Multixact members SLRU: each member packs a 4-bit status into a shared
	// flags word plus a 4-byte xid, following PostgreSQL's classic
	// flags-block-then-xid-block page layout.
	mxactMemberBitsPerXact  = 4
	membersPerFlagsWord     = 32 / mxactMemberBitsPerXact
	MultixactMembersPerPage = 1636

	// Transaction status values stored in the CLOG's 2-bit field.
	TransactionStatusCommitted = 0x01
	TransactionStatusAborted   = 0x02
)

// heapblkToMapBlock returns which visibility-map page holds heapBlk's bit.
func heapblkToMapBlock(heapBlk uint32) uint32 {
	return heapBlk / heapBlocksPerPage
}

// heapblkToMapByte returns the byte offset (from the start of the map
// contents, i.e. past the page header) for heapBlk's bit.
func heapblkToMapByte(heapBlk uint32) uint32 {
	return (heapBlk % heapBlocksPerPage) / heapBlocksPerByte
}

// heapblkToMapOffset returns the bit offset within that byte.
func heapblkToMapOffset(heapBlk uint32) uint32 {
	return (heapBlk % heapBlocksPerByte) * bitsPerHeapBlock
}

// clogLocation maps an xid to its (page, segment, block-within-segment, byte
// offset, bit shift) in the CLOG SLRU.
type clogLocation struct {
	Page    uint32
	Segno   uint32
	Blkno   uint32
	Byte    uint32
	BitsOff uint32
}

func clogLocate(xid uint32) clogLocation {
	page := xid / ClogXactsPerPage
	pgIndex := xid % ClogXactsPerPage
	return clogLocation{
		Page:    page,
		Segno:   page / SlruPagesPerSegment,
		Blkno:   page % SlruPagesPerSegment,
		Byte:    pgIndex / clogXactsPerByte,
		BitsOff: (xid % clogXactsPerByte) * clogBitsPerXact,
	}
}

// clogSetStatus sets the 2-bit transaction status for xid within a CLOG
// page. CLOG pages carry no page header: the status bits fill the whole
// block, matching ClogXactsPerPage.
func clogSetStatus(page []byte, xid uint32, status byte) {
	loc := clogLocate(xid)
	idx := int(loc.Byte)
	mask := byte(0x03) << loc.BitsOff
	page[idx] = (page[idx] &^ mask) | ((status << loc.BitsOff) & mask)
}

// multixactOffsetLocation maps a multixact id to its (page, segno, blkno,
// byte offset) in the offsets SLRU.
func multixactOffsetLocation(mid uint32) (page, segno, blkno, byteOffset uint32) {
	page = mid / MultixactOffsetsPerPage
	entryno := mid % MultixactOffsetsPerPage
	return page, page / SlruPagesPerSegment, page % SlruPagesPerSegment, entryno * 4
}

// multixactMemberLocation maps a (multixact offset + member index) pair to
// its page/segment/block plus the byte offsets of its xid and of the 4-byte
// flags word it shares with its groupmates, and the bit shift within that
// word.
type multixactMemberLocation struct {
	Page       uint32
	Segno      uint32
	Blkno      uint32
	MemberOff  uint32
	FlagsOff   uint32
	BitShift   uint32
}

func multixactMemberLocate(offset uint32) multixactMemberLocation {
	page := offset / MultixactMembersPerPage
	pgIndex := offset % MultixactMembersPerPage

	groupNo := pgIndex / membersPerFlagsWord
	idxInGroup := pgIndex % membersPerFlagsWord

	numFlagsWords := (MultixactMembersPerPage + membersPerFlagsWord - 1) / membersPerFlagsWord
	flagsOff := uint32(pageHeaderSize) + groupNo*4
	xidsStart := uint32(pageHeaderSize) + uint32(numFlagsWords)*4

	return multixactMemberLocation{
		Page:      page,
		Segno:     page / SlruPagesPerSegment,
		Blkno:     page % SlruPagesPerSegment,
		MemberOff: xidsStart + pgIndex*4,
		FlagsOff:  flagsOff,
		BitShift:  idxInGroup * mxactMemberBitsPerXact,
	}
}
