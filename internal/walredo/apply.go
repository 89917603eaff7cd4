package walredo

import (
	"encoding/binary"
	"fmt"
	"log/slog"
)

// ApplyInProcess applies one structured WAL record directly to *page, which
// must already hold the base image (BlockSize bytes, or BlockSize+8 for a
// CLOG page carrying a trailing commit timestamp). page is passed by pointer
// because ClogSetCommitted may grow or truncate it by the 8-byte timestamp
// trailer. The translator resolves the key to the relation/SLRU block each
// variant expects; a mismatch is a contract violation (an upstream bug) and
// panics rather than silently corrupting the page.
func ApplyInProcess(translator KeyTranslator, key Key, page *[]byte, rec WalRecord) error {
	switch r := rec.(type) {
	case ClearVisibilityMapFlags:
		return applyClearVisibilityMapFlags(translator, key, *page, r)
	case ClogSetCommitted:
		return applyClogSetCommitted(translator, key, page, r)
	case ClogSetAborted:
		return applyClogSetAborted(translator, key, *page, r)
	case MultixactOffsetCreate:
		return applyMultixactOffsetCreate(translator, key, *page, r)
	case MultixactMembersCreate:
		return applyMultixactMembersCreate(translator, key, *page, r)
	case PostgresRecord:
		return newError(InvalidRequest, "opaque record reached the in-process apply path")
	default:
		return newError(InvalidRequest, fmt.Sprintf("unknown WAL record type %T", rec))
	}
}

func applyClearVisibilityMapFlags(translator KeyTranslator, key Key, page []byte, r ClearVisibilityMapFlags) error {
	rel, blknum, err := translator.KeyToRelBlock(key)
	if err != nil {
		return wrapError(InvalidRecord, "ClearVisibilityMapFlags key translation failed", err)
	}
	if rel.ForkNum != ForkVisibilityMap {
		panic(fmt.Sprintf("ClearVisibilityMapFlags record on unexpected rel %s", rel))
	}

	clearOne := func(heapBlkno uint32) {
		mapBlock := heapblkToMapBlock(heapBlkno)
		if mapBlock != blknum {
			panic(fmt.Sprintf("ClearVisibilityMapFlags: map block %d does not match heap block %d's VM block %d", blknum, heapBlkno, mapBlock))
		}
		mapByte := heapblkToMapByte(heapBlkno)
		mapOffset := heapblkToMapOffset(heapBlkno)
		idx := pageHeaderSize + int(mapByte)
		page[idx] &^= r.Flags << mapOffset
	}

	if r.NewHeapBlkno != nil {
		clearOne(*r.NewHeapBlkno)
	}
	if r.OldHeapBlkno != nil {
		clearOne(*r.OldHeapBlkno)
	}
	return nil
}

func resolveClogBlock(translator KeyTranslator, key Key, recordName string) (SlruBlock, error) {
	blk, err := translator.KeyToSlruBlock(key)
	if err != nil {
		return SlruBlock{}, wrapError(InvalidRecord, recordName+" key translation failed", err)
	}
	if blk.Kind != SlruClog {
		panic(fmt.Sprintf("%s record with unexpected key kind %s", recordName, blk.Kind))
	}
	return blk, nil
}

func checkClogLocation(blk SlruBlock, xid uint32, recordName string) {
	loc := clogLocate(xid)
	if blk.Segno != loc.Segno || blk.Blkno != loc.Blkno {
		panic(fmt.Sprintf("%s record for xid %d with unexpected key (segno=%d blkno=%d, expected segno=%d blkno=%d)",
			recordName, xid, blk.Segno, blk.Blkno, loc.Segno, loc.Blkno))
	}
}

func applyClogSetCommitted(translator KeyTranslator, key Key, page *[]byte, r ClogSetCommitted) error {
	blk, err := resolveClogBlock(translator, key, "ClogSetCommitted")
	if err != nil {
		return err
	}
	for _, xid := range r.Xids {
		checkClogLocation(blk, xid, "ClogSetCommitted")
		clogSetStatus(*page, xid, TransactionStatusCommitted)
	}
	appendClogTimestamp(page, r.Timestamp, blk)
	return nil
}

func applyClogSetAborted(translator KeyTranslator, key Key, page []byte, r ClogSetAborted) error {
	blk, err := resolveClogBlock(translator, key, "ClogSetAborted")
	if err != nil {
		return err
	}
	for _, xid := range r.Xids {
		checkClogLocation(blk, xid, "ClogSetAborted")
		clogSetStatus(page, xid, TransactionStatusAborted)
	}
	return nil
}

func applyMultixactOffsetCreate(translator KeyTranslator, key Key, page []byte, r MultixactOffsetCreate) error {
	blk, err := translator.KeyToSlruBlock(key)
	if err != nil {
		return wrapError(InvalidRecord, "MultixactOffsetCreate key translation failed", err)
	}
	if blk.Kind != SlruMultiXactOffsets {
		panic(fmt.Sprintf("MultixactOffsetCreate record with unexpected key kind %s", blk.Kind))
	}
	_, segno, blkno, byteOffset := multixactOffsetLocation(r.Mid)
	if blk.Segno != segno || blk.Blkno != blkno {
		panic(fmt.Sprintf("MultixactOffsetCreate record for multi-xid %d with unexpected key", r.Mid))
	}
	binary.LittleEndian.PutUint32(page[byteOffset:byteOffset+4], r.Moff)
	return nil
}

func applyMultixactMembersCreate(translator KeyTranslator, key Key, page []byte, r MultixactMembersCreate) error {
	blk, err := translator.KeyToSlruBlock(key)
	if err != nil {
		return wrapError(InvalidRecord, "MultixactMembersCreate key translation failed", err)
	}
	if blk.Kind != SlruMultiXactMembers {
		panic(fmt.Sprintf("MultixactMembersCreate record with unexpected key kind %s", blk.Kind))
	}
	for i, member := range r.Members {
		loc := multixactMemberLocate(r.Moff + uint32(i))
		if blk.Segno != loc.Segno || blk.Blkno != loc.Blkno {
			panic(fmt.Sprintf("MultixactMembersCreate record for offset %d with unexpected key", r.Moff))
		}
		flagsVal := binary.LittleEndian.Uint32(page[loc.FlagsOff : loc.FlagsOff+4])
		mask := uint32((1<<mxactMemberBitsPerXact)-1) << loc.BitShift
		flagsVal = (flagsVal &^ mask) | ((member.Status << loc.BitShift) & mask)
		binary.LittleEndian.PutUint32(page[loc.FlagsOff:loc.FlagsOff+4], flagsVal)
		binary.LittleEndian.PutUint32(page[loc.MemberOff:loc.MemberOff+4], member.Xid)
	}
	return nil
}

// appendClogTimestamp appends an 8-byte big-endian commit timestamp to a
// CLOG page, truncating any existing trailing timestamp first. It leaves the
// page unchanged and logs a warning if the page length is neither BlockSize
// nor BlockSize+8.
func appendClogTimestamp(page *[]byte, timestamp int64, blk SlruBlock) {
	p := *page
	if len(p) == BlockSize+8 {
		p = p[:BlockSize]
	}
	if len(p) != BlockSize {
		slog.Warn("clog page has unexpected length, leaving commit timestamp unset",
			"segno", blk.Segno, "blkno", blk.Blkno, "length", len(p), "expected", BlockSize)
		*page = p
		return
	}
	var tsBytes [8]byte
	binary.BigEndian.PutUint64(tsBytes[:], uint64(timestamp))
	*page = append(p, tsBytes[:]...)
}
