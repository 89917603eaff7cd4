package walredo

import (
	"bytes"
	"encoding/binary"
)

// Wire message tags for the framed protocol spoken with the wal-redo child.
// Frame shape: one tag byte, a 4-byte big-endian total length (including
// itself), then the message's own payload. Multi-byte fields inside
// BEGIN_REDO/PUSH_PAGE/GET_PAGE buffer tags and APPLY_RECORD's end-LSN are
// also big-endian, matching the rest of the frame; only the structured
// record payloads patched directly into a page (CLOG, multixact) use
// little-endian, because those bytes are read back by native Postgres code
// that expects its own platform layout.
const (
	tagBeginRedo   byte = 'B'
	tagPushPage    byte = 'P'
	tagApplyRecord byte = 'A'
	tagGetPage     byte = 'G'
)

func writeBufferTag(buf *bytes.Buffer, tag BufferTag) {
	binary.Write(buf, binary.BigEndian, tag.Rel.SpcNode)
	binary.Write(buf, binary.BigEndian, tag.Rel.DbNode)
	binary.Write(buf, binary.BigEndian, tag.Rel.RelNode)
	buf.WriteByte(byte(tag.Rel.ForkNum))
	binary.Write(buf, binary.BigEndian, tag.BlockNo)
}

const bufferTagWireSize = 4 + 4 + 4 + 1 + 4

// buildBeginRedoMsg: 'B' | u32 total_len | BufferTag
func buildBeginRedoMsg(tag BufferTag) []byte {
	var buf bytes.Buffer
	buf.WriteByte(tagBeginRedo)
	totalLen := uint32(4 + bufferTagWireSize)
	binary.Write(&buf, binary.BigEndian, totalLen)
	writeBufferTag(&buf, tag)
	return buf.Bytes()
}

// buildPushPageMsg: 'P' | u32 total_len | BufferTag | 8192 bytes
func buildPushPageMsg(tag BufferTag, baseImage []byte) []byte {
	var buf bytes.Buffer
	buf.WriteByte(tagPushPage)
	totalLen := uint32(4+bufferTagWireSize) + uint32(len(baseImage))
	binary.Write(&buf, binary.BigEndian, totalLen)
	writeBufferTag(&buf, tag)
	buf.Write(baseImage)
	return buf.Bytes()
}

// buildApplyRecordMsg: 'A' | u32 total_len | u64 end_lsn | opaque bytes
func buildApplyRecordMsg(endLSN uint64, payload []byte) []byte {
	var buf bytes.Buffer
	buf.WriteByte(tagApplyRecord)
	totalLen := uint32(4+8) + uint32(len(payload))
	binary.Write(&buf, binary.BigEndian, totalLen)
	binary.Write(&buf, binary.BigEndian, endLSN)
	buf.Write(payload)
	return buf.Bytes()
}

// buildGetPageMsg: 'G' | u32 total_len | BufferTag
func buildGetPageMsg(tag BufferTag) []byte {
	var buf bytes.Buffer
	buf.WriteByte(tagGetPage)
	totalLen := uint32(4 + bufferTagWireSize)
	binary.Write(&buf, binary.BigEndian, totalLen)
	writeBufferTag(&buf, tag)
	return buf.Bytes()
}

// buildRequest concatenates BEGIN_REDO, an optional PUSH_PAGE, one
// APPLY_RECORD per opaque record, and a trailing GET_PAGE, in that order,
// exactly as the child expects to see them on its stdin.
func buildRequest(tag BufferTag, baseImage []byte, records []PostgresRecord) []byte {
	var buf bytes.Buffer
	buf.Write(buildBeginRedoMsg(tag))
	if baseImage != nil {
		buf.Write(buildPushPageMsg(tag, baseImage))
	}
	for _, rec := range records {
		buf.Write(buildApplyRecordMsg(rec.EndLSN, rec.Payload))
	}
	buf.Write(buildGetPageMsg(tag))
	return buf.Bytes()
}
