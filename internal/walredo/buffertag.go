package walredo

import "fmt"

// ForkNumber identifies one of a relation's physical forks.
type ForkNumber uint8

const (
	ForkMain ForkNumber = iota
	ForkVisibilityMap
	ForkFreeSpaceMap
	ForkInit
)

// RelTag identifies a relation uniquely within a tenant's storage.
type RelTag struct {
	SpcNode uint32
	DbNode  uint32
	RelNode uint32
	ForkNum ForkNumber
}

func (r RelTag) String() string {
	return fmt.Sprintf("%d/%d/%d fork %d", r.SpcNode, r.DbNode, r.RelNode, r.ForkNum)
}

// BufferTag identifies a single page uniquely within a tenant: a relation
// plus a block number. It is the header of every redo wire message.
type BufferTag struct {
	Rel     RelTag
	BlockNo uint32
}

func (t BufferTag) String() string {
	return fmt.Sprintf("%s blk %d", t.Rel, t.BlockNo)
}

// SlruKind distinguishes the SLRU areas the in-process redo path can target.
type SlruKind int

const (
	SlruClog SlruKind = iota
	SlruMultiXactOffsets
	SlruMultiXactMembers
)

func (k SlruKind) String() string {
	switch k {
	case SlruClog:
		return "Clog"
	case SlruMultiXactOffsets:
		return "MultiXactOffsets"
	case SlruMultiXactMembers:
		return "MultiXactMembers"
	default:
		return "Unknown"
	}
}

// SlruBlock locates a page within a specific SLRU kind's segment files.
type SlruBlock struct {
	Kind  SlruKind
	Segno uint32
	Blkno uint32
}

// KeyTranslator maps an opaque storage key back to the relation block or
// SLRU block it addresses. The real mapping lives in the page cache /
// key-translation layer, which this package treats as an external
// collaborator; callers supply any implementation satisfying this interface.
type KeyTranslator interface {
	KeyToRelBlock(key Key) (RelTag, uint32, error)
	KeyToSlruBlock(key Key) (SlruBlock, error)
}

// Key is an opaque storage key, owned by the (out-of-scope) key space.
type Key [18]byte
