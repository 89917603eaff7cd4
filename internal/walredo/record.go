package walredo

// WalRecord is a closed union of the WAL record variants the Redo Applier
// accepts: one opaque (Postgres-native) variant, and five structured
// (in-process) variants. The marker method keeps the union closed so a type
// switch over it can be exhaustive.
type WalRecord interface {
	isWalRecord()
	// CanApplyInProcess reports whether this record can be applied without
	// involving the external wal-redo child.
	CanApplyInProcess() bool
}

// PostgresRecord carries a raw Postgres WAL payload that must be replayed by
// the external wal-redo process; it is never applied in-process.
type PostgresRecord struct {
	EndLSN   uint64
	WillInit bool
	Payload  []byte
}

func (PostgresRecord) isWalRecord()          {}
func (PostgresRecord) CanApplyInProcess() bool { return false }

// ClearVisibilityMapFlags clears visibility-map bits for up to two heap
// blocks sharing the same VM page.
type ClearVisibilityMapFlags struct {
	NewHeapBlkno *uint32
	OldHeapBlkno *uint32
	Flags        byte
}

func (ClearVisibilityMapFlags) isWalRecord()          {}
func (ClearVisibilityMapFlags) CanApplyInProcess() bool { return true }

// ClogSetCommitted marks a set of xids committed in a CLOG page and appends
// a commit timestamp.
type ClogSetCommitted struct {
	Xids      []uint32
	Timestamp int64
}

func (ClogSetCommitted) isWalRecord()          {}
func (ClogSetCommitted) CanApplyInProcess() bool { return true }

// ClogSetAborted marks a set of xids aborted in a CLOG page.
type ClogSetAborted struct {
	Xids []uint32
}

func (ClogSetAborted) isWalRecord()          {}
func (ClogSetAborted) CanApplyInProcess() bool { return true }

// MultixactOffsetCreate records the starting member offset for a multixact id.
type MultixactOffsetCreate struct {
	Mid  uint32
	Moff uint32
}

func (MultixactOffsetCreate) isWalRecord()          {}
func (MultixactOffsetCreate) CanApplyInProcess() bool { return true }

// MultixactMember is one member of a multixact: the contributing xid and its
// status flags.
type MultixactMember struct {
	Xid    uint32
	Status uint32
}

// MultixactMembersCreate records a contiguous run of multixact members
// starting at Moff.
type MultixactMembersCreate struct {
	Moff    uint32
	Members []MultixactMember
}

func (MultixactMembersCreate) isWalRecord()          {}
func (MultixactMembersCreate) CanApplyInProcess() bool { return true }

// splitRuns groups records into maximal contiguous runs sharing the same
// apply polarity (in-process vs. external). Runs are applied in order, each
// run's output feeding the next run's base image.
func splitRuns(records []WalRecord) [][]WalRecord {
	if len(records) == 0 {
		return nil
	}
	var runs [][]WalRecord
	start := 0
	polarity := records[0].CanApplyInProcess()
	for i := 1; i < len(records); i++ {
		if records[i].CanApplyInProcess() != polarity {
			runs = append(runs, records[start:i])
			start = i
			polarity = records[i].CanApplyInProcess()
		}
	}
	runs = append(runs, records[start:])
	return runs
}
