// Package walreceiver selects and maintains a timeline's WAL-streaming
// connection to one of several safekeeper replicas, using timeline status
// data fanned out over a broker subscription, and cycles connections under
// exponential backoff when the current one stalls or falls behind.
package walreceiver

import "time"

// Lsn is a Postgres log sequence number: a byte offset into the WAL stream.
type Lsn uint64

// InvalidLsn marks an absent or not-yet-known Lsn.
const InvalidLsn Lsn = 0

// NodeID identifies a safekeeper.
type NodeID uint64

// TenantTimelineID names the timeline a connection manager instance serves.
type TenantTimelineID struct {
	TenantID   string
	TimelineID string
}

// SafekeeperTimelineInfo is the per-timeline status a safekeeper publishes
// to the broker: how far it has flushed, committed, and backed up WAL, and
// how pageservers can reach it for streaming.
type SafekeeperTimelineInfo struct {
	SafekeeperID         NodeID
	CommitLsn            Lsn
	FlushLsn             Lsn
	BackupLsn            Lsn
	RemoteConsistentLsn  Lsn
	PeerHorizonLsn       Lsn
	LocalStartLsn        Lsn
	SafekeeperConnstr    string
}

// BrokerSkTimeline pairs a safekeeper's last-known broker update with the
// time it was received, so stale candidates can be aged out.
type BrokerSkTimeline struct {
	Timeline     SafekeeperTimelineInfo
	LatestUpdate time.Time
}

// WalConnectionStatus is the live status of the active streaming connection,
// as reported by its connection task.
type WalConnectionStatus struct {
	IsConnected            bool
	HasProcessedWal        bool
	LatestConnectionUpdate time.Time
	LatestWalUpdate        time.Time
	CommitLsn              *Lsn
	StreamingLsn           *Lsn
}

// NewCommittedWAL records that some other safekeeper was observed to have
// WAL past what the currently connected one has committed.
type NewCommittedWAL struct {
	Lsn         Lsn
	DiscoveredAt time.Time
}

// RetryInfo tracks the backoff state for reconnecting to one safekeeper.
type RetryInfo struct {
	NextRetryAt         *time.Time
	RetryDurationSeconds float64
}

// ConnectionConfig is the resolved connection target for a WAL streaming
// task: enough to open a replication connection to one safekeeper for one
// timeline.
type ConnectionConfig struct {
	Host     string
	Port     int
	Options  []string
	Password *string
}

// ReconnectReasonKind classifies why NextConnectionCandidate picked a new
// safekeeper, for logging and tests.
type ReconnectReasonKind int

const (
	NoExistingConnection ReconnectReasonKind = iota
	LaggingWal
	NoWalTimeout
	NoKeepAlives
)

func (k ReconnectReasonKind) String() string {
	switch k {
	case NoExistingConnection:
		return "NoExistingConnection"
	case LaggingWal:
		return "LaggingWal"
	case NoWalTimeout:
		return "NoWalTimeout"
	case NoKeepAlives:
		return "NoKeepAlives"
	default:
		return "Unknown"
	}
}

// ReconnectReason carries the specific thresholds and observed values behind
// a reconnect decision.
type ReconnectReason struct {
	Kind ReconnectReasonKind

	CurrentCommitLsn Lsn
	NewCommitLsn     Lsn

	CurrentLsn         Lsn
	CandidateCommitLsn Lsn
	LastWalInteraction *time.Time

	LastKeepAlive *time.Time

	CheckTime      time.Time
	Threshold      time.Duration
	ThresholdBytes uint64
}

// NewWalConnectionCandidate is what NextConnectionCandidate returns when a
// switch is warranted.
type NewWalConnectionCandidate struct {
	SafekeeperID   NodeID
	ConnConfig     ConnectionConfig
	Reason         ReconnectReason
}
