package walreceiver

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const dummySafekeeperHost = "safekeeper_connstr"

func dummyState() *WalreceiverState {
	return NewWalreceiverState(
		TenantTimelineID{TenantID: "tenant-a", TimelineID: "timeline-a"},
		time.Second,
		time.Second,
		1024*1024,
		nil,
	)
}

func dummyBrokerSkTimeline(commitLsn uint64, connstr string, latestUpdate time.Time) BrokerSkTimeline {
	return BrokerSkTimeline{
		Timeline: SafekeeperTimelineInfo{
			CommitLsn:         Lsn(commitLsn),
			SafekeeperConnstr: connstr,
		},
		LatestUpdate: latestUpdate,
	}
}

// Scenario: with no active connection, a set of candidates none of which
// has a valid commit_lsn, a connection string, and fresh-enough broker data
// all at once yields no pick.
func TestNextConnectionCandidate_NoConnectionNoCandidate(t *testing.T) {
	state := dummyState()
	now := time.Now()
	delayOverThreshold := now.Add(-2 * state.laggingWalTimeout)

	state.walConnection = nil
	state.walStreamCandidates = map[NodeID]BrokerSkTimeline{
		0: dummyBrokerSkTimeline(1, "", now),
		1: dummyBrokerSkTimeline(0, "no_commit_lsn", now),
		2: dummyBrokerSkTimeline(0, "no_commit_lsn", now),
		3: dummyBrokerSkTimeline(1+state.maxLsnWalLag, "delay_over_threshold", delayOverThreshold),
	}

	assert.Nil(t, state.NextConnectionCandidate())
}

// Scenario: a connection is active and no candidate has advanced its
// commit_lsn far enough to justify a switch.
func TestNextConnectionCandidate_ConnectionNoCandidate(t *testing.T) {
	state := dummyState()
	now := time.Now()

	connectedSkID := NodeID(0)
	currentLsn := Lsn(100_000)

	status := WalConnectionStatus{
		IsConnected:            true,
		HasProcessedWal:        true,
		LatestConnectionUpdate: now,
		LatestWalUpdate:        now,
		CommitLsn:              &currentLsn,
		StreamingLsn:           &currentLsn,
	}

	state.maxLsnWalLag = 100
	state.walConnection = &WalConnection{StartedAt: now, SkID: connectedSkID, Status: status}
	state.walStreamCandidates = map[NodeID]BrokerSkTimeline{
		connectedSkID: dummyBrokerSkTimeline(uint64(currentLsn)+state.maxLsnWalLag*2, dummySafekeeperHost, now),
		1:             dummyBrokerSkTimeline(uint64(currentLsn), "not_advanced_lsn", now),
		2:             dummyBrokerSkTimeline(uint64(currentLsn)+state.maxLsnWalLag/2, "not_enough_advanced_lsn", now),
	}

	assert.Nil(t, state.NextConnectionCandidate())
}

// Scenario: no active connection, single valid candidate is picked; then,
// among several valid candidates, the one with the greatest commit_lsn wins.
func TestNextConnectionCandidate_NoConnectionCandidate(t *testing.T) {
	state := dummyState()
	now := time.Now()

	state.walConnection = nil
	state.walStreamCandidates = map[NodeID]BrokerSkTimeline{
		0: dummyBrokerSkTimeline(1+state.maxLsnWalLag, dummySafekeeperHost, now),
	}

	only := state.NextConnectionCandidate()
	require.NotNil(t, only)
	assert.Equal(t, NodeID(0), only.SafekeeperID)
	assert.Equal(t, NoExistingConnection, only.Reason.Kind)
	assert.Equal(t, dummySafekeeperHost, only.ConnConfig.Host)

	selectedLsn := uint64(100_000)
	state.walStreamCandidates = map[NodeID]BrokerSkTimeline{
		0: dummyBrokerSkTimeline(selectedLsn-100, "smaller_commit_lsn", now),
		1: dummyBrokerSkTimeline(selectedLsn, dummySafekeeperHost, now),
		2: dummyBrokerSkTimeline(selectedLsn+100, "", now),
	}
	biggest := state.NextConnectionCandidate()
	require.NotNil(t, biggest)
	assert.Equal(t, NodeID(1), biggest.SafekeeperID)
	assert.Equal(t, NoExistingConnection, biggest.Reason.Kind)
	assert.Equal(t, dummySafekeeperHost, biggest.ConnConfig.Host)
}

// Scenario: a candidate with a pending retry cooldown is skipped in favor of
// one without, even if its commit_lsn is lower.
func TestNextConnectionCandidate_CandidateWithManyConnectionFailures(t *testing.T) {
	state := dummyState()
	now := time.Now()

	currentLsn := uint64(100_000)
	biggerLsn := currentLsn + 100

	state.walConnection = nil
	state.walStreamCandidates = map[NodeID]BrokerSkTimeline{
		0: dummyBrokerSkTimeline(biggerLsn, dummySafekeeperHost, now),
		1: dummyBrokerSkTimeline(currentLsn, dummySafekeeperHost, now),
	}
	farFuture := now.Add(time.Hour)
	state.walConnectionRetries = map[NodeID]*RetryInfo{
		0: {NextRetryAt: &farFuture, RetryDurationSeconds: defaultRetryMaxBackoffSeconds},
	}

	candidate := state.NextConnectionCandidate()
	require.NotNil(t, candidate)
	assert.Equal(t, NodeID(1), candidate.SafekeeperID, "should select the node with no pending retry cooldown")
}

// Scenario: the connected safekeeper's commit_lsn falls behind a candidate's
// by more than the configured byte threshold, triggering an immediate switch.
func TestNextConnectionCandidate_LsnWalOverThreshold(t *testing.T) {
	state := dummyState()
	now := time.Now()

	currentLsn := Lsn(100_000)
	connectedSkID := NodeID(0)
	newLsn := Lsn(uint64(currentLsn) + state.maxLsnWalLag + 1)

	status := WalConnectionStatus{
		IsConnected:            true,
		HasProcessedWal:        true,
		LatestConnectionUpdate: now,
		LatestWalUpdate:        now,
		CommitLsn:              &currentLsn,
		StreamingLsn:           &currentLsn,
	}
	state.walConnection = &WalConnection{StartedAt: now, SkID: connectedSkID, Status: status}
	state.walStreamCandidates = map[NodeID]BrokerSkTimeline{
		connectedSkID: dummyBrokerSkTimeline(uint64(currentLsn), dummySafekeeperHost, now),
		1:             dummyBrokerSkTimeline(uint64(newLsn), "advanced_by_lsn_safekeeper", now),
	}

	candidate := state.NextConnectionCandidate()
	require.NotNil(t, candidate)
	assert.Equal(t, NodeID(1), candidate.SafekeeperID)
	assert.Equal(t, LaggingWal, candidate.Reason.Kind)
	assert.Equal(t, currentLsn, candidate.Reason.CurrentCommitLsn)
	assert.Equal(t, newLsn, candidate.Reason.NewCommitLsn)
	assert.Equal(t, "advanced_by_lsn_safekeeper", candidate.ConnConfig.Host)
}

// Scenario: the connected safekeeper has gone silent (no keepalive) for
// longer than the connect timeout, triggering a switch to any valid
// candidate regardless of its commit_lsn.
func TestNextConnectionCandidate_TimeoutConnectionThreshold(t *testing.T) {
	state := dummyState()
	currentLsn := Lsn(100_000)
	now := time.Now()
	timeOverThreshold := now.Add(-2 * state.walConnectTimeout)

	status := WalConnectionStatus{
		IsConnected:            true,
		HasProcessedWal:        true,
		LatestConnectionUpdate: timeOverThreshold,
		LatestWalUpdate:        timeOverThreshold,
		CommitLsn:              &currentLsn,
		StreamingLsn:           &currentLsn,
	}
	state.walConnection = &WalConnection{StartedAt: now, SkID: NodeID(1), Status: status}
	state.walStreamCandidates = map[NodeID]BrokerSkTimeline{
		0: dummyBrokerSkTimeline(uint64(currentLsn), dummySafekeeperHost, now),
	}

	candidate := state.NextConnectionCandidate()
	require.NotNil(t, candidate)
	assert.Equal(t, NodeID(0), candidate.SafekeeperID)
	assert.Equal(t, NoKeepAlives, candidate.Reason.Kind)
	require.NotNil(t, candidate.Reason.LastKeepAlive)
	assert.True(t, candidate.Reason.LastKeepAlive.Equal(timeOverThreshold))
	assert.Equal(t, state.walConnectTimeout, candidate.Reason.Threshold)
}

// Scenario: the connected safekeeper has more recently-discovered WAL
// available elsewhere and hasn't delivered it within the lagging-wal
// timeout, triggering a switch.
func TestNextConnectionCandidate_TimeoutWalOverThreshold(t *testing.T) {
	state := dummyState()
	currentLsn := Lsn(100_000)
	newLsn := Lsn(100_100)
	now := time.Now()
	timeOverThreshold := now.Add(-2 * state.laggingWalTimeout)

	status := WalConnectionStatus{
		IsConnected:            true,
		HasProcessedWal:        true,
		LatestConnectionUpdate: now,
		LatestWalUpdate:        timeOverThreshold,
		CommitLsn:              &currentLsn,
		StreamingLsn:           &currentLsn,
	}
	state.walConnection = &WalConnection{
		StartedAt: now,
		SkID:      NodeID(1),
		Status:    status,
		DiscoveredNewWAL: &NewCommittedWAL{
			Lsn:          newLsn,
			DiscoveredAt: timeOverThreshold,
		},
	}
	state.walStreamCandidates = map[NodeID]BrokerSkTimeline{
		0: dummyBrokerSkTimeline(uint64(newLsn), dummySafekeeperHost, now),
	}

	candidate := state.NextConnectionCandidate()
	require.NotNil(t, candidate)
	assert.Equal(t, NodeID(0), candidate.SafekeeperID)
	assert.Equal(t, NoWalTimeout, candidate.Reason.Kind)
	assert.Equal(t, currentLsn, candidate.Reason.CurrentLsn)
	assert.Equal(t, currentLsn, candidate.Reason.CurrentCommitLsn)
	assert.Equal(t, newLsn, candidate.Reason.CandidateCommitLsn)
	require.NotNil(t, candidate.Reason.LastWalInteraction)
	assert.True(t, candidate.Reason.LastWalInteraction.Equal(timeOverThreshold))
}

func TestDropOldConnection_BacksOffExponentially(t *testing.T) {
	state := dummyState()
	now := time.Now()
	state.walConnection = &WalConnection{StartedAt: now, SkID: NodeID(7)}

	state.DropOldConnection(false)
	retry := state.walConnectionRetries[NodeID(7)]
	require.NotNil(t, retry)
	assert.InDelta(t, defaultRetryMinBackoffSeconds*defaultRetryBackoffMultiplier, retry.RetryDurationSeconds, 1e-9)

	state.walConnection = &WalConnection{StartedAt: now, SkID: NodeID(7)}
	state.DropOldConnection(false)
	assert.InDelta(t, defaultRetryMinBackoffSeconds*defaultRetryBackoffMultiplier*defaultRetryBackoffMultiplier, retry.RetryDurationSeconds, 1e-9)
}

func TestDropOldConnection_ClampsToMaxBackoff(t *testing.T) {
	state := dummyState()
	now := time.Now()
	state.walConnectionRetries[NodeID(7)] = &RetryInfo{RetryDurationSeconds: defaultRetryMaxBackoffSeconds}
	state.walConnection = &WalConnection{StartedAt: now, SkID: NodeID(7)}

	state.DropOldConnection(false)
	assert.Equal(t, defaultRetryMaxBackoffSeconds, state.walConnectionRetries[NodeID(7)].RetryDurationSeconds)
}
