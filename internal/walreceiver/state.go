package walreceiver

import (
	"fmt"
	"net"
	"strconv"
	"time"
)

// Fallback backoff tuning, used only when a caller builds a
// WalreceiverState without going through NewManager (e.g. in tests).
const (
	defaultRetryMinBackoffSeconds = 0.1
	defaultRetryMaxBackoffSeconds = 15.0
	defaultRetryBackoffMultiplier = 1.5
)

// WalreceiverState is all the data needed to pick and maintain one
// timeline's WAL streaming connection. It owns no goroutines itself; Manager
// drives it from the connection manager loop.
type WalreceiverState struct {
	id TenantTimelineID

	walConnectTimeout time.Duration
	laggingWalTimeout time.Duration
	maxLsnWalLag      uint64

	retryMinBackoffSeconds float64
	retryMaxBackoffSeconds float64
	retryBackoffMultiplier float64

	walConnection        *WalConnection
	walConnectionRetries map[NodeID]*RetryInfo
	walStreamCandidates  map[NodeID]BrokerSkTimeline

	authToken *string

	// lastRecordLsn supplies a current_lsn fallback when the active
	// connection hasn't reported a streaming_lsn yet. Bookkeeping for the
	// timeline's actual persisted LSN lives outside this package; callers
	// update it via SetLastRecordLsn as their own storage layer advances.
	lastRecordLsn Lsn
}

// WalConnection is the state of the presently active (or just-dropped)
// streaming connection.
type WalConnection struct {
	StartedAt        time.Time
	SkID             NodeID
	Status           WalConnectionStatus
	Task             *Task
	DiscoveredNewWAL *NewCommittedWAL
}

// NewWalreceiverState constructs a fresh, disconnected state for a timeline,
// using the default backoff tuning. Prefer NewWalreceiverStateWithBackoff to
// carry a tenant's configured retry_min/max_backoff_sec and
// retry_backoff_multiplier.
func NewWalreceiverState(id TenantTimelineID, walConnectTimeout, laggingWalTimeout time.Duration, maxLsnWalLag uint64, authToken *string) *WalreceiverState {
	return NewWalreceiverStateWithBackoff(id, walConnectTimeout, laggingWalTimeout, maxLsnWalLag,
		defaultRetryMinBackoffSeconds, defaultRetryMaxBackoffSeconds, defaultRetryBackoffMultiplier, authToken)
}

// NewWalreceiverStateWithBackoff constructs a fresh, disconnected state for a
// timeline with explicit backoff tuning, as resolved per-tenant from config.
func NewWalreceiverStateWithBackoff(id TenantTimelineID, walConnectTimeout, laggingWalTimeout time.Duration, maxLsnWalLag uint64, retryMinBackoffSeconds, retryMaxBackoffSeconds, retryBackoffMultiplier float64, authToken *string) *WalreceiverState {
	return &WalreceiverState{
		id:                     id,
		walConnectTimeout:      walConnectTimeout,
		laggingWalTimeout:      laggingWalTimeout,
		maxLsnWalLag:           maxLsnWalLag,
		retryMinBackoffSeconds: retryMinBackoffSeconds,
		retryMaxBackoffSeconds: retryMaxBackoffSeconds,
		retryBackoffMultiplier: retryBackoffMultiplier,
		authToken:              authToken,
		walConnectionRetries:   make(map[NodeID]*RetryInfo),
		walStreamCandidates:    make(map[NodeID]BrokerSkTimeline),
	}
}

// SetLastRecordLsn updates the fallback current-LSN used when the active
// connection has not yet reported a streaming position.
func (s *WalreceiverState) SetLastRecordLsn(lsn Lsn) { s.lastRecordLsn = lsn }

// RegisterTimelineUpdate records the latest broker-reported status for a
// safekeeper, overwriting whatever was previously known about it.
func (s *WalreceiverState) RegisterTimelineUpdate(update SafekeeperTimelineInfo) {
	s.walStreamCandidates[update.SafekeeperID] = BrokerSkTimeline{
		Timeline:     update,
		LatestUpdate: time.Now(),
	}
}

// ChangeConnection drops the current connection (if any) and records a
// freshly started one against the given candidate. The caller is
// responsible for actually spawning the streaming task and supplying its
// handle.
func (s *WalreceiverState) ChangeConnection(skID NodeID, task *Task) {
	s.DropOldConnection(true)

	now := time.Now()
	s.walConnection = &WalConnection{
		StartedAt: now,
		SkID:      skID,
		Status: WalConnectionStatus{
			IsConnected:            false,
			HasProcessedWal:        false,
			LatestConnectionUpdate: now,
			LatestWalUpdate:        now,
		},
		Task: task,
	}
}

// DropOldConnection tears down the current connection, if any, and updates
// that safekeeper's retry backoff for the next attempt.
func (s *WalreceiverState) DropOldConnection(needsShutdown bool) {
	conn := s.walConnection
	if conn == nil {
		return
	}
	s.walConnection = nil

	if needsShutdown && conn.Task != nil {
		conn.Task.Shutdown()
	}

	retry, ok := s.walConnectionRetries[conn.SkID]
	if !ok {
		retry = &RetryInfo{RetryDurationSeconds: s.retryMinBackoffSeconds}
		s.walConnectionRetries[conn.SkID] = retry
	}

	next := conn.StartedAt.Add(time.Duration(retry.RetryDurationSeconds * float64(time.Second)))
	retry.NextRetryAt = &next

	nextDuration := retry.RetryDurationSeconds * s.retryBackoffMultiplier
	if nextDuration > s.retryMaxBackoffSeconds {
		nextDuration = s.retryMaxBackoffSeconds
	}
	if nextDuration < s.retryMinBackoffSeconds {
		nextDuration = s.retryMinBackoffSeconds
	}
	retry.RetryDurationSeconds = nextDuration
}

// TimeUntilNextRetry returns how long to wait before a new candidate might
// become available, or nil if no backed-off safekeeper has a retry time
// still in the future (or none are backed off at all).
func (s *WalreceiverState) TimeUntilNextRetry() *time.Duration {
	now := time.Now()
	var earliest *time.Time
	for _, retry := range s.walConnectionRetries {
		if retry.NextRetryAt == nil || !retry.NextRetryAt.After(now) {
			continue
		}
		if earliest == nil || retry.NextRetryAt.Before(*earliest) {
			earliest = retry.NextRetryAt
		}
	}
	if earliest == nil {
		return nil
	}
	d := earliest.Sub(now)
	return &d
}

// NextConnectionCandidate cleans up stale broker records and decides
// whether the state warrants connecting to a (possibly new) safekeeper.
// Returns nil when the current connection (or absence of one) is fine as-is.
//
// Selection rules, in order:
//   - no connection at all: pick the best available candidate
//   - connected safekeeper hasn't sent a keepalive within walConnectTimeout:
//     switch, if a candidate exists
//   - not yet connected: wait for the timeout above, no switch yet
//   - a candidate's commit_lsn leads the current one by at least
//     maxLsnWalLag: switch immediately
//   - the connected safekeeper has had more committed WAL available
//     (locally or on another candidate) for longer than laggingWalTimeout
//     without delivering it: switch
func (s *WalreceiverState) NextConnectionCandidate() *NewWalConnectionCandidate {
	s.cleanupOldCandidates()

	if s.walConnection == nil {
		skID, info, cfg, ok := s.selectConnectionCandidate(nil)
		if !ok {
			return nil
		}
		_ = info
		return &NewWalConnectionCandidate{
			SafekeeperID: skID,
			ConnConfig:   cfg,
			Reason:       ReconnectReason{Kind: NoExistingConnection},
		}
	}

	existing := s.walConnection
	omit := existing.SkID
	newSkID, newInfo, newCfg, ok := s.selectConnectionCandidate(&omit)
	if !ok {
		return nil
	}

	now := time.Now()
	latestInteraction := now.Sub(existing.Status.LatestConnectionUpdate)
	if latestInteraction > s.walConnectTimeout {
		lastKeepAlive := existing.Status.LatestConnectionUpdate
		return &NewWalConnectionCandidate{
			SafekeeperID: newSkID,
			ConnConfig:   newCfg,
			Reason: ReconnectReason{
				Kind:          NoKeepAlives,
				LastKeepAlive: &lastKeepAlive,
				CheckTime:     now,
				Threshold:     s.walConnectTimeout,
			},
		}
	}

	if !existing.Status.IsConnected {
		// Not connected yet and not timed out either: give it time.
		return nil
	}

	if existing.Status.CommitLsn != nil {
		currentCommitLsn := *existing.Status.CommitLsn
		newCommitLsn := newInfo.CommitLsn
		if newCommitLsn >= currentCommitLsn {
			advantage := uint64(newCommitLsn - currentCommitLsn)
			if advantage >= s.maxLsnWalLag {
				return &NewWalConnectionCandidate{
					SafekeeperID: newSkID,
					ConnConfig:   newCfg,
					Reason: ReconnectReason{
						Kind:             LaggingWal,
						CurrentCommitLsn: currentCommitLsn,
						NewCommitLsn:     newCommitLsn,
						ThresholdBytes:   s.maxLsnWalLag,
					},
				}
			}
		}
	}

	currentLsn := s.lastRecordLsn
	if existing.Status.StreamingLsn != nil {
		currentLsn = *existing.Status.StreamingLsn
	}
	currentCommitLsn := currentLsn
	if existing.Status.CommitLsn != nil {
		currentCommitLsn = *existing.Status.CommitLsn
	}
	candidateCommitLsn := newInfo.CommitLsn

	discoveredNewWAL := existing.DiscoveredNewWAL
	if discoveredNewWAL != nil && discoveredNewWAL.Lsn <= currentCommitLsn {
		discoveredNewWAL = nil
	}
	if discoveredNewWAL == nil && candidateCommitLsn > currentCommitLsn {
		discoveredNewWAL = &NewCommittedWAL{Lsn: candidateCommitLsn, DiscoveredAt: now}
	}

	var waitingSince *time.Time
	if currentLsn < currentCommitLsn {
		t := existing.Status.LatestWalUpdate
		waitingSince = &t
	} else if discoveredNewWAL != nil {
		t := discoveredNewWAL.DiscoveredAt
		if existing.Status.LatestWalUpdate.After(t) {
			t = existing.Status.LatestWalUpdate
		}
		waitingSince = &t
	}

	if waitingSince != nil {
		waitingFor := now.Sub(*waitingSince)
		if candidateCommitLsn > currentCommitLsn && waitingFor > s.laggingWalTimeout {
			lastWalInteraction := existing.Status.LatestWalUpdate
			return &NewWalConnectionCandidate{
				SafekeeperID: newSkID,
				ConnConfig:   newCfg,
				Reason: ReconnectReason{
					Kind:               NoWalTimeout,
					CurrentLsn:         currentLsn,
					CurrentCommitLsn:   currentCommitLsn,
					CandidateCommitLsn: candidateCommitLsn,
					LastWalInteraction: &lastWalInteraction,
					CheckTime:          now,
					Threshold:          s.laggingWalTimeout,
				},
			}
		}
	}

	existing.DiscoveredNewWAL = discoveredNewWAL
	return nil
}

// selectConnectionCandidate picks the applicable candidate with the
// greatest commit_lsn, excluding omit if given.
func (s *WalreceiverState) selectConnectionCandidate(omit *NodeID) (NodeID, SafekeeperTimelineInfo, ConnectionConfig, bool) {
	var bestID NodeID
	var bestInfo SafekeeperTimelineInfo
	var bestCfg ConnectionConfig
	found := false

	for _, c := range s.applicableConnectionCandidates() {
		if omit != nil && c.ID == *omit {
			continue
		}
		if !found || c.Info.CommitLsn > bestInfo.CommitLsn {
			bestID, bestInfo, bestCfg, found = c.ID, c.Info, c.Cfg, true
		}
	}
	return bestID, bestInfo, bestCfg, found
}

// applicableConnectionCandidates returns safekeepers with a valid commit_lsn
// and no pending retry cooldown, with a parseable connection string. Modeled
// as a slice of resolved triples rather than an iterator, since Go has no
// lazy generator shorthand that reads cleanly here.
func (s *WalreceiverState) applicableConnectionCandidates() []struct {
	ID   NodeID
	Info SafekeeperTimelineInfo
	Cfg  ConnectionConfig
} {
	now := time.Now()
	var out []struct {
		ID   NodeID
		Info SafekeeperTimelineInfo
		Cfg  ConnectionConfig
	}

	for id, broker := range s.walStreamCandidates {
		info := broker.Timeline
		if info.CommitLsn == InvalidLsn {
			continue
		}
		if retry, ok := s.walConnectionRetries[id]; ok {
			if retry.NextRetryAt != nil && retry.NextRetryAt.After(now) {
				continue
			}
		}
		if info.SafekeeperConnstr == "" {
			continue
		}
		cfg, err := walStreamConnectionConfig(s.id, info.SafekeeperConnstr, s.authToken)
		if err != nil {
			continue
		}
		out = append(out, struct {
			ID   NodeID
			Info SafekeeperTimelineInfo
			Cfg  ConnectionConfig
		}{id, info, cfg})
	}
	return out
}

// cleanupOldCandidates drops broker records that haven't been refreshed
// within laggingWalTimeout, along with their retry history.
func (s *WalreceiverState) cleanupOldCandidates() {
	now := time.Now()
	for id, broker := range s.walStreamCandidates {
		if now.Sub(broker.LatestUpdate) >= s.laggingWalTimeout {
			delete(s.walStreamCandidates, id)
			delete(s.walConnectionRetries, id)
		}
	}
}

func walStreamConnectionConfig(id TenantTimelineID, connstr string, authToken *string) (ConnectionConfig, error) {
	host := connstr
	port := 5432
	if h, portStr, err := net.SplitHostPort(connstr); err == nil {
		host = h
		p, err := strconv.Atoi(portStr)
		if err != nil {
			return ConnectionConfig{}, fmt.Errorf("parsing safekeeper port %q: %w", portStr, err)
		}
		port = p
	}
	if host == "" {
		return ConnectionConfig{}, fmt.Errorf("empty safekeeper host in connstr %q", connstr)
	}
	return ConnectionConfig{
		Host: host,
		Port: port,
		Options: []string{
			"-c",
			fmt.Sprintf("timeline_id=%s", id.TimelineID),
			fmt.Sprintf("tenant_id=%s", id.TenantID),
		},
		Password: authToken,
	}, nil
}
