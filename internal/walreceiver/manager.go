package walreceiver

import (
	"context"
	"log/slog"
	"time"

	"github.com/neondatabase/pageserver-redo/internal/config"
)

// Manager owns one timeline's connection manager loop: it subscribes for
// broker updates, tracks the active streaming connection's health, and
// switches safekeepers when NextConnectionCandidate says to.
type Manager struct {
	id    TenantTimelineID
	state *WalreceiverState

	broker  *BrokerClient
	connect ConnectionFunc
}

// NewManager builds a connection manager for one timeline. connect is
// invoked to actually stream WAL once a safekeeper has been selected.
func NewManager(id TenantTimelineID, cfg config.ReceiverConfig, broker *BrokerClient, connect ConnectionFunc, authToken *string) *Manager {
	return &Manager{
		id: id,
		state: NewWalreceiverStateWithBackoff(id, cfg.ConnectTimeout(), cfg.LaggingWalTimeout(), uint64(cfg.MaxLsnWalLagBytes),
			cfg.RetryMinBackoffSec, cfg.RetryMaxBackoffSec, cfg.RetryBackoffMultiplier, authToken),
		broker:  broker,
		connect: connect,
	}
}

// Run drives the connection manager loop until ctx is cancelled. Broker
// subscription failures and sub-task failures are logged and retried with
// backoff; none is fatal to the manager task. Run only returns once ctx is
// done.
func (m *Manager) Run(ctx context.Context) error {
	brokerUpdates, brokerErrs := m.runBrokerSubscription(ctx)

	for {
		var connEvents <-chan TaskEvent
		if m.state.walConnection != nil && m.state.walConnection.Task != nil {
			connEvents = m.state.walConnection.Task.Events()
		}

		var retryTimer <-chan time.Time
		if d := m.state.TimeUntilNextRetry(); d != nil {
			t := time.NewTimer(*d)
			defer t.Stop()
			retryTimer = t.C
		}

		select {
		case <-ctx.Done():
			m.shutdown()
			return ctx.Err()

		case ev, ok := <-connEvents:
			if !ok {
				break
			}
			m.handleConnectionEvent(ev)

		case info := <-brokerUpdates:
			m.state.RegisterTimelineUpdate(info)

		case err := <-brokerErrs:
			slog.Error("broker subscription failed, resubscribing with backoff", "error", err)
			brokerUpdates, brokerErrs = m.runBrokerSubscription(ctx)

		case <-retryTimer:
		}

		if candidate := m.state.NextConnectionCandidate(); candidate != nil {
			slog.Info("switching wal stream connection", "safekeeper", candidate.SafekeeperID, "reason", candidate.Reason.Kind)
			task := StartTask(ctx, m.connect, candidate.ConnConfig)
			m.state.ChangeConnection(candidate.SafekeeperID, task)
		}
	}
}

// runBrokerSubscription subscribes for this timeline's broker updates
// (subscribeForTimelineUpdates already retries with backoff internally on
// its own subscribe attempts) and relays updates/terminal errors over the
// returned channels. It is re-invoked by Run whenever the prior
// subscription's delivery loop ends in error, so a transient broker hiccup
// never permanently kills WAL streaming for the timeline.
func (m *Manager) runBrokerSubscription(ctx context.Context) (<-chan SafekeeperTimelineInfo, <-chan error) {
	updates := make(chan SafekeeperTimelineInfo)
	errs := make(chan error, 1)

	sub, err := m.broker.subscribeForTimelineUpdates(ctx, m.id)
	if err != nil {
		errs <- err
		return updates, errs
	}

	slog.Info("subscribed for broker timeline updates", "tenant", m.id.TenantID, "timeline", m.id.TimelineID)

	go func() {
		defer sub.Close()
		for {
			info, err := sub.Next(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				errs <- err
				return
			}
			select {
			case updates <- info:
			case <-ctx.Done():
				return
			}
		}
	}()

	return updates, errs
}

func (m *Manager) handleConnectionEvent(ev TaskEvent) {
	conn := m.state.walConnection
	if conn == nil {
		return
	}
	switch ev.Kind {
	case TaskUpdate:
		if ev.Status.HasProcessedWal {
			delete(m.state.walConnectionRetries, conn.SkID)
		}
		conn.Status = ev.Status
	case TaskEnd:
		if ev.Err != nil {
			slog.Error("wal receiving task finished with an error", "error", ev.Err)
		}
		m.state.DropOldConnection(false)
	}
}

func (m *Manager) shutdown() {
	m.state.DropOldConnection(true)
}
