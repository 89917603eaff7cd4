package walreceiver

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"cloud.google.com/go/pubsub"

	"github.com/neondatabase/pageserver-redo/internal/config"
)

// Subscription delivers safekeeper timeline updates fanned out by the
// broker, one at a time, until ctx is cancelled.
type Subscription interface {
	Next(ctx context.Context) (SafekeeperTimelineInfo, error)
	Close()
}

// BrokerClient opens per-timeline subscriptions against the shared broker
// topic. One client is shared across every timeline's connection manager,
// mirroring how a single broker gRPC channel is shared in the source
// implementation.
type BrokerClient struct {
	client *pubsub.Client
	topic  *pubsub.Topic
	cfg    config.BrokerConfig
}

// NewBrokerClient connects to the configured Pub/Sub project and resolves
// the shared safekeeper-timeline-updates topic, creating it if absent.
func NewBrokerClient(ctx context.Context, cfg config.BrokerConfig) (*BrokerClient, error) {
	client, err := pubsub.NewClient(ctx, cfg.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub.NewClient: %w", err)
	}

	topic := client.Topic(cfg.TopicID)
	exists, err := topic.Exists(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("topic.Exists: %w", err)
	}
	if !exists {
		topic, err = client.CreateTopic(ctx, cfg.TopicID)
		if err != nil {
			client.Close()
			return nil, fmt.Errorf("CreateTopic: %w", err)
		}
		slog.Info("created broker topic", "topic_id", cfg.TopicID)
	}

	return &BrokerClient{client: client, topic: topic, cfg: cfg}, nil
}

func (b *BrokerClient) Close() error {
	return b.client.Close()
}

// pubsubSubscription filters a per-timeline Pub/Sub subscription down to
// messages for one timeline, comparing each decoded message's tenant and
// timeline ids, and uses an internal channel to hand decoded messages to Next.
type pubsubSubscription struct {
	sub     *pubsub.Subscription
	id      TenantTimelineID
	updates chan SafekeeperTimelineInfo
	errs    chan error
	cancel  context.CancelFunc
}

// brokerMessage is the wire shape published by each safekeeper.
type brokerMessage struct {
	TenantID  string                 `json:"tenant_id"`
	TimelineID string                `json:"timeline_id"`
	Info      SafekeeperTimelineInfo `json:"info"`
}

// subscribeForTimelineUpdates endlessly retries subscribing for id's updates
// until it succeeds or ctx is cancelled, backing off exponentially between
// attempts exactly like the broker-subscribe retry loop it is modeled on.
func (b *BrokerClient) subscribeForTimelineUpdates(ctx context.Context, id TenantTimelineID) (Subscription, error) {
	attempt := 0
	for {
		if err := exponentialBackoff(ctx, attempt, b.cfg.BaseBackoffSec, b.cfg.MaxBackoffSec); err != nil {
			return nil, err
		}
		attempt++

		subID := fmt.Sprintf("%s-%s-%s", b.cfg.SubscriptionID, id.TenantID, id.TimelineID)
		sub := b.client.Subscription(subID)
		exists, err := sub.Exists(ctx)
		if err != nil {
			slog.Warn("failed to check broker subscription", "attempt", attempt, "id", id, "error", err)
			continue
		}
		if !exists {
			sub, err = b.client.CreateSubscription(ctx, subID, pubsub.SubscriptionConfig{Topic: b.topic})
			if err != nil {
				slog.Warn("failed to create broker subscription", "attempt", attempt, "id", id, "error", err)
				continue
			}
		}

		subCtx, cancel := context.WithCancel(ctx)
		ps := &pubsubSubscription{
			sub:     sub,
			id:      id,
			updates: make(chan SafekeeperTimelineInfo, 64),
			errs:    make(chan error, 1),
			cancel:  cancel,
		}

		go ps.run(subCtx)
		return ps, nil
	}
}

func (ps *pubsubSubscription) run(ctx context.Context) {
	err := ps.sub.Receive(ctx, func(_ context.Context, msg *pubsub.Message) {
		var decoded brokerMessage
		if err := json.Unmarshal(msg.Data, &decoded); err != nil {
			slog.Warn("discarding malformed broker message", "error", err)
			msg.Nack()
			return
		}
		if decoded.TenantID != ps.id.TenantID || decoded.TimelineID != ps.id.TimelineID {
			msg.Ack()
			return
		}
		msg.Ack()
		select {
		case ps.updates <- decoded.Info:
		case <-ctx.Done():
		}
	})
	if err != nil {
		select {
		case ps.errs <- err:
		default:
		}
	}
}

func (ps *pubsubSubscription) Next(ctx context.Context) (SafekeeperTimelineInfo, error) {
	select {
	case info := <-ps.updates:
		return info, nil
	case err := <-ps.errs:
		return SafekeeperTimelineInfo{}, err
	case <-ctx.Done():
		return SafekeeperTimelineInfo{}, ctx.Err()
	}
}

func (ps *pubsubSubscription) Close() {
	ps.cancel()
}
