package manager

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/goran-ethernal/MultiChainIndexor/internal/common"
	"github.com/goran-ethernal/MultiChainIndexor/internal/logger"
	"github.com/goran-ethernal/MultiChainIndexor/pkg/config"
	"github.com/goran-ethernal/MultiChainIndexor/pkg/indexer"
	"github.com/google/uuid"
	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
)

// Event types published by a Notifier.
const (
	EventStatusChanged  = "status_changed"
	EventBlockCommitted = "block_committed"
)

// Event describes a deployment status change or a committed block.
type Event struct {
	ID          string                    `json:"id"`
	Type        string                    `json:"type"`
	Deployment  indexer.DeploymentLocator `json:"deployment"`
	Status      indexer.IndexerStatus     `json:"status,omitempty"`
	Error       string                    `json:"error,omitempty"`
	BlockNumber uint64                    `json:"block_number,omitempty"`
	BlockHash   string                    `json:"block_hash,omitempty"`
	Triggers    int                       `json:"triggers,omitempty"`
	Time        time.Time                 `json:"time"`
}

func newEvent(eventType string, loc indexer.DeploymentLocator) Event {
	return Event{
		ID:         uuid.NewString(),
		Type:       eventType,
		Deployment: loc,
		Time:       time.Now().UTC(),
	}
}

// Notifier publishes deployment events. Publish must not block on the network.
type Notifier interface {
	Publish(event Event)
	Close()
}

// NoopNotifier drops every event.
type NoopNotifier struct{}

func (NoopNotifier) Publish(Event) {}
func (NoopNotifier) Close()        {}

// KafkaNotifier produces events as JSON records keyed by deployment id.
type KafkaNotifier struct {
	client *kgo.Client
	topic  string
	log    *logger.Logger
}

// NewKafkaNotifier connects to the brokers and makes sure the topic exists.
func NewKafkaNotifier(ctx context.Context, cfg config.KafkaConfig, log *logger.Logger) (*KafkaNotifier, error) {
	cfg.ApplyDefaults()

	client, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.DefaultProduceTopic(cfg.Topic),
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.ProducerBatchCompression(kgo.SnappyCompression()),
		kgo.RecordRetries(5), //nolint:mnd
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka client: %w", err)
	}

	if err := ensureTopic(ctx, kadm.NewClient(client), cfg); err != nil {
		client.Close()
		return nil, err
	}

	return newKafkaNotifier(client, cfg.Topic, log), nil
}

func newKafkaNotifier(client *kgo.Client, topic string, log *logger.Logger) *KafkaNotifier {
	return &KafkaNotifier{
		client: client,
		topic:  topic,
		log:    log.WithComponent(common.ComponentNotifier),
	}
}

func ensureTopic(ctx context.Context, admin *kadm.Client, cfg config.KafkaConfig) error {
	topics, err := admin.ListTopics(ctx)
	if err != nil {
		return fmt.Errorf("failed to list topics: %w", err)
	}
	if topics.Has(cfg.Topic) {
		return nil
	}

	resp, err := admin.CreateTopic(ctx, cfg.Partitions, cfg.ReplicationFactor, nil, cfg.Topic)
	if err != nil {
		return fmt.Errorf("failed to create topic %s: %w", cfg.Topic, err)
	}
	if resp.Err != nil && !errors.Is(resp.Err, kerr.TopicAlreadyExists) {
		return fmt.Errorf("failed to create topic %s: %w", cfg.Topic, resp.Err)
	}

	return nil
}

// Publish produces the event asynchronously; failures are logged.
func (n *KafkaNotifier) Publish(event Event) {
	record, err := n.record(event)
	if err != nil {
		n.log.Errorw("failed to encode event", "type", event.Type, "error", err)
		return
	}

	n.client.Produce(context.Background(), record, func(_ *kgo.Record, err error) {
		if err != nil {
			n.log.Warnw("failed to publish event", "type", event.Type, "id", event.ID, "error", err)
			return
		}
		NotifierPublishedInc(event.Type)
	})
}

func (n *KafkaNotifier) record(event Event) (*kgo.Record, error) {
	value, err := json.Marshal(event)
	if err != nil {
		return nil, err
	}

	return &kgo.Record{
		Topic: n.topic,
		Key:   []byte(strconv.FormatInt(event.Deployment.ID, 10)),
		Value: value,
		Headers: []kgo.RecordHeader{
			{Key: "event_id", Value: []byte(event.ID)},
			{Key: "event_type", Value: []byte(event.Type)},
		},
		Timestamp: event.Time,
	}, nil
}

// Close flushes buffered records and closes the client.
func (n *KafkaNotifier) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second) //nolint:mnd
	defer cancel()

	if err := n.client.Flush(ctx); err != nil {
		n.log.Warnw("failed to flush events", "error", err)
	}
	n.client.Close()
}
