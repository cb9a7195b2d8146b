// Package natsmirror republishes live hub envelopes to a NATS JetStream stream so consumers outside
// the process can read them without opening a hub subscription.
package natsmirror

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/goran-ethernal/MultiChainIndexor/internal/common"
	"github.com/goran-ethernal/MultiChainIndexor/internal/hub"
	"github.com/goran-ethernal/MultiChainIndexor/internal/logger"
	"github.com/goran-ethernal/MultiChainIndexor/pkg/chain"
	"github.com/goran-ethernal/MultiChainIndexor/pkg/config"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"golang.org/x/sync/errgroup"
)

const (
	headerChainType   = "Chain-Type"
	headerBlockNumber = "Block-Number"
)

// Publisher is the part of jetstream.JetStream used by the mirror.
type Publisher interface {
	PublishMsg(ctx context.Context, msg *nats.Msg, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// Source is the hub the mirror reads from.
type Source interface {
	hub.Subscriber
	Topics() []hub.TopicInfo
}

// Mirror copies every live envelope of every hub topic to <prefix>.<chain>.<network>.
type Mirror struct {
	cfg *config.NATSConfig
	js  Publisher
	nc  *nats.Conn
	log *logger.Logger
}

// New creates a mirror that publishes through js.
func New(cfg *config.NATSConfig, js Publisher, log *logger.Logger) *Mirror {
	return &Mirror{
		cfg: cfg,
		js:  js,
		log: log.WithComponent(common.ComponentHubMirror),
	}
}

// Connect dials NATS, makes sure the stream exists and returns a mirror using it.
func Connect(ctx context.Context, cfg *config.NATSConfig, log *logger.Logger) (*Mirror, error) {
	log = log.WithComponent(common.ComponentHubMirror)

	nc, err := nats.Connect(cfg.URL,
		nats.Name("mcindexor-hub-mirror"),
		nats.ReconnectWait(2*time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warnw("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Infow("nats reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to nats at %s: %w", cfg.URL, err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to init jetstream: %w", err)
	}

	if _, err := EnsureStream(ctx, js, cfg); err != nil {
		nc.Close()
		return nil, err
	}

	m := New(cfg, js, log)
	m.nc = nc

	return m, nil
}

// EnsureStream creates or updates the mirror stream. It is idempotent.
func EnsureStream(ctx context.Context, js jetstream.JetStream, cfg *config.NATSConfig) (jetstream.Stream, error) {
	stream, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:        cfg.Stream,
		Subjects:    []string{cfg.SubjectPrefix + ".>"},
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      cfg.MaxAge.Duration,
		Storage:     jetstream.FileStorage,
		Discard:     jetstream.DiscardOld,
		Duplicates:  2 * time.Minute,
		Description: "Raw block envelopes mirrored from the broadcast hub",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to ensure stream %s: %w", cfg.Stream, err)
	}

	return stream, nil
}

// Subject returns the subject envelopes of a chain are published on.
func Subject(prefix string, chainType chain.ChainType, network string) string {
	return fmt.Sprintf("%s.%s.%s", prefix, chainType, network)
}

// MsgID identifies an envelope for JetStream deduplication. A reorged block gets a new id.
func MsgID(env *chain.RawEnvelope) string {
	return fmt.Sprintf("%s:%s:%d:%s", env.ChainType, env.Network, env.BlockNumber, env.BlockHash)
}

// Run mirrors every topic registered in src until ctx is done or the hub closes.
func (m *Mirror) Run(ctx context.Context, src Source) error {
	g, ctx := errgroup.WithContext(ctx)

	for _, topic := range src.Topics() {
		g.Go(func() error {
			return m.mirror(ctx, src, topic)
		})
	}

	return g.Wait()
}

func (m *Mirror) mirror(ctx context.Context, src hub.Subscriber, topic hub.TopicInfo) error {
	sub, err := src.Subscribe(ctx, hub.Request{ChainType: topic.ChainType, Network: topic.Network, LiveOnly: true})
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", topic.ChainType, err)
	}
	defer sub.Close()

	subject := Subject(m.cfg.SubjectPrefix, topic.ChainType, topic.Network)
	m.log.Infow("mirroring topic", "chain", topic.ChainType, "subject", subject)

	for {
		select {
		case <-ctx.Done():
			return nil
		case env, ok := <-sub.C():
			if !ok {
				if err := sub.Err(); err != nil && !errors.Is(err, hub.ErrClosed) {
					return fmt.Errorf("mirror subscription for %s ended: %w", topic.ChainType, err)
				}
				return nil
			}
			if err := m.publish(ctx, subject, env); err != nil {
				MirrorErrorInc(topic.ChainType.String())
				m.log.Warnw("failed to mirror envelope",
					"chain", topic.ChainType,
					"block", env.BlockNumber,
					"error", err,
				)
				continue
			}
			EnvelopeMirroredInc(topic.ChainType.String())
		}
	}
}

func (m *Mirror) publish(ctx context.Context, subject string, env *chain.RawEnvelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}

	msg := nats.NewMsg(subject)
	msg.Data = data
	msg.Header.Set(jetstream.MsgIDHeader, MsgID(env))
	msg.Header.Set(headerChainType, env.ChainType.String())
	msg.Header.Set(headerBlockNumber, strconv.FormatUint(env.BlockNumber, 10))

	if _, err := m.js.PublishMsg(ctx, msg); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", subject, err)
	}

	return nil
}

// Close closes the NATS connection opened by Connect.
func (m *Mirror) Close() {
	if m.nc != nil {
		m.nc.Close()
	}
}
