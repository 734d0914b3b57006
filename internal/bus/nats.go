package bus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"sentinel-core/internal/config"
)

// NATS is a Bus backed by a NATS server, for lightweight deployments
// that do not run Kafka. Consumer groups map onto queue groups;
// partition ordering is approximated by the subject, which carries the
// partition index derived from the record key.
type NATS struct {
	cfg    config.NATSConfig
	logger *slog.Logger
	conn   *nats.Conn

	mu   sync.Mutex
	subs []*nats.Subscription
}

// NewNATS connects to the configured NATS server.
func NewNATS(cfg config.NATSConfig, logger *slog.Logger) (*NATS, error) {
	conn, err := nats.Connect(cfg.URL,
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("nats disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("nats: connect failed: %w", err)
	}
	return &NATS{cfg: cfg, logger: logger, conn: conn}, nil
}

func (n *NATS) subject(topic string, partition int) string {
	return fmt.Sprintf("%s.%s.%d", n.cfg.SubjectPrefix, topic, partition)
}

// Publish sends the record on the subject for its partition.
func (n *NATS) Publish(ctx context.Context, topic string, key, value []byte) error {
	if n.conn.IsClosed() {
		return ErrBusClosed
	}
	part := PartitionFor(key, 16)
	if err := n.conn.Publish(n.subject(topic, part), value); err != nil {
		return fmt.Errorf("nats: publish failed: %w", err)
	}
	return nil
}

// Subscribe joins the queue group on every partition subject of the
// topic.
func (n *NATS) Subscribe(ctx context.Context, topic, group string, handler Handler) error {
	wildcard := fmt.Sprintf("%s.%s.*", n.cfg.SubjectPrefix, topic)
	sub, err := n.conn.QueueSubscribe(wildcard, group, func(m *nats.Msg) {
		msg := Message{
			Topic: topic,
			Value: m.Data,
			Time:  time.Now(),
		}
		if err := handler(ctx, msg); err != nil {
			n.logger.Warn("handler failed", "topic", topic, "group", group, "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("nats: subscribe failed: %w", err)
	}

	n.mu.Lock()
	n.subs = append(n.subs, sub)
	n.mu.Unlock()
	return nil
}

// Close drains subscriptions and closes the connection.
func (n *NATS) Close() error {
	n.mu.Lock()
	subs := n.subs
	n.subs = nil
	n.mu.Unlock()

	for _, s := range subs {
		if err := s.Drain(); err != nil {
			n.logger.Warn("nats drain failed", "error", err)
		}
	}
	n.conn.Close()
	return nil
}
