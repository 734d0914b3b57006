package bus

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/sasl"
	"github.com/segmentio/kafka-go/sasl/plain"
	"github.com/segmentio/kafka-go/sasl/scram"

	"sentinel-core/internal/config"
)

// Kafka is a Bus backed by an external Kafka cluster. Topics are
// prefixed so several deployments can share a cluster; offsets are
// committed only after the handler returns nil, giving at-least-once
// delivery.
type Kafka struct {
	cfg    config.KafkaConfig
	logger *slog.Logger

	mu      sync.Mutex
	writers map[string]*kafka.Writer
	readers []*kafka.Reader
	wg      sync.WaitGroup
	closed  bool
}

// NewKafka creates a Kafka-backed bus.
func NewKafka(cfg config.KafkaConfig, logger *slog.Logger) (*Kafka, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka: at least one broker is required")
	}
	return &Kafka{
		cfg:     cfg,
		logger:  logger,
		writers: make(map[string]*kafka.Writer),
	}, nil
}

func (k *Kafka) topicName(topic string) string {
	if k.cfg.TopicPrefix == "" {
		return topic
	}
	return k.cfg.TopicPrefix + "." + topic
}

func (k *Kafka) writer(topic string) (*kafka.Writer, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.closed {
		return nil, ErrBusClosed
	}
	if w, ok := k.writers[topic]; ok {
		return w, nil
	}

	dialer, err := k.dialer()
	if err != nil {
		return nil, err
	}

	w := &kafka.Writer{
		Addr:         kafka.TCP(k.cfg.Brokers...),
		Topic:        k.topicName(topic),
		Balancer:     &kafka.Hash{},
		BatchSize:    k.cfg.BatchSize,
		BatchTimeout: k.cfg.BatchTimeout,
		RequiredAcks: kafka.RequireAll,
		Compression:  k.compression(),
		Transport: &kafka.Transport{
			Dial: dialer.DialFunc,
			TLS:  dialer.TLS,
			SASL: dialer.SASLMechanism,
		},
		ErrorLogger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			k.logger.Error(fmt.Sprintf(msg, args...), "component", "kafka-writer")
		}),
	}
	k.writers[topic] = w
	return w, nil
}

// Publish sends the record to the topic, keyed so all records for one
// key land on one partition.
func (k *Kafka) Publish(ctx context.Context, topic string, key, value []byte) error {
	w, err := k.writer(topic)
	if err != nil {
		return err
	}
	err = w.WriteMessages(ctx, kafka.Message{Key: key, Value: value})
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return ErrPublishTimeout
	}
	return err
}

// Subscribe consumes the topic within the consumer group. The reader
// commits an offset only after the handler accepts the message.
func (k *Kafka) Subscribe(ctx context.Context, topic, group string, handler Handler) error {
	dialer, err := k.dialer()
	if err != nil {
		return err
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        k.cfg.Brokers,
		GroupID:        group,
		Topic:          k.topicName(topic),
		Dialer:         dialer,
		CommitInterval: 0, // synchronous commits, after side effects
		ErrorLogger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			k.logger.Error(fmt.Sprintf(msg, args...), "component", "kafka-reader")
		}),
	})

	k.mu.Lock()
	if k.closed {
		k.mu.Unlock()
		reader.Close()
		return ErrBusClosed
	}
	k.readers = append(k.readers, reader)
	k.mu.Unlock()

	k.wg.Add(1)
	go func() {
		defer k.wg.Done()
		for {
			m, err := reader.FetchMessage(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				k.logger.Error("kafka fetch failed", "topic", topic, "error", err)
				continue
			}
			msg := Message{
				Topic:     topic,
				Partition: m.Partition,
				Offset:    m.Offset,
				Key:       m.Key,
				Value:     m.Value,
				Time:      m.Time,
			}
			if err := handler(ctx, msg); err != nil {
				// Not committed; the message is redelivered after a
				// rebalance or restart.
				k.logger.Warn("handler failed, offset not committed",
					"topic", topic, "partition", m.Partition, "offset", m.Offset, "error", err)
				continue
			}
			if err := reader.CommitMessages(ctx, m); err != nil && ctx.Err() == nil {
				k.logger.Error("offset commit failed", "topic", topic, "error", err)
			}
		}
	}()
	return nil
}

// Close closes all writers and readers and waits for consumers.
func (k *Kafka) Close() error {
	k.mu.Lock()
	k.closed = true
	writers := k.writers
	readers := k.readers
	k.writers = map[string]*kafka.Writer{}
	k.readers = nil
	k.mu.Unlock()

	var firstErr error
	for _, w := range writers {
		if err := w.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	for _, r := range readers {
		if err := r.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	k.wg.Wait()
	return firstErr
}

func (k *Kafka) compression() kafka.Compression {
	switch k.cfg.CompressionType {
	case "gzip":
		return kafka.Gzip
	case "snappy":
		return kafka.Snappy
	case "lz4":
		return kafka.Lz4
	case "zstd":
		return kafka.Zstd
	default:
		return 0
	}
}

func (k *Kafka) dialer() (*kafka.Dialer, error) {
	dialer := &kafka.Dialer{
		Timeout:   k.cfg.DialTimeout,
		DualStack: true,
	}

	if k.cfg.TLSEnabled || k.cfg.SecurityProtocol == "SSL" || k.cfg.SecurityProtocol == "SASL_SSL" {
		tlsConfig, err := k.tlsConfig()
		if err != nil {
			return nil, fmt.Errorf("kafka: failed to configure TLS: %w", err)
		}
		dialer.TLS = tlsConfig
	}

	if k.cfg.SecurityProtocol == "SASL_PLAINTEXT" || k.cfg.SecurityProtocol == "SASL_SSL" {
		mechanism, err := k.saslMechanism()
		if err != nil {
			return nil, fmt.Errorf("kafka: failed to configure SASL: %w", err)
		}
		dialer.SASLMechanism = mechanism
	}

	return dialer, nil
}

func (k *Kafka) tlsConfig() (*tls.Config, error) {
	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}

	if k.cfg.TLSCAFile != "" {
		caCert, err := os.ReadFile(k.cfg.TLSCAFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caCert) {
			return nil, errors.New("failed to parse CA certificate")
		}
		tlsConfig.RootCAs = pool
	}

	if k.cfg.TLSCertFile != "" && k.cfg.TLSKeyFile != "" {
		cert, err := tls.LoadX509KeyPair(k.cfg.TLSCertFile, k.cfg.TLSKeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load client certificate: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	return tlsConfig, nil
}

func (k *Kafka) saslMechanism() (sasl.Mechanism, error) {
	switch k.cfg.SASLMechanism {
	case "PLAIN":
		return plain.Mechanism{Username: k.cfg.SASLUsername, Password: k.cfg.SASLPassword}, nil
	case "SCRAM-SHA-256":
		return scram.Mechanism(scram.SHA256, k.cfg.SASLUsername, k.cfg.SASLPassword)
	case "SCRAM-SHA-512":
		return scram.Mechanism(scram.SHA512, k.cfg.SASLUsername, k.cfg.SASLPassword)
	default:
		return nil, fmt.Errorf("unsupported SASL mechanism: %s", k.cfg.SASLMechanism)
	}
}
