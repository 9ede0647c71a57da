package export

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/IBM/sarama"
	"github.com/xdg-go/scram"

	"github.com/therealutkarshpriyadarshi/pingwatch/pkg/types"
)

// KafkaConfig contains Kafka-specific configuration
type KafkaConfig struct {
	Brokers          []string
	Topic            string
	ClientID         string
	Version          string
	RequiredAcks     int16
	CompressionCodec string
	Timeout          time.Duration
	EnableTLS        bool
	TLS              *tls.Config // implies EnableTLS
	SASLEnabled      bool
	SASLMechanism    string // PLAIN, SCRAM-SHA-256, SCRAM-SHA-512
	SASLUsername     string
	SASLPassword     string
}

// KafkaRecorder publishes each closed session as one JSON message keyed by
// server address, so one server's sessions stay on one partition.
type KafkaRecorder struct {
	topic    string
	host     string
	producer sarama.SyncProducer
	closed   atomic.Bool
}

// NewKafkaRecorder connects a synchronous producer
func NewKafkaRecorder(cfg KafkaConfig) (*KafkaRecorder, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("no brokers specified")
	}
	if cfg.Topic == "" {
		return nil, errors.New("no topic specified")
	}

	sc, err := saramaConfig(cfg)
	if err != nil {
		return nil, err
	}
	producer, err := sarama.NewSyncProducer(cfg.Brokers, sc)
	if err != nil {
		return nil, fmt.Errorf("failed to create Kafka producer: %w", err)
	}
	return NewKafkaRecorderWithProducer(cfg.Topic, producer), nil
}

// NewKafkaRecorderWithProducer uses an existing producer
func NewKafkaRecorderWithProducer(topic string, producer sarama.SyncProducer) *KafkaRecorder {
	return &KafkaRecorder{
		topic:    topic,
		host:     Hostname(),
		producer: producer,
	}
}

func saramaConfig(cfg KafkaConfig) (*sarama.Config, error) {
	sc := sarama.NewConfig()
	sc.Producer.Return.Successes = true
	sc.Producer.Return.Errors = true
	sc.Producer.RequiredAcks = sarama.WaitForLocal
	if cfg.RequiredAcks != 0 {
		sc.Producer.RequiredAcks = sarama.RequiredAcks(cfg.RequiredAcks)
	}
	sc.Producer.Partitioner = sarama.NewHashPartitioner
	sc.ClientID = "pingwatch"
	if cfg.ClientID != "" {
		sc.ClientID = cfg.ClientID
	}
	if cfg.Timeout > 0 {
		sc.Net.DialTimeout = cfg.Timeout
		sc.Net.WriteTimeout = cfg.Timeout
		sc.Producer.Timeout = cfg.Timeout
	}

	switch cfg.CompressionCodec {
	case "gzip":
		sc.Producer.Compression = sarama.CompressionGZIP
	case "snappy":
		sc.Producer.Compression = sarama.CompressionSnappy
	case "lz4":
		sc.Producer.Compression = sarama.CompressionLZ4
	case "zstd":
		sc.Producer.Compression = sarama.CompressionZSTD
	case "", "none":
		sc.Producer.Compression = sarama.CompressionNone
	default:
		return nil, fmt.Errorf("unsupported compression codec: %s", cfg.CompressionCodec)
	}

	if cfg.Version != "" {
		version, err := sarama.ParseKafkaVersion(cfg.Version)
		if err != nil {
			return nil, fmt.Errorf("invalid Kafka version: %w", err)
		}
		sc.Version = version
	}

	if cfg.SASLEnabled {
		sc.Net.SASL.Enable = true
		sc.Net.SASL.User = cfg.SASLUsername
		sc.Net.SASL.Password = cfg.SASLPassword
		switch cfg.SASLMechanism {
		case "SCRAM-SHA-256":
			sc.Net.SASL.Mechanism = sarama.SASLTypeSCRAMSHA256
			sc.Net.SASL.SCRAMClientGeneratorFunc = scramGenerator(scram.SHA256)
		case "SCRAM-SHA-512":
			sc.Net.SASL.Mechanism = sarama.SASLTypeSCRAMSHA512
			sc.Net.SASL.SCRAMClientGeneratorFunc = scramGenerator(scram.SHA512)
		default:
			sc.Net.SASL.Mechanism = sarama.SASLTypePlaintext
		}
	}
	if cfg.EnableTLS || cfg.TLS != nil {
		sc.Net.TLS.Enable = true
		sc.Net.TLS.Config = cfg.TLS
	}
	return sc, sc.Validate()
}

// Record implements stats.Recorder. The sync producer does not take a
// context; its own timeouts bound the call.
func (k *KafkaRecorder) Record(_ context.Context, s types.SessionStats) error {
	if k.closed.Load() {
		return ErrClosed
	}

	data, err := json.Marshal(NewDocument(k.host, s))
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}

	msg := &sarama.ProducerMessage{
		Topic:     k.topic,
		Key:       sarama.StringEncoder(s.Connection.String()),
		Value:     sarama.ByteEncoder(data),
		Timestamp: s.End,
		Headers: []sarama.RecordHeader{
			{Key: []byte("content-type"), Value: []byte("application/json")},
		},
	}
	if _, _, err := k.producer.SendMessage(msg); err != nil {
		return fmt.Errorf("failed to send message to Kafka: %w", err)
	}
	return nil
}

// Name implements stats.Recorder
func (k *KafkaRecorder) Name() string {
	return "kafka"
}

// Close closes the producer
func (k *KafkaRecorder) Close() error {
	if !k.closed.CompareAndSwap(false, true) {
		return nil
	}
	return k.producer.Close()
}
