package queue

import (
	"context"
	"crypto/tls"
	"fmt"
	"time"

	"github.com/Sumit189/cronhook/common/models"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/sasl"
	"github.com/segmentio/kafka-go/sasl/aws_msk_iam_v2"
)

const (
	kafkaProducerRetries = 3
	kafkaBatchTimeout    = 10 * time.Millisecond
	kafkaMinBytes        = 10e3 // 10KB
	kafkaMaxBytes        = 10e6 // 10MB
)

type KafkaConfig struct {
	Brokers []string
	Topic   string
	GroupID string
	SASL    string // "none" or "aws_msk_iam"
	Region  string
}

func kafkaAuth(ctx context.Context, cfg KafkaConfig) (sasl.Mechanism, *tls.Config, error) {
	switch cfg.SASL {
	case "", "none":
		return nil, nil, nil
	case "aws_msk_iam":
		awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
		if err != nil {
			return nil, nil, fmt.Errorf("load aws config: %w", err)
		}
		return aws_msk_iam_v2.NewMechanism(awsCfg), &tls.Config{MinVersion: tls.VersionTLS12}, nil
	default:
		return nil, nil, fmt.Errorf("unsupported KAFKA_SASL %q", cfg.SASL)
	}
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaDispatcher keys messages by schedule id so attempts of one schedule keep
// partition order.
type KafkaDispatcher struct {
	writer  messageWriter
	log     zerolog.Logger
	backoff time.Duration
}

func NewKafkaDispatcher(ctx context.Context, cfg KafkaConfig, log zerolog.Logger) (*KafkaDispatcher, error) {
	mechanism, tlsCfg, err := kafkaAuth(ctx, cfg)
	if err != nil {
		return nil, err
	}
	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		Async:        false,
		BatchTimeout: kafkaBatchTimeout,
		Transport:    &kafka.Transport{SASL: mechanism, TLS: tlsCfg},
	}
	return &KafkaDispatcher{writer: writer, log: log, backoff: time.Second}, nil
}

func (d *KafkaDispatcher) Dispatch(ctx context.Context, task models.Task) error {
	value, err := encodeTask(task)
	if err != nil {
		return &DispatchError{RunID: task.RunID, Err: err}
	}
	msg := kafka.Message{
		Key:   []byte(task.ScheduleID),
		Value: value,
		Time:  time.Now(),
	}

	for attempt := 0; attempt < kafkaProducerRetries; attempt++ {
		err = d.writer.WriteMessages(ctx, msg)
		if err == nil {
			return nil
		}
		d.log.Warn().Err(err).Str("run_id", task.RunID).Int("attempt", attempt+1).Msg("kafka publish failed")
		if attempt == kafkaProducerRetries-1 {
			break
		}
		select {
		case <-ctx.Done():
			return &DispatchError{RunID: task.RunID, Err: ctx.Err()}
		case <-time.After(time.Duration(attempt+1) * d.backoff):
		}
	}
	return &DispatchError{RunID: task.RunID, Err: err}
}

func (d *KafkaDispatcher) Close() error {
	return d.writer.Close()
}

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSource reads in a consumer group. Offsets are committed by Ack, after the
// attempt has been recorded.
type KafkaSource struct {
	reader messageReader
	log    zerolog.Logger
}

func NewKafkaSource(ctx context.Context, cfg KafkaConfig, log zerolog.Logger) (*KafkaSource, error) {
	mechanism, tlsCfg, err := kafkaAuth(ctx, cfg)
	if err != nil {
		return nil, err
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.Brokers,
		GroupID:  cfg.GroupID,
		Topic:    cfg.Topic,
		MinBytes: kafkaMinBytes,
		MaxBytes: kafkaMaxBytes,
		Dialer: &kafka.Dialer{
			Timeout:       10 * time.Second,
			DualStack:     true,
			SASLMechanism: mechanism,
			TLS:           tlsCfg,
		},
	})
	return &KafkaSource{reader: reader, log: log}, nil
}

func (s *KafkaSource) Receive(ctx context.Context) (Delivery, error) {
	for {
		msg, err := s.reader.FetchMessage(ctx)
		if err != nil {
			return Delivery{}, err
		}
		task, err := decodeTask(msg.Value)
		if err != nil {
			s.log.Error().Err(err).Str("key", string(msg.Key)).Int64("offset", msg.Offset).Msg("dropping malformed task")
			if err := s.reader.CommitMessages(ctx, msg); err != nil {
				return Delivery{}, err
			}
			continue
		}
		return Delivery{
			Task: task,
			Ack: func(ctx context.Context) error {
				return s.reader.CommitMessages(ctx, msg)
			},
		}, nil
	}
}

func (s *KafkaSource) Close() error {
	return s.reader.Close()
}
