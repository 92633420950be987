// Package diagnostics publishes one summary event per handled request.
package diagnostics

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"shiftflow/pkg/logging"
)

type Event struct {
	RequestID  string    `json:"requestId"`
	Route      string    `json:"route"`
	Method     string    `json:"method"`
	Status     int       `json:"status"`
	Code       string    `json:"code,omitempty"`
	CacheState string    `json:"cacheState,omitempty"`
	Identity   string    `json:"identity,omitempty"`
	DurationMs int64     `json:"durationMs"`
	At         time.Time `json:"at"`
}

type Sink interface {
	Publish(ctx context.Context, ev Event) error
	Close() error
}

// LogSink writes events to the process log. It is used when no brokers
// are configured.
type LogSink struct {
	logger *zap.Logger
}

func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{logger: logging.OrNop(logger)}
}

func (s *LogSink) Publish(_ context.Context, ev Event) error {
	s.logger.Debug("request summary",
		zap.String("request_id", ev.RequestID),
		zap.String("route", ev.Route),
		zap.Int("status", ev.Status),
		zap.String("code", ev.Code),
		zap.String("cache_state", ev.CacheState),
		zap.Int64("duration_ms", ev.DurationMs),
	)
	return nil
}

func (s *LogSink) Close() error { return nil }

type kafkaWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type KafkaConfig struct {
	Brokers []string
	Topic   string
}

type KafkaSink struct {
	writer kafkaWriter
}

func NewKafkaSink(cfg KafkaConfig) (*KafkaSink, error) {
	brokers := trimBrokers(cfg.Brokers)
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers required")
	}
	if strings.TrimSpace(cfg.Topic) == "" {
		return nil, fmt.Errorf("kafka topic required")
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		BatchTimeout: 50 * time.Millisecond,
		WriteTimeout: 5 * time.Second,
	}
	return &KafkaSink{writer: w}, nil
}

// Publish keys events by route so one route's summaries stay ordered.
func (s *KafkaSink) Publish(ctx context.Context, ev Event) error {
	if s == nil || s.writer == nil {
		return fmt.Errorf("kafka sink not initialized")
	}
	value, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	return s.writer.WriteMessages(ctx, kafka.Message{Key: []byte(ev.Route), Value: value, Time: ev.At})
}

func (s *KafkaSink) Close() error {
	if s == nil || s.writer == nil {
		return nil
	}
	return s.writer.Close()
}

// New returns a Kafka sink when brokers are configured, else a LogSink.
func New(cfg KafkaConfig, logger *zap.Logger) (Sink, error) {
	if len(trimBrokers(cfg.Brokers)) == 0 {
		return NewLogSink(logger), nil
	}
	return NewKafkaSink(cfg)
}

func trimBrokers(in []string) []string {
	out := make([]string, 0, len(in))
	for _, b := range in {
		if trimmed := strings.TrimSpace(b); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
