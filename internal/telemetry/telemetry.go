// Package telemetry reports gateway handler failures to operators. Every
// failure is logged; when Kafka brokers are configured the record is also
// relayed for downstream alerting.
package telemetry

import (
	"encoding/json"
	"log/slog"
	"time"

	"github.com/IBM/sarama"
)

// Reporter receives handler failures. Reports must never panic and never
// block the dispatch path for long.
type Reporter interface {
	ReportError(sessionID, userID string, op int, err error)
	ReportPanic(sessionID, userID string, op int, recovered any)
	Close() error
}

// SlogReporter is the always-available baseline.
type SlogReporter struct{}

func (SlogReporter) ReportError(sessionID, userID string, op int, err error) {
	slog.Error("gateway handler failed", "sessionID", sessionID, "userID", userID, "op", op, "error", err)
}

func (SlogReporter) ReportPanic(sessionID, userID string, op int, recovered any) {
	slog.Error("gateway handler panicked", "sessionID", sessionID, "userID", userID, "op", op, "panic", recovered)
}

func (SlogReporter) Close() error { return nil }

type failureRecord struct {
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id,omitempty"`
	Op        int    `json:"op"`
	Kind      string `json:"kind"`
	Detail    string `json:"detail"`
	At        int64  `json:"at"`
}

// KafkaReporter logs and relays failure records to a Kafka topic.
type KafkaReporter struct {
	producer sarama.SyncProducer
	topic    string
}

// NewKafkaProducer configures a synchronous producer the way the rest of the
// platform does: full acks, snappy compression, hash partitioning.
func NewKafkaProducer(brokers []string) (sarama.SyncProducer, error) {
	cfg := sarama.NewConfig()
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Retry.Max = 5
	cfg.Producer.Return.Successes = true
	cfg.Producer.Compression = sarama.CompressionSnappy
	cfg.Producer.Partitioner = sarama.NewHashPartitioner
	cfg.Version = sarama.V2_0_0_0
	cfg.ClientID = "gateway"
	return sarama.NewSyncProducer(brokers, cfg)
}

func NewKafkaReporter(producer sarama.SyncProducer, topic string) *KafkaReporter {
	return &KafkaReporter{producer: producer, topic: topic}
}

func (r *KafkaReporter) relay(rec failureRecord) {
	data, err := json.Marshal(rec)
	if err != nil {
		return
	}
	_, _, err = r.producer.SendMessage(&sarama.ProducerMessage{
		Topic: r.topic,
		Key:   sarama.StringEncoder(rec.SessionID),
		Value: sarama.ByteEncoder(data),
	})
	if err != nil {
		slog.Warn("failed to relay telemetry record", "error", err)
	}
}

func (r *KafkaReporter) ReportError(sessionID, userID string, op int, err error) {
	SlogReporter{}.ReportError(sessionID, userID, op, err)
	r.relay(failureRecord{
		SessionID: sessionID,
		UserID:    userID,
		Op:        op,
		Kind:      "error",
		Detail:    err.Error(),
		At:        time.Now().Unix(),
	})
}

func (r *KafkaReporter) ReportPanic(sessionID, userID string, op int, recovered any) {
	SlogReporter{}.ReportPanic(sessionID, userID, op, recovered)
	r.relay(failureRecord{
		SessionID: sessionID,
		UserID:    userID,
		Op:        op,
		Kind:      "panic",
		Detail:    "handler panic",
		At:        time.Now().Unix(),
	})
}

func (r *KafkaReporter) Close() error { return r.producer.Close() }
