package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"

	"workledger/internal/domain"
)

// Record headers set on every published report.
const (
	HeaderDigest      = "workledger-digest"
	HeaderContentType = "content-type"
)

// KafkaReportStore publishes each audit report as one record keyed by run id.
type KafkaReportStore struct {
	client *kgo.Client
	topic  string
}

// NewKafkaReportStore connects a producer for topic.
func NewKafkaReportStore(brokers []string, topic string, opts ...kgo.Opt) (*KafkaReportStore, error) {
	if len(brokers) == 0 {
		return nil, errors.New("kafka report store: no seed brokers")
	}
	if topic == "" {
		return nil, errors.New("kafka report store: topic is required")
	}
	opts = append([]kgo.Opt{
		kgo.SeedBrokers(brokers...),
		kgo.DefaultProduceTopic(topic),
		kgo.RequiredAcks(kgo.AllISRAcks()),
	}, opts...)
	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("create kafka client: %w", err)
	}
	return &KafkaReportStore{client: client, topic: topic}, nil
}

// EnsureTopic creates the report topic when it is missing.
func (s *KafkaReportStore) EnsureTopic(ctx context.Context, partitions int32, replicationFactor int16) error {
	adm := kadm.NewClient(s.client)
	resp, err := adm.CreateTopic(ctx, partitions, replicationFactor, nil, s.topic)
	if err != nil {
		return fmt.Errorf("create topic %s: %w", s.topic, err)
	}
	if resp.Err != nil && !errors.Is(resp.Err, kerr.TopicAlreadyExists) {
		return fmt.Errorf("create topic %s: %w", s.topic, resp.Err)
	}
	return nil
}

// Save implements report.ReportStore. It blocks until the broker acknowledges
// the record.
func (s *KafkaReportStore) Save(ctx context.Context, report *domain.AuditReport) error {
	payload, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}
	record := &kgo.Record{
		Topic: s.topic,
		Key:   []byte(report.RunID),
		Value: payload,
		Headers: []kgo.RecordHeader{
			{Key: HeaderDigest, Value: []byte(report.Digest)},
			{Key: HeaderContentType, Value: []byte("application/json")},
		},
	}
	if err := s.client.ProduceSync(ctx, record).FirstErr(); err != nil {
		return fmt.Errorf("publish report %s: %w", report.RunID, err)
	}
	return nil
}

// Close releases the client.
func (s *KafkaReportStore) Close() {
	s.client.Close()
}
