package codeq

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"

	cserrors "github.com/osvaldoandrade/lambda-tester/internal/errors"
	"github.com/osvaldoandrade/lambda-tester/internal/report"
)

const (
	EnvelopeSchema = "cs.envelope.v1"
	ReportType     = "ExpectationReport"
)

type Topics struct {
	Reports string
}

type Envelope struct {
	Schema string          `json:"schema"`
	ID     string          `json:"id"`
	TSMS   int64           `json:"ts_ms"`
	Suite  string          `json:"suite"`
	Type   string          `json:"type"`
	Body   json.RawMessage `json:"body"`
}

// Kafka publishes and consumes report envelopes.
type Kafka struct {
	brokers []string
	topics  Topics

	mu      sync.Mutex
	writers map[string]kafkaWriter

	newReaderFn func(topic, groupID string) kafkaReader
	newWriterFn func(topic string) kafkaWriter
}

func NewKafka(brokers []string, topics Topics) *Kafka {
	return &Kafka{brokers: brokers, topics: topics, writers: make(map[string]kafkaWriter)}
}

type kafkaReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type kafkaWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

func (k *Kafka) topicWriter(topic string) kafkaWriter {
	k.mu.Lock()
	defer k.mu.Unlock()
	if w, ok := k.writers[topic]; ok {
		return w
	}
	var w kafkaWriter
	if k.newWriterFn != nil {
		w = k.newWriterFn(topic)
	} else {
		w = &kafka.Writer{
			Addr:         kafka.TCP(k.brokers...),
			Topic:        topic,
			RequiredAcks: kafka.RequireOne,
			Balancer:     &kafka.Hash{},
		}
	}
	k.writers[topic] = w
	return w
}

func (k *Kafka) Close() error {
	k.mu.Lock()
	defer k.mu.Unlock()
	var firstErr error
	for _, w := range k.writers {
		if err := w.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Publish wraps body in an envelope keyed by suite, so one suite's reports
// stay ordered within a partition.
func (k *Kafka) Publish(ctx context.Context, topic, suite, typ string, body any) error {
	rawBody, err := json.Marshal(body)
	if err != nil {
		return err
	}
	env := Envelope{
		Schema: EnvelopeSchema,
		ID:     "msg_" + uuid.NewString(),
		TSMS:   time.Now().UnixMilli(),
		Suite:  suite,
		Type:   typ,
		Body:   rawBody,
	}
	rawEnv, err := json.Marshal(env)
	if err != nil {
		return err
	}
	if err := k.topicWriter(topic).WriteMessages(ctx, kafka.Message{Key: []byte(suite), Value: rawEnv, Time: time.Now()}); err != nil {
		return cserrors.Wrap(cserrors.CSCodeQPublishFailed, fmt.Sprintf("failed to publish to topic %s", topic), err)
	}
	return nil
}

func (k *Kafka) PublishReport(ctx context.Context, r report.Report) error {
	return k.Publish(ctx, k.topics.Reports, r.Suite, ReportType, r)
}

// ConsumeReports calls handler for each report envelope on the reports
// topic. Envelopes of other types are committed and skipped.
func (k *Kafka) ConsumeReports(ctx context.Context, groupID string, handler func(Envelope, report.Report) error) error {
	return k.consume(ctx, k.topics.Reports, groupID, func(env Envelope) error {
		if env.Type != ReportType {
			return nil
		}
		var r report.Report
		if err := json.Unmarshal(env.Body, &r); err != nil {
			return err
		}
		return handler(env, r)
	})
}

func (k *Kafka) ConsumeTopic(ctx context.Context, topic, groupID string, handler func(Envelope) error) error {
	return k.consume(ctx, topic, groupID, handler)
}

func (k *Kafka) consume(ctx context.Context, topic, groupID string, handler func(Envelope) error) error {
	reader := k.newReader(topic, groupID)
	defer reader.Close()

	for {
		msg, err := reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return cserrors.Wrap(cserrors.CSCodeQSubFailed, "failed to fetch kafka message", err)
		}
		var env Envelope
		if err := json.Unmarshal(msg.Value, &env); err != nil {
			_ = reader.CommitMessages(ctx, msg)
			continue
		}
		if err := handler(env); err != nil {
			return err
		}
		if err := reader.CommitMessages(ctx, msg); err != nil {
			return cserrors.Wrap(cserrors.CSCodeQSubFailed, "failed to commit kafka message", err)
		}
	}
}

func (k *Kafka) newReader(topic, groupID string) kafkaReader {
	if k.newReaderFn != nil {
		return k.newReaderFn(topic, groupID)
	}
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:  k.brokers,
		Topic:    topic,
		GroupID:  groupID,
		MinBytes: 1,
		MaxBytes: 10e6,
	})
}
