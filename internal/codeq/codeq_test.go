package codeq

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"

	cserrors "github.com/osvaldoandrade/lambda-tester/internal/errors"
	"github.com/osvaldoandrade/lambda-tester/internal/report"
)

func TestNewKafkaTopicWriterReuseAndClose(t *testing.T) {
	k := NewKafka([]string{"127.0.0.1:1"}, Topics{Reports: "reports"})

	w1 := k.topicWriter("topic-a")
	w2 := k.topicWriter("topic-a")
	if w1 != w2 {
		t.Fatal("topicWriter should reuse writer per topic")
	}
	if err := k.Close(); err != nil {
		t.Fatalf("Close returned error: %v", err)
	}
}

type fakeWriter struct {
	msgs   []kafka.Message
	err    error
	closed bool
}

func (f *fakeWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	_ = ctx
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error {
	f.closed = true
	return nil
}

func TestPublishReportEnvelope(t *testing.T) {
	fw := &fakeWriter{}
	k := NewKafka(nil, Topics{Reports: "cs.tester.reports"})
	k.newWriterFn = func(topic string) kafkaWriter {
		if topic != "cs.tester.reports" {
			t.Fatalf("unexpected topic: %s", topic)
		}
		return fw
	}

	r := report.Report{ID: "rep_1", Suite: "orders", Expect: "result", Outcome: "CallbackResult", Passed: true}
	if err := k.PublishReport(context.Background(), r); err != nil {
		t.Fatalf("publish report: %v", err)
	}
	if len(fw.msgs) != 1 {
		t.Fatalf("expected one message, got %d", len(fw.msgs))
	}
	msg := fw.msgs[0]
	if string(msg.Key) != "orders" {
		t.Fatalf("message key = %q, want suite", msg.Key)
	}
	var env Envelope
	if err := json.Unmarshal(msg.Value, &env); err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	if env.Schema != EnvelopeSchema || env.Type != ReportType || env.Suite != "orders" || env.ID == "" {
		t.Fatalf("unexpected envelope: %+v", env)
	}
	var body report.Report
	if err := json.Unmarshal(env.Body, &body); err != nil || body.ID != "rep_1" || !body.Passed {
		t.Fatalf("unexpected body: %+v %v", body, err)
	}

	if err := k.Close(); err != nil || !fw.closed {
		t.Fatalf("close should close writers: %v", err)
	}
}

func TestPublishErrors(t *testing.T) {
	k := NewKafka(nil, Topics{Reports: "reports"})
	k.newWriterFn = func(string) kafkaWriter { return &fakeWriter{err: errors.New("broker down")} }

	if err := k.Publish(context.Background(), "x", "s", "Type", map[string]any{"bad": make(chan int)}); err == nil {
		t.Fatal("expected marshal error")
	}

	err := k.PublishReport(context.Background(), report.Report{ID: "rep_1", Suite: "s"})
	var csErr *cserrors.CSError
	if !errors.As(err, &csErr) || csErr.Code != cserrors.CSCodeQPublishFailed {
		t.Fatalf("expected wrapped CSCodeQPublishFailed, got %v", err)
	}
}

func TestPublishUnreachableBroker(t *testing.T) {
	k := NewKafka([]string{"127.0.0.1:1"}, Topics{Reports: "reports"})
	defer k.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()

	err := k.PublishReport(ctx, report.Report{ID: "rep_1", Suite: "orders"})
	var csErr *cserrors.CSError
	if !errors.As(err, &csErr) || csErr.Code != cserrors.CSCodeQPublishFailed {
		t.Fatalf("expected wrapped CSCodeQPublishFailed, got %v", err)
	}
}

func TestConsumeWithCanceledContext(t *testing.T) {
	k := NewKafka([]string{"127.0.0.1:1"}, Topics{Reports: "reports"})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := k.ConsumeReports(ctx, "g1", func(Envelope, report.Report) error { return nil }); err != nil {
		t.Fatalf("ConsumeReports canceled context should return nil, got %v", err)
	}
	if err := k.ConsumeTopic(ctx, "topic", "g1", func(Envelope) error { return nil }); err != nil {
		t.Fatalf("ConsumeTopic canceled context should return nil, got %v", err)
	}
}

type fakeReader struct {
	fetch     []fetchStep
	fetchIdx  int
	commitErr error
	commits   []kafka.Message
	closed    bool
}

type fetchStep struct {
	msg kafka.Message
	err error
}

func (f *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	if f.fetchIdx >= len(f.fetch) {
		<-ctx.Done()
		return kafka.Message{}, ctx.Err()
	}
	step := f.fetch[f.fetchIdx]
	f.fetchIdx++
	return step.msg, step.err
}

func (f *fakeReader) CommitMessages(ctx context.Context, msgs ...kafka.Message) error {
	_ = ctx
	f.commits = append(f.commits, msgs...)
	return f.commitErr
}

func (f *fakeReader) Close() error {
	f.closed = true
	return nil
}

func mustEnvelope(t *testing.T, typ string, body any) []byte {
	t.Helper()
	rawBody, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	rawEnv, err := json.Marshal(Envelope{
		Schema: EnvelopeSchema,
		ID:     "msg_1",
		TSMS:   1,
		Suite:  "orders",
		Type:   typ,
		Body:   rawBody,
	})
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	return rawEnv
}

func TestConsumeBranches(t *testing.T) {
	readerFor := func(fr *fakeReader) func(string, string) kafkaReader {
		return func(string, string) kafkaReader { return fr }
	}

	t.Run("consume wraps fetch errors and closes reader", func(t *testing.T) {
		fr := &fakeReader{fetch: []fetchStep{{err: errors.New("fetch failed")}}}
		k := NewKafka(nil, Topics{Reports: "reports"})
		k.newReaderFn = readerFor(fr)
		err := k.ConsumeReports(context.Background(), "g1", func(Envelope, report.Report) error { return nil })
		var csErr *cserrors.CSError
		if !errors.As(err, &csErr) || csErr.Code != cserrors.CSCodeQSubFailed {
			t.Fatalf("expected CSCodeQSubFailed, got %v", err)
		}
		if !fr.closed {
			t.Fatal("reader should be closed on consume exit")
		}
	})

	t.Run("consume skips malformed and foreign envelopes", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		fr := &fakeReader{
			fetch: []fetchStep{
				{msg: kafka.Message{Value: []byte("not-json")}},
				{msg: kafka.Message{Value: mustEnvelope(t, "Other", map[string]any{"x": 1})}},
				{msg: kafka.Message{Value: mustEnvelope(t, ReportType, report.Report{ID: "rep_1", Suite: "orders"})}},
			},
		}
		k := NewKafka(nil, Topics{Reports: "reports"})
		k.newReaderFn = func(topic, groupID string) kafkaReader {
			if topic != "reports" || groupID != "g1" {
				t.Fatalf("unexpected reader args: %s %s", topic, groupID)
			}
			return fr
		}
		calls := 0
		err := k.ConsumeReports(ctx, "g1", func(env Envelope, r report.Report) error {
			calls++
			if r.ID != "rep_1" || env.Suite != "orders" {
				t.Fatalf("unexpected report: %+v", r)
			}
			cancel()
			return nil
		})
		if err != nil {
			t.Fatalf("consume should end cleanly on canceled context: %v", err)
		}
		if calls != 1 {
			t.Fatalf("expected 1 handler call, got %d", calls)
		}
		if len(fr.commits) != 3 {
			t.Fatalf("expected 3 commits, got %d", len(fr.commits))
		}
	})

	t.Run("consume returns decoding error for invalid report body", func(t *testing.T) {
		fr := &fakeReader{fetch: []fetchStep{{msg: kafka.Message{Value: mustEnvelope(t, ReportType, "invalid")}}}}
		k := NewKafka(nil, Topics{Reports: "reports"})
		k.newReaderFn = readerFor(fr)
		if err := k.ConsumeReports(context.Background(), "g1", func(Envelope, report.Report) error { return nil }); err == nil {
			t.Fatal("expected report body decode error")
		}
		if len(fr.commits) != 0 {
			t.Fatalf("invalid body should not commit, commits=%d", len(fr.commits))
		}
	})

	t.Run("consume wraps commit errors", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		fr := &fakeReader{
			fetch:     []fetchStep{{msg: kafka.Message{Value: mustEnvelope(t, "x", map[string]any{"ok": true})}}},
			commitErr: errors.New("commit failed"),
		}
		k := NewKafka(nil, Topics{})
		k.newReaderFn = readerFor(fr)
		err := k.ConsumeTopic(ctx, "topic", "g1", func(Envelope) error { return nil })
		var csErr *cserrors.CSError
		if !errors.As(err, &csErr) || csErr.Code != cserrors.CSCodeQSubFailed {
			t.Fatalf("expected CSCodeQSubFailed, got %v", err)
		}
	})
}
