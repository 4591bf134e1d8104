package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

func testEvent() Dispatched {
	return Dispatched{
		NotificationID: "0190b6a4-0000-7000-8000-000000000001",
		UserID:         "u1",
		Type:           "event_reminder",
		Sent:           2,
		OccurredAt:     time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

type mockSNS struct {
	input *sns.PublishInput
	err   error
}

func (m *mockSNS) Publish(ctx context.Context, in *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error) {
	m.input = in
	if m.err != nil {
		return nil, m.err
	}
	return &sns.PublishOutput{MessageId: aws.String("msg-1")}, nil
}

func TestSNSPublisher_Publish(t *testing.T) {
	mock := &mockSNS{}
	p := &SNSPublisher{client: mock, topicARN: "arn:aws:sns:us-east-1:123:events", logger: zap.NewNop()}

	if err := p.Publish(context.Background(), testEvent()); err != nil {
		t.Fatalf("Publish() failed: %v", err)
	}

	if aws.ToString(mock.input.TopicArn) != "arn:aws:sns:us-east-1:123:events" {
		t.Errorf("unexpected topic: %s", aws.ToString(mock.input.TopicArn))
	}
	if got := aws.ToString(mock.input.MessageAttributes["event"].StringValue); got != NotificationDispatched {
		t.Errorf("event attribute = %q", got)
	}
	if got := aws.ToString(mock.input.MessageAttributes["notification_type"].StringValue); got != "event_reminder" {
		t.Errorf("notification_type attribute = %q", got)
	}

	var decoded Dispatched
	if err := json.Unmarshal([]byte(aws.ToString(mock.input.Message)), &decoded); err != nil {
		t.Fatalf("message is not JSON: %v", err)
	}
	if decoded.NotificationID != testEvent().NotificationID || decoded.Sent != 2 {
		t.Errorf("unexpected payload: %+v", decoded)
	}
}

func TestSNSPublisher_PublishError(t *testing.T) {
	p := &SNSPublisher{client: &mockSNS{err: errors.New("throttled")}, topicARN: "arn", logger: zap.NewNop()}

	if err := p.Publish(context.Background(), testEvent()); err == nil {
		t.Fatal("expected error")
	}
}

type mockChannel struct {
	exchange string
	key      string
	msg      amqp.Publishing
	err      error
	closed   bool
}

func (m *mockChannel) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	m.exchange, m.key, m.msg = exchange, key, msg
	return m.err
}

func (m *mockChannel) Close() error {
	m.closed = true
	return nil
}

func TestAMQPPublisher_Publish(t *testing.T) {
	ch := &mockChannel{}
	p := &AMQPPublisher{channel: ch, logger: zap.NewNop()}

	if err := p.Publish(context.Background(), testEvent()); err != nil {
		t.Fatalf("Publish() failed: %v", err)
	}

	if ch.exchange != ExchangeName || ch.key != NotificationDispatched {
		t.Errorf("published to %s/%s", ch.exchange, ch.key)
	}
	if ch.msg.DeliveryMode != amqp.Persistent {
		t.Error("expected persistent delivery")
	}
	if ch.msg.ContentType != "application/json" {
		t.Errorf("content type = %s", ch.msg.ContentType)
	}
	if ch.msg.MessageId != testEvent().NotificationID {
		t.Errorf("message id = %s", ch.msg.MessageId)
	}

	if err := p.Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}
	if !ch.closed {
		t.Error("expected channel to be closed")
	}
}

func TestAMQPPublisher_NotConnected(t *testing.T) {
	p := &AMQPPublisher{channel: &mockChannel{}, logger: zap.NewNop()}
	if p.IsConnected() {
		t.Error("publisher without connection should report disconnected")
	}
}

type recordingPublisher struct {
	events []Dispatched
	err    error
}

func (r *recordingPublisher) Publish(ctx context.Context, evt Dispatched) error {
	r.events = append(r.events, evt)
	return r.err
}

func (r *recordingPublisher) Close() error { return nil }

func TestMulti_PublishesToAll(t *testing.T) {
	a := &recordingPublisher{}
	b := &recordingPublisher{err: errors.New("down")}

	err := Multi{a, b}.Publish(context.Background(), testEvent())
	if err == nil {
		t.Fatal("expected joined error")
	}
	if len(a.events) != 1 || len(b.events) != 1 {
		t.Errorf("expected both publishers to receive the event")
	}
}

func TestLogging_SwallowsErrors(t *testing.T) {
	next := &recordingPublisher{err: errors.New("down")}
	p := NewLogging(next, zap.NewNop())

	if err := p.Publish(context.Background(), testEvent()); err != nil {
		t.Fatalf("expected nil, got %v", err)
	}
	if len(next.events) != 1 {
		t.Error("expected event to reach the wrapped publisher")
	}
}

func TestNop(t *testing.T) {
	var p Publisher = Nop{}
	if err := p.Publish(context.Background(), testEvent()); err != nil {
		t.Fatal(err)
	}
}
