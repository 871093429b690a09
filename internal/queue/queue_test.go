package queue

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/kursadbilgin/call-dispatcher/internal/domain"
	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	testReceiptID = "0b8f9c52-3f0e-4d0a-9b7e-6d1c2a3b4c5d"
	testCallID    = "3f0a3b0e-16a4-4c55-9d8f-2b1c6f7f0a11"
)

func newTestReceiptMessage() ReceiptMessage {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	return ReceiptMessage{
		ReceiptID:       testReceiptID,
		CallID:          testCallID,
		UserID:          "user-1",
		Status:          domain.ReceiptAnswered,
		DeviceTimestamp: now.Add(-2 * time.Second),
		ReceivedAt:      now,
	}
}

func TestQueueNames(t *testing.T) {
	work := WorkQueueNames()
	if len(work) != 1 || work[0] != ReceiptQueue {
		t.Fatalf("WorkQueueNames() = %v, want [%s]", work, ReceiptQueue)
	}

	if got := DLQName(ReceiptQueue); got != "dlq.call.receipts" {
		t.Fatalf("DLQName = %s, want dlq.call.receipts", got)
	}

	args := workQueueArgs(ReceiptQueue, 0)
	if args["x-dead-letter-exchange"] != dlxExchangeName {
		t.Fatalf("x-dead-letter-exchange = %v, want %s", args["x-dead-letter-exchange"], dlxExchangeName)
	}
	if args["x-dead-letter-routing-key"] != ReceiptQueue {
		t.Fatalf("x-dead-letter-routing-key = %v, want %s", args["x-dead-letter-routing-key"], ReceiptQueue)
	}
	if _, ok := args["x-message-ttl"]; ok {
		t.Fatalf("x-message-ttl set without a receipt ttl")
	}

	withTTL := workQueueArgs(ReceiptQueue, time.Hour)
	if withTTL["x-message-ttl"] != int64(3600000) {
		t.Fatalf("x-message-ttl = %v, want 3600000", withTTL["x-message-ttl"])
	}
}

func TestReceiptTopology(t *testing.T) {
	topo := receiptTopology(0)
	if len(topo.exchanges) != 1 || topo.exchanges[0] != dlxExchangeName {
		t.Fatalf("exchanges = %v, want [%s]", topo.exchanges, dlxExchangeName)
	}
	if len(topo.queues) != 2 {
		t.Fatalf("queues = %d, want 2", len(topo.queues))
	}
	dlq := topo.queues[0]
	if dlq.name != DLQName(ReceiptQueue) || dlq.bindTo != dlxExchangeName || dlq.routingKey != ReceiptQueue {
		t.Fatalf("dlq queue = %+v", dlq)
	}
	if topo.queues[1].name != ReceiptQueue || topo.queues[1].bindTo != "" {
		t.Fatalf("work queue = %+v", topo.queues[1])
	}
}

func TestNextBackoff(t *testing.T) {
	if got := nextBackoff(initialBackoff); got != 2*initialBackoff {
		t.Fatalf("nextBackoff(%s) = %s", initialBackoff, got)
	}
	if got := nextBackoff(maxBackoff); got != maxBackoff {
		t.Fatalf("nextBackoff(%s) = %s, want cap %s", maxBackoff, got, maxBackoff)
	}
}

func TestNewBrokerRequiresURL(t *testing.T) {
	if _, err := NewBroker(context.Background(), BrokerConfig{}); err == nil {
		t.Fatal("NewBroker() error = nil, want missing url error")
	}
}

func TestPriorityValue(t *testing.T) {
	tests := []struct {
		name   string
		status domain.ReceiptStatus
		want   uint8
	}{
		{name: "answered", status: domain.ReceiptAnswered, want: 2},
		{name: "delivered", status: domain.ReceiptDelivered, want: 2},
		{name: "declined", status: domain.ReceiptDeclined, want: 1},
		{name: "invalid", status: domain.ReceiptStatus("invalid"), want: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := PriorityValue(tt.status)
			if got != tt.want {
				t.Fatalf("PriorityValue(%q) = %d, want %d", tt.status, got, tt.want)
			}
		})
	}
}

func TestReceiptMessageValidate(t *testing.T) {
	msg := newTestReceiptMessage()
	if err := msg.Validate(); err != nil {
		t.Fatalf("Validate() unexpected error: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(m *ReceiptMessage)
	}{
		{name: "missing receipt id", mutate: func(m *ReceiptMessage) { m.ReceiptID = "" }},
		{name: "call id not uuid", mutate: func(m *ReceiptMessage) { m.CallID = "call-1" }},
		{name: "invalid status", mutate: func(m *ReceiptMessage) { m.Status = "ringing" }},
		{name: "missing device timestamp", mutate: func(m *ReceiptMessage) { m.DeviceTimestamp = time.Time{} }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newTestReceiptMessage()
			tt.mutate(&m)
			err := m.Validate()
			if !errors.Is(err, domain.ErrValidation) {
				t.Fatalf("Validate() error = %v, want ErrValidation", err)
			}
		})
	}
}

func TestNewPublishing(t *testing.T) {
	msg := newTestReceiptMessage()
	now := time.Date(2026, 3, 1, 9, 0, 1, 0, time.UTC)

	p := newPublishing(msg, []byte(`{}`), now)
	if p.MessageId != testReceiptID || p.CorrelationId != testCallID {
		t.Fatalf("ids = %s/%s, want %s/%s", p.MessageId, p.CorrelationId, testReceiptID, testCallID)
	}
	if p.DeliveryMode != amqp.Persistent {
		t.Fatalf("DeliveryMode = %d, want persistent", p.DeliveryMode)
	}
	if p.Priority != 2 {
		t.Fatalf("Priority = %d, want 2", p.Priority)
	}
}

type fakeAcknowledger struct {
	acked    bool
	nacked   bool
	requeued bool
	rejected bool
}

func (f *fakeAcknowledger) Ack(tag uint64, multiple bool) error {
	f.acked = true
	return nil
}

func (f *fakeAcknowledger) Nack(tag uint64, multiple bool, requeue bool) error {
	f.nacked = true
	f.requeued = requeue
	return nil
}

func (f *fakeAcknowledger) Reject(tag uint64, requeue bool) error {
	f.rejected = true
	return nil
}

func TestConsumerHandleDelivery(t *testing.T) {
	validBody, err := json.Marshal(newTestReceiptMessage())
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	tests := []struct {
		name         string
		body         []byte
		redelivered  bool
		handlerErr   error
		wantAck      bool
		wantNack     bool
		wantRequeue  bool
		wantReject   bool
		wantHandlers int
	}{
		{name: "handled", body: validBody, wantAck: true, wantHandlers: 1},
		{name: "invalid json", body: []byte(`{`), wantReject: true},
		{name: "invalid payload", body: []byte(`{"receiptId":"x"}`), wantReject: true},
		{name: "handler error requeues once", body: validBody, handlerErr: errors.New("db down"), wantNack: true, wantRequeue: true, wantHandlers: 1},
		{name: "handler error after redelivery dead-letters", body: validBody, redelivered: true, handlerErr: errors.New("db down"), wantNack: true, wantHandlers: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ack := &fakeAcknowledger{}
			d := amqp.Delivery{Acknowledger: ack, Body: tt.body, Redelivered: tt.redelivered, DeliveryTag: 1}

			calls := 0
			c := NewRabbitMQConsumer(nil, 1, nil)
			err := c.handleDelivery(context.Background(), d, func(ctx context.Context, msg ReceiptMessage) error {
				calls++
				if msg.CallID != testCallID {
					t.Fatalf("CallID = %s, want %s", msg.CallID, testCallID)
				}
				return tt.handlerErr
			})
			if err != nil {
				t.Fatalf("handleDelivery() error = %v", err)
			}

			if calls != tt.wantHandlers {
				t.Fatalf("handler calls = %d, want %d", calls, tt.wantHandlers)
			}
			if ack.acked != tt.wantAck || ack.nacked != tt.wantNack || ack.rejected != tt.wantReject {
				t.Fatalf("ack/nack/reject = %v/%v/%v, want %v/%v/%v",
					ack.acked, ack.nacked, ack.rejected, tt.wantAck, tt.wantNack, tt.wantReject)
			}
			if ack.requeued != tt.wantRequeue {
				t.Fatalf("requeue = %v, want %v", ack.requeued, tt.wantRequeue)
			}
		})
	}
}
