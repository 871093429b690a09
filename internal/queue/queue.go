package queue

import (
	"context"
	"fmt"

	"github.com/kursadbilgin/call-dispatcher/internal/domain"
)

// Publisher publishes device receipts to a queue.
type Publisher interface {
	Publish(ctx context.Context, queue string, msg ReceiptMessage) error
	Close() error
}

// MessageHandler handles a consumed queue message.
type MessageHandler func(ctx context.Context, msg ReceiptMessage) error

// Consumer consumes receipt messages from a queue.
type Consumer interface {
	Consume(ctx context.Context, queue string, handler MessageHandler) error
	Close() error
}

const (
	// ReceiptQueue carries device delivery receipts to the worker.
	ReceiptQueue = "call.receipts"

	// queueMaxPriority is the RabbitMQ x-max-priority value for work queues.
	queueMaxPriority int32 = 2
)

// DLQName returns the dead-letter queue name for a work queue, e.g. dlq.call.receipts.
func DLQName(queue string) string {
	return fmt.Sprintf("dlq.%s", queue)
}

// WorkQueueNames returns all work queues declared by the topology.
func WorkQueueNames() []string {
	return []string{ReceiptQueue}
}

// PriorityValue maps a receipt status to RabbitMQ message priority.
// Receipts that acknowledge a call jump ahead of informational ones.
func PriorityValue(status domain.ReceiptStatus) uint8 {
	switch {
	case status.Acknowledges():
		return 2
	case status.IsValid():
		return 1
	default:
		return 0
	}
}
