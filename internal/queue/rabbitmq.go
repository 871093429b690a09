package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

const (
	dlxExchangeName = "call-dispatcher.dlx"

	initialBackoff     = time.Second
	maxBackoff         = 30 * time.Second
	defaultDialTimeout = 15 * time.Second
)

var errBrokerClosed = errors.New("broker is closed")

// BrokerConfig configures the receipt broker connection.
type BrokerConfig struct {
	URL         string
	DialTimeout time.Duration
	// ReceiptTTL drops receipts nobody consumed in time. Zero keeps them forever.
	ReceiptTTL time.Duration
	Logger     *zap.Logger
}

// Broker owns one AMQP connection and redials it on demand.
// The receipt topology is declared once per connection.
type Broker struct {
	url      string
	topology topology
	logger   *zap.Logger

	mu       sync.Mutex
	conn     *amqp.Connection
	declared bool
	closed   bool
}

func NewBroker(ctx context.Context, cfg BrokerConfig) (*Broker, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, fmt.Errorf("rabbitmq url is required")
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaultDialTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	b := &Broker{
		url:      cfg.URL,
		topology: receiptTopology(cfg.ReceiptTTL),
		logger:   cfg.Logger,
	}

	dialCtx, cancel := context.WithTimeout(ctx, cfg.DialTimeout)
	defer cancel()

	ch, err := b.openChannel(dialCtx)
	if err != nil {
		return nil, err
	}
	_ = ch.Close()

	return b, nil
}

// Ping opens and closes a channel on the current connection.
func (b *Broker) Ping(ctx context.Context) error {
	ch, err := b.openChannel(ctx)
	if err != nil {
		return err
	}
	return ch.Close()
}

func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true
	conn := b.conn
	b.conn = nil
	if conn == nil || conn.IsClosed() {
		return nil
	}
	return conn.Close()
}

// openChannel returns a fresh channel, redialing with backoff while ctx allows.
func (b *Broker) openChannel(ctx context.Context) (*amqp.Channel, error) {
	wait := initialBackoff
	for {
		ch, err := b.tryChannel()
		if err == nil || errors.Is(err, errBrokerClosed) {
			return ch, err
		}

		b.logger.Warn("rabbitmq channel unavailable", zap.Error(err), zap.Duration("retryIn", wait))
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("rabbitmq connect canceled: %w (last error: %v)", ctx.Err(), err)
		case <-time.After(wait):
		}
		wait = nextBackoff(wait)
	}
}

func (b *Broker) tryChannel() (*amqp.Channel, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, errBrokerClosed
	}

	if b.conn == nil || b.conn.IsClosed() {
		conn, err := amqp.Dial(b.url)
		if err != nil {
			return nil, fmt.Errorf("failed to dial rabbitmq: %w", err)
		}
		b.conn = conn
		b.declared = false
	}

	ch, err := b.conn.Channel()
	if err != nil {
		_ = b.conn.Close()
		b.conn = nil
		return nil, fmt.Errorf("failed to open rabbitmq channel: %w", err)
	}

	if !b.declared {
		if err := b.topology.declare(ch); err != nil {
			_ = ch.Close()
			return nil, err
		}
		b.declared = true
	}

	return ch, nil
}

func nextBackoff(current time.Duration) time.Duration {
	next := current * 2
	if next > maxBackoff {
		return maxBackoff
	}
	return next
}

type queueSpec struct {
	name string
	args amqp.Table
	// bindTo and routingKey are set for queues fed by an exchange.
	bindTo     string
	routingKey string
}

type topology struct {
	exchanges []string
	queues    []queueSpec
}

// receiptTopology declares each work queue with a priority range and a
// dead-letter route into its dlq.
func receiptTopology(ttl time.Duration) topology {
	t := topology{exchanges: []string{dlxExchangeName}}
	for _, name := range WorkQueueNames() {
		t.queues = append(t.queues,
			queueSpec{name: DLQName(name), bindTo: dlxExchangeName, routingKey: name},
			queueSpec{name: name, args: workQueueArgs(name, ttl)},
		)
	}
	return t
}

func workQueueArgs(queueName string, ttl time.Duration) amqp.Table {
	args := amqp.Table{
		"x-dead-letter-exchange":    dlxExchangeName,
		"x-dead-letter-routing-key": queueName,
		"x-max-priority":            queueMaxPriority,
	}
	if ttl > 0 {
		args["x-message-ttl"] = ttl.Milliseconds()
	}
	return args
}

func (t topology) declare(ch *amqp.Channel) error {
	for _, exchange := range t.exchanges {
		if err := ch.ExchangeDeclare(exchange, amqp.ExchangeDirect, true, false, false, false, nil); err != nil {
			return fmt.Errorf("failed to declare exchange %q: %w", exchange, err)
		}
	}

	for _, q := range t.queues {
		if _, err := ch.QueueDeclare(q.name, true, false, false, false, q.args); err != nil {
			return fmt.Errorf("failed to declare queue %q: %w", q.name, err)
		}
		if q.bindTo == "" {
			continue
		}
		if err := ch.QueueBind(q.name, q.routingKey, q.bindTo, false, nil); err != nil {
			return fmt.Errorf("failed to bind queue %q: %w", q.name, err)
		}
	}

	return nil
}
