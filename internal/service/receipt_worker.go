package service

import (
	"context"
	"fmt"

	"github.com/kursadbilgin/call-dispatcher/internal/domain"
	"github.com/kursadbilgin/call-dispatcher/internal/queue"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const minReceiptConcurrency = 1

// ReceiptHandler processes one device receipt.
type ReceiptHandler interface {
	HandleReceipt(ctx context.Context, receipt *domain.DeliveryReceipt) error
}

// ReceiptWorker consumes device receipts from the broker.
type ReceiptWorker struct {
	consumer    queue.Consumer
	handler     ReceiptHandler
	concurrency int
	logger      *zap.Logger
}

func NewReceiptWorker(consumer queue.Consumer, handler ReceiptHandler, concurrency int, logger *zap.Logger) (*ReceiptWorker, error) {
	if consumer == nil {
		return nil, fmt.Errorf("consumer is required")
	}
	if handler == nil {
		return nil, fmt.Errorf("receipt handler is required")
	}
	if concurrency < minReceiptConcurrency {
		concurrency = minReceiptConcurrency
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &ReceiptWorker{
		consumer:    consumer,
		handler:     handler,
		concurrency: concurrency,
		logger:      logger,
	}, nil
}

// Start consumes the receipt queue until context cancellation.
func (w *ReceiptWorker) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	g, groupCtx := errgroup.WithContext(ctx)
	for i := 0; i < w.concurrency; i++ {
		workerID := i + 1

		g.Go(func() error {
			w.logger.Info("receipt worker started",
				zap.Int("workerId", workerID),
				zap.String("queue", queue.ReceiptQueue),
			)

			err := w.consumer.Consume(groupCtx, queue.ReceiptQueue, w.processMessage)
			if err != nil {
				w.logger.Error("receipt worker stopped with error",
					zap.Int("workerId", workerID),
					zap.Error(err),
				)
				return err
			}

			w.logger.Info("receipt worker stopped", zap.Int("workerId", workerID))
			return nil
		})
	}

	return g.Wait()
}

func (w *ReceiptWorker) processMessage(ctx context.Context, msg queue.ReceiptMessage) error {
	return w.handler.HandleReceipt(ctx, msg.Receipt())
}
