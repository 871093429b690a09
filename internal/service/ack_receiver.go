package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kursadbilgin/call-dispatcher/internal/domain"
	"github.com/kursadbilgin/call-dispatcher/internal/observability"
	"github.com/kursadbilgin/call-dispatcher/internal/repository"
	"go.uber.org/zap"
)

// ackCASAttempts bounds how often Acknowledge retries the SENT transition
// when the attempt is redelivered between the update and the re-read.
const ackCASAttempts = 2

// AckReceiver records device acknowledgments and delivery receipts.
type AckReceiver struct {
	attempts repository.CallAttemptRepository
	receipts repository.ReceiptRepository
	logger   *zap.Logger
	metrics  *observability.Metrics
	now      func() time.Time
}

func NewAckReceiver(
	attempts repository.CallAttemptRepository,
	receipts repository.ReceiptRepository,
	logger *zap.Logger,
) (*AckReceiver, error) {
	if attempts == nil {
		return nil, fmt.Errorf("call attempt repository is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &AckReceiver{
		attempts: attempts,
		receipts: receipts,
		logger:   logger,
		now:      time.Now,
	}, nil
}

func (r *AckReceiver) SetMetrics(metrics *observability.Metrics) {
	r.metrics = metrics
}

// Acknowledge moves a SENT attempt to ACKNOWLEDGED. It is idempotent: a
// repeated or late acknowledgment reports alreadyTerminal and changes nothing.
func (r *AckReceiver) Acknowledge(ctx context.Context, callID string, deviceTimestamp *time.Time) (domain.AckResult, error) {
	callID = strings.TrimSpace(callID)
	if callID == "" {
		return "", fmt.Errorf("%w: callId is required", domain.ErrValidation)
	}

	ctx = observability.WithCall(ctx, callID, "")
	logger := observability.WithContextLogger(r.logger, ctx)

	for i := 0; i < ackCASAttempts; i++ {
		applied, err := r.attempts.Acknowledge(ctx, callID, r.now().UTC(), deviceTimestamp)
		if err != nil {
			return "", fmt.Errorf("failed to acknowledge call attempt: %w", err)
		}
		if applied {
			r.metrics.IncAck(domain.AckOK.String())
			logger.Info("call acknowledged")
			return domain.AckOK, nil
		}

		attempt, err := r.attempts.GetByCallID(ctx, callID)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				r.metrics.IncAck(domain.AckNotFound.String())
				logger.Warn("acknowledgment for unknown call")
				return domain.AckNotFound, nil
			}
			return "", fmt.Errorf("failed to load call attempt: %w", err)
		}

		switch {
		case attempt.State.IsTerminal():
			if attempt.State == domain.StateExpired || attempt.State == domain.StateFailed {
				r.metrics.IncLateAck(attempt.State.String())
				logger.Warn("late acknowledgment for finished call",
					zap.String("state", attempt.State.String()),
				)
			}
			r.metrics.IncAck(domain.AckAlreadyTerminal.String())
			return domain.AckAlreadyTerminal, nil
		case attempt.State == domain.StatePending:
			r.metrics.IncAck(domain.AckPending.String())
			logger.Info("acknowledgment for call awaiting redelivery",
				zap.Int("attemptCount", attempt.AttemptCount),
			)
			return domain.AckPending, nil
		}
		// SENT again: a redelivery landed after the update; try once more.
	}

	r.metrics.IncAck(domain.AckPending.String())
	return domain.AckPending, nil
}

// HandleReceipt stores a device receipt and acknowledges the call when the
// receipt shows the call reached the user. Unknown or finished calls are not
// errors; the receipt is kept either way.
func (r *AckReceiver) HandleReceipt(ctx context.Context, receipt *domain.DeliveryReceipt) error {
	if receipt == nil {
		return fmt.Errorf("%w: receipt is required", domain.ErrValidation)
	}
	if !receipt.Status.IsValid() {
		return fmt.Errorf("%w: invalid receipt status %q", domain.ErrValidation, receipt.Status)
	}

	ctx = observability.WithCall(ctx, receipt.CallID, receipt.UserID)
	logger := observability.WithContextLogger(r.logger, ctx)

	if r.receipts != nil {
		if err := r.receipts.Create(ctx, receipt); err != nil {
			return fmt.Errorf("failed to store delivery receipt: %w", err)
		}
	}
	r.metrics.IncReceipt(receipt.Status.String())

	if !receipt.Status.Acknowledges() {
		logger.Info("delivery receipt recorded",
			zap.String("status", receipt.Status.String()),
		)
		return nil
	}

	deviceTimestamp := receipt.DeviceTimestamp
	result, err := r.Acknowledge(ctx, receipt.CallID, &deviceTimestamp)
	if err != nil {
		return err
	}

	logger.Info("delivery receipt processed",
		zap.String("status", receipt.Status.String()),
		zap.String("ackResult", result.String()),
	)
	return nil
}
