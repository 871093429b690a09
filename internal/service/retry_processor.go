package service

import (
	"context"
	"fmt"
	"time"

	"github.com/kursadbilgin/call-dispatcher/internal/domain"
	"github.com/kursadbilgin/call-dispatcher/internal/observability"
	"github.com/kursadbilgin/call-dispatcher/internal/repository"
	"go.uber.org/zap"
)

const (
	defaultRetryScanInterval = 20 * time.Second
	defaultRetryScanLimit    = 100

	retryTriggerAckTimeout     = "ack_timeout"
	retryTriggerDeliveryFailed = "delivery_failure"
)

// RetryProcessor periodically redelivers unacknowledged and failed calls and
// expires the ones that exhausted their retry budget.
type RetryProcessor struct {
	attempts repository.CallAttemptRepository
	sender   Sender
	policy   domain.RetryPolicy
	logger   *zap.Logger
	metrics  *observability.Metrics
	interval time.Duration
	limit    int
	now      func() time.Time
}

func NewRetryProcessor(
	attempts repository.CallAttemptRepository,
	sender Sender,
	policy domain.RetryPolicy,
	interval time.Duration,
	limit int,
	logger *zap.Logger,
) (*RetryProcessor, error) {
	if attempts == nil {
		return nil, fmt.Errorf("call attempt repository is required")
	}
	if sender == nil {
		return nil, fmt.Errorf("sender is required")
	}
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	if interval <= 0 {
		interval = defaultRetryScanInterval
	}
	if limit <= 0 {
		limit = defaultRetryScanLimit
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &RetryProcessor{
		attempts: attempts,
		sender:   sender,
		policy:   policy,
		logger:   logger,
		interval: interval,
		limit:    limit,
		now:      time.Now,
	}, nil
}

func (p *RetryProcessor) SetMetrics(metrics *observability.Metrics) {
	p.metrics = metrics
}

func (p *RetryProcessor) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	// Run an initial scan so attempts that timed out while the worker was down do not wait for the first tick.
	if err := p.scanDue(ctx); err != nil && ctx.Err() == nil {
		p.logger.Error("retry processor initial scan failed", zap.Error(err))
	}

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := p.scanDue(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				p.logger.Error("retry processor scan failed", zap.Error(err))
			}
		}
	}
}

// scanDue runs one sweep. Each attempt is handled at most once per sweep and
// a failure on one attempt never stops the others.
func (p *RetryProcessor) scanDue(ctx context.Context) error {
	now := p.now().UTC()
	handled := make(map[string]struct{})

	timedOut, err := p.attempts.ListTimedOutSent(ctx, now.Add(-p.policy.AckTimeout), p.limit)
	if err != nil {
		return fmt.Errorf("failed to fetch timed out calls: %w", err)
	}
	for i := range timedOut {
		attempt := timedOut[i]
		if _, seen := handled[attempt.CallID]; seen {
			continue
		}
		handled[attempt.CallID] = struct{}{}
		p.processTimedOut(ctx, &attempt, now)
	}

	duePending, err := p.attempts.ListDuePending(ctx, now, p.limit)
	if err != nil {
		return fmt.Errorf("failed to fetch due pending calls: %w", err)
	}
	for i := range duePending {
		attempt := duePending[i]
		if _, seen := handled[attempt.CallID]; seen {
			continue
		}
		handled[attempt.CallID] = struct{}{}
		p.processPending(ctx, &attempt, now)
	}

	return nil
}

func (p *RetryProcessor) processTimedOut(ctx context.Context, attempt *domain.CallAttempt, now time.Time) {
	ctx = observability.WithCall(ctx, attempt.CallID, attempt.UserID)
	logger := observability.WithContextLogger(p.logger, ctx)

	if attempt.LastAttemptAt == nil {
		logger.Warn("sent call without last attempt timestamp, skipping")
		return
	}
	// The last delivery gets no backoff: once its ack window closes there is
	// nothing left to wait for.
	if p.policy.Exhausted(attempt.AttemptCount) {
		p.expire(ctx, attempt, domain.StateSent, now)
		return
	}
	if now.Before(attempt.LastAttemptAt.Add(p.policy.RetryDelay(attempt.AttemptCount))) {
		return
	}

	claimed, err := p.attempts.RequeueSent(ctx, attempt.CallID, p.leaseUntil(now))
	if err != nil {
		logger.Error("failed to requeue timed out call", zap.Error(err))
		return
	}
	if !claimed {
		logger.Debug("timed out call changed state before requeue")
		return
	}
	attempt.State = domain.StatePending

	p.metrics.IncRetry(retryTriggerAckTimeout)
	logger.Info("call unacknowledged, redelivering",
		zap.Int("attemptCount", attempt.AttemptCount),
	)
	p.redeliver(ctx, attempt)
}

func (p *RetryProcessor) processPending(ctx context.Context, attempt *domain.CallAttempt, now time.Time) {
	ctx = observability.WithCall(ctx, attempt.CallID, attempt.UserID)
	logger := observability.WithContextLogger(p.logger, ctx)

	if p.policy.Exhausted(attempt.AttemptCount) {
		p.expire(ctx, attempt, domain.StatePending, now)
		return
	}

	claimed, err := p.attempts.ClaimPending(ctx, attempt.CallID, now, p.leaseUntil(now))
	if err != nil {
		logger.Error("failed to claim pending call", zap.Error(err))
		return
	}
	if !claimed {
		logger.Debug("pending call claimed elsewhere")
		return
	}

	p.metrics.IncRetry(retryTriggerDeliveryFailed)
	logger.Info("redelivering pending call",
		zap.Int("attemptCount", attempt.AttemptCount),
	)
	p.redeliver(ctx, attempt)
}

func (p *RetryProcessor) redeliver(ctx context.Context, attempt *domain.CallAttempt) {
	if _, err := p.sender.Send(ctx, attempt); err != nil {
		observability.WithContextLogger(p.logger, ctx).Error("redelivery failed", zap.Error(err))
	}
}

func (p *RetryProcessor) expire(ctx context.Context, attempt *domain.CallAttempt, from domain.State, now time.Time) {
	logger := observability.WithContextLogger(p.logger, ctx)

	expired, err := p.attempts.Expire(ctx, attempt.CallID, from, now)
	if err != nil {
		logger.Error("failed to expire call", zap.Error(err))
		return
	}
	if !expired {
		logger.Debug("call changed state before expiry")
		return
	}

	p.metrics.IncExpired(from.String())
	logger.Info("call expired after exhausting retries",
		zap.String("fromState", from.String()),
		zap.Int("attemptCount", attempt.AttemptCount),
	)
}

// leaseUntil bounds how long a claimed attempt is hidden from other sweeps.
func (p *RetryProcessor) leaseUntil(now time.Time) time.Time {
	return now.Add(p.policy.AckTimeout)
}
