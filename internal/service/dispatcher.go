package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kursadbilgin/call-dispatcher/internal/content"
	"github.com/kursadbilgin/call-dispatcher/internal/domain"
	"github.com/kursadbilgin/call-dispatcher/internal/observability"
	"github.com/kursadbilgin/call-dispatcher/internal/repository"
	"go.uber.org/zap"
)

const (
	dispatchOutcomeCreated      = "created"
	dispatchOutcomeConflict     = "conflict"
	dispatchOutcomeContentError = "content_error"
)

// Sender delivers a PENDING call attempt.
type Sender interface {
	Send(ctx context.Context, attempt *domain.CallAttempt) (DeliveryResult, error)
}

// Dispatcher creates a call attempt for a user and hands it to delivery.
type Dispatcher struct {
	attempts  repository.CallAttemptRepository
	schedules repository.ScheduleRepository
	generator content.Generator
	sender    Sender
	policy    domain.RetryPolicy
	logger    *zap.Logger
	metrics   *observability.Metrics
	now       func() time.Time
	newID     func() string
}

func NewDispatcher(
	attempts repository.CallAttemptRepository,
	schedules repository.ScheduleRepository,
	generator content.Generator,
	sender Sender,
	policy domain.RetryPolicy,
	logger *zap.Logger,
) (*Dispatcher, error) {
	if attempts == nil {
		return nil, fmt.Errorf("call attempt repository is required")
	}
	if generator == nil {
		return nil, fmt.Errorf("content generator is required")
	}
	if sender == nil {
		return nil, fmt.Errorf("sender is required")
	}
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Dispatcher{
		attempts:  attempts,
		schedules: schedules,
		generator: generator,
		sender:    sender,
		policy:    policy,
		logger:    logger,
		now:       time.Now,
		newID:     uuid.NewString,
	}, nil
}

func (d *Dispatcher) SetMetrics(metrics *observability.Metrics) {
	d.metrics = metrics
}

// Dispatch loads the user's schedule and dispatches a call for today.
func (d *Dispatcher) Dispatch(ctx context.Context, userID string) (*domain.CallAttempt, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, fmt.Errorf("%w: userId is required", domain.ErrValidation)
	}
	if d.schedules == nil {
		return nil, fmt.Errorf("schedule repository is not configured")
	}

	schedule, err := d.schedules.GetByUserID(ctx, userID)
	if err != nil {
		return nil, err
	}
	return d.DispatchSchedule(ctx, *schedule)
}

// DispatchSchedule creates a PENDING attempt for the schedule's user and
// delivers it. It returns nil, nil when the store already holds an in-flight
// attempt or a live attempt for the user's local day.
func (d *Dispatcher) DispatchSchedule(ctx context.Context, schedule domain.ScheduleRecord) (*domain.CallAttempt, error) {
	now := d.now().UTC()
	localDate, err := schedule.LocalDate(now)
	if err != nil {
		return nil, err
	}

	callID := d.newID()
	ctx = observability.WithCall(ctx, callID, schedule.UserID)
	logger := observability.WithContextLogger(d.logger, ctx)

	callContent, err := d.generator.Generate(ctx, schedule.UserID, callID)
	if err == nil {
		err = callContent.Validate()
	}
	if err != nil {
		d.metrics.IncCallDispatched(dispatchOutcomeContentError)
		logger.Error("content generation failed, no call attempt created", zap.Error(err))
		if errors.Is(err, domain.ErrContentGeneration) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", domain.ErrContentGeneration, err)
	}

	raw, fingerprint, err := domain.EncodePayload(domain.CallPayload{
		Type:        domain.PayloadTypeAccountabilityCall,
		CallID:      callID,
		UserID:      schedule.UserID,
		Content:     callContent,
		GeneratedAt: now,
	})
	if err != nil {
		return nil, err
	}

	// The lease lets the retry processor recover the attempt if this process
	// dies before delivery records an outcome.
	lease := now.Add(d.policy.AckTimeout)
	attempt := &domain.CallAttempt{
		CallID:             callID,
		UserID:             schedule.UserID,
		State:              domain.StatePending,
		LocalDate:          localDate,
		PayloadFingerprint: fingerprint,
		Payload:            raw,
		CreatedAt:          now,
		NextAttemptAt:      &lease,
		UpdatedAt:          now,
	}

	if err := d.attempts.Create(ctx, attempt); err != nil {
		if errors.Is(err, domain.ErrConflict) {
			d.metrics.IncCallDispatched(dispatchOutcomeConflict)
			logger.Debug("call attempt already exists for user today, skipping")
			return nil, nil
		}
		return nil, fmt.Errorf("failed to create call attempt: %w", err)
	}
	d.metrics.IncCallDispatched(dispatchOutcomeCreated)
	logger.Info("call attempt created", zap.String("localDate", localDate))

	if _, err := d.sender.Send(ctx, attempt); err != nil {
		return attempt, fmt.Errorf("delivery failed: %w", err)
	}

	return attempt, nil
}
