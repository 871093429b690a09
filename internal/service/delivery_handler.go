package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/kursadbilgin/call-dispatcher/internal/domain"
	"github.com/kursadbilgin/call-dispatcher/internal/observability"
	"github.com/kursadbilgin/call-dispatcher/internal/push"
	"github.com/kursadbilgin/call-dispatcher/internal/ratelimit"
	"github.com/kursadbilgin/call-dispatcher/internal/repository"
	"go.uber.org/zap"
)

const (
	defaultDeliveryTimeout = 10 * time.Second

	reasonCredentialMissing = "CredentialMissing"
	reasonCredentialInvalid = "CredentialInvalid"
	reasonCredentialRevoked = "CredentialRevoked"
	reasonPayloadMismatch   = "PayloadFingerprintMismatch"
	reasonTransport         = "TransportError"
	reasonRejected          = "Rejected"
)

// DeliveryResult describes what happened to one delivery of a call attempt.
type DeliveryResult struct {
	Outcome       domain.DeliveryOutcome
	AttemptNumber int
	Reason        string
	// Applied is false when another writer moved the attempt out of PENDING
	// before the outcome could be recorded.
	Applied bool
}

// DeliveryHandler submits one push for a PENDING call attempt and records the
// outcome on the attempt.
type DeliveryHandler struct {
	attempts    repository.CallAttemptRepository
	logs        repository.DeliveryLogRepository
	credentials repository.CredentialRepository
	gateway     push.Gateway
	rateLimiter ratelimit.RateLimiter
	policy      domain.RetryPolicy
	timeout     time.Duration
	logger      *zap.Logger
	metrics     *observability.Metrics
	now         func() time.Time
}

func NewDeliveryHandler(
	attempts repository.CallAttemptRepository,
	logs repository.DeliveryLogRepository,
	credentials repository.CredentialRepository,
	gateway push.Gateway,
	rateLimiter ratelimit.RateLimiter,
	policy domain.RetryPolicy,
	timeout time.Duration,
	logger *zap.Logger,
) (*DeliveryHandler, error) {
	if attempts == nil {
		return nil, fmt.Errorf("call attempt repository is required")
	}
	if credentials == nil {
		return nil, fmt.Errorf("credential repository is required")
	}
	if gateway == nil {
		return nil, fmt.Errorf("push gateway is required")
	}
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	if timeout <= 0 {
		timeout = defaultDeliveryTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &DeliveryHandler{
		attempts:    attempts,
		logs:        logs,
		credentials: credentials,
		gateway:     gateway,
		rateLimiter: rateLimiter,
		policy:      policy,
		timeout:     timeout,
		logger:      logger,
		now:         time.Now,
	}, nil
}

func (h *DeliveryHandler) SetMetrics(metrics *observability.Metrics) {
	h.metrics = metrics
}

// Send delivers the stored payload of a PENDING attempt. Errors are returned
// only when the outcome could not be determined or recorded; the attempt then
// stays PENDING and the retry processor picks it up once its lease lapses.
// On success the passed attempt reflects the recorded state.
func (h *DeliveryHandler) Send(ctx context.Context, attempt *domain.CallAttempt) (DeliveryResult, error) {
	if attempt == nil {
		return DeliveryResult{}, fmt.Errorf("%w: call attempt is required", domain.ErrValidation)
	}

	ctx = observability.WithCall(ctx, attempt.CallID, attempt.UserID)
	logger := observability.WithContextLogger(h.logger, ctx)
	attemptNumber := attempt.NextAttemptNumber()

	if err := attempt.VerifyPayload(); err != nil {
		logger.Error("stored payload does not match fingerprint", zap.Error(err))
		return h.recordFatal(ctx, attempt, "", reasonPayloadMismatch, err, nil)
	}

	credential, err := h.credentials.GetByUserID(ctx, attempt.UserID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return h.recordFatal(ctx, attempt, "", reasonCredentialMissing, err, nil)
		}
		return DeliveryResult{}, fmt.Errorf("failed to load device credential: %w", err)
	}
	if err := credential.Validate(); err != nil {
		reason := reasonCredentialInvalid
		if credential.IsRevoked() {
			reason = reasonCredentialRevoked
		}
		return h.recordFatal(ctx, attempt, credential.Platform, reason, err, nil)
	}

	platform := credential.Platform.String()
	if h.rateLimiter != nil {
		if err := h.rateLimiter.Wait(ctx, platform); err != nil {
			return DeliveryResult{}, fmt.Errorf("rate limiter wait failed: %w", err)
		}
	}

	h.metrics.IncDeliveryInFlight(platform)
	sendCtx, cancel := context.WithTimeout(ctx, h.timeout)
	start := time.Now()
	res, sendErr := h.gateway.Send(sendCtx, push.Message{
		CallID:        attempt.CallID,
		DeviceToken:   credential.Token,
		Platform:      credential.Platform,
		Payload:       attempt.Payload,
		AttemptNumber: attemptNumber,
	})
	cancel()
	h.metrics.ObserveDeliveryDuration(platform, time.Since(start))
	h.metrics.DecDeliveryInFlight(platform)

	if sendErr == nil {
		return h.recordSuccess(ctx, attempt, credential.Platform, res)
	}

	// The caller went away mid-send; leave the attempt leased for the retry processor.
	if errors.Is(sendErr, context.Canceled) && ctx.Err() != nil {
		return DeliveryResult{}, fmt.Errorf("delivery canceled: %w", ctx.Err())
	}

	reason := failureReason(sendErr)
	status := statusCodePtr(push.StatusCodeOf(sendErr))
	if push.IsTransient(sendErr) {
		return h.recordRetryable(ctx, attempt, credential.Platform, reason, sendErr, status)
	}
	return h.recordFatal(ctx, attempt, credential.Platform, reason, sendErr, status)
}

func (h *DeliveryHandler) recordSuccess(ctx context.Context, attempt *domain.CallAttempt, platform domain.Platform, res *push.Response) (DeliveryResult, error) {
	now := h.now().UTC()
	attemptNumber := attempt.NextAttemptNumber()

	applied, err := h.attempts.MarkSent(ctx, attempt.CallID, now)
	if err != nil {
		return DeliveryResult{}, fmt.Errorf("failed to mark call attempt sent: %w", err)
	}

	var status *int
	if res != nil {
		status = statusCodePtr(res.StatusCode)
	}
	h.writeLog(ctx, attempt.CallID, attemptNumber, platform, domain.OutcomeSuccess, "", nil, status)

	logger := observability.WithContextLogger(h.logger, ctx)
	if applied {
		attempt.State = domain.StateSent
		attempt.AttemptCount = attemptNumber
		attempt.LastAttemptAt = &now
		attempt.NextAttemptAt = nil
		attempt.FailureReason = nil
		logger.Info("call delivered",
			zap.String("platform", platform.String()),
			zap.Int("attempt", attemptNumber),
		)
	} else {
		logger.Warn("call delivered but attempt left PENDING before it could be marked sent",
			zap.Int("attempt", attemptNumber),
		)
	}

	return DeliveryResult{
		Outcome:       domain.OutcomeSuccess,
		AttemptNumber: attemptNumber,
		Applied:       applied,
	}, nil
}

func (h *DeliveryHandler) recordRetryable(ctx context.Context, attempt *domain.CallAttempt, platform domain.Platform, reason string, cause error, status *int) (DeliveryResult, error) {
	now := h.now().UTC()
	attemptNumber := attempt.NextAttemptNumber()

	next := now.Add(h.policy.Backoff(attemptNumber))
	if h.policy.Exhausted(attemptNumber) {
		// Nothing left to wait for; the retry processor expires it on its next sweep.
		next = now
	}

	applied, err := h.attempts.MarkRetryable(ctx, attempt.CallID, now, next, reason)
	if err != nil {
		return DeliveryResult{}, fmt.Errorf("failed to record retryable delivery: %w", err)
	}
	h.writeLog(ctx, attempt.CallID, attemptNumber, platform, domain.OutcomeRetryable, reason, cause, status)

	observability.WithContextLogger(h.logger, ctx).Warn("call delivery failed transiently",
		zap.String("platform", platform.String()),
		zap.Int("attempt", attemptNumber),
		zap.String("reason", reason),
		zap.Time("nextAttemptAt", next),
		zap.Error(cause),
	)

	if applied {
		attempt.AttemptCount = attemptNumber
		attempt.LastAttemptAt = &now
		attempt.NextAttemptAt = &next
		attempt.FailureReason = &reason
	}

	return DeliveryResult{
		Outcome:       domain.OutcomeRetryable,
		AttemptNumber: attemptNumber,
		Reason:        reason,
		Applied:       applied,
	}, nil
}

func (h *DeliveryHandler) recordFatal(ctx context.Context, attempt *domain.CallAttempt, platform domain.Platform, reason string, cause error, status *int) (DeliveryResult, error) {
	now := h.now().UTC()
	attemptNumber := attempt.NextAttemptNumber()

	applied, err := h.attempts.MarkFailed(ctx, attempt.CallID, now, reason)
	if err != nil {
		return DeliveryResult{}, fmt.Errorf("failed to mark call attempt failed: %w", err)
	}
	h.writeLog(ctx, attempt.CallID, attemptNumber, platform, domain.OutcomeFatal, reason, cause, status)

	observability.WithContextLogger(h.logger, ctx).Error("call delivery failed permanently",
		zap.String("platform", platform.String()),
		zap.Int("attempt", attemptNumber),
		zap.String("reason", reason),
		zap.Error(cause),
	)

	if applied {
		attempt.State = domain.StateFailed
		attempt.NextAttemptAt = nil
		attempt.FailureReason = &reason
	}

	return DeliveryResult{
		Outcome:       domain.OutcomeFatal,
		AttemptNumber: attemptNumber,
		Reason:        reason,
		Applied:       applied,
	}, nil
}

func (h *DeliveryHandler) writeLog(ctx context.Context, callID string, attemptNumber int, platform domain.Platform, outcome domain.DeliveryOutcome, reason string, cause error, status *int) {
	platformLabel := platform.String()
	if platformLabel == "" {
		platformLabel = "unknown"
	}
	h.metrics.IncDelivery(platformLabel, outcome.String())

	if h.logs == nil {
		return
	}

	entry := &domain.DeliveryLog{
		ID:            uuid.NewString(),
		CallID:        callID,
		AttemptNumber: attemptNumber,
		Platform:      platform,
		Outcome:       outcome,
		StatusCode:    status,
		CreatedAt:     h.now().UTC(),
	}
	if reason != "" {
		entry.Reason = &reason
	}
	if cause != nil {
		errText := cause.Error()
		entry.Error = &errText
	}

	if err := h.logs.Create(ctx, entry); err != nil {
		observability.WithContextLogger(h.logger, ctx).Error("failed to write delivery log", zap.Error(err))
	}
}

func failureReason(err error) string {
	if reason := push.ReasonOf(err); reason != "" {
		return reason
	}
	if push.StatusCodeOf(err) > 0 {
		return reasonRejected
	}
	return reasonTransport
}

func statusCodePtr(code int) *int {
	if code <= 0 {
		return nil
	}
	return &code
}
