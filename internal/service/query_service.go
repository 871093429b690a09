package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/kursadbilgin/call-dispatcher/internal/domain"
	"github.com/kursadbilgin/call-dispatcher/internal/repository"
)

// CallDetails is a call attempt with its delivery history.
type CallDetails struct {
	Attempt    *domain.CallAttempt
	Deliveries []domain.DeliveryLog
}

// SchedulePreview describes when a user's next call is due.
type SchedulePreview struct {
	Schedule     domain.ScheduleRecord
	LocalDate    string
	NextCallTime time.Time
}

// QueryService serves read-only views of call attempts.
type QueryService struct {
	attempts  repository.CallAttemptRepository
	logs      repository.DeliveryLogRepository
	schedules repository.ScheduleRepository
	now       func() time.Time
}

func NewQueryService(
	attempts repository.CallAttemptRepository,
	logs repository.DeliveryLogRepository,
	schedules repository.ScheduleRepository,
) (*QueryService, error) {
	if attempts == nil {
		return nil, fmt.Errorf("call attempt repository is required")
	}

	return &QueryService{
		attempts:  attempts,
		logs:      logs,
		schedules: schedules,
		now:       time.Now,
	}, nil
}

func (s *QueryService) GetCall(ctx context.Context, callID string) (*CallDetails, error) {
	callID = strings.TrimSpace(callID)
	if callID == "" {
		return nil, fmt.Errorf("%w: callId is required", domain.ErrValidation)
	}

	attempt, err := s.attempts.GetByCallID(ctx, callID)
	if err != nil {
		return nil, err
	}

	details := &CallDetails{Attempt: attempt, Deliveries: []domain.DeliveryLog{}}
	if s.logs != nil {
		logs, err := s.logs.GetByCallID(ctx, callID)
		if err != nil {
			return nil, fmt.Errorf("failed to load delivery logs: %w", err)
		}
		details.Deliveries = logs
	}

	return details, nil
}

func (s *QueryService) ListCalls(ctx context.Context, params repository.ListParams) ([]domain.CallAttempt, int64, error) {
	return s.attempts.List(ctx, params)
}

// ListPending returns in-flight attempts: waiting for delivery or for an ack.
func (s *QueryService) ListPending(ctx context.Context, params repository.ListParams) ([]domain.CallAttempt, int64, error) {
	params.State = nil
	params.States = domain.InFlightStates()
	return s.attempts.List(ctx, params)
}

func (s *QueryService) PreviewSchedule(ctx context.Context, userID string) (*SchedulePreview, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, fmt.Errorf("%w: userId is required", domain.ErrValidation)
	}
	if s.schedules == nil {
		return nil, fmt.Errorf("schedule repository is not configured")
	}

	schedule, err := s.schedules.GetByUserID(ctx, userID)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	localDate, err := schedule.LocalDate(now)
	if err != nil {
		return nil, err
	}
	next, err := schedule.NextCallTime(now)
	if err != nil {
		return nil, err
	}

	return &SchedulePreview{
		Schedule:     *schedule,
		LocalDate:    localDate,
		NextCallTime: next,
	}, nil
}
