package service

import (
	"context"
	"fmt"
	"time"

	"github.com/kursadbilgin/call-dispatcher/internal/domain"
	"github.com/kursadbilgin/call-dispatcher/internal/observability"
	"github.com/kursadbilgin/call-dispatcher/internal/repository"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	defaultSchedulerScanInterval = 60 * time.Second
	defaultDispatchConcurrency   = 10

	// recentAttemptWindow covers "today" in every timezone.
	recentAttemptWindow = 48 * time.Hour
)

// ScheduleDispatcher dispatches a call for one schedule.
type ScheduleDispatcher interface {
	DispatchSchedule(ctx context.Context, schedule domain.ScheduleRecord) (*domain.CallAttempt, error)
}

// Scheduler periodically dispatches calls for users whose call time has come.
type Scheduler struct {
	schedules   repository.ScheduleRepository
	attempts    repository.CallAttemptRepository
	dispatcher  ScheduleDispatcher
	logger      *zap.Logger
	metrics     *observability.Metrics
	interval    time.Duration
	concurrency int
	now         func() time.Time

	// redispatchWarned holds, per user, the local date a re-dispatch warning
	// was last logged for, so each user warns at most once a day.
	redispatchWarned map[string]string
}

func NewScheduler(
	schedules repository.ScheduleRepository,
	attempts repository.CallAttemptRepository,
	dispatcher ScheduleDispatcher,
	interval time.Duration,
	concurrency int,
	logger *zap.Logger,
) (*Scheduler, error) {
	if schedules == nil {
		return nil, fmt.Errorf("schedule repository is required")
	}
	if attempts == nil {
		return nil, fmt.Errorf("call attempt repository is required")
	}
	if dispatcher == nil {
		return nil, fmt.Errorf("dispatcher is required")
	}
	if interval <= 0 {
		interval = defaultSchedulerScanInterval
	}
	if concurrency < 1 {
		concurrency = defaultDispatchConcurrency
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Scheduler{
		schedules:   schedules,
		attempts:    attempts,
		dispatcher:  dispatcher,
		logger:      logger,
		interval:    interval,
		concurrency: concurrency,
		now:         time.Now,

		redispatchWarned: make(map[string]string),
	}, nil
}

func (s *Scheduler) SetMetrics(metrics *observability.Metrics) {
	s.metrics = metrics
}

func (s *Scheduler) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	if err := s.scanDue(ctx); err != nil && ctx.Err() == nil {
		s.logger.Error("scheduler initial scan failed", zap.Error(err))
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := s.scanDue(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				s.logger.Error("scheduler scan failed", zap.Error(err))
			}
		}
	}
}

// scanDue evaluates every active schedule once and dispatches the due ones.
// Per-user failures are logged and never abort the sweep.
func (s *Scheduler) scanDue(ctx context.Context) error {
	now := s.now().UTC()

	schedules, err := s.schedules.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("failed to fetch active schedules: %w", err)
	}
	if len(schedules) == 0 {
		return nil
	}

	userIDs := make([]string, 0, len(schedules))
	for _, schedule := range schedules {
		userIDs = append(userIDs, schedule.UserID)
	}

	recent, err := s.attempts.ListRecentByUsers(ctx, userIDs, now.Add(-recentAttemptWindow))
	if err != nil {
		return fmt.Errorf("failed to fetch recent call attempts: %w", err)
	}
	byUser := make(map[string][]domain.CallAttempt, len(schedules))
	for _, attempt := range recent {
		byUser[attempt.UserID] = append(byUser[attempt.UserID], attempt)
	}

	g := new(errgroup.Group)
	g.SetLimit(s.concurrency)

	due := 0
	for _, schedule := range schedules {
		localDate, err := schedule.LocalDate(now)
		if err != nil {
			s.logger.Warn("skipping schedule with invalid timezone",
				zap.String("userId", schedule.UserID),
				zap.String("timezone", schedule.Timezone),
				zap.Error(err),
			)
			continue
		}

		last := lastAttemptOn(byUser[schedule.UserID], localDate)
		if !domain.IsDue(schedule, now, last) {
			continue
		}

		if last != nil {
			s.noteRedispatch(schedule.UserID, localDate, last)
		}

		due++
		g.Go(func() error {
			if _, err := s.dispatcher.DispatchSchedule(ctx, schedule); err != nil {
				s.logger.Error("dispatch failed",
					zap.String("userId", schedule.UserID),
					zap.Error(err),
				)
			}
			return nil
		})
	}

	_ = g.Wait()

	if due > 0 {
		s.logger.Info("scheduler sweep dispatched calls",
			zap.Int("schedules", len(schedules)),
			zap.Int("due", due),
		)
	}
	return nil
}

// noteRedispatch records a same-day dispatch after the user's earlier call
// that day failed or expired. Such users are picked up on every sweep until
// a call goes through, so the warning is logged once per user and day.
func (s *Scheduler) noteRedispatch(userID string, localDate string, last *domain.CallAttempt) {
	s.metrics.IncRedispatch(last.State.String())

	if s.redispatchWarned[userID] == localDate {
		return
	}
	s.redispatchWarned[userID] = localDate
	s.logger.Warn("dispatching again after a failed call today",
		zap.String("userId", userID),
		zap.String("localDate", localDate),
		zap.String("previousCallId", last.CallID),
		zap.String("previousState", last.State.String()),
	)
}

// lastAttemptOn picks the attempt that decides eligibility for localDate:
// a blocking attempt if any exists, otherwise the most recent one that day.
// attempts are ordered newest first.
func lastAttemptOn(attempts []domain.CallAttempt, localDate string) *domain.CallAttempt {
	var newest *domain.CallAttempt
	for i := range attempts {
		attempt := &attempts[i]
		if attempt.LocalDate != localDate {
			continue
		}
		if attempt.State.BlocksDailyDispatch() {
			return attempt
		}
		if newest == nil {
			newest = attempt
		}
	}
	return newest
}
