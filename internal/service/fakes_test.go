package service

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/kursadbilgin/call-dispatcher/internal/content"
	"github.com/kursadbilgin/call-dispatcher/internal/domain"
	"github.com/kursadbilgin/call-dispatcher/internal/push"
	"github.com/kursadbilgin/call-dispatcher/internal/queue"
	"github.com/kursadbilgin/call-dispatcher/internal/repository"
)

// memAttemptStore mirrors the conditional insert and compare-and-set
// transitions of the postgres repository.
type memAttemptStore struct {
	mu       sync.Mutex
	attempts map[string]domain.CallAttempt
	order    []string
}

func newMemAttemptStore(seed ...domain.CallAttempt) *memAttemptStore {
	s := &memAttemptStore{attempts: make(map[string]domain.CallAttempt)}
	for _, a := range seed {
		s.attempts[a.CallID] = a
		s.order = append(s.order, a.CallID)
	}
	return s
}

func (s *memAttemptStore) get(callID string) domain.CallAttempt {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts[callID]
}

func (s *memAttemptStore) all() []domain.CallAttempt {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.CallAttempt, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.attempts[id])
	}
	return out
}

func (s *memAttemptStore) Create(ctx context.Context, a *domain.CallAttempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.attempts {
		if existing.CallID == a.CallID {
			return domain.ErrConflict
		}
		if existing.UserID != a.UserID {
			continue
		}
		if existing.State.IsInFlight() {
			return domain.ErrConflict
		}
		if existing.LocalDate == a.LocalDate && existing.State.BlocksDailyDispatch() {
			return domain.ErrConflict
		}
	}
	s.attempts[a.CallID] = *a
	s.order = append(s.order, a.CallID)
	return nil
}

func (s *memAttemptStore) GetByCallID(ctx context.Context, callID string) (*domain.CallAttempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.attempts[callID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &a, nil
}

func (s *memAttemptStore) List(ctx context.Context, params repository.ListParams) ([]domain.CallAttempt, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.CallAttempt, 0)
	for _, id := range s.order {
		a := s.attempts[id]
		if params.State != nil && a.State != *params.State {
			continue
		}
		if len(params.States) > 0 && !containsState(params.States, a.State) {
			continue
		}
		if params.UserID != nil && a.UserID != *params.UserID {
			continue
		}
		out = append(out, a)
	}
	return out, int64(len(out)), nil
}

func (s *memAttemptStore) ListRecentByUsers(ctx context.Context, userIDs []string, since time.Time) ([]domain.CallAttempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	wanted := make(map[string]struct{}, len(userIDs))
	for _, id := range userIDs {
		wanted[id] = struct{}{}
	}
	out := make([]domain.CallAttempt, 0)
	for _, a := range s.attempts {
		if _, ok := wanted[a.UserID]; ok && !a.CreatedAt.Before(since) {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *memAttemptStore) ListTimedOutSent(ctx context.Context, sentBefore time.Time, limit int) ([]domain.CallAttempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.CallAttempt, 0)
	for _, id := range s.order {
		a := s.attempts[id]
		if a.State == domain.StateSent && a.LastAttemptAt != nil && !a.LastAttemptAt.After(sentBefore) {
			out = append(out, a)
		}
	}
	return limitAttempts(out, limit), nil
}

func (s *memAttemptStore) ListDuePending(ctx context.Context, now time.Time, limit int) ([]domain.CallAttempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.CallAttempt, 0)
	for _, id := range s.order {
		a := s.attempts[id]
		if a.State == domain.StatePending && a.NextAttemptAt != nil && !a.NextAttemptAt.After(now) {
			out = append(out, a)
		}
	}
	return limitAttempts(out, limit), nil
}

func (s *memAttemptStore) transition(callID string, from domain.State, apply func(a *domain.CallAttempt)) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.attempts[callID]
	if !ok || a.State != from {
		return false, nil
	}
	apply(&a)
	s.attempts[callID] = a
	return true, nil
}

func (s *memAttemptStore) MarkSent(ctx context.Context, callID string, at time.Time) (bool, error) {
	return s.transition(callID, domain.StatePending, func(a *domain.CallAttempt) {
		a.State = domain.StateSent
		a.AttemptCount++
		a.LastAttemptAt = &at
		a.NextAttemptAt = nil
		a.FailureReason = nil
	})
}

func (s *memAttemptStore) MarkRetryable(ctx context.Context, callID string, at time.Time, nextAttemptAt time.Time, reason string) (bool, error) {
	return s.transition(callID, domain.StatePending, func(a *domain.CallAttempt) {
		a.AttemptCount++
		a.LastAttemptAt = &at
		a.NextAttemptAt = &nextAttemptAt
		a.FailureReason = &reason
	})
}

func (s *memAttemptStore) MarkFailed(ctx context.Context, callID string, at time.Time, reason string) (bool, error) {
	return s.transition(callID, domain.StatePending, func(a *domain.CallAttempt) {
		a.State = domain.StateFailed
		a.NextAttemptAt = nil
		a.FailureReason = &reason
	})
}

func (s *memAttemptStore) Acknowledge(ctx context.Context, callID string, at time.Time, deviceAt *time.Time) (bool, error) {
	return s.transition(callID, domain.StateSent, func(a *domain.CallAttempt) {
		a.State = domain.StateAcknowledged
		a.AcknowledgedAt = &at
		a.DeviceAcknowledgedAt = deviceAt
	})
}

func (s *memAttemptStore) RequeueSent(ctx context.Context, callID string, leaseUntil time.Time) (bool, error) {
	return s.transition(callID, domain.StateSent, func(a *domain.CallAttempt) {
		a.State = domain.StatePending
		a.NextAttemptAt = &leaseUntil
	})
}

func (s *memAttemptStore) ClaimPending(ctx context.Context, callID string, now time.Time, leaseUntil time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.attempts[callID]
	if !ok || a.State != domain.StatePending || a.NextAttemptAt == nil || a.NextAttemptAt.After(now) {
		return false, nil
	}
	a.NextAttemptAt = &leaseUntil
	s.attempts[callID] = a
	return true, nil
}

func (s *memAttemptStore) Expire(ctx context.Context, callID string, from domain.State, at time.Time) (bool, error) {
	if !from.IsInFlight() {
		return false, nil
	}
	return s.transition(callID, from, func(a *domain.CallAttempt) {
		a.State = domain.StateExpired
		a.NextAttemptAt = nil
	})
}

func containsState(states []domain.State, s domain.State) bool {
	for _, st := range states {
		if st == s {
			return true
		}
	}
	return false
}

func limitAttempts(attempts []domain.CallAttempt, limit int) []domain.CallAttempt {
	if limit > 0 && len(attempts) > limit {
		return attempts[:limit]
	}
	return attempts
}

type fakeScheduleRepo struct {
	listActiveFn  func(ctx context.Context) ([]domain.ScheduleRecord, error)
	getByUserIDFn func(ctx context.Context, userID string) (*domain.ScheduleRecord, error)
}

func (f *fakeScheduleRepo) ListActive(ctx context.Context) ([]domain.ScheduleRecord, error) {
	if f.listActiveFn == nil {
		return nil, nil
	}
	return f.listActiveFn(ctx)
}

func (f *fakeScheduleRepo) GetByUserID(ctx context.Context, userID string) (*domain.ScheduleRecord, error) {
	if f.getByUserIDFn == nil {
		return nil, domain.ErrNotFound
	}
	return f.getByUserIDFn(ctx, userID)
}

type fakeCredentialRepo struct {
	getByUserIDFn func(ctx context.Context, userID string) (*domain.DeviceCredential, error)
}

func (f *fakeCredentialRepo) GetByUserID(ctx context.Context, userID string) (*domain.DeviceCredential, error) {
	if f.getByUserIDFn == nil {
		return nil, domain.ErrNotFound
	}
	return f.getByUserIDFn(ctx, userID)
}

type fakeDeliveryLogRepo struct {
	mu   sync.Mutex
	logs []domain.DeliveryLog

	createFn      func(ctx context.Context, l *domain.DeliveryLog) error
	getByCallIDFn func(ctx context.Context, callID string) ([]domain.DeliveryLog, error)
}

func (f *fakeDeliveryLogRepo) Create(ctx context.Context, l *domain.DeliveryLog) error {
	if f.createFn != nil {
		return f.createFn(ctx, l)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logs = append(f.logs, *l)
	return nil
}

func (f *fakeDeliveryLogRepo) GetByCallID(ctx context.Context, callID string) ([]domain.DeliveryLog, error) {
	if f.getByCallIDFn != nil {
		return f.getByCallIDFn(ctx, callID)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.DeliveryLog, 0)
	for _, l := range f.logs {
		if l.CallID == callID {
			out = append(out, l)
		}
	}
	return out, nil
}

type fakeReceiptRepo struct {
	createFn func(ctx context.Context, r *domain.DeliveryReceipt) error
	created  []domain.DeliveryReceipt
}

func (f *fakeReceiptRepo) Create(ctx context.Context, r *domain.DeliveryReceipt) error {
	if f.createFn != nil {
		if err := f.createFn(ctx, r); err != nil {
			return err
		}
	}
	f.created = append(f.created, *r)
	return nil
}

type fakeGateway struct {
	mu     sync.Mutex
	sendFn func(ctx context.Context, msg push.Message) (*push.Response, error)
	sent   []push.Message
}

func (f *fakeGateway) Send(ctx context.Context, msg push.Message) (*push.Response, error) {
	f.mu.Lock()
	f.sent = append(f.sent, msg)
	f.mu.Unlock()
	if f.sendFn == nil {
		return &push.Response{StatusCode: 200, MessageID: msg.CallID}, nil
	}
	return f.sendFn(ctx, msg)
}

func (f *fakeGateway) messages() []push.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]push.Message(nil), f.sent...)
}

type fakeRateLimiter struct {
	waitFn func(ctx context.Context, platform string) error
}

func (f *fakeRateLimiter) Allow(ctx context.Context, platform string) (bool, error) {
	return true, nil
}

func (f *fakeRateLimiter) Wait(ctx context.Context, platform string) error {
	if f.waitFn == nil {
		return nil
	}
	return f.waitFn(ctx, platform)
}

type fakeGenerator struct {
	generateFn func(ctx context.Context, userID string, callID string) (domain.CallContent, error)
}

func (f *fakeGenerator) Generate(ctx context.Context, userID string, callID string) (domain.CallContent, error) {
	if f.generateFn == nil {
		return domain.CallContent{Text: "Time for your check-in."}, nil
	}
	return f.generateFn(ctx, userID, callID)
}

type fakeSender struct {
	mu     sync.Mutex
	sendFn func(ctx context.Context, attempt *domain.CallAttempt) (DeliveryResult, error)
	calls  []string
}

func (f *fakeSender) Send(ctx context.Context, attempt *domain.CallAttempt) (DeliveryResult, error) {
	f.mu.Lock()
	f.calls = append(f.calls, attempt.CallID)
	f.mu.Unlock()
	if f.sendFn == nil {
		return DeliveryResult{Outcome: domain.OutcomeSuccess, Applied: true}, nil
	}
	return f.sendFn(ctx, attempt)
}

func (f *fakeSender) callIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

type fakeConsumer struct {
	consumeFn func(ctx context.Context, queueName string, handler queue.MessageHandler) error
}

func (f *fakeConsumer) Consume(ctx context.Context, queueName string, handler queue.MessageHandler) error {
	if f.consumeFn == nil {
		<-ctx.Done()
		return nil
	}
	return f.consumeFn(ctx, queueName, handler)
}

func (f *fakeConsumer) Close() error {
	return nil
}

var (
	_ repository.CallAttemptRepository = (*memAttemptStore)(nil)
	_ content.Generator                = (*fakeGenerator)(nil)
	_ push.Gateway                     = (*fakeGateway)(nil)
	_ Sender                           = (*fakeSender)(nil)
)

const (
	testVoIPToken = "a1b2c3d4e5f60718293a4b5c6d7e8f90a1b2c3d4e5f60718293a4b5c6d7e8f90"
	testExpoToken = "ExponentPushToken[xxxxxxxxxxxxxxxxxxxxxx]"
)

func testPolicy() domain.RetryPolicy {
	return domain.RetryPolicy{
		MaxAttempts:     3,
		BackoffSchedule: []time.Duration{30 * time.Second, 60 * time.Second, 120 * time.Second},
		AckTimeout:      60 * time.Second,
	}
}

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func voipCredential(userID string) *domain.DeviceCredential {
	return &domain.DeviceCredential{UserID: userID, Token: testVoIPToken, Platform: domain.PlatformIOSVoIP}
}

// newStoredAttempt builds an attempt with a valid payload fingerprint.
func newStoredAttempt(callID string, userID string, state domain.State, attemptCount int, createdAt time.Time) domain.CallAttempt {
	raw, fingerprint, err := domain.EncodePayload(domain.CallPayload{
		CallID:      callID,
		UserID:      userID,
		Content:     domain.CallContent{Text: "Time for your check-in."},
		GeneratedAt: createdAt,
	})
	if err != nil {
		panic(err)
	}
	return domain.CallAttempt{
		CallID:             callID,
		UserID:             userID,
		State:              state,
		LocalDate:          createdAt.Format(domain.LocalDateLayout),
		AttemptCount:       attemptCount,
		PayloadFingerprint: fingerprint,
		Payload:            raw,
		CreatedAt:          createdAt,
		UpdatedAt:          createdAt,
	}
}
