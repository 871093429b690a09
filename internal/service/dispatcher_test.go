package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/kursadbilgin/call-dispatcher/internal/domain"
	"go.uber.org/zap"
)

var dispatchNow = time.Date(2026, 3, 1, 7, 0, 30, 0, time.UTC)

func testSchedule(userID string) domain.ScheduleRecord {
	return domain.ScheduleRecord{UserID: userID, CallTime: "07:00", Timezone: "UTC", Active: true}
}

func newTestDispatcher(t *testing.T, attempts *memAttemptStore, generator *fakeGenerator, sender Sender) *Dispatcher {
	t.Helper()

	schedules := &fakeScheduleRepo{getByUserIDFn: func(ctx context.Context, userID string) (*domain.ScheduleRecord, error) {
		if userID == "missing" {
			return nil, domain.ErrNotFound
		}
		s := testSchedule(userID)
		return &s, nil
	}}

	d, err := NewDispatcher(attempts, schedules, generator, sender, testPolicy(), zap.NewNop())
	if err != nil {
		t.Fatalf("NewDispatcher() error = %v", err)
	}
	d.now = fixedClock(dispatchNow)
	ids := []string{"call-1", "call-2", "call-3"}
	d.newID = func() string {
		id := ids[0]
		ids = ids[1:]
		return id
	}
	return d
}

func TestDispatcherDispatchCreatesAndDelivers(t *testing.T) {
	t.Parallel()

	attempts := newMemAttemptStore()
	sender := &fakeSender{}
	var generatedFor string
	generator := &fakeGenerator{generateFn: func(ctx context.Context, userID string, callID string) (domain.CallContent, error) {
		generatedFor = userID + "/" + callID
		return domain.CallContent{Text: "Did you go for that run?"}, nil
	}}
	d := newTestDispatcher(t, attempts, generator, sender)

	attempt, err := d.Dispatch(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	if attempt == nil {
		t.Fatalf("Dispatch() attempt = nil")
	}
	if generatedFor != "user-1/call-1" {
		t.Fatalf("content generated for %q, want user-1/call-1", generatedFor)
	}

	if attempt.State != domain.StatePending || attempt.AttemptCount != 0 {
		t.Fatalf("created attempt = %s/%d, want PENDING/0", attempt.State, attempt.AttemptCount)
	}
	if attempt.LocalDate != "2026-03-01" {
		t.Fatalf("localDate = %q, want 2026-03-01", attempt.LocalDate)
	}
	wantLease := dispatchNow.Add(testPolicy().AckTimeout)
	if attempt.NextAttemptAt == nil || !attempt.NextAttemptAt.Equal(wantLease) {
		t.Fatalf("nextAttemptAt = %v, want %v", attempt.NextAttemptAt, wantLease)
	}
	if err := attempt.VerifyPayload(); err != nil {
		t.Fatalf("VerifyPayload() error = %v", err)
	}

	if got := sender.callIDs(); len(got) != 1 || got[0] != "call-1" {
		t.Fatalf("sender calls = %v, want [call-1]", got)
	}
	if len(attempts.all()) != 1 {
		t.Fatalf("stored attempts = %d, want 1", len(attempts.all()))
	}
}

func TestDispatcherSkipsWhenUserHasInFlightAttempt(t *testing.T) {
	t.Parallel()

	existing := newStoredAttempt("call-0", "user-1", domain.StateSent, 1, dispatchNow.Add(-24*time.Hour))
	attempts := newMemAttemptStore(existing)
	sender := &fakeSender{}
	d := newTestDispatcher(t, attempts, &fakeGenerator{}, sender)

	attempt, err := d.Dispatch(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	if attempt != nil {
		t.Fatalf("Dispatch() attempt = %+v, want nil", attempt)
	}
	if n := len(sender.callIDs()); n != 0 {
		t.Fatalf("sender calls = %d, want 0", n)
	}
}

func TestDispatcherAtMostOneInFlightPerUser(t *testing.T) {
	t.Parallel()

	attempts := newMemAttemptStore()
	sender := &fakeSender{sendFn: func(ctx context.Context, attempt *domain.CallAttempt) (DeliveryResult, error) {
		return DeliveryResult{Outcome: domain.OutcomeRetryable}, nil
	}}
	generator := &fakeGenerator{}

	d1 := newTestDispatcher(t, attempts, generator, sender)
	d2 := newTestDispatcher(t, attempts, generator, sender)
	d2.newID = func() string { return "call-other" }

	done := make(chan error, 2)
	for _, d := range []*Dispatcher{d1, d2} {
		d := d
		go func() {
			_, err := d.DispatchSchedule(context.Background(), testSchedule("user-1"))
			done <- err
		}()
	}
	for i := 0; i < 2; i++ {
		if err := <-done; err != nil {
			t.Fatalf("DispatchSchedule() error = %v", err)
		}
	}

	inFlight := 0
	for _, a := range attempts.all() {
		if a.State.IsInFlight() {
			inFlight++
		}
	}
	if inFlight != 1 {
		t.Fatalf("in-flight attempts = %d, want 1", inFlight)
	}
}

func TestDispatcherContentFailureCreatesNothing(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		fn   func(ctx context.Context, userID string, callID string) (domain.CallContent, error)
	}{
		{
			name: "generator error",
			fn: func(ctx context.Context, userID string, callID string) (domain.CallContent, error) {
				return domain.CallContent{}, errors.New("llm timeout")
			},
		},
		{
			name: "empty text",
			fn: func(ctx context.Context, userID string, callID string) (domain.CallContent, error) {
				return domain.CallContent{Text: "   "}, nil
			},
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			attempts := newMemAttemptStore()
			sender := &fakeSender{}
			d := newTestDispatcher(t, attempts, &fakeGenerator{generateFn: tt.fn}, sender)

			attempt, err := d.Dispatch(context.Background(), "user-1")
			if !errors.Is(err, domain.ErrContentGeneration) {
				t.Fatalf("Dispatch() error = %v, want ErrContentGeneration", err)
			}
			if attempt != nil {
				t.Fatalf("Dispatch() attempt = %+v, want nil", attempt)
			}
			if n := len(attempts.all()); n != 0 {
				t.Fatalf("stored attempts = %d, want 0", n)
			}
			if n := len(sender.callIDs()); n != 0 {
				t.Fatalf("sender calls = %d, want 0", n)
			}
		})
	}
}

func TestDispatcherDispatchErrors(t *testing.T) {
	t.Parallel()

	d := newTestDispatcher(t, newMemAttemptStore(), &fakeGenerator{}, &fakeSender{})

	if _, err := d.Dispatch(context.Background(), " "); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("Dispatch(blank) error = %v, want ErrValidation", err)
	}
	if _, err := d.Dispatch(context.Background(), "missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("Dispatch(missing) error = %v, want ErrNotFound", err)
	}

	bad := testSchedule("user-1")
	bad.Timezone = "Mars/Olympus"
	if _, err := d.DispatchSchedule(context.Background(), bad); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("DispatchSchedule(bad timezone) error = %v, want ErrValidation", err)
	}
}

func TestDispatcherReturnsAttemptWhenDeliveryErrors(t *testing.T) {
	t.Parallel()

	errSend := errors.New("credential store down")
	attempts := newMemAttemptStore()
	sender := &fakeSender{sendFn: func(ctx context.Context, attempt *domain.CallAttempt) (DeliveryResult, error) {
		return DeliveryResult{}, errSend
	}}
	d := newTestDispatcher(t, attempts, &fakeGenerator{}, sender)

	attempt, err := d.Dispatch(context.Background(), "user-1")
	if !errors.Is(err, errSend) {
		t.Fatalf("Dispatch() error = %v, want %v", err, errSend)
	}
	if attempt == nil || attempt.CallID != "call-1" {
		t.Fatalf("Dispatch() attempt = %+v, want call-1", attempt)
	}
	if got := attempts.get("call-1").State; got != domain.StatePending {
		t.Fatalf("state = %s, want %s", got, domain.StatePending)
	}
}
