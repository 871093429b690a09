package domain

import (
	"fmt"
	"strings"
	"time"
)

// LocalDateLayout is the format of a user's local calendar day.
const LocalDateLayout = "2006-01-02"

const callTimeLayout = "15:04"

// ScheduleRecord is the read-only daily call schedule of a user.
type ScheduleRecord struct {
	UserID   string
	CallTime string
	Timezone string
	Active   bool
}

// UserProfile is the part of a user's profile calls are personalised with.
type UserProfile struct {
	UserID string
	Name   *string
}

func (s ScheduleRecord) Validate() error {
	if strings.TrimSpace(s.UserID) == "" {
		return fmt.Errorf("%w: userId is required", ErrValidation)
	}
	if _, err := s.location(); err != nil {
		return err
	}
	if _, _, err := s.clock(); err != nil {
		return err
	}
	return nil
}

// LocalNow converts now into the schedule's timezone.
func (s ScheduleRecord) LocalNow(now time.Time) (time.Time, error) {
	loc, err := s.location()
	if err != nil {
		return time.Time{}, err
	}
	return now.In(loc), nil
}

// LocalDate returns the user's local calendar day for now.
func (s ScheduleRecord) LocalDate(now time.Time) (string, error) {
	local, err := s.LocalNow(now)
	if err != nil {
		return "", err
	}
	return local.Format(LocalDateLayout), nil
}

// CallTimeOn returns the call time on the local calendar day containing now.
func (s ScheduleRecord) CallTimeOn(now time.Time) (time.Time, error) {
	local, err := s.LocalNow(now)
	if err != nil {
		return time.Time{}, err
	}
	hour, minute, err := s.clock()
	if err != nil {
		return time.Time{}, err
	}
	return time.Date(local.Year(), local.Month(), local.Day(), hour, minute, 0, 0, local.Location()), nil
}

// NextCallTime returns the next local occurrence of the call time at or after now.
func (s ScheduleRecord) NextCallTime(now time.Time) (time.Time, error) {
	callAt, err := s.CallTimeOn(now)
	if err != nil {
		return time.Time{}, err
	}
	if callAt.Before(now) {
		local := callAt
		callAt = time.Date(local.Year(), local.Month(), local.Day()+1, local.Hour(), local.Minute(), 0, 0, local.Location())
	}
	return callAt, nil
}

func (s ScheduleRecord) location() (*time.Location, error) {
	tz := strings.TrimSpace(s.Timezone)
	if tz == "" {
		return nil, fmt.Errorf("%w: timezone is required", ErrValidation)
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid timezone %q", ErrValidation, s.Timezone)
	}
	return loc, nil
}

func (s ScheduleRecord) clock() (int, int, error) {
	t, err := time.Parse(callTimeLayout, strings.TrimSpace(s.CallTime))
	if err != nil {
		return 0, 0, fmt.Errorf("%w: callTime must be HH:MM, got %q", ErrValidation, s.CallTime)
	}
	return t.Hour(), t.Minute(), nil
}

// IsDue reports whether a call should be dispatched to the user now.
// lastAttemptToday is the user's most recent attempt, if any; it only blocks
// dispatch when it was created on the current local day and has not ended in
// FAILED or EXPIRED. An unparsable schedule is never due.
func IsDue(schedule ScheduleRecord, now time.Time, lastAttemptToday *CallAttempt) bool {
	if !schedule.Active {
		return false
	}

	callAt, err := schedule.CallTimeOn(now)
	if err != nil {
		return false
	}
	if now.Before(callAt) {
		return false
	}

	if lastAttemptToday == nil {
		return true
	}
	if lastAttemptToday.LocalDate != callAt.Format(LocalDateLayout) {
		return true
	}
	return !lastAttemptToday.State.BlocksDailyDispatch()
}
