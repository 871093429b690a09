package repository

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/kursadbilgin/call-dispatcher/internal/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const pgUniqueViolation = "23505"

type ListParams struct {
	State    *domain.State
	States   []domain.State
	UserID   *string
	From     *time.Time
	To       *time.Time
	Page     int
	PageSize int
}

// CallAttemptRepository persists call attempts. Every state change is a
// single conditional update keyed on call_id and the expected current state;
// the bool result reports whether this caller won the transition.
type CallAttemptRepository interface {
	Create(ctx context.Context, a *domain.CallAttempt) error
	GetByCallID(ctx context.Context, callID string) (*domain.CallAttempt, error)
	List(ctx context.Context, params ListParams) ([]domain.CallAttempt, int64, error)
	ListRecentByUsers(ctx context.Context, userIDs []string, since time.Time) ([]domain.CallAttempt, error)
	ListTimedOutSent(ctx context.Context, sentBefore time.Time, limit int) ([]domain.CallAttempt, error)
	ListDuePending(ctx context.Context, now time.Time, limit int) ([]domain.CallAttempt, error)

	MarkSent(ctx context.Context, callID string, at time.Time) (bool, error)
	MarkRetryable(ctx context.Context, callID string, at time.Time, nextAttemptAt time.Time, reason string) (bool, error)
	MarkFailed(ctx context.Context, callID string, at time.Time, reason string) (bool, error)
	Acknowledge(ctx context.Context, callID string, at time.Time, deviceAt *time.Time) (bool, error)
	RequeueSent(ctx context.Context, callID string, leaseUntil time.Time) (bool, error)
	ClaimPending(ctx context.Context, callID string, now time.Time, leaseUntil time.Time) (bool, error)
	Expire(ctx context.Context, callID string, from domain.State, at time.Time) (bool, error)
}

type GormCallAttemptRepo struct {
	db  *gorm.DB
	now func() time.Time
}

func NewGormCallAttemptRepo(db *gorm.DB) *GormCallAttemptRepo {
	return &GormCallAttemptRepo{db: db, now: time.Now}
}

// Create inserts a PENDING attempt. The partial unique indexes on user_id
// (in flight) and (user_id, local_date) (not failed or expired) turn the
// insert into a compare-and-insert; losing it yields domain.ErrConflict.
func (r *GormCallAttemptRepo) Create(ctx context.Context, a *domain.CallAttempt) error {
	model := callAttemptModelFromDomain(a)
	if model == nil {
		return domain.ErrValidation
	}

	result := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(model)
	if result.Error != nil {
		if isUniqueViolation(result.Error) {
			return domain.ErrConflict
		}
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrConflict
	}

	*a = *callAttemptModelToDomain(model)
	return nil
}

// GetByCallID reports domain.ErrNotFound for ids that are not UUIDs without
// querying; call_id is a uuid column and postgres rejects such input.
func (r *GormCallAttemptRepo) GetByCallID(ctx context.Context, callID string) (*domain.CallAttempt, error) {
	if !domain.IsCallID(callID) {
		return nil, domain.ErrNotFound
	}

	var model CallAttemptModel
	err := r.db.WithContext(ctx).First(&model, "call_id = ?", callID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return callAttemptModelToDomain(&model), nil
}

func (r *GormCallAttemptRepo) List(ctx context.Context, params ListParams) ([]domain.CallAttempt, int64, error) {
	query := r.db.WithContext(ctx).Model(&CallAttemptModel{})

	if params.State != nil {
		query = query.Where("state = ?", *params.State)
	}
	if len(params.States) > 0 {
		query = query.Where("state IN ?", params.States)
	}
	if params.UserID != nil {
		query = query.Where("user_id = ?", *params.UserID)
	}
	if params.From != nil {
		query = query.Where("created_at >= ?", *params.From)
	}
	if params.To != nil {
		query = query.Where("created_at <= ?", *params.To)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	page := max(params.Page, 1)
	pageSize := params.PageSize
	if pageSize < 1 {
		pageSize = 50
	}
	pageSize = min(pageSize, 100)

	var models []CallAttemptModel
	err := query.
		Order("created_at DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&models).Error
	if err != nil {
		return nil, 0, err
	}

	return callAttemptModelsToDomain(models), total, nil
}

// ListRecentByUsers returns attempts created since the given time for the
// users, newest first.
func (r *GormCallAttemptRepo) ListRecentByUsers(ctx context.Context, userIDs []string, since time.Time) ([]domain.CallAttempt, error) {
	if len(userIDs) == 0 {
		return nil, nil
	}

	var models []CallAttemptModel
	err := r.db.WithContext(ctx).
		Where("user_id IN ? AND created_at >= ?", userIDs, since).
		Order("created_at DESC").
		Find(&models).Error
	if err != nil {
		return nil, err
	}

	return callAttemptModelsToDomain(models), nil
}

func (r *GormCallAttemptRepo) ListTimedOutSent(ctx context.Context, sentBefore time.Time, limit int) ([]domain.CallAttempt, error) {
	var models []CallAttemptModel
	err := r.db.WithContext(ctx).
		Where("state = ? AND last_attempt_at <= ?", domain.StateSent, sentBefore).
		Order("last_attempt_at ASC").
		Limit(limit).
		Find(&models).Error
	if err != nil {
		return nil, err
	}

	return callAttemptModelsToDomain(models), nil
}

func (r *GormCallAttemptRepo) ListDuePending(ctx context.Context, now time.Time, limit int) ([]domain.CallAttempt, error) {
	var models []CallAttemptModel
	err := r.db.WithContext(ctx).
		Where("state = ? AND next_attempt_at <= ?", domain.StatePending, now).
		Order("next_attempt_at ASC").
		Limit(limit).
		Find(&models).Error
	if err != nil {
		return nil, err
	}

	return callAttemptModelsToDomain(models), nil
}

func (r *GormCallAttemptRepo) MarkSent(ctx context.Context, callID string, at time.Time) (bool, error) {
	return r.transition(ctx, callID, domain.StatePending, map[string]any{
		"state":           domain.StateSent,
		"attempt_count":   gorm.Expr("attempt_count + 1"),
		"last_attempt_at": at,
		"next_attempt_at": nil,
		"failure_reason":  nil,
		"updated_at":      at,
	})
}

// MarkRetryable records a delivery that failed transiently. The attempt stays
// PENDING until the retry processor picks it up at nextAttemptAt.
func (r *GormCallAttemptRepo) MarkRetryable(ctx context.Context, callID string, at time.Time, nextAttemptAt time.Time, reason string) (bool, error) {
	return r.transition(ctx, callID, domain.StatePending, map[string]any{
		"attempt_count":   gorm.Expr("attempt_count + 1"),
		"last_attempt_at": at,
		"next_attempt_at": nextAttemptAt,
		"failure_reason":  reason,
		"updated_at":      at,
	})
}

func (r *GormCallAttemptRepo) MarkFailed(ctx context.Context, callID string, at time.Time, reason string) (bool, error) {
	return r.transition(ctx, callID, domain.StatePending, map[string]any{
		"state":           domain.StateFailed,
		"next_attempt_at": nil,
		"failure_reason":  reason,
		"updated_at":      at,
	})
}

func (r *GormCallAttemptRepo) Acknowledge(ctx context.Context, callID string, at time.Time, deviceAt *time.Time) (bool, error) {
	return r.transition(ctx, callID, domain.StateSent, map[string]any{
		"state":                  domain.StateAcknowledged,
		"acknowledged_at":        at,
		"device_acknowledged_at": deviceAt,
		"updated_at":             at,
	})
}

// RequeueSent moves a timed-out SENT attempt back to PENDING. leaseUntil keeps
// other retry sweeps from claiming it while this caller redelivers.
func (r *GormCallAttemptRepo) RequeueSent(ctx context.Context, callID string, leaseUntil time.Time) (bool, error) {
	return r.transition(ctx, callID, domain.StateSent, map[string]any{
		"state":           domain.StatePending,
		"next_attempt_at": leaseUntil,
	})
}

// ClaimPending leases a due PENDING attempt to the caller.
func (r *GormCallAttemptRepo) ClaimPending(ctx context.Context, callID string, now time.Time, leaseUntil time.Time) (bool, error) {
	if !domain.IsCallID(callID) {
		return false, nil
	}

	result := r.db.WithContext(ctx).
		Model(&CallAttemptModel{}).
		Where("call_id = ? AND state = ? AND next_attempt_at <= ?", callID, domain.StatePending, now).
		Updates(map[string]any{
			"next_attempt_at": leaseUntil,
			"updated_at":      now,
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *GormCallAttemptRepo) Expire(ctx context.Context, callID string, from domain.State, at time.Time) (bool, error) {
	if !from.IsInFlight() {
		return false, nil
	}
	return r.transition(ctx, callID, from, map[string]any{
		"state":           domain.StateExpired,
		"next_attempt_at": nil,
		"updated_at":      at,
	})
}

// transition is the compare-and-swap every state change goes through: the
// update applies only while the row is still in state from.
func (r *GormCallAttemptRepo) transition(ctx context.Context, callID string, from domain.State, updates map[string]any) (bool, error) {
	if !domain.IsCallID(callID) {
		return false, nil
	}
	if _, ok := updates["updated_at"]; !ok {
		updates["updated_at"] = r.now().UTC()
	}

	result := r.db.WithContext(ctx).
		Model(&CallAttemptModel{}).
		Where("call_id = ? AND state = ?", callID, from).
		Updates(updates)
	if result.Error != nil {
		if isUniqueViolation(result.Error) {
			return false, nil
		}
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}
