package handler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/kursadbilgin/call-dispatcher/internal/domain"
	"github.com/kursadbilgin/call-dispatcher/internal/queue"
	"github.com/kursadbilgin/call-dispatcher/internal/repository"
	"github.com/kursadbilgin/call-dispatcher/internal/service"
)

const (
	defaultPage     = 1
	defaultPageSize = 50
	maxPageSize     = 100
)

var validate = validator.New()

type CallQueryService interface {
	GetCall(ctx context.Context, callID string) (*service.CallDetails, error)
	ListCalls(ctx context.Context, params repository.ListParams) ([]domain.CallAttempt, int64, error)
	ListPending(ctx context.Context, params repository.ListParams) ([]domain.CallAttempt, int64, error)
	PreviewSchedule(ctx context.Context, userID string) (*service.SchedulePreview, error)
}

type AckService interface {
	Acknowledge(ctx context.Context, callID string, deviceTimestamp *time.Time) (domain.AckResult, error)
}

type CallsHandler struct {
	queries   CallQueryService
	acks      AckService
	publisher queue.Publisher
	now       func() time.Time
	newID     func() string
}

func NewCallsHandler(queries CallQueryService, acks AckService, publisher queue.Publisher) (*CallsHandler, error) {
	if queries == nil {
		return nil, fmt.Errorf("call query service is required")
	}
	if acks == nil {
		return nil, fmt.Errorf("ack service is required")
	}
	if publisher == nil {
		return nil, fmt.Errorf("receipt publisher is required")
	}
	return &CallsHandler{
		queries:   queries,
		acks:      acks,
		publisher: publisher,
		now:       time.Now,
		newID:     uuid.NewString,
	}, nil
}

func RegisterCallRoutes(router fiber.Router, queries CallQueryService, acks AckService, publisher queue.Publisher) error {
	h, err := NewCallsHandler(queries, acks, publisher)
	if err != nil {
		return err
	}
	h.register(router)
	return nil
}

func (h *CallsHandler) register(router fiber.Router) {
	v1 := router.Group("/v1")
	v1.Post("/calls/:callId/ack", h.AcknowledgeCall)
	v1.Post("/receipts", h.SubmitReceipt)
	v1.Get("/calls/pending", h.ListPendingCalls)
	v1.Get("/calls/:callId", h.GetCall)
	v1.Get("/calls", h.ListCalls)
	v1.Get("/users/:userId/schedule", h.GetSchedule)
}

type ackRequest struct {
	DeviceTimestamp *time.Time `json:"deviceTimestamp"`
}

type ackResponse struct {
	CallID string `json:"callId"`
	Result string `json:"result"`
}

type receiptRequest struct {
	CallID          string     `json:"callId" validate:"required,uuid"`
	UserID          string     `json:"userId" validate:"omitempty,max=128"`
	Status          string     `json:"status" validate:"required,oneof=delivered answered connected declined failed"`
	DeviceTimestamp *time.Time `json:"deviceTimestamp" validate:"required"`
}

type receiptResponse struct {
	ReceiptID string `json:"receiptId"`
	CallID    string `json:"callId"`
	Status    string `json:"status"`
}

type callResponse struct {
	CallID               string     `json:"callId"`
	UserID               string     `json:"userId"`
	State                string     `json:"state"`
	LocalDate            string     `json:"localDate"`
	AttemptCount         int        `json:"attemptCount"`
	PayloadFingerprint   string     `json:"payloadFingerprint"`
	FailureReason        *string    `json:"failureReason,omitempty"`
	CreatedAt            time.Time  `json:"createdAt"`
	LastAttemptAt        *time.Time `json:"lastAttemptAt,omitempty"`
	NextAttemptAt        *time.Time `json:"nextAttemptAt,omitempty"`
	AcknowledgedAt       *time.Time `json:"acknowledgedAt,omitempty"`
	DeviceAcknowledgedAt *time.Time `json:"deviceAcknowledgedAt,omitempty"`
	UpdatedAt            time.Time  `json:"updatedAt"`
}

type deliveryResponse struct {
	AttemptNumber int       `json:"attemptNumber"`
	Platform      string    `json:"platform"`
	Outcome       string    `json:"outcome"`
	StatusCode    *int      `json:"statusCode,omitempty"`
	Reason        *string   `json:"reason,omitempty"`
	Error         *string   `json:"error,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
}

type callDetailsResponse struct {
	callResponse
	Deliveries []deliveryResponse `json:"deliveries"`
}

type listCallsResponse struct {
	Data []callResponse `json:"data"`
	Meta listMeta       `json:"meta"`
}

type listMeta struct {
	Page     int   `json:"page"`
	PageSize int   `json:"pageSize"`
	Total    int64 `json:"total"`
}

type scheduleResponse struct {
	UserID       string    `json:"userId"`
	CallTime     string    `json:"callTime"`
	Timezone     string    `json:"timezone"`
	Active       bool      `json:"active"`
	LocalDate    string    `json:"localDate"`
	NextCallTime time.Time `json:"nextCallTime"`
}

// AcknowledgeCall records a device acknowledgment. Repeats are not errors;
// the result field says what happened.
func (h *CallsHandler) AcknowledgeCall(c *fiber.Ctx) error {
	callID := strings.TrimSpace(c.Params("callId"))

	var req ackRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
		}
	}

	if !domain.IsCallID(callID) {
		return c.Status(fiber.StatusNotFound).JSON(ackResponse{CallID: callID, Result: domain.AckNotFound.String()})
	}

	result, err := h.acks.Acknowledge(c.Context(), callID, req.DeviceTimestamp)
	if err != nil {
		return toHTTPError(err)
	}

	status := fiber.StatusOK
	if result == domain.AckNotFound {
		status = fiber.StatusNotFound
	}
	return c.Status(status).JSON(ackResponse{CallID: callID, Result: result.String()})
}

// SubmitReceipt queues a device receipt for the worker.
func (h *CallsHandler) SubmitReceipt(c *fiber.Ctx) error {
	var req receiptRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}
	req.Status = strings.ToLower(strings.TrimSpace(req.Status))
	if err := validate.Struct(req); err != nil {
		return toHTTPError(fmt.Errorf("%w: %v", domain.ErrValidation, err))
	}

	msg := queue.ReceiptMessage{
		ReceiptID:       h.newID(),
		CallID:          req.CallID,
		UserID:          strings.TrimSpace(req.UserID),
		Status:          domain.ReceiptStatus(req.Status),
		DeviceTimestamp: req.DeviceTimestamp.UTC(),
		ReceivedAt:      h.now().UTC(),
	}
	if err := msg.Validate(); err != nil {
		return toHTTPError(err)
	}

	if err := h.publisher.Publish(c.Context(), queue.ReceiptQueue, msg); err != nil {
		return fmt.Errorf("failed to publish receipt: %w", err)
	}

	return c.Status(fiber.StatusAccepted).JSON(receiptResponse{
		ReceiptID: msg.ReceiptID,
		CallID:    msg.CallID,
		Status:    msg.Status.String(),
	})
}

func (h *CallsHandler) GetCall(c *fiber.Ctx) error {
	callID := strings.TrimSpace(c.Params("callId"))
	if !domain.IsCallID(callID) {
		return toHTTPError(fmt.Errorf("%w: unknown call %q", domain.ErrNotFound, callID))
	}

	details, err := h.queries.GetCall(c.Context(), callID)
	if err != nil {
		return toHTTPError(err)
	}

	deliveries := make([]deliveryResponse, 0, len(details.Deliveries))
	for _, d := range details.Deliveries {
		deliveries = append(deliveries, deliveryResponse{
			AttemptNumber: d.AttemptNumber,
			Platform:      d.Platform.String(),
			Outcome:       d.Outcome.String(),
			StatusCode:    d.StatusCode,
			Reason:        d.Reason,
			Error:         d.Error,
			CreatedAt:     d.CreatedAt,
		})
	}

	return c.Status(fiber.StatusOK).JSON(callDetailsResponse{
		callResponse: toCallResponse(details.Attempt),
		Deliveries:   deliveries,
	})
}

func (h *CallsHandler) ListCalls(c *fiber.Ctx) error {
	params, err := parseListParams(c)
	if err != nil {
		return toHTTPError(err)
	}

	attempts, total, err := h.queries.ListCalls(c.Context(), params)
	if err != nil {
		return toHTTPError(err)
	}
	return c.Status(fiber.StatusOK).JSON(newListCallsResponse(attempts, params, total))
}

// ListPendingCalls lists in-flight calls; a state filter is ignored.
func (h *CallsHandler) ListPendingCalls(c *fiber.Ctx) error {
	params, err := parseListParams(c)
	if err != nil {
		return toHTTPError(err)
	}

	attempts, total, err := h.queries.ListPending(c.Context(), params)
	if err != nil {
		return toHTTPError(err)
	}
	return c.Status(fiber.StatusOK).JSON(newListCallsResponse(attempts, params, total))
}

func (h *CallsHandler) GetSchedule(c *fiber.Ctx) error {
	preview, err := h.queries.PreviewSchedule(c.Context(), strings.TrimSpace(c.Params("userId")))
	if err != nil {
		return toHTTPError(err)
	}

	return c.Status(fiber.StatusOK).JSON(scheduleResponse{
		UserID:       preview.Schedule.UserID,
		CallTime:     preview.Schedule.CallTime,
		Timezone:     preview.Schedule.Timezone,
		Active:       preview.Schedule.Active,
		LocalDate:    preview.LocalDate,
		NextCallTime: preview.NextCallTime,
	})
}

func parseListParams(c *fiber.Ctx) (repository.ListParams, error) {
	params := repository.ListParams{
		Page:     c.QueryInt("page", defaultPage),
		PageSize: c.QueryInt("pageSize", defaultPageSize),
	}

	if params.Page < 1 {
		return repository.ListParams{}, fmt.Errorf("%w: page must be >= 1", domain.ErrValidation)
	}
	if params.PageSize < 1 || params.PageSize > maxPageSize {
		return repository.ListParams{}, fmt.Errorf("%w: pageSize must be between 1 and %d", domain.ErrValidation, maxPageSize)
	}

	if rawState := strings.TrimSpace(c.Query("state")); rawState != "" {
		state, err := domain.ParseStateFromString(rawState)
		if err != nil {
			return repository.ListParams{}, err
		}
		params.State = &state
	}

	if userID := strings.TrimSpace(c.Query("userId")); userID != "" {
		params.UserID = &userID
	}

	from, err := parseRFC3339Query(c.Query("from"), "from")
	if err != nil {
		return repository.ListParams{}, err
	}
	to, err := parseRFC3339Query(c.Query("to"), "to")
	if err != nil {
		return repository.ListParams{}, err
	}
	if from != nil && to != nil && to.Before(*from) {
		return repository.ListParams{}, fmt.Errorf("%w: to must not be before from", domain.ErrValidation)
	}
	params.From = from
	params.To = to

	return params, nil
}

func parseRFC3339Query(value string, field string) (*time.Time, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil, nil
	}

	t, err := time.Parse(time.RFC3339, trimmed)
	if err != nil {
		return nil, fmt.Errorf("%w: %s must be RFC3339", domain.ErrValidation, field)
	}
	return &t, nil
}

func newListCallsResponse(attempts []domain.CallAttempt, params repository.ListParams, total int64) listCallsResponse {
	data := make([]callResponse, 0, len(attempts))
	for i := range attempts {
		data = append(data, toCallResponse(&attempts[i]))
	}
	return listCallsResponse{
		Data: data,
		Meta: listMeta{
			Page:     params.Page,
			PageSize: params.PageSize,
			Total:    total,
		},
	}
}

func toCallResponse(a *domain.CallAttempt) callResponse {
	if a == nil {
		return callResponse{}
	}

	return callResponse{
		CallID:               a.CallID,
		UserID:               a.UserID,
		State:                a.State.String(),
		LocalDate:            a.LocalDate,
		AttemptCount:         a.AttemptCount,
		PayloadFingerprint:   a.PayloadFingerprint,
		FailureReason:        a.FailureReason,
		CreatedAt:            a.CreatedAt,
		LastAttemptAt:        a.LastAttemptAt,
		NextAttemptAt:        a.NextAttemptAt,
		AcknowledgedAt:       a.AcknowledgedAt,
		DeviceAcknowledgedAt: a.DeviceAcknowledgedAt,
		UpdatedAt:            a.UpdatedAt,
	}
}

func toHTTPError(err error) error {
	switch {
	case errors.Is(err, domain.ErrValidation):
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrNotFound):
		return fiber.NewError(fiber.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrConflict):
		return fiber.NewError(fiber.StatusConflict, err.Error())
	default:
		return err
	}
}
