package push

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

const defaultExpoTimeout = 10 * time.Second

// Expo ticket error codes.
const (
	expoDeviceNotRegistered = "DeviceNotRegistered"
	expoMessageTooBig       = "MessageTooBig"
	expoMessageRateExceeded = "MessageRateExceeded"
	expoInvalidCredentials  = "InvalidCredentials"
)

type expoRequest struct {
	To               string   `json:"to"`
	Data             envelope `json:"data"`
	Priority         string   `json:"priority"`
	TTL              int      `json:"ttl"`
	ContentAvailable bool     `json:"_contentAvailable"`
}

type expoResponse struct {
	Data   *expoTicket `json:"data"`
	Errors []struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"errors"`
}

type expoTicket struct {
	Status  string `json:"status"`
	ID      string `json:"id"`
	Message string `json:"message"`
	Details struct {
		Error string `json:"error"`
	} `json:"details"`
}

// ExpoGateway delivers pushes through the Expo push API.
type ExpoGateway struct {
	client      *resty.Client
	endpoint    string
	accessToken string
}

func NewExpoGateway(endpoint string, accessToken string) (*ExpoGateway, error) {
	client := resty.New()
	client.SetTimeout(defaultExpoTimeout)
	client.SetRetryCount(0)

	return NewExpoGatewayWithClient(endpoint, accessToken, client)
}

func NewExpoGatewayWithClient(endpoint string, accessToken string, client *resty.Client) (*ExpoGateway, error) {
	trimmedEndpoint := strings.TrimSpace(endpoint)
	if trimmedEndpoint == "" {
		return nil, fmt.Errorf("expo endpoint is required")
	}
	if _, err := url.ParseRequestURI(trimmedEndpoint); err != nil {
		return nil, fmt.Errorf("invalid expo endpoint: %w", err)
	}
	if client == nil {
		return nil, fmt.Errorf("resty client is required")
	}

	if client.GetClient().Timeout == 0 {
		client.SetTimeout(defaultExpoTimeout)
	}
	client.SetRetryCount(0)

	return &ExpoGateway{
		client:      client,
		endpoint:    trimmedEndpoint,
		accessToken: strings.TrimSpace(accessToken),
	}, nil
}

func (g *ExpoGateway) Send(ctx context.Context, msg Message) (*Response, error) {
	if g == nil || g.client == nil {
		return nil, fmt.Errorf("expo gateway is not initialized")
	}
	if err := msg.Validate(); err != nil {
		return nil, &PushError{Reason: "InvalidMessage", Transient: false, Cause: err}
	}

	req := g.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json").
		SetBody(expoRequest{
			To:               msg.DeviceToken,
			Data:             newEnvelope(msg),
			Priority:         "high",
			TTL:              60,
			ContentAvailable: true,
		})
	if g.accessToken != "" {
		req.SetAuthToken(g.accessToken)
	}

	response, err := req.Post(g.endpoint)
	if err != nil {
		return nil, transportError(err)
	}
	if response == nil {
		return nil, &PushError{Message: "expo returned empty response", Transient: true}
	}

	statusCode := response.StatusCode()
	var parsed expoResponse
	_ = json.Unmarshal(response.Body(), &parsed)

	if statusCode < http.StatusOK || statusCode >= http.StatusMultipleChoices {
		reason := ""
		message := fmt.Sprintf("expo returned status %d", statusCode)
		if len(parsed.Errors) > 0 {
			reason = parsed.Errors[0].Code
			message = parsed.Errors[0].Message
		}
		authRejected := statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden
		return nil, &PushError{
			StatusCode:    statusCode,
			Reason:        reason,
			Message:       message,
			Transient:     authRejected || isTransientHTTPStatus(statusCode),
			Misconfigured: authRejected,
		}
	}

	ticket := parsed.Data
	if ticket == nil {
		return nil, &PushError{
			StatusCode: statusCode,
			Message:    "expo response missing push ticket",
			Transient:  true,
		}
	}

	if ticket.Status == "ok" {
		return &Response{StatusCode: statusCode, MessageID: ticket.ID}, nil
	}

	reason := ticket.Details.Error
	return nil, &PushError{
		StatusCode:    statusCode,
		Reason:        reason,
		Message:       ticket.Message,
		Transient:     isTransientExpoTicketError(reason),
		Misconfigured: reason == expoInvalidCredentials,
	}
}

func isTransientExpoTicketError(code string) bool {
	switch code {
	case expoDeviceNotRegistered, expoMessageTooBig:
		return false
	case expoMessageRateExceeded, expoInvalidCredentials:
		return true
	}
	// Unknown ticket errors are treated as transient; the retry budget bounds them.
	return true
}

var _ Gateway = (*ExpoGateway)(nil)
