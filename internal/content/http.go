package content

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/kursadbilgin/call-dispatcher/internal/domain"
)

const defaultHTTPTimeout = 15 * time.Second

type generateRequest struct {
	UserID string `json:"userId"`
	CallID string `json:"callId"`
}

// HTTPGenerator asks a remote content service for the call text.
type HTTPGenerator struct {
	client   *resty.Client
	endpoint string
}

func NewHTTPGenerator(endpoint string) (*HTTPGenerator, error) {
	client := resty.New()
	client.SetTimeout(defaultHTTPTimeout)
	return NewHTTPGeneratorWithClient(endpoint, client)
}

func NewHTTPGeneratorWithClient(endpoint string, client *resty.Client) (*HTTPGenerator, error) {
	trimmed := strings.TrimSpace(endpoint)
	if trimmed == "" {
		return nil, fmt.Errorf("content service url is required")
	}
	if _, err := url.ParseRequestURI(trimmed); err != nil {
		return nil, fmt.Errorf("invalid content service url: %w", err)
	}
	if client == nil {
		return nil, fmt.Errorf("resty client is required")
	}
	client.SetRetryCount(0)

	return &HTTPGenerator{client: client, endpoint: trimmed}, nil
}

func (g *HTTPGenerator) Generate(ctx context.Context, userID string, callID string) (domain.CallContent, error) {
	response, err := g.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json").
		SetBody(generateRequest{UserID: userID, CallID: callID}).
		Post(g.endpoint)
	if err != nil {
		return domain.CallContent{}, fmt.Errorf("%w: %w", domain.ErrContentGeneration, err)
	}

	status := response.StatusCode()
	if status < http.StatusOK || status >= http.StatusMultipleChoices {
		return domain.CallContent{}, fmt.Errorf("%w: content service returned status %d", domain.ErrContentGeneration, status)
	}

	var content domain.CallContent
	if err := json.Unmarshal(response.Body(), &content); err != nil {
		return domain.CallContent{}, fmt.Errorf("%w: invalid content response: %w", domain.ErrContentGeneration, err)
	}
	if err := content.Validate(); err != nil {
		return domain.CallContent{}, fmt.Errorf("%w: %w", domain.ErrContentGeneration, err)
	}

	return content, nil
}

var _ Generator = (*HTTPGenerator)(nil)
