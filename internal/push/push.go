package push

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kursadbilgin/call-dispatcher/internal/domain"
)

// Urgency escalates with each redelivery so the device can ring louder.
type Urgency string

const (
	UrgencyHigh      Urgency = "high"
	UrgencyCritical  Urgency = "critical"
	UrgencyEmergency Urgency = "emergency"
)

func UrgencyForAttempt(attemptNumber int) Urgency {
	switch {
	case attemptNumber <= 1:
		return UrgencyHigh
	case attemptNumber == 2:
		return UrgencyCritical
	default:
		return UrgencyEmergency
	}
}

// Message is one submission to a push gateway. Payload is the stored call
// payload and is forwarded byte for byte.
type Message struct {
	CallID        string
	DeviceToken   string
	Platform      domain.Platform
	Payload       json.RawMessage
	AttemptNumber int
}

func (m Message) Validate() error {
	if strings.TrimSpace(m.CallID) == "" {
		return fmt.Errorf("%w: callId is required", domain.ErrValidation)
	}
	if strings.TrimSpace(m.DeviceToken) == "" {
		return fmt.Errorf("%w: device token is required", domain.ErrValidation)
	}
	if len(m.Payload) == 0 {
		return fmt.Errorf("%w: payload is required", domain.ErrValidation)
	}
	return nil
}

// envelope is the data delivered to the device alongside the call payload.
type envelope struct {
	Type          string          `json:"type"`
	CallID        string          `json:"callId"`
	AttemptNumber int             `json:"attempt"`
	Urgency       Urgency         `json:"urgency"`
	Call          json.RawMessage `json:"call"`
}

func newEnvelope(m Message) envelope {
	return envelope{
		Type:          domain.PayloadTypeAccountabilityCall,
		CallID:        m.CallID,
		AttemptNumber: m.AttemptNumber,
		Urgency:       UrgencyForAttempt(m.AttemptNumber),
		Call:          m.Payload,
	}
}

// Response describes a push the gateway accepted for delivery.
type Response struct {
	StatusCode int
	MessageID  string
}

// Gateway submits a push to a platform push service. Errors are *PushError
// values classified as transient or fatal.
type Gateway interface {
	Send(ctx context.Context, msg Message) (*Response, error)
}

// Router dispatches messages to the gateway registered for their platform.
type Router struct {
	gateways map[domain.Platform]Gateway
}

func NewRouter(gateways map[domain.Platform]Gateway) *Router {
	registered := make(map[domain.Platform]Gateway, len(gateways))
	for platform, gw := range gateways {
		if gw != nil {
			registered[platform] = gw
		}
	}
	return &Router{gateways: registered}
}

func (r *Router) Send(ctx context.Context, msg Message) (*Response, error) {
	gw, ok := r.gateways[msg.Platform]
	if !ok {
		return nil, &PushError{
			Reason:    "UnsupportedPlatform",
			Message:   fmt.Sprintf("no gateway configured for platform %q", msg.Platform),
			Transient: false,
		}
	}
	return gw.Send(ctx, msg)
}
