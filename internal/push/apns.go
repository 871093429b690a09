package push

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/sideshow/apns2"
	"github.com/sideshow/apns2/token"
)

const voipTopicSuffix = ".voip"

// apnsPusher is the subset of *apns2.Client used by the gateway.
type apnsPusher interface {
	PushWithContext(ctx apns2.Context, n *apns2.Notification) (*apns2.Response, error)
}

type APNsConfig struct {
	KeyID      string
	TeamID     string
	Topic      string
	PrivateKey []byte
	Production bool
}

// APNsGateway delivers VoIP pushes through Apple's HTTP/2 provider API using
// token-based authentication. The signed provider token is refreshed by apns2.
type APNsGateway struct {
	client apnsPusher
	topic  string
}

// NewAPNsGateway parses the .p8 signing key up front so bad credentials fail
// at startup rather than on the first call.
func NewAPNsGateway(cfg APNsConfig) (*APNsGateway, error) {
	if strings.TrimSpace(cfg.KeyID) == "" || strings.TrimSpace(cfg.TeamID) == "" {
		return nil, fmt.Errorf("apns key id and team id are required")
	}
	if strings.TrimSpace(cfg.Topic) == "" {
		return nil, fmt.Errorf("apns topic is required")
	}

	authKey, err := token.AuthKeyFromBytes(cfg.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to parse apns p8 key: %w", err)
	}

	client := apns2.NewTokenClient(&token.Token{
		AuthKey: authKey,
		KeyID:   strings.TrimSpace(cfg.KeyID),
		TeamID:  strings.TrimSpace(cfg.TeamID),
	})
	if cfg.Production {
		client = client.Production()
	} else {
		client = client.Development()
	}

	return newAPNsGateway(client, cfg.Topic), nil
}

func newAPNsGateway(client apnsPusher, topic string) *APNsGateway {
	topic = strings.TrimSpace(topic)
	if !strings.HasSuffix(topic, voipTopicSuffix) {
		topic += voipTopicSuffix
	}
	return &APNsGateway{client: client, topic: topic}
}

func (g *APNsGateway) Send(ctx context.Context, msg Message) (*Response, error) {
	if g == nil || g.client == nil {
		return nil, fmt.Errorf("apns gateway is not initialized")
	}
	if err := msg.Validate(); err != nil {
		return nil, &PushError{Reason: "InvalidMessage", Transient: false, Cause: err}
	}

	body, err := json.Marshal(apnsPayload{envelope: newEnvelope(msg)})
	if err != nil {
		return nil, &PushError{Reason: "InvalidPayload", Transient: false, Cause: err}
	}

	notification := &apns2.Notification{
		ApnsID:      msg.CallID,
		DeviceToken: msg.DeviceToken,
		Topic:       g.topic,
		PushType:    apns2.PushTypeVOIP,
		Priority:    apns2.PriorityHigh,
		Expiration:  time.Now().Add(time.Minute),
		Payload:     body,
	}

	res, err := g.client.PushWithContext(ctx, notification)
	if err != nil {
		return nil, transportError(err)
	}
	if res == nil {
		return nil, &PushError{Message: "apns returned empty response", Transient: true}
	}

	if res.Sent() {
		return &Response{StatusCode: res.StatusCode, MessageID: res.ApnsID}, nil
	}

	// A rejected signing key stays retryable: the calls are not at fault, and
	// the breaker stops sending until the key is fixed.
	return nil, &PushError{
		StatusCode:    res.StatusCode,
		Reason:        res.Reason,
		Message:       "apns rejected notification",
		Transient:     isTransientAPNsResponse(res.StatusCode, res.Reason),
		Misconfigured: isAPNsCredentialRejection(res.Reason),
	}
}

type apnsPayload struct {
	envelope
	Aps struct{} `json:"aps"`
}

func isTransientAPNsResponse(statusCode int, reason string) bool {
	switch reason {
	case apns2.ReasonBadDeviceToken,
		apns2.ReasonUnregistered,
		apns2.ReasonDeviceTokenNotForTopic,
		apns2.ReasonBadTopic,
		apns2.ReasonTopicDisallowed,
		apns2.ReasonPayloadTooLarge,
		apns2.ReasonPayloadEmpty,
		apns2.ReasonBadMessageID,
		apns2.ReasonBadExpirationDate,
		apns2.ReasonBadPriority:
		return false
	case apns2.ReasonExpiredProviderToken,
		apns2.ReasonInvalidProviderToken,
		apns2.ReasonMissingProviderToken,
		apns2.ReasonBadCertificate,
		apns2.ReasonBadCertificateEnvironment,
		apns2.ReasonTooManyProviderTokenUpdates,
		apns2.ReasonTooManyRequests,
		apns2.ReasonIdleTimeout,
		apns2.ReasonInternalServerError,
		apns2.ReasonServiceUnavailable,
		apns2.ReasonShutdown:
		return true
	}

	if statusCode == http.StatusGone {
		return false
	}
	return isTransientHTTPStatus(statusCode)
}

var _ Gateway = (*APNsGateway)(nil)

func isAPNsCredentialRejection(reason string) bool {
	switch reason {
	case apns2.ReasonInvalidProviderToken,
		apns2.ReasonMissingProviderToken,
		apns2.ReasonBadCertificate,
		apns2.ReasonBadCertificateEnvironment:
		return true
	}
	return false
}
