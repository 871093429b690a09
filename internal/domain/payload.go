package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/gowebpki/jcs"
)

const PayloadTypeAccountabilityCall = "accountability_call"

// VoiceParameters tune how the call content is spoken.
type VoiceParameters struct {
	VoiceID string   `json:"voiceId,omitempty"`
	Mood    string   `json:"mood,omitempty"`
	Speed   *float64 `json:"speed,omitempty"`
}

// CallContent is what the content generator produces for one call.
type CallContent struct {
	Text            string          `json:"text"`
	VoiceParameters VoiceParameters `json:"voiceParameters"`
}

func (c CallContent) Validate() error {
	if strings.TrimSpace(c.Text) == "" {
		return fmt.Errorf("%w: content text is required", ErrValidation)
	}
	return nil
}

// CallPayload is the body handed to the device. It is generated once per
// call attempt and replayed unchanged on every retry.
type CallPayload struct {
	Type        string      `json:"type"`
	CallID      string      `json:"callId"`
	UserID      string      `json:"userId"`
	Content     CallContent `json:"content"`
	GeneratedAt time.Time   `json:"generatedAt"`
}

// EncodePayload serializes the payload and returns it with its fingerprint.
func EncodePayload(p CallPayload) (json.RawMessage, string, error) {
	if p.Type == "" {
		p.Type = PayloadTypeAccountabilityCall
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, "", fmt.Errorf("failed to marshal call payload: %w", err)
	}
	fingerprint, err := Fingerprint(raw)
	if err != nil {
		return nil, "", err
	}
	return raw, fingerprint, nil
}

// Fingerprint is the hex SHA-256 of the RFC 8785 canonical form of raw.
func Fingerprint(raw []byte) (string, error) {
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("failed to canonicalize payload: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// VerifyPayload checks that the stored payload still matches its fingerprint.
func (a *CallAttempt) VerifyPayload() error {
	got, err := Fingerprint(a.Payload)
	if err != nil {
		return err
	}
	if got != a.PayloadFingerprint {
		return fmt.Errorf("%w: payload fingerprint mismatch for call %s", ErrValidation, a.CallID)
	}
	return nil
}
