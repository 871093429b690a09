package domain

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func TestFingerprintIsCanonical(t *testing.T) {
	t.Parallel()

	a, err := Fingerprint([]byte(`{"b":1,"a":{"y":"z","x":[1,2]}}`))
	if err != nil {
		t.Fatalf("Fingerprint() error = %v", err)
	}
	b, err := Fingerprint([]byte("{ \"a\": {\"x\": [1, 2], \"y\": \"z\"},\n \"b\": 1 }"))
	if err != nil {
		t.Fatalf("Fingerprint() error = %v", err)
	}
	if a != b {
		t.Fatalf("fingerprints differ for equivalent JSON: %s != %s", a, b)
	}
	if len(a) != 64 {
		t.Fatalf("fingerprint length = %d, want 64", len(a))
	}

	c, err := Fingerprint([]byte(`{"b":2,"a":{"y":"z","x":[1,2]}}`))
	if err != nil {
		t.Fatalf("Fingerprint() error = %v", err)
	}
	if c == a {
		t.Fatal("different payloads must not share a fingerprint")
	}

	if _, err := Fingerprint([]byte(`{not json`)); err == nil {
		t.Fatal("expected error for malformed JSON")
	}
}

func TestEncodePayloadAndVerify(t *testing.T) {
	t.Parallel()

	raw, fingerprint, err := EncodePayload(CallPayload{
		CallID:      "c1",
		UserID:      "u1",
		Content:     CallContent{Text: "did you run today?", VoiceParameters: VoiceParameters{VoiceID: "v1"}},
		GeneratedAt: time.Unix(1_700_000_000, 0).UTC(),
	})
	if err != nil {
		t.Fatalf("EncodePayload() error = %v", err)
	}

	var decoded CallPayload
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("json.Unmarshal() error = %v", err)
	}
	if decoded.Type != PayloadTypeAccountabilityCall {
		t.Fatalf("type = %q, want %q", decoded.Type, PayloadTypeAccountabilityCall)
	}

	attempt := &CallAttempt{CallID: "c1", Payload: raw, PayloadFingerprint: fingerprint}
	if err := attempt.VerifyPayload(); err != nil {
		t.Fatalf("VerifyPayload() unexpected error = %v", err)
	}

	attempt.Payload = json.RawMessage(`{"type":"accountability_call","callId":"c1"}`)
	if err := attempt.VerifyPayload(); !errors.Is(err, ErrValidation) {
		t.Fatalf("VerifyPayload() error = %v, want ErrValidation", err)
	}
}
