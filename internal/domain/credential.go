package domain

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Platform identifies the push service a device credential belongs to.
type Platform string

const (
	PlatformIOSVoIP Platform = "ios_voip"
	PlatformExpo    Platform = "expo"
)

func (p Platform) String() string { return string(p) }

func (p Platform) IsValid() bool {
	switch p {
	case PlatformIOSVoIP, PlatformExpo:
		return true
	}
	return false
}

var (
	voipTokenPattern = regexp.MustCompile(`^[0-9a-fA-F]{64}$`)
	expoTokenPattern = regexp.MustCompile(`^(ExponentPushToken|ExpoPushToken)\[[^\[\]\s]+\]$`)
)

// DetectPlatform infers the platform from the token shape.
func DetectPlatform(token string) (Platform, bool) {
	trimmed := strings.TrimSpace(token)
	switch {
	case voipTokenPattern.MatchString(trimmed):
		return PlatformIOSVoIP, true
	case expoTokenPattern.MatchString(trimmed):
		return PlatformExpo, true
	}
	return "", false
}

// DeviceCredential is the push token registered by a user's device.
// Revocation is set by an external collaborator.
type DeviceCredential struct {
	UserID    string
	Token     string
	Platform  Platform
	RevokedAt *time.Time
	UpdatedAt time.Time
}

func (c *DeviceCredential) IsRevoked() bool {
	return c.RevokedAt != nil
}

// Validate checks the credential is well formed for its platform and not revoked.
func (c *DeviceCredential) Validate() error {
	if c == nil {
		return fmt.Errorf("%w: device credential is missing", ErrValidation)
	}
	if c.IsRevoked() {
		return fmt.Errorf("%w: device credential revoked at %s", ErrValidation, c.RevokedAt.UTC().Format(time.RFC3339))
	}

	token := strings.TrimSpace(c.Token)
	if token == "" {
		return fmt.Errorf("%w: device token is required", ErrValidation)
	}

	switch c.Platform {
	case PlatformIOSVoIP:
		if !voipTokenPattern.MatchString(token) {
			return fmt.Errorf("%w: voip token must be 64 hex characters", ErrValidation)
		}
	case PlatformExpo:
		if !expoTokenPattern.MatchString(token) {
			return fmt.Errorf("%w: malformed expo push token", ErrValidation)
		}
	default:
		return fmt.Errorf("%w: invalid platform %q", ErrValidation, c.Platform)
	}

	return nil
}
