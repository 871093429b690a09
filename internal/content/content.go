package content

import (
	"context"
	"errors"
	"fmt"

	"github.com/kursadbilgin/call-dispatcher/internal/domain"
	"go.uber.org/zap"
)

// Generator produces the spoken content of one call.
type Generator interface {
	Generate(ctx context.Context, userID string, callID string) (domain.CallContent, error)
}

// FallbackGenerator uses the primary generator and falls back to the
// secondary one when the primary fails. Cancellation is not retried.
type FallbackGenerator struct {
	primary   Generator
	secondary Generator
	logger    *zap.Logger
}

func NewFallbackGenerator(primary Generator, secondary Generator, logger *zap.Logger) *FallbackGenerator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FallbackGenerator{primary: primary, secondary: secondary, logger: logger}
}

func (g *FallbackGenerator) Generate(ctx context.Context, userID string, callID string) (domain.CallContent, error) {
	content, err := g.primary.Generate(ctx, userID, callID)
	if err == nil {
		return content, nil
	}
	if errors.Is(err, context.Canceled) || g.secondary == nil {
		return domain.CallContent{}, err
	}

	g.logger.Warn("primary content generator failed, using fallback",
		zap.String("userId", userID),
		zap.String("callId", callID),
		zap.Error(err),
	)

	content, fallbackErr := g.secondary.Generate(ctx, userID, callID)
	if fallbackErr != nil {
		return domain.CallContent{}, fmt.Errorf("%w: %v", domain.ErrContentGeneration, errors.Join(err, fallbackErr))
	}
	return content, nil
}

var _ Generator = (*FallbackGenerator)(nil)
