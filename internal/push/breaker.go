package push

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
)

// BreakerSettings configures the circuit breaker around a gateway.
type BreakerSettings struct {
	Name                string
	ConsecutiveFailures uint32
	OpenTimeout         time.Duration
	Interval            time.Duration
	Logger              *zap.Logger
}

// BreakerGateway stops submitting to a gateway that keeps failing
// transiently. Fatal rejections concern one device and do not trip it; a
// rejected gateway credential trips it at once.
type BreakerGateway struct {
	next    Gateway
	breaker *gobreaker.CircuitBreaker[*Response]
	logger  *zap.Logger
	tripNow atomic.Bool
}

func NewBreakerGateway(next Gateway, settings BreakerSettings) *BreakerGateway {
	if settings.ConsecutiveFailures == 0 {
		settings.ConsecutiveFailures = 5
	}
	if settings.OpenTimeout <= 0 {
		settings.OpenTimeout = 30 * time.Second
	}
	if settings.Interval <= 0 {
		settings.Interval = 60 * time.Second
	}
	if settings.Logger == nil {
		settings.Logger = zap.NewNop()
	}
	threshold := settings.ConsecutiveFailures

	g := &BreakerGateway{
		next:   next,
		logger: settings.Logger.With(zap.String("gateway", settings.Name)),
	}
	g.breaker = gobreaker.NewCircuitBreaker[*Response](gobreaker.Settings{
		Name:        settings.Name,
		MaxRequests: 1,
		Interval:    settings.Interval,
		Timeout:     settings.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return g.tripNow.Swap(false) || counts.ConsecutiveFailures >= threshold
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !IsTransient(err)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			g.logger.Warn("push gateway circuit state changed",
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})

	return g
}

func (g *BreakerGateway) Send(ctx context.Context, msg Message) (*Response, error) {
	res, err := g.breaker.Execute(func() (*Response, error) {
		res, err := g.next.Send(ctx, msg)
		if IsMisconfigured(err) {
			g.logger.Error("push gateway rejected our credentials, opening circuit",
				zap.String("reason", ReasonOf(err)),
				zap.Int("statusCode", StatusCodeOf(err)),
			)
			g.tripNow.Store(true)
		}
		return res, err
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, &PushError{
			Reason:    "CircuitOpen",
			Message:   "push gateway circuit open",
			Transient: true,
			Cause:     err,
		}
	}
	return res, err
}

func (g *BreakerGateway) State() gobreaker.State {
	return g.breaker.State()
}

var _ Gateway = (*BreakerGateway)(nil)
