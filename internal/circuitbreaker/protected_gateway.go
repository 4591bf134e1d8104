package circuitbreaker

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/lalithlochan/eventhub/internal/push"
)

// ProtectedGateway wraps a push.Gateway with a CircuitBreaker.
type ProtectedGateway struct {
	gateway push.Gateway
	breaker *CircuitBreaker
	logger  *zap.Logger
}

// NewProtectedGateway wraps a gateway with circuit breaker protection.
func NewProtectedGateway(gateway push.Gateway, breaker *CircuitBreaker, logger *zap.Logger) *ProtectedGateway {
	return &ProtectedGateway{
		gateway: gateway,
		breaker: breaker,
		logger:  logger,
	}
}

// Send forwards the batch unless the circuit is open, in which case it returns
// ErrCircuitOpen without calling the gateway. Cancellation by the caller is not
// counted against the gateway.
func (p *ProtectedGateway) Send(ctx context.Context, messages []push.Message) (*push.Receipt, error) {
	if !p.breaker.Allow() {
		p.logger.Warn("circuit breaker rejected push batch - failing fast",
			zap.String("breaker", p.breaker.Name()),
			zap.Int("batch_size", len(messages)),
			zap.String("state", p.breaker.GetState().String()),
		)
		return nil, fmt.Errorf("%w: %s unavailable", ErrCircuitOpen, p.breaker.Name())
	}

	receipt, err := p.gateway.Send(ctx, messages)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return receipt, err
		}
		p.breaker.RecordFailure()
		p.logger.Debug("circuit breaker recorded failure",
			zap.String("breaker", p.breaker.Name()),
			zap.Error(err),
		)
		// A partial receipt still says which messages went out.
		return receipt, err
	}

	p.breaker.RecordSuccess()
	return receipt, nil
}

// Breaker returns the underlying circuit breaker for metrics/monitoring.
func (p *ProtectedGateway) Breaker() *CircuitBreaker {
	return p.breaker
}
