package push

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// LogGateway accepts every message and only logs it (for development)
type LogGateway struct {
	logger *zap.Logger
}

func NewLogGateway(logger *zap.Logger) *LogGateway {
	return &LogGateway{logger: logger}
}

func (g *LogGateway) Send(ctx context.Context, messages []Message) (*Receipt, error) {
	receipt := &Receipt{Tickets: make([]Ticket, 0, len(messages))}

	for i, msg := range messages {
		g.logger.Info("push message (development mode)",
			zap.String("to", msg.To),
			zap.String("title", msg.Title),
			zap.String("body", msg.Body),
		)
		receipt.Tickets = append(receipt.Tickets, Ticket{
			Status: TicketStatusOK,
			ID:     fmt.Sprintf("log-%d", i),
		})
	}

	return receipt, nil
}
