// Package sqs carries dispatch requests through an SQS queue for asynchronous
// processing.
package sqs

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/eventhub/internal/dispatch"
)

// Config holds SQS configuration.
type Config struct {
	Region   string
	QueueURL string
	// Endpoint overrides the service endpoint (LocalStack).
	Endpoint string
}

// API is the subset of the SQS client used by Producer and Consumer.
type API interface {
	SendMessage(ctx context.Context, in *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, in *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, in *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	ChangeMessageVisibility(ctx context.Context, in *sqs.ChangeMessageVisibilityInput, optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error)
}

// Message is the payload sent to SQS.
type Message struct {
	RequestID  string           `json:"request_id"`
	Request    dispatch.Request `json:"request"`
	EnqueuedAt int64            `json:"enqueued_at"`
}

// NewClient builds an SQS client from the default AWS credential chain.
func NewClient(ctx context.Context, cfg Config) (*sqs.Client, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	}), nil
}

// Producer sends dispatch requests to SQS.
type Producer struct {
	client   API
	queueURL string
	logger   *zap.Logger
}

// NewProducer creates a new SQS producer.
func NewProducer(client API, queueURL string, logger *zap.Logger) *Producer {
	logger.Info("sqs producer initialized",
		zap.String("queue_url", queueURL),
	)

	return &Producer{
		client:   client,
		queueURL: queueURL,
		logger:   logger,
	}
}

// Enqueue sends a dispatch request to SQS for asynchronous processing.
// Returns the request id assigned to it and the SQS message id.
func (p *Producer) Enqueue(ctx context.Context, req dispatch.Request) (requestID, messageID string, err error) {
	msg := Message{
		RequestID:  uuid.NewString(),
		Request:    req,
		EnqueuedAt: time.Now().UnixNano(),
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return "", "", fmt.Errorf("failed to marshal message: %w", err)
	}

	input := &sqs.SendMessageInput{
		QueueUrl:    aws.String(p.queueURL),
		MessageBody: aws.String(string(body)),
	}

	result, err := p.client.SendMessage(ctx, input)
	if err != nil {
		p.logger.Error("failed to send message to sqs",
			zap.Error(err),
			zap.String("request_id", msg.RequestID),
			zap.String("user_id", req.UserID),
		)
		return "", "", fmt.Errorf("sqs send failed: %w", err)
	}

	return msg.RequestID, aws.ToString(result.MessageId), nil
}
