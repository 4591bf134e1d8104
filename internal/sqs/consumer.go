package sqs

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"go.uber.org/zap"
)

const (
	maxMessagesPerReceive = 10
	longPollSeconds       = 20
	visibilityTimeout     = 60
)

// Delivery is one received message. Err is set when the body is not a valid
// Message; such deliveries can never succeed and should be deleted.
type Delivery struct {
	MessageID     string
	ReceiptHandle string
	ReceiveCount  int
	Message       Message
	Err           error
}

// Consumer reads dispatch requests from SQS.
type Consumer struct {
	client   API
	queueURL string
	logger   *zap.Logger
}

// NewConsumer creates a new SQS consumer.
func NewConsumer(client API, queueURL string, logger *zap.Logger) *Consumer {
	logger.Info("sqs consumer initialized",
		zap.String("queue_url", queueURL),
	)

	return &Consumer{
		client:   client,
		queueURL: queueURL,
		logger:   logger,
	}
}

// Receive long-polls for up to ten messages.
func (c *Consumer) Receive(ctx context.Context) ([]Delivery, error) {
	input := &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(c.queueURL),
		MaxNumberOfMessages: maxMessagesPerReceive,
		WaitTimeSeconds:     longPollSeconds,
		VisibilityTimeout:   visibilityTimeout,
		MessageSystemAttributeNames: []types.MessageSystemAttributeName{
			types.MessageSystemAttributeNameApproximateReceiveCount,
		},
	}

	result, err := c.client.ReceiveMessage(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("sqs receive failed: %w", err)
	}

	deliveries := make([]Delivery, 0, len(result.Messages))
	for _, m := range result.Messages {
		d := Delivery{
			MessageID:     aws.ToString(m.MessageId),
			ReceiptHandle: aws.ToString(m.ReceiptHandle),
		}
		if n, err := strconv.Atoi(m.Attributes[string(types.MessageSystemAttributeNameApproximateReceiveCount)]); err == nil {
			d.ReceiveCount = n
		}
		if err := json.Unmarshal([]byte(aws.ToString(m.Body)), &d.Message); err != nil {
			c.logger.Error("failed to unmarshal message",
				zap.String("message_id", d.MessageID),
				zap.Error(err),
			)
			d.Err = fmt.Errorf("invalid message format: %w", err)
		}
		deliveries = append(deliveries, d)
	}

	return deliveries, nil
}

// Delete removes a message from SQS after it has been handled.
func (c *Consumer) Delete(ctx context.Context, receiptHandle string) error {
	input := &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(c.queueURL),
		ReceiptHandle: aws.String(receiptHandle),
	}

	if _, err := c.client.DeleteMessage(ctx, input); err != nil {
		return fmt.Errorf("sqs delete failed: %w", err)
	}

	return nil
}

// ChangeVisibility sets when a message becomes visible again, used to back
// off before redelivery.
func (c *Consumer) ChangeVisibility(ctx context.Context, receiptHandle string, seconds int32) error {
	input := &sqs.ChangeMessageVisibilityInput{
		QueueUrl:          aws.String(c.queueURL),
		ReceiptHandle:     aws.String(receiptHandle),
		VisibilityTimeout: seconds,
	}

	if _, err := c.client.ChangeMessageVisibility(ctx, input); err != nil {
		return fmt.Errorf("sqs change visibility failed: %w", err)
	}

	return nil
}
