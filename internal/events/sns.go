package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"
	"go.uber.org/zap"
)

// snsAPI is the subset of the SNS client used here.
type snsAPI interface {
	Publish(ctx context.Context, in *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// SNSConfig holds SNS publisher settings.
type SNSConfig struct {
	TopicARN string
	Region   string
	// Endpoint overrides the service endpoint (LocalStack).
	Endpoint string
}

// SNSPublisher publishes events to an SNS topic. Subscribers filter on the
// event and notification_type message attributes.
type SNSPublisher struct {
	client   snsAPI
	topicARN string
	logger   *zap.Logger
}

// NewSNSPublisher creates an SNS publisher for the given topic.
func NewSNSPublisher(ctx context.Context, cfg SNSConfig, logger *zap.Logger) (*SNSPublisher, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := sns.NewFromConfig(awsCfg, func(o *sns.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})

	logger.Info("sns event publisher initialized",
		zap.String("topic_arn", cfg.TopicARN),
	)

	return &SNSPublisher{
		client:   client,
		topicARN: cfg.TopicARN,
		logger:   logger,
	}, nil
}

// Publish sends evt to the topic.
func (p *SNSPublisher) Publish(ctx context.Context, evt Dispatched) error {
	payload, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	input := &sns.PublishInput{
		TopicArn: aws.String(p.topicARN),
		Message:  aws.String(string(payload)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"event": {
				DataType:    aws.String("String"),
				StringValue: aws.String(NotificationDispatched),
			},
			"notification_type": {
				DataType:    aws.String("String"),
				StringValue: aws.String(evt.Type),
			},
		},
	}

	result, err := p.client.Publish(ctx, input)
	if err != nil {
		return fmt.Errorf("failed to publish to SNS: %w", err)
	}

	p.logger.Debug("event published to sns",
		zap.String("notification_id", evt.NotificationID),
		zap.String("message_id", aws.ToString(result.MessageId)),
	)

	return nil
}

// Close is a no-op; AWS SDK v2 clients hold no connection.
func (p *SNSPublisher) Close() error {
	return nil
}
