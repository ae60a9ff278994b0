package aws

import (
	"context"
	"fmt"

	sdkaws "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"
)

// SNSPublisher is a minimal interface for publishing messages to SNS.
type SNSPublisher interface {
	Publish(ctx context.Context, topicArn string, message []byte) error
}

type SNSClient struct {
	client *sns.Client
}

func NewSNSClient(cfg sdkaws.Config) *SNSClient {
	return &SNSClient{client: sns.NewFromConfig(cfg)}
}

// Publish publishes a raw JSON message to the given SNS topic ARN.
func (s *SNSClient) Publish(ctx context.Context, topicArn string, message []byte) error {
	return s.publish(ctx, &sns.PublishInput{
		TopicArn: sdkaws.String(topicArn),
		Message:  sdkaws.String(string(message)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"content_type": {DataType: sdkaws.String("String"), StringValue: sdkaws.String("application/json")},
		},
	})
}

// PublishAlert publishes a human-readable alert with a subject line.
func (s *SNSClient) PublishAlert(ctx context.Context, topicArn, subject string, message []byte) error {
	if len(subject) > 100 {
		subject = subject[:100]
	}
	return s.publish(ctx, &sns.PublishInput{
		TopicArn: sdkaws.String(topicArn),
		Subject:  sdkaws.String(subject),
		Message:  sdkaws.String(string(message)),
	})
}

func (s *SNSClient) publish(ctx context.Context, input *sns.PublishInput) error {
	if sdkaws.ToString(input.TopicArn) == "" {
		return fmt.Errorf("empty topicArn")
	}
	if _, err := s.client.Publish(ctx, input); err != nil {
		return fmt.Errorf("sns publish failed for topic %s: %w", sdkaws.ToString(input.TopicArn), err)
	}
	return nil
}
