package sms

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"
	"github.com/aws/smithy-go"

	"authcore/internal/config"
)

// SNSProvider is the secondary gateway, used when the primary is failing
// or its circuit is open.
type SNSProvider struct {
	client   *sns.Client
	senderID string
}

func NewSNSProvider(ctx context.Context, cfg config.SNSConfig) (*SNSProvider, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return &SNSProvider{
		client:   sns.NewFromConfig(awsCfg),
		senderID: cfg.SenderID,
	}, nil
}

func (p *SNSProvider) Name() string {
	return "sns"
}

func (p *SNSProvider) Send(ctx context.Context, phone, message string) (string, error) {
	input := &sns.PublishInput{
		PhoneNumber: aws.String(phone),
		Message:     aws.String(message),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"AWS.SNS.SMS.SMSType": {
				DataType:    aws.String("String"),
				StringValue: aws.String("Transactional"),
			},
			"AWS.SNS.SMS.SenderID": {
				DataType:    aws.String("String"),
				StringValue: aws.String(p.senderID),
			},
		},
	}

	resp, err := p.client.Publish(ctx, input)
	if err != nil {
		return "", p.classify(err)
	}

	if resp.MessageId == nil {
		return "", &SendError{
			Provider:  p.Name(),
			Retryable: true,
			Err:       fmt.Errorf("publish accepted without message id"),
		}
	}
	return *resp.MessageId, nil
}

func (p *SNSProvider) classify(err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "InvalidParameter", "InvalidParameterValue", "AuthorizationError", "OptedOut":
			return &SendError{Provider: p.Name(), Retryable: false, Err: err}
		}
	}
	return &SendError{Provider: p.Name(), Retryable: true, Err: err}
}
