package sms

import (
	"context"
	"errors"
	"fmt"

	"github.com/twilio/twilio-go"
	twilioclient "github.com/twilio/twilio-go/client"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"

	"authcore/internal/config"
)

// TwilioProvider is the default primary gateway.
type TwilioProvider struct {
	client     *twilio.RestClient
	fromNumber string
}

func NewTwilioProvider(cfg config.TwilioConfig) *TwilioProvider {
	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: cfg.AccountSID,
		Password: cfg.AuthToken,
	})

	return &TwilioProvider{
		client:     client,
		fromNumber: cfg.FromNumber,
	}
}

func (p *TwilioProvider) Name() string {
	return "twilio"
}

func (p *TwilioProvider) Send(ctx context.Context, phone, message string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", &SendError{Provider: p.Name(), Retryable: true, Err: err}
	}

	params := &twilioApi.CreateMessageParams{}
	params.SetTo(phone)
	params.SetFrom(p.fromNumber)
	params.SetBody(message)

	resp, err := p.client.Api.CreateMessage(params)
	if err != nil {
		return "", p.classify(err)
	}

	if resp.Sid == nil {
		return "", &SendError{
			Provider:  p.Name(),
			Retryable: true,
			Err:       fmt.Errorf("message accepted without sid"),
		}
	}
	return *resp.Sid, nil
}

// classify maps Twilio REST errors onto the retry taxonomy. 4xx responses
// are caller mistakes except 429; everything else could be transient.
func (p *TwilioProvider) classify(err error) error {
	var restErr *twilioclient.TwilioRestError
	if errors.As(err, &restErr) {
		retryable := restErr.Status >= 500 || restErr.Status == 429
		return &SendError{Provider: p.Name(), Retryable: retryable, Err: err}
	}
	return &SendError{Provider: p.Name(), Retryable: true, Err: err}
}
