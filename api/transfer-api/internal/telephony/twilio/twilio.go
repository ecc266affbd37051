// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package internal_twilio_telephony

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/mitchellh/mapstructure"
	internal_type "github.com/rapidaai/callbridge/api/transfer-api/internal/type"
	"github.com/rapidaai/callbridge/pkg/commons"
	"github.com/rapidaai/callbridge/pkg/utils"
	"github.com/twilio/twilio-go"
	"github.com/twilio/twilio-go/client"
	openapi "github.com/twilio/twilio-go/rest/api/v2010"
)

// Twilio error codes that mean the leg is gone.
const (
	codeCallNotInProgress = 21220
	codeResourceNotFound  = 20404
)

type credential struct {
	AccountSid   string `mapstructure:"account_sid"`
	AccountToken string `mapstructure:"account_token"`
}

type twl struct {
	logger    commons.Logger
	client    *twilio.RestClient
	validator client.RequestValidator
}

type Option func(*http.Client)

// WithTransport swaps the HTTP transport used for REST calls.
func WithTransport(rt http.RoundTripper) Option {
	return func(c *http.Client) { c.Transport = rt }
}

// NewTwilio builds a Twilio call-control client from a credential map holding
// account_sid and account_token.
func NewTwilio(logger commons.Logger, vaultCredential map[string]interface{}, timeout time.Duration, opts ...Option) (internal_type.CallControl, error) {
	cred, err := decodeCredential(vaultCredential)
	if err != nil {
		return nil, err
	}
	httpClient := &http.Client{Timeout: timeout}
	for _, opt := range opts {
		opt(httpClient)
	}
	base := &client.Client{
		Credentials: client.NewCredentials(cred.AccountSid, cred.AccountToken),
		HTTPClient:  httpClient,
	}
	base.SetAccountSid(cred.AccountSid)
	return &twl{
		logger:    logger,
		client:    twilio.NewRestClientWithParams(twilio.ClientParams{Client: base}),
		validator: client.NewRequestValidator(cred.AccountToken),
	}, nil
}

func decodeCredential(vaultCredential map[string]interface{}) (*credential, error) {
	var cred credential
	if err := mapstructure.Decode(vaultCredential, &cred); err != nil {
		return nil, fmt.Errorf("illegal vault config: %w", err)
	}
	if utils.IsEmpty(cred.AccountSid) {
		return nil, fmt.Errorf("illegal vault config accountSid is not found")
	}
	if utils.IsEmpty(cred.AccountToken) {
		return nil, fmt.Errorf("illegal vault config account_token not found")
	}
	return &cred, nil
}

func (tpc *twl) Name() string {
	return "twilio"
}

func (tpc *twl) Dialect() internal_type.Dialect {
	return internal_type.DialectTwiML
}

func (tpc *twl) Redirect(ctx context.Context, cmd internal_type.Command) error {
	params := &openapi.UpdateCallParams{}
	params.SetUrl(cmd.InstructionURL)
	params.SetMethod(http.MethodGet)
	if _, err := tpc.client.Api.UpdateCall(cmd.LegID, params); err != nil {
		return tpc.mapError("redirect", cmd.LegID, err)
	}
	tpc.logger.Debugf("twilio redirected leg %s to %s", cmd.LegID, cmd.InstructionURL)
	return nil
}

func (tpc *twl) Originate(ctx context.Context, cmd internal_type.OriginateCommand) (string, error) {
	params := &openapi.CreateCallParams{}
	params.SetTo(cmd.To)
	params.SetFrom(cmd.From)
	params.SetUrl(cmd.InstructionURL)
	params.SetMethod(http.MethodGet)
	if cmd.StatusCallbackURL != "" {
		params.SetStatusCallback(cmd.StatusCallbackURL)
		params.SetStatusCallbackMethod(http.MethodPost)
		if len(cmd.StatusCallbackEvents) > 0 {
			params.SetStatusCallbackEvent(cmd.StatusCallbackEvents)
		}
	}
	resp, err := tpc.client.Api.CreateCall(params)
	if err != nil {
		return "", tpc.mapError("originate", cmd.To, err)
	}
	if resp.Sid == nil || *resp.Sid == "" {
		return "", fmt.Errorf("twilio originate to %s returned no call sid", cmd.To)
	}
	tpc.logger.Infof("twilio originated leg %s to %s", *resp.Sid, cmd.To)
	return *resp.Sid, nil
}

func (tpc *twl) Terminate(ctx context.Context, cmd internal_type.Command) error {
	params := &openapi.UpdateCallParams{}
	params.SetStatus("completed")
	if _, err := tpc.client.Api.UpdateCall(cmd.LegID, params); err != nil {
		err = tpc.mapError("terminate", cmd.LegID, err)
		if errors.Is(err, internal_type.ErrLegEnded) {
			return nil
		}
		return err
	}
	tpc.logger.Debugf("twilio terminated leg %s", cmd.LegID)
	return nil
}

func (tpc *twl) Merge(ctx context.Context, cmd internal_type.MergeCommand) error {
	return internal_type.RedirectEach(ctx, cmd, tpc.Redirect)
}

func (tpc *twl) Status(ctx context.Context, legID string) (internal_type.LegStatus, error) {
	resp, err := tpc.client.Api.FetchCall(legID, &openapi.FetchCallParams{})
	if err != nil {
		return internal_type.LegUnknown, tpc.mapError("status", legID, err)
	}
	if resp.Status == nil {
		return internal_type.LegUnknown, nil
	}
	return internal_type.LegStatus(*resp.Status), nil
}

// VerifyWebhook checks X-Twilio-Signature against the account token.
func (tpc *twl) VerifyWebhook(r *http.Request, publicURL string, params map[string]string) bool {
	signature := r.Header.Get(utils.HEADER_TWILIO_SIGNATURE)
	if signature == "" {
		return false
	}
	return tpc.validator.Validate(publicURL, params, signature)
}

func (tpc *twl) mapError(op, leg string, err error) error {
	var restErr *client.TwilioRestError
	if errors.As(err, &restErr) {
		if restErr.Code == codeCallNotInProgress || restErr.Code == codeResourceNotFound || restErr.Status == http.StatusNotFound {
			tpc.logger.Debugf("twilio %s on %s: leg already ended (code %d)", op, leg, restErr.Code)
			return fmt.Errorf("twilio %s %s: %w", op, leg, internal_type.ErrLegEnded)
		}
		return fmt.Errorf("twilio %s %s failed with code %d: %s", op, leg, restErr.Code, restErr.Message)
	}
	return fmt.Errorf("twilio %s %s failed: %w", op, leg, err)
}
