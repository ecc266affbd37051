// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package internal_signalwire_telephony

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/mitchellh/mapstructure"
	internal_type "github.com/rapidaai/callbridge/api/transfer-api/internal/type"
	"github.com/rapidaai/callbridge/pkg/commons"
	"github.com/rapidaai/callbridge/pkg/utils"
	"github.com/twilio/twilio-go/client"
)

const codeCallNotInProgress = 21220

type credential struct {
	Space      string `mapstructure:"space_url"`
	ProjectID  string `mapstructure:"project_id"`
	Token      string `mapstructure:"api_token"`
	SigningKey string `mapstructure:"signing_key"`
	// BaseURL replaces https://<space>/api/laml/2010-04-01/Accounts/<project>.
	BaseURL string `mapstructure:"base_url"`
}

type lamlCall struct {
	Sid    string `json:"sid"`
	Status string `json:"status"`
}

type lamlError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  int    `json:"status"`
}

type sw struct {
	logger    commons.Logger
	client    *resty.Client
	validator client.RequestValidator
}

// NewSignalWire talks to the SignalWire LaML (Twilio-compatible) REST API.
func NewSignalWire(logger commons.Logger, vaultCredential map[string]interface{}, timeout time.Duration) (internal_type.CallControl, error) {
	var cred credential
	if err := mapstructure.Decode(vaultCredential, &cred); err != nil {
		return nil, fmt.Errorf("illegal vault config: %w", err)
	}
	if utils.IsEmpty(cred.ProjectID) || utils.IsEmpty(cred.Token) {
		return nil, fmt.Errorf("illegal vault config project_id or api_token is not found")
	}
	base := cred.BaseURL
	if base == "" {
		if utils.IsEmpty(cred.Space) {
			return nil, fmt.Errorf("illegal vault config space_url is not found")
		}
		space := strings.TrimPrefix(strings.TrimPrefix(cred.Space, "https://"), "http://")
		base = fmt.Sprintf("https://%s/api/laml/2010-04-01/Accounts/%s", strings.TrimRight(space, "/"), cred.ProjectID)
	}
	signingKey := utils.FirstNonEmpty(cred.SigningKey, cred.Token)

	rc := resty.New().
		SetBaseURL(strings.TrimRight(base, "/")).
		SetBasicAuth(cred.ProjectID, cred.Token).
		SetTimeout(timeout).
		SetHeader("Accept", "application/json")
	return &sw{
		logger:    logger,
		client:    rc,
		validator: client.NewRequestValidator(signingKey),
	}, nil
}

func (s *sw) Name() string {
	return "signalwire"
}

func (s *sw) Dialect() internal_type.Dialect {
	return internal_type.DialectTwiML
}

func (s *sw) request(ctx context.Context, key string) *resty.Request {
	req := s.client.R().
		SetContext(ctx).
		SetError(&lamlError{})
	if key != "" {
		req.SetHeader(utils.HEADER_IDEMPOTENCY_KEY, key)
	}
	return req
}

func (s *sw) Redirect(ctx context.Context, cmd internal_type.Command) error {
	resp, err := s.request(ctx, cmd.IdempotencyKey).
		SetPathParam("sid", cmd.LegID).
		SetFormData(map[string]string{
			"Url":    cmd.InstructionURL,
			"Method": http.MethodGet,
		}).
		Post("/Calls/{sid}.json")
	if err := s.check("redirect", cmd.LegID, resp, err); err != nil {
		return err
	}
	s.logger.Debugf("signalwire redirected leg %s to %s", cmd.LegID, cmd.InstructionURL)
	return nil
}

func (s *sw) Originate(ctx context.Context, cmd internal_type.OriginateCommand) (string, error) {
	form := url.Values{}
	form.Set("To", cmd.To)
	form.Set("From", cmd.From)
	form.Set("Url", cmd.InstructionURL)
	form.Set("Method", http.MethodGet)
	if cmd.StatusCallbackURL != "" {
		form.Set("StatusCallback", cmd.StatusCallbackURL)
		form.Set("StatusCallbackMethod", http.MethodPost)
		for _, ev := range cmd.StatusCallbackEvents {
			form.Add("StatusCallbackEvent", ev)
		}
	}
	var call lamlCall
	resp, err := s.request(ctx, cmd.IdempotencyKey).
		SetFormDataFromValues(form).
		SetResult(&call).
		Post("/Calls.json")
	if err := s.check("originate", cmd.To, resp, err); err != nil {
		return "", err
	}
	if call.Sid == "" {
		return "", fmt.Errorf("signalwire originate to %s returned no call sid", cmd.To)
	}
	s.logger.Infof("signalwire originated leg %s to %s", call.Sid, cmd.To)
	return call.Sid, nil
}

func (s *sw) Terminate(ctx context.Context, cmd internal_type.Command) error {
	resp, err := s.request(ctx, cmd.IdempotencyKey).
		SetPathParam("sid", cmd.LegID).
		SetFormData(map[string]string{"Status": "completed"}).
		Post("/Calls/{sid}.json")
	if err := s.check("terminate", cmd.LegID, resp, err); err != nil {
		if errors.Is(err, internal_type.ErrLegEnded) {
			return nil
		}
		return err
	}
	s.logger.Debugf("signalwire terminated leg %s", cmd.LegID)
	return nil
}

func (s *sw) Merge(ctx context.Context, cmd internal_type.MergeCommand) error {
	return internal_type.RedirectEach(ctx, cmd, s.Redirect)
}

func (s *sw) Status(ctx context.Context, legID string) (internal_type.LegStatus, error) {
	var call lamlCall
	resp, err := s.request(ctx, "").
		SetPathParam("sid", legID).
		SetResult(&call).
		Get("/Calls/{sid}.json")
	if err := s.check("status", legID, resp, err); err != nil {
		return internal_type.LegUnknown, err
	}
	if call.Status == "" {
		return internal_type.LegUnknown, nil
	}
	return internal_type.LegStatus(call.Status), nil
}

// VerifyWebhook checks the LaML request signature, which SignalWire computes
// the same way Twilio does.
func (s *sw) VerifyWebhook(r *http.Request, publicURL string, params map[string]string) bool {
	signature := utils.FirstNonEmpty(r.Header.Get(utils.HEADER_SIGNALWIRE_SIGNATURE), r.Header.Get(utils.HEADER_TWILIO_SIGNATURE))
	if signature == "" {
		return false
	}
	return s.validator.Validate(publicURL, params, signature)
}

func (s *sw) check(op, leg string, resp *resty.Response, err error) error {
	if err != nil {
		return fmt.Errorf("signalwire %s %s failed: %w", op, leg, err)
	}
	if !resp.IsError() {
		return nil
	}
	apiErr, _ := resp.Error().(*lamlError)
	if resp.StatusCode() == http.StatusNotFound || (apiErr != nil && apiErr.Code == codeCallNotInProgress) {
		s.logger.Debugf("signalwire %s on %s: leg already ended", op, leg)
		return fmt.Errorf("signalwire %s %s: %w", op, leg, internal_type.ErrLegEnded)
	}
	if apiErr != nil && apiErr.Message != "" {
		return fmt.Errorf("signalwire %s %s failed with status %d code %d: %s", op, leg, resp.StatusCode(), apiErr.Code, apiErr.Message)
	}
	return fmt.Errorf("signalwire %s %s failed with status %d", op, leg, resp.StatusCode())
}
