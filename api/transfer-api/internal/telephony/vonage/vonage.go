// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package internal_vonage_telephony

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/mitchellh/mapstructure"
	internal_type "github.com/rapidaai/callbridge/api/transfer-api/internal/type"
	"github.com/rapidaai/callbridge/pkg/commons"
	"github.com/rapidaai/callbridge/pkg/utils"
	vng "github.com/vonage/vonage-go-sdk"
)

const defaultBaseURL = "https://api.nexmo.com"

type credential struct {
	ApplicationID   string `mapstructure:"application_id"`
	PrivateKey      string `mapstructure:"private_key"`
	SignatureSecret string `mapstructure:"signature_secret"`
	BaseURL         string `mapstructure:"base_url"`
}

type endpoint struct {
	Type   string `json:"type"`
	Number string `json:"number,omitempty"`
}

type callResponse struct {
	UUID   string `json:"uuid"`
	Status string `json:"status"`
}

type apiError struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Detail string `json:"detail"`
}

type vg struct {
	logger          commons.Logger
	client          *resty.Client
	applicationID   string
	privateKey      *rsa.PrivateKey
	signatureSecret string
	now             func() time.Time
}

// NewVonage drives calls through the Vonage Voice API. Every request carries
// a fresh application JWT signed with the credential's private key.
func NewVonage(logger commons.Logger, vaultCredential map[string]interface{}, timeout time.Duration) (internal_type.CallControl, error) {
	var cred credential
	if err := mapstructure.Decode(vaultCredential, &cred); err != nil {
		return nil, fmt.Errorf("illegal vault config: %w", err)
	}
	if utils.IsEmpty(cred.PrivateKey) {
		return nil, fmt.Errorf("illegal vault config privateKey is not found")
	}
	if utils.IsEmpty(cred.ApplicationID) {
		return nil, fmt.Errorf("illegal vault config application_id is not found")
	}
	// the sdk rejects keys it cannot sign with, before the first live call
	if _, err := vng.CreateAuthFromAppPrivateKey(cred.ApplicationID, []byte(cred.PrivateKey)); err != nil {
		return nil, fmt.Errorf("illegal vault config private_key: %w", err)
	}
	key, err := jwt.ParseRSAPrivateKeyFromPEM([]byte(cred.PrivateKey))
	if err != nil {
		return nil, fmt.Errorf("illegal vault config private_key: %w", err)
	}

	rc := resty.New().
		SetBaseURL(strings.TrimRight(utils.FirstNonEmpty(cred.BaseURL, defaultBaseURL), "/")).
		SetTimeout(timeout).
		SetHeader("Accept", "application/json")
	return &vg{
		logger:          logger,
		client:          rc,
		applicationID:   cred.ApplicationID,
		privateKey:      key,
		signatureSecret: cred.SignatureSecret,
		now:             time.Now,
	}, nil
}

func (vt *vg) Name() string {
	return "vonage"
}

func (vt *vg) Dialect() internal_type.Dialect {
	return internal_type.DialectNCCO
}

func (vt *vg) token() (string, error) {
	now := vt.now()
	claims := jwt.MapClaims{
		"application_id": vt.applicationID,
		"iat":            now.Unix(),
		"exp":            now.Add(5 * time.Minute).Unix(),
		"jti":            uuid.NewString(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(vt.privateKey)
}

func (vt *vg) request(ctx context.Context) (*resty.Request, error) {
	token, err := vt.token()
	if err != nil {
		return nil, fmt.Errorf("failed to sign vonage request: %w", err)
	}
	return vt.client.R().
		SetContext(ctx).
		SetAuthToken(token).
		SetError(&apiError{}), nil
}

func (vt *vg) Redirect(ctx context.Context, cmd internal_type.Command) error {
	req, err := vt.request(ctx)
	if err != nil {
		return err
	}
	resp, err := req.
		SetPathParam("uuid", cmd.LegID).
		SetBody(map[string]interface{}{
			"action": "transfer",
			"destination": map[string]interface{}{
				"type": "ncco",
				"url":  []string{cmd.InstructionURL},
			},
		}).
		Put("/v1/calls/{uuid}")
	if err := vt.check("redirect", cmd.LegID, resp, err); err != nil {
		return err
	}
	vt.logger.Debugf("vonage transferred leg %s to %s", cmd.LegID, cmd.InstructionURL)
	return nil
}

func (vt *vg) Originate(ctx context.Context, cmd internal_type.OriginateCommand) (string, error) {
	req, err := vt.request(ctx)
	if err != nil {
		return "", err
	}
	body := map[string]interface{}{
		"to":            []endpoint{{Type: "phone", Number: strings.TrimPrefix(cmd.To, "+")}},
		"from":          endpoint{Type: "phone", Number: strings.TrimPrefix(cmd.From, "+")},
		"answer_url":    []string{cmd.InstructionURL},
		"answer_method": http.MethodGet,
	}
	if cmd.StatusCallbackURL != "" {
		body["event_url"] = []string{cmd.StatusCallbackURL}
		body["event_method"] = http.MethodPost
	}
	var call callResponse
	resp, err := req.SetBody(body).SetResult(&call).Post("/v1/calls")
	if err := vt.check("originate", cmd.To, resp, err); err != nil {
		return "", err
	}
	if call.UUID == "" {
		return "", fmt.Errorf("vonage originate to %s returned no call uuid", cmd.To)
	}
	vt.logger.Infof("vonage originated leg %s to %s", call.UUID, cmd.To)
	return call.UUID, nil
}

func (vt *vg) Terminate(ctx context.Context, cmd internal_type.Command) error {
	req, err := vt.request(ctx)
	if err != nil {
		return err
	}
	resp, err := req.
		SetPathParam("uuid", cmd.LegID).
		SetBody(map[string]string{"action": "hangup"}).
		Put("/v1/calls/{uuid}")
	if err := vt.check("terminate", cmd.LegID, resp, err); err != nil {
		if errors.Is(err, internal_type.ErrLegEnded) {
			return nil
		}
		return err
	}
	vt.logger.Debugf("vonage hung up leg %s", cmd.LegID)
	return nil
}

func (vt *vg) Merge(ctx context.Context, cmd internal_type.MergeCommand) error {
	return internal_type.RedirectEach(ctx, cmd, vt.Redirect)
}

func (vt *vg) Status(ctx context.Context, legID string) (internal_type.LegStatus, error) {
	req, err := vt.request(ctx)
	if err != nil {
		return internal_type.LegUnknown, err
	}
	var call callResponse
	resp, err := req.SetPathParam("uuid", legID).SetResult(&call).Get("/v1/calls/{uuid}")
	if err := vt.check("status", legID, resp, err); err != nil {
		return internal_type.LegUnknown, err
	}
	return internal_type.ParseLegStatus(call.Status), nil
}

// VerifyWebhook checks the HS256 bearer token Vonage attaches to signed
// webhooks.
func (vt *vg) VerifyWebhook(r *http.Request, publicURL string, params map[string]string) bool {
	if vt.signatureSecret == "" {
		return false
	}
	raw := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if raw == "" {
		return false
	}
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	_, err := parser.Parse(raw, func(t *jwt.Token) (interface{}, error) {
		return []byte(vt.signatureSecret), nil
	})
	if err != nil {
		vt.logger.Warnw("rejected vonage webhook signature", "url", publicURL, "error", err)
		return false
	}
	return true
}

func (vt *vg) check(op, leg string, resp *resty.Response, err error) error {
	if err != nil {
		return fmt.Errorf("vonage %s %s failed: %w", op, leg, err)
	}
	if !resp.IsError() {
		return nil
	}
	if resp.StatusCode() == http.StatusNotFound || resp.StatusCode() == http.StatusGone {
		vt.logger.Debugf("vonage %s on %s: leg already ended", op, leg)
		return fmt.Errorf("vonage %s %s: %w", op, leg, internal_type.ErrLegEnded)
	}
	if apiErr, ok := resp.Error().(*apiError); ok && apiErr.Title != "" {
		return fmt.Errorf("vonage %s %s failed with status %d: %s %s", op, leg, resp.StatusCode(), apiErr.Title, apiErr.Detail)
	}
	return fmt.Errorf("vonage %s %s failed with status %d", op, leg, resp.StatusCode())
}
