// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package transfer_client

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"github.com/rapidaai/callbridge/pkg/commons"
	"github.com/rapidaai/callbridge/pkg/utils"
)

type StartRequest struct {
	CallerLegID     string `json:"caller_leg_id"`
	TargetAddress   string `json:"target_address"`
	TargetLabel     string `json:"target_label,omitempty"`
	OriginAddress   string `json:"origin_address,omitempty"`
	SessionKey      string `json:"session_key"`
	ConversationRef string `json:"conversation_ref,omitempty"`
	AgentName       string `json:"agent_name,omitempty"`
}

type ConferenceRequest struct {
	StartRequest
	AgentLegID string `json:"agent_leg_id,omitempty"`
}

type Session struct {
	SessionKey      string    `json:"sessionKey"`
	SessionID       string    `json:"sessionId"`
	Status          string    `json:"status"`
	CallerLegID     string    `json:"callerLegId"`
	TransfereeLegID string    `json:"transfereeLegId,omitempty"`
	AgentLegID      string    `json:"agentLegId,omitempty"`
	ConferenceID    string    `json:"conferenceId,omitempty"`
	TargetAddress   string    `json:"targetAddress"`
	TargetLabel     string    `json:"targetLabel,omitempty"`
	OriginAddress   string    `json:"originAddress"`
	ConversationRef string    `json:"conversationRef,omitempty"`
	AgentName       string    `json:"agentName,omitempty"`
	CallerMuted     bool      `json:"callerMuted"`
	CreatedAt       time.Time `json:"createdAt"`
	UpdatedAt       time.Time `json:"updatedAt"`
	ExpiresAt       time.Time `json:"expiresAt"`
}

type Leg struct {
	LegID  string `json:"legId"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// Result is the envelope every transfer operation answers with. Fields not
// relevant to the operation are left empty.
type Result struct {
	Success      bool              `json:"success"`
	Error        string            `json:"error,omitempty"`
	Status       string            `json:"status,omitempty"`
	Session      *Session          `json:"session,omitempty"`
	ConferenceID string            `json:"conferenceId,omitempty"`
	LegErrors    map[string]string `json:"legErrors,omitempty"`
	Verdict      string            `json:"verdict,omitempty"`
	NoOp         bool              `json:"noop,omitempty"`
	Reason       string            `json:"reason,omitempty"`
	Legs         []Leg             `json:"legs,omitempty"`
}

type Event struct {
	Sequence   string                 `json:"sequence"`
	SessionKey string                 `json:"sessionKey"`
	SessionID  string                 `json:"sessionId,omitempty"`
	FromState  *string                `json:"fromState"`
	ToState    string                 `json:"toState"`
	Actor      string                 `json:"actor"`
	Detail     map[string]interface{} `json:"detail,omitempty"`
	RecordedAt time.Time              `json:"recordedAt"`
}

// APIError is a non-2xx answer. Result carries whatever partial outcome the
// service reported alongside the error, such as legs that failed to bridge.
type APIError struct {
	Code   int
	Result *Result
}

func (e *APIError) Error() string {
	if e.Result != nil && e.Result.Error != "" {
		return fmt.Sprintf("transfer api %d: %s", e.Code, e.Result.Error)
	}
	return fmt.Sprintf("transfer api %d", e.Code)
}

type TransferServiceClient interface {
	WarmStart(ctx context.Context, req StartRequest) (*Result, error)
	WarmComplete(ctx context.Context, sessionKey string) (*Result, error)
	WarmCancel(ctx context.Context, sessionKey string) (*Result, error)
	Decide(ctx context.Context, sessionKey, verdict, agentName string) (*Result, error)
	Conference(ctx context.Context, req ConferenceRequest) (*Result, error)
	Inspect(ctx context.Context, sessionKey string, live bool) (*Result, error)
	Events(ctx context.Context, sessionKey string) ([]Event, error)
}

type transferServiceClient struct {
	logger commons.Logger
	client *resty.Client
}

func NewTransferServiceClient(logger commons.Logger, baseURL string, timeout time.Duration) TransferServiceClient {
	rc := resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/") + "/v1/transfer").
		SetTimeout(timeout).
		SetHeader("Accept", "application/json")
	return &transferServiceClient{logger: logger, client: rc}
}

func (t *transferServiceClient) request(ctx context.Context) *resty.Request {
	return t.client.R().
		SetContext(ctx).
		SetHeader(utils.HEADER_REQUEST_ID, uuid.NewString())
}

func (t *transferServiceClient) call(req *resty.Request, method, path string) (*Result, error) {
	var result Result
	resp, err := req.
		SetResult(&result).
		SetError(&result).
		Execute(method, path)
	if err != nil {
		return nil, fmt.Errorf("transfer api %s %s: %w", method, path, err)
	}
	t.logger.Debugf("transfer api %s %s answered %d", method, path, resp.StatusCode())
	if resp.IsError() {
		return &result, &APIError{Code: resp.StatusCode(), Result: &result}
	}
	return &result, nil
}

func (t *transferServiceClient) WarmStart(ctx context.Context, req StartRequest) (*Result, error) {
	return t.call(t.request(ctx).SetBody(req), resty.MethodPost, "/warm/start")
}

func (t *transferServiceClient) WarmComplete(ctx context.Context, sessionKey string) (*Result, error) {
	return t.call(t.request(ctx).SetBody(map[string]string{"session_key": sessionKey}), resty.MethodPost, "/warm/complete")
}

func (t *transferServiceClient) WarmCancel(ctx context.Context, sessionKey string) (*Result, error) {
	return t.call(t.request(ctx).SetBody(map[string]string{"session_key": sessionKey}), resty.MethodPost, "/warm/cancel")
}

// Decide posts an agent decision the way the agent runtime does.
func (t *transferServiceClient) Decide(ctx context.Context, sessionKey, verdict, agentName string) (*Result, error) {
	body := map[string]string{"session_key": sessionKey, "action": verdict}
	if agentName != "" {
		body["agent_name"] = agentName
	}
	return t.call(t.request(ctx).SetBody(body), resty.MethodPost, "/warm/decision")
}

func (t *transferServiceClient) Conference(ctx context.Context, req ConferenceRequest) (*Result, error) {
	return t.call(t.request(ctx).SetBody(req), resty.MethodPost, "/conference")
}

func (t *transferServiceClient) Inspect(ctx context.Context, sessionKey string, live bool) (*Result, error) {
	req := t.request(ctx).
		SetPathParam("sessionKey", sessionKey).
		SetQueryParam("live", strconv.FormatBool(live))
	return t.call(req, resty.MethodGet, "/sessions/{sessionKey}")
}

func (t *transferServiceClient) Events(ctx context.Context, sessionKey string) ([]Event, error) {
	var out struct {
		Result
		Events []Event `json:"events"`
	}
	resp, err := t.request(ctx).
		SetPathParam("sessionKey", sessionKey).
		SetResult(&out).
		SetError(&out).
		Get("/sessions/{sessionKey}/events")
	if err != nil {
		return nil, fmt.Errorf("transfer api GET events: %w", err)
	}
	if resp.IsError() {
		return nil, &APIError{Code: resp.StatusCode(), Result: &out.Result}
	}
	return out.Events, nil
}
