// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package transfer_client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rapidaai/callbridge/pkg/commons"
	"github.com/rapidaai/callbridge/pkg/utils"
)

type seen struct {
	method    string
	path      string
	query     string
	requestID string
	body      map[string]interface{}
}

func newTestClient(t *testing.T, code int, answer string) (TransferServiceClient, *seen) {
	t.Helper()
	got := &seen{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got.method = r.Method
		got.path = r.URL.Path
		got.query = r.URL.RawQuery
		got.requestID = r.Header.Get(utils.HEADER_REQUEST_ID)
		if r.Body != nil {
			_ = json.NewDecoder(r.Body).Decode(&got.body)
		}
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.WriteHeader(code)
		_, _ = w.Write([]byte(answer))
	}))
	t.Cleanup(srv.Close)

	logger, err := commons.NewApplicationLogger(
		commons.Name("test-transfer-client"),
		commons.Path(t.TempDir()),
		commons.Level("debug"),
		commons.Console(false),
	)
	require.NoError(t, err)
	return NewTransferServiceClient(logger, srv.URL+"/", 5*time.Second), got
}

func TestWarmStart(t *testing.T) {
	client, got := newTestClient(t, http.StatusOK,
		`{"success":true,"status":"consulting","session":{"sessionKey":"Room42","status":"consulting","transfereeLegId":"CA-1","callerMuted":true}}`)

	result, err := client.WarmStart(context.Background(), StartRequest{
		CallerLegID:   "L1",
		TargetAddress: "6045551234",
		SessionKey:    "Room42",
	})
	require.NoError(t, err)
	assert.Equal(t, http.MethodPost, got.method)
	assert.Equal(t, "/v1/transfer/warm/start", got.path)
	assert.NotEmpty(t, got.requestID)
	assert.Equal(t, "L1", got.body["caller_leg_id"])
	assert.NotContains(t, got.body, "target_label")

	assert.True(t, result.Success)
	assert.Equal(t, "consulting", result.Status)
	require.NotNil(t, result.Session)
	assert.Equal(t, "CA-1", result.Session.TransfereeLegID)
	assert.True(t, result.Session.CallerMuted)
}

func TestPartialFailureKeepsResult(t *testing.T) {
	client, got := newTestClient(t, http.StatusBadGateway,
		`{"success":false,"error":"provider command failed","status":"bridged","conferenceId":"xfer-Room42-1-abcdef","legErrors":{"L1":"gone","CA-1":"gone"}}`)

	result, err := client.WarmComplete(context.Background(), "Room42")
	require.Error(t, err)
	assert.Equal(t, "/v1/transfer/warm/complete", got.path)
	assert.Equal(t, "Room42", got.body["session_key"])

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusBadGateway, apiErr.Code)
	assert.Contains(t, err.Error(), "provider command failed")
	require.NotNil(t, result)
	assert.Equal(t, "xfer-Room42-1-abcdef", result.ConferenceID)
	assert.Len(t, result.LegErrors, 2)
}

func TestDecide(t *testing.T) {
	client, got := newTestClient(t, http.StatusOK, `{"success":true,"verdict":"accept","noop":true,"reason":"no active transfer"}`)

	result, err := client.Decide(context.Background(), "Room42", "accept", "")
	require.NoError(t, err)
	assert.Equal(t, "/v1/transfer/warm/decision", got.path)
	assert.Equal(t, map[string]interface{}{"session_key": "Room42", "action": "accept"}, got.body)
	assert.True(t, result.NoOp)
	assert.Equal(t, "no active transfer", result.Reason)
}

func TestConference(t *testing.T) {
	client, got := newTestClient(t, http.StatusOK, `{"success":true,"status":"bridged","conferenceId":"xfer-Room7-1-abcdef"}`)

	result, err := client.Conference(context.Background(), ConferenceRequest{
		StartRequest: StartRequest{CallerLegID: "L1", TargetAddress: "6045551234", SessionKey: "Room7"},
		AgentLegID:   "A1",
	})
	require.NoError(t, err)
	assert.Equal(t, "/v1/transfer/conference", got.path)
	assert.Equal(t, "A1", got.body["agent_leg_id"])
	assert.Equal(t, "Room7", got.body["session_key"])
	assert.Equal(t, "xfer-Room7-1-abcdef", result.ConferenceID)
}

func TestInspect(t *testing.T) {
	client, got := newTestClient(t, http.StatusOK,
		`{"success":true,"session":{"sessionKey":"Room 42","status":"consulting"},"legs":[{"legId":"L1","status":"in-progress"},{"legId":"CA-1","status":"unknown","error":"timeout"}]}`)

	result, err := client.Inspect(context.Background(), "Room 42", true)
	require.NoError(t, err)
	assert.Equal(t, http.MethodGet, got.method)
	assert.Equal(t, "/v1/transfer/sessions/Room 42", got.path)
	assert.Equal(t, "live=true", got.query)
	require.Len(t, result.Legs, 2)
	assert.Equal(t, "timeout", result.Legs[1].Error)
}

func TestEvents(t *testing.T) {
	client, got := newTestClient(t, http.StatusOK,
		`{"success":true,"events":[{"sequence":"1-0","sessionKey":"Room42","fromState":null,"toState":"consulting","actor":"orchestrator"},{"sequence":"2-0","sessionKey":"Room42","fromState":"consulting","toState":"bridged","actor":"callback","detail":{"caller_unmuted":true}}]}`)

	events, err := client.Events(context.Background(), "Room42")
	require.NoError(t, err)
	assert.Equal(t, "/v1/transfer/sessions/Room42/events", got.path)
	require.Len(t, events, 2)
	assert.Nil(t, events[0].FromState)
	require.NotNil(t, events[1].FromState)
	assert.Equal(t, "consulting", *events[1].FromState)
	assert.Equal(t, true, events[1].Detail["caller_unmuted"])
}

func TestEventsNotFound(t *testing.T) {
	client, _ := newTestClient(t, http.StatusNotFound, `{"success":false,"error":"no active transfer"}`)

	_, err := client.Events(context.Background(), "Room42")
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusNotFound, apiErr.Code)
}
