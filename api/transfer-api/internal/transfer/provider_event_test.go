// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_transfer

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	internal_instruction "github.com/rapidaai/callbridge/api/transfer-api/internal/instruction"
	internal_transferstate "github.com/rapidaai/callbridge/api/transfer-api/internal/transferstate"
	internal_type "github.com/rapidaai/callbridge/api/transfer-api/internal/type"
)

func TestParseProviderEvent(t *testing.T) {
	ev, err := ParseProviderEvent("room-1", map[string]string{"CallSid": "CA9", "CallStatus": "no-answer", "CallDuration": "0"})
	require.NoError(t, err)
	assert.Equal(t, internal_transferstate.Key("room-1"), ev.SessionKey)
	assert.Equal(t, "CA9", ev.LegID)
	assert.Equal(t, internal_type.LegNoAnswer, ev.Status)
	assert.Equal(t, "0", ev.Duration)

	ev, err = ParseProviderEvent("room-1", map[string]string{"uuid": "63f61863", "status": "answered"})
	require.NoError(t, err)
	assert.Equal(t, internal_type.LegInProgress, ev.Status)
	assert.Equal(t, "answered", ev.RawStatus)

	_, err = ParseProviderEvent("", map[string]string{"CallSid": "CA9", "CallStatus": "busy"})
	assert.ErrorIs(t, err, ErrInvalidRequest)
	_, err = ParseProviderEvent("room-1", map[string]string{"CallStatus": "busy"})
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestRecordProviderEvent_AuditOnly(t *testing.T) {
	h := newHarness(t)
	s := h.start(t, "room-e")
	ctx := context.Background()

	err := h.transfer.RecordProviderEvent(ctx, ProviderEvent{
		SessionKey: "room-e", LegID: s.TransfereeLegID, Status: internal_type.LegNoAnswer, RawStatus: "no-answer",
	})
	require.NoError(t, err)
	assert.Empty(t, h.calls.Calls())
	assert.Equal(t, internal_transferstate.StatusConsulting, h.session(t, "room-e").Status)

	events, err := h.transfer.Events(ctx, "room-e")
	require.NoError(t, err)
	require.Len(t, events, 2)
	last := events[1]
	assert.Equal(t, internal_transferstate.ActorProvider, last.Actor)
	assert.Equal(t, internal_transferstate.StatusConsulting, last.ToState)
	assert.Equal(t, "transferee", last.Detail["leg_role"])
	assert.Equal(t, "no-answer", last.Detail["call_status"])
}

func TestRecordProviderEvent_UnknownSessionIgnored(t *testing.T) {
	h := newHarness(t)
	err := h.transfer.RecordProviderEvent(context.Background(), ProviderEvent{SessionKey: "nope", LegID: "CA1", Status: internal_type.LegCompleted})
	require.NoError(t, err)
	events, err := h.transfer.Events(context.Background(), "nope")
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestInspect_StoredSession(t *testing.T) {
	h := newHarness(t)
	h.start(t, "room-i")
	_, err := h.transfer.Cancel(context.Background(), "room-i")
	require.NoError(t, err)

	inspection, err := h.transfer.Inspect(context.Background(), "room-i", false)
	require.NoError(t, err)
	assert.Equal(t, internal_transferstate.StatusCancelled, inspection.Session.Status)
	assert.Nil(t, inspection.Legs)

	_, err = h.transfer.Inspect(context.Background(), "room-missing", false)
	assert.ErrorIs(t, err, ErrNoActiveTransfer)
}

// sessionStore serves a single session and nothing else.
type sessionStore struct {
	internal_transferstate.Store
	session *internal_transferstate.Session
}

func (s *sessionStore) Get(_ context.Context, key internal_transferstate.Key) (*internal_transferstate.Session, error) {
	if s.session == nil || s.session.SessionKey != key {
		return nil, internal_transferstate.ErrNotFound
	}
	return s.session.Clone(), nil
}

func TestInspect_LiveLegStatus(t *testing.T) {
	logger := newTestLogger(t)
	// The rotating file sink starts its background goroutine on first write.
	logger.Info("inspect live")
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	renderer, err := internal_instruction.NewRenderer(logger, internal_instruction.Config{PublicBaseURL: "https://xfer.example.com"})
	require.NoError(t, err)
	calls := newFakeCalls()
	calls.statuses["L1"] = internal_type.LegInProgress
	calls.statusErrs["CA2"] = internal_type.ErrLegEnded
	calls.statusErrs["A1"] = errors.New("rate limited")

	store := &sessionStore{session: &internal_transferstate.Session{
		SessionKey:      "room-l",
		Status:          internal_transferstate.StatusConsulting,
		CallerLegID:     "L1",
		TransfereeLegID: "CA2",
		AgentLegID:      "A1",
	}}
	tr := NewTransfer(logger, store, calls, renderer, Options{})

	inspection, err := tr.Inspect(context.Background(), "room-l", true)
	require.NoError(t, err)
	require.Len(t, inspection.Legs, 3)
	assert.Equal(t, LegState{LegID: "L1", Status: internal_type.LegInProgress}, inspection.Legs["caller"])
	assert.Equal(t, LegState{LegID: "CA2", Status: internal_type.LegCompleted}, inspection.Legs["transferee"])
	assert.Equal(t, internal_type.LegUnknown, inspection.Legs["agent"].Status)
	assert.Equal(t, "rate limited", inspection.Legs["agent"].Error)
	assert.Len(t, calls.matching(opStatus, "", ""), 3)
}
