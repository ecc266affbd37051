// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_transfer

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	internal_transferstate "github.com/rapidaai/callbridge/api/transfer-api/internal/transferstate"
)

func TestParseDecision(t *testing.T) {
	tests := []struct {
		name    string
		params  map[string]string
		want    DecisionEvent
		wantErr bool
	}{
		{
			name:   "connect by conf_name",
			params: map[string]string{"conf_name": "room-42", "action": "connect"},
			want:   DecisionEvent{SessionKey: "room-42", Verdict: VerdictAccept},
		},
		{
			name:   "accept by session_key with agent",
			params: map[string]string{"session_key": "room-1", "verdict": "ACCEPT", "agent_name": " Ava "},
			want:   DecisionEvent{SessionKey: "room-1", Verdict: VerdictAccept, AgentName: "Ava"},
		},
		{
			name:   "reject by room",
			params: map[string]string{"room": "room-2", "action": "reject"},
			want:   DecisionEvent{SessionKey: "room-2", Verdict: VerdictDecline},
		},
		{
			name:   "session_key wins over room",
			params: map[string]string{"session_key": "a", "room": "b", "action": "decline"},
			want:   DecisionEvent{SessionKey: "a", Verdict: VerdictDecline},
		},
		{name: "missing key", params: map[string]string{"action": "connect"}, wantErr: true},
		{name: "unknown verdict", params: map[string]string{"room": "r", "action": "maybe"}, wantErr: true},
		{name: "missing verdict", params: map[string]string{"room": "r"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseDecision(tt.params)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidRequest)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDecide_AcceptUnmutesCaller(t *testing.T) {
	h := newHarness(t)
	s := h.start(t, "room-a")

	result, err := h.transfer.Decide(context.Background(), DecisionEvent{SessionKey: "room-a", Verdict: VerdictAccept, AgentName: "Ava"})
	require.NoError(t, err)
	assert.False(t, result.NoOp)
	require.NotNil(t, result.Bridge)
	assert.Equal(t, internal_transferstate.StatusBridged, result.Session.Status)
	assert.False(t, result.Session.CallerMuted)
	assert.Equal(t, "Ava", result.Session.AgentName)

	joins := h.calls.matching(opRedirect, "L1", "/instructions/conference?")
	require.Len(t, joins, 1)
	u, err := url.Parse(joins[0].URL)
	require.NoError(t, err)
	assert.Equal(t, "false", u.Query().Get("muted"))
	assert.Equal(t, result.Bridge.ConferenceID, u.Query().Get("conf_name"))
	assert.Len(t, h.calls.matching(opRedirect, s.TransfereeLegID, "/instructions/conference?"), 1)

	events, err := h.transfer.Events(context.Background(), "room-a")
	require.NoError(t, err)
	last := events[len(events)-1]
	assert.Equal(t, internal_transferstate.ActorCallback, last.Actor)
	assert.Equal(t, true, last.Detail["caller_unmuted"])
}

func TestDecide_DeclineHangsUpThenReturnsCaller(t *testing.T) {
	h := newHarness(t)
	s := h.start(t, "room-d")

	result, err := h.transfer.Decide(context.Background(), DecisionEvent{SessionKey: "room-d", Verdict: VerdictDecline, AgentName: "Ava"})
	require.NoError(t, err)
	assert.False(t, result.NoOp)
	assert.Equal(t, internal_transferstate.StatusDeclined, result.Session.Status)
	assert.Empty(t, result.Session.ConferenceID)

	calls := h.calls.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, opTerminate, calls[0].Op)
	assert.Equal(t, s.TransfereeLegID, calls[0].Leg)
	assert.Equal(t, s.SessionID+":declined:transferee:terminate", calls[0].Key)
	assert.Equal(t, opRedirect, calls[1].Op)
	assert.Equal(t, "L1", calls[1].Leg)

	u, err := url.Parse(calls[1].URL)
	require.NoError(t, err)
	assert.Equal(t, "/v1/transfer/instructions/declined", u.Path)
	q := u.Query()
	assert.Equal(t, "Sales", q.Get("target_label"))
	assert.Equal(t, "conv-9", q.Get("conversation_ref"))
	assert.Equal(t, "Ava", q.Get("agent_name"))
	assert.Equal(t, "+16042566768", q.Get("service_number"))
	assert.Equal(t, "room-d", q.Get("session_key"))

	assert.Equal(t, internal_transferstate.StatusDeclined, h.session(t, "room-d").Status)
}

func TestDecide_RedeliveredDecisionIsNoOp(t *testing.T) {
	h := newHarness(t)
	h.start(t, "room-n")
	ctx := context.Background()

	_, err := h.transfer.Decide(ctx, DecisionEvent{SessionKey: "room-n", Verdict: VerdictDecline})
	require.NoError(t, err)
	h.calls.Reset()

	for _, v := range []Verdict{VerdictDecline, VerdictAccept} {
		result, err := h.transfer.Decide(ctx, DecisionEvent{SessionKey: "room-n", Verdict: v})
		require.NoError(t, err)
		assert.True(t, result.NoOp)
		assert.NotEmpty(t, result.Reason)
	}
	assert.Empty(t, h.calls.Calls())
	assert.Equal(t, internal_transferstate.StatusDeclined, h.session(t, "room-n").Status)
}

func TestDecide_RedeliveredDecisionThroughLedger(t *testing.T) {
	h := newLedgerHarness(t)
	s := h.start(t, "room-nl")
	ctx := context.Background()

	_, err := h.transfer.Decide(ctx, DecisionEvent{SessionKey: "room-nl", Verdict: VerdictAccept, AgentName: "Ava"})
	require.NoError(t, err)
	for _, v := range []Verdict{VerdictAccept, VerdictDecline, VerdictAccept} {
		result, err := h.transfer.Decide(ctx, DecisionEvent{SessionKey: "room-nl", Verdict: v})
		require.NoError(t, err)
		assert.True(t, result.NoOp)
	}
	_, err = h.transfer.Cancel(ctx, "room-nl")
	assert.ErrorIs(t, err, ErrAlreadyTerminal)

	joins := h.calls.matching(opRedirect, "", "/instructions/conference?")
	require.Len(t, joins, 2)
	assert.ElementsMatch(t, []string{
		s.SessionID + ":bridged:leg:redirect:L1",
		s.SessionID + ":bridged:leg:redirect:" + s.TransfereeLegID,
	}, []string{joins[0].Key, joins[1].Key})
	assert.Empty(t, h.calls.matching(opTerminate, "", ""))
	assert.Empty(t, h.calls.matching(opRedirect, "L1", "/instructions/unhold?"))
	assert.Equal(t, internal_transferstate.StatusBridged, h.session(t, "room-nl").Status)
}

func TestDecide_UnknownOrExpiredSessionIsNoOp(t *testing.T) {
	h := newHarness(t)
	result, err := h.transfer.Decide(context.Background(), DecisionEvent{SessionKey: "room-gone", Verdict: VerdictAccept})
	require.NoError(t, err)
	assert.True(t, result.NoOp)

	h.start(t, "room-exp")
	h.mr.FastForward(DefaultSessionTTL + time.Minute)
	result, err = h.transfer.Decide(context.Background(), DecisionEvent{SessionKey: "room-exp", Verdict: VerdictDecline})
	require.NoError(t, err)
	assert.True(t, result.NoOp)
	assert.Empty(t, h.calls.Calls())
}

func TestDecide_RejectsBadEvents(t *testing.T) {
	h := newHarness(t)
	_, err := h.transfer.Decide(context.Background(), DecisionEvent{Verdict: VerdictAccept})
	assert.ErrorIs(t, err, ErrInvalidRequest)
	_, err = h.transfer.Decide(context.Background(), DecisionEvent{SessionKey: "k", Verdict: "maybe"})
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestCancelRacingAccept(t *testing.T) {
	t.Run("direct provider", func(t *testing.T) {
		raceCancelAgainstAccept(t, newHarness(t))
	})
	t.Run("command ledger", func(t *testing.T) {
		raceCancelAgainstAccept(t, newLedgerHarness(t))
	})
}

func raceCancelAgainstAccept(t *testing.T, h *harness) {
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		key := fmt.Sprintf("room-race-%d", i)
		h.start(t, key)

		var (
			wg        sync.WaitGroup
			cancelErr error
			decision  *DecisionResult
			decideErr error
		)
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, cancelErr = h.transfer.Cancel(ctx, internal_transferstate.Key(key))
		}()
		go func() {
			defer wg.Done()
			decision, decideErr = h.transfer.Decide(ctx, DecisionEvent{SessionKey: internal_transferstate.Key(key), Verdict: VerdictAccept})
		}()
		wg.Wait()
		require.NoError(t, decideErr)

		stored := h.session(t, key)
		switch stored.Status {
		case internal_transferstate.StatusCancelled:
			assert.NoError(t, cancelErr)
			assert.True(t, decision.NoOp)
			assert.Empty(t, stored.ConferenceID)
		case internal_transferstate.StatusBridged:
			assert.ErrorIs(t, cancelErr, ErrAlreadyTerminal)
			assert.False(t, decision.NoOp)
			assert.NotEmpty(t, stored.ConferenceID)
		default:
			t.Fatalf("unexpected status %s", stored.Status)
		}
	}
}
