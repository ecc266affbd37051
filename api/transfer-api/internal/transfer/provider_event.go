// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_transfer

import (
	"context"
	"errors"
	"fmt"
	"strings"

	internal_transferstate "github.com/rapidaai/callbridge/api/transfer-api/internal/transferstate"
	internal_type "github.com/rapidaai/callbridge/api/transfer-api/internal/type"
	"github.com/rapidaai/callbridge/pkg/utils"
)

// ProviderEvent is a leg status report delivered to the status callback.
type ProviderEvent struct {
	SessionKey internal_transferstate.Key
	LegID      string
	Status     internal_type.LegStatus
	// RawStatus is the provider's own word for Status.
	RawStatus string
	Duration  string
}

// ParseProviderEvent accepts TwiML/LaML form fields (CallSid, CallStatus) and
// Vonage event fields (uuid, status).
func ParseProviderEvent(key string, params map[string]string) (ProviderEvent, error) {
	if utils.IsEmpty(key) {
		return ProviderEvent{}, invalid("status callback carries no session key")
	}
	legID := utils.FirstNonEmpty(params["CallSid"], params["uuid"], params["call_uuid"])
	raw := utils.FirstNonEmpty(params["CallStatus"], params["status"])
	if utils.IsEmpty(legID) || utils.IsEmpty(raw) {
		return ProviderEvent{}, invalid("status callback requires a leg id and a status")
	}
	return ProviderEvent{
		SessionKey: internal_transferstate.Key(key),
		LegID:      strings.TrimSpace(legID),
		Status:     internal_type.ParseLegStatus(raw),
		RawStatus:  raw,
		Duration:   utils.FirstNonEmpty(params["CallDuration"], params["duration"]),
	}, nil
}

func (o *orchestrator) RecordProviderEvent(ctx context.Context, ev ProviderEvent) (err error) {
	defer func() { observe("provider_event", err) }()
	session, err := o.store.Get(ctx, ev.SessionKey)
	if err != nil {
		if errors.Is(err, internal_transferstate.ErrNotFound) {
			o.logger.Debugf("status callback for unknown session %s (leg %s %s)", ev.SessionKey, ev.LegID, ev.Status)
			return nil
		}
		return fmt.Errorf("failed to load session %s: %w", ev.SessionKey, err)
	}

	detail := map[string]interface{}{
		"leg_id":      ev.LegID,
		"leg_role":    legRole(session, ev.LegID),
		"call_status": string(ev.Status),
		"raw_status":  ev.RawStatus,
	}
	if ev.Duration != "" {
		detail["duration"] = ev.Duration
	}
	if session.Status == internal_transferstate.StatusConsulting && ev.LegID == session.TransfereeLegID && ev.Status.Ended() {
		// The caller stays on hold until the agent declines or cancels.
		o.logger.Warnw("transferee leg ended during consultation",
			"session_key", session.SessionKey, "transferee_leg_id", ev.LegID, "call_status", ev.Status)
	}
	e := &internal_transferstate.Event{
		SessionKey: session.SessionKey,
		SessionID:  session.SessionID,
		FromState:  internal_transferstate.StatusPtr(session.Status),
		ToState:    session.Status,
		Actor:      internal_transferstate.ActorProvider,
		Detail:     detail,
		RecordedAt: o.opts.Now(),
	}
	if err := o.store.Append(ctx, e); err != nil {
		return fmt.Errorf("failed to record provider event for %s: %w", ev.SessionKey, err)
	}
	return nil
}

func legRole(s *internal_transferstate.Session, legID string) string {
	switch legID {
	case "":
		return "unknown"
	case s.CallerLegID:
		return "caller"
	case s.TransfereeLegID:
		return "transferee"
	case s.AgentLegID:
		return "agent"
	}
	return "unknown"
}
