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

	internal_instruction "github.com/rapidaai/callbridge/api/transfer-api/internal/instruction"
	internal_transferstate "github.com/rapidaai/callbridge/api/transfer-api/internal/transferstate"
	"github.com/rapidaai/callbridge/pkg/utils"
)

// Conference moves the caller (and the agent's media leg when known) straight
// into a new conference and dials the transferee into the same one. There is
// no private consultation.
func (o *orchestrator) Conference(ctx context.Context, req ConferenceRequest) (result *BridgeResult, err error) {
	defer func() { observe("conference", err) }()
	if utils.IsEmpty(req.SessionKey) {
		return nil, invalid("session_key is required")
	}
	if utils.IsEmpty(req.CallerLegID) {
		return nil, invalid("caller_leg_id is required")
	}
	target := NormalizeAddress(req.TargetAddress)
	if target == "" {
		return nil, invalid("target_address %q is not dialable", req.TargetAddress)
	}

	claim := &internal_transferstate.Session{
		SessionKey:      internal_transferstate.Key(req.SessionKey),
		CallerLegID:     req.CallerLegID,
		AgentLegID:      req.AgentLegID,
		TargetAddress:   target,
		TargetLabel:     req.TargetLabel,
		OriginAddress:   utils.FirstNonEmpty(NormalizeAddress(req.OriginAddress), o.opts.FallbackCallerID),
		ConversationRef: req.ConversationRef,
		AgentName:       req.AgentName,
	}
	if err := o.claim(ctx, claim); err != nil {
		return nil, err
	}
	conferenceID := NewConferenceID(req.SessionKey, o.opts.Now())

	joined := o.params(claim)
	joined.ConferenceID = conferenceID
	joined.Muted = false
	joinURL := o.renderer.URL(internal_instruction.KindConference, joined)
	if err := o.redirect(ctx, claim.CallerLegID, joinURL, commandKey(claim, "bridged", "caller", "redirect")); err != nil {
		o.logger.Errorw("failed to move caller into conference", "session_key", claim.SessionKey, "conference_id", conferenceID, "error", err)
		o.release(ctx, claim)
		return nil, fmt.Errorf("%w: join caller %s: %v", ErrProviderFailure, claim.CallerLegID, err)
	}

	legErrors := map[string]string{}
	agentMoved := false
	if claim.AgentLegID != "" {
		agent := joined
		agent.EndOnExit = false
		aerr := o.redirect(ctx, claim.AgentLegID, o.renderer.URL(internal_instruction.KindConference, agent), commandKey(claim, "bridged", "agent", "redirect"))
		if aerr != nil {
			o.logger.Warnw("failed to move agent leg into conference", "session_key", claim.SessionKey, "agent_leg_id", claim.AgentLegID, "error", aerr)
			legErrors[claim.AgentLegID] = aerr.Error()
		} else {
			agentMoved = true
		}
	}

	// Leaves the caller parked in a conference nobody else will join, so the
	// caller has to be brought back out and an orphaned agent leg hung up.
	unwind := func(s *internal_transferstate.Session, transition string) {
		o.compensate(ctx, s, "conference_unhold_caller", func(cctx context.Context) error {
			return o.restoreCaller(cctx, s, transition)
		})
		if agentMoved {
			o.compensate(ctx, s, "conference_terminate_agent", func(cctx context.Context) error {
				return o.terminate(cctx, s.AgentLegID, commandKey(s, transition, "agent", "terminate"))
			})
		}
	}

	legID, err := o.originate(ctx, claim, joinURL, commandKey(claim, "bridged", "transferee", "originate"))
	if err != nil {
		o.logger.Errorw("failed to dial transferee into conference", "session_key", claim.SessionKey, "target", target, "error", err)
		unwind(claim, transitionRestore)
		o.release(ctx, claim)
		return nil, fmt.Errorf("%w: dial %s: %v", ErrProviderFailure, target, err)
	}

	next := claim.Clone()
	next.Status = internal_transferstate.StatusBridged
	next.ConferenceID = conferenceID
	next.TransfereeLegID = legID
	next.CallerMuted = false
	if err := o.transition(ctx, internal_transferstate.StatusHolding, next); err != nil {
		o.logger.Warnw("lost holding claim after dialing transferee into conference",
			"session_key", claim.SessionKey, "transferee_leg_id", legID, "error", err)
		o.compensate(ctx, next, "conference_terminate_transferee", func(cctx context.Context) error {
			return o.terminate(cctx, legID, commandKey(next, transitionLostClaim, "transferee", "terminate"))
		})
		unwind(claim, transitionLostClaim)
		if errors.Is(err, ErrNoActiveTransfer) || errors.Is(err, ErrConflict) {
			return nil, fmt.Errorf("%w: session %s was cancelled while dialing", ErrConflict, claim.SessionKey)
		}
		o.release(ctx, claim)
		return nil, err
	}

	detail := map[string]interface{}{
		"conference_id":     conferenceID,
		"caller_leg_id":     next.CallerLegID,
		"transferee_leg_id": legID,
		"target_address":    target,
		"caller_unmuted":    true,
		"one_shot":          true,
	}
	if next.AgentLegID != "" {
		detail["agent_leg_id"] = next.AgentLegID
		detail["agent_joined"] = agentMoved
	}
	if len(legErrors) > 0 {
		detail["leg_errors"] = legErrors
	}
	o.audit(ctx, next, nil, internal_transferstate.ActorOrchestrator, detail)
	o.logger.Infow("one-shot conference bridged", "session_key", next.SessionKey, "conference_id", conferenceID)
	return &BridgeResult{Session: next, ConferenceID: conferenceID, LegErrors: legErrors}, nil
}
