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
	internal_type "github.com/rapidaai/callbridge/api/transfer-api/internal/type"
	"github.com/rapidaai/callbridge/pkg/utils"
)

func (o *orchestrator) Start(ctx context.Context, req StartRequest) (session *internal_transferstate.Session, err error) {
	defer func() { observe("start", err) }()
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
		TargetAddress:   target,
		TargetLabel:     req.TargetLabel,
		OriginAddress:   utils.FirstNonEmpty(NormalizeAddress(req.OriginAddress), o.opts.FallbackCallerID),
		ConversationRef: req.ConversationRef,
		AgentName:       req.AgentName,
	}
	if err := o.claim(ctx, claim); err != nil {
		return nil, err
	}

	holdURL := o.renderer.URL(internal_instruction.KindHold, o.params(claim))
	if err := o.redirect(ctx, claim.CallerLegID, holdURL, commandKey(claim, "holding", "caller", "redirect")); err != nil {
		o.logger.Errorw("failed to hold caller", "session_key", claim.SessionKey, "caller_leg_id", claim.CallerLegID, "error", err)
		o.release(ctx, claim)
		return nil, fmt.Errorf("%w: hold caller %s: %v", ErrProviderFailure, claim.CallerLegID, err)
	}

	consultURL := o.renderer.URL(internal_instruction.KindConsult, o.params(claim))
	legID, err := o.originate(ctx, claim, consultURL, commandKey(claim, "consulting", "transferee", "originate"))
	if err != nil {
		o.logger.Errorw("failed to dial transferee", "session_key", claim.SessionKey, "target", target, "error", err)
		o.compensate(ctx, claim, "start_unhold_caller", func(cctx context.Context) error {
			return o.restoreCaller(cctx, claim, transitionRestore)
		})
		o.release(ctx, claim)
		return nil, fmt.Errorf("%w: dial %s: %v", ErrProviderFailure, target, err)
	}

	next := claim.Clone()
	next.Status = internal_transferstate.StatusConsulting
	next.TransfereeLegID = legID
	if err := o.transition(ctx, internal_transferstate.StatusHolding, next); err != nil {
		// Someone cancelled the claim while we were dialing, or the store failed.
		// Either way nothing will ever reference the new leg. A cancel may have
		// unheld the caller before our hold landed, so the unhold is sent again.
		o.logger.Warnw("lost holding claim after dialing transferee",
			"session_key", claim.SessionKey, "transferee_leg_id", legID, "error", err)
		o.compensate(ctx, next, "start_terminate_transferee", func(cctx context.Context) error {
			return o.terminate(cctx, legID, commandKey(next, transitionLostClaim, "transferee", "terminate"))
		})
		o.compensate(ctx, next, "start_unhold_caller", func(cctx context.Context) error {
			return o.restoreCaller(cctx, next, transitionLostClaim)
		})
		if errors.Is(err, ErrNoActiveTransfer) || errors.Is(err, ErrConflict) {
			return nil, fmt.Errorf("%w: session %s was cancelled while dialing", ErrConflict, claim.SessionKey)
		}
		o.release(ctx, claim)
		return nil, err
	}

	o.audit(ctx, next, nil, internal_transferstate.ActorOrchestrator, map[string]interface{}{
		"caller_leg_id":     next.CallerLegID,
		"transferee_leg_id": legID,
		"target_address":    target,
		"origin_address":    next.OriginAddress,
	})
	o.logger.Infow("transfer consulting", "session_key", next.SessionKey, "transferee_leg_id", legID)
	return next, nil
}

func (o *orchestrator) Complete(ctx context.Context, key internal_transferstate.Key) (result *BridgeResult, err error) {
	defer func() { observe("complete", err) }()
	return o.bridge(ctx, key, internal_transferstate.ActorOrchestrator, "")
}

// bridge commits consulting -> bridged with a fresh conference id and then
// points both legs at it. Committing first means a concurrent cancel either
// wins outright or finds the session already bridged; the two never issue
// commands against the same legs.
func (o *orchestrator) bridge(ctx context.Context, key internal_transferstate.Key, actor internal_transferstate.Actor, agentName string) (*BridgeResult, error) {
	session, err := o.load(ctx, key)
	if err != nil {
		return nil, err
	}
	if session.Status == internal_transferstate.StatusHolding || session.TransfereeLegID == "" {
		return nil, fmt.Errorf("%w: session %s has no transferee leg yet", ErrNotReady, key)
	}

	next := session.Clone()
	next.Status = internal_transferstate.StatusBridged
	next.ConferenceID = NewConferenceID(key.String(), o.opts.Now())
	next.CallerMuted = false
	next.AgentName = utils.FirstNonEmpty(agentName, session.AgentName)
	if err := o.transition(ctx, session.Status, next); err != nil {
		return nil, err
	}

	// The join instruction carries muted=false for the caller, who was parked
	// muted on hold.
	params := o.params(next)
	params.Muted = false
	legErrors := map[string]string{}
	cctx, cancel := o.withTimeout(context.WithoutCancel(ctx))
	defer cancel()
	merr := o.calls.Merge(cctx, internal_type.MergeCommand{
		LegIDs:         []string{next.CallerLegID, next.TransfereeLegID},
		ConferenceID:   next.ConferenceID,
		InstructionURL: o.renderer.URL(internal_instruction.KindConference, params),
		IdempotencyKey: commandKey(next, "bridged", "leg", "redirect"),
	})
	var failed *internal_type.MergeError
	switch {
	case merr == nil:
	case errors.As(merr, &failed):
		for leg, e := range failed.Failed {
			legErrors[leg] = e.Error()
			o.logger.Errorw("failed to join leg to conference",
				"session_key", key, "conference_id", next.ConferenceID, "leg_id", leg, "error", e)
		}
	default:
		legErrors[next.CallerLegID] = merr.Error()
		legErrors[next.TransfereeLegID] = merr.Error()
	}

	detail := map[string]interface{}{
		"conference_id":  next.ConferenceID,
		"caller_unmuted": legErrors[next.CallerLegID] == "",
	}
	if len(legErrors) > 0 {
		detail["leg_errors"] = legErrors
	}
	o.audit(ctx, next, internal_transferstate.StatusPtr(session.Status), actor, detail)

	result := &BridgeResult{Session: next, ConferenceID: next.ConferenceID, LegErrors: legErrors}
	if len(legErrors) == 2 {
		return result, fmt.Errorf("%w: no leg joined conference %s", ErrProviderFailure, next.ConferenceID)
	}
	o.logger.Infow("transfer bridged", "session_key", key, "conference_id", next.ConferenceID, "failed_legs", len(legErrors))
	return result, nil
}

func (o *orchestrator) Cancel(ctx context.Context, key internal_transferstate.Key) (session *internal_transferstate.Session, err error) {
	defer func() { observe("cancel", err) }()
	current, err := o.load(ctx, key)
	if err != nil {
		return nil, err
	}
	next := current.Clone()
	next.Status = internal_transferstate.StatusCancelled
	if err := o.transition(ctx, current.Status, next); err != nil {
		return nil, err
	}

	detail := map[string]interface{}{}
	if next.TransfereeLegID != "" {
		if terr := o.terminate(context.WithoutCancel(ctx), next.TransfereeLegID, commandKey(next, transitionCancelled, "transferee", "terminate")); terr != nil {
			o.logger.Errorw("failed to hang up transferee", "session_key", key, "transferee_leg_id", next.TransfereeLegID, "error", terr)
			detail["transferee_error"] = terr.Error()
		}
	}
	uerr := o.restoreCaller(context.WithoutCancel(ctx), next, transitionCancelled)
	if uerr != nil {
		o.logger.Errorw("failed to restore caller", "session_key", key, "caller_leg_id", next.CallerLegID, "error", uerr)
		detail["caller_error"] = uerr.Error()
	}
	o.audit(ctx, next, internal_transferstate.StatusPtr(current.Status), internal_transferstate.ActorOrchestrator, detail)
	if uerr != nil {
		return next, fmt.Errorf("%w: restore caller %s: %v", ErrProviderFailure, next.CallerLegID, uerr)
	}
	o.logger.Infow("transfer cancelled", "session_key", key, "from", current.Status)
	return next, nil
}
