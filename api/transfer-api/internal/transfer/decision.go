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

	internal_instruction "github.com/rapidaai/callbridge/api/transfer-api/internal/instruction"
	internal_transferstate "github.com/rapidaai/callbridge/api/transfer-api/internal/transferstate"
	"github.com/rapidaai/callbridge/pkg/utils"
)

type Verdict string

const (
	VerdictAccept  Verdict = "accept"
	VerdictDecline Verdict = "decline"
)

func ParseVerdict(s string) (Verdict, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "accept", "connect":
		return VerdictAccept, nil
	case "decline", "reject":
		return VerdictDecline, nil
	}
	return "", invalid("unknown decision %q", s)
}

// DecisionEvent is the agent's verdict on a consultation, reported by the
// provider with whatever identity was embedded in the consult instructions.
type DecisionEvent struct {
	SessionKey internal_transferstate.Key
	Verdict    Verdict
	AgentName  string
}

// ParseDecision reads a decision from webhook parameters. The session may be
// named session_key, conf_name or room; the verdict action or verdict.
func ParseDecision(params map[string]string) (DecisionEvent, error) {
	key := utils.FirstNonEmpty(params["session_key"], params["conf_name"], params["room"])
	if utils.IsEmpty(key) {
		return DecisionEvent{}, invalid("decision carries no session_key, conf_name or room")
	}
	verdict, err := ParseVerdict(utils.FirstNonEmpty(params["action"], params["verdict"]))
	if err != nil {
		return DecisionEvent{}, err
	}
	return DecisionEvent{
		SessionKey: internal_transferstate.Key(strings.TrimSpace(key)),
		Verdict:    verdict,
		AgentName:  strings.TrimSpace(params["agent_name"]),
	}, nil
}

type DecisionResult struct {
	Verdict Verdict
	// NoOp is set when the session was missing, expired or already finished.
	// Providers redeliver decisions, so these are answered with success.
	NoOp    bool
	Reason  string
	Session *internal_transferstate.Session
	Bridge  *BridgeResult
}

func (o *orchestrator) Decide(ctx context.Context, ev DecisionEvent) (result *DecisionResult, err error) {
	defer func() { observe("decide_"+string(ev.Verdict), err) }()
	if ev.SessionKey == "" {
		return nil, invalid("session key is required")
	}
	switch ev.Verdict {
	case VerdictAccept:
		bridge, err := o.bridge(ctx, ev.SessionKey, internal_transferstate.ActorCallback, ev.AgentName)
		if noop, ok := o.noop(ev, err); ok {
			return noop, nil
		}
		if bridge == nil {
			return nil, err
		}
		return &DecisionResult{Verdict: ev.Verdict, Session: bridge.Session, Bridge: bridge}, err
	case VerdictDecline:
		session, err := o.decline(ctx, ev)
		if noop, ok := o.noop(ev, err); ok {
			return noop, nil
		}
		if err != nil && session == nil {
			return nil, err
		}
		return &DecisionResult{Verdict: ev.Verdict, Session: session}, err
	}
	return nil, invalid("unknown decision %q", ev.Verdict)
}

// noop turns "nothing left to decide" into a successful result.
func (o *orchestrator) noop(ev DecisionEvent, err error) (*DecisionResult, bool) {
	if err == nil || !errors.Is(err, ErrNoActiveTransfer) {
		return nil, false
	}
	o.logger.Infow("ignoring decision for inactive transfer", "session_key", ev.SessionKey, "verdict", ev.Verdict, "reason", err)
	return &DecisionResult{Verdict: ev.Verdict, NoOp: true, Reason: err.Error()}, true
}

// decline commits consulting -> declined, hangs up the transferee and then
// sends the caller back to the agent with enough context to explain.
func (o *orchestrator) decline(ctx context.Context, ev DecisionEvent) (*internal_transferstate.Session, error) {
	current, err := o.load(ctx, ev.SessionKey)
	if err != nil {
		return nil, err
	}
	if current.Status == internal_transferstate.StatusHolding {
		return nil, fmt.Errorf("%w: session %s has no transferee leg yet", ErrNotReady, ev.SessionKey)
	}
	next := current.Clone()
	next.Status = internal_transferstate.StatusDeclined
	next.AgentName = utils.FirstNonEmpty(ev.AgentName, current.AgentName)
	if err := o.transition(ctx, current.Status, next); err != nil {
		return nil, err
	}

	dctx := context.WithoutCancel(ctx)
	detail := map[string]interface{}{}
	if next.TransfereeLegID != "" {
		if terr := o.terminate(dctx, next.TransfereeLegID, commandKey(next, "declined", "transferee", "terminate")); terr != nil {
			o.logger.Errorw("failed to hang up declined transferee", "session_key", ev.SessionKey, "transferee_leg_id", next.TransfereeLegID, "error", terr)
			detail["transferee_error"] = terr.Error()
		}
	}
	noticeURL := o.renderer.URL(internal_instruction.KindDeclined, o.params(next))
	rerr := o.redirect(dctx, next.CallerLegID, noticeURL, commandKey(next, "declined", "caller", "redirect"))
	if rerr != nil {
		o.logger.Errorw("failed to return declined caller", "session_key", ev.SessionKey, "caller_leg_id", next.CallerLegID, "error", rerr)
		detail["caller_error"] = rerr.Error()
	}
	o.audit(ctx, next, internal_transferstate.StatusPtr(current.Status), internal_transferstate.ActorCallback, detail)
	if rerr != nil {
		return next, fmt.Errorf("%w: return caller %s: %v", ErrProviderFailure, next.CallerLegID, rerr)
	}
	o.logger.Infow("transfer declined", "session_key", ev.SessionKey, "agent_name", next.AgentName)
	return next, nil
}
