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
	"time"

	internal_instruction "github.com/rapidaai/callbridge/api/transfer-api/internal/instruction"
	internal_transferstate "github.com/rapidaai/callbridge/api/transfer-api/internal/transferstate"
	internal_type "github.com/rapidaai/callbridge/api/transfer-api/internal/type"
	"github.com/rapidaai/callbridge/pkg/commons"
)

const (
	DefaultSessionTTL     = 30 * time.Minute
	DefaultCommandTimeout = 10 * time.Second
)

type Options struct {
	SessionTTL     time.Duration
	CommandTimeout time.Duration
	// FallbackCallerID is the origin used for outbound legs when a request
	// carries none.
	FallbackCallerID string
	Now              func() time.Time
}

type StartRequest struct {
	CallerLegID     string
	TargetAddress   string
	TargetLabel     string
	OriginAddress   string
	SessionKey      string
	ConversationRef string
	AgentName       string
}

type ConferenceRequest struct {
	CallerLegID     string
	AgentLegID      string
	TargetAddress   string
	TargetLabel     string
	OriginAddress   string
	SessionKey      string
	ConversationRef string
	AgentName       string
}

// BridgeResult is the outcome of joining legs into a conference. LegErrors
// lists legs whose redirect failed; the session is bridged regardless.
type BridgeResult struct {
	Session      *internal_transferstate.Session
	ConferenceID string
	LegErrors    map[string]string
}

// Transfer drives warm and one-shot transfers. It keeps no state between
// calls; every coordination point is a conditional write to the store.
type Transfer interface {
	Start(ctx context.Context, req StartRequest) (*internal_transferstate.Session, error)
	Complete(ctx context.Context, key internal_transferstate.Key) (*BridgeResult, error)
	Cancel(ctx context.Context, key internal_transferstate.Key) (*internal_transferstate.Session, error)

	Decide(ctx context.Context, ev DecisionEvent) (*DecisionResult, error)
	Conference(ctx context.Context, req ConferenceRequest) (*BridgeResult, error)

	// RecordProviderEvent appends a provider status report to the audit log.
	// It never changes session state.
	RecordProviderEvent(ctx context.Context, ev ProviderEvent) error

	Inspect(ctx context.Context, key internal_transferstate.Key, live bool) (*Inspection, error)
	Events(ctx context.Context, key internal_transferstate.Key) ([]internal_transferstate.Event, error)
}

type orchestrator struct {
	logger   commons.Logger
	store    internal_transferstate.Store
	calls    internal_type.CallControl
	renderer internal_instruction.Renderer
	opts     Options
}

func NewTransfer(logger commons.Logger,
	store internal_transferstate.Store,
	calls internal_type.CallControl,
	renderer internal_instruction.Renderer,
	opts Options) Transfer {
	if opts.SessionTTL <= 0 {
		opts.SessionTTL = DefaultSessionTTL
	}
	if opts.CommandTimeout <= 0 {
		opts.CommandTimeout = DefaultCommandTimeout
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	return &orchestrator{
		logger:   logger,
		store:    store,
		calls:    calls,
		renderer: renderer,
		opts:     opts,
	}
}

// commandKey is the idempotency key of one provider command:
// <session id>:<transition>:<leg role>:<command>.
func commandKey(s *internal_transferstate.Session, transition, role, command string) string {
	return strings.Join([]string{s.SessionID, transition, role, command}, ":")
}

// Transition tags of the compensating commands. Each path that brings the
// caller back gets its own tag: a cancel can unhold the caller before a
// racing hold lands, and the lost-claim unhold must still go out after it.
const (
	transitionCancelled = "cancelled"
	transitionRestore   = "restore"
	transitionLostClaim = "lost_claim"
)

func (o *orchestrator) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, o.opts.CommandTimeout)
}

func (o *orchestrator) redirect(ctx context.Context, legID, url, key string) error {
	cctx, cancel := o.withTimeout(ctx)
	defer cancel()
	return o.calls.Redirect(cctx, internal_type.Command{LegID: legID, InstructionURL: url, IdempotencyKey: key})
}

// terminate hangs up legID. A leg that already ended counts as terminated.
func (o *orchestrator) terminate(ctx context.Context, legID, key string) error {
	cctx, cancel := o.withTimeout(ctx)
	defer cancel()
	err := o.calls.Terminate(cctx, internal_type.Command{LegID: legID, IdempotencyKey: key})
	if errors.Is(err, internal_type.ErrLegEnded) {
		return nil
	}
	return err
}

func (o *orchestrator) originate(ctx context.Context, s *internal_transferstate.Session, instructionURL, key string) (string, error) {
	cctx, cancel := o.withTimeout(ctx)
	defer cancel()
	return o.calls.Originate(cctx, internal_type.OriginateCommand{
		To:                   s.TargetAddress,
		From:                 s.OriginAddress,
		InstructionURL:       instructionURL,
		StatusCallbackURL:    o.renderer.StatusCallbackURL(s.SessionKey.String()),
		StatusCallbackEvents: []string{"answered", "completed"},
		IdempotencyKey:       key,
	})
}

// compensate runs a step that restores a leg to its last known-good state.
// It is detached from the request context so a client that gives up does not
// abort the cleanup.
func (o *orchestrator) compensate(ctx context.Context, s *internal_transferstate.Session, step string, fn func(context.Context) error) {
	err := fn(context.WithoutCancel(ctx))
	if err != nil {
		compensationsTotal.WithLabelValues(step, "error").Inc()
		o.logger.Errorw("compensation failed",
			"session_key", s.SessionKey, "session_id", s.SessionID, "step", step, "error", err)
		return
	}
	compensationsTotal.WithLabelValues(step, "ok").Inc()
	o.logger.Infow("compensation applied", "session_key", s.SessionKey, "step", step)
}

// restoreCaller redirects the caller back to the agent. transition names the
// path doing the restore and keeps its idempotency key apart from the others.
func (o *orchestrator) restoreCaller(ctx context.Context, s *internal_transferstate.Session, transition string) error {
	url := o.renderer.URL(internal_instruction.KindUnhold, o.params(s))
	return o.redirect(ctx, s.CallerLegID, url, commandKey(s, transition, "caller", "redirect"))
}

func (o *orchestrator) params(s *internal_transferstate.Session) internal_instruction.Params {
	return internal_instruction.Params{
		SessionKey:      s.SessionKey.String(),
		ConferenceID:    s.ConferenceID,
		ServiceNumber:   s.OriginAddress,
		TargetLabel:     s.TargetLabel,
		AgentName:       s.AgentName,
		ConversationRef: s.ConversationRef,
		EndOnExit:       true,
	}
}

// claim writes the holding session that guards a key while provider commands
// are in flight.
func (o *orchestrator) claim(ctx context.Context, s *internal_transferstate.Session) error {
	now := o.opts.Now()
	s.SessionID = newSessionID()
	s.Status = internal_transferstate.StatusHolding
	s.CallerMuted = true
	s.CreatedAt = now
	s.ExpiresAt = now.Add(o.opts.SessionTTL)
	if err := o.store.Create(ctx, s); err != nil {
		if errors.Is(err, internal_transferstate.ErrSessionExists) {
			return fmt.Errorf("%w: session %s", ErrConflict, s.SessionKey)
		}
		return fmt.Errorf("failed to claim session %s: %w", s.SessionKey, err)
	}
	o.logger.Infow("transfer session claimed", "session_key", s.SessionKey, "session_id", s.SessionID)
	return nil
}

func (o *orchestrator) release(ctx context.Context, s *internal_transferstate.Session) {
	if err := o.store.Release(context.WithoutCancel(ctx), s.SessionKey, s.SessionID); err != nil {
		o.logger.Errorw("failed to release session claim", "session_key", s.SessionKey, "error", err)
	}
}

// load returns the live, non-terminal session for key.
func (o *orchestrator) load(ctx context.Context, key internal_transferstate.Key) (*internal_transferstate.Session, error) {
	if key == "" {
		return nil, invalid("session key is required")
	}
	s, err := o.store.Get(ctx, key)
	if err != nil {
		if errors.Is(err, internal_transferstate.ErrNotFound) {
			return nil, fmt.Errorf("%w: session %s", ErrNoActiveTransfer, key)
		}
		return nil, fmt.Errorf("failed to load session %s: %w", key, err)
	}
	if s.Status.IsTerminal() {
		return nil, &TerminalError{Key: key, Status: s.Status}
	}
	return s, nil
}

// transition applies from -> next.Status and translates a lost race into the
// error the caller would have seen had it arrived second.
func (o *orchestrator) transition(ctx context.Context, from internal_transferstate.Status, next *internal_transferstate.Session) error {
	err := o.store.Transition(ctx, from, next)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, internal_transferstate.ErrNotFound):
		return fmt.Errorf("%w: session %s", ErrNoActiveTransfer, next.SessionKey)
	case errors.Is(err, internal_transferstate.ErrStaleTransition):
		current, gerr := o.store.Get(ctx, next.SessionKey)
		if gerr == nil && current.Status.IsTerminal() {
			return &TerminalError{Key: next.SessionKey, Status: current.Status}
		}
		return fmt.Errorf("%w: session %s changed concurrently", ErrConflict, next.SessionKey)
	}
	return fmt.Errorf("failed to transition session %s to %s: %w", next.SessionKey, next.Status, err)
}

// audit appends an event. The transition it describes is already committed,
// so a failed append is logged rather than returned.
func (o *orchestrator) audit(ctx context.Context, s *internal_transferstate.Session, from *internal_transferstate.Status, actor internal_transferstate.Actor, detail map[string]interface{}) {
	e := &internal_transferstate.Event{
		SessionKey: s.SessionKey,
		SessionID:  s.SessionID,
		FromState:  from,
		ToState:    s.Status,
		Actor:      actor,
		Detail:     detail,
		RecordedAt: o.opts.Now(),
	}
	if err := o.store.Append(context.WithoutCancel(ctx), e); err != nil {
		o.logger.Errorw("failed to append transfer event",
			"session_key", s.SessionKey, "to_state", s.Status, "error", err)
	}
}
