// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package internal_type

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"
)

var (
	// ErrLegEnded is returned when the provider reports that the leg no longer
	// exists or has already completed.
	ErrLegEnded = errors.New("call leg already ended")

	// ErrDuplicateCommand is returned by Originate when the idempotency key was
	// already used; a second outbound leg is never placed for the same key.
	ErrDuplicateCommand = errors.New("duplicate provider command")
)

// Dialect is the instruction markup a provider fetches from an instruction_ref.
type Dialect string

const (
	DialectTwiML Dialect = "twiml"
	DialectNCCO  Dialect = "ncco"
)

func (d Dialect) Valid() bool {
	switch d {
	case DialectTwiML, DialectNCCO:
		return true
	}
	return false
}

type LegStatus string

const (
	LegQueued     LegStatus = "queued"
	LegRinging    LegStatus = "ringing"
	LegInProgress LegStatus = "in-progress"
	LegCompleted  LegStatus = "completed"
	LegBusy       LegStatus = "busy"
	LegFailed     LegStatus = "failed"
	LegNoAnswer   LegStatus = "no-answer"
	LegCanceled   LegStatus = "canceled"
	LegUnknown    LegStatus = "unknown"
)

// ParseLegStatus maps a provider call status onto LegStatus. Both the
// TwiML/LaML vocabulary and Vonage event names are understood.
func ParseLegStatus(s string) LegStatus {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "queued", "initiated", "started":
		return LegQueued
	case "ringing":
		return LegRinging
	case "in-progress", "answered":
		return LegInProgress
	case "completed":
		return LegCompleted
	case "busy":
		return LegBusy
	case "failed", "rejected":
		return LegFailed
	case "no-answer", "timeout", "unanswered":
		return LegNoAnswer
	case "canceled", "cancelled":
		return LegCanceled
	}
	return LegUnknown
}

// Ended reports whether the leg can no longer be controlled.
func (s LegStatus) Ended() bool {
	switch s {
	case LegCompleted, LegBusy, LegFailed, LegNoAnswer, LegCanceled:
		return true
	case LegQueued, LegRinging, LegInProgress, LegUnknown:
		return false
	}
	return false
}

// Command addresses one existing leg.
type Command struct {
	LegID          string
	InstructionURL string
	IdempotencyKey string
}

type OriginateCommand struct {
	To                   string
	From                 string
	InstructionURL       string
	StatusCallbackURL    string
	StatusCallbackEvents []string
	IdempotencyKey       string
}

// MergeCommand joins every leg into ConferenceID. The provider receives one
// redirect per leg, never an atomic multi-leg operation.
type MergeCommand struct {
	LegIDs         []string
	ConferenceID   string
	InstructionURL string
	IdempotencyKey string
}

// CallControl is the narrow capability surface of an external call-control
// provider. Implementations hold no transfer state.
type CallControl interface {
	Name() string
	Dialect() Dialect

	// Redirect points an active leg at new instructions.
	Redirect(ctx context.Context, cmd Command) error

	// Originate places a new outbound leg and returns its provider id.
	Originate(ctx context.Context, cmd OriginateCommand) (string, error)

	// Terminate hangs up a leg. A leg that has already ended is success.
	Terminate(ctx context.Context, cmd Command) error

	// Merge redirects every leg to the conference instructions. The returned
	// error is a *MergeError listing the legs that failed.
	Merge(ctx context.Context, cmd MergeCommand) error

	Status(ctx context.Context, legID string) (LegStatus, error)
}

// CommandLedger records idempotency keys of provider commands that were
// already issued.
type CommandLedger interface {
	// Reserve returns false when key was already reserved and not released.
	Reserve(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key string) error
}

// WebhookVerifier authenticates an inbound provider webhook. publicURL is the
// URL the provider called, as seen from outside any proxy.
type WebhookVerifier interface {
	VerifyWebhook(r *http.Request, publicURL string, params map[string]string) bool
}
