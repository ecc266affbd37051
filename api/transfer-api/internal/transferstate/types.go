// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_transferstate

import (
	"errors"
	"fmt"
	"time"

	"github.com/rapidaai/callbridge/pkg/utils"
)

var (
	ErrNotFound = errors.New("transfer session not found")

	// ErrSessionExists is returned by Create while a non-terminal session holds the key.
	ErrSessionExists = errors.New("non-terminal transfer session already exists")

	// ErrStaleTransition is returned when the stored status no longer matches the
	// status the caller read; another invocation won the race.
	ErrStaleTransition = errors.New("transfer session status changed concurrently")

	ErrInvalidTransition = errors.New("transition not permitted")
)

// Key identifies a transfer session across independent invocations. It is
// derived from the hosting call or room identity.
type Key string

func (k Key) String() string {
	return string(k)
}

type Status string

const (
	// StatusHolding is the claim written before the first provider command.
	// The caller is being parked and the transferee not yet dialed.
	StatusHolding    Status = "holding"
	StatusConsulting Status = "consulting"
	StatusBridged    Status = "bridged"
	StatusDeclined   Status = "declined"
	StatusCancelled  Status = "cancelled"
)

func ParseStatus(s string) (Status, error) {
	switch st := Status(s); st {
	case StatusHolding, StatusConsulting, StatusBridged, StatusDeclined, StatusCancelled:
		return st, nil
	}
	return "", fmt.Errorf("unknown transfer status %q", s)
}

func (s Status) IsTerminal() bool {
	switch s {
	case StatusBridged, StatusDeclined, StatusCancelled:
		return true
	case StatusHolding, StatusConsulting:
		return false
	}
	return false
}

// CanTransition reports whether next is reachable from s in one step.
func (s Status) CanTransition(next Status) bool {
	switch s {
	case StatusHolding:
		return next == StatusConsulting || next == StatusBridged || next == StatusCancelled
	case StatusConsulting:
		return next == StatusBridged || next == StatusCancelled || next == StatusDeclined
	case StatusBridged, StatusDeclined, StatusCancelled:
		return false
	}
	return false
}

type Actor string

const (
	ActorOrchestrator Actor = "orchestrator"
	ActorCallback     Actor = "callback"
	ActorProvider     Actor = "provider"
)

// Session is the state of one in-flight transfer.
//
// TransfereeLegID is written once, by the transition out of holding.
// ConferenceID is written only by the transition into bridged.
type Session struct {
	SessionKey      Key       `json:"sessionKey" gorm:"column:session_key;type:varchar(255);primaryKey"`
	SessionID       string    `json:"sessionId" gorm:"column:session_id;type:varchar(36);not null"`
	Status          Status    `json:"status" gorm:"column:status;type:varchar(20);not null;index"`
	CallerLegID     string    `json:"callerLegId" gorm:"column:caller_leg_id;type:varchar(200);not null"`
	TransfereeLegID string    `json:"transfereeLegId,omitempty" gorm:"column:transferee_leg_id;type:varchar(200);not null;default:''"`
	AgentLegID      string    `json:"agentLegId,omitempty" gorm:"column:agent_leg_id;type:varchar(200);not null;default:''"`
	ConferenceID    string    `json:"conferenceId,omitempty" gorm:"column:conference_id;type:varchar(255);not null;default:''"`
	TargetAddress   string    `json:"targetAddress" gorm:"column:target_address;type:varchar(50);not null"`
	TargetLabel     string    `json:"targetLabel,omitempty" gorm:"column:target_label;type:varchar(255);not null;default:''"`
	OriginAddress   string    `json:"originAddress" gorm:"column:origin_address;type:varchar(50);not null"`
	ConversationRef string    `json:"conversationRef,omitempty" gorm:"column:conversation_ref;type:varchar(255);not null;default:''"`
	AgentName       string    `json:"agentName,omitempty" gorm:"column:agent_name;type:varchar(255);not null;default:''"`
	CallerMuted     bool      `json:"callerMuted" gorm:"column:caller_muted;not null;default:false"`
	CreatedAt       time.Time `json:"createdAt" gorm:"column:created_at;not null"`
	UpdatedAt       time.Time `json:"updatedAt" gorm:"column:updated_at;not null"`
	ExpiresAt       time.Time `json:"expiresAt" gorm:"column:expires_at;not null;index"`
}

func (Session) TableName() string {
	return "transfer_sessions"
}

func (s *Session) Clone() *Session {
	c := *s
	return &c
}

func (s *Session) Expired(now time.Time) bool {
	return !s.ExpiresAt.After(now)
}

// Event is one append-only audit entry. Control flow never reads events back.
type Event struct {
	Id         uint64                 `json:"-" gorm:"column:id;primaryKey;autoIncrement"`
	Sequence   string                 `json:"sequence" gorm:"-"`
	SessionKey Key                    `json:"sessionKey" gorm:"column:session_key;type:varchar(255);not null;index"`
	SessionID  string                 `json:"sessionId,omitempty" gorm:"column:session_id;type:varchar(36);not null;default:''"`
	FromState  *Status                `json:"fromState" gorm:"column:from_state;type:varchar(20)"`
	ToState    Status                 `json:"toState" gorm:"column:to_state;type:varchar(20);not null"`
	Actor      Actor                  `json:"actor" gorm:"column:actor;type:varchar(20);not null"`
	Detail     map[string]interface{} `json:"detail,omitempty" gorm:"column:detail;type:jsonb;serializer:json"`
	RecordedAt time.Time              `json:"recordedAt" gorm:"column:recorded_at;not null"`
}

func (Event) TableName() string {
	return "transfer_events"
}

// StatusPtr is a helper for Event.FromState.
func StatusPtr(s Status) *Status {
	return utils.Ptr(s)
}
