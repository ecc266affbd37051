// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_transferstate

import (
	"context"
	"fmt"
	"time"
)

// Store keeps transfer sessions keyed by Key, and their audit events.
//
// Every write is conditional on the status the caller last read; there is no
// unconditional update. Expired sessions behave exactly like missing ones.
type Store interface {
	// Create writes s when no live non-terminal session holds the key. A terminal
	// or expired session under the same key is replaced.
	Create(ctx context.Context, s *Session) error

	// Get returns the live session for key or ErrNotFound.
	Get(ctx context.Context, key Key) (*Session, error)

	// Transition replaces the stored session with next if the stored status is
	// still from. It returns ErrNotFound for a missing or expired session and
	// ErrStaleTransition when another writer changed the status first.
	Transition(ctx context.Context, from Status, next *Session) error

	// Release removes a holding claim created by sessionID. Anything else under
	// the key is left untouched.
	Release(ctx context.Context, key Key, sessionID string) error

	Append(ctx context.Context, e *Event) error

	// Events lists the audit events for key oldest first.
	Events(ctx context.Context, key Key) ([]Event, error)
}

func validateTransition(from Status, next *Session) error {
	if next == nil || next.SessionKey == "" {
		return fmt.Errorf("transition requires a session key")
	}
	if next.SessionID == "" {
		return fmt.Errorf("transition requires a session id")
	}
	if !from.CanTransition(next.Status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, next.Status)
	}
	return nil
}

func prepareCreate(s *Session, now time.Time) error {
	if s == nil || s.SessionKey == "" {
		return fmt.Errorf("create requires a session key")
	}
	if s.SessionID == "" {
		return fmt.Errorf("create requires a session id")
	}
	if s.Status.IsTerminal() {
		return fmt.Errorf("%w: cannot create a session in %s", ErrInvalidTransition, s.Status)
	}
	if s.ExpiresAt.IsZero() || !s.ExpiresAt.After(now) {
		return fmt.Errorf("create requires an expiry in the future")
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = now
	}
	s.UpdatedAt = now
	return nil
}
